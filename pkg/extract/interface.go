package extract

import (
	"github.com/PuerkitoBio/goquery"
)

// ----------------------------------------------------------------------
// 抽出戦略の定義
// ----------------------------------------------------------------------

// BodyStrategy は、ページから本文を取り出す戦略の一つです。
// 該当する構造が見つからない場合は空文字列を返します。
// Extractor は登録順に戦略を試し、最初に空でない結果を返したものを採用します。
type BodyStrategy func(doc *goquery.Document) string

// Option は Extractor の設定を行うための関数型です。
type Option func(*Extractor)

// WithStrategies は本文抽出の戦略リストを差し替えます。
func WithStrategies(strategies ...BodyStrategy) Option {
	return func(e *Extractor) {
		if len(strategies) > 0 {
			e.strategies = strategies
		}
	}
}

// WithPlaceholderTitle はタイトルが見つからない場合の代替文字列を差し替えます。
func WithPlaceholderTitle(title string) Option {
	return func(e *Extractor) {
		if title != "" {
			e.placeholderTitle = title
		}
	}
}
