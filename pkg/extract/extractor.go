package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	textUtils "github.com/shouni/go-utils/text"

	"github.com/shouni/go-news-harvester/pkg/types"
)

// ----------------------------------------------------------------------
// 定数定義 (解析関連のみ)
// ----------------------------------------------------------------------
const (
	// PlaceholderTitle は、タイトルを特定できなかった場合に保存される文字列です。
	PlaceholderTitle = "Untitled"

	// MinLineLength は、本文コンテナ内で採用する行の最小文字数です。
	MinLineLength = 25

	// MaxBoilerplateLength を超える行は、お知らせではなく本文として扱います。
	MaxBoilerplateLength = 160

	// ページ全体フォールバックでの段落の採用条件
	MinFallbackLength = 60
	MaxFallbackLength = 2000
	MinFallbackWords  = 8
)

// Extractor は、記事ページからタイトル・概要・画像・本文を抽出します。
// 期待するマークアップが存在しないことはエラーではなく、空のフィールドとして扱います。
type Extractor struct {
	strategies       []BodyStrategy
	placeholderTitle string
}

// NewExtractor は、新しいExtractorのインスタンスを生成します。
func NewExtractor(options ...Option) *Extractor {
	e := &Extractor{
		strategies:       DefaultStrategies(),
		placeholderTitle: PlaceholderTitle,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// ----------------------------------------------------------------------
// メイン関数 (メソッド化)
// ----------------------------------------------------------------------

// Extract は goquery.Document から各フィールドを抽出します。
func (e *Extractor) Extract(doc *goquery.Document) types.ArticleFields {
	if doc == nil {
		return types.ArticleFields{Title: e.placeholderTitle}
	}
	return types.ArticleFields{
		Title:    e.extractTitle(doc),
		Teaser:   firstMeta(doc, "og:description", "twitter:description"),
		ImageURL: firstMeta(doc, "og:image", "twitter:image"),
		FullText: e.extractBody(doc),
	}
}

// ExtractFromBytes は生のHTMLを解析してから Extract を実行します。
func (e *Extractor) ExtractFromBytes(html []byte) (types.ArticleFields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return types.ArticleFields{}, fmt.Errorf("HTML解析に失敗しました: %w", err)
	}
	return e.Extract(doc), nil
}

// extractTitle は og:title → twitter:title → 最初の h1 → h2/h3 → プレースホルダーの順に試します。
func (e *Extractor) extractTitle(doc *goquery.Document) string {
	if title := firstMeta(doc, "og:title", "twitter:title"); title != "" {
		return title
	}
	for _, selector := range []string{"h1", "h2, h3"} {
		if title := textUtils.NormalizeText(doc.Find(selector).First().Text()); title != "" {
			return title
		}
	}
	return e.placeholderTitle
}

// extractBody は登録された戦略を順に試し、最初に得られた本文を返します。
func (e *Extractor) extractBody(doc *goquery.Document) string {
	for _, strategy := range e.strategies {
		if text := strategy(doc); text != "" {
			return text
		}
	}
	return ""
}

// firstMeta は property 属性または name 属性で指定された meta タグの content を順に探します。
func firstMeta(doc *goquery.Document, keys ...string) string {
	for _, key := range keys {
		selector := fmt.Sprintf("meta[property='%s'], meta[name='%s']", key, key)
		var found string
		doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			content, _ := s.Attr("content")
			found = strings.TrimSpace(content)
			return found == ""
		})
		if found != "" {
			return found
		}
	}
	return ""
}
