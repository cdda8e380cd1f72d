package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	textUtils "github.com/shouni/go-utils/text"
)

var (
	// knownBodySelectors は、記事本文を保持することが分かっているコンテナです (優先順)。
	knownBodySelectors = []string{
		"#storytext",
		".storytext",
		".story-text",
		".article-body",
		".articleBody",
		".entry-content",
		".post-content",
	}

	articleSelector     = "article"
	contentAreaSelector = "[id*='content'], [id*='story'], [id*='article']"

	// textExtractionTags はコンテナ内で本文として収集する要素です。
	textExtractionTags = "p, li, h2, h3, h4"

	// noiseSelectors の内側にある要素は本文として扱いません。
	noiseSelectors = "script, style, noscript, nav, aside, figure, figcaption, .caption, .credit, .related, .social-share"

	// boilerplatePatterns は行全体がお知らせである場合にだけ一致します。
	// 本文中の "sponsored by" や "copyright" は対象外です。
	boilerplatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^support (npr|public radio|this work|our journalism|independent journalism)\b`),
		regexp.MustCompile(`(?i)^(©|\(c\)|copyright)\s*(©\s*)?\d{4}\b`),
		regexp.MustCompile(`(?i)^all rights reserved\.?$`),
		regexp.MustCompile(`(?i)^sponsor(ed)? message\b`),
		regexp.MustCompile(`(?i)^(advertisement|sponsor)$`),
		regexp.MustCompile(`(?i)^(sign up|subscribe) (for|to) (our|the) newsletter\b`),
	}

	rawURLPattern = regexp.MustCompile(`(?i)(https?://|www\.)\S+`)
)

// DefaultStrategies は、既知のクラス名 → <article> → id パターン → ページ全体の段落、
// の順に本文抽出を試す戦略リストを返します。
func DefaultStrategies() []BodyStrategy {
	strategies := make([]BodyStrategy, 0, len(knownBodySelectors)+3)
	for _, selector := range knownBodySelectors {
		strategies = append(strategies, ContainerStrategy(selector))
	}
	return append(strategies,
		ContainerStrategy(articleSelector),
		ContainerStrategy(contentAreaSelector),
		PageParagraphStrategy,
	)
}

// ContainerStrategy は、selector に最初に一致した要素の中から段落・リスト・見出しを収集する戦略です。
func ContainerStrategy(selector string) BodyStrategy {
	return func(doc *goquery.Document) string {
		container := doc.Find(selector).First()
		if container.Length() == 0 {
			return ""
		}

		var parts []string
		seen := make(map[string]struct{})
		container.Find(textExtractionTags).Each(func(_ int, s *goquery.Selection) {
			// 入れ子の要素 (例: <li><p>..</p></li>) は子側で収集する
			if s.Find(textExtractionTags).Length() > 0 {
				return
			}
			if s.Closest(noiseSelectors).Length() > 0 {
				return
			}

			line := textUtils.NormalizeText(s.Text())
			if utf8.RuneCountInString(line) < MinLineLength || isBoilerplate(line) {
				return
			}
			if _, dup := seen[line]; dup {
				return
			}
			seen[line] = struct{}{}
			parts = append(parts, line)
		})
		return strings.Join(parts, " ")
	}
}

// PageParagraphStrategy は、ページ全体の <p> を走査する最後のフォールバックです。
// ナビゲーションやキャプションを拾わないよう、長さ・URLの有無・単語数で絞り込みます。
func PageParagraphStrategy(doc *goquery.Document) string {
	var parts []string
	seen := make(map[string]struct{})
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		if s.Closest(noiseSelectors).Length() > 0 {
			return
		}

		line := textUtils.NormalizeText(s.Text())
		length := utf8.RuneCountInString(line)
		if length < MinFallbackLength || length > MaxFallbackLength {
			return
		}
		if rawURLPattern.MatchString(line) || len(strings.Fields(line)) < MinFallbackWords {
			return
		}
		if isBoilerplate(line) {
			return
		}
		if _, dup := seen[line]; dup {
			return
		}
		seen[line] = struct{}{}
		parts = append(parts, line)
	})
	return strings.Join(parts, " ")
}

func isBoilerplate(line string) bool {
	if utf8.RuneCountInString(line) > MaxBoilerplateLength {
		return false
	}
	for _, pattern := range boilerplatePatterns {
		if pattern.MatchString(line) {
			return true
		}
	}
	return false
}
