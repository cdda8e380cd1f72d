package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/shouni/go-news-harvester/pkg/throttle"
)

// DefaultMaxPages はセクションごとに辿る一覧ページ数の既定値です。
const DefaultMaxPages = 5

// pageQueryKey は次ページURLを合成するときのクエリ名です。
const pageQueryKey = "page"

// nextTextPattern は「次へ」リンクとみなすアンカーテキストです。
var nextTextPattern = regexp.MustCompile(`(?i)^\s*(load more|next|older|more)\b`)

// PageFetcher は一覧ページの生のHTMLを取得します。
type PageFetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// Prober は合成した次ページURLが存在するかを確認します。
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// Policy は robots.txt による取得可否を判定します。
type Policy interface {
	Allowed(ctx context.Context, url string) (bool, error)
}

// Config は Discoverer の設定です。Robots が nil の場合は robots.txt を確認しません。
type Config struct {
	MaxPages int
	Delay    throttle.Delay
	Robots   Policy
}

// Discoverer は、セクションの一覧ページを辿って記事URLを収集します。
type Discoverer struct {
	fetcher  PageFetcher
	prober   Prober
	matcher  *Matcher
	maxPages int
	delay    throttle.Delay
	robots   Policy
	logger   *zap.Logger
}

// NewDiscoverer は Discoverer を生成します。prober が nil の場合、明示的な次ページリンクのみを辿ります。
func NewDiscoverer(fetcher PageFetcher, prober Prober, matcher *Matcher, cfg Config, logger *zap.Logger) (*Discoverer, error) {
	if fetcher == nil {
		return nil, errors.New("PageFetcherが指定されていません")
	}
	if matcher == nil {
		return nil, errors.New("Matcherが指定されていません")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Discoverer{
		fetcher:  fetcher,
		prober:   prober,
		matcher:  matcher,
		maxPages: maxPages,
		delay:    cfg.Delay,
		robots:   cfg.Robots,
		logger:   logger.Named("discovery"),
	}, nil
}

// DiscoverSection はセクションの一覧ページを最大 maxPages ページ辿り、記事候補URLを返します。
// 一覧ページの取得・解析エラーはそのセクションの終了として扱い、それまでの結果を返します。
func (d *Discoverer) DiscoverSection(ctx context.Context, section string) LinkSet {
	links := LinkSet{}

	sectionURL, err := d.matcher.Resolve(section)
	if err != nil {
		d.logger.Warn("セクションURLを解決できません", zap.String("section", section), zap.Error(err))
		return links
	}

	visited := make(map[string]bool)
	current := sectionURL.String()

	for page := 1; page <= d.maxPages; page++ {
		if ctx.Err() != nil {
			break
		}
		if page > 1 {
			if err := d.delay.Sleep(ctx); err != nil {
				break
			}
		}
		visited[current] = true

		if !d.allowed(ctx, current) {
			break
		}

		// 1. 一覧ページの取得と解析
		doc, pageURL, err := d.fetchListing(ctx, current)
		if err != nil {
			d.logger.Warn("一覧ページの取得に失敗しました。セクションを終了します",
				zap.String("section", section),
				zap.String("page_url", current),
				zap.Error(err),
			)
			break
		}

		// 2. 記事候補の収集
		added := 0
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			if link, ok := d.matcher.Candidate(pageURL, href); ok && links.Add(link) {
				added++
			}
		})
		d.logger.Debug("一覧ページを解析しました",
			zap.String("section", section),
			zap.String("page_url", current),
			zap.Int("page", page),
			zap.Int("new_links", added),
		)

		if added == 0 || page == d.maxPages {
			break
		}

		// 3. 次ページの決定
		next, ok := d.nextPage(ctx, doc, pageURL, sectionURL, page+1)
		if !ok || visited[next] {
			break
		}
		current = next
	}

	return links
}

// allowed は一覧ページの取得が robots.txt で許可されているかを返します。判定できない場合は許可します。
func (d *Discoverer) allowed(ctx context.Context, pageURL string) bool {
	if d.robots == nil {
		return true
	}
	ok, err := d.robots.Allowed(ctx, pageURL)
	if err != nil {
		d.logger.Warn("robots.txtを確認できません", zap.String("page_url", pageURL), zap.Error(err))
		return true
	}
	if !ok {
		d.logger.Info("robots.txtにより一覧ページを除外しました。セクションを終了します", zap.String("page_url", pageURL))
	}
	return ok
}

func (d *Discoverer) fetchListing(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, error) {
	body, err := d.fetcher.FetchBytes(ctx, pageURL)
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("HTMLのパースに失敗しました: %w", err)
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("ページURLのパースエラー: %w", err)
	}
	return doc, u, nil
}

// nextPage は明示的な次ページリンクを探し、無ければ ?page=N を合成して存在を確認します。
func (d *Discoverer) nextPage(ctx context.Context, doc *goquery.Document, pageURL, sectionURL *url.URL, nextNum int) (string, bool) {
	if next, ok := d.findNextLink(doc, pageURL, sectionURL); ok {
		return next, true
	}
	if d.prober == nil {
		return "", false
	}

	next := synthesizePageURL(sectionURL, nextNum)
	if !d.allowed(ctx, next) {
		return "", false
	}
	if err := d.prober.Probe(ctx, next); err != nil {
		d.logger.Debug("次ページが見つかりません", zap.String("page_url", next), zap.Error(err))
		return "", false
	}
	return next, true
}

// findNextLink は rel=next のリンクを優先し、無ければクラス名やテキストが「次へ」を示すアンカーのうち
// セクション配下のパスを指すものを返します。サイト全体のナビゲーション ("More podcasts" など) は辿りません。
func (d *Discoverer) findNextLink(doc *goquery.Document, pageURL, sectionURL *url.URL) (string, bool) {
	resolve := func(href string) (*url.URL, bool) {
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return nil, false
		}
		ref, err := url.Parse(href)
		if err != nil {
			return nil, false
		}
		u := pageURL.ResolveReference(ref)
		if !d.matcher.SameSite(u) {
			return nil, false
		}
		// 記事URLは次ページではない
		if _, isArticle := d.matcher.Candidate(pageURL, href); isArticle {
			return nil, false
		}
		u.Fragment = ""
		return u, true
	}

	var next string
	doc.Find("a[rel~='next'][href], link[rel~='next'][href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if u, ok := resolve(s.AttrOr("href", "")); ok {
			next = u.String()
			return false
		}
		return true
	})
	if next != "" {
		return next, true
	}

	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		class := strings.ToLower(s.AttrOr("class", ""))
		if !strings.Contains(class, "next") && !strings.Contains(class, "more") && !nextTextPattern.MatchString(s.Text()) {
			return true
		}
		if u, ok := resolve(s.AttrOr("href", "")); ok && underSection(u, sectionURL) {
			next = u.String()
			return false
		}
		return true
	})
	return next, next != ""
}

// underSection は u のパスがセクションのパスそのもの、またはその配下であるかを返します。
func underSection(u, sectionURL *url.URL) bool {
	section := strings.TrimSuffix(sectionURL.Path, "/")
	if section == "" {
		return true
	}
	return u.Path == section || strings.HasPrefix(u.Path, section+"/")
}

// synthesizePageURL はセクションURLに page=N クエリを付与したURLを返します。
func synthesizePageURL(sectionURL *url.URL, page int) string {
	u := *sectionURL
	q := u.Query()
	q.Set(pageQueryKey, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String()
}
