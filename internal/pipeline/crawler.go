// Package pipeline は、探索・フィルタリング・取得・抽出・保存を順に実行するクロールの流れを管理します。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/shouni/go-news-harvester/pkg/httpclient"
	"github.com/shouni/go-news-harvester/pkg/scraper"
	"github.com/shouni/go-news-harvester/pkg/throttle"
	"github.com/shouni/go-news-harvester/pkg/types"
)

// ErrStoreOpen は、ストアを用意できずに実行が中断されたことを示します。
var ErrStoreOpen = errors.New("ストアを開けないためクロールを中止しました")

// ArticleStore は記事の保存先です。
type ArticleStore interface {
	EnsureSchema(ctx context.Context) error
	Exists(ctx context.Context, link string) (bool, error)
	Insert(ctx context.Context, article *types.Article) (int64, bool, error)
	Flush(ctx context.Context) error
}

// LinkAggregator はセクションとフィードから候補URLを集めます。
type LinkAggregator interface {
	Aggregate(ctx context.Context, sections, feeds []string) []string
}

// DocumentFetcher は記事ページをリトライ付きで取得します。
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, url string) (*httpclient.Page, error)
}

// FieldExtractor は記事ページからフィールドを抽出します。
type FieldExtractor interface {
	Extract(doc *goquery.Document) types.ArticleFields
}

// RobotsPolicy は robots.txt による取得可否を判定します。
type RobotsPolicy interface {
	Allowed(ctx context.Context, url string) (bool, error)
}

// CrawlDelayer は robots.txt の Crawl-delay をホストごとに返します。
// RobotsPolicy がこれを実装している場合、記事取得の間隔は Crawl-delay 以上になります。
type CrawlDelayer interface {
	CrawlDelay(host string) time.Duration
}

// Dependencies は Crawler の協調オブジェクトです。Robots は nil でもかまいません。
type Dependencies struct {
	Store      ArticleStore
	Aggregator LinkAggregator
	Fetcher    DocumentFetcher
	Extractor  FieldExtractor
	Robots     RobotsPolicy
	Pool       *scraper.Pool
}

// Options は1回の実行のパラメータです。
type Options struct {
	Sections    []string
	Feeds       []string
	MaxArticles int // 0 以下なら上限なし
}

// Crawler はクロール実行を組み立てます。
type Crawler struct {
	deps   Dependencies
	opts   Options
	logger *zap.Logger
}

// NewCrawler は依存関係を検証して Crawler を生成します。
func NewCrawler(deps Dependencies, opts Options, logger *zap.Logger) (*Crawler, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("Storeが指定されていません")
	case deps.Aggregator == nil:
		return nil, errors.New("Aggregatorが指定されていません")
	case deps.Fetcher == nil:
		return nil, errors.New("Fetcherが指定されていません")
	case deps.Extractor == nil:
		return nil, errors.New("Extractorが指定されていません")
	}
	if deps.Pool == nil {
		deps.Pool = scraper.NewPool(scraper.DefaultWorkers, nil, throttle.Delay{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{deps: deps, opts: opts, logger: logger.Named("pipeline")}, nil
}

// NewRun は新しい実行コンテキストを生成します。
func (c *Crawler) NewRun() *Run {
	return &Run{crawler: c, logger: c.logger, state: StateInit}
}

// Run は1回のクロールを最後まで実行し、集計結果を返します。
func (c *Crawler) Run(ctx context.Context) (types.Summary, error) {
	return c.NewRun().Execute(ctx)
}

// Execute は Init → Discovering → Filtering → Fetching → Finalizing → Done の順に実行します。
// ストアを用意できない場合のみ ErrStoreOpen を返し、URLごとの失敗は集計されるだけです。
func (r *Run) Execute(ctx context.Context) (types.Summary, error) {
	c := r.crawler
	r.started = time.Now()

	// 1. Init: ネットワークアクセスの前にストアを用意する
	if err := c.deps.Store.EnsureSchema(context.WithoutCancel(ctx)); err != nil {
		r.transition(StateFailed)
		r.logger.Error("ストアの準備に失敗しました", zap.Error(err))
		return r.finish(ctx), fmt.Errorf("%w: %w", ErrStoreOpen, err)
	}

	// 2. Discovering
	r.transition(StateDiscovering)
	links := c.deps.Aggregator.Aggregate(ctx, c.opts.Sections, c.opts.Feeds)
	r.update(func(s *types.Summary) { s.Discovered = len(links) })
	r.logger.Info("候補URLを収集しました", zap.Int("discovered", len(links)))

	// 3. Filtering
	r.transition(StateFiltering)
	candidates := r.filter(ctx, links)

	// 4. Fetching
	r.transition(StateFetching)
	pool := c.deps.Pool
	if d := r.crawlDelay(candidates); d > pool.Delay().Base {
		r.logger.Info("robots.txtのCrawl-delayに合わせて取得間隔を広げます", zap.Duration("crawl_delay", d))
		pool = pool.WithMinDelay(d)
	}
	results := pool.Run(ctx, candidates, r.processURL)
	notStarted := 0
	for _, res := range results {
		if !res.Started {
			notStarted++
		}
	}
	if notStarted > 0 {
		r.logger.Warn("キャンセルにより未処理のURLがあります", zap.Int("not_started", notStarted))
	}

	// 5. Finalizing: キャンセル後でも書き込み済みの内容は確定させる
	r.transition(StateFinalizing)
	if err := c.deps.Store.Flush(context.WithoutCancel(ctx)); err != nil {
		r.logger.Warn("ストアのフラッシュに失敗しました", zap.Error(err))
	}

	summary := r.finish(ctx)
	r.transition(StateDone)
	r.logger.Info("クロールが完了しました",
		zap.Int("discovered", summary.Discovered),
		zap.Int("candidates", summary.Candidates),
		zap.Int("new", summary.New),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("disallowed", summary.Disallowed),
		zap.Int("attempts", summary.Attempts),
		zap.Duration("duration", summary.Duration),
		zap.Bool("cancelled", summary.Cancelled),
	)
	return summary, nil
}

func (r *Run) finish(ctx context.Context) types.Summary {
	r.update(func(s *types.Summary) {
		s.Duration = time.Since(r.started)
		s.Cancelled = ctx.Err() != nil
	})
	return r.Summary()
}

// filter は保存済みのリンクと robots.txt で拒否されたリンクを除き、件数上限を適用します。
func (r *Run) filter(ctx context.Context, links []string) []string {
	c := r.crawler
	limit := c.opts.MaxArticles

	candidates := make([]string, 0, len(links))
	skipped, disallowed := 0, 0
	for _, link := range links {
		if ctx.Err() != nil {
			break
		}

		exists, err := c.deps.Store.Exists(ctx, link)
		if err != nil {
			// 一意制約が最終的な重複排除を保証するため、候補として残す
			r.logger.Warn("保存済みかどうかを確認できません", zap.String("url", link), zap.Error(err))
		} else if exists {
			skipped++
			continue
		}

		if limit > 0 && len(candidates) >= limit {
			continue
		}

		if c.deps.Robots != nil {
			allowed, err := c.deps.Robots.Allowed(ctx, link)
			if err != nil {
				r.logger.Warn("robots.txtを確認できません", zap.String("url", link), zap.Error(err))
			} else if !allowed {
				disallowed++
				r.logger.Info("robots.txtにより除外しました", zap.String("url", link))
				continue
			}
		}
		candidates = append(candidates, link)
	}

	r.update(func(s *types.Summary) {
		s.Skipped += skipped
		s.Disallowed += disallowed
		s.Candidates = len(candidates)
	})
	r.logger.Info("取得対象を決定しました",
		zap.Int("candidates", len(candidates)),
		zap.Int("skipped", skipped),
		zap.Int("disallowed", disallowed),
	)
	return candidates
}

// crawlDelay は取得対象のホストが robots.txt で指定する Crawl-delay の最大値を返します。
// filter の Allowed 呼び出しで robots.txt はキャッシュ済みです。
func (r *Run) crawlDelay(links []string) time.Duration {
	delayer, ok := r.crawler.deps.Robots.(CrawlDelayer)
	if !ok {
		return 0
	}

	var longest time.Duration
	seen := make(map[string]bool)
	for _, link := range links {
		u, err := url.Parse(link)
		if err != nil {
			continue
		}
		host := strings.ToLower(u.Host)
		if seen[host] {
			continue
		}
		seen[host] = true
		longest = max(longest, delayer.CrawlDelay(host))
	}
	return longest
}

// processURL は1つのURLを取得・抽出・保存します。エラーはこのURLの失敗として集計されます。
func (r *Run) processURL(ctx context.Context, url string) error {
	c := r.crawler
	log := r.logger.With(zap.String("url", url))

	// 1. 取得 (リトライ付き)
	page, err := c.deps.Fetcher.FetchDocument(ctx, url)
	r.update(func(s *types.Summary) { s.Attempts += attemptsOf(page, err) })
	if err != nil {
		if ctx.Err() != nil {
			// キャンセルは失敗として数えない
			return err
		}
		r.update(func(s *types.Summary) { s.Failed++ })
		log.Warn("記事の取得に失敗しました", zap.Error(err))
		return err
	}

	// 2. 抽出 (失敗しない)
	fields := c.deps.Extractor.Extract(page.Document)
	article := types.NewArticle(url, fields)

	// 3. 保存: 取得済みの記事はキャンセル後でも1トランザクションで書き込む
	_, inserted, err := c.deps.Store.Insert(context.WithoutCancel(ctx), article)
	if err != nil {
		r.update(func(s *types.Summary) { s.Failed++ })
		log.Warn("記事の保存に失敗しました", zap.Error(err))
		return err
	}
	if !inserted {
		r.update(func(s *types.Summary) { s.Skipped++ })
		log.Debug("既に保存済みのためスキップしました")
		return nil
	}

	r.update(func(s *types.Summary) { s.New++ })
	log.Info("記事を保存しました",
		zap.String("title", article.Title),
		zap.Int64("id", article.ID),
		zap.Int("full_text_length", len(article.FullText)),
	)
	return nil
}

func attemptsOf(page *httpclient.Page, err error) int {
	if page != nil {
		return page.Attempts
	}
	var fetchErr *httpclient.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Attempts
	}
	if err != nil {
		return 1
	}
	return 0
}
