package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shouni/go-news-harvester/internal/pipeline"
	"github.com/shouni/go-news-harvester/pkg/extract"
	"github.com/shouni/go-news-harvester/pkg/scraper"
	"github.com/shouni/go-news-harvester/pkg/store"
	"github.com/shouni/go-news-harvester/pkg/throttle"
	"github.com/shouni/go-news-harvester/pkg/types"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "セクションを巡回して新しい記事を取得し、ストアに保存します",
	Long: `設定されたセクション (と任意のRSSフィード) から記事URLを収集し、未保存の記事だけを取得・抽出して
SQLiteストアに保存します。Ctrl+C で新しいURLの取得を止め、処理中の記事を確定させてから終了します。`,
	Args: cobra.NoArgs,
	RunE: runCrawl,
}

func runCrawl(cmd *cobra.Command, args []string) error {
	cfg := appConfig

	// 1. SIGINT/SIGTERM でキャンセルされるコンテキスト
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. ストアを開く (失敗した場合はネットワークに触れずに終了)
	st, err := store.Open(context.WithoutCancel(ctx), cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrStoreOpen, err)
	}
	defer st.Close()

	// 3. 依存性の初期化
	// 一覧ページ・フィード・記事で同じ robots.txt キャッシュを共有する
	checker := newRobotsChecker(cfg)
	var robotsPolicy pipeline.RobotsPolicy
	if checker != nil {
		robotsPolicy = checker
	}

	articleClient := newArticleClient(cfg)
	aggregator, err := newAggregator(cfg, articleClient, checker)
	if err != nil {
		return fmt.Errorf("Aggregatorの初期化エラー: %w", err)
	}

	pool := scraper.NewPool(
		cfg.Crawl.Workers,
		throttle.NewLimiter(cfg.Crawl.RatePerSecond, cfg.Crawl.Workers),
		interRequestDelay(cfg),
	)

	crawler, err := pipeline.NewCrawler(pipeline.Dependencies{
		Store:      st,
		Aggregator: aggregator,
		Fetcher:    articleClient,
		Extractor:  extract.NewExtractor(),
		Robots:     robotsPolicy,
		Pool:       pool,
	}, pipeline.Options{
		Sections:    cfg.Crawl.Sections,
		Feeds:       cfg.Crawl.Feeds,
		MaxArticles: cfg.Crawl.MaxArticlesPerRun,
	}, appLogger)
	if err != nil {
		return fmt.Errorf("Crawlerの初期化エラー: %w", err)
	}

	// 4. 実行
	appLogger.Info("クロールを開始します",
		zap.String("base_url", cfg.Crawl.BaseURL),
		zap.Int("sections", len(cfg.Crawl.Sections)),
		zap.Int("feeds", len(cfg.Crawl.Feeds)),
		zap.Int("workers", pool.Workers()),
	)
	summary, err := crawler.Run(ctx)
	if err != nil {
		return err
	}

	// 5. 結果の出力
	printSummary(summary)
	if summary.Cancelled && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fmt.Println("中断されました。処理済みの記事は保存されています。")
	}
	return nil
}

func printSummary(s types.Summary) {
	fmt.Println("--- クロール結果 ---")
	fmt.Printf("発見: %d 件 / 取得対象: %d 件\n", s.Discovered, s.Candidates)
	fmt.Printf("新規保存: %d 件, スキップ: %d 件, 失敗: %d 件, robots除外: %d 件\n", s.New, s.Skipped, s.Failed, s.Disallowed)
	fmt.Printf("HTTP試行回数: %d 回, 所要時間: %s\n", s.Attempts, s.Duration.Round(time.Millisecond))
	fmt.Println("--------------------")
}
