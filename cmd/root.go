package cmd

import (
	"fmt"
	"net/http"

	clibase "github.com/shouni/go-cli-base"
	"github.com/shouni/go-http-kit/pkg/httpkit"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shouni/go-news-harvester/internal/config"
	"github.com/shouni/go-news-harvester/internal/logger"
	"github.com/shouni/go-news-harvester/pkg/discovery"
	"github.com/shouni/go-news-harvester/pkg/feed"
	"github.com/shouni/go-news-harvester/pkg/httpclient"
	"github.com/shouni/go-news-harvester/pkg/retry"
	"github.com/shouni/go-news-harvester/pkg/robots"
	"github.com/shouni/go-news-harvester/pkg/throttle"
)

// --- グローバル定数 ---

const appName = "news-harvester"

// --- グローバル変数とフラグ構造体 ---

// AppFlags はこのアプリケーション固有の永続フラグを保持
type AppFlags struct {
	ConfigFile string // --config 設定ファイル
}

var (
	Flags     AppFlags
	appViper  = config.New()
	appConfig *config.Config
	appLogger = zap.NewNop()
)

// flagBindings は永続フラグと設定キーの対応です。フラグが指定された場合のみ設定値を上書きします。
var flagBindings = map[string]string{
	"timeout":      "crawl.request_timeout_seconds",
	"max-retries":  "crawl.retry_attempts",
	"workers":      "crawl.workers",
	"max-articles": "crawl.max_articles_per_run",
	"max-pages":    "crawl.max_pages_per_section",
	"store":        "store.path",
	"log-level":    "log.level",
}

// addAppPersistentFlags は、アプリケーション固有の永続フラグをルートコマンドに追加します。
func addAppPersistentFlags(rootCmd *cobra.Command) {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&Flags.ConfigFile, "config", "", "設定ファイル (YAML) のパス")
	pf.Float64("timeout", 0, "HTTPリクエスト1回あたりのタイムアウト時間（秒）")
	pf.Int("max-retries", 0, "記事取得の最大試行回数")
	pf.Int("workers", 0, "記事取得の同時実行数")
	pf.Int("max-articles", 0, "1回の実行で取得する記事数の上限")
	pf.Int("max-pages", 0, "セクションごとに辿る一覧ページ数の上限")
	pf.String("store", "", "SQLiteストアのパス")
	pf.String("log-level", "", "ログレベル (debug, info, warn, error)")
}

// initAppPreRunE は、clibase共通処理の後に実行される、アプリケーション固有のPersistentPreRunEです。
// NOTE: clibaseの PersistentPreRunE チェーンにより、clibase.Flags.Verbose はこの関数実行前に設定済み
func initAppPreRunE(cmd *cobra.Command, args []string) error {
	if err := bindFlags(appViper, cmd); err != nil {
		return err
	}

	cfg, err := config.Load(appViper, Flags.ConfigFile)
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	if clibase.Flags.Verbose {
		cfg.Log.Level = "debug"
	}

	l, err := logger.New(logger.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}

	appConfig = cfg
	appLogger = l
	appLogger.Debug("設定を読み込みました",
		zap.String("base_url", cfg.Crawl.BaseURL),
		zap.Strings("sections", cfg.Crawl.Sections),
		zap.Duration("request_timeout", cfg.Crawl.RequestTimeout()),
		zap.Int("retry_attempts", cfg.Crawl.RetryAttempts),
		zap.Int("workers", cfg.Crawl.Workers),
		zap.String("store", cfg.Store.Path),
	)
	return nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagBindings {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("フラグ(%s)のバインドに失敗しました: %w", name, err)
		}
	}
	return nil
}

// --- 共有クライアントの組み立て ---

// newArticleClient は記事ページ用のリトライ付きクライアントを生成します。
func newArticleClient(cfg *config.Config) *httpclient.Client {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Crawl.RetryAttempts
	rc.BaseDelay = cfg.Crawl.RetryBackoff.Base
	rc.Jitter = cfg.Crawl.RetryBackoff.Jitter

	return httpclient.New(cfg.Crawl.RequestTimeout(),
		httpclient.WithRetryConfig(rc),
		httpclient.WithUserAgent(cfg.Crawl.UserAgent),
		httpclient.WithLogger(appLogger.Named("fetcher")),
	)
}

// newListingFetcher は一覧ページとフィード用のフェッチャーを生成します。User-Agent は設定値に差し替えます。
func newListingFetcher(cfg *config.Config) *httpkit.Client {
	return httpkit.New(
		cfg.Crawl.RequestTimeout(),
		httpkit.WithHTTPClient(&httpclient.UserAgentDoer{
			Next:      &http.Client{Timeout: cfg.Crawl.RequestTimeout()},
			UserAgent: cfg.Crawl.UserAgent,
		}),
		httpkit.WithMaxRetries(uint64(cfg.Crawl.RetryAttempts-1)),
	)
}

func interRequestDelay(cfg *config.Config) throttle.Delay {
	return throttle.Delay{Base: cfg.Crawl.InterRequestDelay.Base, Jitter: cfg.Crawl.InterRequestDelay.Jitter}
}

// newAggregator はセクション探索とフィードを組み合わせた Aggregator を生成します。
// checker が nil の場合、一覧ページとフィードの robots.txt は確認しません。
func newAggregator(cfg *config.Config, prober discovery.Prober, checker *robots.Checker) (*discovery.Aggregator, error) {
	matcher, err := discovery.NewMatcher(cfg.Crawl.BaseURL)
	if err != nil {
		return nil, err
	}

	discoveryCfg := discovery.Config{
		MaxPages: cfg.Crawl.MaxPagesPerSection,
		Delay:    interRequestDelay(cfg),
	}
	opts := []discovery.AggregatorOption{
		discovery.WithSectionDelay(interRequestDelay(cfg)),
		discovery.WithAggregatorLogger(appLogger),
	}
	if checker != nil {
		discoveryCfg.Robots = checker
		opts = append(opts, discovery.WithFeedRobots(checker))
	}

	listing := newListingFetcher(cfg)
	discoverer, err := discovery.NewDiscoverer(listing, prober, matcher, discoveryCfg, appLogger)
	if err != nil {
		return nil, err
	}

	if len(cfg.Crawl.Feeds) > 0 {
		parser, err := feed.NewParser(listing)
		if err != nil {
			return nil, err
		}
		opts = append(opts, discovery.WithFeeds(parser, matcher))
	}
	return discovery.NewAggregator(discoverer, opts...), nil
}

// newRobotsChecker は robots.txt の確認が有効な場合に Checker を返します。無効な場合は nil です。
func newRobotsChecker(cfg *config.Config) *robots.Checker {
	if !cfg.Crawl.RespectRobots {
		return nil
	}
	client := &http.Client{Timeout: cfg.Crawl.RequestTimeout()}
	return robots.NewChecker(client, cfg.Crawl.UserAgent, robots.DefaultCacheTTL, appLogger)
}

// --- エントリポイント ---

// Execute は、rootCmd を実行するメイン関数です。clibaseのExecuteを使用する。
func Execute() {
	defer func() { _ = appLogger.Sync() }()

	clibase.Execute(
		appName,
		addAppPersistentFlags,
		initAppPreRunE,
		crawlCmd,
		discoverCmd,
		extractCmd,
		parseCmd,
		statsCmd,
	)
}
