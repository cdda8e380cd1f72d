// Package config は viper と godotenv で実行パラメータを読み込みます。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/shouni/go-news-harvester/pkg/httpclient"
	"github.com/shouni/go-news-harvester/pkg/store"
)

// EnvPrefix は環境変数のプレフィックスです (例: HARVESTER_CRAWL_WORKERS)。
const EnvPrefix = "HARVESTER"

// DefaultSections は既定で巡回するセクションです。
var DefaultSections = []string{
	"/sections/news/",
	"/sections/national/",
	"/sections/world/",
	"/sections/politics/",
	"/sections/business/",
	"/sections/health/",
	"/sections/science/",
	"/sections/technology/",
}

// Config はアプリケーション全体の設定です。
type Config struct {
	Crawl CrawlConfig `mapstructure:"crawl"`
	Store StoreConfig `mapstructure:"store"`
	Log   LogConfig   `mapstructure:"log"`
}

// CrawlConfig は1回のクロール実行のパラメータです。
type CrawlConfig struct {
	BaseURL               string      `mapstructure:"base_url"`
	Sections              []string    `mapstructure:"sections"`
	Feeds                 []string    `mapstructure:"feeds"`
	MaxPagesPerSection    int         `mapstructure:"max_pages_per_section"`
	MaxArticlesPerRun     int         `mapstructure:"max_articles_per_run"`
	RequestTimeoutSeconds float64     `mapstructure:"request_timeout_seconds"`
	InterRequestDelay     DelayConfig `mapstructure:"inter_request_delay"`
	RetryAttempts         int         `mapstructure:"retry_attempts"`
	RetryBackoff          DelayConfig `mapstructure:"retry_backoff"`
	Workers               int         `mapstructure:"workers"`
	RatePerSecond         float64     `mapstructure:"rate_per_second"`
	RespectRobots         bool        `mapstructure:"respect_robots"`
	UserAgent             string      `mapstructure:"user_agent"`
}

// DelayConfig は「基準時間 + ジッター」の待機設定です。
type DelayConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Jitter time.Duration `mapstructure:"jitter"`
}

// StoreConfig はストアの設定です。
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig はロガーの設定です。
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RequestTimeout は1リクエストあたりのタイムアウトを返します。
func (c CrawlConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds * float64(time.Second))
}

// New は既定値と環境変数のプレフィックスを設定した viper インスタンスを返します。
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.base_url", "https://www.npr.org")
	v.SetDefault("crawl.sections", DefaultSections)
	v.SetDefault("crawl.feeds", []string{})
	v.SetDefault("crawl.max_pages_per_section", 3)
	v.SetDefault("crawl.max_articles_per_run", 15)
	v.SetDefault("crawl.request_timeout_seconds", 15.0)
	v.SetDefault("crawl.inter_request_delay.base", "2s")
	v.SetDefault("crawl.inter_request_delay.jitter", "1s")
	v.SetDefault("crawl.retry_attempts", 3)
	v.SetDefault("crawl.retry_backoff.base", "1s")
	v.SetDefault("crawl.retry_backoff.jitter", "1s")
	v.SetDefault("crawl.workers", 1)
	v.SetDefault("crawl.rate_per_second", 1.0)
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.user_agent", httpclient.UserAgent)

	v.SetDefault("store.path", store.DefaultPath)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load は .env と設定ファイルを読み込み、検証済みの Config を返します。
// configFile が空の場合は ./config.yaml または ./config/config.yaml を探し、無ければ既定値を使用します。
func Load(v *viper.Viper, configFile string) (*Config, error) {
	// .env は存在しなくてもよい
	_ = godotenv.Load()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイル(%s)の読み込みに失敗しました: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の変換に失敗しました: %w", err)
	}
	cfg.Crawl.Sections = compact(cfg.Crawl.Sections)
	cfg.Crawl.Feeds = compact(cfg.Crawl.Feeds)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は設定値の整合性を検証します。
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Crawl.BaseURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("crawl.base_url のパースエラー: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("crawl.base_url はhttpまたはhttpsで指定してください: %s", c.Crawl.BaseURL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("crawl.base_url にホストがありません: %s", c.Crawl.BaseURL))
	}

	if len(c.Crawl.Sections) == 0 && len(c.Crawl.Feeds) == 0 {
		errs = append(errs, errors.New("crawl.sections または crawl.feeds を1つ以上指定してください"))
	}
	if c.Crawl.MaxPagesPerSection < 1 {
		errs = append(errs, fmt.Errorf("crawl.max_pages_per_section は1以上にしてください: %d", c.Crawl.MaxPagesPerSection))
	}
	if c.Crawl.MaxArticlesPerRun < 0 {
		errs = append(errs, fmt.Errorf("crawl.max_articles_per_run は0以上にしてください: %d", c.Crawl.MaxArticlesPerRun))
	}
	if c.Crawl.RequestTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("crawl.request_timeout_seconds は正の値にしてください: %v", c.Crawl.RequestTimeoutSeconds))
	}
	if c.Crawl.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("crawl.retry_attempts は1以上にしてください: %d", c.Crawl.RetryAttempts))
	}
	if c.Crawl.Workers < 1 {
		errs = append(errs, fmt.Errorf("crawl.workers は1以上にしてください: %d", c.Crawl.Workers))
	}
	if c.Crawl.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("crawl.rate_per_second は0以上にしてください: %v", c.Crawl.RatePerSecond))
	}
	for name, d := range map[string]DelayConfig{
		"crawl.inter_request_delay": c.Crawl.InterRequestDelay,
		"crawl.retry_backoff":       c.Crawl.RetryBackoff,
	} {
		if d.Base < 0 || d.Jitter < 0 {
			errs = append(errs, fmt.Errorf("%s に負の値は指定できません", name))
		}
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path を指定してください"))
	}

	return errors.Join(errs...)
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
