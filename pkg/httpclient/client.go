package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/shouni/go-news-harvester/pkg/retry"
)

const (
	// HTTPクライアント関連の定数
	DefaultRequestTimeout = 15 * time.Second
	MaxBodySize           = int64(10 * 1024 * 1024) // 10MB: レスポンスボディの最大読み込みサイズ

	// サイトからのブロックを避けるためのUser-Agent
	UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// ErrFetchExhausted は、記事の取得がリトライを使い切って失敗したことを示します。
var ErrFetchExhausted = errors.New("記事の取得に失敗しました")

// errBuildRequest はリクエストの組み立て自体に失敗したことを示します。リトライしても回復しません。
var errBuildRequest = errors.New("リクエスト作成に失敗しました")

// Doer は、標準の *http.Client.Do() と互換性のあるHTTPクライアントのインターフェースを定義します。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// UserAgentDoer は、委譲先に渡す前にリクエストの User-Agent を差し替える Doer です。
// 固定の User-Agent を設定する外部クライアントに設定値を適用するために使います。
type UserAgentDoer struct {
	Next      Doer
	UserAgent string
}

// Do は User-Agent を設定してから委譲先の Do を呼び出します。
func (d *UserAgentDoer) Do(req *http.Request) (*http.Response, error) {
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}
	return d.Next.Do(req)
}

// StatusError は 2xx 以外のHTTPステータスを示すエラーです。
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPステータスコードエラー: %d (URL: %s)", e.StatusCode, e.URL)
}

// FetchError は、試行回数を使い切った記事取得の失敗結果です。
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("URL(%s)の取得に%d回失敗しました: %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchExhausted, e.Err}
}

// Page は取得・解析済みの記事ページです。
type Page struct {
	URL      string
	FinalURL string // リダイレクト後のURL
	Document *goquery.Document
	Attempts int
}

// Client はHTTPリクエストと指数バックオフを用いたリトライロジックを管理します。
type Client struct {
	doer        Doer
	timeout     time.Duration
	userAgent   string
	retryConfig retry.Config
	logger      *zap.Logger
}

// Option は Client の設定を行うための関数型です。
type Option func(*Client)

// WithDoer はカスタムの Doer を設定します。
func WithDoer(doer Doer) Option {
	return func(c *Client) {
		if doer != nil {
			c.doer = doer
		}
	}
}

// WithRetryConfig はリトライ設定を差し替えます。
func WithRetryConfig(cfg retry.Config) Option {
	return func(c *Client) {
		c.retryConfig = cfg
	}
}

// WithUserAgent は User-Agent ヘッダーを差し替えます。
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithLogger はロガーを設定します。
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New は、新しいClientを生成します。timeout は1リクエストごとに適用されます。
func New(timeout time.Duration, options ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	c := &Client{
		doer:        &http.Client{Timeout: timeout},
		timeout:     timeout,
		userAgent:   UserAgent,
		retryConfig: retry.DefaultConfig(),
		logger:      zap.NewNop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// addCommonHeaders は共通のHTTPヘッダーを設定します。
func (c *Client) addCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
}

// FetchDocument はURLから記事ページを取得し、goquery.Document として返します。
// 失敗した試行はジッター付きバックオフを挟んでリトライされ、使い切った場合は *FetchError を返します。
func (c *Client) FetchDocument(ctx context.Context, url string) (*Page, error) {
	page := &Page{URL: url}
	log := c.logger.With(zap.String("url", url))

	cfg := c.retryConfig
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("記事の取得に失敗、リトライします",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	op := func() error {
		doc, finalURL, err := c.doFetch(ctx, url)
		if err != nil {
			return err
		}
		page.Document = doc
		page.FinalURL = finalURL
		return nil
	}

	attempts, err := retry.Do(ctx, cfg, fmt.Sprintf("URL(%s)のフェッチ", url), op, c.isRetryableError(ctx))
	page.Attempts = attempts
	if err != nil {
		return nil, &FetchError{URL: url, Attempts: attempts, Err: err}
	}
	return page, nil
}

// doFetch は実際の一度のHTTP GETリクエストとHTML解析を実行します。
func (c *Client) doFetch(ctx context.Context, url string) (*goquery.Document, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, finalURL, err := c.get(attemptCtx, url)
	if err != nil {
		return nil, "", err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("HTML解析に失敗しました: %w", err)
	}
	return doc, finalURL, nil
}

// FetchBytes は1回だけGETを実行し、レスポンスボディを返します (一覧ページ用)。
func (c *Client) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, _, err := c.get(attemptCtx, url)
	return body, err
}

// Probe は次ページ候補のURLが存在するかを軽量なリクエストで確認します。
// HEAD が 405 を返すサーバーには GET で再確認します。
func (c *Client) Probe(ctx context.Context, url string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status, err := c.head(attemptCtx, url)
	if err != nil {
		return err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		_, _, err = c.get(attemptCtx, url)
		return err
	}
	if status < 200 || status > 299 {
		return &StatusError{StatusCode: status, URL: url}
	}
	return nil
}

func (c *Client) head(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("HEAD%w: %w", errBuildRequest, err)
	}
	c.addCommonHeaders(req)

	resp, err := c.doer.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP HEADリクエストに失敗しました (ネットワーク/接続エラー): %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBodySize))

	return resp.StatusCode, nil
}

// get は1回のGETを実行し、2xx の場合のみボディを返します。
func (c *Client) get(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("GET%w: %w", errBuildRequest, err)
	}
	c.addCommonHeaders(req)

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("HTTPリクエストに失敗しました (ネットワーク/接続エラー): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBodySize))
		return nil, "", &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	if resp.ContentLength > MaxBodySize {
		return nil, "", fmt.Errorf("レスポンスボディが最大サイズ (%dバイト) を超えました", MaxBodySize)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("レスポンスボディの読み込みに失敗しました: %w", err)
	}

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return body, finalURL, nil
}

// isRetryableError は retry.ShouldRetryFunc を返します。
// ネットワークエラー、タイムアウト、2xx 以外のステータスはすべてリトライ対象ですが、
// 呼び出し元のコンテキスト自体が終了している場合はリトライしません。
func (c *Client) isRetryableError(ctx context.Context) retry.ShouldRetryFunc {
	return func(err error) bool {
		if err == nil {
			return false
		}
		if ctx.Err() != nil {
			return false
		}
		return !errors.Is(err, errBuildRequest)
	}
}
