// Package robots は robots.txt をホストごとにキャッシュし、記事URLの取得可否を判定します。
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const (
	// DefaultCacheTTL は robots.txt のキャッシュ期間です。
	DefaultCacheTTL = 24 * time.Hour

	robotsTxtPath = "/robots.txt"
	maxRobotsBody = 512 * 1024
	defaultAgent  = "*"
	fetchTimeout  = 10 * time.Second
)

// Doer は http.Client.Do を抽象化します。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type cacheEntry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// Checker は robots.txt の規則をホストごとにキャッシュして判定します。
type Checker struct {
	doer      Doer
	userAgent string
	cacheTTL  time.Duration
	logger    *zap.Logger

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// NewChecker は Checker を生成します。doer が nil の場合は http.DefaultClient を使用します。
func NewChecker(doer Doer, userAgent string, cacheTTL time.Duration, logger *zap.Logger) *Checker {
	if doer == nil {
		doer = http.DefaultClient
	}
	if userAgent == "" {
		userAgent = defaultAgent
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		doer:      doer,
		userAgent: userAgent,
		cacheTTL:  cacheTTL,
		logger:    logger.Named("robots"),
		cache:     make(map[string]*cacheEntry),
	}
}

// Allowed は URL の取得が robots.txt で許可されているかを返します。
// robots.txt が取得できない場合や 4xx の場合は許可として扱います。
func (c *Checker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("URLのパースエラー: %w", err)
	}
	host := strings.ToLower(u.Host)
	if host == "" {
		return false, fmt.Errorf("URLにホストがありません: %s", rawURL)
	}

	data := c.rules(ctx, u.Scheme, host)
	if data == nil {
		return true, nil
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, c.userAgent), nil
}

// CrawlDelay はキャッシュ済みの robots.txt が指定する Crawl-delay を返します。
func (c *Checker) CrawlDelay(host string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.cache[strings.ToLower(host)]
	if !ok || entry.data == nil {
		return 0
	}
	group := entry.data.FindGroup(c.userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (c *Checker) rules(ctx context.Context, scheme, host string) *robotstxt.RobotsData {
	c.mu.RLock()
	entry, ok := c.cache[host]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) <= c.cacheTTL {
		return entry.data
	}

	data := c.fetch(ctx, scheme, host)

	c.mu.Lock()
	c.cache[host] = &cacheEntry{data: data, fetchedAt: time.Now()}
	c.mu.Unlock()
	return data
}

// fetch は robots.txt を取得してパースします。取得に失敗した場合は nil (全許可) を返します。
func (c *Checker) fetch(ctx context.Context, scheme, host string) *robotstxt.RobotsData {
	if scheme == "" {
		scheme = "https"
	}
	robotsURL := scheme + "://" + host + robotsTxtPath

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if err != nil {
		c.logger.Warn("robots.txtのリクエスト作成に失敗しました", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.doer.Do(req)
	if err != nil {
		c.logger.Warn("robots.txtの取得に失敗しました。全許可として扱います", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBody))
	if err != nil {
		c.logger.Warn("robots.txtの読み込みに失敗しました", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}

	// 4xx は全許可、5xx は全拒否として解釈される
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		c.logger.Warn("robots.txtのパースに失敗しました", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	c.logger.Debug("robots.txtを取得しました", zap.String("url", robotsURL), zap.Int("status", resp.StatusCode))
	return data
}
