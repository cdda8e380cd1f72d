// Package scraper は、URLごとの処理を有限個のワーカーで並列実行します。
package scraper

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shouni/go-news-harvester/pkg/throttle"
)

// DefaultWorkers は既定の同時実行数です。1 の場合は逐次処理と同じ振る舞いになります。
const DefaultWorkers = 1

// ErrNotStarted は、キャンセルにより処理が開始されなかったURLの結果に設定されます。
var ErrNotStarted = errors.New("キャンセルにより未処理です")

// Task は1つのURLに対する処理です。エラーはそのURLの結果としてのみ扱われます。
type Task func(ctx context.Context, url string) error

// Result は1つのURLの処理結果です。
type Result struct {
	URL     string
	Err     error
	Started bool // Task が呼び出されたかどうか
}

// Pool はワーカー数、全体のレートリミッター、URLごとの待機時間で処理を制御します。
type Pool struct {
	workers int
	limiter *rate.Limiter
	delay   throttle.Delay
}

// NewPool は Pool を生成します。limiter が nil の場合は無制限です。
func NewPool(workers int, limiter *rate.Limiter, delay throttle.Delay) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Pool{
		workers: workers,
		limiter: limiter,
		delay:   delay,
	}
}

// Workers は同時実行数を返します。
func (p *Pool) Workers() int {
	return p.workers
}

// WithMinDelay は、URLごとの待機時間の基準値を少なくとも floor に引き上げた Pool を返します。
// 元の Pool は変更されません。
func (p *Pool) WithMinDelay(floor time.Duration) *Pool {
	if floor <= p.delay.Base {
		return p
	}
	c := *p
	c.delay.Base = floor
	return &c
}

// Delay はURLごとの待機時間の設定を返します。
func (p *Pool) Delay() throttle.Delay {
	return p.delay
}

// Run は urls を処理し、入力と同じ順序で結果を返します。
// 1つのURLの失敗は他のURLに影響しません。コンテキストがキャンセルされると新しいURLの処理は開始されず、
// 未処理のURLには ErrNotStarted が設定されます。
func (p *Pool) Run(ctx context.Context, urls []string, task Task) []Result {
	results := make([]Result, len(urls))
	for i, u := range urls {
		results[i] = Result{URL: u, Err: ErrNotStarted}
	}

	var g errgroup.Group
	g.SetLimit(p.workers)

	for i, u := range urls {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			// 1. 全ワーカー共通のレート制限
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
			// 2. URLごとの礼儀正しい待機 (最初のURLは待たない)
			if i > 0 {
				if err := p.delay.Sleep(ctx); err != nil {
					return nil
				}
			}
			if ctx.Err() != nil {
				return nil
			}

			// 各 goroutine は自分の添字にのみ書き込む
			results[i] = Result{URL: u, Err: task(ctx, u), Started: true}
			return nil
		})
	}

	_ = g.Wait()
	return results
}
