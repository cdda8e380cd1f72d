// Package throttle は、リモートホストに対する礼儀正しいアクセス間隔を制御します。
package throttle

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// Delay は「基準時間 + [0, Jitter) の一様乱数」の待機を表します。
type Delay struct {
	Base   time.Duration
	Jitter time.Duration
}

// Next は次の待機時間を計算します。
func (d Delay) Next() time.Duration {
	wait := d.Base
	if d.Jitter > 0 {
		wait += time.Duration(rand.Int64N(int64(d.Jitter)))
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// Sleep は待機時間だけ停止します。コンテキストが先に終了した場合はそのエラーを返します。
func (d Delay) Sleep(ctx context.Context) error {
	wait := d.Next()
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewLimiter は、全ワーカーで共有するトークンバケット型のレートリミッターを生成します。
// perSecond が 0 以下の場合は無制限のリミッターを返します。
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
