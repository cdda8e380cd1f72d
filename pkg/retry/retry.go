package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxAttempts は、初回を含む最大試行回数です。
	DefaultMaxAttempts = 3

	// バックオフのデフォルト設定 (基準待機時間 + 一様ジッター)
	DefaultBaseDelay  = 1 * time.Second
	DefaultJitter     = 1 * time.Second
	DefaultMultiplier = 2.0
	DefaultMaxDelay   = 30 * time.Second
)

// ErrExhausted は、最大試行回数まで試しても成功しなかったことを示します。
var ErrExhausted = errors.New("最大試行回数に到達しました")

// Operation はリトライ可能な処理を表す関数です。成功時は nil を返します。
type Operation func() error

// ShouldRetryFunc はエラーを受け取り、そのエラーがリトライ可能かどうかを判定する関数です。
type ShouldRetryFunc func(error) bool

// NotifyFunc は、リトライ前の待機に入る直前に呼ばれます。
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Config はリトライ動作を設定するための構造体です。
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	OnRetry     NotifyFunc
}

// DefaultConfig は推奨されるデフォルト設定を返します。
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Jitter:      DefaultJitter,
		Multiplier:  DefaultMultiplier,
		MaxDelay:    DefaultMaxDelay,
	}
}

// jitterBackOff は base * multiplier^n に [0, jitter) の一様乱数を加えた待機時間を返す
// backoff.BackOff の実装です。
type jitterBackOff struct {
	base       time.Duration
	jitter     time.Duration
	multiplier float64
	max        time.Duration
	n          int
}

func newJitterBackOff(cfg Config) *jitterBackOff {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	return &jitterBackOff{
		base:       cfg.BaseDelay,
		jitter:     cfg.Jitter,
		multiplier: multiplier,
		max:        cfg.MaxDelay,
	}
}

// NextBackOff は次の待機時間を返します。
func (b *jitterBackOff) NextBackOff() time.Duration {
	d := float64(b.base) * math.Pow(b.multiplier, float64(b.n))
	b.n++
	if b.max > 0 && d > float64(b.max) {
		d = float64(b.max)
	}
	wait := time.Duration(d)
	if b.jitter > 0 {
		wait += time.Duration(rand.Int64N(int64(b.jitter)))
	}
	return wait
}

// Reset は試行カウンタを初期化します。
func (b *jitterBackOff) Reset() {
	b.n = 0
}

// newBackOffPolicy は、最大試行回数とコンテキストを適用したバックオフポリシーを生成します。
func newBackOffPolicy(ctx context.Context, cfg Config) backoff.BackOff {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.WithMaxRetries(newJitterBackOff(cfg), uint64(attempts-1))
	return backoff.WithContext(bo, ctx)
}

// Do は指数バックオフ + ジッターで操作をリトライし、実際の試行回数を返します。
// 試行回数を使い切った場合、返されるエラーは ErrExhausted と最後のエラーの両方をラップします。
func Do(ctx context.Context, cfg Config, operationName string, op Operation, shouldRetryFn ShouldRetryFunc) (int, error) {
	attempts := 0
	var lastErr error

	retryableOp := func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if shouldRetryFn != nil && !shouldRetryFn(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempts, err, wait)
		}
	}

	err := backoff.RetryNotify(retryableOp, newBackOffPolicy(ctx, cfg), notify)
	if err == nil {
		return attempts, nil
	}

	// 1. 呼び出し元のコンテキストがキャンセル/タイムアウトした場合は即座に打ち切る
	if ctxErr := ctx.Err(); ctxErr != nil {
		return attempts, fmt.Errorf("%sに失敗しました: コンテキストタイムアウト/キャンセル: %w", operationName, ctxErr)
	}

	// 2. リトライ対象外と判定されたエラー
	if shouldRetryFn != nil && lastErr != nil && !shouldRetryFn(lastErr) {
		return attempts, fmt.Errorf("%sに失敗しました: リトライ対象外のエラー: %w", operationName, lastErr)
	}

	// 3. 試行回数の上限に到達
	return attempts, fmt.Errorf("%sに失敗しました: %w (%d回)。最終エラー: %w", operationName, ErrExhausted, attempts, lastErr)
}
