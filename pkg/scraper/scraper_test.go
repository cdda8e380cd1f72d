package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/go-news-harvester/pkg/throttle"
)

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://www.example.org/2024/05/01/story-%d", i)
	}
	return out
}

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool(0, nil, throttle.Delay{})
	assert.Equal(t, DefaultWorkers, p.Workers())
}

func TestRun_PreservesOrderAndIsolatesFailures(t *testing.T) {
	input := urls(10)
	p := NewPool(4, nil, throttle.Delay{})

	results := p.Run(context.Background(), input, func(ctx context.Context, url string) error {
		if url == input[3] {
			return errors.New("リトライ上限に達しました")
		}
		return nil
	})

	require.Len(t, results, len(input))
	for i, r := range results {
		assert.Equal(t, input[i], r.URL)
		assert.True(t, r.Started)
		if i == 3 {
			assert.Error(t, r.Err)
		} else {
			assert.NoError(t, r.Err)
		}
	}
}

func TestRun_RespectsWorkerLimit(t *testing.T) {
	const workers = 3
	p := NewPool(workers, nil, throttle.Delay{})

	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	p.Run(context.Background(), urls(12), func(ctx context.Context, url string) error {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return nil
	})

	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Positive(t, peak.Load())
}

func TestRun_SingleWorkerIsSequential(t *testing.T) {
	input := urls(5)
	p := NewPool(1, nil, throttle.Delay{})

	var (
		mu    sync.Mutex
		order []string
	)
	p.Run(context.Background(), input, func(ctx context.Context, url string) error {
		mu.Lock()
		order = append(order, url)
		mu.Unlock()
		return nil
	})

	assert.Equal(t, input, order)
}

func TestRun_CancellationStopsDispatch(t *testing.T) {
	input := urls(10)
	p := NewPool(1, nil, throttle.Delay{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := p.Run(ctx, input, func(ctx context.Context, url string) error {
		if url == input[2] {
			cancel()
		}
		return nil
	})

	started := 0
	for _, r := range results {
		if r.Started {
			started++
			continue
		}
		assert.ErrorIs(t, r.Err, ErrNotStarted)
	}
	assert.Equal(t, 3, started)
	assert.True(t, results[2].Started)
	assert.False(t, results[9].Started)
}

func TestRun_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	results := NewPool(2, nil, throttle.Delay{}).Run(ctx, urls(3), func(ctx context.Context, url string) error {
		called = true
		return nil
	})

	assert.False(t, called)
	for _, r := range results {
		assert.False(t, r.Started)
	}
}

func TestRun_RateLimited(t *testing.T) {
	// 毎秒50件、バースト1: 5件で少なくとも約80ms
	p := NewPool(5, throttle.NewLimiter(50, 1), throttle.Delay{})

	start := time.Now()
	p.Run(context.Background(), urls(5), func(ctx context.Context, url string) error { return nil })

	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestPool_WithMinDelay(t *testing.T) {
	base := NewPool(2, nil, throttle.Delay{Base: 20 * time.Millisecond, Jitter: 5 * time.Millisecond})

	raised := base.WithMinDelay(50 * time.Millisecond)
	assert.Equal(t, throttle.Delay{Base: 50 * time.Millisecond, Jitter: 5 * time.Millisecond}, raised.Delay())
	assert.Equal(t, 2, raised.Workers())
	assert.Equal(t, 20*time.Millisecond, base.Delay().Base, "元のPoolは変更しない")

	assert.Same(t, base, base.WithMinDelay(10*time.Millisecond), "設定値より短い場合はそのまま")
	assert.Same(t, base, base.WithMinDelay(0))
}

func TestRun_MinDelayAppliedBetweenURLs(t *testing.T) {
	pool := NewPool(1, nil, throttle.Delay{}).WithMinDelay(30 * time.Millisecond)

	start := time.Now()
	results := pool.Run(context.Background(), urls(3), func(context.Context, string) error { return nil })

	require.Len(t, results, 3)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}
