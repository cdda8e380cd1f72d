package pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shouni/go-news-harvester/pkg/types"
)

// State はクロール実行の状態です。
type State int

const (
	StateInit State = iota
	StateDiscovering
	StateFiltering
	StateFetching
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateDiscovering:
		return "discovering"
	case StateFiltering:
		return "filtering"
	case StateFetching:
		return "fetching"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal は終了状態かどうかを返します。
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Run は1回のクロール実行の状態とカウンターを保持します。
// ワーカーから同時に更新されるため、すべてのアクセスはミューテックスで保護されます。
type Run struct {
	crawler *Crawler
	logger  *zap.Logger

	mu      sync.Mutex
	state   State
	summary types.Summary
	started time.Time
}

// State は現在の状態を返します。
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Summary は現時点の集計結果のコピーを返します。
func (r *Run) Summary() types.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

func (r *Run) transition(next State) {
	r.mu.Lock()
	prev := r.state
	r.state = next
	r.mu.Unlock()

	r.logger.Debug("状態遷移", zap.Stringer("from", prev), zap.Stringer("to", next))
}

// update はカウンターをロックした状態で更新します。
func (r *Run) update(fn func(s *types.Summary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.summary)
}
