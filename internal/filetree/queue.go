package filetree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/internal/metrics"
	"github.com/fruitsalade/treesync/pkg/tree"
)

// DefaultDebounceDelay is the quiet period before queued refreshes run.
const DefaultDebounceDelay = 150 * time.Millisecond

// RefreshFunc refreshes the directory at path.
type RefreshFunc func(ctx context.Context, path string) error

// QueueOptions configures a RefreshQueue.
type QueueOptions struct {
	Delay    time.Duration
	Clock    clockwork.Clock
	Dispatch RefreshFunc
	// OnFlushStart runs before the first dispatch with the sorted batch.
	OnFlushStart func(paths []string)
	// OnFlushDone runs after the last dispatch of a non-empty batch, once the
	// next flush may start.
	OnFlushDone func(paths []string, err error)
	Logger      *zap.Logger
}

// RefreshQueue coalesces directory refresh requests. Every Enqueue restarts
// the debounce timer; when it fires the pending paths are dispatched
// shallowest first, one at a time. Flushes never overlap.
type RefreshQueue struct {
	opts QueueOptions
	log  *zap.Logger

	mu      sync.Mutex
	pending []string
	set     map[string]struct{}
	timer   clockwork.Timer
	gen     uint64 // bumped whenever the timer is re-armed or cancelled
	stopped bool

	flushMu sync.Mutex
}

// NewRefreshQueue creates a queue. A nil Clock uses the real clock.
func NewRefreshQueue(opts QueueOptions) *RefreshQueue {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDebounceDelay
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &RefreshQueue{
		opts: opts,
		log:  log,
		set:  make(map[string]struct{}),
	}
}

// Enqueue adds path to the pending set and restarts the timer.
func (q *RefreshQueue) Enqueue(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if _, ok := q.set[path]; !ok {
		q.set[path] = struct{}{}
		q.pending = append(q.pending, path)
		metrics.SetRefreshQueueDepth(len(q.pending))
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.gen++
	gen := q.gen
	q.timer = q.opts.Clock.AfterFunc(q.opts.Delay, func() { q.fire(gen) })
}

// Contains reports whether path is waiting for a refresh.
func (q *RefreshQueue) Contains(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.set[path]
	return ok
}

// Len returns the number of pending paths.
func (q *RefreshQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns the pending paths in insertion order.
func (q *RefreshQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.pending))
	copy(out, q.pending)
	return out
}

// fire runs when the debounce timer armed as generation gen expires. A timer
// that waited for a running flush gives way to any timer armed after it.
func (q *RefreshQueue) fire(gen uint64) {
	q.flushMu.Lock()
	q.mu.Lock()
	stale := gen != q.gen
	q.mu.Unlock()
	if stale {
		q.flushMu.Unlock()
		return
	}
	paths, err := q.flush(context.Background())
	q.flushMu.Unlock()
	q.done(paths, err)
	if err != nil {
		q.log.Warn("Refresh flush finished with errors", zap.Error(err))
	}
}

type flushKey struct{}

// Flush dispatches every pending path now. Failures of individual paths do not
// stop the batch; they are joined into the returned error.
//
// Dispatch and the callbacks it triggers receive a context marked as being
// inside this queue's flush. Flush called with such a context returns nil at
// once and leaves the queued paths to the next timer.
func (q *RefreshQueue) Flush(ctx context.Context) error {
	if owner, _ := ctx.Value(flushKey{}).(*RefreshQueue); owner == q {
		return nil
	}
	q.flushMu.Lock()
	paths, err := q.flush(ctx)
	q.flushMu.Unlock()
	q.done(paths, err)
	return err
}

func (q *RefreshQueue) done(paths []string, err error) {
	if len(paths) > 0 && q.opts.OnFlushDone != nil {
		q.opts.OnFlushDone(paths, err)
	}
}

// flush must be called with flushMu held.
func (q *RefreshQueue) flush(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.gen++
	paths := q.pending
	q.pending = nil
	q.set = make(map[string]struct{})
	q.mu.Unlock()
	metrics.SetRefreshQueueDepth(0)

	if len(paths) == 0 {
		return nil, nil
	}
	ctx = context.WithValue(ctx, flushKey{}, q)
	start := time.Now()
	tree.SortByDepth(paths)
	if q.opts.OnFlushStart != nil {
		q.opts.OnFlushStart(paths)
	}

	var errs []error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if q.opts.Dispatch == nil {
			continue
		}
		err := q.opts.Dispatch(ctx, path)
		metrics.RecordRefresh(err == nil)
		if err != nil {
			q.log.Warn("Refresh failed", zap.String("path", path), zap.Error(err))
			errs = append(errs, fmt.Errorf("refresh %s: %w", path, err))
		}
	}
	err := errors.Join(errs...)
	metrics.RecordFlush(time.Since(start))
	return paths, err
}

// Reset drops pending paths and cancels the timer.
func (q *RefreshQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reset()
}

// Stop resets the queue and ignores later Enqueue calls.
func (q *RefreshQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reset()
	q.stopped = true
}

func (q *RefreshQueue) reset() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.gen++
	q.pending = nil
	q.set = make(map[string]struct{})
	metrics.SetRefreshQueueDepth(0)
}
