package fsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/uri"
)

// Watch is a live subscription to the changes below one directory.
type Watch struct {
	uri     uri.URI
	changes <-chan []models.FileChange
	stop    func() error

	once sync.Once
	err  error
}

// URI returns the watched directory.
func (w *Watch) URI() uri.URI { return w.uri }

// Changes delivers batches of raw changes. It is closed after Close.
func (w *Watch) Changes() <-chan []models.FileChange { return w.changes }

// Close stops the subscription. It is safe to call more than once.
func (w *Watch) Close() error {
	w.once.Do(func() { w.err = w.stop() })
	return w.err
}

// WatchFileChanges starts watching the tree below u. Native notifications are
// only available on the OS file system; other file systems are polled.
func (c *Client) WatchFileChanges(ctx context.Context, u uri.URI) (*Watch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := c.fs.Stat(u.FilePath())
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", u, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: not a directory", u)
	}

	mode := c.opts.Mode
	if _, native := c.fs.(*afero.OsFs); !native {
		mode = ModePoll
	}
	var w *Watch
	switch mode {
	case ModeNotify:
		w, err = c.watchNotify(u)
	default:
		w, err = c.watchPoll(u)
	}
	if err != nil {
		return nil, err
	}
	c.log.Debug("Watch started", zap.String("uri", u.String()), zap.String("mode", mode))
	return w, nil
}

// batcher collects changes until the window passes without a new one, then
// emits them as one batch. Duplicate records inside a batch are dropped.
type batcher struct {
	clock  clockwork.Clock
	window time.Duration
	out    chan []models.FileChange
	done   chan struct{}

	mu      sync.Mutex
	pending []models.FileChange
	seen    map[models.FileChange]struct{}
	timer   clockwork.Timer
	closed  bool

	sendMu sync.Mutex
}

func newBatcher(clock clockwork.Clock, window time.Duration) *batcher {
	return &batcher{
		clock:  clock,
		window: window,
		out:    make(chan []models.FileChange, 16),
		done:   make(chan struct{}),
		seen:   make(map[models.FileChange]struct{}),
	}
}

func (b *batcher) add(ch models.FileChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, dup := b.seen[ch]; !dup {
		b.seen[ch] = struct{}{}
		b.pending = append(b.pending, ch)
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = b.clock.AfterFunc(b.window, b.flush)
}

func (b *batcher) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.seen = make(map[models.FileChange]struct{})
	b.timer = nil
	b.mu.Unlock()
	b.send(batch)
}

// send delivers batch unless the batcher is closed.
func (b *batcher) send(batch []models.FileChange) {
	if len(batch) == 0 {
		return
	}
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	select {
	case b.out <- batch:
	case <-b.done:
	}
}

func (b *batcher) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.pending = nil
	b.mu.Unlock()

	close(b.done)
	b.sendMu.Lock()
	close(b.out)
	b.sendMu.Unlock()
}
