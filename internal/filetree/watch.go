package filetree

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/internal/metrics"
	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/uri"
)

// ChangeSink receives every batch delivered by a subscription.
type ChangeSink func(ctx context.Context, changes []models.FileChange)

type subscription struct {
	uri     uri.URI
	watcher Watcher // nil after a failed reconnect
}

// WatchRegistry holds at most one change subscription per URI.
type WatchRegistry struct {
	client FileSystemClient
	sink   ChangeSink
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	subs  map[string]*subscription
	order []string
	wg    sync.WaitGroup
}

// NewWatchRegistry creates a registry that pumps batches into sink.
func NewWatchRegistry(client FileSystemClient, sink ChangeSink, log *zap.Logger) *WatchRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WatchRegistry{
		client: client,
		sink:   sink,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}
}

// Watch subscribes to u. A URI that is already watched is left alone.
func (r *WatchRegistry) Watch(ctx context.Context, u uri.URI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := u.String()
	if _, ok := r.subs[key]; ok {
		return nil
	}
	sub := &subscription{uri: u}
	if err := r.open(ctx, sub); err != nil {
		return err
	}
	r.subs[key] = sub
	r.order = append(r.order, key)
	r.updateGauge()
	return nil
}

// ReconnectAll closes every subscription and opens a fresh one for the same
// URI set. A URI whose subscription cannot be reopened stays registered and is
// retried by the next call.
func (r *WatchRegistry) ReconnectAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	metrics.RecordWatchReconnect()

	var errs []error
	for _, key := range r.order {
		sub := r.subs[key]
		if sub.watcher != nil {
			if err := sub.watcher.Close(); err != nil {
				r.log.Debug("Closing watch failed", zap.String("uri", key), zap.Error(err))
			}
			sub.watcher = nil
		}
		if err := r.open(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	r.updateGauge()
	return errors.Join(errs...)
}

// Unwatch closes the subscription for u.
func (r *WatchRegistry) Unwatch(u uri.URI) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := u.String()
	sub, ok := r.subs[key]
	if !ok {
		return nil
	}
	delete(r.subs, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.updateGauge()
	if sub.watcher == nil {
		return nil
	}
	return sub.watcher.Close()
}

// UnwatchAll closes every subscription but keeps the registry usable.
func (r *WatchRegistry) UnwatchAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, key := range r.order {
		if w := r.subs[key].watcher; w != nil {
			if err := w.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	r.subs = make(map[string]*subscription)
	r.order = nil
	r.updateGauge()
	return errors.Join(errs...)
}

// Close disposes every subscription and waits for the pumps to drain.
func (r *WatchRegistry) Close() error {
	err := r.UnwatchAll()
	r.cancel()
	r.wg.Wait()
	return err
}

// URIs returns the registered URIs in registration order.
func (r *WatchRegistry) URIs() []uri.URI {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uri.URI, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.subs[key].uri)
	}
	return out
}

// Len returns the number of live subscriptions.
func (r *WatchRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active()
}

func (r *WatchRegistry) open(ctx context.Context, sub *subscription) error {
	w, err := r.client.WatchFileChanges(ctx, sub.uri)
	if err != nil {
		return fmt.Errorf("watch %s: %w", sub.uri, err)
	}
	sub.watcher = w
	r.wg.Add(1)
	go r.pump(w)
	r.log.Debug("Watching", zap.String("uri", sub.uri.String()))
	return nil
}

func (r *WatchRegistry) pump(w Watcher) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case batch, ok := <-w.Changes():
			if !ok {
				return
			}
			if len(batch) > 0 && r.sink != nil {
				r.sink(r.ctx, batch)
			}
		}
	}
}

func (r *WatchRegistry) active() int {
	n := 0
	for _, sub := range r.subs {
		if sub.watcher != nil {
			n++
		}
	}
	return n
}

func (r *WatchRegistry) updateGauge() {
	metrics.SetWatchSubscriptions(r.active())
}
