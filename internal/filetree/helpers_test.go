package filetree

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/fruitsalade/treesync/internal/events"
	"github.com/fruitsalade/treesync/internal/fsclient"
	"github.com/fruitsalade/treesync/internal/workspace"
	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/uri"
)

const waitTimeout = 2 * time.Second

// fakeWatcher is a channel-backed Watcher.
type fakeWatcher struct {
	uri    uri.URI
	ch     chan []models.FileChange
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func (w *fakeWatcher) Changes() <-chan []models.FileChange { return w.ch }

func (w *fakeWatcher) Close() error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.ch)
	})
	return nil
}

func (w *fakeWatcher) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// fakeWatchClient records every subscription it hands out.
type fakeWatchClient struct {
	mu       sync.Mutex
	watchers []*fakeWatcher
	fail     map[string]error
}

func newFakeWatchClient() *fakeWatchClient {
	return &fakeWatchClient{fail: make(map[string]error)}
}

func (c *fakeWatchClient) WatchFileChanges(ctx context.Context, u uri.URI) (Watcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[u.String()]; err != nil {
		return nil, err
	}
	w := &fakeWatcher{uri: u, ch: make(chan []models.FileChange, 8)}
	c.watchers = append(c.watchers, w)
	return w, nil
}

func (c *fakeWatchClient) setFailure(u uri.URI, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fail, u.String())
		return
	}
	c.fail[u.String()] = err
}

// opened counts every subscription ever opened for u.
func (c *fakeWatchClient) opened(u uri.URI) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.watchers {
		if w.uri.Equal(u) {
			n++
		}
	}
	return n
}

// live returns the URIs of the subscriptions that are still open.
func (c *fakeWatchClient) live() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, w := range c.watchers {
		if !w.isClosed() {
			out = append(out, w.uri.String())
		}
	}
	return out
}

// send pushes batch into the newest open subscription for u.
func (c *fakeWatchClient) send(t *testing.T, u uri.URI, batch []models.FileChange) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.watchers) - 1; i >= 0; i-- {
		if w := c.watchers[i]; w.uri.Equal(u) && !w.isClosed() {
			w.ch <- batch
			return
		}
	}
	t.Fatalf("no open watcher for %s", u)
}

// fakePrefs is an in-memory Preferences.
type fakePrefs struct {
	mu        sync.Mutex
	values    map[string]any
	nextID    int
	listeners map[int]func(models.PreferenceChange)
}

func newFakePrefs() *fakePrefs {
	return &fakePrefs{
		values:    make(map[string]any),
		listeners: make(map[int]func(models.PreferenceChange)),
	}
}

func (p *fakePrefs) Int(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, _ := p.values[key].(int)
	return v
}

func (p *fakePrefs) Bool(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, _ := p.values[key].(bool)
	return v
}

func (p *fakePrefs) OnChange(fn func(models.PreferenceChange)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *fakePrefs) set(key string, v any) {
	p.mu.Lock()
	old := p.values[key]
	p.values[key] = v
	var fns []func(models.PreferenceChange)
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(models.PreferenceChange{Name: key, OldValue: old, NewValue: v})
	}
}

// fixture wires a Service to an in-memory file system.
type fixture struct {
	t       *testing.T
	ctx     context.Context
	fs      afero.Fs
	client  *fsclient.Client
	ws      *workspace.Provider
	watch   *fakeWatchClient
	prefs   *fakePrefs
	clock   clockwork.Clock
	advance func(time.Duration)
	bc      *events.Broadcaster
	sub     chan events.Event
	svc     *Service
}

// newFixture creates the given files (a trailing slash makes a directory),
// opens target as the workspace and initializes a service.
func newFixture(t *testing.T, target string, files ...string) *fixture {
	t.Helper()
	f := newUnstartedFixture(t, files...)
	if !strings.HasSuffix(target, workspace.FileExtension) {
		f.create(target + "/")
	}
	f.open(target)
	f.start()
	return f
}

func newUnstartedFixture(t *testing.T, files ...string) *fixture {
	t.Helper()
	memfs := afero.NewMemMapFs()
	client, err := fsclient.New(fsclient.Options{Fs: memfs, Mode: fsclient.ModePoll})
	if err != nil {
		t.Fatalf("fsclient.New: %v", err)
	}
	fc := clockwork.NewFakeClock()
	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		fs:      memfs,
		client:  client,
		ws:      workspace.New(client, nil),
		watch:   newFakeWatchClient(),
		prefs:   newFakePrefs(),
		clock:   fc,
		advance: fc.Advance,
		bc:      events.NewBroadcaster(),
	}
	for _, p := range files {
		f.create(p)
	}
	return f
}

func (f *fixture) create(p string) {
	f.t.Helper()
	if strings.HasSuffix(p, "/") {
		if err := f.fs.MkdirAll(p, 0o755); err != nil {
			f.t.Fatalf("mkdir %s: %v", p, err)
		}
		return
	}
	if err := afero.WriteFile(f.fs, p, []byte(p), 0o644); err != nil {
		f.t.Fatalf("write %s: %v", p, err)
	}
}

func (f *fixture) writeFile(p, content string) {
	f.t.Helper()
	if err := afero.WriteFile(f.fs, p, []byte(content), 0o644); err != nil {
		f.t.Fatalf("write %s: %v", p, err)
	}
}

func (f *fixture) remove(p string) {
	f.t.Helper()
	if err := f.fs.RemoveAll(p); err != nil {
		f.t.Fatalf("remove %s: %v", p, err)
	}
}

func (f *fixture) open(target string) {
	f.t.Helper()
	if err := f.ws.Open(f.ctx, uri.File(target)); err != nil {
		f.t.Fatalf("open workspace %s: %v", target, err)
	}
}

func (f *fixture) start() {
	f.t.Helper()
	svc, err := New(Options{
		Workspace:     f.ws,
		FileSystem:    f.watch,
		Provider:      NewFSProvider(f.client),
		Preferences:   f.prefs,
		Broadcaster:   f.bc,
		DebounceDelay: 150 * time.Millisecond,
		Clock:         f.clock,
	})
	if err != nil {
		f.t.Fatalf("New: %v", err)
	}
	f.svc = svc
	f.sub = f.bc.Subscribe()
	f.t.Cleanup(func() {
		_ = svc.Dispose()
		f.bc.Unsubscribe(f.sub)
	})
	if err := svc.Init(f.ctx); err != nil {
		f.t.Fatalf("Init: %v", err)
	}
}

func (f *fixture) expand() {
	f.t.Helper()
	if err := f.svc.Expand(f.ctx, f.svc.Root(), -1); err != nil {
		f.t.Fatalf("Expand: %v", err)
	}
}

func (f *fixture) apply(changes ...models.FileChange) {
	f.svc.OnFilesChanged(f.ctx, changes)
}

func (f *fixture) flush() {
	f.t.Helper()
	if err := f.svc.Flush(f.ctx); err != nil {
		f.t.Fatalf("Flush: %v", err)
	}
}

func (f *fixture) node(p string) *Node {
	f.t.Helper()
	n, ok := f.svc.Cache().Get(p)
	if !ok {
		f.t.Fatalf("node %s not cached; have %v", p, f.svc.Cache().Paths())
	}
	return n
}

func (f *fixture) cached(p string) bool {
	_, ok := f.svc.Cache().Get(p)
	return ok
}

// drain returns the broadcast events published so far.
func (f *fixture) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-f.sub:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// waitEvent blocks until a broadcast event of type typ arrives.
func (f *fixture) waitEvent(typ string) events.Event {
	f.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-f.sub:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for %s event", typ)
			return events.Event{}
		}
	}
}

// recorder collects the watch events delivered to one scope.
type recorder struct {
	mu     sync.Mutex
	events []WatchEvent
}

func (f *fixture) record(scope string) *recorder {
	r := &recorder{}
	cancel := f.svc.OnEvent(scope, func(_ context.Context, ev WatchEvent) error {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		return nil
	})
	f.t.Cleanup(cancel)
	return r
}

func (r *recorder) get() []WatchEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]WatchEvent(nil), r.events...)
}

var ignoreTimestamp = cmpopts.IgnoreFields(events.Event{}, "Timestamp")

func diffEvents(want, got []events.Event) string {
	return cmp.Diff(want, got, ignoreTimestamp, cmpopts.EquateEmpty())
}

// assertConsistent checks that every cached node sits at its own path and is
// reachable from the root, and that every reachable node is cached.
func (f *fixture) assertConsistent() {
	f.t.Helper()
	root := f.svc.Root()
	if root == nil {
		f.t.Fatal("no root")
	}
	reachable := make(map[string]*Node)
	root.walk(func(n *Node) {
		p := n.Path()
		if _, dup := reachable[p]; dup {
			f.t.Errorf("two nodes at %s", p)
		}
		reachable[p] = n
		for _, c := range n.Children() {
			if c.Parent() != n {
				f.t.Errorf("child %s does not point at parent %s", c.Path(), p)
			}
		}
	})

	paths := f.svc.Cache().Paths()
	for _, p := range paths {
		n, _ := f.svc.Cache().Get(p)
		if n.Path() != p {
			f.t.Errorf("cache key %s holds node at %s", p, n.Path())
		}
		if reachable[p] != n {
			f.t.Errorf("cached node %s is not reachable from the root", p)
		}
	}
	if len(paths) != len(reachable) {
		var missing []string
		for p := range reachable {
			if !f.cached(p) {
				missing = append(missing, p)
			}
		}
		f.t.Errorf("cache has %d nodes, tree has %d; uncached: %v", len(paths), len(reachable), missing)
	}
}
