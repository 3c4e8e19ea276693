// Package filetree keeps an in-memory tree of workspace files consistent with
// the file system.
//
// Raw change batches from file-system watchers are classified into moves,
// deletes, adds and leftovers, applied to a path-keyed node cache, and turned
// into per-directory notifications. Changes that cannot be applied in place are
// coalesced into debounced directory refreshes.
package filetree

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/internal/events"
	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/tree"
	"github.com/fruitsalade/treesync/pkg/uri"
)

var (
	ErrDisposed     = errors.New("filetree: service disposed")
	ErrNoWorkspace  = errors.New("filetree: workspace has no roots")
	ErrNotDirectory = errors.New("filetree: not a directory")
	ErrUnknownNode  = errors.New("filetree: node is not part of the tree")
)

const (
	defaultBaseIndent = 8
	defaultIndent     = 8
)

// Options configures a Service.
type Options struct {
	Workspace  WorkspaceProvider
	FileSystem FileSystemClient
	Provider   TreeDataProvider

	// Preferences is optional; defaults apply when nil.
	Preferences Preferences
	// Broadcaster, when set, receives every notification.
	Broadcaster *events.Broadcaster

	DebounceDelay time.Duration
	Clock         clockwork.Clock
	Logger        *zap.Logger
}

// Service owns the node cache and applies file changes to it.
//
// All cache mutations happen under one engine lock, so reconciliation passes,
// child resolution and refreshes never interleave. Notifications collected
// during a pass are delivered in order after the lock is released, so
// callbacks may call back into the service.
type Service struct {
	workspace   WorkspaceProvider
	provider    TreeDataProvider
	prefs       Preferences
	broadcaster *events.Broadcaster
	log         *zap.Logger

	mu       sync.Mutex // engine lock
	root     atomic.Pointer[Node]
	compact  bool
	covered  map[string]struct{}
	started  bool
	disposed bool

	outMu    sync.Mutex
	outbox   []*pass
	draining bool

	cache    *Cache
	queue    *RefreshQueue
	registry *WatchRegistry
	watchers *dispatcher
	view     *ViewState

	listenersMu sync.Mutex
	nextID      int
	refreshed   map[int]func(paths []string)

	cancels []func()
}

// New creates a service. Init must be called before use.
func New(opts Options) (*Service, error) {
	if opts.Workspace == nil {
		return nil, errors.New("filetree: workspace provider is required")
	}
	if opts.FileSystem == nil {
		return nil, errors.New("filetree: file system client is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("filetree: tree data provider is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Service{
		workspace:   opts.Workspace,
		provider:    opts.Provider,
		prefs:       opts.Preferences,
		broadcaster: opts.Broadcaster,
		log:         log,
		covered:     make(map[string]struct{}),
		cache:       NewCache(),
		watchers:    newDispatcher(),
		view:        NewViewState(defaultBaseIndent, defaultIndent),
		refreshed:   make(map[int]func([]string)),
	}
	s.queue = NewRefreshQueue(QueueOptions{
		Delay:        opts.DebounceDelay,
		Clock:        opts.Clock,
		Dispatch:     s.refreshDirectory,
		OnFlushStart: s.beginFlush,
		OnFlushDone:  s.endFlush,
		Logger:       log,
	})
	s.registry = NewWatchRegistry(opts.FileSystem, s.OnFilesChanged, log)
	return s, nil
}

// Init resolves the root and subscribes to preference and workspace changes.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	if s.prefs != nil {
		s.compact = s.prefs.Bool(PrefCompactFolders)
		s.view.SetIndent(s.intPref(PrefBaseIndent, defaultBaseIndent), s.intPref(PrefIndent, defaultIndent))
		s.cancels = append(s.cancels, s.prefs.OnChange(s.handlePreferenceChange))
	}
	s.cancels = append(s.cancels, s.workspace.OnWorkspaceChanged(s.handleWorkspaceChanged))
	s.mu.Unlock()

	_, err := s.ResolveChildren(ctx, nil)
	return err
}

func (s *Service) intPref(key string, def int) int {
	if v := s.prefs.Int(key); v > 0 {
		return v
	}
	return def
}

// Root returns the tree root, nil before Init.
func (s *Service) Root() *Node {
	return s.root.Load()
}

// Cache exposes the node cache for lookups.
func (s *Service) Cache() *Cache {
	return s.cache
}

// ViewState returns the presentation settings.
func (s *Service) ViewState() *ViewState {
	return s.view
}

// Queue returns the refresh queue.
func (s *Service) Queue() *RefreshQueue {
	return s.queue
}

// Watches returns the watch registry.
func (s *Service) Watches() *WatchRegistry {
	return s.registry
}

// ResolveChildren materializes the children of parent. A nil parent resolves
// the root and returns it as the only element.
func (s *Service) ResolveChildren(ctx context.Context, parent *Node) ([]*Node, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrDisposed
	}
	p := &pass{}
	var (
		nodes []*Node
		err   error
	)
	if parent == nil {
		nodes, err = s.resolveRoot(ctx)
	} else {
		nodes, err = s.resolveChildren(ctx, parent, p)
	}
	s.releaseAndLog(ctx, p)
	return nodes, err
}

func (s *Service) resolveRoot(ctx context.Context) ([]*Node, error) {
	if root := s.root.Load(); root != nil {
		return []*Node{root}, nil
	}
	roots, err := s.workspace.Roots(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace roots: %w", err)
	}
	if len(roots) == 0 {
		return nil, ErrNoWorkspace
	}

	if ws, ok := s.workspace.Workspace(); ok && !ws.IsDirectory {
		base := ws.URI.DisplayName()
		stat := ws
		stat.IsDirectory = true
		root := NewNode(stat, nil, strings.TrimSuffix(base, path.Ext(base)))
		s.root.Store(root)
		s.cache.set(root)
		s.log.Info("Resolved multi-root workspace",
			zap.String("root", root.Path()), zap.Int("folders", len(roots)))
		return []*Node{root}, nil
	}

	stat := roots[0]
	root := NewNode(stat, nil, s.workspace.WorkspaceName(stat.URI))
	root.setWorkspaceRoot(true)
	s.root.Store(root)
	s.cache.set(root)
	s.log.Info("Resolved workspace root", zap.String("root", root.Path()), zap.String("uri", stat.URI.String()))
	if err := s.registry.Watch(ctx, stat.URI); err != nil {
		return []*Node{root}, err
	}
	return []*Node{root}, nil
}

func (s *Service) resolveChildren(ctx context.Context, parent *Node, p *pass) ([]*Node, error) {
	if !parent.IsDirectory() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, parent.Path())
	}
	if cached, ok := s.cache.Get(parent.Path()); !ok || cached != parent {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, parent.Path())
	}
	if s.isMultiRoot() && parent == s.root.Load() {
		err := s.resolveWorkspaceFolders(ctx, parent)
		return parent.Children(), err
	}

	res, err := s.provider.ResolveChildren(ctx, parent, s.compact)
	if err != nil {
		return nil, err
	}
	s.applyCompaction(parent, res.ParentStat)
	s.mergeChildren(parent, res.Children)
	return parent.Children(), nil
}

// resolveWorkspaceFolders attaches one node per workspace folder under the
// virtual root and watches each folder.
func (s *Service) resolveWorkspaceFolders(ctx context.Context, root *Node) error {
	roots, err := s.workspace.Roots(ctx)
	if err != nil {
		return fmt.Errorf("resolve workspace roots: %w", err)
	}
	fresh := make([]*Node, 0, len(roots))
	for _, stat := range roots {
		n := NewNode(stat, root, s.workspace.WorkspaceName(stat.URI))
		n.setWorkspaceRoot(true)
		fresh = append(fresh, n)
	}
	s.mergeChildren(root, fresh)

	var errs []error
	for _, stat := range roots {
		if err := s.registry.Watch(ctx, stat.URI); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyCompaction renames dir after a compacted resolution so its name spans
// the collapsed chain.
func (s *Service) applyCompaction(dir *Node, stat models.FileStat) {
	if stat.URI.IsZero() || stat.URI.Equal(dir.URI()) {
		return
	}
	rel, ok := dir.headURI().Parent().Relative(stat.URI)
	if !ok || rel == "" {
		return
	}
	oldPath := dir.Path()
	dir.setName(rel)
	dir.mu.Lock()
	dir.stat = stat
	dir.uri = stat.URI
	dir.mu.Unlock()
	dir.setCompacted(true)
	s.rekey(dir, oldPath)
}

// mergeChildren replaces the child list of dir with fresh, keeping existing
// nodes (and their loaded subtrees) whose identity did not change.
func (s *Service) mergeChildren(dir *Node, fresh []*Node) {
	existing := make(map[string]*Node)
	for _, c := range dir.Children() {
		existing[c.headURI().String()] = c
	}

	merged := make([]*Node, 0, len(fresh))
	var added []*Node
	kept := make(map[*Node]bool)
	for _, f := range fresh {
		old, ok := existing[f.URI().String()]
		if ok && old.IsDirectory() == f.IsDirectory() && !(old.Compacted() && !s.compact) {
			if !old.Compacted() {
				old.setStat(f.Stat())
			}
			kept[old] = true
			merged = append(merged, old)
			continue
		}
		f.setParent(dir)
		merged = append(merged, f)
		added = append(added, f)
	}
	for _, old := range existing {
		if !kept[old] {
			s.cache.deleteSubtree(old.Path())
		}
	}
	dir.setChildren(merged)
	dir.setLoaded(true)
	for _, n := range added {
		s.cache.set(n)
	}
}

// rekey moves the cache entries of n's subtree from oldPath to n's current path.
func (s *Service) rekey(n *Node, oldPath string) {
	s.cache.deleteSubtree(oldPath)
	s.cache.setSubtree(n)
}

// Expand resolves children down to depth levels below node. A negative depth
// expands everything. Symbolic links are not followed.
func (s *Service) Expand(ctx context.Context, node *Node, depth int) error {
	if depth == 0 || node == nil || !node.IsDirectory() {
		return nil
	}
	children, err := s.ResolveChildren(ctx, node)
	if err != nil {
		return err
	}
	for _, c := range children {
		if !c.IsDirectory() || c.Stat().IsSymbolicLink {
			continue
		}
		if err := s.Expand(ctx, c, depth-1); err != nil {
			return err
		}
	}
	return nil
}

// GetNodeByPathOrUri looks a node up by canonical path or URI.
func (s *Service) GetNodeByPathOrUri(key PathKey) (*Node, bool) {
	if !key.IsRaw() {
		return s.cache.Get(key.canonical)
	}
	p, ok := s.NodePathByURI(key.URI())
	if !ok {
		return nil, false
	}
	return s.cache.Get(p)
}

// NodePathByURI maps u to a canonical path through the workspace root that
// contains it.
func (s *Service) NodePathByURI(u uri.URI) (string, bool) {
	root := s.root.Load()
	if root == nil {
		return "", false
	}
	owners := []*Node{root}
	if s.isMultiRoot() {
		owners = root.Children()
	}
	for _, owner := range owners {
		if rel, ok := owner.URI().Relative(u); ok {
			return tree.Join(owner.Path(), rel), true
		}
	}
	return "", false
}

func (s *Service) isMultiRoot() bool {
	root := s.root.Load()
	return root != nil && !root.IsWorkspaceRoot()
}

func (s *Service) lookup(u uri.URI) (*Node, bool) {
	return s.GetNodeByPathOrUri(Raw(u))
}

// OnEvent registers cb for notifications addressed to the directory at path.
func (s *Service) OnEvent(path string, cb WatchCallback) (cancel func()) {
	return s.watchers.register(path, cb)
}

// OnRefreshed registers fn to run after every refresh flush.
func (s *Service) OnRefreshed(fn func(paths []string)) (cancel func()) {
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.refreshed[id] = fn
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.refreshed, id)
		s.listenersMu.Unlock()
	}
}

// Refresh queues a refresh of node's directory. A nil node refreshes the
// whole tree.
func (s *Service) Refresh(node *Node) {
	if node == nil {
		node = s.root.Load()
		if node == nil {
			return
		}
	}
	if !node.IsDirectory() && node.Parent() != nil {
		node = node.Parent()
	}
	s.queue.Enqueue(node.Path())
}

// Flush runs queued refreshes now. Called from an event callback with the
// callback's context it returns at once, since that callback already runs
// inside a flush.
func (s *Service) Flush(ctx context.Context) error {
	return s.queue.Flush(ctx)
}

// ReWatch reconnects every watch subscription.
func (s *Service) ReWatch(ctx context.Context) error {
	return s.registry.ReconnectAll(ctx)
}

// Snapshot returns a copy of the materialized tree.
func (s *Service) Snapshot() *models.FileNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := s.root.Load()
	if root == nil {
		return nil
	}
	return snapshot(root)
}

func snapshot(n *Node) *models.FileNode {
	st := n.Stat()
	out := &models.FileNode{
		Name:      n.Name(),
		Path:      n.Path(),
		URI:       n.URI().String(),
		Size:      st.Size,
		IsDir:     st.IsDirectory,
		IsSymlink: st.IsSymbolicLink,
	}
	if st.LastModification > 0 {
		out.ModTime = time.UnixMilli(st.LastModification).UTC()
	}
	for _, c := range n.Children() {
		out.Children = append(out.Children, snapshot(c))
	}
	return out
}

// Dispose stops the queue, closes every watch and clears the cache.
func (s *Service) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.queue.Stop()
	err := s.registry.Close()

	s.mu.Lock()
	s.cache.clear()
	s.root.Store(nil)
	s.mu.Unlock()
	s.watchers.clear()
	return err
}

func (s *Service) handleWorkspaceChanged() {
	ctx := context.Background()
	s.queue.Reset()
	if err := s.registry.UnwatchAll(); err != nil {
		s.log.Warn("Closing watches failed", zap.Error(err))
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.cache.clear()
	s.root.Store(nil)
	s.mu.Unlock()

	nodes, err := s.ResolveChildren(ctx, nil)
	if err != nil {
		s.log.Warn("Re-initializing workspace failed", zap.Error(err))
	}
	// Folder watches of a multi-root workspace hang off the virtual root's children.
	if len(nodes) > 0 && s.isMultiRoot() {
		if _, err := s.ResolveChildren(ctx, nodes[0]); err != nil {
			s.log.Warn("Resolving workspace folders failed", zap.Error(err))
		}
	}
	if len(nodes) > 0 {
		s.log.Info("Workspace changed", zap.String("root", nodes[0].Path()))
		s.notifyRefreshed([]string{nodes[0].Path()})
	}
}

func (s *Service) handlePreferenceChange(ch models.PreferenceChange) {
	switch {
	case strings.EqualFold(ch.Name, PrefBaseIndent), strings.EqualFold(ch.Name, PrefIndent):
		s.view.SetIndent(s.intPref(PrefBaseIndent, defaultBaseIndent), s.intPref(PrefIndent, defaultIndent))
	case strings.EqualFold(ch.Name, PrefCompactFolders):
		s.mu.Lock()
		s.compact = s.prefs.Bool(PrefCompactFolders)
		s.mu.Unlock()
		s.Refresh(nil)
	}
}

// release queues the notifications of p while the engine lock is still held,
// then unlocks and drains the outbox unless another goroutine already does.
// Delivery order therefore matches the order passes were applied. Callback
// errors are returned only for passes drained by the caller; the rest are logged.
func (s *Service) release(ctx context.Context, p *pass) error {
	s.outMu.Lock()
	s.outbox = append(s.outbox, p)
	if s.draining {
		s.outMu.Unlock()
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.outMu.Unlock()
	s.mu.Unlock()

	var errs []error
	for {
		s.outMu.Lock()
		if len(s.outbox) == 0 {
			s.draining = false
			s.outMu.Unlock()
			break
		}
		next := s.outbox[0]
		s.outbox = s.outbox[1:]
		s.outMu.Unlock()

		if err := s.deliver(ctx, next); err != nil {
			if next == p {
				errs = append(errs, err)
			} else {
				s.log.Warn("Event callback failed", zap.Error(err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) releaseAndLog(ctx context.Context, p *pass) {
	if err := s.release(ctx, p); err != nil {
		s.log.Warn("Event callback failed", zap.Error(err))
	}
}

func (s *Service) deliver(ctx context.Context, p *pass) error {
	var errs []error
	for _, se := range p.events {
		if err := s.watchers.dispatch(ctx, se.scope, se.event); err != nil {
			errs = append(errs, err)
		}
		if s.broadcaster != nil {
			s.broadcaster.Publish(toBroadcast(se.event))
		}
	}
	if s.broadcaster != nil {
		for _, ev := range p.broadcasts {
			s.broadcaster.Publish(ev)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) notifyRefreshed(paths []string) {
	s.listenersMu.Lock()
	listeners := make([]func([]string), 0, len(s.refreshed))
	for _, fn := range s.refreshed {
		listeners = append(listeners, fn)
	}
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(paths)
	}
	if s.broadcaster != nil && len(paths) > 0 {
		s.broadcaster.Publish(events.Event{Type: events.EventRefreshed, Path: paths[0]})
	}
}
