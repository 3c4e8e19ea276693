package filetree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/internal/events"
	"github.com/fruitsalade/treesync/internal/metrics"
	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/tree"
	"github.com/fruitsalade/treesync/pkg/uri"
)

// OnFilesChanged applies one raw change batch: moves, then deletes, then adds,
// then everything that could not be applied in place.
func (s *Service) OnFilesChanged(ctx context.Context, changes []models.FileChange) {
	if len(changes) == 0 {
		return
	}
	start := time.Now()
	types := make([]string, len(changes))
	for i, ch := range changes {
		types[i] = ch.Type.String()
	}
	metrics.RecordChangeBatch(types)

	c := Classify(changes)
	metrics.RecordMoves(len(c.Moves))

	s.mu.Lock()
	if s.disposed || s.root.Load() == nil {
		s.mu.Unlock()
		return
	}
	p := &pass{}
	rest := s.applyMoves(p, c.Moves)
	s.applyDeletes(p, c.Deleted())
	s.applyAdds(ctx, p, c.Added())
	s.applyRest(p, append(c.Updated(), rest...))
	metrics.RecordReconcile(time.Since(start))
	s.log.Debug("Applied change batch",
		zap.Int("changes", len(changes)),
		zap.Int("moves", len(c.Moves)),
		zap.Int("notifications", len(p.events)))
	s.releaseAndLog(ctx, p)
}

// applyMoves re-keys moved subtrees. Moves that cannot be resolved are
// returned as plain records for the rest handling.
func (s *Service) applyMoves(p *pass, moves []MovePair) []models.FileChange {
	var unresolved []models.FileChange
	for _, m := range moves {
		src, ok := s.lookup(m.Source.URI)
		newPath, okNew := s.NodePathByURI(m.Target.URI)
		if !ok && okNew {
			if _, applied := s.cache.Get(newPath); applied {
				continue
			}
		}
		if !ok || !okNew || src.Parent() == nil {
			metrics.RecordDroppedChange("move_unresolved")
			s.log.Debug("Move not resolvable",
				zap.String("from", m.Source.URI.String()), zap.String("to", m.Target.URI.String()))
			unresolved = append(unresolved, m.Source, m.Target)
			continue
		}
		oldPath := src.Path()
		if oldPath == newPath {
			continue
		}
		s.moveNode(p, src.Parent().Path(), oldPath, newPath, m.Target.URI)
	}
	return unresolved
}

func (s *Service) applyDeletes(p *pass, deletes []models.FileChange) {
	for _, d := range deletes {
		node, ok := s.lookup(d.URI)
		if !ok {
			metrics.RecordDroppedChange("delete_unresolved")
			continue
		}
		parent := node.Parent()
		if parent == nil {
			continue
		}
		if s.queue.Contains(parent.Path()) {
			metrics.RecordDroppedChange("parent_queued")
			continue
		}
		s.removeNode(p, node)
	}
}

func (s *Service) applyAdds(ctx context.Context, p *pass, adds []models.FileChange) {
	for _, a := range adds {
		parent, ok := s.lookup(a.URI.Parent())
		if !ok || !parent.IsDirectory() {
			metrics.RecordDroppedChange("add_no_parent")
			s.log.Debug("Parent of added file not in tree", zap.String("uri", a.URI.String()))
			continue
		}
		if s.queue.Contains(parent.Path()) {
			metrics.RecordDroppedChange("parent_queued")
			continue
		}
		if !parent.Loaded() {
			// Loading the parent later picks the file up.
			metrics.RecordDroppedChange("parent_unloaded")
			continue
		}
		if _, exists := s.cache.Get(tree.BuildChildPath(parent.Path(), a.URI.DisplayName())); exists {
			continue
		}
		node, err := s.provider.ResolveNodeByPath(ctx, a.URI, parent)
		if err != nil {
			metrics.RecordDroppedChange("resolve_failed")
			s.log.Warn("Resolving added file failed", zap.String("uri", a.URI.String()), zap.Error(err))
			continue
		}
		if node == nil {
			continue
		}
		s.insertNode(p, parent, node)
	}
}

// applyRest queues refreshes for the directories affected by rest records.
func (s *Service) applyRest(p *pass, rest []models.FileChange) {
	if len(rest) == 0 {
		return
	}
	root := s.root.Load()
	var dirs []string
	rootAffected := false
	for _, ch := range rest {
		node, cached := s.lookup(ch.URI)
		if ch.Type == models.ChangeUpdated && cached && !node.IsDirectory() {
			p.publish(events.Event{
				Type: events.EventContentChanged,
				Path: node.Path(),
				URI:  ch.URI.String(),
			})
		}
		if ch.Type != models.ChangeDeleted && (ch.URI.Equal(root.URI()) || (cached && node == root)) {
			rootAffected = true
			continue
		}
		if ch.Type != models.ChangeDeleted && cached && node.IsWorkspaceRoot() {
			dirs = append(dirs, node.Path())
			continue
		}
		if dir, ok := s.lookup(ch.URI.Parent()); ok && dir.IsDirectory() {
			dirs = append(dirs, dir.Path())
		}
	}
	if rootAffected {
		s.queue.Enqueue(root.Path())
		return
	}
	for _, d := range dirs {
		s.queue.Enqueue(d)
	}
}

// insertNode attaches node under parent, replacing any node already cached at
// its path.
func (s *Service) insertNode(p *pass, parent, node *Node) {
	path := tree.BuildChildPath(parent.Path(), node.Name())
	if occupant, ok := s.cache.Get(path); ok && occupant != node {
		if op := occupant.Parent(); op != nil {
			op.detach(occupant)
		}
		s.cache.deleteSubtree(path)
	}
	parent.attach(node)
	s.cache.setSubtree(node)
	metrics.RecordNodeMutation("add")
	p.emit(parent.Path(), WatchEvent{Type: WatchAdded, Node: node, Path: node.Path()})
}

func (s *Service) removeNode(p *pass, node *Node) {
	parent := node.Parent()
	path := node.Path()
	parent.detach(node)
	s.cache.deleteSubtree(path)
	metrics.RecordNodeMutation("remove")
	p.emit(parent.Path(), WatchEvent{Type: WatchRemoved, Path: path})
}

// moveNode notifies scope of the move and re-keys the cached subtree. The
// subtree is dropped when its new parent is not materialized. A zero target
// URI is derived from the new parent.
func (s *Service) moveNode(p *pass, scope, oldPath, newPath string, target uri.URI) {
	p.emit(scope, WatchEvent{Type: WatchMoved, OldPath: oldPath, NewPath: newPath})

	node, ok := s.cache.Get(oldPath)
	if !ok || node.Parent() == nil {
		return
	}
	node.Parent().detach(node)
	s.cache.deleteSubtree(oldPath)
	metrics.RecordNodeMutation("move")

	newParent, ok := s.cache.Get(tree.Parent(newPath))
	if !ok || !newParent.IsDirectory() || !newParent.Loaded() {
		return
	}
	if target.IsZero() {
		target = newParent.URI().Resolve(tree.Base(newPath))
	}
	rebaseURIs(node, node.URI(), target)
	node.setName(tree.Base(newPath))
	if occupant, ok := s.cache.Get(newPath); ok {
		if op := occupant.Parent(); op != nil {
			op.detach(occupant)
		}
		s.cache.deleteSubtree(newPath)
	}
	newParent.attach(node)
	s.cache.setSubtree(node)
}

// rebaseURIs points n and its materialized descendants from oldURI to newURI.
func rebaseURIs(n *Node, oldURI, newURI uri.URI) {
	n.walk(func(d *Node) {
		if rel, ok := oldURI.Relative(d.URI()); ok {
			d.setURI(newURI.Resolve(rel))
		}
	})
}

// MoveNode applies a move reported outside the watch stream. The Moved
// notification goes to node's path.
func (s *Service) MoveNode(ctx context.Context, node *Node, source, target uri.URI) error {
	oldPath, ok := s.NodePathByURI(source)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, source)
	}
	newPath, ok := s.NodePathByURI(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, target)
	}
	return s.move(ctx, node, oldPath, newPath, target)
}

// MoveNodeByPath is MoveNode for canonical paths. It is used where URIs do
// not map onto tree paths, such as entries below symbolic links.
func (s *Service) MoveNodeByPath(ctx context.Context, node *Node, oldPath, newPath string) error {
	return s.move(ctx, node, oldPath, newPath, uri.URI{})
}

func (s *Service) move(ctx context.Context, node *Node, oldPath, newPath string, target uri.URI) error {
	if oldPath == newPath {
		return nil
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	p := &pass{}
	s.moveNode(p, node.Path(), oldPath, newPath, target)
	return s.release(ctx, p)
}

// AddNode inserts a node before the file system reports it.
func (s *Service) AddNode(ctx context.Context, parent *Node, name string, isDir bool) (*Node, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrDisposed
	}
	if !parent.IsDirectory() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, parent.Path())
	}
	if cached, ok := s.cache.Get(parent.Path()); !ok || cached != parent {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, parent.Path())
	}
	stat := models.FileStat{
		URI:              parent.URI().Resolve(name),
		IsDirectory:      isDir,
		LastModification: time.Now().UnixMilli(),
	}
	node := NewNode(stat, parent, name)
	if isDir {
		node.setLoaded(true)
	}
	p := &pass{}
	s.insertNode(p, parent, node)
	return node, s.release(ctx, p)
}

// DeleteAffectedNodeByPath removes the node at path, if any.
func (s *Service) DeleteAffectedNodeByPath(ctx context.Context, path string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	p := &pass{}
	if node, ok := s.cache.Get(path); ok && node.Parent() != nil {
		s.removeNode(p, node)
	}
	return s.release(ctx, p)
}

func (s *Service) beginFlush(paths []string) {
	s.mu.Lock()
	s.covered = make(map[string]struct{})
	s.mu.Unlock()
}

func (s *Service) endFlush(paths []string, err error) {
	s.notifyRefreshed(paths)
}

// refreshDirectory re-resolves the loaded subtree at path and notifies its
// watchers. Paths that disappeared before the flush are skipped.
func (s *Service) refreshDirectory(ctx context.Context, path string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	node, ok := s.cache.Get(path)
	if !ok || !node.IsDirectory() {
		s.mu.Unlock()
		return nil
	}
	p := &pass{}
	err := s.reloadDirectory(ctx, node, p)
	current := node.Path()
	if still, ok := s.cache.Get(current); ok && still == node {
		p.emit(current, WatchEvent{Type: WatchChanged, Path: current})
	}
	return errors.Join(err, s.release(ctx, p))
}

func (s *Service) reloadDirectory(ctx context.Context, dir *Node, p *pass) error {
	path := dir.Path()
	if _, done := s.covered[path]; done {
		return nil
	}
	s.covered[path] = struct{}{}
	if !dir.Loaded() {
		return nil
	}

	if s.isMultiRoot() && dir == s.root.Load() {
		if err := s.resolveWorkspaceFolders(ctx, dir); err != nil {
			return err
		}
	} else {
		res, err := s.provider.ResolveChildren(ctx, dir, s.compact)
		if errors.Is(err, fs.ErrNotExist) && dir.Parent() != nil {
			s.removeNode(p, dir)
			return nil
		}
		if err != nil {
			return err
		}
		s.applyCompaction(dir, res.ParentStat)
		s.mergeChildren(dir, res.Children)
	}

	var errs []error
	for _, c := range dir.Children() {
		if c.IsDirectory() && c.Loaded() {
			if err := s.reloadDirectory(ctx, c, p); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
