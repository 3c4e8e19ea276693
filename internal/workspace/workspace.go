// Package workspace resolves the folders that make up a workspace. A
// workspace is either a single directory or a ".code-workspace" JSON file that
// lists several folders.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/uri"
)

// FileExtension marks multi-root workspace files.
const FileExtension = ".code-workspace"

// FileSystem is what the provider needs from the file-system client.
type FileSystem interface {
	Stat(ctx context.Context, u uri.URI) (models.FileStat, error)
	ReadFile(ctx context.Context, u uri.URI) ([]byte, error)
}

// File is the on-disk format of a multi-root workspace.
type File struct {
	Folders []Folder `json:"folders"`
}

// Folder is one entry of a workspace file. Relative paths are resolved
// against the directory holding the file.
type Folder struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// Provider tracks the current workspace and its roots.
type Provider struct {
	fs  FileSystem
	log *zap.Logger

	mu        sync.RWMutex
	workspace models.FileStat
	roots     []models.FileStat
	names     map[string]string // root uri -> display name
	opened    bool

	listenersMu sync.Mutex
	nextID      int
	listeners   map[int]func()
}

// New returns a provider with no workspace opened.
func New(fsys FileSystem, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		fs:        fsys,
		log:       log,
		names:     make(map[string]string),
		listeners: make(map[int]func()),
	}
}

// Open opens the workspace at target without notifying listeners.
func (p *Provider) Open(ctx context.Context, target uri.URI) error {
	ws, roots, names, err := p.load(ctx, target)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.workspace, p.roots, p.names, p.opened = ws, roots, names, true
	p.mu.Unlock()
	p.log.Info("Workspace opened",
		zap.String("workspace", target.String()),
		zap.Int("roots", len(roots)))
	return nil
}

// SetWorkspace switches to target and notifies listeners.
func (p *Provider) SetWorkspace(ctx context.Context, target uri.URI) error {
	if err := p.Open(ctx, target); err != nil {
		return err
	}
	p.notify()
	return nil
}

// Reload re-reads the current workspace and notifies listeners.
func (p *Provider) Reload(ctx context.Context) error {
	p.mu.RLock()
	target, opened := p.workspace.URI, p.opened
	p.mu.RUnlock()
	if !opened {
		return errors.New("no workspace opened")
	}
	return p.SetWorkspace(ctx, target)
}

// Workspace returns the workspace descriptor.
func (p *Provider) Workspace() (models.FileStat, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workspace, p.opened
}

// Roots returns the workspace folders.
func (p *Provider) Roots(ctx context.Context) ([]models.FileStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.FileStat, len(p.roots))
	copy(out, p.roots)
	return out, nil
}

// IsMultiRoot reports whether the workspace is a workspace file.
func (p *Provider) IsMultiRoot() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opened && !p.workspace.IsDirectory
}

// WorkspaceName returns the display name of the root u: the folder name from
// the workspace file when one is set, else the last path segment.
func (p *Provider) WorkspaceName(u uri.URI) string {
	p.mu.RLock()
	name := p.names[u.String()]
	p.mu.RUnlock()
	if name != "" {
		return name
	}
	return u.DisplayName()
}

// Watcher streams batches of raw changes below one directory.
type Watcher interface {
	Changes() <-chan []models.FileChange
	Close() error
}

// WatchFunc opens a Watcher on dir.
type WatchFunc func(ctx context.Context, dir uri.URI) (Watcher, error)

// Follow reloads a multi-root workspace every time its workspace file is
// written, until ctx is done or the watch ends. Folder workspaces return nil
// at once.
func (p *Provider) Follow(ctx context.Context, watch WatchFunc) error {
	p.mu.RLock()
	target, multi := p.workspace.URI, p.opened && !p.workspace.IsDirectory
	p.mu.RUnlock()
	if !multi {
		return nil
	}

	w, err := watch(ctx, target.Parent())
	if err != nil {
		return fmt.Errorf("follow workspace %s: %w", target, err)
	}
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-w.Changes():
			if !ok {
				return nil
			}
			if !rewritten(batch, target) {
				continue
			}
			if err := p.Reload(ctx); err != nil {
				p.log.Warn("Reloading workspace failed", zap.String("workspace", target.String()), zap.Error(err))
				continue
			}
			p.log.Info("Workspace file changed", zap.String("workspace", target.String()))
		}
	}
}

// rewritten reports whether batch leaves target in place with new content.
// Editors that save through a rename produce a delete and an add.
func rewritten(batch []models.FileChange, target uri.URI) bool {
	for _, ch := range batch {
		if ch.URI.Equal(target) && ch.Type != models.ChangeDeleted {
			return true
		}
	}
	return false
}

// OnWorkspaceChanged registers fn for workspace switches and reloads.
func (p *Provider) OnWorkspaceChanged(fn func()) (cancel func()) {
	p.listenersMu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	p.listenersMu.Unlock()
	return func() {
		p.listenersMu.Lock()
		delete(p.listeners, id)
		p.listenersMu.Unlock()
	}
}

func (p *Provider) notify() {
	p.listenersMu.Lock()
	fns := make([]func(), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.listenersMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (p *Provider) load(ctx context.Context, target uri.URI) (models.FileStat, []models.FileStat, map[string]string, error) {
	names := make(map[string]string)
	ws, err := p.fs.Stat(ctx, target)
	if err != nil {
		return models.FileStat{}, nil, nil, fmt.Errorf("open workspace: %w", err)
	}
	if ws.IsDirectory {
		return ws, []models.FileStat{ws}, names, nil
	}
	if !strings.HasSuffix(target.Path(), FileExtension) {
		return models.FileStat{}, nil, nil, fmt.Errorf("open workspace %s: not a directory or %s file", target, FileExtension)
	}

	data, err := p.fs.ReadFile(ctx, target)
	if err != nil {
		return models.FileStat{}, nil, nil, fmt.Errorf("open workspace: %w", err)
	}
	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return models.FileStat{}, nil, nil, fmt.Errorf("parse workspace %s: %w", target, err)
	}

	base := target.Parent()
	seen := make(map[string]bool)
	var roots []models.FileStat
	for _, f := range file.Folders {
		if f.Path == "" {
			continue
		}
		folder := base.Resolve(f.Path)
		if path.IsAbs(f.Path) {
			folder = uri.File(f.Path)
		}
		if seen[folder.String()] {
			continue
		}
		st, err := p.fs.Stat(ctx, folder)
		if err != nil || !st.IsDirectory {
			p.log.Warn("Skipping workspace folder", zap.String("folder", folder.String()), zap.Error(err))
			continue
		}
		seen[folder.String()] = true
		roots = append(roots, st)
		if f.Name != "" {
			names[folder.String()] = f.Name
		}
	}
	return ws, roots, names, nil
}
