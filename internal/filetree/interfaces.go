package filetree

import (
	"context"

	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/uri"
)

// WorkspaceProvider supplies the workspace roots.
type WorkspaceProvider interface {
	// Workspace returns the workspace descriptor. A descriptor that is not a
	// directory is a multi-root workspace file.
	Workspace() (models.FileStat, bool)
	Roots(ctx context.Context) ([]models.FileStat, error)
	WorkspaceName(u uri.URI) string
	OnWorkspaceChanged(fn func()) (cancel func())
}

// Watcher is a live change subscription. Changes is closed after Close.
type Watcher interface {
	Changes() <-chan []models.FileChange
	Close() error
}

// FileSystemClient opens change subscriptions.
type FileSystemClient interface {
	WatchFileChanges(ctx context.Context, u uri.URI) (Watcher, error)
}

// ResolveResult is the outcome of a child resolution. ParentStat differs from
// the parent's own stat when a chain of single-child folders was compacted.
type ResolveResult struct {
	Children   []*Node
	ParentStat models.FileStat
}

// TreeDataProvider resolves nodes from the underlying storage.
type TreeDataProvider interface {
	ResolveChildren(ctx context.Context, parent *Node, compact bool) (ResolveResult, error)
	// ResolveNodeByPath returns nil, nil when u no longer exists.
	ResolveNodeByPath(ctx context.Context, u uri.URI, parent *Node) (*Node, error)
}

// Preferences is the read side of the preference store.
type Preferences interface {
	Int(key string) int
	Bool(key string) bool
	OnChange(fn func(models.PreferenceChange)) (cancel func())
}

// Preference keys read by the tree.
const (
	PrefBaseIndent     = "explorer.fileTree.baseIndent"
	PrefIndent         = "explorer.fileTree.indent"
	PrefCompactFolders = "explorer.compactFolders"
)
