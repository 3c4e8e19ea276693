package filetree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/uri"
)

// FileSystem is the read side of the file-system client.
type FileSystem interface {
	Stat(ctx context.Context, u uri.URI) (models.FileStat, error)
	ReadDir(ctx context.Context, u uri.URI) ([]models.FileStat, error)
}

// FSProvider resolves nodes by listing directories.
type FSProvider struct {
	fs FileSystem
}

// NewFSProvider returns a TreeDataProvider backed by fsys.
func NewFSProvider(fsys FileSystem) *FSProvider {
	return &FSProvider{fs: fsys}
}

// ResolveChildren lists parent. With compact set, a chain of directories that
// each hold exactly one subdirectory is followed to its end, and the children
// of the last directory are returned together with its stat.
func (p *FSProvider) ResolveChildren(ctx context.Context, parent *Node, compact bool) (ResolveResult, error) {
	stat := parent.Stat()
	entries, err := p.fs.ReadDir(ctx, stat.URI)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("resolve children of %s: %w", stat.URI, err)
	}

	if compact && !stat.IsSymbolicLink && !parent.IsRoot() && !parent.IsWorkspaceRoot() {
		for len(entries) == 1 && entries[0].IsDirectory && !entries[0].IsSymbolicLink {
			next, err := p.fs.ReadDir(ctx, entries[0].URI)
			if err != nil {
				return ResolveResult{}, fmt.Errorf("resolve children of %s: %w", entries[0].URI, err)
			}
			stat = entries[0]
			entries = next
		}
	}

	children := make([]*Node, 0, len(entries))
	for _, e := range entries {
		children = append(children, NewNode(e, parent, ""))
	}
	sortNodes(children)
	return ResolveResult{Children: children, ParentStat: stat}, nil
}

// ResolveNodeByPath stats u. A missing file yields nil, nil.
func (p *FSProvider) ResolveNodeByPath(ctx context.Context, u uri.URI, parent *Node) (*Node, error) {
	stat, err := p.fs.Stat(ctx, u)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", u, err)
	}
	return NewNode(stat, parent, ""), nil
}
