// Package models contains the data types shared by the tree engine, the
// file-system client and the CLI.
package models

import (
	"time"

	"github.com/fruitsalade/treesync/pkg/uri"
)

// FileStat is the file-system metadata attached to every tree node.
type FileStat struct {
	URI              uri.URI `json:"uri"`
	IsDirectory      bool    `json:"is_directory"`
	IsSymbolicLink   bool    `json:"is_symbolic_link"`
	LastModification int64   `json:"last_modification"` // unix millis
	Size             int64   `json:"size"`
}

// ChangeType classifies a raw change record. The ordering matches the wire
// values used by file-system watchers: updates sort before structural changes.
type ChangeType int

const (
	ChangeUpdated ChangeType = iota
	ChangeAdded
	ChangeDeleted
)

func (t ChangeType) String() string {
	switch t {
	case ChangeUpdated:
		return "updated"
	case ChangeAdded:
		return "added"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// FileChange is a single raw change notification.
type FileChange struct {
	URI  uri.URI    `json:"uri"`
	Type ChangeType `json:"type"`
}

// FileNode is a serializable snapshot of a tree node.
type FileNode struct {
	Name      string      `json:"name"`
	Path      string      `json:"path"`
	URI       string      `json:"uri"`
	Size      int64       `json:"size"`
	ModTime   time.Time   `json:"mtime"`
	IsDir     bool        `json:"is_dir"`
	IsSymlink bool        `json:"is_symlink,omitempty"`
	Children  []*FileNode `json:"children,omitempty"`
}

// PreferenceChange describes an updated preference value.
type PreferenceChange struct {
	Name     string `json:"name"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}
