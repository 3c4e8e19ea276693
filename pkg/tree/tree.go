// Package tree provides canonical tree-path helpers and utilities for working
// with FileNode snapshots.
//
// Canonical tree paths are slash-separated and rooted at "/". They are the
// unique keys of the node cache; they are derived from the tree structure and
// never from the file system directly.
package tree

import (
	"sort"
	"strings"

	"github.com/fruitsalade/treesync/pkg/models"
)

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "/" || parentPath == "" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// Join appends a relative slash path to a canonical path.
func Join(base, rel string) string {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	return BuildChildPath(base, rel)
}

// Parent returns the parent path ("/" for top-level paths and the root).
func Parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// Base returns the last segment of a path.
func Base(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

// Depth counts the segments of a path. "/" has depth 0, "/a" depth 1.
func Depth(path string) int {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, "/") + 1
}

// IsEqualOrParent reports whether child is parent or below it.
func IsEqualOrParent(parent, child string) bool {
	if parent == child || parent == "/" {
		return true
	}
	return strings.HasPrefix(child, parent+"/")
}

// SortByDepth orders paths shallowest first. Paths of equal depth keep their
// relative order.
func SortByDepth(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		return Depth(paths[i]) < Depth(paths[j])
	})
}

// FindByPath resolves a path in a snapshot tree (recursive).
func FindByPath(root *models.FileNode, path string) *models.FileNode {
	if root == nil {
		return nil
	}
	if root.Path == path {
		return root
	}
	for _, child := range root.Children {
		if IsEqualOrParent(child.Path, path) {
			if found := FindByPath(child, path); found != nil {
				return found
			}
		}
	}
	return nil
}

// CountNodes counts all nodes in a tree.
func CountNodes(root *models.FileNode) int {
	if root == nil {
		return 0
	}
	count := 1
	for _, child := range root.Children {
		count += CountNodes(child)
	}
	return count
}

// Walk visits every node depth-first, parents before children.
func Walk(root *models.FileNode, fn func(node *models.FileNode, depth int)) {
	walk(root, 0, fn)
}

func walk(node *models.FileNode, depth int, fn func(*models.FileNode, int)) {
	if node == nil {
		return
	}
	fn(node, depth)
	for _, child := range node.Children {
		walk(child, depth+1, fn)
	}
}
