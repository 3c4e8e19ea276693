package filetree

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/tree"
	"github.com/fruitsalade/treesync/pkg/uri"
)

// Node is a file or directory in the cached tree.
//
// A node's canonical path is derived from its parent's path and its own name,
// so renaming or re-parenting a directory implicitly moves its descendants.
// Nodes are mutated only by the Service; accessors are safe for concurrent use.
type Node struct {
	mu       sync.RWMutex
	name     string
	uri      uri.URI
	head     uri.URI // first directory of a compacted chain
	stat     models.FileStat
	parent   *Node
	children []*Node

	loaded        bool // children materialized
	compacted     bool // name spans several directories
	workspaceRoot bool
}

// NewNode builds a detached node for stat under parent. An empty name falls
// back to the last segment of the URI.
func NewNode(stat models.FileStat, parent *Node, name string) *Node {
	if name == "" {
		name = stat.URI.DisplayName()
	}
	return &Node{
		name:   name,
		uri:    stat.URI,
		head:   stat.URI,
		stat:   stat,
		parent: parent,
	}
}

// Path returns the canonical tree path.
func (n *Node) Path() string {
	n.mu.RLock()
	parent, name := n.parent, n.name
	n.mu.RUnlock()
	if parent == nil {
		return "/" + name
	}
	return tree.BuildChildPath(parent.Path(), name)
}

// Name returns the display name. Compacted directories use "a/b/c".
func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

// URI returns the node's resource identifier.
func (n *Node) URI() uri.URI {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.uri
}

// Stat returns the file-system metadata.
func (n *Node) Stat() models.FileStat {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stat
}

// Parent returns the containing directory, nil for the root.
func (n *Node) Parent() *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent
}

// IsDirectory reports whether the node can have children.
func (n *Node) IsDirectory() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stat.IsDirectory
}

// IsRoot reports whether the node is the tree root.
func (n *Node) IsRoot() bool {
	return n.Parent() == nil
}

// IsWorkspaceRoot reports whether the node is the top directory of a
// configured workspace folder.
func (n *Node) IsWorkspaceRoot() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.workspaceRoot
}

// Loaded reports whether the directory's children have been resolved.
func (n *Node) Loaded() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.loaded
}

// Compacted reports whether the directory collapses a single-child chain.
func (n *Node) Compacted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.compacted
}

// Children returns a copy of the child list.
func (n *Node) Children() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// Child returns the direct child with the given name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Depth returns the number of path segments of the node.
func (n *Node) Depth() int {
	return tree.Depth(n.Path())
}

func (n *Node) setParent(parent *Node) {
	n.mu.Lock()
	n.parent = parent
	n.mu.Unlock()
}

func (n *Node) setName(name string) {
	n.mu.Lock()
	n.name = name
	n.mu.Unlock()
}

func (n *Node) headURI() uri.URI {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.head
}

func (n *Node) setURI(u uri.URI) {
	n.mu.Lock()
	n.uri = u
	n.head = u
	n.stat.URI = u
	n.mu.Unlock()
}

func (n *Node) setStat(stat models.FileStat) {
	n.mu.Lock()
	n.stat = stat
	n.uri = stat.URI
	n.mu.Unlock()
}

func (n *Node) setLoaded(loaded bool) {
	n.mu.Lock()
	n.loaded = loaded
	n.mu.Unlock()
}

func (n *Node) setCompacted(compacted bool) {
	n.mu.Lock()
	n.compacted = compacted
	n.mu.Unlock()
}

func (n *Node) setWorkspaceRoot(v bool) {
	n.mu.Lock()
	n.workspaceRoot = v
	n.mu.Unlock()
}

func (n *Node) setChildren(children []*Node) {
	sortNodes(children)
	n.mu.Lock()
	n.children = children
	n.mu.Unlock()
}

// attach inserts child in sorted position and points it at n.
func (n *Node) attach(child *Node) {
	child.setParent(n)
	children := append(n.Children(), child)
	n.setChildren(children)
}

// detach removes child from n's list. The child keeps its parent pointer so
// its last path stays computable for notifications.
func (n *Node) detach(child *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i:i], n.children[i+1:]...)
			return
		}
	}
}

// walk visits n and every materialized descendant, parents first.
func (n *Node) walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children() {
		c.walk(fn)
	}
}

// sortNodes orders directories first, then by natural name order.
func sortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		ad, bd := a.IsDirectory(), b.IsDirectory()
		if ad != bd {
			return ad
		}
		return naturalLess(a.Name(), b.Name())
	})
}

// naturalLess compares names case-insensitively, treating digit runs as numbers
// so "file2" sorts before "file10".
func naturalLess(a, b string) bool {
	ar, br := []rune(a), []rune(b)
	i, j := 0, 0
	for i < len(ar) && j < len(br) {
		if unicode.IsDigit(ar[i]) && unicode.IsDigit(br[j]) {
			si := i
			for i < len(ar) && unicode.IsDigit(ar[i]) {
				i++
			}
			sj := j
			for j < len(br) && unicode.IsDigit(br[j]) {
				j++
			}
			na := strings.TrimLeft(string(ar[si:i]), "0")
			nb := strings.TrimLeft(string(br[sj:j]), "0")
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			if na != nb {
				return na < nb
			}
			continue
		}
		ca, cb := unicode.ToLower(ar[i]), unicode.ToLower(br[j])
		if ca != cb {
			return ca < cb
		}
		i++
		j++
	}
	if len(ar)-i != len(br)-j {
		return len(ar)-i < len(br)-j
	}
	return a < b
}
