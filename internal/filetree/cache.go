package filetree

import (
	"sort"
	"sync"

	"github.com/fruitsalade/treesync/internal/metrics"
	"github.com/fruitsalade/treesync/pkg/tree"
)

// Cache maps canonical paths to nodes. Lookups are safe from any goroutine;
// mutations happen only inside the Service's engine lock.
type Cache struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{nodes: make(map[string]*Node)}
}

// Get returns the node at path.
func (c *Cache) Get(path string) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[path]
	return n, ok
}

// Len returns the number of cached nodes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// Paths returns the cached paths in sorted order.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	paths := make([]string, 0, len(c.nodes))
	for p := range c.nodes {
		paths = append(paths, p)
	}
	c.mu.RUnlock()
	sort.Strings(paths)
	return paths
}

func (c *Cache) set(n *Node) {
	c.mu.Lock()
	c.nodes[n.Path()] = n
	size := len(c.nodes)
	c.mu.Unlock()
	metrics.SetCacheNodes(size)
}

// setSubtree caches n and all its materialized descendants at their current paths.
func (c *Cache) setSubtree(n *Node) {
	c.mu.Lock()
	n.walk(func(d *Node) {
		c.nodes[d.Path()] = d
	})
	size := len(c.nodes)
	c.mu.Unlock()
	metrics.SetCacheNodes(size)
}

// deleteSubtree drops path and every entry below it.
func (c *Cache) deleteSubtree(path string) int {
	c.mu.Lock()
	removed := 0
	for p := range c.nodes {
		if p == path || tree.IsEqualOrParent(path, p) {
			delete(c.nodes, p)
			removed++
		}
	}
	size := len(c.nodes)
	c.mu.Unlock()
	metrics.SetCacheNodes(size)
	return removed
}

func (c *Cache) clear() {
	c.mu.Lock()
	c.nodes = make(map[string]*Node)
	c.mu.Unlock()
	metrics.SetCacheNodes(0)
}
