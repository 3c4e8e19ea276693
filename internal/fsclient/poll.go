package fsclient

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/uri"
)

type entry struct {
	mtime int64
	size  int64
	dir   bool
}

// poller detects changes by comparing successive scans of a directory tree.
type poller struct {
	c     *Client
	uri   uri.URI
	root  string
	state map[string]entry // relative slash path -> entry
}

func newPoller(c *Client, u uri.URI) *poller {
	p := &poller{c: c, uri: u, root: u.FilePath()}
	p.state = p.scan()
	return p
}

func (c *Client) watchPoll(u uri.URI) (*Watch, error) {
	p := newPoller(c, u)
	b := newBatcher(c.clock, c.opts.BatchWindow)
	ticker := c.clock.NewTicker(c.opts.PollInterval)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.Chan():
				b.send(p.poll())
			}
		}
	}()

	return &Watch{
		uri:     u,
		changes: b.out,
		stop: func() error {
			close(done)
			b.close()
			wg.Wait()
			return nil
		},
	}, nil
}

func (p *poller) scan() map[string]entry {
	state := make(map[string]entry)
	afero.Walk(p.c.fs, p.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil || rel == "." {
			return nil
		}
		if p.c.Excluded(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		e := entry{mtime: info.ModTime().UnixNano(), dir: info.IsDir()}
		if !e.dir {
			e.size = info.Size()
		}
		state[filepath.ToSlash(rel)] = e
		return nil
	})
	return state
}

// poll rescans the tree and returns what changed since the previous scan.
// Parents are reported before their children.
func (p *poller) poll() []models.FileChange {
	next := p.scan()

	var added, updated, deleted []string
	for rel, e := range next {
		old, ok := p.state[rel]
		switch {
		case !ok:
			added = append(added, rel)
		case old.dir != e.dir:
			deleted = append(deleted, rel)
			added = append(added, rel)
		case !e.dir && (old.mtime != e.mtime || old.size != e.size):
			updated = append(updated, rel)
		}
	}
	for rel := range p.state {
		if _, ok := next[rel]; !ok {
			deleted = append(deleted, rel)
		}
	}
	p.state = next

	sort.Strings(added)
	sort.Strings(updated)
	sort.Strings(deleted)
	var changes []models.FileChange
	for _, rel := range deleted {
		changes = append(changes, models.FileChange{URI: p.uri.Resolve(rel), Type: models.ChangeDeleted})
	}
	for _, rel := range added {
		changes = append(changes, models.FileChange{URI: p.uri.Resolve(rel), Type: models.ChangeAdded})
	}
	for _, rel := range updated {
		changes = append(changes, models.FileChange{URI: p.uri.Resolve(rel), Type: models.ChangeUpdated})
	}
	return changes
}
