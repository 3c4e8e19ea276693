package fsclient

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/uri"
)

// watchNotify watches u recursively with fsnotify. New directories are added
// to the watch as they appear.
func (c *Client) watchNotify(u uri.URI) (*Watch, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	root := u.FilePath()
	if err := c.addRecursive(fw, root, root); err != nil {
		fw.Close()
		return nil, err
	}

	b := newBatcher(c.clock, c.opts.BatchWindow)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.notifyLoop(fw, u, root, b, done)
	}()

	return &Watch{
		uri:     u,
		changes: b.out,
		stop: func() error {
			close(done)
			err := fw.Close()
			wg.Wait()
			b.close()
			return err
		},
	}, nil
}

func (c *Client) notifyLoop(fw *fsnotify.Watcher, u uri.URI, root string, b *batcher, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			c.handleNotify(fw, u, root, b, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			c.reportError(fmt.Errorf("watch %s: %w", u, err))
		}
	}
}

func (c *Client) handleNotify(fw *fsnotify.Watcher, u uri.URI, root string, b *batcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil || c.Excluded(rel) {
		return
	}
	target := u.Resolve(filepath.ToSlash(rel))

	switch {
	case ev.Has(fsnotify.Create):
		b.add(models.FileChange{URI: target, Type: models.ChangeAdded})
		if info, err := c.fs.Stat(ev.Name); err == nil && info.IsDir() {
			if err := c.addRecursive(fw, root, ev.Name); err != nil {
				c.reportError(err)
			}
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// The new name of a rename arrives as a separate Create.
		b.add(models.FileChange{URI: target, Type: models.ChangeDeleted})
	case ev.Has(fsnotify.Write):
		b.add(models.FileChange{URI: target, Type: models.ChangeUpdated})
	}
}

// addRecursive watches dir and every non-excluded directory below it.
func (c *Client) addRecursive(fw *fsnotify.Watcher, root, dir string) error {
	return afero.Walk(c.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(root, p); err == nil && c.Excluded(rel) {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}
