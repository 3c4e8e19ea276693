// Package fsclient reads file metadata and watches directory trees for
// changes. It works on any afero file system; native notifications are used
// when the file system is the OS one.
package fsclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/treesync/internal/metrics"
	"github.com/fruitsalade/treesync/pkg/models"
	"github.com/fruitsalade/treesync/pkg/uri"
)

// Watch modes.
const (
	ModeNotify = "fsnotify"
	ModePoll   = "poll"
)

const (
	DefaultBatchWindow  = 50 * time.Millisecond
	DefaultPollInterval = 2 * time.Second
)

// Options configures a Client.
type Options struct {
	Fs           afero.Fs
	Mode         string
	PollInterval time.Duration
	BatchWindow  time.Duration
	Excludes     []string
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

// Client is the file-system client used by the tree.
type Client struct {
	fs    afero.Fs
	opts  Options
	clock clockwork.Clock
	log   *zap.Logger

	group singleflight.Group
	errs  chan error

	mu       sync.RWMutex
	excludes []string
}

// New creates a client. Missing options get defaults: the OS file system,
// fsnotify watching, a 50ms batch window and a 2s poll interval.
func New(opts Options) (*Client, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Mode == "" {
		opts.Mode = ModeNotify
	}
	if opts.Mode != ModeNotify && opts.Mode != ModePoll {
		return nil, fmt.Errorf("unknown watch mode %q", opts.Mode)
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = DefaultBatchWindow
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		fs:    opts.Fs,
		opts:  opts,
		clock: opts.Clock,
		log:   log,
		errs:  make(chan error, 16),
	}
	if err := c.SetWatchFileExcludes(opts.Excludes); err != nil {
		return nil, err
	}
	return c, nil
}

// Fs returns the underlying file system.
func (c *Client) Fs() afero.Fs {
	return c.fs
}

// Errors reports watcher failures. A failure usually means the watches should
// be re-established.
func (c *Client) Errors() <-chan error {
	return c.errs
}

// Stat returns metadata for u. Symbolic links are followed for the directory
// flag and size; IsSymbolicLink records that u itself is a link.
func (c *Client) Stat(ctx context.Context, u uri.URI) (models.FileStat, error) {
	if err := ctx.Err(); err != nil {
		return models.FileStat{}, err
	}
	p := u.FilePath()
	info, isLink, err := c.lstat(p)
	if err != nil {
		return models.FileStat{}, fmt.Errorf("stat %s: %w", p, err)
	}
	if isLink {
		if target, err := c.fs.Stat(p); err == nil {
			info = target
		}
	}
	return toStat(u, info, isLink), nil
}

// ReadDir lists the entries of u. Concurrent listings of the same directory
// share one read.
func (c *Client) ReadDir(ctx context.Context, u uri.URI) ([]models.FileStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err, _ := c.group.Do(u.String(), func() (any, error) {
		dir := u.FilePath()
		infos, err := afero.ReadDir(c.fs, dir)
		if err != nil {
			return nil, fmt.Errorf("read dir %s: %w", dir, err)
		}
		out := make([]models.FileStat, 0, len(infos))
		for _, info := range infos {
			child := u.Resolve(info.Name())
			isLink := info.Mode()&os.ModeSymlink != 0
			if isLink {
				if target, err := c.fs.Stat(child.FilePath()); err == nil {
					info = target
				}
			}
			out = append(out, toStat(child, info, isLink))
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]models.FileStat)), nil
}

// ReadFile returns the content of u.
func (c *Client) ReadFile(ctx context.Context, u uri.URI) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(c.fs, u.FilePath())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u.FilePath(), err)
	}
	return data, nil
}

func (c *Client) lstat(p string) (os.FileInfo, bool, error) {
	if l, ok := c.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(p)
		if err != nil {
			return nil, false, err
		}
		return info, info.Mode()&os.ModeSymlink != 0, nil
	}
	info, err := c.fs.Stat(p)
	return info, false, err
}

func toStat(u uri.URI, info os.FileInfo, isLink bool) models.FileStat {
	st := models.FileStat{
		URI:              u,
		IsDirectory:      info.IsDir(),
		IsSymbolicLink:   isLink,
		LastModification: info.ModTime().UnixMilli(),
	}
	if !info.IsDir() {
		st.Size = info.Size()
	}
	return st
}

// SetWatchFileExcludes replaces the glob patterns of paths that watches ignore.
// Patterns are matched against slash paths relative to the watched root.
func (c *Client) SetWatchFileExcludes(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	c.mu.Lock()
	c.excludes = slices.Clone(patterns)
	c.mu.Unlock()
	return nil
}

// WatchFileExcludes returns the current exclude patterns.
func (c *Client) WatchFileExcludes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.excludes)
}

// Excluded reports whether rel, or any directory above it, matches an
// exclude pattern.
func (c *Client) Excluded(rel string) bool {
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" || rel == "." {
		return false
	}
	c.mu.RLock()
	patterns := c.excludes
	c.mu.RUnlock()
	if len(patterns) == 0 {
		return false
	}
	segments := strings.Split(rel, "/")
	for i := range segments {
		prefix := strings.Join(segments[:i+1], "/")
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, prefix); ok {
				return true
			}
		}
	}
	return false
}

func (c *Client) reportError(err error) {
	metrics.RecordWatcherError()
	c.log.Warn("Watcher error", zap.Error(err))
	select {
	case c.errs <- err:
	default:
	}
}
