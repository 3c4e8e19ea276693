package filetree

import (
	"context"
	"errors"
	"sync"

	"github.com/fruitsalade/treesync/internal/events"
)

// WatchEventType is the kind of a per-directory notification.
type WatchEventType int

const (
	WatchAdded WatchEventType = iota
	WatchRemoved
	WatchMoved
	WatchChanged
)

func (t WatchEventType) String() string {
	switch t {
	case WatchAdded:
		return events.EventAdded
	case WatchRemoved:
		return events.EventRemoved
	case WatchMoved:
		return events.EventMoved
	case WatchChanged:
		return events.EventChanged
	default:
		return "unknown"
	}
}

// WatchEvent is delivered to the callbacks registered on a directory path.
//
//	Added:   Node is the inserted node.
//	Removed: Path is the removed node's path.
//	Moved:   OldPath and NewPath.
//	Changed: Path is the refreshed directory.
type WatchEvent struct {
	Type    WatchEventType
	Node    *Node
	Path    string
	OldPath string
	NewPath string
}

// WatchCallback handles a notification for a watched path.
type WatchCallback func(ctx context.Context, ev WatchEvent) error

type callbackEntry struct {
	id int
	fn WatchCallback
}

// dispatcher keeps the per-path callbacks.
type dispatcher struct {
	mu     sync.RWMutex
	nextID int
	byPath map[string][]callbackEntry
}

func newDispatcher() *dispatcher {
	return &dispatcher{byPath: make(map[string][]callbackEntry)}
}

func (d *dispatcher) register(path string, fn WatchCallback) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.byPath[path] = append(d.byPath[path], callbackEntry{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			entries := d.byPath[path]
			for i, e := range entries {
				if e.id == id {
					entries = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(entries) == 0 {
				delete(d.byPath, path)
			} else {
				d.byPath[path] = entries
			}
		})
	}
}

func (d *dispatcher) dispatch(ctx context.Context, path string, ev WatchEvent) error {
	d.mu.RLock()
	entries := append([]callbackEntry(nil), d.byPath[path]...)
	d.mu.RUnlock()
	var errs []error
	for _, e := range entries {
		if err := e.fn(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *dispatcher) clear() {
	d.mu.Lock()
	d.byPath = make(map[string][]callbackEntry)
	d.mu.Unlock()
}

// pass collects the notifications produced while the engine lock is held.
// They are delivered in order once the lock is released.
type pass struct {
	events     []scopedEvent
	broadcasts []events.Event
}

type scopedEvent struct {
	scope string
	event WatchEvent
}

func (p *pass) emit(scope string, ev WatchEvent) {
	p.events = append(p.events, scopedEvent{scope: scope, event: ev})
}

func (p *pass) publish(ev events.Event) {
	p.broadcasts = append(p.broadcasts, ev)
}

// toBroadcast converts a watch event to its broadcaster form.
func toBroadcast(ev WatchEvent) events.Event {
	out := events.Event{
		Type:    ev.Type.String(),
		Path:    ev.Path,
		OldPath: ev.OldPath,
		NewPath: ev.NewPath,
	}
	if ev.Node != nil {
		out.Path = ev.Node.Path()
		out.URI = ev.Node.URI().String()
		out.IsDir = ev.Node.IsDirectory()
	}
	return out
}
