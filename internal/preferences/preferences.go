// Package preferences stores user preferences in a viper instance and notifies
// listeners when values change, either through Set or by editing the file.
package preferences

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/pkg/models"
)

const (
	KeyBaseIndent     = "explorer.fileTree.baseIndent"
	KeyIndent         = "explorer.fileTree.indent"
	KeyCompactFolders = "explorer.compactFolders"
	KeyPreviewMode    = "editor.previewMode"
)

// Defaults are the known preferences and their default values.
var Defaults = map[string]any{
	KeyBaseIndent:     8,
	KeyIndent:         8,
	KeyCompactFolders: false,
	KeyPreviewMode:    true,
}

// Store is a preference store.
type Store struct {
	log *zap.Logger

	mu   sync.Mutex
	v    *viper.Viper
	last map[string]any

	listenersMu sync.Mutex
	nextID      int
	listeners   map[int]func(models.PreferenceChange)
}

// New returns a store holding the defaults.
func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()
	for k, val := range Defaults {
		v.SetDefault(k, val)
	}
	s := &Store{
		log:       log,
		v:         v,
		listeners: make(map[int]func(models.PreferenceChange)),
	}
	s.last = s.snapshot()
	return s
}

// Load returns a store backed by the preference file at path.
func Load(path string, log *zap.Logger) (*Store, error) {
	s := New(log)
	s.v.SetConfigFile(path)
	if err := s.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read preferences %s: %w", path, err)
	}
	s.last = s.snapshot()
	return s, nil
}

// Watch reloads the preference file when it changes on disk.
func (s *Store) Watch() {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		s.log.Debug("Preferences file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		s.refresh()
	})
	s.v.WatchConfig()
}

// Get returns the value of key.
func (s *Store) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value(key)
}

// Int returns key as an int.
func (s *Store) Int(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetInt(key)
}

// Bool returns key as a bool.
func (s *Store) Bool(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetBool(key)
}

// Set overrides key and notifies listeners when the value changed.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	s.v.Set(key, value)
	s.mu.Unlock()
	s.refresh()
}

// Keys returns the known preference names.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(Defaults))
	for k := range Defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OnChange registers fn for preference changes.
func (s *Store) OnChange(fn func(models.PreferenceChange)) (cancel func()) {
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// refresh diffs the known keys against the last snapshot.
func (s *Store) refresh() {
	s.mu.Lock()
	current := s.snapshot()
	var changes []models.PreferenceChange
	for _, k := range s.Keys() {
		if !reflect.DeepEqual(s.last[k], current[k]) {
			changes = append(changes, models.PreferenceChange{Name: k, OldValue: s.last[k], NewValue: current[k]})
		}
	}
	s.last = current
	s.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	s.listenersMu.Lock()
	fns := make([]func(models.PreferenceChange), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()
	for _, ch := range changes {
		s.log.Info("Preference changed", zap.String("name", ch.Name), zap.Any("value", ch.NewValue))
		for _, fn := range fns {
			fn(ch)
		}
	}
}

func (s *Store) snapshot() map[string]any {
	out := make(map[string]any, len(Defaults))
	for k := range Defaults {
		out[k] = s.value(k)
	}
	return out
}

// value reads key with the type of its default. Callers hold s.mu.
func (s *Store) value(key string) any {
	switch Defaults[key].(type) {
	case int:
		return s.v.GetInt(key)
	case bool:
		return s.v.GetBool(key)
	default:
		return s.v.Get(key)
	}
}
