package filetree

import "sync"

// ViewSettings is a snapshot of the presentation state.
type ViewSettings struct {
	BaseIndent int  `json:"base_indent"`
	Indent     int  `json:"indent"`
	FilterMode bool `json:"filter_mode"`
}

// ViewState holds preference-driven presentation settings.
type ViewState struct {
	mu        sync.Mutex
	settings  ViewSettings
	nextID    int
	listeners map[int]func(ViewSettings)
}

// NewViewState creates a view state with the given indents.
func NewViewState(baseIndent, indent int) *ViewState {
	return &ViewState{
		settings:  ViewSettings{BaseIndent: baseIndent, Indent: indent},
		listeners: make(map[int]func(ViewSettings)),
	}
}

// Settings returns the current settings.
func (v *ViewState) Settings() ViewSettings {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.settings
}

// SetIndent updates the indents and notifies listeners if they changed.
func (v *ViewState) SetIndent(baseIndent, indent int) {
	v.update(func(s *ViewSettings) {
		s.BaseIndent = baseIndent
		s.Indent = indent
	})
}

// ToggleFilterMode flips filter mode and returns the new value.
func (v *ViewState) ToggleFilterMode() bool {
	var on bool
	v.update(func(s *ViewSettings) {
		s.FilterMode = !s.FilterMode
		on = s.FilterMode
	})
	return on
}

// EnableFilterMode switches filter mode on.
func (v *ViewState) EnableFilterMode() {
	v.update(func(s *ViewSettings) { s.FilterMode = true })
}

// OnViewStateChanged registers fn for setting changes.
func (v *ViewState) OnViewStateChanged(fn func(ViewSettings)) (cancel func()) {
	v.mu.Lock()
	v.nextID++
	id := v.nextID
	v.listeners[id] = fn
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}

func (v *ViewState) update(fn func(*ViewSettings)) {
	v.mu.Lock()
	before := v.settings
	fn(&v.settings)
	after := v.settings
	var listeners []func(ViewSettings)
	if before != after {
		for _, l := range v.listeners {
			listeners = append(listeners, l)
		}
	}
	v.mu.Unlock()
	for _, l := range listeners {
		l(after)
	}
}
