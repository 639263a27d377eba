package audio

import (
	"log/slog"
	"sync"
)

// ProcessRouting holds the audio route for platforms that have no global
// audio session (desktop Linux, macOS and Windows through miniaudio). It
// behaves like the mobile category/mode store so capture code restores
// routes the same way everywhere.
type ProcessRouting struct {
	mu      sync.Mutex
	current Route
	active  bool
	history []Route
}

// NewProcessRouting starts with the given route applied.
func NewProcessRouting(initial Route) *ProcessRouting {
	return &ProcessRouting{current: initial}
}

func (p *ProcessRouting) Snapshot() (Route, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

func (p *ProcessRouting) Apply(route Route) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if route != p.current {
		slog.Debug("Audio route changed", "from_category", p.current.Category, "to_category", route.Category, "mode", route.Mode)
	}
	p.current = route
	p.history = append(p.history, route)
	return nil
}

func (p *ProcessRouting) Activate(active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = active
	return nil
}

// Active reports whether the audio session is currently activated.
func (p *ProcessRouting) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// History returns every route applied so far, oldest first.
func (p *ProcessRouting) History() []Route {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Route, len(p.history))
	copy(out, p.history)
	return out
}
