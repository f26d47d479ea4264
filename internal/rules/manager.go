package rules

import (
	"sync/atomic"
	"time"
)

// Manager holds the active plan, safe for concurrent readers while a
// Watcher swaps it.
type Manager struct {
	active   atomic.Pointer[Plan]
	loadedAt atomic.Int64
}

func NewManager(p *Plan) *Manager {
	m := &Manager{}
	if p != nil {
		m.Set(p)
	}
	return m
}

func (m *Manager) Set(p *Plan) {
	m.active.Store(p)
	m.loadedAt.Store(time.Now().Unix())
}

// Get returns the active plan, or the default plan when none was set.
func (m *Manager) Get() *Plan {
	if p := m.active.Load(); p != nil {
		return p
	}
	return Default()
}

// LoadedAt returns when the active plan was set, zero if never.
func (m *Manager) LoadedAt() time.Time {
	s := m.loadedAt.Load()
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0)
}
