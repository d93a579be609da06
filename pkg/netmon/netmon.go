// Package netmon exposes device connectivity to the resilience layer. The
// host application feeds OS reachability callbacks into a ManualMonitor; the
// queue and realtime manager only consume the Monitor interface.
package netmon

import "sync"

// Monitor reports point-in-time connectivity and notifies subscribers on
// changes.
type Monitor interface {
	Online() bool
	// Subscribe registers fn for state changes and returns its cancel func.
	// fn is invoked only on transitions, not for the current state.
	Subscribe(fn func(online bool)) (cancel func())
}

// ManualMonitor is a Monitor driven by explicit SetOnline calls.
type ManualMonitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(online bool)
}

func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{
		online:    online,
		listeners: make(map[int]func(online bool)),
	}
}

// compile-time check to ensure ManualMonitor implements Monitor.
var _ Monitor = (*ManualMonitor)(nil)

func (m *ManualMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ManualMonitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// SetOnline updates the state and fans out to subscribers when it changed.
// Listeners run outside the lock so they may re-enter the monitor.
func (m *ManualMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}
