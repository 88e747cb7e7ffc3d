package kairo

import "sync"

// DeviceProbe is the abstract contract HealthMonitor consumes for
// point-in-time health reads and OS-level change notifications (§4.1,
// §6). Real implementations wrap platform APIs and are an external
// collaborator of this core — SystemProbe (sysprobe.go) ships one
// best-effort reference adapter over gopsutil, and MockProbe below is the
// one required for deterministic tests.
type DeviceProbe interface {
	// Read returns the current device health. Implementations should
	// honor a soft ~100ms deadline (§6); HealthMonitor treats a probe that
	// never returns within 2x its tick period as having returned the
	// previous snapshot.
	Read() (HealthSnapshot, error)

	// SubscribeChanges registers a callback fired on OS-level transitions
	// (network path change, thermal change, ...) with at-least-once
	// semantics. It returns an unsubscribe function.
	SubscribeChanges(callback func(HealthSnapshot)) (unsubscribe func())
}

// MockProbe is a deterministic, in-memory DeviceProbe for tests. Scenarios
// drive it by calling Set (updates the next Read() result) and Push (also
// fires registered change callbacks, simulating an OS-level transition).
type MockProbe struct {
	mu        sync.Mutex
	current   HealthSnapshot
	err       error
	listeners map[int]func(HealthSnapshot)
	nextID    int
}

// NewMockProbe creates a MockProbe seeded with the given initial snapshot.
func NewMockProbe(initial HealthSnapshot) *MockProbe {
	return &MockProbe{
		current:   initial,
		listeners: make(map[int]func(HealthSnapshot)),
	}
}

// Read implements DeviceProbe.
func (m *MockProbe) Read() (HealthSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return HealthSnapshot{}, m.err
	}
	return m.current, nil
}

// SubscribeChanges implements DeviceProbe.
func (m *MockProbe) SubscribeChanges(callback func(HealthSnapshot)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = callback
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Set updates the snapshot Read() will return next, without notifying
// subscribers. Use this to simulate a value the next periodic tick picks up.
func (m *MockProbe) Set(s HealthSnapshot) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

// Push updates the snapshot and fires every registered change callback,
// simulating an OS-level change notification.
func (m *MockProbe) Push(s HealthSnapshot) {
	m.mu.Lock()
	m.current = s
	listeners := make([]func(HealthSnapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// FailNextReads makes Read() return err until FailNextReads(nil) clears it,
// simulating a probe read failure (§4.3 failure semantics).
func (m *MockProbe) FailNextReads(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
