package kairo

import (
	"context"
	"sync"
)

// SemaphoreStatus is a point-in-time readout of Semaphore's counters (§4.5).
type SemaphoreStatus struct {
	InUse   int
	Max     int
	Waiting int
}

// semWaiter is one queued acquire() call. ready is closed exactly once,
// either to grant the permit or to signal cancellation (in which case
// cancelled is true).
type semWaiter struct {
	ready     chan struct{}
	cancelled bool
}

// Semaphore is a bounded counting gate with an explicit FIFO waiter queue
// and dynamically resizable capacity (§4.5). All mutable state is guarded
// by a single mutex, the isolation-unit shape §5 calls for.
type Semaphore struct {
	mu          sync.Mutex
	inUse       int
	max         int
	waiters     []*semWaiter
	deactivated bool
}

// NewSemaphore constructs a Semaphore with the given initial capacity.
func NewSemaphore(max int) *Semaphore {
	if max < 1 {
		max = 1
	}
	return &Semaphore{max: max}
}

// Acquire blocks until a permit is available, the semaphore is
// deactivated, or ctx is cancelled. On the latter two paths it returns
// ErrCancelled and the caller holds no permit.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.deactivated {
		s.mu.Unlock()
		return ErrCancelled
	}
	if s.inUse < s.max {
		s.inUse++
		s.mu.Unlock()
		return nil
	}

	w := &semWaiter{ready: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		s.mu.Lock()
		cancelled := w.cancelled
		s.mu.Unlock()
		if cancelled {
			return ErrCancelled
		}
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		// If we already won the race and were granted the permit
		// concurrently with ctx firing, release it rather than leak it.
		select {
		case <-w.ready:
			granted := !w.cancelled
			s.removeWaiter(w)
			s.mu.Unlock()
			if granted {
				s.Release()
			}
			return ErrCancelled
		default:
			s.removeWaiter(w)
			s.mu.Unlock()
			return ErrCancelled
		}
	}
}

// removeWaiter deletes w from the queue if still present. Caller holds mu.
func (s *Semaphore) removeWaiter(w *semWaiter) {
	for i, cand := range s.waiters {
		if cand == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// Release returns a permit. If waiters are queued and usage is not above
// max (it can be, after a shrinking Resize), the FIFO head is woken and
// inherits the permit it would otherwise have acquired; permits_in_use
// stays unchanged in that case (ownership transfers), otherwise it is
// decremented, saturating at 0.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Semaphore) releaseLocked() {
	for len(s.waiters) > 0 && s.inUse <= s.max {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(w.ready)
		// The woken waiter inherits the permit; inUse is unchanged.
		return
	}
	if s.inUse > 0 {
		s.inUse--
	}
}

// Resize adjusts max capacity. Growing wakes up to (new-old) queued
// waiters in FIFO order. Shrinking below the current in-use count does not
// revoke already-granted permits; new acquires simply block until usage
// drains below the new max.
func (s *Semaphore) Resize(newMax int) {
	if newMax < 1 {
		newMax = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	grew := newMax - s.max
	s.max = newMax
	if grew <= 0 {
		return
	}
	for i := 0; i < grew && len(s.waiters) > 0; i++ {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.inUse++
		close(w.ready)
	}
}

// Status returns a snapshot of the semaphore's counters.
func (s *Semaphore) Status() SemaphoreStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SemaphoreStatus{InUse: s.inUse, Max: s.max, Waiting: len(s.waiters)}
}

// Deactivate resumes all waiters with ErrCancelled and makes subsequent
// Acquire calls fail immediately.
func (s *Semaphore) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated = true
	for _, w := range s.waiters {
		w.cancelled = true
		close(w.ready)
	}
	s.waiters = nil
}
