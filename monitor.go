package kairo

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MonitorConfig configures HealthMonitor's polling cadence and debounce
// window (§4.3, §6 KairoConfig.tick_period_ms / debounce_ms).
type MonitorConfig struct {
	TickPeriod time.Duration
	Debounce   time.Duration
	Logger     *slog.Logger
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.TickPeriod <= 0 {
		c.TickPeriod = 5 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 350 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// subscription is one HealthMonitor.Stream() consumer's mailbox.
type subscription struct {
	id int
	ch chan HealthSnapshot
}

// HealthMonitor produces a deduplicated, debounced stream of HealthSnapshot
// values (§4.3). All shared mutable state — current snapshot, subscriber
// list, debounce timer — is serialized onto a single run-loop goroutine,
// per §5's isolation-unit rule; Current() additionally keeps a
// mutex-guarded cache so it can be read without round-tripping the loop,
// the same non-blocking-accessor shape as the teacher's
// SystemMonitor.Stats() (internal/agent/monitor.go).
type HealthMonitor struct {
	probe  DeviceProbe
	cfg    MonitorConfig
	logger *slog.Logger

	mu      sync.RWMutex
	current HealthSnapshot
	started bool

	probeEvents chan HealthSnapshot
	subscribeCh chan chan subscription
	unsubCh     chan int
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	unsubscribeProbe func()
}

// NewHealthMonitor constructs a HealthMonitor over the given probe. Start
// must be called before the stream produces values.
func NewHealthMonitor(probe DeviceProbe, cfg MonitorConfig) *HealthMonitor {
	cfg = cfg.withDefaults()
	return &HealthMonitor{
		probe:       probe,
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "health_monitor"),
		probeEvents: make(chan HealthSnapshot, 8),
		subscribeCh: make(chan chan subscription),
		unsubCh:     make(chan int),
		stopCh:      make(chan struct{}),
	}
}

// Start begins periodic polling and probe-change subscription. Idempotent.
func (m *HealthMonitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true

	initial, err := m.probe.Read()
	if err != nil {
		m.logger.Warn("initial probe read failed", "error", err)
	} else {
		m.current = initial
	}
	m.mu.Unlock()

	m.unsubscribeProbe = m.probe.SubscribeChanges(func(s HealthSnapshot) {
		select {
		case m.probeEvents <- s:
		default:
			// Foreign callback thread must never block; a dropped event
			// here is recovered by the next periodic tick.
		}
	})

	m.wg.Add(1)
	go m.run()
}

// Stop cancels the timer and probe subscription and closes the broadcast
// stream: every subscriber channel is closed, unblocking its consumers.
// Idempotent.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

// Current returns the latest snapshot without blocking.
func (m *HealthMonitor) Current() HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Stream registers a new subscriber. The returned channel first receives
// the current snapshot, then every subsequent broadcast; it is closed
// (after Stop, HealthMonitor sends no further values — consumers observe
// channel closure) once Stop runs. Call the returned cancel function to
// unsubscribe; it is safe to call multiple times.
func (m *HealthMonitor) Stream() (<-chan HealthSnapshot, func()) {
	respCh := make(chan subscription, 1)
	select {
	case m.subscribeCh <- respCh:
	case <-m.stopCh:
		closed := make(chan HealthSnapshot)
		close(closed)
		return closed, func() {}
	}

	sub := <-respCh
	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() {
			select {
			case m.unsubCh <- sub.id:
			case <-m.stopCh:
			}
		})
	}
	return sub.ch, cancel
}

func (m *HealthMonitor) run() {
	defer m.wg.Done()
	if m.unsubscribeProbe != nil {
		defer m.unsubscribeProbe()
	}

	ticker := time.NewTicker(m.cfg.TickPeriod)
	defer ticker.Stop()

	subs := make(map[int]chan HealthSnapshot)
	nextID := 0

	var debounceTimer *time.Timer
	var pending HealthSnapshot
	hasPending := false
	stopDebounce := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
			debounceTimer = nil
		}
	}
	defer stopDebounce()

	publish := func(s HealthSnapshot) {
		m.mu.Lock()
		m.current = s
		m.mu.Unlock()
		for _, ch := range subs {
			ch <- s
		}
	}

	consider := func(candidate HealthSnapshot) {
		m.mu.RLock()
		prev := m.current
		m.mu.RUnlock()

		if !candidate.significantlyDiffers(prev) {
			return
		}

		if candidate.IsCritical() && !prev.IsCritical() {
			stopDebounce()
			hasPending = false
			publish(candidate)
			return
		}

		pending = candidate
		hasPending = true
		stopDebounce()
		debounceTimer = time.NewTimer(m.cfg.Debounce)
	}

	readWithTimeout := func() (HealthSnapshot, error) {
		type result struct {
			s   HealthSnapshot
			err error
		}
		resCh := make(chan result, 1)
		go func() {
			s, err := m.probe.Read()
			resCh <- result{s, err}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*m.cfg.TickPeriod)
		defer cancel()
		select {
		case r := <-resCh:
			return r.s, r.err
		case <-ctx.Done():
			m.mu.RLock()
			defer m.mu.RUnlock()
			return m.current, nil
		}
	}

	for {
		var debounceFire <-chan time.Time
		if debounceTimer != nil {
			debounceFire = debounceTimer.C
		}

		select {
		case <-m.stopCh:
			for id, ch := range subs {
				close(ch)
				delete(subs, id)
			}
			return

		case req := <-m.subscribeCh:
			ch := make(chan HealthSnapshot, 4)
			id := nextID
			nextID++
			subs[id] = ch

			m.mu.RLock()
			cur := m.current
			m.mu.RUnlock()
			ch <- cur

			req <- subscription{id: id, ch: ch}

		case id := <-m.unsubCh:
			if ch, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}

		case <-ticker.C:
			s, err := readWithTimeout()
			if err != nil {
				m.logger.Warn("periodic probe read failed, retaining previous snapshot", "error", err)
				continue
			}
			consider(s)

		case s := <-m.probeEvents:
			consider(s)

		case <-debounceFire:
			if hasPending {
				hasPending = false
				publish(pending)
			}
			debounceTimer = nil
		}
	}
}
