package kairo

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/notomer/Kairo/internal/logging"
)

// KairoConfig carries every tunable the façade wires into its three
// subsystems (§6). Zero-value fields fall back to the defaults shown in
// the spec; construct with DefaultKairoConfig to start from those
// defaults and override individual fields.
type KairoConfig struct {
	NetworkMaxConcurrent int
	LowBatteryThreshold  float64
	DebounceMillis       int
	TickPeriodMillis     int
	Breaker              CircuitBreakerConfig
	Logger               *slog.Logger

	// AgentName identifies this Kairo instance in session log file paths.
	// Defaults to "kairo" when SessionLogDir is set but AgentName isn't.
	AgentName string
	// SessionLogDir, when non-empty, makes Start fan the façade's own log
	// records out to a dedicated per-session file under
	// SessionLogDir/AgentName/, in addition to Logger, via
	// internal/logging.NewSessionLogger. The subsystems (HealthMonitor,
	// PolicyEngine, NetworkClient) keep logging to Logger only. Empty
	// disables session logging (the default).
	SessionLogDir string
}

// DefaultKairoConfig returns §6's documented defaults.
func DefaultKairoConfig() KairoConfig {
	return KairoConfig{
		NetworkMaxConcurrent: 6,
		LowBatteryThreshold:  0.15,
		DebounceMillis:       350,
		TickPeriodMillis:     5000,
		Breaker:              CircuitBreakerConfig{},
	}
}

func (c KairoConfig) withDefaults() KairoConfig {
	d := DefaultKairoConfig()
	if c.NetworkMaxConcurrent <= 0 {
		c.NetworkMaxConcurrent = d.NetworkMaxConcurrent
	}
	if c.LowBatteryThreshold <= 0 {
		c.LowBatteryThreshold = d.LowBatteryThreshold
	}
	if c.DebounceMillis <= 0 {
		c.DebounceMillis = d.DebounceMillis
	}
	if c.TickPeriodMillis <= 0 {
		c.TickPeriodMillis = d.TickPeriodMillis
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.AgentName == "" {
		c.AgentName = "kairo"
	}
	return c
}

// Kairo is the façade of §4.8: it owns HealthMonitor's and NetworkClient's
// lifecycles, wires HealthMonitor's snapshot stream through PolicyEngine
// into NetworkClient.UpdatePolicy, and re-broadcasts the resulting Policy
// on its own stream. Admission checks (ShouldAllow and its sugar
// accessors) delegate straight to PolicyEngine against the latest
// snapshot/policy pair, the same non-blocking-accessor shape
// HealthMonitor.Current uses.
//
// The latest snapshot and policy are written only by the single run loop
// spawned by Start and are kept behind a mutex so CurrentHealth,
// CurrentPolicy and ShouldAllow can read them without round-tripping the
// loop. The policy-stream subscriber list has its own mutex, since
// PolicyStream, its cancel function and Stop change it from the caller's
// goroutine.
type Kairo struct {
	cfg KairoConfig

	monitor *HealthMonitor
	policy  *PolicyEngine
	netClnt *NetworkClient

	logger         *slog.Logger
	sessionCloser  io.Closer
	sessionLogPath string
	tracerProvider *sdktrace.TracerProvider
	tracerShutdown func(context.Context) error

	mu          sync.RWMutex
	started     bool
	curSnapshot HealthSnapshot
	curPolicy   Policy

	healthUnsub func()

	policySubMu sync.Mutex
	policySubs  map[int]chan Policy
	nextSubID   int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Kairo façade over the given probe and transport.
// Subsystems are created but not started; call Start to begin the
// health-to-policy pipeline.
func New(probe DeviceProbe, transport Transport, cfg KairoConfig) *Kairo {
	cfg = cfg.withDefaults()

	monitorCfg := MonitorConfig{
		TickPeriod: time.Duration(cfg.TickPeriodMillis) * time.Millisecond,
		Debounce:   time.Duration(cfg.DebounceMillis) * time.Millisecond,
		Logger:     cfg.Logger,
	}
	policyCfg := PolicyEngineConfig{
		NetworkMaxConcurrent: cfg.NetworkMaxConcurrent,
		LowBatteryThreshold:  cfg.LowBatteryThreshold,
	}
	netCfg := NetworkClientConfig{
		Policy:  policyCfg,
		Breaker: cfg.Breaker,
		Logger:  cfg.Logger,
	}

	return &Kairo{
		cfg:        cfg,
		monitor:    NewHealthMonitor(probe, monitorCfg),
		policy:     NewPolicyEngine(policyCfg, cfg.Logger),
		netClnt:    NewNetworkClient(transport, netCfg),
		logger:     cfg.Logger.With("component", "kairo"),
		policySubs: make(map[int]chan Policy),
		stopCh:     make(chan struct{}),
	}
}

// Start starts HealthMonitor, subscribes to its stream, and begins the
// run loop that evaluates PolicyEngine on every snapshot and pushes the
// result into NetworkClient and the policy stream (§4.8). Idempotent.
func (k *Kairo) Start() {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return
	}
	k.started = true
	k.mu.Unlock()

	tp := newTracerProvider(k.cfg.AgentName)
	k.tracerProvider = tp
	k.tracerShutdown = installTracerProvider(tp)

	if k.cfg.SessionLogDir != "" {
		sessionID := uuid.NewString()
		sessionLogger, closer, path, err := logging.NewSessionLogger(k.logger, k.cfg.SessionLogDir, k.cfg.AgentName, sessionID)
		if err != nil {
			k.logger.Warn("session log setup failed, continuing with base logger only", "error", err)
		} else {
			k.mu.Lock()
			k.logger = sessionLogger
			k.sessionCloser = closer
			k.sessionLogPath = path
			k.mu.Unlock()
		}
	}
	k.logger.Info("kairo starting")

	k.monitor.Start()
	healthCh, unsub := k.monitor.Stream()
	k.healthUnsub = unsub

	k.wg.Add(1)
	go k.run(healthCh)
}

// SessionLogPath returns the path of the current session's dedicated log
// file, or "" if SessionLogDir is unset or Start hasn't run yet.
func (k *Kairo) SessionLogPath() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sessionLogPath
}

// Stop stops subsystems in reverse order (run loop, then HealthMonitor)
// and drains the policy channel's subscribers. Idempotent.
func (k *Kairo) Stop() {
	k.stopOnce.Do(func() {
		close(k.stopCh)
	})
	k.wg.Wait()
	k.monitor.Stop()

	k.policySubMu.Lock()
	for id, ch := range k.policySubs {
		close(ch)
		delete(k.policySubs, id)
	}
	k.policySubMu.Unlock()

	k.logger.Info("kairo stopped")
	if k.tracerShutdown != nil {
		shutdown := k.tracerShutdown
		k.tracerShutdown = nil
		if err := shutdown(context.Background()); err != nil {
			k.logger.Warn("tracer provider shutdown failed", "error", err)
		}
	}
	if k.sessionCloser != nil {
		closer := k.sessionCloser
		k.sessionCloser = nil
		if err := closer.Close(); err != nil {
			k.logger.Warn("closing session log file failed", "error", err)
		}
	}
}

func (k *Kairo) run(healthCh <-chan HealthSnapshot) {
	defer k.wg.Done()
	if k.healthUnsub != nil {
		defer k.healthUnsub()
	}
	for {
		select {
		case <-k.stopCh:
			return
		case snapshot, ok := <-healthCh:
			if !ok {
				return
			}
			p := k.policy.Evaluate(snapshot)

			k.mu.Lock()
			k.curSnapshot = snapshot
			k.curPolicy = p
			k.mu.Unlock()

			k.netClnt.UpdatePolicy(p, snapshot)
			k.broadcastPolicy(p)
		}
	}
}

func (k *Kairo) broadcastPolicy(p Policy) {
	k.policySubMu.Lock()
	defer k.policySubMu.Unlock()
	for _, ch := range k.policySubs {
		select {
		case ch <- p:
		default:
			// Slow subscriber: drop rather than block the run loop; the
			// next broadcast carries the current policy regardless.
		}
	}
}

// CurrentHealth returns the latest HealthSnapshot without blocking.
func (k *Kairo) CurrentHealth() HealthSnapshot {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.curSnapshot
}

// CurrentPolicy returns the latest Policy without blocking.
func (k *Kairo) CurrentPolicy() Policy {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.curPolicy
}

// HealthStream subscribes to the underlying HealthMonitor's broadcast
// stream directly (§6 health_stream()).
func (k *Kairo) HealthStream() (<-chan HealthSnapshot, func()) {
	return k.monitor.Stream()
}

// PolicyStream subscribes to Kairo's own policy broadcast: the returned
// channel first receives the current policy, then every subsequent
// evaluation. Call cancel to unsubscribe.
func (k *Kairo) PolicyStream() (<-chan Policy, func()) {
	ch := make(chan Policy, 4)

	k.mu.RLock()
	cur := k.curPolicy
	k.mu.RUnlock()
	ch <- cur

	k.policySubMu.Lock()
	id := k.nextSubID
	k.nextSubID++
	k.policySubs[id] = ch
	k.policySubMu.Unlock()

	var cancelOnce sync.Once
	cancel := func() {
		cancelOnce.Do(func() {
			k.policySubMu.Lock()
			if existing, ok := k.policySubs[id]; ok {
				delete(k.policySubs, id)
				close(existing)
			}
			k.policySubMu.Unlock()
		})
	}
	return ch, cancel
}

// ShouldAllow delegates to PolicyEngine against the latest snapshot and
// policy (§4.8, §6). It never errors — callers get a plain bool.
func (k *Kairo) ShouldAllow(op OperationKind) bool {
	k.mu.RLock()
	snapshot, policy := k.curSnapshot, k.curPolicy
	k.mu.RUnlock()
	return k.policy.ShouldAllow(op, snapshot, policy)
}

// RecommendedImageQuality returns the current policy's image variant.
func (k *Kairo) RecommendedImageQuality() ImageVariant {
	return k.CurrentPolicy().ImageVariant
}

// MaxConcurrentRequests returns the current policy's network concurrency cap.
func (k *Kairo) MaxConcurrentRequests() int {
	return k.CurrentPolicy().MaxNetworkConcurrent
}

// AllowBackgroundML returns whether the current policy permits background
// ML inference.
func (k *Kairo) AllowBackgroundML() bool {
	return k.CurrentPolicy().AllowBackgroundML
}

// NetworkClient exposes the composed NetworkClient so callers can submit
// requests (§6 NetworkClient API).
func (k *Kairo) NetworkClient() *NetworkClient {
	return k.netClnt
}
