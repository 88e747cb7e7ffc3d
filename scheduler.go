package kairo

import (
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DiagnosticsScheduler periodically logs a structured snapshot of the
// current health/policy pair, on a cron-expression cadence, mirroring the
// teacher's Scheduler (internal/agent/scheduler.go) — one cron.Cron driving
// named jobs — generalized here to a single diagnostics job instead of one
// job per backup entry. It never gates admission; it is purely an ambient
// observability add-on (SPEC_FULL.md's "Diagnostics scheduler").
type DiagnosticsScheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entryID cron.EntryID
	started bool
}

// NewDiagnosticsScheduler builds a scheduler that will log k's current
// health/policy on every firing of the given cron expression (standard
// five-field syntax, e.g. "*/5 * * * *"). It does not start the cron
// engine; call Start.
func NewDiagnosticsScheduler(k *Kairo, schedule string, logger *slog.Logger) (*DiagnosticsScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "diagnostics_scheduler")

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	id, err := c.AddFunc(schedule, func() {
		snapshot := k.CurrentHealth()
		policy := k.CurrentPolicy()
		logger.Info("health/policy diagnostic",
			"battery_level", snapshot.BatteryLevel,
			"low_power_mode", snapshot.LowPowerMode,
			"thermal", snapshot.Thermal,
			"net_reach", snapshot.NetReach,
			"health_score", snapshot.HealthScore(),
			"is_critical", snapshot.IsCritical(),
			"health_level", policy.HealthLevel,
			"max_network_concurrent", policy.MaxNetworkConcurrent,
			"allow_background_ml", policy.AllowBackgroundML,
			"image_variant", policy.ImageVariant,
		)
	})
	if err != nil {
		return nil, err
	}

	return &DiagnosticsScheduler{cron: c, logger: logger, entryID: id}, nil
}

// Start begins the cron engine. Idempotent.
func (s *DiagnosticsScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("diagnostics scheduler started")
}

// Stop stops the cron engine and waits for any in-flight job to finish.
// Idempotent.
func (s *DiagnosticsScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("diagnostics scheduler stopped")
}
