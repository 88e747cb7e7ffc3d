package kairo

import (
	"log/slog"
	"sync"
)

// Policy is an immutable throttling directive derived from a HealthSnapshot
// (§3).
type Policy struct {
	MaxNetworkConcurrent     int
	AllowBackgroundML        bool
	ImageVariant             ImageVariant
	PreferCacheWhenUnhealthy bool
	HealthLevel              HealthLevel
}

// PolicyEngineConfig carries the tunables §4.4 reads from KairoConfig.
type PolicyEngineConfig struct {
	NetworkMaxConcurrent int
	LowBatteryThreshold  float64
}

func (c PolicyEngineConfig) withDefaults() PolicyEngineConfig {
	if c.NetworkMaxConcurrent <= 0 {
		c.NetworkMaxConcurrent = 6
	}
	if c.LowBatteryThreshold <= 0 {
		c.LowBatteryThreshold = 0.15
	}
	return c
}

// trendHistorySize is N from §4.4's "last N=10 scores" trend history.
const trendHistorySize = 10

// PolicyEngine is a deterministic reducer from HealthSnapshot to Policy and
// per-operation admission decisions (§4.4). It is "pure except for trend
// history" — the only state it carries across calls is the last published
// HealthLevel (for hysteresis) and a bounded trend window of recent scores,
// both isolated behind a mutex per §5.
type PolicyEngine struct {
	cfg    PolicyEngineConfig
	logger *slog.Logger

	mu      sync.Mutex
	lastLvl HealthLevel
	trend   []float64
}

// NewPolicyEngine constructs a PolicyEngine. The first Evaluate call has no
// prior level to apply hysteresis against, so it seeds from the snapshot's
// score alone (treated as if coming from High, the most permissive start).
func NewPolicyEngine(cfg PolicyEngineConfig, logger *slog.Logger) *PolicyEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyEngine{
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "policy_engine"),
		lastLvl: HealthHigh,
	}
}

// Evaluate derives a Policy from snapshot, applying hysteresis against the
// previously published HealthLevel (§4.4).
func (p *PolicyEngine) Evaluate(snapshot HealthSnapshot) Policy {
	score := snapshot.HealthScore()

	p.mu.Lock()
	prevLevel := p.lastLvl
	level := nextHealthLevel(snapshot, score, prevLevel)
	p.lastLvl = level
	p.trend = append(p.trend, score)
	if len(p.trend) > trendHistorySize {
		p.trend = p.trend[len(p.trend)-trendHistorySize:]
	}
	p.mu.Unlock()

	if level != prevLevel {
		p.logger.Info("health level transition", "from", prevLevel, "to", level, "score", score)
	}

	return policyForLevel(level, p.cfg)
}

// TrendHistory returns a copy of the last (up to 10) evaluated scores, most
// recent last. It is purely observational — it never feeds back into the
// level/policy table.
func (p *PolicyEngine) TrendHistory() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]float64, len(p.trend))
	copy(out, p.trend)
	return out
}

// nextHealthLevel implements the hysteresis table of §4.4.
func nextHealthLevel(s HealthSnapshot, score float64, prev HealthLevel) HealthLevel {
	if s.IsCritical() {
		return HealthCritical
	}

	switch prev {
	case HealthHigh:
		if score < 0.7 {
			return HealthMedium
		}
	case HealthMedium:
		if score < 0.4 {
			return HealthLow
		}
		if score > 0.8 {
			return HealthHigh
		}
	case HealthLow:
		if score < 0.2 {
			return HealthCritical
		}
		if score > 0.6 {
			return HealthMedium
		}
	case HealthCritical:
		if score > 0.4 {
			return HealthLow
		}
	}
	return prev
}

// policyForLevel maps a HealthLevel to a Policy per §4.4's table.
func policyForLevel(level HealthLevel, cfg PolicyEngineConfig) Policy {
	base := cfg.NetworkMaxConcurrent

	switch level {
	case HealthHigh:
		return Policy{
			MaxNetworkConcurrent:     base,
			AllowBackgroundML:        true,
			ImageVariant:             ImageOriginal,
			PreferCacheWhenUnhealthy: false,
			HealthLevel:              HealthHigh,
		}
	case HealthMedium:
		return Policy{
			MaxNetworkConcurrent:     maxInt(2, base/2),
			AllowBackgroundML:        true,
			ImageVariant:             ImageLarge,
			PreferCacheWhenUnhealthy: false,
			HealthLevel:              HealthMedium,
		}
	case HealthLow:
		return Policy{
			MaxNetworkConcurrent:     maxInt(1, base/4),
			AllowBackgroundML:        false,
			ImageVariant:             ImageMedium,
			PreferCacheWhenUnhealthy: true,
			HealthLevel:              HealthLow,
		}
	default: // HealthCritical
		return Policy{
			MaxNetworkConcurrent:     1,
			AllowBackgroundML:        false,
			ImageVariant:             ImageSmall,
			PreferCacheWhenUnhealthy: true,
			HealthLevel:              HealthCritical,
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ShouldAllow is the deterministic admission predicate of §4.4: rules are
// evaluated in order and the first match wins. It never errors — callers
// get a plain bool.
func (p *PolicyEngine) ShouldAllow(op OperationKind, snapshot HealthSnapshot, policy Policy) bool {
	return ShouldAllow(op, snapshot, policy, p.cfg.LowBatteryThreshold)
}

// ShouldAllow is the free-function form of the admission predicate, taking
// the low-battery threshold explicitly so it can be exercised without a
// PolicyEngine instance (e.g. from NetworkClient's own decision point).
func ShouldAllow(op OperationKind, snapshot HealthSnapshot, policy Policy, lowBatteryThreshold float64) bool {
	// Rule 1: critical-priority network requests always go through.
	if op.Tag == OpNetworkRequest && op.Priority == PriorityCritical {
		return true
	}

	// Rule 2: a critical snapshot denies everything else.
	if snapshot.IsCritical() {
		return false
	}

	// Rule 3: thermal gate.
	switch snapshot.Thermal {
	case ThermalSerious:
		if op.Tag == OpMlInference || op.Tag == OpVideoProcessing {
			return false
		}
	case ThermalCritical:
		return false
	}

	// Rule 4: battery gate.
	if snapshot.BatteryLevel < lowBatteryThreshold {
		switch op.Tag {
		case OpMlInference, OpVideoProcessing, OpFileDownload:
			return false
		}
	}

	// Rule 5: network gate.
	if snapshot.NetReach != NetSatisfied {
		switch op.Tag {
		case OpNetworkRequest, OpFileDownload:
			return false
		}
	}
	if snapshot.NetConstrained {
		if op.Tag == OpFileDownload && op.Bytes >= tenMiB {
			return false
		}
		if op.Tag == OpImageProcessing && op.ImgSize == ImageSizeLarge {
			return false
		}
	}

	// Rule 6: policy gate.
	if op.Tag == OpMlInference && !policy.AllowBackgroundML {
		return false
	}

	// Rule 7: otherwise allow.
	return true
}
