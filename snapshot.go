package kairo

import "time"

// HealthSnapshot is an immutable, point-in-time record of device health
// (§3). Values are freely copied; nothing in this package mutates one in
// place.
type HealthSnapshot struct {
	// BatteryLevel is the raw battery fraction as read from the probe,
	// stored unclamped for diagnostics even though scoring clamps it.
	BatteryLevel float64
	LowPowerMode bool
	Thermal      ThermalState

	NetReach       NetReachability
	NetConstrained bool
	NetExpensive   bool

	Timestamp time.Time
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// HealthScore computes the weighted-product health score in [0,1] per §4.2.
func (s HealthSnapshot) HealthScore() float64 {
	batteryTerm := clamp01(s.BatteryLevel)*0.4 + 0.6

	var thermalBase float64
	switch s.Thermal {
	case ThermalNominal:
		thermalBase = 1.0
	case ThermalFair:
		thermalBase = 0.8
	case ThermalSerious:
		thermalBase = 0.5
	case ThermalCritical:
		thermalBase = 0.2
	}
	thermalTerm := thermalBase*0.3 + 0.7

	lpmTerm := 1.0
	if s.LowPowerMode {
		lpmTerm = 0.85
	}

	var reachScore float64
	switch s.NetReach {
	case NetSatisfied:
		reachScore = 1.0
	case NetSatisfiable:
		reachScore = 0.5
	case NetRequiresConnection:
		reachScore = 0.0
	}
	constrainedFactor := 1.0
	if s.NetConstrained {
		constrainedFactor = 0.7
	}
	netTerm := (reachScore*constrainedFactor)*0.1 + 0.9

	expenseTerm := 1.0
	if s.NetExpensive {
		expenseTerm = 0.95
	}

	score := batteryTerm * thermalTerm * lpmTerm * netTerm * expenseTerm
	return clamp01(score)
}

// OverallHealthScore is a diagnostic alias for HealthScore. Per spec.md §9,
// Kairo deliberately does NOT implement the source's simpler multiplicative
// form — both names compute the identical weighted score.
func (s HealthSnapshot) OverallHealthScore() float64 { return s.HealthScore() }

// IsCritical reports whether the snapshot forces the Critical policy path
// regardless of score (§3).
func (s HealthSnapshot) IsCritical() bool {
	return s.BatteryLevel < 0.05 || s.Thermal == ThermalCritical || s.NetReach == NetRequiresConnection
}

// significantlyDiffers implements the broadcast invariant from §3: a
// snapshot is published only if it differs from the previous one along at
// least one tracked axis.
func (s HealthSnapshot) significantlyDiffers(prev HealthSnapshot) bool {
	if absFloat(s.BatteryLevel-prev.BatteryLevel) > 0.05 {
		return true
	}
	if s.Thermal != prev.Thermal {
		return true
	}
	if s.LowPowerMode != prev.LowPowerMode {
		return true
	}
	if s.NetReach != prev.NetReach || s.NetConstrained != prev.NetConstrained || s.NetExpensive != prev.NetExpensive {
		return true
	}
	if absFloat(s.HealthScore()-prev.HealthScore()) > 0.1 {
		return true
	}
	return false
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
