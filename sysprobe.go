package kairo

import (
	"log/slog"
	"net"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
)

// SystemProbe is a best-effort, concrete DeviceProbe reading real host
// signals via gopsutil, in the spirit of the teacher's SystemMonitor
// (internal/agent/monitor.go) which polls cpu/mem/disk/load the same way.
//
// §4.1 treats DeviceProbe backends as an external, platform-specific
// collaborator outside this core's scope; SystemProbe is shipped alongside
// MockProbe as one working reference adapter, not as the tested contract.
// Two fields have no faithful source on general-purpose OSes and are
// therefore fixed: BatteryLevel defaults to 1.0 and LowPowerMode to false,
// unless overridden via SystemProbeConfig.
type SystemProbe struct {
	diskPath        string
	thermalFairC    float64
	thermalSeriousC float64
	thermalCritC    float64
	logger          *slog.Logger

	batteryFn func() (level float64, lowPower bool)
}

// SystemProbeConfig configures SystemProbe's thermal thresholds and the
// filesystem path whose free space is logged for diagnostics.
type SystemProbeConfig struct {
	// DiskPath is the mount point whose usage is logged on every Read for
	// operational visibility (C1's "disk" responsibility); it does not
	// enter HealthSnapshot, whose fields are fixed by §3.
	DiskPath string
	// Thermal thresholds in Celsius, applied to the hottest sensor
	// gopsutil reports. Defaults: Fair=55, Serious=70, Critical=85.
	ThermalFairC    float64
	ThermalSeriousC float64
	ThermalCriticalC float64
	// BatteryFunc overrides the fixed (1.0, false) battery/low-power
	// reading, e.g. with a platform-specific reader on systems gopsutil
	// doesn't cover.
	BatteryFunc func() (level float64, lowPower bool)
	Logger      *slog.Logger
}

// NewSystemProbe constructs a SystemProbe, applying SystemProbeConfig defaults.
func NewSystemProbe(cfg SystemProbeConfig) *SystemProbe {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.ThermalFairC == 0 {
		cfg.ThermalFairC = 55
	}
	if cfg.ThermalSeriousC == 0 {
		cfg.ThermalSeriousC = 70
	}
	if cfg.ThermalCriticalC == 0 {
		cfg.ThermalCriticalC = 85
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BatteryFunc == nil {
		cfg.BatteryFunc = func() (float64, bool) { return 1.0, false }
	}

	return &SystemProbe{
		diskPath:        cfg.DiskPath,
		thermalFairC:    cfg.ThermalFairC,
		thermalSeriousC: cfg.ThermalSeriousC,
		thermalCritC:    cfg.ThermalCriticalC,
		logger:          cfg.Logger.With("component", "system_probe"),
		batteryFn:       cfg.BatteryFunc,
	}
}

// Read implements DeviceProbe by sampling host sensors, network interface
// state and load, logging disk usage as a diagnostic side-channel.
func (p *SystemProbe) Read() (HealthSnapshot, error) {
	level, lowPower := p.batteryFn()

	thermal := p.readThermal()
	reach, constrained := p.readNetwork()
	expensive := p.readExpensive()

	if d, err := disk.Usage(p.diskPath); err == nil {
		p.logger.Debug("disk usage", "path", p.diskPath, "used_percent", d.UsedPercent, "free_bytes", d.Free)
	} else {
		p.logger.Debug("failed to read disk usage", "path", p.diskPath, "error", err)
	}

	return HealthSnapshot{
		BatteryLevel:   level,
		LowPowerMode:   lowPower,
		Thermal:        thermal,
		NetReach:       reach,
		NetConstrained: constrained,
		NetExpensive:   expensive,
		Timestamp:      time.Now(),
	}, nil
}

// SubscribeChanges implements DeviceProbe. SystemProbe has no OS-level push
// notification source, so it returns a no-op unsubscribe; callers relying
// on push notifications should pair SystemProbe with HealthMonitor's
// periodic polling only.
func (p *SystemProbe) SubscribeChanges(func(HealthSnapshot)) func() {
	return func() {}
}

func (p *SystemProbe) readThermal() ThermalState {
	temps, err := host.SensorsTemperatures()
	if err != nil || len(temps) == 0 {
		p.logger.Debug("failed to read sensor temperatures", "error", err)
		return ThermalNominal
	}

	max := 0.0
	for _, t := range temps {
		if t.Temperature > max {
			max = t.Temperature
		}
	}

	switch {
	case max >= p.thermalCritC:
		return ThermalCritical
	case max >= p.thermalSeriousC:
		return ThermalSerious
	case max >= p.thermalFairC:
		return ThermalFair
	default:
		return ThermalNominal
	}
}

// readNetwork reports Satisfied when at least one non-loopback interface is
// up and carries an address, RequiresConnection otherwise, and Satisfiable
// when the interface list cannot be read at all. constrained is a
// load-derived heuristic: a system under heavy load is treated as having a
// congested path, mirroring how the teacher's autoscaler reads load/CPU
// pressure as a throughput signal.
func (p *SystemProbe) readNetwork() (NetReachability, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		p.logger.Debug("failed to read network interfaces", "error", err)
		return NetSatisfiable, false
	}

	up := false
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			up = true
			break
		}
	}
	if !up {
		return NetRequiresConnection, false
	}

	constrained := false
	if avg, err := load.Avg(); err == nil && avg.Load1 > 4.0 {
		constrained = true
	}
	return NetSatisfied, constrained
}

func (p *SystemProbe) readExpensive() bool {
	// No general-purpose OS signal distinguishes a metered path; a
	// dedicated platform backend (cellular radio state, tethering) would
	// own this in production.
	return false
}
