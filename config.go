package kairo

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML-loadable shape of KairoConfig, mirroring the
// teacher's AgentConfig (internal/config/config.go): durations are spelled
// as strings in the file and parsed on load (debounce and tick_period into
// millisecond counts, breaker.timeout into a time.Duration).
type FileConfig struct {
	NetworkMaxConcurrent int            `yaml:"network_max_concurrent"`
	LowBatteryThreshold  float64        `yaml:"low_battery_threshold"`
	Debounce             string         `yaml:"debounce"`
	TickPeriod           string         `yaml:"tick_period"`
	Breaker              FileBreakerCfg `yaml:"breaker"`
	Logging              FileLoggingCfg `yaml:"logging"`
}

// FileBreakerCfg is CircuitBreakerConfig's YAML shape.
type FileBreakerCfg struct {
	FailureThreshold      int    `yaml:"failure_threshold"`
	Timeout               string `yaml:"timeout"`
	SuccessThreshold      int    `yaml:"success_threshold"`
	MaxRequestsInHalfOpen int    `yaml:"max_requests_in_half_open"`
}

// FileLoggingCfg mirrors the teacher's LoggingInfo.
type FileLoggingCfg struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadConfig reads a YAML configuration file into a KairoConfig, in the
// style of the teacher's LoadAgentConfig. Zero-valued (omitted) fields are
// left at zero; the defaults are filled in later by KairoConfig.withDefaults
// (which New calls). Validation rejects negative counts, durations and
// breaker thresholds and a low_battery_threshold outside [0,1].
func LoadConfig(path string) (KairoConfig, FileLoggingCfg, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KairoConfig{}, FileLoggingCfg{}, fmt.Errorf("reading kairo config: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return KairoConfig{}, FileLoggingCfg{}, fmt.Errorf("parsing kairo config: %w", err)
	}

	cfg, err := fc.toKairoConfig()
	if err != nil {
		return KairoConfig{}, FileLoggingCfg{}, fmt.Errorf("validating kairo config: %w", err)
	}
	return cfg, fc.Logging, nil
}

func (fc FileConfig) toKairoConfig() (KairoConfig, error) {
	cfg := KairoConfig{
		NetworkMaxConcurrent: fc.NetworkMaxConcurrent,
		LowBatteryThreshold:  fc.LowBatteryThreshold,
	}

	if fc.Debounce != "" {
		d, err := time.ParseDuration(fc.Debounce)
		if err != nil {
			return KairoConfig{}, fmt.Errorf("debounce: %w", err)
		}
		cfg.DebounceMillis = int(d.Milliseconds())
	}
	if fc.TickPeriod != "" {
		d, err := time.ParseDuration(fc.TickPeriod)
		if err != nil {
			return KairoConfig{}, fmt.Errorf("tick_period: %w", err)
		}
		cfg.TickPeriodMillis = int(d.Milliseconds())
	}

	breaker := CircuitBreakerConfig{
		FailureThreshold:      fc.Breaker.FailureThreshold,
		SuccessThreshold:      fc.Breaker.SuccessThreshold,
		MaxRequestsInHalfOpen: fc.Breaker.MaxRequestsInHalfOpen,
	}
	if fc.Breaker.Timeout != "" {
		d, err := time.ParseDuration(fc.Breaker.Timeout)
		if err != nil {
			return KairoConfig{}, fmt.Errorf("breaker.timeout: %w", err)
		}
		breaker.Timeout = d
	}
	cfg.Breaker = breaker

	if err := cfg.validate(); err != nil {
		return KairoConfig{}, err
	}
	return cfg, nil
}

// validate checks a loaded config before defaults are applied.
// Zero-valued fields are left for withDefaults to fill in; validate only
// rejects values that are explicitly out of range.
func (c KairoConfig) validate() error {
	if c.NetworkMaxConcurrent < 0 {
		return fmt.Errorf("network_max_concurrent must be >= 0, got %d", c.NetworkMaxConcurrent)
	}
	if c.LowBatteryThreshold < 0 || c.LowBatteryThreshold > 1 {
		return fmt.Errorf("low_battery_threshold must be in [0,1], got %v", c.LowBatteryThreshold)
	}
	if c.DebounceMillis < 0 {
		return fmt.Errorf("debounce must be >= 0, got %dms", c.DebounceMillis)
	}
	if c.TickPeriodMillis < 0 {
		return fmt.Errorf("tick_period must be >= 0, got %dms", c.TickPeriodMillis)
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 || c.Breaker.MaxRequestsInHalfOpen < 0 {
		return fmt.Errorf("breaker thresholds must be >= 0")
	}
	return nil
}
