package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TierConfig holds the port range assigned to one agent tier.
// Ranges must be disjoint across tiers; Validate enforces this.
type TierConfig struct {
	PortStart int `yaml:"port_start"`
	PortEnd   int `yaml:"port_end"`
}

// EnforcementConfig controls the compliance scanner.
type EnforcementConfig struct {
	// Enabled turns the periodic scanner on. Default true in serve mode.
	Enabled bool `yaml:"enabled"`

	// IntervalSeconds between scan cycles. Default 30.
	IntervalSeconds int `yaml:"interval_seconds"`

	// GracePeriodSeconds between the first warning for a violation and
	// escalation. Default 300.
	GracePeriodSeconds int `yaml:"grace_period_seconds"`

	// Mode is "auto_register" (adopt offending files/processes into the
	// registry) or "strict" (terminate offending processes).
	Mode string `yaml:"mode"`

	// Signatures is the explicit allow-list of command-line fragments that
	// identify agent processes. An empty list disables the process check;
	// there is deliberately no fallback to generic words like "agent".
	Signatures []string `yaml:"signatures"`

	// SweepCron optionally schedules extra scan cycles, on top of the
	// routine interval, on a standard 5-field cron expression.
	SweepCron string `yaml:"sweep_cron"`
}

// SupervisorConfig bounds process spawn and termination.
type SupervisorConfig struct {
	// SpawnGraceMillis is how long spawn waits before checking whether the
	// child already exited. Default 1500.
	SpawnGraceMillis int `yaml:"spawn_grace_millis"`

	// StopTimeoutSeconds is the graceful-termination window before a hard
	// kill. Default 10.
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`
}

// TelemetryConfig controls the OpenTelemetry metrics provider.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "stdout" or "none"
	ServiceName string `yaml:"service_name"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// AgentsDir is where agent scripts live and where discovery looks.
	// Relative paths resolve against HomeDir.
	AgentsDir string `yaml:"agents_dir"`

	LogLevel string `yaml:"log_level"`

	// Tiers maps tier name (coordinator, specialist, worker, utility) to
	// its port range. Missing tiers get the built-in defaults.
	Tiers map[string]TierConfig `yaml:"tiers"`

	// RestartSettleMillis is the delay between stop and start during a
	// restart. Default 500.
	RestartSettleMillis int `yaml:"restart_settle_millis"`

	// HeartbeatIntervalSeconds between liveness passes over active agents.
	// Default 15.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

const (
	ModeAutoRegister = "auto_register"
	ModeStrict       = "strict"
)

func defaultConfig() Config {
	return Config{
		AgentsDir:                "agents",
		LogLevel:                 "info",
		RestartSettleMillis:      500,
		HeartbeatIntervalSeconds: 15,
		Tiers: map[string]TierConfig{
			"coordinator": {PortStart: 8100, PortEnd: 8149},
			"specialist":  {PortStart: 8150, PortEnd: 8249},
			"worker":      {PortStart: 8250, PortEnd: 8449},
			"utility":     {PortStart: 8450, PortEnd: 8499},
		},
		Supervisor: SupervisorConfig{
			SpawnGraceMillis:   1500,
			StopTimeoutSeconds: 10,
		},
		Enforcement: EnforcementConfig{
			Enabled:            true,
			IntervalSeconds:    30,
			GracePeriodSeconds: 300,
			Mode:               ModeAutoRegister,
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Exporter: "stdout",
		},
	}
}

// HomeDir resolves the warden data directory: WARDEN_HOME if set,
// otherwise ~/.warden.
func HomeDir() string {
	if override := os.Getenv("WARDEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the warden home, creating the home directory
// and a default config file on first run.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create warden home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			if err := writeDefault(configPath); err != nil {
				return cfg, err
			}
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func writeDefault(path string) error {
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write default config.yaml: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.AgentsDir) == "" {
		cfg.AgentsDir = "agents"
	}
	if !filepath.IsAbs(cfg.AgentsDir) {
		cfg.AgentsDir = filepath.Join(cfg.HomeDir, cfg.AgentsDir)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RestartSettleMillis <= 0 {
		cfg.RestartSettleMillis = 500
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 15
	}
	if cfg.Supervisor.SpawnGraceMillis <= 0 {
		cfg.Supervisor.SpawnGraceMillis = 1500
	}
	if cfg.Supervisor.StopTimeoutSeconds <= 0 {
		cfg.Supervisor.StopTimeoutSeconds = 10
	}
	if cfg.Enforcement.IntervalSeconds <= 0 {
		cfg.Enforcement.IntervalSeconds = 30
	}
	if cfg.Enforcement.GracePeriodSeconds <= 0 {
		cfg.Enforcement.GracePeriodSeconds = 300
	}
	if cfg.Enforcement.Mode == "" {
		cfg.Enforcement.Mode = ModeAutoRegister
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "stdout"
	}
	if cfg.Tiers == nil {
		cfg.Tiers = defaultConfig().Tiers
	} else {
		for name, tc := range defaultConfig().Tiers {
			if _, ok := cfg.Tiers[name]; !ok {
				cfg.Tiers[name] = tc
			}
		}
	}
}

// Validate checks tier ranges (well-formed and pairwise disjoint) and the
// enforcement mode.
func (c Config) Validate() error {
	type span struct {
		name       string
		start, end int
	}
	var spans []span
	for name, tc := range c.Tiers {
		if tc.PortStart <= 0 || tc.PortEnd < tc.PortStart {
			return fmt.Errorf("tier %q: invalid port range %d-%d", name, tc.PortStart, tc.PortEnd)
		}
		spans = append(spans, span{name, tc.PortStart, tc.PortEnd})
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			a, b := spans[i], spans[j]
			if a.start <= b.end && b.start <= a.end {
				return fmt.Errorf("tier port ranges overlap: %s (%d-%d) and %s (%d-%d)",
					a.name, a.start, a.end, b.name, b.start, b.end)
			}
		}
	}
	switch c.Enforcement.Mode {
	case ModeAutoRegister, ModeStrict:
	default:
		return fmt.Errorf("enforcement.mode must be %q or %q, got %q",
			ModeAutoRegister, ModeStrict, c.Enforcement.Mode)
	}
	return nil
}

// ScanInterval returns the enforcement interval as a duration.
func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.Enforcement.IntervalSeconds) * time.Second
}

// GracePeriod returns the enforcement grace period as a duration.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Enforcement.GracePeriodSeconds) * time.Second
}

// StopTimeout returns the graceful-termination window as a duration.
func (c Config) StopTimeout() time.Duration {
	return time.Duration(c.Supervisor.StopTimeoutSeconds) * time.Second
}

// SpawnGrace returns the post-spawn early-exit window as a duration.
func (c Config) SpawnGrace() time.Duration {
	return time.Duration(c.Supervisor.SpawnGraceMillis) * time.Millisecond
}

// RestartSettle returns the stop-to-start delay during restart.
func (c Config) RestartSettle() time.Duration {
	return time.Duration(c.RestartSettleMillis) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WARDEN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WARDEN_AGENTS_DIR"); raw != "" {
		cfg.AgentsDir = raw
	}
	if raw := os.Getenv("WARDEN_SCAN_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Enforcement.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("WARDEN_GRACE_PERIOD_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Enforcement.GracePeriodSeconds = v
		}
	}
	if raw := os.Getenv("WARDEN_ENFORCEMENT_MODE"); raw != "" {
		cfg.Enforcement.Mode = raw
	}
}
