package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical lab defaults file.
const DefaultConfigPath = "config/lab.defaults.json"

// LabConfig is the daemon's configuration. Every field is optional; the Get*
// methods fall back to defaults for anything the file leaves out.
type LabConfig struct {
	// Storage
	DatabasePath *string `json:"database_path,omitempty"`
	Experiment   *string `json:"experiment,omitempty"`
	Sample       *string `json:"sample,omitempty"`

	// Queue timing, duration strings like "500ms"
	InterDelay      *string `json:"inter_delay,omitempty"`
	PostSwitchDelay *string `json:"post_switch_delay,omitempty"`
	PollInterval    *string `json:"poll_interval,omitempty"`
	SwitchRetries   *int    `json:"switch_retries,omitempty"`

	// Output
	PlotDir    *string `json:"plot_dir,omitempty"`
	ListenAddr *string `json:"listen_addr,omitempty"`

	// Instrument bus
	SerialPort      *string                     `json:"serial_port,omitempty"`
	Serial          *serialmux.PortOptions      `json:"serial,omitempty"`
	BreakerFailures *int                        `json:"breaker_failures,omitempty"`
	BreakerCooldown *string                     `json:"breaker_cooldown,omitempty"`
	Instruments     []instrument.InstrumentSpec `json:"instruments,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyLabConfig returns a LabConfig with every field unset.
func EmptyLabConfig() *LabConfig {
	return &LabConfig{}
}

// DefaultLabConfig returns a LabConfig with every scalar field set to its
// default.
func DefaultLabConfig() *LabConfig {
	return &LabConfig{
		DatabasePath:    ptrString("labsweep.db"),
		Experiment:      ptrString("default"),
		Sample:          ptrString("default"),
		InterDelay:      ptrString("0s"),
		PostSwitchDelay: ptrString("0s"),
		PollInterval:    ptrString("500ms"),
		SwitchRetries:   ptrInt(5),
		PlotDir:         ptrString(""),
		ListenAddr:      ptrString("localhost:8080"),
		SerialPort:      ptrString(""),
		BreakerFailures: ptrInt(5),
		BreakerCooldown: ptrString("10s"),
	}
}

// LoadLabConfig loads a LabConfig from a JSON file. The file must have a
// .json extension and be under 1MB.
func LoadLabConfig(path string) (*LabConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyLabConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory or
// one of its parents. It panics on failure and is meant for test setup.
func MustLoadDefaultConfig() *LabConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/sweepd/
	}
	for _, path := range candidates {
		if cfg, err := LoadLabConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func checkDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *v)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *LabConfig) Validate() error {
	for name, v := range map[string]*string{
		"inter_delay":       c.InterDelay,
		"post_switch_delay": c.PostSwitchDelay,
		"poll_interval":     c.PollInterval,
		"breaker_cooldown":  c.BreakerCooldown,
	} {
		if err := checkDuration(name, v); err != nil {
			return err
		}
	}
	if c.PollInterval != nil && *c.PollInterval != "" && c.GetPollInterval() == 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.SwitchRetries != nil && *c.SwitchRetries < 0 {
		return fmt.Errorf("switch_retries must be non-negative, got %d", *c.SwitchRetries)
	}
	if c.BreakerFailures != nil && *c.BreakerFailures < 0 {
		return fmt.Errorf("breaker_failures must be non-negative, got %d", *c.BreakerFailures)
	}
	if c.DatabasePath != nil && strings.TrimSpace(*c.DatabasePath) == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if err := inst.Validate(); err != nil {
			return err
		}
		if seen[inst.Name] {
			return fmt.Errorf("duplicate instrument %q", inst.Name)
		}
		seen[inst.Name] = true
	}
	if len(c.Instruments) > 0 && c.GetSerialPort() == "" {
		return fmt.Errorf("instruments require serial_port")
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

// GetDatabasePath returns the database_path value or the default.
func (c *LabConfig) GetDatabasePath() string {
	return stringOr(c.DatabasePath, "labsweep.db")
}

// GetExperiment returns the experiment value or the default.
func (c *LabConfig) GetExperiment() string {
	return stringOr(c.Experiment, "default")
}

// GetSample returns the sample value or the default.
func (c *LabConfig) GetSample() string {
	return stringOr(c.Sample, "default")
}

// GetInterDelay returns the delay before each queued sweep.
func (c *LabConfig) GetInterDelay() time.Duration {
	return durationOr(c.InterDelay, 0)
}

// GetPostSwitchDelay returns the delay after each database switch.
func (c *LabConfig) GetPostSwitchDelay() time.Duration {
	return durationOr(c.PostSwitchDelay, 0)
}

// GetPollInterval returns how often the queue polls its current action.
func (c *LabConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 500*time.Millisecond)
}

// GetSwitchRetries returns the switch_retries value or the default.
func (c *LabConfig) GetSwitchRetries() int {
	if c.SwitchRetries == nil {
		return 5
	}
	return *c.SwitchRetries
}

// GetPlotDir returns the directory for rendered plots; empty disables them.
func (c *LabConfig) GetPlotDir() string {
	return stringOr(c.PlotDir, "")
}

// GetListenAddr returns the HTTP listen address.
func (c *LabConfig) GetListenAddr() string {
	return stringOr(c.ListenAddr, "localhost:8080")
}

// GetSerialPort returns the GPIB controller's serial device; empty means no
// hardware bus.
func (c *LabConfig) GetSerialPort() string {
	return stringOr(c.SerialPort, "")
}

// GetSerial returns the serial line settings with defaults applied.
func (c *LabConfig) GetSerial() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if n, err := opts.Normalize(); err == nil {
		return n
	}
	return opts
}

// GetBreakerFailures returns the consecutive bus failures that open the
// circuit breaker; zero disables it.
func (c *LabConfig) GetBreakerFailures() int {
	if c.BreakerFailures == nil {
		return 5
	}
	return *c.BreakerFailures
}

// GetBreakerCooldown returns how long an open breaker rejects exchanges.
func (c *LabConfig) GetBreakerCooldown() time.Duration {
	return durationOr(c.BreakerCooldown, 10*time.Second)
}
