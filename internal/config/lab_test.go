package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/labsweep/internal/testutil"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestDefaultLabConfig(t *testing.T) {
	cfg := DefaultLabConfig()

	if cfg.PollInterval == nil || *cfg.PollInterval != "500ms" {
		t.Errorf("Expected PollInterval '500ms', got %v", cfg.PollInterval)
	}
	if cfg.SwitchRetries == nil || *cfg.SwitchRetries != 5 {
		t.Errorf("Expected SwitchRetries 5, got %v", cfg.SwitchRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestEmptyConfigGetters(t *testing.T) {
	cfg := EmptyLabConfig()
	def := DefaultLabConfig()

	if cfg.GetPollInterval() != def.GetPollInterval() {
		t.Errorf("GetPollInterval() = %v, want %v", cfg.GetPollInterval(), def.GetPollInterval())
	}
	if cfg.GetInterDelay() != 0 {
		t.Errorf("GetInterDelay() = %v, want 0", cfg.GetInterDelay())
	}
	if cfg.GetDatabasePath() != "labsweep.db" {
		t.Errorf("GetDatabasePath() = %q, want labsweep.db", cfg.GetDatabasePath())
	}
	if cfg.GetListenAddr() != def.GetListenAddr() {
		t.Errorf("GetListenAddr() = %q, want %q", cfg.GetListenAddr(), def.GetListenAddr())
	}
	if cfg.GetBreakerCooldown() != 10*time.Second {
		t.Errorf("GetBreakerCooldown() = %v, want 10s", cfg.GetBreakerCooldown())
	}
	serial := cfg.GetSerial()
	if serial.BaudRate != 115200 || serial.Parity != "N" {
		t.Errorf("GetSerial() = %+v, want normalized defaults", serial)
	}
}

func TestLoadLabConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "lab.json", `{
  "experiment": "cooldown-3",
  "sample": "QD-7",
  "inter_delay": "2s",
  "post_switch_delay": "250ms",
  "switch_retries": 2,
  "serial_port": "/dev/ttyUSB0",
  "instruments": [
    {
      "name": "dmm",
      "address": 22,
      "init": ["*RST"],
      "parameters": [{"name": "volt", "unit": "V", "get": "READ?"}]
    }
  ]
}`)

	cfg, err := LoadLabConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.GetExperiment() != "cooldown-3" || cfg.GetSample() != "QD-7" {
		t.Errorf("identifiers = %q/%q", cfg.GetExperiment(), cfg.GetSample())
	}
	if cfg.GetInterDelay() != 2*time.Second {
		t.Errorf("GetInterDelay() = %v, want 2s", cfg.GetInterDelay())
	}
	if cfg.GetPostSwitchDelay() != 250*time.Millisecond {
		t.Errorf("GetPostSwitchDelay() = %v, want 250ms", cfg.GetPostSwitchDelay())
	}
	if cfg.GetSwitchRetries() != 2 {
		t.Errorf("GetSwitchRetries() = %d, want 2", cfg.GetSwitchRetries())
	}
	require.Len(t, cfg.Instruments, 1)
	assert.Equal(t, 22, cfg.Instruments[0].Address)
	assert.Equal(t, "READ?", cfg.Instruments[0].Parameters[0].Get)
	// Fields omitted from the file keep their defaults.
	if cfg.GetPollInterval() != 500*time.Millisecond {
		t.Errorf("GetPollInterval() = %v, want 500ms", cfg.GetPollInterval())
	}
}

func TestLoadLabConfig_Rejects(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"extension", "lab.yaml", `{}`, ".json extension"},
		{"syntax", "syntax.json", `{"inter_delay": }`, "failed to parse config JSON"},
		{"duration", "dur.json", `{"inter_delay": "soon"}`, "invalid inter_delay"},
		{"negative", "neg.json", `{"post_switch_delay": "-1s"}`, "post_switch_delay must be non-negative"},
		{"zero poll", "poll.json", `{"poll_interval": "0s"}`, "poll_interval must be positive"},
		{"retries", "retries.json", `{"switch_retries": -1}`, "switch_retries"},
		{"empty db", "db.json", `{"database_path": " "}`, "database_path"},
		{"parity", "parity.json", `{"serial": {"parity": "Q"}}`, "unsupported parity"},
		{"no port", "port.json", `{"instruments": [{"name": "a", "address": 1, "parameters": [{"name": "x", "get": "X?"}]}]}`, "require serial_port"},
		{"duplicate", "dup.json", `{"serial_port": "/dev/null", "instruments": [
			{"name": "a", "address": 1, "parameters": [{"name": "x", "get": "X?"}]},
			{"name": "a", "address": 2, "parameters": [{"name": "y", "get": "Y?"}]}]}`, "duplicate instrument"},
		{"bad instrument", "inst.json", `{"serial_port": "/dev/null", "instruments": [{"name": "a", "address": 40, "parameters": [{"name": "x", "get": "X?"}]}]}`, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, dir, tt.file, tt.body)
			_, err := LoadLabConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadLabConfig() error = %v, want containing %q", err, tt.want)
			}
		})
	}

	_, err := LoadLabConfig(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "failed to stat")

	big := writeConfig(t, dir, "big.json", `{"sample": "`+strings.Repeat("x", 1<<20)+`"}`)
	_, err = LoadLabConfig(big)
	assert.ErrorContains(t, err, "too large")
}

func TestDefaultsFileMatchesDefaults(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	def := DefaultLabConfig()
	assert.Equal(t, def.GetDatabasePath(), cfg.GetDatabasePath())
	assert.Equal(t, def.GetPollInterval(), cfg.GetPollInterval())
	assert.Equal(t, def.GetSwitchRetries(), cfg.GetSwitchRetries())
	assert.Equal(t, def.GetListenAddr(), cfg.GetListenAddr())
	assert.Equal(t, def.GetBreakerFailures(), cfg.GetBreakerFailures())
	assert.Equal(t, def.GetSerial(), cfg.GetSerial())
	assert.Equal(t, 1000, def.GetSerial().ReadTimeoutMS)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "lab.json", `{"inter_delay": "1s"}`)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *LabConfig, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, func(c *LabConfig) {
			select {
			case got <- c:
			default:
			}
		})
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch returned %v", err)
		}
	}()

	// Watch may not be registered yet, so keep rewriting until a reload arrives.
	var cfg *LabConfig
	testutil.WaitFor(t, 5*time.Second, "config reload", func() bool {
		writeConfig(t, dir, "lab.json", `{"inter_delay": "3s", "post_switch_delay": "1s"}`)
		select {
		case cfg = <-got:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	})
	assert.Equal(t, 3*time.Second, cfg.GetInterDelay())
	assert.Equal(t, time.Second, cfg.GetPostSwitchDelay())

	// Invalid edits are skipped, not delivered.
	time.Sleep(100 * time.Millisecond)
	for len(got) > 0 {
		<-got
	}
	writeConfig(t, dir, "lab.json", `{"inter_delay": "never"}`)
	writeConfig(t, dir, "other.json", `{"inter_delay": "5s"}`)
	select {
	case c := <-got:
		t.Errorf("unexpected reload %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}
