// Package config resolves agent settings from three layers: built-in
// defaults, an optional YAML file, then environment variables. Command
// flags are applied last by the CLI. Configuration is read once at
// startup; there is no runtime reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/talon/internal/batch"
	"github.com/ppiankov/talon/internal/ipc"
	"github.com/ppiankov/talon/internal/listener"
	"github.com/ppiankov/talon/internal/spool"
)

// Config holds every knob the agent and the flush subcommand accept.
type Config struct {
	Endpoint   string  `yaml:"endpoint"`
	APIKey     string  `yaml:"api_key"`
	TimeoutS   int     `yaml:"timeout_s"`
	SampleRate float64 `yaml:"sample_rate"`
	Socket     string  `yaml:"socket"`
	SpoolDir   string  `yaml:"spool_dir"`
	SpoolBytes int64   `yaml:"spool_bytes"`
	BatchSize  int     `yaml:"batch_size"`
	BatchBytes int64   `yaml:"batch_bytes"`
	BatchMS    int     `yaml:"batch_ms"`
	QueueSize  int     `yaml:"queue_size"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		TimeoutS:   8,
		SampleRate: 1.0,
		Socket:     ipc.DefaultEndpoint,
		SpoolDir:   spool.DefaultDir(),
		SpoolBytes: spool.DefaultCapBytes,
		BatchSize:  batch.DefaultSize,
		BatchBytes: batch.DefaultBytes,
		BatchMS:    int(batch.DefaultInterval / time.Millisecond),
		QueueSize:  listener.DefaultQueueSize,
	}
}

// Load resolves the effective configuration: defaults, then the YAML
// file at path when non-empty, then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TRACE_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("TRACE_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("TRACE_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TimeoutS = n
		}
	}
	if v := os.Getenv("TRACE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.SampleRate = f
		}
	}
	if v := os.Getenv("TALON_SOCK"); v != "" {
		c.Socket = v
	}
	if v := os.Getenv("TALON_SPOOL_DIR"); v != "" {
		c.SpoolDir = v
	}
}

// Timeout returns the per-attempt HTTP timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}

// BatchInterval returns the time-based flush threshold.
func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.BatchMS) * time.Millisecond
}

// Validate checks the settings needed to deliver anywhere at all.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("config: endpoint is required (flag --endpoint or TRACE_ENDPOINT)")
	}
	if c.TimeoutS <= 0 {
		return fmt.Errorf("config: timeout must be positive, got %d", c.TimeoutS)
	}
	return nil
}
