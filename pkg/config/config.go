// Package config provides the run configuration for datapm transfers.
//
// The configuration is organized into logical sections:
//   - Batch: object batching limits applied ahead of sink writers
//   - Progress: throughput event interval
//   - Labels: content label detector sampling
//   - Logging: zap logger settings
//   - Observability: metrics endpoint and tracing
//
// Example usage:
//
//	cfg, err := config.Load("datapm.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Batch.MaxSize = 5000
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/logger"
)

// EnvPrefix is the prefix for environment overrides, e.g. DATAPM_BATCH_MAX_SIZE
const EnvPrefix = "DATAPM"

// RunConfig is the configuration shared by every command of one process
type RunConfig struct {
	// Batch settings control the object batching stage sinks may request
	Batch BatchConfig `mapstructure:"batch" yaml:"batch" json:"batch"`

	// Progress controls throughput reporting
	Progress ProgressConfig `mapstructure:"progress" yaml:"progress" json:"progress"`

	// Labels controls content label detection
	Labels LabelsConfig `mapstructure:"labels" yaml:"labels" json:"labels"`

	// Logging configures the global zap logger
	Logging logger.Config `mapstructure:"logging" yaml:"logging" json:"logging"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability" json:"observability"`
}

// BatchConfig contains record batching settings.
type BatchConfig struct {
	// MaxSize is the number of records flushed together
	MaxSize int `mapstructure:"max_size" yaml:"max_size" json:"max_size"`
	// MaxDelay flushes a partial batch after the first buffered record waited this long
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay" json:"max_delay"`
	// ChannelBuffer is the capacity of channels between stages
	ChannelBuffer int `mapstructure:"channel_buffer" yaml:"channel_buffer" json:"channel_buffer"`
}

// ProgressConfig contains throughput reporting settings.
type ProgressConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
}

// LabelsConfig contains label detector settings.
type LabelsConfig struct {
	// Seed for the sampling random source. Zero seeds from the clock.
	Seed int64 `mapstructure:"seed" yaml:"seed" json:"seed"`
	// Disabled turns off content label detection entirely
	Disabled bool `mapstructure:"disabled" yaml:"disabled" json:"disabled"`
}

// ObservabilityConfig contains metrics and tracing settings.
type ObservabilityConfig struct {
	// MetricsAddr serves prometheus metrics when not empty, e.g. ":9090"
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr" json:"metrics_addr"`
	// TracingEnabled exports spans to stdout
	TracingEnabled bool `mapstructure:"tracing_enabled" yaml:"tracing_enabled" json:"tracing_enabled"`
	// ServiceName used as the trace resource name
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
}

// NewRunConfig creates a configuration with sensible defaults
func NewRunConfig() *RunConfig {
	return &RunConfig{
		Batch: BatchConfig{
			MaxSize:       1000,
			MaxDelay:      500 * time.Millisecond,
			ChannelBuffer: 2,
		},
		Progress: ProgressConfig{
			Interval: time.Second,
		},
		Logging: logger.Config{
			Level:    "info",
			Encoding: "console",
		},
		Observability: ObservabilityConfig{
			ServiceName: "datapm",
		},
	}
}

// Validate checks the configuration for invalid values
func (c *RunConfig) Validate() error {
	if c.Batch.MaxSize <= 0 {
		return errors.Newf(errors.ErrorTypeConfig, "batch.max_size must be positive, got %d", c.Batch.MaxSize)
	}
	if c.Batch.MaxDelay < 0 {
		return errors.New(errors.ErrorTypeConfig, "batch.max_delay must not be negative")
	}
	if c.Batch.ChannelBuffer < 0 {
		return errors.New(errors.ErrorTypeConfig, "batch.channel_buffer must not be negative")
	}
	if c.Progress.Interval <= 0 {
		return errors.New(errors.ErrorTypeConfig, "progress.interval must be positive")
	}
	return nil
}

// Load reads the run configuration from a file and the environment. An empty
// path searches datapm.yaml in ~/.config and the working directory; a missing
// file is not an error.
func Load(cfgFile string) (*RunConfig, error) {
	v := viper.New()
	setDefaults(v, NewRunConfig())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("datapm")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "error reading config file")
		}
	}

	cfg := &RunConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "unable to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override values that
// are absent from the file.
func setDefaults(v *viper.Viper, d *RunConfig) {
	v.SetDefault("batch.max_size", d.Batch.MaxSize)
	v.SetDefault("batch.max_delay", d.Batch.MaxDelay)
	v.SetDefault("batch.channel_buffer", d.Batch.ChannelBuffer)
	v.SetDefault("progress.interval", d.Progress.Interval)
	v.SetDefault("labels.seed", d.Labels.Seed)
	v.SetDefault("labels.disabled", d.Labels.Disabled)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("observability.metrics_addr", d.Observability.MetricsAddr)
	v.SetDefault("observability.tracing_enabled", d.Observability.TracingEnabled)
	v.SetDefault("observability.service_name", d.Observability.ServiceName)
}
