// Package config loads the process-wide Config from a file, environment
// variables, and defaults, following the usual viper precedence: CLI
// flags (applied by the caller) override environment, which overrides
// the config file, which overrides defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kisekifs/kiseki/internal/bytesize"
)

// Config is the root configuration for the kiseki data path.
type Config struct {
	DiskPool    DiskPoolConfig    `mapstructure:"disk_pool" yaml:"disk_pool"`
	Chunk       ChunkConfig       `mapstructure:"chunk" yaml:"chunk"`
	Flusher     FlusherConfig     `mapstructure:"flusher" yaml:"flusher"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store" yaml:"object_store"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
}

// DiskPoolConfig sizes the mmap-backed page pool.
type DiskPoolConfig struct {
	Path     string          `mapstructure:"path" validate:"required" yaml:"path"`
	PageSize bytesize.Size   `mapstructure:"page_size" validate:"required,gt=0" yaml:"page_size"`
	Capacity bytesize.Size   `mapstructure:"capacity" validate:"required,gt=0" yaml:"capacity"`
}

// ChunkConfig sizes FileWriter's chunk/block split.
type ChunkConfig struct {
	ChunkSize bytesize.Size `mapstructure:"chunk_size" validate:"required,gt=0" yaml:"chunk_size"`
	BlockSize bytesize.Size `mapstructure:"block_size" validate:"required,gt=0" yaml:"block_size"`
}

// FlusherConfig tunes BackgroundFlusher and FileReader read-ahead.
type FlusherConfig struct {
	QueueDepth          int           `mapstructure:"queue_depth" validate:"required,gt=0" yaml:"queue_depth"`
	EarlyFlushThreshold bytesize.Size `mapstructure:"early_flush_threshold" validate:"gte=0" yaml:"early_flush_threshold"`
	ReadAheadWindow     bytesize.Size `mapstructure:"read_ahead_window" validate:"gte=0" yaml:"read_ahead_window"`
}

// ObjectStoreConfig selects and configures the object-store backend.
type ObjectStoreConfig struct {
	Kind      string `mapstructure:"kind" validate:"required,oneof=memory s3" yaml:"kind"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// LoggingConfig controls internal/logger's handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled  bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`
}

// Load reads configuration from configPath (or the default search path
// when empty), layering in KISEKI_-prefixed environment overrides, and
// returns a fully defaulted and validated Config.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
			return nil, fmt.Errorf("config: unmarshal: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the sizing a fresh, unconfigured node starts
// from.
func DefaultConfig() *Config {
	return &Config{
		DiskPool: DiskPoolConfig{
			Path:     filepath.Join(os.TempDir(), "kiseki-pool.dat"),
			PageSize: bytesize.MiB,
			Capacity: 1 << 10 * bytesize.MiB,
		},
		Chunk: ChunkConfig{
			ChunkSize: 64 * bytesize.MiB,
			BlockSize: 4 * bytesize.MiB,
		},
		Flusher: FlusherConfig{
			QueueDepth:          16,
			EarlyFlushThreshold: 4 * bytesize.MiB,
			ReadAheadWindow:     32 * bytesize.KiB,
		},
		ObjectStore: ObjectStoreConfig{
			Kind: "memory",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9090",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 1.0,
		},
	}
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Dump renders cfg as YAML using the same field tags the config file
// itself is parsed with, so "kiseki config" output can be fed straight
// back in as a starting point.
func Dump(cfg *Config) (string, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config: marshal: %w", err)
	}
	return string(out), nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("KISEKI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read: %w", err)
	}
	return true, nil
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "kiseki")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "kiseki")
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.Size(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseSize(v)
		case int:
			return bytesize.Size(v), nil
		case int64:
			return bytesize.Size(v), nil
		case float64:
			return bytesize.Size(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
