// Package config loads daemon and CLI settings from YAML with MIRROR_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/celerix-dev/celerix-mirror/internal/compress"
	"github.com/celerix-dev/celerix-mirror/internal/vault"
	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

// Config is the full configuration.
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Replay   ReplayConfig   `yaml:"replay"`
	Server   ServerConfig   `yaml:"server"`
	Access   AccessConfig   `yaml:"access"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PathsConfig locates containers and the embedded escrow store.
type PathsConfig struct {
	MirrorsDir string `yaml:"mirrors_dir"`
	DataDir    string `yaml:"data_dir"`
}

// PipelineConfig controls how recordings are saved.
type PipelineConfig struct {
	CompressionLevel int  `yaml:"compression_level"`
	Encrypt          bool `yaml:"encrypt"`
	Strength         int  `yaml:"strength"`
}

// ReplayConfig controls recording and playback.
type ReplayConfig struct {
	StopButton string `yaml:"stop_button"`
}

// ServerConfig controls the ingest and HTTP listeners.
type ServerConfig struct {
	Port       string `yaml:"port"`
	HTTPPort   string `yaml:"http_port"`
	DisableTLS bool   `yaml:"disable_tls"`
}

// AccessConfig selects the escrow backend.
type AccessConfig struct {
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	MasterKey string `yaml:"master_key"`
	// AuthFailuresPerMinute refills the per-user failed login budget.
	AuthFailuresPerMinute float64 `yaml:"auth_failures_per_minute"`
	AuthFailureBurst      int     `yaml:"auth_failure_burst"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Paths: PathsConfig{
			MirrorsDir: "mouse_mirrors",
			DataDir:    "data",
		},
		Pipeline: PipelineConfig{
			CompressionLevel: compress.LevelStandard,
			Strength:         int(vault.StrengthBasic),
		},
		Replay: ReplayConfig{StopButton: string(schema.ButtonRight)},
		Server: ServerConfig{
			Port:     "7101",
			HTTPPort: "7102",
		},
		Access: AccessConfig{
			Backend:               "file",
			AuthFailuresPerMinute: 5,
			AuthFailureBurst:      5,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("MIRROR_DATA_DIR", &c.Paths.DataDir)
	str("MIRROR_MIRRORS_DIR", &c.Paths.MirrorsDir)
	str("MIRROR_PORT", &c.Server.Port)
	str("MIRROR_HTTP_PORT", &c.Server.HTTPPort)
	str("MIRROR_REDIS_ADDR", &c.Access.RedisAddr)
	str("MIRROR_MASTER_KEY", &c.Access.MasterKey)
	str("MIRROR_LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("MIRROR_DISABLE_TLS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MIRROR_DISABLE_TLS: %w", err)
		}
		c.Server.DisableTLS = b
	}
	if c.Access.RedisAddr != "" {
		if _, ok := lookup("MIRROR_REDIS_ADDR"); ok {
			c.Access.Backend = "redis"
		}
	}
	return nil
}

// Validate checks the configuration for values the pipeline would reject.
func (c Config) Validate() error {
	var errs []error
	if c.Paths.MirrorsDir == "" {
		errs = append(errs, errors.New("paths.mirrors_dir is required"))
	}
	if !compress.ValidLevel(c.Pipeline.CompressionLevel) {
		errs = append(errs, fmt.Errorf("pipeline.compression_level %d outside 0..9", c.Pipeline.CompressionLevel))
	}
	if !vault.Strength(c.Pipeline.Strength).Valid() {
		errs = append(errs, fmt.Errorf("pipeline.strength %d must be 1, 2 or 3", c.Pipeline.Strength))
	}
	if !schema.Button(c.Replay.StopButton).Valid() {
		errs = append(errs, fmt.Errorf("replay.stop_button %q is not a known button", c.Replay.StopButton))
	}
	switch c.Access.Backend {
	case "file":
		if c.Paths.DataDir == "" {
			errs = append(errs, errors.New("paths.data_dir is required for the file backend"))
		}
	case "redis":
		if c.Access.RedisAddr == "" {
			errs = append(errs, errors.New("access.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("access.backend %q must be file or redis", c.Access.Backend))
	}
	if c.Pipeline.Encrypt && c.Access.MasterKey == "" {
		errs = append(errs, errors.New("access.master_key is required when pipeline.encrypt is set"))
	}
	if c.Access.AuthFailuresPerMinute <= 0 || c.Access.AuthFailureBurst <= 0 {
		errs = append(errs, errors.New("access auth failure limits must be positive"))
	}
	if _, err := NormalizeLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := NormalizeFormat(c.Logging.Format); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NormalizeLogLevel validates and canonicalizes a log level.
func NormalizeLogLevel(level string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return "info", nil
	case "debug":
		return "debug", nil
	case "warn", "warning":
		return "warn", nil
	case "error":
		return "error", nil
	default:
		return "", fmt.Errorf("unsupported log level %q", level)
	}
}

// NormalizeFormat validates and canonicalizes a log format.
func NormalizeFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return "json", nil
	case "console", "text":
		return "text", nil
	default:
		return "", fmt.Errorf("unsupported log format %q", format)
	}
}
