package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.yaml")
	content := `
paths:
  mirrors_dir: /var/lib/mirror/containers
pipeline:
  compression_level: 9
  encrypt: true
  strength: 3
access:
  master_key: s3cret
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paths.MirrorsDir != "/var/lib/mirror/containers" {
		t.Errorf("unexpected mirrors dir %s", cfg.Paths.MirrorsDir)
	}
	if cfg.Pipeline.CompressionLevel != 9 || !cfg.Pipeline.Encrypt || cfg.Pipeline.Strength != 3 {
		t.Errorf("unexpected pipeline %+v", cfg.Pipeline)
	}
	if cfg.Paths.DataDir != "data" {
		t.Errorf("unset keys should keep defaults, got data dir %q", cfg.Paths.DataDir)
	}
	if cfg.Server.Port != "7101" {
		t.Errorf("expected default port, got %s", cfg.Server.Port)
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"MIRROR_DATA_DIR":    "/tmp/escrow",
		"MIRROR_PORT":        "9000",
		"MIRROR_DISABLE_TLS": "true",
		"MIRROR_REDIS_ADDR":  "localhost:6379",
		"MIRROR_LOG_LEVEL":   "warn",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("applyEnv failed: %v", err)
	}
	if cfg.Paths.DataDir != "/tmp/escrow" || cfg.Server.Port != "9000" || !cfg.Server.DisableTLS {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Access.Backend != "redis" || cfg.Access.RedisAddr != "localhost:6379" {
		t.Errorf("redis address should select the redis backend: %+v", cfg.Access)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("unexpected level %s", cfg.Logging.Level)
	}
}

func TestEnvOverrideBadBool(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "MIRROR_DISABLE_TLS" {
			return "maybe", true
		}
		return "", false
	})
	if err == nil {
		t.Fatal("expected error for bad boolean")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.CompressionLevel = 12
	cfg.Pipeline.Strength = 7
	cfg.Access.Backend = "etcd"
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"compression_level", "strength", "access.backend", "log level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateEncryptionNeedsMasterKey(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Encrypt = true
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "access.master_key") {
		t.Fatalf("expected master key error, got %v", err)
	}

	cfg.Access.MasterKey = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
