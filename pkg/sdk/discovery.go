package sdk

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/celerix-dev/celerix-mirror/internal/access"
	"github.com/celerix-dev/celerix-mirror/internal/config"
	"github.com/celerix-dev/celerix-mirror/internal/engine"
	"github.com/celerix-dev/celerix-mirror/internal/vault"
)

// OpenStore returns the escrow store selected by cfg: a shared Redis store
// for the "redis" backend, otherwise the embedded engine persisting into
// dataDir. Callers don't care which one they get.
func OpenStore(cfg config.AccessConfig, dataDir string, logger *slog.Logger) (engine.Store, error) {
	switch cfg.Backend {
	case "redis":
		store, err := engine.NewRedisStore(engine.RedisConfig{Addr: cfg.RedisAddr})
		if err != nil {
			return nil, fmt.Errorf("open redis escrow store: %w", err)
		}
		return store, nil
	case "", "file":
		store, err := engine.OpenMemStore(dataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open file escrow store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown escrow backend %q", cfg.Backend)
	}
}

// ErrNoMasterKey is returned by OpenGate when access.master_key is empty.
// Escrowed keys sealed under an empty secret could be unsealed by anyone.
var ErrNoMasterKey = errors.New("access.master_key is required to seal escrowed keys")

// OpenGate opens the configured escrow store and the access gate over it.
// The caller closes the returned store.
func OpenGate(cfg config.Config, logger *slog.Logger) (*access.Gate, engine.Store, error) {
	if cfg.Access.MasterKey == "" {
		return nil, nil, ErrNoMasterKey
	}
	store, err := OpenStore(cfg.Access, cfg.Paths.DataDir, logger)
	if err != nil {
		return nil, nil, err
	}
	perSecond := cfg.Access.AuthFailuresPerMinute / 60
	gate, err := access.New(store, vault.MasterKey(cfg.Access.MasterKey),
		access.WithLogger(logger),
		access.WithFailureLimit(perSecond, cfg.Access.AuthFailureBurst),
	)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return gate, store, nil
}
