// Command mirrord is the mirror daemon: it accepts pointer samples from a hook
// process over TCP, saves finished recordings and serves the management API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/celerix-dev/celerix-mirror/internal/api"
	"github.com/celerix-dev/celerix-mirror/internal/capture"
	"github.com/celerix-dev/celerix-mirror/internal/config"
	"github.com/celerix-dev/celerix-mirror/internal/container"
	"github.com/celerix-dev/celerix-mirror/internal/logging"
	"github.com/celerix-dev/celerix-mirror/internal/metrics"
	"github.com/celerix-dev/celerix-mirror/internal/server"
	"github.com/celerix-dev/celerix-mirror/internal/vault"
	"github.com/celerix-dev/celerix-mirror/pkg/schema"
	"github.com/celerix-dev/celerix-mirror/pkg/sdk"
)

// Version is set via ldflags.
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:          "mirrord",
		Short:        "Mouse mirror daemon",
		Version:      Version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.FromConfig(cfg.Logging))
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("MIRROR_CONFIG"), "YAML configuration file")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// daemon is the wired set of components.
type daemon struct {
	router *server.Router
	http   *http.Server
	close  func() error
}

func build(cfg config.Config, logger *slog.Logger) (*daemon, error) {
	if err := os.MkdirAll(cfg.Paths.MirrorsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create mirrors dir: %w", err)
	}

	m := metrics.New()
	gate, store, err := sdk.OpenGate(cfg, logger)
	if err != nil {
		return nil, err
	}

	writer := container.NewWriter(cfg.Paths.MirrorsDir, gate, logger)
	writer.Level = cfg.Pipeline.CompressionLevel
	writer.Strength = vault.Strength(cfg.Pipeline.Strength)
	writer.Observer = m

	reader := container.NewReader(gate, logger)
	reader.Observer = m

	stopButton := schema.Button(cfg.Replay.StopButton)
	recorder := capture.NewRecorder(
		capture.WithLogger(logger),
		capture.WithStop(func(s capture.Sample) bool {
			return s.Kind == schema.KindButtonDown && s.Button == stopButton
		}),
	)

	router := server.NewRouter(recorder, writer, logger)
	router.Strength = writer.Strength
	router.RequireEncryption = cfg.Pipeline.Encrypt
	router.SetObserver(m)
	if !cfg.Server.DisableTLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("generate TLS certificate: %w", err)
		}
		router.SetCertificate(cert)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), api.CORS(), api.Instrument(m))
	h := &api.Handler{Dir: cfg.Paths.MirrorsDir, Reader: reader, Users: gate}
	h.Register(engine)
	engine.GET("/metrics", gin.WrapH(m.Handler()))

	return &daemon{
		router: router,
		http: &http.Server{
			Addr:              net.JoinHostPort("", cfg.Server.HTTPPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		close: store.Close,
	}, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	d, err := build(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("mirror daemon starting",
		"version", Version,
		"mirrors_dir", cfg.Paths.MirrorsDir,
		"backend", cfg.Access.Backend,
		"tls", !cfg.Server.DisableTLS,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.router.Listen(gctx, net.JoinHostPort("", cfg.Server.Port))
	})
	g.Go(func() error {
		logger.Info("http api listening", "addr", d.http.Addr)
		if err := d.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = d.router.Stop()
		return d.http.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutting down, finalizing escrow writes")
	if cerr := d.close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
