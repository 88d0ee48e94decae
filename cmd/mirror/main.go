// Command mirror inspects, replays and administers recorded pointer sessions.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-mirror/internal/config"
	"github.com/celerix-dev/celerix-mirror/internal/logging"
)

// Version is set via ldflags.
var Version = "dev"

// app holds what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "mirror",
		Short:         "Inspect, replay and administer mouse mirror recordings",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("MIRROR_CONFIG"), "YAML configuration file")
	root.PersistentFlags().String("dir", "", "container directory (overrides paths.mirrors_dir)")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newListCmd(a),
		newInspectCmd(a),
		newPlayCmd(a),
		newUsersCmd(a),
		newAccessCmd(a),
		newMigrateCmd(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.Paths.MirrorsDir = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	opts := logging.FromConfig(cfg.Logging)
	opts.Output = cmd.ErrOrStderr()
	logger, err := logging.New(opts)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}
