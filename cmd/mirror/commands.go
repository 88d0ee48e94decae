package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-mirror/internal/access"
	"github.com/celerix-dev/celerix-mirror/internal/container"
	"github.com/celerix-dev/celerix-mirror/internal/engine"
	"github.com/celerix-dev/celerix-mirror/internal/replay"
	"github.com/celerix-dev/celerix-mirror/internal/vault"
	"github.com/celerix-dev/celerix-mirror/pkg/schema"
	"github.com/celerix-dev/celerix-mirror/pkg/sdk"
)

// withGate opens the escrow store for the duration of fn.
func (a *app) withGate(fn func(*access.Gate) error) error {
	gate, store, err := sdk.OpenGate(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(gate)
}

// resolve accepts a bare file name or a path.
func (a *app) resolve(name string) string {
	if filepath.Base(name) == name {
		return filepath.Join(a.cfg.Paths.MirrorsDir, name)
	}
	return name
}

type credentials struct {
	username string
	password string
	strength int
}

func (c *credentials) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&c.username, "user", "u", "", "encryption user (defaults to the file owner)")
	cmd.Flags().StringVarP(&c.password, "password", "p", "", "password for encrypted recordings")
	cmd.Flags().IntVar(&c.strength, "strength", 0, "key derivation strength 1-3 (0 tries each)")
}

func (a *app) read(ctx context.Context, path string, creds credentials) (container.Container, error) {
	if creds.strength != 0 && !vault.Strength(creds.strength).Valid() {
		return container.Container{}, errors.New("strength must be 1, 2 or 3")
	}
	opts := container.ReadOptions{
		Username: creds.username,
		Password: creds.password,
		Strength: vault.Strength(creds.strength),
	}
	name, err := container.ParseName(filepath.Base(path))
	if err != nil || !name.Encrypted {
		return container.NewReader(nil, a.logger).Read(ctx, path, opts)
	}
	var c container.Container
	err = a.withGate(func(g *access.Gate) error {
		var err error
		c, err = container.NewReader(g, a.logger).Read(ctx, path, opts)
		return err
	})
	return c, err
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recordings in the container directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := container.List(a.cfg.Paths.MirrorsDir)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No recordings in %s\n", a.cfg.Paths.MirrorsDir)
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tUSER\tCREATED\tENCRYPTED\tSIZE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\n",
					e.Name, e.Name.Username, e.Name.Created.Format(time.DateTime), e.Name.Encrypted, e.Size)
			}
			return w.Flush()
		},
	}
}

func newInspectCmd(a *app) *cobra.Command {
	var creds credentials
	var events bool
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Decode a recording and print its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.read(cmd.Context(), a.resolve(args[0]), creds)
			if err != nil {
				return errors.New(schema.Describe(err))
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "File:       %s\n", c.Path)
			fmt.Fprintf(out, "File ID:    %s\n", c.FileID())
			fmt.Fprintf(out, "User:       %s\n", c.Session.Username)
			fmt.Fprintf(out, "Started:    %s\n", c.Session.StartedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Duration:   %.2fs\n", c.Session.Duration)
			fmt.Fprintf(out, "Events:     %d\n", c.Session.EventCount)
			if c.Header.Encrypted {
				fmt.Fprintf(out, "Encrypted:  yes (strength %d)\n", c.Header.Strength)
			} else {
				fmt.Fprintln(out, "Encrypted:  no")
			}
			if events {
				return printJSON(out, c.Session.Events)
			}
			return nil
		},
	}
	creds.bind(cmd)
	cmd.Flags().BoolVar(&events, "events", false, "print the decoded events as JSON")
	return cmd
}

func newPlayCmd(a *app) *cobra.Command {
	var creds credentials
	cmd := &cobra.Command{
		Use:   "play <file>",
		Short: "Replay a recording with its original timing into the log",
		Long: "Replay dispatches every event at its recorded offset. This build has no\n" +
			"OS pointer driver, so events are written to the log (a dry run).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.read(cmd.Context(), a.resolve(args[0]), creds)
			if err != nil {
				return errors.New(schema.Describe(err))
			}
			scheduler := replay.New(a.logger)
			res, err := scheduler.Replay(cmd.Context(), c.Session.Events, replay.LogSink(a.logger))
			fmt.Fprintf(cmd.OutOrStdout(), "Dispatched %d/%d events in %s (max lag %s, %d sink errors)\n",
				res.Dispatched, len(c.Session.Events), res.Elapsed.Round(time.Millisecond),
				res.MaxLag.Round(time.Millisecond), res.SinkErrors)
			return err
		},
	}
	creds.bind(cmd)
	return cmd
}

func newUsersCmd(a *app) *cobra.Command {
	users := &cobra.Command{
		Use:   "users",
		Short: "Manage encryption users",
	}
	var password string
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Register an encryption user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := container.ValidUsername(args[0]); err != nil {
				return err
			}
			return a.withGate(func(g *access.Gate) error {
				if err := g.Register(args[0], password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User %s registered\n", args[0])
				return nil
			})
		},
	}
	add.Flags().StringVarP(&password, "password", "p", "", "password (required)")
	_ = add.MarkFlagRequired("password")

	list := &cobra.Command{
		Use:   "list",
		Short: "List encryption users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withGate(func(g *access.Gate) error {
				names, err := g.Users()
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
	users.AddCommand(add, list)
	return users
}

func newAccessCmd(a *app) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "access <username> [file-id]",
		Short: "Show the files escrowed for a user, or check access to one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := args[0]
			out := cmd.OutOrStdout()
			return a.withGate(func(g *access.Gate) error {
				if len(args) == 1 {
					files, err := g.Files(user)
					if err != nil {
						return err
					}
					ids := make([]string, 0, len(files))
					for id := range files {
						ids = append(ids, id)
					}
					sort.Strings(ids)
					for _, id := range ids {
						fmt.Fprintf(out, "%s\t%s\n", id, files[id].Local().Format(time.DateTime))
					}
					return nil
				}

				fileID := args[1]
				if !g.HasAccess(user, fileID) {
					fmt.Fprintf(out, "%s has no access to %s\n", user, fileID)
					return nil
				}
				fmt.Fprintf(out, "%s has access to %s\n", user, fileID)
				if reveal {
					secret, err := g.Secret(user, fileID)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Key: %s\n", secret)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the escrowed key")
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	var from, to, redisAddr string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy escrow data between the file and redis backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if from == to {
				return errors.New("--from and --to must differ")
			}
			open := func(backend string) (engine.Store, error) {
				ac := a.cfg.Access
				ac.Backend = backend
				if redisAddr != "" {
					ac.RedisAddr = redisAddr
				}
				return sdk.OpenStore(ac, a.cfg.Paths.DataDir, a.logger)
			}
			src, err := open(from)
			if err != nil {
				return err
			}
			defer src.Close()
			dst, err := open(to)
			if err != nil {
				return err
			}
			defer dst.Close()

			n, err := engine.Migrate(src, dst)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d keys from %s to %s\n", n, from, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "file", "source backend (file or redis)")
	cmd.Flags().StringVar(&to, "to", "redis", "destination backend (file or redis)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "redis address (overrides access.redis_addr)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
