// Package cli is the correctord command line: the daemon itself plus the
// small admin commands used to seed users, projects and documents.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"correctord/internal/app"
	"correctord/internal/config"
	"correctord/internal/registry"
	"correctord/pkg/logx"

	"github.com/spf13/cobra"
)

var version = "dev"

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCmd(os.Stdout).Execute()
}

func NewRootCmd(out io.Writer) *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "correctord",
		Short:         "Fair-share correction job scheduler and worker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (json or yaml); empty uses defaults and environment")

	root.AddCommand(
		serveCmd(&cfgPath),
		migrateCmd(&cfgPath),
		userCmd(&cfgPath),
		projectCmd(&cfgPath),
		docCmd(&cfgPath),
		runCmd(&cfgPath),
		tokenCmd(&cfgPath),
	)
	return root
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, workers and (optionally) the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			reason := app.StopUnknown
			select {
			case sig := <-sigCh:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

func migrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the registry schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, s, err := openRegistry(*cfgPath)
			if err != nil {
				return err
			}
			defer reg.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "registry ready (%s)\n", s.StorageDriver)
			return nil
		},
	}
}

// openRegistry loads the config the way serve does and opens only the registry.
func openRegistry(cfgPath string) (registry.Registry, config.Settings, error) {
	if err := config.LoadDotEnv(config.DotEnvPaths(cfgPath)...); err != nil {
		return nil, config.Settings{}, err
	}
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, config.Settings{}, err
	}
	s, err := cfg.Resolve()
	if err != nil {
		return nil, config.Settings{}, err
	}
	reg, err := registry.Open(registry.Config{
		Driver:      s.StorageDriver,
		Path:        s.StoragePath,
		DSN:         s.StorageDSN,
		BusyTimeout: s.BusyTimeout,
	}, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return nil, config.Settings{}, err
	}
	return reg, s, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
