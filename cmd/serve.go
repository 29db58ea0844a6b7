package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"conductor/internal/app"
)

// newServeCmd creates the command that runs the control plane until
// interrupted.
func newServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		silent     bool
		noMetrics  bool
		noWatch    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conductor control plane",
		Long: `Starts the lifecycle manager, batch coordinator, and automation
engine against the configured plugins, serves Prometheus metrics, and
hot-reloads automation rule files until interrupted.

Configuration is loaded from ~/.config/conductor by default. Use
--config-path to point at a directory containing config.yaml and a
rules/ subdirectory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var s *spinner.Spinner
			if !silent {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Starting conductor..."
				s.Start()
			}

			application, err := app.NewApplication(app.Options{
				ConfigPath:     configPath,
				Debug:          debug,
				Silent:         silent,
				DisableMetrics: noMetrics,
				DisableWatcher: noWatch,
			})
			if s != nil {
				s.Stop()
			}
			if err != nil {
				return fmt.Errorf("failed to start conductor: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Tell systemd we are ready; outside systemd this is a no-op.
			if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err == nil && sent {
				defer daemon.SdNotify(false, daemon.SdNotifyStopping)
			}

			return application.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config-path", "", "Configuration directory (default ~/.config/conductor)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().BoolVar(&silent, "silent", false, "Suppress all output")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "Disable the Prometheus endpoint")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Disable rule file hot reload")
	return cmd
}
