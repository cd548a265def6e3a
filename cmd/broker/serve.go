package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MaximeWewer/guacamole-session-broker/internal/broker"
	"github.com/MaximeWewer/guacamole-session-broker/internal/logging"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync loop and lifecycle observer",
		Long:  "Starts the broker daemon: the directory sync loop, the pre-warm pool manager, and the connection-state observer, plus a /metrics endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			logging.SetLevelFromString(cfg.Daemon.LogLevel)

			ctx := context.Background()
			container, err := broker.NewContainer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer container.Shutdown(ctx)

			stop := make(chan struct{})

			// Pool manager runs once at startup in addition to once per
			// sync tick (spec.md §4.4), independent of the sync loop's
			// own 10s startup delay.
			if err := container.Pool.Ensure(ctx); err != nil {
				logging.Op().Warn("startup pool ensure failed", "error", err)
			}

			go container.SyncLoop.Run(ctx, stop)
			go container.Observer.Run(ctx, stop)
			if container.Recording != nil {
				go container.Recording.Run(ctx, 5*time.Minute, stop)
			}

			var httpServer *http.Server
			if httpAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", container.Metrics.Handler())
				httpServer = &http.Server{Addr: httpAddr, Handler: mux}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("metrics server failed", "error", err)
					}
				}()
				logging.Op().Info("metrics server started", "addr", httpAddr)
			}

			logging.Op().Info("broker started",
				"orchestrator", cfg.Orchestrator.Backend,
				"sync_interval", cfg.Sync.Interval.String(),
				"poll_interval", cfg.Lifecycle.PollInterval.String())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			close(stop)

			if httpServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}

			// Give loops a short fixed grace period (200ms) to observe the
			// stop signal; a tick already in progress is not waited for.
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":9090", "Metrics HTTP address (empty disables)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	return cmd
}
