package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/micstream/internal/observe"
	"github.com/audiolibrelab/micstream/internal/server"
	"github.com/audiolibrelab/micstream/internal/service"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the micstream web server to control capture over HTTP and stream
samples over a WebSocket. Prometheus metrics are served on /metrics.

The server will display the local network URL for easy access from other devices.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = cfg.Server.Port
		}

		shutdownMetrics, err := observe.InitProvider(observe.ProviderConfig{})
		if err != nil {
			return fmt.Errorf("failed to init metrics: %w", err)
		}

		svc, err := service.New(cfg, cfgFile)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}

		srv := server.New(svc, cfgFile, port)
		slog.Info("micstream web server starting", "port", port, "config", cfgFile, "profile", cfg.Profile)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("Shutting down web server")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("Web server shutdown failed", "error", err)
			}
			if err := svc.Close(); err != nil {
				slog.Error("Service close failed", "error", err)
			}
			return shutdownMetrics(shutdownCtx)
		})

		if err := g.Wait(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "", "port for the web server (default from config, 8080)")
}
