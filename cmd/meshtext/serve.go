package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/injector"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node and its chat gateway",
	Long: `Open the configured link, start the node and serve the chat gateway
until interrupted or until the link peer goes away.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, cleanup, err := injector.InitializeRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		cleanup()
		_ = rt.Logger.Sync()
	}()

	var srv *http.Server
	if cfg.Gateway.Listen != "" {
		srv = &http.Server{
			Addr:              cfg.Gateway.Listen,
			Handler:           rt.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.Logger.Error("Chat gateway stopped", log.Error(err))
				stop()
			}
		}()
		rt.Logger.Info("Chat gateway listening",
			log.String("addr", cfg.Gateway.Listen), log.String("path", cfg.Gateway.Path))
	}

	var linkDone <-chan struct{}
	if d, ok := rt.Link.(interface{ Done() <-chan struct{} }); ok {
		linkDone = d.Done()
	}

	select {
	case <-ctx.Done():
		rt.Logger.Info("Shutting down")
	case <-linkDone:
		rt.Logger.Warn("Link peer disconnected, shutting down")
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			rt.Logger.Error("Error stopping chat gateway", log.Error(err))
		}
	}
	return nil
}
