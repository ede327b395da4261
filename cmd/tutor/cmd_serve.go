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
	"golang.org/x/sync/errgroup"

	"lateraltutor/internal/api"
	"lateraltutor/internal/logging"
)

var listenAddr string

// serveCmd runs the HTTP service
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP tutoring service",
	Long: `Starts the HTTP host. Sessions live in memory; finished sessions are
pushed to the configured storage backend (verification code first, then the
full turn log).

Shuts down gracefully on SIGINT/SIGTERM, waiting for pending pushes.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	addr := cfg.Server.Listen
	if listenAddr != "" {
		addr = listenAddr
	}
	srv := api.New(api.Options{Orchestrator: d.orch, Store: d.store, Mode: cfg.Server.Mode})
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Boot("listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Boot("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		srv.Registry().Wait()
		return err
	})
	return g.Wait()
}
