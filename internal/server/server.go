// Package server assembles the HTTP surface and runs it until the
// context is canceled.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bikenow/ridestats/internal/config"
	"github.com/bikenow/ridestats/internal/health"
	imw "github.com/bikenow/ridestats/internal/middleware"
	"github.com/bikenow/ridestats/internal/router"
)

// Deps carries the wired components the server exposes.
type Deps struct {
	Router *router.Router
	Pinger health.Pinger // nil for stores with no ping
}

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) error {
	r := chi.NewRouter()
	r.Use(imw.Recover())
	r.Use(imw.Logging(logger))
	r.Use(imw.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(deps.Pinger))
	r.Handle("/metrics", promhttp.Handler())

	deps.Router.Mount(r)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
