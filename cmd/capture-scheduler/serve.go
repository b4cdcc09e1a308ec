package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/capture-scheduler/internal/application"
	"github.com/example/capture-scheduler/internal/config"
	httptransport "github.com/example/capture-scheduler/internal/http"
	"github.com/example/capture-scheduler/internal/metrics"
)

func newServeCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator API and run scheduled passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func newHandler(a *app) http.Handler {
	return httptransport.NewRouter(httptransport.RouterConfig{
		Health:         httptransport.NewHealthHandler(a.store, a.reconciler, a.logger),
		Changes:        httptransport.NewChangeHandler(a.store, a.logger),
		Passes:         httptransport.NewPassHandler(a.reconciler, a.logger),
		Metrics:        metrics.Handler(),
		PassMiddleware: []func(http.Handler) http.Handler{httptransport.RequireOperatorToken(a.cfg.OperatorToken, a.logger)},
		Middleware:     []func(http.Handler) http.Handler{httptransport.RequestLogger(a.logger)},
	})
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Error("failed to close services", "error", cerr)
		}
	}()

	if cfg.PassInterval > 0 {
		go a.runPeriodically(ctx, cfg.PassInterval)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           newHandler(a),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// POST /passes blocks until the pass finishes.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "error", err)
		}
	}()

	logger.Info("capture scheduler listening", "addr", server.Addr, "terms", a.reconciler.Terms())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server encountered error: %w", err)
	}
	return nil
}

func (a *app) runPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.runAll(ctx, "", func(report application.PassReport) error {
				a.logger.InfoContext(ctx, "scheduled pass finished",
					"term_id", report.TermID,
					"enqueued", report.Enqueued,
					"errored", report.Errored,
				)
				return nil
			})
			switch {
			case err == nil:
			case errors.Is(err, application.ErrPassInProgress):
				a.logger.InfoContext(ctx, "scheduled pass skipped", "reason", "pass in progress")
			default:
				a.logger.ErrorContext(ctx, "scheduled pass failed", "error", err, "error_kind", application.ErrorKind(err))
			}
		}
	}
}
