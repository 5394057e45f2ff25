package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/app"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/traces"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, review stream and background refits",
		RunE:  runServe,
	}
	cmd.Flags().Int("port", 8080, "listen port (overrides server.port)")
	cmd.Flags().Bool("async", false, "ingest through the event bus worker (overrides server.async)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async", cfg.Server.Async,
	)

	endpoint := ""
	if cfg.Tracing.Enabled {
		endpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := traces.Init(ctx, endpoint, cfg.Tracing.ServiceName, Version, slog.Default())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	a, err := app.Build(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("shutdown incomplete", "error", err)
		}
	}()

	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:        a.Repo,
		Cache:       a.Cache,
		Bus:         a.Bus,
		Pipeline:    a.Pipeline,
		Queues:      a.Queues,
		Scorer:      a.Scorer,
		Refitter:    a.Refitter,
		Rules:       a.Rules,
		Auth:        a.Auth,
		MinTraining: cfg.Detection.MinTraining,
	}, Version)
	if err := srv.StartStream(ctx); err != nil {
		return fmt.Errorf("start review stream: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cmd.OutOrStdout(), cfg, Version)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

func printBanner(w io.Writer, cfg *domain.Config, version string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  KESTREL  explainable transaction anomaly review")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:   %s\n", version)
	fmt.Fprintf(w, "  Tier:      %s\n", cfg.Tier)
	fmt.Fprintf(w, "  Server:    http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(w, "  Threshold: %.0fth percentile\n", cfg.Detection.FlagThresholdPercentile)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Endpoints:")
	fmt.Fprintln(w, "    POST /transactions                  - Score one transaction or a batch")
	fmt.Fprintln(w, "    GET  /transactions/{id}             - Transaction with features and review item")
	fmt.Fprintln(w, "    GET  /transactions/{id}/scores      - Score history with explanations")
	fmt.Fprintln(w, "    GET  /review-queue                  - List review items")
	fmt.Fprintln(w, "    POST /review-queue/next             - Claim the next item")
	fmt.Fprintln(w, "    POST /review-queue/{id}/resolve     - Confirm or dismiss an item")
	fmt.Fprintln(w, "    POST /review-queue/{id}/archive     - Archive a resolved item")
	fmt.Fprintln(w, "    GET  /review-queue/{id}/events      - Audit trail")
	fmt.Fprintln(w, "    GET  /review-queue/stream           - WebSocket feed of queue changes")
	fmt.Fprintln(w, "    GET  /model                         - Current model run")
	fmt.Fprintln(w, "    POST /model/refit                   - Refit now")
	fmt.Fprintln(w, "    GET  /rules                         - List risk indicator rules")
	fmt.Fprintln(w, "    POST /rules                         - Create a rule")
	fmt.Fprintln(w, "    POST /rules/reload                  - Hot-reload rules")
	fmt.Fprintln(w, "    GET  /summary                       - Tenant summary")
	fmt.Fprintln(w, "    GET  /health  /ready  /metrics")
	fmt.Fprintln(w)
}
