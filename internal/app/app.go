// Package app wires the repository, cache, bus and scoring components into
// one running Kestrel instance shared by the server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/auth"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// App holds every long-lived component.
type App struct {
	Config *domain.Config

	Repo  *repository.SQLRepository
	Cache domain.Cache
	Bus   domain.EventBus

	History  *history.Provider
	Scorer   *scoring.Scorer
	Refitter *scoring.Refitter
	Rules    *rules.Engine
	Queues   *review.Manager
	Pipeline *pipeline.Pipeline
	Auth     *auth.Manager

	// Worker is set by Start when the server ingests asynchronously.
	Worker *worker.Worker

	cancel context.CancelFunc
}

// Build opens the backends named by cfg and wires the pipeline.
// Nothing runs in the background until Start.
func Build(cfg *domain.Config) (*App, error) {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	c, err := cache.New(cfg.Cache)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	b, err := bus.New(cfg.EventBus)
	if err != nil {
		c.Close()
		repo.Close()
		return nil, fmt.Errorf("event bus: %w", err)
	}
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := rules.NewEngine(repo, cfg.Detection.Workers)
	if err != nil {
		b.Close()
		c.Close()
		repo.Close()
		return nil, fmt.Errorf("rules engine: %w", err)
	}

	hist := history.NewProvider(repo, c, cfg.Detection)
	scorer := scoring.NewScorer(cfg.Detection.Forest)
	refitter := scoring.NewRefitter(scorer, hist, repo, c, cfg.Detection)
	queues := review.NewManager(repo, b, cfg.Detection)

	p := pipeline.New(pipeline.Components{
		Store:     repo,
		Cache:     c,
		Bus:       b,
		History:   hist,
		Scorer:    scorer,
		Refitter:  refitter,
		Explainer: explain.NewGenerator(cfg.Detection),
		Rules:     engine,
		Queues:    queues,
	}, cfg.Detection)

	return &App{
		Config:   cfg,
		Repo:     repo,
		Cache:    c,
		Bus:      b,
		History:  hist,
		Scorer:   scorer,
		Refitter: refitter,
		Rules:    engine,
		Queues:   queues,
		Pipeline: p,
		Auth:     auth.NewManager(repo),
	}, nil
}

// Start fits every known tenant and launches the periodic refit, the
// lease janitor, the DB stats collector and, in async mode, the worker.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.Refitter.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap models: %w", err)
	}

	go a.Refitter.Run(ctx)
	go a.Queues.Run(ctx)
	go metrics.StartDBStatsCollector(ctx, a.Repo.DB(), 15*time.Second)

	if a.Config.Server.Async {
		a.Worker = worker.NewWorker(a.Bus, a.Pipeline)
		if err := a.Worker.Start(worker.Config{}); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
	}
	return nil
}

// Close stops background work and releases the backends in reverse order.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	var errs []error
	if a.Worker != nil {
		errs = append(errs, a.Worker.Stop())
	}
	a.Pipeline.Wait()
	errs = append(errs,
		a.Rules.Close(),
		a.Bus.Close(),
		a.Cache.Close(),
		a.Repo.Close(),
	)
	return errors.Join(errs...)
}
