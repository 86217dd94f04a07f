package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/ethpandaops/pagesmith/pkg/generator"
	"github.com/ethpandaops/pagesmith/pkg/lock"
	"github.com/ethpandaops/pagesmith/pkg/metrics"
	"github.com/ethpandaops/pagesmith/pkg/notifier"
	"github.com/ethpandaops/pagesmith/pkg/publisher"
	"github.com/ethpandaops/pagesmith/pkg/queue"
	"github.com/ethpandaops/pagesmith/pkg/stager"
	"github.com/ethpandaops/pagesmith/pkg/store"
	"github.com/ethpandaops/pagesmith/pkg/worker"
	"github.com/sirupsen/logrus"
)

// openStore starts the configured store and migrates its schema.
func openStore(ctx context.Context, log *logrus.Logger, cfg *config.Config) (store.Store, error) {
	var st store.Store

	switch cfg.Database.Driver {
	case "sqlite":
		st = store.NewSQLiteStore(log, cfg.Database.SQLite.Path)
	case "postgres":
		st = store.NewPostgresStore(log, cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	if err := st.Start(ctx); err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Stop()

		return nil, err
	}

	return st, nil
}

// newLocker returns the per-repository lock selected by worker.lock.
func newLocker(log *logrus.Logger, cfg *config.Config, st store.Store) lock.Locker {
	if cfg.Worker.Lock == "lease" {
		return lock.NewLeaseLocker(log, st, cfg.Worker.LeaseTTL)
	}

	return lock.NewKeyedMutex()
}

// newPool builds both workers and registers them with a pool. The pool is
// not started.
func newPool(
	log *logrus.Logger,
	cfg *config.Config,
	st store.Store,
	tr queue.Transport,
	n notifier.Notifier,
	m *metrics.Metrics,
) (*worker.Pool, error) {
	apiGen, err := generator.NewAPIGenerator(log, cfg.Generator.API)
	if err != nil {
		return nil, err
	}

	renderer, err := generator.NewMarkdownRenderer(log, cfg.Generator.Markdown)
	if err != nil {
		return nil, err
	}

	deps := worker.Deps{
		Store:       st,
		Locker:      newLocker(log, cfg, st),
		Stager:      stager.New(log, cfg.Staging.Root, stager.NewGoGit(log, cfg.GitHub.Token)),
		Publisher:   publisher.New(log),
		Notifier:    n,
		Metrics:     m,
		PublishRoot: cfg.Publish.Root,
		PublicURL:   cfg.Publish.PublicURL,
		Timeout:     cfg.Worker.Timeout,
	}

	pool := worker.NewPool(log, cfg.History, tr, st, m)
	pool.Add(worker.NewAPIDocWorker(log, deps, apiGen, cfg.Generator.API.Ignore, cfg.Generator.API.Template),
		cfg.Worker.Concurrency.GenerateAPI)
	pool.Add(worker.NewPageWorker(log, deps, renderer), cfg.Worker.Concurrency.GeneratePage)

	return pool, nil
}
