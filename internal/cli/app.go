package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mvp-joe/cortexd/internal/config"
	"github.com/mvp-joe/cortexd/internal/daemon"
	"github.com/mvp-joe/cortexd/internal/embed"
	"github.com/mvp-joe/cortexd/internal/extract"
	"github.com/mvp-joe/cortexd/internal/indexer"
	"github.com/mvp-joe/cortexd/internal/storage"
	"github.com/mvp-joe/cortexd/internal/vectorstore"
)

const closeTimeout = 30 * time.Second

// appOptions select how much of the stack a command needs.
type appOptions struct {
	// exclusive takes the data directory lock. Commands that start runs or
	// change tasks need it; read-only commands do not.
	exclusive bool

	// recover runs Recovery after the lock is taken. Requires exclusive.
	recover bool

	// drain keeps change queues moving: Pending events left at startup and
	// failed events due for retry get incremental runs. Requires exclusive.
	drain bool

	// watch starts a watcher for every library with watching enabled.
	// Implies drain.
	watch bool
}

// app is the wired cortexd stack.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	lock    *daemon.DataDirLock
	store   *storage.Store
	vectors vectorstore.Client
	clients []embed.Client
	cache   *embed.Cache
	orch    *indexer.Orchestrator
	drainer *indexer.Drainer
	watches *indexer.WatchManager
	svc     *indexer.Service

	// restarted are runs Recovery restarted in this process.
	restarted []string
}

// openApp opens storage, the vector store and the embedding clients and wires
// the orchestrator and service over them. Close releases everything.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if opts.exclusive {
		if a.lock, err = daemon.AcquireDataDir(cfg.Storage.DataDir); err != nil {
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				return nil, fmt.Errorf("%w; stop it or use its MCP tools", err)
			}
			return nil, err
		}
	}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	a.store = storage.New(db)

	if a.vectors, err = vectorstore.New(ctx, cfg.ToVectorstoreConfig()); err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}

	if a.clients, err = embed.NewClients(cfg.ToClientConfigs()); err != nil {
		return nil, fmt.Errorf("failed to create embedding clients: %w", err)
	}
	selector, err := embed.NewSelector(a.clients, cfg.ToSelectorOptions()...)
	if err != nil {
		return nil, err
	}
	if a.cache, err = cfg.NewCache(); err != nil {
		return nil, err
	}
	batcher := embed.NewBatcher(selector, a.cache, cfg.ToBatcherConfig(), logger.With("component", "batcher"))

	engine := indexer.NewSyncEngine(a.store.Units, a.vectors, cfg.Indexing.VectorTimeout, logger.With("component", "sync"))
	a.orch = indexer.NewOrchestrator(a.store, extract.NewRegistry(logger.With("component", "extract")), batcher, engine, cfg.ToIndexerConfig(), logger.With("component", "orchestrator"))
	if (opts.drain || opts.watch) && a.lock != nil {
		a.drainer = indexer.NewDrainer(a.store, a.orch, logger.With("component", "drain"))
	}
	if opts.watch && a.drainer != nil {
		a.watches = indexer.NewWatchManager(a.store, a.orch, a.drainer, nil, logger.With("component", "watcher"))
	}
	a.svc = indexer.NewService(a.store, a.orch, engine, batcher, a.watches, cfg.ToWatchConfig(), logger)

	if opts.recover && a.lock != nil {
		corrections, err := indexer.NewRecovery(a.store, a.orch, logger.With("component", "recovery")).Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("recovery failed: %w", err)
		}
		for _, c := range corrections {
			if c.Kind == indexer.CorrectionTaskRestarted {
				a.restarted = append(a.restarted, c.TaskID)
			}
		}
		if len(corrections) > 0 {
			logger.Info("recovered interrupted work", "corrections", len(corrections), "restarted_runs", len(a.restarted))
		}
	}

	if a.watches != nil {
		if err := a.watches.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start watchers: %w", err)
		}
	}
	if a.drainer != nil {
		if err := a.drainer.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to drain change events: %w", err)
		}
	}
	return a, nil
}

// waitRestarted blocks until the runs Recovery restarted are finished.
func (a *app) waitRestarted(ctx context.Context) {
	for _, id := range a.restarted {
		task, err := a.svc.WaitTask(ctx, id)
		if err != nil {
			a.logger.Warn("failed to wait for recovered run", "task_id", id, "error", err)
			continue
		}
		a.logger.Info("recovered run finished", "task_id", id, "library_id", task.LibraryID, "status", task.Status)
	}
}

// Close stops watchers, cancels runs and releases every resource. Runs that
// are cancelled still persist their final status first.
func (a *app) Close() {
	if a.drainer != nil {
		a.drainer.Stop()
	}
	if a.watches != nil {
		a.watches.Stop()
	}
	if a.orch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := a.orch.Close(ctx); err != nil {
			a.logger.Warn("runs did not stop in time", "error", err)
		}
		cancel()
	}
	for _, c := range a.clients {
		_ = c.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.vectors != nil {
		if err := a.vectors.Close(); err != nil {
			a.logger.Warn("failed to close vector store", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
	if a.lock != nil {
		_ = a.lock.Release()
	}
}
