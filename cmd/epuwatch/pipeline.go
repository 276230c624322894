package main

import (
	"context"
	"fmt"
	"io"

	"github.com/smartem/epuwatch/internal/config"
	"github.com/smartem/epuwatch/internal/epu/daemon"
	"github.com/smartem/epuwatch/internal/epu/db"
	"github.com/smartem/epuwatch/internal/epu/memstore"
	"github.com/smartem/epuwatch/internal/epu/orphan"
	"github.com/smartem/epuwatch/internal/epu/processor"
	"github.com/smartem/epuwatch/internal/epu/queue"
	"github.com/smartem/epuwatch/internal/epu/retry"
	"github.com/smartem/epuwatch/internal/epu/schema"
	"github.com/smartem/epuwatch/internal/logging"
)

// datastore is what the pipeline needs from a backend.
type datastore interface {
	processor.Datastore
	daemon.Store
}

var (
	_ datastore = (*db.DB)(nil)
	_ datastore = (*memstore.Store)(nil)
)

// pipeline is a fully wired watcher and the resources it owns.
type pipeline struct {
	daemon *daemon.Daemon
	store  datastore
	closer io.Closer
}

// openStore opens the configured backend. The returned closer is nil for the
// in-memory store.
func openStore(ctx context.Context, c *config.Config) (datastore, io.Closer, error) {
	switch c.Store.Backend {
	case config.StoreMemory:
		return memstore.New(), nil, nil
	case config.StoreSQLite:
		database, err := db.Open(c.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := database.InitSchemaContext(ctx); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return database, database, nil
	default:
		return nil, nil, fmt.Errorf("%w %q", config.ErrUnknownStore, c.Store.Backend)
	}
}

// newPipeline wires queue, orphan manager, retry handler, processor and
// daemon for watchDir.
func newPipeline(ctx context.Context, c *config.Config, watchDir string, logs *logging.Factory) (*pipeline, error) {
	opts, err := c.QueueOptions()
	if err != nil {
		return nil, err
	}
	q, err := queue.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}

	store, closer, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}

	orphans := orphan.New(c.OrphanConfig(logs.Logger("orphan")))
	proc, err := processor.New(schema.NewManifestParser(), store, orphans, logs.Logger("processor"))
	if err != nil {
		closeQuietly(closer)
		return nil, fmt.Errorf("failed to create processor: %w", err)
	}

	d, err := daemon.New(daemon.Deps{
		Queue:     q,
		Processor: proc,
		Orphans:   orphans,
		Errors:    retry.New(c.RetryConfig(logs.Logger("retry"))),
		Store:     store,
	}, c.DaemonConfig(watchDir, logs.Logger("daemon")))
	if err != nil {
		closeQuietly(closer)
		return nil, fmt.Errorf("failed to create daemon: %w", err)
	}

	return &pipeline{daemon: d, store: store, closer: closer}, nil
}

// Close releases the datastore.
func (p *pipeline) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
