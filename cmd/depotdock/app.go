// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/depotdock/depotdock/internal/catalog"
	"github.com/depotdock/depotdock/internal/config"
	"github.com/depotdock/depotdock/internal/fetch"
	"github.com/depotdock/depotdock/internal/migrate"
	"github.com/depotdock/depotdock/internal/state"
)

// App wires CLI services and shared dependencies. It is the composition root
// for the CLI layer: command handlers obtain the config, state store, catalog
// cache, and download orchestrator through it, so tests can substitute any of
// them.
type App struct {
	cfg    *config.Config
	logger *log.Logger

	store *state.Store
	cache *catalog.Cache
	orch  *fetch.Orchestrator
}

// newApp loads configuration and builds the composition root. The state
// store and catalog connection are opened lazily by the accessors.
func newApp(ctx context.Context) (*App, error) {
	cfg, err := config.Load(ctx, config.WithFile(cfgFile))
	if err != nil {
		return nil, err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}

	return &App{cfg: cfg, logger: logger}, nil
}

// Store opens the managed-state file on first use, creating the install root
// when missing.
func (a *App) Store() (*state.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := os.MkdirAll(a.cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating install root %s: %w", a.cfg.Root, err)
	}
	store, err := state.Open(a.cfg.StatePath())
	if err != nil {
		return nil, err
	}
	if a.cfg.MaxRecentBuilds > 0 {
		if err := store.SetMaxRecentBuilds(a.cfg.MaxRecentBuilds); err != nil {
			return nil, err
		}
	}
	a.store = store
	return store, nil
}

// Cache builds the catalog resolution cache on first use. The underlying
// connection authenticates lazily on the first resolution call.
func (a *App) Cache() (*catalog.Cache, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	if a.cfg.Catalog.URL == "" {
		return nil, fmt.Errorf("catalog.url is not configured")
	}
	if a.cfg.Catalog.ProductID == "" {
		return nil, fmt.Errorf("catalog.product_id is not configured")
	}

	conn := catalog.NewConn(a.cfg.Catalog.ProductID,
		catalog.WithBaseURL(a.cfg.Catalog.URL),
		catalog.WithCredentials(a.cfg.Catalog.Username, a.cfg.Secret()),
		catalog.WithUserAgent("depotdock/"+Version),
	)
	a.cache = catalog.NewCache(conn,
		catalog.WithTTL(a.cfg.Catalog.CacheTTL),
		catalog.WithLogger(a.logger),
	)
	return a.cache, nil
}

// Orchestrator builds the download orchestrator on first use.
func (a *App) Orchestrator() (*fetch.Orchestrator, error) {
	if a.orch != nil {
		return a.orch, nil
	}
	if a.cfg.Downloader.Path == "" {
		return nil, fmt.Errorf("downloader.path is not configured")
	}
	cache, err := a.Cache()
	if err != nil {
		return nil, err
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}

	a.orch = fetch.New(fetch.Config{
		Root:            a.cfg.Root,
		ProductID:       a.cfg.Catalog.ProductID,
		DownloaderPath:  a.cfg.Downloader.Path,
		Username:        a.cfg.Catalog.Username,
		Secret:          a.cfg.Secret(),
		ConflictProcess: a.cfg.Downloader.ConflictProcess,
	}, cache, store, fetch.WithOrchestratorLogger(a.logger))
	return a.orch, nil
}

// Migrator builds a migration engine over the configured install root.
func (a *App) Migrator() (*migrate.Engine, error) {
	store, err := a.Store()
	if err != nil {
		return nil, err
	}
	return migrate.NewEngine(a.cfg.Root, store, migrate.WithLogger(a.logger)), nil
}

// StartChangeWatcher launches the catalog change-signal watcher when a
// change-number file is configured. The returned stop function is a no-op
// when nothing is watched.
func (a *App) StartChangeWatcher(ctx context.Context) (stop func(), err error) {
	if a.cfg.Catalog.ChangeNumberFile == "" {
		return func() {}, nil
	}
	cache, err := a.Cache()
	if err != nil {
		return nil, err
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}

	w := catalog.NewWatcher(a.cfg.Catalog.ChangeNumberFile, cache,
		catalog.WithInitialChangeNumber(store.LastChangeNumber()),
		catalog.WithWatcherLogger(a.logger),
		catalog.WithChangeCallback(func(n uint64) {
			if err := store.SetLastChangeNumber(n); err != nil {
				a.logger.Warn("persisting change number failed", "err", err)
			}
		}),
	)

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(wctx); err != nil && wctx.Err() == nil {
			a.logger.Warn("change watcher stopped", "err", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}
