// Package app wires the tabulard components together and manages their lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/tabulard/tabulard/internal/api/http"
	"github.com/tabulard/tabulard/internal/catalog"
	"github.com/tabulard/tabulard/internal/config"
	"github.com/tabulard/tabulard/internal/engine"
	"github.com/tabulard/tabulard/internal/index"
	"github.com/tabulard/tabulard/internal/ingest"
	"github.com/tabulard/tabulard/internal/observability"
	"github.com/tabulard/tabulard/internal/server"
	"github.com/tabulard/tabulard/internal/storage"
)

const (
	// statsWindow is how long an untouched table stays in the access stats.
	statsWindow = 24 * time.Hour

	// statsPruneInterval is how often expired access stats are dropped.
	statsPruneInterval = 10 * time.Minute
)

// App owns every long-lived tabulard component.
type App struct {
	cfg     *config.Config
	secrets *config.Secrets
	logger  *slog.Logger

	engine   *engine.Handle
	storage  storage.ObjectStorage
	index    *index.Cache
	stats    *observability.TableStats
	catalog  *catalog.Catalog
	resolver *ingest.Resolver
	handler  http.Handler

	httpServer *http.Server
	listener   net.Listener
	shutdown   *server.Manager

	mu      sync.Mutex
	running bool
	serveCh chan error
}

// New validates cfg and prepares its directories. Nothing is opened until Start.
func New(cfg *config.Config, secrets *config.Secrets, logger *slog.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	if secrets == nil {
		secrets = &config.Secrets{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &App{
		cfg:      cfg,
		secrets:  secrets,
		logger:   logger,
		shutdown: server.NewManager(server.DefaultConfig(), logger),
		serveCh:  make(chan error, 1),
	}, nil
}

// Start opens the engine, builds the API and begins serving. It fails fast
// when the engine cannot be opened or the address cannot be bound.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	if err := a.initResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize resources: %w", err)
	}

	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		a.cleanup()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Addr(), err)
	}
	a.listener = ln

	a.httpServer = &http.Server{
		Handler:      a.shutdown.Middleware(a.handler),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.shutdown.RegisterServer(a.httpServer)
	go func() {
		err := a.shutdown.Serve(a.httpServer, ln)
		if err != nil {
			a.logger.Error("HTTP server failed", "error", err)
		}
		a.serveCh <- err
	}()

	a.logger.Info("tabulard started", "addr", ln.Addr().String(), "database", a.engine.Path())
	return nil
}

// initResources builds the component graph in dependency order. Each
// resource is registered with the shutdown manager as soon as it exists.
func (a *App) initResources(ctx context.Context) error {
	a.engine = engine.New(a.logger)
	if err := a.engine.Init(ctx, a.secrets, a.cfg); err != nil {
		return err
	}
	a.shutdown.RegisterFunc("engine", a.engine.Close)

	store, err := a.openStorage(ctx)
	if err != nil {
		return err
	}
	a.storage = store

	a.index = index.NewCache(store,
		index.WithTTL(a.cfg.Index.TTL),
		index.WithScheme(a.cfg.Index.Scheme),
		index.WithLogger(a.logger),
	)

	a.stats = observability.NewTableStats(statsWindow)
	a.shutdown.Every("stats-prune", statsPruneInterval, a.stats.Prune)

	a.catalog = catalog.New(a.engine,
		catalog.WithLogger(a.logger),
		catalog.WithRecorder(a.stats),
	)

	a.resolver = ingest.NewResolver(store, a.cfg.DataDir,
		ingest.WithScheme(a.cfg.Index.Scheme),
		ingest.WithDownloadCache(ingest.NewDownloadCache(a.cfg.Ingest.CacheMaxBytes, a.cfg.Ingest.CacheTTL)),
		ingest.WithLogger(a.logger),
	)

	a.handler = httpapi.NewServer(httpapi.Options{
		Catalog:     a.catalog,
		Resolver:    a.resolver,
		Searcher:    a.index,
		Browser:     store,
		Stats:       a.stats,
		Pinger:      a.engine,
		CORSOrigins: a.cfg.CORSOrigins,
		StaticDir:   a.cfg.StaticDir,
		Logger:      a.logger,
	})
	return nil
}

func (a *App) openStorage(ctx context.Context) (storage.ObjectStorage, error) {
	switch a.cfg.Storage.Type {
	case "local":
		store, err := storage.NewLocalStorage(a.cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create local storage: %w", err)
		}
		a.logger.Info("using local object storage", "path", a.cfg.Storage.Path)
		return store, nil
	default:
		sc := a.engine.ObjectStoreConfig()
		store, err := storage.NewS3Storage(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 storage: %w", err)
		}
		a.logger.Info("using S3 object storage", "region", sc.Region, "endpoint", sc.Endpoint)
		return store, nil
	}
}

// Addr returns the bound listen address, or "" before Start.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Handler returns the API handler, or nil before Start.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Stop drains requests and closes every resource. It is safe to call more
// than once.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	return a.shutdown.Shutdown(ctx, "stop requested")
}

// cleanup releases whatever a failed Start had opened.
func (a *App) cleanup() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	if err := a.shutdown.Shutdown(context.Background(), "startup failed"); err != nil {
		a.logger.Warn("cleanup after failed start", "error", err)
	}
}

// WaitForShutdown blocks until a signal arrives, ctx is cancelled, Stop is
// called or the HTTP server fails, then shuts everything down.
func (a *App) WaitForShutdown(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case err := <-a.serveCh:
			if err != nil {
				cancel()
			}
		case <-a.shutdown.Done():
		}
	}()

	return a.shutdown.ListenForSignals(ctx)
}
