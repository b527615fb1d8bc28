// Package engine owns the single process-wide connection to the embedded
// SQL engine. Every other component reaches the engine through a Handle.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tabulard/tabulard/internal/config"
	tberrors "github.com/tabulard/tabulard/internal/errors"
	"github.com/tabulard/tabulard/internal/storage"
)

// DatabaseFileName is used when the configured database path is a directory.
const DatabaseFileName = "workspace.db"

// Handle is the single owner of the engine connection. Mutations are
// serialized through Write; reads go through Query.
type Handle struct {
	initMu sync.Mutex
	db     *sql.DB
	path   string
	store  storage.S3Config
	logger *slog.Logger

	// writeMu makes the engine single-writer.
	writeMu sync.Mutex
}

// New returns an uninitialized handle.
func New(logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{logger: logger.With("component", "engine")}
}

// ResolvePath returns the database file for the configured location.
func ResolvePath(database string) string {
	if config.IsDatabaseFile(database) {
		return database
	}
	return filepath.Join(database, DatabaseFileName)
}

// Init opens the engine at the location named by cfg.Database and records
// the object store credentials from secrets. Calling Init again with the
// same location is a no-op; a different location is rejected.
func (h *Handle) Init(ctx context.Context, secrets *config.Secrets, cfg *config.Config) error {
	if cfg == nil || cfg.Database == "" {
		return tberrors.NewValidationError(tberrors.CodeMissingArgument, "database path is required")
	}

	h.initMu.Lock()
	defer h.initMu.Unlock()

	path := ResolvePath(cfg.Database)
	if h.db != nil {
		if h.path == path {
			h.logger.Debug("engine already initialized", "path", path)
			return nil
		}
		return tberrors.NewValidationError(tberrors.CodeEngineConflict,
			fmt.Sprintf("engine already open at %s, refusing to open %s", h.path, path))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return tberrors.Wrap(tberrors.ErrCategoryInternal, tberrors.CodeEngineUnavailable,
			"failed to create database directory", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return tberrors.Wrap(tberrors.ErrCategoryInternal, tberrors.CodeEngineUnavailable,
			"failed to open database", err)
	}
	// One connection: the engine is single-writer and the scratch table
	// must be visible to the read that follows its refresh.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return tberrors.Wrap(tberrors.ErrCategoryInternal, tberrors.CodeEngineUnavailable,
			"failed to open database", err)
	}

	h.db = db
	h.path = path
	h.store = objectStoreConfig(secrets, cfg)
	h.logger.Info("engine initialized", "path", path)
	return nil
}

func objectStoreConfig(secrets *config.Secrets, cfg *config.Config) storage.S3Config {
	sc := storage.DefaultS3Config()
	if cfg.Storage.S3.Region != "" {
		sc.Region = cfg.Storage.S3.Region
	}
	sc.Endpoint = cfg.Storage.S3.Endpoint
	sc.UsePathStyle = cfg.Storage.S3.UsePathStyle

	if secrets != nil {
		if secrets.Region != "" {
			sc.Region = secrets.Region
		}
		if secrets.Endpoint != "" {
			sc.Endpoint = secrets.Endpoint
		}
		if secrets.HasStaticCredentials() {
			sc.AccessKeyID = secrets.AWSAccessKeyID
			sc.SecretAccessKey = secrets.AWSSecretAccessKey
			sc.SessionToken = secrets.AWSSessionToken
		}
	}
	return sc
}

// Path returns the resolved database file, or "" before Init.
func (h *Handle) Path() string {
	h.initMu.Lock()
	defer h.initMu.Unlock()
	return h.path
}

// ObjectStoreConfig returns the S3 settings resolved from config and secrets.
func (h *Handle) ObjectStoreConfig() storage.S3Config {
	h.initMu.Lock()
	defer h.initMu.Unlock()
	return h.store
}

func (h *Handle) conn() (*sql.DB, error) {
	h.initMu.Lock()
	defer h.initMu.Unlock()
	if h.db == nil {
		return nil, tberrors.New(tberrors.ErrCategoryInternal, tberrors.CodeEngineUnavailable, "engine not initialized")
	}
	return h.db, nil
}

// Write runs fn inside a transaction while holding the writer lock. The
// transaction commits when fn returns nil and rolls back otherwise.
func (h *Handle) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := h.conn()
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return tberrors.NewInternalError("failed to begin transaction", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			h.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return tberrors.NewInternalError("failed to commit transaction", err)
	}
	return nil
}

// Query runs a read statement. The caller must close the returned rows.
func (h *Handle) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	db, err := h.conn()
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, query, args...)
}

// QueryRow runs a read statement expected to return at most one row.
func (h *Handle) QueryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	db, err := h.conn()
	if err != nil {
		return nil, err
	}
	return db.QueryRowContext(ctx, query, args...), nil
}

// Ping checks that the engine is initialized and reachable.
func (h *Handle) Ping(ctx context.Context) error {
	db, err := h.conn()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return tberrors.Wrap(tberrors.ErrCategoryInternal, tberrors.CodeEngineUnavailable, "engine unreachable", err)
	}
	return nil
}

// Close releases the engine connection. The handle can be re-initialized.
func (h *Handle) Close() error {
	h.initMu.Lock()
	defer h.initMu.Unlock()
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	h.path = ""
	return err
}
