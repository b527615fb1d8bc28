// Package server provides process lifecycle management: signal handling,
// in-flight request draining, background tasks and ordered resource cleanup.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Manager coordinates graceful shutdown of the tabulard process.
type Manager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	logger          *slog.Logger

	shutdownCh     chan struct{}
	finishedCh     chan struct{}
	shutdownOnce   sync.Once
	shutdownErr    error
	inFlight       int64
	isShuttingDown int32

	closers   []namedCloser
	closersMu sync.Mutex

	tasks sync.WaitGroup
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// Config holds shutdown timing.
type Config struct {
	// ShutdownTimeout bounds the whole shutdown sequence.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout is the time to wait for in-flight requests to complete.
	// Default: 15 seconds
	DrainTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

// NewManager creates a shutdown manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		shutdownTimeout: cfg.ShutdownTimeout,
		drainTimeout:    cfg.DrainTimeout,
		logger:          logger.With("component", "shutdown"),
		shutdownCh:      make(chan struct{}),
		finishedCh:      make(chan struct{}),
	}
}

// Register adds a resource to close during shutdown. Resources are closed
// in reverse order of registration.
func (m *Manager) Register(name string, closer io.Closer) {
	m.closersMu.Lock()
	defer m.closersMu.Unlock()
	m.closers = append(m.closers, namedCloser{name: name, closer: closer})
}

// RegisterFunc is Register for a plain function.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, CloserFunc(fn))
}

// ListenForSignals blocks until SIGINT, SIGTERM, ctx cancellation or an
// explicit Shutdown, then runs the shutdown sequence.
func (m *Manager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return m.Shutdown(context.Background(), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return m.Shutdown(context.Background(), "context cancelled")
	case <-m.finishedCh:
		return m.shutdownErr
	}
}

// Shutdown stops accepting requests, waits for in-flight ones, stops
// background tasks and closes registered resources. Only the first call
// does any work; later calls return its result.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	m.shutdownOnce.Do(func() {
		m.logger.Info("shutting down", "reason", reason)
		atomic.StoreInt32(&m.isShuttingDown, 1)
		close(m.shutdownCh)

		shutdownCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
		defer cancel()

		var errs []error
		if err := m.drainInFlight(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain failed: %w", err))
		}

		m.tasks.Wait()

		m.closersMu.Lock()
		closers := m.closers
		m.closersMu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.closer.Close(); err != nil {
				m.logger.Error("failed to close resource", "resource", c.name, "error", err)
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
				continue
			}
			m.logger.Debug("closed resource", "resource", c.name)
		}

		m.shutdownErr = errors.Join(errs...)
		m.logger.Info("shutdown complete")
		close(m.finishedCh)
	})

	return m.shutdownErr
}

// drainInFlight waits for all in-flight requests to complete.
func (m *Manager) drainInFlight(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, m.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&m.inFlight) == 0 {
			return nil
		}

		select {
		case <-drainCtx.Done():
			if remaining := atomic.LoadInt64(&m.inFlight); remaining > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", remaining)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// Every runs fn every interval until shutdown begins.
func (m *Manager) Every(name string, interval time.Duration, fn func()) {
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-m.shutdownCh:
				m.logger.Debug("background task stopped", "task", name)
				return
			}
		}
	}()
}

// TrackRequest increments the in-flight counter. It returns false once
// shutdown has begun.
func (m *Manager) TrackRequest() bool {
	if atomic.LoadInt32(&m.isShuttingDown) == 1 {
		return false
	}
	atomic.AddInt64(&m.inFlight, 1)
	return true
}

// UntrackRequest decrements the in-flight counter.
func (m *Manager) UntrackRequest() {
	atomic.AddInt64(&m.inFlight, -1)
}

// IsShuttingDown reports whether shutdown has begun.
func (m *Manager) IsShuttingDown() bool {
	return atomic.LoadInt32(&m.isShuttingDown) == 1
}

// InFlightCount returns the number of requests being served.
func (m *Manager) InFlightCount() int64 {
	return atomic.LoadInt64(&m.inFlight)
}

// Done returns a channel that is closed when shutdown begins.
func (m *Manager) Done() <-chan struct{} {
	return m.shutdownCh
}

// RegisterServer registers srv so shutdown stops it before the resources
// registered earlier. Call it before Serve so a shutdown that races with
// startup still stops the server.
func (m *Manager) RegisterServer(srv *http.Server) {
	m.Register("http", CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), m.drainTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	}))
}

// Serve runs srv on ln until it fails or shutdown begins. A server that
// was shut down before Serve starts returns at once.
func (m *Manager) Serve(srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-m.shutdownCh:
		return nil
	}
}

// Middleware tracks in-flight requests and rejects new ones with 503 once
// shutdown has begun.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.TrackRequest() {
			w.Header().Set("Connection", "close")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status":  "error",
				"message": "server is shutting down",
			})
			return
		}
		defer m.UntrackRequest()

		next.ServeHTTP(w, r)
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}
