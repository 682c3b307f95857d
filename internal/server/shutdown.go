// Package server coordinates graceful shutdown of the admin servers and the
// maintenance daemon.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// Timeout bounds the whole shutdown (default: 30s).
	Timeout time.Duration

	// DrainTimeout bounds the wait for in-flight admin requests (default: 15s).
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{Timeout: 30 * time.Second, DrainTimeout: 15 * time.Second}
}

// ShutdownManager drains in-flight requests, then closes registered
// resources in reverse order of registration.
type ShutdownManager struct {
	config ShutdownConfig

	done     chan struct{}
	once     sync.Once
	inFlight atomic.Int64
	stopping atomic.Bool

	mu      sync.Mutex
	closers []namedCloser
}

type namedCloser struct {
	name string
	io.Closer
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	d := DefaultShutdownConfig()
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = d.DrainTimeout
	}
	return &ShutdownManager{config: config, done: make(chan struct{})}
}

// RegisterCloser adds a resource closed during shutdown. Resources close in
// LIFO order, so register the store before the daemon that uses it.
func (sm *ShutdownManager) RegisterCloser(name string, c io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, Closer: c})
}

// ListenForSignals blocks until SIGTERM, SIGINT, ctx cancellation or another
// caller's Shutdown, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.done:
		return nil
	}
}

// Shutdown runs once; later calls return nil immediately.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var firstErr error
	sm.once.Do(func() {
		log.Printf("server: shutting down: %s", reason)
		sm.stopping.Store(true)
		close(sm.done)

		ctx, cancel := context.WithTimeout(ctx, sm.config.Timeout)
		defer cancel()

		if err := sm.drain(ctx); err != nil {
			firstErr = err
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Printf("server: failed to close %s: %v", closers[i].name, err)
				if firstErr == nil {
					firstErr = fmt.Errorf("close %s: %w", closers[i].name, err)
				}
			}
		}
	})
	return firstErr
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.config.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for sm.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %d in-flight requests", sm.inFlight.Load())
		case <-ticker.C:
		}
	}
	return nil
}

// Done is closed when shutdown begins.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// IsShuttingDown reports whether shutdown has begun.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.stopping.Load()
}

// Middleware tracks in-flight requests and rejects new ones once shutdown
// has begun.
func (sm *ShutdownManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sm.stopping.Load() {
			w.Header().Set("Connection", "close")
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		sm.inFlight.Add(1)
		defer sm.inFlight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }

// HTTPCloser shuts srv down gracefully within timeout.
func HTTPCloser(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}
