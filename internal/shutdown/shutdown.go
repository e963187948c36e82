// Package shutdown runs named teardown steps when the process is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/glefebvre/moviepilot/internal/logger"
)

type step struct {
	name string
	fn   func(context.Context) error
}

// Handler tears components down in reverse registration order. Later
// components depend on earlier ones, so steps run one at a time.
type Handler struct {
	mu       sync.Mutex
	steps    []step
	timeout  time.Duration
	signals  chan os.Signal
	done     chan struct{}
	stopping bool
}

// New creates a handler whose whole teardown is bounded by timeout
func New(timeout time.Duration) *Handler {
	return &Handler{
		timeout: timeout,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
}

// Register adds a named teardown step
func (h *Handler) Register(name string, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps = append(h.steps, step{name: name, fn: fn})
}

// Wait blocks until SIGINT/SIGTERM or ctx is done, then shuts down
func (h *Handler) Wait(ctx context.Context) error {
	signal.Notify(h.signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(h.signals)

	select {
	case sig := <-h.signals:
		logger.AppLogger().WithField("signal", sig.String()).Info("shutdown requested")
	case <-ctx.Done():
		logger.AppLogger().Info("shutdown requested by context")
	}
	return h.Shutdown()
}

// Shutdown runs every step once, newest first. Steps that fail are logged
// and do not stop the remaining ones.
func (h *Handler) Shutdown() error {
	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		return nil
	}
	h.stopping = true
	steps := append([]step(nil), h.steps...)
	h.mu.Unlock()

	close(h.done)

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	log := logger.AppLogger()
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: skipped: %w", s.name, ctx.Err()))
			continue
		}
		start := time.Now()
		if err := s.fn(ctx); err != nil {
			log.WithField("component", s.name).Error("shutdown step failed", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		log.WithFields(map[string]interface{}{
			"component":   s.name,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("component stopped")
	}
	return errors.Join(errs...)
}

// IsShuttingDown returns true once Shutdown has started
func (h *Handler) IsShuttingDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

// Done is closed when shutdown starts
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Trigger asks Wait to return as if SIGTERM arrived
func (h *Handler) Trigger() {
	select {
	case h.signals <- syscall.SIGTERM:
	default:
	}
}
