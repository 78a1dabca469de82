// SPDX-License-Identifier: MIT

// Package daemon runs the HTTP server and coordinates graceful shutdown
// of the services behind it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownHook is a cleanup step run during graceful shutdown. Hooks run
// in reverse registration order (LIFO), so dependents registered later
// close before the services they depend on.
type ShutdownHook func(ctx context.Context) error

// Config tunes the daemon's HTTP server and drain behavior.
type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// WebSocket connections write past this only via hijacked conns,
		// which the timeout does not cover.
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
}

// ErrManagerNotStarted is returned by Shutdown before Start.
var ErrManagerNotStarted = errors.New("daemon: manager not started")

// Manager owns the HTTP server lifecycle and the ordered teardown of
// everything behind it.
type Manager struct {
	cfg     Config
	handler http.Handler
	logger  zerolog.Logger

	server *http.Server

	mu       sync.Mutex
	hooks    []namedHook
	started  bool
	stopping bool

	// addr is set once the listener is bound; used by tests binding :0.
	addr   string
	addrCh chan struct{}
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// NewManager creates a daemon manager serving handler on cfg.ListenAddr.
func NewManager(cfg Config, handler http.Handler, logger zerolog.Logger) (*Manager, error) {
	if handler == nil {
		return nil, fmt.Errorf("daemon: handler must not be nil")
	}
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "daemon").Logger(),
		addrCh:  make(chan struct{}),
	}, nil
}

// RegisterShutdownHook adds a cleanup step. Register in dependency order:
// the last registered hook runs first.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}

// Addr returns the bound listen address. It blocks until the listener is
// up or the context ends.
func (m *Manager) Addr(ctx context.Context) (string, error) {
	select {
	case <-m.addrCh:
		return m.addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Start binds the listener and serves until the context is cancelled or
// the server fails, then drains and runs the shutdown hooks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("daemon: manager already started")
	}
	m.started = true
	m.mu.Unlock()

	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", m.cfg.ListenAddr, err)
	}
	m.addr = ln.Addr().String()
	close(m.addrCh)

	m.server = &http.Server{
		Handler:           m.handler,
		ReadTimeout:       m.cfg.ReadTimeout,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
		WriteTimeout:      m.cfg.WriteTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		m.logger.Info().Str("addr", m.addr).Msg("server listening")
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("daemon: serve: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("server failed, shutting down")
		if shutdownErr := m.shutdown(ctx); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		return m.shutdown(ctx)
	}
}

// shutdown drains the HTTP server, then runs the hooks LIFO. The whole
// teardown is bounded by ShutdownTimeout and detached from the caller's
// cancellation so a SIGTERM does not abort its own drain.
func (m *Manager) shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if m.server != nil {
		if err := m.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("daemon: server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).
				Str("hook", h.name).
				Dur("duration", time.Since(start)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("daemon: hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", h.name).
			Dur("duration", time.Since(start)).
			Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}
