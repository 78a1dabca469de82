// SPDX-License-Identifier: MIT

// Package api is the HTTP request surface: session lifecycle operations,
// the server time endpoint, and the operational probes.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tempoforge/turnsync/internal/api/middleware"
	"github.com/tempoforge/turnsync/internal/auditlog"
	"github.com/tempoforge/turnsync/internal/clock"
	"github.com/tempoforge/turnsync/internal/engine"
	"github.com/tempoforge/turnsync/internal/health"
	"github.com/tempoforge/turnsync/internal/ratelimit"
)

// Config tunes the request surface.
type Config struct {
	// RequestTimeout bounds each request's handling time.
	RequestTimeout time.Duration
	// GeneralLimitPerMinute is the per-IP budget over all API routes.
	GeneralLimitPerMinute int
}

// Server wires the engine and its supporting services into a router.
// Audit and switch limiting are optional; a nil field disables the
// concern rather than failing requests.
type Server struct {
	engine  *engine.Engine
	oracle  *clock.Oracle
	limiter *ratelimit.SwitchLimiter
	audit   *auditlog.Pipeline
	health  *health.Manager
	ws      http.HandlerFunc
	cfg     Config
	logger  zerolog.Logger
}

// New assembles the server. ws may be nil when the push gateway is
// disabled.
func New(
	eng *engine.Engine,
	oracle *clock.Oracle,
	limiter *ratelimit.SwitchLimiter,
	audit *auditlog.Pipeline,
	healthManager *health.Manager,
	ws http.HandlerFunc,
	cfg Config,
	logger zerolog.Logger,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.GeneralLimitPerMinute <= 0 {
		cfg.GeneralLimitPerMinute = 100
	}
	return &Server{
		engine:  eng,
		oracle:  oracle,
		limiter: limiter,
		audit:   audit,
		health:  healthManager,
		ws:      ws,
		cfg:     cfg,
		logger:  logger,
	}
}

// Router builds the full route tree, probes and metrics included.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))

	// Probes and metrics stay outside the rate limit so a busy client
	// cannot starve the orchestrator's checks.
	if s.health != nil {
		r.Get("/healthz", s.health.ServeHealth)
		r.Get("/readyz", s.health.ServeReady)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if s.ws != nil {
		r.Get("/ws", s.ws)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Metrics)
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		// The time endpoint is the drift-correction primitive; clients
		// poll it freely, so it never counts against the general budget.
		r.Get("/time", s.handleTime)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(middleware.RateLimitConfig{
				RequestLimit: s.cfg.GeneralLimitPerMinute,
				WindowSize:   time.Minute,
			}))

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.handleCreate)
				r.Route("/{sessionID}", func(r chi.Router) {
					r.Use(requireSessionID)
					r.Get("/", s.handleGet)
					r.Delete("/", s.handleDelete)
					r.Post("/start", s.handleStart)
					r.Post("/switch", s.handleSwitch)
					r.Post("/pause", s.handlePause)
					r.Post("/resume", s.handleResume)
					r.Post("/complete", s.handleComplete)
				})
			})
		})
	})

	return r
}
