// SPDX-License-Identifier: MIT

// turnsyncd is the session synchronization daemon: it serves the HTTP
// transition API and the WebSocket push surface, backed by Redis for live
// state and SQLite for the audit trail.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tempoforge/turnsync/internal/api"
	"github.com/tempoforge/turnsync/internal/auditlog"
	"github.com/tempoforge/turnsync/internal/clock"
	"github.com/tempoforge/turnsync/internal/config"
	"github.com/tempoforge/turnsync/internal/daemon"
	"github.com/tempoforge/turnsync/internal/engine"
	"github.com/tempoforge/turnsync/internal/health"
	tslog "github.com/tempoforge/turnsync/internal/log"
	"github.com/tempoforge/turnsync/internal/persistence/sqlite"
	"github.com/tempoforge/turnsync/internal/push"
	"github.com/tempoforge/turnsync/internal/ratelimit"
	"github.com/tempoforge/turnsync/internal/store"
	"github.com/tempoforge/turnsync/internal/version"
)

// driftTolerance is the clock offset clients may accumulate before they
// should refetch server time.
const driftTolerance = time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verifyDB := flag.String("verify-audit-db", "", "run an integrity check on the given audit database and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}
	if *verifyDB != "" {
		os.Exit(runVerify(*verifyDB))
	}

	cfg := config.FromEnv()

	tslog.Configure(tslog.Config{
		Level:   cfg.LogLevel,
		Service: "turnsync",
		Version: version.Version,
	})
	logger := tslog.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Str("event", "config.invalid").Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("listen", cfg.ListenAddr).
		Str("redis", cfg.RedisAddr).
		Str("key_prefix", cfg.KeyPrefix).
		Msg("starting turnsyncd")

	// One Redis client serves the session store, the switch limiter, and
	// the audit queue; they share the pool and the key prefix.
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "redis.unreachable").Msg("hot store unreachable")
	}

	db, err := sqlite.Open(cfg.AuditDBPath, sqlite.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("event", "sqlite.open_failed").Msg("failed to open audit database")
	}

	writer, err := auditlog.NewWriter(db)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "audit.schema_failed").Msg("failed to prepare audit schema")
	}
	queue := auditlog.NewQueue(rdb, cfg.KeyPrefix)
	pipeline := auditlog.NewPipeline(queue, writer, auditlog.PipelineConfig{
		Workers:       cfg.AuditWorkers,
		RetryAttempts: cfg.AuditRetryAttempts,
		BackoffBase:   cfg.AuditBackoffBase,
	}, tslog.WithComponent("audit"))

	st := store.NewWithClient(rdb, cfg.KeyPrefix, cfg.SessionTTL, tslog.WithComponent("store"))
	eng := engine.New(st, cfg.ConflictRetryMax, tslog.WithComponent("engine"))
	oracle := clock.New(version.Version, driftTolerance)
	limiter := ratelimit.NewSwitchLimiter(rdb, cfg.KeyPrefix, cfg.RateLimitSwitchPerSecond, time.Second)
	gateway := push.New(st, cfg.HeartbeatInterval, tslog.WithComponent("push"))

	healthManager := health.NewManager(version.Version)
	healthManager.RegisterChecker(health.NewPingChecker("hot_store", st))
	healthManager.RegisterChecker(health.NewDBChecker("audit_db", db))

	server := api.New(eng, oracle, limiter, pipeline, healthManager, gateway.HandleWS, api.Config{
		RequestTimeout:        10 * time.Second,
		GeneralLimitPerMinute: cfg.RateLimitGeneralPerMinute,
	}, tslog.WithComponent("api"))

	mgr, err := daemon.NewManager(daemon.Config{
		ListenAddr:      cfg.ListenAddr,
		ShutdownTimeout: cfg.ShutdownGrace,
	}, server.Router(), tslog.Base())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create daemon manager")
	}

	// The pipeline and the gateway bridges outlive a SIGTERM; their
	// teardown is owned by the shutdown hooks, not the signal context.
	runCtx := context.WithoutCancel(ctx)
	if err := pipeline.Start(runCtx); err != nil {
		logger.Fatal().Err(err).Str("event", "audit.start_failed").Msg("failed to start audit pipeline")
	}
	if err := gateway.Start(runCtx); err != nil {
		logger.Fatal().Err(err).Str("event", "push.start_failed").Msg("failed to start push gateway")
	}

	// Hooks run LIFO: gateway first, then the audit drain, then the
	// store clients, the SQLite pool last.
	mgr.RegisterShutdownHook("sqlite", func(context.Context) error { return db.Close() })
	mgr.RegisterShutdownHook("redis", func(context.Context) error { return rdb.Close() })
	mgr.RegisterShutdownHook("audit_pipeline", func(context.Context) error { pipeline.Close(false); return nil })
	mgr.RegisterShutdownHook("push_gateway", func(context.Context) error { gateway.Close(); return nil })

	if err := mgr.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Msg("turnsyncd stopped")
}

// runVerify checks the audit database for structural corruption. Run it
// offline, before restoring a backup into service.
func runVerify(path string) int {
	problems, err := sqlite.VerifyIntegrity(path, "full")
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		return 1
	}
	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintln(os.Stderr, p)
		}
		return 1
	}
	fmt.Println("ok")
	return 0
}
