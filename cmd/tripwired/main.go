// Command tripwired is the real-time log-based intrusion detection server.
// It loads a YAML configuration file, opens the Redis-backed sliding-window
// state store and stream bus, loads the rule catalog, opens the SQLite
// durable ingest queue and the tamper-evident audit log, optionally opens a
// PostgreSQL store for historical queries, exposes the REST ingest/query API
// plus the WebSocket event/alert fan-out endpoints over HTTP, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tripwire/sentinel/internal/audit"
	"github.com/tripwire/sentinel/internal/config"
	"github.com/tripwire/sentinel/internal/detection"
	"github.com/tripwire/sentinel/internal/eventstream"
	"github.com/tripwire/sentinel/internal/fanout"
	ingestqueue "github.com/tripwire/sentinel/internal/ingestqueue"
	"github.com/tripwire/sentinel/internal/pipeline"
	"github.com/tripwire/sentinel/internal/ruleloader"
	"github.com/tripwire/sentinel/internal/server/rest"
	"github.com/tripwire/sentinel/internal/server/storage"
	"github.com/tripwire/sentinel/internal/statestore"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/tripwire/tripwired.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tripwired: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("tripwired starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("rule_dir", cfg.RuleDir),
		slog.Bool("rule_engine_enabled", cfg.RuleEngineEnabled()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis: sliding-window state store + event/alert stream bus ──────────
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer rdb.Close()

	store := statestore.New(rdb)
	bus := eventstream.New(rdb, cfg.StreamEventCap, cfg.StreamAlertCap)

	// ── Rule catalog ──────────────────────────────────────────────────────────
	loader, err := ruleloader.New(cfg.RuleDir)
	if loader == nil {
		logger.Error("failed to load rule catalog", slog.Any("error", err))
		os.Exit(1)
	}
	if err != nil {
		logger.Warn("some rule documents were rejected", slog.Any("error", err))
	}
	logger.Info("rule catalog loaded", slog.Int("rule_count", len(loader.Catalog().Rules())))

	engine := detection.New(store, cfg.PublicHost)

	// ── Durable ingest queue ──────────────────────────────────────────────────
	queue, err := ingestqueue.New(cfg.IngestQueuePath)
	if err != nil {
		logger.Error("failed to open ingest queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer queue.Close()

	// ── Tamper-evident audit log ──────────────────────────────────────────────
	auditLogger, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.Any("error", err))
		os.Exit(1)
	}
	defer auditLogger.Close()

	// ── Optional durable relational store ─────────────────────────────────────
	var pgStore *storage.Store
	if cfg.PostgresDSN != "" {
		pgStore, err = storage.New(ctx, cfg.PostgresDSN, 0, 0)
		if err != nil {
			logger.Error("failed to open durable store", slog.Any("error", err))
			os.Exit(1)
		}
		defer pgStore.Close(context.Background())
		logger.Info("durable store connected")
	} else {
		logger.Warn("no postgres_dsn configured; historical query endpoints and durable persistence disabled (dev mode)")
	}

	pl := &pipeline.Pipeline{
		Queue:  queue,
		Loader: loader,
		Engine: engine,
		Bus:    bus,
		Audit:  auditLogger,
		Logger: logger,
	}
	if pgStore != nil {
		pl.Store = pgStore
	}

	if err := pl.RecoverPending(ctx, 500); err != nil {
		logger.Error("failed to recover pending ingest queue entries", slog.Any("error", err))
		os.Exit(1)
	}

	// ── REST API + WebSocket fan-out ──────────────────────────────────────────
	var pubKey *rsa.PublicKey
	if cfg.JWTPubKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPubKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("jwt_pubkey_path not configured; REST API authentication disabled (dev mode)")
	}

	var restStore rest.Store
	if pgStore != nil {
		restStore = pgStore
	}

	restSrv := rest.NewServer(restStore, pl, loader)
	streams := rest.Streams{
		Events: fanout.NewHandler(bus, eventstream.EventsStream, "event", logger, 10*time.Second),
		Alerts: fanout.NewHandler(bus, eventstream.AlertsStream, "alert", logger, 10*time.Second),
	}
	httpHandler := rest.NewRouter(restSrv, pubKey, streams)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the WebSocket fan-out routes hold connections open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("tripwired exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
