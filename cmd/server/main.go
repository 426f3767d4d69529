// Command server runs the gap intelligence backend: HTTP API, realtime
// hub, AI enrichment workers, notification fan-out, and the TAT
// sweeper, all over one Postgres pool.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/protfolio666/GapOpsHub-sub000/internal/api"
	"github.com/protfolio666/GapOpsHub-sub000/internal/audit"
	"github.com/protfolio666/GapOpsHub-sub000/internal/auth"
	"github.com/protfolio666/GapOpsHub-sub000/internal/config"
	"github.com/protfolio666/GapOpsHub-sub000/internal/enrich"
	"github.com/protfolio666/GapOpsHub-sub000/internal/events"
	"github.com/protfolio666/GapOpsHub-sub000/internal/gaps"
	"github.com/protfolio666/GapOpsHub-sub000/internal/metrics"
	"github.com/protfolio666/GapOpsHub-sub000/internal/notify"
	"github.com/protfolio666/GapOpsHub-sub000/internal/realtime"
	"github.com/protfolio666/GapOpsHub-sub000/internal/scheduler"
	"github.com/protfolio666/GapOpsHub-sub000/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return err
	}

	bus := events.NewBus()
	m := metrics.New()
	m.Consume(bus.Subscribe())

	var sessionStore auth.SessionStore
	if cfg.RedisURL != "" {
		rs, err := auth.NewRedisSessionStore(ctx, cfg.RedisURL)
		if err != nil {
			db.Close()
			return err
		}
		sessionStore = rs
	} else {
		slog.Warn("REDIS_URL not set; sessions are in-memory and lost on restart")
		sessionStore = auth.NewMemorySessionStore()
	}
	sessions := auth.NewSessions(cfg.SessionSecret, sessionStore, cfg.SessionTTL, cfg.Env == "production")
	scope := auth.NewScope(db)

	hub := realtime.NewHub(scope, db)
	hub.SetObserver(m)

	var provider enrich.Provider
	if cfg.AIEnabled() {
		provider = enrich.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AIModel, cfg.AICallTimeout)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set; gaps advance without enrichment")
	}
	queue := enrich.NewQueue(db, provider, bus, enrich.Options{
		Threshold:   cfg.SimilarityThreshold,
		TopK:        cfg.TopKSops,
		Concurrency: cfg.AIConcurrency,
	})
	queue.SetObserver(m)
	queue.Start()

	recorder := audit.NewRecorder(db)

	var email notify.Sender
	if cfg.EmailEnabled() {
		relay := notify.NewRelayClient(cfg.EmailRelayURL, cfg.EmailRelayKey, cfg.EmailFrom)
		relay.SetObserver(m)
		email = relay
	} else {
		slog.Warn("email relay not configured; notifications are socket-only")
	}
	notifier := notify.NewNotifier(db, email, hub, recorder)
	notifier.Start(bus.Subscribe())

	sweeper := scheduler.NewSweeper(db, bus, cfg.SchedulerTick, cfg.TatWarnWindow)
	sweeper.Start()

	gapSvc := gaps.NewService(db, scope, bus, queue)
	server := api.NewServer(cfg, db, gapSvc, sessions, scope, hub, recorder, m)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "port", cfg.Port, "env", cfg.Env)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	// Teardown: sockets first, then the AI queue, then the DB.
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	sweeper.Stop()
	notifier.Close()
	hub.Close()
	queue.Close()
	if err := db.Close(); err != nil {
		slog.Error("db close", "error", err)
	}
	slog.Info("bye")
	return nil
}
