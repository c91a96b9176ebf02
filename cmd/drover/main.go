package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/droverhq/drover/internal/adapter/nats"
	"github.com/droverhq/drover/internal/adapter/natskv"
	"github.com/droverhq/drover/internal/adapter/otel"
	"github.com/droverhq/drover/internal/adapter/ristretto"
	"github.com/droverhq/drover/internal/adapter/tiered"
	"github.com/droverhq/drover/internal/adapter/ws"
	"github.com/droverhq/drover/internal/callpool"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/logger"
	"github.com/droverhq/drover/internal/port/a2a"
	"github.com/droverhq/drover/internal/port/cache"
	"github.com/droverhq/drover/internal/port/eventsink"
	"github.com/droverhq/drover/internal/port/model"
	"github.com/droverhq/drover/internal/port/queue"
	"github.com/droverhq/drover/internal/port/sessionstore"
	"github.com/droverhq/drover/internal/resilience"
	"github.com/droverhq/drover/internal/secrets"
	"github.com/droverhq/drover/internal/service"
)

func main() {
	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootstrap)

	if len(os.Args) > 1 && os.Args[1] == "check" {
		if err := runCheck(os.Args[2:]); err != nil {
			slog.Error("check failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"nats_enabled", cfg.NATS.Enabled,
	)

	ctx := context.Background()

	// --- Observability ---

	otelShutdown, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Logging.Service,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()

	hub := ws.NewHub()
	sinks := eventsink.Fanout{hub}
	engineCache := cache.Cache(l1)

	// NATS is optional: without it the engine runs standalone, with the
	// in-process cache only and no durable event stream.
	var mq queue.Queue
	if cfg.NATS.Enabled {
		// The broker may come up after the service; retry the initial
		// dial briefly.
		var q *nats.Queue
		err := resilience.Retry(ctx, 5, 500*time.Millisecond,
			func(error) bool { return true },
			func() error {
				var cerr error
				q, cerr = nats.Connect(ctx, cfg.NATS.URL)
				return cerr
			})
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := q.Drain(); err != nil {
				slog.Warn("nats drain failed", "error", err)
			}
		}()

		l2, err := natskv.OpenBucket(ctx, q.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			return fmt.Errorf("l2 cache: %w", err)
		}
		engineCache = tiered.New(l1, l2, cfg.Cache.L2TTL)
		sinks = append(sinks, nats.NewEventPublisher(q))
		mq = q
	}

	vault, err := secrets.NewVault(secrets.EnvPrefixLoader(cfg.Secrets.EnvPrefix))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	slog.Info("secrets vault loaded", "keys", len(vault.Keys()))

	// --- Tool servers ---

	registry := service.NewToolServerRegistry(engineCache)
	if err := registry.LoadFromDirectory(cfg.Dirs.Servers); err != nil {
		return fmt.Errorf("tool servers: %w", err)
	}
	defer registry.Close()

	var sessions sessionstore.Store = service.NewStaticSessionStore(cfg.Sessions.Tokens)
	if cfg.Sessions.CipherKey != "" {
		sealed := service.NewSealedSessionStore(engineCache, cfg.Sessions.CipherKey, cfg.Sessions.TTL)
		sessions = service.SessionChain{sealed, sessions}
	}

	pool := callpool.NewPool(cfg.Engine.DispatchLimit)
	dispatch := service.NewDispatchService(registry, sessions, pool)
	dispatch.SetVault(vault)
	dispatch.SetMetrics(metrics)
	dispatch.SetCallTimeout(cfg.Engine.CallTimeout)

	hooks := service.NewHookService(mq, cfg.Engine.HookTimeout)

	// --- Model + engine ---

	provider, err := model.New(cfg.Model.Provider, cfg.Model.Options)
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	m := model.NewResilient(provider, breaker)

	mem, err := service.NewMemoryStrategy(cfg.Engine.Memory, m)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}

	executor := service.NewExecutor(dispatch, hooks, mem)
	executor.SetMetrics(metrics)
	executor.SetDefaultBudget(cfg.Engine.MaxIterations)

	coordinator := service.NewCoordinator(service.CoordinatorParams{
		Registry:    registry,
		Executor:    executor,
		Model:       m,
		Sink:        sinks,
		EventBuffer: cfg.Engine.EventBuffer,
		RunHistory:  cfg.Engine.RunHistory,
	})
	if err := coordinator.LoadAgentsFromDirectory(ctx, cfg.Dirs.Agents); err != nil {
		return fmt.Errorf("agents: %w", err)
	}

	scheduler := service.NewScheduler(coordinator, cfg.Engine.ResyncInterval)
	scheduler.Start(ctx)

	// --- HTTP ---

	a2aHandler := a2a.NewHandler(cfg.Logging.Service, cfg.Server.BaseURL, coordinator, cfg.Engine.TaskTimeout)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))

	r.Get("/health", healthHandler(dispatch, hub, breaker))
	r.Get("/ws", hub.HandleWS)
	a2aHandler.MountRoutes(r)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	// SIGHUP reloads the secret vault so rotated credentials take effect
	// without a restart; INT and TERM begin shutdown.
	for sig := range done {
		if sig == syscall.SIGHUP {
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
			} else {
				slog.Info("secrets reloaded", "keys", len(vault.Keys()))
			}
			continue
		}
		break
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	scheduler.Stop()
	return nil
}

// healthHandler reports engine liveness plus the states a dashboard wants
// at a glance: per-server circuit breakers, the model breaker, and the
// WebSocket audience size.
func healthHandler(dispatch *service.DispatchService, hub *ws.Hub, breaker *resilience.Breaker) http.HandlerFunc {
	type healthStatus struct {
		Status      string            `json:"status"`
		Model       string            `json:"model_breaker"`
		ToolServers map[string]string `json:"tool_servers"`
		WSConnected int               `json:"ws_connections"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:      "ok",
			Model:       breaker.State(),
			ToolServers: dispatch.BreakerStates(),
			WSConnected: hub.ConnectionCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
