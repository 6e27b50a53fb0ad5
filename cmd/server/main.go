package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clawbuds/backend/internal/briefing"
	"github.com/clawbuds/backend/internal/bus"
	"github.com/clawbuds/backend/internal/clock"
	"github.com/clawbuds/backend/internal/config"
	"github.com/clawbuds/backend/internal/gateway"
	"github.com/clawbuds/backend/internal/handlers"
	"github.com/clawbuds/backend/internal/heartbeat"
	"github.com/clawbuds/backend/internal/l1"
	"github.com/clawbuds/backend/internal/message"
	"github.com/clawbuds/backend/internal/metrics"
	"github.com/clawbuds/backend/internal/middleware"
	"github.com/clawbuds/backend/internal/notifier"
	"github.com/clawbuds/backend/internal/pearl"
	"github.com/clawbuds/backend/internal/reflex"
	"github.com/clawbuds/backend/internal/relationship"
	"github.com/clawbuds/backend/internal/repo"
	"github.com/clawbuds/backend/internal/repo/memory"
	"github.com/clawbuds/backend/internal/repo/postgres"
	"github.com/clawbuds/backend/internal/repo/supabase"
	"github.com/clawbuds/backend/internal/scheduler"
	"github.com/clawbuds/backend/internal/social"
	"github.com/clawbuds/backend/internal/threadspace"
	"github.com/clawbuds/backend/internal/trust"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	cfg, err := config.Load(os.Getenv("CLAWBUDS_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel := slog.LevelInfo
	if cfg.Server.Env == "development" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	store, cleanup, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Database.Driver, err)
	}
	defer cleanup()
	logger.Info("store opened", "driver", cfg.Database.Driver)

	clk := clock.System{}
	eventBus := bus.New(logger)

	// Optional Redis mirror so emissions reach every replica's subscribers.
	// NewRedisBus hooks eventBus, so every service's local Emit is published.
	var redisBus *bus.RedisBus
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		redisBus = bus.NewRedisBus(eventBus, bus.NewRedisPubSub(client), "", logger)
	}

	host := buildNotifier(cfg, logger)

	// Domain services.
	socialSvc := social.NewService(store, eventBus, clk, logger)
	rels := relationship.NewService(store, eventBus, clk, cfg.Relationship.HalfLifeDays, logger)
	trustSvc := trust.NewService(store, eventBus, clk, trust.Weights{
		Q: cfg.Trust.Weights.Q,
		H: cfg.Trust.Weights.H,
		N: cfg.Trust.Weights.N,
		W: cfg.Trust.Weights.W,
	}, cfg.Trust.WitnessDampening, logger)
	pearls := pearl.NewService(store, eventBus, clk, trustSvc, logger)
	router := pearl.NewRouter(store, trustSvc, clk, logger)
	msgs := message.NewService(store, eventBus, clk, logger)
	hearts := heartbeat.NewService(store, eventBus, clk, logger)
	threads := threadspace.NewService(store, eventBus, clk, logger)
	briefings := briefing.NewService(store, clk, rels, briefing.Thresholds{
		CarapaceStaleDays:        cfg.Briefing.CarapaceStaleDays,
		MonotonyThreshold:        cfg.Briefing.MonotonyThreshold,
		GroomRepetitionThreshold: cfg.Briefing.GroomRepetitionThreshold,
	}, logger)

	engine := reflex.NewEngine(store, eventBus, clk, hearts, msgs, router,
		cfg.Reflex.HardMaxMessagesPerHour, logger)
	batch := l1.NewBatchProcessor(store, host, clk, cfg.L1.BatchSize,
		time.Duration(cfg.L1.MaxWaitMs)*time.Millisecond, logger)
	engine.AttachBatchProcessor(batch)

	hub := gateway.NewHub(eventBus, logger)

	m := metrics.New()
	eventBus.Instrument(m)
	msgs.Instrument(m)
	engine.Instrument(m)
	batch.Instrument(m)
	hub.Instrument(m)

	// Subscription order: relationship and trust react to raw emissions
	// first, the reflex engine sees everything, the gateway only forwards.
	rels.Subscribe()
	trustSvc.Subscribe()
	engine.Subscribe()
	hub.Subscribe()

	srv := handlers.NewServer(handlers.Deps{
		Social:        socialSvc,
		Relationships: rels,
		Trust:         trustSvc,
		Pearls:        pearls,
		Messages:      msgs,
		Heartbeats:    hearts,
		Threads:       threads,
		Engine:        engine,
		Batch:         batch,
		Briefings:     briefings,
		Hub:           hub,
		Auth:          middleware.NewAuthenticator(store, clk),
		Limiter:       middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		Metrics:       m,
		HostSecret:    cfg.Host.WebhookSecret,
		Logger:        logger,
	})
	routerMux := srv.Router()
	routerMux.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Background loops.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if redisBus != nil {
		redisBus.Start(ctx)
	}
	batch.Start(ctx)
	sched := scheduler.New(store, eventBus, clk, msgs, trustSvc, cfg.Trust.MonthlyDecay, logger)
	sched.Start()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      routerMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}

		sched.Stop()
		batch.Stop()
		if redisBus != nil {
			redisBus.Stop()
		}
		cancel()
	}()

	logger.Info("clawbuds server starting", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	logger.Info("server stopped")
}

// openStore selects the storage backend from configuration.
func openStore(cfg *config.Config) (repo.Store, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		s, err := postgres.Open(cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "supabase":
		s, err := supabase.Open(os.Getenv("SUPABASE_URL"), os.Getenv("SUPABASE_SERVICE_KEY"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) notifier.Notifier {
	if cfg.Host.Type == "openclaw" && cfg.Host.WebhookURL != "" {
		return notifier.NewWebhook(cfg.Host.WebhookURL, cfg.Host.WebhookSecret, logger)
	}
	return notifier.Noop{}
}
