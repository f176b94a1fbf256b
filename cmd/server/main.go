package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/destekhq/destek-server/internal/auth"
	"github.com/destekhq/destek-server/internal/broker"
	"github.com/destekhq/destek-server/internal/chat"
	"github.com/destekhq/destek-server/internal/circuit"
	"github.com/destekhq/destek-server/internal/config"
	"github.com/destekhq/destek-server/internal/history"
	"github.com/destekhq/destek-server/internal/hub"
	"github.com/destekhq/destek-server/internal/kv"
	"github.com/destekhq/destek-server/internal/logger"
	"github.com/destekhq/destek-server/internal/metrics"
	"github.com/destekhq/destek-server/internal/pipeline"
	"github.com/destekhq/destek-server/internal/ratelimit"
	"github.com/destekhq/destek-server/internal/respcache"
	"github.com/destekhq/destek-server/internal/server"
	"github.com/destekhq/destek-server/internal/session"
	"github.com/destekhq/destek-server/internal/storage/pg"
)

func main() {
	startupLog := log.NewWithOptions(os.Stdout, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})

	cfg, err := config.Load()
	if err != nil {
		startupLog.Fatal("invalid configuration", "error", err)
	}

	if cfg.WorkerID != "" {
		logger.SetWorkerID(cfg.WorkerID)
	}
	workerID := logger.WorkerID()
	appLog := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat, cfg.Environment))

	gin.SetMode(cfg.GinMode)

	m := metrics.New()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// Shared state backend. Without Redis every worker keeps its own state,
	// which is fine for a single-worker deployment.
	var (
		store      kv.Store
		redisStore *kv.RedisStore
	)
	if cfg.RedisURL != "" {
		redisStore, err = kv.NewRedisStore(startCtx, cfg.RedisURL)
		if err != nil {
			startupLog.Fatal("failed to connect to redis", "error", err)
		}
		defer redisStore.Close()
		store = redisStore
		appLog.Info("using redis for shared state")
	} else {
		mem := kv.NewMemoryStore()
		defer mem.Close()
		store = mem
		appLog.Warn("no REDIS_URL configured, state is local to this worker")
	}

	sessions := session.NewKVStore(store, cfg.SessionTTL(), appLog)

	// Cross-worker fan-out bus: NATS when configured, Redis pub/sub when
	// only Redis is, in-process otherwise.
	var bus broker.Broker
	switch {
	case cfg.NatsURL != "":
		bus, err = broker.NewNATSBroker(cfg.NatsURL, appLog)
		if err != nil {
			startupLog.Fatal("failed to connect to nats", "error", err)
		}
		appLog.Info("using nats for fan-out")
	case redisStore != nil:
		bus = broker.NewPubSubBroker(kv.NewRedisPubSub(redisStore), appLog)
		appLog.Info("using redis pub/sub for fan-out")
	default:
		bus = broker.NewPubSubBroker(kv.NewMemoryPubSub(), appLog)
	}

	limiterStore := store
	if !cfg.RateLimitUseDistributed {
		local := kv.NewMemoryStore()
		defer local.Close()
		limiterStore = local
	}
	countDecision := func(class ratelimit.Class, allowed bool) {
		if allowed {
			m.RequestsAdmitted.WithLabelValues(string(class)).Inc()
		} else {
			m.RequestsDenied.WithLabelValues(string(class)).Inc()
		}
	}
	window := time.Duration(cfg.RateLimitWindowSeconds) * time.Second
	limiter := ratelimit.New(limiterStore, ratelimit.Config{
		Window: window,
		Limits: map[ratelimit.Class]int{
			ratelimit.ClassGeneral: cfg.RateLimitGeneralPerWindow,
			ratelimit.ClassChat:    cfg.RateLimitChatPerWindow,
		},
		FallbackToMemory: cfg.RateLimitFallbackToMemory,
		OnDecision:       countDecision,
	}, appLog)

	// Failed logins are counted over the block duration, not the general
	// window, so a burst of bad passwords stays visible long enough to block.
	loginLimiter := ratelimit.New(limiterStore, ratelimit.Config{
		Window: time.Duration(cfg.LoginBlockSeconds) * time.Second,
		Limits: map[ratelimit.Class]int{
			ratelimit.ClassLogin: cfg.LoginMaxFailures,
		},
		FallbackToMemory: cfg.RateLimitFallbackToMemory,
		OnDecision:       countDecision,
	}, appLog)

	minter := auth.NewLocalValidator(cfg.JWTSecret, time.Duration(cfg.AccessTokenTTLSeconds)*time.Second)
	var validator auth.TokenValidator = minter
	if cfg.AuthMode == "jwks" {
		jwksValidator, err := auth.NewJWKSValidator(cfg.AuthJWKSURL)
		if err != nil {
			startupLog.Fatal("failed to fetch jwks", "url", cfg.AuthJWKSURL, "error", err)
		}
		validator = jwksValidator
		appLog.Info("validating access tokens against jwks", "url", cfg.AuthJWKSURL)
	}

	// Durable storage is optional: without a database, users come from
	// DEV_USERS and history lives in memory.
	var (
		db        *sql.DB
		chatStore history.ChatStore
		directory auth.UserDirectory
	)
	if cfg.DatabaseURL != "" {
		database, err := pg.InitDatabase(cfg)
		if err != nil {
			startupLog.Fatal("failed to initialize database", "error", err)
		}
		defer database.Close()
		db = database.DB
		chatStore = pg.NewChatStore(db)
		directory = pg.NewUserDirectory(db)
	} else {
		chatStore = history.NewMemoryChatStore()
		directory, err = auth.ParseDevUsers(cfg.DevUsers)
		if err != nil {
			startupLog.Fatal("invalid DEV_USERS", "error", err)
		}
		appLog.Warn("no DATABASE_URL configured, chat history is not durable")
	}

	authService := auth.NewService(auth.ServiceConfig{
		Store:        store,
		Directory:    directory,
		Validator:    validator,
		Minter:       minter,
		LoginLimiter: loginLimiter,
		RefreshTTL:   time.Duration(cfg.RefreshTokenTTLSeconds) * time.Second,
		BlockTTL:     time.Duration(cfg.LoginBlockSeconds) * time.Second,
		Logger:       appLog,
	})

	writer := history.NewWriter(chatStore, history.WriterConfig{
		Workers:    cfg.HistoryWorkerPoolSize,
		BufferSize: cfg.HistoryBufferSize,
		Timeout:    time.Duration(cfg.HistoryTimeoutSeconds) * time.Second,
	}, appLog)

	catalogue, err := pipeline.LoadCatalogue(cfg.ContentDir)
	if err != nil {
		startupLog.Fatal("failed to load intent catalogue", "dir", cfg.ContentDir, "error", err)
	}
	if catalogue.Empty() {
		appLog.Warn("intent catalogue is empty, every turn falls through to the generator", "dir", cfg.ContentDir)
	}
	synonyms, err := pipeline.LoadSynonyms(cfg.ContentDir)
	if err != nil {
		startupLog.Fatal("failed to load synonyms", "dir", cfg.ContentDir, "error", err)
	}

	breakerConfig := circuit.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		OpenDuration:     time.Duration(cfg.CircuitOpenDurationSecond) * time.Second,
		OnTransition: func(name string, to circuit.State) {
			m.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
		},
	}

	// The embedder and generator backends are deployment-specific and
	// injected here when available. Nil keeps the cascade deterministic:
	// semantic declines and the generator answers with the fallback reply.
	var (
		embedder  pipeline.Embedder
		generator pipeline.Generator
	)
	stack := pipeline.NewStack(appLog,
		pipeline.NewStaticStage(catalogue, cfg.PipelineStage1Min),
		pipeline.NewFuzzyStage(catalogue, synonyms, cfg.PipelineStage2Min),
		pipeline.NewSemanticStage(embedder, pipeline.NewMemoryIndex(), pipeline.SemanticConfig{
			TopK:      cfg.PipelineTopK,
			CosineMin: cfg.PipelineStage3Cosine,
			Margin:    cfg.PipelineStage3Margin,
			Override:  cfg.PipelineStage3Single,
		}, circuit.New("semantic", breakerConfig, appLog)),
		pipeline.NewGeneratorStage(generator, circuit.New("generator", breakerConfig, appLog)),
	)

	// The reply cache shares entries across workers only when the store is
	// actually shared.
	var sharedCache kv.Store
	if redisStore != nil {
		sharedCache = redisStore
	}
	cache := respcache.New(cfg.ResponseCacheCapacity,
		time.Duration(cfg.ResponseCacheTTLSeconds)*time.Second, sharedCache, appLog)
	cache.OnDeduped = m.CacheDeduped.Inc

	// The hub and the orchestrator reference each other: the hub hands
	// inbound turns to the orchestrator, the orchestrator delivers replies
	// through the hub.
	var orchestrator *chat.Orchestrator
	wsHub := hub.New(hub.Config{
		WorkerID:       workerID,
		MaxFrameBytes:  int64(cfg.WSMaxFrameBytes),
		PingInterval:   time.Duration(cfg.WSIdleSeconds) * time.Second,
		PongTimeout:    time.Duration(cfg.WSPongTimeoutSeconds) * time.Second,
		SendQueueCap:   cfg.WSSendQueueCapacity,
		SessionTTL:     cfg.SessionTTL(),
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, sessions, bus, func(ctx context.Context, info *session.Info, text string) {
		orchestrator.Handle(ctx, info, text)
	}, m, appLog)

	orchestrator = chat.New(chat.Config{
		Limiter:      limiter,
		Cache:        cache,
		Stack:        stack,
		Writer:       writer,
		Broker:       bus,
		Deliverer:    wsHub,
		Metrics:      m,
		Logger:       appLog,
		TurnDeadline: cfg.TurnDeadline(),
	})

	// Sessions left behind by a previous run under the same worker id are
	// orphans; evict them before accepting traffic.
	if err := wsHub.EvictStale(startCtx); err != nil {
		appLog.LogError(startCtx, err, "stale session eviction failed")
	}

	srv := server.New(server.Dependencies{
		Config:   cfg,
		Auth:     authService,
		AuthMW:   auth.NewMiddleware(validator),
		Hub:      wsHub,
		Sessions: sessions,
		Broker:   bus,
		Limiter:  limiter,
		Metrics:  m,
		DB:       db,
		History:  chatStore,
		Logger:   appLog,
	})

	jobs := cron.New()
	mustSchedule := func(spec string, job func()) {
		if _, err := jobs.AddFunc(spec, job); err != nil {
			startupLog.Fatal("failed to schedule job", "spec", spec, "error", err)
		}
	}
	mustSchedule(fmt.Sprintf("@every %ds", cfg.SessionSweepSeconds), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		wsHub.SweepIdle(ctx)
		if count, err := sessions.CountAll(ctx); err == nil {
			m.SessionsTotal.Set(float64(count))
		}
	})
	mustSchedule(fmt.Sprintf("@every %ds", cfg.RateLimitCleanupSeconds), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		keys, err := limiterStore.Keys(ctx, kv.KeyRatePrefix+"*")
		if err != nil {
			appLog.LogError(ctx, err, "rate limit key scan failed")
			return
		}
		limiter.Cleanup(ctx, keys)
	})
	jobs.Start()

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Router(),
	}

	go func() {
		appLog.Info("listening", "addr", httpServer.Addr, "worker_id", wsHub.WorkerID())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLog.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("shutting down")

	<-jobs.Stop().Done()

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancelGrace()

	// Drain order: close the sockets first so no new turns arrive, then
	// flush the history queue, then stop the bus and the HTTP listener.
	wsHub.Shutdown(graceCtx)
	writer.Shutdown()
	if err := bus.Close(); err != nil {
		appLog.LogError(graceCtx, err, "broker close failed")
	}
	if err := httpServer.Shutdown(graceCtx); err != nil {
		appLog.LogError(graceCtx, err, "http shutdown failed")
	}

	appLog.Info("shutdown complete")
}
