package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/basegraph-relay/reactor/internal/atom"
	"github.com/basegraph-relay/reactor/internal/autosave"
	"github.com/basegraph-relay/reactor/internal/config"
	"github.com/basegraph-relay/reactor/internal/engine"
	"github.com/basegraph-relay/reactor/internal/evaluator"
	"github.com/basegraph-relay/reactor/internal/guard"
	"github.com/basegraph-relay/reactor/internal/httpapi"
	"github.com/basegraph-relay/reactor/internal/idgen"
	"github.com/basegraph-relay/reactor/internal/insight"
	"github.com/basegraph-relay/reactor/internal/invoker"
	"github.com/basegraph-relay/reactor/internal/llmclient"
	"github.com/basegraph-relay/reactor/internal/logging"
	"github.com/basegraph-relay/reactor/internal/metacache"
	"github.com/basegraph-relay/reactor/internal/profiler"
	"github.com/basegraph-relay/reactor/internal/store"
	"github.com/basegraph-relay/reactor/internal/synchub"
	"github.com/basegraph-relay/reactor/internal/telemetry"
	"github.com/basegraph-relay/reactor/internal/validator"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg := config.Load()

	// OTel must init before logger (logger uses OTel provider in production)
	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logging.Setup(cfg)

	if cfg.OTel.Enabled() {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "reactor starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := idgen.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.WarnContext(ctx, "redis unavailable, step guard falls back to in-process leasing", "error", err)
		redisClient = nil
	} else {
		slog.InfoContext(ctx, "redis connected")
	}

	blobs := store.NewPostgresBlobStore(pool)
	docs := store.NewPostgresDocStore(pool)
	sessions := store.NewSessionStore(redisClient, docs)

	registry := atom.NewRegistry(atom.DefaultAtoms(cfg.AtomBaseURL))

	plannerClient, err := llmclient.NewAgentClient(llmclient.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.PlannerModel,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to build planner llm client", "error", err)
		os.Exit(1)
	}

	graderClient, err := llmclient.NewGraderClient(llmclient.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.GraderModel,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to build grader llm client", "error", err)
		os.Exit(1)
	}

	mc := metacache.New(blobs, profiler.SniffCSV)
	saver := autosave.New(blobs, registry, nil)

	var stepGuard guard.StepGuard
	if redisClient != nil {
		stepGuard = guard.NewRedisGuard(redisClient)
	} else {
		stepGuard = guard.NewMemoryGuard()
	}

	httpClient := &http.Client{Timeout: cfg.Engine.LLMTimeout}
	inv := invoker.New(httpClient, cfg.Engine.AtomRetries, 500*time.Millisecond)

	eval := evaluator.New(graderClient)
	insightCache := insight.NewCache(nil)
	insightGen := insight.New(graderClient, insightCache)

	eng := engine.NewEngine(
		registry,
		plannerClient,
		sessions,
		stepGuard,
		validator.Validate,
		inv,
		eval,
		saver,
		insightGen,
		mc,
		cfg.Engine,
		nil,
		nil,
	)

	hub := synchub.New(docs, cfg.Engine.DebouncePersist, nil)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, eng, sessions, hub)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // engagement and sync sockets are long-lived
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if tel != nil {
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, eng *engine.Engine, sessions *store.SessionStore, hub *synchub.Hub) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span -> Recovery catches panics -> Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(httpapi.Recovery())
	router.Use(httpapi.Logger())

	engagement := httpapi.NewEngagementHandler(eng, sessions, 10*time.Second)
	sync := httpapi.NewSyncHandler(hub)

	httpapi.SetupRoutes(router, engagement, sync)

	return router
}

const banner = `
██████╗ ███████╗ █████╗  ██████╗████████╗ ██████╗ ██████╗
██╔══██╗██╔════╝██╔══██╗██╔════╝╚══██╔══╝██╔═══██╗██╔══██╗
██████╔╝█████╗  ███████║██║        ██║   ██║   ██║██████╔╝
██╔══██╗██╔══╝  ██╔══██║██║        ██║   ██║   ██║██╔══██╗
██║  ██║███████╗██║  ██║╚██████╗   ██║   ╚██████╔╝██║  ██║
╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝ ╚═════╝   ╚═╝    ╚═════╝ ╚═╝  ╚═╝
`
