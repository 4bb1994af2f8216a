package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kizuna/internal/auth"
	"github.com/ashita-ai/kizuna/internal/config"
	"github.com/ashita-ai/kizuna/internal/eventbus"
	"github.com/ashita-ai/kizuna/internal/federation"
	"github.com/ashita-ai/kizuna/internal/graph"
	"github.com/ashita-ai/kizuna/internal/mcp"
	"github.com/ashita-ai/kizuna/internal/probe"
	"github.com/ashita-ai/kizuna/internal/ratelimit"
	"github.com/ashita-ai/kizuna/internal/server"
	"github.com/ashita-ai/kizuna/internal/sink"
	"github.com/ashita-ai/kizuna/internal/storage"
	"github.com/ashita-ai/kizuna/internal/telemetry"
	"github.com/ashita-ai/kizuna/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KIZUNA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// redisPinger adapts a go-redis client to server.Pinger.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = logger.With("instance", cfg.LocalInstance)

	slog.Info("kizuna starting", "version", version, "port", cfg.Port, "instance", cfg.LocalInstance)

	tel, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// RunMigrations skips files already recorded in schema_migrations, so an
	// error here is a real failure.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'federation_statuses')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return errors.New("critical table 'federation_statuses' does not exist after migration")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration, logger)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Redis makes the delivery admission window shared across replicas.
	var redisClient *redis.Client
	var redisCheck server.Pinger
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
		redisCheck = redisPinger{client: redisClient}
		logger.Info("admission window: redis")
	} else {
		logger.Info("admission window: in-process (no REDIS_URL)")
	}
	window := ratelimit.NewWindow(redisClient, logger)

	socialGraph, err := graph.NewClient(graph.Config{
		BaseURL: cfg.SocialGraphURL,
		Timeout: cfg.SocialGraphTimeout,
	})
	if err != nil {
		return fmt.Errorf("social graph: %w", err)
	}

	bus := eventbus.New(cfg.EventQueueSize, logger)
	defer bus.Close()

	engine, err := federation.New(federation.Deps{
		Config:  cfg,
		Bus:     bus,
		Journal: db,
		Graph:   socialGraph,
		Prober:  probe.New(cfg.ProbePath, cfg.ProbeTimeout),
		Window:  window,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := engine.Restore(ctx, db); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	logger.Info("engine restored", "domains", engine.Domains())

	// Background components stop with runCtx, after the HTTP server drains.
	runCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	background := make(chan struct{}, 8)
	var running int

	start := func(name string, fn func(context.Context) error) {
		running++
		go func() {
			defer func() { background <- struct{}{} }()
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(name+" stopped", "error", err)
			}
		}()
	}

	start("scheduler", engine.Run)

	// The relay needs a dedicated LISTEN connection.
	if db.NotifyConn() != nil {
		origin := cfg.LocalInstance + "/" + uuid.NewString()
		relay := eventbus.NewRelay(bus, db, storage.ChannelEvents, origin, logger)
		start("relay", relay.Run)
	} else {
		logger.Info("event relay: disabled (no NOTIFY_URL)")
	}

	var exporter *sink.Kafka
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := sink.Dial(cfg.KafkaBrokers, cfg.KafkaTopic, "kizuna-"+cfg.LocalInstance)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer producer.Close()
		exporter = sink.NewKafka(producer, bus, cfg.LocalInstance, logger)
		start("kafka sink", exporter.Run)
		logger.Info("kafka export: enabled", "topic", cfg.KafkaTopic)
	} else {
		logger.Info("kafka export: disabled (no KAFKA_BROKERS)")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(engine, logger, version)

	srv := server.New(server.ServerConfig{
		Engine:              engine,
		Operators:           db,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		DB:                  db,
		Redis:               redisCheck,
		Limiter:             limiter,
		AuthWindow:          window,
		MCPServer:           mcpSrv.MCPServer(),
		Metrics:             tel.Handler(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		Instance:            cfg.LocalInstance,
		KafkaEnabled:        exporter != nil,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
		slog.Warn("admin seed failed", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout. Order: (1) drain
	// HTTP requests and close SSE streams, (2) stop the scheduler, relay and
	// sink so in-flight probes and exports finish.
	slog.Info("kizuna shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	stopBackground()
	deadline := time.After(10 * time.Second)
	for ; running > 0; running-- {
		select {
		case <-background:
		case <-deadline:
			slog.Warn("background components did not stop in time", "remaining", running)
			running = 0
		}
	}

	if exporter != nil {
		sent, failed := exporter.Stats()
		slog.Info("kafka export totals", "sent", sent, "failed", failed)
	}
	slog.Info("kizuna stopped")
	return nil
}
