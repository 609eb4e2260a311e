// Package app wires together all dependencies and runs the membergate
// service.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/membergate/membergate/internal/auth"
	"github.com/membergate/membergate/internal/cache"
	"github.com/membergate/membergate/internal/config"
	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/internal/entitlement"
	"github.com/membergate/membergate/internal/event"
	"github.com/membergate/membergate/internal/gating"
	handler "github.com/membergate/membergate/internal/handler/http"
	"github.com/membergate/membergate/internal/kvstore"
	"github.com/membergate/membergate/internal/remote"
	"github.com/membergate/membergate/internal/repository/postgres"
	"github.com/membergate/membergate/internal/token"
	"github.com/membergate/membergate/internal/worker"
	"github.com/membergate/membergate/migrations"
	"github.com/membergate/membergate/pkg/database"
	"github.com/membergate/membergate/pkg/health"
	"github.com/membergate/membergate/pkg/httpclient"
	pkgkafka "github.com/membergate/membergate/pkg/kafka"
	"github.com/membergate/membergate/pkg/tracing"
)

// App holds the wired dependency graph and the handles Shutdown needs.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	pool      *pgxpool.Pool
	rdb       *redis.Client
	producer  *pkgkafka.Producer
	refresher *worker.Refresher

	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Tracing first so every later init is covered.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "membergate",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// PostgreSQL for the content registry.
	pgCfg := cfg.Postgres()
	pgCfg.MaxConns = 25
	pgCfg.MinConns = 5
	pgCfg.MaxConnLifetime = time.Hour
	pgCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)

	// Redis backs the credential, the mirrored collections and the
	// entitlement cache.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis",
		slog.String("addr", cfg.RedisAddr),
		slog.Int("db", cfg.RedisDB),
	)
	store := kvstore.NewRedisStore(rdb, "mg:")

	// Kafka is optional; a nil publisher drops events.
	var producer *pkgkafka.Producer
	if cfg.KafkaEnabled {
		producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}
	events := event.NewPublisher(producer, logger)

	// Remote provider clients.
	hcCfg := httpclient.DefaultConfig()
	hcCfg.Timeout = cfg.RemoteTimeout
	baseClient := httpclient.New(hcCfg)
	breaker := httpclient.NewBreakerClient(baseClient, httpclient.DefaultBreakerConfig("remote-api"), logger)

	oauthClient := remote.NewOAuthClient(remote.OAuthConfig{
		BaseURL:      cfg.RemoteBaseURL,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURI:  cfg.OAuthRedirectURI,
	}, baseClient)
	tokens := token.NewManager(oauthClient, store, logger, token.WithExpirySkew(cfg.TokenExpirySkew))
	client := remote.NewClient(cfg.RemoteBaseURL, breaker, tokens)

	// One mirrored collection per remote resource type.
	descriptors := make([]cache.Descriptor, 0, len(domain.Collections()))
	for _, col := range domain.Collections() {
		descriptors = append(descriptors, cache.Descriptor{
			Name:        col,
			SoftTTL:     cfg.CacheSoftTTL,
			HardCeiling: cfg.CacheHardCeiling,
			Fetch: func(ctx context.Context) ([]domain.Resource, error) {
				return client.ListCollection(ctx, col)
			},
		})
	}
	collections, err := cache.New(descriptors, store, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("build collection cache: %w", err)
	}

	// Identity and gating.
	signer, err := auth.NewTokenSigner([]byte(cfg.SessionSecret), cfg.SessionMaxAge)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("build token signer: %w", err)
	}
	challenges := auth.NewChallengeStore(cfg.ChallengeTTL, cfg.ChallengeMaxAttempts)
	authenticator := auth.NewAuthenticator(client, signer, challenges, events, logger)

	evaluator := entitlement.NewEvaluator(client, store, logger, cfg.SessionMaxAge, cfg.EntitlementNegativeTTL)
	controller := gating.NewController(authenticator, evaluator, events, logger, cfg.PermitCrawlers)

	pieceRepo := postgres.NewPieceRepository(pool)

	// Health checks. The remote connection is reported but never fails
	// readiness: gating keeps serving cached state while disconnected.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterCritical("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	healthHandler.RegisterNonCritical("remote_account", func(ctx context.Context) error {
		if !tokens.Connected(ctx) {
			return fmt.Errorf("no account connected")
		}
		return nil
	})

	router := handler.NewRouter(handler.RouterConfig{
		Gate:           handler.NewGateHandler(pieceRepo, controller, cfg.CookieName, logger),
		Session:        handler.NewSessionHandler(authenticator, cfg.CookieName, cfg.CookieSecure, logger),
		OAuth:          handler.NewOAuthHandler(tokens, oauthClient, collections, store, events, logger),
		Admin:          handler.NewAdminHandler(collections, pieceRepo, logger),
		Health:         healthHandler,
		CookieName:     cfg.CookieName,
		ContentMaxAge:  cfg.ContentMaxAge,
		TracingEnabled: cfg.TracingEnabled,
	}, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		rdb:            rdb,
		producer:       producer,
		refresher:      worker.NewRefresher(collections, tokens, events, logger, cfg.RefreshInterval),
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the HTTP server and the refresh worker, blocking until the
// context is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.refresher.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		stopWorker()
		wg.Wait()
		return err
	}

	stopWorker()
	wg.Wait()
	return a.Shutdown()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		}
	}

	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(shutdownCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
		}
	}

	if err := a.rdb.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
	}
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return nil
}
