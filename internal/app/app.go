package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/traventa/bookingpay/internal/config"
	"github.com/traventa/bookingpay/internal/event"
	"github.com/traventa/bookingpay/internal/gateway"
	"github.com/traventa/bookingpay/internal/gateway/mock"
	"github.com/traventa/bookingpay/internal/gateway/wechat"
	handler "github.com/traventa/bookingpay/internal/handler/http"
	"github.com/traventa/bookingpay/internal/lock"
	"github.com/traventa/bookingpay/internal/repository/postgres"
	"github.com/traventa/bookingpay/internal/service"
	"github.com/traventa/bookingpay/migrations"
	"github.com/traventa/bookingpay/pkg/database"
	"github.com/traventa/bookingpay/pkg/health"
	"github.com/traventa/bookingpay/pkg/httpclient"
	pkgkafka "github.com/traventa/bookingpay/pkg/kafka"
)

// App wires together all dependencies and runs the booking payment service.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	pool       *pgxpool.Pool
	redis      *redis.Client
	producer   *pkgkafka.Producer
	poller     *service.Poller
	httpServer *http.Server

	stopPoller context.CancelFunc
	pollerDone chan struct{}
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// PostgreSQL connection pool.
	pgCfg := cfg.Postgres()
	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, "bookingpay")

	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Redis client for the in-flight refund locks.
	redisClient, err := database.NewRedisClient(ctx, cfg.Redis())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis",
		slog.String("host", cfg.RedisHost),
		slog.Int("port", cfg.RedisPort),
	)
	locks := lock.NewRefundLock(redisClient, cfg.LockTTL)

	// Kafka producer for lifecycle events.
	kafkaCfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
	producer := pkgkafka.NewProducer(kafkaCfg, logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	eventProducer := event.NewProducer(producer, logger)

	channel, err := newRefundChannel(cfg, logger)
	if err != nil {
		_ = producer.Close()
		_ = redisClient.Close()
		pool.Close()
		return nil, err
	}
	logger.Info("refund channel initialized", slog.String("channel", channel.Name()))

	// Repositories and services.
	orderRepo := postgres.NewOrderRepository(pool)
	refundRepo := postgres.NewRefundRepository(pool)

	policy := service.RetryPolicy{
		MaxAttempts: cfg.RefundMaxAttempts,
		BaseDelay:   cfg.RefundBaseDelay,
		MaxDelay:    cfg.RefundMaxDelay,
	}
	orderService := service.NewOrderService(orderRepo, refundRepo, eventProducer, logger)
	refundService := service.NewRefundService(orderRepo, refundRepo, channel, locks, eventProducer, policy, logger)
	callbackService := service.NewCallbackService(orderRepo, refundRepo, eventProducer, logger)

	poller := service.NewPoller(refundRepo, channel, refundService, callbackService, service.PollerConfig{
		Interval: cfg.PollInterval,
		Age:      cfg.PollAge,
		Batch:    cfg.PollBatch,
	}, logger)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	router := handler.NewRouter(orderService, refundService, callbackService, healthHandler, handler.RouterConfig{
		CallbackSignKey:  cfg.CallbackSignKey,
		WebhookRateLimit: cfg.WebhookRateLimit,
		WebhookRateBurst: cfg.WebhookRateBurst,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		redis:      redisClient,
		producer:   producer,
		poller:     poller,
		httpServer: httpServer,
	}, nil
}

// newRefundChannel builds the configured refund channel. The refund
// submission loop owns retry decisions, so the wechat transport runs with
// MaxRetries 0.
func newRefundChannel(cfg *config.Config, logger *slog.Logger) (gateway.Gateway, error) {
	switch cfg.GatewayDriver {
	case "wechat":
		baseClient := httpclient.New(httpclient.Config{
			Timeout:         cfg.GatewayTimeout,
			MaxRetries:      0,
			MaxConnsPerHost: 100,
		})
		cbClient := httpclient.NewCircuitBreakerClient(baseClient, httpclient.DefaultCircuitBreakerConfig("wxpay"), logger)
		return wechat.New(wechat.Config{
			BaseURL:    cfg.GatewayBaseURL,
			MerchantID: cfg.GatewayMerchantID,
			APIKey:     cfg.GatewayAPIKey,
			MaxAmount:  cfg.GatewayMaxAmount,
		}, cbClient, logger), nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown gateway driver %q", cfg.GatewayDriver)
	}
}

// Run starts the HTTP server and the reconciliation poller, then blocks until
// the context is canceled.
func (a *App) Run(ctx context.Context) error {
	pollerCtx, stopPoller := context.WithCancel(context.Background())
	a.stopPoller = stopPoller
	a.pollerDone = make(chan struct{})
	go func() {
		defer close(a.pollerDone)
		a.poller.Run(pollerCtx)
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
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Reconciliation poller
// 3. Kafka producer
// 4. Redis client
// 5. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.stopPoller != nil {
		a.stopPoller()
		<-a.pollerDone
	}

	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if err := a.redis.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
