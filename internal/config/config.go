package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/traventa/bookingpay/pkg/config"
	"github.com/traventa/bookingpay/pkg/database"
)

// Config holds all configuration for the booking payment service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"bookingpay"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"bookingpay_secret"`
	PostgresDB   string `env:"POSTGRES_DB_NAME" envDefault:"bookingpay"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Redis (in-flight refund locks)
	RedisHost     string        `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string        `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	LockTTL       time.Duration `env:"REFUND_LOCK_TTL" envDefault:"5m"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Payment gateway
	GatewayDriver     string        `env:"GATEWAY_DRIVER" envDefault:"wechat"`
	GatewayBaseURL    string        `env:"GATEWAY_BASE_URL" envDefault:"https://api.mch.example.com"`
	GatewayMerchantID string        `env:"GATEWAY_MERCHANT_ID" envDefault:""`
	GatewayAPIKey     string        `env:"GATEWAY_API_KEY" envDefault:""`
	GatewayTimeout    time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	GatewayMaxAmount  int64         `env:"GATEWAY_MAX_AMOUNT" envDefault:"10000000"`
	CallbackSignKey   string        `env:"CALLBACK_SIGN_KEY" envDefault:""`

	// Refund retry policy
	RefundMaxAttempts int           `env:"REFUND_MAX_ATTEMPTS" envDefault:"3"`
	RefundBaseDelay   time.Duration `env:"REFUND_BASE_DELAY" envDefault:"2s"`
	RefundMaxDelay    time.Duration `env:"REFUND_MAX_DELAY" envDefault:"30s"`

	// Fallback reconciliation poller
	PollInterval time.Duration `env:"RECONCILE_POLL_INTERVAL" envDefault:"1m"`
	PollAge      time.Duration `env:"RECONCILE_POLL_AGE" envDefault:"5m"`
	PollBatch    int           `env:"RECONCILE_POLL_BATCH" envDefault:"50"`

	// Webhook rate limiting
	WebhookRateLimit float64 `env:"WEBHOOK_RATE_LIMIT" envDefault:"50"`
	WebhookRateBurst int     `env:"WEBHOOK_RATE_BURST" envDefault:"100"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Postgres returns the pool configuration for the configured database.
func (c *Config) Postgres() database.PostgresConfig {
	pg := database.DefaultPostgresConfig()
	pg.Host = c.PostgresHost
	pg.Port = c.PostgresPort
	pg.User = c.PostgresUser
	pg.Password = c.PostgresPass
	pg.DBName = c.PostgresDB
	pg.SSLMode = c.PostgresSSL
	return pg
}

// Redis returns the client configuration for the configured Redis instance.
func (c *Config) Redis() database.RedisConfig {
	return database.RedisConfig{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
