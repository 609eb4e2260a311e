package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/membergate/membergate/pkg/config"
	"github.com/membergate/membergate/pkg/database"
)

// Config holds all configuration for the membergate service. Validation
// failures here are fatal at startup; nothing configuration-related is
// surfaced per-request.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"HTTP_PORT" envDefault:"8080"`

	// Remote provider API
	RemoteBaseURL      string        `env:"REMOTE_BASE_URL" envDefault:"https://api.provider.example/v4"`
	OAuthClientID      string        `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret  string        `env:"OAUTH_CLIENT_SECRET"`
	OAuthRedirectURI   string        `env:"OAUTH_REDIRECT_URI"`
	RemoteTimeout      time.Duration `env:"REMOTE_TIMEOUT" envDefault:"5s"`
	TokenExpirySkew    time.Duration `env:"TOKEN_EXPIRY_SKEW" envDefault:"2m"`

	// Session
	SessionSecret string        `env:"SESSION_SECRET" envDefault:"change-this-to-a-secure-secret"`
	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE" envDefault:"336h"`
	CookieName    string        `env:"COOKIE_NAME" envDefault:"mg_subscriber"`
	CookieSecure  bool          `env:"COOKIE_SECURE" envDefault:"true"`

	// Magic-link challenges
	ChallengeTTL         time.Duration `env:"CHALLENGE_TTL" envDefault:"10m"`
	ChallengeMaxAttempts int           `env:"CHALLENGE_MAX_ATTEMPTS" envDefault:"3"`

	// Collection cache
	CacheSoftTTL     time.Duration `env:"CACHE_SOFT_TTL" envDefault:"10m"`
	CacheHardCeiling time.Duration `env:"CACHE_HARD_CEILING" envDefault:"24h"`
	RefreshInterval  time.Duration `env:"CACHE_REFRESH_INTERVAL" envDefault:"1m"`

	// Entitlements
	EntitlementNegativeTTL time.Duration `env:"ENTITLEMENT_NEGATIVE_TTL" envDefault:"5m"`

	// Gating
	PermitCrawlers bool `env:"PERMIT_CRAWLERS" envDefault:"false"`
	// ContentMaxAge is the public cache lifetime, in seconds, for anonymous
	// content responses.
	ContentMaxAge int `env:"CONTENT_MAX_AGE" envDefault:"300"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"membergate"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"membergate_secret"`
	PostgresDB   string `env:"POSTGRES_DB" envDefault:"membergate"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Redis
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka
	KafkaEnabled bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Tracing
	TracingEnabled bool   `env:"TRACING_ENABLED" envDefault:"false"`
	OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"localhost:4318"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load membergate config: %w", err)
	}
	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("invalid HTTP port: %d", cfg.HTTPPort)
	}
	if cfg.CacheHardCeiling <= cfg.CacheSoftTTL {
		return nil, fmt.Errorf("CACHE_HARD_CEILING (%s) must exceed CACHE_SOFT_TTL (%s)",
			cfg.CacheHardCeiling, cfg.CacheSoftTTL)
	}

	// Outside development, credentials and secrets must be set explicitly.
	if cfg.Environment != "development" {
		if cfg.OAuthClientID == "" || cfg.OAuthClientSecret == "" {
			return nil, fmt.Errorf("OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET must be set in %q mode", cfg.Environment)
		}
		if cfg.SessionSecret == "change-this-to-a-secure-secret" {
			return nil, fmt.Errorf("SESSION_SECRET must be explicitly set via environment variable in %q mode", cfg.Environment)
		}
		if len(cfg.SessionSecret) < 32 {
			return nil, fmt.Errorf("SESSION_SECRET must be at least 32 characters long, got %d", len(cfg.SessionSecret))
		}
	}

	return cfg, nil
}

// Postgres returns the connection pool configuration.
func (c *Config) Postgres() database.PostgresConfig {
	return database.PostgresConfig{
		Host:     c.PostgresHost,
		Port:     c.PostgresPort,
		User:     c.PostgresUser,
		Password: c.PostgresPass,
		DBName:   c.PostgresDB,
		SSLMode:  c.PostgresSSL,
	}
}
