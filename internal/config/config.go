// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the scpd server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Auth     AuthConfig
	Bus      BusConfig
	Push     PushConfig
	Media    MediaConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

// ServerConfig contains network-level settings for the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr            string        `env:"SCP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"SCP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"SCP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"SCP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SCP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	CORSOrigins     []string      `env:"SCP_CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

// DatabaseConfig points at the Postgres instance that owns durable state.
type DatabaseConfig struct {
	DSN          string        `env:"SCP_DATABASE_DSN,required"`
	MaxOpenConns int           `env:"SCP_DB_MAX_OPEN" envDefault:"32"`
	MaxIdleConns int           `env:"SCP_DB_MAX_IDLE" envDefault:"8"`
	ConnLifetime time.Duration `env:"SCP_DB_CONN_LIFETIME" envDefault:"30m"`
}

// NATSConfig controls the cross-node topic bus transport. An empty URL runs
// the bus in single-node mode.
type NATSConfig struct {
	URL           string        `env:"SCP_NATS_URL"`
	MaxReconnects int           `env:"SCP_NATS_MAX_RECONNECTS" envDefault:"-1"`
	ReconnectWait time.Duration `env:"SCP_NATS_RECONNECT_WAIT" envDefault:"2s"`
	// ClusterKey seals inter-node payloads with XChaCha20-Poly1305.
	// Hex-encoded 32 bytes; required in production deployments.
	ClusterKey string `env:"SCP_NATS_CLUSTER_KEY"`
}

// AuthConfig carries token signing material and lifetimes.
type AuthConfig struct {
	JWTSecret       string        `env:"SCP_JWT_SECRET,required"`
	AccessLifetime  time.Duration `env:"SCP_ACCESS_TOKEN_LIFETIME" envDefault:"15m"`
	RefreshLifetime time.Duration `env:"SCP_REFRESH_TOKEN_LIFETIME" envDefault:"720h"`
}

// BusConfig controls per-subscriber queue behaviour on the topic bus.
type BusConfig struct {
	QueueCapacity int `env:"SCP_BUS_QUEUE_CAPACITY" envDefault:"1024"`
}

// PushConfig configures the FCM dispatcher.
type PushConfig struct {
	CredentialsFile string        `env:"SCP_FCM_CREDENTIALS_FILE"`
	APNSVoIPTopic   string        `env:"SCP_APNS_VOIP_TOPIC" envDefault:"com.scpchat.app.voip"`
	Workers         int           `env:"SCP_PUSH_WORKERS" envDefault:"8"`
	QueueCapacity   int           `env:"SCP_PUSH_QUEUE_CAPACITY" envDefault:"4096"`
	ThrottleWindow  time.Duration `env:"SCP_PUSH_THROTTLE_WINDOW" envDefault:"30s"`
}

// MediaConfig selects the attachment storage backend.
type MediaConfig struct {
	Dir      string `env:"SCP_MEDIA_DIR" envDefault:"./media"`
	UseS3    bool   `env:"SCP_MEDIA_S3" envDefault:"false"`
	S3Bucket string `env:"SCP_MEDIA_S3_BUCKET"`
	S3Region string `env:"SCP_MEDIA_S3_REGION"`
}

// LoggingConfig controls zerolog level and encoding.
type LoggingConfig struct {
	Level  string `env:"SCP_LOG_LEVEL" envDefault:"info"`
	Pretty bool   `env:"SCP_LOG_PRETTY" envDefault:"false"`
}

// MetricsConfig controls the Prometheus endpoint and system sampler.
type MetricsConfig struct {
	Enabled        bool          `env:"SCP_METRICS_ENABLED" envDefault:"true"`
	SampleInterval time.Duration `env:"SCP_METRICS_SAMPLE_INTERVAL" envDefault:"15s"`
}

// Load reads configuration from the environment, honoring an optional .env
// file in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Bus.QueueCapacity < 1000 {
		cfg.Bus.QueueCapacity = 1000
	}
	if cfg.Media.UseS3 && cfg.Media.S3Bucket == "" {
		return nil, fmt.Errorf("config: SCP_MEDIA_S3_BUCKET required when SCP_MEDIA_S3 is set")
	}
	return &cfg, nil
}
