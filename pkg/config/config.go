package config

import (
	"fmt"
	"time"

	"callsignal/pkg/constants"
	"callsignal/pkg/env"
)

// Config holds all configuration for the call client
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Redis     RedisConfig
	Signaling SignalingConfig
	JWT       JWTConfig
	Log       LogConfig
	Tracing   TracingConfig
}

// ServerConfig holds the local UI API configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
}

// StoreConfig selects and configures the session store
type StoreConfig struct {
	Driver     string // cockroach, sqlite
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	MaxConns   int
	MinConns   int
	SQLitePath string
}

// RedisConfig holds Redis configuration for the signaling transport
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// SignalingConfig holds channel manager and orchestrator settings
type SignalingConfig struct {
	HandshakeTimeout time.Duration
	// RingTimeout marks unanswered calls missed; zero disables the watchdog.
	RingTimeout time.Duration
	InboxPrefix string
}

// JWTConfig holds the identity token settings
type JWTConfig struct {
	Secret      string
	AccessToken string // token identifying the local user
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled    bool
	JaegerURL  string
	SampleRate float64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8085),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "call-client"),
			AllowedOrigins: env.GetSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}),
		},
		Store: StoreConfig{
			Driver:     env.GetString("STORE_DRIVER", "cockroach"),
			Host:       env.GetString("DB_HOST", "localhost"),
			Port:       env.GetInt("DB_PORT", 26257),
			User:       env.GetString("DB_USER", "root"),
			Password:   env.GetStringFromFile("DB_PASSWORD", ""),
			Database:   env.GetString("DB_NAME", "callsignal"),
			SSLMode:    env.GetString("DB_SSL_MODE", "disable"),
			MaxConns:   env.GetInt("DB_MAX_CONNS", 10),
			MinConns:   env.GetInt("DB_MIN_CONNS", 2),
			SQLitePath: env.GetString("SQLITE_PATH", "calls.db"),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Signaling: SignalingConfig{
			HandshakeTimeout: env.GetDuration("SIGNAL_HANDSHAKE_TIMEOUT", constants.HandshakeTimeout),
			RingTimeout:      env.GetDuration("SIGNAL_RING_TIMEOUT", 0),
			InboxPrefix:      env.GetString("SIGNAL_INBOX_PREFIX", constants.InboxPrefix),
		},
		JWT: JWTConfig{
			Secret:      env.GetStringFromFile("JWT_SECRET", ""),
			AccessToken: env.GetStringFromFile("CALL_CLIENT_TOKEN", ""),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/call-client.log"),
		},
		Tracing: TracingConfig{
			Enabled:    env.GetBool("TRACING_ENABLED", false),
			JaegerURL:  env.GetString("JAEGER_URL", "http://localhost:14268/api/traces"),
			SampleRate: env.GetFloat("TRACING_SAMPLE_RATE", 1.0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "cockroach", "sqlite":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want cockroach or sqlite)", c.Store.Driver)
	}

	if c.Signaling.HandshakeTimeout <= 0 {
		return fmt.Errorf("SIGNAL_HANDSHAKE_TIMEOUT must be positive")
	}
	if c.Signaling.RingTimeout < 0 {
		return fmt.Errorf("SIGNAL_RING_TIMEOUT must not be negative")
	}
	if c.Signaling.InboxPrefix == "" {
		return fmt.Errorf("SIGNAL_INBOX_PREFIX must not be empty")
	}

	if c.Server.Environment == "production" && len(c.JWT.Secret) < constants.MinJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in production", constants.MinJWTSecretLength)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be within [0, 1]")
	}

	return nil
}

// DSN builds the PostgreSQL-compatible connection string for the cockroach driver
func (s StoreConfig) DSN() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		s.User, s.Password, s.Host, s.Port, s.Database, s.SSLMode)
}
