package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Bus drivers
const (
	BusDriverNone     = "none"
	BusDriverNATS     = "nats"
	BusDriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// WebSocket configuration
	WebSocket WebSocketConfig

	// Event relay configuration
	Relay RelayConfig

	// Broker client configuration (roomctl)
	Client ClientConfig

	// Cross-instance room bus configuration
	Bus BusConfig

	// JWT configuration
	JWT JWTConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
	SendBuffer      int
	HubQueueSize    int
	EventsPerSecond float64 // Inbound events allowed per socket
	EventBurst      int
	RequireAuth     bool // Reject upgrades without a valid token
}

// RelayConfig holds event relay configuration
type RelayConfig struct {
	Trace bool // Log every relayed event at debug level
}

// ClientConfig holds settings for processes that connect to the broker
type ClientConfig struct {
	URL                  string
	Origin               string // Application origin used to derive the URL in production
	BaseDelay            time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	ReadTimeout          time.Duration // Silence tolerated before reconnecting
	Token                string
}

// BusConfig holds room bus configuration
type BusConfig struct {
	Driver         string // none, nats, postgres
	PublishTimeout time.Duration
	NATS           NATSConfig
	Postgres       PostgresBusConfig
}

// NATSConfig holds NATS bus configuration
type NATSConfig struct {
	URL             string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// PostgresBusConfig holds LISTEN/NOTIFY bus configuration
type PostgresBusConfig struct {
	URL             string
	Channel         string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := load()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadClient loads configuration for broker clients. Server-only settings
// are read but not validated.
func LoadClient() (*Config, error) {
	cfg := load()

	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func load() *Config {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8080"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:  getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
			PingInterval:    getDurationOrDefault("WS_PING_INTERVAL", 54*time.Second),
			PongWait:        getDurationOrDefault("WS_PONG_WAIT", 60*time.Second),
			WriteWait:       getDurationOrDefault("WS_WRITE_WAIT", 10*time.Second),
			MaxMessageSize:  int64(getIntOrDefault("WS_MAX_MESSAGE_SIZE", 64*1024)),
			SendBuffer:      getIntOrDefault("WS_SEND_BUFFER", 256),
			HubQueueSize:    getIntOrDefault("WS_HUB_QUEUE_SIZE", 1024),
			EventsPerSecond: getFloatOrDefault("WS_EVENTS_PER_SECOND", 20),
			EventBurst:      getIntOrDefault("WS_EVENT_BURST", 40),
			RequireAuth:     getBoolOrDefault("WS_REQUIRE_AUTH", false),
		},
		Relay: RelayConfig{
			Trace: getBoolOrDefault("RELAY_TRACE", false),
		},
		Client: ClientConfig{
			URL:                  os.Getenv("BROKER_URL"),
			Origin:               os.Getenv("APP_ORIGIN"),
			BaseDelay:            getDurationOrDefault("BROKER_RECONNECT_DELAY", time.Second),
			MaxReconnectAttempts: getIntOrDefault("BROKER_MAX_RECONNECT_ATTEMPTS", 5),
			DialTimeout:          getDurationOrDefault("BROKER_DIAL_TIMEOUT", 10*time.Second),
			ReadTimeout:          getDurationOrDefault("BROKER_READ_TIMEOUT", 75*time.Second),
			Token:                os.Getenv("BROKER_TOKEN"),
		},
		Bus: BusConfig{
			Driver:         strings.ToLower(getEnvOrDefault("BUS_DRIVER", BusDriverNone)),
			PublishTimeout: getDurationOrDefault("BUS_PUBLISH_TIMEOUT", 2*time.Second),
			NATS: NATSConfig{
				URL:             getEnvOrDefault("NATS_URL", "nats://127.0.0.1:4222"),
				SubjectPrefix:   getEnvOrDefault("NATS_SUBJECT_PREFIX", "marketplace"),
				MaxReconnects:   getIntOrDefault("NATS_MAX_RECONNECTS", -1),
				ReconnectWait:   getDurationOrDefault("NATS_RECONNECT_WAIT", 2*time.Second),
				BreakerFailures: uint32(getIntOrDefault("NATS_BREAKER_FAILURES", 5)),
				BreakerTimeout:  getDurationOrDefault("NATS_BREAKER_TIMEOUT", 30*time.Second),
			},
			Postgres: PostgresBusConfig{
				URL:             os.Getenv("DATABASE_URL"),
				Channel:         getEnvOrDefault("PG_BUS_CHANNEL", "marketplace_rooms"),
				MaxConns:        getIntOrDefault("DB_MAX_CONNS", 4),
				MinConns:        getIntOrDefault("DB_MIN_CONNS", 1),
				ConnMaxLifetime: getDurationOrDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute),
				ConnMaxIdleTime: getDurationOrDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			},
		},
		JWT: JWTConfig{
			Secret:         os.Getenv("JWT_SECRET"),
			AccessTokenTTL: getDurationOrDefault("JWT_ACCESS_TOKEN_TTL", 1*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getBoolOrDefault("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatOrDefault("RATE_LIMIT_RPS", 10),
			BurstSize:         getIntOrDefault("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "marketplace-realtime"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	// Required fields
	if c.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required")
	}

	// Security validations
	if c.App.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}

		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	// Logical validations
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, "WS_PING_INTERVAL must be shorter than WS_PONG_WAIT")
	}

	if c.WebSocket.SendBuffer <= 0 || c.WebSocket.HubQueueSize <= 0 {
		errs = append(errs, "WS_SEND_BUFFER and WS_HUB_QUEUE_SIZE must be positive")
	}

	if c.WebSocket.EventsPerSecond <= 0 || c.WebSocket.EventBurst <= 0 {
		errs = append(errs, "WS_EVENTS_PER_SECOND and WS_EVENT_BURST must be positive")
	}

	switch c.Bus.Driver {
	case BusDriverNone:
	case BusDriverNATS:
		if c.Bus.NATS.URL == "" {
			errs = append(errs, "NATS_URL is required when BUS_DRIVER=nats")
		}
	case BusDriverPostgres:
		if c.Bus.Postgres.URL == "" {
			errs = append(errs, "DATABASE_URL is required when BUS_DRIVER=postgres")
		}
		if c.Bus.Postgres.MinConns > c.Bus.Postgres.MaxConns {
			errs = append(errs, "DB_MIN_CONNS cannot be greater than DB_MAX_CONNS")
		}
	default:
		errs = append(errs, fmt.Sprintf("BUS_DRIVER must be one of none, nats, postgres (got %q)", c.Bus.Driver))
	}

	errs = append(errs, c.clientErrors()...)

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return nil
}

// ValidateClient validates only the settings a broker client uses
func (c *Config) ValidateClient() error {
	if errs := c.clientErrors(); len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) clientErrors() []string {
	var errs []string
	if c.Client.MaxReconnectAttempts < 0 {
		errs = append(errs, "BROKER_MAX_RECONNECT_ATTEMPTS cannot be negative")
	}
	if c.Client.BaseDelay <= 0 {
		errs = append(errs, "BROKER_RECONNECT_DELAY must be positive")
	}
	if c.Client.ReadTimeout <= c.WebSocket.PingInterval {
		errs = append(errs, "BROKER_READ_TIMEOUT must be longer than WS_PING_INTERVAL")
	}
	return errs
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, Bus: %s, DB: %s, JWT: [REDACTED], RateLimit: %v, Environment: %s}",
		c.Server.Port,
		c.Bus.Driver,
		redactURL(c.Bus.Postgres.URL),
		c.RateLimit.Enabled,
		c.App.Environment,
	)
}

// redactURL redacts sensitive parts of a database URL
func redactURL(url string) string {
	if url == "" {
		return ""
	}
	if idx := strings.Index(url, "@"); idx > 0 {
		return "[REDACTED]" + url[idx:]
	}
	return "[REDACTED]"
}
