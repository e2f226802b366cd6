package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/fitchat-gateway/services/providers"
)

// Backend names for the swappable stores
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	Proxy         ProxyConfig
	RateLimit     RateLimitConfig
	Tools         ToolsConfig
	Observability ObservabilityConfig
	Environment   string

	// Providers is the fallback chain, loaded from ProvidersFile or the environment
	Providers []providers.ProviderConfig

	// Pricing is the per-provider/per-model price table
	Pricing []PriceEntry
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the rate limit counter store connection
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig selects how bearer tokens are verified: a shared HS256 secret,
// or an RS256 key set fetched from JWKSURL.
type AuthConfig struct {
	JWTSecret    string
	JWKSURL      string
	JWKSCacheTTL time.Duration
	Issuer       string
	Audience     string
	Leeway       time.Duration
}

// ProxyConfig bounds the orchestrator and inbound request shape
type ProxyConfig struct {
	ProvidersFile        string
	ProviderTimeout      time.Duration
	MaxRetries           int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	CircuitCooldown      time.Duration
	MaxMessages          int
	MaxMessageChars      int
	MaxTools             int
	IPRateLimitPerMinute int
}

// RateLimitConfig is the per-user admission policy
type RateLimitConfig struct {
	Backend    string
	Requests   int
	WindowMode string
	Window     time.Duration
	FailOpen   bool
	KeyPrefix  string
}

// ToolsConfig configures the tool-call bridge
type ToolsConfig struct {
	MaxRounds int
	Timeout   time.Duration

	// ExecutorURL is the domain service that runs tools; empty uses the
	// in-process registry
	ExecutorURL   string
	ExecutorToken string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://*"}),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("JWT_SECRET", ""),
			JWKSURL:      getEnv("JWKS_URL", ""),
			JWKSCacheTTL: getEnvAsDuration("JWKS_CACHE_TTL", time.Hour),
			Issuer:       getEnv("JWT_ISSUER", ""),
			Audience:     getEnv("JWT_AUDIENCE", ""),
			Leeway:       getEnvAsDuration("JWT_LEEWAY", 30*time.Second),
		},
		Proxy: ProxyConfig{
			ProvidersFile:        getEnv("PROVIDERS_FILE", "config/providers.yaml"),
			ProviderTimeout:      getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
			MaxRetries:           getEnvAsInt("PROVIDER_MAX_RETRIES", 2),
			RetryBaseDelay:       getEnvAsDuration("PROVIDER_RETRY_BASE_DELAY", 200*time.Millisecond),
			RetryMaxDelay:        getEnvAsDuration("PROVIDER_RETRY_MAX_DELAY", 2*time.Second),
			CircuitCooldown:      getEnvAsDuration("CIRCUIT_COOLDOWN", 60*time.Second),
			MaxMessages:          getEnvAsInt("MAX_MESSAGES", 50),
			MaxMessageChars:      getEnvAsInt("MAX_MESSAGE_CHARS", 8000),
			MaxTools:             getEnvAsInt("MAX_TOOLS", 32),
			IPRateLimitPerMinute: getEnvAsInt("IP_RATE_LIMIT_PER_MINUTE", 120),
		},
		RateLimit: RateLimitConfig{
			Backend:    getEnv("RATE_LIMIT_BACKEND", BackendRedis),
			Requests:   getEnvAsInt("RATE_LIMIT_REQUESTS", 10),
			WindowMode: getEnv("RATE_LIMIT_WINDOW_MODE", "fixed_daily"),
			Window:     getEnvAsDuration("RATE_LIMIT_WINDOW", 24*time.Hour),
			FailOpen:   getEnvAsBool("RATE_LIMIT_FAIL_OPEN", false),
			KeyPrefix:  getEnv("RATE_LIMIT_KEY_PREFIX", "fitchat:ratelimit"),
		},
		Tools: ToolsConfig{
			MaxRounds:     getEnvAsInt("TOOL_MAX_ROUNDS", 3),
			Timeout:       getEnvAsDuration("TOOL_TIMEOUT", 10*time.Second),
			ExecutorURL:   getEnv("TOOL_EXECUTOR_URL", ""),
			ExecutorToken: getEnv("TOOL_EXECUTOR_TOKEN", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	file, err := LoadProvidersFile(cfg.Proxy.ProvidersFile)
	if err != nil {
		return nil, err
	}
	cfg.Providers, cfg.Pricing = file.Resolve(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Database.Backend() {
	case BackendPostgres:
		if c.Database.ConnectionString == "" && c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.ConnectionString == "" && c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case BackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("in-memory ledger is not allowed in production")
		}
	}

	switch c.RateLimit.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis rate limit backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("rate limit requests must be positive")
	}
	switch c.RateLimit.WindowMode {
	case "fixed_daily":
	case "rolling":
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rolling rate limit window must be positive")
		}
	default:
		return fmt.Errorf("unknown rate limit window mode %q", c.RateLimit.WindowMode)
	}

	if c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		return fmt.Errorf("JWT_SECRET or JWKS_URL is required")
	}

	if c.Proxy.ProviderTimeout <= 0 {
		return fmt.Errorf("provider timeout must be positive")
	}
	if c.Proxy.MaxRetries < 0 {
		return fmt.Errorf("provider max retries must not be negative")
	}
	if c.Proxy.MaxMessages <= 0 || c.Proxy.MaxMessageChars <= 0 {
		return fmt.Errorf("message limits must be positive")
	}
	if c.Tools.MaxRounds < 1 {
		return fmt.Errorf("tool max rounds must be at least 1")
	}

	if c.IsProduction() && len(c.Providers) == 0 {
		return fmt.Errorf("at least one LLM provider must be configured in production")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Backend reports where the usage ledger lives. No database settings at
// all selects the in-memory ledger.
func (c *DatabaseConfig) Backend() string {
	if c.ConnectionString == "" && c.Host == "" {
		return BackendMemory
	}
	return BackendPostgres
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		cfg.ConnectionString = dbURL
		return cfg
	}

	cfg.Host = getEnv("DB_HOST", "")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.User = getEnv("DB_USER", "fitchat")
	cfg.Password = getEnv("DB_PASSWORD", "")
	cfg.Database = getEnv("DB_NAME", "fitchat")
	cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
