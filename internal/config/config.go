package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config is the frozen configuration passed to constructors at startup.
// There is no mutable global; reloads happen by building a new value.
type Config struct {
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`
	GinMode     string `yaml:"gin_mode"`
	WorkerID    string `yaml:"worker_id"`

	// External backends. Empty URL selects the in-process fallback.
	RedisURL    string `yaml:"redis_url"`
	NatsURL     string `yaml:"nats_url"`
	DatabaseURL string `yaml:"database_url"`

	// Sessions
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`

	// Rate limiting
	RateLimitWindowSeconds    int  `yaml:"rate_limit_window_seconds"`
	RateLimitGeneralPerWindow int  `yaml:"rate_limit_general_per_window"`
	RateLimitChatPerWindow    int  `yaml:"rate_limit_chat_per_window"`
	RateLimitLoginPerWindow   int  `yaml:"rate_limit_login_per_window"`
	RateLimitUseDistributed   bool `yaml:"rate_limit_use_distributed"`
	RateLimitFallbackToMemory bool `yaml:"rate_limit_fallback_to_memory"`
	RateLimitCleanupSeconds   int  `yaml:"rate_limit_cleanup_seconds"`

	// Authentication
	AuthMode               string `yaml:"auth_mode"` // "local" (HS256) or "jwks"
	AuthJWKSURL            string `yaml:"auth_jwks_url"`
	JWTSecret              string `yaml:"jwt_secret"`
	AccessTokenTTLSeconds  int    `yaml:"access_token_ttl_seconds"`
	RefreshTokenTTLSeconds int    `yaml:"refresh_token_ttl_seconds"`
	LoginBlockSeconds      int    `yaml:"login_block_seconds"`
	LoginMaxFailures       int    `yaml:"login_max_failures"`

	// Response cache
	ResponseCacheTTLSeconds int `yaml:"response_cache_ttl_seconds"`
	ResponseCacheCapacity   int `yaml:"response_cache_capacity"`

	// Pipeline
	ContentDir            string  `yaml:"content_dir"`
	PipelineStage1Min     float64 `yaml:"pipeline_stage1_threshold"`
	PipelineStage2Min     float64 `yaml:"pipeline_stage2_threshold"`
	PipelineStage3Cosine  float64 `yaml:"pipeline_stage3_cosine_min"`
	PipelineStage3Margin  float64 `yaml:"pipeline_stage3_margin"`
	PipelineStage3Single  float64 `yaml:"pipeline_stage3_override"`
	PipelineTopK          int     `yaml:"pipeline_top_k"`
	TurnDeadlineSeconds   int     `yaml:"turn_deadline_seconds"`

	// Circuit breakers
	CircuitFailureThreshold   int `yaml:"circuit_failure_threshold"`
	CircuitOpenDurationSecond int `yaml:"circuit_open_duration_seconds"`

	// WebSocket
	WSMaxFrameBytes       int `yaml:"ws_max_frame_bytes"`
	WSIdleSeconds         int `yaml:"ws_idle_seconds"`
	WSPongTimeoutSeconds  int `yaml:"ws_pong_timeout_seconds"`
	WSSendQueueCapacity   int `yaml:"ws_send_queue_capacity"`
	ShutdownGraceSeconds  int `yaml:"shutdown_grace_seconds"`
	SessionSweepSeconds   int `yaml:"session_sweep_seconds"`

	// History writer
	HistoryWorkerPoolSize int `yaml:"history_worker_pool_size"`
	HistoryBufferSize     int `yaml:"history_buffer_size"`
	HistoryTimeoutSeconds int `yaml:"history_timeout_seconds"`

	// Database connection pool
	DBMaxOpenConns    int `yaml:"db_max_open_conns"`
	DBMaxIdleConns    int `yaml:"db_max_idle_conns"`
	DBConnMaxIdleTime int `yaml:"db_conn_max_idle_minutes"`
	DBConnMaxLifetime int `yaml:"db_conn_max_lifetime_minutes"`

	// CORS: comma-separated in env, list in YAML. Wildcard is rejected in production.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// Development users seeded into the in-memory directory when no database
	// is configured. Format: "alice:bcrypt-hash,bob:bcrypt-hash".
	DevUsers string `yaml:"dev_users"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// defaultJWTSecret is only acceptable outside production.
const defaultJWTSecret = "dev-secret-change-me"

// Load builds the configuration from the environment, optionally overlaid by
// a YAML file named in CONFIG_FILE. Returns an error for permanent
// misconfiguration; startup must not proceed in that case.
func Load() (*Config, error) {
	// Load .env file if it exists.
	if err := godotenv.Load(".env"); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg := &Config{
		Port:        getEnvOrDefault("PORT", "8080"),
		Environment: getEnvOrDefault("ENVIRONMENT", "development"),
		GinMode:     getEnvOrDefault("GIN_MODE", "release"),
		WorkerID:    getEnvOrDefault("WORKER_ID", ""),

		RedisURL:    getEnvOrDefault("REDIS_URL", ""),
		NatsURL:     getEnvOrDefault("NATS_URL", ""),
		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),

		SessionTTLSeconds: getEnvAsInt("SESSION_TTL_SECONDS", 3600),

		RateLimitWindowSeconds:    getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitGeneralPerWindow: getEnvAsInt("RATE_LIMIT_GENERAL_PER_WINDOW", 200),
		RateLimitChatPerWindow:    getEnvAsInt("RATE_LIMIT_CHAT_PER_WINDOW", 100),
		RateLimitLoginPerWindow:   getEnvAsInt("RATE_LIMIT_LOGIN_PER_WINDOW", 5),
		RateLimitUseDistributed:   getEnvAsBool("RATE_LIMIT_USE_DISTRIBUTED", true),
		RateLimitFallbackToMemory: getEnvAsBool("RATE_LIMIT_FALLBACK_TO_MEMORY", true),
		RateLimitCleanupSeconds:   getEnvAsInt("RATE_LIMIT_CLEANUP_SECONDS", 300),

		AuthMode:               getEnvOrDefault("AUTH_MODE", "local"),
		AuthJWKSURL:            getEnvOrDefault("AUTH_JWKS_URL", ""),
		JWTSecret:              getEnvOrDefault("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLSeconds:  getEnvAsInt("ACCESS_TOKEN_TTL_SECONDS", 900),
		RefreshTokenTTLSeconds: getEnvAsInt("REFRESH_TOKEN_TTL_SECONDS", 604800),
		LoginBlockSeconds:      getEnvAsInt("LOGIN_BLOCK_SECONDS", 900),
		LoginMaxFailures:       getEnvAsInt("LOGIN_MAX_FAILURES", 5),

		ResponseCacheTTLSeconds: getEnvAsInt("RESPONSE_CACHE_TTL_SECONDS", 600),
		ResponseCacheCapacity:   getEnvAsInt("RESPONSE_CACHE_CAPACITY", 1000),

		ContentDir:           getEnvOrDefault("CONTENT_DIR", "content"),
		PipelineStage1Min:    getEnvAsFloat("PIPELINE_STAGE1_THRESHOLD", 0.6),
		PipelineStage2Min:    getEnvAsFloat("PIPELINE_STAGE2_THRESHOLD", 0.55),
		PipelineStage3Cosine: getEnvAsFloat("PIPELINE_STAGE3_COSINE_MIN", 0.72),
		PipelineStage3Margin: getEnvAsFloat("PIPELINE_STAGE3_MARGIN", 0.05),
		PipelineStage3Single: getEnvAsFloat("PIPELINE_STAGE3_OVERRIDE", 0.85),
		PipelineTopK:         getEnvAsInt("PIPELINE_TOP_K", 5),
		TurnDeadlineSeconds:  getEnvAsInt("TURN_DEADLINE_SECONDS", 15),

		CircuitFailureThreshold:   getEnvAsInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitOpenDurationSecond: getEnvAsInt("CIRCUIT_OPEN_DURATION_SECONDS", 30),

		WSMaxFrameBytes:      getEnvAsInt("WS_MAX_FRAME_BYTES", 65536),
		WSIdleSeconds:        getEnvAsInt("WS_IDLE_SECONDS", 30),
		WSPongTimeoutSeconds: getEnvAsInt("WS_PONG_TIMEOUT_SECONDS", 10),
		WSSendQueueCapacity:  getEnvAsInt("WS_SEND_QUEUE_CAPACITY", 64),
		ShutdownGraceSeconds: getEnvAsInt("SHUTDOWN_GRACE_SECONDS", 10),
		SessionSweepSeconds:  getEnvAsInt("SESSION_SWEEP_SECONDS", 60),

		HistoryWorkerPoolSize: getEnvAsInt("HISTORY_WORKER_POOL_SIZE", 4),
		HistoryBufferSize:     getEnvAsInt("HISTORY_BUFFER_SIZE", 1024),
		HistoryTimeoutSeconds: getEnvAsInt("HISTORY_TIMEOUT_SECONDS", 10),

		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_MINUTES", 5),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		CORSAllowedOrigins: splitAndTrim(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),

		DevUsers: getEnvOrDefault("DEV_USERS", ""),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", ""),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects permanent misconfiguration. A production deployment must
// not come up with a wildcard CORS origin or the default signing secret.
func (c *Config) Validate() error {
	if c.IsProduction() {
		for _, origin := range c.CORSAllowedOrigins {
			if origin == "*" {
				return fmt.Errorf("wildcard CORS origin is forbidden in production")
			}
		}
		if c.JWTSecret == defaultJWTSecret || len(c.JWTSecret) < 32 {
			return fmt.Errorf("production requires JWT_SECRET of at least 32 bytes")
		}
		if c.AuthMode == "jwks" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_MODE=jwks requires AUTH_JWKS_URL")
		}
	}
	if c.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("rate_limit_window_seconds must be positive, got %d", c.RateLimitWindowSeconds)
	}
	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("session_ttl_seconds must be positive, got %d", c.SessionTTLSeconds)
	}
	if c.WSSendQueueCapacity <= 0 {
		return fmt.Errorf("ws_send_queue_capacity must be positive, got %d", c.WSSendQueueCapacity)
	}
	return nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SessionTTL returns the session TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// TurnDeadline returns the per-turn orchestration deadline.
func (c *Config) TurnDeadline() time.Duration {
	return time.Duration(c.TurnDeadlineSeconds) * time.Second
}

// ShutdownGrace returns the drain budget for graceful shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
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
		log.Printf("invalid integer for %s: %q, using default %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("invalid float for %s: %q, using default %f", key, valueStr, defaultValue)
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
		log.Printf("invalid bool for %s: %q, using default %t", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
