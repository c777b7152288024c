// Package config provides environment configuration for the API server and
// the terminal client.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the API server.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigins        []string

	// Backing stores: "nats" or "memory" for the message log, "redis" or
	// "memory" for the conversation directory.
	MessageLog string
	Directory  string

	// NATS settings
	NATSURL         string
	NATSCAFile      string
	NATSCertFile    string
	NATSKeyFile     string
	NATSToken       string
	StreamMaxAge    time.Duration
	StreamReplicas  int
	StreamInMemory  bool
	StreamStatsTick time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Live feed
	StreamHeartbeat time.Duration

	// JWT settings
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel    string
	Development bool

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// ClientConfig holds configuration for the terminal client.
type ClientConfig struct {
	APIURL string
	Token  string
	UserID string
	// JWTSecret lets a development client mint its own token.
	JWTSecret string

	MatchWindow   time.Duration
	WriteTimeout  time.Duration
	ScrollEpsilon int
	PageSize      int
	ViewHeight    int

	LogLevel string
}

// loadDotEnv reads .env from the working directory when present. Variables
// already in the environment win.
func loadDotEnv() {
	_ = godotenv.Load()
}

// Load reads server configuration from environment variables.
func Load() *Config {
	loadDotEnv()
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		CORSOrigins:        getListEnv("CORS_ORIGINS"),

		MessageLog: getEnv("MESSAGE_LOG", "nats"),
		Directory:  getEnv("DIRECTORY", "memory"),

		// NATS
		NATSURL:         getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:      getEnv("NATS_CA_FILE", ""),
		NATSCertFile:    getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:     getEnv("NATS_KEY_FILE", ""),
		NATSToken:       getEnv("NATS_TOKEN", ""),
		StreamMaxAge:    getDurationEnv("NATS_STREAM_MAX_AGE", 365*24*time.Hour),
		StreamReplicas:  getIntEnv("NATS_STREAM_REPLICAS", 1),
		StreamInMemory:  getBoolEnv("NATS_STREAM_MEMORY", false),
		StreamStatsTick: getDurationEnv("NATS_STREAM_STATS_INTERVAL", 30*time.Second),

		// Redis
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		StreamHeartbeat: getDurationEnv("STREAM_HEARTBEAT", 30*time.Second),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Development: getEnv("ENV", "") == "development",

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// LoadClient reads terminal client configuration from environment variables.
func LoadClient() *ClientConfig {
	loadDotEnv()
	return &ClientConfig{
		APIURL:    getEnv("INBOX_API_URL", "http://localhost:8080"),
		Token:     getEnv("INBOX_TOKEN", ""),
		UserID:    getEnv("INBOX_USER", ""),
		JWTSecret: getEnv("JWT_SECRET", ""),

		MatchWindow:   getDurationEnv("INBOX_MATCH_WINDOW", 5*time.Second),
		WriteTimeout:  getDurationEnv("INBOX_WRITE_TIMEOUT", 15*time.Second),
		ScrollEpsilon: getIntEnv("INBOX_SCROLL_EPSILON", 1),
		PageSize:      getIntEnv("INBOX_PAGE_SIZE", 200),
		ViewHeight:    getIntEnv("INBOX_VIEW_HEIGHT", 20),

		LogLevel: getEnv("LOG_LEVEL", "warn"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
