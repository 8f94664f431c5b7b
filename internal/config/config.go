// Package config loads server configuration from the environment, following
// the teacher stack's getEnv/getEnvInt convention (cmd/main.go) rather than a
// dedicated config-file library: every setting here has a sane default and a
// single environment variable override.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the process needs at startup.
type Config struct {
	ListenAddr string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	NATSURL         string
	NATSInstanceTag string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisEnabled  bool

	DebounceDelay      time.Duration
	DebounceMaxDelay   time.Duration
	IdleEvictTTL       time.Duration
	PropagateAwareness bool

	WSIdleTimeout       time.Duration
	WSHandshakeTimeout  time.Duration
	WSOutboundQueueSize int

	MemorySampleInterval    time.Duration
	MemoryGCThreshold       float64
	MemoryDocumentCacheSize int
	MemoryHistoryLimit      int

	LogLevel  string
	LogPretty bool
}

// Load builds a Config from the process environment, filling in defaults for
// anything unset.
func Load() Config {
	return Config{
		ListenAddr: getEnv("COLLABDOC_LISTEN_ADDR", ":8080"),

		JWTSecret:   getEnv("COLLABDOC_JWT_SECRET", "dev-secret-change-me"),
		JWTIssuer:   getEnv("COLLABDOC_JWT_ISSUER", "collabdoc-server"),
		JWTAudience: getEnv("COLLABDOC_JWT_AUDIENCE", "collabdoc-clients"),

		NATSURL:         getEnv("COLLABDOC_NATS_URL", "nats://127.0.0.1:4222"),
		NATSInstanceTag: getEnv("COLLABDOC_INSTANCE_TAG", randomInstanceTag()),

		RedisAddr:     getEnv("COLLABDOC_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("COLLABDOC_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("COLLABDOC_REDIS_DB", 0),
		RedisEnabled:  getEnvBool("COLLABDOC_REDIS_ENABLED", false),

		DebounceDelay:      getEnvDuration("COLLABDOC_DEBOUNCE_DELAY", 300*time.Millisecond),
		DebounceMaxDelay:   getEnvDuration("COLLABDOC_DEBOUNCE_MAX_DELAY", time.Second),
		IdleEvictTTL:       getEnvDuration("COLLABDOC_IDLE_EVICT_TTL", 5*time.Minute),
		PropagateAwareness: getEnvBool("COLLABDOC_PROPAGATE_AWARENESS", false),

		WSIdleTimeout:       getEnvDuration("COLLABDOC_WS_IDLE_TIMEOUT", 60*time.Second),
		WSHandshakeTimeout:  getEnvDuration("COLLABDOC_WS_HANDSHAKE_TIMEOUT", 10*time.Second),
		WSOutboundQueueSize: getEnvInt("COLLABDOC_WS_OUTBOUND_QUEUE_SIZE", 256),

		MemorySampleInterval:    getEnvDuration("COLLABDOC_MEMORY_SAMPLE_INTERVAL", 30*time.Second),
		MemoryGCThreshold:       getEnvFloat("COLLABDOC_MEMORY_GC_THRESHOLD", 0.8),
		MemoryDocumentCacheSize: getEnvInt("COLLABDOC_MEMORY_DOCUMENT_CACHE_SIZE", 100),
		MemoryHistoryLimit:      getEnvInt("COLLABDOC_MEMORY_HISTORY_LIMIT", 0),

		LogLevel:  getEnv("COLLABDOC_LOG_LEVEL", "info"),
		LogPretty: getEnvBool("COLLABDOC_LOG_PRETTY", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func randomInstanceTag() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "collabdoc-instance"
	}
	return host
}
