package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every process-wide tunable. Values come from the
// environment with production defaults; a local .env file is honored
// when present.
type Config struct {
	ListenAddr string

	// Backends
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresURL   string // empty means in-memory store (dev/test)

	// Auth
	TokenSecret string

	// Ingestion
	LocationUpdateRateLimit int     // writes per user per minute
	DefaultLagThreshold     float64 // meters
	MinLagThreshold         float64 // meters
	CriticalLagThreshold    float64 // meters

	// Arrival
	ArrivalDistanceThreshold float64 // meters
	ArrivalSpeedThreshold    float64 // m/s

	// Realtime sessions
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxConnections    int

	// HIGH-priority delivery retries
	MaxRetryAttempts int
	RetryTimeout     time.Duration
}

// Default returns production defaults without reading the environment.
func Default() Config {
	return Config{
		ListenAddr:               ":8080",
		RedisAddr:                "localhost:6379",
		LocationUpdateRateLimit:  60,
		DefaultLagThreshold:      500,
		MinLagThreshold:          100,
		CriticalLagThreshold:     1000,
		ArrivalDistanceThreshold: 100,
		ArrivalSpeedThreshold:    1.39,
		HeartbeatInterval:        4 * time.Second,
		HeartbeatTimeout:         7 * time.Second,
		MaxConnections:           2000,
		MaxRetryAttempts:         3,
		RetryTimeout:             5 * time.Second,
	}
}

// FromEnv loads the configuration, layering environment variables over the
// defaults. Unknown or malformed values fall back with a logged warning
// rather than aborting startup.
func FromEnv() Config {
	// Best-effort: absence of .env is the normal production case.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration overrides from .env")
	}

	cfg := Default()

	cfg.ListenAddr = envString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.RedisAddr = envString("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envString("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("REDIS_DB", cfg.RedisDB)
	cfg.PostgresURL = envString("POSTGRES_URL", cfg.PostgresURL)
	cfg.TokenSecret = envString("TOKEN_SECRET", cfg.TokenSecret)

	cfg.LocationUpdateRateLimit = envInt("LOCATION_UPDATE_RATE_LIMIT", cfg.LocationUpdateRateLimit)
	cfg.DefaultLagThreshold = envFloat("DEFAULT_LAG_THRESHOLD_METERS", cfg.DefaultLagThreshold)
	cfg.CriticalLagThreshold = envFloat("CRITICAL_LAG_METERS", cfg.CriticalLagThreshold)
	cfg.ArrivalDistanceThreshold = envFloat("ARRIVAL_DISTANCE_THRESHOLD_METERS", cfg.ArrivalDistanceThreshold)
	cfg.ArrivalSpeedThreshold = envFloat("ARRIVAL_SPEED_THRESHOLD_MPS", cfg.ArrivalSpeedThreshold)

	cfg.HeartbeatInterval = envMillis("HEARTBEAT_INTERVAL_MS", cfg.HeartbeatInterval)
	cfg.HeartbeatTimeout = envMillis("HEARTBEAT_TIMEOUT_MS", cfg.HeartbeatTimeout)
	cfg.MaxConnections = envInt("MAX_WS_CONNECTIONS", cfg.MaxConnections)

	cfg.MaxRetryAttempts = envInt("MAX_RETRY_ATTEMPTS", cfg.MaxRetryAttempts)
	cfg.RetryTimeout = envMillis("RETRY_TIMEOUT_MS", cfg.RetryTimeout)

	return cfg
}

// Validate catches configurations that would violate journey invariants.
func (c Config) Validate() error {
	if c.DefaultLagThreshold < c.MinLagThreshold {
		return fmt.Errorf("default lag threshold %.0fm below minimum %.0fm", c.DefaultLagThreshold, c.MinLagThreshold)
	}
	if c.CriticalLagThreshold < c.DefaultLagThreshold {
		return fmt.Errorf("critical lag threshold %.0fm below default %.0fm", c.CriticalLagThreshold, c.DefaultLagThreshold)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %v must exceed interval %v", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("max retry attempts must be non-negative")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Config: ignoring %s=%q: %v", key, v, err)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("Config: ignoring %s=%q: %v", key, v, err)
		return def
	}
	return f
}

func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		log.Printf("Config: ignoring %s=%q", key, v)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
