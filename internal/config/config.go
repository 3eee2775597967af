// Package config loads process settings from the environment, with an
// optional .env file in the working directory.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string
	Env      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// DBDriver is "postgres" or "sqlite".
	DBDriver    string
	DatabaseURL string

	EnableScheduler bool
	VisibilityTTL   time.Duration
	PollInterval    time.Duration
	FailureLogCap   int

	MarketAPIURL      string
	MarketAPIKey      string
	SocialAPIURL      string
	SocialAPIKey      string
	HTTPClientTimeout time.Duration

	// WSMaxClients caps push subscribers; 0 means unlimited.
	WSMaxClients int

	// TriggerRatePerMin limits the POST routes of the jobs API per client.
	TriggerRatePerMin int
	ShutdownTimeout   time.Duration
}

// Load reads the configuration. A missing .env file is not an error.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		Env:               getEnv("APP_ENV", "development"),
		RedisAddr:         getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getInt("REDIS_DB", 0),
		DBDriver:          getEnv("DB_DRIVER", "postgres"),
		DatabaseURL:       getEnv("DATABASE_URL", "host=localhost user=postgres dbname=coinqw port=5432 sslmode=disable"),
		EnableScheduler:   getBool("ENABLE_SCHEDULER", true),
		VisibilityTTL:     getDuration("VISIBILITY_TTL", 30*time.Second),
		PollInterval:      getDuration("POLL_INTERVAL", 100*time.Millisecond),
		FailureLogCap:     getInt("FAILURE_LOG_CAP", 200),
		MarketAPIURL:      getEnv("MARKET_API_URL", "http://localhost:9001"),
		MarketAPIKey:      getEnv("MARKET_API_KEY", ""),
		SocialAPIURL:      getEnv("SOCIAL_API_URL", "http://localhost:9002"),
		SocialAPIKey:      getEnv("SOCIAL_API_KEY", ""),
		HTTPClientTimeout: getDuration("HTTP_CLIENT_TIMEOUT", 10*time.Second),
		WSMaxClients:      getInt("WS_MAX_CLIENTS", 1000),
		TriggerRatePerMin: getInt("TRIGGER_RATE_PER_MIN", 30),
		ShutdownTimeout:   getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
