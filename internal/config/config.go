// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is everything the server reads from the environment.
type Config struct {
	Port string

	DatabaseURL string // empty → in-memory store
	RedisURL    string // empty → no quote cache
	AMQPURL     string // empty → audit events go to the process log
	AuditQueue  string

	QuoteServerAddr string // empty → stub quote source
	QuoteLifespan   time.Duration
	TriggerFanout   int
}

// Load reads config from the environment. A .env file in the working
// directory is applied first if present; real environment variables
// win over it.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:            getenv("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		AMQPURL:         os.Getenv("AMQP_URL"),
		AuditQueue:      getenv("AUDIT_QUEUE", "audit-events"),
		QuoteServerAddr: os.Getenv("QUOTE_SERVER_ADDR"),
		QuoteLifespan:   getduration("QUOTE_LIFESPAN", 60*time.Second),
		TriggerFanout:   getint("TRIGGER_FANOUT", 8),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		// Bare numbers are seconds, matching the legacy deployment.
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
