package reputation

import (
	"fmt"
	"os"
	"strconv"
)

// Config selects and parameterizes the ledger backend.
type Config struct {
	Backend string // "memory", "redis", "postgres" or "spanner"

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string

	SpannerProject  string
	SpannerInstance string
	SpannerDatabase string
}

// NewStore creates the appropriate backend based on configuration.
func NewStore(config Config) (Store, error) {
	switch config.Backend {
	case "spanner":
		if config.SpannerProject == "" || config.SpannerInstance == "" || config.SpannerDatabase == "" {
			return nil, fmt.Errorf("spanner configuration incomplete")
		}
		return NewSpannerStore(config.SpannerProject, config.SpannerInstance, config.SpannerDatabase)

	case "postgres":
		if config.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres configuration incomplete: dsn required")
		}
		return NewPostgresStore(config.PostgresDSN)

	case "redis":
		if config.RedisAddr == "" {
			return nil, fmt.Errorf("redis configuration incomplete: addr required")
		}
		return NewRedisStore(config.RedisAddr, config.RedisPassword, config.RedisDB)

	case "memory", "":
		// Default for local development and single-node deployments.
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown backend: %s", config.Backend)
	}
}

// NewStoreFromEnv creates a backend from environment variables.
func NewStoreFromEnv() (Store, error) {
	backend := os.Getenv("REPUTATION_BACKEND")
	if backend == "" {
		backend = "memory"
	}

	redisDB := 0
	if v := os.Getenv("REPUTATION_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}

	config := Config{
		Backend:         backend,
		RedisAddr:       os.Getenv("REPUTATION_REDIS_ADDR"),
		RedisPassword:   os.Getenv("REPUTATION_REDIS_PASSWORD"),
		RedisDB:         redisDB,
		PostgresDSN:     os.Getenv("REPUTATION_POSTGRES_DSN"),
		SpannerProject:  os.Getenv("SPANNER_PROJECT_ID"),
		SpannerInstance: os.Getenv("SPANNER_INSTANCE_ID"),
		SpannerDatabase: os.Getenv("SPANNER_DATABASE_ID"),
	}

	return NewStore(config)
}
