package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresSleep        = time.Sleep
)

type PostgresConfig struct {
	URL        string
	RequireTLS bool
	Retries    int
	RetryDelay time.Duration
	MaxConns   int32
}

func PostgresConfigFromEnv() PostgresConfig {
	return PostgresConfig{
		URL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RequireTLS: truthy(os.Getenv("DATABASE_REQUIRE_TLS")),
		Retries:    10,
		RetryDelay: 2 * time.Second,
		MaxConns:   4,
	}
}

// NewPostgresPool dials with retries until the database answers a ping.
func NewPostgresPool(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RequireTLS {
		if err := validatePostgresTLS(cfg.URL); err != nil {
			return nil, err
		}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	attempts := max(cfg.Retries, 1)
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			postgresSleep(cfg.RetryDelay)
		}
		pool, err := pgxPoolNewWithConfig(ctx, poolCfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch mode := strings.ToLower(parsed.Query().Get("sslmode")); mode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", mode)
	}
}
