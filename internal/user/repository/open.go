package repository

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"

	"postboard/backend/internal/db"
)

// ErrUnsupportedStore is returned by Open for an unknown DB_URL scheme.
var ErrUnsupportedStore = errors.New("unsupported store scheme")

// OpenOptions tunes the backend chosen by Open.
type OpenOptions struct {
	// Production refuses the memory:// store.
	Production bool
	Postgres   db.PoolOptions
	// RedisPrefix namespaces Redis keys (default "pb").
	RedisPrefix string
	// MongoDatabase is used when the mongodb URL has no database path (default "postboard").
	MongoDatabase string
}

// Open connects the credential store selected by the scheme of dbURL.
func Open(ctx context.Context, dbURL string, opts OpenOptions) (Repository, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse DB_URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		sqlDB, err := db.Open(ctx, dbURL, opts.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return NewPostgresRepository(sqlDB), nil
	case "mongodb", "mongodb+srv":
		name := strings.Trim(u.Path, "/")
		if name == "" {
			name = opts.MongoDatabase
		}
		if name == "" {
			name = "postboard"
		}
		repo, err := ConnectMongo(ctx, dbURL, name)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		return repo, nil
	case "redis", "rediss":
		ropts, err := redis.ParseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		rdb := redis.NewClient(ropts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		return NewRedisRepository(rdb, opts.RedisPrefix), nil
	case "memory":
		if opts.Production {
			return nil, errors.New("memory store is not allowed in production")
		}
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStore, u.Scheme)
	}
}
