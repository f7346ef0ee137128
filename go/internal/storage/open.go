package storage

import (
	"context"
	"fmt"
)

// Options selects and configures a KV backend
type Options struct {
	Driver      string // memory, sqlite or redis
	SQLitePath  string
	RedisAddr   string
	RedisPrefix string
}

// Open returns the backend named by opts.Driver
func Open(ctx context.Context, opts Options) (KV, error) {
	switch opts.Driver {
	case "", "memory":
		return NewMemoryKV(), nil
	case "sqlite":
		return OpenSQLite(ctx, opts.SQLitePath)
	case "redis":
		return NewRedisKV(ctx, opts.RedisAddr, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
