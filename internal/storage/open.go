package storage

import (
	"context"
	"fmt"
)

// Backend is a full session and notification store with lifecycle hooks.
type Backend interface {
	SessionStore
	NotificationStore
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and addresses a Backend.
type Options struct {
	Kind          string // memory, redis or postgres
	RedisAddr     string
	RedisPassword string
	PGDSN         string
	Migrate       bool
}

// Open connects to the configured backend and verifies it is reachable.
func Open(ctx context.Context, o Options) (Backend, error) {
	switch o.Kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		rs := NewRedisStore(o.RedisAddr, o.RedisPassword)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return rs, nil
	case "postgres":
		ps, err := NewPostgresStore(o.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		if o.Migrate {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return nil, err
			}
		}
		return ps, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", o.Kind)
	}
}
