package storage

import (
	"context"
	"errors"
	"strings"

	"pillbot/pkg/logx"
)

// Store is the mapping persistence API used by the reminder engine.
type Store interface {
	InsertMapping(ctx context.Context, m Mapping) (int64, error)
	DeleteMapping(ctx context.Context, id int64) error
	// FutureMappings returns mappings filtered by Type. An empty kind returns
	// all rows. Recurring reminders never age out; ordering is by
	// scheduled_at ascending so diagnostics render in trigger order.
	FutureMappings(ctx context.Context, kind string) ([]Mapping, error)
	// TableExists reports whether the mappings table is present. Used to
	// degrade the reconciliation view gracefully on a pre-migration database.
	TableExists(ctx context.Context) (bool, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
