package storage

import (
	"context"
	"errors"
	"strings"

	logx "khatmbot/pkg/logx"
)

// SubscriberStore persists one Record per subscriber id. Put and Delete are
// durable when they return nil; on error the previous state is unchanged.
type SubscriberStore interface {
	Get(ctx context.Context, id string) (Record, bool, error)
	Put(ctx context.Context, id string, rec Record) error
	Delete(ctx context.Context, id string) error
	All(ctx context.Context) ([]Entry, error)
	Close() error
}

// Open initializes the configured store. An empty driver means "file".
func Open(cfg Config, log logx.Logger) (SubscriberStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "file", "json":
		st, err := openFile(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
