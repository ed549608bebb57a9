package storage

import (
	"context"
	"fmt"
	"strings"

	logx "connq/pkg/logx"
)

// Store persists operation outcomes.
type Store interface {
	AppendOutcome(ctx context.Context, o Outcome) error
	// RecentOutcomes returns up to limit outcomes, newest first.
	RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error)
	Close() error
}

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open initializes the configured store. A disabled store is (nil, nil).
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver: %s", name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("driver", name)))
}
