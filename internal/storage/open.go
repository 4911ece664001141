package storage

import (
	"context"
	"fmt"
	"strings"

	logx "ledgerbot/pkg/logx"
)

// Store is the persistence surface the rest of the service programs against.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	PutStats(ctx context.Context, channel string, s StatsRecord) error
	GetStats(ctx context.Context, channel string) (StatsRecord, bool, error)
	Close() error
}

// Open builds the store selected by cfg.Driver. An empty or "none" driver
// means persistence is off; the caller gets a nil Store and no error.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
