// Package backend opens the configured storage driver.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/storage"
	"relaybot/internal/storage/mongostore"
	"relaybot/internal/storage/pgstore"
	"relaybot/internal/storage/s3store"
	"relaybot/internal/storage/sqlitestore"
	"relaybot/pkg/logx"
)

// Open initializes the configured store. An empty driver selects memory.
func Open(ctx context.Context, cfg storage.Config, log logx.Logger) (storage.Store, error) {
	log = log.Or().Component("storage")
	driver := Normalize(cfg.Driver)

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var (
		st  storage.Store
		err error
	)
	switch driver {
	case "memory":
		st = storage.NewMemory()
	case "sqlite":
		st, err = sqlitestore.Open(ctx, cfg, log)
	case "postgres":
		st, err = pgstore.Open(ctx, cfg, log)
	case "mongo":
		st, err = mongostore.Open(ctx, cfg, log)
	case "s3":
		st, err = s3store.Open(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", driver, err)
	}
	log.Info("storage opened", logx.String("driver", driver))
	return st, nil
}

// Normalize maps driver aliases to their canonical name.
func Normalize(driver string) string {
	switch d := strings.ToLower(strings.TrimSpace(driver)); d {
	case "", "memory", "mem":
		return "memory"
	case "sqlite", "sqlite3":
		return "sqlite"
	case "postgres", "postgresql", "pg":
		return "postgres"
	case "mongo", "mongodb":
		return "mongo"
	case "s3", "minio":
		return "s3"
	default:
		return d
	}
}

// Shared reports whether the driver can coordinate processes on different
// hosts.
func Shared(driver string) bool {
	switch Normalize(driver) {
	case "postgres", "mongo", "s3":
		return true
	}
	return false
}
