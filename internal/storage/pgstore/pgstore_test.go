package pgstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"relaybot/internal/storage"
	"relaybot/internal/storage/storagetest"
	"relaybot/pkg/logx"
)

// The gorm layer is dialect-neutral, so the contract runs on glebarez's pure
// Go SQLite dialect instead of a live PostgreSQL server.
func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pg.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: NewLogger(logx.Nop())})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	st, err := New(context.Background(), db, storage.Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return st
}

func TestGormStore(t *testing.T) {
	storagetest.Run(t, openTestStore, storagetest.Options{})
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), storage.Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error without dsn")
	}
}
