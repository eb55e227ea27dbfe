package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"relaybot/internal/storage"
	"relaybot/internal/storage/storagetest"
	"relaybot/pkg/logx"
)

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		st, err := Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "lease.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return st
	}, storagetest.Options{})
}

func TestSQLiteReopenKeepsLease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lease.db")
	cfg := storage.Config{Path: path, TablePrefix: "bot_"}
	ctx := context.Background()

	st, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ok, err := st.ClaimLease(ctx, storage.LeaseClaim{ID: "t:1", HolderID: "a", Now: storagetest.Base, StaleBefore: storagetest.Base})
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	_ = st.Close()

	st, err = Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	l, err := st.ReadLease(ctx, "t:1")
	if err != nil || l.HolderID != "a" {
		t.Fatalf("read after reopen = %+v, %v", l, err)
	}
}

func TestSQLiteRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), storage.Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error without path")
	}
}
