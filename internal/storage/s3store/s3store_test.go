package s3store

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"relaybot/internal/storage"
	"relaybot/internal/storage/storagetest"
	"relaybot/pkg/logx"
)

func setupFakeS3(t *testing.T) storage.Config {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	bucket := "relaybot-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return storage.Config{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		Region:    "us-east-1",
		Bucket:    bucket,
		Prefix:    "bots",
		Insecure:  true,
		AccessKey: "test",
		SecretKey: "test",
	}
}

func TestS3Store(t *testing.T) {
	// gofakes3 does not serialize conditional puts, so racing claims are
	// left to real S3.
	storagetest.Run(t, func(t *testing.T) storage.Store {
		st, err := Open(context.Background(), setupFakeS3(t), logx.Nop())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return st
	}, storagetest.Options{SkipConcurrent: true})
}

func TestOpenMissingBucket(t *testing.T) {
	cfg := setupFakeS3(t)
	cfg.Bucket = "absent"
	if _, err := Open(context.Background(), cfg, logx.Nop()); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestStaleETagIsRejected(t *testing.T) {
	cfg := setupFakeS3(t)
	st, err := New(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	key := st.leaseKey("t:1")
	if err := st.putJSON(ctx, key, storage.Lease{ID: "t:1", HolderID: "a"}, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.putJSON(ctx, key, storage.Lease{ID: "t:1", HolderID: "b"}, "bogus"); err != errCASMismatch {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	l, err := st.ReadLease(ctx, "t:1")
	if err != nil || l.HolderID != "a" {
		t.Fatalf("read = %+v, %v", l, err)
	}
}
