package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"relaybot/internal/storage"
)

func TestFetchQRSendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/qr" || r.URL.Query().Get("format") != "text" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Control-Token") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("2@pairing-code\n"))
	}))
	defer srv.Close()

	got, err := fetchQR(context.Background(), srv.URL, "s3cret")
	if err != nil || got != "2@pairing-code" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if _, err := fetchQR(context.Background(), srv.URL, "wrong"); err == nil {
		t.Fatalf("unauthorized request succeeded")
	}
}

func TestFetchQRNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := fetchQR(context.Background(), strings.TrimPrefix(srv.URL, "http://"), "")
	if err == nil || !strings.Contains(err.Error(), "no pairing code") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadEnv(t *testing.T) {
	if err := loadEnv(filepath.Join(t.TempDir(), "missing.env"), false); err != nil {
		t.Fatalf("implicit missing file: %v", err)
	}
	if err := loadEnv(filepath.Join(t.TempDir(), "missing.env"), true); err == nil {
		t.Fatalf("explicit missing file accepted")
	}

	p := filepath.Join(t.TempDir(), "bot.env")
	if err := os.WriteFile(p, []byte("RELAYBOT_TEST_TOKEN=abc123\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAYBOT_TEST_TOKEN", "")
	os.Unsetenv("RELAYBOT_TEST_TOKEN")
	if err := loadEnv(p, true); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("RELAYBOT_TEST_TOKEN"); got != "abc123" {
		t.Fatalf("env = %q", got)
	}
}

func TestPrintLeaseMarksStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printLease(&buf, storage.Lease{
		ID:         "acme:5215550001",
		HolderID:   "h1:42:x",
		Host:       "h1",
		PID:        42,
		State:      storage.StateReady,
		StartedAt:  now.Add(-time.Hour),
		LastSeenAt: now.Add(-time.Minute),
	}, 25*time.Second, now)
	out := buf.String()
	if !strings.Contains(out, "ready, stale") || !strings.Contains(out, "1 minute ago") {
		t.Fatalf("output:\n%s", out)
	}
}

func TestPrintActions(t *testing.T) {
	var buf bytes.Buffer
	printActions(&buf, []storage.Action{
		{Kind: storage.ActionRestart, RequestedAt: time.Now(), RequestedBy: "ops"},
		{Kind: storage.ActionRelease, RequestedAt: time.Now(), DoneAt: time.Now(), Result: storage.ResultOK, DoneBy: "h1"},
	})
	out := buf.String()
	if !strings.Contains(out, "pending") || !strings.Contains(out, "ok") {
		t.Fatalf("output:\n%s", out)
	}
}
