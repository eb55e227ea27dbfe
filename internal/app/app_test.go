package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DIR", dir)
	p := filepath.Join(dir, "relaybot.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

const baseConfig = `
bot:
  tenant: test
lease:
  standby_poll: 50ms
  release_cooldown: 100ms
storage:
  driver: sqlite
  path: $DIR/relay.db
session:
  driver: wsbridge
  bridge:
    url: ws://127.0.0.1:1/bridge
    handshake_timeout: 200ms
dispatch:
  enabled: true
  poll_every: 1s
responder:
  mode: none
control:
  enabled: true
  addr: 127.0.0.1:0
logging:
  level: error
  console: false
`

func TestStartServeAndStopReleasesLease(t *testing.T) {
	path := writeConfig(t, baseConfig)
	a, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := http.Get("http://" + a.control.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(b) != "ok" {
		t.Fatalf("healthz body = %q", b)
	}

	// The bridge address refuses connections, so the term ends right away;
	// the lease must still have been acquired.
	timeout := time.After(3 * time.Second)
	for acquired := false; !acquired; {
		select {
		case e := <-events:
			acquired = e.Type == eventbus.LeaseAcquired
		case <-timeout:
			t.Fatalf("single-host process never acquired the lease")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}

	tools, err := OpenTools(context.Background(), path, a.log)
	if err != nil {
		t.Fatalf("open tools: %v", err)
	}
	defer tools.Close()
	if _, err := tools.Lease(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("lease after hard release: err=%v", err)
	}
}

func TestApplyConfigHotReload(t *testing.T) {
	path := writeConfig(t, baseConfig)
	a, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.store.Close()

	prev := a.cfgm.Get()
	next := *prev
	next.Sender.RatePerSec = 2
	next.Sender.Burst = 3
	next.Responder.Mode = "echo"
	size := 5
	next.Dispatch.PageSize = &size
	a.applyConfig(prev, &next)

	if got := a.limiter.Limit(); got != rate.Limit(2) {
		t.Fatalf("limit = %v", got)
	}
	if got := a.limiter.Burst(); got != 3 {
		t.Fatalf("burst = %d", got)
	}
	if a.set.Responder.Mode != "echo" || a.set.Dispatch.PageSize != 5 {
		t.Fatalf("settings not applied: %+v %+v", a.set.Responder, a.set.Dispatch)
	}

	bad := next
	bad.Dispatch.DelayMin = "10s"
	bad.Dispatch.DelayMax = "1s"
	a.applyConfig(&next, &bad)
	if a.set.Dispatch.DelayMin == 10*time.Second {
		t.Fatalf("invalid config applied")
	}
}

func TestMapStorageConfig(t *testing.T) {
	single := config.Settings{SingleHost: true}
	multi := config.Settings{}
	cases := []struct {
		name string
		sc   config.StorageConfig
		set  config.Settings
		ok   bool
	}{
		{"memory single host", config.StorageConfig{Driver: ""}, single, true},
		{"memory shared identity", config.StorageConfig{Driver: "memory"}, multi, false},
		{"sqlite needs path", config.StorageConfig{Driver: "sqlite"}, multi, false},
		{"sqlite", config.StorageConfig{Driver: "sqlite3", Path: "x.db"}, multi, true},
		{"postgres needs dsn", config.StorageConfig{Driver: "pg"}, multi, false},
		{"mongo", config.StorageConfig{Driver: "mongodb", URI: "mongodb://x"}, multi, true},
		{"s3 needs bucket", config.StorageConfig{Driver: "minio", Endpoint: "localhost:9000"}, multi, false},
		{"unknown", config.StorageConfig{Driver: "etcd"}, multi, false},
	}
	for _, tc := range cases {
		_, err := mapStorageConfig(&config.Config{Storage: tc.sc}, tc.set)
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
}

func TestDispatchConfigParsesSchedule(t *testing.T) {
	cfg, err := dispatchConfig(config.DispatchSettings{Schedule: "*/30 * 9-18 * * MON-FRI", Location: time.UTC})
	if err != nil || cfg.Schedule == nil {
		t.Fatalf("cfg=%+v err=%v", cfg, err)
	}
	if _, err := dispatchConfig(config.DispatchSettings{Schedule: "whenever"}); err == nil {
		t.Fatalf("bad schedule accepted")
	}
}
