package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetOwner(true)
	m.LeaseEvent("acquired")
	m.Dispatched("sent", 3)
	m.Inbound("reply")
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New("acme:1")
	m.SetOwner(true)
	m.Dispatched("sent", 25)
	m.Action("restart", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`relaybot_lease_owner{identity="acme:1"} 1`,
		`relaybot_dispatch_messages_total{identity="acme:1",status="sent"} 25`,
		`relaybot_actions_total{identity="acme:1",kind="restart",result="ok"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
}
