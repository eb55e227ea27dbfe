package backlog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPFetchAndAck(t *testing.T) {
	var acked []Ack
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/pending":
			if r.URL.Query().Get("filter") != "mx" {
				t.Errorf("filter=%q", r.URL.Query().Get("filter"))
			}
			_, _ = w.Write([]byte(`[{"recipient_id":"5215550001","messages":[{"id":"1","body":"hola"},{"id":"2","body":"foto","media_url":"http://x/y.jpg"}]}]`))
		case "/api/ack":
			var a Ack
			if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			acked = append(acked, a)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{URL: srv.URL + "/api/", Token: "tok"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	groups, err := h.FetchPending(ctx, "mx")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(groups) != 1 || len(groups[0].Messages) != 2 || groups[0].Messages[1].MediaURL != "http://x/y.jpg" {
		t.Fatalf("groups=%+v", groups)
	}
	if err := h.Acknowledge(ctx, Ack{MessageID: "1", Status: StatusSent, Metadata: map[string]string{"message_id": "w1"}}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(acked) != 1 || acked[0].Status != StatusSent || acked[0].Metadata["message_id"] != "w1" {
		t.Fatalf("acked=%+v", acked)
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database down", http.StatusBadGateway)
	}))
	defer srv.Close()

	h, _ := NewHTTP(HTTPConfig{URL: srv.URL})
	_, err := h.FetchPending(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "database down") {
		t.Fatalf("err=%v", err)
	}
}

func TestNewHTTPRequiresURL(t *testing.T) {
	if _, err := NewHTTP(HTTPConfig{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMemoryAckRemovesPending(t *testing.T) {
	m := NewMemory()
	m.Add("a", Message{ID: "1", Body: "x"}, Message{ID: "2", Body: "y"})
	m.Add("b", Message{ID: "3", Body: "z"})
	ctx := context.Background()

	if err := m.Acknowledge(ctx, Ack{MessageID: "1", Status: StatusSent}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := m.Acknowledge(ctx, Ack{MessageID: "3", Status: StatusInvalid}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	groups, _ := m.FetchPending(ctx, "")
	if len(groups) != 1 || groups[0].RecipientID != "a" || len(groups[0].Messages) != 1 || groups[0].Messages[0].ID != "2" {
		t.Fatalf("groups=%+v", groups)
	}
	if m.Count(StatusInvalid) != 1 || m.Count(StatusSent) != 1 {
		t.Fatalf("acks=%+v", m.Acks())
	}
}
