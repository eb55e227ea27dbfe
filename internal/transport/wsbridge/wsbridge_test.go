package wsbridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// fakeBridge pairs on hello, answers send/check and pushes one inbound message.
func fakeBridge(t *testing.T, token string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "no", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case "hello":
				if f.ResetAuth {
					_ = conn.WriteJSON(frame{Type: "qr", QR: "pair-me"})
				}
				_ = conn.WriteJSON(frame{Type: "authenticated"})
				_ = conn.WriteJSON(frame{Type: "ready"})
				_ = conn.WriteJSON(frame{Type: "message", Message: &inbound{ID: "m1", From: "5215550001", Text: "hola", Timestamp: 1714564800000}})
			case "send":
				switch f.To {
				case "000":
					_ = conn.WriteJSON(frame{Type: "result", Ref: f.Ref, Code: codeNotRegistered, Error: "no such number"})
				case "flaky":
					_ = conn.WriteJSON(frame{Type: "result", Ref: f.Ref, Code: codeTransient, Error: "Evaluation failed"})
				case "hangup":
					return
				default:
					_ = conn.WriteJSON(frame{Type: "result", Ref: f.Ref, OK: true, MessageID: "wamid-" + f.To})
				}
			case "check":
				_ = conn.WriteJSON(frame{Type: "result", Ref: f.Ref, OK: true, Registered: f.To != "000"})
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func next(t *testing.T, ch <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		return transport.Event{}
	}
}

func TestBridgeLifecycleAndSend(t *testing.T) {
	srv := fakeBridge(t, "secret")
	defer srv.Close()

	s, err := New(Config{URL: wsURL(srv), Token: "secret", SendTimeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	events := make(chan transport.Event, 16)
	if err := s.Connect(ctx, transport.ConnectOptions{ResetAuth: true}, events); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Destroy(ctx)

	want := []transport.EventKind{transport.EventQR, transport.EventAuthenticated, transport.EventReady, transport.EventMessage}
	for _, k := range want {
		ev := next(t, events)
		if ev.Kind != k {
			t.Fatalf("event=%s want %s", ev.Kind, k)
		}
		if k == transport.EventMessage && (ev.Message.From != "5215550001" || ev.Message.Text != "hola") {
			t.Fatalf("message=%+v", ev.Message)
		}
	}
	if s.State() != transport.StateReady {
		t.Fatalf("state=%s", s.State())
	}

	res, err := s.Send(ctx, "5215550002", transport.Content{Text: "hi"}, nil)
	if err != nil || res.MessageID != "wamid-5215550002" {
		t.Fatalf("send: res=%+v err=%v", res, err)
	}
	if _, err := s.Send(ctx, "000", transport.Content{Text: "hi"}, nil); !errors.Is(err, transport.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if _, err := s.Send(ctx, "flaky", transport.Content{Text: "hi"}, nil); !transport.IsTransient(err) {
		t.Fatalf("expected transient, got %v", err)
	}
	if ok, err := s.IsRegistered(ctx, "000"); err != nil || ok {
		t.Fatalf("registered=%v err=%v", ok, err)
	}
	if ok, err := s.IsRegistered(ctx, "5215550002"); err != nil || !ok {
		t.Fatalf("registered=%v err=%v", ok, err)
	}
}

func TestBridgeHangupFailsPendingAndEmitsDisconnect(t *testing.T) {
	srv := fakeBridge(t, "secret")
	defer srv.Close()

	s, _ := New(Config{URL: wsURL(srv), Token: "secret", SendTimeout: 5 * time.Second}, logx.Nop())
	ctx := context.Background()
	events := make(chan transport.Event, 16)
	if err := s.Connect(ctx, transport.ConnectOptions{}, events); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Destroy(ctx)

	_, err := s.Send(ctx, "hangup", transport.Content{Text: "bye"}, nil)
	if !transport.IsTransient(err) {
		t.Fatalf("expected transient error after hangup, got %v", err)
	}
	for {
		ev := next(t, events)
		if ev.Kind == transport.EventDisconnected {
			break
		}
	}
	if s.State() != transport.StateDisconnected {
		t.Fatalf("state=%s", s.State())
	}
}

func TestBridgeRejectsBadToken(t *testing.T) {
	srv := fakeBridge(t, "secret")
	defer srv.Close()

	s, _ := New(Config{URL: wsURL(srv), Token: "wrong"}, logx.Nop())
	err := s.Connect(context.Background(), transport.ConnectOptions{}, make(chan transport.Event, 1))
	if !errors.Is(err, transport.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestSendWithoutConnectIsClosed(t *testing.T) {
	s, _ := New(Config{URL: "ws://127.0.0.1:1"}, logx.Nop())
	if _, err := s.Send(context.Background(), "1", transport.Content{Text: "x"}, nil); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("err=%v", err)
	}
}
