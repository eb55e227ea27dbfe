package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

func TestSplitTextPrefersNewlines(t *testing.T) {
	line := strings.Repeat("a", 1500)
	s := line + "\n" + line + "\n" + line
	parts := splitText(s, 4000)
	if len(parts) != 2 {
		t.Fatalf("parts=%d", len(parts))
	}
	if parts[0] != line+"\n"+line || parts[1] != line {
		t.Fatalf("unexpected split: %d/%d runes", len([]rune(parts[0])), len([]rune(parts[1])))
	}
	if got := splitText("short", 4000); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short=%v", got)
	}
}

func TestSplitTextHardCutsWithoutNewlines(t *testing.T) {
	parts := splitText(strings.Repeat("é", 9000), 4000)
	if len(parts) != 3 || len([]rune(parts[2])) != 1000 {
		t.Fatalf("parts=%d", len(parts))
	}
}

func TestClassify(t *testing.T) {
	if err := classify(tele.ErrChatNotFound); !errors.Is(err, transport.ErrNotRegistered) {
		t.Fatalf("chat not found: %v", err)
	}
	if err := classify(tele.ErrBlockedByUser); !errors.Is(err, transport.ErrNotRegistered) {
		t.Fatalf("blocked: %v", err)
	}
	if err := classify(&tele.Error{Code: 502, Description: "Bad Gateway"}); !transport.IsTransient(err) {
		t.Fatalf("5xx should be transient: %v", err)
	}
	if err := classify(errors.New("telegram: retry after 3 (429)")); !transport.IsTransient(err) {
		t.Fatalf("flood should be transient: %v", err)
	}
	if err := classify(&tele.Error{Code: 400, Description: "Bad Request: message is too long"}); transport.IsTransient(err) {
		t.Fatalf("4xx should not be transient")
	}
}

func TestSendBeforeConnectIsClosed(t *testing.T) {
	s, err := New(Config{Token: "123:abc"}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.State() != transport.StateDisconnected {
		t.Fatalf("state=%s", s.State())
	}
	_, err = s.Send(context.Background(), "42", transport.Content{Text: "hi"}, nil)
	if !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := s.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy idle: %v", err)
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseChat(t *testing.T) {
	if id, err := parseChat("+5215550001"); err != nil || id != 5215550001 {
		t.Fatalf("id=%d err=%v", id, err)
	}
	if _, err := parseChat("abc"); !errors.Is(err, transport.ErrNotRegistered) {
		t.Fatalf("err=%v", err)
	}
}
