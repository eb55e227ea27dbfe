package sender

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/transport"
	"relaybot/internal/transport/memsession"
)

func fastOptions() Options {
	return Options{Attempts: 3, NotReadyDelay: time.Millisecond, RetryDelay: time.Millisecond}
}

func connected(t *testing.T) *memsession.Session {
	t.Helper()
	sess := memsession.New()
	if err := sess.Connect(context.Background(), transport.ConnectOptions{}, make(chan transport.Event, 8)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return sess
}

func TestRetriesTransientThenSucceeds(t *testing.T) {
	sess := connected(t)
	sess.FailNext(errors.New("Evaluation failed: Protocol error"), transport.Transient(errors.New("socket reset")))
	s := New(fastOptions())
	s.Bind(sess)

	res, err := s.Send(context.Background(), "5215550001", transport.Content{Text: "hola"}, nil)
	if err != nil || res.MessageID == "" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if len(sess.Sent()) != 1 {
		t.Fatalf("sent=%d", len(sess.Sent()))
	}
}

func TestGivesUpAfterThreeAttemptsWithFinalError(t *testing.T) {
	sess := connected(t)
	first := errors.New("Execution context was destroyed")
	second := errors.New("Target closed")
	final := errors.New("Session closed")
	sess.FailNext(first, second, final, nil)
	s := New(fastOptions())
	s.Bind(sess)

	_, err := s.Send(context.Background(), "1", transport.Content{Text: "x"}, nil)
	if err != final {
		t.Fatalf("expected the final error unchanged, got %v", err)
	}
	if len(sess.Sent()) != 0 {
		t.Fatalf("no send should have succeeded")
	}
}

func TestNonTransientFailsImmediately(t *testing.T) {
	sess := connected(t)
	sess.MarkUnregistered("999")
	s := New(fastOptions())
	s.Bind(sess)

	_, err := s.Send(context.Background(), "999", transport.Content{Text: "x"}, nil)
	if !errors.Is(err, transport.ErrNotRegistered) {
		t.Fatalf("err=%v", err)
	}
}

type countingSession struct {
	*memsession.Session
	calls atomic.Int32
}

func (c *countingSession) Send(ctx context.Context, to string, ct transport.Content, o *transport.SendOptions) (transport.SendResult, error) {
	c.calls.Add(1)
	return c.Session.Send(ctx, to, ct, o)
}

func TestExactlyThreeAttemptsOnPersistentTransient(t *testing.T) {
	cs := &countingSession{Session: connected(t)}
	boom := transport.Transient(errors.New("flaky"))
	cs.FailNext(boom, boom, boom, boom)
	s := New(fastOptions())
	s.Bind(cs)

	if _, err := s.Send(context.Background(), "1", transport.Content{Text: "x"}, nil); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if got := cs.calls.Load(); got != 3 {
		t.Fatalf("attempts=%d", got)
	}
}

func TestNotReadyDelaysButStillSends(t *testing.T) {
	sess := connected(t)
	sess.SetState(transport.StateConnecting)
	opts := fastOptions()
	opts.NotReadyDelay = 20 * time.Millisecond
	s := New(opts)
	s.Bind(sess)

	start := time.Now()
	if _, err := s.Send(context.Background(), "1", transport.Content{Text: "x"}, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected a not-ready wait")
	}
}

func TestUnboundIsNotReady(t *testing.T) {
	s := New(fastOptions())
	if _, err := s.Send(context.Background(), "1", transport.Content{Text: "x"}, nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err=%v", err)
	}
	s.Bind(connected(t))
	s.Bind(nil)
	if s.Session() != nil {
		t.Fatalf("expected unbound")
	}
}

func TestIsTransientPatterns(t *testing.T) {
	for _, msg := range []string{
		"Evaluation failed: TypeError",
		"Execution context was destroyed, most likely because of a navigation",
		"Protocol error (Runtime.callFunctionOn): Target closed.",
		"Session closed. Most likely the page has been closed.",
	} {
		if !IsTransient(errors.New(msg)) {
			t.Fatalf("%q should be transient", msg)
		}
	}
	if IsTransient(errors.New("invalid wid")) || IsTransient(context.Canceled) || IsTransient(nil) {
		t.Fatalf("unexpected transient")
	}
}

func TestNewLimiterUnlimitedThenTightened(t *testing.T) {
	l := NewLimiter(0, 0)
	if l.Limit() != rate.Inf || l.Burst() != 1 {
		t.Fatalf("limit=%v burst=%d", l.Limit(), l.Burst())
	}
	l.SetLimit(Limit(2.5))
	if l.Limit() != rate.Limit(2.5) {
		t.Fatalf("limit after reload = %v", l.Limit())
	}
	if Limit(-1) != rate.Inf {
		t.Fatalf("negative rate should be unlimited")
	}
}
