// Package memsession is an in-process Session for tests and dry runs. It
// records every send and lets the caller inject events and failures.
package memsession

import (
	"context"
	"strconv"
	"sync"
	"time"

	"relaybot/internal/transport"
)

type Sent struct {
	To      string
	Content transport.Content
	ID      string
}

type Session struct {
	// AutoReady emits authenticated and ready on Connect.
	AutoReady bool
	// ConnectErr, when set, is returned by the next Connect.
	ConnectErr error

	mu           sync.Mutex
	state        transport.ConnState
	events       chan<- transport.Event
	sent         []Sent
	failNext     []error
	unregistered map[string]bool
	connects     []transport.ConnectOptions
	destroys     int
	seq          int
	notify       chan struct{}
}

func New() *Session {
	return &Session{
		AutoReady:    true,
		state:        transport.StateDisconnected,
		unregistered: map[string]bool{},
		notify:       make(chan struct{}, 1),
	}
}

// Factory returns the same Session on every call, so tests can inspect it
// across owner terms.
func (s *Session) Factory() transport.Factory {
	return func() (transport.Session, error) { return s, nil }
}

func (s *Session) Connect(ctx context.Context, opts transport.ConnectOptions, events chan<- transport.Event) error {
	s.mu.Lock()
	s.connects = append(s.connects, opts)
	if err := s.ConnectErr; err != nil {
		s.ConnectErr = nil
		s.mu.Unlock()
		return err
	}
	s.events = events
	s.state = transport.StateConnecting
	auto := s.AutoReady
	s.mu.Unlock()

	if auto {
		s.SetState(transport.StateAuthenticated)
		s.Emit(ctx, transport.Event{Kind: transport.EventAuthenticated})
		s.SetState(transport.StateReady)
		s.Emit(ctx, transport.Event{Kind: transport.EventReady})
	}
	return nil
}

func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.state = transport.StateDisconnected
	s.destroys++
	return nil
}

func (s *Session) State() transport.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(st transport.ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Emit delivers ev to the connected consumer. It is a no-op when not connected.
func (s *Session) Emit(ctx context.Context, ev transport.Event) {
	s.mu.Lock()
	ch := s.events
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// Inbound emits a text message from the given sender.
func (s *Session) Inbound(ctx context.Context, from, text string) {
	s.mu.Lock()
	s.seq++
	id := "in-" + strconv.Itoa(s.seq)
	s.mu.Unlock()
	s.Emit(ctx, transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		ID: id, From: from, Text: text, Time: time.Now().UTC(),
	}})
}

// FailNext queues errors returned by the next sends, in order.
func (s *Session) FailNext(errs ...error) {
	s.mu.Lock()
	s.failNext = append(s.failNext, errs...)
	s.mu.Unlock()
}

func (s *Session) MarkUnregistered(ids ...string) {
	s.mu.Lock()
	for _, id := range ids {
		s.unregistered[id] = true
	}
	s.mu.Unlock()
}

func (s *Session) Send(ctx context.Context, to string, c transport.Content, _ *transport.SendOptions) (transport.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return transport.SendResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return transport.SendResult{}, transport.ErrClosed
	}
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		if err != nil {
			return transport.SendResult{}, err
		}
	}
	if s.unregistered[to] {
		return transport.SendResult{}, transport.ErrNotRegistered
	}
	s.seq++
	id := "out-" + strconv.Itoa(s.seq)
	s.sent = append(s.sent, Sent{To: to, Content: c, ID: id})
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return transport.SendResult{MessageID: id, Time: time.Now().UTC()}, nil
}

func (s *Session) IsRegistered(ctx context.Context, recipient string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unregistered[recipient], nil
}

func (s *Session) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Texts returns the texts sent to one recipient, in order.
func (s *Session) Texts(to string) []string {
	var out []string
	for _, m := range s.Sent() {
		if m.To == to {
			out = append(out, m.Content.Text)
		}
	}
	return out
}

// WaitSent blocks until at least n messages were sent or timeout elapses.
func (s *Session) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if len(s.Sent()) >= n {
			return true
		}
		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		select {
		case <-s.notify:
		case <-time.After(min(left, 20*time.Millisecond)):
		}
	}
}

func (s *Session) Connects() []transport.ConnectOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.ConnectOptions(nil), s.connects...)
}

func (s *Session) Destroys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroys
}
