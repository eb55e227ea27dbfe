// Package transport defines the messaging session the owner holds open. Only
// one process per identity may have a Session connected at a time.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotRegistered means the recipient does not exist on the platform.
	ErrNotRegistered = errors.New("transport: recipient not registered")
	// ErrClosed is returned by a Session after Destroy.
	ErrClosed = errors.New("transport: session closed")
	// ErrAuth is returned by Connect when the credentials were rejected.
	ErrAuth = errors.New("transport: authentication failed")
)

// ConnState is the connectivity state a Session reports.
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateQR            ConnState = "qr"
	StateAuthenticated ConnState = "authenticated"
	StateReady         ConnState = "ready"
)

type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
)

// Event is emitted by a connected Session. QR is set for EventQR, Reason for
// EventAuthFailure and EventDisconnected, Message for EventMessage.
type Event struct {
	Kind    EventKind
	QR      string
	Reason  string
	Message *Message
}

type Message struct {
	ID   string
	From string
	Text string
	Time time.Time
}

// Content is one outbound message. MediaURL, when set, is sent with Text as
// its caption.
type Content struct {
	Text     string
	MediaURL string
}

type SendOptions struct {
	// QuotedID replies to a previous message.
	QuotedID       string
	DisablePreview bool
}

type SendResult struct {
	MessageID string
	Time      time.Time
}

type ConnectOptions struct {
	// ResetAuth discards any stored authentication so the session starts
	// unauthenticated (a fresh QR pairing for bridge drivers).
	ResetAuth bool
}

// Session is the long-lived client bound to the bot identity.
//
// Connect starts the session and delivers events on the channel until
// Destroy; it returns once the connection attempt was handed off, not when
// the session is ready. The channel is never closed by the Session.
type Session interface {
	Connect(ctx context.Context, opts ConnectOptions, events chan<- Event) error
	Destroy(ctx context.Context) error
	State() ConnState
	Send(ctx context.Context, to string, c Content, opts *SendOptions) (SendResult, error)
}

// Registrar is implemented by sessions that can check a recipient before
// sending.
type Registrar interface {
	IsRegistered(ctx context.Context, recipient string) (bool, error)
}

// Factory builds a fresh Session for each owner term.
type Factory func() (Session, error)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err or anything it wraps was marked Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
