// Package wsbridge is a Session that talks to an external process owning the
// real messaging client (for example a WhatsApp Web automation) over a
// websocket carrying JSON frames.
//
// Client to bridge: hello{token,resetAuth}, send{ref,to,text,mediaUrl,quotedId},
// check{ref,to}. Bridge to client: qr{qr}, authenticated, ready,
// auth_failure{reason}, disconnected{reason}, message{message},
// result{ref,ok,messageId,error,code,registered}.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type Config struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	PingEvery        time.Duration
	SendTimeout      time.Duration
}

const (
	codeNotRegistered = "not_registered"
	codeTransient     = "transient"
)

type frame struct {
	Type       string   `json:"type"`
	Ref        string   `json:"ref,omitempty"`
	Token      string   `json:"token,omitempty"`
	ResetAuth  bool     `json:"resetAuth,omitempty"`
	To         string   `json:"to,omitempty"`
	Text       string   `json:"text,omitempty"`
	MediaURL   string   `json:"mediaUrl,omitempty"`
	QuotedID   string   `json:"quotedId,omitempty"`
	QR         string   `json:"qr,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	OK         bool     `json:"ok,omitempty"`
	MessageID  string   `json:"messageId,omitempty"`
	Error      string   `json:"error,omitempty"`
	Code       string   `json:"code,omitempty"`
	Registered bool     `json:"registered,omitempty"`
	Message    *inbound `json:"message,omitempty"`
}

type inbound struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type Session struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	sup     *supervisor.Supervisor
	pending map[string]chan frame
	closing bool

	writeMu sync.Mutex
	state   atomic.Value // transport.ConnState
}

func New(cfg Config, log logx.Logger) (*Session, error) {
	if cfg.URL == "" {
		return nil, errors.New("wsbridge url is empty")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingEvery <= 0 {
		cfg.PingEvery = 20 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	s := &Session{cfg: cfg, log: log.Or().Component("wsbridge")}
	s.state.Store(transport.StateDisconnected)
	return s, nil
}

func (s *Session) State() transport.ConnState {
	st, _ := s.state.Load().(transport.ConnState)
	return st
}

func (s *Session) setState(st transport.ConnState) { s.state.Store(st) }

func (s *Session) Connect(ctx context.Context, opts transport.ConnectOptions, events chan<- transport.Event) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.setState(transport.StateConnecting)
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = s.cfg.HandshakeTimeout
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		s.setState(transport.StateDisconnected)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: bridge answered %s", transport.ErrAuth, resp.Status)
		}
		return transport.Transient(fmt.Errorf("wsbridge dial: %w", err))
	}

	sup := supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.mu.Lock()
	s.conn = conn
	s.sup = sup
	s.pending = map[string]chan frame{}
	s.closing = false
	s.mu.Unlock()

	if err := s.write(conn, frame{Type: "hello", Token: s.cfg.Token, ResetAuth: opts.ResetAuth}); err != nil {
		_ = s.Destroy(ctx)
		return transport.Transient(fmt.Errorf("wsbridge hello: %w", err))
	}

	readTimeout := 2*s.cfg.PingEvery + 5*time.Second
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	sup.Go0("bridge.read", func(c context.Context) { s.readLoop(c, conn, events, readTimeout) })
	sup.Go0("bridge.ping", func(c context.Context) {
		t := time.NewTicker(s.cfg.PingEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				s.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				s.writeMu.Unlock()
				if err != nil {
					s.log.Debug("bridge ping failed", logx.Err(err))
					return
				}
			}
		}
	})
	s.log.Info("bridge connected", logx.String("url", s.cfg.URL), logx.Bool("reset_auth", opts.ResetAuth))
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- transport.Event, readTimeout time.Duration) {
	emit := func(ev transport.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			s.failPending(err)
			s.setState(transport.StateDisconnected)
			if !closing {
				s.log.Warn("bridge read failed", logx.Err(err))
				emit(transport.Event{Kind: transport.EventDisconnected, Reason: err.Error()})
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch f.Type {
		case "qr":
			s.setState(transport.StateQR)
			emit(transport.Event{Kind: transport.EventQR, QR: f.QR})
		case "authenticated":
			s.setState(transport.StateAuthenticated)
			emit(transport.Event{Kind: transport.EventAuthenticated})
		case "ready":
			s.setState(transport.StateReady)
			emit(transport.Event{Kind: transport.EventReady})
		case "auth_failure":
			s.setState(transport.StateDisconnected)
			emit(transport.Event{Kind: transport.EventAuthFailure, Reason: f.Reason})
		case "disconnected":
			s.setState(transport.StateDisconnected)
			emit(transport.Event{Kind: transport.EventDisconnected, Reason: f.Reason})
		case "message":
			if f.Message == nil {
				continue
			}
			msg := &transport.Message{ID: f.Message.ID, From: f.Message.From, Text: f.Message.Text}
			if f.Message.Timestamp > 0 {
				msg.Time = time.UnixMilli(f.Message.Timestamp).UTC()
			}
			emit(transport.Event{Kind: transport.EventMessage, Message: msg})
		case "result":
			s.mu.Lock()
			ch := s.pending[f.Ref]
			delete(s.pending, f.Ref)
			s.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		default:
			s.log.Debug("unknown bridge frame", logx.String("type", f.Type))
		}
	}
}

func (s *Session) failPending(cause error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = map[string]chan frame{}
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- frame{Type: "result", Code: codeTransient, Error: "bridge connection lost: " + cause.Error()}
	}
}

func (s *Session) write(conn *websocket.Conn, f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(f)
}

// call sends a request frame and waits for its result.
func (s *Session) call(ctx context.Context, f frame) (frame, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return frame{}, transport.ErrClosed
	}
	f.Ref = uuid.NewString()
	ch := make(chan frame, 1)
	s.pending[f.Ref] = ch
	s.mu.Unlock()

	drop := func() {
		s.mu.Lock()
		delete(s.pending, f.Ref)
		s.mu.Unlock()
	}
	if err := s.write(conn, f); err != nil {
		drop()
		return frame{}, transport.Transient(fmt.Errorf("wsbridge write: %w", err))
	}

	t := time.NewTimer(s.cfg.SendTimeout)
	defer t.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		drop()
		return frame{}, ctx.Err()
	case <-t.C:
		drop()
		return frame{}, transport.Transient(fmt.Errorf("wsbridge %s: no result after %s", f.Type, s.cfg.SendTimeout))
	}
}

func resultErr(f frame) error {
	if f.OK {
		return nil
	}
	msg := f.Error
	if msg == "" {
		msg = "bridge rejected request"
	}
	switch f.Code {
	case codeNotRegistered:
		return fmt.Errorf("%w: %s", transport.ErrNotRegistered, msg)
	case codeTransient:
		return transport.Transient(errors.New(msg))
	}
	return errors.New(msg)
}

func (s *Session) Send(ctx context.Context, to string, c transport.Content, opts *transport.SendOptions) (transport.SendResult, error) {
	f := frame{Type: "send", To: to, Text: c.Text, MediaURL: c.MediaURL}
	if opts != nil {
		f.QuotedID = opts.QuotedID
	}
	res, err := s.call(ctx, f)
	if err != nil {
		return transport.SendResult{}, err
	}
	if err := resultErr(res); err != nil {
		return transport.SendResult{}, err
	}
	return transport.SendResult{MessageID: res.MessageID, Time: time.Now().UTC()}, nil
}

func (s *Session) IsRegistered(ctx context.Context, recipient string) (bool, error) {
	res, err := s.call(ctx, frame{Type: "check", To: recipient})
	if err != nil {
		return false, err
	}
	if err := resultErr(res); err != nil {
		if errors.Is(err, transport.ErrNotRegistered) {
			return false, nil
		}
		return false, err
	}
	return res.Registered, nil
}

func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	sup := s.sup
	s.conn = nil
	s.sup = nil
	s.closing = true
	s.mu.Unlock()
	s.setState(transport.StateDisconnected)
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "destroy"),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	err := conn.Close()

	if sup != nil {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if werr := sup.Stop(wctx); werr != nil && !errors.Is(werr, context.DeadlineExceeded) {
			s.log.Debug("bridge stopped with error", logx.Err(werr))
		}
	}
	s.log.Info("bridge closed")
	return err
}
