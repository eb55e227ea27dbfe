// Package telegram is a Session backed by the Telegram Bot API long poller.
// The bot token is the credential, so there is no QR stage: a successful
// getMe moves straight to authenticated and ready.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// URL overrides the API endpoint (tests, local bot API servers).
	URL string
}

type Session struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	bot    *tele.Bot
	sup    *supervisor.Supervisor
	events chan<- transport.Event
	state  atomic.Value // transport.ConnState

	// droppedEvents counts inbound messages dropped because the consumer was slow.
	droppedEvents atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	s := &Session{cfg: cfg, log: log.Or().Component("telegram")}
	s.state.Store(transport.StateDisconnected)
	return s, nil
}

func (s *Session) State() transport.ConnState {
	st, _ := s.state.Load().(transport.ConnState)
	return st
}

func (s *Session) setState(st transport.ConnState) { s.state.Store(st) }

// Connect builds the bot (which verifies the token) and starts polling.
// ResetAuth has nothing to discard for bot tokens.
func (s *Session) Connect(ctx context.Context, _ transport.ConnectOptions, events chan<- transport.Event) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.setState(transport.StateConnecting)
	b, err := tele.NewBot(tele.Settings{
		URL:    s.cfg.URL,
		Token:  s.cfg.Token,
		Poller: &tele.LongPoller{Timeout: s.cfg.PollTimeout},
		OnError: func(err error, _ tele.Context) {
			s.log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		s.setState(transport.StateDisconnected)
		if isUnauthorized(err) {
			emit(ctx, events, transport.Event{Kind: transport.EventAuthFailure, Reason: err.Error()})
			return fmt.Errorf("%w: %v", transport.ErrAuth, err)
		}
		return transport.Transient(fmt.Errorf("telegram connect: %w", err))
	}

	sup := supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.mu.Lock()
	s.bot = b
	s.sup = sup
	s.events = events
	s.mu.Unlock()

	b.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		ev := transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
			ID:   strconv.Itoa(m.ID),
			From: strconv.FormatInt(m.Chat.ID, 10),
			Text: m.Text,
			Time: m.Time(),
		}}
		select {
		case events <- ev:
		default:
			s.droppedEvents.Add(1)
		}
		return nil
	})

	sup.Go0("events.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				s.reportDropped(events)
				return
			case <-ticker.C:
				s.reportDropped(events)
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.Stop()
	})
	// Start blocks until Stop; restart it if it returns while still wanted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("polling started", logx.String("bot", b.Me.Username))
		b.Start()
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	s.setState(transport.StateAuthenticated)
	emit(ctx, events, transport.Event{Kind: transport.EventAuthenticated})
	s.setState(transport.StateReady)
	emit(ctx, events, transport.Event{Kind: transport.EventReady})
	return nil
}

func (s *Session) reportDropped(events chan<- transport.Event) {
	if n := s.droppedEvents.Swap(0); n > 0 {
		s.log.Warn("inbound messages dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(events)))
	}
}

func emit(ctx context.Context, events chan<- transport.Event, ev transport.Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// Destroy stops polling. It never blocks shutdown for long on a pending
// getUpdates call.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	b := s.bot
	s.sup = nil
	s.bot = nil
	s.events = nil
	s.mu.Unlock()
	s.setState(transport.StateDisconnected)
	if sup == nil {
		return nil
	}

	sup.Cancel()
	if b != nil {
		go b.Stop()
	}

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.log.Warn("telegram stop grace elapsed; continuing")
			return nil
		}
		s.log.Debug("telegram stopped with error", logx.Err(err))
	}
	s.log.Info("polling stopped")
	return nil
}

func (s *Session) current() (*tele.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot == nil {
		return nil, transport.ErrClosed
	}
	return s.bot, nil
}

func parseChat(to string) (tele.ChatID, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(to), "+"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", transport.ErrNotRegistered, to)
	}
	return tele.ChatID(id), nil
}

// Send delivers c to a chat id. Long text is split at Telegram's limit and
// the first message id is returned.
func (s *Session) Send(ctx context.Context, to string, c transport.Content, opts *transport.SendOptions) (transport.SendResult, error) {
	b, err := s.current()
	if err != nil {
		return transport.SendResult{}, err
	}
	chat, err := parseChat(to)
	if err != nil {
		return transport.SendResult{}, err
	}
	if opts == nil {
		opts = &transport.SendOptions{}
	}
	sendOpt := &tele.SendOptions{DisableWebPagePreview: opts.DisablePreview}
	if id, err := strconv.Atoi(opts.QuotedID); err == nil && id > 0 {
		sendOpt.ReplyTo = &tele.Message{ID: id}
	}

	if c.MediaURL != "" {
		if err := ctx.Err(); err != nil {
			return transport.SendResult{}, err
		}
		msg, err := b.Send(chat, &tele.Photo{File: tele.FromURL(c.MediaURL), Caption: c.Text}, sendOpt)
		if err != nil {
			return transport.SendResult{}, classify(err)
		}
		return transport.SendResult{MessageID: strconv.Itoa(msg.ID), Time: msg.Time()}, nil
	}

	var first transport.SendResult
	for i, chunk := range splitText(c.Text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		if i > 0 {
			sendOpt.ReplyTo = nil
		}
		msg, err := b.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, classify(err)
		}
		if i == 0 {
			first = transport.SendResult{MessageID: strconv.Itoa(msg.ID), Time: msg.Time()}
		}
	}
	return first, nil
}

// IsRegistered reports whether the bot can reach the chat.
func (s *Session) IsRegistered(ctx context.Context, recipient string) (bool, error) {
	b, err := s.current()
	if err != nil {
		return false, err
	}
	chat, err := parseChat(recipient)
	if err != nil {
		return false, nil
	}
	if _, err := b.ChatByID(int64(chat)); err != nil {
		err = classify(err)
		if errors.Is(err, transport.ErrNotRegistered) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isUnauthorized(err error) bool {
	var te *tele.Error
	return errors.As(err, &te) && te.Code == 401
}

// classify maps telebot errors onto transport sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tele.ErrChatNotFound), errors.Is(err, tele.ErrBlockedByUser):
		return fmt.Errorf("%w: %v", transport.ErrNotRegistered, err)
	case strings.Contains(strings.ToLower(err.Error()), "retry after"):
		// flood control
		return transport.Transient(err)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code >= 500 {
		return transport.Transient(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return transport.Transient(err)
	}
	return err
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
