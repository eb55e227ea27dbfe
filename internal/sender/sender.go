// Package sender is the only path for outbound messages: it retries
// transient session failures and waits briefly when the session is not ready.
package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/clock"
	"relaybot/internal/metrics"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// ErrNotReady is returned when no session is bound (this process is not the
// owner, or the term is being torn down).
var ErrNotReady = errors.New("sender: no session")

type Options struct {
	Attempts      int
	NotReadyDelay time.Duration
	RetryDelay    time.Duration
	// Limiter paces sends across all recipients. Nil means unlimited.
	Limiter *rate.Limiter

	Clock   clock.Clock
	Logger  logx.Logger
	Metrics *metrics.Metrics
}

func DefaultOptions() Options {
	return Options{Attempts: 3, NotReadyDelay: 700 * time.Millisecond, RetryDelay: 500 * time.Millisecond}
}

type binding struct{ s transport.Session }

type Sender struct {
	opts Options
	clk  clock.Clock
	log  logx.Logger
	sess atomic.Pointer[binding]
}

func New(opts Options) *Sender {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	return &Sender{opts: opts, clk: clock.Or(opts.Clock), log: opts.Logger.Or().Component("sender")}
}

// Limit maps a messages-per-second setting to a limiter value; 0 means
// unlimited.
func Limit(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

// NewLimiter is never nil, so a reload can tighten an unlimited sender with
// SetLimit.
func NewLimiter(perSec float64, burst int) *rate.Limiter {
	return rate.NewLimiter(Limit(perSec), max(burst, 1))
}

// Bind sets the session used by Send. Nil unbinds.
func (s *Sender) Bind(sess transport.Session) {
	if sess == nil {
		s.sess.Store(nil)
		return
	}
	s.sess.Store(&binding{s: sess})
}

func (s *Sender) Session() transport.Session {
	if b := s.sess.Load(); b != nil {
		return b.s
	}
	return nil
}

// Send tries up to Attempts times. Before each attempt a non-ready session
// costs NotReadyDelay*attempt; a transient failure costs RetryDelay*attempt.
// The last error is returned as the session produced it.
func (s *Sender) Send(ctx context.Context, to string, c transport.Content, opts *transport.SendOptions) (transport.SendResult, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		sess := s.Session()
		if sess == nil {
			return transport.SendResult{}, ErrNotReady
		}
		if st := sess.State(); st != transport.StateReady {
			s.log.Debug("session not ready; waiting before send",
				logx.String("state", string(st)), logx.Int("attempt", attempt))
			if err := clock.Sleep(ctx, s.clk, s.opts.NotReadyDelay*time.Duration(attempt)); err != nil {
				return transport.SendResult{}, err
			}
		}
		if s.opts.Limiter != nil {
			if err := s.opts.Limiter.Wait(ctx); err != nil {
				return transport.SendResult{}, err
			}
		}

		res, err := s.try(ctx, sess, to, c, opts)
		if err == nil {
			s.opts.Metrics.SendAttempt("ok")
			return res, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == s.opts.Attempts || ctx.Err() != nil {
			break
		}
		s.opts.Metrics.SendAttempt("retry")
		s.log.Warn("transient send failure; retrying",
			logx.String("to", to), logx.Int("attempt", attempt), logx.Err(err))
		if err := clock.Sleep(ctx, s.clk, s.opts.RetryDelay*time.Duration(attempt)); err != nil {
			return transport.SendResult{}, lastErr
		}
	}
	s.opts.Metrics.SendAttempt("failed")
	return transport.SendResult{}, lastErr
}

func (s *Sender) try(ctx context.Context, sess transport.Session, to string, c transport.Content, opts *transport.SendOptions) (res transport.SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session send panic: %v", r)
		}
	}()
	return sess.Send(ctx, to, c, opts)
}

var transientPatterns = []string{
	"evaluation failed",
	"execution context was destroyed",
	"context destroyed",
	"protocol error",
	"target closed",
	"session closed",
}

// IsTransient reports whether a send error is worth retrying: either marked
// by the session driver or matching a known ephemeral browser-session failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if transport.IsTransient(err) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
