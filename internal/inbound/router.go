// Package inbound routes messages received by the session. Every message is
// handled on its sender's serializer lane, so a reply to a dispatch prompt is
// always processed after the page that asked for it.
package inbound

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"relaybot/internal/metrics"
	"relaybot/internal/task/serial"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// Replies consumes answers to an open dispatch batch.
type Replies interface {
	HandleReply(ctx context.Context, from, text string) (bool, error)
}

type Sender interface {
	Send(ctx context.Context, to string, c transport.Content, opts *transport.SendOptions) (transport.SendResult, error)
}

// Responder answers messages nothing else consumed. A nil content means no
// answer.
type Responder interface {
	Respond(ctx context.Context, m transport.Message) (*transport.Content, error)
}

type ResponderFunc func(ctx context.Context, m transport.Message) (*transport.Content, error)

func (f ResponderFunc) Respond(ctx context.Context, m transport.Message) (*transport.Content, error) {
	return f(ctx, m)
}

// Echo repeats the text back.
var Echo = ResponderFunc(func(_ context.Context, m transport.Message) (*transport.Content, error) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return nil, nil
	}
	return &transport.Content{Text: text}, nil
})

// None never answers.
var None = ResponderFunc(func(context.Context, transport.Message) (*transport.Content, error) { return nil, nil })

// ResponderFor maps a configured mode to a Responder.
func ResponderFor(mode string) (Responder, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "none":
		return None, nil
	case "echo":
		return Echo, nil
	}
	return nil, fmt.Errorf("unknown responder mode %q", mode)
}

type Deps struct {
	Serial  *serial.Serializer
	Replies Replies
	Sender  Sender
	Logger  logx.Logger
	Metrics *metrics.Metrics
}

type settings struct {
	responder Responder
	fallback  string
}

type Router struct {
	d   Deps
	log logx.Logger
	cur atomic.Pointer[settings]
}

func New(d Deps, responder Responder, fallback string) *Router {
	r := &Router{d: d, log: d.Logger.Or().Component("inbound")}
	r.Configure(responder, fallback)
	return r
}

// Configure swaps the responder and fallback text. Messages already queued
// use whichever is current when they run.
func (r *Router) Configure(responder Responder, fallback string) {
	if responder == nil {
		responder = None
	}
	r.cur.Store(&settings{responder: responder, fallback: fallback})
}

// Handle queues m on its sender's lane. The channel yields the processing
// error, which has already been logged.
func (r *Router) Handle(ctx context.Context, m transport.Message) <-chan error {
	from := strings.TrimSpace(m.From)
	return r.d.Serial.Enqueue(ctx, from, func(ctx context.Context) error {
		return r.process(ctx, m)
	})
}

func (r *Router) process(ctx context.Context, m transport.Message) (err error) {
	log := r.log.With(logx.String("from", m.From), logx.String("message_id", m.ID))
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("inbound panic: %v", p)
		}
		if err != nil {
			r.d.Metrics.Inbound("error")
			log.Warn("inbound handling failed", logx.Err(err))
			r.fallback(ctx, m.From)
		}
	}()

	if r.d.Replies != nil {
		handled, err := r.d.Replies.HandleReply(ctx, m.From, m.Text)
		if err != nil {
			return err
		}
		if handled {
			r.d.Metrics.Inbound("reply")
			return nil
		}
	}

	s := r.cur.Load()
	c, err := s.responder.Respond(ctx, m)
	if err != nil {
		return err
	}
	if c == nil {
		r.d.Metrics.Inbound("ignored")
		return nil
	}
	if _, err := r.d.Sender.Send(ctx, m.From, *c, &transport.SendOptions{QuotedID: m.ID}); err != nil {
		return err
	}
	r.d.Metrics.Inbound("responder")
	return nil
}

func (r *Router) fallback(ctx context.Context, to string) {
	text := r.cur.Load().fallback
	if text == "" || ctx.Err() != nil {
		return
	}
	if _, err := r.d.Sender.Send(ctx, to, transport.Content{Text: text}, nil); err != nil {
		r.log.Warn("fallback send failed", logx.String("to", to), logx.Err(err))
		return
	}
	r.d.Metrics.Inbound("fallback")
}
