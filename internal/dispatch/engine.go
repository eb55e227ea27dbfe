// Package dispatch drains the external backlog to recipients page by page.
// Each recipient gets at most PageSize messages per page with a randomized
// pause between sends; when more remain the recipient is asked whether to
// continue and the batch waits for an S/N reply or expires.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/backlog"
	"relaybot/internal/clock"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/task/serial"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type Config struct {
	// PageSize 0 prompts before sending anything; after a yes the rest of
	// the batch goes out in one page.
	PageSize int
	DelayMin time.Duration
	DelayMax time.Duration
	Expiry   time.Duration

	PollEvery time.Duration
	// Schedule, when set, replaces PollEvery.
	Schedule   cron.Schedule
	Location   *time.Location
	SweepEvery time.Duration

	RecipientFilter string
	ExpiryNotice    bool

	ContinuePrompt string
	Cancelled      string
	Expired        string
}

// Sender is the resilient send path plus access to the bound session.
type Sender interface {
	Send(ctx context.Context, to string, c transport.Content, opts *transport.SendOptions) (transport.SendResult, error)
	Session() transport.Session
}

type Deps struct {
	Source  backlog.Source
	Sender  Sender
	Serial  *serial.Serializer
	Clock   clock.Clock
	Logger  logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	// Identity tags bus events.
	Identity string
}

// recipientState is the cursor into one recipient's batch.
type recipientState struct {
	recipient    string
	batch        []backlog.Message
	cursor       int
	lastActivity time.Time
	awaiting     bool
	// sending is set while a page task runs; the sweep leaves such batches alone.
	sending bool
}

func (s *recipientState) remaining() []backlog.Message { return s.batch[s.cursor:] }

type Engine struct {
	d   Deps
	cfg atomic.Pointer[Config]
	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.Mutex
	states map[string]*recipientState

	passBusy atomic.Bool
}

func New(cfg Config, d Deps) *Engine {
	e := &Engine{
		d:      d,
		clk:    clock.Or(d.Clock),
		log:    d.Logger.Or().Component("dispatch"),
		bus:    eventbus.Or(d.Bus),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		states: map[string]*recipientState{},
	}
	e.SetConfig(cfg)
	return e
}

// SetConfig swaps settings. Pages already running keep the values they read.
func (e *Engine) SetConfig(cfg Config) {
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	if cfg.PageSize < 0 {
		cfg.PageSize = 0
	}
	e.cfg.Store(&cfg)
}

func (e *Engine) config() *Config { return e.cfg.Load() }

// Run polls the backlog and sweeps expired states until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(e.log))
	cfg := e.config()

	if cfg.Schedule != nil {
		loc := cfg.Location
		if loc == nil {
			loc = time.Local
		}
		cl := cronLogger{e.log}
		c := cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		)
		c.Schedule(cfg.Schedule, cron.FuncJob(func() {
			if err := e.PollOnce(sup.Context()); err != nil && sup.Context().Err() == nil {
				e.log.Warn("dispatch pass failed", logx.Err(err))
			}
		}))
		c.Start()
		sup.Go0("dispatch.cron", func(ctx context.Context) {
			<-ctx.Done()
			<-c.Stop().Done()
		})
	} else {
		sup.Every("dispatch.poll", func() time.Duration { return e.config().PollEvery }, e.PollOnce, supervisor.Immediately())
	}
	sup.Every("dispatch.sweep", func() time.Duration { return e.config().SweepEvery }, e.Sweep)

	e.log.Info("dispatch started", logx.Bool("cron", cfg.Schedule != nil), logx.Int("page_size", cfg.PageSize))
	<-ctx.Done()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = sup.Wait(wctx)
	e.log.Info("dispatch stopped")
	return nil
}

// PollOnce runs one pass over the backlog. Overlapping passes are skipped.
// Page tasks are queued on each recipient's lane; the pass does not wait.
func (e *Engine) PollOnce(ctx context.Context) error {
	if !e.passBusy.CompareAndSwap(false, true) {
		return nil
	}
	defer e.passBusy.Store(false)

	cfg := e.config()
	groups, err := e.d.Source.FetchPending(ctx, cfg.RecipientFilter)
	if err != nil {
		return err
	}
	started := 0
	for _, g := range groups {
		if ctx.Err() != nil {
			return nil
		}
		recipient := strings.TrimSpace(g.RecipientID)
		if len(g.Messages) == 0 || e.Active(recipient) {
			continue
		}
		if !ValidRecipient(recipient) || !e.registered(ctx, recipient) {
			e.log.Info("invalid recipient skipped", logx.String("recipient", recipient), logx.Int("messages", len(g.Messages)))
			e.ackAll(ctx, g.Messages, backlog.StatusInvalid, map[string]string{"reason": "invalid or unregistered recipient"})
			continue
		}

		st := &recipientState{recipient: recipient, batch: g.Messages, lastActivity: e.clk.Now()}
		e.mu.Lock()
		if _, ok := e.states[recipient]; ok {
			e.mu.Unlock()
			continue
		}
		e.states[recipient] = st
		n := len(e.states)
		e.mu.Unlock()
		e.d.Metrics.SetDispatchActive(n)
		started++

		e.d.Serial.Enqueue(ctx, recipient, func(ctx context.Context) error {
			return e.sendPage(ctx, st, cfg.PageSize)
		})
	}
	if started > 0 {
		e.log.Debug("dispatch pass", logx.Int("groups", len(groups)), logx.Int("started", started))
	}
	return nil
}

func (e *Engine) registered(ctx context.Context, recipient string) bool {
	sess := e.d.Sender.Session()
	reg, ok := sess.(transport.Registrar)
	if !ok {
		return true
	}
	yes, err := reg.IsRegistered(ctx, recipient)
	if err != nil {
		// Unknown is not invalid; the send itself will tell.
		e.log.Debug("registration check failed", logx.String("recipient", recipient), logx.Err(err))
		return true
	}
	return yes
}

// ValidRecipient accepts 6 to 20 digits with an optional leading + or -.
func ValidRecipient(id string) bool {
	id = strings.TrimPrefix(strings.TrimPrefix(id, "+"), "-")
	if len(id) < 6 || len(id) > 20 {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Active reports whether recipient has an open batch.
func (e *Engine) Active(recipient string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.states[recipient]
	return ok
}

// ActiveCount is the number of open batches.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

func (e *Engine) current(st *recipientState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[st.recipient] == st
}

func (e *Engine) clear(st *recipientState) bool {
	e.mu.Lock()
	if e.states[st.recipient] != st {
		e.mu.Unlock()
		return false
	}
	delete(e.states, st.recipient)
	n := len(e.states)
	e.mu.Unlock()
	e.d.Metrics.SetDispatchActive(n)
	return true
}

// sendPage runs on the recipient's lane. limit 0 sends nothing on the first
// page and everything after a yes.
func (e *Engine) sendPage(ctx context.Context, st *recipientState, limit int) error {
	cfg := e.config()
	e.mu.Lock()
	if e.states[st.recipient] != st {
		e.mu.Unlock()
		return nil
	}
	start := st.cursor
	end := min(start+limit, len(st.batch))
	st.sending = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		st.sending = false
		e.mu.Unlock()
	}()

	log := e.log.With(logx.String("recipient", st.recipient))
	for i := start; i < end; i++ {
		if i > start {
			if err := clock.Sleep(ctx, e.clk, e.delay(cfg)); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil || !e.current(st) {
			return nil
		}
		msg := st.batch[i]
		// In-flight sends are not cancelled by the term ending.
		res, err := e.d.Sender.Send(context.WithoutCancel(ctx), st.recipient, transport.Content{Text: msg.Body, MediaURL: msg.MediaURL}, nil)
		e.mu.Lock()
		st.cursor = i + 1
		st.lastActivity = e.clk.Now()
		e.mu.Unlock()

		switch {
		case errors.Is(err, transport.ErrNotRegistered):
			log.Info("recipient not registered; skipping batch")
			e.ack(ctx, msg, backlog.StatusInvalid, map[string]string{"error": err.Error()})
			e.mu.Lock()
			rest := st.remaining()
			e.mu.Unlock()
			e.ackAll(ctx, rest, backlog.StatusInvalid, map[string]string{"reason": "recipient not registered"})
			e.clear(st)
			return nil
		case err != nil:
			log.Warn("send failed", logx.String("message_id", msg.ID), logx.Err(err))
			e.ack(ctx, msg, backlog.StatusFailed, map[string]string{"error": err.Error()})
		default:
			e.ack(ctx, msg, backlog.StatusSent, map[string]string{"message_id": res.MessageID})
		}
	}

	e.mu.Lock()
	done := st.cursor >= len(st.batch)
	sent, total := st.cursor, len(st.batch)
	e.mu.Unlock()
	if done {
		if e.clear(st) {
			log.Info("batch delivered", logx.Int("total", total))
		}
		return nil
	}
	if ctx.Err() != nil || !e.current(st) {
		return nil
	}

	e.mu.Lock()
	st.awaiting = true
	st.lastActivity = e.clk.Now()
	e.mu.Unlock()
	log.Info("page delivered; asking to continue", logx.Int("sent", sent), logx.Int("total", total))
	return e.prompt(ctx, st)
}

func (e *Engine) prompt(ctx context.Context, st *recipientState) error {
	e.mu.Lock()
	sent, total := st.cursor, len(st.batch)
	e.mu.Unlock()
	text := render(e.config().ContinuePrompt, total-sent, sent, total)
	_, err := e.d.Sender.Send(context.WithoutCancel(ctx), st.recipient, transport.Content{Text: text}, nil)
	return err
}

func render(tmpl string, remaining, sent, total int) string {
	return strings.NewReplacer(
		"{remaining}", strconv.Itoa(remaining),
		"{sent}", strconv.Itoa(sent),
		"{total}", strconv.Itoa(total),
	).Replace(tmpl)
}

type answer int

const (
	answerOther answer = iota
	answerYes
	answerNo
)

func parseAnswer(text string) answer {
	s := strings.ToUpper(strings.TrimSpace(text))
	s = strings.TrimRight(s, ".!¡ ")
	switch s {
	case "S", "SI", "SÍ", "Y", "YES":
		return answerYes
	case "N", "NO":
		return answerNo
	}
	return answerOther
}

// HandleReply consumes from's message while they have an open batch. It
// must run on from's lane. It reports false when there is no batch, so the
// caller can route the message elsewhere.
func (e *Engine) HandleReply(ctx context.Context, from, text string) (bool, error) {
	e.mu.Lock()
	st, ok := e.states[from]
	if !ok {
		e.mu.Unlock()
		return false, nil
	}
	if !st.awaiting {
		// The page queued behind this message on the lane ends with the prompt.
		e.mu.Unlock()
		e.log.Debug("reply before prompt; page pending", logx.String("recipient", from))
		return true, nil
	}
	cfg := e.config()
	switch parseAnswer(text) {
	case answerYes:
		st.awaiting = false
		st.lastActivity = e.clk.Now()
		e.mu.Unlock()
		limit := cfg.PageSize
		if limit == 0 {
			limit = len(st.batch)
		}
		return true, e.sendPage(ctx, st, limit)

	case answerNo:
		delete(e.states, from)
		n := len(e.states)
		rest := st.remaining()
		e.mu.Unlock()
		e.d.Metrics.SetDispatchActive(n)
		e.log.Info("recipient declined; batch cancelled", logx.String("recipient", from), logx.Int("remaining", len(rest)))
		e.ackAll(ctx, rest, backlog.StatusCancelled, nil)
		if cfg.Cancelled != "" {
			_, err := e.d.Sender.Send(context.WithoutCancel(ctx), from, transport.Content{Text: cfg.Cancelled}, nil)
			return true, err
		}
		return true, nil

	default:
		// Not understood: ask again, leaving cursor and lastActivity alone.
		e.mu.Unlock()
		return true, e.prompt(ctx, st)
	}
}

// Sweep clears batches idle longer than Expiry and acknowledges what was left
// as expired.
func (e *Engine) Sweep(ctx context.Context) error {
	cfg := e.config()
	if cfg.Expiry <= 0 {
		return nil
	}
	now := e.clk.Now()
	var expired []*recipientState
	e.mu.Lock()
	for r, st := range e.states {
		if !st.sending && now.Sub(st.lastActivity) > cfg.Expiry {
			delete(e.states, r)
			expired = append(expired, st)
		}
	}
	n := len(e.states)
	e.mu.Unlock()
	if len(expired) == 0 {
		return nil
	}
	e.d.Metrics.SetDispatchActive(n)

	for _, st := range expired {
		e.mu.Lock()
		rest := st.remaining()
		e.mu.Unlock()
		e.log.Info("batch expired", logx.String("recipient", st.recipient), logx.Int("remaining", len(rest)))
		e.ackAll(ctx, rest, backlog.StatusExpired, nil)
		e.bus.Publish(eventbus.Event{
			Type:     eventbus.DispatchExpired,
			Identity: e.d.Identity,
			Time:     now,
			Data:     map[string]any{"recipient": st.recipient, "remaining": len(rest)},
		})
		if cfg.ExpiryNotice && cfg.Expired != "" {
			to, text := st.recipient, cfg.Expired
			e.d.Serial.Enqueue(ctx, to, func(ctx context.Context) error {
				_, err := e.d.Sender.Send(context.WithoutCancel(ctx), to, transport.Content{Text: text}, nil)
				return err
			})
		}
	}
	return nil
}

// Reset drops every open batch without acknowledging anything, so the
// remaining messages stay pending for the next owner.
func (e *Engine) Reset() {
	e.mu.Lock()
	n := len(e.states)
	e.states = map[string]*recipientState{}
	e.mu.Unlock()
	e.d.Metrics.SetDispatchActive(0)
	if n > 0 {
		e.log.Info("dispatch state reset", logx.Int("dropped", n))
	}
}

func (e *Engine) delay(cfg *Config) time.Duration {
	span := cfg.DelayMax - cfg.DelayMin
	if span <= 0 {
		return cfg.DelayMin
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return cfg.DelayMin + time.Duration(e.rng.Int63n(int64(span)+1))
}

func (e *Engine) ack(ctx context.Context, m backlog.Message, status backlog.Status, meta map[string]string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := e.d.Source.Acknowledge(actx, backlog.Ack{MessageID: m.ID, Status: status, Metadata: meta}); err != nil {
		e.log.Warn("acknowledge failed", logx.String("message_id", m.ID), logx.String("status", string(status)), logx.Err(err))
	}
	e.d.Metrics.Dispatched(string(status), 1)
}

func (e *Engine) ackAll(ctx context.Context, msgs []backlog.Message, status backlog.Status, meta map[string]string) {
	for _, m := range msgs {
		e.ack(ctx, m, status, meta)
	}
}

// cronLogger routes cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
