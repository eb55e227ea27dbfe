package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"relaybot/internal/backlog"
	"relaybot/internal/clock"
	"relaybot/internal/eventbus"
	"relaybot/internal/sender"
	"relaybot/internal/task/serial"
	"relaybot/internal/transport"
	"relaybot/internal/transport/memsession"
	"relaybot/pkg/logx"
)

const alice = "5215550001"

type harness struct {
	eng  *Engine
	src  *backlog.Memory
	sess *memsession.Session
	ser  *serial.Serializer
	clk  *clock.Manual
	bus  eventbus.Bus
	snd  *sender.Sender
	cfg  Config
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	sess := memsession.New()
	if err := sess.Connect(context.Background(), transport.ConnectOptions{}, make(chan transport.Event, 16)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	snd := sender.New(sender.Options{Attempts: 1, Clock: clk})
	snd.Bind(sess)

	cfg := Config{
		PageSize:       10,
		Expiry:         10 * time.Minute,
		SweepEvery:     5 * time.Second,
		PollEvery:      time.Second,
		ContinuePrompt: "sent {sent} of {total}, {remaining} left. continue?",
		Cancelled:      "cancelled",
		Expired:        "expired",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{src: backlog.NewMemory(), sess: sess, ser: serial.New(logx.Nop()), clk: clk, bus: eventbus.New(), snd: snd, cfg: cfg}
	h.eng = h.engine(snd)
	return h
}

func (h *harness) engine(snd Sender) *Engine {
	return New(h.cfg, Deps{Source: h.src, Sender: snd, Serial: h.ser, Clock: h.clk, Bus: h.bus, Identity: "acme:1"})
}

// gatedSender holds the nth send until release is closed.
type gatedSender struct {
	Sender
	gateAt  int32
	n       atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newGatedSender(s Sender, n int32) *gatedSender {
	return &gatedSender{Sender: s, gateAt: n, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSender) Send(ctx context.Context, to string, c transport.Content, opts *transport.SendOptions) (transport.SendResult, error) {
	if g.n.Add(1) == g.gateAt {
		close(g.entered)
		<-g.release
	}
	return g.Sender.Send(ctx, to, c, opts)
}

func (h *harness) add(recipient string, n int) {
	for i := 1; i <= n; i++ {
		h.src.Add(recipient, backlog.Message{ID: fmt.Sprintf("%s-%02d", recipient, i), Body: fmt.Sprintf("msg %d", i)})
	}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.ser.Wait(ctx); err != nil {
		t.Fatalf("lanes did not drain: %v", err)
	}
}

func (h *harness) poll(t *testing.T) {
	t.Helper()
	if err := h.eng.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	h.drain(t)
}

func (h *harness) reply(t *testing.T, from, text string) bool {
	t.Helper()
	var handled bool
	done := h.ser.Enqueue(context.Background(), from, func(ctx context.Context) error {
		var err error
		handled, err = h.eng.HandleReply(ctx, from, text)
		return err
	})
	if err := <-done; err != nil {
		t.Fatalf("reply %q: %v", text, err)
	}
	return handled
}

func TestPagedDeliveryWithContinue(t *testing.T) {
	h := newHarness(t, nil)
	h.add(alice, 25)

	h.poll(t)
	texts := h.sess.Texts(alice)
	if len(texts) != 11 {
		t.Fatalf("first page: want 10 messages + prompt, got %d: %v", len(texts), texts)
	}
	if texts[0] != "msg 1" || texts[9] != "msg 10" {
		t.Fatalf("page order: %v", texts)
	}
	if got := texts[10]; got != "sent 10 of 25, 15 left. continue?" {
		t.Fatalf("prompt = %q", got)
	}
	if !h.eng.Active(alice) {
		t.Fatalf("expected active state while awaiting reply")
	}

	// A second pass must not start another batch for the same recipient.
	h.poll(t)
	if n := len(h.sess.Texts(alice)); n != 11 {
		t.Fatalf("active recipient re-dispatched: %d sends", n)
	}

	if !h.reply(t, alice, "s") {
		t.Fatalf("reply not consumed")
	}
	texts = h.sess.Texts(alice)
	if len(texts) != 22 || texts[21] != "sent 20 of 25, 5 left. continue?" {
		t.Fatalf("second page: %d %v", len(texts), texts[len(texts)-1])
	}

	if !h.reply(t, alice, " Sí ") {
		t.Fatalf("reply not consumed")
	}
	texts = h.sess.Texts(alice)
	if len(texts) != 27 || texts[26] != "msg 25" {
		t.Fatalf("final page: %d %v", len(texts), texts[len(texts)-1])
	}
	if h.eng.Active(alice) {
		t.Fatalf("state should clear once exhausted")
	}
	if got := h.src.Count(backlog.StatusSent); got != 25 {
		t.Fatalf("sent acks = %d", got)
	}
	for _, a := range h.src.Acks() {
		if a.Metadata["message_id"] == "" {
			t.Fatalf("sent ack without message id: %+v", a)
		}
	}
}

func TestDeclineCancelsRemaining(t *testing.T) {
	h := newHarness(t, nil)
	h.add(alice, 25)
	h.poll(t)

	if !h.reply(t, alice, "NO") {
		t.Fatalf("reply not consumed")
	}
	texts := h.sess.Texts(alice)
	if len(texts) != 12 || texts[11] != "cancelled" {
		t.Fatalf("texts after decline: %v", texts)
	}
	if h.eng.Active(alice) {
		t.Fatalf("state should be cleared")
	}
	if got := h.src.Count(backlog.StatusCancelled); got != 15 {
		t.Fatalf("cancelled acks = %d", got)
	}

	// Nothing is waiting any more, so the next message is not a reply.
	if h.reply(t, alice, "S") {
		t.Fatalf("reply consumed without a batch")
	}
}

func TestUnclearReplyRepromptsWithoutRefreshingActivity(t *testing.T) {
	h := newHarness(t, nil)
	h.add(alice, 12)
	h.poll(t)

	h.clk.Advance(9 * time.Minute)
	if !h.reply(t, alice, "tal vez") {
		t.Fatalf("unclear reply should be consumed")
	}
	texts := h.sess.Texts(alice)
	if len(texts) != 12 || !strings.HasSuffix(texts[11], "continue?") {
		t.Fatalf("expected re-prompt, got %v", texts)
	}

	h.clk.Advance(2 * time.Minute)
	if err := h.eng.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if h.eng.Active(alice) {
		t.Fatalf("re-prompt must not extend expiry")
	}
}

func TestSweepExpiresIdleBatch(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ExpiryNotice = true })
	events, unsub := h.bus.Subscribe(4, eventbus.DispatchExpired)
	defer unsub()
	h.add(alice, 15)
	h.poll(t)

	h.clk.Advance(5 * time.Minute)
	_ = h.eng.Sweep(context.Background())
	if !h.eng.Active(alice) {
		t.Fatalf("expired too early")
	}

	h.clk.Advance(6 * time.Minute)
	_ = h.eng.Sweep(context.Background())
	h.drain(t)
	if h.eng.Active(alice) {
		t.Fatalf("state should expire")
	}
	if got := h.src.Count(backlog.StatusExpired); got != 5 {
		t.Fatalf("expired acks = %d", got)
	}
	texts := h.sess.Texts(alice)
	if texts[len(texts)-1] != "expired" {
		t.Fatalf("expiry notice missing: %v", texts[len(texts)-1])
	}
	select {
	case ev := <-events:
		if ev.Data["recipient"] != alice {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatalf("no expiry event")
	}

	// A late "S" finds nothing to continue.
	if h.reply(t, alice, "S") {
		t.Fatalf("late reply consumed")
	}
}

func TestInvalidAndUnregisteredRecipients(t *testing.T) {
	h := newHarness(t, nil)
	h.add("not-a-number", 2)
	h.add("12", 1)
	h.add("5215550009", 3)
	h.sess.MarkUnregistered("5215550009")
	h.add(alice, 2)

	h.poll(t)
	if got := h.src.Count(backlog.StatusInvalid); got != 6 {
		t.Fatalf("invalid acks = %d", got)
	}
	if got := h.src.Count(backlog.StatusSent); got != 2 {
		t.Fatalf("sent acks = %d", got)
	}
	for _, s := range h.sess.Sent() {
		if s.To != alice {
			t.Fatalf("sent to invalid recipient %q", s.To)
		}
	}
}

func TestSendFailureAcksFailedAndContinues(t *testing.T) {
	h := newHarness(t, nil)
	h.add(alice, 3)
	h.sess.FailNext(nil, errors.New("media rejected"))

	h.poll(t)
	if got := h.src.Count(backlog.StatusFailed); got != 1 {
		t.Fatalf("failed acks = %d", got)
	}
	if got := h.src.Count(backlog.StatusSent); got != 2 {
		t.Fatalf("sent acks = %d", got)
	}
	for _, a := range h.src.Acks() {
		if a.Status == backlog.StatusFailed && a.Metadata["error"] != "media rejected" {
			t.Fatalf("failed ack metadata = %v", a.Metadata)
		}
	}
	if h.eng.Active(alice) {
		t.Fatalf("batch should be done")
	}
}

func TestZeroPageSizePromptsFirst(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PageSize = 0 })
	h.add(alice, 4)

	h.poll(t)
	texts := h.sess.Texts(alice)
	if len(texts) != 1 || texts[0] != "sent 0 of 4, 4 left. continue?" {
		t.Fatalf("want prompt only, got %v", texts)
	}
	h.reply(t, alice, "y")
	if got := len(h.sess.Texts(alice)); got != 5 {
		t.Fatalf("after yes: %d sends", got)
	}
	if h.eng.Active(alice) {
		t.Fatalf("batch should be done")
	}
}

func TestResetKeepsBacklogPending(t *testing.T) {
	h := newHarness(t, nil)
	h.add(alice, 15)
	h.poll(t)

	h.eng.Reset()
	if h.eng.ActiveCount() != 0 {
		t.Fatalf("reset left state")
	}
	groups, _ := h.src.FetchPending(context.Background(), "")
	if len(groups) != 1 || len(groups[0].Messages) != 5 {
		t.Fatalf("pending after reset = %+v", groups)
	}
}

func TestValidRecipient(t *testing.T) {
	cases := map[string]bool{
		"5215550001":            true,
		"+5215550001":           true,
		"-1001234567":           true,
		"12345":                 false,
		"52155a0001":            false,
		"":                      false,
		"123456789012345678901": false,
	}
	for in, want := range cases {
		if got := ValidRecipient(in); got != want {
			t.Fatalf("ValidRecipient(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseAnswer(t *testing.T) {
	for _, s := range []string{"s", "S", "si", "SI", "sí", "Sí.", "y", "yes", " YES! "} {
		if parseAnswer(s) != answerYes {
			t.Fatalf("%q should be yes", s)
		}
	}
	for _, s := range []string{"n", "N", "no", "No."} {
		if parseAnswer(s) != answerNo {
			t.Fatalf("%q should be no", s)
		}
	}
	for _, s := range []string{"", "maybe", "sii", "nope"} {
		if parseAnswer(s) != answerOther {
			t.Fatalf("%q should be unclear", s)
		}
	}
}

func TestDelayWithinBounds(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DelayMin = 3 * time.Second; c.DelayMax = 8 * time.Second })
	cfg := h.eng.config()
	for i := 0; i < 200; i++ {
		d := h.eng.delay(cfg)
		if d < 3*time.Second || d > 8*time.Second {
			t.Fatalf("delay %v out of range", d)
		}
	}
}

func TestSweepLeavesBatchWithSendInFlight(t *testing.T) {
	h := newHarness(t, nil)
	gated := newGatedSender(h.snd, 2)
	h.eng = h.engine(gated)
	h.add(alice, 3)

	if err := h.eng.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	select {
	case <-gated.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("second send never started")
	}

	// The send outlives the expiry window.
	h.clk.Advance(11 * time.Minute)
	_ = h.eng.Sweep(context.Background())
	if !h.eng.Active(alice) {
		t.Fatalf("batch expired while a send was in flight")
	}

	close(gated.release)
	h.drain(t)
	if got := h.src.Count(backlog.StatusExpired); got != 0 {
		t.Fatalf("expired acks = %d", got)
	}
	if got := h.src.Count(backlog.StatusSent); got != 3 {
		t.Fatalf("sent acks = %d", got)
	}
	if h.eng.Active(alice) {
		t.Fatalf("exhausted batch still active")
	}
}

func TestReplyBeforeFirstPageIsConsumed(t *testing.T) {
	h := newHarness(t, nil)
	h.add(alice, 15)

	// Hold alice's lane so the page task queues behind a message of hers.
	hold := make(chan struct{})
	h.ser.Enqueue(context.Background(), alice, func(context.Context) error {
		<-hold
		return nil
	})
	if err := h.eng.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !h.eng.Active(alice) {
		t.Fatalf("batch not opened")
	}

	handled, err := h.eng.HandleReply(context.Background(), alice, "hola")
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if n := len(h.sess.Texts(alice)); n != 0 {
		t.Fatalf("reply before the page sent %d messages", n)
	}

	close(hold)
	h.drain(t)
	texts := h.sess.Texts(alice)
	if len(texts) != 11 || texts[10] != "sent 10 of 15, 5 left. continue?" {
		t.Fatalf("page after early reply: %v", texts)
	}
}
