// Package owner drives the process role for one bot identity: wait in standby
// until the lease is won, run the session and everything that depends on it
// for one ownership term, tear it all down when the term ends, repeat.
package owner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/action"
	"relaybot/internal/clock"
	"relaybot/internal/eventbus"
	"relaybot/internal/lease"
	"relaybot/internal/metrics"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type Role string

const (
	RoleStandby Role = "standby"
	RoleOwner   Role = "owner"
	RoleStopped Role = "stopped"
)

type Config struct {
	InstanceID      string
	HeartbeatEvery  time.Duration
	StandbyPoll     time.Duration
	ActionPoll      time.Duration
	ReleaseCooldown time.Duration
	// HardRelease deletes the lease on shutdown instead of marking it offline.
	HardRelease bool
	// TeardownTimeout bounds waiting for term tasks and destroying the session.
	TeardownTimeout time.Duration

	Clock   clock.Clock
	Logger  logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

// Dispatcher is the work that runs while the session is ready.
type Dispatcher interface {
	Run(ctx context.Context) error
	Reset()
	ActiveCount() int
}

type Inbound interface {
	Handle(ctx context.Context, m transport.Message) <-chan error
}

// Binder points the outbound send path at the term's session.
type Binder interface {
	Bind(s transport.Session)
}

type Deps struct {
	Lease    *lease.Manager
	Actions  *action.Channel
	Sessions transport.Factory
	Sender   Binder
	// Dispatch and Inbound are optional.
	Dispatch Dispatcher
	Inbound  Inbound
}

type endKind string

const (
	endLeaseLost   endKind = "lease_lost"
	endSessionLost endKind = "session_lost"
	endRestart     endKind = "restart"
	endRelease     endKind = "release"
	endResetAuth   endKind = "reset_auth"
	endShutdown    endKind = "shutdown"
)

type termEnd struct {
	kind   endKind
	reason string
}

// term is one ownership period. The first end signal wins.
type term struct {
	ends chan termEnd
}

func (t *term) end(kind endKind, reason string) {
	select {
	case t.ends <- termEnd{kind: kind, reason: reason}:
	default:
	}
}

type Controller struct {
	cfg Config
	d   Deps
	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus
	m   *metrics.Metrics

	cur atomic.Pointer[term]

	mu            sync.Mutex
	role          Role
	since         time.Time
	session       transport.Session
	clientStarted bool
	lastQR        string
	lastQRAt      time.Time
	resetAuthNext bool
	holdUntil     time.Time
}

func New(cfg Config, d Deps) *Controller {
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 9 * time.Second
	}
	if cfg.StandbyPoll <= 0 {
		cfg.StandbyPoll = 8 * time.Second
	}
	if cfg.ActionPoll <= 0 {
		cfg.ActionPoll = 4 * time.Second
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 10 * time.Second
	}
	c := &Controller{
		cfg: cfg,
		d:   d,
		clk: clock.Or(cfg.Clock),
		log: cfg.Logger.Or().Component("owner"),
		bus: eventbus.Or(cfg.Bus),
		m:   cfg.Metrics,
	}
	c.role = RoleStandby
	c.since = c.clk.Now()
	return c
}

// Run alternates between standby and ownership terms until ctx ends. The
// lease is released on the way out.
func (c *Controller) Run(ctx context.Context) error {
	defer c.setRole(RoleStopped)
	for {
		c.setRole(RoleStandby)
		if err := c.waitForLease(ctx); err != nil {
			c.releaseOnExit(ctx)
			return nil
		}
		end := c.serveAsOwner(ctx)
		c.afterTerm(ctx, end)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Controller) waitForLease(ctx context.Context) error {
	th := logx.NewThrottled(c.log, time.Minute, 1)
	announced := false
	for {
		if wait := c.holdLeft(); wait > 0 {
			c.log.Info("holding off lease acquisition", logx.Duration("for", wait))
			if err := clock.Sleep(ctx, c.clk, wait); err != nil {
				return err
			}
		}
		ok, err := c.d.Lease.TryAcquire(ctx)
		switch {
		case err != nil:
			th.Warn("lease acquisition failed", logx.Err(err))
		case ok:
			return nil
		case !announced:
			announced = true
			holder := ""
			if rec, rerr := c.d.Lease.Read(ctx); rerr == nil {
				holder = rec.HolderID
			}
			c.log.Info("lease held by another process; standing by", logx.String("holder", holder))
		}
		if err := clock.Sleep(ctx, c.clk, c.cfg.StandbyPoll); err != nil {
			return err
		}
	}
}

func (c *Controller) serveAsOwner(ctx context.Context) termEnd {
	t := &term{ends: make(chan termEnd, 1)}
	c.cur.Store(t)
	defer c.cur.Store(nil)
	c.setRole(RoleOwner)

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sup := supervisor.New(tctx, supervisor.WithLogger(c.log))
	log := c.log.With(logx.String("holder", c.d.Lease.HolderID()))
	log.Info("ownership term started")

	c.setState(tctx, t, storage.StateStarting)

	sup.Every("lease.heartbeat", supervisor.Fixed(c.cfg.HeartbeatEvery), func(ctx context.Context) error {
		return c.heartbeat(ctx, t)
	})
	sup.Go0("lease.fence", func(ctx context.Context) { c.fence(ctx, t) })
	sup.Every("action.poll", supervisor.Fixed(c.cfg.ActionPoll), func(ctx context.Context) error {
		_, err := c.d.Actions.PollOnce(ctx, c)
		return err
	})

	sess, err := c.d.Sessions()
	if err != nil {
		t.end(endSessionLost, "session: "+err.Error())
	} else {
		events := make(chan transport.Event, 64)
		var dispatchOnce sync.Once
		sup.Go0("session.events", func(ctx context.Context) {
			c.pump(ctx, t, sup, events, &dispatchOnce)
		})
		opts := transport.ConnectOptions{ResetAuth: c.takeResetAuth()}
		if c.d.Sender != nil {
			c.d.Sender.Bind(sess)
		}
		c.mu.Lock()
		c.session = sess
		c.mu.Unlock()
		if err := sess.Connect(tctx, opts, events); err != nil {
			t.end(endSessionLost, "connect: "+err.Error())
		} else {
			c.mu.Lock()
			c.clientStarted = true
			c.mu.Unlock()
			log.Info("session started", logx.Bool("reset_auth", opts.ResetAuth))
		}
	}

	var end termEnd
	select {
	case end = <-t.ends:
	case <-ctx.Done():
		end = termEnd{kind: endShutdown, reason: "shutdown"}
	}
	log.Info("ownership term ending", logx.String("cause", string(end.kind)), logx.String("reason", end.reason))

	cancel()
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TeardownTimeout)
	defer wcancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("term tasks did not stop cleanly", logx.Err(err))
	}
	if c.d.Sender != nil {
		c.d.Sender.Bind(nil)
	}
	if sess != nil {
		if err := sess.Destroy(wctx); err != nil {
			log.Warn("session destroy failed", logx.Err(err))
		}
	}
	c.mu.Lock()
	c.session = nil
	c.clientStarted = false
	c.mu.Unlock()
	c.m.SetSessionReady(false)
	c.publish(eventbus.SessionDown, map[string]any{"cause": string(end.kind)})
	if c.d.Dispatch != nil {
		c.d.Dispatch.Reset()
	}
	return end
}

// releaseOnExit drops a record still carrying our holder id, left behind when
// the process stepped down after losing its session.
func (c *Controller) releaseOnExit(ctx context.Context) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TeardownTimeout)
	defer cancel()
	if err := c.d.Lease.Release(lctx, c.cfg.HardRelease); err != nil {
		c.log.Warn("lease release failed", logx.Err(err))
	}
}

// afterTerm settles the lease for how the term ended.
func (c *Controller) afterTerm(ctx context.Context, end termEnd) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TeardownTimeout)
	defer cancel()

	switch end.kind {
	case endLeaseLost:
		c.d.Lease.MarkLost(end.reason)
	case endSessionLost:
		if err := c.d.Lease.SetState(lctx, storage.StateDisconnected); err != nil && !errors.Is(err, lease.ErrNotOwner) {
			c.log.Warn("record disconnected state failed", logx.Err(err))
		}
		c.d.Lease.StepDown(end.reason)
		c.hold(c.cfg.StandbyPoll)
	case endRestart:
		// Ownership is kept; the next term re-claims our own record.
	case endRelease:
		if err := c.d.Lease.Release(lctx, false); err != nil {
			c.log.Warn("lease release failed", logx.Err(err))
		}
		c.hold(c.cfg.ReleaseCooldown)
	case endResetAuth:
		if err := c.d.Lease.Delete(lctx); err != nil {
			c.log.Warn("lease delete failed", logx.Err(err))
		}
		c.mu.Lock()
		c.resetAuthNext = true
		c.mu.Unlock()
		c.hold(c.cfg.ReleaseCooldown)
	case endShutdown:
		if err := c.d.Lease.Release(lctx, c.cfg.HardRelease); err != nil {
			c.log.Warn("lease release failed", logx.Err(err))
		}
	}
}

func (c *Controller) heartbeat(ctx context.Context, t *term) error {
	err := c.d.Lease.Heartbeat(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, lease.ErrNotOwner) {
		t.end(endLeaseLost, "heartbeat matched no record")
		return nil
	}
	return err
}

// fenceMargin is how long before the record could go stale the owner gives
// up. One heartbeat interval, capped at half the stale window.
func (c *Controller) fenceMargin() time.Duration {
	stale := c.d.Lease.StaleAfter()
	if m := c.cfg.HeartbeatEvery; m > 0 && m < stale/2 {
		return m
	}
	return stale / 2
}

// fence drops ownership once heartbeats have failed for StaleAfter minus the
// margin. Local ownership ends immediately; the session follows in teardown,
// before any standby can claim the record.
func (c *Controller) fence(ctx context.Context, t *term) {
	window := c.d.Lease.StaleAfter() - c.fenceMargin()
	for {
		last := c.d.Lease.LastHeartbeat()
		wait := last.Add(window).Sub(c.clk.Now())
		if wait <= 0 {
			silent := c.clk.Now().Sub(last)
			reason := fmt.Sprintf("no successful heartbeat for %s", silent.Round(time.Millisecond))
			c.d.Lease.MarkLost(reason)
			t.end(endLeaseLost, reason)
			return
		}
		if err := clock.Sleep(ctx, c.clk, wait); err != nil {
			return
		}
	}
}

func (c *Controller) pump(ctx context.Context, t *term, sup *supervisor.Supervisor, events <-chan transport.Event, dispatchOnce *sync.Once) {
	for {
		var ev transport.Event
		select {
		case <-ctx.Done():
			return
		case ev = <-events:
		}
		switch ev.Kind {
		case transport.EventQR:
			now := c.clk.Now()
			c.mu.Lock()
			c.lastQR, c.lastQRAt = ev.QR, now
			c.mu.Unlock()
			c.log.Info("pairing code received")
			c.publish(eventbus.SessionQR, map[string]any{"at": now})
			c.setState(ctx, t, storage.StateQR)
		case transport.EventAuthenticated:
			c.setState(ctx, t, storage.StateAuthenticated)
		case transport.EventReady:
			c.m.SetSessionReady(true)
			c.publish(eventbus.SessionReady, nil)
			c.setState(ctx, t, storage.StateReady)
			if c.d.Dispatch != nil {
				dispatchOnce.Do(func() { sup.Go("dispatch", c.d.Dispatch.Run) })
			}
		case transport.EventAuthFailure:
			c.m.SetSessionReady(false)
			t.end(endSessionLost, "auth failure: "+ev.Reason)
		case transport.EventDisconnected:
			c.m.SetSessionReady(false)
			t.end(endSessionLost, "disconnected: "+ev.Reason)
		case transport.EventMessage:
			if ev.Message != nil && c.d.Inbound != nil {
				c.d.Inbound.Handle(ctx, *ev.Message)
			}
		}
	}
}

func (c *Controller) setState(ctx context.Context, t *term, st storage.LeaseState) {
	err := c.d.Lease.SetState(ctx, st)
	switch {
	case err == nil:
	case errors.Is(err, lease.ErrNotOwner):
		t.end(endLeaseLost, "state write matched no record")
	case ctx.Err() == nil:
		c.log.Warn("lease state write failed", logx.String("state", string(st)), logx.Err(err))
	}
}

// Restart, Release and ResetAuth run on the term's action poller. They only
// signal the term to end; teardown happens on the controller goroutine.

func (c *Controller) Restart(_ context.Context, a storage.Action) error {
	return c.signal(endRestart, a)
}

func (c *Controller) Release(_ context.Context, a storage.Action) error {
	return c.signal(endRelease, a)
}

func (c *Controller) ResetAuth(_ context.Context, a storage.Action) error {
	return c.signal(endResetAuth, a)
}

func (c *Controller) signal(kind endKind, a storage.Action) error {
	t := c.cur.Load()
	if t == nil {
		return errors.New("no active ownership term")
	}
	reason := string(a.Kind)
	if a.Reason != "" {
		reason += ": " + a.Reason
	}
	t.end(kind, reason)
	return nil
}

func (c *Controller) takeResetAuth() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.resetAuthNext
	c.resetAuthNext = false
	return v
}

func (c *Controller) hold(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.holdUntil = c.clk.Now().Add(d)
	c.mu.Unlock()
}

func (c *Controller) holdLeft() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holdUntil.Sub(c.clk.Now())
}

func (c *Controller) setRole(r Role) {
	c.mu.Lock()
	if c.role == r {
		c.mu.Unlock()
		return
	}
	c.role = r
	c.since = c.clk.Now()
	c.mu.Unlock()
	c.log.Debug("role changed", logx.String("role", string(r)))
}

func (c *Controller) publish(t eventbus.Type, data map[string]any) {
	c.bus.Publish(eventbus.Event{Type: t, Identity: c.d.Lease.Identity(), Time: c.clk.Now(), Data: data})
}
