// Package action is the operator command channel: any process may enqueue a
// restart, release or resetAuth for an identity, and only the current owner
// claims and executes them, oldest first, each exactly once.
package action

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"relaybot/internal/clock"
	"relaybot/internal/eventbus"
	"relaybot/internal/metrics"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

// Executor performs claimed actions on the owning process.
type Executor interface {
	Restart(ctx context.Context, a storage.Action) error
	Release(ctx context.Context, a storage.Action) error
	ResetAuth(ctx context.Context, a storage.Action) error
}

type Config struct {
	// LockID is the identity the actions target.
	LockID string
	// Claimant is recorded as doneBy, normally the lease holder id.
	Claimant string

	Clock   clock.Clock
	Logger  logx.Logger
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

type Channel struct {
	store storage.ActionStore
	cfg   Config
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus

	busy atomic.Bool
}

func New(store storage.ActionStore, cfg Config) *Channel {
	return &Channel{
		store: store,
		cfg:   cfg,
		clk:   clock.Or(cfg.Clock),
		log:   cfg.Logger.Or().Component("action"),
		bus:   eventbus.Or(cfg.Bus),
	}
}

// Enqueue records a pending action. Unknown kinds are accepted and later
// marked ignored by the owner.
func (c *Channel) Enqueue(ctx context.Context, kind storage.ActionKind, reason, requestedBy string) (storage.Action, error) {
	if strings.TrimSpace(string(kind)) == "" {
		return storage.Action{}, errors.New("action: kind is required")
	}
	a := storage.Action{
		ID:          uuid.NewString(),
		LockID:      c.cfg.LockID,
		Kind:        kind,
		Reason:      reason,
		RequestedBy: requestedBy,
		RequestedAt: c.clk.Now(),
	}
	if err := c.store.InsertAction(ctx, a); err != nil {
		return storage.Action{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	c.log.Info("action enqueued", logx.String("id", a.ID), logx.String("action", string(kind)), logx.String("by", requestedBy))
	return a, nil
}

func (c *Channel) List(ctx context.Context, limit int) ([]storage.Action, error) {
	return c.store.ListActions(ctx, c.cfg.LockID, storage.ClampLimit(limit))
}

// PollOnce claims and executes at most one action. Overlapping calls return
// immediately. handled is false when nothing was pending.
func (c *Channel) PollOnce(ctx context.Context, exec Executor) (handled bool, err error) {
	if !c.busy.CompareAndSwap(false, true) {
		return false, nil
	}
	defer c.busy.Store(false)

	a, ok, err := c.store.ClaimAction(ctx, c.cfg.LockID, c.cfg.Claimant, c.clk.Now())
	if err != nil {
		return false, fmt.Errorf("claim action: %w", err)
	}
	if !ok {
		return false, nil
	}

	result := c.execute(ctx, exec, a)
	c.cfg.Metrics.Action(string(a.Kind), resultLabel(result))
	c.bus.Publish(eventbus.Event{
		Type:     eventbus.ActionDone,
		Identity: c.cfg.LockID,
		Time:     c.clk.Now(),
		Data:     map[string]any{"id": a.ID, "action": string(a.Kind), "result": result},
	})

	// The executor may have cancelled ctx (release/restart end the owner term).
	mctx := context.WithoutCancel(ctx)
	if err := c.store.MarkAction(mctx, a.ID, result); err != nil {
		return true, fmt.Errorf("mark action %s: %w", a.ID, err)
	}
	return true, nil
}

func (c *Channel) execute(ctx context.Context, exec Executor, a storage.Action) (result string) {
	log := c.log.With(logx.String("id", a.ID), logx.String("action", string(a.Kind)), logx.String("reason", a.Reason))
	defer func() {
		if r := recover(); r != nil {
			log.Error("action panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			result = storage.ResultError + ": panic: " + fmt.Sprint(r)
		}
	}()

	var err error
	switch a.Kind {
	case storage.ActionRestart:
		err = exec.Restart(ctx, a)
	case storage.ActionRelease:
		err = exec.Release(ctx, a)
	case storage.ActionResetAuth:
		err = exec.ResetAuth(ctx, a)
	default:
		log.Warn("unknown action ignored")
		return storage.ResultIgnored
	}
	if err != nil {
		log.Error("action failed", logx.Err(err))
		return storage.ResultError + ": " + err.Error()
	}
	log.Info("action executed")
	return storage.ResultOK
}

func resultLabel(result string) string {
	if strings.HasPrefix(result, storage.ResultError) {
		return storage.ResultError
	}
	return result
}
