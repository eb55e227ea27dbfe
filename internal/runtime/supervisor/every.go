package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"relaybot/pkg/logx"
)

type EveryOption func(*everyCfg)

type everyCfg struct {
	immediate bool
	onError   func(error)
}

// Immediately runs the first tick right away instead of after one interval.
func Immediately() EveryOption { return func(c *everyCfg) { c.immediate = true } }

// OnTickError receives errors and recovered panics from ticks. The loop keeps
// going either way.
func OnTickError(fn func(error)) EveryOption { return func(c *everyCfg) { c.onError = fn } }

// Every runs fn on a fixed interval until the group is cancelled. Ticks never
// overlap; a slow tick delays the next one. interval may be a func so hot
// reloaded values apply on the next tick.
func (s *Supervisor) Every(name string, interval func() time.Duration, fn func(ctx context.Context) error, opts ...EveryOption) {
	if fn == nil || interval == nil {
		return
	}
	var cfg everyCfg
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.onError == nil {
		th := logx.NewThrottled(s.log, time.Minute, 3)
		cfg.onError = func(err error) { th.Warn("periodic task failed", logx.String("name", name), logx.Err(err)) }
	}

	s.Go0(name, func(ctx context.Context) {
		if cfg.immediate {
			if err := s.tick(ctx, name, fn); err != nil {
				cfg.onError(err)
			}
		}
		for {
			d := interval()
			if d <= 0 {
				d = time.Second
			}
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			if err := s.tick(ctx, name, fn); err != nil && ctx.Err() == nil {
				cfg.onError(err)
			}
		}
	})
}

func (s *Supervisor) tick(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name, r)
			s.log.Error("periodic task panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Fixed adapts a constant to the interval func Every expects.
func Fixed(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}
