// Package app wires the bot process together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/action"
	"relaybot/internal/config"
	"relaybot/internal/control"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/inbound"
	"relaybot/internal/lease"
	"relaybot/internal/metrics"
	"relaybot/internal/owner"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/sender"
	"relaybot/internal/storage"
	"relaybot/internal/storage/backend"
	"relaybot/internal/task/serial"
	"relaybot/pkg/logx"
	"relaybot/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	set  config.Settings
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store
	sd      *systemd.Notifier

	lease    *lease.Manager
	actions  *action.Channel
	limiter  *rate.Limiter
	sender   *sender.Sender
	serial   *serial.Serializer
	dispatch *dispatch.Engine
	inbound  *inbound.Router
	owner    *owner.Controller
	control  *control.Server

	ownerDone chan struct{}
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, set, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(cfg.Logging.Logx())
	log = log.With(logx.String("identity", set.Identity))
	appLog := log.Component("app")

	sc, err := mapStorageConfig(cfg, set)
	if err != nil {
		return nil, err
	}
	store, err := backend.Open(ctx, sc, log)
	if err != nil {
		return nil, err
	}
	// Anything failing below must not leak the store.
	ok := false
	defer func() {
		if !ok {
			_ = store.Close()
		}
	}()

	bus := eventbus.New()
	m := metrics.New(set.Identity)

	host, _ := os.Hostname()
	lm := lease.New(store, lease.Config{
		Identity:   set.Identity,
		HolderID:   lease.NewHolderID(host, os.Getpid()),
		Host:       host,
		StaleAfter: set.Lease.StaleAfter,
		FailOpen:   set.SingleHost,
		Logger:     log,
		Bus:        bus,
		Metrics:    m,
	})
	actions := action.New(store, action.Config{
		LockID:   set.Identity,
		Claimant: lm.HolderID(),
		Logger:   log,
		Bus:      bus,
		Metrics:  m,
	})

	limiter := sender.NewLimiter(set.Sender.RatePerSec, set.Sender.Burst)
	snd := sender.New(sender.Options{
		Attempts:      set.Sender.Attempts,
		NotReadyDelay: set.Sender.NotReadyDelay,
		RetryDelay:    set.Sender.RetryDelay,
		Limiter:       limiter,
		Logger:        log,
		Metrics:       m,
	})
	ser := serial.New(log)

	var eng *dispatch.Engine
	if set.Dispatch.Enabled {
		src, err := backlogSource(set.Backlog)
		if err != nil {
			return nil, err
		}
		dcfg, err := dispatchConfig(set.Dispatch)
		if err != nil {
			return nil, err
		}
		eng = dispatch.New(dcfg, dispatch.Deps{
			Source:   src,
			Sender:   snd,
			Serial:   ser,
			Logger:   log,
			Bus:      bus,
			Metrics:  m,
			Identity: set.Identity,
		})
	}

	responder, err := inbound.ResponderFor(set.Responder.Mode)
	if err != nil {
		return nil, err
	}
	deps := inbound.Deps{Serial: ser, Sender: snd, Logger: log, Metrics: m}
	if eng != nil {
		deps.Replies = eng
	}
	router := inbound.New(deps, responder, set.Responder.Fallback)

	sessions, err := sessionFactory(set.Session, log)
	if err != nil {
		return nil, err
	}
	odeps := owner.Deps{
		Lease:    lm,
		Actions:  actions,
		Sessions: sessions,
		Sender:   snd,
		Inbound:  router,
	}
	if eng != nil {
		odeps.Dispatch = eng
	}
	ctl := owner.New(owner.Config{
		InstanceID:      instanceID(set),
		HeartbeatEvery:  set.Lease.HeartbeatEvery,
		StandbyPoll:     set.Lease.StandbyPoll,
		ActionPoll:      set.Lease.ActionPoll,
		ReleaseCooldown: set.Lease.ReleaseCooldown,
		HardRelease:     set.Lease.HardRelease,
		Logger:          log,
		Bus:             bus,
		Metrics:         m,
	}, odeps)

	var ctrl *control.Server
	if set.Control.Enabled {
		ctrl = control.New(control.Config{
			Addr:          set.Control.Addr,
			Token:         set.Control.Token,
			AllowInsecure: set.Control.AllowInsecure,
			Metrics:       set.Control.Metrics,
			Pprof:         set.Control.Pprof,
			ReadTimeout:   set.Control.ReadTimeout,
			WriteTimeout:  set.Control.WriteTimeout,
		}, ctl, actions, m, log)
	}

	appLog.Info("app built",
		logx.String("holder", lm.HolderID()),
		logx.String("storage", sc.Driver),
		logx.String("session", set.Session.Driver),
		logx.Bool("single_host", set.SingleHost),
		logx.Bool("dispatch", eng != nil),
		logx.Bool("control", ctrl != nil),
	)
	ok = true
	return &App{
		cfgm:      cfgm,
		set:       set,
		log:       appLog,
		logs:      logs,
		bus:       bus,
		metrics:   m,
		store:     store,
		sd:        systemd.New(log),
		lease:     lm,
		actions:   actions,
		limiter:   limiter,
		sender:    snd,
		serial:    ser,
		dispatch:  eng,
		inbound:   router,
		owner:     ctl,
		control:   ctrl,
		ownerDone: make(chan struct{}),
	}, nil
}

// Status is the owner controller's snapshot.
func (a *App) Status() owner.Status { return a.owner.Status() }

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	if a.control != nil {
		if err := a.control.Start(a.sup.Context()); err != nil {
			a.sup.Cancel()
			return fmt.Errorf("control: %w", err)
		}
	}

	a.sup.Go("owner", func(c context.Context) error {
		defer close(a.ownerDone)
		return a.owner.Run(c)
	})

	a.startEventLoop()
	a.startReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.sd.Status(a.statusLine())
	a.log.Info("app started", logx.String("instance", a.owner.Status().InstanceID))
	return nil
}

// startEventLoop logs bus events and mirrors role changes into the systemd
// status line.
func (a *App) startEventLoop() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e := <-events:
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.Time("time", e.Time), logx.Any("data", e.Data))
				switch e.Type {
				case eventbus.LeaseAcquired, eventbus.LeaseLost, eventbus.LeaseReleased,
					eventbus.LeaseState, eventbus.SessionReady, eventbus.SessionDown:
					a.sd.Status(a.statusLine())
				}
			}
		}
	})
}

func (a *App) statusLine() string {
	s := a.owner.Status()
	if !s.IsOwner {
		return fmt.Sprintf("%s standby", s.Identity)
	}
	return fmt.Sprintf("%s owner, lease %s, %d active recipients", s.Identity, s.LeaseState, s.ActiveRecipients)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancelling the app context ends the ownership term: dispatch stops,
	// the session is destroyed and the lease is released.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("owner", 15*time.Second, func(c context.Context) error {
		select {
		case <-a.ownerDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("serial", 3*time.Second, func(c context.Context) error {
		a.serial.Close()
		return a.serial.Wait(c)
	})
	step("control", 2*time.Second, func(c context.Context) error {
		if a.control != nil {
			return a.control.Stop(c)
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
