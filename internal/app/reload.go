package app

import (
	"context"
	"strings"

	"relaybot/internal/config"
	"relaybot/internal/inbound"
	"relaybot/internal/sender"
	"relaybot/pkg/logx"
)

// startReloadLoop applies hot-reloadable settings: logging, dispatch pacing
// and texts, the responder and the outbound rate. Everything else is logged
// as needing a restart.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			var newCfg *config.Config
			select {
			case <-c.Done():
				return
			case newCfg = <-sub:
			}
			// Coalesce bursts: keep only the latest.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	set, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(next.Logging.Logx())

	if a.dispatch != nil {
		if dcfg, err := dispatchConfig(set.Dispatch); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			if set.Dispatch.Schedule != a.set.Dispatch.Schedule {
				restart = append(restart, "dispatch.schedule")
			}
			a.dispatch.SetConfig(dcfg)
		}
	}
	if set.Dispatch.Enabled != a.set.Dispatch.Enabled {
		restart = append(restart, "dispatch.enabled")
	}

	if responder, err := inbound.ResponderFor(set.Responder.Mode); err == nil {
		a.inbound.Configure(responder, set.Responder.Fallback)
	}

	a.limiter.SetLimit(sender.Limit(set.Sender.RatePerSec))
	a.limiter.SetBurst(set.Sender.Burst)

	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.set.Dispatch = set.Dispatch
	a.set.Responder = set.Responder
	a.set.Sender = set.Sender

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
