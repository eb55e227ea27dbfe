package config

import (
	"reflect"
	"sort"
	"strings"

	"relaybot/pkg/logx"
)

// restartSections cannot be applied to a running process; the identity,
// store and session are bound at startup.
var restartSections = map[string]bool{
	"bot":     true,
	"lease":   true,
	"storage": true,
	"session": true,
	"backlog": true,
	"control": true,
}

// SummarizeConfigChange returns the changed sections, log-safe attrs (tokens,
// DSNs and keys are reported only as *_set booleans) and the subset of
// changed sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Bot != newCfg.Bot {
		changed = append(changed, "bot")
		attrs = append(attrs,
			logx.String("bot.tenant", newCfg.Bot.Tenant),
			logx.String("bot.number", newCfg.Bot.Number),
		)
	}

	if oldCfg.Lease != newCfg.Lease {
		changed = append(changed, "lease")
		attrs = append(attrs,
			logx.String("lease.stale_after", newCfg.Lease.StaleAfter),
			logx.String("lease.heartbeat_every", newCfg.Lease.HeartbeatEvery),
			logx.String("lease.release_mode", newCfg.Lease.ReleaseMode),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
			logx.Bool("storage.uri_set", strings.TrimSpace(newCfg.Storage.URI) != ""),
			logx.String("storage.bucket", newCfg.Storage.Bucket),
		)
	}

	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.driver", newCfg.Session.Driver),
			logx.Bool("session.telegram.token_set", strings.TrimSpace(newCfg.Session.Telegram.Token) != ""),
			logx.String("session.bridge.url", newCfg.Session.Bridge.URL),
		)
	}

	if oldCfg.Sender != newCfg.Sender {
		changed = append(changed, "sender")
		attrs = append(attrs,
			logx.Int("sender.attempts", newCfg.Sender.Attempts),
			logx.Float64("sender.rate_per_sec", newCfg.Sender.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		pageSize := -1
		if newCfg.Dispatch.PageSize != nil {
			pageSize = *newCfg.Dispatch.PageSize
		}
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled),
			logx.String("dispatch.poll_every", newCfg.Dispatch.PollEvery),
			logx.String("dispatch.schedule", newCfg.Dispatch.Schedule),
			logx.Int("dispatch.page_size", pageSize),
			logx.String("dispatch.expiry", newCfg.Dispatch.Expiry),
		)
	}

	if oldCfg.Backlog != newCfg.Backlog {
		changed = append(changed, "backlog")
		attrs = append(attrs,
			logx.String("backlog.driver", newCfg.Backlog.Driver),
			logx.Bool("backlog.token_set", strings.TrimSpace(newCfg.Backlog.Token) != ""),
		)
	}

	if oldCfg.Responder != newCfg.Responder {
		changed = append(changed, "responder")
		attrs = append(attrs, logx.String("responder.mode", newCfg.Responder.Mode))
	}

	if oldCfg.Control != newCfg.Control {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", newCfg.Control.Enabled),
			logx.String("control.addr", newCfg.Control.Addr),
			logx.Bool("control.token_set", strings.TrimSpace(newCfg.Control.Token) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

// LoggingConfig maps the logging section onto logx.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		Format:  c.Format,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}
