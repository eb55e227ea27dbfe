package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Settings is Config after defaults, parsing and validation.
type Settings struct {
	Tenant       string
	Number       string
	InstanceName string
	// Identity is the lease key, tenant:number.
	Identity string
	// SingleHost is set when no number is configured.
	SingleHost bool

	Lease     LeaseSettings
	Session   SessionSettings
	Sender    SenderSettings
	Dispatch  DispatchSettings
	Backlog   BacklogSettings
	Responder ResponderSettings
	Control   ControlSettings

	StorageBusyTimeout time.Duration
}

type LeaseSettings struct {
	StaleAfter      time.Duration
	HeartbeatEvery  time.Duration
	StandbyPoll     time.Duration
	ActionPoll      time.Duration
	HardRelease     bool
	ReleaseCooldown time.Duration
}

type SessionSettings struct {
	Driver            string
	TelegramToken     string
	TelegramPoll      time.Duration
	BridgeURL         string
	BridgeToken       string
	BridgeHandshake   time.Duration
	BridgePingEvery   time.Duration
	BridgeSendTimeout time.Duration
}

type SenderSettings struct {
	Attempts      int
	NotReadyDelay time.Duration
	RetryDelay    time.Duration
	RatePerSec    float64
	Burst         int
}

type DispatchSettings struct {
	Enabled         bool
	PollEvery       time.Duration
	Schedule        string
	Location        *time.Location
	PageSize        int
	DelayMin        time.Duration
	DelayMax        time.Duration
	Expiry          time.Duration
	SweepEvery      time.Duration
	ExpiryNotice    bool
	RecipientFilter string
	ContinuePrompt  string
	Cancelled       string
	Expired         string
}

type BacklogSettings struct {
	Driver  string
	URL     string
	Token   string
	Timeout time.Duration
}

type ResponderSettings struct {
	Mode     string
	Fallback string
}

type ControlSettings struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Metrics       bool
	Pprof         bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

const (
	DefaultContinuePrompt = "Te enviamos {sent} de {total} mensajes. Quedan {remaining} pendientes. ¿Deseas continuar? Responde S para sí o N para no."
	DefaultCancelled      = "Entendido, no enviaremos más mensajes por ahora."
	DefaultExpired        = "La sesión expiró por inactividad. Te escribiremos más tarde con los mensajes pendientes."
	DefaultFallback       = "Por favor, escribe tu consulta nuevamente."
)

// CronParser accepts standard five-field specs, an optional leading seconds
// field, and descriptors such as @every 30s.
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Resolve applies defaults and validates. All problems are reported at once.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var (
		s    Settings
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := parseDuration(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return def
		}
		return d
	}

	// bot
	s.Tenant = strings.TrimSpace(cfg.Bot.Tenant)
	if s.Tenant == "" {
		s.Tenant = "default"
	}
	s.Number = strings.TrimSpace(cfg.Bot.Number)
	s.InstanceName = strings.TrimSpace(cfg.Bot.InstanceName)
	if s.Number == "" {
		s.SingleHost = true
		s.Identity = s.Tenant + ":local"
	} else {
		s.Identity = s.Tenant + ":" + s.Number
	}

	// lease
	s.Lease = LeaseSettings{
		StaleAfter:      dur("lease.stale_after", cfg.Lease.StaleAfter, 25*time.Second),
		HeartbeatEvery:  dur("lease.heartbeat_every", cfg.Lease.HeartbeatEvery, 9*time.Second),
		StandbyPoll:     dur("lease.standby_poll", cfg.Lease.StandbyPoll, 8*time.Second),
		ActionPoll:      dur("lease.action_poll", cfg.Lease.ActionPoll, 4*time.Second),
		ReleaseCooldown: dur("lease.release_cooldown", cfg.Lease.ReleaseCooldown, 30*time.Second),
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Lease.ReleaseMode)) {
	case "", "hard":
		s.Lease.HardRelease = true
	case "soft":
	default:
		errs = append(errs, fmt.Errorf("lease.release_mode: must be hard or soft, got %q", cfg.Lease.ReleaseMode))
	}
	if s.Lease.StaleAfter <= 2*s.Lease.HeartbeatEvery {
		errs = append(errs, fmt.Errorf("lease.stale_after (%s) must exceed twice lease.heartbeat_every (%s)", s.Lease.StaleAfter, s.Lease.HeartbeatEvery))
	}

	s.StorageBusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)

	// session
	s.Session = SessionSettings{
		Driver:            strings.ToLower(strings.TrimSpace(cfg.Session.Driver)),
		TelegramToken:     strings.TrimSpace(cfg.Session.Telegram.Token),
		TelegramPoll:      dur("session.telegram.poll_timeout", cfg.Session.Telegram.PollTimeout, 10*time.Second),
		BridgeURL:         strings.TrimSpace(cfg.Session.Bridge.URL),
		BridgeToken:       strings.TrimSpace(cfg.Session.Bridge.Token),
		BridgeHandshake:   dur("session.bridge.handshake_timeout", cfg.Session.Bridge.HandshakeTimeout, 10*time.Second),
		BridgePingEvery:   dur("session.bridge.ping_every", cfg.Session.Bridge.PingEvery, 20*time.Second),
		BridgeSendTimeout: dur("session.bridge.send_timeout", cfg.Session.Bridge.SendTimeout, 30*time.Second),
	}
	switch s.Session.Driver {
	case "telegram":
		if s.Session.TelegramToken == "" {
			errs = append(errs, errors.New("session.telegram.token is required"))
		}
	case "wsbridge":
		if s.Session.BridgeURL == "" {
			errs = append(errs, errors.New("session.bridge.url is required"))
		}
	case "":
		errs = append(errs, errors.New("session.driver is required (telegram or wsbridge)"))
	default:
		errs = append(errs, fmt.Errorf("session.driver: unknown %q", s.Session.Driver))
	}

	// sender
	s.Sender = SenderSettings{
		Attempts:      cfg.Sender.Attempts,
		NotReadyDelay: dur("sender.not_ready_delay", cfg.Sender.NotReadyDelay, 700*time.Millisecond),
		RetryDelay:    dur("sender.retry_delay", cfg.Sender.RetryDelay, 500*time.Millisecond),
		RatePerSec:    cfg.Sender.RatePerSec,
		Burst:         cfg.Sender.Burst,
	}
	if s.Sender.Attempts <= 0 {
		s.Sender.Attempts = 3
	}
	if s.Sender.RatePerSec < 0 {
		errs = append(errs, errors.New("sender.rate_per_sec must be >= 0"))
	}
	if s.Sender.Burst <= 0 {
		s.Sender.Burst = 1
	}

	// dispatch
	d := cfg.Dispatch
	s.Dispatch = DispatchSettings{
		Enabled:         d.Enabled,
		PollEvery:       dur("dispatch.poll_every", d.PollEvery, 30*time.Second),
		Schedule:        strings.TrimSpace(d.Schedule),
		Location:        time.Local,
		PageSize:        10,
		DelayMin:        dur("dispatch.delay_min", d.DelayMin, 3*time.Second),
		DelayMax:        dur("dispatch.delay_max", d.DelayMax, 8*time.Second),
		Expiry:          dur("dispatch.expiry", d.Expiry, 10*time.Minute),
		SweepEvery:      dur("dispatch.sweep_every", d.SweepEvery, 5*time.Second),
		ExpiryNotice:    d.ExpiryNotice,
		RecipientFilter: strings.TrimSpace(d.RecipientFilter),
		ContinuePrompt:  orText(d.Texts.ContinuePrompt, DefaultContinuePrompt),
		Cancelled:       orText(d.Texts.Cancelled, DefaultCancelled),
		Expired:         orText(d.Texts.Expired, DefaultExpired),
	}
	if d.PageSize != nil {
		if *d.PageSize < 0 {
			errs = append(errs, errors.New("dispatch.page_size must be >= 0"))
		} else {
			s.Dispatch.PageSize = *d.PageSize
		}
	}
	if s.Dispatch.DelayMin > s.Dispatch.DelayMax {
		errs = append(errs, fmt.Errorf("dispatch.delay_min (%s) exceeds dispatch.delay_max (%s)", s.Dispatch.DelayMin, s.Dispatch.DelayMax))
	}
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("dispatch.timezone: %w", err))
		} else {
			s.Dispatch.Location = loc
		}
	}
	if s.Dispatch.Schedule != "" {
		if _, err := CronParser.Parse(s.Dispatch.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("dispatch.schedule: %w", err))
		}
	}

	// backlog
	s.Backlog = BacklogSettings{
		Driver:  strings.ToLower(strings.TrimSpace(cfg.Backlog.Driver)),
		URL:     strings.TrimRight(strings.TrimSpace(cfg.Backlog.URL), "/"),
		Token:   strings.TrimSpace(cfg.Backlog.Token),
		Timeout: dur("backlog.timeout", cfg.Backlog.Timeout, 15*time.Second),
	}
	if s.Backlog.Driver == "" {
		s.Backlog.Driver = "http"
		if s.Backlog.URL == "" {
			s.Backlog.Driver = "memory"
		}
	}
	switch s.Backlog.Driver {
	case "http":
		if s.Backlog.URL == "" {
			errs = append(errs, errors.New("backlog.url is required for the http driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("backlog.driver: unknown %q", s.Backlog.Driver))
	}

	// responder
	s.Responder = ResponderSettings{
		Mode:     strings.ToLower(strings.TrimSpace(cfg.Responder.Mode)),
		Fallback: orText(cfg.Responder.Fallback, DefaultFallback),
	}
	switch s.Responder.Mode {
	case "":
		s.Responder.Mode = "none"
	case "none", "echo":
	default:
		errs = append(errs, fmt.Errorf("responder.mode: unknown %q", s.Responder.Mode))
	}

	// control
	c := cfg.Control
	s.Control = ControlSettings{
		Enabled:       c.Enabled,
		Addr:          strings.TrimSpace(c.Addr),
		Token:         strings.TrimSpace(c.Token),
		AllowInsecure: c.AllowInsecure,
		Metrics:       c.Metrics,
		Pprof:         c.Pprof,
		ReadTimeout:   dur("control.read_timeout", c.ReadTimeout, 10*time.Second),
		WriteTimeout:  dur("control.write_timeout", c.WriteTimeout, 30*time.Second),
	}
	if s.Control.Addr == "" {
		s.Control.Addr = "127.0.0.1:8089"
	}
	if s.Control.Enabled && s.Control.Token == "" && !s.Control.AllowInsecure && !IsLoopbackAddr(s.Control.Addr) {
		errs = append(errs, fmt.Errorf("control.token is required when listening on %s (or set control.allow_insecure)", s.Control.Addr))
	}

	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	return s, nil
}

func orText(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// IsLoopbackAddr reports whether addr binds only to loopback. An empty host
// (":8089") binds every interface.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
