package config

// Config is the on-disk shape (JSON, or YAML coerced to JSON). Durations are
// Go duration strings. Resolve turns it into typed, defaulted Settings.
type Config struct {
	Bot       BotConfig       `json:"bot"`
	Lease     LeaseConfig     `json:"lease"`
	Storage   StorageConfig   `json:"storage"`
	Session   SessionConfig   `json:"session"`
	Sender    SenderConfig    `json:"sender"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Backlog   BacklogConfig   `json:"backlog"`
	Responder ResponderConfig `json:"responder"`
	Control   ControlConfig   `json:"control"`
	Logging   LoggingConfig   `json:"logging"`
}

// BotConfig names the identity this process competes for. An empty Number
// means a single-host deployment.
type BotConfig struct {
	Tenant       string `json:"tenant,omitempty"`
	Number       string `json:"number,omitempty"`
	InstanceName string `json:"instance_name,omitempty"`
}

// LeaseConfig timings. Defaults: stale_after 25s, heartbeat_every 9s,
// standby_poll 8s, action_poll 4s, release_mode "hard", release_cooldown 30s.
type LeaseConfig struct {
	StaleAfter      string `json:"stale_after,omitempty"`
	HeartbeatEvery  string `json:"heartbeat_every,omitempty"`
	StandbyPoll     string `json:"standby_poll,omitempty"`
	ActionPoll      string `json:"action_poll,omitempty"`
	ReleaseMode     string `json:"release_mode,omitempty"`
	ReleaseCooldown string `json:"release_cooldown,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	TablePrefix string `json:"table_prefix,omitempty"`

	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	DSN          string `json:"dsn,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	MaxIdleConns int    `json:"max_idle_conns,omitempty"`

	URI      string `json:"uri,omitempty"`
	Database string `json:"database,omitempty"`

	Endpoint  string `json:"endpoint,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Region    string `json:"region,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Insecure  bool   `json:"insecure,omitempty"`
}

type SessionConfig struct {
	// Driver is "telegram" or "wsbridge".
	Driver   string                `json:"driver"`
	Telegram TelegramSessionConfig `json:"telegram,omitempty"`
	Bridge   BridgeSessionConfig   `json:"bridge,omitempty"`
}

type TelegramSessionConfig struct {
	Token       string `json:"token,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// BridgeSessionConfig points at an external process that owns the real
// messaging session and speaks JSON frames over a websocket.
type BridgeSessionConfig struct {
	URL              string `json:"url,omitempty"`
	Token            string `json:"token,omitempty"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	PingEvery        string `json:"ping_every,omitempty"`
	SendTimeout      string `json:"send_timeout,omitempty"`
}

type SenderConfig struct {
	Attempts      int     `json:"attempts,omitempty"`
	NotReadyDelay string  `json:"not_ready_delay,omitempty"`
	RetryDelay    string  `json:"retry_delay,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
}

// DispatchConfig drives the bulk engine. Legacy names: poll_every is
// seg_tele, page_size is cant_lim, delay_min/delay_max are seg_desde and
// seg_hasta, expiry is time_cad.
type DispatchConfig struct {
	Enabled         bool          `json:"enabled"`
	PollEvery       string        `json:"poll_every,omitempty"`
	Schedule        string        `json:"schedule,omitempty"`
	Timezone        string        `json:"timezone,omitempty"`
	PageSize        *int          `json:"page_size,omitempty"`
	DelayMin        string        `json:"delay_min,omitempty"`
	DelayMax        string        `json:"delay_max,omitempty"`
	Expiry          string        `json:"expiry,omitempty"`
	SweepEvery      string        `json:"sweep_every,omitempty"`
	ExpiryNotice    bool          `json:"expiry_notice,omitempty"`
	RecipientFilter string        `json:"recipient_filter,omitempty"`
	Texts           DispatchTexts `json:"texts,omitempty"`
}

// DispatchTexts may use {remaining}, {sent} and {total}.
type DispatchTexts struct {
	ContinuePrompt string `json:"continue_prompt,omitempty"`
	Cancelled      string `json:"cancelled,omitempty"`
	Expired        string `json:"expired,omitempty"`
}

type BacklogConfig struct {
	// Driver is "http" or "memory".
	Driver  string `json:"driver,omitempty"`
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type ResponderConfig struct {
	// Mode is "echo" or "none".
	Mode     string `json:"mode,omitempty"`
	Fallback string `json:"fallback,omitempty"`
}

type ControlConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Metrics       bool   `json:"metrics,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	Format  string            `json:"format,omitempty"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}
