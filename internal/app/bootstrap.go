package app

import (
	"fmt"
	"os"
	"strings"

	"relaybot/internal/backlog"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/transport"
	"relaybot/internal/transport/telegram"
	"relaybot/internal/transport/wsbridge"
	"relaybot/pkg/logx"
)

// sessionFactory builds a fresh session for every ownership term.
func sessionFactory(s config.SessionSettings, log logx.Logger) (transport.Factory, error) {
	switch s.Driver {
	case "telegram":
		cfg := telegram.Config{Token: s.TelegramToken, PollTimeout: s.TelegramPoll}
		return func() (transport.Session, error) { return telegram.New(cfg, log) }, nil
	case "wsbridge":
		cfg := wsbridge.Config{
			URL:              s.BridgeURL,
			Token:            s.BridgeToken,
			HandshakeTimeout: s.BridgeHandshake,
			PingEvery:        s.BridgePingEvery,
			SendTimeout:      s.BridgeSendTimeout,
		}
		return func() (transport.Session, error) { return wsbridge.New(cfg, log) }, nil
	}
	return nil, fmt.Errorf("unknown session driver: %s", s.Driver)
}

func backlogSource(s config.BacklogSettings) (backlog.Source, error) {
	switch s.Driver {
	case "http":
		return backlog.NewHTTP(backlog.HTTPConfig{URL: s.URL, Token: s.Token, Timeout: s.Timeout})
	case "memory":
		return backlog.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown backlog driver: %s", s.Driver)
}

func dispatchConfig(s config.DispatchSettings) (dispatch.Config, error) {
	out := dispatch.Config{
		PageSize:        s.PageSize,
		DelayMin:        s.DelayMin,
		DelayMax:        s.DelayMax,
		Expiry:          s.Expiry,
		PollEvery:       s.PollEvery,
		Location:        s.Location,
		SweepEvery:      s.SweepEvery,
		RecipientFilter: s.RecipientFilter,
		ExpiryNotice:    s.ExpiryNotice,
		ContinuePrompt:  s.ContinuePrompt,
		Cancelled:       s.Cancelled,
		Expired:         s.Expired,
	}
	if s.Schedule != "" {
		sched, err := config.CronParser.Parse(s.Schedule)
		if err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatch.schedule: %w", err)
		}
		out.Schedule = sched
	}
	return out, nil
}


func instanceID(s config.Settings) string {
	if s.InstanceName != "" {
		return s.InstanceName
	}
	host, _ := os.Hostname()
	if host = strings.TrimSpace(host); host == "" {
		host = "unknown"
	}
	return host
}
