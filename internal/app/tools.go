package app

import (
	"context"

	"relaybot/internal/action"
	"relaybot/internal/config"
	"relaybot/internal/storage"
	"relaybot/internal/storage/backend"
	"relaybot/pkg/logx"
)

// Tools gives one-shot CLI commands the store without starting the bot.
type Tools struct {
	Settings config.Settings
	Config   *config.Config
	Store    storage.Store
	Actions  *action.Channel
}

func OpenTools(ctx context.Context, cfgPath string, log logx.Logger) (*Tools, error) {
	cfg, set, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg, set)
	if err != nil {
		return nil, err
	}
	st, err := backend.Open(ctx, sc, log)
	if err != nil {
		return nil, err
	}
	return &Tools{
		Settings: set,
		Config:   cfg,
		Store:    st,
		Actions:  action.New(st, action.Config{LockID: set.Identity, Logger: log}),
	}, nil
}

// Lease reads the identity's lease record.
func (t *Tools) Lease(ctx context.Context) (storage.Lease, error) {
	return t.Store.ReadLease(ctx, t.Settings.Identity)
}

func (t *Tools) Close() error { return t.Store.Close() }
