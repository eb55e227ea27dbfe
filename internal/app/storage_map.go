package app

import (
	"fmt"
	"strings"

	"relaybot/internal/config"
	"relaybot/internal/storage"
	"relaybot/internal/storage/backend"
)

// mapStorageConfig turns the storage section into a driver config. Drivers
// that cannot coordinate several hosts are refused unless the deployment is
// single-host.
func mapStorageConfig(cfg *config.Config, set config.Settings) (storage.Config, error) {
	sc := cfg.Storage
	driver := backend.Normalize(sc.Driver)
	out := storage.Config{
		Driver:       driver,
		TablePrefix:  strings.TrimSpace(sc.TablePrefix),
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  set.StorageBusyTimeout,
		DSN:          strings.TrimSpace(sc.DSN),
		MaxOpenConns: sc.MaxOpenConns,
		MaxIdleConns: sc.MaxIdleConns,
		URI:          strings.TrimSpace(sc.URI),
		Database:     strings.TrimSpace(sc.Database),
		Endpoint:     strings.TrimSpace(sc.Endpoint),
		Bucket:       strings.TrimSpace(sc.Bucket),
		Prefix:       strings.TrimSpace(sc.Prefix),
		Region:       strings.TrimSpace(sc.Region),
		AccessKey:    sc.AccessKey,
		SecretKey:    sc.SecretKey,
		Insecure:     sc.Insecure,
	}

	switch driver {
	case "memory":
		if !set.SingleHost {
			return storage.Config{}, fmt.Errorf("storage.driver=memory cannot coordinate hosts; set bot.number only with a shared store")
		}
	case "sqlite":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	case "mongo":
		if out.URI == "" {
			return storage.Config{}, fmt.Errorf("storage.uri is required when storage.driver=mongo")
		}
	case "s3":
		if out.Endpoint == "" || out.Bucket == "" {
			return storage.Config{}, fmt.Errorf("storage.endpoint and storage.bucket are required when storage.driver=s3")
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}
