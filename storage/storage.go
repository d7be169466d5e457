package storage

import (
	"context"
	"fmt"

	"github.com/eddielth/telemetry-hub/alerting"
	"github.com/eddielth/telemetry-hub/config"
	"github.com/eddielth/telemetry-hub/registry"
)

// Backend serves device identities and threshold rules
type Backend interface {
	registry.Lookup
	alerting.RuleStore
	// Close releases the backend's resources
	Close() error
}

// Open creates the backend selected by cfg
func Open(ctx context.Context, cfg config.RegistryConfig) (Backend, error) {
	switch cfg.Type {
	case "file":
		fs, err := NewFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case string(MySQL), string(PostgreSQL):
		store, err := NewDatabaseStorage(ctx, cfg.Type, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported registry type: %s", cfg.Type)
	}
}
