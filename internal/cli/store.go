package cli

import (
	"fmt"

	"github.com/tjfontaine/agent-stream/internal/config"
	"github.com/tjfontaine/agent-stream/internal/storage"
	"github.com/tjfontaine/agent-stream/internal/storage/memory"
	"github.com/tjfontaine/agent-stream/internal/storage/sqldb"
)

// openStore creates the configured turn store.
func openStore(cfg config.StorageConfig) (storage.TurnStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite", "postgres":
		store, err := sqldb.New(sqldb.Config{Driver: cfg.Type, DSN: cfg.DSN})
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Type, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
