package pushapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/R3E-Network/pushapp/pkg/storage"
	"github.com/R3E-Network/pushapp/pkg/storage/redisstore"
	"github.com/R3E-Network/pushapp/pkg/storage/sqlstore"
)

const storeDialTimeout = 10 * time.Second

// openStore builds the durable store selected by cfg.
func openStore(cfg Config) (storage.Store, error) {
	switch cfg.StorageDriver {
	case StorageMemory:
		return storage.NewMemory(), nil
	case StorageRedis:
		ctx, cancel := context.WithTimeout(context.Background(), storeDialTimeout)
		defer cancel()
		return redisstore.Dial(ctx, cfg.RedisAddr, "")
	case StoragePostgres:
		ctx, cancel := context.WithTimeout(context.Background(), storeDialTimeout)
		defer cancel()
		return sqlstore.Open(ctx, cfg.PostgresDSN, "")
	default:
		path := cfg.StoragePath
		if path == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return nil, fmt.Errorf("pushapp: no storage path and no user config dir: %w", err)
			}
			path = filepath.Join(dir, "pushapp", "state.json")
		}
		return storage.NewFile(path)
	}
}
