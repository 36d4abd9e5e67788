package cache

import (
	"context"
	"fmt"

	"github.com/folio-edge/folio-cache/internal/config"
)

// Open 按 StorageBackend 构建对应的 Store，调用方负责 Close。
func Open(ctx context.Context, global config.GlobalConfig) (Store, error) {
	switch global.StorageBackend {
	case config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendFS:
		return NewStore(global.StoragePath)
	case config.BackendLevelDB, "":
		return NewLevelDBStore(global.StoragePath)
	case config.BackendRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:     global.RedisAddr,
			Password: global.RedisPassword,
			DB:       global.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", global.StorageBackend)
	}
}
