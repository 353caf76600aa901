package app

import (
	"fmt"
	"strings"
	"time"

	"taskd/internal/config"
	"taskd/internal/storage"
)

// mapStorageConfig resolves the storage section. An omitted section or
// driver "none" selects the in-memory store.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "redis":
		addr := strings.TrimSpace(sc.RedisAddr)
		if addr == "" {
			return storage.Config{}, fmt.Errorf("storage.redis_addr is required when storage.driver=redis")
		}
		if sc.RedisDB < 0 {
			return storage.Config{}, fmt.Errorf("storage.redis_db must be >= 0")
		}
		return storage.Config{
			Driver:        "redis",
			RedisAddr:     addr,
			RedisPassword: sc.RedisPassword,
			RedisDB:       sc.RedisDB,
			RedisPrefix:   strings.TrimSpace(sc.RedisPrefix),
		}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
