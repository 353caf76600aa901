package config

import (
	"os"
	"strings"
)

// Environment variables that override the file.
const (
	EnvTelegramToken = "TASKD_TELEGRAM_TOKEN"
	EnvRedisAddr     = "TASKD_REDIS_ADDR"
)

// ApplyEnv overlays environment overrides onto cfg. A Redis address also
// selects the redis driver when no storage section exists.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvTelegramToken); ok && strings.TrimSpace(v) != "" {
		cfg.Telegram.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvRedisAddr); ok && strings.TrimSpace(v) != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "redis"}
		}
		cfg.Storage.RedisAddr = strings.TrimSpace(v)
	}
}
