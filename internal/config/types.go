package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig           `json:"logging"`
	Engine   EngineConfig            `json:"engine"`
	Storage  *StorageConfig          `json:"storage,omitempty"`
	Notifier *NotifierConfig         `json:"notifier,omitempty"`
	Telegram TelegramConfig          `json:"telegram"`
	Tasks    map[string]TaskOverride `json:"tasks,omitempty"`
}

// EngineConfig controls the scheduler loop and task lifecycle.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - check_interval: "60s"
//   - settle_delay: "5s"
//   - max_concurrent: 3
//   - shutdown_timeout: "30s"
//   - history_size: 50
//   - progress_interval: "2s"
//   - idle_grace: "3s" ("-1s" returns to idle immediately)
//
// Enabled is a pointer so "omitted" can default to true.
type EngineConfig struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	CheckInterval    string `json:"check_interval,omitempty"`
	SettleDelay      string `json:"settle_delay,omitempty"`
	MaxConcurrent    int    `json:"max_concurrent,omitempty"`
	ShutdownTimeout  string `json:"shutdown_timeout,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
	ProgressInterval string `json:"progress_interval,omitempty"`
	IdleGrace        string `json:"idle_grace,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskd.db" }
//	"storage": { "driver": "redis", "redis_addr": "127.0.0.1:6379" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPrefix   string `json:"redis_prefix,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	ParseMode       string `json:"parse_mode,omitempty"`
}

// TelegramConfig is the outbound bot. With no token, notifications go to the log.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	URL      string `json:"url,omitempty"`
	Timeout  string `json:"timeout,omitempty"`

	// Circuit breaker around sends.
	BreakerFailures int    `json:"breaker_failures,omitempty"`
	BreakerTimeout  string `json:"breaker_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// TaskOverride seeds a registered task. Persisted state wins over it once
// the task has been saved.
type TaskOverride struct {
	Enabled *bool          `json:"enabled,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos like "confg" fail the
// reload instead of silently doing nothing.
func (t *TaskOverride) UnmarshalJSON(b []byte) error {
	type raw struct {
		Enabled *bool          `json:"enabled,omitempty"`
		Config  map[string]any `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var r raw
	if err := dec.Decode(&r); err != nil {
		return err
	}
	*t = TaskOverride{Enabled: r.Enabled, Config: r.Config}
	return nil
}
