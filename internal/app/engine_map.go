package app

import (
	"fmt"
	"time"

	"taskd/internal/config"
	"taskd/internal/engine"
	"taskd/internal/task"
)

// mapEngineConfig resolves the engine section into the loop config and
// the per-task lifecycle options. Zero values fall back to package defaults.
func mapEngineConfig(cfg *config.Config) (engine.Config, task.Options, error) {
	if cfg == nil {
		return engine.Config{Enabled: true}, task.Options{}, nil
	}
	e := cfg.Engine
	enabled := e.Enabled == nil || *e.Enabled

	if e.MaxConcurrent < 0 {
		return engine.Config{}, task.Options{}, fmt.Errorf("engine.max_concurrent must be >= 0")
	}
	if e.HistorySize < 0 {
		return engine.Config{}, task.Options{}, fmt.Errorf("engine.history_size must be >= 0")
	}
	interval, err := config.ParseDurationOrDefault("engine.check_interval", e.CheckInterval, engine.DefaultCheckInterval)
	if err != nil {
		return engine.Config{}, task.Options{}, err
	}
	if interval < 100*time.Millisecond {
		return engine.Config{}, task.Options{}, fmt.Errorf("engine.check_interval must be >= 100ms")
	}
	settle, err := config.ParseSignedDurationField("engine.settle_delay", e.SettleDelay)
	if err != nil {
		return engine.Config{}, task.Options{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("engine.shutdown_timeout", e.ShutdownTimeout, engine.DefaultShutdownTimeout)
	if err != nil {
		return engine.Config{}, task.Options{}, err
	}
	progress, err := config.ParseDurationOrDefault("engine.progress_interval", e.ProgressInterval, task.DefaultProgressInterval)
	if err != nil {
		return engine.Config{}, task.Options{}, err
	}
	idle, err := config.ParseSignedDurationField("engine.idle_grace", e.IdleGrace)
	if err != nil {
		return engine.Config{}, task.Options{}, err
	}

	ec := engine.Config{
		Enabled:         enabled,
		CheckInterval:   interval,
		SettleDelay:     settle,
		MaxConcurrent:   e.MaxConcurrent,
		ShutdownTimeout: shutdown,
	}
	to := task.Options{
		HistorySize:      e.HistorySize,
		ProgressInterval: progress,
		IdleGrace:        idle,
	}
	return ec, to, nil
}
