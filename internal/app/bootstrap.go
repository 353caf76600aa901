package app

import (
	"fmt"
	"sort"

	"taskd/internal/config"
	"taskd/internal/directory"
	"taskd/internal/jobs"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// buildRegistry registers the built-in jobs with the file's task overrides
// merged in as registration defaults.
func buildRegistry(cfg *config.Config, deps jobs.Deps) (*directory.Registry, error) {
	regs := jobs.Registrations(deps)
	known := make(map[string]bool, len(regs))
	for i := range regs {
		r := &regs[i]
		known[r.ID] = true
		ov, ok := cfg.Tasks[r.ID]
		if !ok {
			continue
		}
		if ov.Enabled != nil {
			r.Enabled = *ov.Enabled
		}
		r.Config = mergeConfig(r.Config, ov.Config)
		if v, ok := r.New().(task.ConfigValidator); ok {
			if err := v.ValidateConfig(r.Config); err != nil {
				return nil, fmt.Errorf("tasks.%s.config: %w", r.ID, err)
			}
		}
	}

	var unknown []string
	for id := range cfg.Tasks {
		if !known[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("tasks.%s: unknown task", unknown[0])
	}
	return directory.NewRegistry(regs...)
}

// mergeConfig overlays override keys onto base without mutating either.
func mergeConfig(base, override map[string]any) map[string]any {
	if base == nil && override == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// validateConfig is the reload gate: a config that cannot be mapped is
// rejected before it is committed.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg, ""); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("telegram.timeout", cfg.Telegram.Timeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("telegram.breaker_timeout", cfg.Telegram.BreakerTimeout); err != nil {
		return err
	}
	_, err := buildRegistry(cfg, jobs.Deps{})
	return err
}

func logConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
			Compress:   lc.File.Compress,
		},
	}
}
