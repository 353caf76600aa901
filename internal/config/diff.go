package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "taskd/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, log attrs that never
// include secrets, and the ids of tasks whose override changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		e := newCfg.Engine
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Bool("engine.enabled", e.Enabled == nil || *e.Enabled),
			logx.String("engine.check_interval", strings.TrimSpace(e.CheckInterval)),
			logx.Int("engine.max_concurrent", e.MaxConcurrent),
			logx.String("engine.shutdown_timeout", strings.TrimSpace(e.ShutdownTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.String("notifier.dedup_window", strings.TrimSpace(n.DedupWindow)),
			)
		}
	}

	// Never log the token; only whether it is set or changed.
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID || ot.URL != nt.URL || ot.Timeout != nt.Timeout ||
		ot.Token != nt.Token || ot.BreakerFailures != nt.BreakerFailures || ot.BreakerTimeout != nt.BreakerTimeout {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int64("telegram.chat_id", nt.ChatID),
		)
	}

	tasks := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(tasks) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.Int("tasks.changed", len(tasks)))
	}

	sort.Strings(changed)
	return changed, attrs, tasks
}

func diffTasks(oldM, newM map[string]TaskOverride) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, n := oldM[id], newM[id]
		if !reflect.DeepEqual(o.Enabled, n.Enabled) || hashJSON(o.Config) != hashJSON(n.Config) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// hashJSON hashes a decoded value; map key order does not matter.
func hashJSON(v any) uint64 {
	if v == nil {
		return 0
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
