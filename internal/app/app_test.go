package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskd/internal/config"
	"taskd/internal/jobs"
	"taskd/internal/task"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		sc     *config.StorageConfig
		driver string
		errSub string
	}{
		{"omitted", nil, "memory", ""},
		{"none", &config.StorageConfig{Driver: "none"}, "memory", ""},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "x.db"}, "sqlite", ""},
		{"sqlite without path", &config.StorageConfig{Driver: "sqlite"}, "", "storage.path"},
		{"redis", &config.StorageConfig{Driver: "redis", RedisAddr: "127.0.0.1:6379"}, "redis", ""},
		{"redis without addr", &config.StorageConfig{Driver: "redis"}, "", "storage.redis_addr"},
		{"unknown", &config.StorageConfig{Driver: "file"}, "", "unknown storage.driver"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tc.sc})
			if tc.errSub != "" {
				if err == nil || !strings.Contains(err.Error(), tc.errSub) {
					t.Fatalf("err = %v, want %q", err, tc.errSub)
				}
				return
			}
			if err != nil || got.Driver != tc.driver {
				t.Fatalf("mapStorageConfig = %+v, %v", got, err)
			}
		})
	}
	got, _ := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}})
	if got.BusyTimeout != 5*time.Second {
		t.Fatalf("default busy timeout = %s", got.BusyTimeout)
	}
}

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()
	off := false
	ec, to, err := mapEngineConfig(&config.Config{Engine: config.EngineConfig{
		Enabled:       &off,
		CheckInterval: "15s",
		SettleDelay:   "-1s",
		MaxConcurrent: 4,
		IdleGrace:     "-1s",
	}})
	if err != nil {
		t.Fatalf("mapEngineConfig: %v", err)
	}
	if ec.Enabled || ec.CheckInterval != 15*time.Second || ec.SettleDelay >= 0 || ec.MaxConcurrent != 4 {
		t.Fatalf("engine config = %+v", ec)
	}
	if to.IdleGrace >= 0 || to.ProgressInterval != task.DefaultProgressInterval {
		t.Fatalf("task options = %+v", to)
	}

	ec, _, _ = mapEngineConfig(&config.Config{})
	if !ec.Enabled {
		t.Fatal("omitted engine.enabled should default to true")
	}

	for _, bad := range []config.EngineConfig{
		{CheckInterval: "10ms"},
		{CheckInterval: "often"},
		{MaxConcurrent: -1},
		{ShutdownTimeout: "-5s"},
	} {
		if _, _, err := mapEngineConfig(&config.Config{Engine: bad}); err == nil {
			t.Fatalf("mapEngineConfig(%+v) accepted", bad)
		}
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Telegram: config.TelegramConfig{ChatID: -100, ThreadID: 7},
		Notifier: &config.NotifierConfig{Enabled: true, Workers: 4, DedupWindow: "5m"},
	}
	n, err := mapNotifierConfig(cfg, "telegram")
	if err != nil {
		t.Fatalf("mapNotifierConfig: %v", err)
	}
	if n.Workers != 4 || n.DedupWindow != 5*time.Minute || n.RatePerSec != 3 || n.Target.ChatID != -100 || n.Target.ThreadID != 7 || n.Channel != "telegram" {
		t.Fatalf("notifier config = %+v", n)
	}
	cfg.Notifier.RetryBase = "nope"
	if _, err := mapNotifierConfig(cfg, ""); err == nil {
		t.Fatal("bad retry_base accepted")
	}
}

func TestBuildRegistryMergesOverrides(t *testing.T) {
	t.Parallel()
	off := false
	reg, err := buildRegistry(&config.Config{Tasks: map[string]config.TaskOverride{
		jobs.ProbeID: {Enabled: &off, Config: map[string]any{"servers": 5.0}},
	}}, jobs.Deps{})
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	r, _ := reg.Lookup(jobs.ProbeID)
	if r.Enabled || r.Config["servers"] != 5.0 || r.Config["download"] != false {
		t.Fatalf("probe registration = %+v", r)
	}

	bad := []map[string]config.TaskOverride{
		{"nope": {}},
		{jobs.RetentionID: {Config: map[string]any{"retention_days": 0}}},
	}
	for _, tasks := range bad {
		if _, err := buildRegistry(&config.Config{Tasks: tasks}, jobs.Deps{}); err == nil {
			t.Fatalf("buildRegistry(%v) accepted", tasks)
		}
	}
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestAppLifecycleAndReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "taskd.yaml")
	writeConfig(t, path, `
logging:
  level: error
engine:
  settle_delay: 1h
  max_concurrent: 2
storage:
  driver: sqlite
  path: `+filepath.Join(dir, "taskd.db")+`
`)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := a.Engine().RunTask(ctx, jobs.RetentionID)
	if err != nil || res.Status != task.StatusCompleted {
		t.Fatalf("RunTask = %+v, %v", res, err)
	}
	hist, err := a.Engine().TaskHistory(ctx, jobs.RetentionID, 10, 0)
	if err != nil || len(hist) != 1 {
		t.Fatalf("TaskHistory = %+v, %v", hist, err)
	}

	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, `
logging:
  level: error
engine:
  settle_delay: 1h
  max_concurrent: 5
storage:
  driver: sqlite
  path: `+filepath.Join(dir, "taskd.db")+`
`)
	deadline := time.Now().Add(3 * time.Second)
	for a.Engine().Status().MaxConcurrent != 5 {
		if time.Now().After(deadline) {
			t.Fatal("engine config not hot-reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Engine().Status().Running {
		t.Fatal("engine still running after Stop")
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "taskd.json")
	writeConfig(t, path, `{"engine":{"check_interval":"1ms"}}`)
	if _, err := NewApp(path); err == nil || !strings.Contains(err.Error(), "engine.check_interval") {
		t.Fatalf("NewApp err = %v", err)
	}
}
