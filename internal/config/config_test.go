package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func noEnv(string) (string, bool) { return "", false }

const sampleYAML = `
logging:
  level: debug
  console: true
engine:
  check_interval: 30s
  max_concurrent: 2
storage:
  driver: sqlite
  path: ./taskd.db
telegram:
  chat_id: -1001
tasks:
  network_probe:
    enabled: false
    config:
      servers: 5
`

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yml := filepath.Join(dir, "taskd.yaml")
	writeFile(t, yml, sampleYAML)
	js := filepath.Join(dir, "taskd.json")
	writeFile(t, js, `{"logging":{"level":"debug","console":true},"engine":{"check_interval":"30s","max_concurrent":2},
		"storage":{"driver":"sqlite","path":"./taskd.db"},"telegram":{"chat_id":-1001},
		"tasks":{"network_probe":{"enabled":false,"config":{"servers":5}}}}`)

	for _, path := range []string{yml, js} {
		m := NewConfigManager(path)
		m.SetEnvLookup(noEnv)
		cfg, err := m.Load()
		if err != nil {
			t.Fatalf("Load(%s): %v", filepath.Base(path), err)
		}
		if cfg.Engine.CheckInterval != "30s" || cfg.Engine.MaxConcurrent != 2 || cfg.Storage.Driver != "sqlite" {
			t.Fatalf("%s: decoded %+v", filepath.Base(path), cfg)
		}
		if cfg.Telegram.ChatID != -1001 {
			t.Fatalf("%s: chat id = %d", filepath.Base(path), cfg.Telegram.ChatID)
		}
		ov := cfg.Tasks["network_probe"]
		if ov.Enabled == nil || *ov.Enabled || ov.Config["servers"] != float64(5) {
			t.Fatalf("%s: task override = %+v", filepath.Base(path), ov)
		}
		if m.Get() != cfg {
			t.Fatal("Load did not commit")
		}
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body, want string
	}{
		{"unknown field", "c.json", `{"engine":{"interval":"1s"}}`, "unknown field"},
		{"unknown task field", "c.yaml", "tasks:\n  x:\n    confg: {}\n", "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"format", "c.toml", `a = 1`, "unsupported config format"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), tc.file)
			writeFile(t, path, tc.body)
			_, err := NewConfigManager(path).Parse()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Parse err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	env := map[string]string{EnvTelegramToken: " 123:abc ", EnvRedisAddr: "127.0.0.1:6379"}
	cfg := &Config{}
	ApplyEnv(cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "redis" || cfg.Storage.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}

	cfg = &Config{Storage: &StorageConfig{Driver: "sqlite", Path: "x.db"}}
	ApplyEnv(cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("env override replaced an explicit driver: %+v", cfg.Storage)
	}
}

func TestDurationFields(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 1m "); err != nil || d != time.Minute {
		t.Fatalf("ParseDurationField = %s, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d, err := ParseSignedDurationField("x", "-1s"); err != nil || d != -time.Second {
		t.Fatalf("ParseSignedDurationField = %s, %v", d, err)
	}
	if d, _ := ParseDurationOrDefault("x", "", 5*time.Second); d != 5*time.Second {
		t.Fatalf("default = %s", d)
	}
	if _, err := ParseDurationField("engine.check_interval", "soon"); err == nil || !strings.Contains(err.Error(), "engine.check_interval") {
		t.Fatalf("error does not name the field: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	off := false
	oldCfg := &Config{Telegram: TelegramConfig{Token: "secret"}, Tasks: map[string]TaskOverride{"a": {Config: map[string]any{"x": 1.0}}}}
	newCfg := &Config{
		Engine:   EngineConfig{MaxConcurrent: 5},
		Telegram: TelegramConfig{Token: "other"},
		Tasks: map[string]TaskOverride{
			"a": {Config: map[string]any{"x": 1.0}},
			"b": {Enabled: &off},
		},
	}
	sections, _, tasks := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "engine,tasks,telegram" {
		t.Fatalf("sections = %v", sections)
	}
	if len(tasks) != 1 || tasks[0] != "b" {
		t.Fatalf("tasks = %v", tasks)
	}
	if s, _, _ := SummarizeConfigChange(newCfg, newCfg); len(s) != 0 {
		t.Fatalf("identical configs reported changes: %v", s)
	}
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "taskd.json")
	writeFile(t, path, `{"engine":{"max_concurrent":1}}`)
	m := NewConfigManager(path)
	m.SetEnvLookup(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Engine.MaxConcurrent > 10 {
			return context.Canceled
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, `{"engine":{"max_concurrent":50}}`)
	time.Sleep(2 * reloadDebounce)
	writeFile(t, path, `{"engine":{"max_concurrent":4}}`)

	select {
	case cfg := <-sub:
		if cfg.Engine.MaxConcurrent != 4 {
			t.Fatalf("published max_concurrent = %d, want 4 (50 must be rejected)", cfg.Engine.MaxConcurrent)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	if got := m.Get().Engine.MaxConcurrent; got != 4 {
		t.Fatalf("committed max_concurrent = %d", got)
	}
}
