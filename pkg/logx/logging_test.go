package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop() should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestServiceFileSinkAndApply(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "taskd.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path, MaxSizeMB: 1}})
	defer svc.Close()

	log.With(String("comp", "test")).Info("hello", Int("n", 7))
	log.Debug("hidden")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path, MaxSizeMB: 1}})
	if !log.Enabled(LevelDebug) {
		t.Fatal("Apply did not lower the level")
	}
	log.Debug("visible")
	_ = svc.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	for _, want := range []string{`"message":"hello"`, `"comp":"test"`, `"n":7`, `"message":"visible"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log file missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level:\n%s", out)
	}
}
