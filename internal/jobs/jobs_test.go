package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"taskd/internal/clock"
	"taskd/internal/directory"
	"taskd/internal/storage"
	"taskd/internal/task"
)

var now = time.Date(2024, 6, 15, 3, 30, 0, 0, time.UTC)

func newTask(id string, exec task.Executor, cfg map[string]any) *task.Task {
	return task.New(task.Definition{ID: id, Enabled: true, Config: cfg}, exec,
		task.Options{Clock: clock.NewManual(now), IdleGrace: -1})
}

func TestRetentionPurgesOldRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	for i, age := range []time.Duration{time.Hour, 6 * 24 * time.Hour, 8 * 24 * time.Hour, 40 * 24 * time.Hour} {
		r := task.Result{ExecutionID: string(rune('a' + i)), TaskID: "x", Status: task.StatusCompleted, StartedAt: now.Add(-age)}
		if err := st.InsertExecution(ctx, storage.RecordFromResult(r)); err != nil {
			t.Fatalf("InsertExecution: %v", err)
		}
	}

	res := newTask(RetentionID, NewRetention(st), map[string]any{"retention_days": float64(7)}).
		Run(ctx, task.RunOptions{ExecutionID: "run", Trigger: task.TriggerScheduled})
	if res.Status != task.StatusCompleted || res.Details["deleted"] != int64(2) {
		t.Fatalf("result = %+v", res)
	}
	left, _ := st.ListExecutions(ctx, "", 0, 0)
	if len(left) != 2 {
		t.Fatalf("left %d records, want 2", len(left))
	}
}

func TestRetentionValidateConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  map[string]any
		ok   bool
	}{
		{"default", nil, true},
		{"int", map[string]any{"retention_days": 90}, true},
		{"float whole", map[string]any{"retention_days": 14.0}, true},
		{"fraction", map[string]any{"retention_days": 1.5}, false},
		{"zero", map[string]any{"retention_days": 0}, false},
		{"too large", map[string]any{"retention_days": 5000}, false},
		{"string", map[string]any{"retention_days": "30"}, false},
	}
	r := NewRetention(storage.NewMemory())
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := r.ValidateConfig(tc.cfg); (err == nil) != tc.ok {
				t.Fatalf("ValidateConfig(%v) = %v, want ok=%v", tc.cfg, err, tc.ok)
			}
		})
	}
}

func TestRetentionInvalidConfigRejectedBeforeRun(t *testing.T) {
	t.Parallel()
	res := newTask(RetentionID, NewRetention(storage.NewMemory()), map[string]any{"retention_days": -1}).
		Run(context.Background(), task.RunOptions{})
	if res.ErrorCode != task.CodeConfigInvalid {
		t.Fatalf("result = %+v, want CONFIG_INVALID", res)
	}
}

type fakeTarget struct {
	name     string
	latency  time.Duration
	err      error
	mbps     float64
	dlErr    error
	onPing   func()
	pingedAt atomic.Int32
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) Ping(ctx context.Context) (time.Duration, error) {
	f.pingedAt.Add(1)
	if f.onPing != nil {
		f.onPing()
	}
	return f.latency, f.err
}

func (f *fakeTarget) Download(ctx context.Context) (float64, error) { return f.mbps, f.dlErr }

type fakeDiscoverer []Target

func (d fakeDiscoverer) Closest(ctx context.Context, n int) ([]Target, error) {
	if n > len(d) {
		n = len(d)
	}
	return d[:n], nil
}

func TestProbePicksBestAndCountsFailures(t *testing.T) {
	t.Parallel()
	disc := fakeDiscoverer{
		&fakeTarget{name: "far", latency: 80 * time.Millisecond},
		&fakeTarget{name: "down", err: errors.New("i/o timeout")},
		&fakeTarget{name: "near", latency: 12 * time.Millisecond, mbps: 94.2},
	}
	res := newTask(ProbeID, NewProbe(disc), map[string]any{"servers": 3.0, "download": true}).
		Run(context.Background(), task.RunOptions{})

	if res.Status != task.StatusCompleted || res.Outcome() != task.OutcomeWarning {
		t.Fatalf("result = %+v, outcome %s", res, res.Outcome())
	}
	if res.SuccessCount != 3 || res.FailedCount != 1 || res.TotalItems != 4 {
		t.Fatalf("counts = %d ok / %d failed of %d", res.SuccessCount, res.FailedCount, res.TotalItems)
	}
	if len(res.FailedItems) != 1 || res.FailedItems[0] != "down" {
		t.Fatalf("failed items = %v", res.FailedItems)
	}
	if res.Details["best_server"] != "near" || res.Details["download_mbps"] != 94.2 {
		t.Fatalf("details = %v", res.Details)
	}
	if !strings.Contains(res.Message, "download 94.2 Mbps") {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestProbeNoServerReachable(t *testing.T) {
	t.Parallel()
	disc := fakeDiscoverer{&fakeTarget{name: "a", err: errors.New("refused")}}
	res := newTask(ProbeID, NewProbe(disc), nil).Run(context.Background(), task.RunOptions{})
	if res.Status != task.StatusFailed || res.Outcome() != task.OutcomeError {
		t.Fatalf("result = %+v", res)
	}
}

func TestProbeStopsBetweenServersOnCancel(t *testing.T) {
	t.Parallel()
	var tk *task.Task
	first := &fakeTarget{name: "a", latency: time.Millisecond}
	second := &fakeTarget{name: "b", latency: time.Millisecond}
	first.onPing = func() { tk.Cancel() }
	tk = newTask(ProbeID, NewProbe(fakeDiscoverer{first, second}), map[string]any{"servers": 2})

	res := tk.Run(context.Background(), task.RunOptions{})
	if res.Status != task.StatusCancelled {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	if second.pingedAt.Load() != 0 {
		t.Fatal("probe kept going after cancel")
	}
}

func TestRegistrations(t *testing.T) {
	t.Parallel()
	regs := Registrations(Deps{Purger: storage.NewMemory(), Discoverer: fakeDiscoverer{}})
	reg, err := directory.NewRegistry(regs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if ids := reg.IDs(); len(ids) != 2 || ids[0] != RetentionID || ids[1] != ProbeID {
		t.Fatalf("ids = %v", ids)
	}
	for _, r := range regs {
		if v, ok := r.New().(task.ConfigValidator); !ok || v.ValidateConfig(r.Config) != nil {
			t.Fatalf("%s: default config does not validate", r.ID)
		}
	}
}
