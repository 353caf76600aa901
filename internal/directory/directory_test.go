package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskd/internal/clock"
	"taskd/internal/recurrence"
	"taskd/internal/storage"
	"taskd/internal/task"
)

func noop() task.Executor {
	return task.ExecutorFunc(func(ctx context.Context, run *task.Run) (task.Result, error) {
		return task.Result{Success: true}, nil
	})
}

func newDir(t *testing.T, st storage.Store, clk clock.Clock, regs ...Registration) *Directory {
	t.Helper()
	reg, err := NewRegistry(regs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return New(reg, st, Options{Clock: clk, Task: task.Options{IdleGrace: -1}})
}

func every(d time.Duration) *recurrence.Spec {
	s := recurrence.Every(d)
	return &s
}

var start = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		regs []Registration
	}{
		{"missing id", []Registration{{New: noop}}},
		{"missing factory", []Registration{{ID: "a"}}},
		{"duplicate", []Registration{{ID: "a", New: noop}, {ID: "a", New: noop}}},
		{"bad default", []Registration{{ID: "a", New: noop, Default: &recurrence.Spec{Kind: recurrence.KindDaily}}}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewRegistry(tc.regs...); err == nil {
				t.Fatal("NewRegistry accepted invalid registrations")
			}
		})
	}
}

func TestGetOrCreateUnknown(t *testing.T) {
	t.Parallel()
	d := newDir(t, nil, clock.NewManual(start), Registration{ID: "a", New: noop})
	if _, err := d.GetOrCreate("zzz"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("GetOrCreate(zzz) err = %v, want ErrUnknownTask", err)
	}
	a1, err := d.GetOrCreate("a")
	if err != nil {
		t.Fatalf("GetOrCreate(a): %v", err)
	}
	a2, _ := d.GetOrCreate("a")
	if a1 != a2 {
		t.Fatal("GetOrCreate constructed a second instance")
	}
}

func TestLoadAllSeedsDefaultAndPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	clk := clock.NewManual(start)
	regs := []Registration{
		{ID: "probe", Enabled: true, Default: every(30 * time.Second), New: noop},
		{ID: "manual", Enabled: true, Default: &recurrence.Spec{Kind: recurrence.KindManual}, New: noop},
	}
	d := newDir(t, st, clk, regs...)
	if err := d.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if got := d.ListTaskIDs(); len(got) != 2 || got[0] != "probe" || got[1] != "manual" {
		t.Fatalf("ListTaskIDs = %v", got)
	}

	rows, _ := st.ListSchedules(ctx, "probe")
	if len(rows) != 1 || !rows[0].NextRun.Equal(start.Add(30*time.Second)) {
		t.Fatalf("probe schedules = %+v", rows)
	}
	if rows, _ := st.ListSchedules(ctx, "manual"); len(rows) != 0 {
		t.Fatalf("manual task got a schedule row: %+v", rows)
	}

	// A restart keeps the persisted schedule instead of seeding another one.
	d2 := newDir(t, st, clk, regs...)
	if err := d2.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll (restart): %v", err)
	}
	again, _ := st.ListSchedules(ctx, "probe")
	if len(again) != 1 || again[0].ID != rows[0].ID {
		t.Fatalf("restart schedules = %+v, want %s only", again, rows[0].ID)
	}
}

func TestDueSchedulesAndLegacyAgree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewManual(start)
	d := newDir(t, storage.NewMemory(), clk,
		Registration{ID: "slow", Enabled: true, Default: every(time.Minute), New: noop},
		Registration{ID: "fast", Enabled: true, Default: every(30 * time.Second), New: noop},
		Registration{ID: "off", Enabled: false, Default: every(time.Second), New: noop},
	)
	if err := d.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	now := start.Add(2 * time.Minute)
	due, err := d.DueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("DueSchedules: %v", err)
	}
	legacy := d.LegacyDue(now)
	for name, got := range map[string][]Due{"store": due, "legacy": legacy} {
		if len(got) != 2 || got[0].TaskID != "fast" || got[1].TaskID != "slow" {
			t.Fatalf("%s due = %+v, want fast then slow", name, got)
		}
		if len(got[0].ScheduleIDs) != 1 {
			t.Fatalf("%s schedule ids = %v", name, got[0].ScheduleIDs)
		}
	}

	if due, _ := d.DueSchedules(ctx, start); len(due) != 0 {
		t.Fatalf("nothing should be due at start, got %+v", due)
	}
}

func TestUpdateAssignsIDsAndDeletesRemovedSchedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	d := newDir(t, st, clock.NewManual(start), Registration{ID: "a", Enabled: true, Default: every(time.Hour), New: noop})
	if err := d.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	daily := recurrence.Daily("09:00", "UTC")
	tk, err := d.Update(ctx, "a", task.Update{Schedules: []task.Schedule{{Spec: daily, Enabled: true}}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	rows, _ := st.ListSchedules(ctx, "a")
	if len(rows) != 1 || rows[0].ID == "" || rows[0].Spec.Kind != recurrence.KindDaily {
		t.Fatalf("schedules after update = %+v", rows)
	}
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	if !tk.NextRun().Equal(want) {
		t.Fatalf("NextRun = %v, want %v", tk.NextRun(), want)
	}

	off := false
	if _, err := d.Update(ctx, "a", task.Update{Enabled: &off}); err != nil {
		t.Fatalf("Update(disable): %v", err)
	}
	rec, _ := st.GetTask(ctx, "a")
	if rec.Enabled || !rec.NextRun.IsZero() {
		t.Fatalf("task record after disable = %+v", rec)
	}
	if due, _ := d.DueSchedules(ctx, want.Add(time.Hour)); len(due) != 0 {
		t.Fatalf("disabled task reported due: %+v", due)
	}

	_, err = d.Update(ctx, "a", task.Update{Schedules: []task.Schedule{{Spec: recurrence.Spec{Kind: recurrence.KindWeekly, TimeOfDay: "09:00"}}}})
	if err == nil {
		t.Fatal("Update accepted a weekly recurrence without days")
	}
}
