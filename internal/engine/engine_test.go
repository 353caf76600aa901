package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"taskd/internal/clock"
	"taskd/internal/directory"
	"taskd/internal/eventbus"
	"taskd/internal/notifier"
	"taskd/internal/recurrence"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/transport/logsink"
	logx "taskd/pkg/logx"
)

var start = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// gate is an executor body that blocks until released or cancelled.
type gate struct {
	started chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) factory() task.Executor {
	return task.ExecutorFunc(func(ctx context.Context, run *task.Run) (task.Result, error) {
		g.started <- run.TaskID
		select {
		case <-g.release:
			return task.Result{Success: true, Message: "done"}, nil
		case <-ctx.Done():
			return task.Result{}, ctx.Err()
		}
	})
}

func (g *gate) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start")
		return ""
	}
}

type alertLog struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (a *alertLog) SendClassifiedAlert(ctx context.Context, al notifier.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *alertLog) list() []notifier.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notifier.Alert(nil), a.alerts...)
}

type harness struct {
	svc    *Service
	dir    *directory.Directory
	store  storage.Store
	clk    *clock.Manual
	alerts *alertLog
	events <-chan eventbus.Event
}

func every(d time.Duration) *recurrence.Spec {
	s := recurrence.Every(d)
	return &s
}

func newHarness(t *testing.T, cfg Config, wrap func(*directory.Directory) Directory, regs ...directory.Registration) *harness {
	t.Helper()
	reg, err := directory.NewRegistry(regs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	st := storage.NewMemory()
	clk := clock.NewManual(start)
	dir := directory.New(reg, st, directory.Options{Clock: clk, Task: task.Options{IdleGrace: -1}})
	if err := dir.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	var d Directory = dir
	if wrap != nil {
		d = wrap(dir)
	}
	h := &harness{dir: dir, store: st, clk: clk, alerts: &alertLog{}, events: ch}
	h.svc = New(cfg, d, Options{Records: st, Alerts: h.alerts, Bus: bus, Clock: clk})
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.svc.runs.Wait(ctx); err != nil {
		t.Fatalf("runs did not finish: %v", err)
	}
}

// eventsOf collects buffered events of typ without blocking.
func (h *harness) eventsOf(typ string) []eventbus.TaskEvent {
	var out []eventbus.TaskEvent
	for {
		select {
		case e := <-h.events:
			if e.Type == typ {
				out = append(out, e.Data.(eventbus.TaskEvent))
			}
		default:
			return out
		}
	}
}

func TestTickRunsDueTaskAndAdvancesSchedule(t *testing.T) {
	t.Parallel()
	g := newGate()
	h := newHarness(t, Config{MaxConcurrent: 1}, nil, directory.Registration{
		ID: "probe", DisplayName: "Network probe", Category: "network", Enabled: true,
		Default: every(30 * time.Second), New: g.factory,
	})
	ctx := context.Background()

	h.svc.tick(ctx)
	if got := h.svc.Status().ActiveTaskIDs; len(got) != 0 {
		t.Fatalf("task ran before it was due: %v", got)
	}

	h.clk.Advance(30 * time.Second)
	h.svc.tick(ctx)
	g.waitStarted(t)

	recs, err := h.store.ListExecutions(ctx, "probe", 0, 0)
	if err != nil || len(recs) != 1 || recs[0].Status != task.StatusRunning {
		t.Fatalf("placeholder record = %+v, %v", recs, err)
	}

	// Still due, but the task is in flight.
	h.svc.tick(ctx)
	skipped := h.eventsOf(eventbus.TaskSkipped)
	if len(skipped) != 1 || skipped[0].Reason != errSkipBusy.Error() {
		t.Fatalf("skipped events = %+v", skipped)
	}

	close(g.release)
	h.drain(t)

	recs, _ = h.store.ListExecutions(ctx, "probe", 0, 0)
	if len(recs) != 1 || recs[0].Status != task.StatusCompleted || recs[0].TriggeredBy != task.TriggerScheduled {
		t.Fatalf("final record = %+v", recs)
	}
	tk, _ := h.dir.Get("probe")
	want := start.Add(60 * time.Second)
	if sc := tk.Schedules(); len(sc) != 1 || !sc[0].NextRun.Equal(want) || !sc[0].LastRun.Equal(start.Add(30*time.Second)) {
		t.Fatalf("schedule not advanced: %+v", sc)
	}
	rows, _ := h.store.ListSchedules(ctx, "probe")
	if len(rows) != 1 || !rows[0].NextRun.Equal(want) {
		t.Fatalf("advanced schedule not persisted: %+v", rows)
	}
	alerts := h.alerts.list()
	if len(alerts) != 1 || alerts[0].Level != notifier.LevelSuccess || alerts[0].Title != "Network probe" || alerts[0].Category != "network" {
		t.Fatalf("alerts = %+v", alerts)
	}

	h.svc.tick(ctx)
	h.drain(t)
	if n := len(h.alerts.list()); n != 1 {
		t.Fatalf("task ran again before its next run: %d alerts", n)
	}
}

func TestTickRespectsConcurrencyBudget(t *testing.T) {
	t.Parallel()
	g := newGate()
	var regs []directory.Registration
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		regs = append(regs, directory.Registration{ID: id, Enabled: true, Default: every(10 * time.Second), New: g.factory})
	}
	h := newHarness(t, Config{MaxConcurrent: 2}, nil, regs...)

	h.clk.Advance(10 * time.Second)
	h.svc.tick(context.Background())
	g.waitStarted(t)
	g.waitStarted(t)

	if got := h.svc.Status().ActiveTaskIDs; len(got) != 2 {
		t.Fatalf("active = %v, want 2", got)
	}
	skipped := h.eventsOf(eventbus.TaskSkipped)
	if len(skipped) != 3 {
		t.Fatalf("skipped = %+v, want 3", skipped)
	}
	for _, ev := range skipped {
		if ev.Reason != errSkipBudget.Error() {
			t.Fatalf("skip reason = %q", ev.Reason)
		}
	}

	close(g.release)
	h.drain(t)
	if got := h.svc.Status().ActiveTaskIDs; len(got) != 0 {
		t.Fatalf("slots not released: %v", got)
	}
}

func TestInFlightTaskIsSkippedThenRetried(t *testing.T) {
	t.Parallel()
	g := newGate()
	h := newHarness(t, Config{MaxConcurrent: 1}, nil, directory.Registration{
		ID: "sync", Enabled: true, Default: every(30 * time.Second), New: g.factory,
	})
	ctx := context.Background()

	h.clk.Advance(30 * time.Second)
	h.svc.tick(ctx)
	g.waitStarted(t)

	h.clk.Advance(10 * time.Second)
	h.svc.tick(ctx)
	if skipped := h.eventsOf(eventbus.TaskSkipped); len(skipped) != 1 {
		t.Fatalf("skipped = %+v, want 1", skipped)
	}
	select {
	case <-g.started:
		t.Fatal("task started concurrently with itself")
	default:
	}

	g.release <- struct{}{}
	h.drain(t)

	// Next run is lastRun+30s; the skipped tick left no backlog.
	h.clk.Advance(20 * time.Second)
	h.svc.tick(ctx)
	g.waitStarted(t)
	close(g.release)
	h.drain(t)

	recs, _ := h.store.ListExecutions(ctx, "sync", 0, 0)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
}

func TestEveryTerminalRunIsAlerted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxConcurrent: 1}, nil, directory.Registration{
		ID: "flaky", Enabled: true, New: func() task.Executor {
			return task.ExecutorFunc(func(ctx context.Context, run *task.Run) (task.Result, error) {
				return task.Result{}, errors.New("upstream down")
			})
		},
	})
	ctx := context.Background()

	sink := logsink.New(logx.Nop())
	notif := notifier.New(notifier.Config{Enabled: true, Workers: 1, RatePerSec: 100, DedupWindow: time.Minute}, sink, logx.Nop(), nil, nil)
	notif.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		notif.Stop(stopCtx)
	}()
	svc := New(Config{MaxConcurrent: 1}, h.dir, Options{Records: h.store, Alerts: notif, Clock: h.clk})

	const runs = 3
	for i := 0; i < runs; i++ {
		res, err := svc.RunTask(ctx, "flaky")
		if err != nil || res.Status != task.StatusFailed {
			t.Fatalf("RunTask #%d = %+v, %v", i, res, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.Len() < runs {
		if time.Now().After(deadline) {
			t.Fatalf("alerts delivered = %d, want %d", sink.Len(), runs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManualRunOverBudgetIsLogged(t *testing.T) {
	t.Parallel()
	g := newGate()
	h := newHarness(t, Config{MaxConcurrent: 1}, nil,
		directory.Registration{ID: "slow", Enabled: true, New: g.factory},
		directory.Registration{ID: "quick", Enabled: true, New: func() task.Executor {
			return task.ExecutorFunc(func(ctx context.Context, run *task.Run) (task.Result, error) {
				return task.Result{Success: true}, nil
			})
		}},
	)
	path := filepath.Join(t.TempDir(), "engine.log")
	logs, log := logx.New(logx.Config{Level: "info", File: logx.FileConfig{Enabled: true, Path: path, MaxSizeMB: 1}})
	defer logs.Close()
	svc := New(Config{MaxConcurrent: 1}, h.dir, Options{Records: h.store, Clock: h.clk, Log: log})
	ctx := context.Background()

	go func() { _, _ = svc.RunTask(ctx, "slow") }()
	g.waitStarted(t)
	if res, err := svc.RunTask(ctx, "quick"); err != nil || res.Status != task.StatusCompleted {
		t.Fatalf("RunTask(quick) = %+v, %v", res, err)
	}
	close(g.release)
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := svc.runs.Wait(wctx); err != nil {
		t.Fatalf("runs did not finish: %v", err)
	}
	_ = logs.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "manual run exceeds max_concurrent") || !strings.Contains(out, `"active":2`) || !strings.Contains(out, `"task":"quick"`) {
		t.Fatalf("over-budget manual run not logged:\n%s", out)
	}
	if strings.Count(out, "manual run exceeds max_concurrent") != 1 {
		t.Fatalf("first manual run within budget was logged:\n%s", out)
	}
}

func TestRunTaskManual(t *testing.T) {
	t.Parallel()
	g := newGate()
	h := newHarness(t, Config{MaxConcurrent: 1}, nil,
		directory.Registration{ID: "slow", Enabled: true, Default: every(time.Hour), New: g.factory},
		directory.Registration{ID: "quick", Enabled: true, New: func() task.Executor {
			return task.ExecutorFunc(func(ctx context.Context, run *task.Run) (task.Result, error) {
				return task.Result{Success: true}, nil
			})
		}},
	)
	ctx := context.Background()

	if _, err := h.svc.RunTask(ctx, "nope"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("RunTask(nope) err = %v", err)
	}

	first := make(chan task.Result, 1)
	go func() {
		res, _ := h.svc.RunTask(ctx, "slow")
		first <- res
	}()
	g.waitStarted(t)

	dup, err := h.svc.RunTask(ctx, "slow")
	if err != nil || dup.ErrorCode != task.CodeAlreadyRunning {
		t.Fatalf("second RunTask = %+v, %v", dup, err)
	}

	// Manual runs bypass the budget even though "slow" holds the only slot.
	res, err := h.svc.RunTask(ctx, "quick")
	if err != nil || res.Status != task.StatusCompleted || res.TriggeredBy != task.TriggerManual {
		t.Fatalf("RunTask(quick) = %+v, %v", res, err)
	}

	close(g.release)
	select {
	case res := <-first:
		if res.Status != task.StatusCompleted {
			t.Fatalf("manual run = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("manual run did not return")
	}

	tk, _ := h.dir.Get("slow")
	if sc := tk.Schedules(); !sc[0].NextRun.Equal(start.Add(time.Hour)) || !sc[0].LastRun.IsZero() {
		t.Fatalf("manual run moved the schedule: %+v", sc)
	}
	hist, err := h.svc.TaskHistory(ctx, "slow", 10, 0)
	if err != nil || len(hist) != 1 || hist[0].TriggeredBy != task.TriggerManual {
		t.Fatalf("history = %+v, %v", hist, err)
	}
}

func TestRunTaskReturnsWhenCallerGivesUp(t *testing.T) {
	t.Parallel()
	g := newGate()
	h := newHarness(t, Config{}, nil, directory.Registration{ID: "slow", Enabled: true, New: g.factory})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.svc.RunTask(ctx, "slow")
		errc <- err
	}()
	g.waitStarted(t)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("RunTask err = %v, want context.Canceled", err)
	}
	if got := h.svc.Status().ActiveTaskIDs; len(got) != 1 {
		t.Fatalf("run should continue after caller left: %v", got)
	}
	close(g.release)
	h.drain(t)
}

func TestCancelTask(t *testing.T) {
	t.Parallel()
	g := newGate()
	h := newHarness(t, Config{}, nil, directory.Registration{ID: "slow", Enabled: true, New: g.factory})
	ctx := context.Background()

	st, err := h.svc.CancelTask("slow")
	if err != nil || st.Status != task.CancelNotRunning {
		t.Fatalf("CancelTask idle = %+v, %v", st, err)
	}
	if _, err := h.svc.CancelTask("nope"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("CancelTask(nope) err = %v", err)
	}

	done := make(chan task.Result, 1)
	go func() {
		res, _ := h.svc.RunTask(ctx, "slow")
		done <- res
	}()
	g.waitStarted(t)

	st, err = h.svc.CancelTask("slow")
	if err != nil || st.Status != task.CancelRequested {
		t.Fatalf("CancelTask running = %+v, %v", st, err)
	}
	var res task.Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run did not return")
	}
	if res.Status != task.StatusCancelled {
		t.Fatalf("result = %+v", res)
	}
	alerts := h.alerts.list()
	if len(alerts) != 1 || alerts[0].Level != notifier.LevelWarning {
		t.Fatalf("alerts = %+v", alerts)
	}
	if evs := h.eventsOf(eventbus.TaskCancelled); len(evs) != 1 {
		t.Fatalf("cancel events = %+v", evs)
	}
}

type brokenStore struct{ *directory.Directory }

func (brokenStore) DueSchedules(context.Context, time.Time) ([]directory.Due, error) {
	return nil, errors.New("database is locked")
}

func TestTickFallsBackToInMemoryState(t *testing.T) {
	t.Parallel()
	g := newGate()
	h := newHarness(t, Config{}, func(d *directory.Directory) Directory { return brokenStore{d} },
		directory.Registration{ID: "probe", Enabled: true, Default: every(time.Minute), New: g.factory})

	h.clk.Advance(time.Minute)
	h.svc.tick(context.Background())
	if id := g.waitStarted(t); id != "probe" {
		t.Fatalf("started %q", id)
	}
	if evs := h.eventsOf(eventbus.EngineTickFail); len(evs) != 1 || evs[0].Reason != "database is locked" {
		t.Fatalf("tick failure events = %+v", evs)
	}
	close(g.release)
	h.drain(t)
}

func TestUpdateTaskConfigDisables(t *testing.T) {
	t.Parallel()
	g := newGate()
	h := newHarness(t, Config{}, nil, directory.Registration{ID: "probe", Enabled: true, Default: every(time.Minute), New: g.factory})
	ctx := context.Background()

	off := false
	snap, err := h.svc.UpdateTaskConfig(ctx, "probe", task.Update{Enabled: &off})
	if err != nil || snap.Enabled || !snap.NextRun.IsZero() {
		t.Fatalf("UpdateTaskConfig = %+v, %v", snap, err)
	}
	h.clk.Advance(time.Minute)
	h.svc.tick(ctx)
	if got := h.svc.Status().ActiveTaskIDs; len(got) != 0 {
		t.Fatalf("disabled task ran: %v", got)
	}
	got, err := h.svc.TaskStatus("probe")
	if err != nil || got.Enabled {
		t.Fatalf("TaskStatus = %+v, %v", got, err)
	}
}

func TestStartLoopAndBoundedStop(t *testing.T) {
	t.Parallel()
	g := newGate()
	h := newHarness(t, Config{Enabled: true, CheckInterval: 20 * time.Millisecond, SettleDelay: -1, ShutdownTimeout: 50 * time.Millisecond}, nil,
		directory.Registration{ID: "probe", Enabled: true, Default: every(time.Minute), New: g.factory})
	h.clk.Advance(time.Minute)

	h.svc.Start(context.Background())
	g.waitStarted(t)
	if !h.svc.Status().Running {
		t.Fatal("Status().Running = false after Start")
	}

	begin := time.Now()
	if err := h.svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if took := time.Since(begin); took > time.Second {
		t.Fatalf("Stop took %s with a stuck run", took)
	}
	if h.svc.Status().Running {
		t.Fatal("Status().Running = true after Stop")
	}
	close(g.release)
	h.drain(t)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{}.withDefaults()
	if c.CheckInterval != DefaultCheckInterval || c.SettleDelay != DefaultSettleDelay ||
		c.MaxConcurrent != DefaultMaxConcurrent || c.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("defaults = %+v", c)
	}
	if c := (Config{SettleDelay: -1}).withDefaults(); c.SettleDelay != 0 {
		t.Fatalf("negative settle delay = %s, want 0", c.SettleDelay)
	}
}
