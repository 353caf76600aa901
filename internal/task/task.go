package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"taskd/internal/clock"
	"taskd/internal/recurrence"
	logx "taskd/pkg/logx"
)

const DefaultIdleGrace = 3 * time.Second

type Options struct {
	HistorySize      int
	ProgressInterval time.Duration
	// IdleGrace is how long a terminal status stays visible before returning
	// to idle. Negative means immediately.
	IdleGrace time.Duration

	Clock clock.Clock
	Sink  ProgressSink
	Log   logx.Logger
}

func (o Options) withDefaults() Options {
	if o.HistorySize <= 0 {
		o.HistorySize = DefaultHistorySize
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	switch {
	case o.IdleGrace == 0:
		o.IdleGrace = DefaultIdleGrace
	case o.IdleGrace < 0:
		o.IdleGrace = 0
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return o
}

// RunOptions describe one invocation of Task.Run.
type RunOptions struct {
	ExecutionID string
	Trigger     Trigger
	// OnStarted receives the placeholder result once the run is admitted.
	OnStarted func(Result)
}

// Task is the lifecycle state machine around one Executor.
//
// Idle -> Running -> Completed|Failed|Cancelled -> Idle (after IdleGrace).
// Running -> Cancelling on Cancel(). A Task never runs concurrently with itself.
type Task struct {
	def     Definition
	exec    Executor
	opts    Options
	log     logx.Logger
	history *History

	mu         sync.Mutex
	status     Status
	enabled    bool
	config     map[string]any
	schedules  []Schedule
	lastRun    time.Time
	nextRun    time.Time
	seq        uint64
	cancelFlag *atomic.Bool
	cancelRun  context.CancelFunc
	tracker    *progressTracker
	idleTimer  clock.Timer
}

func New(def Definition, exec Executor, opts Options) *Task {
	opts = opts.withDefaults()
	t := &Task{
		def:       def,
		exec:      exec,
		opts:      opts,
		log:       opts.Log.With(logx.String("task", def.ID)),
		history:   NewHistory(opts.HistorySize),
		status:    StatusIdle,
		enabled:   def.Enabled,
		config:    cloneMap(def.Config),
		schedules: cloneSchedules(def.Schedules),
	}
	return t
}

func (t *Task) ID() string             { return t.def.ID }
func (t *Task) Definition() Definition { return t.def }
func (t *Task) History() *History      { return t.history }

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Task) NextRun() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextRun
}

func (t *Task) LastRun() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun
}

func (t *Task) Config() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneMap(t.config)
}

func (t *Task) Schedules() []Schedule {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneSchedules(t.schedules)
}

// Run executes the body once. It never returns an error: every outcome,
// including rejection, is described by the Result.
func (t *Task) Run(ctx context.Context, ro RunOptions) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if ro.Trigger == "" {
		ro.Trigger = TriggerManual
	}
	now := t.opts.Clock.Now()
	base := Result{ExecutionID: ro.ExecutionID, TaskID: t.def.ID, TriggeredBy: ro.Trigger, StartedAt: now}

	t.mu.Lock()
	if t.status.Active() {
		st := t.status
		t.mu.Unlock()
		r := base
		r.Status = st
		r.CompletedAt = now
		r.ErrorCode = CodeAlreadyRunning
		r.Message = fmt.Sprintf("task %s is already running", t.def.ID)
		return r
	}
	cfg := cloneMap(t.config)
	if v, ok := t.exec.(ConfigValidator); ok {
		if err := v.ValidateConfig(cfg); err != nil {
			t.setIdleLocked()
			t.mu.Unlock()
			r := base
			r.Status = StatusFailed
			r.CompletedAt = now
			r.ErrorCode = CodeConfigInvalid
			r.Message = "invalid config: " + err.Error()
			t.log.Warn("task config rejected", logx.Err(err))
			return r
		}
	}

	t.seq++
	seq := t.seq
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	flag := &atomic.Bool{}
	tracker := newProgressTracker(t.opts.ProgressInterval, now, t.opts.Clock.Now)
	t.status = StatusRunning
	t.cancelFlag = flag
	t.cancelRun = cancel
	t.tracker = tracker
	t.mu.Unlock()
	defer cancel()

	base.Status = StatusRunning
	if ro.OnStarted != nil {
		ro.OnStarted(base)
	}

	log := t.log.With(logx.String("execution", ro.ExecutionID), logx.String("trigger", string(ro.Trigger)))
	run := &Run{
		ExecutionID: ro.ExecutionID,
		TaskID:      t.def.ID,
		Trigger:     ro.Trigger,
		StartedAt:   now,
		cfg:         cfg,
		log:         log,
		cancelled:   flag,
		progress:    tracker,
	}

	if h, ok := t.exec.(StartHook); ok {
		h.OnStart(runCtx, run)
	}

	handle := t.createProgress(ctx, log)
	if handle != "" {
		tracker.mu.Lock()
		tracker.emit = func(p Progress) { t.updateProgress(ctx, log, handle, p) }
		tracker.mu.Unlock()
	}

	log.Info("task started")
	out, err := t.execute(runCtx, run, log)

	p, failed := tracker.snapshot()
	res := classify(base, out, err, flag.Load(), p, failed, t.opts.Clock.Now())

	switch res.Status {
	case StatusCancelled:
		if h, ok := t.exec.(CancelHook); ok {
			h.OnCancel(ctx, res)
		}
	case StatusCompleted:
		if h, ok := t.exec.(CompleteHook); ok {
			h.OnComplete(ctx, res)
		}
	default:
		if h, ok := t.exec.(ErrorHook); ok {
			herr := err
			if herr == nil {
				herr = errors.New(res.Message)
			}
			h.OnError(ctx, res, herr)
		}
	}

	tracker.flush()
	if handle != "" {
		t.finalizeProgress(ctx, log, handle, res)
	}

	d, _ := res.Duration()
	fields := []logx.Field{
		logx.String("status", string(res.Status)),
		logx.Duration("took", d),
		logx.Int("ok", res.SuccessCount),
		logx.Int("failed", res.FailedCount),
		logx.Int("skipped", res.SkippedCount),
	}
	if res.Status == StatusFailed {
		log.Warn("task failed", append(fields, logx.String("message", res.Message))...)
	} else {
		log.Info("task finished", fields...)
	}

	t.mu.Lock()
	t.history.Add(res)
	t.lastRun = res.StartedAt
	t.status = res.Status
	t.cancelFlag = nil
	t.cancelRun = nil
	if t.enabled {
		t.refreshNextRunLocked(res.CompletedAt, false)
	}
	t.scheduleIdleLocked(seq)
	t.mu.Unlock()
	return res
}

func (t *Task) execute(ctx context.Context, run *Run, log logx.Logger) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = Result{}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if t.exec == nil {
		return Result{}, errors.New("task has no executor")
	}
	return t.exec.Execute(ctx, run)
}

// classify folds the body's return values into the final Result.
func classify(base, out Result, err error, cancelRequested bool, p Progress, failed []string, now time.Time) Result {
	r := out
	r.ExecutionID = base.ExecutionID
	r.TaskID = base.TaskID
	r.TriggeredBy = base.TriggeredBy
	r.StartedAt = base.StartedAt
	r.CompletedAt = now
	if r.TotalItems == 0 {
		r.TotalItems = p.Total
	}
	if r.SuccessCount == 0 && r.FailedCount == 0 && r.SkippedCount == 0 {
		r.SuccessCount = p.SuccessCount
		r.FailedCount = p.FailedCount
		r.SkippedCount = p.SkippedCount
	}
	if len(r.FailedItems) == 0 && len(failed) > 0 {
		r.FailedItems = failed
	}

	cancelled := errors.Is(err, ErrCancelled) || out.ErrorCode == CodeCancelled ||
		(cancelRequested && (errors.Is(err, context.Canceled) || (err == nil && !out.Success)))
	switch {
	case cancelled:
		r.Status = StatusCancelled
		r.Success = false
		r.ErrorCode = CodeCancelled
		if r.Message == "" {
			r.Message = "cancelled by request"
		}
	case err != nil:
		r.Status = StatusFailed
		r.Success = false
		r.Message = err.Error()
	case r.Success:
		r.Status = StatusCompleted
	default:
		r.Status = StatusFailed
		if r.Message == "" {
			r.Message = "task reported failure"
		}
	}
	return r
}

func (t *Task) createProgress(ctx context.Context, log logx.Logger) string {
	if t.opts.Sink == nil {
		return ""
	}
	title := t.def.DisplayName
	if title == "" {
		title = t.def.ID
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	h, err := t.opts.Sink.CreateProgress(cctx, t.def.ID, title, map[string]any{"category": t.def.Category})
	if err != nil {
		log.Debug("progress notification unavailable", logx.Err(err))
		return ""
	}
	return h
}

func (t *Task) updateProgress(ctx context.Context, log logx.Logger, handle string, p Progress) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := t.opts.Sink.UpdateProgress(cctx, handle, ProgressMessage(p), progressMeta(p)); err != nil {
		log.Debug("progress update failed", logx.Err(err))
	}
}

func (t *Task) finalizeProgress(ctx context.Context, log logx.Logger, handle string, res Result) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	meta := map[string]any{
		"status":    string(res.Status),
		"succeeded": res.SuccessCount,
		"failed":    res.FailedCount,
		"skipped":   res.SkippedCount,
	}
	if err := t.opts.Sink.FinalizeProgress(cctx, handle, string(res.Outcome()), res.Headline(), meta); err != nil {
		log.Debug("progress finalize failed", logx.Err(err))
	}
}

func (t *Task) scheduleIdleLocked(seq uint64) {
	if t.opts.IdleGrace <= 0 {
		t.status = StatusIdle
		return
	}
	t.idleTimer = t.opts.Clock.AfterFunc(t.opts.IdleGrace, func() {
		t.mu.Lock()
		if t.seq == seq && !t.status.Active() {
			t.status = StatusIdle
			t.idleTimer = nil
		}
		t.mu.Unlock()
	})
}

func (t *Task) setIdleLocked() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.status = StatusIdle
}

// Cancel requests cooperative cancellation of the current run.
func (t *Task) Cancel() CancelStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.Active() || t.cancelFlag == nil {
		return CancelStatus{Status: CancelNotRunning, Message: fmt.Sprintf("task %s is not running", t.def.ID)}
	}
	t.cancelFlag.Store(true)
	if t.cancelRun != nil {
		t.cancelRun()
	}
	t.status = StatusCancelling
	t.log.Info("task cancel requested")
	return CancelStatus{Status: CancelRequested, Message: fmt.Sprintf("cancel requested for task %s", t.def.ID)}
}

// Enable makes the task eligible and recomputes every schedule from now.
func (t *Task) Enable(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
	t.refreshNextRunLocked(now, true)
}

// Disable stops the task from becoming due and clears the cached next run.
func (t *Task) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
	t.nextRun = time.Time{}
}

// RecomputeNextRun fills missing schedule next runs and refreshes the overall next run.
func (t *Task) RecomputeNextRun(now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		t.nextRun = time.Time{}
		return t.nextRun
	}
	t.refreshNextRunLocked(now, false)
	return t.nextRun
}

// AdvanceSchedules recomputes the schedules that triggered a run started at ranAt,
// then returns the task's overall next run.
func (t *Task) AdvanceSchedules(ids []string, ranAt, now time.Time) time.Time {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.schedules {
		sc := &t.schedules[i]
		if !want[sc.ID] {
			continue
		}
		sc.LastRun = ranAt
		sc.NextRun = time.Time{}
		if next, ok := recurrence.Next(sc.Spec, now, ranAt); ok {
			sc.NextRun = next
		}
	}
	if !t.enabled {
		t.nextRun = time.Time{}
		return t.nextRun
	}
	t.refreshNextRunLocked(now, false)
	return t.nextRun
}

// DueScheduleIDs lists enabled schedules whose next run is at or before now.
func (t *Task) DueScheduleIDs(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return nil
	}
	var ids []string
	for _, sc := range t.schedules {
		if sc.Enabled && !sc.NextRun.IsZero() && !sc.NextRun.After(now) {
			ids = append(ids, sc.ID)
		}
	}
	return ids
}

// refreshNextRunLocked computes missing (or, with all=true, every) schedule next run
// and sets the overall next run to the earliest enabled one.
func (t *Task) refreshNextRunLocked(now time.Time, all bool) {
	var next time.Time
	for i := range t.schedules {
		sc := &t.schedules[i]
		if !sc.Enabled || sc.Spec.Manual() {
			continue
		}
		if all || sc.NextRun.IsZero() {
			sc.NextRun = time.Time{}
			if n, ok := recurrence.Next(sc.Spec, now, sc.LastRun); ok {
				sc.NextRun = n
			}
		}
		if e, ok := recurrence.Earliest(next, sc.NextRun); ok {
			next = e
		}
	}
	t.nextRun = next
}

// Restore loads persisted state without triggering recomputation of known next runs.
func (t *Task) Restore(enabled bool, cfg map[string]any, schedules []Schedule, lastRun time.Time, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	if cfg != nil {
		t.config = cloneMap(cfg)
	}
	t.schedules = cloneSchedules(schedules)
	t.lastRun = lastRun
	if !enabled {
		t.nextRun = time.Time{}
		return
	}
	t.refreshNextRunLocked(now, false)
}

// Apply validates and applies a partial update.
func (t *Task) Apply(u Update, now time.Time) error {
	if u.Config != nil {
		if v, ok := t.exec.(ConfigValidator); ok {
			if err := v.ValidateConfig(u.Config); err != nil {
				return fmt.Errorf("%s: %w", CodeConfigInvalid, err)
			}
		}
	}
	for _, sc := range u.Schedules {
		if sc.ID == "" {
			return fmt.Errorf("%s: schedule id is required", CodeConfigInvalid)
		}
		if err := sc.Spec.Validate(); err != nil {
			return fmt.Errorf("%s: schedule %s: %w", CodeConfigInvalid, sc.ID, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if u.Config != nil {
		t.config = cloneMap(u.Config)
	}
	recompute := false
	if u.Schedules != nil {
		prev := map[string]Schedule{}
		for _, sc := range t.schedules {
			prev[sc.ID] = sc
		}
		next := cloneSchedules(u.Schedules)
		for i := range next {
			next[i].NextRun = time.Time{}
			if old, ok := prev[next[i].ID]; ok {
				next[i].LastRun = old.LastRun
			}
		}
		t.schedules = next
		recompute = true
	}
	if u.Enabled != nil && *u.Enabled != t.enabled {
		t.enabled = *u.Enabled
		recompute = true
	}
	if !t.enabled {
		t.nextRun = time.Time{}
		return nil
	}
	t.refreshNextRunLocked(now, recompute)
	return nil
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	s := Snapshot{
		ID:          t.def.ID,
		DisplayName: t.def.DisplayName,
		Description: t.def.Description,
		Category:    t.def.Category,
		Status:      t.status,
		Enabled:     t.enabled,
		Schedules:   cloneSchedules(t.schedules),
		LastRun:     t.lastRun,
		NextRun:     t.nextRun,
		Config:      cloneMap(t.config),
	}
	tracker := t.tracker
	running := t.status.Active()
	t.mu.Unlock()

	if running && tracker != nil {
		p, _ := tracker.snapshot()
		s.Progress = &p
	}
	if r, ok := t.history.Latest(); ok {
		s.LastResult = &r
	}
	return s
}
