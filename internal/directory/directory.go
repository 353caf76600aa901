// Package directory owns the task instances of the process and keeps them
// in sync with storage.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskd/internal/clock"
	"taskd/internal/storage"
	"taskd/internal/task"
	logx "taskd/pkg/logx"

	"github.com/google/uuid"
)

// Due is one task with the schedules that made it due, in discovery order.
type Due struct {
	TaskID      string
	ScheduleIDs []string
}

type Options struct {
	// Task is the base option set for every task instance.
	Task  task.Options
	Clock clock.Clock
	Log   logx.Logger
}

type Directory struct {
	reg   *Registry
	store storage.Store
	opts  task.Options
	clock clock.Clock
	log   logx.Logger

	mu    sync.Mutex
	tasks map[string]*task.Task
}

func New(reg *Registry, store storage.Store, opts Options) *Directory {
	if reg == nil {
		reg, _ = NewRegistry()
	}
	if store == nil {
		store = storage.NewMemory()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	topts := opts.Task
	topts.Clock = opts.Clock
	if topts.Log.IsZero() {
		topts.Log = opts.Log
	}
	return &Directory{
		reg:   reg,
		store: store,
		opts:  topts,
		clock: opts.Clock,
		log:   opts.Log.With(logx.String("comp", "directory")),
		tasks: map[string]*task.Task{},
	}
}

func (d *Directory) Store() storage.Store { return d.store }

// ListTaskIDs returns registered ids in registration order.
func (d *Directory) ListTaskIDs() []string { return d.reg.IDs() }

// Get returns an already constructed task.
func (d *Directory) Get(id string) (*task.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	return t, ok
}

// GetOrCreate returns the task instance for id, constructing it from its
// registration on first use.
func (d *Directory) GetOrCreate(id string) (*task.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tasks[id]; ok {
		return t, nil
	}
	reg, ok := d.reg.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	def := task.Definition{
		ID:          reg.ID,
		DisplayName: reg.DisplayName,
		Description: reg.Description,
		Category:    reg.Category,
		Enabled:     reg.Enabled,
		Config:      reg.Config,
	}
	t := task.New(def, reg.New(), d.opts)
	d.tasks[id] = t
	return t, nil
}

// LoadAll reconciles every registration with its persisted state. A task
// that fails to load is logged and skipped; the joined error is returned.
func (d *Directory) LoadAll(ctx context.Context) error {
	var errs []error
	for _, id := range d.reg.IDs() {
		if err := d.load(ctx, id); err != nil {
			d.log.Warn("task load failed", logx.String("task", id), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Directory) load(ctx context.Context, id string) error {
	t, err := d.GetOrCreate(id)
	if err != nil {
		return err
	}
	reg, _ := d.reg.Lookup(id)

	rec, err := d.store.GetTask(ctx, id)
	fresh := errors.Is(err, storage.ErrNotFound)
	if err != nil && !fresh {
		return err
	}
	if fresh {
		rec = storage.TaskRecord{ID: id, Enabled: reg.Enabled, Config: reg.Config}
	}

	rows, err := d.store.ListSchedules(ctx, id)
	if err != nil {
		return err
	}
	schedules := make([]task.Schedule, 0, len(rows)+1)
	for _, row := range rows {
		if err := row.Spec.Validate(); err != nil {
			d.log.Warn("persisted recurrence is incomplete", logx.String("task", id), logx.String("schedule", row.ID), logx.Err(err))
		}
		schedules = append(schedules, row.Schedule)
	}
	if fresh && len(schedules) == 0 && reg.Default != nil && !reg.Default.Manual() {
		schedules = append(schedules, task.Schedule{ID: uuid.NewString(), Spec: reg.Default.Normalize(), Enabled: true})
		d.log.Info("default recurrence created", logx.String("task", id), logx.String("spec", reg.Default.String()))
	}

	t.Restore(rec.Enabled, rec.Config, schedules, rec.LastRun, d.clock.Now())
	return d.Save(ctx, t)
}

// Save persists the task row and its schedule rows. Schedules that no
// longer exist on the task are deleted.
func (d *Directory) Save(ctx context.Context, t *task.Task) error {
	snap := t.Snapshot()
	if err := d.store.PutTask(ctx, storage.TaskRecord{
		ID:        snap.ID,
		Enabled:   snap.Enabled,
		Config:    snap.Config,
		LastRun:   snap.LastRun,
		NextRun:   snap.NextRun,
		UpdatedAt: d.clock.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("save task %s: %w", snap.ID, err)
	}

	existing, err := d.store.ListSchedules(ctx, snap.ID)
	if err != nil {
		return fmt.Errorf("save task %s: %w", snap.ID, err)
	}
	keep := make(map[string]bool, len(snap.Schedules))
	for i, sc := range snap.Schedules {
		keep[sc.ID] = true
		if err := d.store.PutSchedule(ctx, storage.ScheduleRecord{TaskID: snap.ID, Position: i, Schedule: sc}); err != nil {
			return fmt.Errorf("save schedule %s/%s: %w", snap.ID, sc.ID, err)
		}
	}
	for _, row := range existing {
		if !keep[row.ID] {
			if err := d.store.DeleteSchedule(ctx, snap.ID, row.ID); err != nil {
				return fmt.Errorf("delete schedule %s/%s: %w", snap.ID, row.ID, err)
			}
		}
	}
	return nil
}

// Update assigns ids to new schedules, applies u to the task and persists it.
func (d *Directory) Update(ctx context.Context, id string, u task.Update) (*task.Task, error) {
	t, err := d.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	if u.Schedules != nil {
		scheds := make([]task.Schedule, len(u.Schedules))
		copy(scheds, u.Schedules)
		for i := range scheds {
			if scheds[i].ID == "" {
				scheds[i].ID = uuid.NewString()
			}
		}
		u.Schedules = scheds
	}
	if err := t.Apply(u, d.clock.Now()); err != nil {
		return t, err
	}
	return t, d.Save(ctx, t)
}

// DueSchedules groups the store's due schedules by task, in ascending next
// run order. Unregistered task ids are dropped.
func (d *Directory) DueSchedules(ctx context.Context, now time.Time) ([]Due, error) {
	rows, err := d.store.DueSchedules(ctx, now)
	if err != nil {
		return nil, err
	}
	var out []Due
	idx := map[string]int{}
	for _, row := range rows {
		if _, ok := d.reg.Lookup(row.TaskID); !ok {
			continue
		}
		i, ok := idx[row.TaskID]
		if !ok {
			i = len(out)
			idx[row.TaskID] = i
			out = append(out, Due{TaskID: row.TaskID})
		}
		out[i].ScheduleIDs = append(out[i].ScheduleIDs, row.ScheduleID)
	}
	return out, nil
}

// LegacyDue answers the same question from the in-memory task state. It
// is used when the store cannot be queried.
func (d *Directory) LegacyDue(now time.Time) []Due {
	type cand struct {
		due  Due
		next time.Time
	}
	var cands []cand
	for _, id := range d.reg.IDs() {
		t, ok := d.Get(id)
		if !ok {
			continue
		}
		ids := t.DueScheduleIDs(now)
		if len(ids) == 0 {
			continue
		}
		cands = append(cands, cand{due: Due{TaskID: id, ScheduleIDs: ids}, next: t.NextRun()})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].next.Before(cands[j].next) })
	out := make([]Due, len(cands))
	for i, c := range cands {
		out[i] = c.due
	}
	return out
}
