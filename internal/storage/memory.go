package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in maps. Used for tests and for
// deployments that do not need state across restarts.
type memoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]TaskRecord
	schedules map[string]ScheduleRecord
	execs     map[string]ExecutionRecord
	dedup     map[string]time.Time
	closed    bool
}

func NewMemory() Store {
	return &memoryStore{
		tasks:     map[string]TaskRecord{},
		schedules: map[string]ScheduleRecord{},
		execs:     map[string]ExecutionRecord{},
		dedup:     map[string]time.Time{},
	}
}

func (m *memoryStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return TaskRecord{}, ErrClosed
	}
	rec, ok := m.tasks[id]
	if !ok {
		return TaskRecord{}, ErrNotFound
	}
	rec.Config = cloneConfig(rec.Config)
	return rec, nil
}

func (m *memoryStore) PutTask(ctx context.Context, rec TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Config = cloneConfig(rec.Config)
	m.tasks[rec.ID] = rec
	return nil
}

func (m *memoryStore) ListSchedules(ctx context.Context, taskID string) ([]ScheduleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []ScheduleRecord
	for _, s := range m.schedules {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	sortSchedules(out)
	return out, nil
}

func sortSchedules(out []ScheduleRecord) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
}

func (m *memoryStore) PutSchedule(ctx context.Context, rec ScheduleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.schedules[rec.ID] = rec
	return nil
}

func (m *memoryStore) DeleteSchedule(ctx context.Context, taskID, scheduleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if s, ok := m.schedules[scheduleID]; ok && s.TaskID == taskID {
		delete(m.schedules, scheduleID)
	}
	return nil
}

func (m *memoryStore) DueSchedules(ctx context.Context, now time.Time) ([]DueSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []DueSchedule
	pos := map[string]int{}
	for _, s := range m.schedules {
		t, ok := m.tasks[s.TaskID]
		if !ok || !t.Enabled || !s.Enabled || s.NextRun.IsZero() || s.NextRun.After(now) {
			continue
		}
		out = append(out, DueSchedule{TaskID: s.TaskID, ScheduleID: s.ID, NextRun: s.NextRun})
		pos[s.ID] = s.Position
	}
	sortDue(out, pos)
	return out, nil
}

func sortDue(out []DueSchedule, pos map[string]int) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.NextRun.Equal(b.NextRun) {
			return a.NextRun.Before(b.NextRun)
		}
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return pos[a.ScheduleID] < pos[b.ScheduleID]
	})
}

func (m *memoryStore) InsertExecution(ctx context.Context, rec ExecutionRecord) error {
	return m.putExecution(rec)
}

func (m *memoryStore) UpdateExecution(ctx context.Context, rec ExecutionRecord) error {
	m.mu.RLock()
	_, ok := m.execs[rec.ExecutionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return m.putExecution(rec)
}

func (m *memoryStore) putExecution(rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	m.execs[rec.ExecutionID] = rec
	return nil
}

func (m *memoryStore) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]ExecutionRecord, error) {
	limit, offset = clampPage(limit, offset)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var all []ExecutionRecord
	for _, e := range m.execs {
		if taskID == "" || e.TaskID == taskID {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].ExecutionID > all[j].ExecutionID
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *memoryStore) PurgeExecutionsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var n int64
	for id, e := range m.execs {
		if e.StartedAt.Before(before) {
			delete(m.execs, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.dedup[key] = until
	return nil
}

func (m *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	until, ok := m.dedup[key]
	return until, ok, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func cloneConfig(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
