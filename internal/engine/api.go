package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// RunTask runs id now, outside of its schedules and the concurrency budget.
// It waits for the run to finish; if ctx ends first the run keeps going
// and ctx.Err() is returned.
func (s *Service) RunTask(ctx context.Context, id string) (task.Result, error) {
	t, err := s.dir.GetOrCreate(id)
	if err != nil {
		return task.Result{}, err
	}
	execID := uuid.NewString()
	active, over, err := s.admit(id, true)
	if err != nil {
		now := s.clock.Now()
		return task.Result{
			ExecutionID: execID,
			TaskID:      id,
			TriggeredBy: task.TriggerManual,
			Status:      t.Status(),
			StartedAt:   now,
			CompletedAt: now,
			ErrorCode:   task.CodeAlreadyRunning,
			Message:     fmt.Sprintf("task %s is already running", id),
		}, nil
	}

	if over {
		s.log.Warn("manual run exceeds max_concurrent",
			logx.String("task", id),
			logx.Int("active", active),
			logx.Int("max_concurrent", s.Status().MaxConcurrent),
		)
	}

	done := make(chan task.Result, 1)
	s.runs.GoDetached("manual."+id, func(c context.Context) error {
		done <- s.execute(c, t, execID, task.TriggerManual, nil)
		return nil
	})
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		s.log.Info("manual run detached from caller", logx.String("task", id), logx.String("execution", execID))
		return task.Result{}, ctx.Err()
	}
}

// CancelTask requests cooperative cancellation of id's current run.
func (s *Service) CancelTask(id string) (task.CancelStatus, error) {
	t, err := s.dir.GetOrCreate(id)
	if err != nil {
		return task.CancelStatus{}, err
	}
	st := t.Cancel()
	if st.Status == task.CancelRequested {
		s.publish(eventbus.TaskCancelled, eventbus.TaskEvent{TaskID: id, Status: st.Status})
	}
	return st, nil
}

func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:       s.loop != nil,
		CheckInterval: s.cfg.CheckInterval,
		MaxConcurrent: s.cfg.MaxConcurrent,
	}
	s.mu.Unlock()
	st.ActiveTaskIDs = s.activeIDs()
	return st
}

// TaskHistory lists past runs of id, newest first. Persisted records are
// preferred; the task's in-memory history is the fallback.
func (s *Service) TaskHistory(ctx context.Context, id string, limit, offset int) ([]task.Result, error) {
	t, err := s.dir.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	if s.records != nil {
		recs, err := s.records.ListExecutions(ctx, id, limit, offset)
		if err == nil {
			out := make([]task.Result, 0, len(recs))
			for _, r := range recs {
				out = append(out, r.Result)
			}
			return out, nil
		}
		s.log.Warn("execution history query failed, using in-memory history", logx.String("task", id), logx.Err(err))
	}
	return t.History().List(limit, offset), nil
}

func (s *Service) TaskStatus(id string) (task.Snapshot, error) {
	t, err := s.dir.GetOrCreate(id)
	if err != nil {
		return task.Snapshot{}, err
	}
	return t.Snapshot(), nil
}

// UpdateTaskConfig applies a partial update and persists it.
func (s *Service) UpdateTaskConfig(ctx context.Context, id string, u task.Update) (task.Snapshot, error) {
	t, err := s.dir.Update(ctx, id, u)
	if err != nil {
		return task.Snapshot{}, err
	}
	s.log.Info("task updated", logx.String("task", id), logx.Bool("enabled", t.Enabled()), logx.Time("next_run", t.NextRun()))
	return t.Snapshot(), nil
}
