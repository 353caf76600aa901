package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"taskd/internal/eventbus"
	"taskd/internal/notifier"
	"taskd/internal/storage"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const recordTimeout = 5 * time.Second

// launch runs t in the background. The caller already holds the admission slot.
func (s *Service) launch(t *task.Task, scheduleIDs []string) {
	execID := uuid.NewString()
	s.runs.GoDetached("run."+t.ID(), func(ctx context.Context) error {
		s.execute(ctx, t, execID, task.TriggerScheduled, scheduleIDs)
		return nil
	})
}

// execute drives one admitted run to completion and releases its slot.
func (s *Service) execute(ctx context.Context, t *task.Task, execID string, trigger task.Trigger, scheduleIDs []string) task.Result {
	defer s.release(t.ID())
	log := s.log.With(logx.String("task", t.ID()), logx.String("execution", execID))

	placeholder := false
	res := t.Run(ctx, task.RunOptions{
		ExecutionID: execID,
		Trigger:     trigger,
		OnStarted: func(r task.Result) {
			placeholder = s.insertRecord(ctx, log, r)
			s.publish(eventbus.TaskStarted, eventbus.TaskEvent{
				TaskID: r.TaskID, ExecutionID: execID, Trigger: string(trigger), Status: string(r.Status),
			})
		},
	})

	if res.ErrorCode == task.CodeAlreadyRunning {
		s.publish(eventbus.TaskSkipped, eventbus.TaskEvent{
			TaskID: t.ID(), ExecutionID: execID, Trigger: string(trigger), Reason: errSkipBusy.Error(),
		})
		return res
	}

	if placeholder {
		s.updateRecord(ctx, log, res)
	} else {
		s.insertRecord(ctx, log, res)
	}

	now := s.clock.Now()
	if len(scheduleIDs) > 0 {
		t.AdvanceSchedules(scheduleIDs, res.StartedAt, now)
	}
	sctx, cancel := context.WithTimeout(ctx, recordTimeout)
	if err := s.dir.Save(sctx, t); err != nil {
		log.Warn("task state save failed", logx.Err(err))
	}
	cancel()

	s.alert(ctx, log, t, res)
	s.publish(eventbus.TaskFinished, eventbus.TaskEvent{
		TaskID: t.ID(), ExecutionID: execID, Trigger: string(trigger), Status: string(res.Status), Reason: res.Message,
	})
	return res
}

func (s *Service) insertRecord(ctx context.Context, log logx.Logger, r task.Result) bool {
	if s.records == nil {
		return false
	}
	c, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	if err := s.records.InsertExecution(c, storage.RecordFromResult(r)); err != nil {
		log.Warn("execution record insert failed", logx.Err(err))
		return false
	}
	return true
}

func (s *Service) updateRecord(ctx context.Context, log logx.Logger, r task.Result) {
	if s.records == nil {
		return
	}
	c, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	if err := s.records.UpdateExecution(c, storage.RecordFromResult(r)); err != nil {
		log.Warn("execution record update failed", logx.Err(err))
	}
}

// alert sends exactly one classified alert per finished run.
func (s *Service) alert(ctx context.Context, log logx.Logger, t *task.Task, res task.Result) {
	if s.alerts == nil {
		return
	}
	def := t.Definition()
	title := def.DisplayName
	if title == "" {
		title = def.ID
	}
	a := notifier.Alert{
		Level:    levelFor(res.Outcome()),
		Title:    title,
		Message:  res.Summary(),
		Category: def.Category,
		Meta: map[string]any{
			"task_id":      res.TaskID,
			"execution_id": res.ExecutionID,
			"trigger":      string(res.TriggeredBy),
			"status":       string(res.Status),
		},
	}
	c, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	if err := s.alerts.SendClassifiedAlert(c, a); err != nil {
		log.Debug("run alert not sent", logx.Err(err))
	}
}

func levelFor(o task.Outcome) notifier.Level {
	switch o {
	case task.OutcomeSuccess:
		return notifier.LevelSuccess
	case task.OutcomeWarning:
		return notifier.LevelWarning
	default:
		return notifier.LevelError
	}
}
