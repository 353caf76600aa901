package jobs

import (
	"context"
	"fmt"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const (
	RetentionID          = "execution_retention"
	DefaultRetentionDays = 30
	maxRetentionDays     = 3650
)

// Purger deletes execution records started before a cutoff.
type Purger interface {
	PurgeExecutionsOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Retention keeps the execution history bounded.
//
// Config:
//
//	retention_days: whole number of days to keep (default 30)
type Retention struct {
	task.Hooks
	store Purger
}

func NewRetention(store Purger) *Retention { return &Retention{store: store} }

func (r *Retention) ValidateConfig(cfg map[string]any) error {
	_, err := retentionDays(cfg)
	return err
}

func (r *Retention) Execute(ctx context.Context, run *task.Run) (task.Result, error) {
	if r.store == nil {
		return task.Result{}, fmt.Errorf("no execution store configured")
	}
	days, err := retentionDays(run.Config())
	if err != nil {
		return task.Result{}, err
	}
	cutoff := run.StartedAt.UTC().AddDate(0, 0, -days)

	run.SetProgress(0, 1, "purging")
	run.SetItem("executions")
	if err := run.CheckCancelled(); err != nil {
		return task.Result{}, err
	}
	n, err := r.store.PurgeExecutionsOlderThan(ctx, cutoff)
	if err != nil {
		run.IncrementProgress(task.ItemFailed, "executions")
		return task.Result{}, fmt.Errorf("purge executions: %w", err)
	}
	run.IncrementProgress(task.ItemSucceeded, "executions")
	run.Logger().Info("execution records purged", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))

	return task.Result{
		Success: true,
		Message: fmt.Sprintf("removed %d execution records started before %s", n, cutoff.Format(time.DateOnly)),
		Details: map[string]any{
			"deleted":        n,
			"retention_days": days,
			"cutoff":         cutoff.Format(time.RFC3339),
		},
	}, nil
}

func retentionDays(cfg map[string]any) (int, error) {
	return intField(cfg, "retention_days", DefaultRetentionDays, 1, maxRetentionDays)
}
