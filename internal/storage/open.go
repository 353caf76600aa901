package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "taskd/pkg/logx"
)

// Store is the persistence API used by the directory, the engine, the
// notifier and the retention job.
type Store interface {
	GetTask(ctx context.Context, id string) (TaskRecord, error)
	PutTask(ctx context.Context, rec TaskRecord) error

	// ListSchedules returns a task's schedules ordered by position.
	ListSchedules(ctx context.Context, taskID string) ([]ScheduleRecord, error)
	PutSchedule(ctx context.Context, rec ScheduleRecord) error
	DeleteSchedule(ctx context.Context, taskID, scheduleID string) error
	// DueSchedules returns enabled schedules of enabled tasks with
	// next run <= now, ascending by next run.
	DueSchedules(ctx context.Context, now time.Time) ([]DueSchedule, error)

	InsertExecution(ctx context.Context, rec ExecutionRecord) error
	UpdateExecution(ctx context.Context, rec ExecutionRecord) error
	// ListExecutions is newest first. An empty taskID lists every task.
	ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]ExecutionRecord, error)
	PurgeExecutionsOlderThan(ctx context.Context, before time.Time) (int64, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return openRedis(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
