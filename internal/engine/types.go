package engine

import (
	"context"
	"errors"
	"time"

	"taskd/internal/directory"
	"taskd/internal/notifier"
	"taskd/internal/storage"
	"taskd/internal/task"
)

const (
	DefaultCheckInterval   = 60 * time.Second
	DefaultSettleDelay     = 5 * time.Second
	DefaultMaxConcurrent   = 3
	DefaultShutdownTimeout = 30 * time.Second
)

var ErrUnknownTask = directory.ErrUnknownTask

type Config struct {
	Enabled         bool
	CheckInterval   time.Duration
	SettleDelay     time.Duration
	MaxConcurrent   int
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Directory is the part of the task directory the engine needs.
type Directory interface {
	ListTaskIDs() []string
	Get(id string) (*task.Task, bool)
	GetOrCreate(id string) (*task.Task, error)
	Save(ctx context.Context, t *task.Task) error
	Update(ctx context.Context, id string, u task.Update) (*task.Task, error)
	DueSchedules(ctx context.Context, now time.Time) ([]directory.Due, error)
	LegacyDue(now time.Time) []directory.Due
}

// Records persists execution records.
type Records interface {
	InsertExecution(ctx context.Context, rec storage.ExecutionRecord) error
	UpdateExecution(ctx context.Context, rec storage.ExecutionRecord) error
	ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]storage.ExecutionRecord, error)
}

// Alerter receives one classified alert per finished run.
type Alerter interface {
	SendClassifiedAlert(ctx context.Context, a notifier.Alert) error
}

// Status is the engine-level view returned by Service.Status.
type Status struct {
	Running       bool          `json:"running"`
	ActiveTaskIDs []string      `json:"active_task_ids"`
	CheckInterval time.Duration `json:"check_interval"`
	MaxConcurrent int           `json:"max_concurrent"`
}

var errSkipBusy = errors.New("already running")
var errSkipBudget = errors.New("concurrency budget exhausted")
