package storage

import (
	"errors"
	"time"

	"taskd/internal/task"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver)
//   - "redis": Redis server at RedisAddr
//   - "memory": process-local maps, lost on restart
//
// An empty Driver or "none" selects memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string // default "taskd:"
}

// TaskRecord is the persisted state of one task.
type TaskRecord struct {
	ID        string         `json:"id"`
	Enabled   bool           `json:"enabled"`
	Config    map[string]any `json:"config,omitempty"`
	LastRun   time.Time      `json:"last_run,omitempty"`
	NextRun   time.Time      `json:"next_run,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ScheduleRecord is one persisted recurrence row. Position keeps the
// owner's ordering.
type ScheduleRecord struct {
	TaskID   string `json:"task_id"`
	Position int    `json:"position"`
	task.Schedule
}

// DueSchedule is one enabled schedule of an enabled task whose next run has passed.
type DueSchedule struct {
	TaskID     string
	ScheduleID string
	NextRun    time.Time
}

// ExecutionRecord is the persisted form of a task.Result.
type ExecutionRecord struct {
	task.Result
	UpdatedAt time.Time `json:"updated_at"`
}

func RecordFromResult(r task.Result) ExecutionRecord {
	return ExecutionRecord{Result: r, UpdatedAt: time.Now().UTC()}
}
