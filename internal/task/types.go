package task

import (
	"time"

	"taskd/internal/recurrence"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether a run is in flight (including a pending cancel).
func (s Status) Active() bool { return s == StatusRunning || s == StatusCancelling }

type ErrorCode string

const (
	CodeConfigInvalid  ErrorCode = "CONFIG_INVALID"
	CodeAlreadyRunning ErrorCode = "ALREADY_RUNNING"
	CodeCancelled      ErrorCode = "CANCELLED"
)

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerAPI       Trigger = "api"
)

// Outcome is the notification class of a finished run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeWarning Outcome = "warning"
	OutcomeError   Outcome = "error"
)

// Schedule is one persisted recurrence of a task.
type Schedule struct {
	ID      string          `json:"id"`
	Spec    recurrence.Spec `json:"spec"`
	Enabled bool            `json:"enabled"`
	LastRun time.Time       `json:"last_run,omitempty"`
	NextRun time.Time       `json:"next_run,omitempty"`
}

// Definition is the registration-time description of a task.
type Definition struct {
	ID          string
	DisplayName string
	Description string
	Category    string
	Enabled     bool
	Schedules   []Schedule
	Config      map[string]any
}

type Progress struct {
	Total        int       `json:"total"`
	Current      int       `json:"current"`
	Status       string    `json:"status,omitempty"`
	CurrentItem  string    `json:"current_item,omitempty"`
	SuccessCount int       `json:"success_count"`
	FailedCount  int       `json:"failed_count"`
	SkippedCount int       `json:"skipped_count"`
	StartedAt    time.Time `json:"started_at"`
}

// Percentage is current/total scaled to [0,100]; 0 when total is unknown.
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	v := float64(p.Current) / float64(p.Total) * 100
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// Result is the immutable outcome of one execution.
type Result struct {
	ExecutionID  string         `json:"execution_id,omitempty"`
	TaskID       string         `json:"task_id"`
	TriggeredBy  Trigger        `json:"triggered_by,omitempty"`
	Status       Status         `json:"status"`
	Success      bool           `json:"success"`
	Message      string         `json:"message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at,omitempty"`
	TotalItems   int            `json:"total_items"`
	SuccessCount int            `json:"success_count"`
	FailedCount  int            `json:"failed_count"`
	SkippedCount int            `json:"skipped_count"`
	FailedItems  []string       `json:"failed_items,omitempty"`
	ErrorCode    ErrorCode      `json:"error_code,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Duration is reported only once both timestamps are set.
func (r Result) Duration() (time.Duration, bool) {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0, false
	}
	return r.CompletedAt.Sub(r.StartedAt), true
}

// Outcome classifies the result for notifications. Partial failures and
// cancellations are warnings, never success.
func (r Result) Outcome() Outcome {
	switch {
	case r.ErrorCode == CodeCancelled:
		return OutcomeWarning
	case r.Success && r.FailedCount > 0:
		return OutcomeWarning
	case r.Success:
		return OutcomeSuccess
	default:
		return OutcomeError
	}
}

type CancelStatus struct {
	Status  string `json:"status"` // "not_running" or "cancelling"
	Message string `json:"message"`
}

const (
	CancelNotRunning = "not_running"
	CancelRequested  = "cancelling"
)

// Snapshot is the externally visible state of a task.
type Snapshot struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Status      Status         `json:"status"`
	Enabled     bool           `json:"enabled"`
	Progress    *Progress      `json:"progress,omitempty"`
	Schedules   []Schedule     `json:"recurrences"`
	LastRun     time.Time      `json:"last_run,omitempty"`
	NextRun     time.Time      `json:"next_run,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	LastResult  *Result        `json:"last_result,omitempty"`
}

// Update carries a partial change; nil fields are left untouched.
type Update struct {
	Enabled   *bool
	Schedules []Schedule
	Config    map[string]any
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSchedules(in []Schedule) []Schedule {
	if in == nil {
		return nil
	}
	out := make([]Schedule, len(in))
	for i, s := range in {
		s.Spec = s.Spec.Normalize()
		out[i] = s
	}
	return out
}
