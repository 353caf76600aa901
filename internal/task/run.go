package task

import (
	"sync/atomic"
	"time"

	logx "taskd/pkg/logx"
)

type ItemOutcome int

const (
	ItemSucceeded ItemOutcome = iota
	ItemFailed
	ItemSkipped
)

// Run is the handle a body receives for one execution.
type Run struct {
	ExecutionID string
	TaskID      string
	Trigger     Trigger
	StartedAt   time.Time

	cfg       map[string]any
	log       logx.Logger
	cancelled *atomic.Bool
	progress  *progressTracker
}

// Cancelled reports whether a cancel was requested for this run.
func (r *Run) Cancelled() bool { return r.cancelled != nil && r.cancelled.Load() }

// CheckCancelled returns ErrCancelled once a cancel was requested.
func (r *Run) CheckCancelled() error {
	if r.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Config returns a copy of the task config captured when the run started.
func (r *Run) Config() map[string]any { return cloneMap(r.cfg) }

func (r *Run) Logger() logx.Logger { return r.log }

// SetProgress replaces the counters and phase label.
func (r *Run) SetProgress(current, total int, status string) {
	r.progress.update(func(p *Progress) {
		p.Current = current
		p.Total = total
		if status != "" {
			p.Status = status
		}
	})
}

// SetItem records the item currently being processed.
func (r *Run) SetItem(item string) {
	r.progress.update(func(p *Progress) { p.CurrentItem = item })
}

// IncrementProgress advances current by one and counts the item's outcome.
func (r *Run) IncrementProgress(o ItemOutcome, item string) {
	if o == ItemFailed {
		r.progress.fail(item)
	}
	r.progress.update(func(p *Progress) {
		p.Current++
		switch o {
		case ItemFailed:
			p.FailedCount++
		case ItemSkipped:
			p.SkippedCount++
		default:
			p.SuccessCount++
		}
		if item != "" {
			p.CurrentItem = item
		}
	})
}

func (r *Run) Progress() Progress {
	p, _ := r.progress.snapshot()
	return p
}
