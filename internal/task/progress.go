package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultProgressInterval = 2 * time.Second
	maxTrackedFailures      = 200
)

// ProgressSink receives the external progress notification of a run.
// Implementations may be slow; callers never block a body on them.
type ProgressSink interface {
	CreateProgress(ctx context.Context, taskID, title string, meta map[string]any) (handle string, err error)
	UpdateProgress(ctx context.Context, handle, message string, meta map[string]any) error
	FinalizeProgress(ctx context.Context, handle, level, message string, meta map[string]any) error
}

// progressTracker owns the Progress of one run and throttles callbacks.
//
// Mutations never block: a callback is started only when the limiter allows it
// and no previous callback is still in flight. flush delivers the last state.
type progressTracker struct {
	mu      sync.Mutex
	p       Progress
	failed  []string
	dirty   bool
	limiter *rate.Limiter
	now     func() time.Time

	emit     func(Progress)
	inflight atomic.Bool
	wg       sync.WaitGroup
}

func newProgressTracker(interval time.Duration, startedAt time.Time, now func() time.Time) *progressTracker {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &progressTracker{
		p:       Progress{StartedAt: startedAt},
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		now:     now,
	}
}

func (t *progressTracker) update(fn func(p *Progress)) {
	t.mu.Lock()
	fn(&t.p)
	t.dirty = true
	if t.emit == nil || t.inflight.Load() || !t.limiter.AllowN(t.now(), 1) {
		t.mu.Unlock()
		return
	}
	snap := t.p
	t.dirty = false
	t.inflight.Store(true)
	t.wg.Add(1)
	emit := t.emit
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.inflight.Store(false)
		emit(snap)
	}()
}

func (t *progressTracker) fail(item string) {
	if item == "" {
		return
	}
	t.mu.Lock()
	if len(t.failed) < maxTrackedFailures {
		t.failed = append(t.failed, item)
	}
	t.mu.Unlock()
}

func (t *progressTracker) snapshot() (Progress, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p, append([]string(nil), t.failed...)
}

// flush waits for an in-flight callback and then delivers unsent state synchronously.
func (t *progressTracker) flush() {
	t.wg.Wait()
	t.mu.Lock()
	if !t.dirty || t.emit == nil {
		t.mu.Unlock()
		return
	}
	snap := t.p
	t.dirty = false
	emit := t.emit
	t.mu.Unlock()
	emit(snap)
}

// ProgressMessage renders a one-line progress text.
func ProgressMessage(p Progress) string {
	var b strings.Builder
	if p.Status != "" {
		b.WriteString(p.Status)
	} else {
		b.WriteString("running")
	}
	if p.Total > 0 {
		fmt.Fprintf(&b, " %d/%d (%.0f%%)", p.Current, p.Total, p.Percentage())
	} else if p.Current > 0 {
		fmt.Fprintf(&b, " %d done", p.Current)
	}
	if p.FailedCount > 0 || p.SkippedCount > 0 {
		fmt.Fprintf(&b, " ok=%d failed=%d skipped=%d", p.SuccessCount, p.FailedCount, p.SkippedCount)
	}
	if p.CurrentItem != "" {
		b.WriteString(" | ")
		b.WriteString(p.CurrentItem)
	}
	return b.String()
}

func progressMeta(p Progress) map[string]any {
	return map[string]any{
		"total":      p.Total,
		"current":    p.Current,
		"percentage": p.Percentage(),
		"succeeded":  p.SuccessCount,
		"failed":     p.FailedCount,
		"skipped":    p.SkippedCount,
	}
}
