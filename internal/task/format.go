package task

import (
	"fmt"
	"strings"
	"time"
)

// MaxListedFailures caps the failed items enumerated in a summary.
const MaxListedFailures = 10

// Headline is a one-line description of the result.
func (r Result) Headline() string {
	var b strings.Builder
	switch r.Status {
	case StatusCompleted:
		if r.FailedCount > 0 {
			b.WriteString("completed with failures")
		} else {
			b.WriteString("completed")
		}
	case StatusCancelled:
		b.WriteString("cancelled")
	case StatusFailed:
		b.WriteString("failed")
	default:
		b.WriteString(string(r.Status))
	}
	if r.TotalItems > 0 || r.SuccessCount+r.FailedCount+r.SkippedCount > 0 {
		fmt.Fprintf(&b, ": %d ok, %d failed, %d skipped", r.SuccessCount, r.FailedCount, r.SkippedCount)
		if r.TotalItems > 0 {
			fmt.Fprintf(&b, " of %d", r.TotalItems)
		}
	}
	if d, ok := r.Duration(); ok {
		fmt.Fprintf(&b, " in %s", d.Round(100*time.Millisecond))
	}
	return b.String()
}

// Summary is the multi-line text used for classified alerts.
func (r Result) Summary() string {
	var b strings.Builder
	b.WriteString(r.Headline())
	if r.Message != "" {
		b.WriteString("\n")
		b.WriteString(r.Message)
	}
	if len(r.FailedItems) > 0 {
		b.WriteString("\nFailed:")
		b.WriteString(FailedItemsList(r.FailedItems, r.FailedCount, MaxListedFailures))
	}
	return b.String()
}

// FailedItemsList enumerates up to max items; the remainder of total is
// reported as "...and N more".
func FailedItemsList(items []string, total, max int) string {
	if total < len(items) {
		total = len(items)
	}
	if max <= 0 {
		max = MaxListedFailures
	}
	var b strings.Builder
	n := len(items)
	if n > max {
		n = max
	}
	for _, it := range items[:n] {
		b.WriteString("\n- ")
		b.WriteString(it)
	}
	if rest := total - n; rest > 0 {
		fmt.Fprintf(&b, "\n...and %d more", rest)
	}
	return b.String()
}
