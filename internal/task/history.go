package task

import "sync"

const DefaultHistorySize = 50

// History keeps the most recent results first, bounded by its capacity.
type History struct {
	mu    sync.Mutex
	limit int
	items []Result
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &History{limit: limit}
}

func (h *History) Add(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, Result{})
	copy(h.items[1:], h.items)
	h.items[0] = r
	if len(h.items) > h.limit {
		h.items = h.items[:h.limit]
	}
}

// List returns up to limit entries starting at offset; limit <= 0 means all.
func (h *History) List(limit, offset int) []Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(h.items) {
		return nil
	}
	end := len(h.items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]Result(nil), h.items[offset:end]...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

func (h *History) Latest() (Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) == 0 {
		return Result{}, false
	}
	return h.items[0], true
}

// SetLimit shrinks or grows the cap; excess entries are dropped immediately.
func (h *History) SetLimit(limit int) {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	h.mu.Lock()
	h.limit = limit
	if len(h.items) > limit {
		h.items = h.items[:limit]
	}
	h.mu.Unlock()
}
