// Package clock provides the time source used by the engine and task lifecycle.
//
// Production code uses Real; tests drive a Manual clock forward explicitly.
package clock

import (
	"sort"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Manual is a clock that only moves when Advance or Set is called.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*manualTimer
}

type manualTimer struct {
	c  *Manual
	id uint64
	at time.Time
	f  func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, timers: map[uint64]*manualTimer{}}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	m.seq++
	t := &manualTimer{c: m, id: m.seq, at: m.now.Add(d), f: f}
	m.timers[t.id] = t
	m.mu.Unlock()
	if d <= 0 {
		m.Advance(0)
	}
	return t
}

// Advance moves the clock forward and fires every timer that became due, in deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	due := make([]*manualTimer, 0)
	for id, t := range m.timers {
		if !t.at.After(now) {
			due = append(due, t)
			delete(m.timers, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		go t.f()
	}
}

// Set jumps to an absolute instant. Moving backwards never fires timers.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	d := t.Sub(m.now)
	if d < 0 {
		m.now = t
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.Advance(d)
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if _, ok := t.c.timers[t.id]; !ok {
		return false
	}
	delete(t.c.timers, t.id)
	return true
}
