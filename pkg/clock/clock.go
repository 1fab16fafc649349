package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock allows injecting time into the scheduling components.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the callback from running. It reports false if the
	// callback already ran or was stopped.
	Stop() bool
}

type systemClock struct{}

// NewSystem returns a clock backed by the runtime timers.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Manual is a settable clock for tests. Callbacks registered with AfterFunc
// run synchronously, in deadline order, from Set or Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	pending []*manualTimer
}

type manualTimer struct {
	owner    *Manual
	deadline time.Time
	f        func()
	done     bool
}

// NewManual returns a clock that reports t until moved.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{owner: m, deadline: m.now.Add(d), f: f}
	m.pending = append(m.pending, t)
	return t
}

// Pending reports how many callbacks are waiting.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Set moves the clock to t and runs every callback now due.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	due := m.collectDue()
	m.mu.Unlock()

	for _, timer := range due {
		timer.f()
	}
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// collectDue must be called with m.mu held.
func (m *Manual) collectDue() []*manualTimer {
	var due, rest []*manualTimer
	for _, t := range m.pending {
		if !t.deadline.After(m.now) {
			t.done = true
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	m.pending = rest
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}

func (t *manualTimer) Stop() bool {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	for i, p := range m.pending {
		if p == t {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	return true
}
