// Package clock abstracts timer scheduling so the engine can run delay
// nodes against real time in production and virtual time in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// TimerID identifies a scheduled callback for cancellation.
type TimerID uint64

// Clock schedules one-shot callbacks. Implementations must be safe for
// concurrent use.
type Clock interface {
	// Set schedules fn to run after d and returns an id usable with Clear.
	Set(fn func(), d time.Duration) TimerID
	// Clear cancels a pending timer. Clearing an unknown or already fired
	// id is a no-op.
	Clear(id TimerID)
}

// RealClock schedules callbacks on the wall clock via time.AfterFunc.
type RealClock struct {
	mu     sync.Mutex
	nextID TimerID
	timers map[TimerID]*time.Timer
}

// NewReal returns a wall-clock backed Clock.
func NewReal() *RealClock {
	return &RealClock{timers: make(map[TimerID]*time.Timer)}
}

func (c *RealClock) Set(fn func(), d time.Duration) TimerID {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.timers[id] = time.AfterFunc(d, func() {
		c.mu.Lock()
		delete(c.timers, id)
		c.mu.Unlock()
		fn()
	})
	c.mu.Unlock()
	return id
}

func (c *RealClock) Clear(id TimerID) {
	c.mu.Lock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()
}

type mockTimer struct {
	id  TimerID
	at  time.Time
	seq uint64
	fn  func()
}

// MockClock is a virtual-time Clock for tests. Callbacks fire only when
// Advance or Flush is called, in scheduled-time order, with insertion
// order breaking ties.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID TimerID
	seq    uint64
	timers []*mockTimer
}

// NewMock returns a MockClock starting at the given instant.
func NewMock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Set(fn func(), d time.Duration) TimerID {
	c.mu.Lock()
	c.nextID++
	c.seq++
	id := c.nextID
	c.timers = append(c.timers, &mockTimer{id: id, at: c.now.Add(d), seq: c.seq, fn: fn})
	c.mu.Unlock()
	return id
}

func (c *MockClock) Clear(id TimerID) {
	c.mu.Lock()
	for i, t := range c.timers {
		if t.id == id {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// Now returns the current virtual time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves virtual time forward by d, firing every timer whose
// deadline falls within the window. Timers scheduled by fired callbacks
// fire too if they land inside the same window.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	deadline := c.now.Add(d)
	for {
		t := c.popDue(deadline)
		if t == nil {
			break
		}
		c.now = t.at
		c.mu.Unlock()
		t.fn()
		c.mu.Lock()
	}
	c.now = deadline
	c.mu.Unlock()
}

// Flush fires every pending timer in scheduled order, jumping virtual
// time to each deadline, until none remain.
func (c *MockClock) Flush() {
	c.mu.Lock()
	for {
		t := c.popNext()
		if t == nil {
			break
		}
		if t.at.After(c.now) {
			c.now = t.at
		}
		c.mu.Unlock()
		t.fn()
		c.mu.Lock()
	}
	c.mu.Unlock()
}

// Pending reports how many timers are scheduled.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// popDue removes and returns the earliest timer at or before deadline.
// Caller holds the lock.
func (c *MockClock) popDue(deadline time.Time) *mockTimer {
	idx := c.earliest()
	if idx < 0 || c.timers[idx].at.After(deadline) {
		return nil
	}
	t := c.timers[idx]
	c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
	return t
}

// popNext removes and returns the earliest timer regardless of deadline.
// Caller holds the lock.
func (c *MockClock) popNext() *mockTimer {
	idx := c.earliest()
	if idx < 0 {
		return nil
	}
	t := c.timers[idx]
	c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
	return t
}

func (c *MockClock) earliest() int {
	if len(c.timers) == 0 {
		return -1
	}
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].at.Equal(c.timers[j].at) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].at.Before(c.timers[j].at)
	})
	return 0
}
