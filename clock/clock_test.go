package clock

import (
	"testing"
	"time"
)

func TestMockClock_AdvanceFiresInOrder(t *testing.T) {
	c := NewMock(time.Unix(0, 0))
	var fired []string

	c.Set(func() { fired = append(fired, "b") }, 2*time.Second)
	c.Set(func() { fired = append(fired, "a") }, 1*time.Second)
	c.Set(func() { fired = append(fired, "c") }, 3*time.Second)

	c.Advance(2 * time.Second)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", fired)
	}
	if c.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", c.Pending())
	}

	c.Advance(time.Second)
	if len(fired) != 3 || fired[2] != "c" {
		t.Fatalf("fired = %v, want [a b c]", fired)
	}
}

func TestMockClock_SameDeadlineInsertionOrder(t *testing.T) {
	c := NewMock(time.Unix(0, 0))
	var fired []int

	c.Set(func() { fired = append(fired, 1) }, time.Second)
	c.Set(func() { fired = append(fired, 2) }, time.Second)
	c.Set(func() { fired = append(fired, 3) }, time.Second)

	c.Advance(time.Second)

	for i, v := range fired {
		if v != i+1 {
			t.Fatalf("fired = %v, want insertion order", fired)
		}
	}
}

func TestMockClock_Clear(t *testing.T) {
	c := NewMock(time.Unix(0, 0))
	fired := false

	id := c.Set(func() { fired = true }, time.Second)
	c.Clear(id)
	c.Advance(time.Minute)

	if fired {
		t.Fatal("cleared timer fired")
	}
	// clearing again is a no-op
	c.Clear(id)
}

func TestMockClock_AdvanceFiresNestedTimers(t *testing.T) {
	c := NewMock(time.Unix(0, 0))
	var fired []string

	c.Set(func() {
		fired = append(fired, "outer")
		c.Set(func() { fired = append(fired, "inner") }, time.Second)
	}, time.Second)

	c.Advance(3 * time.Second)

	if len(fired) != 2 || fired[1] != "inner" {
		t.Fatalf("fired = %v, want nested timer inside the window to fire", fired)
	}
}

func TestMockClock_Flush(t *testing.T) {
	c := NewMock(time.Unix(0, 0))
	var fired []string

	c.Set(func() { fired = append(fired, "late") }, 24*time.Hour)
	c.Set(func() { fired = append(fired, "early") }, time.Millisecond)

	c.Flush()

	if len(fired) != 2 || fired[0] != "early" || fired[1] != "late" {
		t.Fatalf("fired = %v, want [early late]", fired)
	}
	if got := c.Now(); !got.Equal(time.Unix(0, 0).Add(24 * time.Hour)) {
		t.Fatalf("now = %v, want clock jumped to the last deadline", got)
	}
}

func TestRealClock_SetAndClear(t *testing.T) {
	c := NewReal()
	ch := make(chan struct{})

	c.Set(func() { close(ch) }, time.Millisecond)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	fired := make(chan struct{})
	id := c.Set(func() { close(fired) }, 10*time.Millisecond)
	c.Clear(id)
	select {
	case <-fired:
		t.Fatal("cleared timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}
