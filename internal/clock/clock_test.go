package clock

import (
	"testing"
	"time"
)

func TestFakeFiresInOrder(t *testing.T) {
	c := NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.Advance(time.Second)
	if len(order) != 1 || order[0] != "a" {
		t.Fatalf("unexpected order after 1s: %v", order)
	}
	c.Advance(5 * time.Second)
	if len(order) != 2 || order[1] != "b" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestFakeStop(t *testing.T) {
	c := NewFake(time.Now())
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected pending timer to stop")
	}
	if timer.Stop() {
		t.Fatalf("second stop must report false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers")
	}
}

func TestFakeCallbackSchedulesWithinAdvance(t *testing.T) {
	c := NewFake(time.Now())
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)
	c.Advance(10 * time.Second)
	if count != 3 {
		t.Fatalf("expected 3 ticks, got %d", count)
	}
}
