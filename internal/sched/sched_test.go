package sched

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAfterFires(t *testing.T) {
	s := New()
	done := make(chan struct{})
	s.After("k", 5*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if s.Pending("k") {
		t.Fatal("key should be released after fire")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	s := New()
	var fired atomic.Bool
	s.After("k", 10*time.Millisecond, func() { fired.Store(true) })
	s.Cancel("k")
	time.Sleep(30 * time.Millisecond)
	if fired.Load() {
		t.Fatal("cancelled timer fired")
	}
}

func TestRescheduleReplaces(t *testing.T) {
	s := New()
	var n atomic.Int32
	s.After("k", 10*time.Millisecond, func() { n.Add(1) })
	s.After("k", 10*time.Millisecond, func() { n.Add(1) })
	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Fatalf("expected exactly one fire, got %d", got)
	}
}

func TestCancelAll(t *testing.T) {
	s := New()
	var n atomic.Int32
	s.After("a", 10*time.Millisecond, func() { n.Add(1) })
	s.After("b", 10*time.Millisecond, func() { n.Add(1) })
	s.CancelAll()
	time.Sleep(30 * time.Millisecond)
	if n.Load() != 0 {
		t.Fatalf("timers fired after CancelAll: %d", n.Load())
	}
}
