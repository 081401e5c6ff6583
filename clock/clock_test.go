package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRealAfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestRealStop(t *testing.T) {
	var fired atomic.Bool
	timer := Real().AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	if !timer.Stop() {
		t.Fatal("expect Stop to cancel a pending timer")
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	f := NewFake()
	var order []int
	f.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	f.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	f.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })

	f.Advance(15 * time.Millisecond)
	if len(order) != 1 || order[0] != 1 {
		t.Fatalf("expect [1], got %v", order)
	}

	f.Advance(time.Second)
	if len(order) != 3 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expect [1 2 3], got %v", order)
	}
	if f.Elapsed() != 15*time.Millisecond+time.Second {
		t.Fatalf("unexpected elapsed %v", f.Elapsed())
	}
}

func TestFakeStop(t *testing.T) {
	f := NewFake()
	fired := false
	timer := f.AfterFunc(time.Millisecond, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("expect Stop to report true for a pending timer")
	}
	if timer.Stop() {
		t.Fatal("expect second Stop to report false")
	}
	f.Advance(time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if len(f.Pending()) != 0 {
		t.Fatalf("expect no pending timers, got %v", f.Pending())
	}
}

func TestFakeChainedTimers(t *testing.T) {
	f := NewFake()
	count := 0
	var tick func()
	tick = func() {
		count++
		f.AfterFunc(10*time.Millisecond, tick)
	}
	f.AfterFunc(10*time.Millisecond, tick)

	f.Advance(55 * time.Millisecond)
	if count != 5 {
		t.Fatalf("expect 5 ticks, got %d", count)
	}
	if p := f.Pending(); len(p) != 1 || p[0] != 5*time.Millisecond {
		t.Fatalf("expect one timer 5ms out, got %v", p)
	}
}
