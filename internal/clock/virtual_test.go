package clock

import (
	"context"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestVirtualFiresInDeadlineOrder(t *testing.T) {
	v := NewVirtual(t0)
	var order []int
	v.ScheduleAt(t0.Add(30*time.Millisecond), func() { order = append(order, 3) })
	v.ScheduleAt(t0.Add(10*time.Millisecond), func() { order = append(order, 1) })
	v.ScheduleAt(t0.Add(20*time.Millisecond), func() { order = append(order, 2) })

	v.Advance(25 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected fire order %v", order)
	}
	v.Advance(10 * time.Millisecond)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("expected third timer fired, got %v", order)
	}
}

func TestVirtualTieBreaksByRegistration(t *testing.T) {
	v := NewVirtual(t0)
	var order []int
	at := t0.Add(5 * time.Millisecond)
	v.ScheduleAt(at, func() { order = append(order, 1) })
	v.ScheduleAt(at, func() { order = append(order, 2) })
	v.Advance(5 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 {
		t.Fatalf("tie must fire in registration order, got %v", order)
	}
}

func TestVirtualCallbackSchedulesWithinWindow(t *testing.T) {
	v := NewVirtual(t0)
	var fired []time.Duration
	v.ScheduleAt(t0.Add(10*time.Millisecond), func() {
		fired = append(fired, v.Now().Sub(t0))
		v.ScheduleAt(v.Now().Add(10*time.Millisecond), func() {
			fired = append(fired, v.Now().Sub(t0))
		})
	})
	v.Advance(50 * time.Millisecond)
	if len(fired) != 2 || fired[0] != 10*time.Millisecond || fired[1] != 20*time.Millisecond {
		t.Fatalf("chained timers: %v", fired)
	}
	if got := v.Now(); !got.Equal(t0.Add(50 * time.Millisecond)) {
		t.Fatalf("clock should land on target, got %v", got)
	}
}

func TestVirtualStop(t *testing.T) {
	v := NewVirtual(t0)
	ran := false
	tm := v.ScheduleAt(t0.Add(time.Millisecond), func() { ran = true })
	tm.Stop()
	v.Advance(10 * time.Millisecond)
	if ran {
		t.Fatalf("stopped timer must not fire")
	}
}

func TestVirtualPastDeadlineFiresImmediately(t *testing.T) {
	v := NewVirtual(t0)
	ran := false
	v.ScheduleAt(t0.Add(-time.Second), func() { ran = true })
	if !ran {
		t.Fatalf("past deadline should fire synchronously")
	}
}

func TestVirtualSleepUntil(t *testing.T) {
	v := NewVirtual(t0)
	var wg sync.WaitGroup
	woke := make(chan time.Time, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := v.SleepUntil(context.Background(), t0.Add(40*time.Millisecond)); err != nil {
			t.Errorf("SleepUntil: %v", err)
		}
		woke <- v.Now()
	}()

	// Let the sleeper register before advancing.
	for i := 0; i < 100; i++ {
		v.mu.Lock()
		n := len(v.sleepers)
		v.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	v.Advance(40 * time.Millisecond)
	wg.Wait()
	at := <-woke
	if at.Before(t0.Add(40 * time.Millisecond)) {
		t.Fatalf("woke early at %v", at)
	}
}

func TestVirtualSleepUntilCancelled(t *testing.T) {
	v := NewVirtual(t0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.SleepUntil(ctx, t0.Add(time.Hour)) }()
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSystemSleepUntilPastIsImmediate(t *testing.T) {
	s := NewSystem()
	start := time.Now()
	if err := s.SleepUntil(context.Background(), start.Add(-time.Second)); err != nil {
		t.Fatalf("SleepUntil: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("past deadline should return immediately")
	}
}
