package reactor

import (
	"testing"
	"time"

	"github.com/erikarn/goiapp/internal/rb"
)

func newTestReactor() (*Reactor, *rb.MockBackend) {
	mb := rb.NewMockBackend()
	r := New(mb, Config{MaxWait: 50 * time.Millisecond})
	return r, mb
}

func TestArmReadDispatchesOnReadyEvent(t *testing.T) {
	r, mb := newTestReactor()

	fired := 0
	ev := r.CreateEvent(KindRead, 7, true, func(e *Event) { fired++ })
	if err := r.Arm(ev); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	if err := r.RunOnce(); err != nil {
		t.Fatalf("RunOnce (submit): %v", err)
	}

	intents := mb.Intents()
	if len(intents) != 1 || intents[0].Fd != 7 || intents[0].Op != rb.OpAdd {
		t.Fatalf("expected one OpAdd intent for fd 7, got %+v", intents)
	}

	mb.FeedReady(rb.ReadyEvent{Fd: 7, Filter: rb.FilterRead, Cookie: ev.cookie})
	if err := r.RunOnce(); err != nil {
		t.Fatalf("RunOnce (dispatch): %v", err)
	}

	if fired != 1 {
		t.Fatalf("expected callback fired once, got %d", fired)
	}
	if !ev.Active() {
		t.Fatal("persistent event should remain active after firing")
	}
}

func TestOneshotEventDeactivatesBeforeDispatch(t *testing.T) {
	r, mb := newTestReactor()

	ev := r.CreateEvent(KindWrite, 3, false, func(e *Event) {
		if e.Active() {
			t.Error("oneshot event should be inactive inside its own callback")
		}
	})
	if err := r.Arm(ev); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := r.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	mb.FeedReady(rb.ReadyEvent{Fd: 3, Filter: rb.FilterWrite, Cookie: ev.cookie})
	if err := r.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if ev.Active() {
		t.Fatal("oneshot event must be inactive after firing")
	}
}

func TestImmediateDeferredToNextIteration(t *testing.T) {
	r, _ := newTestReactor()

	var order []string
	var inner *Event
	outer := r.CreateEvent(KindImmediate, -1, false, func(e *Event) {
		order = append(order, "outer")
		inner = r.CreateEvent(KindImmediate, -1, false, func(e *Event) {
			order = append(order, "inner")
		})
		if err := r.Arm(inner); err != nil {
			t.Fatalf("Arm inner: %v", err)
		}
	})
	if err := r.Arm(outer); err != nil {
		t.Fatalf("Arm outer: %v", err)
	}

	if err := r.RunOnce(); err != nil {
		t.Fatalf("RunOnce 1: %v", err)
	}
	if len(order) != 1 || order[0] != "outer" {
		t.Fatalf("expected only outer to fire in iteration 1, got %v", order)
	}

	if err := r.RunOnce(); err != nil {
		t.Fatalf("RunOnce 2: %v", err)
	}
	if len(order) != 2 || order[1] != "inner" {
		t.Fatalf("expected inner to fire in iteration 2, got %v", order)
	}
}

func TestTimerFiresInDeadlineOrder(t *testing.T) {
	r, _ := newTestReactor()

	var order []string
	now := time.Now()

	late := r.CreateEvent(KindTimer, -1, false, func(e *Event) { order = append(order, "late") })
	early := r.CreateEvent(KindTimer, -1, false, func(e *Event) { order = append(order, "early") })
	mid := r.CreateEvent(KindTimer, -1, false, func(e *Event) { order = append(order, "mid") })

	if err := r.ArmWithDeadline(late, now.Add(30*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := r.ArmWithDeadline(early, now.Add(-10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := r.ArmWithDeadline(mid, now.Add(10*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(15 * time.Millisecond)
	if err := r.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(order) != 2 || order[0] != "early" || order[1] != "mid" {
		t.Fatalf("expected [early mid] to have fired in order, got %v", order)
	}
	if late.Active() == false {
		t.Fatal("late timer should not have fired yet")
	}
}

func TestDisarmIsIdempotent(t *testing.T) {
	r, _ := newTestReactor()
	ev := r.CreateEvent(KindRead, 9, true, nil)

	if err := r.Disarm(ev); err != nil {
		t.Fatalf("Disarm on never-armed event: %v", err)
	}
	if err := r.Arm(ev); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := r.Disarm(ev); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	if err := r.Disarm(ev); err != nil {
		t.Fatalf("second Disarm: %v", err)
	}
	if ev.Active() {
		t.Fatal("event should be inactive after Disarm")
	}
}

func TestFreeEventPanicsWhileActive(t *testing.T) {
	r, _ := newTestReactor()
	ev := r.CreateEvent(KindRead, 1, true, nil)
	if err := r.Arm(ev); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected FreeEvent to panic on an active event")
		}
	}()
	r.FreeEvent(ev)
}

func TestDoubleArmIsIdempotent(t *testing.T) {
	r, _ := newTestReactor()
	ev := r.CreateEvent(KindRead, 1, true, nil)
	if err := r.Arm(ev); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := r.Arm(ev); err != nil {
		t.Fatalf("expected second Arm to be a no-op, got %v", err)
	}
	if !ev.Active() {
		t.Fatal("event should still be active after a second Arm")
	}
}
