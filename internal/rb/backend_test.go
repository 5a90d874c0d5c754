package rb

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestMockBackendRecordsIntents(t *testing.T) {
	m := NewMockBackend()

	intents := []Intent{
		{Fd: 5, Filter: FilterRead, Mode: ModePersistent, Op: OpAdd, Cookie: 42},
	}
	if err := m.Submit(intents); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := m.Intents()
	if len(got) != 1 || got[0].Fd != 5 || got[0].Cookie != 42 {
		t.Fatalf("unexpected recorded intents: %+v", got)
	}
}

func TestMockBackendFeedReady(t *testing.T) {
	m := NewMockBackend()
	m.FeedReady(ReadyEvent{Fd: 5, Filter: FilterRead, Cookie: 42})

	events, err := m.Wait(0)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 || events[0].Fd != 5 {
		t.Fatalf("unexpected events: %+v", events)
	}

	// second Wait drains to empty
	events, err = m.Wait(0)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected drained queue, got %+v", events)
	}
}

func TestMockBackendClosedErrors(t *testing.T) {
	m := NewMockBackend()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Submit(nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := m.Wait(0); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// TestRealBackendReadReady exercises the platform-native backend
// (epoll on Linux, kqueue on BSD/Darwin) against a real socketpair: one
// end is written to, the other end's read interest must fire.
func TestRealBackendReadReady(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}

	b, err := NewBackend()
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer b.Close()

	const cookie = uintptr(0xABCD)
	err = b.Submit([]Intent{
		{Fd: fds[0], Filter: FilterRead, Mode: ModePersistent, Op: OpAdd, Cookie: cookie},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := b.Wait(2 * time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one ready event")
	}
	found := false
	for _, e := range events {
		if e.Fd == fds[0] && e.Filter == FilterRead && e.Cookie == cookie {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a read-ready event for fds[0], got %+v", events)
	}
}

func TestRealBackendWaitTimeout(t *testing.T) {
	b, err := NewBackend()
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer b.Close()

	start := time.Now()
	events, err := b.Wait(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Wait blocked far longer than its timeout")
	}
}

func TestRealBackendCloseRejectsFurtherUse(t *testing.T) {
	b, err := NewBackend()
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Submit(nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
