package thrgroup

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/erikarn/goiapp/internal/reactor"
)

type accepted struct {
	workerID int
	fd       int
}

func newTestGroup(t *testing.T, n int) (*Group, *sync.Mutex, *[]accepted) {
	t.Helper()
	var mu sync.Mutex
	var got []accepted

	g, err := New(Config{
		NumWorkers:    n,
		ReactorConfig: reactor.Config{MaxWait: 20 * time.Millisecond},
		OnAccept: func(w *Worker, fd int, sa unix.Sockaddr, flowID uint32) {
			mu.Lock()
			got = append(got, accepted{workerID: w.ID, fd: fd})
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		g.Stop()
		g.Join()
		_ = g.Close()
	})
	return g, &mu, &got
}

func TestGroupDispatchInlineWhenNoFlowHint(t *testing.T) {
	g, mu, got := newTestGroup(t, 2)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	// AF_UNIX sockets carry no IP_FLOWID, so Dispatch must fall back to
	// calling OnAccept inline on the accepting worker rather than
	// handing off.
	g.Dispatch(0, fds[0], nil)

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 || (*got)[0].workerID != 0 || (*got)[0].fd != fds[0] {
		t.Fatalf("expected inline dispatch to worker 0, got %+v", *got)
	}
}

func TestGroupInboxHandoffDrainedByOwningWorker(t *testing.T) {
	g, mu, got := newTestGroup(t, 2)

	target := g.Worker(1)
	if target == nil {
		t.Fatal("expected worker 1 to exist")
	}
	target.Inbox.Push(HandoffConn{Fd: 42, FlowID: 0x11})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(*got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 || (*got)[0].workerID != 1 || (*got)[0].fd != 42 {
		t.Fatalf("expected worker 1 to drain handed-off fd 42, got %+v", *got)
	}
}

func TestGroupStartTwiceErrors(t *testing.T) {
	g, _, _ := newTestGroup(t, 1)
	if err := g.Start(); err == nil {
		t.Fatal("expected error starting an already-started group")
	}
}

func TestNewRejectsZeroWorkers(t *testing.T) {
	if _, err := New(Config{NumWorkers: 0}); err == nil {
		t.Fatal("expected error for NumWorkers=0")
	}
}
