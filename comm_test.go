package iapp

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/erikarn/goiapp/internal/rb"
	"github.com/erikarn/goiapp/internal/reactor"
)

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	backend, err := rb.NewBackend()
	if err != nil {
		t.Fatalf("rb.NewBackend: %v", err)
	}
	r := reactor.New(backend, reactor.Config{MaxWait: 50 * time.Millisecond})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// pumpUntil repeatedly calls RunOnce until cond reports true or deadline
// elapses, failing the test if the deadline is hit first.
func pumpUntil(t *testing.T, r *reactor.Reactor, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		if err := r.RunOnce(); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	t.Fatal("pumpUntil: condition never became true before deadline")
}

func TestReadWriteEcho(t *testing.T) {
	r := newTestReactor(t)

	a, b, err := NewSocketpair()
	if err != nil {
		t.Fatalf("NewSocketpair: %v", err)
	}
	defer unix.Close(b)

	ca, err := Open(a, r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var gotN int
	var gotStatus Status
	buf := make([]byte, 64)
	if err := ca.Read(buf, func(c *Comm, b []byte, n int, status Status, err error) {
		gotN = n
		gotStatus = status
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if _, err := unix.Write(b, []byte("hello")); err != nil {
		t.Fatalf("write to peer: %v", err)
	}

	pumpUntil(t, r, 2*time.Second, func() bool { return gotStatus == StatusCompleted })

	if gotN != 5 || string(buf[:gotN]) != "hello" {
		t.Fatalf("expected to read \"hello\", got %q", buf[:gotN])
	}
}

func TestWriteCompletesAndDeactivates(t *testing.T) {
	r := newTestReactor(t)

	a, b, err := NewSocketpair()
	if err != nil {
		t.Fatalf("NewSocketpair: %v", err)
	}
	defer unix.Close(b)

	ca, err := Open(a, r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var status Status
	var n int
	payload := []byte("payload")
	if err := ca.Write(payload, func(c *Comm, written int, st Status, err error) {
		n = written
		status = st
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	pumpUntil(t, r, 2*time.Second, func() bool { return status == StatusCompleted })

	if n != len(payload) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), n)
	}

	readBuf := make([]byte, 64)
	rn, err := unix.Read(b, readBuf)
	if err != nil {
		t.Fatalf("Read from peer: %v", err)
	}
	if string(readBuf[:rn]) != "payload" {
		t.Fatalf("peer received %q, want %q", readBuf[:rn], "payload")
	}
}

func TestReadPreconditionDoubleActive(t *testing.T) {
	r := newTestReactor(t)
	a, b, err := NewSocketpair()
	if err != nil {
		t.Fatalf("NewSocketpair: %v", err)
	}
	defer unix.Close(a)
	defer unix.Close(b)

	ca, err := Open(a, r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := make([]byte, 16)
	if err := ca.Read(buf, nil); err != nil {
		t.Fatalf("first Read: %v", err)
	}
	err = ca.Read(buf, nil)
	if !IsCode(err, CodeBadState) {
		t.Fatalf("expected CodeBadState on double Read, got %v", err)
	}
}

func TestReadEOF(t *testing.T) {
	r := newTestReactor(t)
	a, b, err := NewSocketpair()
	if err != nil {
		t.Fatalf("NewSocketpair: %v", err)
	}

	ca, err := Open(a, r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var status Status
	buf := make([]byte, 16)
	if err := ca.Read(buf, func(c *Comm, b []byte, n int, st Status, err error) {
		status = st
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}

	unix.Close(b) // peer hangup -> EOF

	pumpUntil(t, r, 2*time.Second, func() bool { return status == StatusEOF })
}

func TestCloseRejectsFurtherOps(t *testing.T) {
	r := newTestReactor(t)
	a, b, err := NewSocketpair()
	if err != nil {
		t.Fatalf("NewSocketpair: %v", err)
	}
	defer unix.Close(b)

	ca, err := Open(a, r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	closed := false
	if err := ca.Close(func(c *Comm) { closed = true }); err != nil {
		t.Fatalf("Close: %v", err)
	}

	pumpUntil(t, r, 2*time.Second, func() bool { return closed })

	buf := make([]byte, 16)
	err = ca.Read(buf, nil)
	if !IsCode(err, CodeClosing) {
		t.Fatalf("expected CodeClosing after Close, got %v", err)
	}
}

func TestFastFailConnectRefused(t *testing.T) {
	r := newTestReactor(t)

	// Bind a listener, close it immediately to guarantee ECONNREFUSED on
	// loopback for its port, exercising comm_cb_connect_start's
	// synchronous-error branch.
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	sa := &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(fd, sa); err != nil {
		t.Fatalf("bind: %v", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	port := bound.(*unix.SockaddrInet4).Port
	unix.Close(fd) // nothing listening now

	cfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	cc, err := Open(cfd, r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var status Status
	var gotCallback bool
	err = cc.Connect(&unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}},
		func(c *Comm, st Status, err error) {
			status = st
			gotCallback = true
		})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Either the callback already fired synchronously (typical for
	// ECONNREFUSED on loopback) or it resolves on the next readiness
	// edge; pump briefly either way.
	if !gotCallback {
		pumpUntil(t, r, 2*time.Second, func() bool { return gotCallback })
	}

	if status != StatusError {
		t.Fatalf("expected StatusError for refused connect, got %v", status)
	}
}
