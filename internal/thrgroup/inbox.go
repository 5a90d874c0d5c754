package thrgroup

import (
	"sync"

	"golang.org/x/sys/unix"
)

// HandoffConn is one accepted connection queued for a worker other
// than the one that called accept(2) on it.
type HandoffConn struct {
	Fd     int
	Sa     unix.Sockaddr
	FlowID uint32
}

// Inbox is the cross-thread accept handoff queue for one Worker.
// Grounded on srv.c's per-thread newfd_lock/newfd_list/
// thrsrv_newfd_enqueue: any thread that accepts a connection destined
// for a different worker appends it here instead of touching that
// worker's Reactor directly, and the owning worker drains it from its
// own thread on a self-rearming timer (thrsrv_run_deferred).
type Inbox struct {
	mu    sync.Mutex
	items []HandoffConn
}

// Push enqueues a handed-off connection. Safe to call from any thread.
func (b *Inbox) Push(c HandoffConn) {
	b.mu.Lock()
	b.items = append(b.items, c)
	b.mu.Unlock()
}

// Drain removes and returns everything currently queued. Intended to
// be called only from the owning worker's reactor thread.
func (b *Inbox) Drain() []HandoffConn {
	b.mu.Lock()
	if len(b.items) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.items
	b.items = nil
	b.mu.Unlock()
	return items
}
