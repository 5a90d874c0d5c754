// Package thrgroup implements a group of reactor-owning worker
// threads with cross-thread accept handoff, generalizing
// original_source/lib/libiapp/thr.c's libiapp_thr_group (a bare
// pthread pool) to the srv.c demo server's actual steering behavior:
// accept on whichever worker's listener fired, read the connection's
// flow identifier, and hand it to its home worker if that's a
// different one.
package thrgroup

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/erikarn/goiapp/internal/logging"
	"github.com/erikarn/goiapp/internal/reactor"
)

// Group owns a fixed set of Workers and the shared listener(s) they
// accept connections from.
type Group struct {
	workers []*Worker
	logger  *logging.Logger

	mu        sync.Mutex
	listeners []int
	started   bool
	wg        sync.WaitGroup
}

// Config configures a Group at creation time.
type Config struct {
	// NumWorkers is the number of worker threads (struct
	// libiapp_thr_group's worker_threads.n_threads).
	NumWorkers int

	// CPUAffinity optionally pins worker i to CPUAffinity[i %
	// len(CPUAffinity)]; nil disables pinning.
	CPUAffinity []int

	// ReactorConfig is passed through to every worker's Reactor.
	ReactorConfig reactor.Config

	// OnAccept is invoked on the owning worker's thread for every
	// connection, whether accepted on that worker's own listener or
	// relayed from another worker via Inbox.
	OnAccept AcceptHandoffFunc

	// Logger is attached to every worker (nilable).
	Logger *logging.Logger
}

// New builds a Group's workers but does not start them or bind any
// listener. Mirrors libiapp_thr_group_create's pre-allocation of
// n_threads worker structs ahead of libiapp_thr_group_start.
func New(cfg Config) (*Group, error) {
	if cfg.NumWorkers <= 0 {
		return nil, fmt.Errorf("thrgroup: NumWorkers must be > 0")
	}
	g := &Group{logger: cfg.Logger}
	for i := 0; i < cfg.NumWorkers; i++ {
		cpu := -1
		if len(cfg.CPUAffinity) > 0 {
			cpu = cfg.CPUAffinity[i%len(cfg.CPUAffinity)]
		}
		w, err := newWorker(i, cpu, cfg.ReactorConfig, cfg.OnAccept, cfg.Logger)
		if err != nil {
			for _, started := range g.workers {
				_ = started.Reactor.Close()
			}
			return nil, fmt.Errorf("thrgroup: creating worker %d: %w", i, err)
		}
		g.workers = append(g.workers, w)
	}
	return g, nil
}

// NumWorkers returns the worker count the Group was built with.
func (g *Group) NumWorkers() int { return len(g.workers) }

// Worker returns worker i, or nil if out of range.
func (g *Group) Worker(i int) *Worker {
	if i < 0 || i >= len(g.workers) {
		return nil
	}
	return g.workers[i]
}

// Start launches every worker's run loop. Mirrors
// libiapp_thr_group_start's per-thread pthread_create loop.
func (g *Group) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return fmt.Errorf("thrgroup: already started")
	}
	for _, w := range g.workers {
		w.start(&g.wg)
	}
	g.started = true
	return nil
}

// Stop signals every worker to exit its run loop without blocking for
// them to finish; call Join afterward. Mirrors
// libiapp_thr_group_stop's "t->active = false" loop.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.workers {
		w.stop()
	}
}

// Join blocks until every worker has exited. Mirrors
// libiapp_thr_group_join's pthread_join loop.
func (g *Group) Join() {
	for _, w := range g.workers {
		w.join()
	}
}

// Close tears down every worker's Reactor (and its readiness
// backend). Call only after Stop+Join.
func (g *Group) Close() error {
	var firstErr error
	for _, w := range g.workers {
		if err := w.Reactor.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispatch hands an already-accepted connection to its home worker,
// computed from newFd's flow identifier (see FlowID/WorkerForFlow).
// If the flow carries no steering hint, or its home worker is
// acceptedOnWorker itself, Dispatch calls OnAccept inline on the
// caller's thread (which must be acceptedOnWorker's own thread);
// otherwise it queues the connection on the home worker's Inbox for
// handoff. Grounded on srv.c's thrsrv_acceptfd: getsockopt(IP_FLOWID)
// then either thrsrv_finish_setup locally or
// thrsrv_newfd_enqueue onto the target thread.
func (g *Group) Dispatch(acceptedOnWorker int, newFd int, sa unix.Sockaddr) {
	flowID := FlowID(newFd)
	home := WorkerForFlow(flowID, len(g.workers))

	if home == -1 || home == acceptedOnWorker {
		w := g.Worker(acceptedOnWorker)
		if w != nil && w.onAccept != nil {
			w.onAccept(w, newFd, sa, flowID)
		}
		return
	}

	target := g.Worker(home)
	if target == nil {
		w := g.Worker(acceptedOnWorker)
		if w != nil && w.onAccept != nil {
			w.onAccept(w, newFd, sa, flowID)
		}
		return
	}
	if g.logger != nil {
		g.logger.Debugf("thrgroup: handing fd=%d off worker %d -> %d (flowid=0x%x)",
			newFd, acceptedOnWorker, home, flowID)
	}
	target.Inbox.Push(HandoffConn{Fd: newFd, Sa: sa, FlowID: flowID})
}

// DispatchLocal calls OnAccept directly for the worker that accepted
// newFd, skipping flow-id steering entirely. Mirrors srv.c's
// do_fd_affinity==0 branch in thrsrv_acceptfd, which always calls
// thrsrv_finish_setup on the accepting thread.
func (g *Group) DispatchLocal(acceptedOnWorker int, newFd int, sa unix.Sockaddr) {
	w := g.Worker(acceptedOnWorker)
	if w != nil && w.onAccept != nil {
		w.onAccept(w, newFd, sa, 0)
	}
}
