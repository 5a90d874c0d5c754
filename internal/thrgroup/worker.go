package thrgroup

import (
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/erikarn/goiapp/internal/logging"
	"github.com/erikarn/goiapp/internal/rb"
	"github.com/erikarn/goiapp/internal/reactor"
)

// Worker is one thread in a Group: a goroutine pinned to an OS thread
// (and, optionally, a CPU) owning exactly one Reactor. Grounded on
// libiapp_thr/libiapp_thr_start from thr.c, generalized from "one
// pthread per struct libiapp_thr" to "one goroutine, LockOSThread'd,
// per Worker" — the closest Go analog to a dedicated kernel thread
// given ublk's own ioLoop does exactly this (internal/queue/runner.go).
type Worker struct {
	ID      int
	CPU     int // -1 means no affinity pinning
	Reactor *reactor.Reactor
	Inbox   *Inbox

	onAccept AcceptHandoffFunc
	logger   *logging.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	deferredEv *reactor.Event
}

// inboxDrainInterval mirrors thrsrv_run_deferred's "run 100ms in
// advance" re-arm cadence.
const inboxDrainInterval = 100 * time.Millisecond

// AcceptHandoffFunc is invoked on the owning worker's own thread for
// every connection handed to it, whether accepted locally or relayed
// through its Inbox.
type AcceptHandoffFunc func(w *Worker, fd int, sa unix.Sockaddr, flowID uint32)

func newWorker(id, cpu int, cfg reactor.Config, onAccept AcceptHandoffFunc, logger *logging.Logger) (*Worker, error) {
	backend, err := rb.NewBackend()
	if err != nil {
		return nil, err
	}
	w := &Worker{
		ID:       id,
		CPU:      cpu,
		Reactor:  reactor.New(backend, cfg),
		Inbox:    &Inbox{},
		onAccept: onAccept,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	return w, nil
}

// start launches the worker's run loop on its own pinned goroutine.
// Mirrors libiapp_thr_start's "while (t->active) fde_runloop(...)"
// shape, but arms a self-rearming timer (drainInbox) instead of relying on
// the outer loop to drain the inbox, since Reactor.Run already blocks
// inside RunOnce for up to Config.MaxWait.
func (w *Worker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(w.doneCh)

		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if w.CPU >= 0 {
			var mask unix.CPUSet
			mask.Set(w.CPU)
			if err := unix.SchedSetaffinity(0, &mask); err != nil && w.logger != nil {
				w.logger.Warnf("worker %d: SchedSetaffinity(cpu=%d): %v", w.ID, w.CPU, err)
			}
		}

		w.deferredEv = w.Reactor.CreateEvent(reactor.KindTimer, -1, false, w.drainInbox)
		if err := w.Reactor.ArmWithDeadline(w.deferredEv, time.Now().Add(inboxDrainInterval)); err != nil && w.logger != nil {
			w.logger.Errorf("worker %d: failed to arm inbox timer: %v", w.ID, err)
		}

		if w.logger != nil {
			w.logger.Debugf("worker %d: started (cpu=%d)", w.ID, w.CPU)
		}

		if err := w.Reactor.Run(w.stopCh); err != nil && w.logger != nil {
			w.logger.Errorf("worker %d: run loop exited: %v", w.ID, err)
		}
	}()
}

func (w *Worker) drainInbox(ev *reactor.Event) {
	for _, c := range w.Inbox.Drain() {
		if w.onAccept != nil {
			w.onAccept(w, c.Fd, c.Sa, c.FlowID)
		}
	}
	_ = w.Reactor.ArmWithDeadline(w.deferredEv, time.Now().Add(inboxDrainInterval))
}

// stop requests the worker's run loop to exit; it does not block.
func (w *Worker) stop() {
	close(w.stopCh)
}

// join blocks until the worker's goroutine has returned.
func (w *Worker) join() {
	<-w.doneCh
}
