// Package reactor implements the Reactor Context (RCTX) and Event Handle
// (EH) abstractions: a single-threaded event loop that multiplexes
// readiness-backed I/O, immediate (next-iteration) callbacks, and timers
// behind one RunOnce call, grounded on
// original_source/lib/libiapp/fde.c and the teacher's
// internal/queue/runner.go single-threaded-per-worker loop.
package reactor

import (
	"fmt"
	"sync"
	"time"

	"github.com/erikarn/goiapp/internal/logging"
	"github.com/erikarn/goiapp/internal/rb"
)

// Config configures a Reactor.
type Config struct {
	// MaxWait bounds how long a single RunOnce will block in the
	// backend's Wait call when nothing else is scheduled.
	MaxWait time.Duration
	Logger  *logging.Logger
}

// DefaultConfig returns sensible Reactor defaults.
func DefaultConfig() Config {
	return Config{MaxWait: 1 * time.Second}
}

// Reactor is the RCTX: one readiness backend, one immediate queue, one
// timer list, run from a single goroutine (the caller's — the reactor
// does not spawn its own goroutine; thrgroup.Worker owns that).
type Reactor struct {
	backend rb.Backend
	logger  *logging.Logger
	maxWait time.Duration

	mu sync.Mutex

	nextCookie uintptr
	byCookie   map[uintptr]*Event

	// immediateGeneration increments once per RunOnce call, before the
	// immediate drain; only Events with generation <= the value captured
	// at the START of drain fire this iteration.
	immediateGeneration uint64
	immHead              *Event
	immTail              *Event

	timers timerList

	// pending accumulates intents to submit to the backend on the next
	// RunOnce, so Arm/Disarm calls made from within a callback don't each
	// pay a separate syscall.
	pending []rb.Intent
}

// New creates a Reactor over the given Readiness Backend.
func New(backend rb.Backend, cfg Config) *Reactor {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultConfig().MaxWait
	}
	return &Reactor{
		backend: backend,
		logger:  cfg.Logger,
		maxWait: cfg.MaxWait,
		byCookie: make(map[uintptr]*Event),
	}
}

func (r *Reactor) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Debugf(format, args...)
	}
}

// CreateEvent allocates a new, initially-inactive Event of the given
// kind. READ/WRITE events need fd; IMMEDIATE and TIMER events ignore it
// (pass -1).
func (r *Reactor) CreateEvent(kind Kind, fd int, persistent bool, cb Callback) *Event {
	ev := &Event{kind: kind, fd: fd, persistent: persistent, cb: cb, r: r}
	if kind == KindRead || kind == KindWrite {
		r.mu.Lock()
		r.nextCookie++
		ev.cookie = r.nextCookie
		r.mu.Unlock()
	}
	return ev
}

// FreeEvent releases an Event. The Event must not be Active — callers
// must Disarm first (this mirrors comm.go's two-latch close protocol:
// cleanup never frees an Event that's still linked).
func (r *Reactor) FreeEvent(ev *Event) {
	if ev.active {
		panic("reactor: FreeEvent called on an active Event")
	}
	if ev.kind == KindRead || ev.kind == KindWrite {
		r.mu.Lock()
		delete(r.byCookie, ev.cookie)
		r.mu.Unlock()
	}
}

// Arm activates a READ, WRITE, or IMMEDIATE event. TIMER events must use
// ArmWithDeadline instead.
func (r *Reactor) Arm(ev *Event) error {
	if ev.kind == KindTimer {
		return fmt.Errorf("reactor: Arm called on a TIMER event, use ArmWithDeadline")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.active {
		return nil
	}

	switch ev.kind {
	case KindRead, KindWrite:
		filter := rb.FilterRead
		if ev.kind == KindWrite {
			filter = rb.FilterWrite
		}
		mode := rb.ModeOneshot
		if ev.persistent {
			mode = rb.ModePersistent
		}
		r.byCookie[ev.cookie] = ev
		r.pending = append(r.pending, rb.Intent{
			Fd: ev.fd, Filter: filter, Mode: mode, Op: rb.OpAdd, Cookie: ev.cookie,
		})
	case KindImmediate:
		ev.generation = r.immediateGeneration + 1
		r.pushImmediateLocked(ev)
	}

	ev.active = true
	return nil
}

// ArmWithDeadline activates a TIMER event to fire at deadline (or the
// next RunOnce after deadline has passed).
func (r *Reactor) ArmWithDeadline(ev *Event, deadline time.Time) error {
	if ev.kind != KindTimer {
		return fmt.Errorf("reactor: ArmWithDeadline called on a non-TIMER event")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.active {
		return nil
	}

	ev.deadline = deadline
	r.timers.insert(ev)
	ev.active = true
	return nil
}

// Disarm deactivates ev. Safe to call on an already-inactive Event
// (no-op).
func (r *Reactor) Disarm(ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !ev.active {
		return nil
	}

	switch ev.kind {
	case KindRead, KindWrite:
		filter := rb.FilterRead
		if ev.kind == KindWrite {
			filter = rb.FilterWrite
		}
		r.pending = append(r.pending, rb.Intent{
			Fd: ev.fd, Filter: filter, Op: rb.OpDelete, Cookie: ev.cookie,
		})
	case KindImmediate:
		r.removeImmediateLocked(ev)
	case KindTimer:
		r.timers.remove(ev)
	}

	ev.active = false
	return nil
}

func (r *Reactor) pushImmediateLocked(ev *Event) {
	ev.inImmediateQueue = true
	ev.immNext = nil
	if r.immTail == nil {
		r.immHead = ev
		r.immTail = ev
		return
	}
	r.immTail.immNext = ev
	r.immTail = ev
}

func (r *Reactor) removeImmediateLocked(ev *Event) {
	if !ev.inImmediateQueue {
		return
	}
	var prev *Event
	cur := r.immHead
	for cur != nil && cur != ev {
		prev = cur
		cur = cur.immNext
	}
	if cur == nil {
		return
	}
	if prev == nil {
		r.immHead = cur.immNext
	} else {
		prev.immNext = cur.immNext
	}
	if r.immTail == cur {
		r.immTail = prev
	}
	ev.immNext = nil
	ev.inImmediateQueue = false
}

// RunOnce executes exactly one reactor iteration:
//
//  1. Drain immediates scheduled with generation <= the generation
//     captured right now (an immediate armed from inside a callback this
//     iteration is deferred to the next).
//  2. Drain due timers, in ascending-deadline (list) order.
//  3. Compute wait_for: 0 if step 1 ran any immediate or step 2 fired
//     any timer, else maxWait bounded by the earliest remaining timer
//     deadline.
//  4. Submit pending intents and block in the backend for wait_for.
//  5. Dispatch ready events: skip any whose Event has gone inactive
//     since being scheduled; one-shot events auto-deactivate before
//     their callback runs.
func (r *Reactor) RunOnce() error {
	scheduledMore := r.drainImmediates()

	now := time.Now()
	due := r.popDueTimers(now)
	for _, ev := range due {
		ev.active = false
		if ev.cb != nil {
			ev.cb(ev)
		}
	}
	if len(due) > 0 {
		scheduledMore = true
	}

	wait := r.computeWait(scheduledMore, now)

	r.mu.Lock()
	intents := r.pending
	r.pending = nil
	r.mu.Unlock()

	if err := r.backend.Submit(intents); err != nil {
		return fmt.Errorf("reactor: submit: %w", err)
	}

	events, err := r.backend.Wait(wait)
	if err != nil {
		return fmt.Errorf("reactor: wait: %w", err)
	}

	for _, re := range events {
		r.mu.Lock()
		ev, ok := r.byCookie[re.Cookie]
		r.mu.Unlock()
		if !ok || !ev.active {
			continue
		}
		if !ev.persistent {
			r.Disarm(ev)
		}
		if ev.cb != nil {
			ev.cb(ev)
		}
	}

	return nil
}

// drainImmediates fires every immediate whose generation is <= the
// generation captured at the start of this call, and returns whether it
// ran at least one. RunOnce uses that result to make wait_for zero, so an
// immediate armed by one of these callbacks (deferred to the next
// iteration by the generation rule) runs without waiting out maxWait.
func (r *Reactor) drainImmediates() bool {
	r.mu.Lock()
	gen := r.immediateGeneration + 1
	r.immediateGeneration = gen
	r.mu.Unlock()

	ran := false
	for {
		r.mu.Lock()
		ev := r.immHead
		if ev == nil || ev.generation > gen {
			r.mu.Unlock()
			break
		}
		r.removeImmediateLocked(ev)
		ev.active = false
		r.mu.Unlock()

		ran = true
		if ev.cb != nil {
			ev.cb(ev)
		}
	}
	return ran
}

func (r *Reactor) popDueTimers(now time.Time) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timers.popDue(now)
}

func (r *Reactor) computeWait(scheduledMore bool, now time.Time) time.Duration {
	if scheduledMore {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Nothing ran in steps 1-2, so only the timer list bounds the wait.
	deadline, ok := r.timers.earliestDeadline()
	if !ok {
		return r.maxWait
	}
	until := deadline.Sub(now)
	if until < 0 {
		return 0
	}
	if until > r.maxWait {
		return r.maxWait
	}
	return until
}

// Run repeatedly calls RunOnce until stop is closed or RunOnce returns
// an error.
func (r *Reactor) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := r.RunOnce(); err != nil {
			return err
		}
	}
}

// Close releases the underlying Readiness Backend.
func (r *Reactor) Close() error {
	return r.backend.Close()
}
