package reactor

import "time"

// Kind is the sum-type discriminant for an Event Handle: it determines
// which of the reactor's four dispatch paths (readiness-read,
// readiness-write, immediate, timer) owns this handle.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
	KindImmediate
	KindTimer
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindImmediate:
		return "immediate"
	case KindTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Callback is invoked by the reactor when an Event fires. It receives
// only the Event: readiness alone doesn't imply success or failure (the
// owner still has to attempt the syscall), so comm.go's two-stage
// read/write dispatch keeps its own outcome type and the reactor needs
// to know nothing about sockets.
type Callback func(ev *Event)

// Event is the reactor's Event Handle (EH): one persistent-or-one-shot
// registration of interest in a readiness condition, an immediate
// (next-loop-iteration) callback, or a timer deadline.
//
// Event Handle active-iff-linked invariant: Active is true exactly when
// the Event is currently registered with the backend (READ/WRITE),
// linked into the immediate queue (IMMEDIATE), or linked into the timer
// list (TIMER). FreeEvent panics if called while Active — callers must
// Disarm first.
type Event struct {
	kind       Kind
	persistent bool
	active     bool
	fd         int
	cb         Callback
	r          *Reactor

	// Immediate scheduling: generation captured at Arm time. Only
	// immediates with generation <= the generation captured at the start
	// of the current RunOnce drain are fired this iteration, so an
	// immediate that re-arms itself from inside its own callback runs on
	// the NEXT iteration, never the current one.
	generation uint64

	// Timer scheduling: absolute deadline, and intrusive doubly-linked
	// list membership in the reactor's insertion-sorted timer list.
	deadline   time.Time
	timerPrev  *Event
	timerNext  *Event
	inTimerList bool

	// Immediate queue intrusive membership.
	immNext *Event
	inImmediateQueue bool

	// cookie is this Event's identity as seen by the rb.Backend — it's
	// what comes back on a ReadyEvent so Dispatch can find the Event
	// without a map lookup keyed by fd+filter.
	cookie uintptr
}

// Kind returns the Event's kind.
func (e *Event) Kind() Kind { return e.kind }

// Fd returns the file descriptor this Event watches (READ/WRITE only).
func (e *Event) Fd() int { return e.fd }

// Active reports whether the Event is currently armed.
func (e *Event) Active() bool { return e.active }

// Deadline returns the Event's current timer deadline (TIMER only).
func (e *Event) Deadline() time.Time { return e.deadline }
