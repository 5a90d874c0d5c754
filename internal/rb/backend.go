// Package rb provides the Readiness Backend: a single interface over the
// host kernel's readiness-notification facility (kqueue on BSD/Darwin,
// epoll on Linux). A reactor submits a batch of register/unregister
// intents and then blocks, with a bounded timeout, for a batch of ready
// events. Backend implementations never block longer than the
// caller-supplied timeout. The epoll backend discards, without an error,
// intents whose descriptor is already closed or unknown to the kernel;
// any other registration failure is returned from Submit.
package rb

import (
	"errors"
	"time"
)

// ErrClosed is returned by Submit/Wait once the backend has been closed.
var ErrClosed = errors.New("rb: backend closed")

// Filter selects which readiness condition an Intent registers for.
type Filter int

const (
	// FilterRead fires when the descriptor has data available to read,
	// a listening socket has a connection to accept, or the peer has
	// performed an orderly shutdown (EOF).
	FilterRead Filter = iota
	// FilterWrite fires when the descriptor has buffer space to write
	// into, or (for a connecting socket) the connect attempt resolved.
	FilterWrite
)

// Mode controls one-shot vs persistent (level/edge) re-arming semantics.
type Mode int

const (
	// ModeOneshot: the backend auto-disables the filter after it fires
	// once; the caller must re-submit to see it again.
	ModeOneshot Mode = iota
	// ModePersistent: the filter stays armed (edge-triggered where the
	// backend supports it) until explicitly unregistered.
	ModePersistent
)

// Op distinguishes registering a new interest from removing one.
type Op int

const (
	OpAdd Op = iota
	OpDelete
)

// Intent describes one register/unregister request for a single
// (Fd, Filter) pair. Cookie is opaque to the backend and is echoed back
// unchanged on the corresponding ReadyEvent so the reactor can map a
// ready event back to its owning Event Handle without a second lookup.
type Intent struct {
	Fd     int
	Filter Filter
	Mode   Mode
	Op     Op
	Cookie uintptr
}

// ReadyEvent reports that Fd became ready for Filter. EOF is set when the
// backend observed the peer half-close (read side only). Err carries a
// socket-level error observed at notification time (e.g. via SO_ERROR),
// if the backend surfaces one directly.
type ReadyEvent struct {
	Fd     int
	Filter Filter
	Cookie uintptr
	EOF    bool
	Err    error
}

// Backend is the host-specific readiness notification facility.
// Implementations: rb_kqueue.go (BSD/Darwin), rb_epoll.go (Linux).
type Backend interface {
	// Submit applies a batch of register/unregister intents. Submit may
	// be called with a nil or empty slice purely to flush previously
	// batched state, though no implementation currently batches across
	// calls.
	Submit(intents []Intent) error

	// Wait blocks for ready events, up to timeout. A negative timeout
	// blocks indefinitely; a zero timeout polls without blocking.
	// Returns a possibly-empty slice on timeout expiry (not an error).
	Wait(timeout time.Duration) ([]ReadyEvent, error)

	// Close releases the underlying kernel object. Subsequent Submit/Wait
	// calls return ErrClosed.
	Close() error
}
