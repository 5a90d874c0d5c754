// Package iapp implements the Comm Object (COMM): a non-blocking socket
// state machine built on top of internal/reactor, grounded on
// original_source/lib/libiapp/comm.c and comm.h.
package iapp

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/erikarn/goiapp/internal/logging"
	"github.com/erikarn/goiapp/internal/netbuf"
	"github.com/erikarn/goiapp/internal/reactor"
)

// Status is the callback outcome taxonomy from the spec's error model:
// a precondition violation never reaches a callback (it's a synchronous
// non-zero return from the operation call instead); everything else
// flows through one of these.
type Status int

const (
	// StatusCompleted: the operation did what it was asked (read some
	// bytes, wrote some bytes, accepted a connection, connected).
	StatusCompleted Status = iota
	// StatusEOF: the peer performed an orderly shutdown; produced only by
	// Read.
	StatusEOF
	// StatusError: a genuine I/O failure (see the accompanying error for
	// the errno).
	StatusError
	// StatusClosing: the comm was closed before this operation could
	// complete; any buffer ownership transferred to the call is returned
	// to the caller via this callback, same as a normal completion.
	StatusClosing
	// StatusAborted: reserved for operations discarded by a forced
	// teardown path that never gets to run (process exit mid-flight);
	// not produced by any path in this implementation, but present in
	// the enum so switch statements over Status stay exhaustive.
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusEOF:
		return "eof"
	case StatusError:
		return "error"
	case StatusClosing:
		return "closing"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ReadCallback reports the outcome of a Read.
type ReadCallback func(c *Comm, buf []byte, n int, status Status, err error)

// WriteCallback reports the outcome of a Write.
type WriteCallback func(c *Comm, n int, status Status, err error)

// AcceptCallback reports one accepted connection, or the listener's
// teardown via StatusClosing.
type AcceptCallback func(c *Comm, newFd int, sa unix.Sockaddr, status Status, err error)

// ConnectCallback reports the outcome of a Connect.
type ConnectCallback func(c *Comm, status Status, err error)

// CloseCallback fires exactly once, when cleanup completes.
type CloseCallback func(c *Comm)

// Comm is the Comm Object: one non-blocking socket plus the reactor
// Event Handles needed to drive read/write/accept/connect on it. Read,
// Write, UDPRead and UDPWrite use the two-stage dispatch pattern (accept
// and connect act directly in their readiness callbacks): a persistent
// readiness Event only flips a ready bit and, if the operation is
// active, arms a one-shot immediate Event to perform the actual
// syscall — this decouples "the kernel edge fired" from "the owner
// still wants to act", which matters because Close can run in between.
type Comm struct {
	fd int
	r  *reactor.Reactor

	mu sync.Mutex

	logger  *logging.Logger
	metrics *Metrics

	keepDescriptor bool

	// Read substate.
	readEv     *reactor.Event // persistent readiness
	readImm    *reactor.Event // one-shot immediate doing the actual Read syscall
	readActive bool
	readReady  bool
	readBuf    []byte
	readCB     ReadCallback

	// Write substate.
	writeEv     *reactor.Event
	writeImm    *reactor.Event
	writeActive bool
	writeReady  bool
	writeBuf    []byte
	writeOff    int
	writeCB     WriteCallback

	// Accept substate (mutually exclusive with read/udp-read).
	acceptEv     *reactor.Event
	acceptActive bool
	acceptCB     AcceptCallback

	// Connect substate (mutually exclusive with write/udp-write).
	connectEv     *reactor.Event
	connectActive bool
	connectCB     ConnectCallback

	// UDP substates, see udp.go.
	udpReadEv      *reactor.Event
	udpReadImm     *reactor.Event
	udpReadActive  bool
	udpReadReady   bool
	udpReadCB      UDPReadCallback
	udpReadMaxLen  int
	udpPool        *netbuf.Pool

	udpWriteEv     *reactor.Event
	udpWriteImm    *reactor.Event
	udpWriteActive bool
	udpWriteReady  bool
	udpPrimed      bool
	udpQueue       []*udpQueuedFrame
	udpMaxQlen     int

	// Two-latch teardown: isClosing is set the instant Close is called
	// (further operations become synchronous CodeClosing failures);
	// isCleanup guards the dedicated cleanup immediate so it is armed
	// exactly once no matter how many in-flight events are still live
	// when Close runs.
	isClosing bool
	isCleanup bool
	cleanupEv *reactor.Event
	closeCB   CloseCallback
}

// Option configures a Comm at Open time.
type Option func(*Comm)

// WithLogger attaches a logger (nilable).
func WithLogger(l *logging.Logger) Option {
	return func(c *Comm) { c.logger = l }
}

// WithMetrics attaches a Metrics sink (nilable).
func WithMetrics(m *Metrics) Option {
	return func(c *Comm) { c.metrics = m }
}

// WithUDPBufferPool supplies the netbuf.Pool used to allocate UDP receive
// frames (SUPPLEMENTED FEATURE: UDP frame pooling via SMP).
func WithUDPBufferPool(p *netbuf.Pool) Option {
	return func(c *Comm) { c.udpPool = p }
}

// Open wraps an already-created socket fd in a Comm, setting it
// non-blocking. The caller retains ownership of fd until Close runs
// (MarkKeepDescriptor prevents Close's cleanup from closing it at all).
func Open(fd int, r *reactor.Reactor, opts ...Option) (*Comm, error) {
	if err := SetNonblocking(fd); err != nil {
		return nil, WrapError("OPEN", err)
	}

	c := &Comm{fd: fd, r: r, udpMaxQlen: DefaultMaxUDPQueueLen}
	for _, opt := range opts {
		opt(c)
	}

	if c.metrics != nil {
		c.metrics.RecordOpen()
	}
	return c, nil
}

// SetNonblocking sets O_NONBLOCK on fd.
func SetNonblocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// MarkKeepDescriptor marks the underlying fd as owned by the caller: the
// close cleanup path will not call unix.Close on it.
func (c *Comm) MarkKeepDescriptor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepDescriptor = true
}

// Fd returns the underlying file descriptor.
func (c *Comm) Fd() int { return c.fd }

func (c *Comm) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Debugf(format, args...)
	}
}

// Read arms a read. Precondition: not closing, read not already active,
// and accept/connect are not active on this Comm (read and accept share
// the read-readiness filter; a Comm is either a listener or a data
// socket, never both at once).
func (c *Comm) Read(buf []byte, cb ReadCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosing {
		return NewFdError("READ", c.fd, CodeClosing, "comm is closing")
	}
	if c.readActive {
		return NewFdError("READ", c.fd, CodeBadState, "read already active")
	}
	if c.acceptActive || c.connectActive {
		return NewFdError("READ", c.fd, CodeBadState, "accept/connect active on this comm")
	}

	c.readBuf = buf
	c.readCB = cb
	c.readActive = true

	if c.readEv == nil {
		c.readEv = c.r.CreateEvent(reactor.KindRead, c.fd, true, c.onReadReady)
	}
	if c.readImm == nil {
		c.readImm = c.r.CreateEvent(reactor.KindImmediate, -1, false, c.doRead)
	}

	// The readiness EH stays armed across an entire Read/Read/Read...
	// sequence (Arm is idempotent), so only the first Read in a
	// sequence actually registers it with the backend. If readiness
	// already fired while no Read was active (it's edge-triggered, so
	// no further edge is coming), dispatch the immediate directly
	// instead of waiting for one.
	if err := c.r.Arm(c.readEv); err != nil {
		c.readActive = false
		return err
	}
	if c.readReady && !c.readImm.Active() {
		_ = c.r.Arm(c.readImm)
	}
	return nil
}

// onReadReady is the readiness-stage callback: it only records that the
// kernel says data is available and, if a Read is still active, arms the
// immediate that performs the actual syscall next iteration.
func (c *Comm) onReadReady(ev *reactor.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readReady = true
	if c.readActive && !c.readImm.Active() {
		_ = c.r.Arm(c.readImm)
	}
}

// doRead is the immediate-stage callback: it performs the actual
// non-blocking read and invokes the caller's ReadCallback.
func (c *Comm) doRead(ev *reactor.Event) {
	c.mu.Lock()
	if !c.readActive {
		c.mu.Unlock()
		return
	}
	if c.isClosing {
		cb, buf := c.readCB, c.readBuf
		c.readActive = false
		c.mu.Unlock()
		if cb != nil {
			cb(c, buf, 0, StatusClosing, nil)
		}
		c.maybeScheduleCleanup()
		return
	}
	buf := c.readBuf
	cb := c.readCB
	c.mu.Unlock()

	n, err := unix.Read(c.fd, buf)

	if err == unix.EAGAIN || err == unix.EINTR {
		// Transient: the readiness edge lied (or we raced another
		// reader); wait for the next real readiness edge.
		return
	}

	c.mu.Lock()
	c.readActive = false
	c.mu.Unlock()

	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordRead(0, 0, false)
		}
		if cb != nil {
			cb(c, buf, 0, StatusError, WrapError("READ", err))
		}
		return
	}
	if n == 0 {
		if cb != nil {
			cb(c, buf, 0, StatusEOF, nil)
		}
		return
	}
	if c.metrics != nil {
		c.metrics.RecordRead(uint64(n), 0, true)
	}
	if cb != nil {
		cb(c, buf, n, StatusCompleted, nil)
	}
}

// Write arms a write of buf. Precondition: not closing, write not
// already active, connect is not active (write and connect share the
// write-readiness filter).
func (c *Comm) Write(buf []byte, cb WriteCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosing {
		return NewFdError("WRITE", c.fd, CodeClosing, "comm is closing")
	}
	if c.writeActive {
		return NewFdError("WRITE", c.fd, CodeBadState, "write already active")
	}
	if c.connectActive {
		return NewFdError("WRITE", c.fd, CodeBadState, "connect active on this comm")
	}

	c.writeBuf = buf
	c.writeOff = 0
	c.writeCB = cb
	c.writeActive = true

	if c.writeEv == nil {
		c.writeEv = c.r.CreateEvent(reactor.KindWrite, c.fd, true, c.onWriteReady)
	}
	if c.writeImm == nil {
		c.writeImm = c.r.CreateEvent(reactor.KindImmediate, -1, false, c.doWrite)
	}

	// Same reasoning as Read: the readiness EH stays armed across a
	// Write/Write/Write... sequence, and a readiness edge that arrived
	// while no Write was active needs dispatching directly since
	// edge-triggered readiness won't fire again on its own.
	if err := c.r.Arm(c.writeEv); err != nil {
		c.writeActive = false
		return err
	}
	if c.writeReady && !c.writeImm.Active() {
		_ = c.r.Arm(c.writeImm)
	}
	return nil
}

func (c *Comm) onWriteReady(ev *reactor.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeReady = true
	if c.writeActive && !c.writeImm.Active() {
		_ = c.r.Arm(c.writeImm)
	}
}

func (c *Comm) doWrite(ev *reactor.Event) {
	c.mu.Lock()
	if !c.writeActive {
		c.mu.Unlock()
		return
	}
	if c.isClosing {
		cb := c.writeCB
		written := c.writeOff
		c.writeActive = false
		c.mu.Unlock()
		if cb != nil {
			cb(c, written, StatusClosing, nil)
		}
		c.maybeScheduleCleanup()
		return
	}
	buf := c.writeBuf
	off := c.writeOff
	cb := c.writeCB
	c.mu.Unlock()

	n, err := unix.Write(c.fd, buf[off:])

	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil {
		c.mu.Lock()
		c.writeActive = false
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordWrite(0, 0, false)
		}
		if cb != nil {
			cb(c, off, StatusError, WrapError("WRITE", err))
		}
		return
	}

	newOff := off + n
	if newOff < len(buf) {
		// Short write: the kernel accepted fewer bytes than offered but
		// is still readiness-armed (persistent, edge-triggered) for next
		// time, so we just record progress and wait for the next real
		// edge — we do NOT re-arm an immediate here, since doing so
		// without a fresh readiness edge could busy-loop against a full
		// socket buffer.
		c.mu.Lock()
		c.writeOff = newOff
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordWrite(uint64(n), 0, true)
		}
		return
	}

	c.mu.Lock()
	c.writeActive = false
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordWrite(uint64(n), 0, true)
	}
	if cb != nil {
		cb(c, newOff, StatusCompleted, nil)
	}
}

// Listen arms an accepting listener on this Comm's fd (already bound and
// listen(2)'d by the caller — Listen only wires up the reactor side).
// Precondition: read and UDP read are not active (they share the read
// filter).
func (c *Comm) Listen(cb AcceptCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosing {
		return NewFdError("LISTEN", c.fd, CodeClosing, "comm is closing")
	}
	if c.readActive || c.udpReadActive {
		return NewFdError("LISTEN", c.fd, CodeBadState, "read active on this comm")
	}
	if c.acceptActive {
		return NewFdError("LISTEN", c.fd, CodeBadState, "accept already active")
	}

	c.acceptCB = cb
	c.acceptActive = true

	if c.acceptEv == nil {
		c.acceptEv = c.r.CreateEvent(reactor.KindRead, c.fd, true, c.onAcceptReady)
	}
	return c.r.Arm(c.acceptEv)
}

// onAcceptReady runs directly on the readiness edge (accept has no
// short-read analog, so there's no need for the two-stage split here —
// accept4 is always attempted immediately, matching
// comm_cb_accept in comm.c).
func (c *Comm) onAcceptReady(ev *reactor.Event) {
	c.mu.Lock()
	if !c.acceptActive {
		c.mu.Unlock()
		return
	}
	if c.isClosing {
		cb := c.acceptCB
		c.acceptActive = false
		c.mu.Unlock()
		if cb != nil {
			cb(c, -1, nil, StatusClosing, nil)
		}
		c.maybeScheduleCleanup()
		return
	}
	cb := c.acceptCB
	c.mu.Unlock()

	for {
		nfd, sa, err := unix.Accept4(c.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EINTR {
				continue
			}
			if cb != nil {
				cb(c, -1, nil, StatusError, WrapError("ACCEPT", err))
			}
			return
		}
		if cb != nil {
			cb(c, nfd, sa, StatusCompleted, nil)
		}
		// Level-style drain: keep accepting until EAGAIN so a burst of
		// simultaneous connections doesn't wait for additional edges.
	}
}

// Connect issues a non-blocking connect(2) and arms write-readiness to
// learn the outcome, except when connect(2) itself returns a hard
// synchronous error (e.g. ECONNREFUSED to a closed port) — that's
// reported through the callback immediately without ever touching the
// reactor, grounded on comm_cb_connect_start's synchronous-error branch
// (SUPPLEMENTED FEATURE: fast-fail connect path).
func (c *Comm) Connect(sa unix.Sockaddr, cb ConnectCallback) error {
	c.mu.Lock()
	if c.isClosing {
		c.mu.Unlock()
		return NewFdError("CONNECT", c.fd, CodeClosing, "comm is closing")
	}
	if c.connectActive || c.writeActive || c.udpWriteActive {
		c.mu.Unlock()
		return NewFdError("CONNECT", c.fd, CodeBadState, "write/connect already active")
	}
	c.mu.Unlock()

	err := unix.Connect(c.fd, sa)
	if err == nil {
		// Rare: connect completed synchronously (e.g. loopback, already
		// readable listen backlog).
		if cb != nil {
			cb(c, StatusCompleted, nil)
		}
		return nil
	}
	if err != unix.EINPROGRESS {
		// Fast-fail path: report through the callback, synchronously,
		// without ever arming write-readiness.
		if cb != nil {
			cb(c, StatusError, WrapError("CONNECT", err))
		}
		return nil
	}

	c.mu.Lock()
	c.connectCB = cb
	c.connectActive = true
	if c.connectEv == nil {
		c.connectEv = c.r.CreateEvent(reactor.KindWrite, c.fd, false, c.onConnectReady)
	}
	c.mu.Unlock()

	return c.r.Arm(c.connectEv)
}

func (c *Comm) onConnectReady(ev *reactor.Event) {
	c.mu.Lock()
	if !c.connectActive {
		c.mu.Unlock()
		return
	}
	cb := c.connectCB
	c.connectActive = false
	closing := c.isClosing
	c.mu.Unlock()

	if closing {
		if cb != nil {
			cb(c, StatusClosing, nil)
		}
		c.maybeScheduleCleanup()
		return
	}

	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		if cb != nil {
			cb(c, StatusError, WrapError("CONNECT", err))
		}
		return
	}
	if errno != 0 {
		if cb != nil {
			cb(c, StatusError, WrapError("CONNECT", unix.Errno(errno)))
		}
		return
	}
	if cb != nil {
		cb(c, StatusCompleted, nil)
	}
}

// Close begins the two-latch teardown protocol: isClosing is set
// immediately so every further operation fails synchronously with
// CodeClosing, and in-flight events are allowed to observe isClosing and
// report StatusClosing through their own callbacks (returning any buffer
// ownership) rather than being torn down from inside a readiness
// callback. Once every active event has settled, the dedicated cleanup
// immediate runs exactly once to release the fd and Event Handles.
func (c *Comm) Close(cb CloseCallback) error {
	c.mu.Lock()
	if c.isClosing {
		c.mu.Unlock()
		return NewFdError("CLOSE", c.fd, CodeClosing, "already closing")
	}
	c.isClosing = true
	c.closeCB = cb
	c.mu.Unlock()

	c.maybeScheduleCleanup()
	return nil
}

// maybeScheduleCleanup arms the cleanup immediate exactly once, and only
// once nothing is left active — never frees anything inline from inside
// a readiness callback.
func (c *Comm) maybeScheduleCleanup() {
	c.mu.Lock()
	if !c.isClosing || c.isCleanup {
		c.mu.Unlock()
		return
	}
	if c.readActive || c.writeActive || c.acceptActive || c.connectActive ||
		c.udpReadActive || c.udpWriteActive {
		c.mu.Unlock()
		return
	}
	c.isCleanup = true
	if c.cleanupEv == nil {
		c.cleanupEv = c.r.CreateEvent(reactor.KindImmediate, -1, false, c.doCleanup)
	}
	ev := c.cleanupEv
	c.mu.Unlock()

	_ = c.r.Arm(ev)
}

func (c *Comm) doCleanup(ev *reactor.Event) {
	c.mu.Lock()
	for _, e := range []*reactor.Event{
		c.readEv, c.readImm, c.writeEv, c.writeImm,
		c.acceptEv, c.connectEv, c.udpReadEv, c.udpReadImm,
		c.udpWriteEv, c.udpWriteImm,
	} {
		if e != nil && e.Active() {
			_ = c.r.Disarm(e)
		}
	}
	for _, e := range []*reactor.Event{
		c.readEv, c.readImm, c.writeEv, c.writeImm,
		c.acceptEv, c.connectEv, c.udpReadEv, c.udpReadImm,
		c.udpWriteEv, c.udpWriteImm,
	} {
		if e != nil {
			c.r.FreeEvent(e)
		}
	}
	keep := c.keepDescriptor
	fd := c.fd
	cb := c.closeCB
	queued := c.udpQueue
	c.udpQueue = nil
	c.mu.Unlock()

	for _, qf := range queued {
		if qf.cb != nil {
			qf.cb(c, qf.frame, StatusClosing, nil)
		}
	}

	if !keep {
		_ = unix.Close(fd)
	}

	if c.metrics != nil {
		c.metrics.RecordClose()
	}

	if cb != nil {
		cb(c)
	}
}
