package iapp

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/erikarn/goiapp/internal/netbuf"
	"github.com/erikarn/goiapp/internal/reactor"
)

// UDPFrame pairs a Network Buffer with the sockaddrs a UDP datagram
// needs: Remote is the peer a datagram was read from or is addressed
// to. UDPRead fills only Remote; Local is left nil on received frames
// (the address a datagram arrived on is not reported). Ownership of Buf transfers to the Comm on
// UDPWrite and is handed back to the caller via the write callback
// regardless of whether the send succeeded, matching comm.c's
// fde_comm_udp_alloc/fde_comm_udp_free pairing.
type UDPFrame struct {
	Buf    *netbuf.Buffer
	Local  unix.Sockaddr
	Remote unix.Sockaddr
}

// UDPReadCallback reports one received datagram, or comm teardown.
type UDPReadCallback func(c *Comm, frame *UDPFrame, n int, status Status, err error)

// UDPWriteCallback reports the outcome of one previously-queued
// UDPWrite, with the frame handed back for the caller to free or reuse.
type UDPWriteCallback func(c *Comm, frame *UDPFrame, status Status, err error)

type udpQueuedFrame struct {
	frame *UDPFrame
	cb    UDPWriteCallback
}

// UDPRead arms a persistent recvfrom loop on this Comm's (UDP) fd,
// bounding each received frame to maxFrameLen bytes (zero or negative
// falls back to DefaultIOSize). Precondition: not closing, UDP read
// not already active, and read/accept/connect are not active (they
// all contend the same read-readiness filter on one fd).
func (c *Comm) UDPRead(maxFrameLen int, cb UDPReadCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosing {
		return NewFdError("UDP_READ", c.fd, CodeClosing, "comm is closing")
	}
	if c.udpReadActive {
		return NewFdError("UDP_READ", c.fd, CodeBadState, "udp read already active")
	}
	if c.readActive || c.acceptActive || c.connectActive {
		return NewFdError("UDP_READ", c.fd, CodeBadState, "read/accept/connect active on this comm")
	}
	if c.udpPool == nil {
		return NewFdError("UDP_READ", c.fd, CodeBadState, "no buffer pool configured")
	}

	if maxFrameLen <= 0 {
		maxFrameLen = DefaultIOSize
	}
	c.udpReadCB = cb
	c.udpReadMaxLen = maxFrameLen
	c.udpReadActive = true

	if c.udpReadEv == nil {
		c.udpReadEv = c.r.CreateEvent(reactor.KindRead, c.fd, true, c.onUDPReadReady)
	}
	if c.udpReadImm == nil {
		c.udpReadImm = c.r.CreateEvent(reactor.KindImmediate, -1, false, c.doUDPRead)
	}

	// Same re-arm and late-ready handling as Read: the readiness EH
	// stays armed across calls, and an edge that fired while no UDP
	// read was active needs dispatching directly.
	if err := c.r.Arm(c.udpReadEv); err != nil {
		c.udpReadActive = false
		return err
	}
	if c.udpReadReady && !c.udpReadImm.Active() {
		_ = c.r.Arm(c.udpReadImm)
	}
	return nil
}

func (c *Comm) onUDPReadReady(ev *reactor.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.udpReadReady = true
	if c.udpReadActive && !c.udpReadImm.Active() {
		_ = c.r.Arm(c.udpReadImm)
	}
}

func (c *Comm) doUDPRead(ev *reactor.Event) {
	c.mu.Lock()
	if !c.udpReadActive {
		c.mu.Unlock()
		return
	}
	if c.isClosing {
		cb := c.udpReadCB
		c.udpReadActive = false
		c.mu.Unlock()
		if cb != nil {
			cb(c, nil, 0, StatusClosing, nil)
		}
		c.maybeScheduleCleanup()
		return
	}
	cb := c.udpReadCB
	pool := c.udpPool
	maxLen := c.udpReadMaxLen
	c.mu.Unlock()

	for {
		buf, err := pool.Alloc(maxLen)
		if err != nil {
			if cb != nil {
				cb(c, nil, 0, StatusError, WrapError("UDP_READ", err))
			}
			return
		}

		n, from, rerr := unix.Recvfrom(c.fd, buf.Bytes(), 0)
		if rerr != nil {
			pool.Free(buf)
			if rerr == unix.EAGAIN {
				return
			}
			if rerr == unix.EINTR {
				continue
			}
			if cb != nil {
				cb(c, nil, 0, StatusError, WrapError("UDP_READ", rerr))
			}
			return
		}

		frame := &UDPFrame{Buf: buf, Remote: from}
		if c.metrics != nil {
			c.metrics.RecordRead(uint64(n), 0, true)
		}
		if cb != nil {
			cb(c, frame, n, StatusCompleted, nil)
		}
		// Drain the socket until EAGAIN, same level-style loop as accept.
	}
}

// UDPWriteSetup configures the bounded transmit queue's capacity. It is
// optional: Open already sets the capacity to DefaultMaxUDPQueueLen, and
// zero or negative maxQlen falls back to that value too.
func (c *Comm) UDPWriteSetup(maxQlen int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosing {
		return NewFdError("UDP_WRITE_SETUP", c.fd, CodeClosing, "comm is closing")
	}
	if maxQlen <= 0 {
		maxQlen = DefaultMaxUDPQueueLen
	}
	c.udpMaxQlen = maxQlen
	return nil
}

// UDPWrite enqueues frame for transmission to frame.Remote. If the queue
// is already at capacity, UDPWrite fails synchronously with
// CodeQueueFull and frame ownership is NOT transferred — the caller
// keeps it. Otherwise ownership transfers to the Comm; cb is invoked
// exactly once, with the frame handed back, once the send attempt (or
// close) resolves.
func (c *Comm) UDPWrite(frame *UDPFrame, cb UDPWriteCallback) error {
	c.mu.Lock()

	if c.isClosing {
		c.mu.Unlock()
		return NewFdError("UDP_WRITE", c.fd, CodeClosing, "comm is closing")
	}
	if c.connectActive {
		c.mu.Unlock()
		return NewFdError("UDP_WRITE", c.fd, CodeBadState, "connect active on this comm")
	}
	if len(c.udpQueue) >= c.udpMaxQlen {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordQueueFullDrop()
		}
		return NewFdError("UDP_WRITE", c.fd, CodeQueueFull, "udp transmit queue full")
	}

	c.udpQueue = append(c.udpQueue, &udpQueuedFrame{frame: frame, cb: cb})

	if c.udpWriteEv == nil {
		c.udpWriteEv = c.r.CreateEvent(reactor.KindWrite, c.fd, true, c.onUDPWriteReady)
	}
	if c.udpWriteImm == nil {
		c.udpWriteImm = c.r.CreateEvent(reactor.KindImmediate, -1, false, c.doUDPWrite)
	}

	needsArm := !c.udpPrimed
	if needsArm {
		c.udpPrimed = true
		c.udpWriteActive = true
	}
	ev := c.udpWriteEv
	c.mu.Unlock()

	if needsArm {
		return c.r.Arm(ev)
	}
	return nil
}

func (c *Comm) onUDPWriteReady(ev *reactor.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.udpWriteReady = true
	if c.udpWriteActive && !c.udpWriteImm.Active() {
		_ = c.r.Arm(c.udpWriteImm)
	}
}

func (c *Comm) doUDPWrite(ev *reactor.Event) {
	c.mu.Lock()
	if !c.udpWriteActive {
		c.mu.Unlock()
		return
	}
	if c.isClosing {
		queued := c.udpQueue
		c.udpQueue = nil
		c.udpWriteActive = false
		c.udpPrimed = false
		c.mu.Unlock()
		for _, qf := range queued {
			if qf.cb != nil {
				qf.cb(c, qf.frame, StatusClosing, nil)
			}
		}
		c.maybeScheduleCleanup()
		return
	}
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if len(c.udpQueue) == 0 {
			c.udpWriteActive = false
			c.udpPrimed = false
			ev := c.udpWriteEv
			c.mu.Unlock()
			_ = c.r.Disarm(ev)
			return
		}
		qf := c.udpQueue[0]
		c.mu.Unlock()

		n, err := udpSendto(c.fd, qf.frame)

		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			// Transient interruption, not a send outcome: retry the same
			// frame without popping it off the queue.
			continue
		}

		c.mu.Lock()
		c.udpQueue = c.udpQueue[1:]
		c.mu.Unlock()

		if err != nil {
			if c.metrics != nil {
				c.metrics.RecordWrite(0, 0, false)
			}
			if qf.cb != nil {
				qf.cb(c, qf.frame, StatusError, WrapError("UDP_WRITE", err))
			}
			continue
		}
		if want := len(qf.frame.Buf.Bytes()); n != want {
			if c.metrics != nil {
				c.metrics.RecordWrite(uint64(n), 0, false)
			}
			if qf.cb != nil {
				qf.cb(c, qf.frame, StatusError, NewFdError("UDP_WRITE", c.fd, CodeShortWrite,
					fmt.Sprintf("short send: %d of %d bytes", n, want)))
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.RecordWrite(uint64(n), 0, true)
		}
		if qf.cb != nil {
			qf.cb(c, qf.frame, StatusCompleted, nil)
		}
	}
}

// udpSendto performs the actual send for a queued frame, returning the
// number of bytes the kernel reported as sent. A frame with no Remote is
// sent on a connected UDP socket via write(2); otherwise it's addressed
// explicitly via sendto(2). unix.Sendto doesn't report a byte count on
// success, so a successful Sendto is reported as the full frame length —
// short writes on an unconnected UDP socket surface as EMSGSIZE instead.
func udpSendto(fd int, frame *UDPFrame) (int, error) {
	buf := frame.Buf.Bytes()
	if frame.Remote == nil {
		return unix.Write(fd, buf)
	}
	if err := unix.Sendto(fd, buf, 0, frame.Remote); err != nil {
		return 0, err
	}
	return len(buf), nil
}
