package iapp

import "time"

// Defaults mirroring original_source/src/srv and src/udp_srv's hand-rolled
// CLI defaults and comm.c's buffer sizing.
const (
	// DefaultIOSize is the UDPRead frame size used when maxFrameLen is
	// zero or negative, and the frame size the UDP demo server reads with.
	DefaultIOSize = 4096

	// DefaultListenBacklog is a conventional TCP listen backlog; the
	// ListenV4/ListenV6 helpers pass unix.SOMAXCONN instead.
	DefaultListenBacklog = 128

	// DefaultMaxUDPQueueLen bounds the UDP transmit queue before UDPWrite
	// starts failing synchronously with CodeQueueFull.
	DefaultMaxUDPQueueLen = 256

	// DefaultMaxConns is a nominal accept cap; the demo TCP server sets
	// its own default (32768) rather than using this constant.
	DefaultMaxConns = 1024

	// InboxDrainInterval is how often a thrgroup.Worker's deferred-dispatch
	// timer drains its cross-thread accept-handoff inbox.
	InboxDrainInterval = 100 * time.Millisecond
)
