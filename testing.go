package iapp

import "golang.org/x/sys/unix"

// NewSocketpair creates a connected, non-blocking AF_UNIX SOCK_STREAM
// pair for comm-level tests, replacing the need to bind a real TCP
// listener per test. Mirrors the teacher's top-level MockBackend
// pattern of a reusable, package-level test double, just built around a
// real kernel primitive instead of an in-memory fake, since a Comm's
// behavior is defined by real non-blocking socket syscalls.
func NewSocketpair() (a, b int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// NewUDPSocketpair creates a connected, non-blocking AF_UNIX
// SOCK_DGRAM pair, used by UDP-path tests in place of a bound UDP
// socket plus a real peer address.
func NewUDPSocketpair() (a, b int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
