package thrgroup

import (
	"golang.org/x/sys/unix"

	"github.com/erikarn/goiapp/internal/netbuf"
)

// ListenV4 binds a non-blocking, SO_REUSEPORT IPv4 TCP listener on
// port, for any local address. Grounded on srv.c's
// thrsrv_listenfd_v4/thrsrv_listenfd_setup: SO_REUSEPORT (not
// SO_REUSEADDR, which the original leaves "#if 0"'d out) lets every
// worker in a Group bind the same port and let the kernel load-balance
// accepts across them.
func ListenV4(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := listenSetup(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// ListenV6 is ListenV4's IPv6 analog (thrsrv_listenfd_v6), binding to
// in6addr_any.
func ListenV6(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := listenSetup(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet6{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func listenSetup(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

// ListenBoth opens both an IPv4 and an IPv6 listener on port,
// supplementing the single-family listener the distilled spec
// describes with the dual-stack setup srv.c actually performs
// (thrsrv_new creates both r->comm_listen_v4 and r->comm_listen_v6
// when configured). Either fd is -1 if that family failed to bind
// (e.g. a host with IPv6 disabled), which callers should treat as
// "that family is unavailable," not a fatal error, unless both are -1.
func ListenBoth(port int) (v4, v6 int, err error) {
	v4, errV4 := ListenV4(port)
	v6, errV6 := ListenV6(port)
	if errV4 != nil && errV6 != nil {
		return -1, -1, errV4
	}
	return v4, v6, nil
}

// defaultUDPPool returns a heap-backed netbuf.Pool. Nothing in the
// package calls it; a Group creates no UDP listeners itself.
func defaultUDPPool() (*netbuf.Pool, error) {
	return netbuf.NewPool(netbuf.AllocatorMalloc, nil)
}
