//go:build linux

package rb

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend is the Linux Readiness Backend. epoll has no native
// per-filter (read vs write) registration the way kqueue does — a single
// epoll_ctl entry per fd carries a combined event mask — so this backend
// tracks the currently-registered mask per fd and upgrades/downgrades it
// as intents arrive, re-expressing the same Add/Delete-per-filter
// contract the kqueue backend exposes.
type epollBackend struct {
	mu     sync.Mutex
	epfd   int
	closed bool
	// state tracks, per fd, which logical filters are registered and their
	// cookies; the combined epoll event bits are derived from it, so
	// deleting one filter doesn't clobber the other's registration.
	state  map[int]*fdState
	events []unix.EpollEvent
}

type fdState struct {
	readOneshot  bool
	readArmed    bool
	readCookie   uintptr
	writeOneshot bool
	writeArmed   bool
	writeCookie  uintptr
}

// NewBackend creates the platform Readiness Backend.
func NewBackend() (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollBackend{
		epfd:   epfd,
		state:  make(map[int]*fdState),
		events: make([]unix.EpollEvent, 256),
	}, nil
}

func (b *epollBackend) eventsFor(st *fdState) uint32 {
	var mask uint32
	if st.readArmed {
		mask |= unix.EPOLLIN
		if st.readOneshot {
			mask |= unix.EPOLLONESHOT
		} else {
			mask |= unix.EPOLLET
		}
	}
	if st.writeArmed {
		mask |= unix.EPOLLOUT
		if st.writeOneshot {
			mask |= unix.EPOLLONESHOT
		} else {
			mask |= unix.EPOLLET
		}
	}
	return mask
}

func (b *epollBackend) Submit(intents []Intent) error {
	if len(intents) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	for _, in := range intents {
		st, ok := b.state[in.Fd]
		wasRegistered := ok
		if !ok {
			st = &fdState{}
		}

		switch in.Op {
		case OpAdd:
			if in.Filter == FilterRead {
				st.readArmed = true
				st.readOneshot = in.Mode == ModeOneshot
				st.readCookie = in.Cookie
			} else {
				st.writeArmed = true
				st.writeOneshot = in.Mode == ModeOneshot
				st.writeCookie = in.Cookie
			}
		case OpDelete:
			if in.Filter == FilterRead {
				st.readArmed = false
			} else {
				st.writeArmed = false
			}
		}

		mask := b.eventsFor(st)
		ev := unix.EpollEvent{Events: mask, Fd: int32(in.Fd)}

		var err error
		switch {
		case mask == 0:
			if wasRegistered {
				err = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, in.Fd, nil)
			}
			delete(b.state, in.Fd)
			if err != nil && !isStaleDescriptorErr(err) {
				return err
			}
			continue
		case !wasRegistered:
			err = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, in.Fd, &ev)
		default:
			err = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, in.Fd, &ev)
		}
		if err != nil {
			if isStaleDescriptorErr(err) {
				// The fd was closed out from under this registration
				// (or never existed): treat it as if the intent never
				// happened rather than taking the whole reactor down.
				delete(b.state, in.Fd)
				continue
			}
			return err
		}
		b.state[in.Fd] = st
	}
	return nil
}

// isStaleDescriptorErr reports whether err is one of the epoll_ctl
// bookkeeping errors that arise from racing against an externally closed
// or never-registered descriptor (ENOENT: MOD/DEL on an fd epoll doesn't
// know about; EBADF: fd already closed; EINVAL: fd reused for something
// epoll rejects, e.g. a plain file). None of these indicate a backend
// fault, so the caller treats the event as never having existed.
func isStaleDescriptorErr(err error) bool {
	return err == unix.ENOENT || err == unix.EBADF || err == unix.EINVAL
}

func (b *epollBackend) Wait(timeout time.Duration) ([]ReadyEvent, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	epfd := b.epfd
	buf := b.events
	b.mu.Unlock()

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	n, err := unix.EpollWait(epfd, buf, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ReadyEvent, 0, n*2)
	for i := 0; i < n; i++ {
		ev := buf[i]
		fd := int(ev.Fd)
		st, ok := b.state[fd]
		if !ok {
			continue
		}
		hup := ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0
		errBit := ev.Events&unix.EPOLLERR != 0

		if ev.Events&unix.EPOLLIN != 0 || hup || errBit {
			if st.readArmed {
				re := ReadyEvent{Fd: fd, Filter: FilterRead, Cookie: st.readCookie, EOF: hup}
				if errBit {
					re.Err = readSocketError(fd)
				}
				out = append(out, re)
				if st.readOneshot {
					st.readArmed = false
				}
			}
		}
		if ev.Events&unix.EPOLLOUT != 0 || errBit {
			if st.writeArmed {
				re := ReadyEvent{Fd: fd, Filter: FilterWrite, Cookie: st.writeCookie}
				if errBit {
					re.Err = readSocketError(fd)
				}
				out = append(out, re)
				if st.writeOneshot {
					st.writeArmed = false
				}
			}
		}
	}
	return out, nil
}

// readSocketError surfaces SO_ERROR the same way the comm layer would on
// a synchronous getsockopt, so a ready event carrying EPOLLERR doesn't
// force the caller to make its own syscall just to learn why.
func readSocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

func (b *epollBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return unix.Close(b.epfd)
}
