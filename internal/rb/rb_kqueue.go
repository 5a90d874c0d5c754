//go:build darwin || freebsd || netbsd || openbsd

package rb

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueBackend is the BSD/Darwin Readiness Backend, grounded on
// original_source/lib/libiapp/fde.c's kevent batching (register and wait
// are always two separate kevent() calls; EV_CLEAR for persistent
// interests, EV_ONESHOT for one-shot).
type kqueueBackend struct {
	mu     sync.Mutex
	kq     int
	closed bool
	// events is reused across Wait calls to avoid a per-call allocation.
	events []unix.Kevent_t
}

// NewBackend creates the platform Readiness Backend.
func NewBackend() (Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	if _, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(kq), unix.F_SETFD, unix.FD_CLOEXEC); errno != 0 {
		unix.Close(kq)
		return nil, errno
	}
	return &kqueueBackend{kq: kq, events: make([]unix.Kevent_t, 256)}, nil
}

func filterToKqueue(f Filter) int16 {
	if f == FilterWrite {
		return unix.EVFILT_WRITE
	}
	return unix.EVFILT_READ
}

func (b *kqueueBackend) Submit(intents []Intent) error {
	if len(intents) == 0 {
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	changes := make([]unix.Kevent_t, len(intents))
	for i, in := range intents {
		var flags uint16
		switch in.Op {
		case OpAdd:
			flags = unix.EV_ADD | unix.EV_ENABLE
			if in.Mode == ModeOneshot {
				flags |= unix.EV_ONESHOT
			} else {
				flags |= unix.EV_CLEAR
			}
		case OpDelete:
			flags = unix.EV_DELETE
		}
		changes[i] = unix.Kevent_t{
			Ident:  uint64(in.Fd),
			Filter: filterToKqueue(in.Filter),
			Flags:  flags,
			Udata:  (*byte)(unsafePointerFromCookie(in.Cookie)),
		}
	}

	_, err := unix.Kevent(b.kq, changes, nil, nil)
	return err
}

func (b *kqueueBackend) Wait(timeout time.Duration) ([]ReadyEvent, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	kq := b.kq
	buf := b.events
	b.mu.Unlock()

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(kq, nil, buf, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]ReadyEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := buf[i]
		filter := FilterRead
		if ev.Filter == unix.EVFILT_WRITE {
			filter = FilterWrite
		}
		re := ReadyEvent{
			Fd:     int(ev.Ident),
			Filter: filter,
			Cookie: cookieFromUnsafePointer(ev.Udata),
			EOF:    ev.Flags&unix.EV_EOF != 0,
		}
		if ev.Flags&unix.EV_ERROR != 0 && ev.Data != 0 {
			re.Err = unix.Errno(ev.Data)
		}
		out = append(out, re)
	}
	return out, nil
}

func (b *kqueueBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return unix.Close(b.kq)
}
