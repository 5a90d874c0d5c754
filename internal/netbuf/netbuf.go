// Package netbuf implements the Network Buffer (NB): a tagged union
// over a plain heap-allocated []byte and an smp.Buffer, so callers (UDP
// frames, TCP write buffers) can hold one handle regardless of which
// allocator produced it and free it uniformly, grounded on
// original_source/lib/libiapp/netbuf.c.
package netbuf

import (
	"fmt"

	"github.com/erikarn/goiapp/internal/smp"
)

// AllocatorType selects which allocator backs a buffer. This promotes
// netbuf.c's `#if 0`/`#else` compile-time malloc-vs-shm_alloc toggle to
// a real runtime configuration knob.
type AllocatorType int

const (
	AllocatorMalloc AllocatorType = iota
	AllocatorPosixSHM
)

func (a AllocatorType) String() string {
	if a == AllocatorPosixSHM {
		return "posixshm"
	}
	return "malloc"
}

// ParseAllocatorType parses the `atype` CLI flag value.
func ParseAllocatorType(s string) (AllocatorType, error) {
	switch s {
	case "malloc", "":
		return AllocatorMalloc, nil
	case "posixshm":
		return AllocatorPosixSHM, nil
	default:
		return 0, fmt.Errorf("netbuf: unknown allocator type %q", s)
	}
}

// tag discriminates the union's live field.
type tag int

const (
	tagHeap tag = iota
	tagSHM
)

// Buffer is the Network Buffer: either a plain heap slice or an
// smp.Buffer, exposed through one pointer+length view.
type Buffer struct {
	tag  tag
	heap []byte
	shm  *smp.Buffer
}

// Pool allocates Buffers, choosing HEAP or SHM per its AllocatorType.
type Pool struct {
	atype AllocatorType
	smp   *smp.Pool // nil when atype == AllocatorMalloc
}

// NewPool creates a netbuf Pool. smpPool may be nil only when atype is
// AllocatorMalloc.
func NewPool(atype AllocatorType, smpPool *smp.Pool) (*Pool, error) {
	if atype == AllocatorPosixSHM && smpPool == nil {
		return nil, fmt.Errorf("netbuf: posixshm allocator requires a non-nil smp.Pool")
	}
	return &Pool{atype: atype, smp: smpPool}, nil
}

// Alloc returns a Buffer of exactly size bytes, tagged HEAP or SHM per
// the Pool's AllocatorType.
func (p *Pool) Alloc(size int) (*Buffer, error) {
	if p.atype == AllocatorPosixSHM {
		b, err := p.smp.Alloc(size)
		if err != nil {
			return nil, err
		}
		return &Buffer{tag: tagSHM, shm: b}, nil
	}
	return &Buffer{tag: tagHeap, heap: getHeapBuffer(size)}, nil
}

// Bytes returns the buffer's backing slice.
func (b *Buffer) Bytes() []byte {
	if b.tag == tagSHM {
		return b.shm.Bytes()
	}
	return b.heap
}

// Len returns the buffer's length.
func (b *Buffer) Len() int {
	return len(b.Bytes())
}

// IsSHM reports whether this buffer is backed by the shared-memory pool.
func (b *Buffer) IsSHM() bool { return b.tag == tagSHM }

// Free releases the buffer back to its originating allocator. Dispatches
// by tag: a SHM buffer returns to its smp.Pool free list; a HEAP buffer
// goes back to its size bucket's pool (one whose capacity matches no
// bucket is dropped for the GC).
func (p *Pool) Free(b *Buffer) {
	if b == nil {
		return
	}
	if b.tag == tagSHM {
		p.smp.Free(b.shm)
		b.shm = nil
		return
	}
	putHeapBuffer(b.heap)
	b.heap = nil
}
