// Package smp implements the Shared-Memory Buffer Pool (SMP): a slab
// allocator backed by anonymous shared memory, grounded on
// original_source/lib/libiapp/shm_alloc.c. Each slab is one
// unix.Mmap(MAP_ANON|MAP_SHARED) region with a bump offset and a
// per-size-class LIFO free list; allocation is O(1) on an exact-size
// free-list hit, else a bump allocation from the current slab. The pool
// never grows past the configured slab budget — that's an explicit
// design choice carried from the C original, not an oversight: a
// workload that needs more concurrent buffers than the budget allows
// should size the budget up, not silently uncap it.
package smp

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Config configures a Pool.
type Config struct {
	// SlabSize is the size in bytes of each mmap'd region.
	SlabSize int
	// MaxSlabs bounds how many slabs the pool will ever create. Zero
	// means unbounded (grow forever) — almost never what you want;
	// DefaultConfig sets a real bound.
	MaxSlabs int
	// Mlock requests each slab be mlock'd after mapping, so its pages
	// never get swapped out. Best-effort: a failure to mlock (commonly
	// RLIMIT_MEMLOCK) does not fail the allocation.
	Mlock bool
}

// DefaultConfig returns a modest pool suitable for a single worker's
// transmit-buffer traffic.
func DefaultConfig() Config {
	return Config{SlabSize: 1 << 20, MaxSlabs: 16, Mlock: false}
}

// Pool is the Shared-Memory Buffer Pool.
type Pool struct {
	mu    sync.Mutex
	cfg   Config
	slabs []*slab
	// free holds a LIFO stack of released Buffers per exact size class,
	// matching shm_alloc.c's "free list, not a general allocator" design:
	// a buffer of size N is only ever reused to satisfy another
	// allocation of exactly size N.
	free map[int][]*Buffer
}

type slab struct {
	mem    []byte
	offset int
}

// Buffer is one allocation out of the pool. Free returns it to the
// pool's free list for its exact size; it must not be used after Free.
type Buffer struct {
	data []byte
	size int
	slab *slab
	pool *Pool
}

// Bytes returns the buffer's backing slice, valid until Free.
func (b *Buffer) Bytes() []byte { return b.data }

// Size returns the buffer's allocated size.
func (b *Buffer) Size() int { return b.size }

// New creates a Pool. No slabs are mapped until the first Alloc.
func New(cfg Config) (*Pool, error) {
	if cfg.SlabSize <= 0 {
		return nil, fmt.Errorf("smp: SlabSize must be positive")
	}
	return &Pool{cfg: cfg, free: make(map[int][]*Buffer)}, nil
}

// Alloc returns a Buffer of exactly size bytes. It first checks the
// free list for that exact size class (O(1) LIFO pop); on a miss it bump
// allocates from the current slab, mapping a new slab if the current one
// lacks room and the slab budget allows it.
func (p *Pool) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("smp: size must be positive")
	}
	if size > p.cfg.SlabSize {
		return nil, fmt.Errorf("smp: size %d exceeds slab size %d", size, p.cfg.SlabSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if stack := p.free[size]; len(stack) > 0 {
		b := stack[len(stack)-1]
		p.free[size] = stack[:len(stack)-1]
		return b, nil
	}

	if len(p.slabs) == 0 || p.slabs[len(p.slabs)-1].offset+size > p.cfg.SlabSize {
		if p.cfg.MaxSlabs > 0 && len(p.slabs) >= p.cfg.MaxSlabs {
			return nil, fmt.Errorf("smp: slab budget (%d) exhausted", p.cfg.MaxSlabs)
		}
		s, err := p.newSlab()
		if err != nil {
			return nil, err
		}
		p.slabs = append(p.slabs, s)
	}

	s := p.slabs[len(p.slabs)-1]
	b := &Buffer{
		data: s.mem[s.offset : s.offset+size : s.offset+size],
		size: size,
		slab: s,
		pool: p,
	}
	s.offset += size
	return b, nil
}

// Free returns b to its size class's free list for reuse.
func (p *Pool) Free(b *Buffer) {
	if b == nil || b.pool != p {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[b.size] = append(p.free[b.size], b)
}

func (p *Pool) newSlab() (*slab, error) {
	mem, err := unix.Mmap(-1, 0, p.cfg.SlabSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("smp: mmap slab: %w", err)
	}
	if p.cfg.Mlock {
		_ = unix.Mlock(mem) // best-effort; RLIMIT_MEMLOCK failures are not fatal
	}
	return &slab{mem: mem}, nil
}

// Close unmaps every slab. The pool must not be used afterward.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, s := range p.slabs {
		if p.cfg.Mlock {
			_ = unix.Munlock(s.mem)
		}
		if err := unix.Munmap(s.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("smp: munmap slab: %w", err)
		}
	}
	p.slabs = nil
	p.free = make(map[int][]*Buffer)
	return firstErr
}

// SlabCount reports how many slabs have been mapped so far (for tests
// and metrics).
func (p *Pool) SlabCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slabs)
}
