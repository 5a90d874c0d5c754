package netbuf

import (
	"testing"

	"github.com/erikarn/goiapp/internal/smp"
)

func TestMallocPoolAllocatesHeapBuffer(t *testing.T) {
	p, err := NewPool(AllocatorMalloc, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	b, err := p.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b.IsSHM() {
		t.Fatal("expected a HEAP-tagged buffer")
	}
	if b.Len() != 128 {
		t.Fatalf("expected length 128, got %d", b.Len())
	}

	p.Free(b)
}

func TestPosixSHMPoolRequiresSMPPool(t *testing.T) {
	if _, err := NewPool(AllocatorPosixSHM, nil); err == nil {
		t.Fatal("expected an error constructing a posixshm pool with a nil smp.Pool")
	}
}

func TestPosixSHMPoolAllocatesSHMBuffer(t *testing.T) {
	sp, err := smp.New(smp.Config{SlabSize: 4096, MaxSlabs: 2})
	if err != nil {
		t.Fatalf("smp.New: %v", err)
	}
	defer sp.Close()

	p, err := NewPool(AllocatorPosixSHM, sp)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	b, err := p.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if !b.IsSHM() {
		t.Fatal("expected an SHM-tagged buffer")
	}
	if b.Len() != 64 {
		t.Fatalf("expected length 64, got %d", b.Len())
	}

	p.Free(b)
}

func TestParseAllocatorType(t *testing.T) {
	cases := map[string]AllocatorType{
		"":         AllocatorMalloc,
		"malloc":   AllocatorMalloc,
		"posixshm": AllocatorPosixSHM,
	}
	for in, want := range cases {
		got, err := ParseAllocatorType(in)
		if err != nil {
			t.Fatalf("ParseAllocatorType(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseAllocatorType(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseAllocatorType("bogus"); err == nil {
		t.Fatal("expected an error for an unknown allocator type")
	}
}
