package netbuf

import "testing"

func TestGetHeapBufferSizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize int
		expectCap   int
	}{
		{"4KB bucket - exact", 4 * 1024, 4 * 1024},
		{"4KB bucket - smaller", 2 * 1024, 4 * 1024},
		{"16KB bucket - exact", 16 * 1024, 16 * 1024},
		{"64KB bucket - exact", 64 * 1024, 64 * 1024},
		{"256KB bucket - exact", 256 * 1024, 256 * 1024},
		{"oversized - plain alloc", 512 * 1024, 512 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := getHeapBuffer(tt.requestSize)
			if len(buf) != tt.requestSize {
				t.Errorf("getHeapBuffer(%d) returned len=%d, want %d", tt.requestSize, len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("getHeapBuffer(%d) returned cap=%d, want %d", tt.requestSize, cap(buf), tt.expectCap)
			}
			putHeapBuffer(buf)
		})
	}
}

func TestPutHeapBufferNonStandardCap(t *testing.T) {
	buf := make([]byte, 100*1024)
	putHeapBuffer(buf)
}

func TestPoolAllocFreeUsesHeapPool(t *testing.T) {
	p, err := NewPool(AllocatorMalloc, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	b1, err := p.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	ptr1 := &b1.Bytes()[0]
	p.Free(b1)

	b2, err := p.Alloc(4096)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	ptr2 := &b2.Bytes()[0]
	p.Free(b2)

	if ptr1 == ptr2 {
		t.Log("heap buffer was reused from pool")
	} else {
		t.Log("heap buffer was not reused (sync.Pool GC behavior)")
	}
}
