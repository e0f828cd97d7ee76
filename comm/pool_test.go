package comm

import (
	"testing"
	"unsafe"
)

func TestBufferPoolReuse(t *testing.T) {
	pool, err := NewBufferPool(64, 2)
	if err != nil {
		t.Fatalf("NewBufferPool failed: %v", err)
	}

	buf := pool.Acquire(32)
	if len(buf) != 32 || cap(buf) != 64 {
		t.Fatalf("unexpected buffer shape: len=%d cap=%d", len(buf), cap(buf))
	}
	base := unsafe.Pointer(&buf[:1][0])
	pool.Release(buf)

	again := pool.Acquire(16)
	if unsafe.Pointer(&again[:1][0]) != base {
		t.Fatal("released buffer not reused")
	}
}

func TestBufferPoolOversizeRequests(t *testing.T) {
	pool, err := NewBufferPool(64, 2)
	if err != nil {
		t.Fatalf("NewBufferPool failed: %v", err)
	}

	big := pool.Acquire(128)
	if len(big) != 128 {
		t.Fatalf("unexpected length: %d", len(big))
	}
	// Oversize buffers are never pooled.
	pool.Release(big)
	next := pool.Acquire(64)
	if cap(next) != 64 {
		t.Fatalf("oversize buffer leaked into the pool: cap=%d", cap(next))
	}
}

func TestBufferPoolClose(t *testing.T) {
	pool, err := NewBufferPool(64, 2)
	if err != nil {
		t.Fatalf("NewBufferPool failed: %v", err)
	}
	buf := pool.Acquire(8)
	pool.Close()
	pool.Release(buf)

	// Acquire still works after close, it just stops pooling.
	if got := pool.Acquire(8); len(got) != 8 {
		t.Fatalf("unexpected length after close: %d", len(got))
	}
}

func TestBufferPoolValidation(t *testing.T) {
	if _, err := NewBufferPool(0, 1); err == nil {
		t.Fatal("expected error for non-positive buffer size")
	}
	pool, err := NewBufferPool(16, -1)
	if err != nil {
		t.Fatalf("negative capacity should clamp to zero: %v", err)
	}
	if buf := pool.Acquire(4); len(buf) != 4 {
		t.Fatalf("unexpected length: %d", len(buf))
	}
}
