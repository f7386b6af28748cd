package devmem

import (
	"errors"
	"testing"
)

func TestHeapAllocatorRoundTrip(t *testing.T) {
	var alloc HeapAllocator
	buf, err := alloc.AllocCoherent(100)
	if err != nil {
		t.Fatalf("AllocCoherent: %v", err)
	}
	if buf.Size() < 100 {
		t.Errorf("Size = %d, want >= 100", buf.Size())
	}
	if buf.DMAAddr() == 0 {
		t.Error("DMAAddr is zero")
	}
	if err := alloc.Free(buf); err != nil {
		t.Errorf("Free: %v", err)
	}
}

func TestPoolAllocFree(t *testing.T) {
	pool, err := NewPool(HeapAllocator{}, 4)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	if pool.Size() != 4 || pool.Available() != 4 {
		t.Fatalf("fresh pool: size=%d available=%d", pool.Size(), pool.Available())
	}

	pg, err := pool.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(pg.Entries) != entriesPerPage {
		t.Errorf("page has %d entry slots, want %d", len(pg.Entries), entriesPerPage)
	}
	if pool.Available() != 3 {
		t.Errorf("Available = %d after one alloc, want 3", pool.Available())
	}

	if err := pool.Free(pg.DMA); err != nil {
		t.Errorf("Free: %v", err)
	}
	if pool.Available() != 4 {
		t.Errorf("Available = %d after free, want 4", pool.Available())
	}
}

func TestPoolExhaustion(t *testing.T) {
	pool, err := NewPool(HeapAllocator{}, 2)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	a, _ := pool.Alloc()
	b, _ := pool.Alloc()
	if _, err := pool.Alloc(); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Alloc on empty pool = %v, want ErrPoolExhausted", err)
	}

	pool.Free(a.DMA)
	pool.Free(b.DMA)
	if _, err := pool.Alloc(); err != nil {
		t.Errorf("Alloc after free: %v", err)
	}
	if pg, _ := pool.Alloc(); pg == nil {
		t.Error("second alloc after free returned nil page")
	}
}

func TestPoolFreeUnknownAddr(t *testing.T) {
	pool, err := NewPool(HeapAllocator{}, 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	if err := pool.Free(0xdeadbeef); err == nil {
		t.Error("Free of unknown address succeeded")
	}
}

func TestPoolCloseWithOutstandingPages(t *testing.T) {
	pool, err := NewPool(HeapAllocator{}, 2)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	pg, _ := pool.Alloc()
	if err := pool.Close(); err == nil {
		t.Error("Close with an outstanding page succeeded")
	}

	pool.Free(pg.DMA)
	if err := pool.Close(); err != nil {
		t.Errorf("Close after return: %v", err)
	}
}
