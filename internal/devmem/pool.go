package devmem

import (
	"fmt"
	"sync"
	"unsafe"
)

// PageSize is the descriptor page size. Matches the controller page unit so
// one pool page holds one PRP list page.
const PageSize = 4096

// entriesPerPage is the number of 8-byte device addresses per page.
const entriesPerPage = PageSize / 8

// Page is one descriptor page carved out of the pool's backing allocation.
// Entries is the host view; DMA is what chained lists and PRP2 point at.
type Page struct {
	DMA     uint64
	Entries []uint64
}

// Pool is a fixed-size pool of descriptor pages backed by a single coherent
// allocation. Alloc failure is the resource-exhaustion error class: callers
// surface it before any ring write, so a retry at a higher layer is always
// safe.
//
// Unlike a sync.Pool, the free list is explicit and bounded: pages carry
// device addresses and must never be reclaimed by the runtime while a
// transfer references them.
type Pool struct {
	mu     sync.Mutex
	free   []*Page
	byAddr map[uint64]*Page
	total  int
	buf    *Buffer
	alloc  Allocator
}

// ErrPoolExhausted is returned by Alloc when no descriptor pages are free.
var ErrPoolExhausted = fmt.Errorf("devmem: descriptor page pool exhausted")

// NewPool allocates a pool of the given number of descriptor pages.
func NewPool(alloc Allocator, pages int) (*Pool, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("devmem: pool size must be positive, got %d", pages)
	}
	buf, err := alloc.AllocCoherent(pages * PageSize)
	if err != nil {
		return nil, fmt.Errorf("devmem: pool backing allocation: %w", err)
	}

	p := &Pool{
		free:   make([]*Page, 0, pages),
		byAddr: make(map[uint64]*Page, pages),
		total:  pages,
		buf:    buf,
		alloc:  alloc,
	}
	b := buf.Bytes()
	for i := 0; i < pages; i++ {
		off := i * PageSize
		pg := &Page{
			DMA:     buf.DMAAddr() + uint64(off),
			Entries: unsafe.Slice((*uint64)(unsafe.Pointer(&b[off])), entriesPerPage),
		}
		p.byAddr[pg.DMA] = pg
		p.free = append(p.free, pg)
	}
	return p, nil
}

// Alloc takes one page from the pool.
func (p *Pool) Alloc() (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}
	pg := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return pg, nil
}

// Free returns a page to the pool by device address.
func (p *Pool) Free(dma uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pg, ok := p.byAddr[dma]
	if !ok {
		return fmt.Errorf("devmem: free of unknown page %#x", dma)
	}
	p.free = append(p.free, pg)
	return nil
}

// Available returns the number of free pages.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size returns the total number of pages in the pool.
func (p *Pool) Size() int {
	return p.total
}

// Close releases the backing allocation. All pages must have been returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) != p.total {
		return fmt.Errorf("devmem: pool closed with %d of %d pages outstanding",
			p.total-len(p.free), p.total)
	}
	p.free = nil
	p.byAddr = nil
	return p.alloc.Free(p.buf)
}
