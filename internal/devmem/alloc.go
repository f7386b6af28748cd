// Package devmem provides device-visible memory for rings, shadow doorbells
// and PRP descriptor pages. Allocations are coherent: plain loads and stores
// are observed by the device without explicit cache maintenance, which is the
// contract the queue engine's barrier placement relies on.
package devmem

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Buffer is one coherent allocation. The device address is what gets written
// into command data pointers and ring base registers.
type Buffer struct {
	b   []byte
	dma uint64
}

// Bytes returns the host view of the allocation.
func (b *Buffer) Bytes() []byte { return b.b }

// DMAAddr returns the device address of the allocation's first byte.
func (b *Buffer) DMAAddr() uint64 { return b.dma }

// Size returns the allocation size in bytes.
func (b *Buffer) Size() int { return len(b.b) }

// Allocator hands out coherent device-visible memory. Implementations are
// supplied by the device-setup collaborator; MmapAllocator covers the
// identity-IOVA case used by vfio no-IOMMU setups and the simulator.
type Allocator interface {
	// AllocCoherent returns a zeroed allocation of at least size bytes.
	AllocCoherent(size int) (*Buffer, error)

	// Free releases an allocation. The buffer must not be used afterwards.
	Free(buf *Buffer) error
}

// MmapAllocator allocates page-aligned anonymous shared mappings and reports
// the virtual address as the device address (identity IOVA).
type MmapAllocator struct{}

// AllocCoherent implements Allocator.
func (MmapAllocator) AllocCoherent(size int) (*Buffer, error) {
	pageSize := os.Getpagesize()
	if rem := size % pageSize; rem != 0 {
		size += pageSize - rem
	}

	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("devmem: mmap %d bytes: %w", size, err)
	}

	return &Buffer{
		b:   b,
		dma: uint64(uintptr(unsafe.Pointer(&b[0]))),
	}, nil
}

// Free implements Allocator.
func (MmapAllocator) Free(buf *Buffer) error {
	if buf == nil || buf.b == nil {
		return nil
	}
	b := buf.b
	buf.b = nil
	buf.dma = 0
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("devmem: munmap: %w", err)
	}
	return nil
}

// HeapAllocator backs allocations with ordinary Go memory. It exists for
// tests, where no device observes the memory and the identity address is
// only compared, never dereferenced by hardware.
type HeapAllocator struct{}

// AllocCoherent implements Allocator.
func (HeapAllocator) AllocCoherent(size int) (*Buffer, error) {
	b := make([]byte, size)
	return &Buffer{
		b:   b,
		dma: uint64(uintptr(unsafe.Pointer(&b[0]))),
	}, nil
}

// Free implements Allocator.
func (HeapAllocator) Free(buf *Buffer) error {
	if buf != nil {
		buf.b = nil
		buf.dma = 0
	}
	return nil
}
