package sim

import (
	"fmt"
	"sync"

	"github.com/behrlich/go-nvme/internal/dma"
)

// Mapper is an identity DMA mapper: device addresses equal host addresses,
// as in a vfio no-IOMMU setup. It counts active mappings so tests can assert
// that every completion released what its submission mapped.
type Mapper struct {
	mu       sync.Mutex
	active   int
	failNext bool
}

// NewMapper returns an identity mapper.
func NewMapper() *Mapper {
	return &Mapper{}
}

// FailNext makes the next mapping call fail, emulating IOVA exhaustion.
func (m *Mapper) FailNext() {
	m.mu.Lock()
	m.failNext = true
	m.mu.Unlock()
}

// Active returns the number of mappings not yet released.
func (m *Mapper) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Mapper) take() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return fmt.Errorf("sim: no IOVA space")
	}
	m.active++
	return nil
}

// MapSingle implements dma.Mapper.
func (m *Mapper) MapSingle(seg dma.Segment, _ dma.Direction) (uint64, error) {
	if err := m.take(); err != nil {
		return 0, err
	}
	return seg.Addr + uint64(seg.Offset), nil
}

// UnmapSingle implements dma.Mapper.
func (m *Mapper) UnmapSingle(_ uint64, _ uint32, _ dma.Direction) {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

// MapSG implements dma.Mapper. Each segment becomes one contiguous chunk.
func (m *Mapper) MapSG(segs []dma.Segment, _ dma.Direction) ([]dma.Chunk, error) {
	if err := m.take(); err != nil {
		return nil, err
	}
	chunks := make([]dma.Chunk, len(segs))
	for i, s := range segs {
		chunks[i] = dma.Chunk{Addr: s.Addr + uint64(s.Offset), Length: s.Length}
	}
	return chunks, nil
}

// UnmapSG implements dma.Mapper.
func (m *Mapper) UnmapSG(_ []dma.Chunk, _ dma.Direction) {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}
