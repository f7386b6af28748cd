package dma

import (
	"fmt"

	"github.com/behrlich/go-nvme/internal/devmem"
	"github.com/behrlich/go-nvme/internal/hw"
)

// listCapacity is the number of entry slots per descriptor page. The final
// slot is reserved for the chain pointer whenever a page fills, so each page
// carries at most listCapacity-1 data entries.
const listCapacity = hw.PRPsPerPage

// MappingData holds the scatter-gather state built for a multi-segment
// transfer. It is created only when the inline path cannot be used and is
// destroyed by the completion handler.
type MappingData struct {
	// Chunks are the mapped contiguous device runs.
	Chunks []Chunk
	// Pages are the descriptor pages in chain order; Pages[0] is what the
	// command's second data pointer references when more than two chunks
	// exist.
	Pages []*devmem.Page
}

// InlineEligible reports whether a request can take the inline path: exactly
// one segment whose in-page offset plus length fits within two controller
// page units.
func InlineEligible(segs []Segment, length uint32) bool {
	if len(segs) != 1 {
		return false
	}
	return segs[0].Offset%hw.CtrlPageSize+length <= 2*hw.CtrlPageSize
}

// SetupPRPs fills the command's data pointers for the chunks recorded in md,
// building chained descriptor pages from the pool when more than two chunks
// exist. Returns the number of descriptor pages allocated.
//
// Pool exhaustion unwinds every page taken so far and surfaces as a
// resource-exhaustion error before anything reaches the ring.
func SetupPRPs(pool *devmem.Pool, cmd *hw.Command, md *MappingData) (uint32, error) {
	switch len(md.Chunks) {
	case 0:
		return 0, fmt.Errorf("dma: empty scatter-gather mapping")
	case 1:
		cmd.PRP1 = md.Chunks[0].Addr
		cmd.PRP2 = 0
		return 0, nil
	case 2:
		cmd.PRP1 = md.Chunks[0].Addr
		cmd.PRP2 = md.Chunks[1].Addr
		return 0, nil
	}

	entries := make([]uint64, len(md.Chunks)-1)
	for i, c := range md.Chunks[1:] {
		entries[i] = c.Addr
	}

	first, pages, err := buildList(pool, entries)
	if err != nil {
		return 0, err
	}

	md.Pages = pages
	cmd.PRP1 = md.Chunks[0].Addr
	cmd.PRP2 = first
	return uint32(len(pages)), nil
}

// buildList writes entries into descriptor pages taken from the pool. A
// page's final slot holds the next page's device address whenever entries
// remain, so K entries occupy ceil(K / (capacity-1)) pages.
func buildList(pool *devmem.Pool, entries []uint64) (uint64, []*devmem.Page, error) {
	cur, err := pool.Alloc()
	if err != nil {
		return 0, nil, err
	}
	pages := []*devmem.Page{cur}
	first := cur.DMA

	idx := 0
	for _, e := range entries {
		if idx == listCapacity-1 {
			next, err := pool.Alloc()
			if err != nil {
				releasePages(pool, pages)
				return 0, nil, err
			}
			cur.Entries[idx] = next.DMA
			pages = append(pages, next)
			cur = next
			idx = 0
		}
		cur.Entries[idx] = e
		idx++
	}

	return first, pages, nil
}

// FreeList returns a built descriptor chain to the pool. count and first are
// the values recorded on the request at submission; they are checked against
// the bundle so accounting bugs fail loudly instead of leaking pages.
func FreeList(pool *devmem.Pool, count uint32, first uint64, md *MappingData) error {
	if int(count) != len(md.Pages) {
		return fmt.Errorf("dma: recorded page count %d does not match bundle (%d pages)",
			count, len(md.Pages))
	}
	if count > 0 && md.Pages[0].DMA != first {
		return fmt.Errorf("dma: recorded first page %#x does not match bundle head %#x",
			first, md.Pages[0].DMA)
	}
	releasePages(pool, md.Pages)
	md.Pages = nil
	return nil
}

func releasePages(pool *devmem.Pool, pages []*devmem.Page) {
	for _, pg := range pages {
		_ = pool.Free(pg.DMA)
	}
}
