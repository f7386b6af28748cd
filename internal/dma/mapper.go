// Package dma turns a request's memory segments into the device addresses an
// NVMe command carries: either a single inline mapping covering at most two
// controller pages, or a mapped scatter-gather list described by a chain of
// PRP descriptor pages.
package dma

// Direction is the transfer direction of a mapping.
type Direction int32

const (
	// FromDevice marks a device-to-host transfer (read).
	FromDevice Direction = iota
	// ToDevice marks a host-to-device transfer (write).
	ToDevice
)

func (d Direction) String() string {
	if d == ToDevice {
		return "to-device"
	}
	return "from-device"
}

// Segment is one physical memory segment of a request, as exposed by the
// host dispatch framework's segment iterator.
type Segment struct {
	// Addr is the host address of the page backing the segment.
	Addr uint64
	// Offset is the segment's offset within that page.
	Offset uint32
	// Length is the segment length in bytes.
	Length uint32
}

// Chunk is one contiguous device-address run produced by mapping a
// scatter-gather list.
type Chunk struct {
	Addr   uint64
	Length uint32
}

// Mapper maps host memory for device access. Implementations belong to the
// bus/IOMMU collaborator; the driver core only records the addresses handed
// back and releases them on completion.
type Mapper interface {
	// MapSingle maps one segment and returns its device address.
	MapSingle(seg Segment, dir Direction) (uint64, error)

	// UnmapSingle releases a mapping made by MapSingle.
	UnmapSingle(addr uint64, length uint32, dir Direction)

	// MapSG maps a segment list and returns the contiguous device runs.
	MapSG(segs []Segment, dir Direction) ([]Chunk, error)

	// UnmapSG releases a mapping made by MapSG.
	UnmapSG(chunks []Chunk, dir Direction)
}
