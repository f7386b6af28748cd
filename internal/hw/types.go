// Package hw defines the fixed-layout records exchanged with an NVMe
// controller. Ring slots are accessed in place in device-visible memory, so
// every struct here must match the on-wire layout exactly; each one carries a
// compile-time size assertion.
package hw

import "unsafe"

// Command is a 64-byte submission queue entry.
//
//	struct nvme_command (common view):
//	  __u8  opcode;
//	  __u8  flags;
//	  __u16 command_id;   // equals the owning request's tag
//	  __le32 nsid;
//	  __le32 cdw2;
//	  __le32 cdw3;
//	  __le64 metadata;
//	  __le64 prp1;        // first data pointer
//	  __le64 prp2;        // second data pointer or PRP list
//	  __le32 cdw10..cdw15;
type Command struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint16
	NSID      uint32
	Cdw2      uint32
	Cdw3      uint32
	Metadata  uint64
	PRP1      uint64
	PRP2      uint64
	Cdw10     uint32
	Cdw11     uint32
	Cdw12     uint32
	Cdw13     uint32
	Cdw14     uint32
	Cdw15     uint32
}

// Compile-time size check - SQ entries are exactly 64 bytes.
var _ [64]byte = [unsafe.Sizeof(Command{})]byte{}

// SetSLBA stores the starting logical block address in CDW10/11.
func (c *Command) SetSLBA(slba uint64) {
	c.Cdw10 = uint32(slba)
	c.Cdw11 = uint32(slba >> 32)
}

// SLBA returns the starting logical block address from CDW10/11.
func (c *Command) SLBA() uint64 {
	return uint64(c.Cdw10) | uint64(c.Cdw11)<<32
}

// SetBlockCount stores the zero-based block count in the low half of CDW12.
func (c *Command) SetBlockCount(n uint16) {
	c.Cdw12 = (c.Cdw12 &^ 0xffff) | uint32(n)
}

// BlockCount returns the zero-based block count from CDW12.
func (c *Command) BlockCount() uint16 {
	return uint16(c.Cdw12)
}

// NewFlush builds a flush command for the given namespace.
func NewFlush(nsid uint32, tag uint16) Command {
	return Command{
		Opcode:    OpFlush,
		CommandID: tag,
		NSID:      nsid,
	}
}

// NewRW builds a read or write command. slba is the device logical block
// address, blocks the zero-based block count.
func NewRW(opcode uint8, nsid uint32, tag uint16, slba uint64, blocks uint16) Command {
	cmd := Command{
		Opcode:    opcode,
		CommandID: tag,
		NSID:      nsid,
	}
	cmd.SetSLBA(slba)
	cmd.SetBlockCount(blocks)
	return cmd
}

// Completion is a 16-byte completion queue entry. The low bit of Status is
// the ring's phase bit; the remaining 15 bits are the status code.
//
//	struct nvme_completion:
//	  __le32 result;
//	  __le32 rsvd;
//	  __le16 sq_head;
//	  __le16 sq_id;
//	  __u16  command_id;
//	  __le16 status;      // bit 0: phase, bits 1-15: status code
type Completion struct {
	Result    uint32
	Reserved  uint32
	SQHead    uint16
	SQID      uint16
	CommandID uint16
	Status    uint16
}

// Compile-time size check - CQ entries are exactly 16 bytes.
var _ [16]byte = [unsafe.Sizeof(Completion{})]byte{}

// Phase returns the entry's phase bit.
func (c *Completion) Phase() uint16 {
	return c.Status & 1
}

// StatusCode returns the status with the phase bit stripped.
func (c *Completion) StatusCode() uint16 {
	return c.Status >> 1
}
