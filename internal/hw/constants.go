package hw

// NVM command set opcodes used by the translation layer.
const (
	OpFlush uint8 = 0x00
	OpWrite uint8 = 0x01
	OpRead  uint8 = 0x02
)

// Controller memory geometry. The controller page size is fixed at 4KiB
// regardless of the host page size; PRP entries are 8-byte device addresses.
const (
	// CtrlPageSize is the controller page unit for PRP arithmetic.
	CtrlPageSize = 4096

	// CtrlPageShift is log2(CtrlPageSize).
	CtrlPageShift = 12

	// PRPEntrySize is the size of one descriptor-page entry in bytes.
	PRPEntrySize = 8

	// PRPsPerPage is the number of entries in one descriptor page.
	PRPsPerPage = CtrlPageSize / PRPEntrySize
)

// SectorShift converts 512-byte sector counts to bytes.
const SectorShift = 9
