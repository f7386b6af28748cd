// Package sim emulates enough of an NVMe controller to exercise the driver
// core without hardware: a register window that reacts to doorbell writes by
// consuming submission entries and posting completions with correct phase
// behavior, an interrupt fabric, and a RAM-backed namespace.
//
// The simulator acts as a bus master: it dereferences the DMA addresses the
// driver hands it, which is sound because the sim environment maps devices
// with identity IOVA (see Mapper).
package sim

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/behrlich/go-nvme/internal/hw"
	"github.com/behrlich/go-nvme/internal/queue"
)

// QueueConfig describes one queue pair to the controller, mirroring what a
// create-queue admin command would carry.
type QueueConfig struct {
	QID    uint16
	Depth  uint16
	Vector uint16
	Polled bool
	SQAddr uint64
	CQAddr uint64
}

type simQueue struct {
	cfg     QueueConfig
	sq      []hw.Command
	cq      []hw.Completion
	sqHead  uint16
	cqTail  uint16
	cqPhase uint16
	sdbIdx  int
}

// Config controls controller behavior.
type Config struct {
	// DiskBytes sizes the RAM namespace; zero selects 1 MiB.
	DiskBytes int
	// LBAShift is log2 of the namespace block size; zero selects 9.
	LBAShift uint8
	// DoorbellStride in bytes; zero selects 4.
	DoorbellStride uint32
}

// Controller is the simulated device. It implements queue.Registers (the
// doorbell window) and queue.Registrar (the interrupt fabric).
type Controller struct {
	mu       sync.Mutex
	queues   map[uint16]*simQueue // by qid
	bySQDB   map[uint32]*simQueue
	byCQDB   map[uint32]*simQueue
	shadow   *queue.Shadow
	stride   uint32
	lbaShift uint8
	disk     []byte

	// statusByTag injects a completion status for the next command seen
	// with that identifier.
	statusByTag map[uint16]uint16

	handlers map[uint16]func() bool
}

// New creates a simulated controller.
func New(cfg Config) *Controller {
	if cfg.DiskBytes == 0 {
		cfg.DiskBytes = 1 << 20
	}
	if cfg.LBAShift == 0 {
		cfg.LBAShift = 9
	}
	if cfg.DoorbellStride == 0 {
		cfg.DoorbellStride = 4
	}
	return &Controller{
		queues:      make(map[uint16]*simQueue),
		bySQDB:      make(map[uint32]*simQueue),
		byCQDB:      make(map[uint32]*simQueue),
		stride:      cfg.DoorbellStride,
		lbaShift:    cfg.LBAShift,
		disk:        make([]byte, cfg.DiskBytes),
		statusByTag: make(map[uint16]uint16),
		handlers:    make(map[uint16]func() bool),
	}
}

// AttachShadow announces the shadow-doorbell buffers, as the device-setup
// collaborator would with a dbbuf config command.
func (c *Controller) AttachShadow(s *queue.Shadow) {
	c.mu.Lock()
	c.shadow = s
	c.mu.Unlock()
}

// CreateQueue registers a queue pair with the controller.
func (c *Controller) CreateQueue(cfg QueueConfig) error {
	if cfg.Depth == 0 || cfg.SQAddr == 0 || cfg.CQAddr == 0 {
		return fmt.Errorf("sim: invalid queue config for qid %d", cfg.QID)
	}
	sdbOffset := uint32(cfg.QID) * c.stride * 2
	q := &simQueue{
		cfg:     cfg,
		sq:      unsafe.Slice((*hw.Command)(unsafe.Pointer(uintptr(cfg.SQAddr))), cfg.Depth),
		cq:      unsafe.Slice((*hw.Completion)(unsafe.Pointer(uintptr(cfg.CQAddr))), cfg.Depth),
		cqPhase: 1,
		sdbIdx:  int(sdbOffset / 4),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.queues[cfg.QID]; dup {
		return fmt.Errorf("sim: qid %d already exists", cfg.QID)
	}
	c.queues[cfg.QID] = q
	c.bySQDB[sdbOffset+4096] = q
	c.byCQDB[sdbOffset+4096+c.stride] = q
	return nil
}

// InjectStatus makes the next command with the given identifier complete
// with the given status code.
func (c *Controller) InjectStatus(tag uint16, status uint16) {
	c.mu.Lock()
	c.statusByTag[tag] = status
	c.mu.Unlock()
}

// SetEventIndex writes a queue's submission event index in the shadow
// buffer, emulating controller-side event-index maintenance.
func (c *Controller) SetEventIndex(qid uint16, value uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[qid]; ok && c.shadow != nil {
		c.shadow.EIs[q.sdbIdx] = uint32(value)
	}
}

// WriteDoorbell implements queue.Registers.
func (c *Controller) WriteDoorbell(offset uint32, value uint32) {
	c.mu.Lock()
	var fire []func() bool
	if q, ok := c.bySQDB[offset]; ok {
		fire = c.consumeLocked(q, uint16(value))
	}
	// CQ doorbell writes only release slots; nothing to emulate while the
	// host is trusted to keep at most depth commands outstanding.
	c.mu.Unlock()

	for _, h := range fire {
		h()
	}
}

// Kick emulates the controller polling the shadow doorbell buffer for a
// queue whose register write was elided.
func (c *Controller) Kick(qid uint16) {
	c.mu.Lock()
	var fire []func() bool
	if q, ok := c.queues[qid]; ok && c.shadow != nil {
		fire = c.consumeLocked(q, uint16(c.shadow.DBs[q.sdbIdx]))
	}
	c.mu.Unlock()

	for _, h := range fire {
		h()
	}
}

// consumeLocked executes submissions up to newTail and posts completions.
// Returns the interrupt handlers to fire after the lock is dropped (the
// handler drains the CQ, which writes the CQ doorbell back into us).
func (c *Controller) consumeLocked(q *simQueue, newTail uint16) []func() bool {
	if newTail >= q.cfg.Depth {
		return nil
	}
	posted := false
	for q.sqHead != newTail {
		cmd := q.sq[q.sqHead]
		q.sqHead++
		if q.sqHead == q.cfg.Depth {
			q.sqHead = 0
		}

		status, result := c.executeLocked(&cmd)

		q.cq[q.cqTail] = hw.Completion{
			Result:    result,
			SQHead:    q.sqHead,
			SQID:      q.cfg.QID,
			CommandID: cmd.CommandID,
			Status:    status<<1 | q.cqPhase,
		}
		q.cqTail++
		if q.cqTail == q.cfg.Depth {
			q.cqTail = 0
			q.cqPhase ^= 1
		}
		posted = true
	}

	if c.shadow != nil {
		// Controller-side event index: notify only past this point.
		c.shadow.EIs[q.sdbIdx] = uint32(q.sqHead)
	}

	if posted && !q.cfg.Polled {
		if h, ok := c.handlers[q.cfg.Vector]; ok {
			return []func() bool{h}
		}
	}
	return nil
}

// executeLocked runs one command against the RAM namespace. Data moves only
// for transfers whose buffer is contiguous at PRP1 (the inline path);
// chained-list commands complete without data fidelity, which is all the
// structural tests need.
func (c *Controller) executeLocked(cmd *hw.Command) (status uint16, result uint32) {
	if st, ok := c.statusByTag[cmd.CommandID]; ok {
		delete(c.statusByTag, cmd.CommandID)
		return st, 0
	}

	switch cmd.Opcode {
	case hw.OpFlush:
		return 0, 0
	case hw.OpRead, hw.OpWrite:
		length := (uint32(cmd.BlockCount()) + 1) << c.lbaShift
		offset := cmd.SLBA() << c.lbaShift
		if offset+uint64(length) > uint64(len(c.disk)) {
			return 0x80, 0 // LBA out of range
		}
		contiguous := cmd.PRP2 == 0 || cmd.PRP2 == cmd.PRP1+hw.CtrlPageSize
		if !contiguous {
			return 0, 0
		}
		buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(cmd.PRP1))), length)
		if cmd.Opcode == hw.OpRead {
			copy(buf, c.disk[offset:offset+uint64(length)])
		} else {
			copy(c.disk[offset:offset+uint64(length)], buf)
		}
		return 0, 0
	default:
		// Passthrough and admin commands succeed without side effects.
		return 0, 0
	}
}

// registration implements queue.Registration.
type registration struct {
	c      *Controller
	vector uint16
}

// Free implements queue.Registration.
func (r *registration) Free() error {
	r.c.mu.Lock()
	delete(r.c.handlers, r.vector)
	r.c.mu.Unlock()
	return nil
}

// RequestIRQ implements queue.Registrar.
func (c *Controller) RequestIRQ(vector uint16, _ string, handler func() bool) (queue.Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.handlers[vector]; dup {
		return nil, fmt.Errorf("sim: vector %d already registered", vector)
	}
	c.handlers[vector] = handler
	return &registration{c: c, vector: vector}, nil
}

// Disk exposes the RAM namespace for test setup and verification.
func (c *Controller) Disk() []byte {
	return c.disk
}
