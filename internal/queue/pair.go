// Package queue implements the NVMe queue-pair engine: one submission ring
// and one completion ring over device-visible memory, doorbell bookkeeping
// with optional shadow-doorbell coalescing, and completion draining.
//
// Concurrency contract: any number of submitters may call Submit, serialized
// by the pair's lock. Exactly one context drains completions per pair - the
// interrupt handler, or the poll entry point for poll-mode pairs, never both.
// Head and phase are therefore single-writer; they are atomics only so other
// contexts can observe them.
package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/behrlich/go-nvme/internal/devmem"
	"github.com/behrlich/go-nvme/internal/hw"
	"github.com/behrlich/go-nvme/internal/logging"
)

// Registers is the device register window. The engine only ever writes
// doorbells; everything else about the window belongs to device setup.
type Registers interface {
	WriteDoorbell(offset uint32, value uint32)
}

// Completer is the engine's view of one pending host request.
type Completer interface {
	// SetCompletion stores the device-reported result and status code
	// (phase bit already stripped).
	SetCompletion(result uint32, status uint16)

	// Complete invokes the request's completion path.
	Complete()
}

// TagTable resolves command identifiers to pending requests for one queue.
// Lookups of unknown or out-of-range tags return false.
type TagTable interface {
	ByTag(tag uint16) (Completer, bool)
}

// Registration is an attached interrupt handler. Free may block, so it must
// never be called with the pair's lock held.
type Registration interface {
	Free() error
}

// Registrar attaches interrupt handlers to vectors. Supplied by the bus
// collaborator.
type Registrar interface {
	// RequestIRQ attaches handler to the vector. The handler reports
	// whether it consumed any work.
	RequestIRQ(vector uint16, name string, handler func() bool) (Registration, error)
}

// Shadow holds the device-visible shadow-doorbell arrays: dbs mirrors every
// doorbell value, eis carries the controller-maintained event indices.
// Elements are accessed atomically because the controller updates eis
// concurrently.
type Shadow struct {
	DBs []uint32
	EIs []uint32
}

// Stats receives doorbell and drain accounting. All methods must be safe for
// concurrent use; a nil Stats disables accounting.
type Stats interface {
	DoorbellWrite()
	DoorbellElided()
	StaleCompletion()
}

// Config describes one queue pair.
type Config struct {
	QID    uint16
	Depth  uint16
	Vector uint16
	Polled bool

	// DBStride is the doorbell stride in bytes.
	DBStride uint32

	// CoalesceLimit is the maximum number of submissions between doorbell
	// rings when callers defer with is_last=false. Zero means depth-1,
	// which rings just before the deferred span would wrap onto itself.
	CoalesceLimit uint16

	Shadow *Shadow // nil disables shadow doorbells
	Regs   Registers
	Tags   TagTable
	Alloc  devmem.Allocator
	Stats  Stats
	Logger *logging.Logger
}

// Pair is one submission/completion queue pair.
type Pair struct {
	qid    uint16
	depth  uint16
	vector uint16
	polled bool

	sqBuf *devmem.Buffer
	cqBuf *devmem.Buffer
	sq    []hw.Command
	cq    []hw.Completion

	// Owned by the single drain context; atomics for cross-context reads.
	cqHead  atomic.Uint32
	cqPhase atomic.Uint32

	// mu guards sqTail, lastSQTail and irq. It stands in for the
	// interrupt-disabling spinlock an in-kernel driver would use here.
	mu         sync.Mutex
	sqTail     uint16
	lastSQTail uint16
	irq        Registration

	dbOffset uint32
	sdbIndex int
	dbStride uint32
	coalesce uint16

	shadow *Shadow
	regs   Registers
	tags   TagTable
	alloc  devmem.Allocator
	stats  Stats
	log    *logging.Logger
}

// NewPair allocates the ring memory for a queue pair. The completion ring is
// explicitly zeroed so that phase detection works from the first pass.
func NewPair(cfg Config) (*Pair, error) {
	if cfg.Depth == 0 {
		return nil, fmt.Errorf("queue %d: depth must be positive", cfg.QID)
	}
	if cfg.Regs == nil || cfg.Tags == nil || cfg.Alloc == nil {
		return nil, fmt.Errorf("queue %d: registers, tag table and allocator are required", cfg.QID)
	}

	sqBuf, err := cfg.Alloc.AllocCoherent(int(cfg.Depth) * int(unsafe.Sizeof(hw.Command{})))
	if err != nil {
		return nil, fmt.Errorf("queue %d: alloc submission ring: %w", cfg.QID, err)
	}
	cqBuf, err := cfg.Alloc.AllocCoherent(int(cfg.Depth) * int(unsafe.Sizeof(hw.Completion{})))
	if err != nil {
		cfg.Alloc.Free(sqBuf)
		return nil, fmt.Errorf("queue %d: alloc completion ring: %w", cfg.QID, err)
	}

	sdbOffset := uint32(cfg.QID) * cfg.DBStride * 2
	coalesce := cfg.CoalesceLimit
	if coalesce == 0 || coalesce >= cfg.Depth {
		coalesce = cfg.Depth - 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	p := &Pair{
		qid:      cfg.QID,
		depth:    cfg.Depth,
		vector:   cfg.Vector,
		polled:   cfg.Polled,
		sqBuf:    sqBuf,
		cqBuf:    cqBuf,
		sq:       unsafe.Slice((*hw.Command)(unsafe.Pointer(&sqBuf.Bytes()[0])), cfg.Depth),
		cq:       unsafe.Slice((*hw.Completion)(unsafe.Pointer(&cqBuf.Bytes()[0])), cfg.Depth),
		dbOffset: sdbOffset + 4096,
		sdbIndex: int(sdbOffset / 4),
		dbStride: cfg.DBStride,
		coalesce: coalesce,
		shadow:   cfg.Shadow,
		regs:     cfg.Regs,
		tags:     cfg.Tags,
		alloc:    cfg.Alloc,
		stats:    cfg.Stats,
		log:      logger.WithQueue(int(cfg.QID)),
	}

	// Zero all completions so the first phase-1 pass sees only stale slots.
	for i := range p.cq {
		p.cq[i] = hw.Completion{}
	}
	p.cqPhase.Store(1)

	return p, nil
}

// QID returns the queue identifier.
func (p *Pair) QID() uint16 { return p.qid }

// Depth returns the negotiated ring depth.
func (p *Pair) Depth() uint16 { return p.depth }

// Vector returns the assigned interrupt vector.
func (p *Pair) Vector() uint16 { return p.vector }

// Polled reports whether the pair is poll-driven.
func (p *Pair) Polled() bool { return p.polled }

// SQAddr and CQAddr return the rings' device addresses for queue creation
// commands issued by device setup.
func (p *Pair) SQAddr() uint64 { return p.sqBuf.DMAAddr() }
func (p *Pair) CQAddr() uint64 { return p.cqBuf.DMAAddr() }

// Submit writes cmd at the current tail slot and advances the tail. The
// doorbell is rung when isLast is set or the deferred span reaches the
// coalescing limit; otherwise it is deferred for a later submission or an
// explicit CommitSubmissions. Callers must not exceed the ring depth; the
// request-slot allocator backing the queue guarantees at most depth
// outstanding tags.
func (p *Pair) Submit(cmd *hw.Command, isLast bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sq[p.sqTail] = *cmd
	p.sqTail++
	if p.sqTail == p.depth {
		p.sqTail = 0
	}
	p.writeSQDoorbellLocked(isLast)
}

// CommitSubmissions flushes any deferred submission doorbell. The dispatch
// layer calls this at the end of a submission batch.
func (p *Pair) CommitSubmissions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeSQDoorbellLocked(true)
}

func (p *Pair) writeSQDoorbellLocked(writeSQ bool) {
	if !writeSQ {
		deferred := p.sqTail + p.depth - p.lastSQTail
		if deferred >= p.depth {
			deferred -= p.depth
		}
		if deferred < p.coalesce {
			return
		}
	}

	if p.updateShadowAndCheck(p.sqTail, 0) {
		p.regs.WriteDoorbell(p.dbOffset, uint32(p.sqTail))
		if p.stats != nil {
			p.stats.DoorbellWrite()
		}
	} else if p.stats != nil {
		p.stats.DoorbellElided()
	}
	p.lastSQTail = p.sqTail
}

// ProcessCompletions drains the completion ring. It is the poll entry point
// for poll-mode pairs and the interrupt handler body otherwise; it must only
// ever run in one context per pair at a time.
//
// Returns the number of entries consumed; zero means nothing was ready.
func (p *Pair) ProcessCompletions() int {
	head := uint16(p.cqHead.Load())
	phase := uint16(p.cqPhase.Load())
	found := 0

	for {
		if p.cq[head].Phase() != phase {
			break
		}
		// The entry is owned by the host now; re-read it after the
		// phase check so the body is at least as new as the phase bit.
		Mfence()
		cqe := p.cq[head]

		found++
		head++
		if head == p.depth {
			head = 0
			phase ^= 1
		}

		if rq, ok := p.tags.ByTag(cqe.CommandID); ok {
			rq.SetCompletion(cqe.Result, cqe.StatusCode())
			rq.Complete()
		} else {
			// Protocol violation or stale tag. Never fatal; the ring
			// keeps advancing.
			p.log.Warn("invalid id completed", "command_id", cqe.CommandID)
			if p.stats != nil {
				p.stats.StaleCompletion()
			}
		}
	}

	if found == 0 {
		return 0
	}

	if p.updateShadowAndCheck(head, int(p.dbStride/4)) {
		p.regs.WriteDoorbell(p.dbOffset+p.dbStride, uint32(head))
		if p.stats != nil {
			p.stats.DoorbellWrite()
		}
	} else if p.stats != nil {
		p.stats.DoorbellElided()
	}

	// Single-writer: only the drain context stores head/phase.
	p.cqHead.Store(uint32(head))
	p.cqPhase.Store(uint32(phase))

	return found
}

// needEvent implements the wraparound-aware event-index check: an event is
// needed iff (new - event - 1) mod 2^16 < (new - old) mod 2^16.
func needEvent(eventIdx, newIdx, old uint16) bool {
	return newIdx-eventIdx-1 < newIdx-old
}

// updateShadowAndCheck publishes value to the shadow doorbell at sdbIndex +
// extra and reports whether a register write is still required. The admin
// queue and shadow-disabled devices always signal.
func (p *Pair) updateShadowAndCheck(value uint16, extra int) bool {
	if p.qid == 0 || p.shadow == nil {
		return true
	}

	idx := p.sdbIndex + extra

	// Ring contents must be visible before the shadow doorbell moves.
	Sfence()

	old := atomic.SwapUint32(&p.shadow.DBs[idx], uint32(value))

	// The doorbell update must be visible before the event index is read;
	// the controller orders its side the same way.
	Mfence()

	ei := atomic.LoadUint32(&p.shadow.EIs[idx])
	return needEvent(uint16(ei), value, uint16(old))
}

// RegisterIRQ attaches the pair's completion handler to its vector.
// Poll-mode pairs are never interrupt-registered for data completions.
func (p *Pair) RegisterIRQ(r Registrar, name string) error {
	if p.polled {
		return fmt.Errorf("queue %d: poll-mode pair cannot register an interrupt", p.qid)
	}

	p.log.Info("registering irq", "vector", p.vector, "name", name)
	reg, err := r.RequestIRQ(p.vector, name, func() bool {
		return p.ProcessCompletions() != 0
	})
	if err != nil {
		return fmt.Errorf("queue %d: request irq: %w", p.qid, err)
	}

	p.mu.Lock()
	p.irq = reg
	p.mu.Unlock()
	return nil
}

// UnregisterIRQ detaches the interrupt handler. The registration is taken
// out under the lock but freed outside it, because Free may block.
func (p *Pair) UnregisterIRQ() error {
	p.mu.Lock()
	reg := p.irq
	p.irq = nil
	p.mu.Unlock()

	if reg == nil {
		return nil
	}
	return reg.Free()
}

// Head and Phase expose the drain cursor for observers and tests.
func (p *Pair) Head() uint16  { return uint16(p.cqHead.Load()) }
func (p *Pair) Phase() uint16 { return uint16(p.cqPhase.Load()) }

// Tail returns the current submission tail.
func (p *Pair) Tail() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sqTail
}

// Close detaches any interrupt handler and frees the ring memory.
func (p *Pair) Close() error {
	if err := p.UnregisterIRQ(); err != nil {
		return err
	}
	p.sq = nil
	p.cq = nil
	if err := p.alloc.Free(p.sqBuf); err != nil {
		return err
	}
	return p.alloc.Free(p.cqBuf)
}
