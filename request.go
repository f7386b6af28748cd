// Package nvme implements the hardware-facing core of an NVMe block-storage
// driver: a queue-pair engine over device-visible rings, a two-tier DMA
// mapping strategy (inline vs. chained PRP descriptor lists), and the
// translation between host operations and device commands.
//
// Device enumeration, register window mapping and interrupt delivery belong
// to external collaborators and are reached only through the narrow
// interfaces in internal/queue and internal/dma.
package nvme

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/behrlich/go-nvme/internal/devmem"
	"github.com/behrlich/go-nvme/internal/dma"
	"github.com/behrlich/go-nvme/internal/hw"
	"github.com/behrlich/go-nvme/internal/logging"
	"github.com/behrlich/go-nvme/internal/queue"
)

// OpKind is the host-visible operation class of a request.
type OpKind int32

const (
	OpRead OpKind = iota
	OpWrite
	OpFlush
	// OpPassthrough submits the caller-supplied command verbatim.
	OpPassthrough
)

func (o OpKind) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpPassthrough:
		return "passthrough"
	default:
		return fmt.Sprintf("op_%d", int32(o))
	}
}

// Namespace carries the identity and block geometry the translation layer
// needs from a namespace.
type Namespace struct {
	ID uint32
	// LBAShift is log2 of the logical block size.
	LBAShift uint8
}

// ReqState is the lifecycle state of a request slot.
type ReqState int32

const (
	// ReqAllocated: the slot exists, no command has been written.
	ReqAllocated ReqState = iota
	// ReqSubmitted: the command is on a ring, completion pending.
	ReqSubmitted
	// ReqCompletedOK and ReqCompletedErr are terminal until the slot is
	// prepared for reuse.
	ReqCompletedOK
	ReqCompletedErr
)

// noAddr marks an unset DMA address.
const noAddr = ^uint64(0)

// Request is one per-tag request slot, reused across the slot's lifetime.
//
// The descriptor fields (Op, ByteOffset, Length, Segments, Cmd, OnEnd) are
// filled by the host dispatch framework before the request is queued. The
// atomic fields are a single-producer/single-consumer handoff: the
// submitting context writes them once before the command becomes visible on
// the ring, the completing context reads them once.
type Request struct {
	tag uint16
	qid uint16

	pool    *devmem.Pool
	mapper  dma.Mapper
	metrics *Metrics
	log     *logging.Logger

	// Host-supplied descriptor.
	Op         OpKind
	ByteOffset uint64
	Length     uint32
	Segments   []dma.Segment
	// Cmd is the raw command buffer: the caller-supplied command for
	// passthrough, and the command actually submitted for every kind.
	// Written once per submission, read until completion.
	Cmd   hw.Command
	OnEnd func(error)

	startedAt time.Time
	state     atomic.Int32

	// Completion-path handoff.
	dmaAddr   atomic.Uint64
	xferLen   atomic.Uint32
	direction atomic.Int32
	result    atomic.Uint32
	status    atomic.Uint32
	sgCount   atomic.Uint32
	pageCount atomic.Uint32
	firstDMA  atomic.Uint64
	mapping   atomic.Pointer[dma.MappingData]
}

func newRequest(tag, qid uint16, pool *devmem.Pool, mapper dma.Mapper, metrics *Metrics, log *logging.Logger) *Request {
	r := &Request{
		tag:     tag,
		qid:     qid,
		pool:    pool,
		mapper:  mapper,
		metrics: metrics,
		log:     log,
	}
	r.dmaAddr.Store(noAddr)
	return r
}

// Tag returns the slot's tag, which equals the command identifier of every
// command submitted from this slot.
func (r *Request) Tag() uint16 { return r.tag }

// State returns the slot's lifecycle state.
func (r *Request) State() ReqState { return ReqState(r.state.Load()) }

// Result returns the device-reported result value of the last completion.
func (r *Request) Result() uint32 { return r.result.Load() }

// Status returns the device-reported status code of the last completion.
func (r *Request) Status() uint16 { return uint16(r.status.Load()) }

// Prepare readies the slot for a data, flush or passthrough operation.
// It fails if a command from the slot is still in flight.
func (r *Request) Prepare(op OpKind, byteOffset uint64, length uint32, segs []dma.Segment, onEnd func(error)) error {
	if ReqState(r.state.Load()) == ReqSubmitted {
		return NewRequestError("PREPARE", int(r.qid), int(r.tag), ErrCodeInvalidParams,
			"slot has a command in flight")
	}
	r.Op = op
	r.ByteOffset = byteOffset
	r.Length = length
	r.Segments = segs
	r.OnEnd = onEnd
	r.Cmd = hw.Command{}
	r.resetHandoff()
	r.state.Store(int32(ReqAllocated))
	return nil
}

// PreparePassthrough readies the slot with a caller-supplied command.
func (r *Request) PreparePassthrough(cmd hw.Command, onEnd func(error)) error {
	if err := r.Prepare(OpPassthrough, 0, 0, nil, onEnd); err != nil {
		return err
	}
	r.Cmd = cmd
	return nil
}

func (r *Request) resetHandoff() {
	r.dmaAddr.Store(noAddr)
	r.xferLen.Store(0)
	r.direction.Store(int32(dma.FromDevice))
	r.result.Store(0)
	r.status.Store(0)
	r.sgCount.Store(0)
	r.pageCount.Store(0)
	r.firstDMA.Store(0)
	r.mapping.Store(nil)
}

// markStarted transitions the slot to in-flight. For data transfers this
// happens only after a DMA mapping has been obtained, so a mapping failure
// leaves the slot untouched and retryable.
func (r *Request) markStarted() {
	r.startedAt = time.Now()
	r.state.Store(int32(ReqSubmitted))
}

func (r *Request) storeInline(addr uint64, length uint32, dir dma.Direction) {
	r.dmaAddr.Store(addr)
	r.xferLen.Store(length)
	r.direction.Store(int32(dir))
}

func (r *Request) storeSG(sgCount, pageCount uint32, firstDMA uint64, md *dma.MappingData, dir dma.Direction) {
	r.sgCount.Store(sgCount)
	r.pageCount.Store(pageCount)
	r.firstDMA.Store(firstDMA)
	r.direction.Store(int32(dir))
	r.mapping.Store(md)
}

// SetCompletion stores the device-reported result and status. Called by the
// drain context before Complete.
func (r *Request) SetCompletion(result uint32, status uint16) {
	r.result.Store(result)
	r.status.Store(uint32(status))
}

// Complete releases the request's DMA resources and resolves the request.
// Runs in the drain context, exactly once per submission.
func (r *Request) Complete() {
	if r.Op == OpPassthrough {
		// Device-reported status is not surfaced for this class in the
		// current design.
		r.end(nil)
		return
	}

	dir := dma.Direction(r.direction.Load())
	if md := r.mapping.Swap(nil); md != nil {
		r.mapper.UnmapSG(md.Chunks, dir)
		if err := dma.FreeList(r.pool, r.pageCount.Load(), r.firstDMA.Load(), md); err != nil {
			r.log.Error("descriptor page release failed", "error", err)
		}
	} else if addr := r.dmaAddr.Load(); addr != noAddr {
		r.mapper.UnmapSingle(addr, r.xferLen.Load(), dir)
	}

	if st := uint16(r.status.Load()); st != 0 {
		r.log.Info("completing with error", "status", fmt.Sprintf("%#x", st))
		r.end(NewRequestError("COMPLETE", int(r.qid), int(r.tag), ErrCodeIOError,
			fmt.Sprintf("device status %#x", st)))
		return
	}
	r.end(nil)
}

func (r *Request) end(err error) {
	if err != nil {
		r.state.Store(int32(ReqCompletedErr))
	} else {
		r.state.Store(int32(ReqCompletedOK))
	}
	if r.metrics != nil {
		var latency uint64
		if !r.startedAt.IsZero() {
			latency = uint64(time.Since(r.startedAt))
		}
		r.metrics.RecordCompletion(r.Op, latency, err == nil)
	}
	if r.OnEnd != nil {
		r.OnEnd(err)
	}
}

// TagSet is one queue's request-slot table. Slot count equals the queue
// depth, so at most depth commands are ever outstanding.
type TagSet struct {
	qid   uint16
	depth uint16
	slots []*Request
}

// NewTagSet allocates a slot table for one queue.
func NewTagSet(qid, depth uint16, pool *devmem.Pool, mapper dma.Mapper, metrics *Metrics, log *logging.Logger) *TagSet {
	slots := make([]*Request, depth)
	for i := range slots {
		slots[i] = newRequest(uint16(i), qid, pool, mapper, metrics, log)
	}
	return &TagSet{qid: qid, depth: depth, slots: slots}
}

// Depth returns the slot count.
func (t *TagSet) Depth() uint16 { return t.depth }

// Request returns the slot for a tag.
func (t *TagSet) Request(tag uint16) (*Request, error) {
	if tag >= t.depth {
		return nil, NewRequestError("TAG_LOOKUP", int(t.qid), int(tag), ErrCodeInvalidParams,
			"tag out of range")
	}
	return t.slots[tag], nil
}

// ByTag implements the queue engine's tag table: it resolves only tags with
// a command in flight, so stale or unknown identifiers are dropped by the
// drain path.
func (t *TagSet) ByTag(tag uint16) (queue.Completer, bool) {
	if tag >= t.depth {
		return nil, false
	}
	rq := t.slots[tag]
	if ReqState(rq.state.Load()) != ReqSubmitted {
		return nil, false
	}
	return rq, true
}
