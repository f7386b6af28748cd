package nvme

import (
	"github.com/behrlich/go-nvme/internal/dma"
	"github.com/behrlich/go-nvme/internal/hw"
	"github.com/behrlich/go-nvme/internal/queue"
)

// QueueClass partitions hardware queues between traffic classes.
type QueueClass int

const (
	ClassDefault QueueClass = iota
	ClassPoll
)

// QueueMapper is the narrow abstraction over the host framework's
// queue-to-CPU mapping structures: "assign count queues of class starting at
// queueOffset, with interrupt affinity starting at irqOffset". All raw
// layout access stays on the framework side of this boundary.
type QueueMapper interface {
	Assign(class QueueClass, count, queueOffset, irqOffset uint32)
}

// AdminQueueOps is the queue-operations variant for the admin queue. It
// differs from IOQueueOps only in queue lookup; it has no poll support and
// no queue mapping.
type AdminQueueOps struct {
	dev *DeviceData
}

// NewAdminQueueOps binds the admin variant to a device.
func NewAdminQueueOps(dev *DeviceData) AdminQueueOps {
	return AdminQueueOps{dev: dev}
}

// InitHCtx resolves the hardware context to the admin pair regardless of
// index.
func (o AdminQueueOps) InitHCtx(_ uint32) (*queue.Pair, error) {
	pair, _, err := o.dev.AdminQueue()
	return pair, err
}

// Queue translates and submits one admin request.
func (o AdminQueueOps) Queue(ns *Namespace, rq *Request, isLast bool) error {
	pair, _, err := o.dev.AdminQueue()
	if err != nil {
		return err
	}
	return queueRequest(o.dev, pair, ns, rq, isLast)
}

// CommitRqs flushes any deferred submission doorbell.
func (o AdminQueueOps) CommitRqs() {
	if pair, _, err := o.dev.AdminQueue(); err == nil {
		pair.CommitSubmissions()
	}
}

// IOQueueOps is the queue-operations variant for I/O queues: per-hctx queue
// lookup, poll support and default/poll queue mapping.
type IOQueueOps struct {
	dev *DeviceData
}

// NewIOQueueOps binds the I/O variant to a device.
func NewIOQueueOps(dev *DeviceData) IOQueueOps {
	return IOQueueOps{dev: dev}
}

// InitHCtx resolves a hardware context index to its queue pair.
func (o IOQueueOps) InitHCtx(hctx uint32) (*queue.Pair, error) {
	pair, _, err := o.dev.IOQueue(hctx)
	return pair, err
}

// Queue translates and submits one I/O request on the given hardware
// context.
func (o IOQueueOps) Queue(hctx uint32, ns *Namespace, rq *Request, isLast bool) error {
	pair, _, err := o.dev.IOQueue(hctx)
	if err != nil {
		return err
	}
	return queueRequest(o.dev, pair, ns, rq, isLast)
}

// CommitRqs flushes any deferred submission doorbell on the context.
func (o IOQueueOps) CommitRqs(hctx uint32) {
	if pair, _, err := o.dev.IOQueue(hctx); err == nil {
		pair.CommitSubmissions()
	}
}

// Poll drains completions on a poll-mode context. A non-zero return is the
// "has work" signal for the host framework's poll loop.
func (o IOQueueOps) Poll(hctx uint32) int {
	pair, _, err := o.dev.IOQueue(hctx)
	if err != nil {
		return 0
	}
	n := pair.ProcessCompletions()
	o.dev.metrics.RecordDrained(n)
	return n
}

// MapQueues partitions the provisioned I/O queues between the default and
// poll classes. Interrupt-affinity offsets start at 1 because vector 0
// belongs to the admin queue; the poll class carries no affinity.
func (o IOQueueOps) MapQueues(m QueueMapper) {
	irqCount, pollCount := o.dev.QueueCounts()

	var queueOffset uint32
	irqOffset := uint32(1)
	for _, class := range []QueueClass{ClassDefault, ClassPoll} {
		count := irqCount
		if class == ClassPoll {
			count = pollCount
		}
		if count == 0 {
			m.Assign(class, 0, 0, 0)
			continue
		}
		if class == ClassPoll {
			m.Assign(class, count, queueOffset, 0)
		} else {
			m.Assign(class, count, queueOffset, irqOffset)
		}
		queueOffset += count
		irqOffset += count
	}
}

// queueRequest maps one host operation onto a device command and submits
// it. Shared by both queue-operations variants.
func queueRequest(dev *DeviceData, pair *queue.Pair, ns *Namespace, rq *Request, isLast bool) error {
	switch rq.Op {
	case OpPassthrough:
		// The caller-supplied command goes out verbatim.
		rq.markStarted()
		dev.metrics.RecordSubmission(OpPassthrough, 0)
		pair.Submit(&rq.Cmd, isLast)
		return nil

	case OpFlush:
		cmd := hw.NewFlush(ns.ID, rq.Tag())
		rq.Cmd = cmd
		rq.markStarted()
		dev.metrics.RecordSubmission(OpFlush, 0)
		pair.Submit(&cmd, isLast)
		return nil

	case OpRead, OpWrite:
		return queueRW(dev, pair, ns, rq, isLast)

	default:
		// Never reaches the ring; not retryable.
		return NewRequestError("QUEUE_RQ", int(pair.QID()), int(rq.Tag()),
			ErrCodeUnsupportedOp, "operation "+rq.Op.String())
	}
}

func queueRW(dev *DeviceData, pair *queue.Pair, ns *Namespace, rq *Request, isLast bool) error {
	dir, opcode := dma.FromDevice, hw.OpRead
	if rq.Op == OpWrite {
		dir, opcode = dma.ToDevice, hw.OpWrite
	}

	length := rq.Length
	blockMask := uint32(1)<<ns.LBAShift - 1
	if length == 0 || length&blockMask != 0 {
		return NewRequestError("QUEUE_RQ", int(pair.QID()), int(rq.Tag()),
			ErrCodeInvalidParams, "transfer length is not a positive multiple of the block size")
	}

	slba := rq.ByteOffset >> ns.LBAShift
	cmd := hw.NewRW(opcode, ns.ID, rq.Tag(), slba, uint16(length>>ns.LBAShift)-1)

	if dma.InlineEligible(rq.Segments, length) {
		addr, err := dev.mapper.MapSingle(rq.Segments[0], dir)
		if err != nil {
			dev.metrics.RecordMappingError()
			return &Error{
				Op: "QUEUE_RQ", QID: int(pair.QID()), Tag: int(rq.Tag()),
				Code: ErrCodeNoMemory, Msg: "inline mapping failed", Inner: err,
			}
		}

		rq.markStarted()

		cmd.PRP1 = addr
		if length > hw.CtrlPageSize {
			cmd.PRP2 = addr + hw.CtrlPageSize
		}
		rq.storeInline(addr, length, dir)
		rq.Cmd = cmd

		dev.metrics.RecordSubmission(rq.Op, uint64(length))
		pair.Submit(&cmd, isLast)
		return nil
	}

	md := &dma.MappingData{}
	chunks, err := dev.mapper.MapSG(rq.Segments, dir)
	if err != nil {
		dev.metrics.RecordMappingError()
		return &Error{
			Op: "QUEUE_RQ", QID: int(pair.QID()), Tag: int(rq.Tag()),
			Code: ErrCodeNoMemory, Msg: "scatter-gather mapping failed", Inner: err,
		}
	}
	md.Chunks = chunks

	pageCount, err := dma.SetupPRPs(dev.pool, &cmd, md)
	if err != nil {
		dev.mapper.UnmapSG(chunks, dir)
		dev.metrics.RecordMappingError()
		return &Error{
			Op: "QUEUE_RQ", QID: int(pair.QID()), Tag: int(rq.Tag()),
			Code: ErrCodeNoMemory, Msg: "descriptor list construction failed", Inner: err,
		}
	}

	rq.storeSG(uint32(len(chunks)), pageCount, cmd.PRP2, md, dir)
	rq.Cmd = cmd
	rq.markStarted()

	dev.metrics.RecordSubmission(rq.Op, uint64(length))
	pair.Submit(&cmd, isLast)
	return nil
}
