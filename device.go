package nvme

import (
	"sync"
	"unsafe"

	"github.com/behrlich/go-nvme/internal/devmem"
	"github.com/behrlich/go-nvme/internal/dma"
	"github.com/behrlich/go-nvme/internal/logging"
	"github.com/behrlich/go-nvme/internal/queue"
)

// DeviceParams configures per-controller shared state. Registers, Alloc and
// Mapper come from the device-setup collaborator (PCI/BAR/DMA plumbing is
// out of scope here).
type DeviceParams struct {
	Instance int

	// DoorbellStride is the register stride in bytes (CAP.DSTRD derived);
	// zero selects the default stride of 4.
	DoorbellStride uint32

	// EnableShadowDoorbells allocates the shadow doorbell and event-index
	// buffers. The device-setup collaborator is responsible for announcing
	// them to the controller.
	EnableShadowDoorbells bool

	// PoolPages sizes the descriptor-page pool; zero selects the default.
	PoolPages int

	Regs   queue.Registers
	Alloc  devmem.Allocator
	Mapper dma.Mapper

	Metrics *Metrics
	Logger  *logging.Logger
}

// DeviceData is the per-controller shared state: queue table, doorbell
// stride, optional shadow doorbells, register window and descriptor pool.
// It is shared by all queues of the device and outlives every queue; queues
// hold a reference to it, never the reverse.
type DeviceData struct {
	instance int
	dbStride uint32

	regs    queue.Registers
	alloc   devmem.Allocator
	mapper  dma.Mapper
	pool    *devmem.Pool
	metrics *Metrics
	log     *logging.Logger

	shadow    *queue.Shadow
	shadowDBs *devmem.Buffer
	shadowEIs *devmem.Buffer

	// mu guards the queue table; everything else is read-mostly.
	mu             sync.Mutex
	admin          *queueEntry
	io             []*queueEntry
	irqQueueCount  uint32
	pollQueueCount uint32
}

type queueEntry struct {
	pair *queue.Pair
	tags *TagSet
}

// NewDeviceData builds the controller-wide shared state.
func NewDeviceData(p DeviceParams) (*DeviceData, error) {
	if p.Regs == nil || p.Alloc == nil || p.Mapper == nil {
		return nil, NewError("NEW_DEVICE", ErrCodeInvalidParams,
			"registers, allocator and mapper are required")
	}
	if p.DoorbellStride == 0 {
		p.DoorbellStride = DefaultDoorbellStride
	}
	if p.PoolPages == 0 {
		p.PoolPages = DefaultPoolPages
	}
	if p.Metrics == nil {
		p.Metrics = NewMetrics()
	}
	if p.Logger == nil {
		p.Logger = logging.Default()
	}

	pool, err := devmem.NewPool(p.Alloc, p.PoolPages)
	if err != nil {
		return nil, WrapError("NEW_DEVICE", err)
	}

	d := &DeviceData{
		instance: p.Instance,
		dbStride: p.DoorbellStride,
		regs:     p.Regs,
		alloc:    p.Alloc,
		mapper:   p.Mapper,
		pool:     pool,
		metrics:  p.Metrics,
		log:      p.Logger.WithInstance(p.Instance),
	}

	if p.EnableShadowDoorbells {
		dbs, err := p.Alloc.AllocCoherent(devmem.PageSize)
		if err != nil {
			pool.Close()
			return nil, WrapError("NEW_DEVICE", err)
		}
		eis, err := p.Alloc.AllocCoherent(devmem.PageSize)
		if err != nil {
			p.Alloc.Free(dbs)
			pool.Close()
			return nil, WrapError("NEW_DEVICE", err)
		}
		d.shadowDBs = dbs
		d.shadowEIs = eis
		d.shadow = &queue.Shadow{
			DBs: unsafe.Slice((*uint32)(unsafe.Pointer(&dbs.Bytes()[0])), devmem.PageSize/4),
			EIs: unsafe.Slice((*uint32)(unsafe.Pointer(&eis.Bytes()[0])), devmem.PageSize/4),
		}
	}

	return d, nil
}

// Shadow returns the shadow-doorbell arrays, or nil when disabled. Device
// setup announces their addresses to the controller.
func (d *DeviceData) Shadow() *queue.Shadow { return d.shadow }

// ShadowAddrs returns the device addresses of the shadow buffers.
func (d *DeviceData) ShadowAddrs() (dbs, eis uint64) {
	if d.shadowDBs == nil {
		return 0, 0
	}
	return d.shadowDBs.DMAAddr(), d.shadowEIs.DMAAddr()
}

// Pool returns the descriptor-page pool.
func (d *DeviceData) Pool() *devmem.Pool { return d.pool }

// Metrics returns the controller metrics.
func (d *DeviceData) Metrics() *Metrics { return d.metrics }

// ProvisionAdminQueue creates the admin queue pair (qid 0) and its slot
// table. The admin queue is always interrupt-driven.
func (d *DeviceData) ProvisionAdminQueue(depth uint16) (*queue.Pair, *TagSet, error) {
	return d.provision(AdminQueueID, depth, 0, false)
}

// ProvisionIOQueue creates an I/O queue pair (qid >= 1) and its slot table.
func (d *DeviceData) ProvisionIOQueue(qid, depth, vector uint16, polled bool) (*queue.Pair, *TagSet, error) {
	if qid == AdminQueueID {
		return nil, nil, NewQueueError("CREATE_QUEUE", int(qid), ErrCodeInvalidParams,
			"qid 0 is reserved for the admin queue")
	}
	return d.provision(qid, depth, vector, polled)
}

func (d *DeviceData) provision(qid, depth, vector uint16, polled bool) (*queue.Pair, *TagSet, error) {
	tags := NewTagSet(qid, depth, d.pool, d.mapper, d.metrics,
		d.log.WithQueue(int(qid)))

	pair, err := queue.NewPair(queue.Config{
		QID:      qid,
		Depth:    depth,
		Vector:   vector,
		Polled:   polled,
		DBStride: d.dbStride,
		Shadow:   d.shadow,
		Regs:     d.regs,
		Tags:     tags,
		Alloc:    d.alloc,
		Stats:    d.metrics,
		Logger:   d.log,
	})
	if err != nil {
		return nil, nil, WrapError("CREATE_QUEUE", err)
	}

	entry := &queueEntry{pair: pair, tags: tags}

	d.mu.Lock()
	defer d.mu.Unlock()
	if qid == AdminQueueID {
		if d.admin != nil {
			pair.Close()
			return nil, nil, NewQueueError("CREATE_QUEUE", int(qid), ErrCodeInvalidParams,
				"admin queue already provisioned")
		}
		d.admin = entry
	} else {
		idx := int(qid) - 1
		for len(d.io) <= idx {
			d.io = append(d.io, nil)
		}
		if d.io[idx] != nil {
			pair.Close()
			return nil, nil, NewQueueError("CREATE_QUEUE", int(qid), ErrCodeInvalidParams,
				"queue already provisioned")
		}
		d.io[idx] = entry
		if polled {
			d.pollQueueCount++
		} else {
			d.irqQueueCount++
		}
	}

	d.log.Info("queue provisioned", "qid", qid, "depth", depth,
		"vector", vector, "polled", polled)
	return pair, tags, nil
}

// AdminQueue returns the admin pair and its slot table.
func (d *DeviceData) AdminQueue() (*queue.Pair, *TagSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.admin == nil {
		return nil, nil, NewQueueError("QUEUE_LOOKUP", AdminQueueID, ErrCodeQueueNotReady,
			"admin queue not provisioned")
	}
	return d.admin.pair, d.admin.tags, nil
}

// IOQueue returns the I/O pair and slot table for a hardware context index
// (hctx 0 is qid 1).
func (d *DeviceData) IOQueue(hctx uint32) (*queue.Pair, *TagSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(hctx) >= len(d.io) || d.io[hctx] == nil {
		return nil, nil, NewQueueError("QUEUE_LOOKUP", int(hctx)+1, ErrCodeQueueNotReady,
			"I/O queue not provisioned")
	}
	return d.io[hctx].pair, d.io[hctx].tags, nil
}

// QueueCounts returns the number of interrupt-driven and poll-mode I/O
// queues.
func (d *DeviceData) QueueCounts() (irq, poll uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.irqQueueCount, d.pollQueueCount
}

// Teardown quiesces and destroys every queue, then releases the shared
// resources. Interrupt deregistration happens per pair inside Close, outside
// any submission lock.
func (d *DeviceData) Teardown() error {
	d.mu.Lock()
	entries := make([]*queueEntry, 0, len(d.io)+1)
	for _, e := range d.io {
		if e != nil {
			entries = append(entries, e)
		}
	}
	if d.admin != nil {
		entries = append(entries, d.admin)
	}
	d.io = nil
	d.admin = nil
	d.irqQueueCount = 0
	d.pollQueueCount = 0
	d.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.pair.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if d.shadowDBs != nil {
		if err := d.alloc.Free(d.shadowDBs); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := d.alloc.Free(d.shadowEIs); err != nil && firstErr == nil {
			firstErr = err
		}
		d.shadow = nil
	}
	return firstErr
}
