package nvme

// Default configuration constants
const (
	// DefaultQueueDepth is the default I/O queue depth per queue
	DefaultQueueDepth = 1024

	// AdminQueueDepth is the fixed admin queue depth
	AdminQueueDepth = 32

	// DefaultDoorbellStride is the doorbell stride in bytes for CAP.DSTRD=0
	DefaultDoorbellStride = 4

	// DefaultPoolPages is the default descriptor-page pool size
	DefaultPoolPages = 256

	// DefaultLogicalBlockShift is log2 of the default 512-byte logical block
	DefaultLogicalBlockShift = 9

	// AdminQueueID is the queue identifier of the admin queue. The admin
	// queue is exempt from the shadow-doorbell event-index check and always
	// signals the device.
	AdminQueueID = 0
)
