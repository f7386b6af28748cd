package nvme

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for one controller.
// It also implements the queue engine's Stats sink for doorbell and drain
// accounting.
type Metrics struct {
	// I/O operation counters
	ReadOps        atomic.Uint64 // Total read submissions
	WriteOps       atomic.Uint64 // Total write submissions
	FlushOps       atomic.Uint64 // Total flush submissions
	PassthroughOps atomic.Uint64 // Total passthrough submissions

	// Byte counters
	ReadBytes  atomic.Uint64 // Total bytes read
	WriteBytes atomic.Uint64 // Total bytes written

	// Error counters
	ReadErrors    atomic.Uint64 // Reads completed with nonzero status
	WriteErrors   atomic.Uint64 // Writes completed with nonzero status
	FlushErrors   atomic.Uint64 // Flushes completed with nonzero status
	MappingErrors atomic.Uint64 // DMA mapping / pool exhaustion rejections

	// Completion-path statistics
	Completions      atomic.Uint64 // Entries drained from completion rings
	StaleCompletions atomic.Uint64 // Entries with no matching tag (dropped)

	// Doorbell statistics
	DoorbellWrites  atomic.Uint64 // Register doorbell writes issued
	DoorbellsElided atomic.Uint64 // Writes skipped by the shadow event check

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative request latency in nanoseconds
	OpCount        atomic.Uint64 // Completed requests (for average latency)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of requests with latency <= LatencyBuckets[i]
	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	// Controller lifecycle
	StartTime atomic.Int64 // Controller start timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmission counts one submitted request by kind.
func (m *Metrics) RecordSubmission(op OpKind, bytes uint64) {
	switch op {
	case OpRead:
		m.ReadOps.Add(1)
		m.ReadBytes.Add(bytes)
	case OpWrite:
		m.WriteOps.Add(1)
		m.WriteBytes.Add(bytes)
	case OpFlush:
		m.FlushOps.Add(1)
	case OpPassthrough:
		m.PassthroughOps.Add(1)
	}
}

// RecordCompletion counts one finished request.
func (m *Metrics) RecordCompletion(op OpKind, latencyNs uint64, success bool) {
	if !success {
		switch op {
		case OpRead:
			m.ReadErrors.Add(1)
		case OpWrite:
			m.WriteErrors.Add(1)
		case OpFlush:
			m.FlushErrors.Add(1)
		}
	}
	m.recordLatency(latencyNs)
}

// RecordMappingError counts one pre-ring rejection.
func (m *Metrics) RecordMappingError() {
	m.MappingErrors.Add(1)
}

// RecordDrained counts entries consumed by one drain pass.
func (m *Metrics) RecordDrained(n int) {
	if n > 0 {
		m.Completions.Add(uint64(n))
	}
}

// DoorbellWrite implements the queue Stats sink.
func (m *Metrics) DoorbellWrite() {
	m.DoorbellWrites.Add(1)
}

// DoorbellElided implements the queue Stats sink.
func (m *Metrics) DoorbellElided() {
	m.DoorbellsElided.Add(1)
}

// StaleCompletion implements the queue Stats sink.
func (m *Metrics) StaleCompletion() {
	m.StaleCompletions.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

// AverageLatencyNs returns the mean completed-request latency.
func (m *Metrics) AverageLatencyNs() uint64 {
	ops := m.OpCount.Load()
	if ops == 0 {
		return 0
	}
	return m.TotalLatencyNs.Load() / ops
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ReadOps, WriteOps, FlushOps, PassthroughOps uint64
	ReadBytes, WriteBytes                       uint64
	ReadErrors, WriteErrors, FlushErrors        uint64
	MappingErrors                               uint64
	Completions, StaleCompletions               uint64
	DoorbellWrites, DoorbellsElided             uint64
	AverageLatencyNs                            uint64
	Uptime                                      time.Duration
}

// Snapshot returns a consistent-enough view of the counters for reporting.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ReadOps:          m.ReadOps.Load(),
		WriteOps:         m.WriteOps.Load(),
		FlushOps:         m.FlushOps.Load(),
		PassthroughOps:   m.PassthroughOps.Load(),
		ReadBytes:        m.ReadBytes.Load(),
		WriteBytes:       m.WriteBytes.Load(),
		ReadErrors:       m.ReadErrors.Load(),
		WriteErrors:      m.WriteErrors.Load(),
		FlushErrors:      m.FlushErrors.Load(),
		MappingErrors:    m.MappingErrors.Load(),
		Completions:      m.Completions.Load(),
		StaleCompletions: m.StaleCompletions.Load(),
		DoorbellWrites:   m.DoorbellWrites.Load(),
		DoorbellsElided:  m.DoorbellsElided.Load(),
		AverageLatencyNs: m.AverageLatencyNs(),
		Uptime:           time.Since(time.Unix(0, m.StartTime.Load())),
	}
}
