package nvme

import "testing"

func TestMetricsSubmissionCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordSubmission(OpRead, 4096)
	m.RecordSubmission(OpRead, 512)
	m.RecordSubmission(OpWrite, 8192)
	m.RecordSubmission(OpFlush, 0)
	m.RecordSubmission(OpPassthrough, 0)

	if got := m.ReadOps.Load(); got != 2 {
		t.Errorf("ReadOps = %d, want 2", got)
	}
	if got := m.ReadBytes.Load(); got != 4608 {
		t.Errorf("ReadBytes = %d, want 4608", got)
	}
	if got := m.WriteBytes.Load(); got != 8192 {
		t.Errorf("WriteBytes = %d, want 8192", got)
	}
	if m.FlushOps.Load() != 1 || m.PassthroughOps.Load() != 1 {
		t.Error("flush/passthrough submissions not counted")
	}
}

func TestMetricsCompletionErrors(t *testing.T) {
	m := NewMetrics()
	m.RecordCompletion(OpRead, 1000, false)
	m.RecordCompletion(OpWrite, 1000, false)
	m.RecordCompletion(OpFlush, 1000, false)
	m.RecordCompletion(OpRead, 1000, true)

	if m.ReadErrors.Load() != 1 || m.WriteErrors.Load() != 1 || m.FlushErrors.Load() != 1 {
		t.Errorf("error counters: read=%d write=%d flush=%d, want 1 each",
			m.ReadErrors.Load(), m.WriteErrors.Load(), m.FlushErrors.Load())
	}
	if got := m.OpCount.Load(); got != 4 {
		t.Errorf("OpCount = %d, want 4", got)
	}
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics()
	m.RecordCompletion(OpRead, 5_000, true) // between 1us and 10us

	if m.LatencyHistogram[0].Load() != 0 {
		t.Error("5us latency landed in the 1us bucket")
	}
	for i := 1; i < numLatencyBuckets; i++ {
		if m.LatencyHistogram[i].Load() != 1 {
			t.Errorf("cumulative bucket %d = %d, want 1", i, m.LatencyHistogram[i].Load())
		}
	}
	if got := m.AverageLatencyNs(); got != 5_000 {
		t.Errorf("AverageLatencyNs = %d, want 5000", got)
	}
}

func TestMetricsAverageLatencyEmpty(t *testing.T) {
	m := NewMetrics()
	if got := m.AverageLatencyNs(); got != 0 {
		t.Errorf("AverageLatencyNs with no ops = %d, want 0", got)
	}
}

func TestMetricsStatsSink(t *testing.T) {
	m := NewMetrics()
	m.DoorbellWrite()
	m.DoorbellWrite()
	m.DoorbellElided()
	m.StaleCompletion()
	m.RecordDrained(3)
	m.RecordDrained(0)

	snap := m.Snapshot()
	if snap.DoorbellWrites != 2 || snap.DoorbellsElided != 1 {
		t.Errorf("doorbell counters: writes=%d elided=%d", snap.DoorbellWrites, snap.DoorbellsElided)
	}
	if snap.StaleCompletions != 1 {
		t.Errorf("StaleCompletions = %d, want 1", snap.StaleCompletions)
	}
	if snap.Completions != 3 {
		t.Errorf("Completions = %d, want 3", snap.Completions)
	}
}
