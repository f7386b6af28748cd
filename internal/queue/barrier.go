package queue

import "sync/atomic"

// barrierDummy is used for atomic operations that provide memory barrier
// semantics. On x86-64, atomic.AddInt64 compiles to LOCK XADD which has full
// fence semantics.
var barrierDummy int64

// Sfence issues a store fence equivalent. Used between writing ring contents
// and publishing the shadow doorbell, matching the ordering the controller
// observes.
func Sfence() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Mfence issues a full memory fence equivalent. Used between the shadow
// doorbell update and the event index read; the controller provides the
// mirror-image ordering on its side.
func Mfence() {
	atomic.AddInt64(&barrierDummy, 0)
}
