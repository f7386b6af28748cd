package queue

import (
	"testing"
	"unsafe"

	"github.com/behrlich/go-nvme/internal/devmem"
	"github.com/behrlich/go-nvme/internal/hw"
)

type dbWrite struct {
	offset uint32
	value  uint32
}

type fakeRegs struct {
	writes []dbWrite
}

func (r *fakeRegs) WriteDoorbell(offset, value uint32) {
	r.writes = append(r.writes, dbWrite{offset, value})
}

type fakeCompleter struct {
	result    uint32
	status    uint16
	completed int
}

func (c *fakeCompleter) SetCompletion(result uint32, status uint16) {
	c.result = result
	c.status = status
}

func (c *fakeCompleter) Complete() { c.completed++ }

type fakeTags map[uint16]*fakeCompleter

func (t fakeTags) ByTag(tag uint16) (Completer, bool) {
	c, ok := t[tag]
	return c, ok
}

type fakeStats struct {
	writes, elided, stale int
}

func (s *fakeStats) DoorbellWrite()   { s.writes++ }
func (s *fakeStats) DoorbellElided()  { s.elided++ }
func (s *fakeStats) StaleCompletion() { s.stale++ }

type fakeRegistration struct{ freed bool }

func (r *fakeRegistration) Free() error { r.freed = true; return nil }

type fakeRegistrar struct {
	handler func() bool
	reg     *fakeRegistration
}

func (r *fakeRegistrar) RequestIRQ(vector uint16, name string, handler func() bool) (Registration, error) {
	r.handler = handler
	r.reg = &fakeRegistration{}
	return r.reg, nil
}

func newTestPair(t *testing.T, cfg Config) *Pair {
	t.Helper()
	if cfg.DBStride == 0 {
		cfg.DBStride = 4
	}
	if cfg.Regs == nil {
		cfg.Regs = &fakeRegs{}
	}
	if cfg.Tags == nil {
		cfg.Tags = fakeTags{}
	}
	cfg.Alloc = devmem.HeapAllocator{}
	p, err := NewPair(cfg)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// postCQE writes a completion into the ring the way the device would. The
// heap allocator hands out identity addresses, so CQAddr is directly usable.
func postCQE(p *Pair, slot int, cqe hw.Completion) {
	cq := unsafe.Slice((*hw.Completion)(unsafe.Pointer(uintptr(p.CQAddr()))), p.Depth())
	cq[slot] = cqe
}

func TestNeedEvent(t *testing.T) {
	tests := []struct {
		name                  string
		eventIdx, newIdx, old uint16
		want                  bool
	}{
		{"step past event", 0, 1, 0, true},
		{"no movement", 5, 7, 7, false},
		{"event not reached", 5, 3, 2, false},
		{"new equals event", 4, 4, 3, false},
		{"new just past event", 4, 5, 3, true},
		{"event inside span", 10, 12, 8, true},
		{"wraparound crossing", 0xfffe, 1, 0xfffd, true},
		{"wraparound not crossing", 3, 1, 0xfffd, false},
	}
	for _, tt := range tests {
		if got := needEvent(tt.eventIdx, tt.newIdx, tt.old); got != tt.want {
			t.Errorf("%s: needEvent(%d, %d, %d) = %v, want %v",
				tt.name, tt.eventIdx, tt.newIdx, tt.old, got, tt.want)
		}
	}
}

func TestSubmitRingsDoorbell(t *testing.T) {
	regs := &fakeRegs{}
	stats := &fakeStats{}
	p := newTestPair(t, Config{QID: 1, Depth: 8, Regs: regs, Stats: stats})

	cmd := hw.NewFlush(1, 0)
	p.Submit(&cmd, true)

	wantOffset := uint32(1)*4*2 + 4096
	if len(regs.writes) != 1 || regs.writes[0] != (dbWrite{wantOffset, 1}) {
		t.Fatalf("doorbell writes = %v, want [{%d 1}]", regs.writes, wantOffset)
	}
	if stats.writes != 1 {
		t.Errorf("doorbell write count = %d, want 1", stats.writes)
	}
	if p.Tail() != 1 {
		t.Errorf("tail = %d, want 1", p.Tail())
	}
}

func TestDoorbellCoalescing(t *testing.T) {
	regs := &fakeRegs{}
	p := newTestPair(t, Config{QID: 1, Depth: 8, Regs: regs})

	cmd := hw.NewFlush(1, 0)
	for i := 0; i < 3; i++ {
		p.Submit(&cmd, false)
	}
	if len(regs.writes) != 0 {
		t.Fatalf("doorbell rung during deferred submissions: %v", regs.writes)
	}

	p.CommitSubmissions()
	if len(regs.writes) != 1 || regs.writes[0].value != 3 {
		t.Fatalf("commit writes = %v, want one write of 3", regs.writes)
	}

	// Nothing further deferred; a second commit is a no-op.
	p.CommitSubmissions()
	if len(regs.writes) != 1 {
		t.Errorf("idle commit rang the doorbell: %v", regs.writes)
	}
}

func TestCoalesceLimitForcesRing(t *testing.T) {
	regs := &fakeRegs{}
	p := newTestPair(t, Config{QID: 1, Depth: 8, CoalesceLimit: 2, Regs: regs})

	cmd := hw.NewFlush(1, 0)
	p.Submit(&cmd, false)
	if len(regs.writes) != 0 {
		t.Fatalf("doorbell rung below the coalescing limit: %v", regs.writes)
	}
	p.Submit(&cmd, false)
	if len(regs.writes) != 1 || regs.writes[0].value != 2 {
		t.Fatalf("writes = %v, want one write of 2 at the limit", regs.writes)
	}
}

func TestCoalescingAcrossTailWrap(t *testing.T) {
	regs := &fakeRegs{}
	p := newTestPair(t, Config{QID: 1, Depth: 4, Regs: regs})

	cmd := hw.NewFlush(1, 0)
	p.Submit(&cmd, true)
	p.Submit(&cmd, true)
	p.Submit(&cmd, true)

	// Tail wraps 3 -> 0; the deferred-span arithmetic must not undercount.
	p.Submit(&cmd, false)
	p.Submit(&cmd, false)
	p.CommitSubmissions()

	last := regs.writes[len(regs.writes)-1]
	if last.value != 1 {
		t.Errorf("post-wrap doorbell value = %d, want 1", last.value)
	}
}

func TestTailArithmetic(t *testing.T) {
	p := newTestPair(t, Config{QID: 1, Depth: 4})

	cmd := hw.NewFlush(1, 0)
	for n := 1; n <= 10; n++ {
		p.Submit(&cmd, true)
		if want := uint16(n % 4); p.Tail() != want {
			t.Fatalf("tail after %d submissions = %d, want %d", n, p.Tail(), want)
		}
	}
}

func TestDrainIsPhaseGated(t *testing.T) {
	tags := fakeTags{0: {}}
	p := newTestPair(t, Config{QID: 1, Depth: 8, Tags: tags})

	// Entry posted with a stale phase bit is invisible.
	postCQE(p, 0, hw.Completion{CommandID: 0, Status: 0})
	if n := p.ProcessCompletions(); n != 0 {
		t.Fatalf("stale-phase entry drained: %d", n)
	}
	if p.Head() != 0 || p.Phase() != 1 {
		t.Fatalf("head/phase moved on a stale entry: %d/%d", p.Head(), p.Phase())
	}

	// Flipping the phase bit publishes it.
	postCQE(p, 0, hw.Completion{CommandID: 0, Status: 1})
	if n := p.ProcessCompletions(); n != 1 {
		t.Fatalf("published entry not drained: %d", n)
	}
	if p.Head() != 1 {
		t.Errorf("head = %d, want 1", p.Head())
	}
}

func TestProcessCompletions(t *testing.T) {
	regs := &fakeRegs{}
	stats := &fakeStats{}
	tags := fakeTags{0: {}, 1: {}}
	p := newTestPair(t, Config{QID: 1, Depth: 8, Regs: regs, Tags: tags, Stats: stats})

	if n := p.ProcessCompletions(); n != 0 {
		t.Fatalf("drain of empty ring = %d, want 0", n)
	}

	postCQE(p, 0, hw.Completion{CommandID: 0, Result: 7, Status: 0x01})        // ok, phase 1
	postCQE(p, 1, hw.Completion{CommandID: 1, Result: 0, Status: 0x80<<1 | 1}) // error status

	if n := p.ProcessCompletions(); n != 2 {
		t.Fatalf("drained %d, want 2", n)
	}
	if tags[0].completed != 1 || tags[0].result != 7 || tags[0].status != 0 {
		t.Errorf("tag 0 completion: %+v", tags[0])
	}
	if tags[1].completed != 1 || tags[1].status != 0x80 {
		t.Errorf("tag 1 completion: %+v", tags[1])
	}
	if p.Head() != 2 || p.Phase() != 1 {
		t.Errorf("head=%d phase=%d, want 2/1", p.Head(), p.Phase())
	}

	// One CQ doorbell at the SQ doorbell offset plus one stride.
	wantOffset := uint32(1)*4*2 + 4096 + 4
	last := regs.writes[len(regs.writes)-1]
	if last != (dbWrite{wantOffset, 2}) {
		t.Errorf("cq doorbell = %v, want {%d 2}", last, wantOffset)
	}

	// Re-drain without new entries consumes nothing and rings nothing.
	writes := len(regs.writes)
	if n := p.ProcessCompletions(); n != 0 {
		t.Errorf("re-drain = %d, want 0", n)
	}
	if len(regs.writes) != writes {
		t.Errorf("re-drain rang the doorbell")
	}
}

func TestPhaseFlipAcrossWrap(t *testing.T) {
	tags := fakeTags{}
	for i := uint16(0); i < 4; i++ {
		tags[i] = &fakeCompleter{}
	}
	p := newTestPair(t, Config{QID: 1, Depth: 4, Tags: tags})

	for i := 0; i < 4; i++ {
		postCQE(p, i, hw.Completion{CommandID: uint16(i), Status: 1})
	}
	if n := p.ProcessCompletions(); n != 4 {
		t.Fatalf("first pass drained %d, want 4", n)
	}
	if p.Head() != 0 || p.Phase() != 0 {
		t.Fatalf("after wrap: head=%d phase=%d, want 0/0", p.Head(), p.Phase())
	}

	// The second lap publishes with phase 0.
	for i := 0; i < 4; i++ {
		postCQE(p, i, hw.Completion{CommandID: uint16(i), Status: 0})
	}
	if n := p.ProcessCompletions(); n != 4 {
		t.Fatalf("second pass drained %d, want 4", n)
	}
	if p.Phase() != 1 {
		t.Errorf("phase after second wrap = %d, want 1", p.Phase())
	}
	if tags[0].completed != 2 {
		t.Errorf("tag 0 completed %d times, want 2", tags[0].completed)
	}
}

func TestStaleCompletionDropped(t *testing.T) {
	stats := &fakeStats{}
	tags := fakeTags{1: {}}
	p := newTestPair(t, Config{QID: 1, Depth: 8, Tags: tags, Stats: stats})

	postCQE(p, 0, hw.Completion{CommandID: 99, Status: 1})
	postCQE(p, 1, hw.Completion{CommandID: 1, Status: 1})

	if n := p.ProcessCompletions(); n != 2 {
		t.Fatalf("drained %d, want 2", n)
	}
	if stats.stale != 1 {
		t.Errorf("stale count = %d, want 1", stats.stale)
	}
	if tags[1].completed != 1 {
		t.Errorf("valid completion after the stale one was not delivered")
	}
}

func TestShadowDoorbellElision(t *testing.T) {
	regs := &fakeRegs{}
	stats := &fakeStats{}
	shadow := &Shadow{DBs: make([]uint32, 8), EIs: make([]uint32, 8)}
	p := newTestPair(t, Config{QID: 1, Depth: 8, Shadow: shadow, Regs: regs, Stats: stats})

	// qid 1, stride 4: shadow index 2. Event index far ahead - no signal.
	shadow.EIs[2] = 100

	cmd := hw.NewFlush(1, 0)
	p.Submit(&cmd, true)
	if len(regs.writes) != 0 {
		t.Fatalf("register doorbell written despite event index: %v", regs.writes)
	}
	if shadow.DBs[2] != 1 {
		t.Errorf("shadow doorbell = %d, want 1", shadow.DBs[2])
	}
	if stats.elided != 1 {
		t.Errorf("elided count = %d, want 1", stats.elided)
	}

	// Event index at the old value: the next step crosses it.
	shadow.EIs[2] = 1
	p.Submit(&cmd, true)
	if len(regs.writes) != 1 || regs.writes[0].value != 2 {
		t.Fatalf("writes = %v, want one write of 2 after crossing the event index", regs.writes)
	}
}

func TestAdminQueueAlwaysSignals(t *testing.T) {
	regs := &fakeRegs{}
	shadow := &Shadow{DBs: make([]uint32, 8), EIs: make([]uint32, 8)}
	p := newTestPair(t, Config{QID: 0, Depth: 8, Shadow: shadow, Regs: regs})

	shadow.EIs[0] = 100 // would elide on an I/O queue

	cmd := hw.NewFlush(1, 0)
	p.Submit(&cmd, true)
	if len(regs.writes) != 1 {
		t.Fatalf("admin submission did not ring the register doorbell: %v", regs.writes)
	}
	if shadow.DBs[0] != 0 {
		t.Errorf("admin queue touched the shadow buffer")
	}
}

func TestRegisterIRQ(t *testing.T) {
	tags := fakeTags{3: {}}
	reg := &fakeRegistrar{}
	p := newTestPair(t, Config{QID: 1, Depth: 8, Vector: 5, Tags: tags})

	if err := p.RegisterIRQ(reg, "nvme0q1"); err != nil {
		t.Fatalf("RegisterIRQ: %v", err)
	}
	if reg.handler == nil {
		t.Fatal("no handler attached")
	}

	if reg.handler() {
		t.Error("handler reported work on an empty ring")
	}
	postCQE(p, 0, hw.Completion{CommandID: 3, Status: 1})
	if !reg.handler() {
		t.Error("handler reported no work with an entry pending")
	}
	if tags[3].completed != 1 {
		t.Errorf("completion not delivered through the handler")
	}

	if err := p.UnregisterIRQ(); err != nil {
		t.Fatalf("UnregisterIRQ: %v", err)
	}
	if !reg.reg.freed {
		t.Error("registration not freed")
	}
}

func TestRegisterIRQRejectsPolledPair(t *testing.T) {
	p := newTestPair(t, Config{QID: 1, Depth: 8, Polled: true})
	if err := p.RegisterIRQ(&fakeRegistrar{}, "nvme0q1"); err == nil {
		t.Error("poll-mode pair accepted an interrupt registration")
	}
}
