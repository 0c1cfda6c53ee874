package buftree

import (
	"testing"
)

func TestPushInternsSharedPrefixes(t *testing.T) {
	b := New()
	f1 := b.Push([]uintptr{0x1, 0x2, 0x3}, 10)
	f2 := b.Push([]uintptr{0x1, 0x2, 0x4}, 10)
	f3 := b.Push([]uintptr{0x1, 0x2, 0x3}, 10)

	if f1 != f3 {
		t.Fatalf("identical address paths must resolve to the same node")
	}
	if f1 == f2 {
		t.Fatalf("diverging address paths must resolve to different nodes")
	}
	if f1.Sibling != f2 && f2.Sibling != f1 {
		t.Fatalf("sibling nodes under the same parent should be linked")
	}
}

func TestPushTruncatesBeyondMaxDepth(t *testing.T) {
	b := New()
	addrs := make([]uintptr, MaxDepth+50)
	for i := range addrs {
		addrs[i] = uintptr(i + 1)
	}
	frame := b.Push(addrs, 1)
	if frame == nil {
		t.Fatalf("push of an oversized stack must not fail")
	}
	if frame.Address != addrs[len(addrs)-1] {
		t.Fatalf("truncation should keep the innermost frames, got address %#x", frame.Address)
	}
}

func TestTickAccumulatesAndTracksPeak(t *testing.T) {
	b := New()
	def, err := b.DefineCounter("TICKS", CounterTick)
	if err != nil {
		t.Fatal(err)
	}
	frame := b.Push([]uintptr{0x10}, 1)

	b.Tick(frame, def, 5, 1)
	b.Tick(frame, def, 3, 1)

	c := frame.Counters[def.id]
	if c.Value != 8 {
		t.Fatalf("expected accumulated value 8, got %d", c.Value)
	}
	if c.Ticks != 2 {
		t.Fatalf("expected 2 ticks, got %d", c.Ticks)
	}
	if c.Peak != 8 {
		t.Fatalf("expected peak to track running total, got %d", c.Peak)
	}
}

func TestTickOnMaxCounterTracksRunningMax(t *testing.T) {
	b := New()
	def, err := b.DefineCounter("MEM_HIGH", CounterMax)
	if err != nil {
		t.Fatal(err)
	}
	frame := b.Push([]uintptr{0x10}, 1)

	b.Tick(frame, def, 5, 1)
	b.Tick(frame, def, 3, 1)
	b.Tick(frame, def, 9, 1)
	b.Tick(frame, def, 4, 1)

	c := frame.Counters[def.id]
	if c.Value != 9 {
		t.Fatalf("expected running max 9, got %d", c.Value)
	}
	if c.Ticks != 4 {
		t.Fatalf("expected 4 ticks, got %d", c.Ticks)
	}
	if c.Peak != 9 {
		t.Fatalf("expected peak to track running max, got %d", c.Peak)
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	b := New()
	def, _ := b.DefineCounter("MEM_LIVE", CounterMax)
	frame := b.Push([]uintptr{0x20}, 1)

	b.Acquire(frame, def, 0xdead, 128)
	c := frame.Counters[def.id]
	if c.Value != 128 || c.Peak != 128 {
		t.Fatalf("expected value/peak 128, got value=%d peak=%d", c.Value, c.Peak)
	}

	b.Release(0xdead)
	if c.Value != 0 {
		t.Fatalf("expected value 0 after release, got %d", c.Value)
	}
	if c.Peak != 128 {
		t.Fatalf("peak must survive release, got %d", c.Peak)
	}
}

func TestDoubleAcquireReconciles(t *testing.T) {
	b := New()
	def, _ := b.DefineCounter("MEM_LIVE", CounterMax)
	frame := b.Push([]uintptr{0x30}, 1)

	b.Acquire(frame, def, 0xbeef, 10)
	b.Acquire(frame, def, 0xbeef, 20)

	if r := b.findResource(0xbeef); r == nil || r.Size != 20 {
		t.Fatalf("expected one live resource of size 20, got %+v", r)
	}
	c := frame.Counters[def.id]
	if c.Ticks != 1 {
		t.Fatalf("expected net ticks 1 after reconciled double-acquire, got %d", c.Ticks)
	}
	if c.Value != 20 {
		t.Fatalf("expected value 20 after reconciled double-acquire, got %d", c.Value)
	}
	if got := b.Diagnostics().DoubleAcquires; got != 1 {
		t.Fatalf("expected 1 double-acquire diagnostic, got %d", got)
	}
}

func TestReleaseUnknownResource(t *testing.T) {
	b := New()
	b.Release(0x1234)
	if got := b.Diagnostics().UnknownReleases; got != 1 {
		t.Fatalf("expected 1 unknown-release diagnostic, got %d", got)
	}
}

func TestResourceHashSurvivesExpansion(t *testing.T) {
	b := New()
	def, _ := b.DefineCounter("FD", CounterMax)
	frame := b.Push([]uintptr{0x40}, 1)

	const n = 1 << 14 // forces several expandResourceHash rounds
	for i := uintptr(1); i <= n; i++ {
		b.Acquire(frame, def, i, 1)
	}
	for i := uintptr(1); i <= n; i++ {
		if r := b.findResource(i); r == nil {
			t.Fatalf("resource %d lost after expansion", i)
		}
	}
	if got := b.Diagnostics().HashExpansions; got == 0 {
		t.Fatalf("expected at least one hash expansion for %d distinct ids", n)
	}
	// Release every other id and confirm the rest are still reachable —
	// exercises the backward-shift delete path under real clustering.
	for i := uintptr(1); i <= n; i += 2 {
		b.Release(i)
	}
	for i := uintptr(2); i <= n; i += 2 {
		if r := b.findResource(i); r == nil {
			t.Fatalf("resource %d lost after interleaved release", i)
		}
	}
}

func TestMergeFromFoldsCounterAndPeak(t *testing.T) {
	donor := New()
	receiver := New()

	dDef, _ := donor.DefineCounter("TICKS", CounterTick)
	rDef, _ := receiver.DefineCounter("TICKS", CounterTick)
	if dDef.id != rDef.id {
		t.Fatalf("donor/receiver counter ids must line up for merge")
	}

	f := donor.Push([]uintptr{0x1, 0x2}, 1)
	donor.Tick(f, dDef, 7, 3)

	receiver.MergeFrom(donor)

	rf := receiver.push([]uintptr{0x1, 0x2})
	rc := rf.Counters[rDef.id]
	if rc == nil {
		t.Fatalf("merge did not create receiver counter")
	}
	if rc.Value != 7 || rc.Ticks != 3 || rc.Peak != 7 {
		t.Fatalf("unexpected merged counter: value=%d ticks=%d peak=%d", rc.Value, rc.Ticks, rc.Peak)
	}
}

func TestMergeFromCarriesLiveResources(t *testing.T) {
	donor := New()
	receiver := New()
	dDef, _ := donor.DefineCounter("MEM", CounterMax)
	receiver.DefineCounter("MEM", CounterMax)

	f := donor.Push([]uintptr{0x5}, 1)
	donor.Acquire(f, dDef, 0xabc, 256)

	receiver.MergeFrom(donor)

	if r := receiver.findResource(0xabc); r == nil {
		t.Fatalf("live resource not carried over by merge")
	} else if r.Size != 256 {
		t.Fatalf("expected size 256, got %d", r.Size)
	}

	receiver.Release(0xabc)
	if receiver.Diagnostics().UnknownReleases != 0 {
		t.Fatalf("releasing a merged-in resource must not count as unknown")
	}
}

func TestResetClearsState(t *testing.T) {
	b := New()
	def, _ := b.DefineCounter("TICKS", CounterTick)
	frame := b.Push([]uintptr{0x1}, 1)
	b.Tick(frame, def, 1, 1)

	b.Reset()

	if b.root.FirstChild != nil {
		t.Fatalf("reset must clear the call tree")
	}
	if b.perf.NTraces != 0 {
		t.Fatalf("reset must clear perf stats")
	}
	// Counter defs are intentionally not cleared by Reset: they describe
	// the profiler's configuration, not its accumulated samples.
	if len(b.CounterDefs()) != 1 {
		t.Fatalf("reset must not drop counter definitions")
	}
}

func TestPushWithEmptyStackReturnsRoot(t *testing.T) {
	b := New()
	frame := b.Push(nil, 0)
	if frame != b.root {
		t.Fatalf("pushing an empty stack must return the root frame")
	}
}
