// Package buftree implements the profile buffer: the async-signal-safe,
// per-buffer call-tree/counter/live-resource data structure at the centre
// of the engine. All hot-path operations (Push, Tick, Acquire, Release)
// perform no Go-heap allocation and take no lock beyond the buffer's own
// mutex — everything they touch is carved out of an internal/arena slab.
//
// The call-tree/counter/resource layout and algorithms follow the IGPROF
// profiler's own trace buffer, file-split by concern rather than one type
// per file.
//
// © 2025 profcore authors. MIT License.
package buftree

import (
	"errors"
	"sync"

	"github.com/profcore/engine/internal/arena"
)

// ErrTooManyCounters is returned by Buffer.DefineCounter once MaxCounters
// defs have already been registered. This is a setup-time configuration
// error, not a data-quality issue, so it is the one buftree operation that
// still returns an error, distinct from the runtime data errors below.
var ErrTooManyCounters = errors.New("buftree: counter definition table full")

// Diagnostics counts data-quality events that are logged and reconciled
// silently rather than surfaced as errors: a double-acquire of a live
// resource id, and a release of an id with no live entry. Acquire and
// Release never fail; callers that want to surface these as log lines
// read Diagnostics() and compare against their own last-seen snapshot, the
// same way Controller reads metricsSink counters.
type Diagnostics struct {
	DoubleAcquires   uint64
	UnknownReleases  uint64
	HashExpansions   uint64
}

// PerfStat accumulates the running mean/variance of a per-push performance
// sample (stack depth and wall time spent walking it), matching
// IgProfTrace::PerfStat. It accumulates across pushes, is added into the
// receiver by MergeFrom, and is cleared by Reset.
type PerfStat struct {
	NTraces   uint64
	SumDepth  float64
	Sum2Depth float64
	SumTicks  float64
	Sum2Ticks float64
	SumTPerD  float64
	Sum2TPerD float64
}

// Add folds one (depth, tickDuration) sample into the running statistics.
func (p *PerfStat) Add(depth int, ticks float64) {
	d := float64(depth)
	p.NTraces++
	p.SumDepth += d
	p.Sum2Depth += d * d
	p.SumTicks += ticks
	p.Sum2Ticks += ticks * ticks
	if d > 0 {
		tpd := ticks / d
		p.SumTPerD += tpd
		p.Sum2TPerD += tpd * tpd
	}
}

// Buffer is one profile buffer: a call tree rooted at a synthetic zero
// frame, up to MaxCounters counter definitions, and the resource hash
// table backing Acquire/Release. A Buffer is safe for concurrent use only
// while the caller holds Lock — exactly one mutex covers tree mutation,
// counter mutation and the resource table, matching the single
// IgProfTrace::mutex_ design.
type Buffer struct {
	mu sync.Mutex

	ar        *arena.Arena
	root      *StackNode
	cache     [MaxDepth]stackCacheEntry
	resources *resourceHash

	defs   [MaxCounters]*CounterDef
	ndefs  int32

	perf PerfStat
	diag Diagnostics

	// counterSlab/resourceSlab are arena-backed bump pools dedicated to
	// their node type; keeping them separate from the generic
	// arena.Allocate[T] path lets allocateCounterNode/allocateResourceNode
	// stay branch-free on the hot path.
	counterSlab  []Counter
	counterNext  int
	resourceSlab []Resource
	resourceNext int
}

const nodeSlabLen = 4096

// New constructs an empty Buffer backed by its own private arena.
func New() *Buffer {
	b := &Buffer{ar: arena.New(nil)}
	b.root = arena.Allocate[StackNode](b.ar)
	b.resources = newResourceHash(b)
	return b
}

// Lock acquires the buffer's mutex. Every other exported method assumes
// the caller already holds it; this mirrors IgProfTrace's own explicit
// lock/unlock contract rather than hiding locking inside each call, so a
// signal handler can batch several operations under a single lock/unlock
// pair.
func (b *Buffer) Lock() { b.mu.Lock() }

// Unlock releases the buffer's mutex.
func (b *Buffer) Unlock() { b.mu.Unlock() }

// DefineCounter registers a new counter dimension and returns its
// definition. Must be called during setup, before any signal-path Push,
// Tick or Acquire call can race with it — DefineCounter itself takes the
// lock but growing defs while a concurrent Tick reads frame.Counters[id]
// for an id not yet assigned is a caller-ordering bug, not one this
// method can fix.
func (b *Buffer) DefineCounter(name string, kind CounterKind) (*CounterDef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ndefs >= MaxCounters {
		return nil, ErrTooManyCounters
	}
	d := &CounterDef{Name: name, Kind: kind, id: b.ndefs}
	b.defs[b.ndefs] = d
	b.ndefs++
	return d, nil
}

// Push resolves addrs (outermost frame first) to a call-tree node,
// creating any missing nodes along the way, and folds a performance
// sample for the walk. It is the hot-path entry point invoked once per
// sample or per instrumented call.
func (b *Buffer) Push(addrs []uintptr, walkTicks float64) *StackNode {
	frame := b.push(addrs)
	b.perf.Add(len(addrs), walkTicks)
	return frame
}

// Tick folds amount into frame's counter for def and increments its tick
// count by ticks, matching IgProfTrace::tick's kind-dependent accumulation:
// a CounterTick def adds amount to Value (used for sampling counters,
// amount==1, ticks==sample weight, and for instrumented value counters);
// a CounterMax def instead sets Value to the larger of its current Value
// and amount, the same running-max semantics Acquire/Release maintain via
// resource sizes. Peak tracks the historical maximum of Value regardless
// of kind.
func (b *Buffer) Tick(frame *StackNode, def *CounterDef, amount, ticks uint64) {
	c := b.counterAt(frame, def)
	switch def.Kind {
	case CounterMax:
		if amount > c.Value {
			c.Value = amount
		}
	default:
		c.Value += amount
	}
	c.Ticks += ticks
	if c.Value > c.Peak {
		c.Peak = c.Value
	}
}

// Acquire records that resource id became live at frame, charged to def
// with the given size, and raises def's Peak if the new live total
// exceeds it. Acquire never fails: if id is already live anywhere in the
// buffer, that stale record is first released (as if the profiler had
// missed the corresponding Release) and Diagnostics().DoubleAcquires is
// incremented so a caller can log the reconciliation — the new acquire
// always wins.
// size is stored verbatim as the resource's nominal size; def's optional
// DerivedLeakSize is a dump-time-only transform applied by the dumper
// when reporting a live leak, never here — Value/Peak always reflect the
// sum of nominal sizes, the invariant "value == sum of sizes of live
// resources" for MAX-kind counters.
func (b *Buffer) Acquire(frame *StackNode, def *CounterDef, id uintptr, size uint64) *Resource {
	if stale := b.findResource(id); stale != nil {
		b.diag.DoubleAcquires++
		b.releaseLocked(stale)
	}
	c := b.counterAt(frame, def)
	r := b.acquireResource(id, c, size)
	c.Value += size
	c.Ticks++
	if c.Value > c.Peak {
		c.Peak = c.Value
	}
	return r
}

// Release retires resource id: the counter that acquired it has its live
// Value reduced by the resource's recorded size and its Ticks decremented
// by one. Releasing an id with no live entry (acquire was never observed,
// or it was already released) is silently ignored: Diagnostics().
// UnknownReleases is incremented and Release otherwise does nothing.
func (b *Buffer) Release(id uintptr) {
	r := b.findResource(id)
	if r == nil {
		b.diag.UnknownReleases++
		return
	}
	b.releaseLocked(r)
}

// releaseLocked performs the counter/table bookkeeping shared by Release
// and Acquire's double-acquire reconciliation path.
func (b *Buffer) releaseLocked(r *Resource) {
	r.Counter.Value -= r.Size
	if r.Counter.Ticks > 0 {
		r.Counter.Ticks--
	}
	b.releaseResource(r)
}

// Diagnostics returns a snapshot of the buffer's accumulated data-quality
// counters (double-acquires, unknown releases, hash expansions).
func (b *Buffer) Diagnostics() Diagnostics { return b.diag }

// Reset discards all call-tree, counter and resource state and releases
// the backing arena, matching IgProfTrace::reset. The buffer is left
// ready for immediate reuse.
func (b *Buffer) Reset() {
	b.ar.FreePools()
	b.ar = arena.New(nil)
	b.root = arena.Allocate[StackNode](b.ar)
	b.cache = [MaxDepth]stackCacheEntry{}
	b.resources = newResourceHash(b)
	b.counterSlab, b.counterNext = nil, 0
	b.resourceSlab, b.resourceNext = nil, 0
	b.perf = PerfStat{}
	b.diag = Diagnostics{}
}

// PerfStats returns a copy of the buffer's accumulated push-time
// statistics.
func (b *Buffer) PerfStats() PerfStat { return b.perf }

// StackRoot returns the buffer's root call-tree node, for read-only
// traversal by the dumper (which must hold Lock while walking).
func (b *Buffer) StackRoot() *StackNode { return b.root }

// CounterDefs returns the buffer's registered counter definitions, in
// registration order.
func (b *Buffer) CounterDefs() []*CounterDef {
	return b.defs[:b.ndefs]
}

func (b *Buffer) allocateCounterNode() *Counter {
	if b.counterNext == len(b.counterSlab) {
		b.counterSlab = arena.AllocateSlice[Counter](b.ar, nodeSlabLen)
		b.counterNext = 0
	}
	c := &b.counterSlab[b.counterNext]
	b.counterNext++
	return c
}

func (b *Buffer) allocateResourceNode() *Resource {
	if b.resourceNext == len(b.resourceSlab) {
		b.resourceSlab = arena.AllocateSlice[Resource](b.ar, nodeSlabLen)
		b.resourceNext = 0
	}
	r := &b.resourceSlab[b.resourceNext]
	b.resourceNext++
	return r
}

func allocateSlotSlice(b *Buffer, n int) []hashSlot {
	return arena.AllocateSlice[hashSlot](b.ar, n)
}
