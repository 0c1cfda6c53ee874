package buftree

// counter.go implements per-frame counters: the TICK/MAX value-with-peak
// accumulator attached to a stack frame for one counter definition.
//
// Grounded on original_source/profile-trace.h's CounterType/CounterDef/
// Counter structs and IgProfTrace::tick's accumulation logic.
//
// © 2025 profcore authors. MIT License.

// CounterKind distinguishes a pure sampling-tick counter (TICK) from a
// resource-tracking counter whose value rises and falls with explicit
// Acquire/Release calls (MAX), matching IgProfTrace::CounterType.
type CounterKind int

const (
	// CounterTick accumulates: Tick adds its amount to Value and its ticks
	// to Ticks, and Peak follows the largest Value seen.
	CounterTick CounterKind = iota
	// CounterMax tracks a live resource total and its historical peak, fed
	// mainly by Acquire/Release; Tick on this kind raises Value to amount
	// when amount is larger (a running maximum).
	CounterMax
)

// CounterDef names and types one counter dimension of the buffer (e.g.
// "PERF_TICKS" or "MEM_LIVE"). A buffer may track up to MaxCounters
// distinct defs, matching IgProfTrace::CounterDef and the MAX_COUNTERS cap.
type CounterDef struct {
	Name string
	Kind CounterKind
	id   int32 // index into Buffer.defs / StackNode.Counters

	// DerivedLeakSize, when non-nil, recomputes a live resource's effective
	// size purely for dump-time reporting — e.g. counting zero or
	// untouched pages inside an allocation instead of its raw byte count.
	// It never affects Acquire/Release/Value/Peak accounting: the dumper
	// calls it on every live resource and emits that computed size instead
	// of the allocation's nominal size; only pkg/profengine's dumper
	// invokes it. Ported from the IGPROF memory mode's leak heuristics,
	// which live outside this package's scope.
	DerivedLeakSize func(addr uintptr, size uint64) uint64
}

// Counter is one frame's accumulator for one CounterDef.
type Counter struct {
	Def *CounterDef

	Ticks uint64 // sum of Tick's ticks arguments, +1 per Acquire, -1 per Release (floored at 0)
	Value uint64 // current live total (CounterMax) or accumulated amount (CounterTick)
	Peak  uint64 // historical maximum of Value, maintained for both kinds

	// Resources heads the linked list of live Resource records charged to
	// this counter by Acquire; Acquire does not check Def's kind, so a
	// CounterTick counter can carry them too.
	Resources *Resource
}

// counterAt returns frame's Counter for def, allocating one on first use.
func (b *Buffer) counterAt(frame *StackNode, def *CounterDef) *Counter {
	c := frame.Counters[def.id]
	if c == nil {
		c = b.allocCounter(def)
		frame.Counters[def.id] = c
	}
	return c
}

func (b *Buffer) allocCounter(def *CounterDef) *Counter {
	c := b.allocateCounterNode()
	c.Def = def
	return c
}
