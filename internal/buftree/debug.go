//go:build profcore_debug

package buftree

// debug.go holds assertions and dump helpers compiled only under the
// profcore_debug build tag — the Go analogue of IGPROF's
// IGPROF_DEBUG-guarded IGPROF_ASSERT/debugDump machinery. None of this
// runs in a normal build, so it carries no cost on the signal path.
//
// Grounded on original_source/profile-trace.cc's debugDump/debugDumpStack.
//
// © 2025 profcore authors. MIT License.

import (
	"fmt"
	"io"

	"github.com/profcore/engine/internal/unsafehelpers"
)

// assertf panics with a formatted message if cond is false. Only ever
// called from within this file's own helpers, never from the hot path
// directly, so a failing assertion always names a structural bug in
// buftree itself rather than a caller misuse.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("buftree debug assertion failed: "+format, args...))
	}
}

// CheckInvariants walks the entire buffer and panics on the first
// structural violation found: a counter attached under an id beyond the
// registered definition count, a resource whose slot doesn't point back
// to it, or a live list cycle. Intended for use in tests and in debug
// builds of the controller between operations.
func (b *Buffer) CheckInvariants() {
	assertf(b.root != nil, "nil root")
	b.checkNode(b.root)
	b.checkResourceTable()
}

func (b *Buffer) checkNode(n *StackNode) {
	for i := int32(0); i < int32(MaxCounters); i++ {
		c := n.Counters[i]
		if c == nil {
			continue
		}
		assertf(c.Def != nil, "counter with nil def at slot %d", i)
		assertf(c.Def.id == i, "counter stored under wrong slot: have %d want %d", i, c.Def.id)
	}
	seen := map[*StackNode]bool{}
	for child := n.FirstChild; child != nil; child = child.Sibling {
		assertf(!seen[child], "cycle in sibling list")
		seen[child] = true
	}
	for child := n.FirstChild; child != nil; child = child.Sibling {
		b.checkNode(child)
	}
}

func (b *Buffer) checkResourceTable() {
	h := b.resources
	assertf(unsafehelpers.IsPowerOfTwo(uintptr(len(h.slots))), "resource hash slot count %d not a power of two", len(h.slots))
	live := 0
	for i := range h.slots {
		s := &h.slots[i]
		if s.id == 0 {
			continue
		}
		live++
		assertf(s.record != nil, "occupied slot %d with nil record", i)
		assertf(s.record.ID == s.id, "slot/record id mismatch at %d", i)
		assertf(int(s.record.slotIdx) == i, "record.slotIdx mismatch at %d", i)
	}
	assertf(live == h.used, "resource hash used counter out of sync: tracked %d actual %d", h.used, live)
}

// DebugDump writes a human-readable tree of the buffer to w, matching the
// structure (if not the exact text) of IgProfTrace::debugDump.
func (b *Buffer) DebugDump(w io.Writer) {
	dumpNode(w, b.root, 0)
}

func dumpNode(w io.Writer, n *StackNode, depth int) {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	fmt.Fprintf(w, "%s0x%x\n", indent, n.Address)
	for i, c := range n.Counters {
		if c == nil {
			continue
		}
		fmt.Fprintf(w, "%s  counter[%d]=%s value=%d peak=%d ticks=%d\n",
			indent, i, c.Def.Name, c.Value, c.Peak, c.Ticks)
	}
	for child := n.FirstChild; child != nil; child = child.Sibling {
		dumpNode(w, child, depth+1)
	}
}
