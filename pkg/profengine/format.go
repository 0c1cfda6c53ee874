package profengine

// format.go serialises one dump cycle's buffers to profcore's text dump
// format:
//
//	P=(HEX ID=<pid> N=(<argv0>) T=<clockres>)
//	C<depth> FN<symId>[=(F<libId>[=(<libpath>)]+<liboff> N=(<symname>))]+<symoff> <counters>
//	V<ctrId>[=(<name>)]:(<ticks>,<value>,<peak>) [;LK=(<resource>,<size>)]*
//
// Numeric ids (FN, F, V) are interned into a per-dump cache: the first
// time an address/library/CounterDef is written it carries the "=(...)"
// definition, every later reference is bare. The cache lives only for the
// duration of one writeDump call, the Go-idiomatic equivalent of resetting
// all id fields back to -1 after each dump pass — nothing is mutated on
// the CounterDef or StackNode itself, so concurrent dumps (or a dump
// racing the next Tick) never observe a half-reset id.
//
// Grounded on original_source/profile-trace.cc's dump traversal
// (depth-first, live buffers before master).
//
// © 2025 profcore authors. MIT License.

import (
	"bufio"
	"fmt"
	"time"

	"github.com/profcore/engine/internal/buftree"
)

// Symbolizer maps an instruction address to a (symbol, module) identity.
// It is an out-of-scope collaborator: the dumper consumes it if configured
// (WithSymbolizer) but implements none of the address→name resolution
// itself. A nil Symbolizer is a valid, fully-supported configuration —
// addresses are then emitted bare, which is sufficient core behaviour on
// its own since only address → symbol mapping is ever required.
type Symbolizer interface {
	// Symbolicate resolves addr. ok is false if addr could not be mapped,
	// in which case the dumper falls back to emitting the raw address.
	Symbolicate(addr uintptr) (symName, moduleName, modulePath string, moduleOffset, symOffset uint64, ok bool)
}

// dumpHeaderMagic is the fixed HEX field of the header line. The original
// format uses this slot for an implementation-defined magic value;
// profcore fixes it to identify the stream format version.
const dumpHeaderMagic = 0x1

type dumpCache struct {
	fnIDs   map[uintptr]int32
	nextFn  int32
	libIDs  map[string]int32
	nextLib int32
	ctrIDs  map[*buftree.CounterDef]int32
	nextCtr int32
}

func newDumpCache() *dumpCache {
	return &dumpCache{
		fnIDs:  make(map[uintptr]int32),
		libIDs: make(map[string]int32),
		ctrIDs: make(map[*buftree.CounterDef]int32),
	}
}

// internFn returns addr's interned id and whether this is the first time
// addr has been seen in this dump (the caller writing the "=(...)" block).
func (d *dumpCache) internFn(addr uintptr) (id int32, first bool) {
	if id, ok := d.fnIDs[addr]; ok {
		return id, false
	}
	id = d.nextFn
	d.nextFn++
	d.fnIDs[addr] = id
	return id, true
}

func (d *dumpCache) internLib(path string) (id int32, first bool) {
	if id, ok := d.libIDs[path]; ok {
		return id, false
	}
	id = d.nextLib
	d.nextLib++
	d.libIDs[path] = id
	return id, true
}

func (d *dumpCache) internCtr(def *buftree.CounterDef) (id int32, first bool) {
	if id, ok := d.ctrIDs[def]; ok {
		return id, false
	}
	id = d.nextCtr
	d.nextCtr++
	d.ctrIDs[def] = id
	return id, true
}

// writeDump writes the header followed by each buffer's call tree, in the
// order given — the caller is responsible for ordering live per-thread
// buffers before the master (cheaper than merging all into the master
// first) and for holding each buffer's lock for the duration of its own
// traversal.
func writeDump(w writer, pid int, argv0 string, clockRes time.Duration, sym Symbolizer, buffers []*buftree.Buffer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "P=(%#x ID=%d N=(%s) T=%d)\n", dumpHeaderMagic, pid, argv0, clockRes.Nanoseconds())

	cache := newDumpCache()
	for _, buf := range buffers {
		writeNode(bw, cache, sym, buf.StackRoot(), 0)
	}
	return bw.Flush()
}

// writeProfile is the single-buffer convenience form used when a dump
// cycle has already merged everything of interest into one buffer; only
// the package's tests call it.
func writeProfile(w writer, buf *buftree.Buffer, pid int) error {
	return writeDump(w, pid, "", 0, nil, []*buftree.Buffer{buf})
}

func writeNode(bw *bufio.Writer, cache *dumpCache, sym Symbolizer, n *buftree.StackNode, depth int) {
	fnID, first := cache.internFn(n.Address)
	fmt.Fprintf(bw, "C%d FN%d", depth, fnID)
	writeFnDef(bw, cache, sym, n.Address, first)

	for _, c := range n.Counters {
		if c == nil {
			continue
		}
		writeCounter(bw, cache, c)
	}
	bw.WriteByte('\n')

	for child := n.FirstChild; child != nil; child = child.Sibling {
		writeNode(bw, cache, sym, child, depth+1)
	}
}

// writeFnDef emits the "[=(F<libId>...+<liboff> N=(<symname>))]+<symoff>"
// portion of a C-line. Without a Symbolizer, or when it can't resolve
// addr, only a bare "+<addr>" offset is written: the dumper still
// produces a valid, fully-interned stream, it just can't name the frame.
func writeFnDef(bw *bufio.Writer, cache *dumpCache, sym Symbolizer, addr uintptr, first bool) {
	if sym == nil {
		fmt.Fprintf(bw, "+%#x", addr)
		return
	}
	symName, modName, modPath, modOff, symOff, ok := sym.Symbolicate(addr)
	if !ok {
		fmt.Fprintf(bw, "+%#x", addr)
		return
	}
	if !first {
		fmt.Fprintf(bw, "+%d", symOff)
		return
	}
	libID, libFirst := cache.internLib(modName)
	fmt.Fprintf(bw, "=(F%d", libID)
	if libFirst {
		fmt.Fprintf(bw, "=(%s)", modPath)
	}
	fmt.Fprintf(bw, "+%d N=(%s))+%d", modOff, symName, symOff)
}

func writeCounter(bw *bufio.Writer, cache *dumpCache, c *buftree.Counter) {
	id, first := cache.internCtr(c.Def)
	fmt.Fprintf(bw, " V%d", id)
	if first {
		fmt.Fprintf(bw, "=(%s)", c.Def.Name)
	}
	fmt.Fprintf(bw, ":(%d,%d,%d)", c.Ticks, c.Value, c.Peak)
	for r := c.Resources; r != nil; r = r.Next {
		size := r.Size
		if c.Def.DerivedLeakSize != nil {
			size = c.Def.DerivedLeakSize(r.ID, r.Size)
		}
		fmt.Fprintf(bw, " ;LK=(%#x,%d)", r.ID, size)
	}
}
