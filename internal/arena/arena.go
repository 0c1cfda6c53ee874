// Package arena provides a private, page-mapped bump allocator used by the
// profile buffer (the hook engine maps its trampoline pages itself). Memory
// is obtained directly from the OS virtual-memory interface so that the
// engine's hot path never re-enters the process's own (possibly
// intercepted) allocator.
//
// The wrapper is intentionally minimal: no pooling, no generational
// collection, no per-object free beyond whole-slab release. internal/buftree
// adds no free list on top of it either: a released Resource record is not
// reused, and new records are always bump-allocated.
//
// Concurrency
// -----------
// Arena is *not* thread-safe; callers serialise access themselves (the
// profile buffer's mutex covers all arena use on its behalf).
//
// © 2025 profcore authors. MIT License.
package arena

import (
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/profcore/engine/internal/unsafehelpers"
)

// slabSize matches IGPROF's MEM_POOL_SIZE: big enough to amortise mmap
// overhead, small enough that a lightly used buffer doesn't waste much.
const slabSize = 8 << 20

// slab is one anonymous mapping. The first machine word is reserved for the
// intrusive "next slab" link so the chain can be walked and unmapped on
// FreePools without a side allocation.
type slab struct {
	mem  []byte
	next *slab
}

// Arena is a chain of page-aligned slabs bump-allocated from the front.
type Arena struct {
	first *slab
	cur   *slab
	free  uintptr // bytes remaining in cur
	off   uintptr // next free offset inside cur.mem

	logger *zap.Logger
}

// New constructs an empty arena. A nil logger is replaced with a no-op
// logger, matching the rest of the module's "never panic on a missing
// logger" convention.
func New(logger *zap.Logger) *Arena {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Arena{logger: logger}
	a.growLocked()
	return a
}

func (a *Arena) growLocked() {
	mem, err := unix.Mmap(-1, 0, slabSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		// Fatal per spec: OS allocation failure is unrecoverable, the
		// buffer this arena backs would otherwise be left half-built.
		a.logger.Fatal("arena: mmap failed", zap.Error(err), zap.Int("size", slabSize))
	}
	s := &slab{mem: mem}
	if a.first == nil {
		a.first = s
	} else {
		a.cur.next = s
	}
	a.cur = s
	a.off = 0
	a.free = slabSize
}

// AllocateSpace bump-allocates amount bytes, zero-initialised (fresh pages
// are zero by construction), growing the slab chain if the current slab
// cannot satisfy the request. amount must fit within a single slab.
func (a *Arena) AllocateSpace(amount uintptr) unsafe.Pointer {
	if amount > slabSize {
		a.logger.Fatal("arena: allocation larger than slab size", zap.Uint64("amount", uint64(amount)))
	}
	if a.free < amount {
		a.growLocked()
	}
	p := unsafe.Pointer(&a.cur.mem[a.off])
	a.off += amount
	a.free -= amount
	return p
}

// Allocate returns a zero-valued *T carved out of the arena.
func Allocate[T any](a *Arena) *T {
	var zero T
	size := unsafe.Sizeof(zero)
	return (*T)(a.AllocateSpace(size))
}

// AllocateSlice returns a length==cap==n slice of T backed by arena memory.
func AllocateSlice[T any](a *Arena, n int) []T {
	if n == 0 {
		return nil
	}
	var zero T
	elemSize := unsafe.Sizeof(zero)
	p := a.AllocateSpace(elemSize * uintptr(n))
	return unsafehelpers.PtrSlice((*T)(p), n)
}

// FreePools releases every slab in the chain. After this call any pointer
// previously returned from Allocate/AllocateSpace is invalid.
func (a *Arena) FreePools() {
	for s := a.first; s != nil; {
		next := s.next
		if err := unix.Munmap(s.mem); err != nil {
			a.logger.Error("arena: munmap failed", zap.Error(err))
		}
		s = next
	}
	a.first, a.cur = nil, nil
	a.off, a.free = 0, 0
}

// AllocateRaw obtains a dedicated, independently releasable mapping of at
// least size bytes — used for large fixed structures (e.g. the resource
// hash table) that should not compete with the bump chain for slab reuse.
// The mapping is rounded up to a whole number of pages, matching spec's
// "all raw allocations are page-aligned" requirement explicitly rather than
// relying on the kernel's own implicit rounding.
func AllocateRaw(size int) ([]byte, error) {
	aligned := int(unsafehelpers.AlignUp(uintptr(size), pageSize))
	return unix.Mmap(-1, 0, aligned, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

const pageSize = 4096

// ReleaseRaw unmaps memory obtained from AllocateRaw.
func ReleaseRaw(b []byte) error {
	return unix.Munmap(b)
}
