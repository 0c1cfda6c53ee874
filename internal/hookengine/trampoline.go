package hookengine

// trampoline.go allocates small executable pages holding a relocated copy
// of a hooked function's original prologue bytes followed by a jump back
// into the untouched remainder of the function — the "chain" a hook's
// replacement calls to invoke the original behaviour.
//
// Grounded on original_source/hook.h's Data.trampoline/JumpDirection
// fields. Execution permission management (the W^X toggle around writing
// the patch) uses golang.org/x/sys/unix.Mprotect, the same dependency the
// teacher pulls in for raw memory operations in its arena package, here
// repurposed from "allocate RW pages for the cache" to "allocate RX pages
// for a trampoline and briefly toggle RW to write machine code into them".
//
// © 2025 profcore authors. MIT License.

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/profcore/engine/internal/unsafehelpers"
)

const pageSize = 4096

// trampolinePage is one mmap'd RWX-capable page carved up bump-allocator
// style for successive trampolines; pages are never freed individually,
// matching the arena package's whole-pool-lifetime philosophy, since a
// live hook's trampoline must remain valid for the process's entire
// lifetime.
type trampolinePage struct {
	mem []byte
	off int
}

var (
	tpMu    sync.Mutex
	tpPages []*trampolinePage
)

// allocateTrampoline reserves size executable bytes and returns their
// address plus a []byte view for writing machine code into them. The
// backing page is writable on return (a reused page is switched back to
// read/write/execute); the caller must call protectExecutableOnly once the
// bytes are written.
func allocateTrampoline(size int) (uintptr, []byte, error) {
	tpMu.Lock()
	defer tpMu.Unlock()

	for _, p := range tpPages {
		if len(p.mem)-p.off >= size {
			if err := unix.Mprotect(p.mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
				return 0, nil, fmt.Errorf("hookengine: trampoline mprotect failed: %w", err)
			}
			b := p.mem[p.off : p.off+size]
			addr := uintptr(unsafe.Pointer(&p.mem[p.off]))
			p.off += size
			return addr, b, nil
		}
	}

	n := int(unsafehelpers.AlignUp(uintptr(size), pageSize))
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, nil, fmt.Errorf("hookengine: trampoline mmap failed: %w", err)
	}
	p := &trampolinePage{mem: mem, off: size}
	tpPages = append(tpPages, p)
	addr := uintptr(unsafe.Pointer(&p.mem[0]))
	return addr, p.mem[:size], nil
}

// writeJump encodes an unconditional jump from the instruction at from to
// target into dst (which must be backed by writable, executable memory at
// address from), returning the number of bytes written.
func writeJump(dst []byte, from, target uintptr) int {
	return writeJumpArch(dst, from, target)
}
