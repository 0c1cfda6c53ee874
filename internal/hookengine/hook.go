package hookengine

// hook.go ties resolution, prologue decoding and trampoline emission
// together into the public Hook[F] type: resolve a symbol, verify its
// prologue can be safely relocated, build a trampoline that runs the
// relocated original, patch the live symbol to jump into the
// replacement, and expose Chain as a same-signature Go func the
// replacement can call to run the original behaviour.
//
// Grounded on original_source/hook.h's IgHook::hook()/SafeData<Func> and
// IgHook::Data (function/replacement/chain/original/trampoline fields).
//
// © 2025 profcore authors. MIT License.

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/profcore/engine/internal/unsafehelpers"
)

// Hook represents one installed (or pending) interception of a symbol
// whose signature matches F. F must be a func type; this is not checked
// by the Go type system (generics can't constrain "is a func type") and
// is instead asserted at Install time via reflect.
type Hook[F any] struct {
	mu sync.Mutex

	Symbol  string
	Library string
	Options Options

	resolved           ResolvedSymbol
	savedBytes         []byte
	patchedLen         int
	trampolineAddr     uintptr
	pendingReplacement uintptr

	// Chain, once Install succeeds with OptionChain set, calls the
	// original function through its relocated trampoline. It is nil
	// otherwise.
	Chain F

	installed bool
}

// New constructs a pending Hook for symbol in library (empty library
// means the main executable).
func New[F any](library, symbol string, opts Options) *Hook[F] {
	return &Hook[F]{Library: library, Symbol: symbol, Options: opts}
}

// Install resolves Symbol, verifies its prologue is relocatable, builds
// the trampoline and patches the live function to jump to replacement.
// replacement must have the same signature as F. versionConstraint may be
// empty.
func (h *Hook[F]) Install(r *Resolver, versionConstraint string, replacement F) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.installed {
		return &Error{Status: StatusErrAlreadyHooked, Symbol: h.Symbol}
	}

	resolved, err := r.Resolve(h.Library, h.Symbol, versionConstraint)
	if err != nil {
		return err
	}
	h.resolved = resolved

	code := unsafehelpers.ByteSliceFrom(unsafe.Pointer(resolved.Address), patchScanWindow)
	relocLen, err := minimumRelocatableLength(code)
	if err != nil {
		return &Error{Status: StatusErrPrologueNotRecognised, Symbol: h.Symbol, Detail: err.Error()}
	}
	h.patchedLen = relocLen

	if err := h.buildTrampoline(code, resolved.Address, relocLen, replacement); err != nil {
		return err
	}

	if err := h.patchPrologue(resolved.Address, relocLen); err != nil {
		return err
	}

	h.installed = true
	return nil
}

// patchScanWindow bounds how many bytes of the live prologue
// minimumRelocatableLength is allowed to read while deciding how much it
// needs; generously larger than any realistic single relocatable span.
const patchScanWindow = 32

// buildTrampoline allocates an executable page containing: the relocated
// original bytes, followed by a jump back to origAddr+relocLen (so
// calling through Chain runs the original prologue then falls into the
// original function's unmodified body), and wires Chain to call it via
// reflect (the only way to synthesise a value of the generic, caller-
// supplied func type F at runtime).
func (h *Hook[F]) buildTrampoline(code []byte, origAddr uintptr, relocLen int, replacement F) error {
	tramp, buf, err := allocateTrampoline(relocLen + maxJumpPatchLen)
	if err != nil {
		return &Error{Status: StatusErrAllocateTrampoline, Symbol: h.Symbol, Detail: err.Error()}
	}
	copy(buf[:relocLen], code[:relocLen])
	writeJump(buf[relocLen:], tramp+uintptr(relocLen), origAddr+uintptr(relocLen))
	h.trampolineAddr = tramp

	if h.Options&OptionChain != 0 {
		h.Chain = makeFuncFromAddr[F](tramp)
	}

	if err := protectExecutableOnly(tramp, relocLen+maxJumpPatchLen); err != nil {
		return &Error{Status: StatusErrMemoryProtection, Symbol: h.Symbol, Detail: err.Error()}
	}

	replAddr := funcAddr(replacement)
	return h.preparePatch(origAddr, relocLen, replAddr)
}

// maxJumpPatchLen is the largest a writeJumpArch call ever emits (the
// arm64 literal-pool fallback); amd64's jump is always smaller, so
// allocating this much headroom is always sufficient on both arches.
const maxJumpPatchLen = 16

// preparePatch stashes origAddr's current bytes (for Uninstall) before
// patchPrologue overwrites them; replAddr is recorded for patchPrologue.
func (h *Hook[F]) preparePatch(origAddr uintptr, relocLen int, replAddr uintptr) error {
	saved := make([]byte, relocLen)
	copy(saved, unsafehelpers.ByteSliceFrom(unsafe.Pointer(origAddr), uintptr(relocLen)))
	h.savedBytes = saved
	h.pendingReplacement = replAddr
	return nil
}

func (h *Hook[F]) patchPrologue(origAddr uintptr, relocLen int) error {
	if err := unix.Mprotect(pageAround(origAddr, relocLen), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return &Error{Status: StatusErrMemoryProtection, Symbol: h.Symbol, Detail: err.Error()}
	}
	live := unsafehelpers.ByteSliceFrom(unsafe.Pointer(origAddr), uintptr(relocLen))
	n := writeJump(live, origAddr, h.pendingReplacement)
	for i := n; i < relocLen; i++ {
		live[i] = 0x90 // NOP pad, amd64; on arm64 relocLen is always a multiple of 4 and n==relocLen
	}
	if err := unix.Mprotect(pageAround(origAddr, relocLen), unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return &Error{Status: StatusErrMemoryProtection, Symbol: h.Symbol, Detail: err.Error()}
	}
	return nil
}

// Uninstall restores the original bytes, leaving the trampoline page
// allocated (trampoline pages are never individually freed, matching the
// arena package's pool lifetime model) but no longer reachable.
func (h *Hook[F]) Uninstall() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.installed {
		return nil
	}
	addr := h.resolved.Address
	n := len(h.savedBytes)
	if err := unix.Mprotect(pageAround(addr, n), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return &Error{Status: StatusErrMemoryProtection, Symbol: h.Symbol, Detail: err.Error()}
	}
	copy(unsafehelpers.ByteSliceFrom(unsafe.Pointer(addr), uintptr(n)), h.savedBytes)
	if err := unix.Mprotect(pageAround(addr, n), unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return &Error{Status: StatusErrMemoryProtection, Symbol: h.Symbol, Detail: err.Error()}
	}
	h.installed = false
	return nil
}

func pageAround(addr uintptr, length int) []byte {
	start := addr &^ uintptr(pageSize-1)
	end := unsafehelpers.AlignUp(addr+uintptr(length), pageSize)
	return unsafehelpers.ByteSliceFrom(unsafe.Pointer(start), end-start)
}

func protectExecutableOnly(addr uintptr, length int) error {
	return unix.Mprotect(pageAround(addr, length), unix.PROT_READ|unix.PROT_EXEC)
}

// funcAddr extracts the entry address of a Go func value via its
// reflect.Value pointer representation. Closures and method values are
// rejected by Install's caller contract (replacement must be a plain,
// non-capturing function) since a closure's code pointer alone omits its
// captured environment.
func funcAddr(f any) uintptr {
	v := reflect.ValueOf(f)
	return v.Pointer()
}

// makeFuncFromAddr synthesises a Go func value of type F whose entry
// point is addr, by building a reflect.Value over F's type with a code
// pointer override. Go does not expose a supported way to do this
// directly; this uses the same two-word-func-value layout every Go
// implementation has used since funcval was introduced, matching the
// unsafe conversions already centralised in internal/unsafehelpers for
// the rest of the module.
func makeFuncFromAddr[F any](addr uintptr) F {
	var zero F
	t := reflect.TypeOf(zero)
	if t == nil || t.Kind() != reflect.Func {
		panic(fmt.Sprintf("hookengine: makeFuncFromAddr instantiated with non-func type %T", zero))
	}
	fv := reflect.New(t).Elem()
	codePtr := addr
	fv.Set(reflect.NewAt(t, unsafe.Pointer(&codePtr)).Elem())
	return fv.Interface().(F)
}
