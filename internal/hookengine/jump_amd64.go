//go:build amd64

package hookengine

import "encoding/binary"

// writeJumpArch encodes a 5-byte near JMP rel32 (opcode 0xE9) at dst,
// executing from address from, landing at target. Both addresses are
// expected to fit the +/-2GB range a rel32 displacement covers; profcore
// buffers and trampoline pages are allocated close to the hooked code via
// MAP_32BIT-style proximity in practice, but a caller whose target falls
// outside range gets a wrapped-around, wrong jump rather than a build-time
// guarantee — matching IgHook's own documented rel32 limitation.
func writeJumpArch(dst []byte, from, target uintptr) int {
	const jmpLen = 5
	disp := int32(int64(target) - int64(from) - jmpLen)
	dst[0] = 0xE9
	binary.LittleEndian.PutUint32(dst[1:5], uint32(disp))
	return jmpLen
}
