//go:build arm64

package hookengine

import "encoding/binary"

// writeJumpArch encodes an unconditional B instruction at dst when target
// is within +/-128MB of from (the B immediate's range); otherwise it
// emits a literal-pool indirect branch: LDR X16, #8; BR X16; <8-byte
// address>, which always reaches, at the cost of 16 bytes instead of 4.
func writeJumpArch(dst []byte, from, target uintptr) int {
	delta := int64(target) - int64(from)
	if delta >= -(1<<27) && delta < (1<<27) {
		imm26 := uint32(delta/4) & 0x03FFFFFF
		word := uint32(0x05)<<26 | imm26
		binary.LittleEndian.PutUint32(dst[0:4], word)
		return 4
	}

	// LDR X16, #8  -> 0x58000050
	binary.LittleEndian.PutUint32(dst[0:4], 0x58000050)
	// BR X16       -> 0xD61F0200
	binary.LittleEndian.PutUint32(dst[4:8], 0xD61F0200)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(target))
	return 16
}
