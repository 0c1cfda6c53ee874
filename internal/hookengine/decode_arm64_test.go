//go:build arm64

package hookengine

import "testing"

func TestIsPCRelativeDetectsAddressForms(t *testing.T) {
	// ADRP x0, #0  (0x90000000)
	if !isPCRelative(0x90000000) {
		t.Fatalf("expected ADRP to be detected as PC-relative")
	}
	// B #0  (0x14000000 family, top6 bits 000101)
	if !isPCRelative(0x14000000) {
		t.Fatalf("expected B to be detected as PC-relative")
	}
	// SUB x0, x0, #0 (0xD1000000) should not be PC-relative
	if isPCRelative(0xD1000000) {
		t.Fatalf("expected SUB to not be PC-relative")
	}
}

func TestMinimumRelocatableLengthARM64(t *testing.T) {
	// Two non-PC-relative 4-byte instructions cover the 4-byte patch in
	// one step.
	code := make([]byte, 8)
	// STP x29, x30, [sp, #-16]! -> 0xA9BF7BFD (not PC-relative by our check)
	code[0], code[1], code[2], code[3] = 0xFD, 0x7B, 0xBF, 0xA9
	n, err := minimumRelocatableLength(code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != patchLen {
		t.Fatalf("expected exactly one instruction (%d bytes), got %d", patchLen, n)
	}
}

func TestWriteJumpArchShortRange(t *testing.T) {
	buf := make([]byte, 16)
	n := writeJumpArch(buf, 0x1000, 0x2000)
	if n != 4 {
		t.Fatalf("expected a 4-byte B encoding for a short branch, got %d bytes", n)
	}
}

func TestWriteJumpArchLongRangeUsesLiteralPool(t *testing.T) {
	buf := make([]byte, 16)
	n := writeJumpArch(buf, 0x1000, 0x1000+(1<<30))
	if n != 16 {
		t.Fatalf("expected the 16-byte literal-pool fallback for a long branch, got %d bytes", n)
	}
}
