package profmodes

import "testing"

func TestCPUTimerName(t *testing.T) {
	m := NewCPUTimer(0)
	if m.Name() != "cpu" {
		t.Fatalf("expected name 'cpu', got %q", m.Name())
	}
}

func TestCaptureStackReturnsNonEmpty(t *testing.T) {
	pcs := captureStack()
	if len(pcs) == 0 {
		t.Fatalf("expected at least one captured frame")
	}
}
