package profengine

import (
	"bytes"
	"strings"
	"testing"

	"github.com/profcore/engine/internal/buftree"
)

func TestWriteProfileIncludesHeaderAndFrames(t *testing.T) {
	buf := buftree.New()
	def, err := buf.DefineCounter("TICKS", buftree.CounterTick)
	if err != nil {
		t.Fatal(err)
	}
	frame := buf.Push([]uintptr{0x1000, 0x2000}, 1)
	buf.Tick(frame, def, 9, 2)

	var out bytes.Buffer
	if err := writeProfile(&out, buf, 4242); err != nil {
		t.Fatalf("writeProfile: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "ID=4242") {
		t.Fatalf("expected pid header, got: %s", text)
	}
	if !strings.Contains(text, "+0x1000") || !strings.Contains(text, "+0x2000") {
		t.Fatalf("expected both frame addresses, got: %s", text)
	}
	if !strings.Contains(text, "=(TICKS):(2,9,9)") {
		t.Fatalf("expected first-occurrence counter definition with ticks/value/peak, got: %s", text)
	}
}

func TestWriteProfileInternsRepeatedAddressesAndCounters(t *testing.T) {
	buf := buftree.New()
	def, _ := buf.DefineCounter("TICKS", buftree.CounterTick)
	a := buf.Push([]uintptr{0x10, 0x20}, 1)
	b := buf.Push([]uintptr{0x10, 0x30}, 1)
	buf.Tick(a, def, 1, 1)
	buf.Tick(b, def, 1, 1)

	var out bytes.Buffer
	if err := writeProfile(&out, buf, 1); err != nil {
		t.Fatalf("writeProfile: %v", err)
	}
	text := out.String()

	if strings.Count(text, "+0x10") != 1 {
		t.Fatalf("shared address 0x10 must be interned (appear once as a definition), got: %s", text)
	}
	if strings.Count(text, "=(TICKS)") != 1 {
		t.Fatalf("the TICKS counter definition must appear only on its first occurrence, got: %s", text)
	}
}

func TestWriteProfileEmitsLiveResourceLeaks(t *testing.T) {
	buf := buftree.New()
	def, _ := buf.DefineCounter("MEM", buftree.CounterMax)
	frame := buf.Push([]uintptr{0x99}, 1)
	buf.Acquire(frame, def, 0xabc, 64)

	var out bytes.Buffer
	if err := writeProfile(&out, buf, 1); err != nil {
		t.Fatalf("writeProfile: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, ";LK=(0xabc,64)") {
		t.Fatalf("expected a live-resource leak record, got: %s", text)
	}
}

func TestWriteProfileUsesDerivedLeakSize(t *testing.T) {
	buf := buftree.New()
	def, _ := buf.DefineCounter("MEM", buftree.CounterMax)
	def.DerivedLeakSize = func(addr uintptr, size uint64) uint64 { return size * 2 }
	frame := buf.Push([]uintptr{0x99}, 1)
	buf.Acquire(frame, def, 0xabc, 64)

	var out bytes.Buffer
	if err := writeProfile(&out, buf, 1); err != nil {
		t.Fatalf("writeProfile: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, ";LK=(0xabc,128)") {
		t.Fatalf("expected derived leak size to replace the nominal size, got: %s", text)
	}
}
