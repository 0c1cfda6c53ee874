package profengine

import (
	"testing"

	"github.com/profcore/engine/internal/buftree"
)

type stubMode struct {
	name       string
	attached   bool
	detached   bool
	attachErr  error
	def        *buftree.CounterDef
}

func (m *stubMode) Name() string { return m.name }

func (m *stubMode) Attach(c *Controller) error {
	if m.attachErr != nil {
		return m.attachErr
	}
	def, err := c.DefineCounter(m.name, buftree.CounterTick)
	if err != nil {
		return err
	}
	m.def = def
	m.attached = true
	return nil
}

func (m *stubMode) Detach(c *Controller) error {
	m.detached = true
	return nil
}

func newTestController(t *testing.T, modes ...Mode) *Controller {
	t.Helper()
	c, err := New(WithOutput("-"), WithModes(modes...))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsEmptyModes(t *testing.T) {
	if _, err := New(WithOutput("-")); err == nil {
		t.Fatalf("expected error when no modes are registered")
	}
}

func TestNewRejectsEmptyOutput(t *testing.T) {
	if _, err := New(WithOutput(""), WithModes(&stubMode{name: "x"})); err == nil {
		t.Fatalf("expected error for empty output target")
	}
}

func TestInitAttachesModesAndCanOnlyRunOnce(t *testing.T) {
	m := &stubMode{name: "cpu"}
	c := newTestController(t, m)
	if active, err := c.Init(); err != nil || !active {
		t.Fatalf("Init: active=%v err=%v", active, err)
	}
	if !m.attached {
		t.Fatalf("expected mode to be attached")
	}
	if _, err := c.Init(); err == nil {
		t.Fatalf("expected second Init call to fail")
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !m.detached {
		t.Fatalf("expected mode to be detached on shutdown")
	}
}

func TestInitStaysInactiveOnTargetMismatch(t *testing.T) {
	t.Setenv("PROFCORE_TARGET", "this-string-will-never-match-argv0")
	m := &stubMode{name: "cpu"}
	c := newTestController(t, m)

	active, err := c.Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if active {
		t.Fatalf("expected Init to report inactive on PROFCORE_TARGET mismatch")
	}
	if m.attached {
		t.Fatalf("modes must not be attached when the target filter rejects the process")
	}
	if c.Enabled() {
		t.Fatalf("an inactive controller must never report Enabled")
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown on an inactive controller must be a no-op, got: %v", err)
	}
}

func TestBufferForThisThreadCreatesAndReuses(t *testing.T) {
	c := newTestController(t, &stubMode{name: "cpu"})
	if _, err := c.Init(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	b1 := c.BufferForThisThread()
	b2 := c.BufferForThisThread()
	if b1 != b2 {
		t.Fatalf("expected the same buffer across repeated calls on one thread")
	}
}

func TestEnableDisableNesting(t *testing.T) {
	c := newTestController(t, &stubMode{name: "cpu"})
	if _, err := c.Init(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	// BufferForThisThread's first call for a thread initialises its enable
	// counter to 1 (spec.md §4.4's pthread_create wrapper contract), so the
	// calling thread is already enabled the moment it is known to the
	// controller, before any explicit Enable() call.
	c.BufferForThisThread()
	if !c.Enabled() {
		t.Fatalf("expected enabled as soon as the thread has a buffer")
	}
	c.Enable()
	c.Enable()
	if !c.Enabled() {
		t.Fatalf("expected enabled after nested Enable calls")
	}
	c.Disable()
	if !c.Enabled() {
		t.Fatalf("expected still enabled after one Disable of three Enables")
	}
	c.Disable()
	if !c.Enabled() {
		t.Fatalf("expected still enabled: the implicit initial enable count has not yet been disabled")
	}
	c.Disable()
	if c.Enabled() {
		t.Fatalf("expected disabled once the enable count reaches zero")
	}
}

func TestExitThisThreadMergesIntoMaster(t *testing.T) {
	m := &stubMode{name: "cpu"}
	c := newTestController(t, m)
	if _, err := c.Init(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()

	buf := c.BufferForThisThread()
	frame := buf.Push([]uintptr{0x1}, 1)
	buf.Tick(frame, m.def, 5, 1)

	c.ExitThisThread()

	c.mu.Lock()
	_, stillTracked := c.threadBuffers[currentTID()]
	c.mu.Unlock()
	if stillTracked {
		t.Fatalf("expected thread buffer to be retired after ExitThisThread")
	}
}
