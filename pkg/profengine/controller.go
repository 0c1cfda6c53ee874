package profengine

// controller.go implements the lifecycle controller: global activation
// state, per-OS-thread buffer ownership and enable counters, and the
// thread-creation wrapper a caller uses to bring a new OS thread under
// the profiler's umbrella.
//
// Grounded on original_source/profile.h's IgProf class
// (initialize/initThread/exitThread/enable/disable/buffer) and the
// teacher's pkg/cache.go for the "struct holds mutex + index +
// sub-structures, exposes a small method surface" shape.
//
// Go has no general mechanism to intercept pthread_create/fork/sigaction
// process-wide the way the original hooks libc entry points for this
// purpose, so thread and lifecycle transitions here are explicit calls a
// caller makes (WrapThreadEntry, GuardedSignalMask, GuardExit, GuardKill)
// rather than automatic interception. See DESIGN.md's Open Question
// decisions for the rationale.
//
// © 2025 profcore authors. MIT License.

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/profcore/engine/internal/buftree"
	"github.com/profcore/engine/internal/hookengine"
)

// Controller is the process-wide profiler singleton. Exactly one
// Controller should be constructed per process; IGPROF's original
// global-mutable-state design is made explicit here as a value the
// caller owns and passes around rather than a package-level singleton.
type Controller struct {
	cfg     config
	logger  *zap.Logger
	metrics metricsSink

	resolver *hookengine.Resolver

	activated atomic.Bool
	quitting  atomic.Bool

	master *buftree.Buffer

	mu            sync.Mutex
	threadBuffers map[int]*buftree.Buffer
	enableCounts  map[int]int32

	dumper *dumper
}

// New validates opts and constructs a Controller in the inactive state.
// Call Init to attach modes and start the dump goroutine.
func New(opts ...Option) (*Controller, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:           cfg,
		logger:        cfg.logger,
		metrics:       newMetricsSink(cfg.registry),
		resolver:      hookengine.NewResolver(),
		master:        buftree.New(),
		threadBuffers: make(map[int]*buftree.Buffer),
		enableCounts:  make(map[int]int32),
	}
	return c, nil
}

// Init attaches every registered Mode and starts the background dumper.
// It is the Go-idiomatic counterpart of IgProf::initialize: everything
// that original performed via pthread_once-guarded global state happens
// here, once, under the caller's control.
//
// Init first checks PROFCORE_TARGET against os.Args[0] and folds any
// profcore:out=/profcore:dump= tokens from PROFCORE into the controller's
// configuration. A target mismatch is not an error: Init returns (false,
// nil) and the controller stays permanently inactive: Enabled() reports
// false on every thread, no mode is attached and no dumper is started.
// BufferForThisThread does not check activation; it still creates and
// returns a buffer for the calling thread.
func (c *Controller) Init() (bool, error) {
	if !c.activated.CompareAndSwap(false, true) {
		return false, fmt.Errorf("profengine: Init called more than once")
	}
	if !c.envSnapshot() {
		c.logger.Info("profengine: PROFCORE_TARGET mismatch, staying inactive")
		c.quitting.Store(true)
		return false, nil
	}
	for _, m := range c.cfg.modes {
		if err := m.Attach(c); err != nil {
			c.metrics.incHookFailure()
			return false, fmt.Errorf("profengine: attaching mode %q: %w", m.Name(), err)
		}
		c.logger.Info("profengine: mode attached", zap.String("mode", m.Name()))
	}
	c.dumper = newDumper(c)
	c.dumper.start()
	return true, nil
}

// Shutdown detaches every mode, stops the dumper (writing a final dump)
// and merges all remaining thread buffers into the master buffer.
func (c *Controller) Shutdown() error {
	if !c.quitting.CompareAndSwap(false, true) {
		return nil
	}
	for _, m := range c.cfg.modes {
		if err := m.Detach(c); err != nil {
			c.logger.Warn("profengine: mode detach failed", zap.String("mode", m.Name()), zap.Error(err))
		}
	}
	c.mu.Lock()
	for tid, buf := range c.threadBuffers {
		c.mergeIntoMaster(buf)
		delete(c.threadBuffers, tid)
	}
	c.mu.Unlock()
	if c.dumper != nil {
		c.dumper.stop()
		return c.dumper.dumpOnce("shutdown")
	}
	return nil
}

// currentTID returns the calling OS thread's kernel id, used as the
// profiler's notion of thread identity in place of native
// thread-local storage. This is only a stable key for a goroutine that
// has called runtime.LockOSThread (see WrapThreadEntry); an unlocked
// goroutine may observe a different tid on every call.
func currentTID() int {
	return unix.Gettid()
}

// BufferForThisThread returns the calling OS thread's profile buffer,
// creating one on first use. Must be called from a goroutine locked to
// its OS thread (see WrapThreadEntry), or from the main goroutine, which
// Go guarantees stays on the initial OS thread.
//
// A thread's first call also initialises its enable counter to 1,
// matching IgProf's pthread_create wrapper, which "creates a per-thread
// enable counter initialised to 1" in the same step it installs the new
// buffer under bufkey (spec.md §4.4) — a thread is enabled by default the
// moment it is known to the controller, not only once something calls
// Enable() on it.
func (c *Controller) BufferForThisThread() *buftree.Buffer {
	tid := currentTID()
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.threadBuffers[tid]
	if !ok {
		buf = buftree.New()
		for _, def := range c.master.CounterDefs() {
			// Re-register under the same id ordering so MergeFrom's
			// id-alignment assumption holds.
			if _, err := buf.DefineCounter(def.Name, def.Kind); err != nil {
				c.logger.Error("profengine: counter definition overflow for new thread buffer", zap.Error(err))
				break
			}
		}
		c.threadBuffers[tid] = buf
		c.enableCounts[tid] = 1
		c.metrics.incThreadInit()
		c.metrics.setLiveBuffers(len(c.threadBuffers))
	}
	return buf
}

// DefineCounter registers a counter definition on the master buffer. Call
// this during Mode.Attach, before any thread buffers are created, so
// every later BufferForThisThread call picks up the full set.
func (c *Controller) DefineCounter(name string, kind buftree.CounterKind) (*buftree.CounterDef, error) {
	return c.master.DefineCounter(name, kind)
}

// ExitThisThread merges the calling OS thread's buffer into the master
// buffer and retires its per-thread state, matching IgProf::exitThread.
func (c *Controller) ExitThisThread() {
	tid := currentTID()
	c.mu.Lock()
	buf, ok := c.threadBuffers[tid]
	if ok {
		delete(c.threadBuffers, tid)
		delete(c.enableCounts, tid)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.mergeIntoMaster(buf)
	c.metrics.incThreadExit()
	c.mu.Lock()
	c.metrics.setLiveBuffers(len(c.threadBuffers))
	c.mu.Unlock()
}

func (c *Controller) mergeIntoMaster(buf *buftree.Buffer) {
	buf.Lock()
	c.master.Lock()
	c.master.MergeFrom(buf)
	c.master.Unlock()
	buf.Unlock()
}

// Enable increments the calling thread's enable counter, matching
// IgProf::enable's nesting-safe re-entrant design: a signal handler
// firing while its own thread is already inside a profiled region must
// not re-enable recursively, so the counter (rather than a boolean) lets
// the outermost Disable be the one that actually turns sampling off.
func (c *Controller) Enable() {
	tid := currentTID()
	c.mu.Lock()
	c.enableCounts[tid]++
	c.mu.Unlock()
}

// Disable decrements the calling thread's enable counter.
func (c *Controller) Disable() {
	tid := currentTID()
	c.mu.Lock()
	if c.enableCounts[tid] > 0 {
		c.enableCounts[tid]--
	}
	c.mu.Unlock()
}

// Enabled reports whether the calling thread is currently inside an
// enabled region (enable count > 0) and the controller is activated and
// not shutting down.
func (c *Controller) Enabled() bool {
	if !c.activated.Load() || c.quitting.Load() {
		return false
	}
	tid := currentTID()
	c.mu.Lock()
	n := c.enableCounts[tid]
	c.mu.Unlock()
	return n > 0
}

// Resolver exposes the controller's symbol resolver so Mode
// implementations can install hooks against it.
func (c *Controller) Resolver() *hookengine.Resolver { return c.resolver }

// Logger returns the controller's structured logger for Mode use.
func (c *Controller) Logger() *zap.Logger { return c.logger }

// WrapThreadEntry returns a function suitable as a new OS thread's entry
// point (e.g. passed to go func() { ... }() immediately followed by
// runtime.LockOSThread, or used as the body of a goroutine dedicated to
// owning one OS thread for its lifetime): it locks the goroutine to its
// current OS thread, registers a buffer (which, per BufferForThisThread,
// also starts the thread's enable counter at 1 — a wrapped thread is
// profiled from its first instruction, with no separate Enable() call
// required, matching IgProf's pthread_create wrapper), runs fn, then
// unconditionally merges and unlocks on the way out. This is profcore's
// substitute for hooking pthread_create, since Go offers no portable way
// to intercept OS thread creation performed outside the Go runtime's own
// scheduler.
func (c *Controller) WrapThreadEntry(fn func()) func() {
	return func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		c.BufferForThisThread()
		defer c.ExitThisThread()
		fn()
	}
}
