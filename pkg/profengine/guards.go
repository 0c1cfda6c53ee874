package profengine

// guards.go is the Go-specific resolution of the original's signal-mask /
// fork / exit / kill interception: original_source hooks
// sigprocmask/sigaction/fork/_exit/kill directly at the libc symbol level
// so the profiler's own signal handler and dump thread survive a
// caller's attempt to mask signals, fork without re-initialising
// per-thread state, or exit without a final dump.
//
// Go exposes no supported, general way to intercept every call a
// process makes to those syscalls from arbitrary code (no process-wide
// "before fork" hook comparable to pthread_atfork, and os.Exit/Kill have
// no hook point at all). This package instead exposes explicit guard
// methods: callers who need the original's safety net invoke them
// directly around the operation in question, documented in DESIGN.md as
// Open Question resolution #4.
//
// © 2025 profcore authors. MIT License.

import (
	"os"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// GuardedSignalMask runs fn with SIGPROF and SIGVTALRM (the signals a
// sampling Mode typically drives) temporarily unblocked for the calling
// OS thread, then restores the previous mask, regardless of whether fn
// blocked them itself. This reproduces the original's guarantee that its
// own sigprocmask hook never lets a caller permanently mask the
// profiler's delivery signals.
func (c *Controller) GuardedSignalMask(fn func()) error {
	var oldMask unix.Sigset_t
	newMask := unix.Sigset_t{}
	addSignal(&newMask, unix.SIGPROF)
	addSignal(&newMask, unix.SIGVTALRM)

	if err := unix.PthreadSigmask(unix.SIG_UNBLOCK, &newMask, &oldMask); err != nil {
		return err
	}
	defer func() {
		if err := unix.PthreadSigmask(unix.SIG_SETMASK, &oldMask, nil); err != nil {
			c.logger.Warn("profengine: failed to restore signal mask", zap.Error(err))
		}
	}()
	fn()
	return nil
}

func addSignal(set *unix.Sigset_t, sig unix.Signal) {
	// unix.Sigset_t's layout is an opaque array of words; x/sys/unix
	// provides no portable "sigaddset" helper, so this follows the same
	// bit-per-signal convention the kernel uses (signal N sets bit N-1),
	// matching the layout x/sys/unix defines for linux/amd64 and
	// linux/arm64's Sigset_t.
	idx := (sig - 1) / 64
	bit := uint((sig - 1) % 64)
	set.Val[idx] |= 1 << bit
}

// GuardExit flushes and writes a final profile dump before calling
// os.Exit(code). Every exit path a profiled program takes deliberately
// (as opposed to a signal-terminated one, see GuardKill) should go
// through this instead of os.Exit directly, reproducing the original's
// atexit-registered final dump.
func (c *Controller) GuardExit(code int) {
	if err := c.Shutdown(); err != nil {
		c.logger.Error("profengine: shutdown before exit failed", zap.Error(err))
	}
	os.Exit(code)
}

// GuardKill sends sig to pid after first giving the controller a chance
// to dump (only meaningful when pid == os.Getpid() and sig is one of the
// terminating signals); for any other target this is a thin,
// documented-intent wrapper around syscall.Kill so call sites which used
// to reach for kill(2) directly route through the controller instead and
// get consistent logging.
func (c *Controller) GuardKill(pid int, sig syscall.Signal) error {
	if pid == os.Getpid() && isTerminatingSignal(sig) {
		if err := c.Shutdown(); err != nil {
			c.logger.Error("profengine: shutdown before self-kill failed", zap.Error(err))
		}
	}
	return syscall.Kill(pid, sig)
}

func isTerminatingSignal(sig syscall.Signal) bool {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGABRT, syscall.SIGKILL:
		return true
	default:
		return false
	}
}
