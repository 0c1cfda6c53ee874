package profengine

// dump.go runs the dedicated dump goroutine: it owns the master buffer's
// serialisation to the configured output target, triggered either by the
// dump-trigger file (watched via fsnotify, with a poll fallback in case
// the filesystem doesn't support inotify, e.g. some container overlay
// setups) or by an explicit DumpNow call.
//
// The dump thread follows IGPROF's own dump-thread design: a thread
// pinned with pthread_create, not reused from any of the profiled
// threads, so a dump never competes with application signal handling.
// fsnotify watches the trigger file instead of relying solely on the
// poll loop.
//
// © 2025 profcore authors. MIT License.

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/profcore/engine/internal/buftree"
)

type dumper struct {
	c      *Controller
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	// lastDiag remembers each buffer's last-reported Diagnostics snapshot so
	// dumpOnce can report only the delta since the previous dump instead of
	// re-logging/re-counting the same cumulative totals on every dump of a
	// long-lived buffer. Only the dump goroutine and DumpNow (serialised by
	// convention as a single-writer design) touch this map.
	lastDiag map[*buftree.Buffer]buftree.Diagnostics
}

func newDumper(c *Controller) *dumper {
	return &dumper{
		c:        c,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		lastDiag: make(map[*buftree.Buffer]buftree.Diagnostics),
	}
}

func (d *dumper) start() {
	go d.run()
}

func (d *dumper) stop() {
	d.once.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

// run is the dump goroutine's body: locked to its own OS thread (so it
// never shares a thread, and therefore a thread-local profile buffer
// slot, with an application thread), it watches the trigger file and
// polls on a 320ms fallback.
func (d *dumper) run() {
	defer close(d.doneCh)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var watcher *fsnotify.Watcher
	if d.c.cfg.dumpFlagPath != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			d.c.logger.Warn("profengine: fsnotify unavailable, falling back to poll-only", zap.Error(err))
		} else {
			watcher = w
			defer watcher.Close()
			if err := watcher.Add(trimTriggerDir(d.c.cfg.dumpFlagPath)); err != nil {
				d.c.logger.Warn("profengine: failed to watch dump-trigger directory", zap.Error(err))
			}
		}
	}

	ticker := time.NewTicker(d.c.cfg.dumpPoll)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.checkTrigger()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == d.c.cfg.dumpFlagPath {
				d.checkTrigger()
			}
		}
	}
}

func trimTriggerDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

// checkTrigger consumes a pending dump-trigger file, if present, then
// performs a dump.
func (d *dumper) checkTrigger() {
	path := d.c.cfg.dumpFlagPath
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = os.Remove(path)
	if err := d.dumpOnce("trigger"); err != nil {
		d.c.logger.Error("profengine: triggered dump failed", zap.Error(err))
	}
}

// DumpNow forces an immediate out-of-band dump, bypassing the trigger
// file entirely.
func (c *Controller) DumpNow() error {
	if c.dumper == nil {
		return fmt.Errorf("profengine: Init has not been called")
	}
	return c.dumper.dumpOnce("explicit")
}

// ResetProfiles clears every live buffer's accumulated state (but keeps
// counter definitions and hook installations), for differential profiling
// between dump cycles.
func (c *Controller) ResetProfiles() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, buf := range c.threadBuffers {
		buf.Lock()
		buf.Reset()
		buf.Unlock()
	}
	c.master.Lock()
	c.master.Reset()
	c.master.Unlock()
}

// dumpOnce walks every live per-thread buffer, then the master buffer,
// writing each under its own lock: cheaper than merging all into the
// master first, and it allows a dump mid-run without losing thread
// locality. Unlike ExitThisThread's merge, a dump never mutates any
// buffer: each thread keeps accumulating into its own buffer afterwards
// exactly as before. The reason string only affects logging, not the
// output format.
func (d *dumper) dumpOnce(reason string) error {
	c := d.c
	c.mu.Lock()
	buffers := make([]*buftree.Buffer, 0, len(c.threadBuffers)+1)
	for _, buf := range c.threadBuffers {
		buffers = append(buffers, buf)
	}
	c.mu.Unlock()
	buffers = append(buffers, c.master)

	for _, buf := range buffers {
		buf.Lock()
		defer buf.Unlock()
	}
	d.reportDiagnostics(buffers)

	w, closeFn, err := openOutput(c.cfg.output)
	if err != nil {
		return err
	}
	err = writeDump(w, os.Getpid(), os.Args[0], c.cfg.clockRes, c.cfg.symbolizer, buffers)
	closeErr := closeFn()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		c.metrics.incDump()
		c.logger.Info("profengine: dump written", zap.String("reason", reason), zap.String("target", c.cfg.output))
	}
	return err
}

// reportDiagnostics folds each buffer's accumulated Diagnostics (double
// acquires, unknown releases, resource-hash expansions — data-quality
// events that are logged and reconciled silently rather than surfaced as
// errors) into the controller's metrics sink and, when any are non-zero
// since the last dump, a warning log line. Callers must already hold
// every buffer's lock.
func (d *dumper) reportDiagnostics(buffers []*buftree.Buffer) {
	var double, unknown, expansions uint64
	for _, buf := range buffers {
		cur := buf.Diagnostics()
		prev := d.lastDiag[buf]
		double += cur.DoubleAcquires - prev.DoubleAcquires
		unknown += cur.UnknownReleases - prev.UnknownReleases
		expansions += cur.HashExpansions - prev.HashExpansions
		d.lastDiag[buf] = cur
	}
	if double == 0 && unknown == 0 && expansions == 0 {
		return
	}
	d.c.metrics.addDoubleAcquires(double)
	d.c.metrics.addUnknownReleases(unknown)
	d.c.metrics.addHashExpansions(expansions)
	d.c.logger.Warn("profengine: buffer data-quality events since last dump",
		zap.Uint64("double_acquires", double),
		zap.Uint64("unknown_releases", unknown),
		zap.Uint64("hash_expansions", expansions),
	)
}

// openOutput opens c.cfg.output: a path is truncated and written
// directly, "-" means stdout, and a "|command" prefix spawns command with
// its stdin connected to the profile stream — the forms WithOutput
// documents.
func openOutput(target string) (writer, func() error, error) {
	switch {
	case target == "-":
		return os.Stdout, func() error { return nil }, nil
	case strings.HasPrefix(target, "|"):
		cmdline := strings.TrimPrefix(target, "|")
		cmd := exec.Command("/bin/sh", "-c", cmdline)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, err
		}
		return pipe, func() error {
			if err := pipe.Close(); err != nil {
				return err
			}
			return cmd.Wait()
		}, nil
	default:
		f, err := os.Create(target)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}

// writer is the minimal surface writeProfile needs; satisfied by *os.File
// and an exec.Cmd's stdin pipe alike.
type writer interface {
	Write([]byte) (int, error)
}
