// Package profengine implements the lifecycle controller: process-wide
// initialisation, per-thread buffer ownership, enable/disable counting,
// thread-creation wrapping and the dump goroutine that serialises
// profile buffers to the configured output target.
//
// The lifecycle follows IGPROF's IgProf class; configuration uses a
// functional-options/config-struct shape throughout.
//
// © 2025 profcore authors. MIT License.
package profengine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	errInvalidOutput       = errors.New("profengine: output target must be non-empty")
	errInvalidDumpInterval = errors.New("profengine: dump poll interval must be positive")
	errInvalidMode         = errors.New("profengine: at least one profiler mode must be registered")
)

// Mode is a profiler-mode adapter plugged into the controller: it owns
// one or more CounterDefs and decides when to call Push/Tick/Acquire/
// Release on the active buffer. Concrete modes (CPU-timer, memory, fd,
// throw, energy) are out of this package's scope; profengine only needs
// the narrow surface below to drive their lifecycle.
type Mode interface {
	// Name identifies the mode in dump output and logs.
	Name() string
	// Attach is called once, after the controller's buffers exist, so the
	// mode can install its hooks/timers against the live Controller.
	Attach(c *Controller) error
	// Detach reverses Attach during Controller.Shutdown.
	Detach(c *Controller) error
}

type config struct {
	output        string
	dumpFlagPath  string
	dumpPoll      time.Duration
	modes         []Mode
	registry      *prometheus.Registry
	logger        *zap.Logger
	maxDepth      int
	debugging     bool
	clockRes      time.Duration
	symbolizer    Symbolizer
}

// Option configures a Controller at construction time.
type Option func(*config)

// WithOutput sets the dump output target: a plain path, "|command" to
// pipe into an external process's stdin (e.g. "|gzip -c > out.gz"), or
// "-" for stdout — the same forms a profcore:out= token in PROFCORE may
// carry.
func WithOutput(target string) Option {
	return func(c *config) { c.output = target }
}

// WithDumpTrigger sets the path polled/watched for an on-demand dump
// request and the poll fallback interval used alongside the fsnotify
// watch.
func WithDumpTrigger(path string, pollInterval time.Duration) Option {
	return func(c *config) {
		c.dumpFlagPath = path
		c.dumpPoll = pollInterval
	}
}

// WithModes registers the profiler-mode adapters the controller attaches
// at Init.
func WithModes(modes ...Mode) Option {
	return func(c *config) { c.modes = append(c.modes, modes...) }
}

// WithMetrics installs a Prometheus registry for the controller's
// observability counters/gauges.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithLogger installs a structured logger; a nil or unset logger defaults
// to zap.NewNop(), matching the rest of the module.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithDebugging enables the extra diagnostic logging IGPROF_DEBUGGING
// controls in the original profiler.
func WithDebugging(on bool) Option {
	return func(c *config) { c.debugging = on }
}

// WithClockResolution records the sampling clock resolution (e.g. a
// CPU-timer mode's interval) reported in the dump header's T= field.
func WithClockResolution(d time.Duration) Option {
	return func(c *config) { c.clockRes = d }
}

// WithSymbolizer installs the address→(symbol, module) resolver the
// dumper consults when writing a frame's definition. The symboliser
// itself is out of this module's scope; this option is only the
// pluggable seam a caller supplies one through.
func WithSymbolizer(sym Symbolizer) Option {
	return func(c *config) { c.symbolizer = sym }
}

func defaultConfig() config {
	return config{
		output:   "igprof.profile.gz",
		dumpPoll: 320 * time.Millisecond,
		maxDepth: 800,
	}
}

func applyOptions(opts []Option) (config, error) {
	c := defaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if c.output == "" {
		return c, errInvalidOutput
	}
	if c.dumpPoll <= 0 {
		return c, errInvalidDumpInterval
	}
	if len(c.modes) == 0 {
		return c, errInvalidMode
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}
