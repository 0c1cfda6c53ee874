package profengine

// metrics.go implements a noop/prometheus metrics sink pair for profiler
// lifecycle counters: threads entered, dumps written, hook install
// failures.
//
// © 2025 profcore authors. MIT License.

import "github.com/prometheus/client_golang/prometheus"

type metricsSink interface {
	incThreadInit()
	incThreadExit()
	incDump()
	incHookFailure()
	setLiveBuffers(n int)
	addDoubleAcquires(n uint64)
	addUnknownReleases(n uint64)
	addHashExpansions(n uint64)
}

type noopMetrics struct{}

func (noopMetrics) incThreadInit()            {}
func (noopMetrics) incThreadExit()            {}
func (noopMetrics) incDump()                  {}
func (noopMetrics) incHookFailure()           {}
func (noopMetrics) setLiveBuffers(int)        {}
func (noopMetrics) addDoubleAcquires(uint64)  {}
func (noopMetrics) addUnknownReleases(uint64) {}
func (noopMetrics) addHashExpansions(uint64)  {}

type promMetrics struct {
	threadInits     prometheus.Counter
	threadExits     prometheus.Counter
	dumps           prometheus.Counter
	hookFailures    prometheus.Counter
	liveBuffers     prometheus.Gauge
	doubleAcquires  prometheus.Counter
	unknownReleases prometheus.Counter
	hashExpansions  prometheus.Counter
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	m := &promMetrics{
		threadInits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profcore_thread_init_total",
			Help: "Number of threads that registered a profile buffer.",
		}),
		threadExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profcore_thread_exit_total",
			Help: "Number of threads whose buffer was merged and retired.",
		}),
		dumps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profcore_dumps_total",
			Help: "Number of profile dumps written.",
		}),
		hookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profcore_hook_failures_total",
			Help: "Number of hook installation failures.",
		}),
		liveBuffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profcore_live_buffers",
			Help: "Number of currently live per-thread profile buffers.",
		}),
		doubleAcquires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profcore_double_acquires_total",
			Help: "Number of Acquire calls that found a resource id already live and reconciled it.",
		}),
		unknownReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profcore_unknown_releases_total",
			Help: "Number of Release calls for a resource id with no live entry.",
		}),
		hashExpansions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "profcore_resource_hash_expansions_total",
			Help: "Number of times a buffer's live-resource hash table was grown.",
		}),
	}
	reg.MustRegister(m.threadInits, m.threadExits, m.dumps, m.hookFailures, m.liveBuffers,
		m.doubleAcquires, m.unknownReleases, m.hashExpansions)
	return m
}

func (m *promMetrics) incThreadInit()              { m.threadInits.Inc() }
func (m *promMetrics) incThreadExit()              { m.threadExits.Inc() }
func (m *promMetrics) incDump()                    { m.dumps.Inc() }
func (m *promMetrics) incHookFailure()             { m.hookFailures.Inc() }
func (m *promMetrics) setLiveBuffers(n int)        { m.liveBuffers.Set(float64(n)) }
func (m *promMetrics) addDoubleAcquires(n uint64)  { m.doubleAcquires.Add(float64(n)) }
func (m *promMetrics) addUnknownReleases(n uint64) { m.unknownReleases.Add(float64(n)) }
func (m *promMetrics) addHashExpansions(n uint64)  { m.hashExpansions.Add(float64(n)) }

func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
