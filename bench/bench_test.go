// Package bench provides reproducible micro-benchmarks for profcore's hot
// paths. Run via:  go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The three things worth measuring on a sampling profiler's core are:
//  1. Push      — call-tree insertion/lookup, the per-sample cost every
//                 hooked call site or timer tick pays.
//  2. Tick      — counter accumulation at an already-resolved frame.
//  3. AcquireRelease — the resource-hash path a memory-mode adapter would
//                 drive on every malloc/free pair.
//
// Results are printed in ns/op + alloc/op so CI can diff via benchstat.
// Every benchmark calls ReportAllocs, and BenchmarkPushParallel uses
// RunParallel, against a fixed synthetic dataset built once at package
// init.
//
// NOTE: unit tests live beside the packages they cover (e.g.
// internal/buftree); this file is only for performance.
//
// © 2025 profcore authors. MIT License.
package bench

import (
	"math/rand"
	"runtime"
	"testing"

	"github.com/profcore/engine/internal/buftree"
)

const (
	stackDepth = 24
	keys       = 1 << 16 // distinct synthetic call stacks
)

// dataset is a fixed set of synthetic call stacks reused across benchmarks
// to avoid reallocating large slices per run.
var dataset = func() [][]uintptr {
	rng := rand.New(rand.NewSource(42))
	out := make([][]uintptr, keys)
	for i := range out {
		stack := make([]uintptr, stackDepth)
		for j := range stack {
			// Bias toward a small pool of addresses so the tree actually
			// shares prefixes, matching a real program's call-graph shape
			// rather than a uniformly random (maximally divergent) one.
			stack[j] = uintptr(rng.Intn(4096)) + 1
		}
		out[i] = stack
	}
	return out
}()

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())
}

func BenchmarkPush(b *testing.B) {
	buf := buftree.New()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Push(dataset[i&(keys-1)], 1)
	}
}

func BenchmarkPushParallel(b *testing.B) {
	buf := buftree.New()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		buf.Lock()
		defer buf.Unlock()
		i := 0
		for pb.Next() {
			buf.Push(dataset[i&(keys-1)], 1)
			i++
		}
	})
}

func BenchmarkTick(b *testing.B) {
	buf := buftree.New()
	def, err := buf.DefineCounter("BENCH_TICKS", buftree.CounterTick)
	if err != nil {
		b.Fatal(err)
	}
	frames := make([]*buftree.StackNode, keys)
	for i, stack := range dataset {
		frames[i] = buf.Push(stack, 1)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Tick(frames[i&(keys-1)], def, 1, 1)
	}
}

func BenchmarkAcquireRelease(b *testing.B) {
	buf := buftree.New()
	def, err := buf.DefineCounter("BENCH_LIVE", buftree.CounterMax)
	if err != nil {
		b.Fatal(err)
	}
	frame := buf.Push(dataset[0], 1)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := uintptr(i) + 1
		buf.Acquire(frame, def, id, 64)
		buf.Release(id)
	}
}

func BenchmarkMergeFrom(b *testing.B) {
	donor := buftree.New()
	def, err := donor.DefineCounter("BENCH_TICKS", buftree.CounterTick)
	if err != nil {
		b.Fatal(err)
	}
	for _, stack := range dataset[:1024] {
		frame := donor.Push(stack, 1)
		donor.Tick(frame, def, 1, 1)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		master := buftree.New()
		if _, err := master.DefineCounter("BENCH_TICKS", buftree.CounterTick); err != nil {
			b.Fatal(err)
		}
		master.MergeFrom(donor)
	}
}
