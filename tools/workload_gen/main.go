// Command workload_gen is a tiny helper utility that generates
// deterministic synthetic call-stack datasets for standalone benchmarking
// of profcore's buffer, outside `go test`.
//
// Usage:
//
//	go run ./tools/workload_gen -n 100000 -depth 24 -dist=zipf -seed=42 -out stacks.txt
//
// Flags:
//
//	-n      number of synthetic call stacks to generate (default 100000)
//	-depth  frames per stack (default 24)
//	-dist   address distribution: "uniform" or "zipf" (default uniform)
//	-zipfs  Zipf s parameter (>1)  (default 1.2)
//	-zipfv  Zipf v parameter (>=1) (default 1.0)
//	-seed   RNG seed (default 1, for reproducible benchmark input)
//	-out    output file (default stdout)
//
// Each output line is one call stack: space-separated hex addresses,
// outermost frame first, matching buftree.Push's expected ordering — a
// line of this file can be fed straight into a profiler-mode adapter's
// test harness or a bench/ benchmark that wants a larger-than-package
// dataset than the builtin one.
//
// © 2025 profcore authors. MIT License.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"
)

func main() {
	var (
		n       = flag.Int("n", 100_000, "number of call stacks to generate")
		depth   = flag.Int("depth", 24, "frames per stack")
		dist    = flag.String("dist", "uniform", "address distribution: uniform or zipf")
		zipfS   = flag.Float64("zipfs", 1.2, "zipf s parameter (>1)")
		zipfV   = flag.Float64("zipfv", 1.0, "zipf v parameter (>=1)")
		seedVal = flag.Int64("seed", 1, "PRNG seed")
		outPath = flag.String("out", "", "output file (default stdout)")
	)
	flag.Parse()

	if *depth <= 0 {
		fmt.Fprintln(os.Stderr, "depth must be > 0")
		os.Exit(1)
	}

	rnd := rand.New(rand.NewSource(*seedVal))

	var gen func() uint64
	switch *dist {
	case "uniform":
		gen = func() uint64 { return uint64(rnd.Intn(1<<20)) + 1 }
	case "zipf":
		if *zipfS <= 1.0 || *zipfV < 1 {
			fmt.Fprintln(os.Stderr, "zipfs must be >1 and zipfv >=1")
			os.Exit(1)
		}
		z := rand.NewZipf(rnd, *zipfS, *zipfV, 1<<20)
		gen = func() uint64 { return z.Uint64() + 1 }
	default:
		fmt.Fprintln(os.Stderr, "unknown dist:", *dist)
		os.Exit(1)
	}

	var out *os.File
	var err error
	if *outPath == "" {
		out = os.Stdout
	} else {
		out, err = os.Create(*outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot create file:", err)
			os.Exit(1)
		}
		defer out.Close()
	}

	w := bufio.NewWriterSize(out, 1<<20)
	defer w.Flush()

	frame := make([]uint64, *depth)
	for i := 0; i < *n; i++ {
		for j := range frame {
			frame[j] = gen()
		}
		for j, addr := range frame {
			if j > 0 {
				w.WriteByte(' ')
			}
			fmt.Fprintf(w, "%#x", addr)
		}
		w.WriteByte('\n')
	}
}
