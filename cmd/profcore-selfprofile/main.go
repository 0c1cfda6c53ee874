// Command profcore-selfprofile is a minimal demonstration binary: it
// burns CPU in a few goroutines under the controller's CPU-timer mode
// and dumps a profile on SIGINT, showing end-to-end wiring rather than
// serving as a report/analysis CLI (that tool is out of this repo's
// scope).
//
// © 2025 profcore authors. MIT License.
package main

import (
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/profcore/engine/pkg/profengine"
	"github.com/profcore/engine/pkg/profmodes"
)

func main() {
	output := flag.String("output", "-", "dump output target: a path, \"-\" for stdout, or \"|cmd\" to pipe")
	interval := flag.Duration("interval", 10*time.Millisecond, "CPU sampling interval")
	workers := flag.Int("workers", 4, "number of busy worker goroutines")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cpu := profmodes.NewCPUTimer(*interval)
	ctrl, err := profengine.New(
		profengine.WithOutput(*output),
		profengine.WithLogger(logger),
		profengine.WithModes(cpu),
	)
	if err != nil {
		logger.Fatal("construct controller", zap.Error(err))
	}
	active, err := ctrl.Init()
	if err != nil {
		logger.Fatal("init controller", zap.Error(err))
	}
	if !active {
		logger.Info("profiling inactive: PROFCORE_TARGET did not match this process")
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		entry := ctrl.WrapThreadEntry(func() {
			burn(stop)
		})
		go func() {
			defer wg.Done()
			entry()
		}()
	}

	<-sig
	close(stop)
	wg.Wait()

	if err := ctrl.Shutdown(); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

// burn does pointless floating-point work until stop is closed, just to
// give the CPU-timer mode something to sample.
func burn(stop <-chan struct{}) {
	x := 0.0
	for {
		select {
		case <-stop:
			return
		default:
			x += 1.0000001
			if x > 1e12 {
				x = 0
			}
		}
	}
}
