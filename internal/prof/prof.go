// Package prof wraps the runtime profilers behind a single start/stop pair.
package prof

import (
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync"

	"github.com/cockroachdb/errors"
)

// Options name the output files. Empty paths disable the profiler.
type Options struct {
	CPU   string
	Mem   string
	Trace string
}

// Enabled reports whether any profiler is requested.
func (o Options) Enabled() bool {
	return o.CPU != "" || o.Mem != "" || o.Trace != ""
}

// Profiler is a running set of profilers.
type Profiler struct {
	opts      Options
	cpuFile   *os.File
	traceFile *os.File
	once      sync.Once
	err       error
}

// Start enables the CPU profile and the runtime trace. The heap profile is
// taken by Stop.
func Start(opts Options) (*Profiler, error) {
	p := &Profiler{opts: opts}
	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create cpu profile")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "failed to start cpu profile")
		}
		p.cpuFile = f
	}
	if opts.Trace != "" {
		f, err := os.Create(opts.Trace)
		if err != nil {
			p.stopCPU()
			return nil, errors.Wrap(err, "failed to create runtime trace")
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			p.stopCPU()
			return nil, errors.Wrap(err, "failed to start runtime trace")
		}
		p.traceFile = f
	}
	return p, nil
}

// Stop ends every profiler and writes the heap profile. Later calls return
// the first call's result.
func (p *Profiler) Stop() error {
	p.once.Do(func() {
		if p.traceFile != nil {
			trace.Stop()
			p.err = errors.CombineErrors(p.err, p.traceFile.Close())
		}
		p.err = errors.CombineErrors(p.err, p.stopCPU())
		if p.opts.Mem != "" {
			p.err = errors.CombineErrors(p.err, writeHeap(p.opts.Mem))
		}
	})
	return p.err
}

func (p *Profiler) stopCPU() error {
	if p.cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := p.cpuFile.Close()
	p.cpuFile = nil
	return err
}

func writeHeap(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create heap profile")
	}
	defer func() {
		err = errors.CombineErrors(err, f.Close())
	}()
	runtime.GC()
	return errors.Wrap(pprof.WriteHeapProfile(f), "failed to write heap profile")
}
