// Package probe emits tracing events from Go code, playing the part of the
// instrumentation: it keeps each logical thread's call depth, times calls
// and announces spawned goroutines before they start.
//
//	p := probe.New(eng)
//	main := p.Thread()
//	done := main.Enter("main.run", "42")
//	main.Go("main.worker", func(w *probe.Thread) {
//		defer w.Enter("worker.loop")()
//	})
//	done("ok")
//	err := p.Wait()
package probe

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"calltrace/internal/event"
)

// Handler consumes events, typically an *engine.Engine.
type Handler interface {
	Handle(ev event.Event) error
}

// Probe hands out logical threads and collects the first handling error.
type Probe struct {
	h    Handler
	next atomic.Uint64
	wg   sync.WaitGroup

	mu  sync.Mutex
	err error
}

// New creates a probe feeding h.
func New(h Handler) *Probe {
	return &Probe{h: h}
}

// Thread starts a new logical thread with no open call.
func (p *Probe) Thread() *Thread {
	return &Thread{p: p, id: event.ThreadID(p.next.Add(1))}
}

// Wait blocks until every goroutine started with Thread.Go returned and
// reports the first error.
func (p *Probe) Wait() error {
	p.wg.Wait()
	return p.Err()
}

// Err returns the first error seen so far.
func (p *Probe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Probe) emit(ev event.Event) {
	if err := p.h.Handle(ev); err != nil {
		p.mu.Lock()
		if p.err == nil {
			p.err = err
		}
		p.mu.Unlock()
	}
}

// Thread is one logical thread. Its methods must be called from a single
// goroutine.
type Thread struct {
	p     *Probe
	id    event.ThreadID
	depth int
	line  int
	file  string
}

// ID returns the thread id used in emitted events.
func (t *Thread) ID() uint64 { return uint64(t.id) }

// Depth returns the number of open calls.
func (t *Thread) Depth() int { return t.depth }

// At sets the source position used as caller location by the next Enter.
func (t *Thread) At(file string, line int) {
	t.file = file
	t.Line(line)
}

// Line emits a line marker.
func (t *Thread) Line(line int) {
	t.line = line
	t.p.emit(event.LineMarker{ThreadID: t.id, Line: line})
}

// Enter emits a method entry and returns the function that emits its exit.
// Passing a value to the exit function records it as the return value.
func (t *Thread) Enter(signature string, params ...string) func(ret ...string) {
	depth := t.depth
	t.p.emit(event.MethodEnter{
		ThreadID:   t.id,
		Depth:      depth,
		Signature:  signature,
		CallerFile: t.file,
		CallerLine: t.line,
		Params:     params,
	})
	t.depth++
	start := time.Now()
	exited := false
	return func(ret ...string) {
		if exited {
			return
		}
		exited = true
		ev := event.MethodExit{
			ThreadID:      t.id,
			Depth:         depth,
			Signature:     signature,
			DurationNanos: time.Since(start).Nanoseconds(),
		}
		if len(ret) > 0 {
			ev.ReturnValue = ret[0]
			ev.HasReturn = true
		}
		t.depth = depth
		t.p.emit(ev)
	}
}

// Read emits a local variable read.
func (t *Thread) Read(index int, value string) {
	t.p.emit(event.VarRead{ThreadID: t.id, Index: index, Value: value})
}

// Write emits a local variable write.
func (t *Thread) Write(index int, value string) {
	t.p.emit(event.VarWrite{ThreadID: t.id, Index: index, Value: value})
}

// Go announces a new thread from the innermost open call, then runs fn on
// it in a new goroutine. The spawn is handled before the goroutine starts,
// so the child's first root is always linked to it.
func (t *Thread) Go(signature string, fn func(child *Thread)) {
	if t.depth == 0 {
		t.p.mu.Lock()
		if t.p.err == nil {
			t.p.err = errors.Newf("thread %d: spawn %s outside any call", t.id, signature)
		}
		t.p.mu.Unlock()
		return
	}
	child := t.p.Thread()
	t.p.emit(event.ThreadSpawn{
		ThreadID:    t.id,
		ParentDepth: t.depth - 1,
		Signature:   signature,
		Child:       child.id,
	})
	t.p.wg.Add(1)
	go func() {
		defer t.p.wg.Done()
		fn(child)
	}()
}
