// Package engine is the process-wide entry point of the tracer: it routes
// events to per-thread sessions and owns everything they share.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"calltrace/internal/event"
	"calltrace/internal/metrics"
	"calltrace/internal/scope"
	"calltrace/internal/session"
	"calltrace/internal/sink"
	"calltrace/internal/trace"
)

// ErrClosed is returned for events handled after Close.
var ErrClosed = errors.New("engine closed")

// Config configures an Engine. Opener is required.
type Config struct {
	Locals  scope.Locals
	Opener  sink.Opener
	Policy  session.Policy
	Partial session.PartialPolicy
	// Tracer receives the engine's diagnostics; nil disables them.
	Tracer trace.Tracer
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Stats are running totals over the engine's lifetime.
type Stats struct {
	Events     uint64
	Sessions   uint64
	Roots      uint64
	Violations uint64
	Dropped    uint64
	Failed     uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("events=%d sessions=%d roots=%d violations=%d dropped=%d failed=%d",
		s.Events, s.Sessions, s.Roots, s.Violations, s.Dropped, s.Failed)
}

// Engine routes events to sessions. Handle may be called concurrently for
// different threads; events of one thread must be delivered by one goroutine
// at a time, in execution order.
type Engine struct {
	cfg    Config
	tracer trace.Tracer
	reg    *session.Registry
	obs    *observer
	closed atomic.Bool
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Opener == nil {
		return nil, errors.New("engine: no sink opener configured")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = trace.Nop
	}
	obs := &observer{tracer: tracer, metrics: cfg.Metrics, policy: cfg.Policy}
	e := &Engine{cfg: cfg, tracer: tracer, obs: obs}
	e.reg = session.NewRegistry(session.Options{
		Locals:   cfg.Locals,
		Opener:   cfg.Opener,
		Policy:   cfg.Policy,
		Observer: obs,
	})
	return e, nil
}

// Handle applies one event. Errors are protocol violations under the strict
// policy or failures of the thread's sink; both stop that thread only.
func (e *Engine) Handle(ev event.Event) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.obs.events.Add(1)
	e.cfg.Metrics.Event(ev.Kind().String())
	if e.tracer.Enabled() && e.tracer.Level().ShouldEmit(trace.ScopeNode) {
		trace.Point(e.tracer, trace.ScopeNode, uint64(ev.Thread()), ev.Kind().String(), describe(ev))
	}
	return e.reg.Dispatch(ev)
}

// Registry returns the session registry.
func (e *Engine) Registry() *session.Registry { return e.reg }

// Tracer returns the diagnostics tracer.
func (e *Engine) Tracer() trace.Tracer { return e.tracer }

// Stats returns a snapshot of the running totals.
func (e *Engine) Stats() Stats { return e.obs.stats() }

// Threads returns per-thread totals ordered by thread id. It is safe to call
// while events are being handled.
func (e *Engine) Threads() []ThreadStats { return e.obs.threadStats() }

// Close finishes every session according to the partial policy and closes
// the sinks. Handle fails afterwards. The close span goes to the tracer in
// ctx when there is one.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	tracer := trace.FromContext(ctx)
	if !tracer.Enabled() {
		tracer = e.tracer
	}
	span := trace.Begin(tracer, trace.ScopeEngine, "close", 0)
	err := e.reg.Close(e.cfg.Partial)
	if cerr := e.cfg.Opener.Close(); cerr != nil && err == nil {
		err = cerr
	}
	span.WithExtra("sessions", fmt.Sprint(e.reg.Len())).End(e.Stats().String())
	if ferr := e.tracer.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

func describe(ev event.Event) string {
	switch e := ev.(type) {
	case event.MethodEnter:
		return fmt.Sprintf("%d %s", e.Depth, e.Signature)
	case event.MethodExit:
		return fmt.Sprintf("%d %s %dns", e.Depth, e.Signature, e.DurationNanos)
	case event.ThreadSpawn:
		return fmt.Sprintf("%d %s -> %d", e.ParentDepth, e.Signature, e.Child)
	case event.VarRead:
		return fmt.Sprintf("slot %d", e.Index)
	case event.VarWrite:
		return fmt.Sprintf("slot %d", e.Index)
	case event.LineMarker:
		return fmt.Sprintf("line %d", e.Line)
	}
	return ""
}
