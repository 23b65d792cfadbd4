package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"calltrace/internal/metrics"
	"calltrace/internal/session"
	"calltrace/internal/trace"
	"calltrace/internal/wire"
)

// ThreadStats are the running totals of one thread.
type ThreadStats struct {
	Thread     uint64
	Traces     uint64
	Violations uint64
	// Failed is set once the thread's session stopped accepting events.
	Failed bool
}

// observer turns session notifications into counters, metrics and
// diagnostics.
type observer struct {
	tracer  trace.Tracer
	metrics *metrics.Metrics
	policy  session.Policy

	events     atomic.Uint64
	sessions   atomic.Uint64
	roots      atomic.Uint64
	violations atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64

	mu      sync.Mutex
	threads map[uint64]*ThreadStats
}

func (o *observer) stats() Stats {
	return Stats{
		Events:     o.events.Load(),
		Sessions:   o.sessions.Load(),
		Roots:      o.roots.Load(),
		Violations: o.violations.Load(),
		Dropped:    o.dropped.Load(),
		Failed:     o.failed.Load(),
	}
}

func (o *observer) thread(id uint64, fn func(ts *ThreadStats)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.threads == nil {
		o.threads = make(map[uint64]*ThreadStats)
	}
	ts, ok := o.threads[id]
	if !ok {
		ts = &ThreadStats{Thread: id}
		o.threads[id] = ts
	}
	fn(ts)
}

func (o *observer) threadStats() []ThreadStats {
	o.mu.Lock()
	out := make([]ThreadStats, 0, len(o.threads))
	for _, ts := range o.threads {
		out = append(out, *ts)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Thread < out[j].Thread })
	return out
}

func (o *observer) SessionCreated(thread uint64) {
	o.sessions.Add(1)
	o.thread(thread, func(*ThreadStats) {})
	o.metrics.SessionCreated()
	trace.Point(o.tracer, trace.ScopeSession, thread, "session", "created")
}

func (o *observer) SpawnReserved(child, parent uint64) {
	trace.Point(o.tracer, trace.ScopeSession, child, "reserve", fmt.Sprintf("spawned by thread %d", parent))
}

func (o *observer) RootCompleted(t *wire.Trace) {
	o.roots.Add(1)
	o.thread(t.Thread, func(ts *ThreadStats) { ts.Traces++ })
	o.metrics.RootCompleted(t.Root.Duration)
	trace.Point(o.tracer, trace.ScopeSession, t.Thread, "root",
		fmt.Sprintf("#%d %s %d nodes", t.Seq, t.Root.Signature, t.Root.Count()))
}

func (o *observer) PendingSpliced(thread uint64, segments int) {
	o.metrics.Spliced(segments)
	trace.Point(o.tracer, trace.ScopeSession, thread, "splice", fmt.Sprintf("%d segments", segments))
}

func (o *observer) InstructionDropped(thread uint64, index int) {
	o.dropped.Add(1)
	o.metrics.DroppedInstruction()
	trace.Point(o.tracer, trace.ScopeNode, thread, "drop", fmt.Sprintf("slot %d", index))
}

func (o *observer) Violation(thread uint64, err error) {
	o.violations.Add(1)
	o.thread(thread, func(ts *ThreadStats) {
		ts.Violations++
		ts.Failed = ts.Failed || o.policy == session.Strict
	})
	o.metrics.Violation()
	trace.Error(o.tracer, trace.ScopeSession, thread, "violation", err)
}

func (o *observer) SinkFailed(thread uint64, err error) {
	o.failed.Add(1)
	o.thread(thread, func(ts *ThreadStats) { ts.Failed = true })
	o.metrics.SinkFailed()
	trace.Error(o.tracer, trace.ScopeSession, thread, "sink", err)
}

func (o *observer) PartialClosed(thread uint64, traces int, flushed bool) {
	o.metrics.PartialClosed(traces)
	action := "discarded"
	if flushed {
		action = "flushed"
	}
	trace.Point(o.tracer, trace.ScopeSession, thread, "partial", fmt.Sprintf("%s %d", action, traces))
}
