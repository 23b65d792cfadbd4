// Package trace records the engine's own activity: sessions created, roots
// completed, pending subtrees spliced, protocol violations.
//
// It is not the call trace the engine produces. It is the diagnostic stream
// used to find out why a call trace came out the way it did.
//
// # Tracers
//
//   - Nop: disabled, zero overhead
//   - StreamTracer: writes each event to a writer as text or NDJSON
//   - RingTracer: keeps the last N events, dumped after a failure
//   - MultiTracer: fans out to several tracers
//
// # Levels and scopes
//
// Every event has a scope, coarsest first: engine, session, node. The level
// decides which scopes are emitted:
//
//   - LevelError: only error events
//   - LevelPhase: engine scope
//   - LevelDetail: engine and session scope
//   - LevelDebug: everything, one event per builder operation
//
// Error events pass at every level except LevelOff.
//
// # Context
//
//	ctx = trace.WithTracer(ctx, tracer)
//	span := trace.Begin(trace.FromContext(ctx), trace.ScopeEngine, "replay", 0)
//	defer span.End("")
package trace
