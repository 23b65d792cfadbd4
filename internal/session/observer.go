package session

import "calltrace/internal/wire"

// Observer is notified of session lifecycle events. Methods are called from
// the goroutine driving the session and must be safe for concurrent use
// across sessions.
type Observer interface {
	SessionCreated(thread uint64)
	SpawnReserved(child uint64, parent uint64)
	RootCompleted(t *wire.Trace)
	PendingSpliced(thread uint64, segments int)
	InstructionDropped(thread uint64, index int)
	Violation(thread uint64, err error)
	SinkFailed(thread uint64, err error)
	PartialClosed(thread uint64, traces int, flushed bool)
}

// NopObserver ignores everything. Embed it to implement a subset.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) SessionCreated(uint64) {}
func (NopObserver) SpawnReserved(uint64, uint64) {}
func (NopObserver) RootCompleted(*wire.Trace) {}
func (NopObserver) PendingSpliced(uint64, int) {}
func (NopObserver) InstructionDropped(uint64, int) {}
func (NopObserver) Violation(uint64, error) {}
func (NopObserver) SinkFailed(uint64, error) {}
func (NopObserver) PartialClosed(uint64, int, bool) {}
