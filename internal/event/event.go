// Package event defines the execution events consumed by the call-tree
// engine and the log codecs used to record and replay them.
//
// Events for one thread arrive in execution order. Events of different threads
// may interleave arbitrarily; every event therefore carries the id of the
// thread that produced it.
package event

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ThreadID identifies a traced program thread.
type ThreadID uint64

// Kind identifies the shape of an event.
type Kind uint8

const (
	// KindEnter marks a method entry.
	KindEnter Kind = iota + 1
	// KindExit marks a method exit.
	KindExit
	// KindSpawn marks the start of a new thread by the emitting thread.
	KindSpawn
	KindRead  // local variable read
	KindWrite // local variable write
	KindLine  // source line reached
)

// ErrUnknownKind is returned when an event kind cannot be parsed.
var ErrUnknownKind = errors.New("unknown event kind")

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindEnter:
		return "enter"
	case KindExit:
		return "exit"
	case KindSpawn:
		return "spawn"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindLine:
		return "line"
	default:
		return "unknown"
	}
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "enter":
		return KindEnter, nil
	case "exit":
		return KindExit, nil
	case "spawn":
		return KindSpawn, nil
	case "read":
		return KindRead, nil
	case "write":
		return KindWrite, nil
	case "line":
		return KindLine, nil
	default:
		return 0, errors.Wrapf(ErrUnknownKind, "%q (expected: enter|exit|spawn|read|write|line)", s)
	}
}

// Event is one instrumentation signal.
type Event interface {
	Kind() Kind
	Thread() ThreadID
}

// MethodEnter is emitted when a method starts executing.
type MethodEnter struct {
	ThreadID   ThreadID
	Depth      int
	Signature  string
	CallerFile string
	CallerLine int
	Params     []string
}

// MethodExit is emitted when a method returns normally.
type MethodExit struct {
	ThreadID      ThreadID
	Depth         int
	Signature     string
	ReturnValue   string
	HasReturn     bool
	DurationNanos int64
}

// ThreadSpawn is emitted by the spawning thread just before the new thread
// can run. ParentDepth is the depth of the spawning call.
type ThreadSpawn struct {
	ThreadID    ThreadID
	ParentDepth int
	Signature   string
	Child       ThreadID
}

// VarRead is emitted when a local variable slot is read.
type VarRead struct {
	ThreadID ThreadID
	Index    int
	Value    string
}

// VarWrite is emitted after a local variable slot is written.
type VarWrite struct {
	ThreadID ThreadID
	Index    int
	Value    string
}

// LineMarker is emitted when execution reaches a new source line.
type LineMarker struct {
	ThreadID ThreadID
	Line     int
}

func (MethodEnter) Kind() Kind { return KindEnter }
func (MethodExit) Kind() Kind  { return KindExit }
func (ThreadSpawn) Kind() Kind { return KindSpawn }
func (VarRead) Kind() Kind     { return KindRead }
func (VarWrite) Kind() Kind    { return KindWrite }
func (LineMarker) Kind() Kind  { return KindLine }

func (e MethodEnter) Thread() ThreadID { return e.ThreadID }
func (e MethodExit) Thread() ThreadID  { return e.ThreadID }
func (e ThreadSpawn) Thread() ThreadID { return e.ThreadID }
func (e VarRead) Thread() ThreadID     { return e.ThreadID }
func (e VarWrite) Thread() ThreadID    { return e.ThreadID }
func (e LineMarker) Thread() ThreadID  { return e.ThreadID }
