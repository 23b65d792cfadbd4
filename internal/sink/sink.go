// Package sink persists completed traces, one stream per traced thread.
package sink

import (
	"github.com/cockroachdb/errors"

	"calltrace/internal/wire"
)

// ErrClosed is returned when writing to a closed sink.
var ErrClosed = errors.New("sink closed")

// Sink is the output stream of one thread. Traces arrive in completion
// order. Write must flush before returning.
type Sink interface {
	Write(t *wire.Trace) error
	Close() error
}

// Opener creates per-thread sinks.
type Opener interface {
	Open(thread uint64) (Sink, error)
	Close() error
}

// Source iterates stored traces, grouped by thread in ascending id order
// and in completion order within a thread.
type Source interface {
	Each(fn func(t *wire.Trace) error) error
	Close() error
}

// OpenerFunc adapts a function to Opener; Close is a no-op.
type OpenerFunc func(thread uint64) (Sink, error)

// Open calls f(thread).
func (f OpenerFunc) Open(thread uint64) (Sink, error) { return f(thread) }

// Close does nothing.
func (OpenerFunc) Close() error { return nil }
