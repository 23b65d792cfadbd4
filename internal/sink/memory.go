package sink

import (
	"os"
	"path/filepath"
	"slices"
	"sync"

	"calltrace/internal/wire"
)

// Memory collects traces in memory. Useful for tests and for embedding the
// engine where traces are consumed in-process.
type Memory struct {
	mu     sync.Mutex
	traces map[uint64][]*wire.Trace
	opened []uint64
}

var (
	_ Opener = (*Memory)(nil)
	_ Source = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{traces: make(map[uint64][]*wire.Trace)}
}

// Open returns the sink for thread.
func (m *Memory) Open(thread uint64) (Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, thread)
	return &memorySink{m: m, thread: thread}, nil
}

// Close does nothing.
func (m *Memory) Close() error { return nil }

// Traces returns the traces written for thread, in completion order.
func (m *Memory) Traces(thread uint64) []*wire.Trace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*wire.Trace(nil), m.traces[thread]...)
}

// Threads returns the ids of threads that wrote at least one trace.
func (m *Memory) Threads() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.traces))
	for id := range m.traces {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Opened returns how many sinks were opened.
func (m *Memory) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.opened)
}

// Each visits the stored traces thread by thread.
func (m *Memory) Each(fn func(t *wire.Trace) error) error {
	for _, id := range m.Threads() {
		for _, t := range m.Traces(id) {
			if err := fn(t); err != nil {
				return err
			}
		}
	}
	return nil
}

type memorySink struct {
	m      *Memory
	thread uint64
	closed bool
}

func (s *memorySink) Write(t *wire.Trace) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.m.traces[s.thread] = append(s.m.traces[s.thread], t)
	return nil
}

func (s *memorySink) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.closed = true
	return nil
}

// OpenSource opens stored traces at path: a pebble store when the directory
// holds a pebble CURRENT file, a single thread file, or a directory of thread
// files otherwise.
func OpenSource(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return &fileSource{path: path}, nil
	}
	if _, err := os.Stat(filepath.Join(path, "CURRENT")); err == nil {
		return OpenPebble(path, nil)
	}
	return OpenDir(path)
}

type fileSource struct{ path string }

func (f *fileSource) Each(fn func(t *wire.Trace) error) error { return ReadFile(f.path, fn) }
func (f *fileSource) Close() error                            { return nil }
