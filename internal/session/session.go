// Package session turns one thread's event stream into call trees.
//
// A Session is driven by a single goroutine: the one delivering its
// thread's events. The only cross-thread write is the spawn link a parent
// thread places on its child's session through Registry.Reserve.
package session

import (
	"sync"

	"calltrace/internal/calltree"
	"calltrace/internal/scope"
	"calltrace/internal/sink"
	"calltrace/internal/wire"
)

// Options configure every session of a registry.
type Options struct {
	Locals   scope.Locals
	Opener   sink.Opener
	Policy   Policy
	Observer Observer
}

// Session is the per-thread tracing state.
type Session struct {
	thread uint64
	opener sink.Opener
	policy Policy
	obs    Observer

	root    *calltree.Node
	cursor  calltree.Cursor
	pending calltree.PendingChain
	scopes  *scope.Stack
	// depth of the innermost open invocation, -1 outside any call.
	depth int
	line  int

	out       sink.Sink
	seq       uint64
	failed    error
	resyncing bool
	closed    bool

	// rootLink is the spawn link consumed by the root in progress.
	rootLink *calltree.SpawnLink

	linkMu   sync.Mutex
	link     *calltree.SpawnLink
	linkDone bool
}

func newSession(thread uint64, opts Options) *Session {
	obs := opts.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	return &Session{
		thread: thread,
		opener: opts.Opener,
		policy: opts.Policy,
		obs:    obs,
		scopes: scope.NewStack(opts.Locals),
		depth:  -1,
	}
}

// Thread returns the id of the thread the session belongs to.
func (s *Session) Thread() uint64 { return s.thread }

// Root returns the depth-0 invocation in progress, or nil.
func (s *Session) Root() *calltree.Node { return s.root }

// Pending returns the roots of detached subtrees awaiting a parent.
func (s *Session) Pending() []*calltree.Node { return s.pending.Segments() }

// Completed returns how many traces were written.
func (s *Session) Completed() uint64 { return s.seq }

// Err returns the failure that stopped the session, if any.
func (s *Session) Err() error { return s.failed }

// reserve records that this thread was started by a THREAD_START node of
// another thread. Only the first link is kept, and none once the session's
// first root has completed.
func (s *Session) reserve(link calltree.SpawnLink) bool {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	if s.linkDone || s.link != nil {
		return false
	}
	s.link = &link
	return true
}

// takeLink consumes the reserved link, if any.
func (s *Session) takeLink() *calltree.SpawnLink {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	if s.linkDone {
		return nil
	}
	l := s.link
	if l != nil {
		s.link = nil
		s.linkDone = true
	}
	return l
}

// sealLink stops accepting links: only the first root of a thread can be
// the continuation of a spawn.
func (s *Session) sealLink() {
	s.linkMu.Lock()
	s.linkDone = true
	s.linkMu.Unlock()
}

// Link returns the spawn link waiting for this thread's first root.
func (s *Session) Link() (calltree.SpawnLink, bool) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	if s.link == nil {
		return calltree.SpawnLink{}, false
	}
	return *s.link, true
}

func (s *Session) write(t *wire.Trace) error {
	if s.out == nil {
		if s.opener == nil {
			return s.fail(sink.ErrClosed)
		}
		out, err := s.opener.Open(s.thread)
		if err != nil {
			return s.fail(err)
		}
		s.out = out
	}
	t.Thread = s.thread
	t.Seq = s.seq
	if err := s.out.Write(t); err != nil {
		return s.fail(err)
	}
	s.seq++
	return nil
}
