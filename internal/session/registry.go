package session

import (
	"sync"

	"github.com/cockroachdb/swiss"

	"calltrace/internal/calltree"
	"calltrace/internal/event"
)

// Registry maps thread ids to sessions. Sessions are created on first use
// and never removed.
//
// The map is read under the same mutex that guards insertion: neither Go
// maps nor swiss maps tolerate a lookup racing an insert.
type Registry struct {
	opts Options

	mu    sync.Mutex
	m     swiss.Map[uint64, *Session]
	order []*Session
}

// NewRegistry creates an empty registry whose sessions share opts.
func NewRegistry(opts Options) *Registry {
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	r := &Registry{opts: opts}
	r.m.Init(16)
	return r
}

// GetOrCreate returns the session of thread, creating it if needed.
func (r *Registry) GetOrCreate(thread uint64) *Session {
	s, created := r.getOrCreate(thread)
	if created {
		r.opts.Observer.SessionCreated(thread)
	}
	return s
}

func (r *Registry) getOrCreate(thread uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m.Get(thread); ok {
		return s, false
	}
	s := newSession(thread, r.opts)
	r.m.Put(thread, s)
	r.order = append(r.order, s)
	return s, true
}

// Lookup returns the session of thread without creating one.
func (r *Registry) Lookup(thread uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m.Get(thread)
}

// Reserve links child's first root trace to the THREAD_START node that
// spawned it. It must be called before the child can deliver events, which
// holds when the spawning thread calls it before starting the child. It
// reports whether the link was recorded; later links for the same child are
// ignored.
func (r *Registry) Reserve(child uint64, link calltree.SpawnLink) bool {
	s := r.GetOrCreate(child)
	if !s.reserve(link) {
		return false
	}
	r.opts.Observer.SpawnReserved(child, link.ParentThread)
	return true
}

// Dispatch routes ev to its thread's session. A spawn whose THREAD_START
// marker was recorded reserves the child thread before Dispatch returns, so
// the caller must not deliver the child's later events until then.
func (r *Registry) Dispatch(ev event.Event) error {
	s := r.GetOrCreate(uint64(ev.Thread()))
	sp, ok := ev.(event.ThreadSpawn)
	if !ok {
		return s.Apply(ev)
	}
	recorded, err := s.Spawn(sp)
	if err != nil || !recorded {
		return err
	}
	r.Reserve(uint64(sp.Child), calltree.SpawnLink{
		ParentThread: uint64(sp.ThreadID),
		Signature:    sp.Signature,
	})
	return nil
}

// Close closes every session, applying p to unfinished trees. It returns
// the first error.
func (r *Registry) Close(p PartialPolicy) error {
	var firstErr error
	for _, s := range r.Sessions() {
		if err := s.Close(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m.Len()
}

// Sessions returns all sessions in creation order.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.order...)
}
