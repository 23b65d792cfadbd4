package sink

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	"calltrace/internal/wire"
)

// Key layout:
//
//	"threads"                      msgpack []uint64, threads in open order
//	"count/" <thread:be64>         be64 number of traces stored for thread
//	"trace/" <thread:be64><seq:be64> msgpack wire.Record
var (
	threadsKey   = []byte("threads")
	countPrefix  = []byte("count/")
	tracePrefix  = []byte("trace/")
	errCorrupted = errors.New("trace store corrupted")
)

// PebbleStore keeps every thread's traces in one pebble database. It is
// both an Opener and a Source.
type PebbleStore struct {
	db *pebble.DB

	mu      sync.Mutex
	threads []uint64
	known   map[uint64]struct{}
}

var (
	_ Opener = (*PebbleStore)(nil)
	_ Source = (*PebbleStore)(nil)
)

// OpenPebble opens (creating if needed) a trace store in dir. opts may be nil.
func OpenPebble(dir string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open trace store %s", dir)
	}
	s := &PebbleStore{db: db, known: make(map[uint64]struct{})}
	threads, err := s.loadThreads()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, id := range threads {
		s.known[id] = struct{}{}
	}
	s.threads = threads
	return s, nil
}

func (s *PebbleStore) loadThreads() ([]uint64, error) {
	val, closer, err := s.db.Get(threadsKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = closer.Close()
	}()
	var threads []uint64
	if err := msgpack.Unmarshal(val, &threads); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "threads index"), errCorrupted)
	}
	return threads, nil
}

// Open registers thread in the store index and returns its sink. Traces
// already stored for thread are kept and new ones are appended after them.
func (s *PebbleStore) Open(thread uint64) (Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.count(thread)
	if err != nil {
		return nil, err
	}
	if _, ok := s.known[thread]; !ok {
		threads := append(append([]uint64(nil), s.threads...), thread)
		data, err := msgpack.Marshal(threads)
		if err != nil {
			return nil, err
		}
		if err := s.db.Set(threadsKey, data, pebble.Sync); err != nil {
			return nil, errors.Wrapf(err, "failed to register thread %d", thread)
		}
		s.threads = threads
		s.known[thread] = struct{}{}
	}
	return &pebbleSink{store: s, thread: thread, next: next}, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// Threads returns the stored thread ids in ascending order.
func (s *PebbleStore) Threads() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]uint64(nil), s.threads...)
	slices.Sort(out)
	return out
}

// Get returns one stored trace.
func (s *PebbleStore) Get(thread, seq uint64) (*wire.Trace, error) {
	val, closer, err := s.db.Get(traceKey(thread, seq))
	if err != nil {
		return nil, errors.Wrapf(err, "trace %d/%d", thread, seq)
	}
	defer func() {
		_ = closer.Close()
	}()
	return wire.Unmarshal(val)
}

// Each visits every stored trace, thread by thread.
func (s *PebbleStore) Each(fn func(t *wire.Trace) error) error {
	for _, thread := range s.Threads() {
		n, err := s.count(thread)
		if err != nil {
			return err
		}
		for seq := uint64(0); seq < n; seq++ {
			t, err := s.Get(thread, seq)
			if err != nil {
				return err
			}
			if err := fn(t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *PebbleStore) count(thread uint64) (uint64, error) {
	val, closer, err := s.db.Get(countKey(thread))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = closer.Close()
	}()
	if len(val) != 8 {
		return 0, errors.Wrapf(errCorrupted, "count for thread %d has %d bytes", thread, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

type pebbleSink struct {
	store  *PebbleStore
	thread uint64

	mu     sync.Mutex
	next   uint64
	closed bool
}

func (p *pebbleSink) Write(t *wire.Trace) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	stored := *t
	stored.Seq = p.next
	data, err := wire.Marshal(&stored)
	if err != nil {
		return err
	}
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], p.next+1)

	b := p.store.db.NewBatch()
	defer func() {
		_ = b.Close()
	}()
	if err := b.Set(traceKey(p.thread, p.next), data, nil); err != nil {
		return err
	}
	if err := b.Set(countKey(p.thread), count[:], nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "failed to store trace %d/%d", p.thread, p.next)
	}
	p.next++
	return nil
}

func (p *pebbleSink) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func countKey(thread uint64) []byte {
	k := make([]byte, 0, len(countPrefix)+8)
	k = append(k, countPrefix...)
	return binary.BigEndian.AppendUint64(k, thread)
}

func traceKey(thread, seq uint64) []byte {
	k := make([]byte, 0, len(tracePrefix)+16)
	k = append(k, tracePrefix...)
	k = binary.BigEndian.AppendUint64(k, thread)
	return binary.BigEndian.AppendUint64(k, seq)
}
