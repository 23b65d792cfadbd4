// Package replay drives an engine from a recorded event log.
//
// The log interleaves the events of many threads. Each thread gets its own
// goroutine so threads progress independently, as they did when recorded,
// while each thread's events keep their order. A spawn is a barrier between
// the parent and the child: it is applied after the child's earlier events
// and before its later ones, as if the log were dispatched in order.
package replay

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"calltrace/internal/engine"
	"calltrace/internal/event"
	"calltrace/internal/trace"
)

// queueDepth bounds how far the reader may run ahead of one thread.
const queueDepth = 256

// item is one queued event. A non-nil done is closed once the worker got
// past the item; an item without an event only waits for the queue to drain.
type item struct {
	ev   event.Event
	done chan struct{}
}

// Summary describes a finished replay.
type Summary struct {
	Events     uint64
	Threads    int
	Roots      uint64
	Violations uint64
}

func (s Summary) String() string {
	return fmt.Sprintf("%d events, %d threads, %d root traces, %d violations",
		s.Events, s.Threads, s.Roots, s.Violations)
}

// Run feeds every event of dec to eng and waits for all threads to drain.
// The first error of any thread cancels the replay. Run does not close eng.
func Run(ctx context.Context, eng *engine.Engine, dec event.Decoder) (Summary, error) {
	before := eng.Stats()
	tracer := trace.FromContext(ctx)
	span := trace.Begin(tracer, trace.ScopeEngine, "replay", 0)

	g, gctx := errgroup.WithContext(ctx)
	queues := make(map[event.ThreadID]chan item)
	var sum Summary

	send := func(tid event.ThreadID, it item) bool {
		q, ok := queues[tid]
		if !ok {
			q = make(chan item, queueDepth)
			queues[tid] = q
			g.Go(func() error { return drain(eng, tid, q) })
		}
		select {
		case q <- it:
			return true
		case <-gctx.Done():
			return false
		}
	}
	// await sends ev (nil for a bare fence) and waits until tid's worker got past it.
	await := func(tid event.ThreadID, ev event.Event) bool {
		done := make(chan struct{})
		if !send(tid, item{ev: ev, done: done}) {
			return false
		}
		select {
		case <-done:
			return true
		case <-gctx.Done():
			return false
		}
	}

	readErr := func() error {
		for {
			ev, err := dec.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return errors.Wrapf(err, "event %d", sum.Events+1)
			}
			sum.Events++

			sp, ok := ev.(event.ThreadSpawn)
			if !ok {
				if !send(ev.Thread(), item{ev: ev}) {
					return nil
				}
				continue
			}
			// The child's queued events must be applied before the parent
			// reserves it, and none of its later events may overtake the
			// reservation.
			if _, running := queues[sp.Child]; running && !await(sp.Child, nil) {
				return nil
			}
			if !await(ev.Thread(), ev) {
				return nil
			}
		}
	}()

	for _, q := range queues {
		close(q)
	}
	err := g.Wait()
	if err == nil {
		err = readErr
	}
	if err == nil {
		err = ctx.Err()
	}

	after := eng.Stats()
	sum.Threads = len(queues)
	sum.Roots = after.Roots - before.Roots
	sum.Violations = after.Violations - before.Violations
	span.WithExtra("events", fmt.Sprint(sum.Events)).End(sum.String())
	return sum, err
}

func drain(eng *engine.Engine, tid event.ThreadID, q <-chan item) error {
	for it := range q {
		if it.ev != nil {
			if err := eng.Handle(it.ev); err != nil {
				return errors.Wrapf(err, "thread %d", tid)
			}
		}
		if it.done != nil {
			close(it.done)
		}
	}
	return nil
}
