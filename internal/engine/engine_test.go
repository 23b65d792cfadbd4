package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"calltrace/internal/event"
	"calltrace/internal/locals"
	"calltrace/internal/metrics"
	"calltrace/internal/scope"
	"calltrace/internal/session"
	"calltrace/internal/sink"
	"calltrace/internal/trace"
	"calltrace/internal/wire"
)

func newEngine(t *testing.T, mem *sink.Memory, cfg Config) *Engine {
	t.Helper()
	cfg.Opener = mem
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestHandleBuildsTrees(t *testing.T) {
	mem := sink.NewMemory()
	ring := trace.NewRingTracer(64, trace.LevelDetail)
	m := metrics.New()
	table := locals.NewTable()
	table.Register("A.main", scope.Local{Index: 0, Name: "n", Type: "I"})
	e := newEngine(t, mem, Config{Locals: table, Tracer: ring, Metrics: m})

	for _, ev := range []event.Event{
		event.MethodEnter{ThreadID: 1, Depth: 0, Signature: "A.main"},
		event.LineMarker{ThreadID: 1, Line: 3},
		event.VarWrite{ThreadID: 1, Index: 0, Value: "1"},
		event.VarWrite{ThreadID: 1, Index: 9, Value: "x"},
		event.MethodEnter{ThreadID: 1, Depth: 1, Signature: "A.helper", CallerFile: "A.java", CallerLine: 4},
		event.MethodExit{ThreadID: 1, Depth: 1, Signature: "A.helper", DurationNanos: 5},
		event.MethodExit{ThreadID: 1, Depth: 0, Signature: "A.main", DurationNanos: 20},
	} {
		require.NoError(t, e.Handle(ev))
	}

	traces := mem.Traces(1)
	require.Len(t, traces, 1)
	root := traces[0].Root
	require.Equal(t, "A.main", root.Signature)
	require.EqualValues(t, 20, root.Duration)
	require.Len(t, root.Children, 1)
	require.Equal(t, "A.helper", root.Children[0].Signature)
	require.EqualValues(t, 5, root.Children[0].Duration)

	st := e.Stats()
	require.Equal(t, Stats{Events: 7, Sessions: 1, Roots: 1, Dropped: 1}, st)

	var names []string
	for _, ev := range ring.Snapshot() {
		names = append(names, ev.Name)
	}
	require.Equal(t, []string{"session", "root"}, names)

	var sb strings.Builder
	require.NoError(t, m.WriteText(&sb))
	require.Contains(t, sb.String(), `calltrace_events_total{kind="enter"} 2`)
	require.Contains(t, sb.String(), "calltrace_roots_completed_total 1")

	require.NoError(t, e.Close(context.Background()))
	require.ErrorIs(t, e.Handle(event.LineMarker{ThreadID: 1, Line: 1}), ErrClosed)
	require.NoError(t, e.Close(context.Background()))
}

func TestViolationPolicies(t *testing.T) {
	bad := []event.Event{
		event.MethodEnter{ThreadID: 1, Depth: 0, Signature: "A.main"},
		event.MethodExit{ThreadID: 1, Depth: 0, Signature: "A.other", DurationNanos: 1},
	}
	cases := []struct {
		policy  session.Policy
		wantErr bool
	}{
		{session.Strict, true},
		{session.Resync, false},
	}
	for _, tc := range cases {
		t.Run(tc.policy.String(), func(t *testing.T) {
			ring := trace.NewRingTracer(16, trace.LevelError)
			e := newEngine(t, sink.NewMemory(), Config{Policy: tc.policy, Tracer: ring})
			require.NoError(t, e.Handle(bad[0]))
			err := e.Handle(bad[1])
			if tc.wantErr {
				require.True(t, errors.Is(err, session.ErrProtocol), "got %v", err)
			} else {
				require.NoError(t, err)
			}
			require.EqualValues(t, 1, e.Stats().Violations)
			require.Equal(t, []ThreadStats{{Thread: 1, Violations: 1, Failed: tc.wantErr}}, e.Threads())
			snap := ring.Snapshot()
			require.Len(t, snap, 1)
			require.Equal(t, trace.KindError, snap[0].Kind)
		})
	}
}

func TestConcurrentThreads(t *testing.T) {
	mem := sink.NewMemory()
	e := newEngine(t, mem, Config{})
	const threads, roots = 8, 20

	var wg sync.WaitGroup
	for tid := 1; tid <= threads; tid++ {
		wg.Add(1)
		go func(id event.ThreadID) {
			defer wg.Done()
			for r := 0; r < roots; r++ {
				sig := fmt.Sprintf("T%d.run%d", id, r)
				for _, ev := range []event.Event{
					event.MethodEnter{ThreadID: id, Depth: 0, Signature: sig},
					event.MethodEnter{ThreadID: id, Depth: 1, Signature: "leaf", CallerLine: r},
					event.MethodExit{ThreadID: id, Depth: 1, Signature: "leaf", DurationNanos: 1},
					event.MethodExit{ThreadID: id, Depth: 0, Signature: sig, DurationNanos: 2},
				} {
					if err := e.Handle(ev); err != nil {
						t.Errorf("thread %d: %v", id, err)
						return
					}
				}
			}
		}(event.ThreadID(tid))
	}
	wg.Wait()

	require.Equal(t, threads, e.Registry().Len())
	for tid := uint64(1); tid <= threads; tid++ {
		traces := mem.Traces(tid)
		require.Len(t, traces, roots)
		for r, tr := range traces {
			require.Equal(t, uint64(r), tr.Seq)
			require.Equal(t, fmt.Sprintf("T%d.run%d", tid, r), tr.Root.Signature)
			require.Len(t, tr.Root.Children, 1)
		}
	}
	require.NoError(t, e.Close(context.Background()))
}

func TestClosePartial(t *testing.T) {
	cases := []struct {
		partial session.PartialPolicy
		want    int
	}{
		{session.Flush, 2},
		{session.Discard, 0},
	}
	for _, tc := range cases {
		t.Run(tc.partial.String(), func(t *testing.T) {
			mem := sink.NewMemory()
			e := newEngine(t, mem, Config{Partial: tc.partial})
			require.NoError(t, e.Handle(event.MethodEnter{ThreadID: 1, Depth: 0, Signature: "A.main"}))
			require.NoError(t, e.Handle(event.MethodEnter{ThreadID: 2, Depth: 3, Signature: "B.deep"}))
			require.NoError(t, e.Close(context.Background()))

			var partial int
			require.NoError(t, mem.Each(func(tr *wire.Trace) error {
				require.True(t, tr.Partial)
				partial++
				return nil
			}))
			require.Equal(t, tc.want, partial)
		})
	}
}

func TestNewRequiresOpener(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
