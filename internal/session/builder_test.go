package session

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"calltrace/internal/calltree"
	"calltrace/internal/event"
	"calltrace/internal/locals"
	"calltrace/internal/scope"
	"calltrace/internal/sink"
	"calltrace/internal/wire"
)

// parseEvent reads one line of the test event language:
//
//	<thread> enter <depth> <sig> [@<line>] [params...]
//	<thread> exit <depth> <sig> <nanos> [=<ret>]
//	<thread> spawn <parent-depth> <sig> <child>
//	<thread> read|write <index> <value>
//	<thread> line <n>
func parseEvent(line string) (event.Event, error) {
	f := strings.Fields(line)
	if len(f) < 3 {
		return nil, errors.Newf("short event line %q", line)
	}
	tid, err := strconv.ParseUint(f[0], 10, 64)
	if err != nil {
		return nil, err
	}
	thread := event.ThreadID(tid)
	num := func(i int) int {
		if err != nil {
			return 0
		}
		if i >= len(f) {
			err = errors.Newf("missing field %d in %q", i, line)
			return 0
		}
		var v int
		v, err = strconv.Atoi(f[i])
		return v
	}
	var ev event.Event
	switch f[1] {
	case "enter":
		e := event.MethodEnter{ThreadID: thread, Depth: num(2), CallerFile: "T.java"}
		if len(f) < 4 {
			return nil, errors.Newf("enter needs a signature: %q", line)
		}
		e.Signature = f[3]
		rest := f[4:]
		if len(rest) > 0 && strings.HasPrefix(rest[0], "@") {
			e.CallerLine, err = strconv.Atoi(rest[0][1:])
			rest = rest[1:]
		}
		e.Params = rest
		ev = e
	case "exit":
		e := event.MethodExit{ThreadID: thread, Depth: num(2)}
		if len(f) < 5 {
			return nil, errors.Newf("exit needs a signature and duration: %q", line)
		}
		e.Signature = f[3]
		e.DurationNanos, err = strconv.ParseInt(f[4], 10, 64)
		if len(f) > 5 && strings.HasPrefix(f[5], "=") {
			e.ReturnValue = f[5][1:]
			e.HasReturn = true
		}
		ev = e
	case "spawn":
		if len(f) < 5 {
			return nil, errors.Newf("spawn needs a signature and child: %q", line)
		}
		ev = event.ThreadSpawn{ThreadID: thread, ParentDepth: num(2), Signature: f[3], Child: event.ThreadID(num(4))}
	case "read":
		ev = event.VarRead{ThreadID: thread, Index: num(2), Value: strings.Join(f[3:], " ")}
	case "write":
		ev = event.VarWrite{ThreadID: thread, Index: num(2), Value: strings.Join(f[3:], " ")}
	case "line":
		ev = event.LineMarker{ThreadID: thread, Line: num(2)}
	default:
		return nil, errors.Newf("unknown event %q", f[1])
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

type harness struct {
	table *locals.Table
	mem   *sink.Memory
	reg   *Registry
}

func (h *harness) reset(t *testing.T, d *datadriven.TestData) {
	policy := Strict
	if d.HasArg("policy") {
		var s string
		d.ScanArgs(t, "policy", &s)
		p, err := ParsePolicy(s)
		require.NoError(t, err)
		policy = p
	}
	h.table = locals.NewTable()
	h.mem = sink.NewMemory()
	h.reg = NewRegistry(Options{Locals: h.table, Opener: h.mem, Policy: policy})
}

func renderTree(sb *strings.Builder, root *calltree.Node) {
	_ = calltree.Render(sb, root, calltree.RenderOptions{Instructions: true})
}

func TestBuilder(t *testing.T) {
	datadriven.Walk(t, "testdata", func(t *testing.T, path string) {
		h := &harness{}
		datadriven.RunTest(t, path, func(t *testing.T, d *datadriven.TestData) string {
			if h.reg == nil && d.Cmd != "new" {
				return "call new first"
			}
			switch d.Cmd {
			case "new":
				h.reset(t, d)
				return ""

			case "locals":
				for _, line := range strings.Split(strings.TrimSpace(d.Input), "\n") {
					f := strings.Fields(line)
					if len(f) != 4 {
						d.Fatalf(t, "locals line needs <sig> <index> <name> <type>: %q", line)
					}
					idx, err := strconv.Atoi(f[1])
					require.NoError(t, err)
					existing := h.table.LocalsOf(f[0])
					h.table.Register(f[0], append(existing, scope.Local{Index: idx, Name: f[2], Type: f[3]})...)
				}
				return ""

			case "events":
				var sb strings.Builder
				for _, line := range strings.Split(strings.TrimSpace(d.Input), "\n") {
					line = strings.TrimSpace(line)
					if line == "" || strings.HasPrefix(line, "#") {
						continue
					}
					ev, err := parseEvent(line)
					if err != nil {
						d.Fatalf(t, "%v", err)
					}
					if err := h.reg.Dispatch(ev); err != nil {
						fmt.Fprintf(&sb, "%s: %v\n", line, err)
					}
				}
				return sb.String()

			case "state":
				var id int
				d.ScanArgs(t, "thread", &id)
				s, ok := h.reg.Lookup(uint64(id))
				if !ok {
					return "no session"
				}
				var sb strings.Builder
				if s.Root() == nil {
					sb.WriteString("root: none\n")
				} else {
					sb.WriteString("root:\n")
					renderTree(&sb, s.Root())
				}
				pending := s.Pending()
				fmt.Fprintf(&sb, "pending: %d\n", len(pending))
				for _, seg := range pending {
					renderTree(&sb, seg)
				}
				if link, ok := s.Link(); ok {
					fmt.Fprintf(&sb, "link: %d via %s\n", link.ParentThread, link.Signature)
				}
				return sb.String()

			case "traces":
				var sb strings.Builder
				enc := wire.NewEncoder(&sb, wire.FormatText)
				require.NoError(t, h.mem.Each(func(tr *wire.Trace) error {
					return enc.Encode(tr)
				}))
				return sb.String()

			case "close":
				p := Flush
				if d.HasArg("partial") {
					var s string
					d.ScanArgs(t, "partial", &s)
					var err error
					p, err = ParsePartialPolicy(s)
					require.NoError(t, err)
				}
				if err := h.reg.Close(p); err != nil {
					return err.Error()
				}
				return ""

			default:
				return fmt.Sprintf("unknown command: %s", d.Cmd)
			}
		})
	})
}

func events(t *testing.T, lines ...string) []event.Event {
	out := make([]event.Event, len(lines))
	for i, l := range lines {
		ev, err := parseEvent(l)
		require.NoError(t, err)
		out[i] = ev
	}
	return out
}

func runEvents(t *testing.T, evs []event.Event) *sink.Memory {
	mem := sink.NewMemory()
	reg := NewRegistry(Options{Opener: mem})
	for _, ev := range evs {
		require.NoError(t, reg.Dispatch(ev))
	}
	return mem
}

func renderAll(t *testing.T, mem *sink.Memory) string {
	var sb strings.Builder
	enc := wire.NewEncoder(&sb, wire.FormatText)
	require.NoError(t, mem.Each(enc.Encode))
	return sb.String()
}

// A subtree buffered because its parent was not yet known must end up
// exactly where it would have been had the events arrived in order.
func TestPendingSpliceMatchesInOrderBuild(t *testing.T) {
	inOrder := events(t,
		"2 enter 0 B.entry",
		"2 enter 1 B.dispatch @5",
		"2 enter 2 B.run @11 job",
		"2 exit 2 B.run 3 =done",
		"2 exit 1 B.dispatch 8",
		"2 exit 0 B.entry 10",
	)
	buffered := events(t,
		"2 enter 2 B.run @11 job",
		"2 enter 0 B.entry",
		"2 enter 1 B.dispatch @5",
		"2 exit 2 B.run 3 =done",
		"2 exit 1 B.dispatch 8",
		"2 exit 0 B.entry 10",
	)
	want := renderAll(t, runEvents(t, inOrder))
	require.Equal(t, want, renderAll(t, runEvents(t, buffered)))
	require.Contains(t, want, "    B.run(job) [3ns] = done\n")
}

func TestDurationSetOnce(t *testing.T) {
	reg := NewRegistry(Options{Opener: sink.NewMemory()})
	for _, ev := range events(t, "1 enter 0 A.main", "1 enter 1 A.f @1") {
		require.NoError(t, reg.Dispatch(ev))
	}
	s, _ := reg.Lookup(1)
	f := s.Root().LastChild()
	require.NoError(t, reg.Dispatch(events(t, "1 exit 1 A.f 5")[0]))
	require.EqualValues(t, 5, f.Duration)

	err := reg.Dispatch(events(t, "1 exit 1 A.f 9")[0])
	require.True(t, errors.Is(err, ErrProtocol), "got %v", err)
	require.EqualValues(t, 5, f.Duration)
	require.True(t, errors.Is(s.Err(), ErrSessionFailed))
}

type failingSink struct{ err error }

func (f failingSink) Write(*wire.Trace) error { return f.err }
func (f failingSink) Close() error            { return nil }

type recordingObserver struct {
	NopObserver
	sinkFailures int
	violations   int
	dropped      []int
	created      []uint64
}

func (o *recordingObserver) SinkFailed(uint64, error)            { o.sinkFailures++ }
func (o *recordingObserver) Violation(uint64, error)             { o.violations++ }
func (o *recordingObserver) InstructionDropped(_ uint64, idx int) { o.dropped = append(o.dropped, idx) }
func (o *recordingObserver) SessionCreated(id uint64)            { o.created = append(o.created, id) }

func TestSinkFailureStopsThread(t *testing.T) {
	cases := []struct {
		name   string
		opener sink.Opener
	}{
		{"open", sink.OpenerFunc(func(uint64) (sink.Sink, error) {
			return nil, errors.New("disk gone")
		})},
		{"write", sink.OpenerFunc(func(uint64) (sink.Sink, error) {
			return failingSink{err: errors.New("disk full")}, nil
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs := &recordingObserver{}
			reg := NewRegistry(Options{Opener: tc.opener, Observer: obs})
			require.NoError(t, reg.Dispatch(events(t, "1 enter 0 A.main")[0]))
			err := reg.Dispatch(events(t, "1 exit 0 A.main 4")[0])
			require.True(t, errors.Is(err, ErrSessionFailed), "got %v", err)

			err = reg.Dispatch(events(t, "1 enter 0 A.next")[0])
			require.True(t, errors.Is(err, ErrSessionFailed), "got %v", err)
			require.Equal(t, 1, obs.sinkFailures)

			// Other threads are unaffected until they write.
			require.NoError(t, reg.Dispatch(events(t, "2 enter 0 B.main")[0]))
		})
	}
}

func TestObserverSeesDropsAndSessions(t *testing.T) {
	obs := &recordingObserver{}
	table := locals.NewTable()
	table.Register("A.main", scope.Local{Index: 1, Name: "x", Type: "I"})
	reg := NewRegistry(Options{Locals: table, Opener: sink.NewMemory(), Observer: obs})
	for _, ev := range events(t,
		"1 enter 0 A.main",
		"1 write 3 7",
		"1 write 1 7",
		"1 spawn 0 Thread.start 5",
	) {
		require.NoError(t, reg.Dispatch(ev))
	}
	require.Equal(t, []int{3}, obs.dropped)
	require.Equal(t, []uint64{1, 5}, obs.created)
	require.Equal(t, 2, reg.Len())
	s, ok := reg.Lookup(5)
	require.True(t, ok)
	link, ok := s.Link()
	require.True(t, ok)
	require.Equal(t, calltree.SpawnLink{ParentThread: 1, Signature: "Thread.start"}, link)

	// A second reservation for the same child is ignored.
	require.False(t, reg.Reserve(5, calltree.SpawnLink{ParentThread: 9, Signature: "other"}))
}

func TestParsePolicies(t *testing.T) {
	for _, s := range []string{"strict", "resync"} {
		p, err := ParsePolicy(s)
		require.NoError(t, err)
		require.Equal(t, s, p.String())
	}
	for _, s := range []string{"flush", "discard"} {
		p, err := ParsePartialPolicy(s)
		require.NoError(t, err)
		require.Equal(t, s, p.String())
	}
	_, err := ParsePolicy("lenient")
	require.Error(t, err)
	_, err = ParsePartialPolicy("keep")
	require.Error(t, err)
}
