package probe

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"calltrace/internal/calltree"
	"calltrace/internal/engine"
	"calltrace/internal/locals"
	"calltrace/internal/scope"
	"calltrace/internal/sink"
)

func TestProbeGoroutines(t *testing.T) {
	mem := sink.NewMemory()
	table := locals.NewTable()
	table.Register("worker.loop", scope.Local{Index: 0, Name: "i", Type: "int"})
	eng, err := engine.New(engine.Config{Locals: table, Opener: mem})
	require.NoError(t, err)

	p := New(eng)
	main := p.Thread()
	done := main.Enter("main.run", "2")
	main.At("main.go", 12)
	for w := 0; w < 2; w++ {
		main.Go("main.spawn", func(th *Thread) {
			exit := th.Enter("worker.loop")
			for i := 0; i < 3; i++ {
				th.Line(20 + i)
				th.Write(0, fmt.Sprint(i))
			}
			th.At("worker.go", 23)
			th.Enter("worker.step")("done")
			exit()
		})
	}
	done("ok")
	require.NoError(t, p.Wait())
	require.NoError(t, eng.Close(context.Background()))

	parent := mem.Traces(main.ID())
	require.Len(t, parent, 1)
	root := parent[0].Root
	require.Equal(t, "ok", root.Return)
	require.Len(t, root.Children, 2)

	children := map[uint64]bool{}
	for _, c := range root.Children {
		require.Equal(t, calltree.KindThreadStart, c.Kind)
		require.Equal(t, 12, c.Caller.Line)
		children[c.NewThreadID] = true
	}
	require.Len(t, children, 2)

	for id := range children {
		traces := mem.Traces(id)
		require.Len(t, traces, 1)
		tr := traces[0]
		require.Equal(t, &calltree.SpawnLink{ParentThread: main.ID(), Signature: "main.spawn"}, tr.SpawnedBy)
		require.Equal(t, "worker.loop", tr.Root.Signature)
		require.Len(t, tr.Root.Instructions, 4)
		require.Equal(t, calltree.Instruction{Kind: calltree.InstrWrite, Line: 22, Name: "i", Type: "int", Value: "2"}, tr.Root.Instructions[2])
		step := tr.Root.Children[0]
		require.Equal(t, "worker.step", step.Signature)
		require.Equal(t, &calltree.Location{File: "worker.go", Line: 23}, step.Caller)
		require.Equal(t, "done", step.Return)
	}
}

func TestProbeDepth(t *testing.T) {
	mem := sink.NewMemory()
	eng, err := engine.New(engine.Config{Opener: mem})
	require.NoError(t, err)
	th := New(eng).Thread()

	outer := th.Enter("a")
	inner := th.Enter("b")
	require.Equal(t, 2, th.Depth())
	inner()
	inner()
	require.Equal(t, 1, th.Depth())
	outer()
	require.Equal(t, 0, th.Depth())
	require.Len(t, mem.Traces(th.ID()), 1)
}

func TestProbeSpawnOutsideCall(t *testing.T) {
	eng, err := engine.New(engine.Config{Opener: sink.NewMemory()})
	require.NoError(t, err)
	p := New(eng)
	ran := false
	p.Thread().Go("orphan", func(*Thread) { ran = true })
	require.Error(t, p.Wait())
	require.False(t, ran)
}
