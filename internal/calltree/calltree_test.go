package calltree

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// chain builds root -> ... with one child per level and returns every node.
func chain(sigs ...string) []*Node {
	nodes := make([]*Node, len(sigs))
	for i, sig := range sigs {
		nodes[i] = NewNode(i, sig, KindNormal, nil)
		if i > 0 {
			nodes[i-1].AddChild(nodes[i])
		}
	}
	return nodes
}

func TestNavigate(t *testing.T) {
	nodes := chain("main", "a", "b", "c")
	older := NewNode(1, "older", KindNormal, nil)
	root := nodes[0]
	// Put an older sibling before "a" so the newest-child rule matters.
	root.Children = append([]*Node{older}, root.Children...)
	older.parent = root

	cases := []struct {
		from   *Node
		target int
		want   *Node
	}{
		{root, 0, root},
		{root, 3, nodes[3]},
		{nodes[3], 0, root},
		{nodes[3], 1, nodes[1]},
		{nodes[1], 2, nodes[2]},
		{nodes[3], 4, nil},
		{root, -1, nil},
		{nil, 0, nil},
	}
	for i, tc := range cases {
		if got := Navigate(tc.from, tc.target); got != tc.want {
			t.Fatalf("case %d: Navigate to %d = %v, want %v", i, tc.target, got, tc.want)
		}
	}
}

func TestCursorSeekKeepsPositionOnMiss(t *testing.T) {
	nodes := chain("main", "a")
	var c Cursor
	if c.Seek(0) != nil {
		t.Fatalf("unset cursor must not resolve")
	}
	c.Set(nodes[0])
	require.Equal(t, nodes[1], c.Seek(1))
	require.Equal(t, nodes[1], c.Node())
	require.Nil(t, c.Seek(5))
	require.Equal(t, nodes[1], c.Node(), "failed seek moved the cursor")
	c.Reset()
	require.Nil(t, c.Node())
}

func TestExitIsSetOnce(t *testing.T) {
	n := NewNode(0, "main", KindNormal, nil)
	require.True(t, n.Open())
	require.NoError(t, n.Exit(20*time.Nanosecond, "ok", true))
	require.False(t, n.Open())
	require.Error(t, n.Exit(30*time.Nanosecond, "again", true))
	require.Equal(t, 20*time.Nanosecond, n.Duration)
	require.Equal(t, "ok", n.Return)

	ts := NewNode(1, "Thread.start", KindThreadStart, nil)
	require.Error(t, ts.Exit(time.Nanosecond, "", false))
	require.False(t, ts.Open())
}

func TestPendingAdoptsDeeperSegment(t *testing.T) {
	var p PendingChain
	run := NewNode(2, "B.run", KindNormal, nil)
	parent, adopted := p.Add(run)
	require.Nil(t, parent)
	require.Empty(t, adopted)
	require.Equal(t, run, p.Head())

	dispatch := NewNode(1, "B.dispatch", KindNormal, nil)
	parent, adopted = p.Add(dispatch)
	require.Nil(t, parent)
	require.Equal(t, []*Node{run}, adopted)
	require.Equal(t, 1, p.Len())
	require.Equal(t, dispatch, p.Head())
	require.Equal(t, dispatch, run.Parent())
}

func TestPendingAttachesInsideOpenSegment(t *testing.T) {
	var p PendingChain
	run := NewNode(1, "run", KindNormal, nil)
	p.Add(run)
	helper := NewNode(2, "helper", KindNormal, nil)
	parent, _ := p.Add(helper)
	require.Equal(t, run, parent)
	deeper := NewNode(3, "deeper", KindNormal, nil)
	parent, _ = p.Add(deeper)
	require.Equal(t, helper, parent)
	require.Equal(t, 1, p.Len())

	require.Equal(t, deeper, p.Find(3, "deeper"))
	require.Nil(t, p.Find(3, "other"))
	require.Equal(t, helper, p.Find(2, ""))
}

func TestPendingGapKeepsDepthOrder(t *testing.T) {
	var p PendingChain
	p.Add(NewNode(5, "deep", KindNormal, nil))
	p.Add(NewNode(2, "shallow", KindNormal, nil))
	p.Add(NewNode(3, "middle", KindNormal, nil))

	var depths []int
	for _, seg := range p.Segments() {
		depths = append(depths, seg.Depth)
	}
	// "middle" lands inside "shallow"; the gap to depth 5 stays open.
	require.Equal(t, []int{2, 5}, depths)

	taken := p.Take(5)
	require.Len(t, taken, 1)
	require.Equal(t, "deep", taken[0].Signature)
	require.Len(t, p.Drain(), 1)
	require.True(t, p.Empty())
}

func TestPendingSiblingSegmentsKeepArrivalOrder(t *testing.T) {
	var p PendingChain
	first := NewNode(2, "first", KindNormal, nil)
	p.Add(first)
	require.NoError(t, first.Exit(time.Nanosecond, "", false))
	second := NewNode(2, "second", KindNormal, nil)
	p.Add(second)
	require.Equal(t, 2, p.Len())

	parent := NewNode(1, "parent", KindNormal, nil)
	_, adopted := p.Add(parent)
	require.Equal(t, []*Node{first, second}, adopted)
	require.Equal(t, []*Node{first, second}, parent.Children)
}

func TestRender(t *testing.T) {
	root := NewNode(0, "A.main", KindNormal, []string{"x"})
	child := NewNode(1, "A.helper", KindNormal, nil)
	child.Caller = &Location{File: "A.java", Line: 4}
	root.AddChild(child)
	root.AddInstruction(CallInstruction(child))
	root.AddInstruction(Instruction{Kind: InstrWrite, Line: 5, Name: "i", Type: "I", Value: "7"})
	spawn := NewNode(1, "Thread.start", KindThreadStart, nil)
	spawn.NewThreadID = 9
	root.AddChild(spawn)
	require.NoError(t, child.Exit(5*time.Nanosecond, "", false))
	require.NoError(t, root.Exit(20*time.Nanosecond, "0", true))

	var sb strings.Builder
	require.NoError(t, Render(&sb, root, RenderOptions{Instructions: true}))
	want := `A.main(x) [20ns] = 0
  | call A.helper @4
  | write i:I=7 @5
  A.helper() [5ns]
  Thread.start -> thread 9
`
	require.Equal(t, want, sb.String())
	require.Equal(t, 3, root.Count())
}
