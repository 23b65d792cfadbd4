package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"calltrace/internal/calltree"
)

func sampleTrace(t *testing.T) *Trace {
	root := calltree.NewNode(0, "A.main", calltree.KindNormal, []string{"[a, b]"})
	helper := calltree.NewNode(1, "A.helper", calltree.KindNormal, []string{"1"})
	helper.Caller = &calltree.Location{File: "A.java", Line: 7}
	leaf := calltree.NewNode(2, "A.leaf", calltree.KindNormal, nil)
	leaf.Caller = &calltree.Location{File: "A.java", Line: 30}
	spawn := calltree.NewNode(1, "java/lang/Thread.start()V", calltree.KindThreadStart, nil)
	spawn.NewThreadID = 12
	spawn.Caller = &calltree.Location{Line: 9}

	root.AddChild(helper)
	root.AddInstruction(calltree.CallInstruction(helper))
	helper.AddChild(leaf)
	helper.AddInstruction(calltree.Instruction{Kind: calltree.InstrRead, Line: 29, Name: "x", Type: "I", Value: "1"})
	helper.AddInstruction(calltree.CallInstruction(leaf))
	root.AddChild(spawn)
	root.AddInstruction(calltree.CallInstruction(spawn))

	require.NoError(t, leaf.Exit(2*time.Nanosecond, "", false))
	require.NoError(t, helper.Exit(5*time.Nanosecond, "0", true))
	require.NoError(t, root.Exit(20*time.Nanosecond, "done", true))
	return &Trace{
		Thread:    3,
		Seq:       1,
		SpawnedBy: &calltree.SpawnLink{ParentThread: 1, Signature: "java/lang/Thread.start()V"},
		Root:      root,
	}
}

func TestRecordPreOrder(t *testing.T) {
	rec := ToRecord(sampleTrace(t))
	var sigs []string
	var depths []int
	for _, n := range rec.Nodes {
		sigs = append(sigs, n.Signature)
		depths = append(depths, n.Depth)
	}
	require.Equal(t, []string{"A.main", "A.helper", "A.leaf", "java/lang/Thread.start()V"}, sigs)
	require.Equal(t, []int{0, 1, 2, 1}, depths)
	require.Nil(t, rec.Nodes[0].Caller)
	require.Equal(t, "thread_start", rec.Nodes[3].Kind)
}

func TestCodecLossless(t *testing.T) {
	want := sampleTrace(t)
	for _, f := range []Format{FormatMsgpack, FormatNDJSON} {
		t.Run(f.String(), func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf, f)
			require.NoError(t, enc.Encode(want))
			require.NoError(t, enc.Encode(&Trace{Thread: 3, Seq: 2, Partial: true, Root: calltree.NewNode(2, "B.run", calltree.KindNormal, nil)}))

			dec, err := NewDecoder(&buf, f)
			require.NoError(t, err)
			got, err := dec.Decode()
			require.NoError(t, err)
			require.Equal(t, ToRecord(want), ToRecord(got))
			require.Equal(t, got.Root, got.Root.Children[0].Parent())
			require.True(t, got.Root.Children[0].HasReturn)
			require.Equal(t, "0", got.Root.Children[0].Return)

			partial, err := dec.Decode()
			require.NoError(t, err)
			require.True(t, partial.Partial)
			require.Equal(t, 2, partial.Root.Depth)
			require.False(t, partial.Root.Exited)

			_, err = dec.Decode()
			require.Equal(t, io.EOF, err)
		})
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	want := sampleTrace(t)
	data, err := Marshal(want)
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, ToRecord(want), ToRecord(got))
}

func TestRecordRejectsOrphans(t *testing.T) {
	rec := Record{Schema: SchemaVersion, Nodes: []NodeRecord{
		{Depth: 0, Signature: "root", Kind: "normal"},
		{Depth: 2, Signature: "orphan", Kind: "normal"},
	}}
	_, err := rec.Trace()
	require.ErrorContains(t, err, "has no parent")

	_, err = Record{Schema: 99}.Trace()
	require.ErrorContains(t, err, "unsupported trace schema")
}

func TestTextEncoder(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, NewEncoder(&sb, FormatText).Encode(sampleTrace(t)))
	want := `# thread 3 trace 1 spawned-by 1 via java/lang/Thread.start()V
A.main([a, b]) [20ns] = done
  | call A.helper @7
  | call java/lang/Thread.start()V @9
  A.helper(1) [5ns] = 0
    | read x:I=1 @29
    | call A.leaf @30
    A.leaf() [2ns]
  java/lang/Thread.start()V -> thread 12
`
	require.Equal(t, want, sb.String())

	_, err := NewDecoder(strings.NewReader(""), FormatText)
	require.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"msgpack": FormatMsgpack, "NDJSON": FormatNDJSON, "text": FormatText} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	require.ErrorIs(t, err, ErrUnknownFormat)

	f, ok := FormatFromPath("/tmp/thread_1.ndjson")
	require.True(t, ok)
	require.Equal(t, FormatNDJSON, f)
	_, ok = FormatFromPath("/tmp/CURRENT")
	require.False(t, ok)
}
