// Package wire encodes completed call trees for persistence.
//
// A tree is flattened to a pre-order list of node records, each carrying its
// depth, so that encoding and decoding never recurse and the stored form is
// lossless: signature, kind, params, caller location, duration, return value,
// instructions and the parent/child structure all survive a round trip.
package wire

import (
	"time"

	"github.com/cockroachdb/errors"

	"calltrace/internal/calltree"
)

// Current schema version - increment when Record format changes.
const SchemaVersion uint16 = 1

// Trace is one completed (or partially flushed) root trace of a thread.
type Trace struct {
	Thread uint64
	// Seq numbers the traces of one thread in completion order.
	Seq uint64
	// Partial is set for trees flushed at shutdown before their root exited,
	// and for pending segments that never found a parent.
	Partial   bool
	SpawnedBy *calltree.SpawnLink
	Root      *calltree.Node
}

// Record is the serialized form of a Trace.
type Record struct {
	Schema    uint16       `msgpack:"schema" json:"schema"`
	Thread    uint64       `msgpack:"thread" json:"thread"`
	Seq       uint64       `msgpack:"seq" json:"seq"`
	Partial   bool         `msgpack:"partial,omitempty" json:"partial,omitempty"`
	SpawnedBy *LinkRecord  `msgpack:"spawned_by,omitempty" json:"spawned_by,omitempty"`
	Nodes     []NodeRecord `msgpack:"nodes" json:"nodes"`
}

// LinkRecord is the serialized form of calltree.SpawnLink.
type LinkRecord struct {
	Thread    uint64 `msgpack:"thread" json:"thread"`
	Signature string `msgpack:"sig" json:"sig"`
}

// NodeRecord is one node in pre-order.
type NodeRecord struct {
	Depth        int                 `msgpack:"depth" json:"depth"`
	Signature    string              `msgpack:"sig" json:"sig"`
	Kind         string              `msgpack:"kind" json:"kind"`
	Params       []string            `msgpack:"params,omitempty" json:"params,omitempty"`
	Caller       *LocationRecord     `msgpack:"caller,omitempty" json:"caller,omitempty"`
	Exited       bool                `msgpack:"exited" json:"exited"`
	Nanos        int64               `msgpack:"nanos,omitempty" json:"nanos,omitempty"`
	Return       *string             `msgpack:"ret,omitempty" json:"ret,omitempty"`
	NewThread    uint64              `msgpack:"new_thread,omitempty" json:"new_thread,omitempty"`
	Instructions []InstructionRecord `msgpack:"instrs,omitempty" json:"instrs,omitempty"`
}

// LocationRecord is the serialized form of calltree.Location.
type LocationRecord struct {
	File string `msgpack:"file,omitempty" json:"file,omitempty"`
	Line int    `msgpack:"line" json:"line"`
}

// InstructionRecord is the serialized form of calltree.Instruction.
type InstructionRecord struct {
	Kind      string `msgpack:"kind" json:"kind"`
	Line      int    `msgpack:"line" json:"line"`
	Name      string `msgpack:"name,omitempty" json:"name,omitempty"`
	Type      string `msgpack:"type,omitempty" json:"type,omitempty"`
	Value     string `msgpack:"value,omitempty" json:"value,omitempty"`
	Signature string `msgpack:"sig,omitempty" json:"sig,omitempty"`
}

// ToRecord flattens t in pre-order.
func ToRecord(t *Trace) Record {
	rec := Record{
		Schema:  SchemaVersion,
		Thread:  t.Thread,
		Seq:     t.Seq,
		Partial: t.Partial,
	}
	if t.SpawnedBy != nil {
		rec.SpawnedBy = &LinkRecord{Thread: t.SpawnedBy.ParentThread, Signature: t.SpawnedBy.Signature}
	}
	if t.Root == nil {
		return rec
	}
	rec.Nodes = make([]NodeRecord, 0, t.Root.Count())
	t.Root.Walk(func(n *calltree.Node) bool {
		rec.Nodes = append(rec.Nodes, nodeRecord(n))
		return true
	})
	return rec
}

func nodeRecord(n *calltree.Node) NodeRecord {
	nr := NodeRecord{
		Depth:     n.Depth,
		Signature: n.Signature,
		Kind:      n.Kind.String(),
		Params:    n.Params,
		Exited:    n.Exited,
		Nanos:     n.Duration.Nanoseconds(),
		NewThread: n.NewThreadID,
	}
	if n.Caller != nil {
		nr.Caller = &LocationRecord{File: n.Caller.File, Line: n.Caller.Line}
	}
	if n.HasReturn {
		ret := n.Return
		nr.Return = &ret
	}
	if len(n.Instructions) > 0 {
		nr.Instructions = make([]InstructionRecord, len(n.Instructions))
		for i, in := range n.Instructions {
			nr.Instructions[i] = InstructionRecord{
				Kind:      in.Kind.String(),
				Line:      in.Line,
				Name:      in.Name,
				Type:      in.Type,
				Value:     in.Value,
				Signature: in.Signature,
			}
		}
	}
	return nr
}

// Trace rebuilds the tree from its pre-order records.
func (r Record) Trace() (*Trace, error) {
	if r.Schema != SchemaVersion {
		return nil, errors.Newf("unsupported trace schema %d (want %d)", r.Schema, SchemaVersion)
	}
	t := &Trace{Thread: r.Thread, Seq: r.Seq, Partial: r.Partial}
	if r.SpawnedBy != nil {
		t.SpawnedBy = &calltree.SpawnLink{ParentThread: r.SpawnedBy.Thread, Signature: r.SpawnedBy.Signature}
	}
	var open []*calltree.Node
	for i, nr := range r.Nodes {
		n, err := fromNodeRecord(nr)
		if err != nil {
			return nil, errors.Wrapf(err, "node %d", i)
		}
		if i == 0 {
			t.Root = n
			open = append(open, n)
			continue
		}
		for len(open) > 0 && open[len(open)-1].Depth >= n.Depth {
			open = open[:len(open)-1]
		}
		if len(open) == 0 || open[len(open)-1].Depth != n.Depth-1 {
			return nil, errors.Newf("node %d (%s) at depth %d has no parent", i, n.Signature, n.Depth)
		}
		open[len(open)-1].AddChild(n)
		open = append(open, n)
	}
	return t, nil
}

func fromNodeRecord(nr NodeRecord) (*calltree.Node, error) {
	kind, err := calltree.ParseKind(nr.Kind)
	if err != nil {
		return nil, err
	}
	n := calltree.NewNode(nr.Depth, nr.Signature, kind, nr.Params)
	n.Exited = nr.Exited
	n.Duration = time.Duration(nr.Nanos)
	n.NewThreadID = nr.NewThread
	if nr.Caller != nil {
		n.Caller = &calltree.Location{File: nr.Caller.File, Line: nr.Caller.Line}
	}
	if nr.Return != nil {
		n.Return = *nr.Return
		n.HasReturn = true
	}
	for _, ir := range nr.Instructions {
		k, err := calltree.ParseInstructionKind(ir.Kind)
		if err != nil {
			return nil, err
		}
		n.AddInstruction(calltree.Instruction{
			Kind:      k,
			Line:      ir.Line,
			Name:      ir.Name,
			Type:      ir.Type,
			Value:     ir.Value,
			Signature: ir.Signature,
		})
	}
	return n, nil
}
