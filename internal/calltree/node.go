// Package calltree holds the per-thread call tree: nodes, their recorded
// instructions, cursor navigation and the pending chain of detached subtrees.
//
// A node owns its children. The parent pointer is a back-reference used only
// for navigation. Within one thread the active call path always runs along the
// newest-child chain, so navigation never needs to revisit older siblings.
package calltree

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Kind distinguishes real invocations from synthetic thread-start markers.
type Kind uint8

const (
	// KindNormal is an ordinary method invocation.
	KindNormal Kind = iota
	// KindThreadStart is a pseudo-invocation recording that a thread was spawned.
	KindThreadStart
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindThreadStart:
		return "thread_start"
	default:
		return "unknown"
	}
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "normal":
		return KindNormal, nil
	case "thread_start":
		return KindThreadStart, nil
	default:
		return KindNormal, errors.Newf("invalid node kind: %q (expected: normal|thread_start)", s)
	}
}

// Location is a source position.
type Location struct {
	File string
	Line int
}

// SpawnLink records which thread started the thread owning a root trace.
type SpawnLink struct {
	ParentThread uint64
	Signature    string
}

// Node is one invocation in a call tree.
type Node struct {
	Depth     int
	Signature string
	Kind      Kind
	Params    []string
	// Caller is nil for depth-0 nodes.
	Caller *Location

	// Duration, Return and HasReturn are valid once Exited is set.
	Duration  time.Duration
	Return    string
	HasReturn bool
	Exited    bool

	// NewThreadID is only meaningful for KindThreadStart.
	NewThreadID uint64

	Instructions []Instruction
	Children     []*Node

	parent *Node
}

// NewNode creates a detached node.
func NewNode(depth int, signature string, kind Kind, params []string) *Node {
	return &Node{
		Depth:     depth,
		Signature: signature,
		Kind:      kind,
		Params:    params,
	}
}

// Parent returns the node's parent, or nil for a root or detached node.
func (n *Node) Parent() *Node {
	return n.parent
}

// LastChild returns the most recently added child.
func (n *Node) LastChild() *Node {
	if len(n.Children) == 0 {
		return nil
	}
	return n.Children[len(n.Children)-1]
}

// AddChild appends c as the newest child of n.
func (n *Node) AddChild(c *Node) {
	c.parent = n
	n.Children = append(n.Children, c)
}

// AddInstruction appends a recorded instruction.
func (n *Node) AddInstruction(in Instruction) {
	n.Instructions = append(n.Instructions, in)
}

// Exit records the outcome of the invocation. It fails if the node already
// exited or is a thread-start marker.
func (n *Node) Exit(d time.Duration, ret string, hasReturn bool) error {
	if n.Kind == KindThreadStart {
		return errors.AssertionFailedf("exit recorded for thread-start marker %s", errors.Safe(n.Signature))
	}
	if n.Exited {
		return errors.AssertionFailedf("%s at depth %d exited twice", errors.Safe(n.Signature), n.Depth)
	}
	n.Duration = d
	n.Return = ret
	n.HasReturn = hasReturn
	n.Exited = true
	return nil
}

// Open reports whether the node is a real invocation still on the stack.
func (n *Node) Open() bool {
	return n.Kind == KindNormal && !n.Exited
}

// Walk visits n and its descendants in pre-order. Returning false from fn
// skips the visited node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(cur) {
			continue
		}
		for i := len(cur.Children) - 1; i >= 0; i-- {
			stack = append(stack, cur.Children[i])
		}
	}
}

// Count returns the number of nodes in the subtree rooted at n.
func (n *Node) Count() int {
	count := 0
	n.Walk(func(*Node) bool {
		count++
		return true
	})
	return count
}

// CallInstruction returns the METHOD_CALL marker a parent records for child.
func CallInstruction(child *Node) Instruction {
	in := Instruction{Kind: InstrCall, Signature: child.Signature}
	if child.Caller != nil {
		in.Line = child.Caller.Line
	}
	return in
}
