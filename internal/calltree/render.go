package calltree

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/redact"
	"github.com/mattn/go-runewidth"
)

// String implements fmt.Stringer.
func (n *Node) String() string {
	return redact.StringWithoutMarkers(n)
}

// SafeFormat implements redact.SafeFormatter. Signatures are safe; parameter
// and return values come from the traced program and are not.
func (n *Node) SafeFormat(w redact.SafePrinter, _ rune) {
	w.SafeString(redact.SafeString(n.Signature))
	if n.Kind == KindThreadStart {
		w.Printf(" -> thread %d", n.NewThreadID)
		return
	}
	w.SafeString("(")
	for i, p := range n.Params {
		if i > 0 {
			w.SafeString(", ")
		}
		w.Print(p)
	}
	w.SafeString(")")
	if !n.Exited {
		w.SafeString(" (open)")
		return
	}
	w.Printf(" [%s]", redact.Safe(n.Duration))
	if n.HasReturn {
		w.Printf(" = %s", n.Return)
	}
}

// String returns a one-line description of the instruction.
func (in Instruction) String() string {
	switch in.Kind {
	case InstrCall:
		return fmt.Sprintf("call %s @%d", in.Signature, in.Line)
	case InstrRead, InstrWrite:
		return fmt.Sprintf("%s %s:%s=%s @%d", in.Kind, in.Name, in.Type, in.Value, in.Line)
	default:
		return in.Kind.String()
	}
}

// RenderOptions controls Render output.
type RenderOptions struct {
	// Width truncates each line to this many terminal cells; 0 disables.
	Width int
	// Instructions includes recorded instructions under each node.
	Instructions bool
}

// Render writes the subtree rooted at root as an indented listing, one node
// per line, children indented two spaces below their parent.
func Render(w io.Writer, root *Node, opts RenderOptions) error {
	bw := bufio.NewWriter(w)
	var werr error
	emit := func(indent int, text string) {
		if werr != nil {
			return
		}
		line := strings.Repeat("  ", indent) + text
		if opts.Width > 0 {
			line = runewidth.Truncate(line, opts.Width, "…")
		}
		_, werr = bw.WriteString(line + "\n")
	}
	root.Walk(func(n *Node) bool {
		indent := n.Depth - root.Depth
		emit(indent, n.String())
		if opts.Instructions {
			for _, in := range n.Instructions {
				emit(indent+1, "| "+in.String())
			}
		}
		return true
	})
	if werr != nil {
		return werr
	}
	return bw.Flush()
}
