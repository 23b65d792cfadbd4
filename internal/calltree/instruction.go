package calltree

import "github.com/cockroachdb/errors"

// InstructionKind identifies a recorded sub-event of an invocation.
type InstructionKind uint8

const (
	InstrRead  InstructionKind = iota + 1 // local variable read
	InstrWrite                            // local variable write
	InstrCall                             // call to a child invocation
)

// String returns the string representation of InstructionKind.
func (k InstructionKind) String() string {
	switch k {
	case InstrRead:
		return "read"
	case InstrWrite:
		return "write"
	case InstrCall:
		return "call"
	default:
		return "unknown"
	}
}

// ParseInstructionKind converts a string to an InstructionKind.
func ParseInstructionKind(s string) (InstructionKind, error) {
	switch s {
	case "read":
		return InstrRead, nil
	case "write":
		return InstrWrite, nil
	case "call":
		return InstrCall, nil
	default:
		return 0, errors.Newf("invalid instruction kind: %q (expected: read|write|call)", s)
	}
}

// Instruction is a sub-event recorded against an invocation, in order of
// occurrence. Name, Type and Value are set for reads and writes; Signature
// for calls.
type Instruction struct {
	Kind      InstructionKind
	Line      int
	Name      string
	Type      string
	Value     string
	Signature string
}
