package session

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Policy decides what a session does on a protocol violation.
type Policy uint8

const (
	// Strict returns the violation and stops the session.
	Strict Policy = iota
	// Resync drops the open root and pending subtrees and ignores events
	// until the next depth-0 enter.
	Resync
)

// String returns the string representation of Policy.
func (p Policy) String() string {
	switch p {
	case Strict:
		return "strict"
	case Resync:
		return "resync"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "strict":
		return Strict, nil
	case "resync":
		return Resync, nil
	default:
		return Strict, errors.Newf("invalid policy: %q (expected: strict|resync)", s)
	}
}

// PartialPolicy decides what happens to unfinished trees when a session is
// closed.
type PartialPolicy uint8

const (
	// Flush writes the open root and every pending segment marked partial.
	Flush PartialPolicy = iota
	// Discard drops them.
	Discard
)

// String returns the string representation of PartialPolicy.
func (p PartialPolicy) String() string {
	switch p {
	case Flush:
		return "flush"
	case Discard:
		return "discard"
	default:
		return "unknown"
	}
}

// ParsePartialPolicy converts a string to a PartialPolicy.
func ParsePartialPolicy(s string) (PartialPolicy, error) {
	switch strings.ToLower(s) {
	case "", "flush":
		return Flush, nil
	case "discard":
		return Discard, nil
	default:
		return Flush, errors.Newf("invalid partial policy: %q (expected: flush|discard)", s)
	}
}
