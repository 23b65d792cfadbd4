// Package scope resolves local variable slots to their declared metadata at
// the current call depth of one thread.
package scope

// Local describes one local variable slot of a method.
type Local struct {
	Index int    `yaml:"index"`
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
}

// Locals supplies local variable metadata for a method signature. It is
// queried once per method entry and must be safe for concurrent use.
type Locals interface {
	LocalsOf(signature string) []Local
}

// Stack is a LIFO of index→metadata maps, one per open call. Not safe for
// concurrent use; each thread owns its own stack.
type Stack struct {
	src    Locals
	frames []map[int]Local
}

// NewStack creates a stack backed by src. A nil src resolves nothing.
func NewStack(src Locals) *Stack {
	return &Stack{src: src}
}

// Push opens a frame for signature.
func (s *Stack) Push(signature string) {
	var frame map[int]Local
	if s.src != nil {
		if locals := s.src.LocalsOf(signature); len(locals) > 0 {
			frame = make(map[int]Local, len(locals))
			for _, l := range locals {
				frame[l.Index] = l
			}
		}
	}
	s.frames = append(s.frames, frame)
}

// Pop closes the top frame. It reports false when the stack was empty.
func (s *Stack) Pop() bool {
	if len(s.frames) == 0 {
		return false
	}
	s.frames[len(s.frames)-1] = nil
	s.frames = s.frames[:len(s.frames)-1]
	return true
}

// Resolve looks index up in the top frame. Unknown slots (synthetic or
// compiler-generated) report false.
func (s *Stack) Resolve(index int) (Local, bool) {
	if len(s.frames) == 0 {
		return Local{}, false
	}
	l, ok := s.frames[len(s.frames)-1][index]
	return l, ok
}

// Depth returns the number of open frames.
func (s *Stack) Depth() int {
	return len(s.frames)
}

// Reset drops every frame.
func (s *Stack) Reset() {
	s.frames = s.frames[:0]
}
