package scope

import "testing"

type fixedLocals map[string][]Local

func (f fixedLocals) LocalsOf(sig string) []Local { return f[sig] }

func TestStackResolvesTopFrame(t *testing.T) {
	src := fixedLocals{
		"A.main": {{Index: 0, Name: "args", Type: "[Ljava/lang/String;"}, {Index: 1, Name: "n", Type: "I"}},
		"A.f":    {{Index: 0, Name: "x", Type: "J"}},
	}
	s := NewStack(src)
	s.Push("A.main")
	if l, ok := s.Resolve(1); !ok || l.Name != "n" {
		t.Fatalf("Resolve(1) = %+v, %v", l, ok)
	}
	s.Push("A.f")
	if l, ok := s.Resolve(0); !ok || l.Name != "x" || l.Type != "J" {
		t.Fatalf("inner Resolve(0) = %+v, %v", l, ok)
	}
	if _, ok := s.Resolve(1); ok {
		t.Fatalf("slot 1 belongs to the outer frame only")
	}
	if !s.Pop() {
		t.Fatalf("Pop on non-empty stack")
	}
	if l, ok := s.Resolve(0); !ok || l.Name != "args" {
		t.Fatalf("outer Resolve(0) after pop = %+v, %v", l, ok)
	}
	if s.Depth() != 1 {
		t.Fatalf("Depth = %d, want 1", s.Depth())
	}
}

func TestStackUnknownSignatureAndEmpty(t *testing.T) {
	s := NewStack(nil)
	if _, ok := s.Resolve(0); ok {
		t.Fatalf("empty stack resolved a slot")
	}
	s.Push("no.Locals")
	if _, ok := s.Resolve(3); ok {
		t.Fatalf("frame without metadata resolved a slot")
	}
	s.Pop()
	if s.Pop() {
		t.Fatalf("Pop on empty stack reported true")
	}
	s.Push("x")
	s.Push("y")
	s.Reset()
	if s.Depth() != 0 {
		t.Fatalf("Reset left %d frames", s.Depth())
	}
}
