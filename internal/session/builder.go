package session

import (
	"time"

	"fortio.org/safecast"
	"github.com/cockroachdb/errors"

	"calltrace/internal/calltree"
	"calltrace/internal/event"
	"calltrace/internal/wire"
)

// Apply dispatches ev to the matching builder operation.
func (s *Session) Apply(ev event.Event) error {
	switch e := ev.(type) {
	case event.MethodEnter:
		return s.Enter(e)
	case event.MethodExit:
		return s.Exit(e)
	case event.ThreadSpawn:
		_, err := s.Spawn(e)
		return err
	case event.VarRead:
		return s.Access(calltree.InstrRead, e.Index, e.Value)
	case event.VarWrite:
		return s.Access(calltree.InstrWrite, e.Index, e.Value)
	case event.LineMarker:
		return s.Line(e.Line)
	default:
		return errors.AssertionFailedf("unexpected event %T", ev)
	}
}

// Enter opens an invocation. Depth 0 starts a new root trace; deeper calls
// attach under the open invocation one level up, or are buffered in the
// pending chain when the tree does not reach that depth yet.
func (s *Session) Enter(e event.MethodEnter) error {
	if err := s.usable(); err != nil {
		return err
	}
	if e.Depth < 0 {
		return s.violate(errors.AssertionFailedf("enter %s at negative depth %d",
			errors.Safe(e.Signature), e.Depth))
	}
	if s.resyncing {
		if e.Depth != 0 {
			return nil
		}
		s.resyncing = false
	}
	if e.Depth == 0 && s.root != nil {
		err := s.violate(errors.AssertionFailedf("enter %s at depth 0 while %s is still open",
			errors.Safe(e.Signature), errors.Safe(s.root.Signature)))
		if err != nil {
			return err
		}
		s.resyncing = false
	}

	n := calltree.NewNode(e.Depth, e.Signature, calltree.KindNormal, e.Params)
	if e.Depth > 0 {
		n.Caller = &calltree.Location{File: e.CallerFile, Line: e.CallerLine}
	}
	s.attach(n)
	s.scopes.Push(e.Signature)
	s.depth = e.Depth
	return nil
}

// Exit closes the open invocation at e.Depth. A depth-0 exit completes the
// root trace and writes it to the thread's sink.
func (s *Session) Exit(e event.MethodExit) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.resyncing {
		return nil
	}
	nanos, err := safecast.Conv[uint64](e.DurationNanos)
	if err != nil {
		return s.violate(errors.Wrapf(err, "exit %s duration %d", errors.Safe(e.Signature), e.DurationNanos))
	}

	n := s.cursor.Seek(e.Depth)
	inTree := n != nil && n.Open() && n.Signature == e.Signature
	if !inTree {
		if p := s.pending.Find(e.Depth, e.Signature); p != nil {
			n = p
		} else if n != nil && n.Open() {
			return s.violate(errors.AssertionFailedf("exit %s at depth %d does not match open %s",
				errors.Safe(e.Signature), e.Depth, errors.Safe(n.Signature)))
		} else {
			return s.violate(errors.AssertionFailedf("exit %s at depth %d has no open invocation",
				errors.Safe(e.Signature), e.Depth))
		}
	}
	if err := n.Exit(time.Duration(nanos), e.ReturnValue, e.HasReturn); err != nil {
		return s.violate(err)
	}
	s.scopes.Pop()
	s.depth = e.Depth - 1

	if inTree && e.Depth == 0 {
		return s.completeRoot()
	}
	return nil
}

// Spawn records a THREAD_START marker one level below the spawning call and
// reports whether it did. Nothing is recorded while the session waits for a
// new root after a violation. Linking the child thread is the registry's job
// (see Registry.Dispatch).
func (s *Session) Spawn(e event.ThreadSpawn) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	if s.resyncing {
		return false, nil
	}
	if e.ParentDepth < 0 {
		return false, s.violate(errors.AssertionFailedf("spawn %s at negative depth %d",
			errors.Safe(e.Signature), e.ParentDepth))
	}
	n := calltree.NewNode(e.ParentDepth+1, e.Signature, calltree.KindThreadStart, nil)
	n.NewThreadID = uint64(e.Child)
	n.Caller = &calltree.Location{Line: s.line}
	s.attach(n)
	return true, nil
}

// Access records a variable read or write against the innermost open
// invocation. Slots without metadata are dropped.
func (s *Session) Access(kind calltree.InstructionKind, index int, value string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.resyncing {
		return nil
	}
	meta, ok := s.scopes.Resolve(index)
	if !ok {
		s.obs.InstructionDropped(s.thread, index)
		return nil
	}
	n := s.current()
	if n == nil {
		s.obs.InstructionDropped(s.thread, index)
		return nil
	}
	n.AddInstruction(calltree.Instruction{
		Kind:  kind,
		Line:  s.line,
		Name:  meta.Name,
		Type:  meta.Type,
		Value: value,
	})
	return nil
}

// Line records the source line subsequent accesses happen on.
func (s *Session) Line(line int) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.line = line
	return nil
}

// Close ends the session. Depending on p the open root and pending segments
// are written as partial traces or dropped. The sink is closed either way.
func (s *Session) Close(p PartialPolicy) error {
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.failed == nil {
		err = s.closePartial(p)
	}
	if s.out != nil {
		if cerr := s.out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Session) closePartial(p PartialPolicy) error {
	var partial []*wire.Trace
	if s.root != nil {
		link := s.rootLink
		if link == nil {
			link = s.takeLink()
		}
		partial = append(partial, &wire.Trace{Partial: true, SpawnedBy: link, Root: s.root})
	}
	for _, seg := range s.pending.Drain() {
		partial = append(partial, &wire.Trace{Partial: true, Root: seg})
	}
	s.root = nil
	s.rootLink = nil
	s.cursor.Reset()
	s.scopes.Reset()
	if len(partial) == 0 {
		return nil
	}
	if p == Discard {
		s.obs.PartialClosed(s.thread, len(partial), false)
		return nil
	}
	for _, t := range partial {
		if err := s.write(t); err != nil {
			return err
		}
	}
	s.obs.PartialClosed(s.thread, len(partial), true)
	return nil
}

// attach places n in the real tree when its parent is reachable from the
// cursor, otherwise in the pending chain. A normal node attached in the real
// tree takes over the pending segments rooted one level below it.
func (s *Session) attach(n *calltree.Node) {
	if n.Depth == 0 {
		s.root = n
		s.rootLink = s.takeLink()
		s.cursor.Set(n)
		s.adopt(n)
		return
	}
	if parent := s.cursor.Seek(n.Depth - 1); parent != nil && parent.Open() {
		parent.AddChild(n)
		parent.AddInstruction(calltree.CallInstruction(n))
		s.cursor.Set(n)
		if n.Kind == calltree.KindNormal {
			s.adopt(n)
		}
		return
	}
	parent, adopted := s.pending.Add(n)
	if parent != nil {
		parent.AddInstruction(calltree.CallInstruction(n))
	}
	for _, c := range adopted {
		n.AddInstruction(calltree.CallInstruction(c))
	}
	if len(adopted) > 0 {
		s.obs.PendingSpliced(s.thread, len(adopted))
	}
}

func (s *Session) adopt(n *calltree.Node) {
	segs := s.pending.Take(n.Depth + 1)
	for _, c := range segs {
		n.AddChild(c)
		n.AddInstruction(calltree.CallInstruction(c))
	}
	if len(segs) > 0 {
		s.obs.PendingSpliced(s.thread, len(segs))
	}
}

// current returns the innermost open invocation.
func (s *Session) current() *calltree.Node {
	if s.depth < 0 {
		return nil
	}
	if n := s.cursor.Seek(s.depth); n != nil && n.Open() {
		return n
	}
	return s.pending.Find(s.depth, "")
}

func (s *Session) completeRoot() error {
	root := s.root
	link := s.rootLink
	if link == nil {
		link = s.takeLink()
	}
	s.sealLink()
	s.root = nil
	s.rootLink = nil
	s.cursor.Reset()

	t := &wire.Trace{SpawnedBy: link, Root: root}
	if err := s.write(t); err != nil {
		return err
	}
	s.obs.RootCompleted(t)
	return nil
}

func (s *Session) usable() error {
	if s.failed != nil {
		return s.failed
	}
	if s.closed {
		return errors.Wrapf(ErrSessionFailed, "thread %d: session closed", errors.Safe(s.thread))
	}
	return nil
}

// violate applies the session policy to a protocol violation. Under Resync
// it resets the session and returns nil.
func (s *Session) violate(cause error) error {
	err := errors.Mark(errors.WithDetailf(cause, "thread %d", s.thread), ErrProtocol)
	s.obs.Violation(s.thread, err)
	if s.policy == Resync {
		s.reset()
		s.resyncing = true
		return nil
	}
	s.failed = errors.Mark(errors.Wrapf(err, "thread %d stopped", errors.Safe(s.thread)), ErrSessionFailed)
	return err
}

func (s *Session) fail(cause error) error {
	s.obs.SinkFailed(s.thread, cause)
	s.failed = errors.Mark(errors.Wrapf(cause, "thread %d: sink unavailable", errors.Safe(s.thread)), ErrSessionFailed)
	return s.failed
}

func (s *Session) reset() {
	s.root = nil
	s.rootLink = nil
	s.cursor.Reset()
	s.pending.Drain()
	s.scopes.Reset()
	s.depth = -1
}
