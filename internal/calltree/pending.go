package calltree

// PendingChain holds subtrees created before their true parent was known,
// typically the first events of a freshly spawned thread. Segments are kept
// ordered by root depth, shallowest first; segments rooted at the same depth
// keep their arrival order.
//
// Segments rooted at consecutive depths never coexist: a node arriving one
// level above a segment adopts it, and a node arriving one level below an open
// segment node is attached inside it.
type PendingChain struct {
	segs []*Node
}

// Len returns the number of detached segments.
func (p *PendingChain) Len() int {
	return len(p.segs)
}

// Empty reports whether nothing is pending.
func (p *PendingChain) Empty() bool {
	return len(p.segs) == 0
}

// Head returns the shallowest segment root.
func (p *PendingChain) Head() *Node {
	if len(p.segs) == 0 {
		return nil
	}
	return p.segs[0]
}

// Segments returns the segment roots, shallowest first.
func (p *PendingChain) Segments() []*Node {
	out := make([]*Node, len(p.segs))
	copy(out, p.segs)
	return out
}

// Add places n in the chain. If an open node one level above n lies on the
// active path of a segment, n becomes its newest child and that node is
// returned as parent. Otherwise n starts a new segment and, unless it is a
// thread-start marker, adopts every segment rooted one level below it; the
// adopted roots are returned.
func (p *PendingChain) Add(n *Node) (parent *Node, adopted []*Node) {
	for i := len(p.segs) - 1; i >= 0; i-- {
		seg := p.segs[i]
		if seg.Depth > n.Depth-1 {
			continue
		}
		if m := Navigate(seg, n.Depth-1); m != nil && m.Open() {
			m.AddChild(n)
			return m, nil
		}
	}
	if n.Kind == KindNormal {
		adopted = p.Take(n.Depth + 1)
	}
	for _, c := range adopted {
		n.AddChild(c)
	}
	p.insert(n)
	return nil, adopted
}

// Take removes and returns every segment rooted at depth, in arrival order.
func (p *PendingChain) Take(depth int) []*Node {
	var taken []*Node
	kept := p.segs[:0]
	for _, seg := range p.segs {
		if seg.Depth == depth {
			taken = append(taken, seg)
			continue
		}
		kept = append(kept, seg)
	}
	for i := len(kept); i < len(p.segs); i++ {
		p.segs[i] = nil
	}
	p.segs = kept
	return taken
}

// Find returns the open node at depth on the active path of the most recent
// segment that reaches it. An empty signature matches any node.
func (p *PendingChain) Find(depth int, signature string) *Node {
	for i := len(p.segs) - 1; i >= 0; i-- {
		seg := p.segs[i]
		if seg.Depth > depth {
			continue
		}
		m := Navigate(seg, depth)
		if m == nil || !m.Open() {
			continue
		}
		if signature == "" || m.Signature == signature {
			return m
		}
	}
	return nil
}

// Drain removes and returns all segments, shallowest first.
func (p *PendingChain) Drain() []*Node {
	out := p.segs
	p.segs = nil
	return out
}

func (p *PendingChain) insert(n *Node) {
	pos := len(p.segs)
	for i, seg := range p.segs {
		if seg.Depth > n.Depth {
			pos = i
			break
		}
	}
	p.segs = append(p.segs, nil)
	copy(p.segs[pos+1:], p.segs[pos:])
	p.segs[pos] = n
}
