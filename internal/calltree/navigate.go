package calltree

// Navigate walks from n to the node at depth target: down along newest
// children or up along parents. It returns nil when the tree does not reach
// that depth from n.
func Navigate(n *Node, target int) *Node {
	if n == nil || target < 0 {
		return nil
	}
	for n.Depth < target {
		next := n.LastChild()
		if next == nil {
			return nil
		}
		n = next
	}
	for n.Depth > target {
		if n.parent == nil {
			return nil
		}
		n = n.parent
	}
	return n
}

// Cursor is the last node touched in a thread's tree. Seeking from it costs
// O(Δdepth) rather than a walk from the root.
type Cursor struct {
	node *Node
}

// Node returns the current position, or nil when the cursor is unset.
func (c *Cursor) Node() *Node {
	return c.node
}

// Set moves the cursor to n.
func (c *Cursor) Set(n *Node) {
	c.node = n
}

// Reset clears the cursor.
func (c *Cursor) Reset() {
	c.node = nil
}

// Seek navigates to depth and moves the cursor there on success. On failure
// the cursor is left where it was.
func (c *Cursor) Seek(depth int) *Node {
	n := Navigate(c.node, depth)
	if n != nil {
		c.node = n
	}
	return n
}
