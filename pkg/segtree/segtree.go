// Package segtree holds the segmentation forests the tracker consumes.
//
// A Lineage is one growth lane over time: per frame, a forest of candidate
// segments where a parent contains its children (a component tree). Nodes are
// ordered top to bottom among their siblings, and the roots of a frame are
// treated as siblings of each other.
//
// Forests are usually produced by an external segmentation step and handed
// over as YAML (see Decode). Call Link after building a Lineage by hand.
package segtree

import (
	"errors"
	"fmt"
	"iter"
)

// ErrInvalidForest is returned when a lineage violates the forest invariants.
var ErrInvalidForest = errors.New("invalid segmentation forest")

// Interval is an inclusive pixel range [A,B] along the lane.
type Interval struct {
	A int `yaml:"a"`
	B int `yaml:"b"`
}

// Len returns the number of pixels covered.
func (i Interval) Len() int { return i.B - i.A + 1 }

// Contains reports whether pos lies inside the interval.
func (i Interval) Contains(pos int) bool { return pos >= i.A && pos <= i.B }

// Covers reports whether o lies entirely inside i.
func (i Interval) Covers(o Interval) bool { return o.A >= i.A && o.B <= i.B }

// Overlaps reports whether the two intervals share at least one pixel.
func (i Interval) Overlaps(o Interval) bool { return i.A <= o.B && o.A <= i.B }

func (i Interval) String() string { return fmt.Sprintf("[%d,%d]", i.A, i.B) }

// Node is one candidate segment.
type Node struct {
	ID       int     `yaml:"id"`
	Interval `yaml:",inline"`
	Size     int     `yaml:"size,omitempty"`
	Cost     float64 `yaml:"cost,omitempty"`
	Children []*Node `yaml:"children,omitempty"`

	parent   *Node
	siblings []*Node
	index    int
}

// Parent returns the containing segment, or nil for a root.
func (n *Node) Parent() *Node { return n.parent }

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

// Pixels yields the pixel positions of the segment, top to bottom.
func (n *Node) Pixels() iter.Seq[int] {
	return func(yield func(int) bool) {
		for p := n.A; p <= n.B; p++ {
			if !yield(p) {
				return
			}
		}
	}
}

// NextSibling returns the sibling directly below n, or nil.
func (n *Node) NextSibling() *Node {
	if n.index+1 < len(n.siblings) {
		return n.siblings[n.index+1]
	}
	return nil
}

// RightNeighbors returns the chain of segments directly below n: the next
// sibling of n (or of its closest ancestor that has one), followed by that
// segment's first-child chain. These are the candidate lower daughters when
// n is the upper daughter of a division.
func (n *Node) RightNeighbors() []*Node {
	var start *Node
	for cur := n; cur != nil; cur = cur.parent {
		if s := cur.NextSibling(); s != nil {
			start = s
			break
		}
	}
	if start == nil {
		return nil
	}

	chain := []*Node{start}
	for cur := start; len(cur.Children) > 0; {
		cur = cur.Children[0]
		chain = append(chain, cur)
	}
	return chain
}

// Frame is the forest of one time step.
type Frame struct {
	Roots []*Node `yaml:"roots"`

	// Probabilities is an optional per-pixel foreground probability profile.
	// When present, unary costs are computed from it instead of Node.Cost.
	Probabilities []float64 `yaml:"probabilities,omitempty"`
}

// Nodes yields every node of the frame in pre-order (parent before
// children, siblings top to bottom).
func (f *Frame) Nodes() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		stack := make([]*Node, 0, len(f.Roots))
		for i := len(f.Roots) - 1; i >= 0; i-- {
			stack = append(stack, f.Roots[i])
		}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !yield(n) {
				return
			}
			for i := len(n.Children) - 1; i >= 0; i-- {
				stack = append(stack, n.Children[i])
			}
		}
	}
}

// Leaves returns the leaves of the frame in pre-order.
func (f *Frame) Leaves() []*Node {
	var leaves []*Node
	for n := range f.Nodes() {
		if n.IsLeaf() {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

// Find returns the node with the given id, or nil.
func (f *Frame) Find(id int) *Node {
	for n := range f.Nodes() {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Lineage is a growth lane over time.
type Lineage struct {
	// LaneLength is the lane height in pixels; it normalises displacements.
	LaneLength int      `yaml:"lane_length"`
	Frames     []*Frame `yaml:"frames"`
}

// Link sets parent and sibling pointers and fills in missing sizes.
// It must be called before the forest is used; Decode does so.
func (l *Lineage) Link() {
	for _, f := range l.Frames {
		link(f.Roots, nil)
	}
}

func link(siblings []*Node, parent *Node) {
	for i, n := range siblings {
		n.parent = parent
		n.siblings = siblings
		n.index = i
		if n.Size <= 0 {
			n.Size = n.Len()
		}
		link(n.Children, n)
	}
}

// Validate checks the forest invariants:
//   - the lane length is positive and every frame is non-nil
//   - every interval is well formed and inside the lane
//   - node ids are unique within a frame
//   - a parent covers its children
//   - siblings are ordered top to bottom and do not overlap
func (l *Lineage) Validate() error {
	if l.LaneLength <= 0 {
		return fmt.Errorf("%w: lane length %d", ErrInvalidForest, l.LaneLength)
	}
	for t, f := range l.Frames {
		if f == nil {
			return fmt.Errorf("%w: frame %d is missing", ErrInvalidForest, t)
		}
		if err := l.validateSiblings(t, f.Roots, nil); err != nil {
			return err
		}
		seen := make(map[int]bool)
		for n := range f.Nodes() {
			if seen[n.ID] {
				return fmt.Errorf("%w: frame %d: duplicate node id %d", ErrInvalidForest, t, n.ID)
			}
			seen[n.ID] = true
			if err := l.validateSiblings(t, n.Children, n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Lineage) validateSiblings(t int, siblings []*Node, parent *Node) error {
	for i, n := range siblings {
		if n.A > n.B || n.A < 0 || n.B >= l.LaneLength {
			return fmt.Errorf("%w: frame %d: node %d has interval %s outside lane of length %d",
				ErrInvalidForest, t, n.ID, n.Interval, l.LaneLength)
		}
		if parent != nil && !parent.Covers(n.Interval) {
			return fmt.Errorf("%w: frame %d: node %d %s not inside parent %d %s",
				ErrInvalidForest, t, n.ID, n.Interval, parent.ID, parent.Interval)
		}
		if i > 0 && siblings[i-1].B >= n.A {
			return fmt.Errorf("%w: frame %d: siblings %d and %d overlap or are out of order",
				ErrInvalidForest, t, siblings[i-1].ID, n.ID)
		}
	}
	return nil
}

// NumFrames returns the number of time steps.
func (l *Lineage) NumFrames() int { return len(l.Frames) }
