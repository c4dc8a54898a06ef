package lineage

import (
	"fmt"

	"github.com/orneryd/lanetrack/pkg/costs"
	"github.com/orneryd/lanetrack/pkg/segtree"
	"github.com/orneryd/lanetrack/pkg/solver"
)

// HypothesisID indexes a hypothesis in the tracker's arena.
type HypothesisID int

// NoHypothesis marks an unused hypothesis slot (a root's parent, an exit's target).
const NoHypothesis HypothesisID = -1

// Hypothesis is one candidate cell segment at one time step.
type Hypothesis struct {
	ID HypothesisID

	// Time is the frame index, starting at 0.
	Time int

	// SegmentID is the supplier's node id, unique within the frame.
	SegmentID int

	Interval segtree.Interval
	Size     int

	// Cost is the unary segmentation cost.
	Cost float64

	Parent   HypothesisID
	Children []HypothesisID

	Pruned    bool
	PruneRoot bool
}

func (h *Hypothesis) segment() costs.Segment {
	return costs.Segment{A: h.Interval.A, B: h.Interval.B, Size: h.Size}
}

// AssignmentID indexes an assignment in the tracker's arena.
type AssignmentID int

// Kind is the fate an assignment proposes.
type Kind uint8

const (
	// Exit ends the lineage of a hypothesis.
	Exit Kind = iota
	// Mapping continues a hypothesis as one hypothesis in the next frame.
	Mapping
	// Division splits a hypothesis into two adjacent hypotheses in the next frame.
	Division
)

func (k Kind) String() string {
	switch k {
	case Exit:
		return "EXIT"
	case Mapping:
		return "MAPPING"
	case Division:
		return "DIVISION"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Assignment links a hypothesis at Time to its fate at Time+1.
//
// The payload depends on Kind:
//   - Exit: From only
//   - Mapping: From and To
//   - Division: From, To (upper daughter) and Lower
type Assignment struct {
	ID   AssignmentID
	Kind Kind
	Time int

	// Index is the assignment's position among the assignments of its time
	// step. It is stable for a given lineage and configuration.
	Index int

	From  HypothesisID
	To    HypothesisID
	Lower HypothesisID

	Cost     float64
	Features []float64
	Var      solver.VarID

	GroundTruth   bool
	GroundUntruth bool
	Pruned        bool
}

// Targets returns the hypotheses the assignment leads to.
func (a *Assignment) Targets() []HypothesisID {
	switch a.Kind {
	case Exit:
		return nil
	case Mapping:
		return []HypothesisID{a.To}
	case Division:
		return []HypothesisID{a.To, a.Lower}
	default:
		panic(fmt.Sprintf("lineage: unknown assignment kind %d", a.Kind))
	}
}

// Side selects one neighborhood of a hypothesis.
type Side int

const (
	// Left holds the assignments arriving from the previous frame.
	Left Side = iota
	// Right holds the assignments leaving towards the next frame.
	Right
)

// graph is the arena of hypotheses and assignments plus the neighborhood
// index. Its structure is fixed once the tracker is built; only flags change.
type graph struct {
	hyps        []Hypothesis
	assignments []Assignment

	hypsAt        [][]HypothesisID
	assignmentsAt [][]AssignmentID
	bySegment     []map[int]HypothesisID
	nodes         []*segtree.Node

	left  [][]AssignmentID
	right [][]AssignmentID
}

func newGraph(frames int) *graph {
	g := &graph{
		hypsAt:        make([][]HypothesisID, frames),
		assignmentsAt: make([][]AssignmentID, frames),
		bySegment:     make([]map[int]HypothesisID, frames),
	}
	for t := range g.bySegment {
		g.bySegment[t] = make(map[int]HypothesisID)
	}
	return g
}

func (g *graph) numFrames() int { return len(g.hypsAt) }

func (g *graph) hyp(id HypothesisID) *Hypothesis { return &g.hyps[id] }

func (g *graph) assignment(id AssignmentID) *Assignment { return &g.assignments[id] }

func (g *graph) validHyp(id HypothesisID) bool { return id >= 0 && int(id) < len(g.hyps) }

func (g *graph) validAssignment(id AssignmentID) bool {
	return id >= 0 && int(id) < len(g.assignments)
}

// lookup finds the hypothesis wrapping segment seg at time t.
func (g *graph) lookup(t, seg int) (HypothesisID, bool) {
	if t < 0 || t >= len(g.bySegment) {
		return NoHypothesis, false
	}
	id, ok := g.bySegment[t][seg]
	return id, ok
}

func (g *graph) addHypothesis(t int, n *segtree.Node, cost float64, parent HypothesisID) HypothesisID {
	id := HypothesisID(len(g.hyps))
	g.hyps = append(g.hyps, Hypothesis{
		ID:        id,
		Time:      t,
		SegmentID: n.ID,
		Interval:  n.Interval,
		Size:      n.Size,
		Cost:      cost,
		Parent:    parent,
	})
	if parent != NoHypothesis {
		g.hyps[parent].Children = append(g.hyps[parent].Children, id)
	}
	g.hypsAt[t] = append(g.hypsAt[t], id)
	g.bySegment[t][n.ID] = id
	g.nodes = append(g.nodes, n)
	g.left = append(g.left, nil)
	g.right = append(g.right, nil)
	return id
}

// addAssignment stores a and registers it in the neighborhoods of its
// hypotheses.
func (g *graph) addAssignment(a Assignment) AssignmentID {
	a.ID = AssignmentID(len(g.assignments))
	a.Index = len(g.assignmentsAt[a.Time])
	g.assignments = append(g.assignments, a)
	g.assignmentsAt[a.Time] = append(g.assignmentsAt[a.Time], a.ID)

	g.right[a.From] = append(g.right[a.From], a.ID)
	for _, to := range a.Targets() {
		g.left[to] = append(g.left[to], a.ID)
	}
	return a.ID
}

func (g *graph) neighborhood(h HypothesisID, side Side) []AssignmentID {
	if side == Left {
		return g.left[h]
	}
	return g.right[h]
}

// assignmentAt finds the assignment with the given per-frame index.
func (g *graph) assignmentAt(t, index int) (AssignmentID, bool) {
	if t < 0 || t >= len(g.assignmentsAt) || index < 0 || index >= len(g.assignmentsAt[t]) {
		return -1, false
	}
	return g.assignmentsAt[t][index], true
}
