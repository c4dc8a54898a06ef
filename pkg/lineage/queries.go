package lineage

import (
	"slices"

	"github.com/orneryd/lanetrack/pkg/segtree"
)

// Queries return copies; mutating a result never affects the tracker.
// Results reflect the most recent solve and are empty before the first one.

func (t *Tracker) hypCopy(id HypothesisID) Hypothesis {
	h := *t.g.hyp(id)
	h.Children = slices.Clone(h.Children)
	return h
}

func (t *Tracker) assignmentCopy(id AssignmentID) Assignment {
	a := *t.g.assignment(id)
	a.Features = slices.Clone(a.Features)
	return a
}

// Hypothesis returns the hypothesis with the given id.
func (t *Tracker) Hypothesis(id HypothesisID) (Hypothesis, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkHyp(id); err != nil {
		return Hypothesis{}, err
	}
	return t.hypCopy(id), nil
}

// Assignment returns the assignment with the given id.
func (t *Tracker) Assignment(id AssignmentID) (Assignment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkAssignment(id); err != nil {
		return Assignment{}, err
	}
	return t.assignmentCopy(id), nil
}

// HypothesisAt returns the hypothesis wrapping segment seg at time ti.
func (t *Tracker) HypothesisAt(ti, seg int) (Hypothesis, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.g.lookup(ti, seg)
	if !ok {
		return Hypothesis{}, false
	}
	return t.hypCopy(id), true
}

// Hypotheses returns every hypothesis at ti in pre-order.
func (t *Tracker) Hypotheses(ti int) []Hypothesis {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.checkTime(ti) != nil {
		return nil
	}
	out := make([]Hypothesis, 0, len(t.g.hypsAt[ti]))
	for _, id := range t.g.hypsAt[ti] {
		out = append(out, t.hypCopy(id))
	}
	return out
}

// Assignments returns every assignment leaving frame ti, in creation order.
func (t *Tracker) Assignments(ti int) []Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.checkTime(ti) != nil {
		return nil
	}
	out := make([]Assignment, 0, len(t.g.assignmentsAt[ti]))
	for _, id := range t.g.assignmentsAt[ti] {
		out = append(out, t.assignmentCopy(id))
	}
	return out
}

// Neighborhood returns the assignments on one side of h.
func (t *Tracker) Neighborhood(h HypothesisID, side Side) []Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.g.validHyp(h) {
		return nil
	}
	return t.assignmentsOf(t.g.neighborhood(h, side))
}

func (t *Tracker) assignmentsOf(ids []AssignmentID) []Assignment {
	out := make([]Assignment, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.assignmentCopy(id))
	}
	return out
}

// IsSelected reports whether h is part of the current solution: it is
// reached by an active assignment, or at the first frame leaves through one.
func (t *Tracker) IsSelected(h HypothesisID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.g.validHyp(h) && t.isSelected(h)
}

func (t *Tracker) isSelected(h HypothesisID) bool {
	side := Left
	if t.g.hyp(h).Time == 0 {
		side = Right
	}
	_, ok := t.activeIn(h, side)
	return ok
}

func (t *Tracker) activeIn(h HypothesisID, side Side) (AssignmentID, bool) {
	for _, a := range t.g.neighborhood(h, side) {
		if t.isActive(a) {
			return a, true
		}
	}
	return -1, false
}

func (t *Tracker) optimalAt(ti int) []HypothesisID {
	if t.checkTime(ti) != nil || !t.hasSolution() {
		return nil
	}
	var out []HypothesisID
	for _, id := range t.g.hypsAt[ti] {
		if t.isSelected(id) {
			out = append(out, id)
		}
	}
	return out
}

// OptimalSegmentation returns the selected hypotheses at ti, top to bottom.
func (t *Tracker) OptimalSegmentation(ti int) []Hypothesis {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.optimalAt(ti)
	out := make([]Hypothesis, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.hypCopy(id))
	}
	return out
}

// OptimalSegmentationAtLocation returns the selected hypothesis at ti
// covering pixel pos.
func (t *Tracker) OptimalSegmentationAtLocation(ti, pos int) (Hypothesis, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range t.optimalAt(ti) {
		if t.g.hyp(id).Interval.Contains(pos) {
			return t.hypCopy(id), true
		}
	}
	return Hypothesis{}, false
}

// OptimalSegmentationsInConflict returns the selected hypotheses at ti that
// overlap h.
func (t *Tracker) OptimalSegmentationsInConflict(ti int, h HypothesisID) []Hypothesis {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.g.validHyp(h) {
		return nil
	}
	iv := t.g.hyp(h).Interval
	var out []Hypothesis
	for _, id := range t.optimalAt(ti) {
		if t.g.hyp(id).Interval.Overlaps(iv) {
			out = append(out, t.hypCopy(id))
		}
	}
	return out
}

// SegmentsAtLocation returns every hypothesis at ti covering pos, outermost first.
func (t *Tracker) SegmentsAtLocation(ti, pos int) []Hypothesis {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.checkTime(ti) != nil {
		return nil
	}
	var out []Hypothesis
	for _, id := range t.g.hypsAt[ti] {
		if t.g.hyp(id).Interval.Contains(pos) {
			out = append(out, t.hypCopy(id))
		}
	}
	return out
}

// LowestInTreeHypAt returns the smallest hypothesis at ti covering pos.
func (t *Tracker) LowestInTreeHypAt(ti, pos int) (Hypothesis, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.checkTime(ti) != nil {
		return Hypothesis{}, false
	}
	best := NoHypothesis
	for _, id := range t.g.hypsAt[ti] {
		h := t.g.hyp(id)
		if !h.Interval.Contains(pos) {
			continue
		}
		if best == NoHypothesis || h.Size < t.g.hyp(best).Size {
			best = id
		}
	}
	if best == NoHypothesis {
		return Hypothesis{}, false
	}
	return t.hypCopy(best), true
}

// Interval returns the pixel interval of h.
func (t *Tracker) Interval(h HypothesisID) (segtree.Interval, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkHyp(h); err != nil {
		return segtree.Interval{}, err
	}
	return t.g.hyp(h).Interval, nil
}

// OptimalAssignment returns the active assignment on one side of h.
// Continuity guarantees at most one in any feasible solution.
func (t *Tracker) OptimalAssignment(h HypothesisID, side Side) (Assignment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.g.validHyp(h) {
		return Assignment{}, false
	}
	a, ok := t.activeIn(h, side)
	if !ok {
		return Assignment{}, false
	}
	return t.assignmentCopy(a), true
}

func (t *Tracker) optimalAssignments(ti int, side Side) map[HypothesisID]Assignment {
	out := make(map[HypothesisID]Assignment)
	for _, id := range t.optimalAt(ti) {
		if a, ok := t.activeIn(id, side); ok {
			out[id] = t.assignmentCopy(a)
		}
	}
	return out
}

// OptimalLeftAssignments maps each selected hypothesis at ti to the active
// assignment reaching it.
func (t *Tracker) OptimalLeftAssignments(ti int) map[HypothesisID]Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.optimalAssignments(ti, Left)
}

// OptimalRightAssignments maps each selected hypothesis at ti to the active
// assignment leaving it.
func (t *Tracker) OptimalRightAssignments(ti int) map[HypothesisID]Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.optimalAssignments(ti, Right)
}

// neighborhoods collects, for each selected hypothesis at ti, the
// assignments on one side accepted by keep.
func (t *Tracker) neighborhoods(ti int, side Side, keep func(AssignmentID) bool) map[HypothesisID][]Assignment {
	out := make(map[HypothesisID][]Assignment)
	for _, id := range t.optimalAt(ti) {
		var set []Assignment
		for _, a := range t.g.neighborhood(id, side) {
			if keep(a) {
				set = append(set, t.assignmentCopy(a))
			}
		}
		out[id] = set
	}
	return out
}

func (t *Tracker) inactive(a AssignmentID) bool { return !t.isActive(a) }

func everyAssignment(AssignmentID) bool { return true }

// InactiveLeftAssignments returns the unused incoming alternatives of each
// selected hypothesis at ti.
func (t *Tracker) InactiveLeftAssignments(ti int) map[HypothesisID][]Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.neighborhoods(ti, Left, t.inactive)
}

// InactiveRightAssignments returns the unused outgoing alternatives of each
// selected hypothesis at ti.
func (t *Tracker) InactiveRightAssignments(ti int) map[HypothesisID][]Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.neighborhoods(ti, Right, t.inactive)
}

// AllCompatibleLeftAssignments returns every incoming assignment of each
// selected hypothesis at ti.
func (t *Tracker) AllCompatibleLeftAssignments(ti int) map[HypothesisID][]Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.neighborhoods(ti, Left, everyAssignment)
}

// AllCompatibleRightAssignments returns every outgoing assignment of each
// selected hypothesis at ti.
func (t *Tracker) AllCompatibleRightAssignments(ti int) map[HypothesisID][]Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.neighborhoods(ti, Right, everyAssignment)
}
