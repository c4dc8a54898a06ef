package lineage

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orneryd/lanetrack/pkg/solver"
)

// SegmentState is the user override on a hypothesis.
type SegmentState int

const (
	SegmentFree SegmentState = iota
	SegmentForced
	SegmentExcluded
)

func (s SegmentState) String() string {
	switch s {
	case SegmentForced:
		return "forced"
	case SegmentExcluded:
		return "excluded"
	default:
		return "free"
	}
}

// AssignmentState is the user override on an assignment.
type AssignmentState int

const (
	AssignmentFree AssignmentState = iota
	AssignmentGroundTruth
	AssignmentGroundUntruth
)

func (s AssignmentState) String() string {
	switch s {
	case AssignmentGroundTruth:
		return "ground-truth"
	case AssignmentGroundUntruth:
		return "ground-untruth"
	default:
		return "free"
	}
}

type segmentPin struct {
	constr solver.ConstraintID
	forced bool
}

type frameCountPin struct {
	constr solver.ConstraintID
	rhs    int
}

// removeConstraint drops an override constraint. A constraint the solver no
// longer knows is logged and treated as removed.
func (t *Tracker) removeConstraint(id solver.ConstraintID, what string) error {
	err := t.solver.RemoveConstraint(id)
	if errors.Is(err, solver.ErrUnknownConstraint) {
		t.log.Warn("override constraint already gone", zap.String("override", what))
		return nil
	}
	if err != nil {
		return fmt.Errorf("removing %s: %w", what, err)
	}
	return nil
}

// ForceSegment requires h to be part of the solution. Overrides on the
// hypotheses in release are removed first, so a segment can replace others
// in one step.
func (t *Tracker) ForceSegment(h HypothesisID, release ...HypothesisID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkHyp(h); err != nil {
		return err
	}
	for _, r := range release {
		if err := t.checkHyp(r); err != nil {
			return err
		}
		if err := t.resetSegment(r); err != nil {
			return err
		}
	}
	return t.pinSegment(h, true)
}

// ExcludeSegment keeps h out of the solution.
func (t *Tracker) ExcludeSegment(h HypothesisID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkHyp(h); err != nil {
		return err
	}
	return t.pinSegment(h, false)
}

// ResetSegment removes any override on h.
func (t *Tracker) ResetSegment(h HypothesisID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkHyp(h); err != nil {
		return err
	}
	return t.resetSegment(h)
}

// SegmentState returns the override on h.
func (t *Tracker) SegmentState(h HypothesisID) SegmentState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.segmentState(h)
}

func (t *Tracker) segmentState(h HypothesisID) SegmentState {
	pin, ok := t.segmentPins[h]
	switch {
	case !ok:
		return SegmentFree
	case pin.forced:
		return SegmentForced
	default:
		return SegmentExcluded
	}
}

func (t *Tracker) pinSegment(h HypothesisID, forced bool) error {
	if err := t.resetSegment(h); err != nil {
		return err
	}

	hyp := t.g.hyp(h)
	rhs := 0.0
	if forced {
		rhs = 1
	}
	name := fmt.Sprintf("ssc_%d_%d", hyp.Time, hyp.SegmentID)
	id, err := t.solver.AddConstraint(t.rightTerms(h), solver.Equal, rhs, name)
	if err != nil {
		return fmt.Errorf("adding %s: %w", name, err)
	}
	t.segmentPins[h] = segmentPin{constr: id, forced: forced}
	return nil
}

func (t *Tracker) resetSegment(h HypothesisID) error {
	pin, ok := t.segmentPins[h]
	if !ok {
		return nil
	}
	delete(t.segmentPins, h)
	return t.removeConstraint(pin.constr, "segment selection")
}

// SetGroundTruth pins the assignment active (on) or removes that pin (off).
// A ground-untruth pin is replaced when on is true.
func (t *Tracker) SetGroundTruth(a AssignmentID, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAssignment(a); err != nil {
		return err
	}
	if on {
		return t.pinAssignment(a, true)
	}
	if t.g.assignment(a).GroundTruth {
		return t.resetAssignment(a)
	}
	return nil
}

// SetGroundUntruth pins the assignment inactive (on) or removes that pin (off).
// A ground-truth pin is replaced when on is true.
func (t *Tracker) SetGroundUntruth(a AssignmentID, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkAssignment(a); err != nil {
		return err
	}
	if on {
		return t.pinAssignment(a, false)
	}
	if t.g.assignment(a).GroundUntruth {
		return t.resetAssignment(a)
	}
	return nil
}

// AssignmentState returns the override on a.
func (t *Tracker) AssignmentState(a AssignmentID) AssignmentState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.g.validAssignment(a) {
		return AssignmentFree
	}
	as := t.g.assignment(a)
	switch {
	case as.GroundTruth:
		return AssignmentGroundTruth
	case as.GroundUntruth:
		return AssignmentGroundUntruth
	default:
		return AssignmentFree
	}
}

func (t *Tracker) pinAssignment(a AssignmentID, truth bool) error {
	if err := t.resetAssignment(a); err != nil {
		return err
	}

	as := t.g.assignment(a)
	rhs, kind := 0.0, "agu"
	if truth {
		rhs, kind = 1, "agt"
	}
	name := fmt.Sprintf("%s_%d_%d", kind, as.Time, as.Index)
	id, err := t.solver.AddConstraint([]solver.Term{{Var: as.Var, Coef: 1}}, solver.Equal, rhs, name)
	if err != nil {
		return fmt.Errorf("adding %s: %w", name, err)
	}
	t.truthPins[a] = id
	as.GroundTruth = truth
	as.GroundUntruth = !truth
	return nil
}

func (t *Tracker) resetAssignment(a AssignmentID) error {
	id, ok := t.truthPins[a]
	if !ok {
		return nil
	}
	delete(t.truthPins, a)
	as := t.g.assignment(a)
	as.GroundTruth = false
	as.GroundUntruth = false
	return t.removeConstraint(id, "assignment selection")
}

// FixSegmentationAsIs pins every hypothesis at ti without an override to
// its current selection: forced when it has an active outgoing assignment,
// excluded otherwise.
func (t *Tracker) FixSegmentationAsIs(ti int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTime(ti); err != nil {
		return err
	}
	if !t.hasSolution() {
		return ErrNotSolved
	}
	for _, h := range t.g.hypsAt[ti] {
		if _, ok := t.segmentPins[h]; ok {
			continue
		}
		_, active := t.activeIn(h, Right)
		if err := t.pinSegment(h, active); err != nil {
			return err
		}
	}
	return nil
}

// FixAssignmentsAsAre pins every assignment leaving ti without an override
// to its current value.
func (t *Tracker) FixAssignmentsAsAre(ti int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTime(ti); err != nil {
		return err
	}
	if !t.hasSolution() {
		return ErrNotSolved
	}
	for _, a := range t.g.assignmentsAt[ti] {
		if _, ok := t.truthPins[a]; ok {
			continue
		}
		if err := t.pinAssignment(a, t.isActive(a)); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllSegmentConstraints removes the overrides of every hypothesis at ti.
func (t *Tracker) RemoveAllSegmentConstraints(ti int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTime(ti); err != nil {
		return err
	}
	for _, h := range t.g.hypsAt[ti] {
		if err := t.resetSegment(h); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllAssignmentConstraints removes the overrides of every assignment
// leaving ti.
func (t *Tracker) RemoveAllAssignmentConstraints(ti int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTime(ti); err != nil {
		return err
	}
	for _, a := range t.g.assignmentsAt[ti] {
		if err := t.resetAssignment(a); err != nil {
			return err
		}
	}
	return nil
}

// AddSegmentsInFrameCountConstraint requires exactly n hypotheses at ti to
// leave through an active assignment. An existing count for ti is replaced.
func (t *Tracker) AddSegmentsInFrameCountConstraint(ti, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTime(ti); err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("lineage: negative cell count %d", n)
	}
	return t.addFrameCount(ti, n)
}

func (t *Tracker) addFrameCount(ti, n int) error {
	if err := t.removeFrameCount(ti); err != nil {
		return err
	}

	var terms []solver.Term
	for _, h := range t.g.hypsAt[ti] {
		terms = append(terms, t.rightTerms(h)...)
	}
	name := fmt.Sprintf("sifcc_%d", ti)
	id, err := t.solver.AddConstraint(terms, solver.Equal, float64(n), name)
	if err != nil {
		return fmt.Errorf("adding %s: %w", name, err)
	}
	t.frameCounts[ti] = frameCountPin{constr: id, rhs: n}
	return nil
}

// RemoveSegmentsInFrameCountConstraint removes the cell count of ti, if any.
func (t *Tracker) RemoveSegmentsInFrameCountConstraint(ti int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTime(ti); err != nil {
		return err
	}
	return t.removeFrameCount(ti)
}

func (t *Tracker) removeFrameCount(ti int) error {
	pin, ok := t.frameCounts[ti]
	if !ok {
		return nil
	}
	delete(t.frameCounts, ti)
	return t.removeConstraint(pin.constr, "frame count")
}

// SegmentsInFrameCountConstraintRHS returns the required cell count at ti,
// or -1 when none is set.
func (t *Tracker) SegmentsInFrameCountConstraintRHS(ti int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pin, ok := t.frameCounts[ti]
	if !ok {
		return -1
	}
	return pin.rhs
}

// OverrideCounts returns the number of live override constraints per kind.
func (t *Tracker) OverrideCounts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[string]int{
		"segment":     len(t.segmentPins),
		"assignment":  len(t.truthPins),
		"frame_count": len(t.frameCounts),
		"freeze":      len(t.frozen),
		"ignore":      len(t.ignored),
	}
}
