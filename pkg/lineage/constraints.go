package lineage

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/orneryd/lanetrack/pkg/solver"
)

// addStructuralConstraints adds the constraints that hold for every solve.
// They are never removed.
func (t *Tracker) addStructuralConstraints() error {
	for ti := range t.g.numFrames() {
		if err := t.addPathBlocking(ti); err != nil {
			return err
		}
		if ti > 0 {
			if err := t.addContinuity(ti); err != nil {
				return err
			}
		}
		if t.opts.ExitConstraints {
			if err := t.addExitCoverage(ti); err != nil {
				return err
			}
		}
	}
	return nil
}

// addPathBlocking allows at most one active outgoing assignment along each
// root-to-leaf path of the frame's forest.
func (t *Tracker) addPathBlocking(ti int) error {
	for _, leaf := range t.lineage.Frames[ti].Leaves() {
		id, ok := t.g.lookup(ti, leaf.ID)
		if !ok {
			t.log.Warn("no hypothesis for leaf segment",
				zap.Int("time", ti), zap.Int("segment", leaf.ID))
			continue
		}

		var terms []solver.Term
		for cur := id; cur != NoHypothesis; cur = t.g.hyp(cur).Parent {
			terms = append(terms, t.rightTerms(cur)...)
		}
		if len(terms) == 0 {
			continue
		}

		name := fmt.Sprintf("pbc_r_t_%d_%d", ti, leaf.ID)
		if _, err := t.solver.AddConstraint(terms, solver.LessEqual, 1, name); err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		t.stats.PathBlocking++
	}
	return nil
}

// addContinuity makes every hypothesis at ti leave through exactly as many
// assignments as it was reached by.
func (t *Tracker) addContinuity(ti int) error {
	for _, id := range t.g.hypsAt[ti] {
		left, right := t.g.left[id], t.g.right[id]
		terms := make([]solver.Term, 0, len(left)+len(right))
		for _, a := range left {
			terms = append(terms, solver.Term{Var: t.g.assignment(a).Var, Coef: 1})
		}
		for _, a := range right {
			terms = append(terms, solver.Term{Var: t.g.assignment(a).Var, Coef: -1})
		}

		name := fmt.Sprintf("ecc_%d_%d", ti, t.g.hyp(id).SegmentID)
		if _, err := t.solver.AddConstraint(terms, solver.Equal, 0, name); err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		t.stats.Continuity++
	}
	return nil
}

// addExitCoverage forbids a hypothesis from exiting while a hypothesis above
// it continues:
//
//	|Hup|·exit(h) + Σ_{u ∈ Hup} Σ non-exit right(u) <= |Hup|
//
// where Hup are the hypotheses at ti lying entirely above h.
func (t *Tracker) addExitCoverage(ti int) error {
	for _, id := range t.g.hypsAt[ti] {
		h := t.g.hyp(id)
		exit, ok := t.exitOf(id)
		if !ok {
			continue
		}

		var above []HypothesisID
		for _, u := range t.g.hypsAt[ti] {
			if t.g.hyp(u).Interval.B < h.Interval.A {
				above = append(above, u)
			}
		}
		if len(above) == 0 {
			continue
		}

		n := float64(len(above))
		terms := []solver.Term{{Var: t.g.assignment(exit).Var, Coef: n}}
		for _, u := range above {
			for _, a := range t.g.right[u] {
				if as := t.g.assignment(a); as.Kind != Exit {
					terms = append(terms, solver.Term{Var: as.Var, Coef: 1})
				}
			}
		}
		if len(terms) == 1 {
			continue
		}

		name := fmt.Sprintf("dc_%d_%d", ti, h.SegmentID)
		if _, err := t.solver.AddConstraint(terms, solver.LessEqual, n, name); err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		t.stats.ExitCoverage++
	}
	return nil
}

func (t *Tracker) exitOf(h HypothesisID) (AssignmentID, bool) {
	for _, a := range t.g.right[h] {
		if t.g.assignment(a).Kind == Exit {
			return a, true
		}
	}
	return -1, false
}
