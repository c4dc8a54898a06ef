package lineage

import (
	"fmt"

	"github.com/orneryd/lanetrack/pkg/solver"
)

// FreezeBefore locks frames [0,ti] to the current solution and releases the
// locks on every later frame. Frames that are already frozen keep their
// constraints, so repeated calls are no-ops.
func (t *Tracker) FreezeBefore(ti int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.g.numFrames() {
		var err error
		if i <= ti {
			err = t.freeze(i)
		} else {
			err = t.unfreeze(i)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// FreezeAssignmentsAsAre locks the outgoing assignments of every hypothesis
// at ti to their current values.
func (t *Tracker) FreezeAssignmentsAsAre(ti int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTime(ti); err != nil {
		return err
	}
	return t.freeze(ti)
}

// UnfreezeAssignments releases the locks on frame ti.
func (t *Tracker) UnfreezeAssignments(ti int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkTime(ti); err != nil {
		return err
	}
	return t.unfreeze(ti)
}

// IsFrozen reports whether any hypothesis at ti is locked.
func (t *Tracker) IsFrozen(ti int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.checkTime(ti) != nil {
		return false
	}
	for _, h := range t.g.hypsAt[ti] {
		if _, ok := t.frozen[h]; ok {
			return true
		}
	}
	return false
}

// freeze adds, per hypothesis at ti,
//
//	Σ chosen + 2·Σ unchosen = |chosen|
//
// over its outgoing assignments, so the chosen one stays on and every other
// stays off.
func (t *Tracker) freeze(ti int) error {
	for _, h := range t.g.hypsAt[ti] {
		if _, ok := t.frozen[h]; ok {
			continue
		}
		if !t.hasSolution() {
			return ErrNotSolved
		}

		rhs := 0.0
		right := t.g.right[h]
		terms := make([]solver.Term, 0, len(right))
		for _, a := range right {
			coef := 2.0
			if t.isActive(a) {
				coef, rhs = 1, 1
			}
			terms = append(terms, solver.Term{Var: t.g.assignment(a).Var, Coef: coef})
		}

		name := fmt.Sprintf("freeze_%d_%d", ti, t.g.hyp(h).SegmentID)
		id, err := t.solver.AddConstraint(terms, solver.Equal, rhs, name)
		if err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		t.frozen[h] = id
	}
	return nil
}

func (t *Tracker) unfreeze(ti int) error {
	for _, h := range t.g.hypsAt[ti] {
		id, ok := t.frozen[h]
		if !ok {
			continue
		}
		delete(t.frozen, h)
		if err := t.removeConstraint(id, "freeze"); err != nil {
			return err
		}
	}
	return nil
}

// IgnoreBeyond switches off every assignment leaving a frame after ti.
// Frames up to ti are released from earlier calls; ti at or after the last
// frame releases everything.
func (t *Tracker) IgnoreBeyond(ti int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ti < -1 {
		return fmt.Errorf("%w: %d", ErrTimeOutOfRange, ti)
	}

	last := t.g.numFrames() - 1
	if ti >= last {
		t.ignoring = false
		for i := range t.g.numFrames() {
			if err := t.unignore(i); err != nil {
				return err
			}
		}
		return nil
	}

	t.ignoreBeyond, t.ignoring = ti, true
	for i := range t.g.numFrames() {
		var err error
		if i <= ti {
			err = t.unignore(i)
		} else {
			err = t.ignore(i)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// IgnoredBeyond returns the last frame taking part in optimisation, or false
// when no frame is ignored.
func (t *Tracker) IgnoredBeyond() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ignoreBeyond, t.ignoring
}

func (t *Tracker) ignore(ti int) error {
	for _, h := range t.g.hypsAt[ti] {
		if _, ok := t.ignored[h]; ok {
			continue
		}
		name := fmt.Sprintf("ignore_%d_%d", ti, t.g.hyp(h).SegmentID)
		id, err := t.solver.AddConstraint(t.rightTerms(h), solver.Equal, 0, name)
		if err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		t.ignored[h] = id
	}
	return nil
}

func (t *Tracker) unignore(ti int) error {
	for _, h := range t.g.hypsAt[ti] {
		id, ok := t.ignored[h]
		if !ok {
			continue
		}
		delete(t.ignored, h)
		if err := t.removeConstraint(id, "ignore"); err != nil {
			return err
		}
	}
	return nil
}
