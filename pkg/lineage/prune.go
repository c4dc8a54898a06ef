package lineage

import "slices"

// SetPruneRoot marks or unmarks h as the root of a pruned subtree. Pruning
// covers the root and everything reachable from it through active
// assignments, and is recomputed after every solve.
func (t *Tracker) SetPruneRoot(h HypothesisID, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkHyp(h); err != nil {
		return err
	}
	t.g.hyp(h).PruneRoot = on
	t.refreshPruning()
	return nil
}

// PruneRoots returns the ids of all prune roots in ascending order.
func (t *Tracker) PruneRoots() []HypothesisID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pruneRoots()
}

func (t *Tracker) pruneRoots() []HypothesisID {
	var roots []HypothesisID
	for i := range t.g.hyps {
		if t.g.hyps[i].PruneRoot {
			roots = append(roots, t.g.hyps[i].ID)
		}
	}
	return roots
}

// IsPruned reports whether h lies in a pruned subtree.
func (t *Tracker) IsPruned(h HypothesisID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.g.validHyp(h) && t.g.hyp(h).Pruned
}

func (t *Tracker) refreshPruning() {
	for i := range t.g.hyps {
		t.g.hyps[i].Pruned = false
	}
	for i := range t.g.assignments {
		t.g.assignments[i].Pruned = false
	}

	queue := t.pruneRoots()
	solved := t.hasSolution()
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		hyp := t.g.hyp(h)
		if hyp.Pruned {
			continue
		}
		hyp.Pruned = true
		if !solved {
			continue
		}
		for _, a := range t.g.right[h] {
			if !t.isActive(a) {
				continue
			}
			as := t.g.assignment(a)
			as.Pruned = true
			queue = append(queue, as.Targets()...)
		}
	}
}

// PrunedAt returns the pruned hypotheses at ti.
func (t *Tracker) PrunedAt(ti int) []HypothesisID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.checkTime(ti) != nil {
		return nil
	}
	return slices.DeleteFunc(slices.Clone(t.g.hypsAt[ti]), func(h HypothesisID) bool {
		return !t.g.hyp(h).Pruned
	})
}
