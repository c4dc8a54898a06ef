package lineage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/lanetrack/pkg/costs"
	"github.com/orneryd/lanetrack/pkg/math/vector"
	"github.com/orneryd/lanetrack/pkg/segtree"
)

// build creates hypotheses and assignments for every frame.
func (t *Tracker) build(ctx context.Context) error {
	unary, err := t.unaryCosts(ctx)
	if err != nil {
		return err
	}
	t.addHypotheses(unary)

	last := t.g.numFrames() - 1
	for ti := 0; ti < last; ti++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.addExits(ti); err != nil {
			return err
		}
		if err := t.addMappings(ti); err != nil {
			return err
		}
		if err := t.addDivisions(ti); err != nil {
			return err
		}
	}
	return t.addExits(last)
}

// unaryCosts computes the segmentation cost of every node, frame by frame in
// parallel. The result is indexed by frame, then by pre-order position.
func (t *Tracker) unaryCosts(ctx context.Context) ([][]float64, error) {
	frames := t.lineage.Frames
	out := make([][]float64, len(frames))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range frames {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var c []float64
			for n := range f.Nodes() {
				if len(f.Probabilities) == 0 {
					c = append(c, n.Cost)
					continue
				}
				pmin := costs.MinProbability(n.Pixels(), f.Probabilities)
				c = append(c, costs.SegmentationUnary(pmin, n.A, n.B, t.opts.MinCellLength))
			}
			out[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tracker) addHypotheses(unary [][]float64) {
	for ti, f := range t.lineage.Frames {
		ids := make(map[*segtree.Node]HypothesisID)
		i := 0
		for n := range f.Nodes() {
			parent := NoHypothesis
			if p := n.Parent(); p != nil {
				parent = ids[p]
			}
			ids[n] = t.g.addHypothesis(ti, n, unary[ti][i], parent)
			i++
		}
	}
	t.stats.Hypotheses = len(t.g.hyps)
}

func (t *Tracker) addVar(a *Assignment, name string) error {
	v, err := t.solver.AddBinaryVar(0, 1, a.Cost, name)
	if err != nil {
		return fmt.Errorf("adding variable %s: %w", name, err)
	}
	a.Var = v
	return nil
}

func (t *Tracker) addExits(ti int) error {
	for _, id := range t.g.hypsAt[ti] {
		h := t.g.hyp(id)
		a := Assignment{
			Kind:  Exit,
			Time:  ti,
			From:  id,
			To:    NoHypothesis,
			Lower: NoHypothesis,
			Cost:  costs.Exit(h.Cost),
		}
		if err := t.addVar(&a, fmt.Sprintf("a_%d^EXIT--%d", ti, h.SegmentID)); err != nil {
			return err
		}
		t.g.addAssignment(a)
		t.stats.Exits++
	}
	return nil
}

// tooFarDown reports whether to starts more than MaxCellDrop pixels below
// the bottom of from.
func (t *Tracker) tooFarDown(from, to *Hypothesis) bool {
	return to.Interval.A-from.Interval.B > t.opts.MaxCellDrop
}

func (t *Tracker) addMappings(ti int) error {
	lane := t.lineage.LaneLength
	for _, fid := range t.g.hypsAt[ti] {
		from := t.g.hyp(fid)
		for _, tid := range t.g.hypsAt[ti+1] {
			to := t.g.hyp(tid)
			if t.tooFarDown(from, to) {
				continue
			}

			c, features := costs.Mapping(from.segment(), to.segment(), lane)
			cost := costs.ModulateMapping(from.Cost, to.Cost, c)
			if cost > t.opts.CutoffCost {
				t.stats.OverCutoff++
				continue
			}
			t.checkCost(cost, t.opts.Weights.EvaluateMapping(from.Cost, to.Cost, features), "mapping", ti)

			a := Assignment{
				Kind:     Mapping,
				Time:     ti,
				From:     fid,
				To:       tid,
				Lower:    NoHypothesis,
				Cost:     cost,
				Features: append([]float64{from.Cost, to.Cost}, features...),
			}
			name := fmt.Sprintf("a_%d^MAPPING--(%d,%d)", ti, from.SegmentID, to.SegmentID)
			if err := t.addVar(&a, name); err != nil {
				return err
			}
			t.g.addAssignment(a)
			t.stats.Mappings++
		}
	}
	return nil
}

func (t *Tracker) addDivisions(ti int) error {
	lane := t.lineage.LaneLength
	for _, fid := range t.g.hypsAt[ti] {
		from := t.g.hyp(fid)
		childSizes := make([]int, 0, len(from.Children))
		for _, c := range from.Children {
			childSizes = append(childSizes, t.g.hyp(c).Size)
		}

		for _, tid := range t.g.hypsAt[ti+1] {
			to := t.g.hyp(tid)
			if t.tooFarDown(from, to) {
				continue
			}

			for _, n := range t.g.nodes[tid].RightNeighbors() {
				lid, ok := t.g.lookup(ti+1, n.ID)
				if !ok {
					t.log.Warn("no hypothesis for lower neighbor",
						zap.Int("time", ti+1), zap.Int("segment", n.ID))
					continue
				}
				low := t.g.hyp(lid)

				c, features := costs.Division(from.segment(), to.segment(), low.segment(), childSizes, lane)
				cost := costs.ModulateDivision(from.Cost, to.Cost, low.Cost, c)
				if cost > t.opts.CutoffCost {
					t.stats.OverCutoff++
					continue
				}
				t.checkCost(cost, t.opts.Weights.EvaluateDivision(from.Cost, to.Cost, low.Cost, features), "division", ti)

				a := Assignment{
					Kind:     Division,
					Time:     ti,
					From:     fid,
					To:       tid,
					Lower:    lid,
					Cost:     cost,
					Features: append([]float64{from.Cost, to.Cost + low.Cost}, features...),
				}
				name := fmt.Sprintf("a_%d^DIVISION--(%d,%d,%d)", ti, from.SegmentID, to.SegmentID, low.SegmentID)
				if err := t.addVar(&a, name); err != nil {
					return err
				}
				t.g.addAssignment(a)
				t.stats.Divisions++
			}
		}
	}
	return nil
}

// checkCost compares the formula cost with the feature-vector cost.
func (t *Tracker) checkCost(formula, weighted float64, kind string, ti int) {
	if !vector.AlmostEqual(formula, weighted, costs.MismatchTolerance) {
		t.stats.CostMismatches++
		t.log.Warn("cost mismatch",
			zap.String("kind", kind),
			zap.Int("time", ti),
			zap.Float64("formula", formula),
			zap.Float64("weighted", weighted))
	}
}
