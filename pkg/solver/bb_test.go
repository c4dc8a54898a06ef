package solver

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustVar(t *testing.T, s *BranchAndBound, obj float64, name string) VarID {
	t.Helper()
	v, err := s.AddBinaryVar(0, 1, obj, name)
	require.NoError(t, err)
	return v
}

func values(t *testing.T, s Solver, vars ...VarID) []float64 {
	t.Helper()
	out := make([]float64, len(vars))
	for i, v := range vars {
		x, err := s.Value(v)
		require.NoError(t, err)
		out[i] = x
	}
	return out
}

func TestBranchAndBound_SetPacking(t *testing.T) {
	s := NewBranchAndBound(DefaultOptions())
	x := mustVar(t, s, -1, "x")
	y := mustVar(t, s, -2, "y")
	z := mustVar(t, s, -1.5, "z")

	_, err := s.AddConstraint([]Term{{x, 1}, {y, 1}}, LessEqual, 1, "xy")
	require.NoError(t, err)
	_, err = s.AddConstraint([]Term{{y, 1}, {z, 1}}, LessEqual, 1, "yz")
	require.NoError(t, err)

	status, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.Equal(t, Optimal, status)

	// x+z = -2.5 beats y alone = -2
	assert.Equal(t, []float64{1, 0, 1}, values(t, s, x, y, z))
	obj, err := s.ObjectiveValue()
	require.NoError(t, err)
	assert.InDelta(t, -2.5, obj, 1e-9)
}

func TestBranchAndBound_FlowConservation(t *testing.T) {
	// in - out = 0 with a positive cost on the inflow: choosing the pair
	// only pays off when the outflow reward exceeds it.
	s := NewBranchAndBound(DefaultOptions())
	in := mustVar(t, s, 0.5, "in")
	out := mustVar(t, s, -1, "out")
	_, err := s.AddConstraint([]Term{{in, 1}, {out, -1}}, Equal, 0, "ecc")
	require.NoError(t, err)

	status, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.Equal(t, Optimal, status)
	assert.Equal(t, []float64{1, 1}, values(t, s, in, out))
}

func TestBranchAndBound_EqualityAndGreater(t *testing.T) {
	s := NewBranchAndBound(DefaultOptions())
	a := mustVar(t, s, 1, "a")
	b := mustVar(t, s, 2, "b")
	c := mustVar(t, s, 3, "c")

	_, err := s.AddConstraint([]Term{{a, 1}, {b, 1}, {c, 1}}, Equal, 2, "two")
	require.NoError(t, err)
	_, err = s.AddConstraint([]Term{{c, 1}}, GreaterEqual, 1, "need_c")
	require.NoError(t, err)

	status, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.Equal(t, Optimal, status)
	assert.Equal(t, []float64{1, 0, 1}, values(t, s, a, b, c))
}

func TestBranchAndBound_Infeasible(t *testing.T) {
	s := NewBranchAndBound(DefaultOptions())
	a := mustVar(t, s, -1, "a")
	_, err := s.AddConstraint([]Term{{a, 1}}, Equal, 1, "one")
	require.NoError(t, err)
	_, err = s.AddConstraint([]Term{{a, 1}}, Equal, 0, "zero")
	require.NoError(t, err)

	status, err := s.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Infeasible, status)

	_, err = s.Value(a)
	assert.True(t, errors.Is(err, ErrNoSolution))
}

func TestBranchAndBound_RemoveConstraint(t *testing.T) {
	s := NewBranchAndBound(DefaultOptions())
	a := mustVar(t, s, -1, "a")
	id, err := s.AddConstraint([]Term{{a, 1}}, Equal, 0, "pin")
	require.NoError(t, err)

	rhs, err := s.RHS(id)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rhs)

	_, err = s.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, values(t, s, a))

	require.NoError(t, s.RemoveConstraint(id))
	assert.True(t, errors.Is(s.RemoveConstraint(id), ErrUnknownConstraint))
	assert.Equal(t, 0, s.NumConstraints())

	// the old solution stays readable until the next optimisation
	assert.Equal(t, []float64{0}, values(t, s, a))

	_, err = s.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, values(t, s, a))
}

func TestBranchAndBound_FixedBounds(t *testing.T) {
	s := NewBranchAndBound(DefaultOptions())
	a, err := s.AddBinaryVar(1, 1, 5, "forced")
	require.NoError(t, err)
	b := mustVar(t, s, -1, "free")

	status, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.Equal(t, Optimal, status)
	assert.Equal(t, []float64{1, 1}, values(t, s, a, b))
}

func TestBranchAndBound_Errors(t *testing.T) {
	s := NewBranchAndBound(DefaultOptions())

	_, err := s.AddBinaryVar(0, 2, 0, "bad")
	assert.True(t, errors.Is(err, ErrInvalidBounds))

	_, err = s.AddBinaryVar(1, 0, 0, "crossed")
	assert.True(t, errors.Is(err, ErrInvalidBounds))

	_, err = s.AddConstraint([]Term{{Var: 7, Coef: 1}}, LessEqual, 1, "dangling")
	assert.True(t, errors.Is(err, ErrUnknownVariable))

	_, err = s.Value(3)
	assert.True(t, errors.Is(err, ErrUnknownVariable))

	assert.True(t, errors.Is(s.SetOptions(Options{MIPGap: -1}), ErrInvalidOptions))
	assert.Equal(t, NeverRun, s.Status())
}

// packing is the x, y, z model of TestBranchAndBound_SetPacking: the greedy
// choice y = -2 loses to x + z = -2.5.
func packing(t *testing.T, opts Options) (*BranchAndBound, [3]VarID) {
	t.Helper()
	s := NewBranchAndBound(opts)
	x := mustVar(t, s, -1, "x")
	y := mustVar(t, s, -2, "y")
	z := mustVar(t, s, -1.5, "z")
	_, err := s.AddConstraint([]Term{{x, 1}, {y, 1}}, LessEqual, 1, "xy")
	require.NoError(t, err)
	_, err = s.AddConstraint([]Term{{y, 1}, {z, 1}}, LessEqual, 1, "yz")
	require.NoError(t, err)
	return s, [3]VarID{x, y, z}
}

func TestBranchAndBound_NodeLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.NodeLimit = 1
	s, v := packing(t, opts)

	status, err := s.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LimitReached, status)
	assert.Equal(t, int64(1), s.Nodes())

	// the greedy incumbent stays readable
	assert.Equal(t, []float64{0, 1, 0}, values(t, s, v[0], v[1], v[2]))
	obj, err := s.ObjectiveValue()
	require.NoError(t, err)
	assert.InDelta(t, -2, obj, 1e-9)
}

func TestBranchAndBound_MIPGap(t *testing.T) {
	tests := []struct {
		name   string
		gap    float64
		status Status
		obj    float64
	}{
		{"exact", 0, Optimal, -2.5},
		{"gap closes on greedy", 0.3, Suboptimal, -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.MIPGap = tt.gap
			s, _ := packing(t, opts)

			status, err := s.Optimize(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.status, status)
			obj, err := s.ObjectiveValue()
			require.NoError(t, err)
			assert.InDelta(t, tt.obj, obj, 1e-9)
		})
	}
}

// layered builds a lane-like flow: cells per frame, each leaving by exit or
// by a move to any cell of the next frame, with inflow equal to outflow.
// Staying in place is the cheapest move, but moving is rewarded too.
func layered(t *testing.T, frames, cells int, opts Options) *BranchAndBound {
	t.Helper()
	s := NewBranchAndBound(opts)
	right := make([][][]Term, frames)
	left := make([][][]Term, frames)
	for f := range frames {
		right[f] = make([][]Term, cells)
		left[f] = make([][]Term, cells)
	}
	for f := range frames {
		for i := range cells {
			exit := mustVar(t, s, 0, "exit")
			right[f][i] = append(right[f][i], Term{exit, 1})
			if f == frames-1 {
				continue
			}
			for j := range cells {
				cost := -0.5
				if i == j {
					cost = -1
				}
				m := mustVar(t, s, cost, "move")
				right[f][i] = append(right[f][i], Term{m, 1})
				left[f+1][j] = append(left[f+1][j], Term{m, 1})
			}
		}
	}
	for f := range frames {
		for i := range cells {
			_, err := s.AddConstraint(right[f][i], LessEqual, 1, "one_out")
			require.NoError(t, err)
			if f == 0 {
				continue
			}
			terms := append([]Term(nil), left[f][i]...)
			for _, r := range right[f][i] {
				terms = append(terms, Term{r.Var, -1})
			}
			_, err = s.AddConstraint(terms, Equal, 0, "in_out")
			require.NoError(t, err)
		}
	}
	return s
}

func TestBranchAndBound_LayeredFlow(t *testing.T) {
	const frames, cells = 40, 3
	opts := DefaultOptions()
	opts.NodeLimit = 1000
	s := layered(t, frames, cells, opts)

	status, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.Equal(t, Optimal, status)

	obj, err := s.ObjectiveValue()
	require.NoError(t, err)
	assert.InDelta(t, -float64((frames-1)*cells), obj, 1e-9)
	assert.Less(t, s.Nodes(), int64(1000))
}

type randomRow struct {
	terms []Term
	rel   Relation
	rhs   float64
}

func (r randomRow) holds(x []int) bool {
	sum := 0.0
	for _, t := range r.terms {
		sum += t.Coef * float64(x[t.Var])
	}
	switch r.rel {
	case LessEqual:
		return sum <= r.rhs+eps
	case GreaterEqual:
		return sum >= r.rhs-eps
	default:
		return math.Abs(sum-r.rhs) <= eps
	}
}

// exhaustive returns the best objective over all assignments.
func exhaustive(obj []float64, rows []randomRow) (float64, bool) {
	best, found := math.Inf(1), false
	x := make([]int, len(obj))
	for mask := 0; mask < 1<<len(obj); mask++ {
		cost := 0.0
		for i := range x {
			x[i] = mask >> i & 1
			cost += obj[i] * float64(x[i])
		}
		ok := true
		for _, r := range rows {
			if !r.holds(x) {
				ok = false
				break
			}
		}
		if ok && cost < best {
			best, found = cost, true
		}
	}
	return best, found
}

func TestBranchAndBound_MatchesExhaustiveSearch(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	const n = 10

	for round := range 200 {
		obj := make([]float64, n)
		for i := range obj {
			obj[i] = float64(rng.IntN(9)-6) / 2
		}
		pick := func(k int) []int {
			return rng.Perm(n)[:k]
		}

		var rows []randomRow
		for range 1 + rng.IntN(4) {
			var terms []Term
			for _, v := range pick(2 + rng.IntN(3)) {
				terms = append(terms, Term{VarID(v), 1})
			}
			rows = append(rows, randomRow{terms, LessEqual, 1})
		}
		for range rng.IntN(3) {
			vars := pick(2 + rng.IntN(3))
			var terms []Term
			for k, v := range vars {
				c := 1.0
				if k%2 == 1 {
					c = -1
				}
				terms = append(terms, Term{VarID(v), c})
			}
			rows = append(rows, randomRow{terms, Equal, 0})
		}
		if rng.IntN(2) == 0 {
			var terms []Term
			for _, v := range pick(3) {
				terms = append(terms, Term{VarID(v), 1})
			}
			rows = append(rows, randomRow{terms, GreaterEqual, 1})
		}

		s := NewBranchAndBound(DefaultOptions())
		for i := range obj {
			mustVar(t, s, obj[i], "v")
		}
		for _, r := range rows {
			_, err := s.AddConstraint(r.terms, r.rel, r.rhs, "r")
			require.NoError(t, err)
		}

		status, err := s.Optimize(context.Background())
		require.NoError(t, err)

		want, feasible := exhaustive(obj, rows)
		if !feasible {
			assert.Equal(t, Infeasible, status, "round %d", round)
			continue
		}
		require.Equal(t, Optimal, status, "round %d", round)
		got, err := s.ObjectiveValue()
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-9, "round %d", round)
	}
}

func TestBranchAndBound_CancelledContext(t *testing.T) {
	s := NewBranchAndBound(DefaultOptions())
	for i := 0; i < 4; i++ {
		mustVar(t, s, -1, "v")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// the context is only consulted every 1024 nodes; a tiny model finishes first
	status, err := s.Optimize(ctx)
	require.NoError(t, err)
	assert.Contains(t, []Status{Optimal, LimitReached}, status)
}

func TestBranchAndBound_Progress(t *testing.T) {
	var reports []Progress
	opts := DefaultOptions()
	opts.TimeLimit = time.Minute
	opts.Progress = func(p Progress) { reports = append(reports, p) }

	s := NewBranchAndBound(opts)
	a := mustVar(t, s, -1, "a")
	b := mustVar(t, s, -1, "b")
	_, err := s.AddConstraint([]Term{{a, 1}, {b, 1}}, LessEqual, 1, "one")
	require.NoError(t, err)

	_, err = s.Optimize(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, reports)
	assert.True(t, reports[0].HasIncumbent)
	assert.InDelta(t, -1, reports[len(reports)-1].Incumbent, 1e-9)
	assert.Greater(t, s.Nodes(), int64(0))
}

func TestBranchAndBound_MergesRepeatedTerms(t *testing.T) {
	s := NewBranchAndBound(DefaultOptions())
	a := mustVar(t, s, -1, "a")

	// a + a <= 1 forces a = 0
	_, err := s.AddConstraint([]Term{{a, 1}, {a, 1}}, LessEqual, 1, "twice")
	require.NoError(t, err)

	status, err := s.Optimize(context.Background())
	require.NoError(t, err)
	require.Equal(t, Optimal, status)
	assert.Equal(t, []float64{0}, values(t, s, a))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "OPTIMAL", Optimal.String())
	assert.Equal(t, "LIMIT_REACHED", LimitReached.String())
	assert.Equal(t, "<=", LessEqual.String())
}
