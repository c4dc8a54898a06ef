// Branch-and-bound over binary variables.
//
// BranchAndBound keeps the model (variables, live constraints) and runs a
// depth-first search on Optimize:
//  1. Every constraint is held in range form lo <= Σ c·x <= hi.
//  2. Rows in which no two variables can be 1 together are collected as
//     cliques. A balance row Σ P - Σ N = 0 whose N lies inside a clique
//     makes P a clique too; such implied cliques are added as rows.
//  3. After each fixing, bound propagation over the touched rows fixes any
//     free variable whose other value would make a row infeasible, or
//     detects a conflict.
//  4. The objective bound splits each variable's cost evenly over the
//     cliques containing it. Every clique then contributes its cheapest free
//     share (or nothing once a member is 1), and variables outside all
//     cliques contribute their cost when negative. A branch is pruned when
//     bound >= incumbent - tolerance.
//  5. Before the search a greedy dive in branching order seeds the
//     incumbent. Branching order is ascending objective coefficient (index
//     tiebreak); rewarded variables are tried at 1 first.
//  6. Limits (time, nodes, context) are checked every 1024 nodes.

package solver

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

const eps = 1e-9

type variable struct {
	name   string
	lb, ub int8
	obj    float64
}

type constraint struct {
	name  string
	vars  []int
	coefs []float64
	rel   Relation
	rhs   float64
}

// BranchAndBound is an exact solver for small binary linear programs.
// It is safe for concurrent use; Optimize holds the model lock while it runs.
type BranchAndBound struct {
	mu        sync.Mutex
	opts      Options
	vars      []variable
	cons      map[ConstraintID]*constraint
	nextCons  ConstraintID
	status    Status
	solution  []int8
	objective float64
	nodes     int64
}

var _ Solver = (*BranchAndBound)(nil)

// NewBranchAndBound creates an empty model.
func NewBranchAndBound(opts Options) *BranchAndBound {
	return &BranchAndBound{
		opts: opts,
		cons: make(map[ConstraintID]*constraint),
	}
}

// AddBinaryVar adds a variable with bounds lb <= x <= ub, where both bounds
// are 0 or 1.
func (b *BranchAndBound) AddBinaryVar(lb, ub, obj float64, name string) (VarID, error) {
	lo, okLo := binaryBound(lb)
	hi, okHi := binaryBound(ub)
	if !okLo || !okHi || lo > hi {
		return -1, fmt.Errorf("%w: [%g,%g] for %s", ErrInvalidBounds, lb, ub, name)
	}
	if math.IsNaN(obj) || math.IsInf(obj, 0) {
		return -1, fmt.Errorf("%w: objective %g for %s", ErrInvalidBounds, obj, name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.vars = append(b.vars, variable{name: name, lb: lo, ub: hi, obj: obj})
	return VarID(len(b.vars) - 1), nil
}

func binaryBound(v float64) (int8, bool) {
	switch v {
	case 0:
		return 0, true
	case 1:
		return 1, true
	default:
		return 0, false
	}
}

// AddConstraint adds Σ terms rel rhs. Repeated variables are merged.
func (b *BranchAndBound) AddConstraint(terms []Term, rel Relation, rhs float64, name string) (ConstraintID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make(map[int]float64, len(terms))
	for _, t := range terms {
		if t.Var < 0 || int(t.Var) >= len(b.vars) {
			return -1, fmt.Errorf("%w: %d in %s", ErrUnknownVariable, t.Var, name)
		}
		merged[int(t.Var)] += t.Coef
	}

	c := &constraint{name: name, rel: rel, rhs: rhs}
	for v := range merged {
		if merged[v] != 0 {
			c.vars = append(c.vars, v)
		}
	}
	sort.Ints(c.vars)
	c.coefs = make([]float64, len(c.vars))
	for i, v := range c.vars {
		c.coefs[i] = merged[v]
	}

	id := b.nextCons
	b.nextCons++
	b.cons[id] = c
	return id, nil
}

// RemoveConstraint deletes a constraint from the model.
func (b *BranchAndBound) RemoveConstraint(id ConstraintID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cons[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConstraint, id)
	}
	delete(b.cons, id)
	return nil
}

// RHS returns the right-hand side of a live constraint.
func (b *BranchAndBound) RHS(id ConstraintID) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cons[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownConstraint, id)
	}
	return c.rhs, nil
}

// SetOptions replaces the options used by subsequent Optimize calls.
func (b *BranchAndBound) SetOptions(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.opts = opts
	b.mu.Unlock()
	return nil
}

// Value returns the value of v in the last solution found.
func (b *BranchAndBound) Value(v VarID) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v < 0 || int(v) >= len(b.vars) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownVariable, v)
	}
	if b.solution == nil || int(v) >= len(b.solution) {
		return 0, ErrNoSolution
	}
	return float64(b.solution[v]), nil
}

// ObjectiveValue returns the objective of the last solution found.
func (b *BranchAndBound) ObjectiveValue() (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.solution == nil {
		return 0, ErrNoSolution
	}
	return b.objective, nil
}

// Status returns the status of the last Optimize call.
func (b *BranchAndBound) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// NumVars returns the number of variables.
func (b *BranchAndBound) NumVars() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.vars)
}

// NumConstraints returns the number of live constraints.
func (b *BranchAndBound) NumConstraints() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cons)
}

// Nodes returns the number of search nodes visited by the last Optimize call.
func (b *BranchAndBound) Nodes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nodes
}

// Optimize searches for a minimum-cost assignment of all variables.
//
// The returned error is non-nil only for invalid options; infeasibility and
// limits are reported through the status. A cancelled or expired ctx is
// treated like a time limit.
func (b *BranchAndBound) Optimize(ctx context.Context) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.opts.Validate(); err != nil {
		return b.status, err
	}

	e := b.newEngine(ctx)
	e.run()

	b.nodes = e.nodes
	switch {
	case e.limited:
		b.status = LimitReached
	case e.found && e.gapClosed:
		b.status = Suboptimal
	case e.found:
		b.status = Optimal
	default:
		b.status = Infeasible
	}
	if e.found {
		b.solution = e.best
		b.objective = e.bestObj
	} else {
		b.solution = nil
		b.objective = 0
	}
	return b.status, nil
}

// row is a constraint in range form lo <= Σ coefs·x <= hi.
type row struct {
	vars   []int
	coefs  []float64
	lo, hi float64
}

// bbEngine holds the search state of one Optimize call.
type bbEngine struct {
	ctx  context.Context
	opts Options

	n     int
	obj   []float64
	lb    []int8
	ub    []int8
	rows  []row
	occ   [][]int // per variable: rows it appears in
	order []int   // branching order

	cliques [][]int
	share   []float64 // obj split over the cliques holding the variable
	covered []bool

	val   []int8 // -1 free
	trail []int
	cur   float64 // objective over fixed variables
	neg   float64 // Σ min(0,obj) over free variables outside all cliques

	queue   []int
	queued  []bool
	started time.Time
	nodes   int64
	limited bool
	stop    bool

	// gapClosed is set when a branch was pruned only by the MIP gap.
	gapClosed bool

	best    []int8
	bestObj float64
	found   bool
}

func (b *BranchAndBound) newEngine(ctx context.Context) *bbEngine {
	n := len(b.vars)
	e := &bbEngine{
		ctx:     ctx,
		opts:    b.opts,
		n:       n,
		obj:     make([]float64, n),
		lb:      make([]int8, n),
		ub:      make([]int8, n),
		occ:     make([][]int, n),
		order:   make([]int, n),
		val:     make([]int8, n),
		started: time.Now(),
	}
	for i, v := range b.vars {
		e.obj[i] = v.obj
		e.lb[i] = v.lb
		e.ub[i] = v.ub
		e.order[i] = i
		e.val[i] = -1
	}
	sort.SliceStable(e.order, func(i, j int) bool {
		return e.obj[e.order[i]] < e.obj[e.order[j]]
	})

	ids := make([]ConstraintID, 0, len(b.cons))
	for id := range b.cons {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		c := b.cons[id]
		r := row{vars: c.vars, coefs: c.coefs, lo: math.Inf(-1), hi: math.Inf(1)}
		switch c.rel {
		case LessEqual:
			r.hi = c.rhs
		case GreaterEqual:
			r.lo = c.rhs
		default:
			r.lo, r.hi = c.rhs, c.rhs
		}
		e.addRow(r)
	}
	e.findCliques()
	e.queued = make([]bool, len(e.rows))
	return e
}

func (e *bbEngine) addRow(r row) {
	idx := len(e.rows)
	e.rows = append(e.rows, r)
	for _, v := range r.vars {
		e.occ[v] = append(e.occ[v], idx)
	}
}

// atMostOne reports whether no two variables of r can be 1 together.
func atMostOne(r *row) bool {
	if len(r.vars) < 2 {
		return false
	}
	lo1, lo2 := math.Inf(1), math.Inf(1)
	for _, c := range r.coefs {
		if c <= 0 {
			return false
		}
		switch {
		case c < lo1:
			lo1, lo2 = c, lo1
		case c < lo2:
			lo2 = c
		}
	}
	return lo1+lo2 > r.hi+eps
}

// findCliques collects the explicit cliques, derives implied ones from
// balance rows and sets up the cost split used by bound.
func (e *bbEngine) findCliques() {
	in := make([][]int, e.n) // per variable: cliques holding it
	add := func(vars []int) {
		k := len(e.cliques)
		e.cliques = append(e.cliques, vars)
		for _, v := range vars {
			in[v] = append(in[v], k)
		}
	}
	for i := range e.rows {
		if atMostOne(&e.rows[i]) {
			add(e.rows[i].vars)
		}
	}

	inClique := func(vars []int) bool {
		for _, k := range in[vars[0]] {
			c := e.cliques[k]
			all := true
			for _, v := range vars[1:] {
				j := sort.SearchInts(c, v)
				if j == len(c) || c[j] != v {
					all = false
					break
				}
			}
			if all {
				return true
			}
		}
		return false
	}

	explicit := len(e.rows)
	for i := 0; i < explicit; i++ {
		pos, neg, ok := balance(&e.rows[i])
		if !ok {
			continue
		}
		for _, pair := range [2][2][]int{{pos, neg}, {neg, pos}} {
			side, other := pair[0], pair[1]
			if len(side) < 2 || len(other) == 0 || !inClique(other) || inClique(side) {
				continue
			}
			add(side)
			coefs := make([]float64, len(side))
			for k := range coefs {
				coefs[k] = 1
			}
			e.addRow(row{vars: side, coefs: coefs, lo: math.Inf(-1), hi: 1})
		}
	}

	e.share = make([]float64, e.n)
	e.covered = make([]bool, e.n)
	for v := 0; v < e.n; v++ {
		if len(in[v]) == 0 {
			e.neg += math.Min(0, e.obj[v])
			continue
		}
		e.covered[v] = true
		e.share[v] = e.obj[v] / float64(len(in[v]))
	}
}

// balance splits a row Σ P - Σ N = 0 with unit coefficients into P and N.
func balance(r *row) (pos, neg []int, ok bool) {
	if r.lo != 0 || r.hi != 0 {
		return nil, nil, false
	}
	for k, v := range r.vars {
		switch r.coefs[k] {
		case 1:
			pos = append(pos, v)
		case -1:
			neg = append(neg, v)
		default:
			return nil, nil, false
		}
	}
	return pos, neg, true
}

// bound returns a lower bound on the objective of any completion of the
// current partial assignment.
func (e *bbEngine) bound() float64 {
	lb := e.cur + e.neg
cliques:
	for _, c := range e.cliques {
		best := 0.0
		for _, v := range c {
			switch e.val[v] {
			case 1:
				continue cliques
			case -1:
				best = math.Min(best, e.share[v])
			}
		}
		lb += best
	}
	return lb
}

func (e *bbEngine) run() {
	for v := 0; v < e.n; v++ {
		if e.lb[v] == e.ub[v] {
			e.assign(v, e.lb[v])
		}
	}

	all := make([]int, len(e.rows))
	for i := range all {
		all[i] = i
	}
	if !e.propagate(all) {
		return
	}
	e.seed()
	if e.stop {
		return
	}
	e.dfs()
}

// seed looks for a first incumbent by a depth-first dive in branching order
// without bound pruning. It gives up after a bounded number of nodes.
func (e *bbEngine) seed() {
	budget := 16*int64(e.n) + 1024
	e.dive(&budget)
}

func (e *bbEngine) dive(budget *int64) bool {
	*budget--
	if *budget < 0 {
		return false
	}
	if *budget&1023 == 0 && e.expired() {
		e.limited = true
		e.stop = true
		return false
	}

	v := e.nextFree()
	if v < 0 {
		e.record()
		return true
	}
	for _, x := range e.branches(v) {
		mark := len(e.trail)
		e.assign(v, x)
		ok := e.propagate(e.occ[v]) && e.dive(budget)
		e.undo(mark)
		if ok {
			return true
		}
		if *budget < 0 || e.stop {
			return false
		}
	}
	return false
}

// branches returns the values to try for v, preferred first.
func (e *bbEngine) branches(v int) []int8 {
	first := int8(0)
	if e.obj[v] < 0 {
		first = 1
	}
	out := make([]int8, 0, 2)
	for _, x := range [2]int8{first, 1 - first} {
		if x >= e.lb[v] && x <= e.ub[v] {
			out = append(out, x)
		}
	}
	return out
}

func (e *bbEngine) record() {
	e.found = true
	e.bestObj = e.cur
	e.best = append(e.best[:0], e.val...)
	e.report()
}

func (e *bbEngine) assign(v int, x int8) {
	e.val[v] = x
	e.trail = append(e.trail, v)
	e.cur += e.obj[v] * float64(x)
	if !e.covered[v] {
		e.neg -= math.Min(0, e.obj[v])
	}
}

func (e *bbEngine) undo(mark int) {
	for len(e.trail) > mark {
		v := e.trail[len(e.trail)-1]
		e.trail = e.trail[:len(e.trail)-1]
		e.cur -= e.obj[v] * float64(e.val[v])
		if !e.covered[v] {
			e.neg += math.Min(0, e.obj[v])
		}
		e.val[v] = -1
	}
}

// activity returns the smallest and largest reachable row sums.
func (e *bbEngine) activity(r *row) (lo, hi float64) {
	for k, v := range r.vars {
		c := r.coefs[k]
		switch e.val[v] {
		case 1:
			lo += c
			hi += c
		case -1:
			if c < 0 {
				lo += c
			} else {
				hi += c
			}
		}
	}
	return lo, hi
}

// propagate runs bound propagation starting from the given rows. It returns
// false on a conflict; fixings made so far stay on the trail.
func (e *bbEngine) propagate(start []int) bool {
	e.queue = e.queue[:0]
	for _, r := range start {
		if !e.queued[r] {
			e.queued[r] = true
			e.queue = append(e.queue, r)
		}
	}
	defer func() {
		for _, r := range e.queue {
			e.queued[r] = false
		}
		e.queue = e.queue[:0]
	}()

	for head := 0; head < len(e.queue); head++ {
		r := e.queue[head]
		e.queued[r] = false
		rw := &e.rows[r]

		for changed := true; changed; {
			changed = false
			minAct, maxAct := e.activity(rw)
			if minAct > rw.hi+eps || maxAct < rw.lo-eps {
				return false
			}
			for k, v := range rw.vars {
				if e.val[v] != -1 {
					continue
				}
				c := rw.coefs[k]
				oneBad := minAct+math.Max(0, c) > rw.hi+eps || maxAct+math.Min(0, c) < rw.lo-eps
				zeroBad := minAct-math.Min(0, c) > rw.hi+eps || maxAct-math.Max(0, c) < rw.lo-eps
				if !oneBad && !zeroBad {
					continue
				}
				if oneBad && zeroBad {
					return false
				}
				x := int8(1)
				if oneBad {
					x = 0
				}
				if x < e.lb[v] || x > e.ub[v] {
					return false
				}
				e.assign(v, x)
				for _, other := range e.occ[v] {
					if other != r && !e.queued[other] {
						e.queued[other] = true
						e.queue = append(e.queue, other)
					}
				}
				// activities moved; rescan this row
				changed = true
				break
			}
		}
	}
	return true
}

// checkLimits performs the sparse limit test.
func (e *bbEngine) checkLimits() bool {
	if e.opts.NodeLimit > 0 && e.nodes >= e.opts.NodeLimit {
		return true
	}
	if e.nodes&1023 != 0 {
		return false
	}
	return e.expired()
}

func (e *bbEngine) expired() bool {
	if e.ctx.Err() != nil {
		return true
	}
	return e.opts.TimeLimit > 0 && time.Since(e.started) > e.opts.TimeLimit
}

func (e *bbEngine) report() {
	if e.opts.Progress == nil {
		return
	}
	e.opts.Progress(Progress{
		Nodes:        e.nodes,
		Incumbent:    e.bestObj,
		HasIncumbent: e.found,
		Elapsed:      time.Since(e.started),
	})
}

func (e *bbEngine) tolerance() float64 {
	return math.Max(eps, e.opts.MIPGap*math.Abs(e.bestObj))
}

func (e *bbEngine) nextFree() int {
	for _, v := range e.order {
		if e.val[v] == -1 {
			return v
		}
	}
	return -1
}

func (e *bbEngine) dfs() {
	e.nodes++
	if e.checkLimits() {
		e.limited = true
		e.stop = true
		return
	}
	if e.opts.ProgressEvery > 0 && e.nodes%e.opts.ProgressEvery == 0 {
		e.report()
	}

	if e.found {
		lb := e.bound()
		if lb >= e.bestObj-eps {
			return
		}
		if lb >= e.bestObj-e.tolerance() {
			e.gapClosed = true
			return
		}
	}

	v := e.nextFree()
	if v < 0 {
		e.record()
		return
	}

	for _, x := range e.branches(v) {
		mark := len(e.trail)
		e.assign(v, x)
		if e.propagate(e.occ[v]) {
			e.dfs()
		}
		e.undo(mark)
		if e.stop {
			return
		}
	}
}
