// Package lineage frames cell tracking in a growth lane as a binary linear
// program and keeps the interactive state around it.
//
// A Tracker is built once per lineage from the per-frame segmentation
// forests. Building creates one hypothesis per segment and every admissible
// assignment between consecutive frames (exit, mapping, division), each
// backed by a binary solver variable. Structural constraints keep the
// selection consistent:
//   - path-blocking: at most one segment per root-to-leaf path is chosen
//   - explanation continuity: a segment with an incoming assignment has
//     exactly one outgoing assignment, and vice versa
//   - exit coverage: a cell may only exit when no cell above it continues
//
// Interactive edits (forcing or excluding segments, pinning assignments,
// freezing history, ignoring a tail of frames, fixing the cell count of a
// frame) are extra constraints tracked in side tables so they can be removed
// again. SaveState and LoadState persist those edits.
//
// Example:
//
//	lin, _ := segtree.LoadFile("lane.yaml")
//	tr, err := lineage.New(ctx, lin, solver.NewBranchAndBound(solver.DefaultOptions()), lineage.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	status, err := tr.Solve(ctx)
//	for _, h := range tr.OptimalSegmentation(3) {
//		fmt.Println(h.Interval)
//	}
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Solve holds the write lock for
//	the whole optimisation, so edits and queries wait for a running solve.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/lanetrack/pkg/costs"
	"github.com/orneryd/lanetrack/pkg/segtree"
	"github.com/orneryd/lanetrack/pkg/solver"
)

// Sentinel errors.
var (
	ErrBuild             = errors.New("lineage: build failed")
	ErrUnknownHypothesis = errors.New("lineage: unknown hypothesis")
	ErrUnknownAssignment = errors.New("lineage: unknown assignment")
	ErrTimeOutOfRange    = errors.New("lineage: time out of range")
	ErrNotSolved         = errors.New("lineage: no solution available")
)

// Options configures how a Tracker is built and solved.
type Options struct {
	// CutoffCost is the highest modulated cost an assignment may have and
	// still be created.
	CutoffCost float64

	// MaxCellDrop is how many pixels a cell may appear below its
	// predecessor's bottom edge in the next frame.
	MaxCellDrop int

	// MinCellLength is the shortest segment (b-a) that gets a regular unary
	// cost when costs are derived from probabilities.
	MinCellLength int

	// ExitConstraints enables exit coverage constraints.
	ExitConstraints bool

	// Weights evaluates feature vectors to cross-check assignment costs.
	Weights costs.Weights

	// Solver is applied before every solve.
	Solver solver.Options

	// TimeOffset is the dataset time of frame 0; persisted times include it.
	TimeOffset int

	// BottomOffset is recorded in persisted state for the imaging front end.
	BottomOffset int

	Logger *zap.Logger
}

// DefaultOptions returns the standard tracking parameters.
func DefaultOptions() Options {
	return Options{
		CutoffCost:      costs.DefaultCutoff,
		MaxCellDrop:     50,
		MinCellLength:   18,
		ExitConstraints: true,
		Weights:         costs.DefaultWeights(),
		Solver:          solver.DefaultOptions(),
		BottomOffset:    35,
	}
}

// BuildStats summarises the model created for a lineage.
type BuildStats struct {
	Hypotheses     int
	Exits          int
	Mappings       int
	Divisions      int
	OverCutoff     int
	PathBlocking   int
	Continuity     int
	ExitCoverage   int
	CostMismatches int
}

// Assignments returns the number of assignments created.
func (s BuildStats) Assignments() int { return s.Exits + s.Mappings + s.Divisions }

// Tracker owns the optimisation model of one lineage.
type Tracker struct {
	mu sync.RWMutex

	opts    Options
	log     *zap.Logger
	solver  solver.Solver
	lineage *segtree.Lineage
	g       *graph
	stats   BuildStats
	status  solver.Status
	elapsed time.Duration

	segmentPins  map[HypothesisID]segmentPin
	truthPins    map[AssignmentID]solver.ConstraintID
	frameCounts  map[int]frameCountPin
	frozen       map[HypothesisID]solver.ConstraintID
	ignored      map[HypothesisID]solver.ConstraintID
	ignoreBeyond int
	ignoring     bool
}

// New builds the model for lin on s.
//
// A failing solver call aborts the build; the solver must then be discarded
// because it holds a partial model.
func New(ctx context.Context, lin *segtree.Lineage, s solver.Solver, opts Options) (*Tracker, error) {
	if lin == nil || lin.NumFrames() == 0 {
		return nil, fmt.Errorf("%w: lineage has no frames", ErrBuild)
	}
	lin.Link()
	if err := lin.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Weights.Mapping == nil || opts.Weights.Division == nil {
		opts.Weights = costs.DefaultWeights()
	}

	t := &Tracker{
		opts:        opts,
		log:         opts.Logger,
		solver:      s,
		lineage:     lin,
		g:           newGraph(lin.NumFrames()),
		status:      solver.NeverRun,
		segmentPins: make(map[HypothesisID]segmentPin),
		truthPins:   make(map[AssignmentID]solver.ConstraintID),
		frameCounts: make(map[int]frameCountPin),
		frozen:      make(map[HypothesisID]solver.ConstraintID),
		ignored:     make(map[HypothesisID]solver.ConstraintID),
	}

	start := time.Now()
	if err := t.build(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	if err := t.addStructuralConstraints(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	t.log.Info("tracking model built",
		zap.Int("frames", lin.NumFrames()),
		zap.Int("hypotheses", t.stats.Hypotheses),
		zap.Int("assignments", t.stats.Assignments()),
		zap.Int("over_cutoff", t.stats.OverCutoff),
		zap.Int("constraints", s.NumConstraints()),
		zap.Duration("elapsed", time.Since(start)))
	return t, nil
}

// Stats returns what the build created.
func (t *Tracker) Stats() BuildStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// NumFrames returns the number of time steps.
func (t *Tracker) NumFrames() int { return t.g.numFrames() }

// Lineage returns the segmentation forests the tracker was built from.
func (t *Tracker) Lineage() *segtree.Lineage { return t.lineage }

// Solver returns the underlying solver.
func (t *Tracker) Solver() solver.Solver { return t.solver }

// SetSolverOptions replaces the options applied before the next solve.
func (t *Tracker) SetSolverOptions(opts solver.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.opts.Solver = opts
	t.mu.Unlock()
	return nil
}

// Solve optimises the current model and returns the solver status.
// Pruning flags are recomputed from the new solution.
func (t *Tracker) Solve(ctx context.Context) (solver.Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.solveLocked(ctx)
}

func (t *Tracker) solveLocked(ctx context.Context) (solver.Status, error) {
	if err := t.solver.SetOptions(t.opts.Solver); err != nil {
		return t.status, fmt.Errorf("configuring solver: %w", err)
	}

	start := time.Now()
	status, err := t.solver.Optimize(ctx)
	t.elapsed = time.Since(start)
	if err != nil {
		t.log.Error("optimization failed", zap.Error(err))
		return t.status, fmt.Errorf("optimizing: %w", err)
	}
	t.status = status
	t.refreshPruning()

	fields := []zap.Field{
		zap.Stringer("status", status),
		zap.Duration("elapsed", t.elapsed),
	}
	if obj, err := t.solver.ObjectiveValue(); err == nil {
		fields = append(fields, zap.Float64("objective", obj))
	}
	if status == solver.Optimal {
		t.log.Info("solve finished", fields...)
	} else {
		t.log.Warn("solve finished without proven optimum", fields...)
	}
	return status, nil
}

// Status returns the status of the most recent solve.
func (t *Tracker) Status() solver.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// LastSolveDuration returns the wall time of the most recent solve.
func (t *Tracker) LastSolveDuration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.elapsed
}

// Objective returns the objective value of the current solution.
func (t *Tracker) Objective() (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	obj, err := t.solver.ObjectiveValue()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNotSolved, err)
	}
	return obj, nil
}

// IsActive reports whether the assignment is selected in the current
// solution. Unknown assignments and unreadable solver state yield false.
func (t *Tracker) IsActive(id AssignmentID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.g.validAssignment(id) {
		return false
	}
	return t.isActive(id)
}

func (t *Tracker) isActive(id AssignmentID) bool {
	v, err := t.solver.Value(t.g.assignment(id).Var)
	if err != nil {
		t.log.Debug("assignment state not determinable",
			zap.Int("assignment", int(id)), zap.Error(err))
		return false
	}
	return v > 0.5
}

func (t *Tracker) hasSolution() bool {
	_, err := t.solver.ObjectiveValue()
	return err == nil
}

func (t *Tracker) checkTime(ti int) error {
	if ti < 0 || ti >= t.g.numFrames() {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrTimeOutOfRange, ti, t.g.numFrames())
	}
	return nil
}

func (t *Tracker) checkHyp(id HypothesisID) error {
	if !t.g.validHyp(id) {
		return fmt.Errorf("%w: %d", ErrUnknownHypothesis, id)
	}
	return nil
}

func (t *Tracker) checkAssignment(id AssignmentID) error {
	if !t.g.validAssignment(id) {
		return fmt.Errorf("%w: %d", ErrUnknownAssignment, id)
	}
	return nil
}

// rightTerms returns one unit term per right-neighborhood variable of h.
func (t *Tracker) rightTerms(h HypothesisID) []solver.Term {
	right := t.g.right[h]
	terms := make([]solver.Term, 0, len(right))
	for _, a := range right {
		terms = append(terms, solver.Term{Var: t.g.assignment(a).Var, Coef: 1})
	}
	return terms
}
