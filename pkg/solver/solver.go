// Package solver defines the mixed-integer programming surface the tracker
// needs and ships an in-process implementation for binary models.
//
// The tracker only ever creates binary variables and linear constraints with
// a single relation, and minimises a linear objective. Any backend offering
// that can implement Solver; BranchAndBound is the built-in one.
//
// Example:
//
//	s := solver.NewBranchAndBound(solver.DefaultOptions())
//	x, _ := s.AddBinaryVar(0, 1, -1.0, "x")
//	y, _ := s.AddBinaryVar(0, 1, -2.0, "y")
//	s.AddConstraint([]solver.Term{{Var: x, Coef: 1}, {Var: y, Coef: 1}}, solver.LessEqual, 1, "pick_one")
//	status, err := s.Optimize(ctx)
//	// status == solver.Optimal, y == 1
package solver

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors.
var (
	ErrUnknownVariable   = errors.New("solver: unknown variable")
	ErrUnknownConstraint = errors.New("solver: unknown constraint")
	ErrNoSolution        = errors.New("solver: no solution available")
	ErrInvalidBounds     = errors.New("solver: invalid variable bounds")
	ErrInvalidOptions    = errors.New("solver: invalid options")
)

// VarID identifies a decision variable.
type VarID int

// ConstraintID identifies a constraint. IDs are never reused within one model.
type ConstraintID int

// Term is one coefficient-variable product of a linear expression.
type Term struct {
	Var  VarID
	Coef float64
}

// Relation is the comparison of a linear constraint.
type Relation int

const (
	LessEqual Relation = iota
	Equal
	GreaterEqual
)

func (r Relation) String() string {
	switch r {
	case LessEqual:
		return "<="
	case Equal:
		return "="
	case GreaterEqual:
		return ">="
	default:
		return "?"
	}
}

// Status is the outcome of the most recent optimisation.
type Status int

const (
	NeverRun Status = iota
	Optimal
	Infeasible
	Unbounded
	Suboptimal
	Numeric
	LimitReached
)

func (s Status) String() string {
	switch s {
	case NeverRun:
		return "NEVER_RUN"
	case Optimal:
		return "OPTIMAL"
	case Infeasible:
		return "INFEASIBLE"
	case Unbounded:
		return "UNBOUNDED"
	case Suboptimal:
		return "SUBOPTIMAL"
	case Numeric:
		return "NUMERIC"
	case LimitReached:
		return "LIMIT_REACHED"
	default:
		return "UNKNOWN"
	}
}

// Progress is a snapshot of a running optimisation.
type Progress struct {
	Nodes        int64
	Incumbent    float64
	HasIncumbent bool
	Elapsed      time.Duration
}

// ProgressFunc receives progress reports. It is called synchronously from
// the search loop and must return quickly.
type ProgressFunc func(Progress)

// Options configures an optimisation run.
type Options struct {
	// TimeLimit stops the search after the given wall time. Zero disables it.
	TimeLimit time.Duration

	// MIPGap is the relative optimality gap at which a branch counts as
	// explored. Zero demands a proven optimum.
	MIPGap float64

	// NodeLimit stops the search after visiting this many nodes. Zero disables it.
	NodeLimit int64

	// ProgressEvery is the number of nodes between periodic progress reports.
	ProgressEvery int64

	// Progress receives reports at every new incumbent and periodically.
	Progress ProgressFunc
}

// DefaultOptions returns options with no limits and a report every 1024 nodes.
func DefaultOptions() Options {
	return Options{ProgressEvery: 1024}
}

// Validate checks the options for impossible values.
func (o Options) Validate() error {
	if o.TimeLimit < 0 || o.MIPGap < 0 || o.NodeLimit < 0 || o.ProgressEvery < 0 {
		return ErrInvalidOptions
	}
	return nil
}

// Solver is a binary linear program being built and solved.
//
// Implementations must keep the last solution readable through Value until
// the next call to Optimize, even when constraints are added or removed in
// between.
type Solver interface {
	AddBinaryVar(lb, ub, obj float64, name string) (VarID, error)
	AddConstraint(terms []Term, rel Relation, rhs float64, name string) (ConstraintID, error)
	RemoveConstraint(id ConstraintID) error
	RHS(id ConstraintID) (float64, error)
	SetOptions(opts Options) error
	Optimize(ctx context.Context) (Status, error)
	Value(v VarID) (float64, error)
	ObjectiveValue() (float64, error)
	Status() Status
	NumVars() int
	NumConstraints() int
}
