package control

import (
	"context"
	"fmt"
	"math"
)

// NLP is the optimizer's view of a problem: minimise Cost(x) subject to
// lower <= x <= upper and gLower <= g(x) <= gUpper.
type NLP interface {
	Dim() int
	NumConstraints() int
	Bounds() (lower, upper []float64)
	ConstraintBounds() (lower, upper []float64)
	InitialGuess() []float64
	Cost(x []float64) float64
	Constraints(g, x []float64)
}

// DifferentiableNLP is an NLP with exact first derivatives. Optimizers use
// them when available instead of finite differences.
type DifferentiableNLP interface {
	NLP
	// Gradient writes the cost gradient at x into grad.
	Gradient(grad, x []float64)
	// AddJacobianTranspose adds J(x)ᵀw to grad, J being the constraint
	// Jacobian.
	AddJacobianTranspose(grad, w, x []float64)
}

// Optimizer is any constrained nonlinear solver. Implementations report
// non-convergence through Solution.Status, not through the error, which is
// reserved for failures to run at all.
type Optimizer interface {
	Minimize(ctx context.Context, p NLP) (Solution, error)
}

// SolveStatus is the optimizer's verdict on a run.
type SolveStatus int

const (
	StatusConverged SolveStatus = iota
	StatusIterationLimit
	StatusInfeasible
	StatusNumericalFailure
)

func (s SolveStatus) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusIterationLimit:
		return "iteration_limit"
	case StatusInfeasible:
		return "infeasible"
	case StatusNumericalFailure:
		return "numerical_failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Solution is the raw optimizer output.
type Solution struct {
	Status       SolveStatus
	X            []float64
	Cost         float64
	Iterations   int
	MaxViolation float64
}

// Plan is the unpacked horizon solution. It lives for one cycle; only the
// first actuator pair, the predicted trajectory and the actuator sequence
// (for warm starting) are kept.
type Plan struct {
	Steering float64
	Throttle float64

	// PredX/PredY are the predicted positions for t = 1..N-1.
	PredX []float64
	PredY []float64

	Actuators ActuatorPlan
	Cost      float64
	Status    SolveStatus
}

// Command is the first actuator pair of the plan.
func (p *Plan) Command() ActuatorCommand {
	return ActuatorCommand{Steering: p.Steering, Throttle: p.Throttle}
}

// Solve runs opt on the problem and validates the result. A solution that
// did not converge, or that carries non-finite values anywhere, is never
// unpacked into a command.
func Solve(ctx context.Context, opt Optimizer, p *Problem) (*Plan, error) {
	sol, err := opt.Minimize(ctx, p)
	if err != nil {
		return nil, &SolverError{Kind: ErrSolverInternalFailure, Status: StatusNumericalFailure, Detail: err.Error()}
	}
	if sol.Status == StatusNumericalFailure {
		return nil, &SolverError{Kind: ErrSolverInternalFailure, Status: sol.Status,
			Iterations: sol.Iterations, Violation: sol.MaxViolation}
	}
	if sol.Status != StatusConverged {
		return nil, &SolverError{Kind: ErrSolverNonConvergence, Status: sol.Status,
			Iterations: sol.Iterations, Violation: sol.MaxViolation}
	}

	l := p.Layout()
	if len(sol.X) != l.Len() {
		return nil, &SolverError{Kind: ErrSolverInternalFailure, Status: sol.Status,
			Iterations: sol.Iterations,
			Detail:     fmt.Sprintf("solution has %d values, want %d", len(sol.X), l.Len())}
	}
	g := make([]float64, l.NumConstraints())
	p.Constraints(g, sol.X)
	cost := p.Cost(sol.X)
	if !allFinite(sol.X) || !allFinite(g) || !finite(cost) {
		return nil, &SolverError{Kind: ErrSolverInternalFailure, Status: StatusNumericalFailure,
			Iterations: sol.Iterations, Detail: "non-finite solution, cost or constraint residual"}
	}
	if v := MaxViolation(p, g, sol.X); v > p.cfg.Solver.ConstraintTolerance*10 {
		return nil, &SolverError{Kind: ErrSolverNonConvergence, Status: StatusInfeasible,
			Iterations: sol.Iterations, Violation: v, Detail: "reported converged but constraints violated"}
	}

	plan := &Plan{
		Steering: sol.X[l.Delta(0)],
		Throttle: sol.X[l.A(0)],
		PredX:    make([]float64, 0, l.N-1),
		PredY:    make([]float64, 0, l.N-1),
		Actuators: ActuatorPlan{
			Deltas: append([]float64(nil), sol.X[l.Delta(0):l.Delta(0)+l.N-1]...),
			Accels: append([]float64(nil), sol.X[l.A(0):l.A(0)+l.N-1]...),
		},
		Cost:   cost,
		Status: sol.Status,
	}
	for t := 1; t < l.N; t++ {
		plan.PredX = append(plan.PredX, sol.X[l.X(t)])
		plan.PredY = append(plan.PredY, sol.X[l.Y(t)])
	}
	return plan, nil
}

// MaxViolation is the largest bound or constraint violation of x, given the
// constraint values g = g(x).
func MaxViolation(p NLP, g, x []float64) float64 {
	lo, hi := p.Bounds()
	glo, ghi := p.ConstraintBounds()
	var worst float64
	for i, v := range x {
		worst = math.Max(worst, math.Max(lo[i]-v, v-hi[i]))
	}
	for i, v := range g {
		worst = math.Max(worst, math.Max(glo[i]-v, v-ghi[i]))
	}
	return worst
}
