package control

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"
)

// interiorMargin keeps the initial point of a boxed variable off its bounds,
// where the sine reparameterisation has a zero derivative.
const interiorMargin = 1e-3

type boundKind int

const (
	boundFree boundKind = iota
	boundBox
	boundLower
	boundUpper
)

// varMap maps an unconstrained inner variable z onto x within its bounds.
type varMap struct {
	index int
	kind  boundKind
	lo    float64
	hi    float64
}

func (v varMap) toX(z float64) float64 {
	switch v.kind {
	case boundBox:
		mid, half := (v.hi+v.lo)/2, (v.hi-v.lo)/2
		return mid + half*math.Sin(z)
	case boundLower:
		return v.lo + z*z
	case boundUpper:
		return v.hi - z*z
	default:
		return z
	}
}

// dxdz is the derivative of toX at z.
func (v varMap) dxdz(z float64) float64 {
	switch v.kind {
	case boundBox:
		return (v.hi - v.lo) / 2 * math.Cos(z)
	case boundLower:
		return 2 * z
	case boundUpper:
		return -2 * z
	default:
		return 1
	}
}

func (v varMap) toZ(x float64) float64 {
	switch v.kind {
	case boundBox:
		mid, half := (v.hi+v.lo)/2, (v.hi-v.lo)/2
		u := ClampFloat((x-mid)/half, -1+interiorMargin, 1-interiorMargin)
		return math.Asin(u)
	case boundLower:
		return math.Sqrt(math.Max(x-v.lo, interiorMargin))
	case boundUpper:
		return math.Sqrt(math.Max(v.hi-x, interiorMargin))
	default:
		return x
	}
}

// inequality row: sign*(g[row]-bound) <= 0.
type inequality struct {
	row   int
	bound float64
	sign  float64
}

// AugmentedLagrangian is a general-purpose Optimizer. Box bounds are
// removed by reparameterisation, fixed variables are eliminated, and the
// constraints are handled with Powell-Hestenes-Rockafellar multipliers around
// an L-BFGS inner solve. Gradients are exact for a DifferentiableNLP and
// central differences otherwise.
type AugmentedLagrangian struct {
	cfg SolverConfig

	// Method is the inner unconstrained method; nil means L-BFGS.
	Method optimize.Method
}

// NewAugmentedLagrangian creates an optimizer with the given limits.
func NewAugmentedLagrangian(cfg SolverConfig) *AugmentedLagrangian {
	return &AugmentedLagrangian{cfg: cfg}
}

func (al *AugmentedLagrangian) isInf(b float64) bool {
	return math.IsInf(b, 0) || math.Abs(b) >= al.cfg.Infinity
}

// Minimize solves p starting from its initial guess. Infeasible bounds and
// non-finite values are reported through the status; the error is for bad
// dimensions and cancellation.
func (al *AugmentedLagrangian) Minimize(ctx context.Context, p NLP) (Solution, error) {
	n, m := p.Dim(), p.NumConstraints()
	lo, hi := p.Bounds()
	glo, ghi := p.ConstraintBounds()
	x0 := p.InitialGuess()
	if len(lo) != n || len(hi) != n || len(x0) != n {
		return Solution{}, fmt.Errorf("bounds/initial guess length mismatch for %d variables", n)
	}
	if len(glo) != m || len(ghi) != m {
		return Solution{}, fmt.Errorf("constraint bounds length mismatch for %d constraints", m)
	}

	x := make([]float64, n)
	var vars []varMap
	for i := 0; i < n; i++ {
		loInf, hiInf := al.isInf(lo[i]), al.isInf(hi[i])
		switch {
		case !loInf && !hiInf && lo[i] > hi[i]:
			return Solution{Status: StatusInfeasible, X: x0}, nil
		case !loInf && !hiInf && lo[i] == hi[i]:
			x[i] = lo[i]
		case !loInf && !hiInf:
			vars = append(vars, varMap{index: i, kind: boundBox, lo: lo[i], hi: hi[i]})
		case !loInf:
			vars = append(vars, varMap{index: i, kind: boundLower, lo: lo[i]})
		case !hiInf:
			vars = append(vars, varMap{index: i, kind: boundUpper, hi: hi[i]})
		default:
			vars = append(vars, varMap{index: i, kind: boundFree})
		}
	}

	var eqRows []int
	var ineqs []inequality
	for j := 0; j < m; j++ {
		loInf, hiInf := al.isInf(glo[j]), al.isInf(ghi[j])
		switch {
		case !loInf && !hiInf && glo[j] > ghi[j]:
			return Solution{Status: StatusInfeasible, X: x0}, nil
		case !loInf && !hiInf && glo[j] == ghi[j]:
			eqRows = append(eqRows, j)
		default:
			if !loInf {
				ineqs = append(ineqs, inequality{row: j, bound: glo[j], sign: -1})
			}
			if !hiInf {
				ineqs = append(ineqs, inequality{row: j, bound: ghi[j], sign: 1})
			}
		}
	}

	z := make([]float64, len(vars))
	for k, v := range vars {
		z[k] = v.toZ(x0[v.index])
	}

	g := make([]float64, m)
	lamEq := make([]float64, len(eqRows))
	lamIn := make([]float64, len(ineqs))
	mu := al.cfg.InitialPenalty

	expand := func(z []float64) {
		for k, v := range vars {
			x[v.index] = v.toX(z[k])
		}
	}
	lagrangian := func(z []float64) float64 {
		expand(z)
		f := p.Cost(x)
		p.Constraints(g, x)
		for k, row := range eqRows {
			c := g[row] - glo[row]
			f += lamEq[k]*c + mu/2*c*c
		}
		for k, in := range ineqs {
			c := in.sign * (g[in.row] - in.bound)
			s := math.Max(0, lamIn[k]+mu*c)
			f += (s*s - lamIn[k]*lamIn[k]) / (2 * mu)
		}
		return f
	}
	violation := func() float64 {
		var worst float64
		for _, row := range eqRows {
			worst = math.Max(worst, math.Abs(g[row]-glo[row]))
		}
		for _, in := range ineqs {
			worst = math.Max(worst, in.sign*(g[in.row]-in.bound))
		}
		return worst
	}

	// Multiplier-weighted residuals: d(lagrangian)/dg for each row.
	weights := func(w []float64) {
		for i := range w {
			w[i] = 0
		}
		for k, row := range eqRows {
			w[row] += lamEq[k] + mu*(g[row]-glo[row])
		}
		for k, in := range ineqs {
			if s := lamIn[k] + mu*in.sign*(g[in.row]-in.bound); s > 0 {
				w[in.row] += in.sign * s
			}
		}
	}
	// lagrangian shares x and g, so the finite-difference path must stay
	// sequential.
	gradient := func(grad, z []float64) {
		fd.Gradient(grad, lagrangian, z, &fd.Settings{Formula: fd.Central})
	}
	if dp, ok := p.(DifferentiableNLP); ok {
		gx := make([]float64, n)
		w := make([]float64, m)
		gradient = func(grad, z []float64) {
			expand(z)
			p.Constraints(g, x)
			weights(w)
			dp.Gradient(gx, x)
			dp.AddJacobianTranspose(gx, w, x)
			for k, v := range vars {
				grad[k] = gx[v.index] * v.dxdz(z[k])
			}
		}
	}

	problem := optimize.Problem{
		Func: lagrangian,
		Grad: gradient,
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
	settings := &optimize.Settings{
		MajorIterations:   al.cfg.MaxInnerIterations,
		GradientThreshold: 1e-6,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 25,
		},
	}
	method := al.Method
	if method == nil {
		method = &optimize.LBFGS{}
	}

	finish := func(status SolveStatus, iters int) Solution {
		expand(z)
		out := append([]float64(nil), x...)
		p.Constraints(g, out)
		return Solution{
			Status:       status,
			X:            out,
			Cost:         p.Cost(out),
			Iterations:   iters,
			MaxViolation: violation(),
		}
	}

	expand(z)
	p.Constraints(g, x)
	if !allFinite(g) || !finite(p.Cost(x)) {
		return finish(StatusNumericalFailure, 0), nil
	}
	prevViolation := violation()
	iterations := 0

	for outer := 0; outer < al.cfg.MaxOuterIterations; outer++ {
		if len(z) > 0 {
			res, err := optimize.Minimize(problem, z, settings, method)
			if err := ctx.Err(); err != nil {
				return Solution{}, err
			}
			if res == nil {
				return Solution{}, fmt.Errorf("inner solve: %w", err)
			}
			iterations += res.Stats.MajorIterations
			if !allFinite(res.X) {
				return finish(StatusNumericalFailure, iterations), nil
			}
			copy(z, res.X)
		}

		expand(z)
		p.Constraints(g, x)
		if !allFinite(g) || !finite(p.Cost(x)) {
			return finish(StatusNumericalFailure, iterations), nil
		}
		v := violation()
		if v <= al.cfg.ConstraintTolerance {
			return finish(StatusConverged, iterations), nil
		}

		for k, row := range eqRows {
			lamEq[k] += mu * (g[row] - glo[row])
		}
		for k, in := range ineqs {
			lamIn[k] = math.Max(0, lamIn[k]+mu*in.sign*(g[in.row]-in.bound))
		}
		if v > 0.25*prevViolation {
			mu = math.Min(mu*al.cfg.PenaltyGrowth, al.cfg.MaxPenalty)
		}
		prevViolation = v
	}
	return finish(StatusIterationLimit, iterations), nil
}
