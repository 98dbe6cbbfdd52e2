package control

import (
	"fmt"
	"math"
)

const numStates = 6

// Layout indexes the flat decision vector: N copies of each state component
// followed by N-1 steering and N-1 acceleration values.
type Layout struct {
	N int
}

func (l Layout) X(t int) int     { return t }
func (l Layout) Y(t int) int     { return l.N + t }
func (l Layout) Psi(t int) int   { return 2*l.N + t }
func (l Layout) V(t int) int     { return 3*l.N + t }
func (l Layout) CTE(t int) int   { return 4*l.N + t }
func (l Layout) EPsi(t int) int  { return 5*l.N + t }
func (l Layout) Delta(t int) int { return numStates*l.N + t }
func (l Layout) A(t int) int     { return numStates*l.N + l.N - 1 + t }

// Len is the number of decision variables, 6N + 2(N-1).
func (l Layout) Len() int { return numStates*l.N + 2*(l.N-1) }

// NumConstraints is 6N: one initial-state row and N-1 dynamics rows per
// state component.
func (l Layout) NumConstraints() int { return numStates * l.N }

// state reads the state at step t out of x.
func (l Layout) state(x []float64, t int) VehicleState {
	return VehicleState{
		X: x[l.X(t)], Y: x[l.Y(t)], Psi: x[l.Psi(t)],
		V: x[l.V(t)], CTE: x[l.CTE(t)], EPsi: x[l.EPsi(t)],
	}
}

func (l Layout) setState(x []float64, t int, s VehicleState) {
	x[l.X(t)], x[l.Y(t)], x[l.Psi(t)] = s.X, s.Y, s.Psi
	x[l.V(t)], x[l.CTE(t)], x[l.EPsi(t)] = s.V, s.CTE, s.EPsi
}

// ActuatorPlan is a steering/acceleration sequence over the horizon.
type ActuatorPlan struct {
	Deltas []float64
	Accels []float64
}

// Shift drops the first actuator pair and repeats the last one, giving the
// warm start for the next cycle.
func (p ActuatorPlan) Shift() ActuatorPlan {
	shift := func(in []float64) []float64 {
		if len(in) == 0 {
			return nil
		}
		out := make([]float64, len(in))
		copy(out, in[1:])
		out[len(out)-1] = in[len(in)-1]
		return out
	}
	return ActuatorPlan{Deltas: shift(p.Deltas), Accels: shift(p.Accels)}
}

// Problem is the constrained NLP for one horizon. It is immutable once built.
type Problem struct {
	layout  Layout
	cfg     *MPCConfig
	state   VehicleState
	poly    Polynomial
	lower   []float64
	upper   []float64
	gLower  []float64
	gUpper  []float64
	initial []float64
}

// BuildProblem encodes the kinematic model, cost and bounds for a horizon
// starting at state. guess seeds the initial point; a nil or short guess is
// padded with zeros. The initial point is the model rollout of the guess, so
// it satisfies every equality constraint.
func BuildProblem(cfg *MPCConfig, state VehicleState, poly Polynomial, guess *ActuatorPlan) (*Problem, error) {
	if cfg.HorizonSteps < 3 {
		return nil, fmt.Errorf("horizon too short: %d", cfg.HorizonSteps)
	}
	if len(poly) == 0 || !allFinite(poly) {
		return nil, fmt.Errorf("%w: unusable reference polynomial", ErrDegenerateFit)
	}
	sv := state.Vector()
	if !allFinite(sv[:]) {
		return nil, fmt.Errorf("%w: non-finite initial state %+v", ErrMalformedTelemetry, state)
	}

	l := Layout{N: cfg.HorizonSteps}
	p := &Problem{
		layout: l,
		cfg:    cfg,
		state:  state,
		poly:   append(Polynomial(nil), poly...),
		lower:  make([]float64, l.Len()),
		upper:  make([]float64, l.Len()),
		gLower: make([]float64, l.NumConstraints()),
		gUpper: make([]float64, l.NumConstraints()),
	}

	inf := cfg.Solver.Infinity
	for i := 0; i < l.Delta(0); i++ {
		p.lower[i], p.upper[i] = -inf, inf
	}
	maxSteer := cfg.MaxSteerRad()
	for t := 0; t < l.N-1; t++ {
		p.lower[l.Delta(t)], p.upper[l.Delta(t)] = -maxSteer, maxSteer
		p.lower[l.A(t)], p.upper[l.A(t)] = -cfg.MaxThrottle, cfg.MaxThrottle
	}

	// Rows k*N pin the first copy of each state component; the rest are
	// dynamics defects that must vanish.
	for k := 0; k < numStates; k++ {
		p.gLower[k*l.N], p.gUpper[k*l.N] = sv[k], sv[k]
	}

	p.initial = p.rolloutGuess(guess)
	return p, nil
}

func (p *Problem) rolloutGuess(guess *ActuatorPlan) []float64 {
	l := p.layout
	deltas := make([]float64, l.N-1)
	accels := make([]float64, l.N-1)
	if guess != nil {
		copy(deltas, guess.Deltas)
		copy(accels, guess.Accels)
	}
	for t := range deltas {
		deltas[t] = ClampFloat(deltas[t], p.lower[l.Delta(t)], p.upper[l.Delta(t)])
		accels[t] = ClampFloat(accels[t], p.lower[l.A(t)], p.upper[l.A(t)])
	}

	x := make([]float64, l.Len())
	states := Rollout(p.state, deltas, accels, p.cfg.TimeStep, p.cfg.Lf, p.poly)
	for t, s := range states {
		l.setState(x, t, s)
	}
	for t := range deltas {
		x[l.Delta(t)] = deltas[t]
		x[l.A(t)] = accels[t]
	}
	return x
}

// Layout is the variable and constraint indexing of the problem.
func (p *Problem) Layout() Layout { return p.layout }

// State is the latency-compensated initial state the horizon starts from.
func (p *Problem) State() VehicleState { return p.state }

// Reference is the fitted path in the vehicle frame.
func (p *Problem) Reference() Polynomial { return p.poly }

// Dim is the number of decision variables.
func (p *Problem) Dim() int { return p.layout.Len() }

// NumConstraints is the number of constraint rows.
func (p *Problem) NumConstraints() int { return p.layout.NumConstraints() }

// Bounds returns copies of the variable bounds: states free, actuators boxed.
func (p *Problem) Bounds() (lower, upper []float64) {
	return append([]float64(nil), p.lower...), append([]float64(nil), p.upper...)
}

// ConstraintBounds returns copies of the row bounds. Every row is an
// equality: the initial state on the first row of each block, zero defects
// elsewhere.
func (p *Problem) ConstraintBounds() (lower, upper []float64) {
	return append([]float64(nil), p.gLower...), append([]float64(nil), p.gUpper...)
}

// InitialGuess returns a copy of the rolled-out starting point.
func (p *Problem) InitialGuess() []float64 {
	return append([]float64(nil), p.initial...)
}

// Cost is the weighted sum of tracking, actuator magnitude and actuator
// smoothness terms.
func (p *Problem) Cost(x []float64) float64 {
	l, w := p.layout, p.cfg.Weights
	var cost float64
	for t := 0; t < l.N; t++ {
		cte := x[l.CTE(t)]
		epsi := x[l.EPsi(t)]
		dv := x[l.V(t)] - p.cfg.ReferenceSpeed
		cost += w.CTE*cte*cte + w.EPsi*epsi*epsi + w.Velocity*dv*dv
	}
	for t := 0; t < l.N-1; t++ {
		d, a := x[l.Delta(t)], x[l.A(t)]
		cost += w.Steer*d*d + w.Throttle*a*a
	}
	for t := 0; t < l.N-2; t++ {
		dd := x[l.Delta(t+1)] - x[l.Delta(t)]
		da := x[l.A(t+1)] - x[l.A(t)]
		cost += w.SteerRate*dd*dd + w.ThrottleRate*da*da
	}
	return cost
}

// Constraints writes g(x): the first state copy for rows k*N and the
// dynamics defect state_{t+1} - update(state_t, actuator_t) otherwise.
func (p *Problem) Constraints(g, x []float64) {
	l := p.layout
	s := l.state(x, 0)
	sv := s.Vector()
	for k := 0; k < numStates; k++ {
		g[k*l.N] = sv[k]
	}
	for t := 0; t < l.N-1; t++ {
		next := KinematicStep(s, x[l.Delta(t)], x[l.A(t)], p.cfg.TimeStep, p.cfg.Lf, p.poly)
		s = l.state(x, t+1)
		have, want := s.Vector(), next.Vector()
		for k := 0; k < numStates; k++ {
			g[k*l.N+t+1] = have[k] - want[k]
		}
	}
}

// Gradient writes the gradient of Cost at x into grad.
func (p *Problem) Gradient(grad, x []float64) {
	l, w := p.layout, p.cfg.Weights
	for i := range grad {
		grad[i] = 0
	}
	for t := 0; t < l.N; t++ {
		grad[l.CTE(t)] = 2 * w.CTE * x[l.CTE(t)]
		grad[l.EPsi(t)] = 2 * w.EPsi * x[l.EPsi(t)]
		grad[l.V(t)] = 2 * w.Velocity * (x[l.V(t)] - p.cfg.ReferenceSpeed)
	}
	for t := 0; t < l.N-1; t++ {
		grad[l.Delta(t)] = 2 * w.Steer * x[l.Delta(t)]
		grad[l.A(t)] = 2 * w.Throttle * x[l.A(t)]
	}
	for t := 0; t < l.N-2; t++ {
		dd := 2 * w.SteerRate * (x[l.Delta(t+1)] - x[l.Delta(t)])
		da := 2 * w.ThrottleRate * (x[l.A(t+1)] - x[l.A(t)])
		grad[l.Delta(t+1)] += dd
		grad[l.Delta(t)] -= dd
		grad[l.A(t+1)] += da
		grad[l.A(t)] -= da
	}
}

// AddJacobianTranspose adds J(x)ᵀw to grad. Each dynamics row touches the
// state at t+1, the state at t and the actuators at t.
func (p *Problem) AddJacobianTranspose(grad, w, x []float64) {
	l := p.layout
	dt, lf := p.cfg.TimeStep, p.cfg.Lf
	for k := 0; k < numStates; k++ {
		grad[k*l.N] += w[k*l.N]
	}
	for t := 0; t < l.N-1; t++ {
		wx, wy, wpsi := w[l.X(t+1)], w[l.Y(t+1)], w[l.Psi(t+1)]
		wv, wcte, wepsi := w[l.V(t+1)], w[l.CTE(t+1)], w[l.EPsi(t+1)]

		// +1 on the state at t+1.
		grad[l.X(t+1)] += wx
		grad[l.Y(t+1)] += wy
		grad[l.Psi(t+1)] += wpsi
		grad[l.V(t+1)] += wv
		grad[l.CTE(t+1)] += wcte
		grad[l.EPsi(t+1)] += wepsi

		// Minus the partials of KinematicStep.
		px, psi, v, epsi := x[l.X(t)], x[l.Psi(t)], x[l.V(t)], x[l.EPsi(t)]
		delta := x[l.Delta(t)]
		sinPsi, cosPsi := math.Sincos(psi)
		sinE, cosE := math.Sincos(epsi)
		d1 := p.poly.Derivative(px)
		dPsiDes := p.poly.SecondDerivative(px) / (1 + d1*d1)

		grad[l.X(t)] -= wx + wcte*d1 - wepsi*dPsiDes
		grad[l.Y(t)] -= wy - wcte
		grad[l.Psi(t)] -= -wx*v*sinPsi*dt + wy*v*cosPsi*dt + wpsi + wepsi
		grad[l.V(t)] -= wx*cosPsi*dt + wy*sinPsi*dt + (wpsi+wepsi)*delta/lf*dt + wv + wcte*sinE*dt
		grad[l.EPsi(t)] -= wcte * v * cosE * dt
		grad[l.Delta(t)] -= (wpsi + wepsi) * v / lf * dt
		grad[l.A(t)] -= wv * dt
	}
}
