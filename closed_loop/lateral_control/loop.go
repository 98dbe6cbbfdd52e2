package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mpc-path-tracker/utils"
)

// LoopState is the per-session control loop state.
type LoopState string

const (
	StateAwaitingTelemetry LoopState = "awaiting_telemetry"
	StateBuildingProblem   LoopState = "building_problem"
	StateSolving           LoopState = "solving"
	StateEmitting          LoopState = "emitting"
	StateDisconnected      LoopState = "disconnected"
)

// Outcome drives a state transition.
type Outcome int

const (
	OutcomeTelemetry Outcome = iota
	OutcomeBuilt
	OutcomeSolved
	OutcomeEmitted
	OutcomeFailed
	OutcomeDisconnected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTelemetry:
		return "telemetry"
	case OutcomeBuilt:
		return "built"
	case OutcomeSolved:
		return "solved"
	case OutcomeEmitted:
		return "emitted"
	case OutcomeFailed:
		return "failed"
	case OutcomeDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Transition returns the state reached from s on outcome o. Disconnected is
// terminal; a failure anywhere returns to AwaitingTelemetry.
func Transition(s LoopState, o Outcome) (LoopState, error) {
	if s == StateDisconnected {
		return StateDisconnected, nil
	}
	switch o {
	case OutcomeDisconnected:
		return StateDisconnected, nil
	case OutcomeFailed:
		return StateAwaitingTelemetry, nil
	}
	switch {
	case s == StateAwaitingTelemetry && o == OutcomeTelemetry:
		return StateBuildingProblem, nil
	case s == StateBuildingProblem && o == OutcomeBuilt:
		return StateSolving, nil
	case s == StateSolving && o == OutcomeSolved:
		return StateEmitting, nil
	case s == StateEmitting && o == OutcomeEmitted:
		return StateAwaitingTelemetry, nil
	}
	return s, fmt.Errorf("invalid transition from %s on %s", s, o)
}

// Telemetry is one inbound measurement in map coordinates.
type Telemetry struct {
	PtsX  []float64 `json:"ptsx"`
	PtsY  []float64 `json:"ptsy"`
	X     float64   `json:"x"`
	Y     float64   `json:"y"`
	Psi   float64   `json:"psi"`
	Speed float64   `json:"speed"`
}

// Validate reports structurally unusable telemetry as ErrMalformedTelemetry.
func (t Telemetry) Validate() error {
	if len(t.PtsX) == 0 {
		return fmt.Errorf("%w: no waypoints", ErrMalformedTelemetry)
	}
	if len(t.PtsX) != len(t.PtsY) {
		return fmt.Errorf("%w: ptsx has %d points, ptsy has %d", ErrMalformedTelemetry, len(t.PtsX), len(t.PtsY))
	}
	if !allFinite(t.PtsX) || !allFinite(t.PtsY) || !allFinite([]float64{t.X, t.Y, t.Psi, t.Speed}) {
		return fmt.Errorf("%w: non-finite value", ErrMalformedTelemetry)
	}
	return nil
}

// Frame is the vehicle frame at the telemetry pose.
func (t Telemetry) Frame() VehicleFrame {
	return VehicleFrame{PX: t.X, PY: t.Y, Psi: t.Psi}
}

// SteerMessage is the outbound command plus the trajectories for display.
type SteerMessage struct {
	SteeringAngle float64   `json:"steering_angle"`
	Throttle      float64   `json:"throttle"`
	MpcX          []float64 `json:"mpc_x"`
	MpcY          []float64 `json:"mpc_y"`
	NextX         []float64 `json:"next_x"`
	NextY         []float64 `json:"next_y"`
}

// Emitter hands outbound messages to the transport. It returns
// ErrDisconnected (possibly wrapped) once the peer is gone.
type Emitter interface {
	EmitSteer(ctx context.Context, msg SteerMessage) error
	EmitManual(ctx context.Context) error
}

// Stages are the replaceable pipeline steps of one cycle.
type Stages struct {
	Fit   func(f VehicleFrame, ptsx, ptsy []float64) (ReferencePath, error)
	Build func(cfg *MPCConfig, s VehicleState, poly Polynomial, guess *ActuatorPlan) (*Problem, error)
	Solve func(ctx context.Context, opt Optimizer, p *Problem) (*Plan, error)
}

// DefaultStages is the production pipeline: FitReferencePath, BuildProblem
// and Solve.
func DefaultStages() Stages {
	return Stages{Fit: FitReferencePath, Build: BuildProblem, Solve: Solve}
}

// CycleReport summarises one telemetry cycle, successful or not.
type CycleReport struct {
	Cycle     uint64
	Started   time.Time
	Telemetry Telemetry
	Measured  VehicleState // from the fit, before latency compensation
	Initial   VehicleState // horizon start handed to the builder
	Steer     *SteerMessage
	Command   *ActuatorCommand // nil when the command was withheld
	Cost      float64
	FitTime   time.Duration
	SolveTime time.Duration
	FailedIn  LoopState
	Err       error
}

// CycleObserver receives a report after every cycle.
type CycleObserver interface {
	ObserveCycle(r CycleReport)
}

// LoopOption configures a ControlLoop at construction.
type LoopOption func(*ControlLoop)

// WithStages replaces the pipeline steps; zero fields keep the defaults.
func WithStages(s Stages) LoopOption {
	return func(l *ControlLoop) {
		if s.Fit != nil {
			l.stages.Fit = s.Fit
		}
		if s.Build != nil {
			l.stages.Build = s.Build
		}
		if s.Solve != nil {
			l.stages.Solve = s.Solve
		}
	}
}

// WithObserver reports every cycle to o.
func WithObserver(o CycleObserver) LoopOption {
	return func(l *ControlLoop) { l.observer = o }
}

// WithClock overrides time.Now for reports.
func WithClock(now func() time.Time) LoopOption {
	return func(l *ControlLoop) { l.now = now }
}

// ControlLoop runs the MPC pipeline for one vehicle session. It is not safe
// for concurrent use: the owner feeds it one message at a time.
type ControlLoop struct {
	cfg      *MPCConfig
	opt      Optimizer
	emitter  Emitter
	log      *utils.Logger
	stages   Stages
	observer CycleObserver
	now      func() time.Time

	state   LoopState
	cycle   uint64
	prevCmd *ActuatorCommand
	warm    *ActuatorPlan
}

// NewControlLoop creates a loop waiting for its first telemetry message.
func NewControlLoop(cfg *MPCConfig, opt Optimizer, em Emitter, log *utils.Logger, opts ...LoopOption) *ControlLoop {
	l := &ControlLoop{
		cfg:     cfg,
		opt:     opt,
		emitter: em,
		log:     log,
		stages:  DefaultStages(),
		now:     time.Now,
		state:   StateAwaitingTelemetry,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// State is the loop's current state.
func (l *ControlLoop) State() LoopState { return l.state }

// Cycles is the number of telemetry messages handled so far.
func (l *ControlLoop) Cycles() uint64 { return l.cycle }

// LastCommand is the last command actually issued, in solver convention.
func (l *ControlLoop) LastCommand() (ActuatorCommand, bool) {
	if l.prevCmd == nil {
		return ActuatorCommand{}, false
	}
	return *l.prevCmd, true
}

// NoteIssued records a command the transport sent on its own, such as a
// fallback reply, so the next cycle's latency compensation propagates with
// what the vehicle is actually executing. The warm start is left alone.
func (l *ControlLoop) NoteIssued(cmd ActuatorCommand) {
	if l.state == StateDisconnected {
		return
	}
	l.prevCmd = &cmd
}

// CommandFromSteer converts an emitted steer message back into a command in
// solver convention: the inverse of the emit conversion.
func (c *MPCConfig) CommandFromSteer(msg SteerMessage) ActuatorCommand {
	steer := -msg.SteeringAngle
	if c.NormalizeSteering {
		steer *= c.MaxSteerRad()
	}
	return ActuatorCommand{Steering: steer, Throttle: msg.Throttle}
}

// Disconnect moves the loop to its terminal state.
func (l *ControlLoop) Disconnect() {
	l.advance(OutcomeDisconnected)
}

func (l *ControlLoop) advance(o Outcome) {
	next, err := Transition(l.state, o)
	if err != nil {
		// Programming error in the pipeline ordering; recover to a known state.
		l.log.Error("%v", err)
		next = StateAwaitingTelemetry
	}
	l.log.Trace("state %s -> %s (%s)", l.state, next, o)
	l.state = next
}

// HandleManual answers a manual-driving event without touching MPC state.
func (l *ControlLoop) HandleManual(ctx context.Context) error {
	if l.state == StateDisconnected {
		return ErrDisconnected
	}
	if err := l.emitter.EmitManual(ctx); err != nil {
		if errors.Is(err, ErrDisconnected) {
			l.advance(OutcomeDisconnected)
		}
		return fmt.Errorf("emit manual: %w", err)
	}
	return nil
}

// HandleTelemetry runs one full cycle: fit, estimate, build, solve, emit.
// On failure the command is withheld, the previous one stays in effect and
// the loop is ready for the next message.
func (l *ControlLoop) HandleTelemetry(ctx context.Context, t Telemetry) (*SteerMessage, error) {
	if l.state == StateDisconnected {
		return nil, ErrDisconnected
	}
	l.cycle++
	report := CycleReport{Cycle: l.cycle, Started: l.now(), Telemetry: t}
	msg, err := l.runCycle(ctx, t, &report)
	if err != nil {
		report.FailedIn = l.state
		report.Err = err
		if errors.Is(err, ErrDisconnected) {
			l.advance(OutcomeDisconnected)
		} else {
			l.advance(OutcomeFailed)
		}
		l.log.Warn("cycle %d skipped in %s: %v", l.cycle, report.FailedIn, err)
	}
	if l.observer != nil {
		l.observer.ObserveCycle(report)
	}
	return msg, err
}

func (l *ControlLoop) runCycle(ctx context.Context, t Telemetry, report *CycleReport) (*SteerMessage, error) {
	l.advance(OutcomeTelemetry)

	if err := t.Validate(); err != nil {
		return nil, err
	}
	fitStart := l.now()
	ref, err := l.stages.Fit(t.Frame(), t.PtsX, t.PtsY)
	if err != nil {
		return nil, fmt.Errorf("fit reference: %w", err)
	}
	report.FitTime = l.now().Sub(fitStart)

	measured := EstimateState(ref, t.Speed)
	initial := CompensateLatency(measured, ref.Poly, l.prevCmd, l.cfg.LatencyDuration(), l.cfg.Lf)
	report.Measured, report.Initial = measured, initial

	problem, err := l.stages.Build(l.cfg, initial, ref.Poly, l.warm)
	if err != nil {
		return nil, fmt.Errorf("build problem: %w", err)
	}
	l.advance(OutcomeBuilt)

	solveStart := l.now()
	plan, err := l.stages.Solve(ctx, l.opt, problem)
	report.SolveTime = l.now().Sub(solveStart)
	if err != nil {
		l.warm = nil
		return nil, fmt.Errorf("solve: %w", err)
	}
	l.advance(OutcomeSolved)

	msg := l.steerMessage(plan, ref)
	if err := l.emitter.EmitSteer(ctx, msg); err != nil {
		return nil, fmt.Errorf("emit steer: %w", err)
	}
	l.advance(OutcomeEmitted)

	cmd := plan.Command()
	shifted := plan.Actuators.Shift()
	l.prevCmd, l.warm = &cmd, &shifted
	report.Steer, report.Command, report.Cost = &msg, &cmd, plan.Cost

	l.log.Debug("cycle %d cte=%.4f epsi=%.4f v=%.2f steer=%.4f throttle=%.4f cost=%.2f solve=%s",
		l.cycle, measured.CTE, measured.EPsi, measured.V, msg.SteeringAngle, msg.Throttle, plan.Cost, report.SolveTime)
	return &msg, nil
}

// steerMessage converts a plan into the actuator's convention: steering is
// negated (positive solver steering turns the other way on the actuator) and
// both outputs are clamped to their bounds.
func (l *ControlLoop) steerMessage(plan *Plan, ref ReferencePath) SteerMessage {
	steer := -plan.Steering
	bound := l.cfg.MaxSteerRad()
	if l.cfg.NormalizeSteering {
		steer /= bound
		bound = 1
	}
	return SteerMessage{
		SteeringAngle: ClampFloat(steer, -bound, bound),
		Throttle:      ClampFloat(plan.Throttle, -l.cfg.MaxThrottle, l.cfg.MaxThrottle),
		MpcX:          append([]float64(nil), plan.PredX...),
		MpcY:          append([]float64(nil), plan.PredY...),
		NextX:         append([]float64(nil), ref.Xs...),
		NextY:         append([]float64(nil), ref.Ys...),
	}
}
