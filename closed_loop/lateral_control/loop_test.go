package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpc-path-tracker/utils"
)

type recordingEmitter struct {
	steers  []SteerMessage
	manuals int
	err     error
}

func (e *recordingEmitter) EmitSteer(_ context.Context, msg SteerMessage) error {
	if e.err != nil {
		return e.err
	}
	e.steers = append(e.steers, msg)
	return nil
}

func (e *recordingEmitter) EmitManual(context.Context) error {
	if e.err != nil {
		return e.err
	}
	e.manuals++
	return nil
}

type reportCollector struct {
	reports []CycleReport
}

func (c *reportCollector) ObserveCycle(r CycleReport) { c.reports = append(c.reports, r) }

func straightTelemetry() Telemetry {
	return Telemetry{
		PtsX:  []float64{10, 20, 30, 40},
		PtsY:  []float64{0, 0, 0, 0},
		Speed: 20,
	}
}

func newTestLoop(cfg *MPCConfig, opt Optimizer, em Emitter, opts ...LoopOption) *ControlLoop {
	return NewControlLoop(cfg, opt, em, utils.NewLogger(nil, utils.INFO), opts...)
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    LoopState
		on      Outcome
		want    LoopState
		wantErr bool
	}{
		{StateAwaitingTelemetry, OutcomeTelemetry, StateBuildingProblem, false},
		{StateBuildingProblem, OutcomeBuilt, StateSolving, false},
		{StateSolving, OutcomeSolved, StateEmitting, false},
		{StateEmitting, OutcomeEmitted, StateAwaitingTelemetry, false},
		{StateBuildingProblem, OutcomeFailed, StateAwaitingTelemetry, false},
		{StateSolving, OutcomeFailed, StateAwaitingTelemetry, false},
		{StateEmitting, OutcomeFailed, StateAwaitingTelemetry, false},
		{StateSolving, OutcomeDisconnected, StateDisconnected, false},
		{StateAwaitingTelemetry, OutcomeDisconnected, StateDisconnected, false},
		{StateDisconnected, OutcomeTelemetry, StateDisconnected, false},
		{StateDisconnected, OutcomeFailed, StateDisconnected, false},
		{StateAwaitingTelemetry, OutcomeSolved, StateAwaitingTelemetry, true},
		{StateSolving, OutcomeTelemetry, StateSolving, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.from, tt.on), func(t *testing.T) {
			got, err := Transition(tt.from, tt.on)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTelemetryValidate(t *testing.T) {
	assert.NoError(t, straightTelemetry().Validate())

	bad := map[string]Telemetry{
		"empty":    {Speed: 1},
		"mismatch": {PtsX: []float64{1, 2}, PtsY: []float64{1}},
		"nan pose": {PtsX: []float64{1}, PtsY: []float64{1}, Psi: math.NaN()},
		"inf wp":   {PtsX: []float64{math.Inf(1)}, PtsY: []float64{1}},
	}
	for name, tel := range bad {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, tel.Validate(), ErrMalformedTelemetry)
		})
	}
}

func TestHandleTelemetryEmitsCommand(t *testing.T) {
	cfg := testConfig()
	em := &recordingEmitter{}
	loop := newTestLoop(cfg, planOptimizer{delta: 0.1, accel: 0.5}, em)

	msg, err := loop.HandleTelemetry(context.Background(), straightTelemetry())
	require.NoError(t, err)
	require.Len(t, em.steers, 1)
	assert.Equal(t, *msg, em.steers[0])

	// Solver convention is negated on the way out.
	assert.InDelta(t, -0.1, msg.SteeringAngle, 1e-12)
	assert.InDelta(t, 0.5, msg.Throttle, 1e-12)
	assert.Len(t, msg.MpcX, cfg.HorizonSteps-1)
	assert.Len(t, msg.MpcY, cfg.HorizonSteps-1)
	assert.Equal(t, []float64{10, 20, 30, 40}, msg.NextX)
	assert.Equal(t, StateAwaitingTelemetry, loop.State())

	cmd, ok := loop.LastCommand()
	require.True(t, ok)
	assert.Equal(t, ActuatorCommand{Steering: 0.1, Throttle: 0.5}, cmd)
}

func TestHandleTelemetryNormalizesSteering(t *testing.T) {
	cfg := testConfig()
	cfg.NormalizeSteering = true
	em := &recordingEmitter{}
	loop := newTestLoop(cfg, planOptimizer{delta: cfg.MaxSteerRad() / 2}, em)

	msg, err := loop.HandleTelemetry(context.Background(), straightTelemetry())
	require.NoError(t, err)
	assert.InDelta(t, -0.5, msg.SteeringAngle, 1e-12)
}

func TestLatencyCompensationSkippedOnFirstCycle(t *testing.T) {
	cfg := testConfig()
	obs := &reportCollector{}
	loop := newTestLoop(cfg, planOptimizer{delta: 0.05, accel: 1}, &recordingEmitter{}, WithObserver(obs))

	for i := 0; i < 2; i++ {
		_, err := loop.HandleTelemetry(context.Background(), straightTelemetry())
		require.NoError(t, err)
	}
	require.Len(t, obs.reports, 2)

	first, second := obs.reports[0], obs.reports[1]
	assert.Equal(t, first.Measured, first.Initial)
	assert.NotEqual(t, second.Measured, second.Initial)
	assert.InDelta(t, 2.0, second.Initial.X, 1e-12)
	assert.InDelta(t, 20.1, second.Initial.V, 1e-12)
	assert.Equal(t, uint64(2), loop.Cycles())
}

func TestWarmStartIsShiftedPlan(t *testing.T) {
	cfg := testConfig()
	var guesses []*ActuatorPlan
	build := func(cfg *MPCConfig, s VehicleState, poly Polynomial, guess *ActuatorPlan) (*Problem, error) {
		guesses = append(guesses, guess)
		return BuildProblem(cfg, s, poly, guess)
	}
	loop := newTestLoop(cfg, planOptimizer{delta: 0.02, accel: 0.3}, &recordingEmitter{},
		WithStages(Stages{Build: build}))

	for i := 0; i < 2; i++ {
		_, err := loop.HandleTelemetry(context.Background(), straightTelemetry())
		require.NoError(t, err)
	}
	require.Len(t, guesses, 2)
	assert.Nil(t, guesses[0])
	require.NotNil(t, guesses[1])
	assert.Len(t, guesses[1].Deltas, cfg.HorizonSteps-1)
	assert.InDelta(t, 0.3, guesses[1].Accels[0], 1e-12)
}

func TestStageFailuresWithholdCommand(t *testing.T) {
	tests := map[string]struct {
		stages   Stages
		opt      Optimizer
		kind     error
		failedIn LoopState
	}{
		"degenerate fit": {
			stages: Stages{Fit: func(VehicleFrame, []float64, []float64) (ReferencePath, error) {
				return ReferencePath{}, ErrDegenerateFit
			}},
			opt:      planOptimizer{},
			kind:     ErrDegenerateFit,
			failedIn: StateBuildingProblem,
		},
		"non-convergence": {
			opt:      &stubOptimizer{sol: Solution{Status: StatusIterationLimit}},
			kind:     ErrSolverNonConvergence,
			failedIn: StateSolving,
		},
		"internal failure": {
			opt:      &stubOptimizer{err: errors.New("boom")},
			kind:     ErrSolverInternalFailure,
			failedIn: StateSolving,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			em := &recordingEmitter{}
			obs := &reportCollector{}
			loop := newTestLoop(testConfig(), tt.opt, em, WithStages(tt.stages), WithObserver(obs))

			msg, err := loop.HandleTelemetry(context.Background(), straightTelemetry())
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, tt.kind)
			assert.Empty(t, em.steers)
			assert.Equal(t, StateAwaitingTelemetry, loop.State())

			_, ok := loop.LastCommand()
			assert.False(t, ok)

			require.Len(t, obs.reports, 1)
			assert.Equal(t, tt.failedIn, obs.reports[0].FailedIn)
			assert.Nil(t, obs.reports[0].Command)
		})
	}
}

func TestFailureKeepsPreviousCommand(t *testing.T) {
	cfg := testConfig()
	em := &recordingEmitter{}
	fail := false
	solve := func(ctx context.Context, opt Optimizer, p *Problem) (*Plan, error) {
		if fail {
			return nil, &SolverError{Kind: ErrSolverNonConvergence, Status: StatusIterationLimit}
		}
		return Solve(ctx, opt, p)
	}
	loop := newTestLoop(cfg, planOptimizer{delta: 0.1, accel: 0.2}, em, WithStages(Stages{Solve: solve}))

	_, err := loop.HandleTelemetry(context.Background(), straightTelemetry())
	require.NoError(t, err)
	fail = true
	_, err = loop.HandleTelemetry(context.Background(), straightTelemetry())
	require.Error(t, err)

	assert.Len(t, em.steers, 1)
	cmd, ok := loop.LastCommand()
	require.True(t, ok)
	assert.Equal(t, ActuatorCommand{Steering: 0.1, Throttle: 0.2}, cmd)
}

func TestMalformedTelemetry(t *testing.T) {
	em := &recordingEmitter{}
	loop := newTestLoop(testConfig(), planOptimizer{}, em)

	tel := straightTelemetry()
	tel.PtsY = tel.PtsY[:2]
	_, err := loop.HandleTelemetry(context.Background(), tel)
	assert.ErrorIs(t, err, ErrMalformedTelemetry)
	assert.Empty(t, em.steers)
	assert.Equal(t, StateAwaitingTelemetry, loop.State())
}

func TestDisconnectIsTerminal(t *testing.T) {
	em := &recordingEmitter{err: fmt.Errorf("write: %w", ErrDisconnected)}
	loop := newTestLoop(testConfig(), planOptimizer{}, em)

	_, err := loop.HandleTelemetry(context.Background(), straightTelemetry())
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, StateDisconnected, loop.State())

	_, err = loop.HandleTelemetry(context.Background(), straightTelemetry())
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, loop.HandleManual(context.Background()), ErrDisconnected)
	assert.Equal(t, uint64(1), loop.Cycles())
}

func TestExplicitDisconnect(t *testing.T) {
	loop := newTestLoop(testConfig(), planOptimizer{}, &recordingEmitter{})
	loop.Disconnect()
	assert.Equal(t, StateDisconnected, loop.State())
	_, err := loop.HandleTelemetry(context.Background(), straightTelemetry())
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestHandleManual(t *testing.T) {
	em := &recordingEmitter{}
	loop := newTestLoop(testConfig(), planOptimizer{}, em)

	require.NoError(t, loop.HandleManual(context.Background()))
	assert.Equal(t, 1, em.manuals)
	assert.Equal(t, StateAwaitingTelemetry, loop.State())
	assert.Equal(t, uint64(0), loop.Cycles())
}

func TestNoteIssuedFeedsLatencyCompensation(t *testing.T) {
	cfg := testConfig()
	obs := &reportCollector{}
	loop := newTestLoop(cfg, planOptimizer{delta: 0.05, accel: 1}, &recordingEmitter{}, WithObserver(obs))

	_, err := loop.HandleTelemetry(context.Background(), straightTelemetry())
	require.NoError(t, err)

	// The transport braked instead of sending the MPC command.
	loop.NoteIssued(ActuatorCommand{Throttle: -1})
	cmd, ok := loop.LastCommand()
	require.True(t, ok)
	assert.Equal(t, ActuatorCommand{Throttle: -1}, cmd)

	_, err = loop.HandleTelemetry(context.Background(), straightTelemetry())
	require.NoError(t, err)
	require.Len(t, obs.reports, 2)
	assert.InDelta(t, 19.9, obs.reports[1].Initial.V, 1e-12)
	assert.InDelta(t, 0.0, obs.reports[1].Initial.Psi, 1e-12)

	loop.Disconnect()
	loop.NoteIssued(ActuatorCommand{Throttle: 1})
	cmd, _ = loop.LastCommand()
	assert.Equal(t, -1.0, cmd.Throttle)
}

func TestCommandFromSteerInvertsEmit(t *testing.T) {
	for _, normalize := range []bool{false, true} {
		t.Run(fmt.Sprintf("normalize=%t", normalize), func(t *testing.T) {
			cfg := testConfig()
			cfg.NormalizeSteering = normalize
			loop := newTestLoop(cfg, planOptimizer{delta: 0.2, accel: -0.4}, &recordingEmitter{})

			msg, err := loop.HandleTelemetry(context.Background(), straightTelemetry())
			require.NoError(t, err)
			got := cfg.CommandFromSteer(*msg)
			assert.InDelta(t, 0.2, got.Steering, 1e-12)
			assert.InDelta(t, -0.4, got.Throttle, 1e-12)
		})
	}
}

// curvedTelemetry places waypoints on y = offset + curve*x^2 with the
// vehicle at the origin.
func curvedTelemetry(offset, curve, psi, speed float64) Telemetry {
	t := Telemetry{Psi: psi, Speed: speed}
	for x := 0.0; x <= 50; x += 10 {
		t.PtsX = append(t.PtsX, x)
		t.PtsY = append(t.PtsY, offset+curve*x*x)
	}
	return t
}

func TestControlLoopEmitsBoundedCommands(t *testing.T) {
	for _, normalize := range []bool{false, true} {
		t.Run(fmt.Sprintf("normalize=%t", normalize), func(t *testing.T) {
			cfg := testConfig()
			cfg.NormalizeSteering = normalize
			bound := cfg.MaxSteerRad()
			if normalize {
				bound = 1
			}
			rng := rand.New(rand.NewSource(7))

			const cases = 12
			emitted := 0
			for i := 0; i < cases; i++ {
				tel := curvedTelemetry(rng.Float64()*3-1.5, rng.Float64()*0.01-0.005, rng.Float64()*0.2-0.1, rng.Float64()*40)
				em := &recordingEmitter{}
				loop := newTestLoop(cfg, NewAugmentedLagrangian(cfg.Solver), em)

				msg, err := loop.HandleTelemetry(context.Background(), tel)
				if err != nil {
					assert.Empty(t, em.steers)
					continue
				}
				emitted++
				require.Len(t, em.steers, 1)
				assert.LessOrEqual(t, math.Abs(msg.SteeringAngle), bound)
				assert.LessOrEqual(t, math.Abs(msg.Throttle), 1.0)
			}
			assert.GreaterOrEqual(t, emitted, cases-1, "too few cycles emitted a command")
		})
	}
}

func TestControlLoopStraightLine(t *testing.T) {
	cfg := testConfig()
	loop := newTestLoop(cfg, NewAugmentedLagrangian(cfg.Solver), &recordingEmitter{})

	for i := 0; i < 4; i++ {
		msg, err := loop.HandleTelemetry(context.Background(), curvedTelemetry(0, 0, 0, 10))
		require.NoError(t, err)
		assert.Less(t, math.Abs(msg.SteeringAngle), 1e-3)
		assert.Greater(t, msg.Throttle, 0.0)
		for _, y := range msg.MpcY {
			assert.InDelta(t, 0.0, y, 1e-2)
		}
	}
}

func TestControlLoopSteersTowardOffsetPath(t *testing.T) {
	cfg := testConfig()
	loop := newTestLoop(cfg, NewAugmentedLagrangian(cfg.Solver), &recordingEmitter{})

	// Path 2 m to the left: the solver turns left, emitted with the
	// actuator's opposite sign.
	msg, err := loop.HandleTelemetry(context.Background(), curvedTelemetry(2, 0, 0, 10))
	require.NoError(t, err)
	assert.Less(t, msg.SteeringAngle, 0.0)
}
