package control

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcNLP is a small hand-written problem for exercising the optimizer.
type funcNLP struct {
	lo, hi   []float64
	glo, ghi []float64
	x0       []float64
	cost     func(x []float64) float64
	cons     func(g, x []float64)
}

func (f *funcNLP) Dim() int                                 { return len(f.x0) }
func (f *funcNLP) NumConstraints() int                      { return len(f.glo) }
func (f *funcNLP) Bounds() ([]float64, []float64)           { return f.lo, f.hi }
func (f *funcNLP) ConstraintBounds() ([]float64, []float64) { return f.glo, f.ghi }
func (f *funcNLP) InitialGuess() []float64                  { return append([]float64(nil), f.x0...) }
func (f *funcNLP) Cost(x []float64) float64                 { return f.cost(x) }
func (f *funcNLP) Constraints(g, x []float64) {
	if f.cons != nil {
		f.cons(g, x)
	}
}

const inf = 1e19

func TestAugmentedLagrangianBoxBound(t *testing.T) {
	// min (x-2)^2 + (y+3)^2 with x in [0, 1], y free.
	p := &funcNLP{
		lo: []float64{0, -inf}, hi: []float64{1, inf},
		x0:   []float64{0.5, 0},
		cost: func(x []float64) float64 { return (x[0]-2)*(x[0]-2) + (x[1]+3)*(x[1]+3) },
	}
	sol, err := NewAugmentedLagrangian(DefaultSolverConfig()).Minimize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, sol.Status)
	assert.InDelta(t, 1.0, sol.X[0], 1e-4)
	assert.InDelta(t, -3.0, sol.X[1], 1e-4)
}

func TestAugmentedLagrangianEquality(t *testing.T) {
	// min x^2 + y^2 subject to x + y = 1.
	p := &funcNLP{
		lo: []float64{-inf, -inf}, hi: []float64{inf, inf},
		glo: []float64{1}, ghi: []float64{1},
		x0:   []float64{0, 0},
		cost: func(x []float64) float64 { return x[0]*x[0] + x[1]*x[1] },
		cons: func(g, x []float64) { g[0] = x[0] + x[1] },
	}
	sol, err := NewAugmentedLagrangian(DefaultSolverConfig()).Minimize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, sol.Status)
	assert.InDelta(t, 0.5, sol.X[0], 1e-3)
	assert.InDelta(t, 0.5, sol.X[1], 1e-3)
	assert.LessOrEqual(t, sol.MaxViolation, 1e-4)
}

func TestAugmentedLagrangianInequalityAndLowerBound(t *testing.T) {
	// min (x-3)^2 + (y-3)^2 subject to x + y <= 2, y >= 0.5.
	p := &funcNLP{
		lo: []float64{-inf, 0.5}, hi: []float64{inf, inf},
		glo: []float64{-inf}, ghi: []float64{2},
		x0:   []float64{0, 1},
		cost: func(x []float64) float64 { return (x[0]-3)*(x[0]-3) + (x[1]-3)*(x[1]-3) },
		cons: func(g, x []float64) { g[0] = x[0] + x[1] },
	}
	sol, err := NewAugmentedLagrangian(DefaultSolverConfig()).Minimize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, sol.Status)
	assert.InDelta(t, 1.0, sol.X[0], 1e-3)
	assert.InDelta(t, 1.0, sol.X[1], 1e-3)
}

func TestAugmentedLagrangianFixedVariable(t *testing.T) {
	p := &funcNLP{
		lo: []float64{4, -inf}, hi: []float64{4, inf},
		x0:   []float64{0, 0},
		cost: func(x []float64) float64 { return (x[1] - x[0]) * (x[1] - x[0]) },
	}
	sol, err := NewAugmentedLagrangian(DefaultSolverConfig()).Minimize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 4.0, sol.X[0])
	assert.InDelta(t, 4.0, sol.X[1], 1e-4)
}

func TestAugmentedLagrangianInvertedBounds(t *testing.T) {
	p := &funcNLP{
		lo: []float64{1}, hi: []float64{0},
		x0:   []float64{0},
		cost: func(x []float64) float64 { return x[0] },
	}
	sol, err := NewAugmentedLagrangian(DefaultSolverConfig()).Minimize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StatusInfeasible, sol.Status)
}

func TestAugmentedLagrangianNaNCost(t *testing.T) {
	p := &funcNLP{
		lo: []float64{-inf}, hi: []float64{inf},
		x0:   []float64{1},
		cost: func(x []float64) float64 { return math.NaN() },
	}
	sol, err := NewAugmentedLagrangian(DefaultSolverConfig()).Minimize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StatusNumericalFailure, sol.Status)
}

func TestAugmentedLagrangianCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &funcNLP{
		lo: []float64{-inf}, hi: []float64{inf},
		x0:   []float64{1},
		cost: func(x []float64) float64 { return x[0] * x[0] },
	}
	_, err := NewAugmentedLagrangian(DefaultSolverConfig()).Minimize(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSolveStraightLine(t *testing.T) {
	// Waypoints straight ahead, vehicle on the path and slower than the
	// reference speed: steer straight and accelerate.
	cfg := testConfig()
	ref, err := FitReferencePath(VehicleFrame{}, []float64{10, 20, 30, 40}, []float64{0, 0, 0, 0})
	require.NoError(t, err)

	p, err := BuildProblem(cfg, EstimateState(ref, 20), ref.Poly, nil)
	require.NoError(t, err)
	plan, err := Solve(context.Background(), NewAugmentedLagrangian(cfg.Solver), p)
	require.NoError(t, err)

	assert.Less(t, math.Abs(plan.Steering), 1e-3)
	assert.Greater(t, plan.Throttle, 0.0)
	assert.LessOrEqual(t, plan.Throttle, cfg.MaxThrottle)
	for _, y := range plan.PredY {
		assert.InDelta(t, 0.0, y, 1e-2)
	}
}

func TestSolveRespectsBounds(t *testing.T) {
	cfg := testConfig()
	opt := NewAugmentedLagrangian(cfg.Solver)
	rng := rand.New(rand.NewSource(11))
	maxSteer := cfg.MaxSteerRad()

	const cases = 10
	solved := 0
	for i := 0; i < cases; i++ {
		poly := Polynomial{rng.Float64()*4 - 2, rng.Float64()*0.4 - 0.2, rng.Float64()*0.01 - 0.005, 0}
		ref := ReferencePath{Poly: poly}
		p, err := BuildProblem(cfg, EstimateState(ref, rng.Float64()*30), poly, nil)
		require.NoError(t, err)

		plan, err := Solve(context.Background(), opt, p)
		if err != nil {
			// A solve may fail; it must then say why and emit nothing.
			var se *SolverError
			assert.ErrorAs(t, err, &se)
			assert.Nil(t, plan)
			continue
		}
		solved++
		for k := range plan.Actuators.Deltas {
			assert.LessOrEqual(t, math.Abs(plan.Actuators.Deltas[k]), maxSteer+1e-9)
			assert.LessOrEqual(t, math.Abs(plan.Actuators.Accels[k]), cfg.MaxThrottle+1e-9)
		}
	}
	assert.GreaterOrEqual(t, solved, cases-1, "too few solves succeeded")
}

// plainNLP hides a problem's derivatives so the optimizer falls back to
// finite differences.
type plainNLP struct{ NLP }

func curvedProblem(t testing.TB, cfg *MPCConfig) *Problem {
	t.Helper()
	ref, err := FitReferencePath(VehicleFrame{}, []float64{5, 15, 25, 35, 45}, []float64{1, 1.8, 3.2, 5.5, 8.4})
	require.NoError(t, err)
	p, err := BuildProblem(cfg, EstimateState(ref, 15), ref.Poly, nil)
	require.NoError(t, err)
	return p
}

func TestExactGradientMatchesFiniteDifferences(t *testing.T) {
	cfg := testConfig()
	p := curvedProblem(t, cfg)
	opt := NewAugmentedLagrangian(cfg.Solver)

	exact, err := opt.Minimize(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, StatusConverged, exact.Status)

	numeric, err := opt.Minimize(context.Background(), plainNLP{p})
	require.NoError(t, err)
	require.Equal(t, StatusConverged, numeric.Status)

	l := p.Layout()
	assert.InDelta(t, numeric.X[l.Delta(0)], exact.X[l.Delta(0)], 5e-3)
	assert.InDelta(t, numeric.X[l.A(0)], exact.X[l.A(0)], 1e-2)
	assert.InEpsilon(t, numeric.Cost, exact.Cost, 1e-2)
}

func TestSolveDefaultConfigWithinLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("timing")
	}
	cfg := testConfig()
	opt := NewAugmentedLagrangian(cfg.Solver)
	budget := cfg.LatencyDuration()

	durations := make([]time.Duration, 0, 5)
	for i := 0; i < 5; i++ {
		p := curvedProblem(t, cfg)
		start := time.Now()
		_, err := Solve(context.Background(), opt, p)
		durations = append(durations, time.Since(start))
		require.NoError(t, err)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	assert.Less(t, durations[len(durations)/2], budget, "median solve %s over the %s latency budget", durations[len(durations)/2], budget)
}

func BenchmarkSolveDefaultConfig(b *testing.B) {
	cfg := testConfig()
	opt := NewAugmentedLagrangian(cfg.Solver)
	p := curvedProblem(b, cfg)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Solve(context.Background(), opt, p); err != nil {
			b.Fatal(err)
		}
	}
}
