package control

import (
	"fmt"
	"math"
	"time"
)

// PolyOrder is the degree of the reference polynomial fitted to the waypoints.
const PolyOrder = 3

// CostWeights scales each term of the MPC objective.
type CostWeights struct {
	CTE          float64 `json:"cte"`
	EPsi         float64 `json:"epsi"`
	Velocity     float64 `json:"velocity"`
	Steer        float64 `json:"steer"`
	Throttle     float64 `json:"throttle"`
	SteerRate    float64 `json:"steer_rate"`
	ThrottleRate float64 `json:"throttle_rate"`
}

// SolverConfig tunes the augmented-Lagrangian optimizer.
type SolverConfig struct {
	MaxOuterIterations  int     `json:"max_outer_iterations"`
	MaxInnerIterations  int     `json:"max_inner_iterations"`
	ConstraintTolerance float64 `json:"constraint_tolerance"`
	InitialPenalty      float64 `json:"initial_penalty"`
	PenaltyGrowth       float64 `json:"penalty_growth"`
	MaxPenalty          float64 `json:"max_penalty"`
	// Infinity is the magnitude at or above which a bound is treated as absent.
	Infinity float64 `json:"infinity"`
}

// MPCConfig holds the immutable controller tuning shared by every session.
type MPCConfig struct {
	HorizonSteps   int     `json:"horizon_steps"`
	TimeStep       float64 `json:"time_step"`       // s
	ReferenceSpeed float64 `json:"reference_speed"` // m/s
	Lf             float64 `json:"lf"`              // front axle to CoG, m
	MaxSteerDeg    float64 `json:"max_steer_deg"`
	MaxThrottle    float64 `json:"max_throttle"`

	// Latency is the actuation delay, as a duration string ("100ms").
	Latency string `json:"latency"`

	// NormalizeSteering divides the emitted steering angle by the steering
	// bound so the actuator receives a value in [-1, 1].
	NormalizeSteering bool `json:"normalize_steering"`

	Weights CostWeights  `json:"weights"`
	Solver  SolverConfig `json:"solver"`
}

// DefaultMPCConfig returns the tuning used when a field is left unset.
func DefaultMPCConfig() MPCConfig {
	return MPCConfig{
		HorizonSteps:   10,
		TimeStep:       0.1,
		ReferenceSpeed: 40,
		Lf:             2.67,
		MaxSteerDeg:    25,
		MaxThrottle:    1,
		Latency:        "100ms",
		Weights: CostWeights{
			CTE:          2000,
			EPsi:         2000,
			Velocity:     1,
			Steer:        5,
			Throttle:     5,
			SteerRate:    200,
			ThrottleRate: 10,
		},
		Solver: DefaultSolverConfig(),
	}
}

// DefaultSolverConfig returns the optimizer limits used by DefaultMPCConfig.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		MaxOuterIterations:  30,
		MaxInnerIterations:  300,
		ConstraintTolerance: 1e-4,
		InitialPenalty:      100,
		PenaltyGrowth:       10,
		MaxPenalty:          1e10,
		Infinity:            1e19,
	}
}

// MaxSteerRad is the steering bound in radians.
func (c *MPCConfig) MaxSteerRad() float64 {
	return c.MaxSteerDeg * math.Pi / 180
}

// LatencyDuration parses Latency. An empty value means no compensation.
func (c *MPCConfig) LatencyDuration() time.Duration {
	if c.Latency == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Latency)
	if err != nil {
		return 0
	}
	return d
}

// Validate checks that the configuration describes a solvable problem.
func (c *MPCConfig) Validate() error {
	if c.HorizonSteps < 3 {
		return fmt.Errorf("horizon_steps must be at least 3, got %d", c.HorizonSteps)
	}
	if c.TimeStep <= 0 {
		return fmt.Errorf("time_step must be positive, got %f", c.TimeStep)
	}
	if c.Lf <= 0 {
		return fmt.Errorf("lf must be positive, got %f", c.Lf)
	}
	if c.MaxSteerDeg <= 0 || c.MaxSteerDeg >= 90 {
		return fmt.Errorf("max_steer_deg must be in (0, 90), got %f", c.MaxSteerDeg)
	}
	if c.MaxThrottle <= 0 || c.MaxThrottle > 1 {
		return fmt.Errorf("max_throttle must be in (0, 1], got %f", c.MaxThrottle)
	}
	if c.Latency != "" {
		d, err := time.ParseDuration(c.Latency)
		if err != nil {
			return fmt.Errorf("invalid latency '%s': %w", c.Latency, err)
		}
		if d < 0 {
			return fmt.Errorf("latency must be non-negative, got %s", c.Latency)
		}
	}

	w := c.Weights
	for name, v := range map[string]float64{
		"cte": w.CTE, "epsi": w.EPsi, "velocity": w.Velocity,
		"steer": w.Steer, "throttle": w.Throttle,
		"steer_rate": w.SteerRate, "throttle_rate": w.ThrottleRate,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("weight %s must be finite and non-negative, got %f", name, v)
		}
	}

	s := c.Solver
	if s.MaxOuterIterations <= 0 || s.MaxInnerIterations <= 0 {
		return fmt.Errorf("solver iteration limits must be positive (outer=%d inner=%d)",
			s.MaxOuterIterations, s.MaxInnerIterations)
	}
	if s.ConstraintTolerance <= 0 {
		return fmt.Errorf("solver constraint_tolerance must be positive, got %g", s.ConstraintTolerance)
	}
	if s.InitialPenalty <= 0 || s.PenaltyGrowth <= 1 || s.MaxPenalty < s.InitialPenalty {
		return fmt.Errorf("solver penalty schedule invalid (initial=%g growth=%g max=%g)",
			s.InitialPenalty, s.PenaltyGrowth, s.MaxPenalty)
	}
	if s.Infinity <= 0 {
		return fmt.Errorf("solver infinity must be positive, got %g", s.Infinity)
	}
	return nil
}
