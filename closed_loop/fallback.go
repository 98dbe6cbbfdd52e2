package main

import (
	"fmt"
	"math"
	"strings"

	control "mpc-path-tracker/closed_loop/lateral_control"
)

// PIDConfig holds PID controller parameters
type PIDConfig struct {
	Kp            float64 `json:"kp"`
	Ki            float64 `json:"ki"`
	Kd            float64 `json:"kd"`
	IntegralLimit float64 `json:"integral_limit"`
	OutputLimit   float64 `json:"output_limit"` // symmetric saturation; 0 disables
}

// PIDController implements a discrete PID controller on an error signal.
type PIDController struct {
	cfg PIDConfig

	// State
	integral    float64
	prevError   float64
	initialized bool
}

// NewPIDController returns a controller with zero state.
func NewPIDController(cfg PIDConfig) *PIDController {
	return &PIDController{cfg: cfg}
}

// Reset clears the PID state
func (pid *PIDController) Reset() {
	pid.integral = 0.0
	pid.prevError = 0.0
	pid.initialized = false
}

// Update computes the control output for the current error and time delta.
func (pid *PIDController) Update(err, dt float64) float64 {
	// No derivative on the first sample: there is no previous error yet.
	if !pid.initialized {
		pid.prevError = err
		pid.initialized = true
	}

	p := pid.cfg.Kp * err

	// Integral term with anti-windup
	pid.integral += err * dt
	if pid.cfg.IntegralLimit > 0 {
		pid.integral = control.ClampFloat(pid.integral, -pid.cfg.IntegralLimit, pid.cfg.IntegralLimit)
	}
	i := pid.cfg.Ki * pid.integral

	var d float64
	if dt > 0 {
		d = pid.cfg.Kd * (err - pid.prevError) / dt
	}

	out := p + i + d
	if lim := pid.cfg.OutputLimit; lim > 0 && math.Abs(out) > lim {
		out = math.Copysign(lim, out)
		// Anti-windup: back-calculate integral
		if pid.cfg.Ki != 0 {
			pid.integral = (out - p - d) / pid.cfg.Ki
		}
	}

	pid.prevError = err
	return out
}

// Diagnostics returns current PID state for logging/debugging
func (pid *PIDController) Diagnostics() PIDDiagnostics {
	return PIDDiagnostics{
		Error:    pid.prevError,
		Integral: pid.integral,
		P:        pid.cfg.Kp * pid.prevError,
		I:        pid.cfg.Ki * pid.integral,
	}
}

// PIDDiagnostics contains PID internal state for monitoring
type PIDDiagnostics struct {
	Error    float64
	Integral float64
	P        float64
	I        float64
}

// Fallback modes for cycles whose MPC command is withheld.
const (
	FallbackNone    = "none"    // reply nothing
	FallbackHold    = "hold"    // repeat the last steer reply
	FallbackNeutral = "neutral" // zero steering and throttle
	FallbackPID     = "pid"     // steer at the next waypoint, hold reference speed
)

// FallbackConfig selects what the transport sends when a cycle fails.
type FallbackConfig struct {
	Mode     string    `json:"mode"`
	Steer    PIDConfig `json:"steer"`
	Throttle PIDConfig `json:"throttle"`
}

// DefaultFallbackConfig withholds the reply on failure.
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		Mode:     FallbackNone,
		Steer:    PIDConfig{Kp: 0.8, Ki: 0.05, Kd: 0.1, IntegralLimit: 1},
		Throttle: PIDConfig{Kp: 0.2, Ki: 0.02, IntegralLimit: 10},
	}
}

// Validate checks the mode name and the PID limits.
func (c *FallbackConfig) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "", FallbackNone, FallbackHold, FallbackNeutral, FallbackPID:
	default:
		return fmt.Errorf("invalid fallback mode '%s'", c.Mode)
	}
	for name, p := range map[string]PIDConfig{"steer": c.Steer, "throttle": c.Throttle} {
		if p.IntegralLimit < 0 || p.OutputLimit < 0 {
			return fmt.Errorf("fallback %s limits must be non-negative", name)
		}
	}
	return nil
}

// fallback produces the reply for a failed cycle. One per session.
type fallback struct {
	mode     string
	mpc      *control.MPCConfig
	steer    *PIDController
	throttle *PIDController
	last     *control.SteerMessage
}

func newFallback(cfg FallbackConfig, mpc *control.MPCConfig) *fallback {
	steer := cfg.Steer
	if steer.OutputLimit == 0 {
		steer.OutputLimit = mpc.MaxSteerRad()
	}
	throttle := cfg.Throttle
	if throttle.OutputLimit == 0 {
		throttle.OutputLimit = mpc.MaxThrottle
	}
	mode := strings.ToLower(cfg.Mode)
	if mode == "" {
		mode = FallbackNone
	}
	return &fallback{
		mode:     mode,
		mpc:      mpc,
		steer:    NewPIDController(steer),
		throttle: NewPIDController(throttle),
	}
}

// observe remembers a successful MPC reply and resets the PID state so a
// later fallback starts clean.
func (f *fallback) observe(msg control.SteerMessage) {
	f.last = &msg
	f.steer.Reset()
	f.throttle.Reset()
}

// command returns the fallback reply for telemetry t (speed already in
// m/s), or false when nothing should be sent.
func (f *fallback) command(t control.Telemetry) (control.SteerMessage, bool) {
	switch f.mode {
	case FallbackHold:
		if f.last == nil {
			return control.SteerMessage{}, true
		}
		return *f.last, true
	case FallbackNeutral:
		return control.SteerMessage{}, true
	case FallbackPID:
		return f.pidCommand(t), true
	default:
		return control.SteerMessage{}, false
	}
}

func (f *fallback) pidCommand(t control.Telemetry) control.SteerMessage {
	var msg control.SteerMessage
	dt := f.mpc.TimeStep

	xs, ys, err := control.TransformWaypoints(t.Frame(), t.PtsX, t.PtsY)
	if err == nil {
		if tx, ty, ok := lookahead(xs, ys); ok {
			// Solver convention: positive steering turns toward +y.
			delta := f.steer.Update(math.Atan2(ty, tx), dt)
			steer := -delta
			bound := f.mpc.MaxSteerRad()
			if f.mpc.NormalizeSteering {
				steer /= bound
				bound = 1
			}
			msg.SteeringAngle = control.ClampFloat(steer, -bound, bound)
			msg.NextX, msg.NextY = xs, ys
		}
	}
	if math.IsNaN(t.Speed) || math.IsInf(t.Speed, 0) {
		return msg
	}
	a := f.throttle.Update(f.mpc.ReferenceSpeed-t.Speed, dt)
	msg.Throttle = control.ClampFloat(a, -f.mpc.MaxThrottle, f.mpc.MaxThrottle)
	return msg
}

// lookahead picks the first finite waypoint ahead of the vehicle.
func lookahead(xs, ys []float64) (float64, float64, bool) {
	for i := range xs {
		if xs[i] > 0 && !math.IsNaN(ys[i]) && !math.IsInf(ys[i], 0) && !math.IsInf(xs[i], 0) {
			return xs[i], ys[i], true
		}
	}
	return 0, 0, false
}
