package control

import (
	"math"
	"time"
)

// TrackingErrors returns the cross-track and heading errors of a vehicle at
// the vehicle-frame origin with zero heading: cte = f(0), epsi = -atan(f'(0)).
func TrackingErrors(poly Polynomial) (cte, epsi float64) {
	return poly.Eval(0), -math.Atan(poly.Coeff(1))
}

// EstimateState builds the horizon's starting state from the fitted path and
// the measured speed. Position and heading are zero by construction.
func EstimateState(ref ReferencePath, speed float64) VehicleState {
	cte, epsi := TrackingErrors(ref.Poly)
	return VehicleState{V: speed, CTE: cte, EPsi: epsi}
}

// CompensateLatency projects the state forward by the actuation latency
// using the command that is still in effect. Without a previous command
// (first cycle) or latency the state is returned unchanged.
func CompensateLatency(s VehicleState, poly Polynomial, prev *ActuatorCommand, latency time.Duration, lf float64) VehicleState {
	if prev == nil || latency <= 0 {
		return s
	}
	return KinematicStep(s, prev.Steering, prev.Throttle, latency.Seconds(), lf, poly)
}
