package control

import "math"

// VehicleState is the MPC state in the vehicle frame.
type VehicleState struct {
	X, Y, Psi, V float64
	CTE          float64 // reference minus actual lateral position
	EPsi         float64 // heading error
}

// Vector returns the state in solver order (x, y, psi, v, cte, epsi).
func (s VehicleState) Vector() [numStates]float64 {
	return [numStates]float64{s.X, s.Y, s.Psi, s.V, s.CTE, s.EPsi}
}

func stateFromVector(v [numStates]float64) VehicleState {
	return VehicleState{X: v[0], Y: v[1], Psi: v[2], V: v[3], CTE: v[4], EPsi: v[5]}
}

// KinematicStep advances the kinematic bicycle model by dt with steering
// delta (rad) and acceleration a. The cte and epsi updates are measured
// against the reference polynomial at the current x.
func KinematicStep(s VehicleState, delta, a, dt, lf float64, poly Polynomial) VehicleState {
	sinPsi, cosPsi := math.Sincos(s.Psi)
	yawRate := s.V / lf * delta
	f := poly.Eval(s.X)
	psiDes := poly.Heading(s.X)
	return VehicleState{
		X:    s.X + s.V*cosPsi*dt,
		Y:    s.Y + s.V*sinPsi*dt,
		Psi:  s.Psi + yawRate*dt,
		V:    s.V + a*dt,
		CTE:  (f - s.Y) + s.V*math.Sin(s.EPsi)*dt,
		EPsi: (s.Psi - psiDes) + yawRate*dt,
	}
}

// Rollout applies the actuator sequence from s and returns len(deltas)+1
// states, s first.
func Rollout(s VehicleState, deltas, accels []float64, dt, lf float64, poly Polynomial) []VehicleState {
	out := make([]VehicleState, 0, len(deltas)+1)
	out = append(out, s)
	for t := range deltas {
		s = KinematicStep(s, deltas[t], accels[t], dt, lf, poly)
		out = append(out, s)
	}
	return out
}
