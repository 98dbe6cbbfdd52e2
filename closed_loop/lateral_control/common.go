package control

import "math"

// ActuatorCommand is what crosses back to the vehicle. Steering is in
// radians using the solver's sign convention; throttle is normalised.
type ActuatorCommand struct {
	Steering float64
	Throttle float64
}

// ClampFloat clamps value between min and max
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(vs []float64) bool {
	for _, v := range vs {
		if !finite(v) {
			return false
		}
	}
	return true
}
