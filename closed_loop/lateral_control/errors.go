package control

import (
	"errors"
	"fmt"
)

// Cycle failure kinds. None of them end the session; the cycle's command is
// withheld and the previous one stays in effect.
var (
	ErrMalformedTelemetry    = errors.New("malformed telemetry")
	ErrDegenerateFit         = errors.New("degenerate polynomial fit")
	ErrSolverNonConvergence  = errors.New("solver did not converge")
	ErrSolverInternalFailure = errors.New("solver internal failure")

	// ErrDisconnected is returned by an Emitter once the peer is gone and by
	// the loop for every message after that.
	ErrDisconnected = errors.New("transport disconnected")
)

// SolverError carries the optimizer's diagnostics alongside the failure kind.
type SolverError struct {
	Kind       error
	Status     SolveStatus
	Iterations int
	Violation  float64
	Detail     string
}

func (e *SolverError) Error() string {
	msg := fmt.Sprintf("%v: status=%s iterations=%d max_violation=%.3g",
		e.Kind, e.Status, e.Iterations, e.Violation)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *SolverError) Unwrap() error { return e.Kind }
