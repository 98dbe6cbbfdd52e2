package control

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// rankTolerance is the smallest |R_ii| / max|R_jj| accepted from the QR
// factorisation before the design matrix is treated as rank deficient.
const rankTolerance = 1e-10

// VehicleFrame is the map-frame pose that defines the vehicle frame: origin
// at (PX, PY), x-axis along heading Psi.
type VehicleFrame struct {
	PX, PY, Psi float64
}

// ToVehicle re-expresses a map-frame point in the vehicle frame.
func (f VehicleFrame) ToVehicle(x, y float64) (float64, float64) {
	dx, dy := x-f.PX, y-f.PY
	sin, cos := math.Sincos(f.Psi)
	return dx*cos + dy*sin, dy*cos - dx*sin
}

// ToMap is the inverse of ToVehicle.
func (f VehicleFrame) ToMap(x, y float64) (float64, float64) {
	sin, cos := math.Sincos(f.Psi)
	return f.PX + x*cos - y*sin, f.PY + x*sin + y*cos
}

// TransformWaypoints maps paired map-frame coordinates into the vehicle frame.
func TransformWaypoints(f VehicleFrame, ptsx, ptsy []float64) ([]float64, []float64, error) {
	if len(ptsx) != len(ptsy) {
		return nil, nil, fmt.Errorf("%w: ptsx has %d points, ptsy has %d",
			ErrMalformedTelemetry, len(ptsx), len(ptsy))
	}
	xs := make([]float64, len(ptsx))
	ys := make([]float64, len(ptsy))
	for i := range ptsx {
		xs[i], ys[i] = f.ToVehicle(ptsx[i], ptsy[i])
	}
	return xs, ys, nil
}

// Polynomial coefficients ordered from the constant term upward.
type Polynomial []float64

// Eval evaluates the polynomial at x (Horner).
func (p Polynomial) Eval(x float64) float64 {
	var out float64
	for i := len(p) - 1; i >= 0; i-- {
		out = out*x + p[i]
	}
	return out
}

// Derivative evaluates the first derivative at x.
func (p Polynomial) Derivative(x float64) float64 {
	var out float64
	for i := len(p) - 1; i >= 1; i-- {
		out = out*x + float64(i)*p[i]
	}
	return out
}

// SecondDerivative evaluates the second derivative at x.
func (p Polynomial) SecondDerivative(x float64) float64 {
	var out float64
	for i := len(p) - 1; i >= 2; i-- {
		out = out*x + float64(i*(i-1))*p[i]
	}
	return out
}

// Heading is the path tangent angle at x.
func (p Polynomial) Heading(x float64) float64 {
	return math.Atan(p.Derivative(x))
}

// Coeff returns coefficient i, or zero past the polynomial's degree.
func (p Polynomial) Coeff(i int) float64 {
	if i < 0 || i >= len(p) {
		return 0
	}
	return p[i]
}

// FitPolynomial computes the least-squares fit of ys against xs through the
// Householder QR of the Vandermonde matrix. A rank-deficient design (too few
// distinct x samples) is reported as ErrDegenerateFit.
func FitPolynomial(xs, ys []float64, order int) (Polynomial, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("%w: %d x samples vs %d y samples", ErrMalformedTelemetry, len(xs), len(ys))
	}
	if order < 1 {
		return nil, fmt.Errorf("polynomial order must be >= 1, got %d", order)
	}
	cols := order + 1
	if len(xs) < cols {
		return nil, fmt.Errorf("%w: order %d needs %d points, got %d", ErrDegenerateFit, order, cols, len(xs))
	}
	if !allFinite(xs) || !allFinite(ys) {
		return nil, fmt.Errorf("%w: non-finite waypoint", ErrMalformedTelemetry)
	}

	a := mat.NewDense(len(xs), cols, nil)
	for i, x := range xs {
		v := 1.0
		for j := 0; j < cols; j++ {
			a.Set(i, j, v)
			v *= x
		}
	}

	var qr mat.QR
	qr.Factorize(a)

	var r mat.Dense
	qr.RTo(&r)
	maxDiag := 0.0
	for j := 0; j < cols; j++ {
		maxDiag = math.Max(maxDiag, math.Abs(r.At(j, j)))
	}
	for j := 0; j < cols; j++ {
		if maxDiag == 0 || math.Abs(r.At(j, j)) <= rankTolerance*maxDiag {
			return nil, fmt.Errorf("%w: design matrix rank deficient at column %d", ErrDegenerateFit, j)
		}
	}

	var c mat.VecDense
	if err := qr.SolveVecTo(&c, false, mat.NewVecDense(len(ys), append([]float64(nil), ys...))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerateFit, err)
	}

	out := make(Polynomial, cols)
	for j := range out {
		out[j] = c.AtVec(j)
	}
	if !allFinite(out) {
		return nil, fmt.Errorf("%w: non-finite coefficients", ErrDegenerateFit)
	}
	return out, nil
}

// ReferencePath is the waypoint set re-expressed in the vehicle frame with
// its cubic fit.
type ReferencePath struct {
	Frame VehicleFrame
	Xs    []float64
	Ys    []float64
	Poly  Polynomial
}

// FitReferencePath transforms the waypoints and fits the reference cubic.
func FitReferencePath(f VehicleFrame, ptsx, ptsy []float64) (ReferencePath, error) {
	xs, ys, err := TransformWaypoints(f, ptsx, ptsy)
	if err != nil {
		return ReferencePath{}, err
	}
	poly, err := FitPolynomial(xs, ys, PolyOrder)
	if err != nil {
		return ReferencePath{}, err
	}
	return ReferencePath{Frame: f, Xs: xs, Ys: ys, Poly: poly}, nil
}
