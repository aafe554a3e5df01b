package numdiff

import (
	"errors"
	"math"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use central difference in interior points and the second order accuracy
	// forward difference near the boundary.
	Central
)

type Bound [2]float64

// Jacobian estimates the m×n derivative matrix of a vector function
// by finite differences.
//
// # Reference:
//
//   - https://en.wikipedia.org/wiki/Finite_difference
//   - https://github.com/scipy/scipy/blob/main/scipy/optimize/_numdiff.py
type Jacobian struct {
	N, M int
	// Function of which to estimate the derivatives.
	// The argument x passed to this function is an n-vector.
	// The result is stored in an m-vector y.
	Func func(x, y []float64)
	// Finite difference method to use.
	Method Method
	// Lower and upper bounds on independent variables.
	// Use it to limit the range of function evaluation.
	Bounds []Bound
	// Relative step size used to compute absolute step size.
	// The default absolute step size is computed as h = RelStep * sign(x0) * max(1, abs(x0))
	// with RelStep being selected automatically.
	RelStep float64
	// Absolute step size to use, possibly adjusted to fit into the bounds.
	// The RelStep is used when AbsStep is not provided.
	AbsStep float64

	diffCtx
}

type diffCtx struct {
	f0, f1, f2 []float64
	step       []float64
	oneSide    []bool
}

// Check validates the parameters and sizes the evaluation scratch.
func (jd *Jacobian) Check(x0, jac []float64) (err error) {

	switch {
	case jd.N <= 0 || jd.M <= 0:
		err = errors.New("negative dimensions")
	case jd.Method != Forward && jd.Method != Central:
		err = errors.New("unknown method")
	case jd.Func == nil:
		err = errors.New("object function is required")
	case jd.N != len(x0):
		return errors.New("invalid x0 dimensions")
	case jd.N*jd.M != len(jac):
		return errors.New("invalid jacobian dimensions")
	}

	if jd.Bounds != nil {
		if len(jd.Bounds) != len(x0) {
			err = errors.New("invalid bound dimension")
		} else {
			for i, bound := range jd.Bounds {
				lb, ub := bound[0], bound[1]
				if math.IsNaN(lb) {
					lb = math.Inf(-1)
				}
				if math.IsNaN(ub) {
					ub = math.Inf(1)
				}
				if lb > ub {
					err = errors.New("invalid bound range")
					break
				}
				if x0[i] < lb || x0[i] > ub {
					err = errors.New("x0 violates bound constraints")
					break
				}
			}
		}
	}

	if len(jd.f0) != jd.M {
		jd.f0 = make([]float64, jd.M)
		jd.f1 = make([]float64, jd.M)
		jd.f2 = make([]float64, jd.M)
	}
	if len(jd.step) != jd.N {
		jd.step = make([]float64, jd.N)
		jd.oneSide = make([]bool, jd.N)
	}
	return
}

// Diff fills jac with the finite-difference approximation of the
// derivative of Func at x0. jac is row-major m×n: jac[j*n+i] holds
// ∂yⱼ/∂xᵢ.
func (jd *Jacobian) Diff(x0, jac []float64) error {

	if err := jd.Check(x0, jac); err != nil {
		return err
	}

	bounded := false
	for _, bound := range jd.Bounds {
		l, u := bound[0], bound[1]
		if bounded = !(math.IsInf(l, 0) && math.IsInf(u, 0)); bounded {
			break
		}
	}

	jd.absoluteStep(x0)
	jd.adjustToBounds(x0, bounded)

	if jd.Method == Central {
		jd.approxCentral(x0, jac)
	} else {
		jd.approxForward(x0, jac)
	}

	return nil
}

func (jd *Jacobian) absoluteStep(x0 []float64) {
	h := jd.step
	if len(h) != len(x0) {
		panic("bound check error")
	}

	eps := sqrtEps
	if jd.Method == Central {
		eps = cubeEps
	}

	abs, rel := jd.AbsStep, jd.RelStep
	if abs == 0 && rel == 0 {
		for i, v := range x0 {
			h[i] = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
		}
	} else {
		for i, v := range x0 {
			s := abs
			if s == 0 {
				s = math.Copysign(rel, v) * math.Abs(v)
			}
			if d := (v + s) - v; d == 0 {
				s = math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
			}
			h[i] = s
		}
	}
}

func (jd *Jacobian) adjustToBounds(x0 []float64, bounded bool) {
	h, o := jd.step, jd.oneSide
	if jd.Method == Central {
		for i, v := range h {
			h[i] = math.Abs(v)
		}
		for i := range o {
			o[i] = false
		}
	}

	if !bounded {
		return
	}

	b := jd.Bounds
	if len(x0) != len(b) || len(x0) != len(h) {
		panic("bound check error")
	}

	if jd.Method == Forward {
		for i, x := range x0 {
			lb, ub := b[i][0], b[i][1]
			ld, ud := x-lb, ub-x
			h0 := h[i]
			step := x + h0
			violated := step < lb || step > ub
			fitting := math.Abs(h0) < math.Max(ld, ud)
			if violated && fitting {
				h[i] = -h0
			} else if !fitting {
				if ud >= ld {
					h[i] = ud
				} else {
					h[i] = -ld
				}
			}
		}
	} else {
		for i, x := range x0 {
			lb, ub := b[i][0], b[i][1]
			ld, ud := x-lb, ub-x
			central := ld >= h[i] && ud >= h[i]
			if !central {
				if ud >= ld {
					h[i] = math.Min(h[i], 0.5*ud)
					o[i] = true
				} else {
					h[i] = -math.Min(h[i], 0.5*ld)
					o[i] = true
				}
				if minDist := math.Min(ud, ld); math.Abs(h[i]) <= minDist {
					h[i] = minDist
					o[i] = false
				}
			}
		}
	}
}

func (jd *Jacobian) approxForward(x0, jac []float64) {
	f0, f1, h, n := jd.f0, jd.f1, jd.step, jd.N
	fun := jd.Func
	fun(x0, f0)
	for i, s := range h {
		x := x0[i]
		x0[i] = x + s
		fun(x0, f1)
		d := 1.0 / s
		for j := range f0 {
			jac[j*n+i] = (f1[j] - f0[j]) * d
		}
		x0[i] = x
	}
}

func (jd *Jacobian) approxCentral(x0, jac []float64) {
	f0, f1, f2, h, o, n := jd.f0, jd.f1, jd.f2, jd.step, jd.oneSide, jd.N
	fun := jd.Func
	fun(x0, f0)
	for i, s := range h {
		x := x0[i]
		d := 1.0 / (2 * s)
		if o[i] {
			x0[i] = x + s
			fun(x0, f1)
			x0[i] = x + 2*s
			fun(x0, f2)
			for j := range f0 {
				jac[j*n+i] = (4*f1[j] - 3*f0[j] - f2[j]) * d
			}
		} else {
			x0[i] = x - s
			fun(x0, f1)
			x0[i] = x + s
			fun(x0, f2)
			for j := range f0 {
				jac[j*n+i] = (f2[j] - f1[j]) * d
			}
		}
		x0[i] = x
	}
}
