// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hls

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/hisolver/liegroup"
	"github.com/curioloop/hisolver/numdiff"
)

// Comparison qualifies one output-derivative row of a constraint.
type Comparison int

const (
	// Equality row 𝒇ᵢ(𝐪) = 𝚛𝚑𝚜ᵢ with a parameterizable right-hand side.
	Equality Comparison = iota
	// EqualToZero row 𝒇ᵢ(𝐪) = 0.
	EqualToZero
	// Superior row 𝒇ᵢ(𝐪) ≥ 0.
	Superior
	// Inferior row 𝒇ᵢ(𝐪) ≤ 0.
	Inferior
)

func (c Comparison) String() string {
	switch c {
	case Equality:
		return "Equality"
	case EqualToZero:
		return "EqualToZero"
	case Superior:
		return "Superior"
	case Inferior:
		return "Inferior"
	}
	return "Unknown"
}

// Comparisons builds a uniform comparison vector of length n.
func Comparisons(n int, c Comparison) []Comparison {
	v := make([]Comparison, n)
	for i := range v {
		v[i] = c
	}
	return v
}

// Function is a differentiable map from a configuration space into a
// Lie-group output space.
//
// Value evaluates 𝒇(𝐪) into an out vector of size OutputSpace().NQ().
// Jacobian fills an OutputSpace().NV() × InputDerivativeSize() matrix
// with the derivative expressed in the tangent of the output.
//
// Equality is by value: two functions compare equal when they compute
// the same map, regardless of identity.
type Function interface {
	Name() string
	InputSize() int
	InputDerivativeSize() int
	OutputSpace() liegroup.Space
	Value(out, q []float64)
	Jacobian(j *mat.Dense, q []float64)
	// ActiveParameters flags the ambient input coordinates the value
	// depends on.
	ActiveParameters() []bool
	// ActiveDerivativeParameters flags the tangent input coordinates
	// the derivative depends on.
	ActiveDerivativeParameters() []bool
	Equal(Function) bool
}

// AllActive returns an all-true activity mask of size n.
func AllActive(n int) []bool {
	m := make([]bool, n)
	for i := range m {
		m[i] = true
	}
	return m
}

// Affine is the map 𝒇(𝐪) = 𝐀𝐪 - 𝐛 from ℝⁿ into ℝᵐ.
type Affine struct {
	name string
	a    *mat.Dense
	b    []float64
}

// NewAffine builds an affine function from an m×n matrix and an
// m-vector.
func NewAffine(name string, a *mat.Dense, b []float64) *Affine {
	m, _ := a.Dims()
	if len(b) != m {
		panic("hls: affine offset dimension not match matrix")
	}
	return &Affine{name: name, a: a, b: b}
}

func (f *Affine) Name() string { return f.name }

func (f *Affine) InputSize() int { _, n := f.a.Dims(); return n }

func (f *Affine) InputDerivativeSize() int { return f.InputSize() }

func (f *Affine) OutputSpace() liegroup.Space {
	m, _ := f.a.Dims()
	return liegroup.NewVector(m)
}

func (f *Affine) Value(out, q []float64) {
	m, n := f.a.Dims()
	if len(out) != m || len(q) != n {
		panic("hls: affine dimension not match input")
	}
	for i := 0; i < m; i++ {
		s := -f.b[i]
		for j := 0; j < n; j++ {
			s += f.a.At(i, j) * q[j]
		}
		out[i] = s
	}
}

func (f *Affine) Jacobian(j *mat.Dense, q []float64) {
	j.Copy(f.a)
}

func (f *Affine) ActiveParameters() []bool { return f.ActiveDerivativeParameters() }

func (f *Affine) ActiveDerivativeParameters() []bool {
	m, n := f.a.Dims()
	act := make([]bool, n)
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			if f.a.At(i, j) != 0 {
				act[j] = true
				break
			}
		}
	}
	return act
}

func (f *Affine) Equal(o Function) bool {
	g, ok := o.(*Affine)
	if !ok {
		return false
	}
	if !mat.Equal(f.a, g.a) || len(f.b) != len(g.b) {
		return false
	}
	for i := range f.b {
		if f.b[i] != g.b[i] {
			return false
		}
	}
	return true
}

// Basic wraps callbacks into a Function. When Jac is nil the Jacobian
// is estimated by central finite differences, which requires both the
// input and output spaces to be vector spaces.
//
// Two Basic functions compare equal when they share the same name:
// closures carry no comparable content, so the name is the identity.
type Basic struct {
	FuncName string
	In       int
	// InV is the input tangent dimension; 0 means equal to In.
	InV int
	Out liegroup.Space
	Val func(out, q []float64)
	Jac func(j *mat.Dense, q []float64)
	// ActiveDeriv restricts the derivative dependency mask.
	// All coordinates are active when nil.
	ActiveDeriv []bool

	fd  *numdiff.Jacobian
	buf []float64
	x0  []float64
}

func (f *Basic) Name() string { return f.FuncName }

func (f *Basic) InputSize() int { return f.In }

func (f *Basic) InputDerivativeSize() int {
	if f.InV > 0 {
		return f.InV
	}
	return f.In
}

func (f *Basic) OutputSpace() liegroup.Space { return f.Out }

func (f *Basic) Value(out, q []float64) { f.Val(out, q) }

func (f *Basic) Jacobian(j *mat.Dense, q []float64) {
	if f.Jac != nil {
		f.Jac(j, q)
		return
	}
	m := f.Out.NV()
	if f.Out.NQ() != m || f.InputDerivativeSize() != f.In {
		panic("hls: finite differences need vector input and output spaces")
	}
	if f.fd == nil {
		f.fd = &numdiff.Jacobian{
			N: f.In, M: m, Method: numdiff.Central,
			Func: func(x, y []float64) { f.Val(y, x) },
		}
		f.buf = make([]float64, f.In*m)
		f.x0 = make([]float64, f.In)
	}
	copy(f.x0, q)
	if err := f.fd.Diff(f.x0, f.buf); err != nil {
		panic("hls: " + err.Error())
	}
	for r := 0; r < m; r++ {
		for c := 0; c < f.In; c++ {
			j.Set(r, c, f.buf[r*f.In+c])
		}
	}
}

func (f *Basic) ActiveParameters() []bool {
	return f.ActiveDerivativeParameters()
}

func (f *Basic) ActiveDerivativeParameters() []bool {
	if f.ActiveDeriv != nil {
		return f.ActiveDeriv
	}
	return AllActive(f.InputDerivativeSize())
}

func (f *Basic) Equal(o Function) bool {
	g, ok := o.(*Basic)
	return ok && f.FuncName == g.FuncName
}

// squaredNorm returns ‖v‖².
func squaredNorm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return s
}

// nearZero reports |v| below the solver tolerance used for right-hand
// side checks.
func nearZero(v float64) bool { return math.Abs(v) < 1e-10 }
