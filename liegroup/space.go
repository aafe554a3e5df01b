// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package liegroup provides the configuration-space protocol consumed
// by the hierarchical solver, together with reference implementations
// for vector spaces, SO(3) and product spaces.
//
// A space element is stored as an ambient coordinate vector of size
// NQ. Velocities and differences live in the NV-dimensional tangent
// space:
//   - Integrate computes 𝐪 ⊕ 𝐯, an element of size NQ
//   - Difference computes 𝐚 ⊖ 𝐛, the tangent vector at 𝐛 such that
//     𝐛 ⊕ (𝐚 ⊖ 𝐛) = 𝐚
//   - DDifference premultiplies a Jacobian expressed in the tangent
//     of 𝐚 by ∂(𝐚 ⊖ 𝐛)/∂𝐚, pushing it into tangent-of-difference
//     coordinates
package liegroup

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Space describes a Lie-group configuration space.
type Space interface {
	// NQ returns the ambient storage size of an element.
	NQ() int
	// NV returns the tangent space dimension.
	NV() int
	// Name returns a stable identifier of the space.
	Name() string
	// Neutral returns the identity element.
	Neutral() []float64
	// Integrate stores 𝐪 ⊕ 𝐯 into out. out may alias q.
	Integrate(q, v, out []float64)
	// Difference stores 𝐚 ⊖ 𝐛 into out.
	Difference(a, b, out []float64)
	// DDifference premultiplies the NV rows of j by ∂(𝐚 ⊖ 𝐛)/∂𝐚.
	DDifference(a, b []float64, j *mat.Dense)
	// Equal reports whether two spaces are the same space.
	Equal(Space) bool
}

// Vector is the vector space ℝⁿ: NQ = NV = n and ⊕/⊖ reduce to
// ordinary addition and subtraction.
type Vector int

// NewVector returns the vector space ℝⁿ.
func NewVector(n int) Vector {
	if n < 0 {
		panic("liegroup: negative vector space dimension")
	}
	return Vector(n)
}

func (v Vector) NQ() int { return int(v) }

func (v Vector) NV() int { return int(v) }

func (v Vector) Name() string { return fmt.Sprintf("R^%d", int(v)) }

func (v Vector) Neutral() []float64 { return make([]float64, int(v)) }

func (v Vector) Integrate(q, vel, out []float64) {
	checkDim(len(q) == int(v) && len(vel) == int(v) && len(out) == int(v))
	copy(out, q)
	floats.Add(out, vel)
}

func (v Vector) Difference(a, b, out []float64) {
	checkDim(len(a) == int(v) && len(b) == int(v) && len(out) == int(v))
	floats.SubTo(out, a, b)
}

func (v Vector) DDifference(a, b []float64, j *mat.Dense) {
	r, _ := j.Dims()
	checkDim(r == int(v))
	// ∂(𝐚 - 𝐛)/∂𝐚 = 𝐈
}

func (v Vector) Equal(o Space) bool {
	w, ok := o.(Vector)
	return ok && w == v
}

func checkDim(ok bool) {
	if !ok {
		panic("liegroup: dimension not match space")
	}
}
