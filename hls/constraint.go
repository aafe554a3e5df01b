// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hls

import (
	"github.com/curioloop/hisolver/blockidx"
)

// RightHandSideFunc evaluates a time-parameterized right-hand side at
// abscissa s into an output-space element.
type RightHandSideFunc func(s float64, rhs []float64)

// Constraint is an implicit constraint 𝒇(𝐪) ⋈ 𝚛𝚑𝚜 where ⋈ is given
// row-wise by the comparison vector. Only the rows selected by
// activeRows participate in the solve.
type Constraint struct {
	f          Function
	comparison []Comparison
	activeRows blockidx.Segments
	rhsAt      RightHandSideFunc
	paramSize  int
}

// NewConstraint wraps a function with a row-wise comparison vector.
// The comparison length must match the output derivative size.
// All rows are active by default.
func NewConstraint(f Function, comparison []Comparison) *Constraint {
	nv := f.OutputSpace().NV()
	if len(comparison) != nv {
		panic("hls: comparison size not match output derivative size")
	}
	return &Constraint{
		f:          f,
		comparison: comparison,
		activeRows: blockidx.Segments{{Start: 0, Length: nv}},
	}
}

// WithActiveRows restricts the participating output-derivative rows.
func (c *Constraint) WithActiveRows(rows blockidx.Segments) *Constraint {
	c.activeRows = blockidx.Canonical(rows)
	return c
}

// WithRightHandSideAt attaches a time-parameterized right-hand side
// with the given parameter size.
func (c *Constraint) WithRightHandSideAt(paramSize int, fn RightHandSideFunc) *Constraint {
	c.paramSize = paramSize
	c.rhsAt = fn
	return c
}

// Function returns the wrapped differentiable function.
func (c *Constraint) Function() Function { return c.f }

// ComparisonType returns the row-wise comparison vector.
func (c *Constraint) ComparisonType() []Comparison { return c.comparison }

// ActiveRows returns the participating output-derivative rows.
func (c *Constraint) ActiveRows() blockidx.Segments { return c.activeRows }

// ParameterSize returns the size of the right-hand side parameter.
func (c *Constraint) ParameterSize() int { return c.paramSize }

// RightHandSideFunction returns the attached parameterized right-hand
// side, nil when the right-hand side is constant.
func (c *Constraint) RightHandSideFunction() RightHandSideFunc { return c.rhsAt }

// RightHandSideAt evaluates the parameterized right-hand side at s.
func (c *Constraint) RightHandSideAt(s float64) []float64 {
	rhs := make([]float64, c.f.OutputSpace().NQ())
	c.rhsAt(s, rhs)
	return rhs
}

// RightHandSideFromConfig evaluates 𝒇(𝐪) and stores its equality
// component into rhs: non-equality rows of the logarithm are dropped
// so that the stored element is feasible for inequality rows.
func (c *Constraint) RightHandSideFromConfig(q, rhs []float64) {
	space := c.f.OutputSpace()
	out := make([]float64, space.NQ())
	c.f.Value(out, q)

	e := make([]float64, space.NV())
	space.Difference(out, space.Neutral(), e)
	for k, cmp := range c.comparison {
		if cmp != Equality {
			e[k] = 0
		}
	}
	space.Integrate(space.Neutral(), e, rhs)
}

// CheckRightHandSide reports whether the non-equality rows of
// 𝚕𝚘𝚐(𝚛𝚑𝚜) vanish.
func (c *Constraint) CheckRightHandSide(rhs []float64) bool {
	space := c.f.OutputSpace()
	e := make([]float64, space.NV())
	space.Difference(rhs, space.Neutral(), e)
	for k, cmp := range c.comparison {
		if cmp != Equality && !nearZero(e[k]) {
			return false
		}
	}
	return true
}

// SetInactiveRowsToZero zeroes the rows of a tangent vector that are
// not selected by activeRows.
func (c *Constraint) SetInactiveRowsToZero(err []float64) {
	inactive := blockidx.SegmentWithout(
		blockidx.Segment{Start: 0, Length: len(err)}, c.activeRows)
	for _, s := range inactive {
		for i := s.Start; i < s.End(); i++ {
			err[i] = 0
		}
	}
}

// Copy returns a deep clone sharing the (immutable) function.
func (c *Constraint) Copy() *Constraint {
	clone := &Constraint{
		f:          c.f,
		comparison: make([]Comparison, len(c.comparison)),
		activeRows: c.activeRows.Clone(),
		rhsAt:      c.rhsAt,
		paramSize:  c.paramSize,
	}
	copy(clone.comparison, c.comparison)
	return clone
}

// Equal reports function value-equality, the identity used for
// duplicate detection.
func (c *Constraint) Equal(o *Constraint) bool {
	return c.f.Equal(o.f)
}
