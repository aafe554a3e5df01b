// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hls

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// LineSearch turns the descent direction darg into an accepted update
// of arg. Implementations integrate the scaled step in place and may
// re-evaluate the solver. The returned flag reports whether the step
// satisfied the policy's acceptance rule.
//
// Policies are stateful values: pass the same instance across the
// iterations of one solve.
type LineSearch interface {
	Step(s *Solver, arg, darg []float64) bool
}

// Constant applies the unit step 𝐪 ← 𝐪 ⊕ 𝚍𝐪.
type Constant struct{}

func (Constant) Step(s *Solver, arg, darg []float64) bool {
	s.Integrate(arg, darg, arg)
	return true
}

// Backtracking shrinks the step by Tau until the Armijo condition
//
//	𝐸(𝐪 ⊕ α𝚍𝐪) - 𝐸(𝐪) ≤ 2·c·α·𝐞ᵀ𝐉𝚍𝐪
//
// holds, with a floor at SmallAlpha.
type Backtracking struct {
	C, Tau, SmallAlpha float64

	trial, scaled []float64
}

// NewBacktracking returns the policy with the reference parameters
// c = 0.001, τ = 0.7, smallAlpha = 0.2.
func NewBacktracking() *Backtracking {
	return &Backtracking{C: 0.001, Tau: 0.7, SmallAlpha: 0.2}
}

func (b *Backtracking) Step(s *Solver, arg, darg []float64) bool {
	if len(b.trial) != len(arg) {
		b.trial = make([]float64, len(arg))
	}
	if len(b.scaled) != len(darg) {
		b.scaled = make([]float64, len(darg))
	}

	slope := s.localSlope()
	t := 2 * b.C * slope
	f := s.SquaredNorm()

	for alpha := 1.0; alpha > b.SmallAlpha; alpha *= b.Tau {
		copy(b.scaled, darg)
		floats.Scale(alpha, b.scaled)
		s.Integrate(arg, b.scaled, b.trial)
		s.ComputeValue(b.trial, false)
		s.ComputeError()
		if s.SquaredNorm()-f <= alpha*t {
			copy(arg, b.trial)
			return true
		}
	}

	floats.Scale(b.SmallAlpha, darg)
	s.Integrate(arg, darg, arg)
	return false
}

// FixedSequence applies a predefined step sequence approaching
// AlphaMax geometrically: αₖ₊₁ = αₘₐₓ - K·(αₘₐₓ - αₖ).
type FixedSequence struct {
	Alpha, AlphaMax, K float64
}

// NewFixedSequence returns the policy with the reference parameters
// α₀ = 0.2, αₘₐₓ = 0.95, K = 0.8.
func NewFixedSequence() *FixedSequence {
	return &FixedSequence{Alpha: 0.2, AlphaMax: 0.95, K: 0.8}
}

func (fs *FixedSequence) Step(s *Solver, arg, darg []float64) bool {
	floats.Scale(fs.Alpha, darg)
	s.Integrate(arg, darg, arg)
	fs.Alpha = fs.AlphaMax - fs.K*(fs.AlphaMax-fs.Alpha)
	return true
}

// ErrorNormBased selects the step from the current squared error r:
//
//	α = C - K·𝚝𝚊𝚗𝚑(a·r + b)
//
// so that α ∈ [αₘᵢₙ, 1]: near-unit steps when the error is small,
// αₘᵢₙ when it is large.
type ErrorNormBased struct {
	C, K, A, B float64
}

// NewErrorNormBasedParams builds the policy from explicit tanh
// parameters.
func NewErrorNormBasedParams(alphaMin, a, b float64) *ErrorNormBased {
	return &ErrorNormBased{
		C: 0.5 + alphaMin/2,
		K: (1 - alphaMin) / 2,
		A: a, B: b,
	}
}

// NewErrorNormBased derives a and b from δ = 0.02 and the reference
// error r½ = 1e6: the step is 1 - δ at r = 1 and the halfway value
// C = (1 + αₘᵢₙ)/2 at r = r½.
func NewErrorNormBased(alphaMin float64) *ErrorNormBased {
	const delta = 0.02
	const rHalf = 1e6

	c := 0.5 + alphaMin/2
	k := (1 - alphaMin) / 2
	a := math.Atanh((delta-1+c)/k) / (1 - rHalf)
	b := -rHalf * a
	return &ErrorNormBased{C: c, K: k, A: a, B: b}
}

func (e *ErrorNormBased) Step(s *Solver, arg, darg []float64) bool {
	r := s.SquaredNorm()
	alpha := e.C - e.K*math.Tanh(e.A*r+e.B)
	floats.Scale(alpha, darg)
	s.Integrate(arg, darg, arg)
	return true
}
