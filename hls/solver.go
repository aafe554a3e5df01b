// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hls implements a hierarchical iterative solver for
// prioritized nonlinear constraints on Lie-group configuration
// spaces.
//
// Constraints are grouped into priority levels. Each iteration
// evaluates the stacked errors and Jacobians, computes a Newton-like
// descent direction level by level through pseudo-inverse projection
// onto the nullspace of the higher priorities, scales it with a
// pluggable line-search policy and integrates it back onto the
// manifold while saturating variable bounds:
//
//	𝚍𝐪ₖ = 𝚍𝐪ₖ₋₁ + 𝐏ₖ₋₁ (𝐉ₖ𝐏ₖ₋₁)⁺ (-𝐞ₖ - 𝐉ₖ𝚍𝐪ₖ₋₁)
//	𝐏ₖ  = 𝐏ₖ₋₁ 𝐕₂(𝐉ₖ𝐏ₖ₋₁)
//
// where 𝐌⁺ is the Moore-Penrose pseudo-inverse by thin SVD and 𝐕₂
// spans the right nullspace of the factored matrix.
package hls

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/hisolver/blockidx"
	"github.com/curioloop/hisolver/liegroup"
)

// Status is the outcome of a Solve call.
type Status int

const (
	// Success the squared error fell under the threshold.
	Success Status = iota
	// MaxIterationReached the iteration cap was exhausted first.
	MaxIterationReached
	// ErrorIncreased the error failed to decrease on three
	// consecutive iterations.
	ErrorIncreased
	// Infeasible no descent direction exists: the reduced problem is
	// empty or every usable column was clipped by saturation.
	Infeasible
)

func (st Status) String() string {
	switch st {
	case Success:
		return "SUCCESS"
	case MaxIterationReached:
		return "MAX_ITERATION_REACHED"
	case ErrorIncreased:
		return "ERROR_INCREASED"
	case Infeasible:
		return "INFEASIBLE"
	}
	return "UNKNOWN"
}

var (
	// ErrDuplicateConstraint reports an Add of a function already
	// present at some priority.
	ErrDuplicateConstraint = errors.New("hls: constraint already in solver")
	// ErrUnknownConstraint reports an operation on a constraint the
	// solver does not hold.
	ErrUnknownConstraint = errors.New("hls: constraint not in solver")
	// ErrBadRightHandSide reports a right-hand side whose
	// non-equality rows do not vanish, or a size mismatch.
	ErrBadRightHandSide = errors.New("hls: right-hand side not match comparison")
)

// squared norm under which a descent direction counts as null.
const dqMinSquaredNorm = 1e-12

// placement locates a constraint inside its level: iq is the offset
// in the level output vector, iv in the level tangent.
type placement struct {
	level, iq, iv int
}

// Solver is the hierarchical iterative engine. It owns its per-level
// storage exclusively: clones never share scratch, so two solvers may
// run on different goroutines.
type Solver struct {
	space liegroup.Space

	squaredErrorThreshold float64
	inequalityThreshold   float64
	maxIterations         int
	lastIsOptional        bool
	solveLevelByLevel     bool

	freeVariables blockidx.Segments
	saturation    Saturation
	log           logr.Logger

	constraints []*Constraint
	placements  []placement
	datas       []*data

	dimension        int
	reducedDimension int

	sigma       float64
	squaredNorm float64

	dq, dqSmall []float64
	satSign     []int
	reducedSign []int
	qSat        []float64
}

// New creates a solver over the given configuration space with all
// variables free and no saturation.
func New(space liegroup.Space) *Solver {
	s := &Solver{
		space:         space,
		saturation:    NoSaturation{},
		log:           logr.Discard(),
		freeVariables: blockidx.Segments{{Start: 0, Length: space.NV()}},
		satSign:       make([]int, space.NV()),
		qSat:          make([]float64, space.NQ()),
	}
	s.update()
	return s
}

// Space returns the configuration space.
func (s *Solver) Space() liegroup.Space { return s.space }

// SetSquaredErrorThreshold sets the convergence threshold on the
// squared error.
func (s *Solver) SetSquaredErrorThreshold(t float64) { s.squaredErrorThreshold = t }

// SquaredErrorThreshold returns the convergence threshold.
func (s *Solver) SquaredErrorThreshold() float64 { return s.squaredErrorThreshold }

// SetErrorThreshold sets the convergence threshold on the error norm.
func (s *Solver) SetErrorThreshold(t float64) { s.squaredErrorThreshold = t * t }

// ErrorThreshold returns the convergence threshold on the error norm.
func (s *Solver) ErrorThreshold() float64 { return math.Sqrt(s.squaredErrorThreshold) }

// SetInequalityThreshold sets the activation margin of inequality
// rows.
func (s *Solver) SetInequalityThreshold(t float64) { s.inequalityThreshold = t }

// InequalityThreshold returns the activation margin.
func (s *Solver) InequalityThreshold() float64 { return s.inequalityThreshold }

// SetMaxIterations bounds the Solve loop.
func (s *Solver) SetMaxIterations(n int) { s.maxIterations = n }

// MaxIterations returns the iteration cap.
func (s *Solver) MaxIterations() int { return s.maxIterations }

// SetLastIsOptional excludes the last level from the convergence
// error; it still contributes to the descent direction.
func (s *Solver) SetLastIsOptional(b bool) { s.lastIsOptional = b }

// LastIsOptional reports whether the last level is optional.
func (s *Solver) LastIsOptional() bool { return s.lastIsOptional }

// SetSolveLevelByLevel stops the descent recursion at the first level
// whose residual exceeds the error threshold.
func (s *Solver) SetSolveLevelByLevel(b bool) { s.solveLevelByLevel = b }

// SolveLevelByLevel reports the level-by-level flag.
func (s *Solver) SolveLevelByLevel() bool { return s.solveLevelByLevel }

// SetSaturation installs the bound policy. The policy must be safe
// for concurrent reads when the solver is cloned.
func (s *Solver) SetSaturation(sat Saturation) {
	if sat == nil {
		sat = NoSaturation{}
	}
	s.saturation = sat
}

// Saturation returns the bound policy.
func (s *Solver) Saturation() Saturation { return s.saturation }

// SetLogger installs a trace logger; iteration traces are emitted at
// V-level 1.
func (s *Solver) SetLogger(l logr.Logger) { s.log = l }

// SetFreeVariables restricts the descent to the given tangent
// coordinates. The selection is canonicalized; it must lie inside
// [0, nv).
func (s *Solver) SetFreeVariables(fv blockidx.Segments) {
	fv = blockidx.Canonical(fv)
	for _, seg := range fv {
		if seg.Start < 0 || seg.End() > s.space.NV() {
			panic("hls: free variables out of tangent range")
		}
	}
	s.freeVariables = fv
	s.update()
}

// FreeVariables returns the current free-variable selection.
func (s *Solver) FreeVariables() blockidx.Segments { return s.freeVariables }

// Dimension returns the total tangent dimension of the stacked
// constraints.
func (s *Solver) Dimension() int { return s.dimension }

// ReducedDimension returns the stacked active-row count under the
// current free-variable selection.
func (s *Solver) ReducedDimension() int { return s.reducedDimension }

// Sigma returns the smallest singular value found by the last
// ComputeDescentDirection call over all priority levels, each level
// read at its historical maximum rank. The value is reset at every
// call, so after Solve it covers the last iteration only, not the
// minimum over all iterations.
func (s *Solver) Sigma() float64 { return s.sigma }

// SquaredNorm returns the squared error of the last evaluation.
func (s *Solver) SquaredNorm() float64 { return s.squaredNorm }

// Constraints returns the constraints in insertion order.
func (s *Solver) Constraints() []*Constraint { return s.constraints }

// Levels returns the number of priority levels.
func (s *Solver) Levels() int { return len(s.datas) }

// Priority returns the priority level of a held constraint.
func (s *Solver) Priority(c *Constraint) (int, bool) {
	if i, ok := s.find(c); ok {
		return s.placements[i].level, true
	}
	return 0, false
}

// Contains reports whether an equal constraint is already held.
func (s *Solver) Contains(c *Constraint) bool {
	_, ok := s.find(c)
	return ok
}

func (s *Solver) find(c *Constraint) (int, bool) {
	f := c.Function()
	for i, exist := range s.constraints {
		if exist.Function().Equal(f) {
			return i, true
		}
	}
	return 0, false
}

// Add inserts a constraint at the given priority level. A function
// equal to one already present at any priority is rejected.
func (s *Solver) Add(c *Constraint, priority int) error {
	if priority < 0 {
		panic("hls: negative priority")
	}
	if s.Contains(c) {
		return ErrDuplicateConstraint
	}
	f := c.Function()
	if f.InputSize() != s.space.NQ() || f.InputDerivativeSize() != s.space.NV() {
		panic("hls: constraint input not match configuration space")
	}

	for len(s.datas) < priority+1 {
		s.datas = append(s.datas, newData())
	}
	d := s.datas[priority]

	// Record the ranks inside the level before growing its space.
	s.placements = append(s.placements, placement{priority, d.space.NQ(), d.space.NV()})
	d.space.Append(f.OutputSpace())
	d.members = append(d.members, len(s.constraints))

	for _, cmp := range c.ComparisonType() {
		switch cmp {
		case Superior, Inferior:
			d.inequalityIndices = append(d.inequalityIndices, len(d.comparison))
		case Equality:
			d.equalityIndices = append(d.equalityIndices,
				blockidx.Segment{Start: len(d.comparison), Length: 1})
		}
		d.comparison = append(d.comparison, cmp)
	}
	d.equalityIndices = blockidx.Canonical(d.equalityIndices)

	s.constraints = append(s.constraints, c)
	s.update()
	return nil
}

// Merge adds every constraint of the other solver not already present,
// preserving its priority.
func (s *Solver) Merge(other *Solver) {
	for i, c := range other.constraints {
		if !s.Contains(c) {
			if err := s.Add(c.Copy(), other.placements[i].level); err != nil {
				panic(err)
			}
		}
	}
}

// Clone returns an independent deep copy: constraints are cloned,
// scratch is separate, the saturation policy handle is shared.
func (s *Solver) Clone() *Solver {
	c := New(s.space)
	c.squaredErrorThreshold = s.squaredErrorThreshold
	c.inequalityThreshold = s.inequalityThreshold
	c.maxIterations = s.maxIterations
	c.lastIsOptional = s.lastIsOptional
	c.solveLevelByLevel = s.solveLevelByLevel
	c.saturation = s.saturation
	c.log = s.log
	c.freeVariables = s.freeVariables.Clone()
	for i, ct := range s.constraints {
		if err := c.Add(ct.Copy(), s.placements[i].level); err != nil {
			panic(err)
		}
	}
	for i, d := range s.datas {
		copy(c.datas[i].rhs, d.rhs)
	}
	return c
}

// update is the designated reallocation point: every per-iteration
// buffer is sized here to its maximum.
func (s *Solver) update() {
	reduced := blockidx.Cardinal(s.freeVariables)

	s.dimension = 0
	s.reducedDimension = 0
	last := len(s.datas) - 1
	for i, d := range s.datas {
		s.computeActiveRowsOfJ(i)

		nq, nv := d.space.NQ(), d.space.NV()
		s.dimension += nv
		s.reducedDimension += d.activeRowsOfJ.NbRows()

		d.output = make([]float64, nq)
		d.rhs = d.space.Neutral()
		d.errv = make([]float64, nv)

		d.jacobian = nil
		if nv > 0 && s.space.NV() > 0 {
			d.jacobian = mat.NewDense(nv, s.space.NV(), nil)
		}
		d.reducedJ = nil
		if rows := d.activeRowsOfJ.NbRows(); rows > 0 && reduced > 0 {
			d.reducedJ = mat.NewDense(rows, reduced, nil)
		}

		d.svdKind = mat.SVDThinU | mat.SVDFullV
		if i == last {
			d.svdKind = mat.SVDThin
		}
		d.pk = nil
		d.maxRank = 0
	}

	s.dq = make([]float64, s.space.NV())
	s.dqSmall = make([]float64, reduced)
	s.reducedSign = make([]int, reduced)
}

// computeActiveRowsOfJ rebuilds the row/column selection of level i:
// the union of per-constraint active rows, shifted by the cumulative
// tangent offset, for constraints whose derivative depends on at
// least one free variable.
func (s *Solver) computeActiveRowsOfJ(i int) {
	d := s.datas[i]
	var rows blockidx.Segments
	offset := 0
	for _, ci := range d.members {
		c := s.constraints[ci]
		adp := c.Function().ActiveDerivativeParameters()
		if anySelected(s.freeVariables, adp) {
			for _, seg := range c.ActiveRows() {
				rows = append(rows, blockidx.Segment{Start: seg.Start + offset, Length: seg.Length})
			}
		}
		offset += c.Function().OutputSpace().NV()
	}
	d.activeRowsOfJ = blockidx.Blocks{
		Rows: blockidx.Canonical(rows),
		Cols: s.freeVariables.Clone(),
	}
}

func anySelected(sel blockidx.Segments, mask []bool) bool {
	for _, seg := range sel {
		for k := seg.Start; k < seg.End() && k < len(mask); k++ {
			if mask[k] {
				return true
			}
		}
	}
	return false
}

// ActiveParameters aggregates the ambient dependency masks of all
// constraints.
func (s *Solver) ActiveParameters() []bool {
	ap := make([]bool, s.space.NQ())
	for _, c := range s.constraints {
		for i, b := range c.Function().ActiveParameters() {
			ap[i] = ap[i] || b
		}
	}
	return ap
}

// ActiveDerivativeParameters aggregates the tangent dependency masks
// of all constraints.
func (s *Solver) ActiveDerivativeParameters() []bool {
	ap := make([]bool, s.space.NV())
	for _, c := range s.constraints {
		for i, b := range c.Function().ActiveDerivativeParameters() {
			ap[i] = ap[i] || b
		}
	}
	return ap
}

// DefinesSubmanifoldOf reports whether every constraint of other is
// held by this solver.
func (s *Solver) DefinesSubmanifoldOf(other *Solver) bool {
	for _, c := range other.constraints {
		if !s.Contains(c) {
			return false
		}
	}
	return true
}

// SetRightHandSide stores the right-hand side of one constraint.
// The element must satisfy the constraint's comparison vector:
// non-equality rows of its logarithm must vanish.
func (s *Solver) SetRightHandSide(c *Constraint, rhs []float64) error {
	i, ok := s.find(c)
	if !ok {
		return ErrUnknownConstraint
	}
	held := s.constraints[i]
	space := held.Function().OutputSpace()
	if len(rhs) != space.NQ() {
		return ErrBadRightHandSide
	}
	if !held.CheckRightHandSide(rhs) {
		return ErrBadRightHandSide
	}
	p := s.placements[i]
	copy(s.datas[p.level].rhs[p.iq:p.iq+space.NQ()], rhs)
	return nil
}

// RightHandSide returns the stored right-hand side of one constraint.
func (s *Solver) RightHandSide(c *Constraint) ([]float64, error) {
	i, ok := s.find(c)
	if !ok {
		return nil, ErrUnknownConstraint
	}
	p := s.placements[i]
	nq := s.constraints[i].Function().OutputSpace().NQ()
	rhs := make([]float64, nq)
	copy(rhs, s.datas[p.level].rhs[p.iq:p.iq+nq])
	return rhs, nil
}

// SetRightHandSideVector stores the stacked right-hand side of all
// levels. Each level element is normalized through
// 𝚗𝚎𝚞𝚝𝚛𝚊𝚕 ⊕ 𝚕𝚘𝚐(𝚛𝚑𝚜) with non-equality rows of the logarithm
// coerced to zero; a non-vanishing coerced row reports
// ErrBadRightHandSide after the store.
func (s *Solver) SetRightHandSideVector(rhs []float64) error {
	if len(rhs) != s.RightHandSideSize() {
		return ErrBadRightHandSide
	}
	var bad bool
	iq := 0
	for _, d := range s.datas {
		nq, nv := d.space.NQ(), d.space.NV()
		if nq == 0 {
			continue
		}
		e := make([]float64, nv)
		d.space.Difference(rhs[iq:iq+nq], d.space.Neutral(), e)
		for k := 0; k < nv; k++ {
			if d.comparison[k] != Equality {
				if !nearZero(e[k]) {
					bad = true
				}
				e[k] = 0
			}
		}
		d.space.Integrate(d.space.Neutral(), e, d.rhs)
		iq += nq
	}
	if bad {
		return ErrBadRightHandSide
	}
	return nil
}

// RightHandSideVector returns the stacked right-hand side.
func (s *Solver) RightHandSideVector() []float64 {
	rhs := make([]float64, 0, s.RightHandSideSize())
	for _, d := range s.datas {
		rhs = append(rhs, d.rhs...)
	}
	return rhs
}

// RightHandSideSize returns the stacked right-hand side size.
func (s *Solver) RightHandSideSize() int {
	n := 0
	for _, d := range s.datas {
		n += d.space.NQ()
	}
	return n
}

// RightHandSideFromConfig stores the equality component of 𝒇(𝐪) as
// the right-hand side of one constraint.
func (s *Solver) RightHandSideFromConfig(c *Constraint, q []float64) error {
	i, ok := s.find(c)
	if !ok {
		return ErrUnknownConstraint
	}
	held := s.constraints[i]
	p := s.placements[i]
	nq := held.Function().OutputSpace().NQ()
	held.RightHandSideFromConfig(q, s.datas[p.level].rhs[p.iq:p.iq+nq])
	return nil
}

// RightHandSideFromConfigAll refreshes every constraint's right-hand
// side from the configuration and returns the stacked result.
func (s *Solver) RightHandSideFromConfigAll(q []float64) []float64 {
	for i, c := range s.constraints {
		p := s.placements[i]
		nq := c.Function().OutputSpace().NQ()
		c.RightHandSideFromConfig(q, s.datas[p.level].rhs[p.iq:p.iq+nq])
	}
	return s.RightHandSideVector()
}

// RightHandSideAt evaluates every time-parameterized right-hand side
// at abscissa t and stores it.
func (s *Solver) RightHandSideAt(t float64) error {
	for _, c := range s.constraints {
		if c.ParameterSize() != 0 && c.RightHandSideFunction() != nil {
			if err := s.SetRightHandSide(c, c.RightHandSideAt(t)); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsConstraintSatisfied evaluates one constraint at q. The error is
// written into errOut (output tangent size) with inactive rows
// zeroed. found reports whether the solver holds the constraint.
func (s *Solver) IsConstraintSatisfied(c *Constraint, q, errOut []float64) (satisfied, found bool) {
	i, ok := s.find(c)
	if !ok {
		return false, false
	}
	held := s.constraints[i]
	p := s.placements[i]
	space := held.Function().OutputSpace()
	nq := space.NQ()
	if len(errOut) != space.NV() {
		panic("hls: error dimension not match constraint output")
	}
	d := s.datas[p.level]
	out := d.output[p.iq : p.iq+nq]
	held.Function().Value(out, q)
	space.Difference(out, d.rhs[p.iq:p.iq+nq], errOut)
	held.SetInactiveRowsToZero(errOut)
	return squaredNorm(errOut) < s.squaredErrorThreshold, true
}

// ComputeValue evaluates every level at q: outputs, errors with the
// comparison mapping applied, and (when jacobian is set) the reduced
// Jacobians in tangent-of-error coordinates.
func (s *Solver) ComputeValue(q []float64, jacobian bool) {
	if len(q) != s.space.NQ() {
		panic("hls: configuration dimension not match space")
	}
	for _, d := range s.datas {
		for _, ci := range d.members {
			c := s.constraints[ci]
			p := s.placements[ci]
			f := c.Function()
			sp := f.OutputSpace()
			nq, nv := sp.NQ(), sp.NV()

			out := d.output[p.iq : p.iq+nq]
			rhs := d.rhs[p.iq : p.iq+nq]
			errv := d.errv[p.iv : p.iv+nv]

			f.Value(out, q)
			sp.Difference(out, rhs, errv)
			c.SetInactiveRowsToZero(errv)

			if jacobian && nv > 0 {
				rows := d.jacobian.Slice(p.iv, p.iv+nv, 0, s.space.NV()).(*mat.Dense)
				f.Jacobian(rows, q)
				sp.DDifference(out, rhs, rows)
			}
		}
		s.applyComparison(d, jacobian)
		if jacobian && d.reducedJ != nil {
			d.activeRowsOfJ.KeepTo(d.reducedJ, d.jacobian)
		}
	}
}

// applyComparison remaps inequality rows: a row farther than the
// threshold from its bound is feasible, its error and Jacobian row
// are zeroed; a violating row is shifted by the threshold.
func (s *Solver) applyComparison(d *data, jacobian bool) {
	thr := s.inequalityThreshold
	for _, j := range d.inequalityIndices {
		superior := d.comparison[j] == Superior
		v := d.errv[j]
		if (superior && v < thr) || (!superior && -thr < v) {
			if superior {
				d.errv[j] = v - thr
			} else {
				d.errv[j] = v + thr
			}
		} else {
			d.errv[j] = 0
			if jacobian && d.jacobian != nil {
				for c := 0; c < s.space.NV(); c++ {
					d.jacobian.Set(j, c, 0)
				}
			}
		}
	}
}

// ComputeError aggregates the squared error: the maximum over
// non-optional levels and over constraints within a level of the
// per-constraint squared norm.
func (s *Solver) ComputeError() {
	end := len(s.datas)
	if s.lastIsOptional && end > 0 {
		end--
	}
	s.squaredNorm = 0
	for i := 0; i < end; i++ {
		d := s.datas[i]
		for _, ci := range d.members {
			p := s.placements[ci]
			nv := s.constraints[ci].Function().OutputSpace().NV()
			s.squaredNorm = math.Max(s.squaredNorm, squaredNorm(d.errv[p.iv:p.iv+nv]))
		}
	}
}

// ComputeSaturation clips the reduced Jacobians against active
// bounds: a free column whose saturation sign opposes the error
// direction, 𝚜𝚒𝚐𝚗ⱼ·(𝐉ᵣᵀ𝐞)ⱼ < 0, is zeroed so the descent cannot push
// into the bound.
func (s *Solver) ComputeSaturation(q []float64) {
	if !s.saturation.Saturate(q, s.qSat, s.satSign) {
		return
	}
	s.freeVariables.KeepIntsTo(s.reducedSign, s.satSign)

	for _, d := range s.datas {
		if d.reducedJ == nil {
			continue
		}
		rows := d.activeRowsOfJ.NbRows()
		errKeep := make([]float64, rows)
		d.activeRowsOfJ.Rows.KeepVecTo(errKeep, d.errv)

		var jte mat.VecDense
		jte.MulVec(d.reducedJ.T(), mat.NewVecDense(rows, errKeep))
		for j := 0; j < len(s.reducedSign); j++ {
			if float64(s.reducedSign[j])*jte.AtVec(j) < 0 {
				for r := 0; r < rows; r++ {
					d.reducedJ.Set(r, j, 0)
				}
			}
		}
	}
}

// Integrate computes out ← from ⊕ velocity, then saturates out in
// place. It reports whether any coordinate was clipped.
func (s *Solver) Integrate(from, velocity, out []float64) bool {
	s.space.Integrate(from, velocity, out)
	return s.saturation.Saturate(out, out, s.satSign)
}

// localSlope is the directional derivative ∑ₖ 𝐞ₖᵀ𝐉ₖ𝚍𝐪 of the
// half squared error along the current reduced direction.
func (s *Solver) localSlope() float64 {
	slope := 0.0
	for _, d := range s.datas {
		if d.reducedJ == nil {
			continue
		}
		rows := d.activeRowsOfJ.NbRows()
		errKeep := make([]float64, rows)
		d.activeRowsOfJ.Rows.KeepVecTo(errKeep, d.errv)

		var jdq mat.VecDense
		jdq.MulVec(d.reducedJ, mat.NewVecDense(len(s.dqSmall), s.dqSmall))
		for r := 0; r < rows; r++ {
			slope += jdq.AtVec(r) * errKeep[r]
		}
	}
	return slope
}

// ComputeDescentDirection solves the stacked problem in reduced
// coordinates: at each level the residual is corrected by the
// pseudo-inverse of the projected Jacobian, and the nullspace
// projector is carried to the next level.
func (s *Solver) ComputeDescentDirection() {
	s.sigma = math.MaxFloat64

	for i := range s.dq {
		s.dq[i] = 0
	}
	for i := range s.dqSmall {
		s.dqSmall[i] = 0
	}
	if len(s.datas) == 0 || len(s.dqSmall) == 0 {
		return
	}

	reduced := len(s.dqSmall)

	if len(s.datas) == 1 {
		d := s.datas[0]
		if d.reducedJ != nil {
			err := s.negResidual(d)
			rank, sv, ok := d.factor(d.reducedJ)
			if ok {
				d.solveInto(rank, err, s.dqSmall)
				s.trackRank(d, rank, sv)
			}
		}
		s.expandDqSmall()
		return
	}

	var projector *mat.Dense
	last := len(s.datas) - 1
	for i, d := range s.datas {
		if d.reducedJ == nil {
			continue
		}
		err := s.negResidual(d)

		var factored mat.Matrix = d.reducedJ
		if projector != nil {
			var jp mat.Dense
			jp.Mul(d.reducedJ, projector)
			factored = &jp
		}
		rank, sv, ok := d.factor(factored)
		if !ok {
			continue
		}

		if projector == nil {
			d.solveInto(rank, err, s.dqSmall)
		} else {
			_, pc := projector.Dims()
			x := make([]float64, pc)
			d.solveInto(rank, err, x)
			var px mat.VecDense
			px.MulVec(projector, mat.NewVecDense(pc, x))
			for r := 0; r < reduced; r++ {
				s.dqSmall[r] += px.AtVec(r)
			}
		}
		s.trackRank(d, rank, sv)

		if s.solveLevelByLevel && squaredNorm(err) > s.squaredErrorThreshold {
			break
		}
		if i == last {
			break
		}

		v2 := d.kernelBasis(rank)
		if v2 == nil {
			break // the kernel is { 0 }
		}
		if projector == nil {
			d.pk = mat.DenseCopyOf(v2)
		} else {
			var pk mat.Dense
			pk.Mul(projector, v2)
			d.pk = &pk
		}
		projector = d.pk
	}
	s.expandDqSmall()
}

// negResidual gathers -𝐞ₖ - 𝐉ₖ𝚍𝐪 over the active rows of level d.
func (s *Solver) negResidual(d *data) []float64 {
	rows := d.activeRowsOfJ.NbRows()
	err := make([]float64, rows)
	d.activeRowsOfJ.Rows.KeepVecTo(err, d.errv)
	floats.Scale(-1, err)

	var jdq mat.VecDense
	jdq.MulVec(d.reducedJ, mat.NewVecDense(len(s.dqSmall), s.dqSmall))
	for r := 0; r < rows; r++ {
		err[r] -= jdq.AtVec(r)
	}
	return err
}

// trackRank raises the level's rank high-water and lowers sigma to
// the singular value at that rank. Transient rank drops cannot raise
// the reported minimum.
func (s *Solver) trackRank(d *data, rank int, sv []float64) {
	d.maxRank = max(d.maxRank, rank)
	if d.maxRank > 0 && len(sv) > 0 {
		idx := min(d.maxRank, len(sv)) - 1
		s.sigma = math.Min(s.sigma, sv[idx])
	}
}

// expandDqSmall scatters the reduced direction into the full tangent
// at the free-variable indices; the rest stays zero.
func (s *Solver) expandDqSmall() {
	s.freeVariables.ScatterVec(s.dq, s.dqSmall)
}

// DescentDirection returns the last computed full-size direction.
func (s *Solver) DescentDirection() []float64 { return s.dq }

// ResidualError writes the stacked error of the last evaluation.
func (s *Solver) ResidualError(out []float64) {
	row := 0
	for _, d := range s.datas {
		row += copy(out[row:], d.errv)
	}
}

// GetValue writes the stacked outputs of the last evaluation.
func (s *Solver) GetValue(out []float64) {
	row := 0
	for _, d := range s.datas {
		row += copy(out[row:], d.output)
	}
}

// GetReducedJacobian stacks the reduced Jacobians of all levels into
// dst, a ReducedDimension × free-variable-count matrix.
func (s *Solver) GetReducedJacobian(dst *mat.Dense) {
	r, c := dst.Dims()
	if r != s.reducedDimension || c != blockidx.Cardinal(s.freeVariables) {
		panic("hls: jacobian dimension not match solver")
	}
	row := 0
	for _, d := range s.datas {
		if d.reducedJ == nil {
			continue
		}
		rows := d.activeRowsOfJ.NbRows()
		for i := 0; i < rows; i++ {
			for j := 0; j < c; j++ {
				dst.Set(row+i, j, d.reducedJ.At(i, j))
			}
		}
		row += rows
	}
}

// Solve iterates evaluate → saturate → descend → line-search →
// integrate until the squared error falls under the threshold.
func (s *Solver) Solve(arg []float64, ls LineSearch) Status {
	if len(arg) != s.space.NQ() {
		panic("hls: configuration dimension not match space")
	}
	if ls == nil {
		ls = Constant{}
	}

	errorDecreased := 3
	iter := 0
	prev := math.Inf(1)

	s.ComputeValue(arg, true)
	s.ComputeError()
	if s.squaredNorm > 0.25*s.squaredErrorThreshold && s.reducedDimension == 0 {
		return Infeasible
	}

	for s.squaredNorm > s.squaredErrorThreshold && errorDecreased != 0 && iter < s.maxIterations {
		s.ComputeSaturation(arg)
		s.ComputeDescentDirection()
		if squaredNorm(s.dq) < dqMinSquaredNorm {
			return Infeasible
		}
		ls.Step(s, arg, s.dq)
		s.ComputeValue(arg, true)
		s.ComputeError()
		errorDecreased--
		if s.squaredNorm < prev {
			errorDecreased = 3
		}
		prev = s.squaredNorm
		iter++
		s.log.V(1).Info("iteration",
			"iter", iter, "squaredError", s.squaredNorm,
			"stepNorm", floats.Norm(s.dq, 2), "sigma", s.sigma)
	}

	switch {
	case s.squaredNorm <= s.squaredErrorThreshold:
		return Success
	case errorDecreased == 0:
		return ErrorIncreased
	default:
		return MaxIterationReached
	}
}

// String pretty-prints the solver layout.
func (s *Solver) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "HierarchicalIterative, %d levels\n", len(s.datas))
	fmt.Fprintf(&b, "max iter: %d, error threshold: %g\n", s.maxIterations, s.ErrorThreshold())
	fmt.Fprintf(&b, "dimension %d, reduced dimension %d\n", s.dimension, s.reducedDimension)
	fmt.Fprintf(&b, "free variables: %v\n", s.freeVariables)
	for i, d := range s.datas {
		fmt.Fprintf(&b, "level %d", i)
		if s.lastIsOptional && i == len(s.datas)-1 {
			b.WriteString(" (optional)")
		}
		fmt.Fprintf(&b, ": stack of %d functions\n", len(d.members))
		for _, ci := range d.members {
			c := s.constraints[ci]
			p := s.placements[ci]
			fmt.Fprintf(&b, "  %q: [%d, %d], rhs: %v, active rows: %v\n",
				c.Function().Name(), p.iv, c.Function().OutputSpace().NV(),
				s.datas[p.level].rhs[p.iq:p.iq+c.Function().OutputSpace().NQ()],
				c.ActiveRows())
		}
		fmt.Fprintf(&b, "  equality idx: %v, active rows of J: %v\n",
			d.equalityIndices, d.activeRowsOfJ.Rows)
	}
	return b.String()
}
