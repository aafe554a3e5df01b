// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hls

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/hisolver/blockidx"
	"github.com/curioloop/hisolver/liegroup"
)

func almostEqual(got, want []float64, tol float64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			return false
		}
	}
	return true
}

func equalityConstraint(name string, a *mat.Dense, b []float64) *Constraint {
	m, _ := a.Dims()
	return NewConstraint(NewAffine(name, a, b), Comparisons(m, Equality))
}

func newSolver(space liegroup.Space) *Solver {
	s := New(space)
	s.SetSquaredErrorThreshold(1e-8)
	s.SetMaxIterations(30)
	return s
}

// Single linear equality on ℝ³: 𝐀𝐪 = 𝐛 with a free third coordinate.
func TestSolveLinearEquality(t *testing.T) {
	s := newSolver(liegroup.NewVector(3))
	c := equalityConstraint("plane",
		mat.NewDense(2, 3, []float64{1, 0, 0, 0, 1, 0}), []float64{1, 2})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestSolveLinearEquality:", err)
	}

	q := []float64{0, 0, 0}
	status := s.Solve(q, Constant{})

	f := make([]float64, 2)
	c.Function().Value(f, q)
	switch {
	case status != Success:
		t.Fatal("TestSolveLinearEquality: status", status)
	case math.Abs(f[0]) > 1e-4 || math.Abs(f[1]) > 1e-4:
		t.Fatal("TestSolveLinearEquality: residual too large", f)
	case !almostEqual(q[:2], []float64{1, 2}, 1e-6):
		t.Fatal("TestSolveLinearEquality: bad solution", q)
	}
}

// An inactive Superior constraint must not move the iterate.
func TestSolveInequalityInactive(t *testing.T) {
	s := newSolver(liegroup.NewVector(1))
	s.SetInequalityThreshold(0.01)
	c := NewConstraint(
		NewAffine("q>=1", mat.NewDense(1, 1, []float64{1}), []float64{1}),
		[]Comparison{Superior})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestSolveInequalityInactive:", err)
	}

	q := []float64{5}
	status := s.Solve(q, Constant{})
	switch {
	case status != Success:
		t.Fatal("TestSolveInequalityInactive: status", status)
	case q[0] != 5:
		t.Fatal("TestSolveInequalityInactive: iterate moved", q)
	}
}

// A violated Superior constraint activates and pulls the iterate
// toward feasibility.
func TestSolveInequalityActive(t *testing.T) {
	s := newSolver(liegroup.NewVector(1))
	s.SetInequalityThreshold(0.01)
	c := NewConstraint(
		NewAffine("q>=1", mat.NewDense(1, 1, []float64{1}), []float64{1}),
		[]Comparison{Superior})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestSolveInequalityActive:", err)
	}

	q := []float64{-3}
	status := s.Solve(q, Constant{})
	switch {
	case status != Success:
		t.Fatal("TestSolveInequalityActive: status", status)
	case q[0] < 1-0.01-1e-6:
		t.Fatal("TestSolveInequalityActive: still violated", q)
	}
}

// Two-level priority: level 0 pins 𝐪₀ = 1, the optional level 1
// pulls toward the origin inside the nullspace of level 0.
func TestSolveTwoLevelPriority(t *testing.T) {
	s := newSolver(liegroup.NewVector(2))
	s.SetLastIsOptional(true)

	c0 := equalityConstraint("q0=1",
		mat.NewDense(1, 2, []float64{1, 0}), []float64{1})
	c1 := equalityConstraint("origin",
		mat.NewDense(2, 2, []float64{1, 0, 0, 1}), []float64{0, 0})
	if err := s.Add(c0, 0); err != nil {
		t.Fatal("TestSolveTwoLevelPriority:", err)
	}
	if err := s.Add(c1, 1); err != nil {
		t.Fatal("TestSolveTwoLevelPriority:", err)
	}

	q := []float64{0.5, 0.5}
	status := s.Solve(q, Constant{})
	switch {
	case status != Success:
		t.Fatal("TestSolveTwoLevelPriority: status", status)
	case !almostEqual(q, []float64{1, 0}, 1e-6):
		t.Fatal("TestSolveTwoLevelPriority: bad solution", q)
	}
}

// Saturation clipping: the equality asks to leave the box, the only
// column is clipped and the solve reports INFEASIBLE at the bound.
func TestSolveSaturationClipping(t *testing.T) {
	s := newSolver(liegroup.NewVector(1))
	s.SetSaturation(&Bounds{Lower: []float64{0}, Upper: []float64{2}})
	c := equalityConstraint("q=5",
		mat.NewDense(1, 1, []float64{1}), []float64{5})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestSolveSaturationClipping:", err)
	}

	q := []float64{1}
	status := s.Solve(q, Constant{})
	switch {
	case status != Infeasible:
		t.Fatal("TestSolveSaturationClipping: status", status)
	case q[0] != 2:
		t.Fatal("TestSolveSaturationClipping: iterate not at bound", q)
	}
}

// Lie-group convergence: reach a target rotation on SO(3).
func TestSolveSO3(t *testing.T) {
	space := liegroup.SO3{}
	s := newSolver(space)
	s.SetMaxIterations(5)

	pose := &Basic{
		FuncName: "pose", In: 4, InV: 3, Out: space,
		Val: func(out, q []float64) { copy(out, q) },
		Jac: func(j *mat.Dense, q []float64) {
			j.Zero()
			for i := 0; i < 3; i++ {
				j.Set(i, i, 1)
			}
		},
	}
	c := NewConstraint(pose, Comparisons(3, Equality))
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestSolveSO3:", err)
	}

	target := make([]float64, 4)
	space.Integrate(space.Neutral(), []float64{0, 0, math.Pi / 4}, target)
	if err := s.SetRightHandSide(c, target); err != nil {
		t.Fatal("TestSolveSO3:", err)
	}

	q := space.Neutral()
	status := s.Solve(q, Constant{})

	e := make([]float64, 3)
	space.Difference(q, target, e)
	switch {
	case status != Success:
		t.Fatal("TestSolveSO3: status", status)
	case math.Sqrt(squaredNorm(e)) > 1e-4:
		t.Fatal("TestSolveSO3: residual too large", e)
	}
}

// Free-variable restriction: only 𝐪₂, 𝐪₃ may move.
func TestSolveFreeVariables(t *testing.T) {
	s := newSolver(liegroup.NewVector(4))
	c := equalityConstraint("sum=4",
		mat.NewDense(1, 4, []float64{1, 1, 1, 1}), []float64{4})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestSolveFreeVariables:", err)
	}
	s.SetFreeVariables(blockidx.Segments{{Start: 2, Length: 2}})

	q := []float64{0, 0, 0, 0}
	status := s.Solve(q, Constant{})
	switch {
	case status != Success:
		t.Fatal("TestSolveFreeVariables: status", status)
	case q[0] != 0 || q[1] != 0:
		t.Fatal("TestSolveFreeVariables: locked variables moved", q)
	case math.Abs(q[2]+q[3]-4) > 1e-6:
		t.Fatal("TestSolveFreeVariables: constraint violated", q)
	}
}

// Priority dominance: a lower-priority row linearly dependent on
// level 0 must not perturb the level-0 solution.
func TestDescentPriorityDominance(t *testing.T) {
	s := newSolver(liegroup.NewVector(2))
	c0 := equalityConstraint("sum=2",
		mat.NewDense(1, 2, []float64{1, 1}), []float64{2})
	c1 := equalityConstraint("dependent",
		mat.NewDense(1, 2, []float64{2, 2}), []float64{10})
	if err := s.Add(c0, 0); err != nil {
		t.Fatal("TestDescentPriorityDominance:", err)
	}
	if err := s.Add(c1, 1); err != nil {
		t.Fatal("TestDescentPriorityDominance:", err)
	}

	q := []float64{0, 0}
	s.ComputeValue(q, true)
	s.ComputeError()
	s.ComputeDescentDirection()
	dq := s.DescentDirection()

	// J₀·dq + e₀ ≈ 0 and the step is the plain Gauss-Newton step of
	// level 0 alone: the dependent row lives in the row space of J₀,
	// its projected Jacobian vanishes.
	if math.Abs(dq[0]+dq[1]-2) > 1e-9 {
		t.Fatal("TestDescentPriorityDominance: level 0 violated", dq)
	}
	if !almostEqual(dq, []float64{1, 1}, 1e-9) {
		t.Fatal("TestDescentPriorityDominance: not the Gauss-Newton step", dq)
	}
}

// Nullspace: the level-1 contribution lies in ker(J₀).
func TestDescentNullspace(t *testing.T) {
	s := newSolver(liegroup.NewVector(2))
	c0 := equalityConstraint("q0=1",
		mat.NewDense(1, 2, []float64{1, 0}), []float64{1})
	c1 := equalityConstraint("origin",
		mat.NewDense(2, 2, []float64{1, 0, 0, 1}), []float64{0, 0})
	if err := s.Add(c0, 0); err != nil {
		t.Fatal("TestDescentNullspace:", err)
	}
	if err := s.Add(c1, 1); err != nil {
		t.Fatal("TestDescentNullspace:", err)
	}

	q := []float64{0.5, 0.5}
	s.ComputeValue(q, true)
	s.ComputeError()
	s.ComputeDescentDirection()
	dq := s.DescentDirection()

	// Level-0 Gauss-Newton alone gives [0.5, 0]; the remainder must
	// live in ker(J₀) = span{(0,1)}.
	rest := []float64{dq[0] - 0.5, dq[1]}
	if math.Abs(rest[0]) > 1e-9 {
		t.Fatal("TestDescentNullspace: level 1 leaked out of the kernel", dq)
	}
	if math.Abs(dq[1]+0.5) > 1e-9 {
		t.Fatal("TestDescentNullspace: level 1 not optimized", dq)
	}
}

// Sigma is read at the level's rank high-water mark (maxRank): for a
// full-rank diagonal Jacobian it is the smallest singular value.
func TestSigmaMonotoneRank(t *testing.T) {
	s := newSolver(liegroup.NewVector(2))
	c := equalityConstraint("diag",
		mat.NewDense(2, 2, []float64{2, 0, 0, 0.5}), []float64{1, 1})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestSigmaMonotoneRank:", err)
	}

	q := []float64{0, 0}
	if status := s.Solve(q, Constant{}); status != Success {
		t.Fatal("TestSigmaMonotoneRank: status", status)
	}
	// Singular values of diag(2, 0.5) are {2, 0.5}: maxRank = 2 and
	// sigma reports the smallest.
	if math.Abs(s.Sigma()-0.5) > 1e-12 {
		t.Fatal("TestSigmaMonotoneRank: bad sigma", s.Sigma())
	}
}

func TestAddDuplicateAndMerge(t *testing.T) {
	s := newSolver(liegroup.NewVector(2))
	a := mat.NewDense(1, 2, []float64{1, 0})
	if err := s.Add(equalityConstraint("c", a, []float64{1}), 0); err != nil {
		t.Fatal("TestAddDuplicateAndMerge:", err)
	}
	// Equality is by value: a fresh constraint with equal content is
	// a duplicate.
	dup := equalityConstraint("c2", mat.NewDense(1, 2, []float64{1, 0}), []float64{1})
	if err := s.Add(dup, 1); err != ErrDuplicateConstraint {
		t.Fatal("TestAddDuplicateAndMerge: duplicate accepted")
	}

	other := newSolver(liegroup.NewVector(2))
	c1 := equalityConstraint("other",
		mat.NewDense(1, 2, []float64{0, 1}), []float64{3})
	if err := other.Add(c1, 2); err != nil {
		t.Fatal("TestAddDuplicateAndMerge:", err)
	}
	s.Merge(other)
	switch {
	case !s.Contains(c1):
		t.Fatal("TestAddDuplicateAndMerge: merge lost constraint")
	case s.Levels() != 3:
		t.Fatal("TestAddDuplicateAndMerge: merge priority not preserved", s.Levels())
	case len(s.Constraints()) != 2:
		t.Fatal("TestAddDuplicateAndMerge: bad constraint count")
	}
	if p, ok := s.Priority(c1); !ok || p != 2 {
		t.Fatal("TestAddDuplicateAndMerge: bad priority", p)
	}
}

func TestRightHandSide(t *testing.T) {
	s := newSolver(liegroup.NewVector(2))
	c := equalityConstraint("pin",
		mat.NewDense(2, 2, []float64{1, 0, 0, 1}), []float64{0, 0})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestRightHandSide:", err)
	}

	if err := s.SetRightHandSide(c, []float64{1, -2}); err != nil {
		t.Fatal("TestRightHandSide:", err)
	}
	rhs, err := s.RightHandSide(c)
	if err != nil || !almostEqual(rhs, []float64{1, -2}, 0) {
		t.Fatal("TestRightHandSide: bad round trip", rhs, err)
	}

	// Solving now drives 𝒇(𝐪) to the stored right-hand side.
	q := []float64{5, 5}
	if status := s.Solve(q, Constant{}); status != Success {
		t.Fatal("TestRightHandSide: status", status)
	}
	if !almostEqual(q, []float64{1, -2}, 1e-6) {
		t.Fatal("TestRightHandSide: bad solution", q)
	}

	// From-config: the right-hand side becomes 𝒇 at the probe.
	if err := s.RightHandSideFromConfig(c, []float64{3, 4}); err != nil {
		t.Fatal("TestRightHandSide:", err)
	}
	rhs, _ = s.RightHandSide(c)
	if !almostEqual(rhs, []float64{3, 4}, 1e-12) {
		t.Fatal("TestRightHandSide: bad from-config", rhs)
	}

	unknown := equalityConstraint("unknown",
		mat.NewDense(1, 2, []float64{1, 1}), []float64{0})
	if err := s.SetRightHandSide(unknown, []float64{0}); err != ErrUnknownConstraint {
		t.Fatal("TestRightHandSide: unknown constraint accepted")
	}
}

func TestRightHandSideInequalityRows(t *testing.T) {
	s := newSolver(liegroup.NewVector(2))
	c := NewConstraint(
		NewAffine("mixed", mat.NewDense(2, 2, []float64{1, 0, 0, 1}), []float64{0, 0}),
		[]Comparison{Equality, Superior})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestRightHandSideInequalityRows:", err)
	}

	// A non-zero entry on the Superior row is rejected.
	if err := s.SetRightHandSide(c, []float64{1, 2}); err != ErrBadRightHandSide {
		t.Fatal("TestRightHandSideInequalityRows: bad rhs accepted")
	}
	if err := s.SetRightHandSide(c, []float64{1, 0}); err != nil {
		t.Fatal("TestRightHandSideInequalityRows:", err)
	}

	// The bulk setter coerces the inequality row to zero and reports.
	if err := s.SetRightHandSideVector([]float64{2, 3}); err != ErrBadRightHandSide {
		t.Fatal("TestRightHandSideInequalityRows: coercion not reported")
	}
	rhs := s.RightHandSideVector()
	if !almostEqual(rhs, []float64{2, 0}, 1e-12) {
		t.Fatal("TestRightHandSideInequalityRows: bad coerced rhs", rhs)
	}
}

func TestRightHandSideAt(t *testing.T) {
	s := newSolver(liegroup.NewVector(1))
	f := NewAffine("track", mat.NewDense(1, 1, []float64{1}), []float64{0})
	c := NewConstraint(f, []Comparison{Equality}).
		WithRightHandSideAt(1, func(at float64, rhs []float64) { rhs[0] = math.Sin(at) })
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestRightHandSideAt:", err)
	}

	if err := s.RightHandSideAt(math.Pi / 2); err != nil {
		t.Fatal("TestRightHandSideAt:", err)
	}
	rhs, _ := s.RightHandSide(c)
	if math.Abs(rhs[0]-1) > 1e-12 {
		t.Fatal("TestRightHandSideAt: bad rhs", rhs)
	}
}

func TestIsConstraintSatisfied(t *testing.T) {
	s := newSolver(liegroup.NewVector(2))
	c := equalityConstraint("pin",
		mat.NewDense(1, 2, []float64{1, 0}), []float64{1})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestIsConstraintSatisfied:", err)
	}

	e := make([]float64, 1)
	sat, found := s.IsConstraintSatisfied(c, []float64{1, 7}, e)
	if !found || !sat || e[0] != 0 {
		t.Fatal("TestIsConstraintSatisfied: satisfied point rejected", e)
	}
	sat, found = s.IsConstraintSatisfied(c, []float64{3, 0}, e)
	if !found || sat || math.Abs(e[0]-2) > 1e-12 {
		t.Fatal("TestIsConstraintSatisfied: violation not detected", e)
	}

	other := equalityConstraint("other",
		mat.NewDense(1, 2, []float64{0, 1}), []float64{0})
	if _, found = s.IsConstraintSatisfied(other, []float64{0, 0}, e); found {
		t.Fatal("TestIsConstraintSatisfied: unknown constraint found")
	}
}

func TestActiveRowsRestriction(t *testing.T) {
	// Only the first output row of a two-row function participates.
	s := newSolver(liegroup.NewVector(2))
	c := NewConstraint(
		NewAffine("both", mat.NewDense(2, 2, []float64{1, 0, 0, 1}), []float64{1, 1}),
		Comparisons(2, Equality)).
		WithActiveRows(blockidx.Segments{{Start: 0, Length: 1}})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestActiveRowsRestriction:", err)
	}

	q := []float64{0, 0}
	if status := s.Solve(q, Constant{}); status != Success {
		t.Fatal("TestActiveRowsRestriction: status", status)
	}
	// Row 0 solved, row 1 ignored.
	if math.Abs(q[0]-1) > 1e-6 || math.Abs(q[1]) > 1e-9 {
		t.Fatal("TestActiveRowsRestriction: bad solution", q)
	}
}

func TestCloneIndependence(t *testing.T) {
	s := newSolver(liegroup.NewVector(2))
	c := equalityConstraint("pin",
		mat.NewDense(2, 2, []float64{1, 0, 0, 1}), []float64{0, 0})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestCloneIndependence:", err)
	}
	if err := s.SetRightHandSide(c, []float64{1, 2}); err != nil {
		t.Fatal("TestCloneIndependence:", err)
	}

	clone := s.Clone()
	rhs, err := clone.RightHandSide(clone.Constraints()[0])
	if err != nil || !almostEqual(rhs, []float64{1, 2}, 0) {
		t.Fatal("TestCloneIndependence: rhs not carried", rhs, err)
	}

	q1 := []float64{9, 9}
	q2 := []float64{9, 9}
	if st := s.Solve(q1, Constant{}); st != Success {
		t.Fatal("TestCloneIndependence: status", st)
	}
	if st := clone.Solve(q2, Constant{}); st != Success {
		t.Fatal("TestCloneIndependence: clone status", st)
	}
	if !almostEqual(q1, q2, 1e-12) {
		t.Fatal("TestCloneIndependence: diverging results", q1, q2)
	}
}

func TestIntrospection(t *testing.T) {
	s := newSolver(liegroup.NewVector(3))
	c := equalityConstraint("plane",
		mat.NewDense(2, 3, []float64{1, 0, 0, 0, 1, 0}), []float64{1, 2})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestIntrospection:", err)
	}

	switch {
	case s.Dimension() != 2:
		t.Fatal("TestIntrospection: dimension", s.Dimension())
	case s.ReducedDimension() != 2:
		t.Fatal("TestIntrospection: reduced dimension", s.ReducedDimension())
	}

	adp := s.ActiveDerivativeParameters()
	if !adp[0] || !adp[1] || adp[2] {
		t.Fatal("TestIntrospection: bad active derivative parameters", adp)
	}

	q := []float64{0, 0, 0}
	s.ComputeValue(q, true)
	s.ComputeError()

	res := make([]float64, 2)
	s.ResidualError(res)
	if !almostEqual(res, []float64{-1, -2}, 1e-12) {
		t.Fatal("TestIntrospection: bad residual", res)
	}
	val := make([]float64, 2)
	s.GetValue(val)
	if !almostEqual(val, []float64{-1, -2}, 1e-12) {
		t.Fatal("TestIntrospection: bad value", val)
	}

	jr := mat.NewDense(2, 3, nil)
	s.GetReducedJacobian(jr)
	if jr.At(0, 0) != 1 || jr.At(1, 1) != 1 || jr.At(0, 1) != 0 {
		t.Fatal("TestIntrospection: bad reduced jacobian")
	}

	if s.String() == "" {
		t.Fatal("TestIntrospection: empty pretty print")
	}
}

func TestComparisonMapping(t *testing.T) {
	// Superior row: feasible beyond the threshold ⇒ zeroed,
	// violating ⇒ shifted by the threshold. Symmetric for Inferior.
	s := newSolver(liegroup.NewVector(2))
	s.SetInequalityThreshold(0.1)
	c := NewConstraint(
		NewAffine("ineq", mat.NewDense(2, 2, []float64{1, 0, 0, 1}), []float64{0, 0}),
		[]Comparison{Superior, Inferior})
	if err := s.Add(c, 0); err != nil {
		t.Fatal("TestComparisonMapping:", err)
	}

	res := make([]float64, 2)

	s.ComputeValue([]float64{5, -5}, true)
	s.ResidualError(res)
	if res[0] != 0 || res[1] != 0 {
		t.Fatal("TestComparisonMapping: feasible rows not zeroed", res)
	}
	jr := mat.NewDense(2, 2, nil)
	s.GetReducedJacobian(jr)
	if jr.At(0, 0) != 0 || jr.At(1, 1) != 0 {
		t.Fatal("TestComparisonMapping: feasible rows kept in jacobian")
	}

	s.ComputeValue([]float64{0.05, -0.05}, true)
	s.ResidualError(res)
	if !almostEqual(res, []float64{0.05 - 0.1, -0.05 + 0.1}, 1e-12) {
		t.Fatal("TestComparisonMapping: violating rows not shifted", res)
	}
	s.GetReducedJacobian(jr)
	if jr.At(0, 0) != 1 || jr.At(1, 1) != 1 {
		t.Fatal("TestComparisonMapping: violating rows dropped from jacobian")
	}
}

// With solveLevelByLevel the descent stops at the first level whose
// residual is still above the threshold: lower priorities wait.
func TestSolveLevelByLevel(t *testing.T) {
	s := newSolver(liegroup.NewVector(2))
	s.SetSolveLevelByLevel(true)

	c0 := equalityConstraint("q0=1",
		mat.NewDense(1, 2, []float64{1, 0}), []float64{1})
	c1 := equalityConstraint("origin",
		mat.NewDense(2, 2, []float64{1, 0, 0, 1}), []float64{0, 0})
	if err := s.Add(c0, 0); err != nil {
		t.Fatal("TestSolveLevelByLevel:", err)
	}
	if err := s.Add(c1, 1); err != nil {
		t.Fatal("TestSolveLevelByLevel:", err)
	}

	q := []float64{0.5, 0.5}
	s.ComputeValue(q, true)
	s.ComputeError()
	s.ComputeDescentDirection()
	dq := s.DescentDirection()
	// Level-0 residual 0.5 is above threshold: no level-1 motion yet.
	if !almostEqual(dq, []float64{0.5, 0}, 1e-9) {
		t.Fatal("TestSolveLevelByLevel: lower level moved early", dq)
	}
}

func TestSolveEmpty(t *testing.T) {
	s := newSolver(liegroup.NewVector(2))
	q := []float64{1, 2}
	if status := s.Solve(q, Constant{}); status != Success {
		t.Fatal("TestSolveEmpty: status", status)
	}
	if !almostEqual(q, []float64{1, 2}, 0) {
		t.Fatal("TestSolveEmpty: iterate moved", q)
	}
}
