// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hls

// Saturation clamps a configuration into its admissible box and
// reports per-tangent-coordinate clipping:
//   - sign[i] = -1 when q[i] was clamped to its lower bound
//   - sign[i] = +1 when q[i] was clamped to its upper bound
//   - sign[i] = 0 when q[i] is interior
//
// qSat may alias q. Saturate returns true iff any sign is non-zero.
type Saturation interface {
	Saturate(q, qSat []float64, sign []int) bool
}

// NoSaturation is the identity policy: no bounds, never clips.
type NoSaturation struct{}

func (NoSaturation) Saturate(q, qSat []float64, sign []int) bool {
	copy(qSat, q)
	for i := range sign {
		sign[i] = 0
	}
	return false
}

// clamp saturates a scalar into [lb, ub], reporting the clipping sign.
func clamp(lb, ub, v float64, vsat *float64, s *int) bool {
	switch {
	case v <= lb:
		*vsat, *s = lb, -1
		return true
	case v >= ub:
		*vsat, *s = ub, 1
		return true
	default:
		*vsat, *s = v, 0
		return false
	}
}

// Bounds saturates each coordinate into [Lower[i], Upper[i]].
// Only meaningful for spaces where ambient and tangent coordinates
// coincide.
type Bounds struct {
	Lower, Upper []float64
}

func (b *Bounds) Saturate(q, qSat []float64, sign []int) bool {
	sat := false
	for i := range q {
		if clamp(b.Lower[i], b.Upper[i], q[i], &qSat[i], &sign[i]) {
			sat = true
		}
	}
	return sat
}

// Joint locates one joint inside a model configuration: NQ ambient
// coordinates at IdxQ and NV tangent coordinates at IdxV.
type Joint struct {
	IdxQ, NQ, IdxV, NV int
}

// Model describes the kinematic layout a Device policy saturates
// against. Joints with NQ ≠ NV (e.g. unit-quaternion parameterization)
// map their trailing ambient coordinates onto the last tangent
// coordinate. ExtraDim appends unstructured dimensions after the
// joints.
type Model struct {
	NQ, NV int
	Joints []Joint
	// Per ambient coordinate, length NQ.
	LowerPositionLimit, UpperPositionLimit []float64
	// Extra configuration dimensions appended after the joints.
	ExtraDim               int
	ExtraLower, ExtraUpper []float64
}

// Device saturates against the position limits of a robot model.
// The model is read-only: the policy may be shared across solvers.
type Device struct {
	Model *Model
}

func (d *Device) Saturate(q, qSat []float64, sign []int) bool {
	m := d.Model
	ret := false

	for _, jnt := range m.Joints {
		for j := 0; j < jnt.NQ; j++ {
			iq := jnt.IdxQ + j
			iv := jnt.IdxV + min(j, jnt.NV-1)
			if clamp(m.LowerPositionLimit[iq], m.UpperPositionLimit[iq],
				q[iq], &qSat[iq], &sign[iv]) {
				ret = true
			}
		}
	}

	for k := 0; k < m.ExtraDim; k++ {
		iq := m.NQ + k
		iv := m.NV + k
		if clamp(m.ExtraLower[k], m.ExtraUpper[k], q[iq], &qSat[iq], &sign[iv]) {
			ret = true
		}
	}
	return ret
}
