// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package liegroup

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// SO3 is the rotation group, stored as a unit quaternion (x, y, z, w)
// with NQ = 4 and NV = 3. Velocities are rotation vectors in the body
// frame: 𝐪 ⊕ 𝐯 = 𝐪 ⊗ 𝚎𝚡𝚙(𝐯) and 𝐚 ⊖ 𝐛 = 𝚕𝚘𝚐(𝐛⁻¹ ⊗ 𝐚).
type SO3 struct{}

func (SO3) NQ() int { return 4 }

func (SO3) NV() int { return 3 }

func (SO3) Name() string { return "SO3" }

func (SO3) Neutral() []float64 { return []float64{0, 0, 0, 1} }

func (SO3) Integrate(q, v, out []float64) {
	checkDim(len(q) == 4 && len(v) == 3 && len(out) == 4)
	var e [4]float64
	quatExp(v, e[:])
	var r [4]float64
	quatMul(q, e[:], r[:])
	quatNormalize(r[:])
	copy(out, r[:])
}

func (SO3) Difference(a, b, out []float64) {
	checkDim(len(a) == 4 && len(b) == 4 && len(out) == 3)
	var bc, d [4]float64
	quatConj(b, bc[:])
	quatMul(bc[:], a, d[:])
	quatLog(d[:], out)
}

// DDifference premultiplies j by the inverse right Jacobian of the
// logarithm at 𝐞 = 𝐚 ⊖ 𝐛:
//
//	𝐉𝚕𝚘𝚐(𝐞) = 𝐈 + ½[𝐞]ₓ + (1/θ² - (1+𝚌𝚘𝚜θ)/(2θ𝚜𝚒𝚗θ))[𝐞]ₓ²
func (s SO3) DDifference(a, b []float64, j *mat.Dense) {
	r, c := j.Dims()
	checkDim(r == 3)

	var e [3]float64
	s.Difference(a, b, e[:])

	var jl mat.Dense
	jlog3(e[:], &jl)

	tmp := mat.NewDense(3, c, nil)
	tmp.Mul(&jl, j)
	j.Copy(tmp)
}

func (SO3) Equal(o Space) bool {
	_, ok := o.(SO3)
	return ok
}

// jlog3 fills dst with the 3×3 inverse right Jacobian of log at the
// rotation vector e.
func jlog3(e []float64, dst *mat.Dense) {
	theta2 := e[0]*e[0] + e[1]*e[1] + e[2]*e[2]
	theta := math.Sqrt(theta2)

	var k float64
	if theta < 1e-4 {
		// 1/θ² - (1+cosθ)/(2θ·sinθ) = 1/12 + θ²/720 + O(θ⁴)
		k = 1.0/12.0 + theta2/720.0
	} else {
		k = 1.0/theta2 - (1+math.Cos(theta))/(2*theta*math.Sin(theta))
	}

	var sk, sk2 mat.Dense
	skew(e, &sk)
	sk2.Mul(&sk, &sk)

	dst.ReuseAs(3, 3)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := 0.5*sk.At(i, j) + k*sk2.At(i, j)
			if i == j {
				v++
			}
			dst.Set(i, j, v)
		}
	}
}

// skew fills dst with the cross-product matrix [e]ₓ.
func skew(e []float64, dst *mat.Dense) {
	dst.ReuseAs(3, 3)
	dst.Set(0, 1, -e[2])
	dst.Set(0, 2, e[1])
	dst.Set(1, 0, e[2])
	dst.Set(1, 2, -e[0])
	dst.Set(2, 0, -e[1])
	dst.Set(2, 1, e[0])
}

// quatExp maps a rotation vector to a unit quaternion.
func quatExp(v []float64, q []float64) {
	theta := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	var s float64
	if theta < 1e-8 {
		// sin(θ/2)/θ = ½ - θ²/48 + O(θ⁴)
		s = 0.5 - theta*theta/48.0
	} else {
		s = math.Sin(theta/2) / theta
	}
	q[0], q[1], q[2] = s*v[0], s*v[1], s*v[2]
	q[3] = math.Cos(theta / 2)
}

// quatLog maps a unit quaternion to its rotation vector.
func quatLog(q []float64, v []float64) {
	x, y, z, w := q[0], q[1], q[2], q[3]
	if w < 0 {
		// antipodal representative, same rotation
		x, y, z, w = -x, -y, -z, -w
	}
	n := math.Sqrt(x*x + y*y + z*z)
	if n < 1e-10 {
		// θ/sin(θ/2) ≈ 2/w near identity
		s := 2 / w
		v[0], v[1], v[2] = s*x, s*y, s*z
		return
	}
	theta := 2 * math.Atan2(n, w)
	s := theta / n
	v[0], v[1], v[2] = s*x, s*y, s*z
}

// quatMul stores the Hamilton product a ⊗ b into out.
func quatMul(a, b, out []float64) {
	ax, ay, az, aw := a[0], a[1], a[2], a[3]
	bx, by, bz, bw := b[0], b[1], b[2], b[3]
	out[0] = aw*bx + ax*bw + ay*bz - az*by
	out[1] = aw*by - ax*bz + ay*bw + az*bx
	out[2] = aw*bz + ax*by - ay*bx + az*bw
	out[3] = aw*bw - ax*bx - ay*by - az*bz
}

func quatConj(q, out []float64) {
	out[0], out[1], out[2], out[3] = -q[0], -q[1], -q[2], q[3]
}

func quatNormalize(q []float64) {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n == 0 {
		q[0], q[1], q[2], q[3] = 0, 0, 0, 1
		return
	}
	q[0] /= n
	q[1] /= n
	q[2] /= n
	q[3] /= n
}
