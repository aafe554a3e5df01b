// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hls

import (
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/hisolver/blockidx"
	"github.com/curioloop/hisolver/liegroup"
)

// svdThreshold is the relative cutoff under which singular values are
// treated as zero, matching the reference implementation.
const svdThreshold = 1e-8

// data is the per-priority-level storage. It is rebuilt by update()
// whenever the constraint stack or the free-variable selection
// changes; Solve never reallocates it.
type data struct {
	// output space of the level: product of the member output spaces.
	space *liegroup.Product
	// indices into Solver.constraints, in insertion order.
	members []int

	output []float64 // nqᵢ
	rhs    []float64 // nqᵢ
	errv   []float64 // nvᵢ

	jacobian *mat.Dense // nvᵢ × nv, nil when the level is empty
	reducedJ *mat.Dense // active rows × free cols, nil when degenerate

	svd     mat.SVD
	svdKind mat.SVDKind
	pk      *mat.Dense // nullspace projector carried to the next level

	equalityIndices   blockidx.Segments
	inequalityIndices []int
	comparison        []Comparison
	activeRowsOfJ     blockidx.Blocks

	// monotone high-water of the observed rank across iterations.
	maxRank int
}

func newData() *data {
	return &data{space: liegroup.NewProduct()}
}

// factor decomposes a with the level's SVD kind and returns the
// numerical rank. A failed factorization reports rank 0.
func (d *data) factor(a mat.Matrix) (rank int, sv []float64, ok bool) {
	if ok = d.svd.Factorize(a, d.svdKind); !ok {
		return 0, nil, false
	}
	sv = d.svd.Values(nil)
	if len(sv) == 0 || sv[0] <= 0 {
		return 0, sv, true
	}
	tol := svdThreshold * sv[0]
	for _, s := range sv {
		if s > tol {
			rank++
		}
	}
	return rank, sv, true
}

// solveInto accumulates the rank-truncated pseudo-inverse solution
// 𝐱 += 𝐕 𝚍𝚒𝚊𝚐(1/σ) 𝐔ᵀ 𝐛 of the last factored matrix into x, which
// must have the factored column count.
func (d *data) solveInto(rank int, b, x []float64) {
	if rank == 0 {
		return
	}
	var u, v mat.Dense
	d.svd.UTo(&u)
	d.svd.VTo(&v)
	sv := d.svd.Values(nil)

	ur, _ := u.Dims()
	vr, _ := v.Dims()
	if len(b) != ur || len(x) != vr {
		panic("hls: svd solve dimension not match factorization")
	}
	for k := 0; k < rank; k++ {
		dot := 0.0
		for r := 0; r < ur; r++ {
			dot += u.At(r, k) * b[r]
		}
		dot /= sv[k]
		for r := 0; r < vr; r++ {
			x[r] += dot * v.At(r, k)
		}
	}
}

// kernelBasis returns the right nullspace basis 𝐕₂, the trailing
// cols − rank columns of the V factor, or nil when the kernel is
// trivial.
func (d *data) kernelBasis(rank int) *mat.Dense {
	var v mat.Dense
	d.svd.VTo(&v)
	vr, vc := v.Dims()
	if vc == rank {
		return nil
	}
	return v.Slice(0, vr, rank, vc).(*mat.Dense)
}
