// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockidx

import "gonum.org/v1/gonum/mat"

// KeepVec gathers the selected entries of src into a dense vector of
// size Cardinal(a).
func (a Segments) KeepVec(src []float64) []float64 {
	dst := make([]float64, 0, Cardinal(a))
	for _, s := range a {
		dst = append(dst, src[s.Start:s.End()]...)
	}
	return dst
}

// KeepVecTo gathers the selected entries of src into dst, which must
// have length Cardinal(a).
func (a Segments) KeepVecTo(dst, src []float64) {
	if len(dst) != Cardinal(a) {
		panic("blockidx: keep view dimension not match selection")
	}
	k := 0
	for _, s := range a {
		k += copy(dst[k:], src[s.Start:s.End()])
	}
}

// ScatterVec writes the contiguous entries of src back into the
// selected positions of dst. Deselected entries of dst are untouched.
func (a Segments) ScatterVec(dst, src []float64) {
	if len(src) != Cardinal(a) {
		panic("blockidx: scatter dimension not match selection")
	}
	k := 0
	for _, s := range a {
		copy(dst[s.Start:s.End()], src[k:k+s.Length])
		k += s.Length
	}
}

// FullVec copies the selected entries of src into a vector with the
// same outer size and zeros elsewhere.
func (a Segments) FullVec(src []float64) []float64 {
	dst := make([]float64, len(src))
	for _, s := range a {
		copy(dst[s.Start:s.End()], src[s.Start:s.End()])
	}
	return dst
}

// KeepInts gathers the selected entries of an integer vector.
func (a Segments) KeepInts(src []int) []int {
	dst := make([]int, 0, Cardinal(a))
	for _, s := range a {
		dst = append(dst, src[s.Start:s.End()]...)
	}
	return dst
}

// KeepIntsTo gathers the selected entries of an integer vector into
// dst, which must have length Cardinal(a).
func (a Segments) KeepIntsTo(dst, src []int) {
	if len(dst) != Cardinal(a) {
		panic("blockidx: keep view dimension not match selection")
	}
	k := 0
	for _, s := range a {
		k += copy(dst[k:], src[s.Start:s.End()])
	}
}

// Blocks selects rows × cols of a dense matrix.
type Blocks struct {
	Rows, Cols Segments
}

// NbRows returns the number of selected rows.
func (b Blocks) NbRows() int { return Cardinal(b.Rows) }

// NbCols returns the number of selected columns.
func (b Blocks) NbCols() int { return Cardinal(b.Cols) }

// KeepTo gathers the selected rows and columns of src into dst,
// a dense NbRows × NbCols matrix.
func (b Blocks) KeepTo(dst *mat.Dense, src mat.Matrix) {
	r, c := dst.Dims()
	if r != b.NbRows() || c != b.NbCols() {
		panic("blockidx: keep view dimension not match selection")
	}
	i := 0
	for _, rs := range b.Rows {
		for ri := rs.Start; ri < rs.End(); ri++ {
			j := 0
			for _, cs := range b.Cols {
				for ci := cs.Start; ci < cs.End(); ci++ {
					dst.Set(i, j, src.At(ri, ci))
					j++
				}
			}
			i++
		}
	}
}

// Keep allocates and returns the gathered NbRows × NbCols view.
// When no row or no column is selected it returns a 1 × 1 zero
// matrix.
func (b Blocks) Keep(src mat.Matrix) *mat.Dense {
	dst := mat.NewDense(max(b.NbRows(), 1), max(b.NbCols(), 1), nil)
	if b.NbRows() == 0 || b.NbCols() == 0 {
		return dst
	}
	b.KeepTo(dst, src)
	return dst
}

// Full copies the selected entries of src into a matrix with the same
// outer shape and zeros elsewhere.
func (b Blocks) Full(src mat.Matrix) *mat.Dense {
	r, c := src.Dims()
	dst := mat.NewDense(r, c, nil)
	for _, rs := range b.Rows {
		for ri := rs.Start; ri < rs.End(); ri++ {
			for _, cs := range b.Cols {
				for ci := cs.Start; ci < cs.End(); ci++ {
					dst.Set(ri, ci, src.At(ri, ci))
				}
			}
		}
	}
	return dst
}

// Scatter writes a dense NbRows × NbCols matrix back into the
// selected entries of dst. Deselected entries are untouched.
func (b Blocks) Scatter(dst *mat.Dense, src mat.Matrix) {
	r, c := src.Dims()
	if r != b.NbRows() || c != b.NbCols() {
		panic("blockidx: scatter dimension not match selection")
	}
	i := 0
	for _, rs := range b.Rows {
		for ri := rs.Start; ri < rs.End(); ri++ {
			j := 0
			for _, cs := range b.Cols {
				for ci := cs.Start; ci < cs.End(); ci++ {
					dst.Set(ri, ci, src.At(i, j))
					j++
				}
			}
			i++
		}
	}
}
