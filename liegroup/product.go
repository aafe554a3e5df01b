// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package liegroup

import (
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Product is the Cartesian product of spaces. Elements and tangents
// are the ordered concatenation of the component elements and
// tangents.
type Product struct {
	spaces []Space
	nq, nv int
}

// NewProduct returns the product of the given spaces. Nested products
// are flattened.
func NewProduct(spaces ...Space) *Product {
	p := &Product{}
	for _, s := range spaces {
		p.Append(s)
	}
	return p
}

// Append extends the product by one more space.
func (p *Product) Append(s Space) {
	if sub, ok := s.(*Product); ok {
		for _, ss := range sub.spaces {
			p.Append(ss)
		}
		return
	}
	p.spaces = append(p.spaces, s)
	p.nq += s.NQ()
	p.nv += s.NV()
}

// Spaces returns the component spaces.
func (p *Product) Spaces() []Space { return p.spaces }

func (p *Product) NQ() int { return p.nq }

func (p *Product) NV() int { return p.nv }

func (p *Product) Name() string {
	names := make([]string, len(p.spaces))
	for i, s := range p.spaces {
		names[i] = s.Name()
	}
	return strings.Join(names, "*")
}

func (p *Product) Neutral() []float64 {
	q := make([]float64, 0, p.nq)
	for _, s := range p.spaces {
		q = append(q, s.Neutral()...)
	}
	return q
}

func (p *Product) Integrate(q, v, out []float64) {
	checkDim(len(q) == p.nq && len(v) == p.nv && len(out) == p.nq)
	iq, iv := 0, 0
	for _, s := range p.spaces {
		nq, nv := s.NQ(), s.NV()
		s.Integrate(q[iq:iq+nq], v[iv:iv+nv], out[iq:iq+nq])
		iq += nq
		iv += nv
	}
}

func (p *Product) Difference(a, b, out []float64) {
	checkDim(len(a) == p.nq && len(b) == p.nq && len(out) == p.nv)
	iq, iv := 0, 0
	for _, s := range p.spaces {
		nq, nv := s.NQ(), s.NV()
		s.Difference(a[iq:iq+nq], b[iq:iq+nq], out[iv:iv+nv])
		iq += nq
		iv += nv
	}
}

func (p *Product) DDifference(a, b []float64, j *mat.Dense) {
	r, c := j.Dims()
	checkDim(r == p.nv && len(a) == p.nq && len(b) == p.nq)
	iq, iv := 0, 0
	for _, s := range p.spaces {
		nq, nv := s.NQ(), s.NV()
		if nv > 0 {
			rows := j.Slice(iv, iv+nv, 0, c).(*mat.Dense)
			s.DDifference(a[iq:iq+nq], b[iq:iq+nq], rows)
		}
		iq += nq
		iv += nv
	}
}

func (p *Product) Equal(o Space) bool {
	q, ok := o.(*Product)
	if !ok || len(q.spaces) != len(p.spaces) {
		return false
	}
	for i, s := range p.spaces {
		if !s.Equal(q.spaces[i]) {
			return false
		}
	}
	return true
}
