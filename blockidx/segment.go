// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blockidx implements an algebra on sequences of half-open
// integer intervals, used to address sub-blocks of vectors and
// matrices under variable reduction.
//
// A sequence is canonical when its segments are sorted by start,
// pairwise disjoint and maximal (no two adjacent segments can be
// merged). Sort followed by Shrink produces the canonical form and
// every operation below preserves it when its inputs are canonical.
package blockidx

import "sort"

// Segment is the half-open index range [Start, Start+Length).
// A segment with Length == 0 is the empty set and is absorbed by
// every operation.
type Segment struct {
	Start, Length int
}

// End returns the first index past the segment.
func (s Segment) End() int { return s.Start + s.Length }

// Empty reports whether the segment contains no index.
func (s Segment) Empty() bool { return s.Length <= 0 }

// Segments is an ordered sequence of segments.
type Segments []Segment

// Sort orders the segments by start ascending, ties broken by length
// ascending.
func Sort(a Segments) {
	sort.Slice(a, func(i, j int) bool {
		if a[i].Start != a[j].Start {
			return a[i].Start < a[j].Start
		}
		return a[i].Length < a[j].Length
	})
}

// Shrink merges consecutive overlapping or adjacent segments of a
// sorted sequence in place and returns the shortened sequence.
// The result is canonical.
func Shrink(a Segments) Segments {
	if len(a) < 2 {
		return a
	}
	k := 0
	for i := 1; i < len(a); i++ {
		e1, e2 := &a[k], a[i]
		if e1.End() >= e2.Start {
			e1.Length = max(e1.Length, e2.End()-e1.Start)
		} else {
			k++
			a[k] = e2
		}
	}
	return a[:k+1]
}

// Canonical returns a canonical copy of a: sorted, disjoint, maximal,
// with empty segments dropped.
func Canonical(a Segments) Segments {
	c := make(Segments, 0, len(a))
	for _, s := range a {
		if !s.Empty() {
			c = append(c, s)
		}
	}
	Sort(c)
	return Shrink(c)
}

// Overlap reports whether two segments intersect.
// Empty segments overlap nothing.
func Overlap(a, b Segment) bool {
	if a.Empty() || b.Empty() {
		return false
	}
	return a.Start < b.End() && b.Start < a.End()
}

// Cardinal returns the total number of indices covered by a.
func Cardinal(a Segments) int {
	c := 0
	for _, s := range a {
		c += s.Length
	}
	return c
}

// Sum returns the union of two segments as one segment when they
// overlap or touch, two segments otherwise.
func Sum(a, b Segment) Segments {
	if a.Start > b.Start {
		return Sum(b, a)
	}
	// a.Start <= b.Start
	s := Segments{a}
	if a.End() >= b.Start {
		s[0].Length = max(a.Length, b.End()-a.Start)
	} else {
		s = append(s, b)
	}
	return s
}

// Difference returns a ∖ b for two segments: zero, one or two
// segments.
func Difference(a, b Segment) Segments {
	if a.Empty() {
		return Segments{}
	}
	if b.Empty() {
		return Segments{a}
	}
	var diff Segments
	if a.Start < b.Start {
		end := min(a.End(), b.Start)
		diff = append(diff, Segment{a.Start, end - a.Start})
	}
	if b.End() < a.End() {
		start := max(a.Start, b.End())
		diff = append(diff, Segment{start, a.End() - start})
	}
	return diff
}

// Without returns a ∖ b where a is a sorted sequence. Binary search
// locates the affected span: segments ending at or before b.Start and
// segments starting after b.End pass through unchanged; only the
// segments in between are expanded by the single-segment difference.
// Canonical input yields canonical output.
func (a Segments) Without(b Segment) Segments {
	// first segment e with b.Start < e.End()
	first := sort.Search(len(a), func(i int) bool { return b.Start < a[i].End() })
	// first segment e with b.End() < e.Start
	last := sort.Search(len(a), func(i int) bool { return b.End() < a[i].Start })

	ret := make(Segments, 0, len(a)+2)
	ret = append(ret, a[:first]...)
	for _, e := range a[first:last] {
		ret = append(ret, Difference(e, b)...)
	}
	ret = append(ret, a[last:]...)
	return ret
}

// SegmentWithout returns a ∖ b for a single segment and a sequence.
func SegmentWithout(a Segment, b Segments) Segments {
	diff := Segments{a}
	for _, s := range b {
		diff = diff.Without(s)
	}
	return diff
}

// Minus returns the relative complement a ∖ b of two sequences.
func (a Segments) Minus(b Segments) Segments {
	diff := a
	for _, s := range b {
		diff = diff.Without(s)
	}
	return diff
}

// Indices flattens the sequence into the covered indices, in order.
func (a Segments) Indices() []int {
	idx := make([]int, 0, Cardinal(a))
	for _, s := range a {
		for i := s.Start; i < s.End(); i++ {
			idx = append(idx, i)
		}
	}
	return idx
}

// Contains reports whether index i is covered by the sequence.
func (a Segments) Contains(i int) bool {
	for _, s := range a {
		if s.Start <= i && i < s.End() {
			return true
		}
	}
	return false
}

// Clone returns a copy of the sequence.
func (a Segments) Clone() Segments {
	c := make(Segments, len(a))
	copy(c, a)
	return c
}
