// ABOUTME: Ordered set of disjoint half-open intervals used as sample flags
// ABOUTME: Marks invalid or missing samples in buffer and output coordinates
package flags

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Interval is the half-open range [Start, End).
type Interval struct {
	Start int64
	End   int64
}

func (iv Interval) Len() int64 {
	return iv.End - iv.Start
}

// Set keeps its intervals sorted, merged and non-empty. The zero value is
// an empty set ready for use.
type Set struct {
	ivs []Interval
}

func New(ivs ...Interval) *Set {
	s := &Set{}
	for _, iv := range ivs {
		s.Include(iv.Start, iv.End)
	}
	return s
}

// Include marks [start, end). Touching or overlapping intervals are merged.
func (s *Set) Include(start, end int64) *Set {
	if start >= end {
		return s
	}

	// first interval that ends at or after start can merge with the new one
	lo := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].End >= start })
	// first interval that starts strictly after end stays untouched
	hi := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].Start > end })

	merged := Interval{Start: start, End: end}
	if lo < hi {
		if s.ivs[lo].Start < merged.Start {
			merged.Start = s.ivs[lo].Start
		}
		if s.ivs[hi-1].End > merged.End {
			merged.End = s.ivs[hi-1].End
		}
	}

	s.splice(lo, hi, merged)
	return s
}

// Exclude clears [start, end), splitting intervals that straddle the range.
func (s *Set) Exclude(start, end int64) *Set {
	if start >= end || len(s.ivs) == 0 {
		return s
	}

	lo := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].End > start })
	hi := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].Start >= end })
	if lo >= hi {
		return s
	}

	var keep []Interval
	if first := s.ivs[lo]; first.Start < start {
		keep = append(keep, Interval{Start: first.Start, End: start})
	}
	if last := s.ivs[hi-1]; last.End > end {
		keep = append(keep, Interval{Start: end, End: last.End})
	}

	s.splice(lo, hi, keep...)
	return s
}

// splice replaces s.ivs[lo:hi] with repl.
func (s *Set) splice(lo, hi int, repl ...Interval) {
	s.ivs = slices.Replace(s.ivs, lo, hi, repl...)
}

// Subset returns a new set holding the part of s inside [start, end).
func (s *Set) Subset(start, end int64) *Set {
	out := &Set{}
	if start >= end {
		return out
	}

	lo := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].End > start })
	for i := lo; i < len(s.ivs) && s.ivs[i].Start < end; i++ {
		iv := s.ivs[i]
		if iv.Start < start {
			iv.Start = start
		}
		if iv.End > end {
			iv.End = end
		}
		out.ivs = append(out.ivs, iv)
	}
	return out
}

// Shift translates every interval by offset.
func (s *Set) Shift(offset int64) *Set {
	for i := range s.ivs {
		s.ivs[i].Start += offset
		s.ivs[i].End += offset
	}
	return s
}

// UnionWith includes every interval of o into s.
func (s *Set) UnionWith(o *Set) *Set {
	if o == nil {
		return s
	}
	for _, iv := range o.ivs {
		s.Include(iv.Start, iv.End)
	}
	return s
}

// Test reports whether i is flagged.
func (s *Set) Test(i int64) bool {
	k := sort.Search(len(s.ivs), func(j int) bool { return s.ivs[j].End > i })
	return k < len(s.ivs) && s.ivs[k].Start <= i
}

// Count returns the number of flagged positions.
func (s *Set) Count() int64 {
	var n int64
	for _, iv := range s.ivs {
		n += iv.Len()
	}
	return n
}

func (s *Set) Empty() bool {
	return len(s.ivs) == 0
}

func (s *Set) Reset() {
	s.ivs = s.ivs[:0]
}

func (s *Set) Clone() *Set {
	return &Set{ivs: append([]Interval(nil), s.ivs...)}
}

// Intervals returns a copy of the intervals in ascending order.
func (s *Set) Intervals() []Interval {
	return append([]Interval(nil), s.ivs...)
}

func (s *Set) Equal(o *Set) bool {
	return slices.Equal(s.ivs, o.ivs)
}

func (s *Set) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, iv := range s.ivs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "[%d,%d)", iv.Start, iv.End)
	}
	b.WriteByte('}')
	return b.String()
}
