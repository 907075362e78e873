// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import "slices"

// MaxRanges is the capacity of a RangeSet.
const MaxRanges = 4

// Range is a half-open byte interval [Begin, End).
type Range struct {
	Begin int
	End   int
}

type trackedRange struct {
	Range
	touched uint64
}

// RangeSet records which byte ranges of a body have arrived. It holds at
// most MaxRanges disjoint ranges; adjacent and overlapping ranges merge.
// When a new range does not fit, the range extended least recently is
// evicted. Evicted bytes stay in the reassembly buffer but must be
// received again before the body counts as complete.
type RangeSet struct {
	ranges []trackedRange
	seq    uint64
}

// Contains reports whether [begin, end) is already fully recorded.
func (s *RangeSet) Contains(begin, end int) bool {
	for _, r := range s.ranges {
		if r.Begin <= begin && end <= r.End {
			return true
		}
	}
	return false
}

// Add records [begin, end). It returns the evicted range, if any.
func (s *RangeSet) Add(begin, end int) (evicted *Range) {
	if end <= begin || s.Contains(begin, end) {
		return nil
	}
	s.seq++
	merged := trackedRange{Range: Range{Begin: begin, End: end}, touched: s.seq}
	kept := s.ranges[:0]
	for _, r := range s.ranges {
		if r.End < merged.Begin || r.Begin > merged.End {
			kept = append(kept, r)
			continue
		}
		merged.Begin = min(merged.Begin, r.Begin)
		merged.End = max(merged.End, r.End)
	}
	s.ranges = append(kept, merged)
	slices.SortFunc(s.ranges, func(a, b trackedRange) int { return a.Begin - b.Begin })

	if len(s.ranges) <= MaxRanges {
		return nil
	}
	oldest := 0
	for i, r := range s.ranges {
		if r.touched < s.ranges[oldest].touched {
			oldest = i
		}
	}
	ev := s.ranges[oldest].Range
	s.ranges = slices.Delete(s.ranges, oldest, oldest+1)
	return &ev
}

// Prefix returns the end of the contiguous range starting at zero.
func (s *RangeSet) Prefix() int {
	if len(s.ranges) == 0 || s.ranges[0].Begin != 0 {
		return 0
	}
	return s.ranges[0].End
}

// Covers reports whether [0, total) is recorded without gaps.
func (s *RangeSet) Covers(total int) bool {
	if total == 0 {
		return true
	}
	return s.Prefix() >= total
}

// Ranges returns the recorded ranges in ascending order.
func (s *RangeSet) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	for i, r := range s.ranges {
		out[i] = r.Range
	}
	return out
}

// Len returns the number of disjoint ranges.
func (s *RangeSet) Len() int {
	return len(s.ranges)
}

// Reset forgets every range.
func (s *RangeSet) Reset() {
	s.ranges = s.ranges[:0]
}
