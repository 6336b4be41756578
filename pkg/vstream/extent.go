package vstream

import (
	"fmt"
	"sort"
)

// Extent is a contiguous range of bytes within a stream.
type Extent struct {
	Start  int64
	Length int64
}

// End returns the offset one past the last byte of e.
func (e Extent) End() int64 {
	return e.Start + e.Length
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d,%d)", e.Start, e.End())
}

// Clip returns the parts of exts that overlap [start, start+count), trimmed to
// that range.
func Clip(exts []Extent, start, count int64) []Extent {
	end := start + count
	var out []Extent
	for _, e := range exts {
		s, t := e.Start, e.End()
		if t <= start || s >= end {
			continue
		}
		if s < start {
			s = start
		}
		if t > end {
			t = end
		}
		out = append(out, Extent{Start: s, Length: t - s})
	}
	return out
}

// Offset returns a copy of exts shifted by delta.
func Offset(exts []Extent, delta int64) []Extent {
	out := make([]Extent, len(exts))
	for i, e := range exts {
		out[i] = Extent{Start: e.Start + delta, Length: e.Length}
	}
	return out
}

// Union returns the sorted, merged union of the given extent lists.
func Union(lists ...[]Extent) []Extent {
	var all []Extent
	for _, l := range lists {
		for _, e := range l {
			if e.Length > 0 {
				all = append(all, e)
			}
		}
	}
	if len(all) == 0 {
		return nil
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Start < all[j].Start
	})

	out := []Extent{all[0]}
	for _, e := range all[1:] {
		last := &out[len(out)-1]
		if e.Start <= last.End() {
			if e.End() > last.End() {
				last.Length = e.End() - last.Start
			}
			continue
		}
		out = append(out, e)
	}
	return out
}

// Total returns the number of bytes covered by exts, which must not overlap.
func Total(exts []Extent) int64 {
	var n int64
	for _, e := range exts {
		n += e.Length
	}
	return n
}
