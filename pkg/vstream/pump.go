package vstream

import (
	"fmt"
	"io"
)

// PumpChunkSize is the largest single read issued by Pump.
const PumpChunkSize = 1 << 20

// HolePredictor answers whether a range of a stream holds no data, letting
// image writers skip allocating storage for it.
type HolePredictor interface {
	Size() int64
	RegionIsHole(begin, size int64) bool
}

type holes struct {
	s SparseStream
}

// Holes returns a HolePredictor reporting the gaps between the extents of s.
func Holes(s SparseStream) HolePredictor {
	return holes{s: s}
}

func (h holes) Size() int64 {
	return h.s.Length()
}

func (h holes) RegionIsHole(begin, size int64) bool {
	return len(h.s.ExtentsInRange(begin, size)) == 0
}

// Pump copies the stored extents of src into w, seeking over the gaps, and
// leaves w positioned at src.Length(). It returns the number of bytes copied.
func Pump(w io.WriteSeeker, src SparseStream) (int64, error) {
	buf := make([]byte, PumpChunkSize)
	var copied int64

	for _, e := range src.Extents() {
		if _, err := w.Seek(e.Start, io.SeekStart); err != nil {
			return copied, err
		}

		for pos := e.Start; pos < e.End(); {
			k := e.End() - pos
			if k > PumpChunkSize {
				k = PumpChunkSize
			}
			if err := readFull(src, buf[:k], pos); err != nil {
				return copied, fmt.Errorf("reading at offset %d: %w", pos, err)
			}
			n, err := w.Write(buf[:k])
			copied += int64(n)
			if err != nil {
				return copied, err
			}
			pos += k
		}
	}

	if _, err := w.Seek(src.Length(), io.SeekStart); err != nil {
		return copied, err
	}
	return copied, nil
}
