package vstream

import (
	"errors"
	"fmt"
	"io"
)

// concatBackend joins streams end to end.
type concatBackend struct {
	parts  []SparseStream
	own    Ownership
	starts []int64
	size   int64
}

// NewConcatStream returns the streams joined end to end, as used by spanned
// volumes and split images.
func NewConcatStream(own Ownership, parts ...SparseStream) SparseStream {
	b := &concatBackend{parts: parts, own: own}
	for _, p := range parts {
		b.starts = append(b.starts, b.size)
		b.size += p.Length()
	}
	return newStream(b)
}

func (b *concatBackend) readAt(p []byte, off int64) (int, error) {
	return b.each(p, off, func(s SparseStream, p []byte, off int64) error {
		return readFull(s, p, off)
	})
}

func (b *concatBackend) writeAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > b.size {
		return 0, fmt.Errorf("write of %d bytes at %d beyond stream length %d", len(p), off, b.size)
	}
	return b.each(p, off, func(s SparseStream, p []byte, off int64) error {
		_, err := s.WriteAt(p, off)
		return err
	})
}

// each splits [off, off+len(p)) along part boundaries.
func (b *concatBackend) each(p []byte, off int64, fn func(SparseStream, []byte, int64) error) (int, error) {
	done := 0
	for i, s := range b.parts {
		if done == len(p) {
			break
		}
		pos := off + int64(done)
		first, last := b.starts[i], b.starts[i]+s.Length()
		if pos >= last || pos < first {
			continue
		}
		k := int64(len(p) - done)
		if pos+k > last {
			k = last - pos
		}
		if err := fn(s, p[done:done+int(k)], pos-first); err != nil {
			return done, err
		}
		done += int(k)
	}
	if done < len(p) {
		return done, io.ErrUnexpectedEOF
	}
	return done, nil
}

func (b *concatBackend) length() int64 {
	return b.size
}

func (b *concatBackend) canWrite() bool {
	for _, s := range b.parts {
		if !s.CanWrite() {
			return false
		}
	}
	return len(b.parts) > 0
}

func (b *concatBackend) extents(start, count int64) []Extent {
	start, count = clampRange(start, count, b.size)
	if count <= 0 {
		return nil
	}

	var out []Extent
	for i, s := range b.parts {
		first := b.starts[i]
		lo, n := clampRange(start-first, count, s.Length())
		if n <= 0 {
			continue
		}
		out = append(out, Offset(s.ExtentsInRange(lo, n), first)...)
	}
	return Union(out)
}

func (b *concatBackend) close() error {
	if b.own != Dispose {
		return nil
	}
	cs := make([]io.Closer, len(b.parts))
	for i := range b.parts {
		cs[i] = b.parts[i]
	}
	return closeAll(cs...)
}

// stripedBackend interleaves fixed-size stripes across columns.
type stripedBackend struct {
	cols   []SparseStream
	own    Ownership
	stripe int64
	rows   int64
}

// NewStripedStream returns the streams interleaved in stripes of stripeSize
// bytes: stripe k lives on column k mod n, at row k div n. The length is
// limited by the shortest column, rounded down to whole stripes.
func NewStripedStream(stripeSize int64, own Ownership, cols ...SparseStream) (SparseStream, error) {
	if stripeSize <= 0 {
		return nil, fmt.Errorf("invalid stripe size %d", stripeSize)
	}
	if len(cols) == 0 {
		return nil, errors.New("striped stream needs at least one column")
	}

	shortest := cols[0].Length()
	for _, c := range cols[1:] {
		if c.Length() < shortest {
			shortest = c.Length()
		}
	}

	return newStream(&stripedBackend{
		cols:   cols,
		own:    own,
		stripe: stripeSize,
		rows:   shortest / stripeSize,
	}), nil
}

func (b *stripedBackend) locate(off int64) (SparseStream, int64, int64) {
	n := int64(len(b.cols))
	k := off / b.stripe
	within := off % b.stripe
	col := b.cols[k%n]
	return col, (k/n)*b.stripe + within, b.stripe - within
}

func (b *stripedBackend) readAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		col, at, room := b.locate(off + int64(done))
		k := int64(len(p) - done)
		if k > room {
			k = room
		}
		if err := readFull(col, p[done:done+int(k)], at); err != nil {
			return done, err
		}
		done += int(k)
	}
	return done, nil
}

func (b *stripedBackend) writeAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > b.length() {
		return 0, fmt.Errorf("write of %d bytes at %d beyond stream length %d", len(p), off, b.length())
	}
	done := 0
	for done < len(p) {
		col, at, room := b.locate(off + int64(done))
		k := int64(len(p) - done)
		if k > room {
			k = room
		}
		if _, err := col.WriteAt(p[done:done+int(k)], at); err != nil {
			return done, err
		}
		done += int(k)
	}
	return done, nil
}

func (b *stripedBackend) length() int64 {
	return b.rows * b.stripe * int64(len(b.cols))
}

func (b *stripedBackend) canWrite() bool {
	for _, c := range b.cols {
		if !c.CanWrite() {
			return false
		}
	}
	return true
}

// extents reports a stripe as stored if its column stores any of it.
func (b *stripedBackend) extents(start, count int64) []Extent {
	start, count = clampRange(start, count, b.length())
	if count <= 0 {
		return nil
	}

	var out []Extent
	for k := start / b.stripe; k*b.stripe < start+count; k++ {
		col, at, _ := b.locate(k * b.stripe)
		if len(col.ExtentsInRange(at, b.stripe)) > 0 {
			out = append(out, Extent{Start: k * b.stripe, Length: b.stripe})
		}
	}
	return Clip(Union(out), start, count)
}

func (b *stripedBackend) close() error {
	if b.own != Dispose {
		return nil
	}
	cs := make([]io.Closer, len(b.cols))
	for i := range b.cols {
		cs[i] = b.cols[i]
	}
	return closeAll(cs...)
}
