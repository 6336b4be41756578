package vstream

import "io"

// layeredBackend overlays the stored extents of top onto parent. Ranges
// that top does not store are read from parent, or as zeros if there is no
// parent.
type layeredBackend struct {
	top       SparseStream
	ownTop    Ownership
	parent    SparseStream
	ownParent Ownership
}

// NewLayeredStream returns the stream seen through a differencing layer. The
// result has the length of top and writes go to top only. parent may be nil.
func NewLayeredStream(top SparseStream, ownTop Ownership, parent SparseStream, ownParent Ownership) SparseStream {
	return newStream(&layeredBackend{
		top:       top,
		ownTop:    ownTop,
		parent:    parent,
		ownParent: ownParent,
	})
}

func (b *layeredBackend) readAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	pos := off

	for _, e := range b.top.ExtentsInRange(off, int64(len(p))) {
		if e.Start > pos {
			if err := b.readParent(p[pos-off:e.Start-off], pos); err != nil {
				return int(pos - off), err
			}
		}
		if err := readFull(b.top, p[e.Start-off:e.End()-off], e.Start); err != nil {
			return int(e.Start - off), err
		}
		pos = e.End()
	}

	if pos < end {
		if err := b.readParent(p[pos-off:], pos); err != nil {
			return int(pos - off), err
		}
	}

	return len(p), nil
}

func (b *layeredBackend) readParent(p []byte, off int64) error {
	if b.parent == nil {
		zero(p)
		return nil
	}

	var n int
	if off < b.parent.Length() {
		k, err := b.parent.ReadAt(p, off)
		if err != nil && err != io.EOF {
			return err
		}
		n = k
	}

	// a parent shorter than the child reads as zeros past its end
	zero(p[n:])
	return nil
}

func (b *layeredBackend) writeAt(p []byte, off int64) (int, error) {
	return b.top.WriteAt(p, off)
}

func (b *layeredBackend) length() int64 {
	return b.top.Length()
}

func (b *layeredBackend) canWrite() bool {
	return b.top.CanWrite()
}

func (b *layeredBackend) extents(start, count int64) []Extent {
	start, count = clampRange(start, count, b.top.Length())
	if count <= 0 {
		return nil
	}

	own := b.top.ExtentsInRange(start, count)
	if b.parent == nil {
		return own
	}
	return Union(own, b.parent.ExtentsInRange(start, count))
}

func (b *layeredBackend) close() error {
	var cs []io.Closer
	if b.ownTop == Dispose {
		cs = append(cs, b.top)
	}
	if b.ownParent == Dispose && b.parent != nil {
		cs = append(cs, b.parent)
	}
	return closeAll(cs...)
}

func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
