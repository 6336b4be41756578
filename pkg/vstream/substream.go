package vstream

import (
	"fmt"
	"io"
)

type subBackend struct {
	parent SparseStream
	first  int64
	size   int64
}

// NewSubStream returns a view of length bytes of parent starting at first.
// The view never owns parent; closing it leaves parent open.
func NewSubStream(parent SparseStream, first, length int64) (SparseStream, error) {
	if first < 0 || length < 0 {
		return nil, fmt.Errorf("invalid sub-stream range %d+%d", first, length)
	}
	if first+length > parent.Length() {
		return nil, fmt.Errorf("sub-stream range %d+%d exceeds parent length %d: %w", first, length, parent.Length(), io.ErrUnexpectedEOF)
	}
	return newStream(&subBackend{parent: parent, first: first, size: length}), nil
}

func (b *subBackend) readAt(p []byte, off int64) (int, error) {
	n, err := b.parent.ReadAt(p, b.first+off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

func (b *subBackend) writeAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > b.size {
		return 0, fmt.Errorf("write of %d bytes at %d beyond sub-stream length %d", len(p), off, b.size)
	}
	return b.parent.WriteAt(p, b.first+off)
}

func (b *subBackend) length() int64 {
	return b.size
}

func (b *subBackend) canWrite() bool {
	return b.parent.CanWrite()
}

func (b *subBackend) extents(start, count int64) []Extent {
	start, count = clampRange(start, count, b.size)
	if count <= 0 {
		return nil
	}
	return Offset(b.parent.ExtentsInRange(b.first+start, count), -b.first)
}

func (b *subBackend) close() error {
	return nil
}

func clampRange(start, count, size int64) (int64, int64) {
	if start < 0 {
		count += start
		start = 0
	}
	if start+count > size {
		count = size - start
	}
	return start, count
}
