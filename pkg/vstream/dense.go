package vstream

import (
	"fmt"
	"io"
	"sync"
)

// denseBackend serves a plain seekable stream, every byte of which is
// considered stored.
type denseBackend struct {
	lock   sync.Mutex
	rs     io.ReadSeeker
	size   int64
	closer io.Closer
}

// FromStream wraps rs as a SparseStream whose whole length is one extent.
// When rs already is a SparseStream its extents are preserved. With Dispose,
// closing the result closes rs.
func FromStream(rs io.ReadSeeker, own Ownership) (SparseStream, error) {
	if ss, ok := rs.(SparseStream); ok {
		return newStream(&viewBackend{inner: ss, own: own}), nil
	}

	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("measuring stream: %w", err)
	}

	b := &denseBackend{rs: rs, size: size}
	if c, ok := rs.(io.Closer); ok && own == Dispose {
		b.closer = c
	}
	return newStream(b), nil
}

func (b *denseBackend) readAt(p []byte, off int64) (int, error) {
	if ra, ok := b.rs.(io.ReaderAt); ok {
		n, err := ra.ReadAt(p, off)
		if err == io.EOF && n == len(p) {
			err = nil
		}
		return n, err
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if _, err := b.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(b.rs, p)
}

func (b *denseBackend) writeAt(p []byte, off int64) (int, error) {
	var n int
	var err error

	if wa, ok := b.rs.(io.WriterAt); ok {
		n, err = wa.WriteAt(p, off)
	} else if w, ok := b.rs.(io.Writer); ok {
		b.lock.Lock()
		if _, err = b.rs.Seek(off, io.SeekStart); err == nil {
			n, err = w.Write(p)
		}
		b.lock.Unlock()
	} else {
		return 0, ErrReadOnly
	}

	b.lock.Lock()
	if end := off + int64(n); end > b.size {
		b.size = end
	}
	b.lock.Unlock()
	return n, err
}

func (b *denseBackend) length() int64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.size
}

func (b *denseBackend) canWrite() bool {
	switch b.rs.(type) {
	case io.WriterAt, io.Writer:
		return true
	}
	return false
}

func (b *denseBackend) extents(start, count int64) []Extent {
	return Clip([]Extent{{Start: 0, Length: b.length()}}, start, count)
}

func (b *denseBackend) close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// viewBackend passes everything through to another SparseStream, optionally
// taking ownership of it.
type viewBackend struct {
	inner SparseStream
	own   Ownership
}

func (b *viewBackend) readAt(p []byte, off int64) (int, error) {
	n, err := b.inner.ReadAt(p, off)
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

func (b *viewBackend) writeAt(p []byte, off int64) (int, error) {
	return b.inner.WriteAt(p, off)
}

func (b *viewBackend) length() int64 {
	return b.inner.Length()
}

func (b *viewBackend) canWrite() bool {
	return b.inner.CanWrite()
}

func (b *viewBackend) extents(start, count int64) []Extent {
	return b.inner.ExtentsInRange(start, count)
}

func (b *viewBackend) close() error {
	if b.own == Dispose {
		return b.inner.Close()
	}
	return nil
}

// memoryBackend holds the whole stream in a byte slice.
type memoryBackend struct {
	lock sync.RWMutex
	data []byte
}

// NewMemoryStream returns a writable stream backed by data. Writes past the
// end grow the stream.
func NewMemoryStream(data []byte) SparseStream {
	return newStream(&memoryBackend{data: data})
}

func (b *memoryBackend) readAt(p []byte, off int64) (int, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return copy(p, b.data[off:]), nil
}

func (b *memoryBackend) writeAt(p []byte, off int64) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if end := off + int64(len(p)); end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	return copy(b.data[off:], p), nil
}

func (b *memoryBackend) length() int64 {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return int64(len(b.data))
}

func (b *memoryBackend) canWrite() bool {
	return true
}

func (b *memoryBackend) extents(start, count int64) []Extent {
	return Clip([]Extent{{Start: 0, Length: b.length()}}, start, count)
}

func (b *memoryBackend) close() error {
	return nil
}

// zeroBackend is a stream with no stored data at all.
type zeroBackend struct {
	size int64
}

// NewZeroStream returns a read-only stream of the given length that reads as
// zeros and reports no extents.
func NewZeroStream(length int64) SparseStream {
	return newStream(&zeroBackend{size: length})
}

func (b *zeroBackend) readAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func (b *zeroBackend) writeAt(p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (b *zeroBackend) length() int64 {
	return b.size
}

func (b *zeroBackend) canWrite() bool {
	return false
}

func (b *zeroBackend) extents(start, count int64) []Extent {
	return nil
}

func (b *zeroBackend) close() error {
	return nil
}
