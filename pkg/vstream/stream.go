// Package vstream implements content streams: seekable, randomly addressable
// views of disk data that also report which byte ranges are physically
// stored. Streams compose, so a differencing disk, a partition or a spanned
// volume are all just SparseStreams built from other SparseStreams.
package vstream

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"
	"io"
)

// Stream errors.
var (
	ErrClosed   = errors.New("stream is closed")
	ErrReadOnly = errors.New("stream does not support writing")
)

// Ownership states whether a stream is responsible for closing a stream it
// wraps. It is always given explicitly by the caller.
type Ownership int

// Ownership values.
const (
	// None leaves the wrapped stream's lifetime with the caller.
	None Ownership = iota
	// Dispose transfers the wrapped stream to the new owner, which closes it
	// exactly once.
	Dispose
)

func (o Ownership) String() string {
	if o == Dispose {
		return "dispose"
	}
	return "none"
}

// SparseStream is a logical stream of bytes with a defined length. Byte
// ranges outside Extents are not physically stored and read as zero, or in
// the case of differencing layers, as whatever the parent holds.
type SparseStream interface {
	io.Reader
	io.ReaderAt
	io.Writer
	io.WriterAt
	io.Seeker
	io.Closer

	// Length returns the logical size of the stream in bytes.
	Length() int64

	// CanWrite reports whether Write and WriteAt are supported.
	CanWrite() bool

	// Extents returns the ranges holding stored data, in order.
	Extents() []Extent

	// ExtentsInRange returns the stored ranges clipped to
	// [start, start+count).
	ExtentsInRange(start, count int64) []Extent
}

// backend is the positionless part of a stream implementation. The stream
// type layers the cursor and lifecycle on top of it.
type backend interface {
	readAt(p []byte, off int64) (int, error)
	writeAt(p []byte, off int64) (int, error)
	length() int64
	canWrite() bool
	extents(start, count int64) []Extent
	close() error
}

type stream struct {
	b      backend
	pos    int64
	closed bool
}

func newStream(b backend) *stream {
	return &stream{b: b}
}

func (s *stream) Length() int64 {
	return s.b.length()
}

func (s *stream) CanWrite() bool {
	return !s.closed && s.b.canWrite()
}

func (s *stream) Extents() []Extent {
	if s.closed {
		return nil
	}
	return s.b.extents(0, s.b.length())
}

func (s *stream) ExtentsInRange(start, count int64) []Extent {
	if s.closed {
		return nil
	}
	return s.b.extents(start, count)
}

func (s *stream) ReadAt(p []byte, off int64) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("read at negative offset %d", off)
	}

	length := s.b.length()
	if off >= length {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	want := p
	if int64(len(want)) > length-off {
		want = want[:length-off]
	}

	n, err := s.b.readAt(want, off)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *stream) WriteAt(p []byte, off int64) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if !s.b.canWrite() {
		return 0, ErrReadOnly
	}
	if off < 0 {
		return 0, fmt.Errorf("write at negative offset %d", off)
	}
	return s.b.writeAt(p, off)
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.pos)
	s.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (s *stream) Write(p []byte) (int, error) {
	n, err := s.WriteAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *stream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.b.length() + offset
	default:
		return s.pos, fmt.Errorf("invalid seek whence %d", whence)
	}

	if abs < 0 {
		return s.pos, fmt.Errorf("seek to negative offset %d", abs)
	}

	s.pos = abs
	return abs, nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.b.close()
}

// ReadExact reads exactly n bytes at off. A short stream is reported as
// io.ErrUnexpectedEOF. When r knows its length a read past the end fails
// before anything is allocated.
func ReadExact(r io.ReaderAt, off int64, n int) ([]byte, error) {
	if n < 0 || off < 0 {
		return nil, fmt.Errorf("reading %d bytes at offset %d: invalid range", n, off)
	}
	if l, ok := r.(interface{ Length() int64 }); ok && int64(n) > l.Length()-off {
		return nil, fmt.Errorf("reading %d bytes at offset %d: %w", n, off, io.ErrUnexpectedEOF)
	}
	buf := make([]byte, n)
	k, err := r.ReadAt(buf, off)
	if k == n {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return buf[:k], fmt.Errorf("reading %d bytes at offset %d: %w", n, off, err)
}

// closeAll closes each closer, returning the first error.
func closeAll(cs ...io.Closer) error {
	var first error
	for _, c := range cs {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
