// Package vbin holds the primitives shared by every fixed-layout on-disk
// record: the Record contract, bounds checking and format-scoped decoders
// for text, GUID and timestamp fields.
//
// There is no package-level byte order. Each record type picks
// binary.BigEndian or binary.LittleEndian for itself.
package vbin

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"
	"io"
)

// Sentinel errors returned by record codecs.
var (
	ErrTruncated    = errors.New("buffer too short for record")
	ErrNotSupported = errors.New("operation not supported")
)

// Record is a structure with a constant encoded size.
//
// Decode must consume exactly Size bytes and fail with ErrTruncated if buf is
// shorter. Encode writes exactly Size bytes; decode-only kinds return
// ErrNotSupported.
type Record interface {
	Size() int
	Decode(buf []byte) (int, error)
	Encode(buf []byte) (int, error)
}

// Check returns a wrapped ErrTruncated if buf holds fewer than size bytes.
func Check(buf []byte, size int, name string) error {
	if len(buf) < size {
		return fmt.Errorf("%s: need %d bytes, have %d: %w", name, size, len(buf), ErrTruncated)
	}
	return nil
}

// NotSupported returns a wrapped ErrNotSupported naming the record kind.
func NotSupported(name string) error {
	return fmt.Errorf("%s: encoding: %w", name, ErrNotSupported)
}

// Decode decodes rec from buf.
func Decode(buf []byte, rec Record) error {
	n, err := rec.Decode(buf)
	if err != nil {
		return err
	}
	if n != rec.Size() {
		return fmt.Errorf("record consumed %d bytes, declared size %d", n, rec.Size())
	}
	return nil
}

// Encode returns the encoded form of rec.
func Encode(rec Record) ([]byte, error) {
	buf := make([]byte, rec.Size())
	n, err := rec.Encode(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Read reads exactly rec.Size() bytes from r and decodes them into rec. A
// short read is reported as ErrTruncated.
func Read(r io.Reader, rec Record) error {
	buf := make([]byte, rec.Size())
	_, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("reading %d byte record: %w", rec.Size(), ErrTruncated)
	}
	if err != nil {
		return err
	}
	return Decode(buf, rec)
}

// ReadAt is Read against an absolute offset of r.
func ReadAt(r io.ReaderAt, off int64, rec Record) error {
	return Read(io.NewSectionReader(r, off, int64(rec.Size())), rec)
}
