// Package vhdx recognizes Hyper-V VHDX images and decodes their file
// identifier, headers and log entry headers. Image content is not readable.
package vhdx

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vstream"
)

const (
	FileSignature       = "vhdxfile"
	FileIdentifierSize  = 0x10000
	HeaderSignature     = 0x64616568 // "head"
	HeaderSize          = 4096
	Header1Offset       = 0x10000
	Header2Offset       = 0x20000
	creatorBytes        = 512
	headerChecksumField = 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrNoHeader is returned when neither copy of the header is valid.
var ErrNoHeader = errors.New("no valid vhdx header")

// FileIdentifier is the first 64KiB of the file.
type FileIdentifier struct {
	Signature string
	Creator   string
}

func (f *FileIdentifier) Size() int {
	return FileIdentifierSize
}

func (f *FileIdentifier) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, FileIdentifierSize, "vhdx file identifier"); err != nil {
		return 0, err
	}
	f.Signature = string(buf[:8])
	f.Creator = vbin.UTF16String(buf[8:8+creatorBytes], binary.LittleEndian)
	return FileIdentifierSize, nil
}

func (f *FileIdentifier) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, FileIdentifierSize, "vhdx file identifier"); err != nil {
		return 0, err
	}
	for i := range buf[:FileIdentifierSize] {
		buf[i] = 0
	}
	copy(buf, FileSignature)
	vbin.PutUTF16String(buf[8:8+creatorBytes], f.Creator, binary.LittleEndian)
	return FileIdentifierSize, nil
}

// Header is one of the two copies of the image header. The copy with the
// higher sequence number is current.
type Header struct {
	Signature      uint32
	Checksum       uint32
	SequenceNumber uint64
	FileWriteGUID  uuid.UUID
	DataWriteGUID  uuid.UUID
	LogGUID        uuid.UUID
	LogVersion     uint16
	Version        uint16
	LogLength      uint32
	LogOffset      uint64

	valid bool
}

func (h *Header) Size() int {
	return HeaderSize
}

func (h *Header) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, HeaderSize, "vhdx header"); err != nil {
		return 0, err
	}
	c := vbin.NewCursor(buf, 0, binary.LittleEndian)
	h.Signature = c.Uint32()
	h.Checksum = c.Uint32()
	h.SequenceNumber = c.Uint64()
	h.FileWriteGUID = vbin.GUIDLittleEndian(c.Bytes(16))
	h.DataWriteGUID = vbin.GUIDLittleEndian(c.Bytes(16))
	h.LogGUID = vbin.GUIDLittleEndian(c.Bytes(16))
	h.LogVersion = c.Uint16()
	h.Version = c.Uint16()
	h.LogLength = c.Uint32()
	h.LogOffset = c.Uint64()
	if err := c.Err(); err != nil {
		return 0, err
	}
	h.valid = h.Signature == HeaderSignature && checksum(buf[:HeaderSize]) == h.Checksum
	return HeaderSize, nil
}

// Encode writes the header with a freshly computed checksum.
func (h *Header) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, HeaderSize, "vhdx header"); err != nil {
		return 0, err
	}
	for i := range buf[:HeaderSize] {
		buf[i] = 0
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.Signature)
	le.PutUint64(buf[8:], h.SequenceNumber)
	vbin.PutGUIDLittleEndian(buf[16:], h.FileWriteGUID)
	vbin.PutGUIDLittleEndian(buf[32:], h.DataWriteGUID)
	vbin.PutGUIDLittleEndian(buf[48:], h.LogGUID)
	le.PutUint16(buf[64:], h.LogVersion)
	le.PutUint16(buf[66:], h.Version)
	le.PutUint32(buf[68:], h.LogLength)
	le.PutUint64(buf[72:], h.LogOffset)
	h.Checksum = checksum(buf[:HeaderSize])
	le.PutUint32(buf[headerChecksumField:], h.Checksum)
	return HeaderSize, nil
}

// Valid reports whether the signature and CRC-32C matched when decoded.
func (h *Header) Valid() bool {
	return h.valid
}

func checksum(data []byte) uint32 {
	tmp := make([]byte, len(data))
	copy(tmp, data)
	for i := headerChecksumField; i < headerChecksumField+4; i++ {
		tmp[i] = 0
	}
	return crc32.Checksum(tmp, castagnoli)
}

// Info summarizes what can be learned from the start of a VHDX file.
type Info struct {
	Identifier FileIdentifier
	Header     Header
}

// ReadInfo reads the file identifier and the current header.
func ReadInfo(s vstream.SparseStream) (*Info, error) {
	info := new(Info)
	if err := vbin.ReadAt(s, 0, &info.Identifier); err != nil {
		return nil, errors.Wrap(err, "reading file identifier")
	}
	if info.Identifier.Signature != FileSignature {
		return nil, errors.Errorf("bad vhdx signature '%s'", info.Identifier.Signature)
	}

	var found bool
	for _, off := range []int64{Header1Offset, Header2Offset} {
		var h Header
		if err := vbin.ReadAt(s, off, &h); err != nil || !h.Valid() {
			continue
		}
		if !found || h.SequenceNumber > info.Header.SequenceNumber {
			info.Header = h
			found = true
		}
	}
	if !found {
		return nil, ErrNoHeader
	}
	return info, nil
}
