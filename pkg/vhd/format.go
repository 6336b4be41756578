// Package vhd reads and writes Microsoft Virtual Hard Disk images: fixed,
// dynamic and differencing.
package vhd

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/vbin"
)

// On-disk constants.
const (
	FooterSize      = 512
	HeaderSize      = 1024
	FileHeaderSize  = 16
	SectorSize      = 512
	DefaultBlock    = 0x200000
	CookieFooter    = "conectix"
	CookieHeader    = "cxsparse"
	unallocated     = 0xFFFFFFFF
	noDataOffset    = 0xFFFFFFFFFFFFFFFF
	formatVersion   = 0x00010000
	headerVersion   = 0x00010000
	creatorApp      = 0x76636C69 // "vcli"
	creatorVersion  = 0x00010000
	creatorHostOS   = 0x5769326B // "Wi2k"
	featureReserved = 0x00000002
)

// DiskType is the kind of VHD recorded in the footer.
type DiskType uint32

// Disk types.
const (
	Fixed        DiskType = 2
	Dynamic      DiskType = 3
	Differencing DiskType = 4
)

func (t DiskType) String() string {
	switch t {
	case Fixed:
		return "fixed"
	case Dynamic:
		return "dynamic"
	case Differencing:
		return "differencing"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Parent locator platform codes.
const (
	PlatformNone         = 0
	PlatformWindowsRel   = 0x57327275 // "W2ru"
	PlatformWindowsAbs   = 0x57326B75 // "W2ku"
	PlatformMacURL       = 0x4D616358 // "MacX"
	PlatformWindowsRelV1 = 0x57693272 // "Wi2r", deprecated
)

// checksum is the one's complement of the byte sum, skipping the four
// checksum bytes at skip.
func checksum(data []byte, skip int) uint32 {
	var sum uint32
	for i, b := range data {
		if i >= skip && i < skip+4 {
			continue
		}
		sum += uint32(b)
	}
	return ^sum
}

func encode(size int, v interface{}, buf []byte) (int, error) {
	w := new(bytes.Buffer)
	if err := binary.Write(w, binary.BigEndian, v); err != nil {
		return 0, err
	}
	return copy(buf[:size], w.Bytes()), nil
}

// Footer is the 512 byte structure at the end of every VHD, and the copy at
// the start of dynamic and differencing ones.
type Footer struct {
	Cookie             [8]byte
	Features           uint32
	FileFormatVersion  uint32
	DataOffset         uint64
	TimeStamp          uint32
	CreatorApplication uint32
	CreatorVersion     uint32
	CreatorHostOS      uint32
	OriginalSize       uint64
	CurrentSize        uint64
	DiskGeometry       uint32
	DiskType           DiskType
	Checksum           uint32
	UniqueID           [16]byte
	SavedState         byte
	Reserved           [427]byte
}

const footerChecksumOffset = 64

func (f *Footer) Size() int {
	return FooterSize
}

func (f *Footer) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, FooterSize, "vhd footer"); err != nil {
		return 0, err
	}
	if err := binary.Read(bytes.NewReader(buf[:FooterSize]), binary.BigEndian, f); err != nil {
		return 0, err
	}
	return FooterSize, nil
}

func (f *Footer) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, FooterSize, "vhd footer"); err != nil {
		return 0, err
	}
	return encode(FooterSize, f, buf)
}

// Seal computes and stores the checksum.
func (f *Footer) Seal() error {
	f.Checksum = 0
	data, err := vbin.Encode(f)
	if err != nil {
		return err
	}
	f.Checksum = checksum(data, footerChecksumOffset)
	return nil
}

// Valid reports whether the cookie and checksum match.
func (f *Footer) Valid() bool {
	if string(f.Cookie[:]) != CookieFooter {
		return false
	}
	data, err := vbin.Encode(f)
	if err != nil {
		return false
	}
	return checksum(data, footerChecksumOffset) == f.Checksum
}

// ID returns the unique identifier of the disk.
func (f *Footer) ID() uuid.UUID {
	return vbin.GUIDBigEndian(f.UniqueID[:])
}

// ParentLocator is one of the eight parent locator entries of a dynamic
// header.
type ParentLocator struct {
	PlatformCode       uint32
	PlatformDataSpace  uint32
	PlatformDataLength uint32
	Reserved           uint32
	PlatformDataOffset uint64
}

// Header is the dynamic disk header.
type Header struct {
	Cookie            [8]byte
	DataOffset        uint64
	TableOffset       uint64
	HeaderVersion     uint32
	MaxTableEntries   uint32
	BlockSize         uint32
	Checksum          uint32
	ParentUniqueID    [16]byte
	ParentTimeStamp   uint32
	Reserved          [4]byte
	ParentUnicodeName [512]byte
	ParentLocators    [8]ParentLocator
	Reserved2         [256]byte
}

const headerChecksumOffset = 36

func (h *Header) Size() int {
	return HeaderSize
}

func (h *Header) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, HeaderSize, "vhd dynamic header"); err != nil {
		return 0, err
	}
	if err := binary.Read(bytes.NewReader(buf[:HeaderSize]), binary.BigEndian, h); err != nil {
		return 0, err
	}
	return HeaderSize, nil
}

func (h *Header) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, HeaderSize, "vhd dynamic header"); err != nil {
		return 0, err
	}
	return encode(HeaderSize, h, buf)
}

// Seal computes and stores the checksum.
func (h *Header) Seal() error {
	h.Checksum = 0
	data, err := vbin.Encode(h)
	if err != nil {
		return err
	}
	h.Checksum = checksum(data, headerChecksumOffset)
	return nil
}

// Valid reports whether the cookie and checksum match.
func (h *Header) Valid() bool {
	if string(h.Cookie[:]) != CookieHeader {
		return false
	}
	data, err := vbin.Encode(h)
	if err != nil {
		return false
	}
	return checksum(data, headerChecksumOffset) == h.Checksum
}

// ParentName returns the UTF-16 big-endian parent file name.
func (h *Header) ParentName() string {
	return vbin.UTF16String(h.ParentUnicodeName[:], binary.BigEndian)
}

// ParentID returns the unique id the parent is expected to have.
func (h *Header) ParentID() uuid.UUID {
	return vbin.GUIDBigEndian(h.ParentUniqueID[:])
}

// FileHeader is the leading cookie and data offset shared by the footer
// copy and the dynamic header, enough to sniff a file.
type FileHeader struct {
	Cookie     string
	DataOffset int64
}

func (h *FileHeader) Size() int {
	return FileHeaderSize
}

func (h *FileHeader) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, FileHeaderSize, "vhd file header"); err != nil {
		return 0, err
	}
	h.Cookie = vbin.CString(buf[0:8])
	h.DataOffset = int64(binary.BigEndian.Uint64(buf[8:]))
	return FileHeaderSize, nil
}

func (h *FileHeader) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, FileHeaderSize, "vhd file header"); err != nil {
		return 0, err
	}
	vbin.PutCString(buf[0:8], h.Cookie)
	binary.BigEndian.PutUint64(buf[8:], uint64(h.DataOffset))
	return FileHeaderSize, nil
}

// IsValid reports whether the cookie is one a VHD file can start with.
func (h *FileHeader) IsValid() bool {
	return h.Cookie == CookieFooter || h.Cookie == CookieHeader
}
