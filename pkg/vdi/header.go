// Package vdi reads and writes VirtualBox disk images.
package vdi

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/vbin"
)

const (
	Signature    = 0xBEDA107F
	Version      = 0x00010001
	SectorSize   = 512
	DefaultBlock = 0x100000
	HeaderSize   = 0x1D8
	FileInfo     = "<<< Oracle VM VirtualBox Disk Image >>>\n"

	headerBodySize = HeaderSize - 0x48
	commentSize    = 256
	blockFree      = 0xFFFFFFFF
	blockZero      = 0xFFFFFFFE
)

// ImageType is the kind of image recorded in the header.
type ImageType uint32

// Image types.
const (
	Normal       ImageType = 1
	Fixed        ImageType = 2
	Undo         ImageType = 3
	Differencing ImageType = 4
)

func (t ImageType) String() string {
	switch t {
	case Normal:
		return "normal"
	case Fixed:
		return "fixed"
	case Undo:
		return "undo"
	case Differencing:
		return "differencing"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Header is the pre-header and the version 1.1 header that follows it.
type Header struct {
	FileInfo        string
	Signature       uint32
	Version         uint32
	HeaderSize      uint32
	ImageType       ImageType
	Flags           uint32
	Comment         string
	BlocksOffset    uint32
	DataOffset      uint32
	LegacyGeometry  GeometryRecord
	DiskSize        uint64
	BlockSize       uint32
	BlockExtra      uint32
	Blocks          uint32
	BlocksAllocated uint32
	CreateID        uuid.UUID
	ModifyID        uuid.UUID
	LinkageID       uuid.UUID
	ParentModifyID  uuid.UUID
	LCHSGeometry    GeometryRecord
}

func (h *Header) Size() int {
	return HeaderSize
}

func (h *Header) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, HeaderSize, "vdi header"); err != nil {
		return 0, err
	}
	c := vbin.NewCursor(buf, 0, binary.LittleEndian)
	h.FileInfo = vbin.CString(c.Bytes(64))
	h.Signature = c.Uint32()
	h.Version = c.Uint32()
	h.HeaderSize = c.Uint32()
	h.ImageType = ImageType(c.Uint32())
	h.Flags = c.Uint32()
	h.Comment = vbin.CString(c.Bytes(commentSize))
	h.BlocksOffset = c.Uint32()
	h.DataOffset = c.Uint32()
	if _, err := h.LegacyGeometry.Decode(c.Bytes(GeometryRecordSize)); err != nil {
		return 0, err
	}
	c.Skip(4)
	h.DiskSize = c.Uint64()
	h.BlockSize = c.Uint32()
	h.BlockExtra = c.Uint32()
	h.Blocks = c.Uint32()
	h.BlocksAllocated = c.Uint32()
	h.CreateID = vbin.GUIDLittleEndian(c.Bytes(16))
	h.ModifyID = vbin.GUIDLittleEndian(c.Bytes(16))
	h.LinkageID = vbin.GUIDLittleEndian(c.Bytes(16))
	h.ParentModifyID = vbin.GUIDLittleEndian(c.Bytes(16))
	if _, err := h.LCHSGeometry.Decode(c.Bytes(GeometryRecordSize)); err != nil {
		return 0, err
	}
	return c.Pos(), c.Err()
}

func (h *Header) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, HeaderSize, "vdi header"); err != nil {
		return 0, err
	}
	for i := range buf[:HeaderSize] {
		buf[i] = 0
	}
	le := binary.LittleEndian
	vbin.PutCString(buf[0:64], h.FileInfo)
	le.PutUint32(buf[0x40:], h.Signature)
	le.PutUint32(buf[0x44:], h.Version)
	le.PutUint32(buf[0x48:], h.HeaderSize)
	le.PutUint32(buf[0x4C:], uint32(h.ImageType))
	le.PutUint32(buf[0x50:], h.Flags)
	vbin.PutCString(buf[0x54:0x54+commentSize], h.Comment)
	le.PutUint32(buf[0x154:], h.BlocksOffset)
	le.PutUint32(buf[0x158:], h.DataOffset)
	if _, err := h.LegacyGeometry.Encode(buf[0x15C:]); err != nil {
		return 0, err
	}
	le.PutUint64(buf[0x170:], h.DiskSize)
	le.PutUint32(buf[0x178:], h.BlockSize)
	le.PutUint32(buf[0x17C:], h.BlockExtra)
	le.PutUint32(buf[0x180:], h.Blocks)
	le.PutUint32(buf[0x184:], h.BlocksAllocated)
	vbin.PutGUIDLittleEndian(buf[0x188:], h.CreateID)
	vbin.PutGUIDLittleEndian(buf[0x198:], h.ModifyID)
	vbin.PutGUIDLittleEndian(buf[0x1A8:], h.LinkageID)
	vbin.PutGUIDLittleEndian(buf[0x1B8:], h.ParentModifyID)
	if _, err := h.LCHSGeometry.Encode(buf[0x1C8:]); err != nil {
		return 0, err
	}
	return HeaderSize, nil
}
