// Package hfsplus decodes HFS+ catalog records. It does not read volumes.
package hfsplus

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/vorteil/vdisc/pkg/vbin"
)

// CatalogRecordType identifies the kind of a catalog leaf record.
type CatalogRecordType int16

// Catalog record types.
const (
	FolderRecord       CatalogRecordType = 1
	FileRecord         CatalogRecordType = 2
	FolderThreadRecord CatalogRecordType = 3
	FileThreadRecord   CatalogRecordType = 4
)

func (t CatalogRecordType) String() string {
	switch t {
	case FolderRecord:
		return "folder"
	case FileRecord:
		return "file"
	case FolderThreadRecord:
		return "folder thread"
	case FileThreadRecord:
		return "file thread"
	}
	return fmt.Sprintf("record(%d)", int16(t))
}

// CatalogNodeID is the number of a file or folder.
type CatalogNodeID uint32

// Reserved catalog node ids.
const (
	RootParentID           CatalogNodeID = 1
	RootFolderID           CatalogNodeID = 2
	ExtentsFileID          CatalogNodeID = 3
	CatalogFileID          CatalogNodeID = 4
	BadBlockFileID         CatalogNodeID = 5
	AllocationFileID       CatalogNodeID = 6
	StartupFileID          CatalogNodeID = 7
	AttributesFileID       CatalogNodeID = 8
	RepairCatalogFileID    CatalogNodeID = 14
	BogusExtentFileID      CatalogNodeID = 15
	FirstUserCatalogNodeID CatalogNodeID = 16
)

const (
	CommonInfoSize = 48
	FolderInfoSize = 88
	FileInfoSize   = 248
	ForkDataSize   = 80
	bsdInfoSize    = 16
)

// UnixFileSystemInfo is the BSD ownership and permission block.
type UnixFileSystemInfo struct {
	UserID     uint32
	GroupID    uint32
	AdminFlags uint8
	OwnerFlags uint8
	FileMode   uint16
}

// Mode converts FileMode into an os.FileMode.
func (u UnixFileSystemInfo) Mode() os.FileMode {
	m := os.FileMode(u.FileMode & 0777)
	switch u.FileMode & 0xF000 {
	case 0x4000:
		m |= os.ModeDir
	case 0xA000:
		m |= os.ModeSymlink
	case 0x2000:
		m |= os.ModeDevice | os.ModeCharDevice
	case 0x6000:
		m |= os.ModeDevice
	case 0x1000:
		m |= os.ModeNamedPipe
	case 0xC000:
		m |= os.ModeSocket
	}
	if u.FileMode&0o4000 != 0 {
		m |= os.ModeSetuid
	}
	if u.FileMode&0o2000 != 0 {
		m |= os.ModeSetgid
	}
	if u.FileMode&0o1000 != 0 {
		m |= os.ModeSticky
	}
	return m
}

// CommonCatalogFileInfo is the prefix shared by folder and file records.
type CommonCatalogFileInfo struct {
	RecordType          CatalogRecordType
	FileID              CatalogNodeID
	CreateTime          time.Time
	ContentModifyTime   time.Time
	AttributeModifyTime time.Time
	AccessTime          time.Time
	BackupTime          time.Time
	FileSystemInfo      UnixFileSystemInfo

	// UnixSpecialField holds the link count, device number or inode
	// number depending on the record.
	UnixSpecialField uint32
}

func (c *CommonCatalogFileInfo) Size() int {
	return CommonInfoSize
}

func (c *CommonCatalogFileInfo) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, CommonInfoSize, "hfs+ catalog record"); err != nil {
		return 0, err
	}
	be := binary.BigEndian
	c.RecordType = CatalogRecordType(be.Uint16(buf[0:]))
	c.FileID = CatalogNodeID(be.Uint32(buf[8:]))
	c.CreateTime = vbin.HFSTime(be.Uint32(buf[12:]))
	c.ContentModifyTime = vbin.HFSTime(be.Uint32(buf[16:]))
	c.AttributeModifyTime = vbin.HFSTime(be.Uint32(buf[20:]))
	c.AccessTime = vbin.HFSTime(be.Uint32(buf[24:]))
	c.BackupTime = vbin.HFSTime(be.Uint32(buf[28:]))

	bsd := buf[32 : 32+bsdInfoSize]
	c.FileSystemInfo = UnixFileSystemInfo{
		UserID:     be.Uint32(bsd[0:]),
		GroupID:    be.Uint32(bsd[4:]),
		AdminFlags: bsd[8],
		OwnerFlags: bsd[9],
		FileMode:   be.Uint16(bsd[10:]),
	}
	c.UnixSpecialField = be.Uint32(bsd[12:])
	return CommonInfoSize, nil
}

func (c *CommonCatalogFileInfo) Encode(buf []byte) (int, error) {
	return 0, vbin.NotSupported("hfs+ catalog record")
}

// CatalogFolder is a folder record.
type CatalogFolder struct {
	CommonCatalogFileInfo
	Flags   uint16
	Valence uint32
}

func (f *CatalogFolder) Size() int {
	return FolderInfoSize
}

func (f *CatalogFolder) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, FolderInfoSize, "hfs+ folder record"); err != nil {
		return 0, err
	}
	if _, err := f.CommonCatalogFileInfo.Decode(buf); err != nil {
		return 0, err
	}
	f.Flags = binary.BigEndian.Uint16(buf[2:])
	f.Valence = binary.BigEndian.Uint32(buf[4:])
	return FolderInfoSize, nil
}

// ExtentDescriptor is a run of allocation blocks.
type ExtentDescriptor struct {
	StartBlock uint32
	BlockCount uint32
}

// ForkData describes the data or resource fork of a file.
type ForkData struct {
	LogicalSize uint64
	ClumpSize   uint32
	TotalBlocks uint32
	Extents     [8]ExtentDescriptor
}

func (d *ForkData) Size() int {
	return ForkDataSize
}

func (d *ForkData) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, ForkDataSize, "hfs+ fork data"); err != nil {
		return 0, err
	}
	c := vbin.NewCursor(buf, 0, binary.BigEndian)
	d.LogicalSize = c.Uint64()
	d.ClumpSize = c.Uint32()
	d.TotalBlocks = c.Uint32()
	for i := range d.Extents {
		d.Extents[i].StartBlock = c.Uint32()
		d.Extents[i].BlockCount = c.Uint32()
	}
	return c.Pos(), c.Err()
}

func (d *ForkData) Encode(buf []byte) (int, error) {
	return 0, vbin.NotSupported("hfs+ fork data")
}

// CatalogFile is a file record.
type CatalogFile struct {
	CommonCatalogFileInfo
	Flags        uint16
	DataFork     ForkData
	ResourceFork ForkData
}

func (f *CatalogFile) Size() int {
	return FileInfoSize
}

func (f *CatalogFile) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, FileInfoSize, "hfs+ file record"); err != nil {
		return 0, err
	}
	if _, err := f.CommonCatalogFileInfo.Decode(buf); err != nil {
		return 0, err
	}
	f.Flags = binary.BigEndian.Uint16(buf[2:])
	if _, err := f.DataFork.Decode(buf[88:]); err != nil {
		return 0, err
	}
	if _, err := f.ResourceFork.Decode(buf[88+ForkDataSize:]); err != nil {
		return 0, err
	}
	return FileInfoSize, nil
}

// DecodeCatalogRecord decodes a folder or file record according to its
// record type.
func DecodeCatalogRecord(buf []byte) (vbin.Record, error) {
	if err := vbin.Check(buf, 2, "hfs+ catalog record"); err != nil {
		return nil, err
	}
	var rec vbin.Record
	switch t := CatalogRecordType(binary.BigEndian.Uint16(buf)); t {
	case FolderRecord:
		rec = new(CatalogFolder)
	case FileRecord:
		rec = new(CatalogFile)
	default:
		return nil, fmt.Errorf("hfs+ %s: %w", t, vbin.ErrNotSupported)
	}
	if err := vbin.Decode(buf, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
