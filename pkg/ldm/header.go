// Package ldm reads the Windows Logical Disk Manager database that dynamic
// disks carry, and reconstructs the volumes it describes from one or more
// such disks.
package ldm

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"time"

	"github.com/vorteil/vdisc/pkg/vbin"
)

const (
	SectorSize = 512

	PrivateHeaderSignature = "PRIVHEAD"
	TocSignature           = "TOCBLOCK"
	DatabaseSignature      = "VMDB"

	PrivateHeaderSize  = 512
	TocBlockSize       = 512
	DatabaseHeaderSize = 512

	// privateHeaderOffset is where the private header sits on a disk
	// partitioned with an MBR.
	privateHeaderOffset = 0xC00

	idSize        = 0x40
	groupNameSize = 31
	tocNameSize   = 10
)

// PrivateHeader describes the LDM regions of one disk. All positions are in
// sectors.
type PrivateHeader struct {
	Signature             string
	Checksum              uint32
	Version               uint32
	Timestamp             time.Time
	SequenceNumber        uint64
	DiskID                string
	HostID                string
	DiskGroupID           string
	DiskGroupName         string
	DataStartLba          int64
	DataSizeLba           int64
	ConfigurationStartLba int64
	ConfigurationSizeLba  int64
	TocSizeLba            int64
	NextTocLba            int64
	NumberOfConfigs       int32
	ConfigSizeLba         int64
	NumberOfLogs          int32
	LogSizeLba            int64
}

func (h *PrivateHeader) Size() int {
	return PrivateHeaderSize
}

func (h *PrivateHeader) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, PrivateHeaderSize, "ldm private header"); err != nil {
		return 0, err
	}
	be := binary.BigEndian
	h.Signature = vbin.CString(buf[0x00:0x08])
	h.Checksum = be.Uint32(buf[0x08:])
	h.Version = be.Uint32(buf[0x0C:])
	h.Timestamp = vbin.FileTime(be.Uint64(buf[0x10:]))
	h.SequenceNumber = be.Uint64(buf[0x18:])
	h.DiskID = vbin.CString(buf[0x30 : 0x30+idSize])
	h.HostID = vbin.CString(buf[0x70 : 0x70+idSize])
	h.DiskGroupID = vbin.CString(buf[0xB0 : 0xB0+idSize])
	h.DiskGroupName = vbin.CString(buf[0xF0 : 0xF0+groupNameSize])
	h.DataStartLba = int64(be.Uint64(buf[0x11B:]))
	h.DataSizeLba = int64(be.Uint64(buf[0x123:]))
	h.ConfigurationStartLba = int64(be.Uint64(buf[0x12B:]))
	h.ConfigurationSizeLba = int64(be.Uint64(buf[0x133:]))
	h.TocSizeLba = int64(be.Uint64(buf[0x13B:]))
	h.NextTocLba = int64(be.Uint64(buf[0x143:]))
	h.NumberOfConfigs = int32(be.Uint32(buf[0x14B:]))
	h.ConfigSizeLba = int64(be.Uint64(buf[0x14F:]))
	h.NumberOfLogs = int32(be.Uint32(buf[0x157:]))
	h.LogSizeLba = int64(be.Uint64(buf[0x15B:]))
	return PrivateHeaderSize, nil
}

func (h *PrivateHeader) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, PrivateHeaderSize, "ldm private header"); err != nil {
		return 0, err
	}
	for i := range buf[:PrivateHeaderSize] {
		buf[i] = 0
	}
	be := binary.BigEndian
	vbin.PutCString(buf[0x00:0x08], h.Signature)
	be.PutUint32(buf[0x08:], h.Checksum)
	be.PutUint32(buf[0x0C:], h.Version)
	be.PutUint64(buf[0x10:], vbin.ToFileTime(h.Timestamp))
	be.PutUint64(buf[0x18:], h.SequenceNumber)
	vbin.PutCString(buf[0x30:0x30+idSize], h.DiskID)
	vbin.PutCString(buf[0x70:0x70+idSize], h.HostID)
	vbin.PutCString(buf[0xB0:0xB0+idSize], h.DiskGroupID)
	vbin.PutCString(buf[0xF0:0xF0+groupNameSize], h.DiskGroupName)
	be.PutUint64(buf[0x11B:], uint64(h.DataStartLba))
	be.PutUint64(buf[0x123:], uint64(h.DataSizeLba))
	be.PutUint64(buf[0x12B:], uint64(h.ConfigurationStartLba))
	be.PutUint64(buf[0x133:], uint64(h.ConfigurationSizeLba))
	be.PutUint64(buf[0x13B:], uint64(h.TocSizeLba))
	be.PutUint64(buf[0x143:], uint64(h.NextTocLba))
	be.PutUint32(buf[0x14B:], uint32(h.NumberOfConfigs))
	be.PutUint64(buf[0x14F:], uint64(h.ConfigSizeLba))
	be.PutUint32(buf[0x157:], uint32(h.NumberOfLogs))
	be.PutUint64(buf[0x15B:], uint64(h.LogSizeLba))
	return PrivateHeaderSize, nil
}

// TocBlock lists the regions of the configuration area. Starts are in
// sectors from the configuration start.
type TocBlock struct {
	Signature      string
	Checksum       uint32
	SequenceNumber int64
	Item1Name      string
	Item1Start     int64
	Item1Size      int64
	Item2Name      string
	Item2Start     int64
	Item2Size      int64
}

func (t *TocBlock) Size() int {
	return TocBlockSize
}

func (t *TocBlock) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, TocBlockSize, "ldm toc block"); err != nil {
		return 0, err
	}
	be := binary.BigEndian
	t.Signature = vbin.CString(buf[0x00:0x08])
	t.Checksum = be.Uint32(buf[0x08:])
	t.SequenceNumber = int64(be.Uint64(buf[0x0C:]))
	t.Item1Name = vbin.CString(buf[0x24 : 0x24+tocNameSize])
	t.Item1Start = int64(be.Uint64(buf[0x2E:]))
	t.Item1Size = int64(be.Uint64(buf[0x36:]))
	t.Item2Name = vbin.CString(buf[0x46 : 0x46+tocNameSize])
	t.Item2Start = int64(be.Uint64(buf[0x50:]))
	t.Item2Size = int64(be.Uint64(buf[0x58:]))
	return TocBlockSize, nil
}

func (t *TocBlock) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, TocBlockSize, "ldm toc block"); err != nil {
		return 0, err
	}
	for i := range buf[:TocBlockSize] {
		buf[i] = 0
	}
	be := binary.BigEndian
	vbin.PutCString(buf[0x00:0x08], t.Signature)
	be.PutUint32(buf[0x08:], t.Checksum)
	be.PutUint64(buf[0x0C:], uint64(t.SequenceNumber))
	vbin.PutCString(buf[0x24:0x24+tocNameSize], t.Item1Name)
	be.PutUint64(buf[0x2E:], uint64(t.Item1Start))
	be.PutUint64(buf[0x36:], uint64(t.Item1Size))
	vbin.PutCString(buf[0x46:0x46+tocNameSize], t.Item2Name)
	be.PutUint64(buf[0x50:], uint64(t.Item2Start))
	be.PutUint64(buf[0x58:], uint64(t.Item2Size))
	return TocBlockSize, nil
}

// DatabaseHeader is the VMDB block at the start of the configuration
// database.
type DatabaseHeader struct {
	Signature         string
	NumVBlks          uint32
	BlockSize         uint32
	HeaderSize        uint32
	Status            uint16
	VersionNum        uint16
	VersionDenom      uint16
	GroupName         string
	GroupID           string
	CommittedSequence int64
	PendingSequence   int64
	Timestamp         time.Time
}

func (h *DatabaseHeader) Size() int {
	return DatabaseHeaderSize
}

func (h *DatabaseHeader) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, DatabaseHeaderSize, "ldm database header"); err != nil {
		return 0, err
	}
	be := binary.BigEndian
	h.Signature = vbin.CString(buf[0x00:0x04])
	h.NumVBlks = be.Uint32(buf[0x04:])
	h.BlockSize = be.Uint32(buf[0x08:])
	h.HeaderSize = be.Uint32(buf[0x0C:])
	h.Status = be.Uint16(buf[0x10:])
	h.VersionNum = be.Uint16(buf[0x12:])
	h.VersionDenom = be.Uint16(buf[0x14:])
	h.GroupName = vbin.CString(buf[0x16 : 0x16+groupNameSize])
	h.GroupID = vbin.CString(buf[0x35 : 0x35+idSize])
	h.CommittedSequence = int64(be.Uint64(buf[0x75:]))
	h.PendingSequence = int64(be.Uint64(buf[0x7D:]))
	h.Timestamp = vbin.FileTime(be.Uint64(buf[0xBD:]))
	return DatabaseHeaderSize, nil
}

func (h *DatabaseHeader) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, DatabaseHeaderSize, "ldm database header"); err != nil {
		return 0, err
	}
	for i := range buf[:DatabaseHeaderSize] {
		buf[i] = 0
	}
	be := binary.BigEndian
	vbin.PutCString(buf[0x00:0x04], h.Signature)
	be.PutUint32(buf[0x04:], h.NumVBlks)
	be.PutUint32(buf[0x08:], h.BlockSize)
	be.PutUint32(buf[0x0C:], h.HeaderSize)
	be.PutUint16(buf[0x10:], h.Status)
	be.PutUint16(buf[0x12:], h.VersionNum)
	be.PutUint16(buf[0x14:], h.VersionDenom)
	vbin.PutCString(buf[0x16:0x16+groupNameSize], h.GroupName)
	vbin.PutCString(buf[0x35:0x35+idSize], h.GroupID)
	be.PutUint64(buf[0x75:], uint64(h.CommittedSequence))
	be.PutUint64(buf[0x7D:], uint64(h.PendingSequence))
	be.PutUint64(buf[0xBD:], vbin.ToFileTime(h.Timestamp))
	return DatabaseHeaderSize, nil
}
