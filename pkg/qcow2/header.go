// Package qcow2 reads and writes QEMU copy-on-write version 2 and 3
// images, including images layered over a backing file.
package qcow2

import (
	"bytes"
	"encoding/binary"

	"github.com/vorteil/vdisc/pkg/vbin"
)

const (
	Magic      = 0x514649FB // "QFI\xfb"
	SectorSize = 0x200
	HeaderSize = 104

	headerV2Size   = 72
	minClusterBits = 9
	maxClusterBits = 21
	maxBackingName = 1023

	offsetMask     = 0x00FFFFFFFFFFFE00
	flagCopied     = 1 << 63
	flagCompressed = 1 << 62
	flagZero       = 1

	incompatibleDirty = 1 << 0
)

// Header is the image header. Version 2 images leave the fields from
// IncompatibleFeatures onwards zero.
type Header struct {
	Magic                 uint32 //     [0:3] magic: QCOW magic string ("QFI\xfb")
	Version               uint32 //     [4:7] Version number
	BackingFileOffset     uint64 //    [8:15] Offset into the image file at which the backing file name is stored.
	BackingFileSize       uint32 //   [16:19] Length of the backing file name in bytes.
	ClusterBits           uint32 //   [20:23] Number of bits that are used for addressing an offset whithin a cluster.
	VirtualSize           uint64 //   [24:31] Virtual disk size in bytes
	CryptMethod           uint32 //   [32:35] Crypt method
	L1Size                uint32 //   [36:39] Number of entries in the active L1 table
	L1TableOffset         uint64 //   [40:47] Offset into the image file at which the active L1 table starts
	RefcountTableOffset   uint64 //   [48:55] Offset into the image file at which the refcount table starts
	RefcountTableClusters uint32 //   [56:59] Number of clusters that the refcount table occupies
	NbSnapshots           uint32 //   [60:63] Number of snapshots contained in the image
	SnapshotsOffset       uint64 //   [64:71] Offset into the image file at which the snapshot table starts
	IncompatibleFeatures  uint64 //   [72:79] for version >= 3: Bitmask of incomptible feature
	CompatibleFeatures    uint64 //   [80:87] for version >= 3: Bitmask of compatible feature
	AutoclearFeatures     uint64 //   [88:95] for version >= 3: Bitmask of auto-clear feature
	RefcountOrder         uint32 //   [96:99] for version >= 3: Describes the width of a reference count block entry
	HeaderLength          uint32 // [100:103] for version >= 3: Length of the header structure in bytes
}

func (h *Header) Size() int {
	return HeaderSize
}

func (h *Header) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, HeaderSize, "qcow2 header"); err != nil {
		return 0, err
	}
	if err := binary.Read(bytes.NewReader(buf[:HeaderSize]), binary.BigEndian, h); err != nil {
		return 0, err
	}
	if h.Version < 3 {
		h.IncompatibleFeatures = 0
		h.CompatibleFeatures = 0
		h.AutoclearFeatures = 0
		h.RefcountOrder = 4
		h.HeaderLength = headerV2Size
	}
	return HeaderSize, nil
}

func (h *Header) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, HeaderSize, "qcow2 header"); err != nil {
		return 0, err
	}
	w := new(bytes.Buffer)
	if err := binary.Write(w, binary.BigEndian, h); err != nil {
		return 0, err
	}
	copy(buf, w.Bytes())
	if h.Version < 3 {
		// not part of a version 2 header
		for i := headerV2Size; i < HeaderSize; i++ {
			buf[i] = 0
		}
	}
	return HeaderSize, nil
}

// ClusterSize returns the size of a cluster in bytes.
func (h *Header) ClusterSize() int64 {
	return 1 << h.ClusterBits
}
