// Package vmdk reads and writes VMware virtual disks: hosted sparse
// extents, stream-optimized extents and descriptor files that tie extents
// together.
package vmdk

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/vorteil/vdisc/pkg/vbin"
)

const (
	Magic           = 0x564d444b // "KDMV"
	SectorSize      = 0x200
	GrainSize       = 0x10000
	SectorsPerGrain = GrainSize / SectorSize
	TableMaxRows    = 512
	TableRowSize    = 4
	TableSectors    = TableMaxRows * TableRowSize / SectorSize
	HeaderSize      = 512

	gdAtEnd = 0xFFFFFFFFFFFFFFFF
)

// Header flags.
const (
	FlagValidNewLineTest = 1 << 0
	FlagRedundantTable   = 1 << 1
	FlagZeroedGrainGTE   = 1 << 2
	FlagCompressed       = 1 << 16
	FlagMarkers          = 1 << 17
)

// Header is the sparse extent header found in the first sector of hosted
// sparse and stream-optimized extents. Stream-optimized extents repeat it
// in a footer near the end of the file.
type Header struct {
	MagicNumber        uint32 // 0
	Version            uint32 // 4
	Flags              uint32 // 8
	Capacity           uint64 // 12
	GrainSize          uint64 // 20
	DescriptorOffset   uint64 // 28
	DescriptorSize     uint64 // 36
	NumGTEsPerGT       uint32 // 44
	RGDOffset          uint64 // 48
	GDOffset           uint64 // 56
	OverHead           uint64 // 64
	UncleanShutdown    byte   // 72
	SingleEndLineChar  byte   // 73
	NonEndLineChar     byte   // 74
	DoubleEndLineChar1 byte   // 75
	DoubleEndLineChar2 byte   // 76
	CompressAlgorithm  uint16 // 77
	Pad                [433]uint8
}

func (h *Header) Size() int {
	return HeaderSize
}

func (h *Header) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, HeaderSize, "vmdk sparse header"); err != nil {
		return 0, err
	}
	if err := binary.Read(bytes.NewReader(buf[:HeaderSize]), binary.LittleEndian, h); err != nil {
		return 0, err
	}
	return HeaderSize, nil
}

func (h *Header) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, HeaderSize, "vmdk sparse header"); err != nil {
		return 0, err
	}
	w := new(bytes.Buffer)
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, err
	}
	return copy(buf[:HeaderSize], w.Bytes()), nil
}

// Compressed reports whether grains are stored deflated behind grain
// markers.
func (h *Header) Compressed() bool {
	return h.Flags&FlagCompressed != 0 && h.CompressAlgorithm != 0
}

func newHeader(version, flags uint32, sectors int64) *Header {
	return &Header{
		MagicNumber:        Magic,
		Version:            version,
		Flags:              flags,
		Capacity:           uint64(sectors),
		GrainSize:          SectorsPerGrain,
		DescriptorOffset:   1,
		DescriptorSize:     descriptorSectors,
		NumGTEsPerGT:       TableMaxRows,
		SingleEndLineChar:  '\n',
		NonEndLineChar:     ' ',
		DoubleEndLineChar1: '\r',
		DoubleEndLineChar2: '\n',
	}
}

func generateCID() uint32 {
	r := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	for {
		// the all-ones value means "no parent"
		if cid := r.Uint32(); cid != NoParent {
			return cid
		}
	}
}
