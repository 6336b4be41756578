package partitions

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// Apple partition map constants.
const (
	AppleMapEntrySize = 512

	// AppleDriverSignature marks the driver descriptor in block 0.
	AppleDriverSignature = 0x4552 // "ER"

	// AppleMapSignature marks every partition map entry.
	AppleMapSignature = 0x504D // "PM"
)

// AppleMapEntry is one 512-byte big-endian partition map entry.
type AppleMapEntry struct {
	Signature          uint16
	MapEntries         uint32
	PhysicalBlockStart uint32
	PhysicalBlocks     uint32
	Name               string
	Type               string
	LogicalBlockStart  uint32
	LogicalBlocks      uint32
	Flags              uint32
	BootBlock          uint32
	BootBytes          uint32
}

func (e *AppleMapEntry) Size() int {
	return AppleMapEntrySize
}

func (e *AppleMapEntry) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, AppleMapEntrySize, "apple partition map entry"); err != nil {
		return 0, err
	}
	be := binary.BigEndian
	e.Signature = be.Uint16(buf[0:])
	e.MapEntries = be.Uint32(buf[4:])
	e.PhysicalBlockStart = be.Uint32(buf[8:])
	e.PhysicalBlocks = be.Uint32(buf[12:])
	e.Name = vbin.CString(buf[16:48])
	e.Type = vbin.CString(buf[48:80])
	e.LogicalBlockStart = be.Uint32(buf[80:])
	e.LogicalBlocks = be.Uint32(buf[84:])
	e.Flags = be.Uint32(buf[88:])
	e.BootBlock = be.Uint32(buf[92:])
	e.BootBytes = be.Uint32(buf[96:])
	return AppleMapEntrySize, nil
}

// Encode always fails; Apple partition maps are read-only.
func (e *AppleMapEntry) Encode(buf []byte) (int, error) {
	return 0, vbin.NotSupported("apple partition map entry")
}

// ApplePartition is one entry of an Apple partition map.
type ApplePartition struct {
	entry
	Entry AppleMapEntry
}

func (p *ApplePartition) BIOSType() byte         { return BIOSTypeApplePartition }
func (p *ApplePartition) GUIDType() uuid.UUID    { return uuid.Nil }
func (p *ApplePartition) UniqueGUID() uuid.UUID  { return uuid.Nil }
func (p *ApplePartition) TypeString() string     { return p.Entry.Type }
func (p *ApplePartition) Name() string           { return p.Entry.Name }
func (p *ApplePartition) VolumeType() VolumeType { return VolumeApplePartition }

// AppleMapTable is an Apple partition map.
type AppleMapTable struct {
	disk  vstream.SparseStream
	parts []Info
}

// OpenAppleMap reads the Apple partition map of disk. It returns nil if
// block 0 is not a driver descriptor or block 1 is not a map entry.
func OpenAppleMap(disk vstream.SparseStream, log elog.Logger) (*AppleMapTable, error) {
	log = elog.OrDiscard(log)
	blocks := disk.Length() / AppleMapEntrySize
	if blocks < 2 {
		return nil, nil
	}

	head, err := vstream.ReadExact(disk, 0, 2*AppleMapEntrySize)
	if err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint16(head) != AppleDriverSignature {
		return nil, nil
	}

	var first AppleMapEntry
	if err = vbin.Decode(head[AppleMapEntrySize:], &first); err != nil {
		return nil, err
	}
	if first.Signature != AppleMapSignature {
		log.Debugf("apple driver descriptor without a partition map")
		return nil, nil
	}

	m := &AppleMapTable{disk: disk}

	// MapEntries bounds the scan, but so does the end of the media.
	count := int64(first.MapEntries)
	if count > blocks-1 {
		count = blocks - 1
	}

	var list []Info
	for i := int64(0); i < count; i++ {
		e := first
		if i > 0 {
			if err = vbin.ReadAt(disk, (1+i)*AppleMapEntrySize, &e); err != nil {
				return nil, err
			}
			if e.Signature != AppleMapSignature {
				log.Debugf("apple partition map ends early at entry %d", i+1)
				break
			}
		}

		if e.PhysicalBlocks == 0 {
			continue
		}

		list = append(list, &ApplePartition{
			entry: entry{
				disk:  disk,
				index: int(i) + 1,
				first: int64(e.PhysicalBlockStart),
				last:  int64(e.PhysicalBlockStart) + int64(e.PhysicalBlocks) - 1,
			},
			Entry: e,
		})
	}

	m.parts = sanitize(list, blocks, log)
	return m, nil
}

func (m *AppleMapTable) Kind() Kind {
	return AppleMap
}

func (m *AppleMapTable) Partitions() []Info {
	return m.parts
}

func (m *AppleMapTable) DiskGUID() uuid.UUID {
	return uuid.Nil
}
