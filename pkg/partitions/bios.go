package partitions

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// MBR layout.
const (
	MBRSignatureOffset = 0x1B8
	MBREntriesOffset   = 0x1BE
	MBRMagicOffset     = 0x1FE
	BIOSRecordSize     = 16
	maxLogical         = 256
)

// BIOSPartitionRecord is one 16-byte entry of an MBR or EBR.
type BIOSPartitionRecord struct {
	Status      byte
	StartCHS    geometry.CHS
	Type        byte
	EndCHS      geometry.CHS
	StartLBA    uint32
	SectorCount uint32
}

func (r *BIOSPartitionRecord) Size() int {
	return BIOSRecordSize
}

func decodeCHS(b []byte) geometry.CHS {
	return geometry.CHS{
		Head:     int(b[0]),
		Sector:   int(b[1] & 0x3F),
		Cylinder: int(b[1]&0xC0)<<2 | int(b[2]),
	}
}

func encodeCHS(b []byte, a geometry.CHS) {
	b[0] = byte(a.Head)
	b[1] = byte(a.Sector&0x3F) | byte((a.Cylinder>>2)&0xC0)
	b[2] = byte(a.Cylinder)
}

func (r *BIOSPartitionRecord) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, BIOSRecordSize, "bios partition record"); err != nil {
		return 0, err
	}
	r.Status = buf[0]
	r.StartCHS = decodeCHS(buf[1:4])
	r.Type = buf[4]
	r.EndCHS = decodeCHS(buf[5:8])
	r.StartLBA = binary.LittleEndian.Uint32(buf[8:])
	r.SectorCount = binary.LittleEndian.Uint32(buf[12:])
	return BIOSRecordSize, nil
}

func (r *BIOSPartitionRecord) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, BIOSRecordSize, "bios partition record"); err != nil {
		return 0, err
	}
	buf[0] = r.Status
	encodeCHS(buf[1:4], r.StartCHS)
	buf[4] = r.Type
	encodeCHS(buf[5:8], r.EndCHS)
	binary.LittleEndian.PutUint32(buf[8:], r.StartLBA)
	binary.LittleEndian.PutUint32(buf[12:], r.SectorCount)
	return BIOSRecordSize, nil
}

// IsEmpty reports whether the record describes no partition.
func (r *BIOSPartitionRecord) IsEmpty() bool {
	return r.Type == BIOSTypeEmpty || r.SectorCount == 0
}

type mbr struct {
	signature uint32
	records   [4]BIOSPartitionRecord
}

// readMBR returns nil if sector 0 does not hold a plausible MBR.
func readMBR(disk vstream.SparseStream) (*mbr, error) {
	if disk.Length() < SectorSize {
		return nil, nil
	}

	sector, err := vstream.ReadExact(disk, 0, SectorSize)
	if err != nil {
		return nil, err
	}

	return parseMBR(sector)
}

// parseMBR returns nil without an error if sector is not an MBR.
func parseMBR(sector []byte) (*mbr, error) {
	if err := vbin.Check(sector, SectorSize, "master boot record"); err != nil {
		return nil, err
	}
	if sector[MBRMagicOffset] != 0x55 || sector[MBRMagicOffset+1] != 0xAA {
		return nil, nil
	}

	m := &mbr{signature: binary.LittleEndian.Uint32(sector[MBRSignatureOffset:])}
	for i := range m.records {
		if _, err := m.records[i].Decode(sector[MBREntriesOffset+i*BIOSRecordSize:]); err != nil {
			return nil, err
		}
		// boot sectors of unpartitioned media also carry 0x55AA
		if s := m.records[i].Status; s != 0x00 && s != 0x80 {
			return nil, nil
		}
	}
	return m, nil
}

func (m *mbr) isProtective() bool {
	for _, r := range m.records {
		if r.Type == BIOSTypeGPTProtective {
			return true
		}
	}
	return false
}

// BIOSTable is an MBR partition table, including logical partitions found
// by walking the extended partition chain.
type BIOSTable struct {
	disk      vstream.SparseStream
	signature uint32
	parts     []Info
}

// BIOSPartition is a primary or logical MBR partition.
type BIOSPartition struct {
	entry
	Record  BIOSPartitionRecord
	Primary bool
}

func (p *BIOSPartition) BIOSType() byte         { return p.Record.Type }
func (p *BIOSPartition) GUIDType() uuid.UUID    { return uuid.Nil }
func (p *BIOSPartition) UniqueGUID() uuid.UUID  { return uuid.Nil }
func (p *BIOSPartition) TypeString() string     { return BIOSTypeName(p.Record.Type) }
func (p *BIOSPartition) Name() string           { return "" }
func (p *BIOSPartition) VolumeType() VolumeType { return VolumeBIOSPartition }

// IsActive reports whether the partition is marked bootable.
func (p *BIOSPartition) IsActive() bool {
	return p.Record.Status == 0x80
}

// OpenBIOS decodes the MBR of disk. It returns nil if there is none.
func OpenBIOS(disk vstream.SparseStream, log elog.Logger) (*BIOSTable, error) {
	log = elog.OrDiscard(log)
	m, err := readMBR(disk)
	if err != nil || m == nil {
		return nil, err
	}
	return openBIOS(disk, m, log)
}

func openBIOS(disk vstream.SparseStream, m *mbr, log elog.Logger) (*BIOSTable, error) {
	t := &BIOSTable{disk: disk, signature: m.signature}

	var list []Info
	index := 0
	for _, r := range m.records {
		if r.IsEmpty() {
			continue
		}
		if isExtended(r.Type) {
			logical, err := t.walkExtended(int64(r.StartLBA), &index, log)
			if err != nil {
				return nil, err
			}
			list = append(list, logical...)
			continue
		}
		index++
		list = append(list, t.newPartition(index, r, 0, true))
	}

	t.parts = sanitize(list, disk.Length()/SectorSize, log)
	return t, nil
}

func (t *BIOSTable) newPartition(index int, r BIOSPartitionRecord, base int64, primary bool) *BIOSPartition {
	first := base + int64(r.StartLBA)
	return &BIOSPartition{
		entry: entry{
			disk:  t.disk,
			index: index,
			first: first,
			last:  first + int64(r.SectorCount) - 1,
		},
		Record:  r,
		Primary: primary,
	}
}

// walkExtended follows the EBR chain of an extended partition. Logical
// partition starts are relative to their EBR, next-EBR links are relative
// to the extended partition itself.
func (t *BIOSTable) walkExtended(extStart int64, index *int, log elog.Logger) ([]Info, error) {
	var list []Info
	seen := make(map[int64]bool)
	ebr := extStart

	for n := 0; n < maxLogical; n++ {
		if seen[ebr] {
			log.Debugf("extended partition chain loops at sector %d", ebr)
			break
		}
		seen[ebr] = true

		if (ebr+1)*SectorSize > t.disk.Length() {
			log.Debugf("extended partition chain leaves the disk at sector %d", ebr)
			break
		}

		sector, err := vstream.ReadExact(t.disk, ebr*SectorSize, SectorSize)
		if err != nil {
			return nil, err
		}
		if sector[MBRMagicOffset] != 0x55 || sector[MBRMagicOffset+1] != 0xAA {
			log.Debugf("invalid EBR signature at sector %d", ebr)
			break
		}

		var logical, next BIOSPartitionRecord
		if _, err = logical.Decode(sector[MBREntriesOffset:]); err != nil {
			return nil, err
		}
		if _, err = next.Decode(sector[MBREntriesOffset+BIOSRecordSize:]); err != nil {
			return nil, err
		}

		if !logical.IsEmpty() {
			*index++
			list = append(list, t.newPartition(*index, logical, ebr, false))
		}

		if next.IsEmpty() || !isExtended(next.Type) {
			break
		}
		ebr = extStart + int64(next.StartLBA)
	}

	return list, nil
}

func (t *BIOSTable) Kind() Kind {
	return BIOS
}

func (t *BIOSTable) Partitions() []Info {
	return t.parts
}

func (t *BIOSTable) DiskGUID() uuid.UUID {
	return uuid.Nil
}

// DiskSignature returns the 32-bit NT disk signature.
func (t *BIOSTable) DiskSignature() uint32 {
	return t.signature
}

func (t *BIOSTable) String() string {
	return fmt.Sprintf("bios table %08x (%d partitions)", t.signature, len(t.parts))
}

// DetectGeometry guesses the geometry of disk from the CHS values recorded
// in its MBR, falling back to geometry.FromCapacity.
func DetectGeometry(disk vstream.SparseStream) geometry.Geometry {
	capacity := disk.Length()

	m, err := readMBR(disk)
	if err != nil || m == nil {
		return geometry.FromCapacity(capacity)
	}

	var heads, sectors int
	for _, r := range m.records {
		if r.IsEmpty() {
			continue
		}
		if r.EndCHS.Head+1 > heads {
			heads = r.EndCHS.Head + 1
		}
		if r.EndCHS.Sector > sectors {
			sectors = r.EndCHS.Sector
		}
	}

	if heads == 0 || sectors == 0 {
		return geometry.FromCapacity(capacity)
	}

	cylinders := capacity / (int64(heads) * int64(sectors) * SectorSize)
	if cylinders == 0 {
		return geometry.FromCapacity(capacity)
	}
	return geometry.New(int(cylinders), heads, sectors)
}

// EncodeMBR builds a boot sector holding the given primary records.
func EncodeMBR(signature uint32, records ...BIOSPartitionRecord) ([]byte, error) {
	if len(records) > 4 {
		return nil, fmt.Errorf("an MBR holds at most 4 records, got %d", len(records))
	}

	sector := make([]byte, SectorSize)
	binary.LittleEndian.PutUint32(sector[MBRSignatureOffset:], signature)
	for i := range records {
		if _, err := records[i].Encode(sector[MBREntriesOffset+i*BIOSRecordSize:]); err != nil {
			return nil, err
		}
	}
	sector[MBRMagicOffset] = 0x55
	sector[MBRMagicOffset+1] = 0xAA
	return sector, nil
}
