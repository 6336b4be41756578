package partitions

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// GPT layout constants.
const (
	GPTSignature        = "EFI PART"
	GPTHeaderSize       = 92
	GPTEntrySize        = 128
	PrimaryGPTHeaderLBA = 1
	maxGPTEntries       = 1024
)

// GPTHeader is the GUID Partition Table header as it appears on disk.
type GPTHeader struct {
	Signature       [8]byte
	Revision        uint32
	HeaderSize      uint32
	HeaderCRC32     uint32
	_               uint32
	CurrentLBA      uint64
	BackupLBA       uint64
	FirstUsableLBA  uint64
	LastUsableLBA   uint64
	DiskGUID        [16]byte
	FirstEntriesLBA uint64
	TotalEntries    uint32
	EntrySize       uint32
	EntriesCRC32    uint32
}

func (h *GPTHeader) Size() int {
	return GPTHeaderSize
}

func (h *GPTHeader) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, GPTHeaderSize, "gpt header"); err != nil {
		return 0, err
	}
	err := binary.Read(bytes.NewReader(buf[:GPTHeaderSize]), binary.LittleEndian, h)
	if err != nil {
		return 0, err
	}
	return GPTHeaderSize, nil
}

func (h *GPTHeader) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, GPTHeaderSize, "gpt header"); err != nil {
		return 0, err
	}
	w := new(bytes.Buffer)
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, err
	}
	return copy(buf, w.Bytes()), nil
}

// checksum computes the header CRC over the first HeaderSize bytes of the
// sector it came from, with the CRC field zeroed.
func (h *GPTHeader) checksum(sector []byte) uint32 {
	n := int(h.HeaderSize)
	if n < GPTHeaderSize || n > len(sector) {
		n = GPTHeaderSize
	}
	data := append([]byte(nil), sector[:n]...)
	binary.LittleEndian.PutUint32(data[16:], 0)
	return crc32.ChecksumIEEE(data)
}

// GPTEntry is one GUID Partition Table entry as it appears on disk.
type GPTEntry struct {
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [72]byte
}

func (e *GPTEntry) Size() int {
	return GPTEntrySize
}

func (e *GPTEntry) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, GPTEntrySize, "gpt entry"); err != nil {
		return 0, err
	}
	err := binary.Read(bytes.NewReader(buf[:GPTEntrySize]), binary.LittleEndian, e)
	if err != nil {
		return 0, err
	}
	return GPTEntrySize, nil
}

func (e *GPTEntry) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, GPTEntrySize, "gpt entry"); err != nil {
		return 0, err
	}
	w := new(bytes.Buffer)
	if err := binary.Write(w, binary.LittleEndian, e); err != nil {
		return 0, err
	}
	return copy(buf, w.Bytes()), nil
}

// NameString returns the UTF-16 partition name.
func (e *GPTEntry) NameString() string {
	return vbin.UTF16String(e.Name[:], binary.LittleEndian)
}

// GPTTable is a GUID partition table.
type GPTTable struct {
	disk   vstream.SparseStream
	Header GPTHeader
	// Backup is true when the primary header was damaged and the table was
	// read from the backup copy at the end of the disk.
	Backup bool
	parts  []Info
}

// GPTPartition is one partition of a GUID partition table.
type GPTPartition struct {
	entry
	Entry GPTEntry
}

func (p *GPTPartition) BIOSType() byte { return BIOSTypeGPTProtective }

func (p *GPTPartition) GUIDType() uuid.UUID {
	return vbin.GUIDLittleEndian(p.Entry.TypeGUID[:])
}

func (p *GPTPartition) UniqueGUID() uuid.UUID {
	return vbin.GUIDLittleEndian(p.Entry.UniqueGUID[:])
}

func (p *GPTPartition) TypeString() string {
	return GUIDTypeName(p.GUIDType())
}

func (p *GPTPartition) Name() string {
	return p.Entry.NameString()
}

func (p *GPTPartition) VolumeType() VolumeType {
	return VolumeGPTPartition
}

// OpenGPT reads the GUID partition table of disk, falling back to the backup
// header at the last sector when the primary is damaged. It returns nil if
// neither copy is valid.
func OpenGPT(disk vstream.SparseStream, log elog.Logger) (*GPTTable, error) {
	log = elog.OrDiscard(log)
	sectors := disk.Length() / SectorSize
	if sectors < 3 {
		return nil, nil
	}

	for _, lba := range []int64{PrimaryGPTHeaderLBA, sectors - 1} {
		t, err := readGPT(disk, lba, log)
		if err != nil {
			return nil, err
		}
		if t != nil {
			t.Backup = lba != PrimaryGPTHeaderLBA
			if t.Backup {
				log.Warnf("primary GPT header is damaged, using backup")
			}
			return t, nil
		}
	}

	return nil, nil
}

func readGPT(disk vstream.SparseStream, lba int64, log elog.Logger) (*GPTTable, error) {
	sector, err := vstream.ReadExact(disk, lba*SectorSize, SectorSize)
	if err != nil {
		return nil, err
	}

	if !vbin.HasSignature(sector, GPTSignature) {
		log.Debugf("no GPT signature at sector %d", lba)
		return nil, nil
	}

	t := &GPTTable{disk: disk}
	if err = vbin.Decode(sector, &t.Header); err != nil {
		return nil, err
	}
	hdr := &t.Header

	if crc := hdr.checksum(sector); crc != hdr.HeaderCRC32 {
		log.Debugf("GPT header at sector %d has bad checksum %08x, expected %08x", lba, crc, hdr.HeaderCRC32)
		return nil, nil
	}

	if hdr.EntrySize < GPTEntrySize || hdr.TotalEntries > maxGPTEntries {
		log.Debugf("GPT header at sector %d has unusable entry layout %dx%d", lba, hdr.TotalEntries, hdr.EntrySize)
		return nil, nil
	}

	size := int64(hdr.TotalEntries) * int64(hdr.EntrySize)
	start := int64(hdr.FirstEntriesLBA) * SectorSize
	if start+size > disk.Length() {
		log.Debugf("GPT entries at sector %d run past the end of the disk", hdr.FirstEntriesLBA)
		return nil, nil
	}

	data, err := vstream.ReadExact(disk, start, int(size))
	if err != nil {
		return nil, err
	}

	if crc := crc32.ChecksumIEEE(data); crc != hdr.EntriesCRC32 {
		log.Debugf("GPT entries have bad checksum %08x, expected %08x", crc, hdr.EntriesCRC32)
		return nil, nil
	}

	var list []Info
	for i := 0; i < int(hdr.TotalEntries); i++ {
		p := &GPTPartition{}
		if err = vbin.Decode(data[i*int(hdr.EntrySize):], &p.Entry); err != nil {
			return nil, err
		}
		if p.Entry.TypeGUID == [16]byte{} {
			continue
		}
		p.entry = entry{
			disk:  disk,
			index: i + 1,
			first: int64(p.Entry.FirstLBA),
			last:  int64(p.Entry.LastLBA),
		}
		list = append(list, p)
	}

	t.parts = sanitize(list, disk.Length()/SectorSize, log)
	return t, nil
}

func (t *GPTTable) Kind() Kind {
	return GPT
}

func (t *GPTTable) Partitions() []Info {
	return t.parts
}

func (t *GPTTable) DiskGUID() uuid.UUID {
	return vbin.GUIDLittleEndian(t.Header.DiskGUID[:])
}

// FindType returns the partitions with the given type GUID.
func (t *GPTTable) FindType(typ uuid.UUID) []*GPTPartition {
	var out []*GPTPartition
	for _, p := range t.parts {
		if p.GUIDType() == typ {
			out = append(out, p.(*GPTPartition))
		}
	}
	return out
}

// GPTPartitionSpec describes a partition for EncodeGPT.
type GPTPartitionSpec struct {
	Type     uuid.UUID
	Unique   uuid.UUID
	FirstLBA uint64
	LastLBA  uint64
	Name     string
}

// EncodeGPT lays out a protective MBR, a primary GPT header with 128 entries
// and a backup header for a disk of the given number of sectors. It returns
// the regions to write keyed by byte offset.
func EncodeGPT(sectors int64, disk uuid.UUID, specs ...GPTPartitionSpec) (map[int64][]byte, error) {
	const entries = 128
	entrySectors := int64(entries * GPTEntrySize / SectorSize)

	table := make([]byte, entries*GPTEntrySize)
	for i, s := range specs {
		var e GPTEntry
		vbin.PutGUIDLittleEndian(e.TypeGUID[:], s.Type)
		vbin.PutGUIDLittleEndian(e.UniqueGUID[:], s.Unique)
		e.FirstLBA = s.FirstLBA
		e.LastLBA = s.LastLBA
		vbin.PutUTF16String(e.Name[:], s.Name, binary.LittleEndian)
		if _, err := e.Encode(table[i*GPTEntrySize:]); err != nil {
			return nil, err
		}
	}
	tableCRC := crc32.ChecksumIEEE(table)

	header := func(current, backup, entriesLBA int64) ([]byte, error) {
		h := GPTHeader{
			Revision:        0x00010000,
			HeaderSize:      GPTHeaderSize,
			CurrentLBA:      uint64(current),
			BackupLBA:       uint64(backup),
			FirstUsableLBA:  uint64(2 + entrySectors),
			LastUsableLBA:   uint64(sectors - 2 - entrySectors),
			FirstEntriesLBA: uint64(entriesLBA),
			TotalEntries:    entries,
			EntrySize:       GPTEntrySize,
			EntriesCRC32:    tableCRC,
		}
		copy(h.Signature[:], GPTSignature)
		vbin.PutGUIDLittleEndian(h.DiskGUID[:], disk)

		sector := make([]byte, SectorSize)
		if _, err := h.Encode(sector); err != nil {
			return nil, err
		}
		h.HeaderCRC32 = h.checksum(sector)
		_, err := h.Encode(sector)
		return sector, err
	}

	primary, err := header(PrimaryGPTHeaderLBA, sectors-1, 2)
	if err != nil {
		return nil, err
	}
	backup, err := header(sectors-1, PrimaryGPTHeaderLBA, sectors-1-entrySectors)
	if err != nil {
		return nil, err
	}

	total := sectors - 1
	if total > 0xFFFFFFFF {
		total = 0xFFFFFFFF
	}
	pmbr, err := EncodeMBR(0, BIOSPartitionRecord{
		Type:        BIOSTypeGPTProtective,
		StartLBA:    1,
		SectorCount: uint32(total),
	})
	if err != nil {
		return nil, err
	}

	regions := make(map[int64][]byte)
	regions[0] = pmbr
	regions[PrimaryGPTHeaderLBA*SectorSize] = primary
	regions[2*SectorSize] = table
	regions[(sectors-1-entrySectors)*SectorSize] = table
	regions[(sectors-1)*SectorSize] = backup
	return regions, nil
}
