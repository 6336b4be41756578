package ldm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vcache"
	"github.com/vorteil/vdisc/pkg/vstream"
)

const (
	vblkSignature  = "VBLK"
	vblkHeaderSize = 16
)

// ErrNoRecord is returned for ids the database does not hold.
var ErrNoRecord = errors.New("no such ldm record")

// Database is the configuration database of a disk group. Records are
// indexed when the database is read and decoded on first use.
type Database struct {
	header DatabaseHeader
	log    elog.Logger

	payloads map[uint64][]byte
	types    map[uint64]RecordType
	records  *vcache.Cache[uint64, Record]
}

type fragment struct {
	index int
	data  []byte
}

// ReadDatabase reads the database whose VMDB header is at offset off of s.
func ReadDatabase(s vstream.SparseStream, off int64, log elog.Logger) (*Database, error) {
	db := &Database{
		log:      elog.OrDiscard(log),
		payloads: make(map[uint64][]byte),
		types:    make(map[uint64]RecordType),
		records:  vcache.New[uint64, Record](),
	}

	if err := vbin.ReadAt(s, off, &db.header); err != nil {
		return nil, fmt.Errorf("reading database header: %w", err)
	}
	h := &db.header
	if h.Signature != DatabaseSignature {
		return nil, fmt.Errorf("bad database signature '%s'", h.Signature)
	}
	if h.BlockSize <= vblkHeaderSize || h.HeaderSize < DatabaseHeaderSize || h.HeaderSize%h.BlockSize != 0 {
		return nil, fmt.Errorf("bad database layout: block size %d, header size %d", h.BlockSize, h.HeaderSize)
	}

	// the block count includes the blocks the header occupies
	skip := h.HeaderSize / h.BlockSize
	if h.NumVBlks <= skip {
		return db, nil
	}
	count := int(h.NumVBlks - skip)
	bs := int(h.BlockSize)
	if avail := s.Length() - off - int64(h.HeaderSize); int64(count)*int64(bs) > avail {
		return nil, fmt.Errorf("database of %d blocks of %d bytes runs past the end of the disk", count, bs)
	}

	raw, err := vstream.ReadExact(s, off+int64(h.HeaderSize), count*bs)
	if err != nil {
		return nil, fmt.Errorf("reading %d database blocks: %w", count, err)
	}

	groups := make(map[uint32][]fragment)
	wanted := make(map[uint32]int)
	for i := 0; i < count; i++ {
		block := raw[i*bs : (i+1)*bs]
		if !vbin.HasSignature(block, vblkSignature) {
			continue
		}
		group := binary.BigEndian.Uint32(block[8:])
		index := int(binary.BigEndian.Uint16(block[12:]))
		n := int(binary.BigEndian.Uint16(block[14:]))
		if n == 0 {
			continue
		}
		if index >= n {
			db.log.Debugf("ldm block %d: fragment %d of %d", i, index, n)
			continue
		}
		groups[group] = append(groups[group], fragment{index: index, data: block[vblkHeaderSize:]})
		wanted[group] = n
	}

	for group, frags := range groups {
		if len(frags) != wanted[group] {
			db.log.Warnf("ldm record group %d has %d of %d fragments", group, len(frags), wanted[group])
			continue
		}
		sort.Slice(frags, func(i, j int) bool { return frags[i].index < frags[j].index })

		var payload []byte
		for _, f := range frags {
			payload = append(payload, f.data...)
		}
		if len(payload) >= recordHeaderSize {
			if n := recordHeaderSize + int(binary.BigEndian.Uint32(payload[4:])); n <= len(payload) {
				payload = payload[:n]
			}
		}

		t, id, err := peekRecord(payload)
		if err != nil {
			db.log.Warnf("ldm record group %d: %v", group, err)
			continue
		}
		if t == RecordNone {
			continue
		}
		db.payloads[id] = payload
		db.types[id] = t
	}

	return db, nil
}

// Header returns the VMDB header.
func (db *Database) Header() DatabaseHeader {
	return db.header
}

// Len returns the number of records.
func (db *Database) Len() int {
	return len(db.payloads)
}

// Record returns the record with the given id.
func (db *Database) Record(id uint64) (Record, error) {
	if r, ok := db.records.Get(id); ok {
		return *r, nil
	}
	payload, ok := db.payloads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoRecord, id)
	}
	r, err := decodeRecord(payload)
	if err != nil {
		return nil, err
	}
	db.records.Set(id, &r)
	return r, nil
}

// Records returns every decodable record of type t, ordered by id.
func (db *Database) Records(t RecordType) []Record {
	var ids []uint64
	for id, typ := range db.types {
		if typ == t {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		r, err := db.Record(id)
		if err != nil {
			db.log.Warnf("skipping ldm record %d: %v", id, err)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Disks returns the member disk records.
func (db *Database) Disks() []*DiskRecord {
	var out []*DiskRecord
	for _, r := range db.Records(RecordDisk) {
		out = append(out, r.(*DiskRecord))
	}
	return out
}

// Disk returns the disk record with the given record id.
func (db *Database) Disk(id uint64) (*DiskRecord, error) {
	r, err := db.Record(id)
	if err != nil {
		return nil, err
	}
	d, ok := r.(*DiskRecord)
	if !ok {
		return nil, fmt.Errorf("ldm record %d is a %s, not a disk", id, r.Common().Type)
	}
	return d, nil
}

// DiskByGUID returns the disk record for a disk id, or nil.
func (db *Database) DiskByGUID(id uuid.UUID) *DiskRecord {
	for _, d := range db.Disks() {
		if d.DiskGUID == id {
			return d
		}
	}
	return nil
}

// DiskGroup returns the disk group record, or nil if there is none.
func (db *Database) DiskGroup() *DiskGroupRecord {
	for _, r := range db.Records(RecordDiskGroup) {
		return r.(*DiskGroupRecord)
	}
	return nil
}

// Volumes returns the volume records.
func (db *Database) Volumes() []*VolumeRecord {
	var out []*VolumeRecord
	for _, r := range db.Records(RecordVolume) {
		out = append(out, r.(*VolumeRecord))
	}
	return out
}

// Components returns the components of a volume.
func (db *Database) Components(volumeID uint64) []*ComponentRecord {
	var out []*ComponentRecord
	for _, r := range db.Records(RecordComponent) {
		if c := r.(*ComponentRecord); c.VolumeID == volumeID {
			out = append(out, c)
		}
	}
	return out
}

// Extents returns the extents of a component ordered by volume offset, then
// index.
func (db *Database) Extents(componentID uint64) []*ExtentRecord {
	var out []*ExtentRecord
	for _, r := range db.Records(RecordExtent) {
		if e := r.(*ExtentRecord); e.ComponentID == componentID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].VolumeOffset != out[j].VolumeOffset {
			return out[i].VolumeOffset < out[j].VolumeOffset
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// EncodeDatabase builds a configuration database holding records, split
// into blocks of header.BlockSize bytes. Signature, HeaderSize and NumVBlks
// are filled in.
func EncodeDatabase(header DatabaseHeader, records ...Record) ([]byte, error) {
	if header.BlockSize == 0 {
		header.BlockSize = 128
	}
	bs := int(header.BlockSize)
	if bs <= vblkHeaderSize || DatabaseHeaderSize%bs != 0 {
		return nil, fmt.Errorf("unusable ldm block size %d", bs)
	}
	header.Signature = DatabaseSignature
	header.HeaderSize = DatabaseHeaderSize

	var blocks [][]byte
	for i, r := range records {
		payload, err := encodeRecord(r)
		if err != nil {
			return nil, err
		}
		per := bs - vblkHeaderSize
		n := (len(payload) + per - 1) / per
		for k := 0; k < n; k++ {
			block := make([]byte, bs)
			copy(block, vblkSignature)
			binary.BigEndian.PutUint32(block[4:], uint32(len(blocks)+1))
			binary.BigEndian.PutUint32(block[8:], uint32(i+1))
			binary.BigEndian.PutUint16(block[12:], uint16(k))
			binary.BigEndian.PutUint16(block[14:], uint16(n))
			end := (k + 1) * per
			if end > len(payload) {
				end = len(payload)
			}
			copy(block[vblkHeaderSize:], payload[k*per:end])
			blocks = append(blocks, block)
		}
	}

	header.NumVBlks = uint32(DatabaseHeaderSize/bs + len(blocks))
	out := make([]byte, DatabaseHeaderSize, DatabaseHeaderSize+len(blocks)*bs)
	if _, err := header.Encode(out); err != nil {
		return nil, err
	}
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out, nil
}
