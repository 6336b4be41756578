package ldm

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/vbin"
)

// RecordType is the kind of a database record.
type RecordType int

// Record types.
const (
	RecordNone RecordType = iota
	RecordVolume
	RecordComponent
	RecordExtent
	RecordDisk
	RecordDiskGroup
)

func (t RecordType) String() string {
	switch t {
	case RecordVolume:
		return "volume"
	case RecordComponent:
		return "component"
	case RecordExtent:
		return "extent"
	case RecordDisk:
		return "disk"
	case RecordDiskGroup:
		return "disk group"
	}
	return fmt.Sprintf("record(%d)", int(t))
}

// Record flag bits.
const (
	FlagExtentIndex     = 0x08
	FlagComponentStripe = 0x10
)

// ComponentLayout is how a component arranges its extents.
type ComponentLayout byte

// Component layouts.
const (
	LayoutStriped ComponentLayout = 1
	LayoutSpanned ComponentLayout = 2
	LayoutRAID5   ComponentLayout = 3
)

func (l ComponentLayout) String() string {
	switch l {
	case LayoutStriped:
		return "striped"
	case LayoutSpanned:
		return "spanned"
	case LayoutRAID5:
		return "raid5"
	}
	return fmt.Sprintf("layout(%d)", byte(l))
}

const (
	// recordHeaderSize covers status, flags, type and data length, and
	// precedes the variable fields of every record
	recordHeaderSize = 8
	volumeStateSize  = 14
)

// Record is one decoded database record.
type Record interface {
	Common() *RecordHeader
}

// RecordHeader holds the fields every record starts with.
type RecordHeader struct {
	Status     uint16
	Flags      byte
	Type       RecordType
	Version    byte
	DataLength uint32
	ID         uint64
	Name       string
}

func (h *RecordHeader) Common() *RecordHeader {
	return h
}

// VolumeRecord describes a volume. Size is in sectors.
type VolumeRecord struct {
	RecordHeader
	TypeName       string
	DriveHint      string
	State          string
	VolumeType     byte
	VolumeNumber   byte
	VolumeFlags    byte
	ComponentCount uint64
	Size           int64
	BIOSType       byte
	VolumeGUID     uuid.UUID
}

// ComponentRecord describes one plex of a volume. More than one component
// per volume means the volume is mirrored.
type ComponentRecord struct {
	RecordHeader
	State       string
	Layout      ComponentLayout
	ExtentCount uint64
	VolumeID    uint64
	StripeSize  int64
	Columns     int64
}

// ExtentRecord places part of a component on a disk. Positions are in
// sectors; DiskOffset is relative to the disk's data start.
type ExtentRecord struct {
	RecordHeader
	DiskOffset   int64
	VolumeOffset int64
	Size         int64
	ComponentID  uint64
	DiskID       uint64
	Index        byte
}

// DiskRecord names a member disk of the group.
type DiskRecord struct {
	RecordHeader
	DiskGUID uuid.UUID
	AltName  string
}

// DiskGroupRecord names the group itself.
type DiskGroupRecord struct {
	RecordHeader
	GroupGUID uuid.UUID
}

func decodeHeader(c *vbin.Cursor) RecordHeader {
	var h RecordHeader
	h.Status = c.Uint16()
	h.Flags = c.Byte()
	kind := c.Byte()
	h.Type = RecordType(kind & 0x0F)
	h.Version = kind >> 4
	h.DataLength = c.Uint32()
	h.ID = c.VarUint()
	h.Name = c.VarString()
	return h
}

// peekRecord returns the type and id of a reassembled record payload.
func peekRecord(payload []byte) (RecordType, uint64, error) {
	c := vbin.NewCursor(payload, 0, binary.BigEndian)
	h := decodeHeader(c)
	return h.Type, h.ID, c.Err()
}

// decodeRecord decodes a reassembled record payload.
func decodeRecord(payload []byte) (Record, error) {
	c := vbin.NewCursor(payload, 0, binary.BigEndian)
	h := decodeHeader(c)
	if err := c.Err(); err != nil {
		return nil, err
	}

	var rec Record
	switch h.Type {
	case RecordVolume:
		v := &VolumeRecord{RecordHeader: h}
		v.TypeName = c.VarString()
		v.DriveHint = c.VarString()
		v.State = vbin.CString(c.Bytes(volumeStateSize))
		v.VolumeType = c.Byte()
		c.Skip(1)
		v.VolumeNumber = c.Byte()
		c.Skip(3)
		v.VolumeFlags = c.Byte()
		v.ComponentCount = c.VarUint()
		c.Skip(16)
		v.Size = int64(c.VarUint())
		c.Skip(4)
		v.BIOSType = c.Byte()
		if g := c.Bytes(16); g != nil {
			v.VolumeGUID = vbin.GUIDBigEndian(g)
		}
		rec = v

	case RecordComponent:
		p := &ComponentRecord{RecordHeader: h}
		p.State = c.VarString()
		p.Layout = ComponentLayout(c.Byte())
		c.Skip(4)
		p.ExtentCount = c.VarUint()
		c.Skip(16)
		p.VolumeID = c.VarUint()
		c.Skip(1)
		if h.Flags&FlagComponentStripe != 0 {
			p.StripeSize = int64(c.VarUint())
			p.Columns = int64(c.VarUint())
		}
		rec = p

	case RecordExtent:
		e := &ExtentRecord{RecordHeader: h}
		c.Skip(12)
		e.DiskOffset = int64(c.Uint64())
		e.VolumeOffset = int64(c.Uint64())
		e.Size = int64(c.VarUint())
		e.ComponentID = c.VarUint()
		e.DiskID = c.VarUint()
		if h.Flags&FlagExtentIndex != 0 {
			c.Skip(1)
			e.Index = c.Byte()
		}
		rec = e

	case RecordDisk:
		d := &DiskRecord{RecordHeader: h}
		if h.Version >= 4 {
			if g := c.Bytes(16); g != nil {
				d.DiskGUID = vbin.GUIDBigEndian(g)
			}
		} else {
			id := c.VarString()
			d.AltName = c.VarString()
			if c.Err() == nil {
				g, err := vbin.ParseGUID(id)
				if err != nil {
					return nil, fmt.Errorf("disk record %d: %w", h.ID, err)
				}
				d.DiskGUID = g
			}
		}
		rec = d

	case RecordDiskGroup:
		g := &DiskGroupRecord{RecordHeader: h}
		if h.Version >= 4 {
			if b := c.Bytes(16); b != nil {
				g.GroupGUID = vbin.GUIDBigEndian(b)
			}
		} else {
			id := c.VarString()
			if c.Err() == nil {
				u, err := vbin.ParseGUID(id)
				if err != nil {
					return nil, fmt.Errorf("disk group record %d: %w", h.ID, err)
				}
				g.GroupGUID = u
			}
		}
		rec = g

	default:
		return nil, fmt.Errorf("record %d of type %d: %w", h.ID, h.Type, vbin.ErrNotSupported)
	}

	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("%s record %d: %w", h.Type, h.ID, err)
	}
	return rec, nil
}

// encodeRecord is the inverse of decodeRecord. The type comes from the
// concrete record. Version 4 disks and groups store binary GUIDs, earlier
// versions store text.
func encodeRecord(rec Record) ([]byte, error) {
	h := rec.Common()
	var body []byte
	body = vbin.AppendVarUint(body, h.ID)
	body = vbin.AppendVarString(body, h.Name)

	zeros := func(n int) {
		body = append(body, make([]byte, n)...)
	}
	u64 := func(v int64) {
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v))
		body = append(body, tmp[:]...)
	}

	var kind RecordType
	switch r := rec.(type) {
	case *VolumeRecord:
		kind = RecordVolume
		body = vbin.AppendVarString(body, r.TypeName)
		body = vbin.AppendVarString(body, r.DriveHint)
		state := make([]byte, volumeStateSize)
		vbin.PutCString(state, r.State)
		body = append(body, state...)
		body = append(body, r.VolumeType, 0, r.VolumeNumber, 0, 0, 0, r.VolumeFlags)
		body = vbin.AppendVarUint(body, r.ComponentCount)
		zeros(16)
		body = vbin.AppendVarUint(body, uint64(r.Size))
		zeros(4)
		body = append(body, r.BIOSType)
		body = append(body, r.VolumeGUID[:]...)

	case *ComponentRecord:
		kind = RecordComponent
		body = vbin.AppendVarString(body, r.State)
		body = append(body, byte(r.Layout))
		zeros(4)
		body = vbin.AppendVarUint(body, r.ExtentCount)
		zeros(16)
		body = vbin.AppendVarUint(body, r.VolumeID)
		zeros(1)
		if h.Flags&FlagComponentStripe != 0 {
			body = vbin.AppendVarUint(body, uint64(r.StripeSize))
			body = vbin.AppendVarUint(body, uint64(r.Columns))
		}

	case *ExtentRecord:
		kind = RecordExtent
		zeros(12)
		u64(r.DiskOffset)
		u64(r.VolumeOffset)
		body = vbin.AppendVarUint(body, uint64(r.Size))
		body = vbin.AppendVarUint(body, r.ComponentID)
		body = vbin.AppendVarUint(body, r.DiskID)
		if h.Flags&FlagExtentIndex != 0 {
			body = append(body, 0, r.Index)
		}

	case *DiskRecord:
		kind = RecordDisk
		if h.Version >= 4 {
			body = append(body, r.DiskGUID[:]...)
		} else {
			body = vbin.AppendVarString(body, r.DiskGUID.String())
			body = vbin.AppendVarString(body, r.AltName)
		}

	case *DiskGroupRecord:
		kind = RecordDiskGroup
		if h.Version >= 4 {
			body = append(body, r.GroupGUID[:]...)
		} else {
			body = vbin.AppendVarString(body, r.GroupGUID.String())
		}

	default:
		return nil, fmt.Errorf("encoding %T: %w", rec, vbin.ErrNotSupported)
	}

	out := make([]byte, recordHeaderSize, recordHeaderSize+len(body))
	binary.BigEndian.PutUint16(out[0:], h.Status)
	out[2] = h.Flags
	out[3] = h.Version<<4 | byte(kind)
	binary.BigEndian.PutUint32(out[4:], uint32(len(body)))
	return append(out, body...), nil
}
