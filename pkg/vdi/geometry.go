package vdi

import (
	"encoding/binary"

	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/vbin"
)

const GeometryRecordSize = 16

// GeometryRecord is the legacy disk geometry stored in the header.
type GeometryRecord struct {
	Cylinders  int32
	Heads      int32
	Sectors    int32
	SectorSize int32
}

func (g *GeometryRecord) Size() int {
	return GeometryRecordSize
}

func (g *GeometryRecord) Decode(buf []byte) (int, error) {
	if err := vbin.Check(buf, GeometryRecordSize, "vdi geometry"); err != nil {
		return 0, err
	}
	le := binary.LittleEndian
	g.Cylinders = int32(le.Uint32(buf[0:]))
	g.Heads = int32(le.Uint32(buf[4:]))
	g.Sectors = int32(le.Uint32(buf[8:]))
	g.SectorSize = int32(le.Uint32(buf[12:]))
	return GeometryRecordSize, nil
}

func (g *GeometryRecord) Encode(buf []byte) (int, error) {
	if err := vbin.Check(buf, GeometryRecordSize, "vdi geometry"); err != nil {
		return 0, err
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(g.Cylinders))
	le.PutUint32(buf[4:], uint32(g.Heads))
	le.PutUint32(buf[8:], uint32(g.Sectors))
	le.PutUint32(buf[12:], uint32(g.SectorSize))
	return GeometryRecordSize, nil
}

// GeometryFromCapacity picks the smallest head count from 16, 32, 64 and
// 128 that keeps the disk within 1024 cylinders, falling back to 255 heads
// with the cylinder count capped.
func GeometryFromCapacity(capacity int64) GeometryRecord {
	g := GeometryRecord{Sectors: 63, SectorSize: SectorSize}
	total := capacity / SectorSize

	atLeastOne := func(v int64) int32 {
		if v < 1 {
			return 1
		}
		return int32(v)
	}

	switch {
	case total/(16*63) <= 1024:
		g.Heads, g.Cylinders = 16, atLeastOne(total/(16*63))
	case total/(32*63) <= 1024:
		g.Heads, g.Cylinders = 32, atLeastOne(total/(32*63))
	case total/(64*63) <= 1024:
		g.Heads, g.Cylinders = 64, int32(total/(64*63))
	case total/(128*63) <= 1024:
		g.Heads, g.Cylinders = 128, int32(total/(128*63))
	default:
		c := total / (255 * 63)
		if c > 1024 {
			c = 1024
		}
		g.Heads, g.Cylinders = 255, int32(c)
	}
	return g
}

// ToGeometry returns the geometry with the cylinder count recomputed for a
// disk of the given capacity.
func (g GeometryRecord) ToGeometry(capacity int64) geometry.Geometry {
	cylinder := int64(g.SectorSize) * int64(g.Sectors) * int64(g.Heads)
	if cylinder == 0 {
		return geometry.Geometry{}
	}
	return geometry.Geometry{
		Cylinders:        int(capacity / cylinder),
		HeadsPerCylinder: int(g.Heads),
		SectorsPerTrack:  int(g.Sectors),
		BytesPerSector:   int(g.SectorSize),
	}
}
