// Package geometry models the cylinder/head/sector shape of a disk and the
// algorithms used to derive one from a capacity.
package geometry

import "fmt"

// SectorSize is the only sector size the disk formats here use.
const SectorSize = 512

// BIOS addressing limits.
const (
	MaxBIOSCylinders = 1024
	MaxBIOSHeads     = 255
	MaxBIOSSectors   = 63
)

// Geometry is the physical shape of a disk.
type Geometry struct {
	Cylinders        int
	HeadsPerCylinder int
	SectorsPerTrack  int
	BytesPerSector   int
}

// CHS is a cylinder/head/sector address. Sectors count from 1.
type CHS struct {
	Cylinder int
	Head     int
	Sector   int
}

// New returns a geometry with 512-byte sectors.
func New(cylinders, heads, sectors int) Geometry {
	return Geometry{
		Cylinders:        cylinders,
		HeadsPerCylinder: heads,
		SectorsPerTrack:  sectors,
		BytesPerSector:   SectorSize,
	}
}

func (g Geometry) sectorSize() int64 {
	if g.BytesPerSector == 0 {
		return SectorSize
	}
	return int64(g.BytesPerSector)
}

// TotalSectors returns the number of addressable sectors.
func (g Geometry) TotalSectors() int64 {
	return int64(g.Cylinders) * int64(g.HeadsPerCylinder) * int64(g.SectorsPerTrack)
}

// Capacity returns the number of addressable bytes.
func (g Geometry) Capacity() int64 {
	return g.TotalSectors() * g.sectorSize()
}

// CylinderSize returns the number of bytes in one cylinder.
func (g Geometry) CylinderSize() int64 {
	return int64(g.HeadsPerCylinder) * int64(g.SectorsPerTrack) * g.sectorSize()
}

// IsBIOSCompatible reports whether the geometry can be addressed through
// the legacy BIOS CHS interface.
func (g Geometry) IsBIOSCompatible() bool {
	return g.Cylinders <= MaxBIOSCylinders &&
		g.HeadsPerCylinder <= MaxBIOSHeads &&
		g.SectorsPerTrack <= MaxBIOSSectors
}

// IsZero reports whether g is the zero geometry.
func (g Geometry) IsZero() bool {
	return g == Geometry{}
}

// ToLBA converts a CHS address into a logical block address.
func (g Geometry) ToLBA(a CHS) int64 {
	return (int64(a.Cylinder)*int64(g.HeadsPerCylinder)+int64(a.Head))*int64(g.SectorsPerTrack) + int64(a.Sector) - 1
}

// ToCHS converts a logical block address into a CHS address.
func (g Geometry) ToCHS(lba int64) CHS {
	if g.HeadsPerCylinder == 0 || g.SectorsPerTrack == 0 {
		return CHS{}
	}
	spt := int64(g.SectorsPerTrack)
	hpc := int64(g.HeadsPerCylinder)
	return CHS{
		Cylinder: int(lba / (spt * hpc)),
		Head:     int((lba / spt) % hpc),
		Sector:   int(lba%spt) + 1,
	}
}

func (g Geometry) String() string {
	return fmt.Sprintf("%d/%d/%d:%d", g.Cylinders, g.HeadsPerCylinder, g.SectorsPerTrack, g.sectorSize())
}

// FloppyType identifies the standard 3.5" floppy formats.
type FloppyType int

// Floppy formats.
const (
	DoubleDensity FloppyType = iota
	HighDensity
	Extended
)

var floppies = map[FloppyType]Geometry{
	DoubleDensity: New(80, 2, 9),
	HighDensity:   New(80, 2, 18),
	Extended:      New(80, 2, 36),
}

// FloppyGeometry returns the geometry of a standard floppy format.
func FloppyGeometry(kind FloppyType) (Geometry, error) {
	g, ok := floppies[kind]
	if !ok {
		return Geometry{}, fmt.Errorf("unknown floppy type %d", kind)
	}
	return g, nil
}

// Floppy returns the floppy geometry whose capacity is exactly capacity.
func Floppy(capacity int64) (Geometry, bool) {
	for _, kind := range []FloppyType{DoubleDensity, HighDensity, Extended} {
		if g := floppies[kind]; g.Capacity() == capacity {
			return g, true
		}
	}
	return Geometry{}, false
}

// FromCapacity returns a BIOS style geometry approximating capacity. Heads
// are doubled until the cylinder count fits in 1024, and cylinders are
// rounded up so the geometry always covers the whole capacity.
func FromCapacity(capacity int64) Geometry {
	sectors := (capacity + SectorSize - 1) / SectorSize
	const spt = MaxBIOSSectors

	var heads int64
	for _, h := range []int64{16, 32, 64, 128, MaxBIOSHeads} {
		heads = h
		if sectors <= MaxBIOSCylinders*h*spt {
			break
		}
	}

	cylinders := (sectors + heads*spt - 1) / (heads * spt)
	if cylinders == 0 {
		cylinders = 1
	}
	return New(int(cylinders), int(heads), spt)
}

// LBAAssisted returns the geometry a BIOS would present for a disk of the
// given capacity in LBA-assisted translation mode. Unlike FromCapacity it
// rounds down and caps cylinders at 1024.
func LBAAssisted(capacity int64) Geometry {
	sectors := capacity / SectorSize
	const spt = MaxBIOSSectors

	var heads int64
	for _, h := range []int64{16, 32, 64, 128, MaxBIOSHeads} {
		heads = h
		if sectors <= MaxBIOSCylinders*h*spt {
			break
		}
	}

	cylinders := sectors / (heads * spt)
	if cylinders > MaxBIOSCylinders {
		cylinders = MaxBIOSCylinders
	}
	return New(int(cylinders), int(heads), spt)
}

// VHDFromCapacity implements the CHS algorithm from the VHD format
// document. The result may address slightly less than capacity.
func VHDFromCapacity(capacity int64) Geometry {
	var cylinders, heads, sectorsPerTrack int64
	var cylinderTimesHeads int64

	totalSectors := capacity / SectorSize
	if totalSectors > 65535*16*255 {
		totalSectors = 65535 * 16 * 255
	}

	if totalSectors >= 65535*16*63 {
		sectorsPerTrack = 255
		heads = 16
		cylinderTimesHeads = totalSectors / sectorsPerTrack
	} else {
		sectorsPerTrack = 17
		cylinderTimesHeads = totalSectors / sectorsPerTrack
		heads = (cylinderTimesHeads + 1023) / 1024
		if heads < 4 {
			heads = 4
		}
		if cylinderTimesHeads >= (heads*1024) || heads > 16 {
			sectorsPerTrack = 31
			heads = 16
			cylinderTimesHeads = totalSectors / sectorsPerTrack
		}
		if cylinderTimesHeads >= heads*1024 {
			sectorsPerTrack = 63
			heads = 16
			cylinderTimesHeads = totalSectors / sectorsPerTrack
		}
	}
	cylinders = cylinderTimesHeads / heads

	return New(int(cylinders), int(heads), int(sectorsPerTrack))
}

// Pack encodes g in the 32-bit layout used by VHD footers: cylinders in the
// top 16 bits, then heads, then sectors per track.
func (g Geometry) Pack() uint32 {
	return uint32(g.Cylinders)<<16 | uint32(g.HeadsPerCylinder)<<8 | uint32(g.SectorsPerTrack)
}

// Unpack decodes the VHD footer geometry layout.
func Unpack(v uint32) Geometry {
	return New(int(v>>16), int(v>>8&0xFF), int(v&0xFF))
}
