package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloppy(t *testing.T) {
	g, ok := Floppy(1440 * 512)
	assert.True(t, ok)
	assert.Equal(t, New(80, 2, 9), g)

	g, ok = Floppy(2880 * 512)
	assert.True(t, ok)
	assert.Equal(t, New(80, 2, 18), g)

	g, ok = Floppy(5760 * 512)
	assert.True(t, ok)
	assert.Equal(t, New(80, 2, 36), g)

	_, ok = Floppy(2881 * 512)
	assert.False(t, ok)

	hd, err := FloppyGeometry(HighDensity)
	assert.NoError(t, err)
	assert.Equal(t, int64(1474560), hd.Capacity())

	_, err = FloppyGeometry(FloppyType(42))
	assert.Error(t, err)
}

func TestFromCapacityCoversCapacity(t *testing.T) {
	for _, capacity := range []int64{
		512,
		10 * 1024 * 1024,
		100*1024*1024 + 512,
		1 << 30,
		8<<30 + 12345*512,
		200 << 30,
	} {
		g := FromCapacity(capacity)
		assert.GreaterOrEqual(t, g.Capacity(), capacity, "capacity %d", capacity)
		assert.Less(t, g.Capacity()-capacity, g.CylinderSize(), "capacity %d", capacity)
		assert.Equal(t, 63, g.SectorsPerTrack)
	}
}

func TestFromCapacityHeads(t *testing.T) {
	assert.Equal(t, 16, FromCapacity(100<<20).HeadsPerCylinder)
	assert.Equal(t, 255, FromCapacity(100<<30).HeadsPerCylinder)
	assert.True(t, FromCapacity(1<<30).IsBIOSCompatible())
}

func TestLBAAssisted(t *testing.T) {
	g := LBAAssisted(100 << 30)
	assert.Equal(t, MaxBIOSCylinders, g.Cylinders)
	assert.True(t, g.IsBIOSCompatible())
	assert.LessOrEqual(t, LBAAssisted(1<<30).Capacity(), int64(1<<30))
}

func TestCHSRoundTrip(t *testing.T) {
	g := New(1024, 255, 63)
	for _, lba := range []int64{0, 62, 63, 16064, 16065, 1000000} {
		assert.Equal(t, lba, g.ToLBA(g.ToCHS(lba)))
	}
	assert.Equal(t, CHS{Cylinder: 0, Head: 1, Sector: 1}, g.ToCHS(63))
}

func TestVHDFromCapacity(t *testing.T) {
	g := VHDFromCapacity(1 << 30)
	assert.Equal(t, New(2080, 16, 63), g)
	assert.LessOrEqual(t, g.Capacity(), int64(1<<30))

	assert.Equal(t, g, Unpack(g.Pack()))
	assert.Equal(t, uint32(2080<<16|16<<8|63), g.Pack())

	big := VHDFromCapacity(1 << 40)
	assert.Equal(t, 255, big.SectorsPerTrack)
	assert.Equal(t, 16, big.HeadsPerCylinder)
}
