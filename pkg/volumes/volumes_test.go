package volumes

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/ldm"
	"github.com/vorteil/vdisc/pkg/partitions"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

const (
	sectors    = 8192
	sectorSize = partitions.SectorSize
)

var (
	dataPart = uuid.MustParse("c0000000-0000-4000-8000-000000000001")
	rootPart = uuid.MustParse("c0000000-0000-4000-8000-000000000002")
	groupID  = uuid.MustParse("d0000000-0000-4000-8000-000000000001")
	diskID   = uuid.MustParse("d0000000-0000-4000-8000-000000000002")
	volID    = uuid.MustParse("d0000000-0000-4000-8000-000000000003")
)

func newDisk(t *testing.T, img []byte) *vdisk.VirtualDisk {
	layer := vdisk.NewRawLayer(vstream.NewMemoryStream(img), vstream.Dispose, geometry.Geometry{})
	d, err := vdisk.NewDisk(vstream.Dispose, nil, layer)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func put(t *testing.T, img []byte, off int64, rec vbin.Record) {
	data, err := vbin.Encode(rec)
	require.NoError(t, err)
	copy(img[off:], data)
}

func gptImage(t *testing.T) []byte {
	img := make([]byte, sectors*sectorSize)
	regions, err := partitions.EncodeGPT(sectors, uuid.New(),
		partitions.GPTPartitionSpec{Type: partitions.TypeBasicData, Unique: dataPart, FirstLBA: 2048, LastLBA: 4095, Name: "data"},
		partitions.GPTPartitionSpec{Type: partitions.TypeLinuxFilesystem, Unique: rootPart, FirstLBA: 4096, LastLBA: 6143, Name: "root"},
	)
	require.NoError(t, err)
	for off, data := range regions {
		copy(img[off:], data)
	}
	copy(img[2048*sectorSize:], "MAGIC")
	return img
}

// dynamicImage is an MBR dynamic disk holding one simple volume of four
// sectors at the start of the LDM data region.
func dynamicImage(t *testing.T) []byte {
	const (
		dataStart   = 2048
		configStart = 6144
		tocSize     = 2
		dbStart     = 16
	)
	img := make([]byte, sectors*sectorSize)
	mbr, err := partitions.EncodeMBR(0xCAFE, partitions.BIOSPartitionRecord{
		Type:        partitions.BIOSTypeWindowsDynamic,
		StartLBA:    63,
		SectorCount: sectors - 63,
	})
	require.NoError(t, err)
	copy(img, mbr)

	put(t, img, 0xC00, &ldm.PrivateHeader{
		Signature:             ldm.PrivateHeaderSignature,
		DiskID:                diskID.String(),
		DiskGroupID:           groupID.String(),
		DiskGroupName:         "Dg0",
		DataStartLba:          dataStart,
		DataSizeLba:           4096,
		ConfigurationStartLba: configStart,
		ConfigurationSizeLba:  2000,
		TocSizeLba:            tocSize,
	})
	put(t, img, (configStart+tocSize)*sectorSize, &ldm.TocBlock{
		Signature:  ldm.TocSignature,
		Item1Name:  "config",
		Item1Start: dbStart,
	})
	db, err := ldm.EncodeDatabase(ldm.DatabaseHeader{CommittedSequence: 1},
		&ldm.DiskGroupRecord{RecordHeader: ldm.RecordHeader{ID: 1, Name: "Dg0", Version: 4}, GroupGUID: groupID},
		&ldm.DiskRecord{RecordHeader: ldm.RecordHeader{ID: 2, Name: "Disk1", Version: 4}, DiskGUID: diskID},
		&ldm.VolumeRecord{RecordHeader: ldm.RecordHeader{ID: 3, Name: "Volume1"}, TypeName: "gen", ComponentCount: 1, Size: 4, BIOSType: partitions.BIOSTypeNTFS, VolumeGUID: volID},
		&ldm.ComponentRecord{RecordHeader: ldm.RecordHeader{ID: 4, Name: "Volume1-01"}, Layout: ldm.LayoutSpanned, ExtentCount: 1, VolumeID: 3},
		&ldm.ExtentRecord{RecordHeader: ldm.RecordHeader{ID: 5, Name: "Disk1-01"}, Size: 4, ComponentID: 4, DiskID: 2},
	)
	require.NoError(t, err)
	copy(img[(configStart+dbStart)*sectorSize:], db)

	copy(img[dataStart*sectorSize:], "MAGIC")
	return img
}

func TestPhysicalVolumes(t *testing.T) {
	m, err := NewManager(nil, newDisk(t, gptImage(t)), newDisk(t, make([]byte, 64*sectorSize)))
	require.NoError(t, err)
	assert.Len(t, m.Disks(), 2)
	assert.Empty(t, m.DiskGroups())

	vols, err := m.PhysicalVolumes()
	require.NoError(t, err)
	require.Len(t, vols, 3)

	assert.Equal(t, "VPG{"+dataPart.String()+"}", vols[0].Identity)
	assert.Equal(t, "data", vols[0].Name)
	assert.Equal(t, partitions.TypeBasicData, vols[0].GUIDType)
	assert.Equal(t, int64(2048*sectorSize), vols[0].Length)
	assert.Equal(t, partitions.VolumeGPTPartition, vols[0].Type)
	assert.Equal(t, 2, vols[1].Partition.Index())

	assert.Equal(t, "VPD:disk1", vols[2].Identity)
	assert.Equal(t, partitions.VolumeEntireDisk, vols[2].Type)
	assert.Nil(t, vols[2].Partition)
	assert.Equal(t, int64(64*sectorSize), vols[2].Length)

	s, err := vols[0].Open()
	require.NoError(t, err)
	head, err := vstream.ReadExact(s, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("MAGIC"), head)
	require.NoError(t, s.Close())

	// closing a volume leaves the disk usable
	s, err = vols[2].Open()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	s, err = vols[2].Open()
	require.NoError(t, err)
	assert.Equal(t, int64(64*sectorSize), s.Length())
}

func TestVolumeIdentity(t *testing.T) {
	m, err := NewManager(nil, newDisk(t, gptImage(t)))
	require.NoError(t, err)

	vols, err := m.LogicalVolumes()
	require.NoError(t, err)
	require.Len(t, vols, 2)

	v, err := m.Volume(vols[1].Identity)
	require.NoError(t, err)
	assert.Same(t, vols[1], v)

	again, err := m.PhysicalVolumes()
	require.NoError(t, err)
	assert.Same(t, vols[0], again[0])

	_, err = m.Volume("VPG{nothing}")
	assert.True(t, errors.Is(err, ErrNoVolume))
}

func TestAddDiskTwice(t *testing.T) {
	d := newDisk(t, gptImage(t))
	m, err := NewManager(nil, d)
	require.NoError(t, err)
	require.NoError(t, m.AddDisk(d))
	assert.Len(t, m.Disks(), 1)
}

func TestDynamicVolumes(t *testing.T) {
	m, err := NewManager(nil, newDisk(t, dynamicImage(t)))
	require.NoError(t, err)
	require.Len(t, m.DiskGroups(), 1)
	assert.Equal(t, groupID, m.DiskGroups()[0].ID())

	phys, err := m.PhysicalVolumes()
	require.NoError(t, err)
	assert.Empty(t, phys)

	vols, err := m.LogicalVolumes()
	require.NoError(t, err)
	require.Len(t, vols, 1)
	v := vols[0]
	assert.Equal(t, "VLG{"+groupID.String()+"}-{"+volID.String()+"}", v.Identity)
	assert.Equal(t, Dynamic, v.Kind)
	assert.Equal(t, -1, v.DiskIndex)
	assert.Equal(t, "Volume1", v.Name)
	assert.Equal(t, int64(4*sectorSize), v.Length)
	assert.Equal(t, ldm.StatusHealthy, v.Status)

	s, err := v.Open()
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, int64(4*sectorSize), s.Length())
	head, err := vstream.ReadExact(s, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("MAGIC"), head)

	same, err := m.Volume(v.Identity)
	require.NoError(t, err)
	assert.Same(t, v, same)
}

func TestBIOSIdentity(t *testing.T) {
	img := make([]byte, sectors*sectorSize)
	mbr, err := partitions.EncodeMBR(0x1234ABCD, partitions.BIOSPartitionRecord{
		Type:        partitions.BIOSTypeLinuxNative,
		StartLBA:    2048,
		SectorCount: 1024,
	})
	require.NoError(t, err)
	copy(img, mbr)

	m, err := NewManager(nil, newDisk(t, img))
	require.NoError(t, err)
	vols, err := m.PhysicalVolumes()
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, "VPD:1234abcd:100000", vols[0].Identity)
	assert.Equal(t, partitions.BIOSTypeLinuxNative, vols[0].BIOSType)
}

func TestDetectFileSystems(t *testing.T) {
	magic := func(s vstream.SparseStream, vol *VolumeInfo) []FileSystemInfo {
		head := make([]byte, 5)
		if _, err := s.Read(head); err != nil || !bytes.Equal(head, []byte("MAGIC")) {
			return nil
		}
		return []FileSystemInfo{{Name: "magic", Description: "Magic on " + vol.Identity}}
	}
	require.NoError(t, RegisterFileSystem("magic", magic))
	defer DeregisterFileSystem("magic")
	require.NoError(t, RegisterFileSystem("magic2", magic))
	defer DeregisterFileSystem("magic2")

	assert.Error(t, RegisterFileSystem("magic", magic))
	assert.Equal(t, []string{"magic", "magic2"}, FileSystems())

	m, err := NewManager(nil, newDisk(t, gptImage(t)), newDisk(t, dynamicImage(t)))
	require.NoError(t, err)
	vols, err := m.LogicalVolumes()
	require.NoError(t, err)
	require.Len(t, vols, 3)

	found, err := DetectFileSystems(vols[0])
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, "magic", found[0].Name)

	found, err = DetectFileSystems(vols[1])
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = DetectFileSystems(vols[2])
	require.NoError(t, err)
	assert.Len(t, found, 2)

	assert.Error(t, DeregisterFileSystem("missing"))
}
