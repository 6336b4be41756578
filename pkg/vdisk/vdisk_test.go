package vdisk

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/partitions"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// A minimal differencing format used to exercise chain resolution. Sector 0
// holds the magic, the parent name at 8 and a presence byte per 512-byte
// block at 128. Block data follows the header.
const (
	diffMagic     = "TESTDIFF"
	diffBlockSize = 512
)

type diffBlocks struct {
	bitmap []byte
}

func (m *diffBlocks) BlockSize() int64 {
	return diffBlockSize
}

func (m *diffBlocks) Lookup(block int64) (vstream.Allocation, error) {
	if block >= int64(len(m.bitmap)) || m.bitmap[block] == 0 {
		return vstream.Allocation{}, nil
	}
	return vstream.Allocation{Present: true, Offset: diffBlockSize + block*diffBlockSize}, nil
}

type diffLayer struct {
	stream  vstream.SparseStream
	own     vstream.Ownership
	locator FileLocator
	parent  string
	bitmap  []byte
}

func (l *diffLayer) Capacity() int64                  { return l.stream.Length() - diffBlockSize }
func (l *diffLayer) Geometry() geometry.Geometry      { return geometry.FromCapacity(l.Capacity()) }
func (l *diffLayer) IsSparse() bool                   { return true }
func (l *diffLayer) NeedsParent() bool                { return true }
func (l *diffLayer) ParentLocations() []string        { return []string{l.parent} }
func (l *diffLayer) RelativeFileLocator() FileLocator { return l.locator }

func (l *diffLayer) OpenContent(parent vstream.SparseStream, owns vstream.Ownership) (vstream.SparseStream, error) {
	top, err := vstream.NewBlockStream(l.stream, vstream.None, &diffBlocks{bitmap: l.bitmap}, l.Capacity())
	if err != nil {
		return nil, err
	}
	return vstream.NewLayeredStream(top, vstream.Dispose, parent, owns), nil
}

func (l *diffLayer) Close() error {
	if l.own == vstream.Dispose {
		return l.stream.Close()
	}
	return nil
}

func init() {
	err := RegisterLayerFormat(LayerFormat{
		Name:       "testdiff",
		Extensions: []string{".tdiff"},
		Probe: func(s vstream.SparseStream) bool {
			head, err := vstream.ReadExact(s, 0, len(diffMagic))
			return err == nil && vbin.HasSignature(head, diffMagic)
		},
		Open: func(s vstream.SparseStream, own vstream.Ownership, loc FileLocator, log elog.Logger) (Layer, error) {
			head, err := vstream.ReadExact(s, 0, diffBlockSize)
			if err != nil {
				return nil, err
			}
			return &diffLayer{
				stream:  s,
				own:     own,
				locator: loc,
				parent:  vbin.CString(head[8:128]),
				bitmap:  head[128:],
			}, nil
		},
	})
	if err != nil {
		panic(err)
	}
}

func writeDiff(t *testing.T, path, parent string, capacity int64, blocks map[int64]byte) {
	data := make([]byte, diffBlockSize+capacity)
	copy(data, diffMagic)
	copy(data[8:128], parent)
	for b, fill := range blocks {
		data[128+b] = 1
		copy(data[diffBlockSize+b*diffBlockSize:], bytes.Repeat([]byte{fill}, diffBlockSize))
	}
	require.NoError(t, ioutil.WriteFile(path, data, 0644))
}

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "vdisk")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestFloppyGeometry(t *testing.T) {
	for sectors, want := range map[int64]geometry.Geometry{
		1440: geometry.New(80, 2, 9),
		2880: geometry.New(80, 2, 18),
		5760: geometry.New(80, 2, 36),
	} {
		l := NewRawLayer(vstream.NewMemoryStream(make([]byte, sectors*512)), vstream.None, geometry.Geometry{})
		assert.Equal(t, want, l.Geometry(), "%d sectors", sectors)
		assert.Equal(t, FloppyDisk, l.DiskClass())
	}
}

func TestGenericGeometry(t *testing.T) {
	for _, capacity := range []int64{3 << 20, 10<<20 + 3*512, 700 << 20} {
		l := NewRawLayer(vstream.NewZeroStream(capacity), vstream.None, geometry.Geometry{})
		g := l.Geometry()
		assert.GreaterOrEqual(t, g.Capacity(), capacity)
		assert.Less(t, g.Capacity()-capacity, g.CylinderSize())
		assert.Equal(t, HardDisk, l.DiskClass())
	}
}

func TestExplicitGeometry(t *testing.T) {
	g := geometry.New(10, 4, 17)
	l := NewRawLayer(vstream.NewZeroStream(1440*512), vstream.None, g)
	assert.Equal(t, g, l.Geometry())
}

func TestGeometryFromPartitionTable(t *testing.T) {
	disk := vstream.NewMemoryStream(make([]byte, 4<<20))
	mbr, err := partitions.EncodeMBR(0, partitions.BIOSPartitionRecord{
		Type:        partitions.BIOSTypeFat16,
		StartLBA:    32,
		SectorCount: 8000,
		EndCHS:      geometry.CHS{Cylinder: 15, Head: 15, Sector: 32},
	})
	require.NoError(t, err)
	_, err = disk.WriteAt(mbr, 0)
	require.NoError(t, err)

	assert.Equal(t, geometry.New(16, 16, 32), DetectGeometry(disk))
}

func TestInitializeRaw(t *testing.T) {
	s := vstream.NewMemoryStream(bytes.Repeat([]byte{0xAB}, 512))
	l, err := InitializeRaw(s, vstream.None, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), l.Capacity())

	head, err := vstream.ReadExact(s, 0, 512)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), head)

	_, err = InitializeRaw(vstream.NewZeroStream(4096), vstream.None, 4096)
	assert.True(t, errors.Is(err, vstream.ErrReadOnly))
}

func TestInitializeFloppy(t *testing.T) {
	l, err := InitializeFloppy(vstream.NewMemoryStream(nil), vstream.None, geometry.HighDensity)
	require.NoError(t, err)
	assert.Equal(t, int64(2880*512), l.Capacity())
	assert.Equal(t, geometry.New(80, 2, 18), l.Geometry())
	assert.Equal(t, FloppyDisk, l.DiskClass())
}

func TestRawContentReleasesParent(t *testing.T) {
	l := NewRawLayer(vstream.NewMemoryStream([]byte("raw data")), vstream.None, geometry.Geometry{})

	kept := vstream.NewMemoryStream([]byte("parent"))
	content, err := l.OpenContent(kept, vstream.None)
	require.NoError(t, err)
	_, err = kept.ReadAt(make([]byte, 1), 0)
	assert.NoError(t, err)

	owned := vstream.NewMemoryStream([]byte("parent"))
	content, err = l.OpenContent(owned, vstream.Dispose)
	require.NoError(t, err)
	_, err = owned.ReadAt(make([]byte, 1), 0)
	assert.True(t, errors.Is(err, vstream.ErrClosed))

	got, err := vstream.ReadExact(content, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, "raw data", string(got))

	// the view does not own the image
	require.NoError(t, content.Close())
	require.NoError(t, l.Close())
	_, err = l.OpenContent(nil, vstream.None)
	assert.True(t, errors.Is(err, vstream.ErrClosed))
}

func TestOpenDiskRaw(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "disk.img")

	data := make([]byte, 1<<20)
	mbr, err := partitions.EncodeMBR(7, partitions.BIOSPartitionRecord{
		Type:        partitions.BIOSTypeLinuxNative,
		StartLBA:    64,
		SectorCount: 1024,
	})
	require.NoError(t, err)
	copy(data, mbr)
	require.NoError(t, ioutil.WriteFile(path, data, 0644))

	d, err := OpenDisk(path, nil, nil)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, int64(1<<20), d.Capacity())
	assert.False(t, d.IsSparse())
	require.Len(t, d.Layers(), 1)
	assert.Equal(t, "raw", d.Layers()[0].Format)

	ok, err := d.IsPartitioned()
	require.NoError(t, err)
	assert.True(t, ok)

	table, err := d.Partitions()
	require.NoError(t, err)
	require.Len(t, table.Partitions(), 1)
	assert.Equal(t, int64(64), table.Partitions()[0].FirstSector())

	require.NoError(t, d.Close())
	_, err = d.Content()
	assert.True(t, errors.Is(err, vstream.ErrClosed))
}

func TestOpenDiskMissingParent(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "child.tdiff")
	writeDiff(t, path, "base.img", 4096, nil)

	d, err := OpenDisk(path, nil, nil)
	assert.Nil(t, d)
	assert.True(t, errors.Is(err, ErrParentNotFound))
}

func TestOpenDiskChain(t *testing.T) {
	dir := tempDir(t)
	base := filepath.Join(dir, "base.img")
	require.NoError(t, ioutil.WriteFile(base, bytes.Repeat([]byte{'b'}, 4096), 0644))

	mid := filepath.Join(dir, "mid.tdiff")
	writeDiff(t, mid, "base.img", 4096, map[int64]byte{1: 'm', 2: 'm'})

	top := filepath.Join(dir, "top.tdiff")
	writeDiff(t, top, "mid.tdiff", 4096, map[int64]byte{2: 't'})

	d, err := OpenDisk(top, NewLocalFileLocator(dir), nil)
	require.NoError(t, err)
	defer d.Close()

	layers := d.Layers()
	require.Len(t, layers, 3)
	assert.Equal(t, "testdiff", layers[0].Format)
	assert.Equal(t, "testdiff", layers[1].Format)
	assert.Equal(t, "raw", layers[2].Format)
	assert.Equal(t, filepath.Clean(base), layers[2].Path)

	content, err := d.Content()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), content.Length())

	same, err := d.Content()
	require.NoError(t, err)
	assert.Equal(t, content, same)

	got, err := vstream.ReadExact(content, 0, 4*512)
	require.NoError(t, err)
	assert.Equal(t, byte('b'), got[0])
	assert.Equal(t, byte('m'), got[512])
	assert.Equal(t, byte('t'), got[1024])
	assert.Equal(t, byte('b'), got[1536])
}

func TestParentSearchPaths(t *testing.T) {
	images := tempDir(t)
	parents := tempDir(t)

	require.NoError(t, ioutil.WriteFile(filepath.Join(parents, "base.img"), make([]byte, 2048), 0644))
	child := filepath.Join(images, "child.tdiff")
	writeDiff(t, child, `C:\Users\someone\VMs\base.img`, 2048, nil)

	_, err := OpenDisk(child, NewLocalFileLocator(images), nil)
	assert.True(t, errors.Is(err, ErrParentNotFound))

	d, err := OpenDisk(child, NewLocalFileLocator(images, parents), nil)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, filepath.Join(parents, "base.img"), d.Layers()[1].Path)
}

func TestParentCycle(t *testing.T) {
	dir := tempDir(t)
	writeDiff(t, filepath.Join(dir, "a.tdiff"), "b.tdiff", 1024, nil)
	writeDiff(t, filepath.Join(dir, "b.tdiff"), "a.tdiff", 1024, nil)

	_, err := OpenDisk(filepath.Join(dir, "a.tdiff"), nil, nil)
	assert.True(t, errors.Is(err, ErrParentCycle))
}

// recordingLayer logs when it and its content are closed.
type recordingLayer struct {
	Layer
	name string
	log  *[]string
}

func (l *recordingLayer) OpenContent(parent vstream.SparseStream, owns vstream.Ownership) (vstream.SparseStream, error) {
	s, err := l.Layer.OpenContent(parent, owns)
	if err != nil {
		return nil, err
	}
	return &recordingStream{SparseStream: s, name: l.name + " content", log: l.log}, nil
}

func (l *recordingLayer) Close() error {
	*l.log = append(*l.log, l.name)
	return l.Layer.Close()
}

type recordingStream struct {
	vstream.SparseStream
	name string
	log  *[]string
}

func (s *recordingStream) Close() error {
	*s.log = append(*s.log, s.name)
	return s.SparseStream.Close()
}

func TestCloseOrder(t *testing.T) {
	var log []string

	base := &recordingLayer{
		Layer: NewRawLayer(vstream.NewMemoryStream(make([]byte, 1024)), vstream.Dispose, geometry.Geometry{}),
		name:  "base",
		log:   &log,
	}
	top := &recordingLayer{
		Layer: &diffLayer{stream: vstream.NewMemoryStream(make([]byte, 1536)), own: vstream.Dispose, bitmap: []byte{1}},
		name:  "top",
		log:   &log,
	}

	d, err := NewDisk(vstream.Dispose, nil, top, base)
	require.NoError(t, err)
	_, err = d.Content()
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.Equal(t, []string{"top content", "base content", "top", "base"}, log)
}

func TestNewDiskKeepsBorrowedLayers(t *testing.T) {
	image := vstream.NewMemoryStream(make([]byte, 1024))
	d, err := NewDisk(vstream.None, nil, NewRawLayer(image, vstream.Dispose, geometry.Geometry{}))
	require.NoError(t, err)
	_, err = d.Content()
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = image.ReadAt(make([]byte, 1), 0)
	assert.NoError(t, err)
}

func TestNewDiskValidation(t *testing.T) {
	_, err := NewDisk(vstream.None, nil)
	assert.Error(t, err)

	diff := &diffLayer{stream: vstream.NewMemoryStream(make([]byte, 1024))}
	_, err = NewDisk(vstream.None, nil, diff)
	assert.True(t, errors.Is(err, ErrParentNotFound))

	raw := NewRawLayer(vstream.NewMemoryStream(make([]byte, 512)), vstream.None, geometry.Geometry{})
	_, err = NewDisk(vstream.None, nil, raw, raw)
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, RAWFormat, f)

	f, err = ParseFormat(" RAW ")
	require.NoError(t, err)
	assert.Equal(t, RAWFormat, f)
	assert.Equal(t, ".raw", f.Suffix())

	_, err = ParseFormat("qcow3")
	assert.True(t, errors.Is(err, ErrUnknownFormat))

	data, err := json.Marshal(RAWFormat)
	require.NoError(t, err)
	assert.Equal(t, `"raw"`, string(data))
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, RAWFormat, f)

	assert.Contains(t, LayerFormats(), "raw")
	assert.Contains(t, LayerFormats(), "testdiff")
	assert.Error(t, RegisterLayerFormat(LayerFormat{Name: "testdiff"}))
}

func TestWriteRaw(t *testing.T) {
	dir := tempDir(t)
	f, err := os.Create(filepath.Join(dir, "out.raw"))
	require.NoError(t, err)
	defer f.Close()

	src := vstream.NewMemoryStream([]byte("hello disk"))
	require.NoError(t, RAWFormat.Write(f, src, nil))

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(10), fi.Size())
}
