package vhd

import (
	"bytes"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "vhd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func fill(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

// sparseContent returns a stream with data in the even numbered blocks
// only.
func sparseContent(blocks int, b byte) vstream.SparseStream {
	var parts []vstream.SparseStream
	for i := 0; i < blocks; i++ {
		if i%2 == 0 {
			parts = append(parts, vstream.NewMemoryStream(fill(DefaultBlock, b)))
		} else {
			parts = append(parts, vstream.NewZeroStream(DefaultBlock))
		}
	}
	return vstream.NewConcatStream(vstream.Dispose, parts...)
}

func convert(t *testing.T, path string, content vstream.SparseStream, typ DiskType) {
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, Convert(content, f, typ))
}

func open(t *testing.T, path string) *Disk {
	f, err := os.Open(path)
	require.NoError(t, err)
	s, err := vstream.FromStream(f, vstream.Dispose)
	require.NoError(t, err)
	d, err := Open(s, vstream.Dispose, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestFooterChecksum(t *testing.T) {
	f, err := newFooter(1<<20, Fixed, noDataOffset)
	require.NoError(t, err)
	assert.True(t, f.Valid())
	assert.Equal(t, geometry.VHDFromCapacity(1<<20).Pack(), f.DiskGeometry)

	data, err := vbin.Encode(f)
	require.NoError(t, err)
	require.Len(t, data, FooterSize)
	assert.True(t, vbin.HasSignature(data, CookieFooter))

	var g Footer
	require.NoError(t, vbin.Decode(data, &g))
	assert.Equal(t, *f, g)

	g.CurrentSize++
	assert.False(t, g.Valid())
}

func TestNewFooterRejectsOddSizes(t *testing.T) {
	_, err := newFooter(1000, Fixed, noDataOffset)
	assert.Error(t, err)
}

func TestFileHeader(t *testing.T) {
	buf := make([]byte, FileHeaderSize)
	copy(buf, CookieHeader)
	buf[15] = 0x20

	var h FileHeader
	require.NoError(t, vbin.Decode(buf, &h))
	assert.Equal(t, CookieHeader, h.Cookie)
	assert.Equal(t, int64(0x20), h.DataOffset)
	assert.True(t, h.IsValid())

	out, err := vbin.Encode(&h)
	require.NoError(t, err)
	assert.Equal(t, buf, out)

	_, err = h.Decode(buf[:15])
	assert.True(t, errors.Is(err, vbin.ErrTruncated))
}

func TestFixedRoundTrip(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "fixed.vhd")

	data := fill(1<<20, 0)
	copy(data[4096:], "fixed vhd content")
	convert(t, path, vstream.NewMemoryStream(data), Fixed)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20+FooterSize), fi.Size())

	d := open(t, path)
	assert.Equal(t, Fixed, d.Type())
	assert.False(t, d.IsSparse())
	assert.False(t, d.NeedsParent())
	assert.Equal(t, int64(1<<20), d.Capacity())
	assert.Equal(t, geometry.VHDFromCapacity(1<<20), d.Geometry())

	content, err := d.OpenContent(nil, vstream.None)
	require.NoError(t, err)
	got, err := vstream.ReadExact(content, 0, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDynamicRoundTrip(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "dynamic.vhd")
	convert(t, path, sparseContent(3, 'd'), Dynamic)

	d := open(t, path)
	assert.Equal(t, Dynamic, d.Type())
	assert.True(t, d.IsSparse())
	require.NotNil(t, d.Header)
	assert.Equal(t, uint32(3), d.Header.MaxTableEntries)

	content, err := d.OpenContent(nil, vstream.None)
	require.NoError(t, err)
	assert.Equal(t, int64(3*DefaultBlock), content.Length())
	assert.Equal(t, []vstream.Extent{
		{Start: 0, Length: DefaultBlock},
		{Start: 2 * DefaultBlock, Length: DefaultBlock},
	}, content.Extents())

	got, err := vstream.ReadExact(content, DefaultBlock-2, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{'d', 'd', 0, 0}, got)

	// only the two written blocks take up space
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, fi.Size(), int64(3*DefaultBlock))
}

func TestDynamicRegisteredFormat(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "disk.vhd")

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, vdisk.VHDDynamicFormat.Write(f, sparseContent(2, 'x'), nil))
	require.NoError(t, f.Close())

	disk, err := vdisk.OpenDisk(path, nil, nil)
	require.NoError(t, err)
	defer disk.Close()
	assert.Equal(t, "vhd", disk.Layers()[0].Format)
	assert.True(t, disk.IsSparse())
}

func TestPartialBitmap(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "partial.vhd")
	convert(t, path, vstream.NewMemoryStream(fill(DefaultBlock, 'p')), Dynamic)

	d := open(t, path)
	bitmapAt := int64(d.bat[0]) * SectorSize
	require.NoError(t, d.Close())

	// keep sectors 0-3 and 8 of the first block
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(append([]byte{0xF0, 0x80}, make([]byte, SectorSize-2)...), bitmapAt)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	d = open(t, path)
	a, err := d.Lookup(0)
	require.NoError(t, err)
	assert.True(t, a.Present)
	assert.Equal(t, []vstream.Extent{
		{Start: 0, Length: 4 * SectorSize},
		{Start: 8 * SectorSize, Length: SectorSize},
	}, a.Runs)

	content, err := d.OpenContent(nil, vstream.None)
	require.NoError(t, err)
	got, err := vstream.ReadExact(content, 4*SectorSize-1, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{'p', 0}, got)
}

func TestWriteIntoHole(t *testing.T) {
	dir := tempDir(t)
	f, err := os.Create(filepath.Join(dir, "hole.vhd"))
	require.NoError(t, err)
	defer f.Close()

	w, err := NewDynamicWriter(f, vstream.Holes(vstream.NewZeroStream(DefaultBlock)))
	require.NoError(t, err)

	_, err = w.Write(make([]byte, 512))
	assert.NoError(t, err)
	_, err = w.Write([]byte{1})
	assert.Error(t, err)
}

func TestDamagedFooterUsesCopy(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "damaged.vhd")
	convert(t, path, sparseContent(1, 'z'), Dynamic)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	fi, err := f.Stat()
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("garbage!"), fi.Size()-FooterSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	d := open(t, path)
	assert.Equal(t, Dynamic, d.Type())
}

func TestProbe(t *testing.T) {
	assert.False(t, Probe(vstream.NewMemoryStream(fill(4096, 0))))
	assert.False(t, Probe(vstream.NewMemoryStream([]byte("short"))))

	_, err := Open(vstream.NewMemoryStream(fill(4096, 0)), vstream.None, nil, nil)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestDifferencingChain(t *testing.T) {
	dir := tempDir(t)
	base := filepath.Join(dir, "base.img")
	require.NoError(t, ioutil.WriteFile(base, fill(2*DefaultBlock, 'p'), 0644))

	// the child stores only its second block
	child := vstream.NewConcatStream(vstream.Dispose,
		vstream.NewZeroStream(DefaultBlock),
		vstream.NewMemoryStream(fill(DefaultBlock, 'c')),
	)

	path := filepath.Join(dir, "child.vhd")
	f, err := os.Create(path)
	require.NoError(t, err)
	parentID := uuid.New()
	w, err := NewDifferencingWriter(f, vstream.Holes(child), ParentInfo{
		ID:           parentID,
		TimeStamp:    time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC),
		RelativePath: `.\base.img`,
		AbsolutePath: `C:\images\base.img`,
	})
	require.NoError(t, err)
	_, err = vstream.Pump(w, child)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	d := open(t, path)
	assert.True(t, d.NeedsParent())
	assert.Equal(t, parentID, d.Header.ParentID())
	assert.Equal(t, []string{`.\base.img`, `C:\images\base.img`, "base.img"}, d.ParentLocations())

	_, err = d.OpenContent(nil, vstream.None)
	assert.True(t, errors.Is(err, vdisk.ErrParentNotFound))

	disk, err := vdisk.OpenDisk(path, nil, nil)
	require.NoError(t, err)
	defer disk.Close()

	layers := disk.Layers()
	require.Len(t, layers, 2)
	assert.Equal(t, "vhd", layers[0].Format)
	assert.Equal(t, "raw", layers[1].Format)

	content, err := disk.Content()
	require.NoError(t, err)
	got, err := vstream.ReadExact(content, DefaultBlock-1, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{'p', 'c'}, got)
}

func TestDifferencingMissingParent(t *testing.T) {
	dir := tempDir(t)
	path := filepath.Join(dir, "orphan.vhd")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := NewDifferencingWriter(f, vstream.Holes(vstream.NewZeroStream(DefaultBlock)), ParentInfo{
		RelativePath: "missing.vhd",
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	_, err = vdisk.OpenDisk(path, nil, nil)
	assert.True(t, errors.Is(err, vdisk.ErrParentNotFound))
}
