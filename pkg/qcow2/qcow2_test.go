package qcow2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

const cluster = 0x10000

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "qcow2")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func fill(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func content() vstream.SparseStream {
	return vstream.NewConcatStream(vstream.Dispose,
		vstream.NewMemoryStream(fill(cluster, 'a')),
		vstream.NewZeroStream(2*cluster),
		vstream.NewMemoryStream(fill(1024, 'b')),
	)
}

func write(t *testing.T, path string) {
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Convert(content(), f))
	require.NoError(t, f.Close())
}

func open(t *testing.T, path string) *Disk {
	f, err := os.Open(path)
	require.NoError(t, err)
	s, err := vstream.FromStream(f, vstream.Dispose)
	require.NoError(t, err)
	d, err := Open(s, vstream.Dispose, vdisk.NewLocalFileLocator(filepath.Dir(path)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// patch overwrites bytes of the image at path.
func patch(t *testing.T, path string, off int64, data []byte) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(data, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestHeaderVersions(t *testing.T) {
	h := &Header{Magic: Magic, Version: 2, ClusterBits: 16, RefcountOrder: 7, HeaderLength: 99}
	data, err := vbin.Encode(h)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, HeaderSize-headerV2Size), data[headerV2Size:])

	var g Header
	require.NoError(t, vbin.Decode(data, &g))
	assert.Equal(t, uint32(4), g.RefcountOrder)
	assert.Equal(t, uint32(headerV2Size), g.HeaderLength)
	assert.Equal(t, int64(cluster), g.ClusterSize())
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(tempDir(t), "disk.qcow2")
	write(t, path)

	d := open(t, path)
	assert.Equal(t, int64(3*cluster+1024), d.Capacity())
	assert.False(t, d.NeedsParent())
	assert.True(t, d.IsSparse())

	s, err := d.OpenContent(nil, vstream.None)
	require.NoError(t, err)
	assert.Equal(t, []vstream.Extent{
		{Start: 0, Length: cluster},
		{Start: 3 * cluster, Length: 1024},
	}, s.Extents())

	got, err := vstream.ReadExact(s, cluster-1, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{'a', 0}, got)

	got, err = vstream.ReadExact(s, 3*cluster, 1024)
	require.NoError(t, err)
	assert.Equal(t, fill(1024, 'b'), got)
}

func TestRefcounts(t *testing.T) {
	path := filepath.Join(tempDir(t), "disk.qcow2")
	write(t, path)

	d := open(t, path)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	require.Zero(t, len(data)%cluster)

	table := binary.BigEndian.Uint64(data[d.Header.RefcountTableOffset:])
	hostClusters := len(data) / cluster
	for i := 0; i < hostClusters; i++ {
		assert.Equal(t, uint16(1), binary.BigEndian.Uint16(data[int(table)+2*i:]), "cluster %d", i)
	}
	assert.Zero(t, binary.BigEndian.Uint16(data[int(table)+2*hostClusters:]))
}

func TestRegisteredFormat(t *testing.T) {
	path := filepath.Join(tempDir(t), "disk"+vdisk.QCOW2Format.Suffix())
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, vdisk.QCOW2Format.Write(f, content(), nil))
	require.NoError(t, f.Close())

	disk, err := vdisk.OpenDisk(path, nil, nil)
	require.NoError(t, err)
	defer disk.Close()
	assert.Equal(t, "qcow2", disk.Layers()[0].Format)
	assert.Equal(t, int64(3*cluster+1024), disk.Capacity())
}

func TestBackingChain(t *testing.T) {
	dir := tempDir(t)
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "base.img"), fill(2*cluster, 'p'), 0644))

	child := vstream.NewConcatStream(vstream.Dispose,
		vstream.NewZeroStream(cluster),
		vstream.NewMemoryStream(fill(cluster, 'c')),
	)

	path := filepath.Join(dir, "child.qcow2")
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := NewChildWriter(f, vstream.Holes(child), "base.img")
	require.NoError(t, err)
	_, err = vstream.Pump(w, child)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	d := open(t, path)
	assert.Equal(t, "base.img", d.BackingFile)
	assert.Equal(t, []string{"base.img"}, d.ParentLocations())
	_, err = d.OpenContent(nil, vstream.None)
	assert.True(t, errors.Is(err, vdisk.ErrParentNotFound))

	disk, err := vdisk.OpenDisk(path, nil, nil)
	require.NoError(t, err)
	defer disk.Close()
	require.Len(t, disk.Layers(), 2)
	assert.Equal(t, "raw", disk.Layers()[1].Format)

	s, err := disk.Content()
	require.NoError(t, err)
	got, err := vstream.ReadExact(s, cluster-1, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{'p', 'c'}, got)
}

func TestChildWriterNeedsName(t *testing.T) {
	_, err := NewChildWriter(nil, vstream.Holes(vstream.NewZeroStream(cluster)), "")
	assert.Error(t, err)
}

func TestZeroCluster(t *testing.T) {
	path := filepath.Join(tempDir(t), "v3.qcow2")
	write(t, path)

	d := open(t, path)
	l2 := int64(d.l1[0] & offsetMask)
	require.NoError(t, d.Close())

	v3 := make([]byte, 4)
	binary.BigEndian.PutUint32(v3, 3)
	patch(t, path, 4, v3)
	tail := make([]byte, 8)
	binary.BigEndian.PutUint32(tail[0:], 4)
	binary.BigEndian.PutUint32(tail[4:], HeaderSize)
	patch(t, path, 96, tail)
	entry := make([]byte, 8)
	binary.BigEndian.PutUint64(entry, flagZero)
	patch(t, path, l2, entry)

	d = open(t, path)
	assert.Equal(t, uint32(3), d.Header.Version)
	a, err := d.Lookup(0)
	require.NoError(t, err)
	assert.Equal(t, vstream.Allocation{Present: true, Zero: true}, a)

	s, err := d.OpenContent(nil, vstream.None)
	require.NoError(t, err)
	assert.Equal(t, []vstream.Extent{
		{Start: 0, Length: cluster},
		{Start: 3 * cluster, Length: 1024},
	}, s.Extents())
	got, err := vstream.ReadExact(s, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4), got)
}

func TestWriteIntoHole(t *testing.T) {
	f, err := os.Create(filepath.Join(tempDir(t), "hole.qcow2"))
	require.NoError(t, err)
	defer f.Close()

	w, err := NewWriter(f, vstream.Holes(vstream.NewZeroStream(cluster)))
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 512))
	assert.NoError(t, err)
	_, err = w.Write([]byte{1})
	assert.Error(t, err)
}

func TestNotSupported(t *testing.T) {
	path := filepath.Join(tempDir(t), "disk.qcow2")
	write(t, path)
	original, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	for name, edit := range map[string]func([]byte){
		"version":   func(b []byte) { binary.BigEndian.PutUint32(b[4:], 4) },
		"encrypted": func(b []byte) { binary.BigEndian.PutUint32(b[32:], 1) },
		"features": func(b []byte) {
			binary.BigEndian.PutUint32(b[4:], 3)
			binary.BigEndian.PutUint64(b[72:], 1<<1)
			binary.BigEndian.PutUint32(b[100:], HeaderSize)
		},
	} {
		data := append([]byte(nil), original...)
		edit(data)
		_, err := Open(vstream.NewMemoryStream(data), vstream.None, nil, nil)
		assert.True(t, errors.Is(err, vbin.ErrNotSupported), name)
	}
}

func TestProbe(t *testing.T) {
	path := filepath.Join(tempDir(t), "disk.qcow2")
	write(t, path)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	assert.True(t, Probe(vstream.NewMemoryStream(data)))
	assert.False(t, Probe(vstream.NewMemoryStream(fill(512, 0))))

	_, err = Open(vstream.NewMemoryStream(fill(512, 0)), vstream.None, nil, nil)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestHeaderVirtualSize(t *testing.T) {
	h := &Header{Magic: Magic, Version: 3, ClusterBits: 16, VirtualSize: 3*cluster + 1024, HeaderLength: HeaderSize}
	data, err := vbin.Encode(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(3*cluster+1024), binary.BigEndian.Uint64(data[24:]))
	assert.Equal(t, HeaderSize, h.Size())

	var g Header
	require.NoError(t, vbin.Decode(data, &g))
	assert.Equal(t, h.VirtualSize, g.VirtualSize)
}

func TestOversizedL1Table(t *testing.T) {
	path := filepath.Join(tempDir(t), "disk.qcow2")
	write(t, path)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)

	binary.BigEndian.PutUint32(data[36:], 0xFFFFFFFF)
	assert.NotPanics(t, func() {
		_, err = Open(vstream.NewMemoryStream(data), vstream.None, nil, nil)
	})
	assert.Error(t, err)
}
