package vstream

import (
	"bytes"
	"errors"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

type trackedReader struct {
	*bytes.Reader
	closes int
}

func (t *trackedReader) Close() error {
	t.closes++
	return nil
}

type testMap struct {
	size   int64
	blocks map[int64]Allocation
}

func (m *testMap) BlockSize() int64 {
	return m.size
}

func (m *testMap) Lookup(block int64) (Allocation, error) {
	return m.blocks[block], nil
}

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestExtentHelpers(t *testing.T) {
	u := Union([]Extent{{0, 10}, {30, 5}}, []Extent{{5, 10}, {35, 5}, {50, 0}})
	assert.Equal(t, []Extent{{0, 15}, {30, 10}}, u)
	assert.Equal(t, int64(25), Total(u))

	assert.Equal(t, []Extent{{5, 10}, {30, 2}}, Clip(u, 5, 27))
	assert.Equal(t, []Extent{{10, 15}}, Offset([]Extent{{0, 15}}, 10))
	assert.Nil(t, Clip(u, 15, 15))
}

func TestFromStreamOwnership(t *testing.T) {
	r := &trackedReader{Reader: bytes.NewReader(sequence(64))}

	s, err := FromStream(r, None)
	assert.NoError(t, err)
	assert.Equal(t, int64(64), s.Length())
	assert.False(t, s.CanWrite())
	assert.Equal(t, []Extent{{0, 64}}, s.Extents())
	assert.NoError(t, s.Close())
	assert.Equal(t, 0, r.closes)

	s, err = FromStream(r, Dispose)
	assert.NoError(t, err)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Equal(t, 1, r.closes)

	_, err = s.Read(make([]byte, 1))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestFromSparseStreamKeepsExtents(t *testing.T) {
	inner := NewZeroStream(4096)
	s, err := FromStream(inner, None)
	assert.NoError(t, err)
	assert.Empty(t, s.Extents())
	assert.NoError(t, s.Close())

	// the inner stream is still usable
	_, err = inner.ReadAt(make([]byte, 16), 0)
	assert.NoError(t, err)
}

func TestStreamCursor(t *testing.T) {
	s := NewMemoryStream(sequence(16))

	pos, err := s.Seek(-4, io.SeekEnd)
	assert.NoError(t, err)
	assert.Equal(t, int64(12), pos)

	buf := make([]byte, 8)
	n, err := s.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{12, 13, 14, 15}, buf[:n])

	_, err = s.Read(buf)
	assert.Equal(t, io.EOF, err)

	_, err = s.Seek(-1, io.SeekStart)
	assert.Error(t, err)

	n, err = s.ReadAt(buf, 10)
	assert.Equal(t, 6, n)
	assert.Equal(t, io.EOF, err)
}

func TestMemoryStreamGrows(t *testing.T) {
	s := NewMemoryStream(nil)
	_, err := s.WriteAt([]byte("tail"), 8)
	assert.NoError(t, err)
	assert.Equal(t, int64(12), s.Length())

	data, err := ReadExact(s, 0, 12)
	assert.NoError(t, err)
	assert.Equal(t, []byte("\x00\x00\x00\x00\x00\x00\x00\x00tail"), data)
}

func TestReadExactShort(t *testing.T) {
	s := NewMemoryStream(sequence(10))
	_, err := ReadExact(s, 4, 10)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestReadExactOversized(t *testing.T) {
	s := NewMemoryStream(sequence(10))
	assert.NotPanics(t, func() {
		_, err := ReadExact(s, 2, 1<<40)
		assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	})

	_, err := ReadExact(s, -1, 4)
	assert.Error(t, err)

	data, err := ReadExact(s, 6, 4)
	assert.NoError(t, err)
	assert.Equal(t, sequence(10)[6:], data)
}

func TestZeroStream(t *testing.T) {
	s := NewZeroStream(32)
	buf := bytes.Repeat([]byte{0xFF}, 32)
	n, err := s.ReadAt(buf, 0)
	assert.NoError(t, err)
	assert.Equal(t, 32, n)
	assert.Equal(t, make([]byte, 32), buf)
	assert.Nil(t, s.Extents())

	_, err = s.Write([]byte{1})
	assert.True(t, errors.Is(err, ErrReadOnly))
}

func TestSubStream(t *testing.T) {
	parent := NewMemoryStream(sequence(100))

	sub, err := NewSubStream(parent, 10, 20)
	assert.NoError(t, err)
	assert.Equal(t, int64(20), sub.Length())

	got, err := ioutil.ReadAll(sub)
	assert.NoError(t, err)
	assert.Equal(t, sequence(100)[10:30], got)
	assert.Equal(t, []Extent{{0, 20}}, sub.Extents())
	assert.Equal(t, []Extent{{5, 5}}, sub.ExtentsInRange(5, 5))

	_, err = sub.WriteAt([]byte{0xEE}, 0)
	assert.NoError(t, err)
	b, _ := ReadExact(parent, 10, 1)
	assert.Equal(t, []byte{0xEE}, b)

	_, err = sub.WriteAt(make([]byte, 4), 18)
	assert.Error(t, err)

	// closing the view leaves the parent open
	assert.NoError(t, sub.Close())
	_, err = parent.ReadAt(make([]byte, 4), 0)
	assert.NoError(t, err)

	_, err = NewSubStream(parent, 90, 20)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestBlockStream(t *testing.T) {
	file := bytes.NewReader(append(bytes.Repeat([]byte("T"), 256), bytes.Repeat([]byte("U"), 256)...))
	bm := &testMap{size: 256, blocks: map[int64]Allocation{
		1: {Present: true, Offset: 0},
		3: {Present: true, Offset: 256, Runs: []Extent{{16, 16}}},
	}}

	s, err := NewBlockStream(file, None, bm, 1024)
	assert.NoError(t, err)
	assert.Equal(t, []Extent{{256, 256}, {768 + 16, 16}}, s.Extents())

	data, err := ReadExact(s, 0, 1024)
	assert.NoError(t, err)
	assert.Equal(t, make([]byte, 256), data[:256])
	assert.Equal(t, bytes.Repeat([]byte("T"), 256), data[256:512])
	assert.Equal(t, make([]byte, 256+16), data[512:768+16])
	assert.Equal(t, bytes.Repeat([]byte("U"), 16), data[768+16:768+32])
	assert.Equal(t, make([]byte, 256-32), data[768+32:])
	assert.False(t, s.CanWrite())
}

func TestLayeredStream(t *testing.T) {
	top, err := NewBlockStream(bytes.NewReader(bytes.Repeat([]byte("T"), 256)), None, &testMap{
		size:   256,
		blocks: map[int64]Allocation{1: {Present: true}},
	}, 1024)
	assert.NoError(t, err)

	parent := NewMemoryStream(bytes.Repeat([]byte("P"), 1024))
	layered := NewLayeredStream(top, None, parent, Dispose)
	assert.Equal(t, int64(1024), layered.Length())

	data, err := ReadExact(layered, 0, 1024)
	assert.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("P"), 256), data[:256])
	assert.Equal(t, bytes.Repeat([]byte("T"), 256), data[256:512])
	assert.Equal(t, bytes.Repeat([]byte("P"), 512), data[512:])
	assert.Equal(t, []Extent{{0, 1024}}, layered.Extents())

	// straddling the boundary
	data, err = ReadExact(layered, 250, 12)
	assert.NoError(t, err)
	assert.Equal(t, []byte("PPPPPPTTTTTT"), data)

	assert.NoError(t, layered.Close())
	_, err = parent.ReadAt(make([]byte, 1), 0)
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = top.ReadAt(make([]byte, 1), 0)
	assert.NoError(t, err)
}

func TestZeroBlockHidesParent(t *testing.T) {
	top, err := NewBlockStream(bytes.NewReader(bytes.Repeat([]byte("T"), 256)), None, &testMap{
		size:   256,
		blocks: map[int64]Allocation{0: {Present: true}, 1: {Present: true, Zero: true}},
	}, 768)
	assert.NoError(t, err)
	assert.Equal(t, []Extent{{0, 512}}, top.Extents())

	layered := NewLayeredStream(top, None, NewMemoryStream(bytes.Repeat([]byte("P"), 768)), Dispose)
	data, err := ReadExact(layered, 0, 768)
	assert.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("T"), 256), data[:256])
	assert.Equal(t, make([]byte, 256), data[256:512])
	assert.Equal(t, bytes.Repeat([]byte("P"), 256), data[512:])
}

func TestLayeredStreamWithoutParent(t *testing.T) {
	top, err := NewBlockStream(bytes.NewReader(bytes.Repeat([]byte("T"), 256)), None, &testMap{
		size:   256,
		blocks: map[int64]Allocation{1: {Present: true}},
	}, 1024)
	assert.NoError(t, err)

	layered := NewLayeredStream(top, Dispose, nil, None)
	data, err := ReadExact(layered, 0, 1024)
	assert.NoError(t, err)
	assert.Equal(t, make([]byte, 256), data[:256])
	assert.Equal(t, []Extent{{256, 256}}, layered.Extents())
}

func TestLayeredStreamShortParent(t *testing.T) {
	top := NewZeroStream(64)
	parent := NewMemoryStream(bytes.Repeat([]byte("P"), 32))
	layered := NewLayeredStream(top, None, parent, None)

	data, err := ReadExact(layered, 0, 64)
	assert.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("P"), 32), data[:32])
	assert.Equal(t, make([]byte, 32), data[32:])
}

func TestConcatStream(t *testing.T) {
	a := NewMemoryStream([]byte("abc"))
	b := NewMemoryStream([]byte("defg"))
	s := NewConcatStream(Dispose, a, b)
	assert.Equal(t, int64(7), s.Length())

	data, err := ioutil.ReadAll(s)
	assert.NoError(t, err)
	assert.Equal(t, "abcdefg", string(data))

	data, err = ReadExact(s, 2, 3)
	assert.NoError(t, err)
	assert.Equal(t, "cde", string(data))
	assert.Equal(t, []Extent{{0, 7}}, s.Extents())

	_, err = s.WriteAt([]byte("XY"), 2)
	assert.NoError(t, err)
	data, _ = ReadExact(b, 0, 1)
	assert.Equal(t, "Y", string(data))

	assert.NoError(t, s.Close())
	_, err = a.ReadAt(make([]byte, 1), 0)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestStripedStream(t *testing.T) {
	a := NewMemoryStream([]byte("AAAABBBBx"))
	b := NewMemoryStream([]byte("ccccdddd"))

	s, err := NewStripedStream(4, None, a, b)
	assert.NoError(t, err)
	assert.Equal(t, int64(16), s.Length())

	data, err := ioutil.ReadAll(s)
	assert.NoError(t, err)
	assert.Equal(t, "AAAAccccBBBBdddd", string(data))

	data, err = ReadExact(s, 6, 4)
	assert.NoError(t, err)
	assert.Equal(t, "ccBB", string(data))
	assert.Equal(t, []Extent{{0, 16}}, s.Extents())

	_, err = NewStripedStream(0, None, a)
	assert.Error(t, err)
	_, err = NewStripedStream(4, None)
	assert.Error(t, err)
}

func TestHoles(t *testing.T) {
	top, err := NewBlockStream(bytes.NewReader(make([]byte, 256)), None, &testMap{
		size:   256,
		blocks: map[int64]Allocation{2: {Present: true}},
	}, 1024)
	assert.NoError(t, err)

	h := Holes(top)
	assert.Equal(t, int64(1024), h.Size())
	assert.True(t, h.RegionIsHole(0, 512))
	assert.False(t, h.RegionIsHole(500, 20))
}

func TestPump(t *testing.T) {
	top, err := NewBlockStream(bytes.NewReader(bytes.Repeat([]byte("T"), 256)), None, &testMap{
		size:   256,
		blocks: map[int64]Allocation{1: {Present: true}},
	}, 1024)
	assert.NoError(t, err)

	f, err := os.Create(filepath.Join(t.TempDir(), "out.raw"))
	assert.NoError(t, err)
	defer f.Close()

	n, err := Pump(f, top)
	assert.NoError(t, err)
	assert.Equal(t, int64(256), n)
	assert.NoError(t, f.Truncate(top.Length()))

	got, err := ioutil.ReadFile(f.Name())
	assert.NoError(t, err)
	assert.Len(t, got, 1024)
	assert.Equal(t, bytes.Repeat([]byte("T"), 256), got[256:512])
	assert.Equal(t, make([]byte, 256), got[:256])
}
