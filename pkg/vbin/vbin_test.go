package vbin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type pair struct {
	A uint32
	B uint16
}

func (p *pair) Size() int { return 6 }

func (p *pair) Decode(buf []byte) (int, error) {
	if err := Check(buf, p.Size(), "pair"); err != nil {
		return 0, err
	}
	p.A = binary.BigEndian.Uint32(buf)
	p.B = binary.BigEndian.Uint16(buf[4:])
	return p.Size(), nil
}

func (p *pair) Encode(buf []byte) (int, error) {
	if err := Check(buf, p.Size(), "pair"); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf, p.A)
	binary.BigEndian.PutUint16(buf[4:], p.B)
	return p.Size(), nil
}

func TestRecordRoundTrip(t *testing.T) {
	in := &pair{A: 0xDEADBEEF, B: 0x1234}
	data, err := Encode(in)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x12, 0x34}, data)

	out := new(pair)
	assert.NoError(t, Decode(data, out))
	assert.Equal(t, in, out)
}

func TestRecordTruncated(t *testing.T) {
	err := Decode([]byte{1, 2, 3}, new(pair))
	assert.True(t, errors.Is(err, ErrTruncated))

	err = Read(bytes.NewReader([]byte{1, 2, 3, 4}), new(pair))
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestCString(t *testing.T) {
	assert.Equal(t, "Apple", CString([]byte("Apple\x00\x00\x00")))
	assert.Equal(t, "", CString(make([]byte, 8)))

	buf := make([]byte, 8)
	PutCString(buf, "abc")
	assert.Equal(t, []byte("abc\x00\x00\x00\x00\x00"), buf)
}

func TestUTF16String(t *testing.T) {
	buf := make([]byte, 72)
	PutUTF16String(buf, "vdisc-root", binary.LittleEndian)
	assert.Equal(t, byte('v'), buf[0])
	assert.Equal(t, byte(0), buf[1])
	assert.Equal(t, "vdisc-root", UTF16String(buf, binary.LittleEndian))

	PutUTF16String(buf, "parent.vhd", binary.BigEndian)
	assert.Equal(t, byte(0), buf[0])
	assert.Equal(t, "parent.vhd", UTF16String(buf, binary.BigEndian))
}

func TestGUIDLittleEndian(t *testing.T) {
	// EFI system partition type as stored on disk.
	raw := []byte{
		0x28, 0x73, 0x2a, 0xc1, 0x1f, 0xf8, 0xd2, 0x11,
		0xba, 0x4b, 0x00, 0xa0, 0xc9, 0x3e, 0xc9, 0x3b,
	}
	u := GUIDLittleEndian(raw)
	assert.Equal(t, uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B"), u)

	out := make([]byte, 16)
	PutGUIDLittleEndian(out, u)
	assert.Equal(t, raw, out)
}

func TestParseGUIDEmpty(t *testing.T) {
	u, err := ParseGUID("")
	assert.NoError(t, err)
	assert.Equal(t, uuid.Nil, u)

	_, err = ParseGUID("not-a-guid")
	assert.Error(t, err)
}

func TestTimestamps(t *testing.T) {
	when := time.Date(2020, time.March, 4, 5, 6, 7, 800, time.UTC)
	assert.True(t, when.Equal(FileTime(ToFileTime(when))))
	assert.True(t, FileTime(0).IsZero())

	when = time.Date(2011, time.June, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, when.Equal(HFSTime(ToHFSTime(when))))
	assert.True(t, when.Equal(VHDTime(ToVHDTime(when))))
}

func TestCursorVarFields(t *testing.T) {
	var buf []byte
	buf = AppendVarUint(buf, 0)
	buf = AppendVarUint(buf, 0x1234)
	buf = AppendVarString(buf, "Volume1")
	buf = append(buf, 0xAA, 0xBB)

	c := NewCursor(buf, 0, binary.BigEndian)
	assert.Equal(t, uint64(0), c.VarUint())
	assert.Equal(t, uint64(0x1234), c.VarUint())
	assert.Equal(t, "Volume1", c.VarString())
	assert.Equal(t, uint16(0xAABB), c.Uint16())
	assert.NoError(t, c.Err())

	assert.Equal(t, uint32(0), c.Uint32())
	assert.True(t, errors.Is(c.Err(), ErrTruncated))
}
