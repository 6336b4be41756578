package vhdx

import (
	"encoding/binary"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

func image(t *testing.T, seq1, seq2 uint64) []byte {
	data := make([]byte, Header2Offset+HeaderSize)
	id := &FileIdentifier{Creator: "vdisc test"}
	_, err := id.Encode(data)
	require.NoError(t, err)

	for i, seq := range []uint64{seq1, seq2} {
		h := &Header{
			Signature:      HeaderSignature,
			SequenceNumber: seq,
			LogGUID:        uuid.MustParse("01020304-0506-0708-090a-0b0c0d0e0f10"),
			Version:        1,
			LogLength:      0x100000,
			LogOffset:      0x100000,
		}
		_, err = h.Encode(data[Header1Offset+i*Header1Offset:])
		require.NoError(t, err)
	}
	return data
}

func TestLogEntryHeader(t *testing.T) {
	buf := make([]byte, LogEntryHeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], LogEntrySignature)
	le.PutUint32(buf[4:], 0xdeadbeef)
	le.PutUint32(buf[8:], 4096)
	le.PutUint32(buf[12:], 8192)
	le.PutUint64(buf[16:], 42)
	le.PutUint32(buf[24:], 3)
	le.PutUint32(buf[32:], 0x01020304)
	le.PutUint64(buf[48:], 1<<20)
	le.PutUint64(buf[56:], 2<<20)

	var h LogEntryHeader
	require.NoError(t, vbin.Decode(buf, &h))
	assert.True(t, h.IsValid())
	assert.Equal(t, uint32(0xdeadbeef), h.Checksum)
	assert.Equal(t, uint32(4096), h.EntryLength)
	assert.Equal(t, uint32(8192), h.Tail)
	assert.Equal(t, uint64(42), h.SequenceNumber)
	assert.Equal(t, uint32(3), h.DescriptorCount)
	assert.Equal(t, "01020304", h.LogGUID.String()[:8])
	assert.Equal(t, uint64(1<<20), h.FlushedFileOffset)
	assert.Equal(t, uint64(2<<20), h.LastFileOffset)

	// a bad checksum does not make the header invalid
	le.PutUint32(buf[4:], 0)
	require.NoError(t, vbin.Decode(buf, &h))
	assert.True(t, h.IsValid())

	le.PutUint32(buf[0:], 0)
	require.NoError(t, vbin.Decode(buf, &h))
	assert.False(t, h.IsValid())

	_, err := vbin.Encode(&h)
	assert.True(t, errors.Is(err, vbin.ErrNotSupported))

	_, err = h.Decode(buf[:63])
	assert.True(t, errors.Is(err, vbin.ErrTruncated))
}

func TestReadInfo(t *testing.T) {
	data := image(t, 1, 2)
	info, err := ReadInfo(vstream.NewMemoryStream(data))
	require.NoError(t, err)
	assert.Equal(t, FileSignature, info.Identifier.Signature)
	assert.Equal(t, "vdisc test", info.Identifier.Creator)
	assert.Equal(t, uint64(2), info.Header.SequenceNumber)
	assert.Equal(t, uint16(1), info.Header.Version)
	assert.True(t, info.Header.Valid())

	// damage the newer copy
	data[Header2Offset+100] ^= 0xff
	info, err = ReadInfo(vstream.NewMemoryStream(data))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Header.SequenceNumber)

	data[Header1Offset+100] ^= 0xff
	_, err = ReadInfo(vstream.NewMemoryStream(data))
	assert.True(t, errors.Is(err, ErrNoHeader))
}

func TestProbe(t *testing.T) {
	assert.True(t, Probe(vstream.NewMemoryStream(image(t, 1, 1))))
	assert.False(t, Probe(vstream.NewMemoryStream(make([]byte, 512))))
}

func TestOpenNotSupported(t *testing.T) {
	dir, err := ioutil.TempDir("", "vhdx")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "disk.vhdx")
	require.NoError(t, ioutil.WriteFile(path, image(t, 1, 2), 0644))

	_, err = vdisk.OpenDisk(path, nil, nil)
	assert.True(t, errors.Is(err, vbin.ErrNotSupported))
}
