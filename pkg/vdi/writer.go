package vdi

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vstream"
)

const blocksOffset = 0x200

// Writer writes a normal (dynamically allocated) VDI image. Blocks the hole
// predictor reports as empty are left unallocated.
type Writer struct {
	w      io.WriteSeeker
	h      vstream.HolePredictor
	header Header
	cursor int64

	blockOffsets []int64
}

// NewWriter returns a writer for an image of h.Size() bytes. The header and
// block map are written immediately.
func NewWriter(w io.WriteSeeker, h vstream.HolePredictor) (*Writer, error) {
	x := &Writer{w: w, h: h}
	if h.Size()%SectorSize != 0 {
		return nil, errors.Errorf("disk size %d is not a multiple of %d", h.Size(), SectorSize)
	}

	n := (h.Size() + DefaultBlock - 1) / DefaultBlock
	mapBytes := n * 4
	dataOffset := (blocksOffset + mapBytes + SectorSize - 1) / SectorSize * SectorSize

	blocks := make([]uint32, n)
	x.blockOffsets = make([]int64, n)
	var allocated uint32
	for i := range blocks {
		if h.RegionIsHole(int64(i)*DefaultBlock, DefaultBlock) {
			blocks[i] = blockFree
			x.blockOffsets[i] = -1
			continue
		}
		blocks[i] = allocated
		x.blockOffsets[i] = dataOffset + int64(allocated)*DefaultBlock
		allocated++
	}

	x.header = Header{
		FileInfo:        FileInfo,
		Signature:       Signature,
		Version:         Version,
		HeaderSize:      headerBodySize,
		ImageType:       Normal,
		BlocksOffset:    blocksOffset,
		DataOffset:      uint32(dataOffset),
		LegacyGeometry:  GeometryFromCapacity(h.Size()),
		DiskSize:        uint64(h.Size()),
		BlockSize:       DefaultBlock,
		Blocks:          uint32(n),
		BlocksAllocated: allocated,
		CreateID:        uuid.New(),
		ModifyID:        uuid.New(),
	}

	hdr, err := vbin.Encode(&x.header)
	if err != nil {
		return nil, err
	}
	if _, err = w.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err = w.Write(hdr); err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	if err = binary.Write(buf, binary.LittleEndian, blocks); err != nil {
		return nil, err
	}
	if _, err = w.Seek(blocksOffset, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err = io.Copy(w, buf); err != nil {
		return nil, err
	}

	return x, nil
}

// Header returns the header written to the image.
func (w *Writer) Header() Header {
	return w.header
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.cursor+int64(len(p)) > w.h.Size() {
		return 0, errors.Errorf("write of %d bytes at %d runs past the end of a %d byte disk", len(p), w.cursor, w.h.Size())
	}

	n := 0
	for n < len(p) {
		block := w.cursor / DefaultBlock
		delta := w.cursor % DefaultBlock
		k := DefaultBlock - delta
		if rest := int64(len(p) - n); k > rest {
			k = rest
		}
		chunk := p[n : n+int(k)]

		if w.blockOffsets[block] < 0 {
			if len(bytes.Trim(chunk, "\x00")) != 0 {
				return n, errors.Errorf("data written to block %d which was predicted to be a hole", block)
			}
		} else {
			if _, err := w.w.Seek(w.blockOffsets[block]+delta, io.SeekStart); err != nil {
				return n, err
			}
			if _, err := w.w.Write(chunk); err != nil {
				return n, err
			}
		}

		n += int(k)
		w.cursor += k
	}
	return n, nil
}

func (w *Writer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = w.cursor + offset
	case io.SeekEnd:
		abs = w.h.Size() + offset
	default:
		return w.cursor, errors.Errorf("bad seek whence %d", whence)
	}
	if abs < 0 || abs > w.h.Size() {
		return w.cursor, errors.Errorf("seek to %d outside disk of %d bytes", abs, w.h.Size())
	}
	w.cursor = abs
	return abs, nil
}

// Close extends the file to cover every allocated block. It does not close
// the underlying writer.
func (w *Writer) Close() error {
	want := int64(w.header.DataOffset) + int64(w.header.BlocksAllocated)*DefaultBlock
	end, err := w.w.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if end >= want {
		return nil
	}
	if _, err = w.w.Seek(want-1, io.SeekStart); err != nil {
		return err
	}
	_, err = w.w.Write([]byte{0})
	return err
}
