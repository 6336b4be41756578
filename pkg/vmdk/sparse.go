package vmdk

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/vstream"
)

// SparseWriter writes a monolithic hosted sparse VMDK. Grains the hole
// predictor reports as empty are left unallocated.
type SparseWriter struct {
	w    io.WriteSeeker
	h    vstream.HolePredictor
	desc *Descriptor

	totalDataSectors int64
	totalDataGrains  int64
	totalTables      int64
	totalGDSectors   int64
	totalGTSectors   int64

	hdr          *Header
	cursor       int64
	grainOffsets []int64
}

// NewSparseWriter returns a writer for a standalone sparse disk of h.Size()
// bytes.
func NewSparseWriter(w io.WriteSeeker, h vstream.HolePredictor) (*SparseWriter, error) {
	return newSparseWriter(w, h, NoParent, "")
}

// NewChildWriter returns a writer for a sparse disk that reads every grain
// it does not store from the parent with the given content id.
func NewChildWriter(w io.WriteSeeker, h vstream.HolePredictor, parentCID uint32, parentHint string) (*SparseWriter, error) {
	if parentHint == "" {
		return nil, errors.New("child vmdk needs a parent file name")
	}
	return newSparseWriter(w, h, parentCID, parentHint)
}

func newSparseWriter(w io.WriteSeeker, h vstream.HolePredictor, parentCID uint32, hint string) (*SparseWriter, error) {
	x := &SparseWriter{w: w, h: h}

	x.totalDataSectors = (h.Size() + SectorSize - 1) / SectorSize
	x.totalDataGrains = (x.totalDataSectors + SectorsPerGrain - 1) / SectorsPerGrain

	x.desc = newDescriptor("monolithicSparse", x.totalDataSectors, "disk.vmdk")
	x.desc.ParentCID = parentCID
	x.desc.ParentFileNameHint = hint

	if err := x.init(); err != nil {
		return nil, err
	}
	return x, nil
}

// Descriptor returns the descriptor embedded in the image.
func (w *SparseWriter) Descriptor() *Descriptor {
	return w.desc
}

func (w *SparseWriter) writeSparseHeader() error {
	hdr := newHeader(1, FlagValidNewLineTest|FlagRedundantTable, w.totalDataSectors)
	hdr.RGDOffset = 1 + descriptorSectors

	w.totalTables = (w.totalDataGrains + TableMaxRows - 1) / TableMaxRows
	w.totalGDSectors = (w.totalTables*TableRowSize + SectorSize - 1) / SectorSize
	w.totalGTSectors = w.totalTables * TableSectors

	// the primary directory follows the redundant one and its tables
	hdr.GDOffset = hdr.RGDOffset + uint64(w.totalGDSectors+w.totalGTSectors)

	// overhead is every sector before the first grain, rounded to a grain
	meta := hdr.GDOffset + uint64(w.totalGDSectors+w.totalGTSectors)
	hdr.OverHead = (meta + SectorsPerGrain - 1) / SectorsPerGrain * SectorsPerGrain

	w.hdr = hdr
	return binary.Write(w.w, binary.LittleEndian, hdr)
}

func (w *SparseWriter) writeDescriptor() error {
	text := w.desc.String()
	if len(text) > descriptorSectors*SectorSize {
		return errors.Errorf("descriptor of %d bytes does not fit in %d sectors", len(text), descriptorSectors)
	}
	buf := make([]byte, descriptorSectors*SectorSize)
	copy(buf, text)
	_, err := w.w.Write(buf)
	return err
}

// writeTables writes one grain directory and its tables starting at sector
// dir.
func (w *SparseWriter) writeTables(dir int64) error {
	firstTable := dir + w.totalGDSectors

	gd := make([]uint32, w.totalGDSectors*SectorSize/TableRowSize)
	for i := int64(0); i < w.totalTables; i++ {
		gd[i] = uint32(firstTable + i*TableSectors)
	}

	gt := make([]uint32, w.totalGTSectors*SectorSize/TableRowSize)
	for i, off := range w.grainOffsets {
		if off >= 0 {
			gt[i] = uint32(off / SectorSize)
		}
	}

	if _, err := w.w.Seek(dir*SectorSize, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, gd); err != nil {
		return err
	}
	return binary.Write(w.w, binary.LittleEndian, gt)
}

func (w *SparseWriter) init() error {
	if err := w.writeSparseHeader(); err != nil {
		return err
	}
	if err := w.writeDescriptor(); err != nil {
		return err
	}

	offset := int64(w.hdr.OverHead) * SectorSize
	w.grainOffsets = make([]int64, w.totalDataGrains)
	for i := int64(0); i < w.totalDataGrains; i++ {
		if w.h.RegionIsHole(i*GrainSize, GrainSize) {
			w.grainOffsets[i] = -1
			continue
		}
		w.grainOffsets[i] = offset
		offset += GrainSize
	}

	if err := w.writeTables(int64(w.hdr.RGDOffset)); err != nil {
		return err
	}
	return w.writeTables(int64(w.hdr.GDOffset))
}

func (w *SparseWriter) Write(p []byte) (int, error) {
	if w.cursor+int64(len(p)) > w.h.Size() {
		return 0, errors.Errorf("write of %d bytes at %d runs past the end of a %d byte disk", len(p), w.cursor, w.h.Size())
	}

	n := 0
	for n < len(p) {
		grain := w.cursor / GrainSize
		delta := w.cursor % GrainSize
		k := GrainSize - delta
		if rest := int64(len(p) - n); k > rest {
			k = rest
		}
		chunk := p[n : n+int(k)]

		if w.grainOffsets[grain] < 0 {
			if len(bytes.Trim(chunk, "\x00")) != 0 {
				return n, errors.Errorf("data written to grain %d which was predicted to be a hole", grain)
			}
		} else {
			if _, err := w.w.Seek(w.grainOffsets[grain]+delta, io.SeekStart); err != nil {
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

func (w *SparseWriter) Seek(offset int64, whence int) (int64, error) {
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

// Close pads a partly written final grain. It does not close the underlying
// writer.
func (w *SparseWriter) Close() error {
	if w.totalDataGrains == 0 {
		return nil
	}
	last := w.grainOffsets[w.totalDataGrains-1]
	if last < 0 {
		return nil
	}
	end, err := w.w.Seek(0, io.SeekEnd)
	if err != nil || end >= last+GrainSize {
		return err
	}
	if _, err = w.w.Seek(last+GrainSize-1, io.SeekStart); err != nil {
		return err
	}
	_, err = w.w.Write([]byte{0})
	return err
}
