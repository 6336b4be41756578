package qcow2

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// backingNameOffset is where the writer stores the backing file name,
// inside the header cluster.
const backingNameOffset = 128

// Writer writes a version 2 qcow2 image. Clusters the hole predictor
// reports as empty are left unallocated.
type Writer struct {
	w       io.WriteSeeker
	h       vstream.HolePredictor
	backing string

	cursor int64

	totalDataSectors      int64
	totalDataClusters     int64
	allocatedClusters     int64
	metadataClusters      int64
	clusterSize           int64
	sectorsPerCluster     int64
	clusterOffsets        []int64
	l1Size                int64
	l2Blocks              int64
	l1Offset              int64
	l2Offset              int64
	refcountBlocks        int64
	refcountTableClusters int64
}

// NewWriter returns a writer for a standalone image of h.Size() bytes.
func NewWriter(w io.WriteSeeker, h vstream.HolePredictor) (*Writer, error) {
	return newWriter(w, h, "")
}

// NewChildWriter returns a writer for an image whose unallocated
// clusters read from the named backing file.
func NewChildWriter(w io.WriteSeeker, h vstream.HolePredictor, backing string) (*Writer, error) {
	if backing == "" || len(backing) > maxBackingName {
		return nil, errors.Errorf("invalid backing file name '%s'", backing)
	}
	return newWriter(w, h, backing)
}

func newWriter(w io.WriteSeeker, h vstream.HolePredictor, backing string) (*Writer, error) {
	x := &Writer{
		w:       w,
		h:       h,
		backing: backing,
	}
	if err := x.init(); err != nil {
		return nil, err
	}
	return x, nil
}

func divide(x, y int64) int64 {
	return (x + y - 1) / y
}

func (w *Writer) init() error {
	w.clusterSize = 0x10000
	w.sectorsPerCluster = w.clusterSize / SectorSize

	w.totalDataSectors = divide(w.h.Size(), SectorSize)
	w.totalDataClusters = divide(w.totalDataSectors, w.sectorsPerCluster)

	w.l2Blocks = divide(w.totalDataClusters, w.clusterSize/8)
	w.l1Size = divide(w.l2Blocks, w.clusterSize/8)

	inUse := make([]bool, w.totalDataClusters)
	for cluster := int64(0); cluster < w.totalDataClusters; cluster++ {
		if !w.h.RegionIsHole(cluster*w.clusterSize, w.clusterSize) {
			inUse[cluster] = true
			w.allocatedClusters++
		}
	}

	// refcounts cover every host cluster, metadata included, and the
	// refcount structures are metadata themselves
	w.metadataClusters = 1 + w.l1Size + w.l2Blocks
	for {
		before := w.metadataClusters
		w.refcountBlocks = divide(w.metadataClusters+w.allocatedClusters, w.clusterSize/2)
		w.refcountTableClusters = divide(w.refcountBlocks, w.clusterSize/8)
		w.metadataClusters = 1 + w.refcountTableClusters + w.refcountBlocks + w.l1Size + w.l2Blocks
		if w.metadataClusters == before {
			break
		}
	}

	w.l1Offset = w.clusterSize * (1 + w.refcountTableClusters + w.refcountBlocks)
	w.l2Offset = w.l1Offset + w.clusterSize*w.l1Size

	w.clusterOffsets = make([]int64, w.totalDataClusters)
	offset := w.clusterSize * w.metadataClusters
	for cluster := range w.clusterOffsets {
		if !inUse[cluster] {
			w.clusterOffsets[cluster] = -1
			continue
		}
		w.clusterOffsets[cluster] = offset
		offset += w.clusterSize
	}

	for _, fn := range []func() error{
		w.writeHeader,
		w.writeRefcountTable,
		w.writeRefcountBlocks,
		w.writeL1Table,
		w.writeL2Tables,
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeAt(off int64, v interface{}) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return err
	}
	if _, err := w.w.Seek(off, io.SeekStart); err != nil {
		return err
	}
	_, err := io.Copy(w.w, buf)
	return err
}

func (w *Writer) writeHeader() error {
	hdr := &Header{
		Magic:                 Magic,
		Version:               2,
		ClusterBits:           16,
		VirtualSize:           uint64(w.h.Size()),
		L1Size:                uint32(w.l2Blocks),
		L1TableOffset:         uint64(w.l1Offset),
		RefcountTableOffset:   uint64(w.clusterSize),
		RefcountTableClusters: uint32(w.refcountTableClusters),
	}
	if w.backing != "" {
		hdr.BackingFileOffset = backingNameOffset
		hdr.BackingFileSize = uint32(len(w.backing))
	}

	data, err := vbin.Encode(hdr)
	if err != nil {
		return err
	}
	if err = w.writeAt(0, data); err != nil {
		return err
	}
	if w.backing != "" {
		return w.writeAt(backingNameOffset, []byte(w.backing))
	}
	return nil
}

func (w *Writer) writeRefcountTable() error {
	table := make([]uint64, w.refcountBlocks)
	first := w.clusterSize * (1 + w.refcountTableClusters)
	for block := range table {
		table[block] = uint64(first + int64(block)*w.clusterSize)
	}
	return w.writeAt(w.clusterSize, table)
}

func (w *Writer) writeRefcountBlocks() error {
	refs := make([]uint16, w.metadataClusters+w.allocatedClusters)
	for i := range refs {
		refs[i] = 1
	}
	return w.writeAt(w.clusterSize*(1+w.refcountTableClusters), refs)
}

func (w *Writer) writeL1Table() error {
	per := w.clusterSize / 8
	l1 := make([]uint64, w.l2Blocks)
	for l2 := range l1 {
		first := int64(l2) * per
		for cluster := first; cluster < first+per && cluster < w.totalDataClusters; cluster++ {
			if w.clusterOffsets[cluster] >= 0 {
				l1[l2] = uint64(w.l2Offset+w.clusterSize*int64(l2)) | flagCopied
				break
			}
		}
	}
	return w.writeAt(w.l1Offset, l1)
}

func (w *Writer) writeL2Tables() error {
	l2 := make([]uint64, w.totalDataClusters)
	for cluster, off := range w.clusterOffsets {
		if off >= 0 {
			l2[cluster] = uint64(off) | flagCopied
		}
	}
	return w.writeAt(w.l2Offset, l2)
}

// Close pads a partly written final cluster. It does not close the
// underlying writer.
func (w *Writer) Close() error {
	var last int64 = -1
	for _, off := range w.clusterOffsets {
		if off > last {
			last = off
		}
	}
	end, err := w.w.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	// the metadata clusters must exist even when no data does
	want := w.clusterSize * w.metadataClusters
	if last >= 0 {
		want = last + w.clusterSize
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

func (w *Writer) Write(p []byte) (int, error) {
	if w.cursor+int64(len(p)) > w.h.Size() {
		return 0, errors.Errorf("write of %d bytes at %d runs past the end of a %d byte disk", len(p), w.cursor, w.h.Size())
	}

	n := 0
	for n < len(p) {
		cluster := w.cursor / w.clusterSize
		delta := w.cursor % w.clusterSize
		k := w.clusterSize - delta
		if rest := int64(len(p) - n); k > rest {
			k = rest
		}
		chunk := p[n : n+int(k)]

		if w.clusterOffsets[cluster] < 0 {
			if len(bytes.Trim(chunk, "\x00")) != 0 {
				return n, errors.Errorf("data written to cluster %d which was predicted to be a hole", cluster)
			}
		} else {
			if _, err := w.w.Seek(w.clusterOffsets[cluster]+delta, io.SeekStart); err != nil {
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
