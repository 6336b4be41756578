package vmdk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/vstream"
)

// Stream-optimized marker types.
const (
	markerEOS    = 0
	markerGT     = 1
	markerGD     = 2
	markerFooter = 3
)

// StreamOptimizedWriter writes a stream-optimized VMDK: deflated grains in
// disk order, each grain table written once it fills, then the directory
// and a footer. It can only move forwards.
type StreamOptimizedWriter struct {
	w    io.WriteSeeker
	size int64
	desc *Descriptor

	hdr         *Header
	grainBuffer *bytes.Buffer
	space       int64
	cursor      int64

	streamTable        []uint32
	streamDirectory    []uint32
	streamCurrentTable int64
	totalDataSectors   int64
	totalDataGrains    int64
	grainNo            int64
}

func (w *StreamOptimizedWriter) writeStreamHeader() error {
	hdr := newHeader(3, FlagValidNewLineTest|FlagCompressed|FlagMarkers, w.totalDataSectors)
	hdr.CompressAlgorithm = 1
	hdr.GDOffset = gdAtEnd
	hdr.OverHead = SectorsPerGrain
	w.hdr = hdr
	return binary.Write(w.w, binary.LittleEndian, hdr)
}

func (w *StreamOptimizedWriter) init() error {
	w.streamTable = make([]uint32, TableMaxRows)
	w.totalDataSectors = (w.size + SectorSize - 1) / SectorSize
	w.totalDataGrains = (w.totalDataSectors + SectorsPerGrain - 1) / SectorsPerGrain

	w.desc = newDescriptor("streamOptimized", w.totalDataSectors, "disk.vmdk")
	w.desc.DDB["ddb.virtualHWVersion"] = "8"

	if err := w.writeStreamHeader(); err != nil {
		return err
	}

	buf := make([]byte, descriptorSectors*SectorSize)
	if n := copy(buf, w.desc.String()); n < len(w.desc.String()) {
		return errors.New("descriptor does not fit in its sectors")
	}
	if _, err := w.w.Write(buf); err != nil {
		return err
	}

	if _, err := w.w.Seek(GrainSize, io.SeekStart); err != nil {
		return err
	}

	w.grainBuffer = bytes.NewBuffer(make([]byte, 0, GrainSize))
	w.space = GrainSize
	return nil
}

// Descriptor returns the descriptor embedded in the image.
func (w *StreamOptimizedWriter) Descriptor() *Descriptor {
	return w.desc
}

func compress(grain []byte) ([]byte, error) {
	buf := new(bytes.Buffer)

	// grains are RFC 1950 streams
	zw, err := zlib.NewWriterLevel(buf, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err = zw.Write(grain); err != nil {
		return nil, err
	}
	if err = zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type grainMarker struct {
	LBA  uint64
	Size uint32
}

// writeMarker writes a metadata marker sector announcing sectors of the
// given type.
func (w *StreamOptimizedWriter) writeMarker(sectors uint64, typ uint32) (int64, error) {
	pos, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	marker := make([]uint32, SectorSize/4)
	marker[0] = uint32(sectors)
	marker[1] = uint32(sectors >> 32)
	marker[3] = typ
	return pos, binary.Write(w.w, binary.LittleEndian, marker)
}

func (w *StreamOptimizedWriter) flushTable(force bool) error {
	used := force
	for _, x := range w.streamTable {
		if x != 0 {
			used = true
			break
		}
	}

	if !used {
		w.streamDirectory = append(w.streamDirectory, 0)
	} else {
		pos, err := w.writeMarker(TableSectors, markerGT)
		if err != nil {
			return err
		}
		if err = binary.Write(w.w, binary.LittleEndian, w.streamTable); err != nil {
			return err
		}
		w.streamDirectory = append(w.streamDirectory, uint32(pos/SectorSize)+1)
	}

	w.streamTable = make([]uint32, TableMaxRows)
	w.streamCurrentTable++
	return nil
}

func (w *StreamOptimizedWriter) flushGrain() error {
	defer func() {
		w.grainNo++
		w.cursor = w.grainNo * GrainSize
		w.space = GrainSize
		w.grainBuffer.Reset()
	}()

	if w.grainNo/TableMaxRows != w.streamCurrentTable {
		if err := w.flushTable(false); err != nil {
			return err
		}
	}

	grain := w.grainBuffer.Bytes()
	if len(bytes.Trim(grain, "\x00")) == 0 {
		return nil
	}
	if len(grain) < GrainSize {
		grain = append(grain, make([]byte, GrainSize-len(grain))...)
	}

	compressed, err := compress(grain)
	if err != nil {
		return err
	}

	pos, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	marker := &grainMarker{
		LBA:  uint64(SectorsPerGrain * w.grainNo),
		Size: uint32(len(compressed)),
	}
	if err = binary.Write(w.w, binary.LittleEndian, marker); err != nil {
		return err
	}
	if _, err = w.w.Write(compressed); err != nil {
		return err
	}

	// pad to a sector
	used := int64(markerSize + len(compressed))
	if pad := (SectorSize - used%SectorSize) % SectorSize; pad != 0 {
		if _, err = w.w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}

	w.streamTable[w.grainNo%TableMaxRows] = uint32(pos / SectorSize)
	return nil
}

// Write implements io.Writer.
func (w *StreamOptimizedWriter) Write(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if w.cursor >= w.size {
			return n, io.EOF
		}

		k := w.space
		if rest := int64(len(p) - n); k > rest {
			k = rest
		}
		w.grainBuffer.Write(p[n : n+int(k)])
		w.cursor += k
		w.space -= k
		n += int(k)

		if w.space == 0 {
			if err := w.flushGrain(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Seek implements io.Seeker. Seeking backwards fails.
func (w *StreamOptimizedWriter) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = w.cursor + offset
	case io.SeekEnd:
		abs = w.size + offset
	default:
		return w.cursor, errors.Errorf("bad seek whence %d", whence)
	}

	if abs < w.cursor {
		return w.cursor, errors.New("stream optimized vmdk writer cannot seek backwards")
	}

	for abs > w.cursor {
		next := (w.grainNo + 1) * GrainSize
		if abs < next {
			_, err := w.Write(make([]byte, abs-w.cursor))
			return w.cursor, err
		}
		if err := w.flushGrain(); err != nil {
			return w.cursor, err
		}
	}
	return w.cursor, nil
}

func (w *StreamOptimizedWriter) writeFooter() error {
	if err := w.flushTable(true); err != nil {
		return err
	}

	// pad the directory to a sector
	if rem := len(w.streamDirectory) % (SectorSize / TableRowSize); rem != 0 {
		w.streamDirectory = append(w.streamDirectory, make([]uint32, SectorSize/TableRowSize-rem)...)
	}

	pos, err := w.writeMarker(uint64(len(w.streamDirectory)*TableRowSize/SectorSize), markerGD)
	if err != nil {
		return err
	}
	if err = binary.Write(w.w, binary.LittleEndian, w.streamDirectory); err != nil {
		return err
	}

	if _, err = w.writeMarker(1, markerFooter); err != nil {
		return err
	}

	footer := *w.hdr
	footer.GDOffset = uint64(pos/SectorSize) + 1
	return binary.Write(w.w, binary.LittleEndian, &footer)
}

// Close flushes the remaining grains and writes the footer and the
// end-of-stream marker.
func (w *StreamOptimizedWriter) Close() error {
	if _, err := w.Seek(w.size, io.SeekStart); err != nil {
		return err
	}
	if w.space != GrainSize {
		if err := w.flushGrain(); err != nil {
			return err
		}
	}
	// tables for grains past the last one flushed
	for w.streamCurrentTable < (w.totalDataGrains+TableMaxRows-1)/TableMaxRows-1 {
		if err := w.flushTable(false); err != nil {
			return err
		}
	}
	if err := w.writeFooter(); err != nil {
		return err
	}
	if _, err := w.writeMarker(0, markerEOS); err != nil {
		return err
	}
	return nil
}

// NewStreamOptimizedWriter returns a StreamOptimizedWriter to which the
// extents of a disk of h.Size() bytes can be pumped.
func NewStreamOptimizedWriter(w io.WriteSeeker, h vstream.HolePredictor) (*StreamOptimizedWriter, error) {
	x := &StreamOptimizedWriter{
		w:    w,
		size: h.Size(),
	}
	if err := x.init(); err != nil {
		return nil, err
	}
	return x, nil
}
