package vhd

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vstream"
)

const (
	tableOffset = FooterSize + HeaderSize
	bitmapSize  = SectorSize
)

func newFooter(size int64, typ DiskType, dataOffset uint64) (*Footer, error) {
	if size <= 0 || size%SectorSize != 0 {
		return nil, errors.Errorf("vhd disk size %d is not a positive multiple of %d", size, SectorSize)
	}

	f := &Footer{
		Features:           featureReserved,
		FileFormatVersion:  formatVersion,
		DataOffset:         dataOffset,
		TimeStamp:          vbin.ToVHDTime(time.Now()),
		CreatorApplication: creatorApp,
		CreatorVersion:     creatorVersion,
		CreatorHostOS:      creatorHostOS,
		OriginalSize:       uint64(size),
		CurrentSize:        uint64(size),
		DiskGeometry:       geometry.VHDFromCapacity(size).Pack(),
		DiskType:           typ,
	}
	copy(f.Cookie[:], CookieFooter)
	id := uuid.New()
	copy(f.UniqueID[:], id[:])

	if err := f.Seal(); err != nil {
		return nil, err
	}
	return f, nil
}

func writeRecord(w io.Writer, rec vbin.Record) error {
	data, err := vbin.Encode(rec)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}

func roundSector(n int64) int64 {
	return (n + SectorSize - 1) / SectorSize * SectorSize
}

// FixedWriter writes a fixed VHD: the raw disk followed by a footer.
type FixedWriter struct {
	w      io.WriteSeeker
	footer *Footer
	cursor int64
	length int64
}

// NewFixedWriter returns a writer for a fixed disk of h.Size() bytes. The
// footer is written by Close.
func NewFixedWriter(w io.WriteSeeker, h vstream.HolePredictor) (*FixedWriter, error) {
	footer, err := newFooter(h.Size(), Fixed, noDataOffset)
	if err != nil {
		return nil, err
	}
	return &FixedWriter{w: w, footer: footer, length: h.Size()}, nil
}

// Footer returns the footer the writer will emit.
func (w *FixedWriter) Footer() Footer {
	return *w.footer
}

func (w *FixedWriter) Write(p []byte) (int, error) {
	if w.cursor+int64(len(p)) > w.length {
		return 0, errors.Errorf("write of %d bytes at %d runs past the end of a %d byte disk", len(p), w.cursor, w.length)
	}
	n, err := w.w.Write(p)
	w.cursor += int64(n)
	return n, err
}

func (w *FixedWriter) Seek(offset int64, whence int) (int64, error) {
	abs, err := seekTarget(offset, whence, w.cursor, w.length)
	if err != nil {
		return w.cursor, err
	}
	if _, err = w.w.Seek(abs, io.SeekStart); err != nil {
		return w.cursor, err
	}
	w.cursor = abs
	return abs, nil
}

// Close writes the footer. It does not close the underlying writer.
func (w *FixedWriter) Close() error {
	if _, err := w.w.Seek(w.length, io.SeekStart); err != nil {
		return err
	}
	return writeRecord(w.w, w.footer)
}

func seekTarget(offset int64, whence int, cursor, length int64) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = cursor + offset
	case io.SeekEnd:
		abs = length + offset
	default:
		return 0, errors.Errorf("bad seek whence %d", whence)
	}
	if abs < 0 || abs > length {
		return 0, errors.Errorf("seek to %d outside disk of %d bytes", abs, length)
	}
	return abs, nil
}

// ParentInfo identifies the parent of a differencing disk.
type ParentInfo struct {
	ID           uuid.UUID
	TimeStamp    time.Time
	RelativePath string
	AbsolutePath string
}

// DynamicWriter writes a dynamic or differencing VHD. Blocks the hole
// predictor reports as empty are left unallocated.
type DynamicWriter struct {
	w       io.WriteSeeker
	footer  *Footer
	header  *Header
	offsets []int64
	size    int64
	end     int64
	cursor  int64
}

// NewDynamicWriter returns a writer for a dynamic disk of h.Size() bytes.
func NewDynamicWriter(w io.WriteSeeker, h vstream.HolePredictor) (*DynamicWriter, error) {
	return newDynamicWriter(w, h, nil)
}

// NewDifferencingWriter returns a writer for a differencing disk over the
// given parent. Blocks the predictor reports as holes read from the parent.
func NewDifferencingWriter(w io.WriteSeeker, h vstream.HolePredictor, parent ParentInfo) (*DynamicWriter, error) {
	return newDynamicWriter(w, h, &parent)
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func utf16LE(s string) []byte {
	enc := utf16.Encode([]rune(s))
	buf := make([]byte, 2*len(enc))
	for i, c := range enc {
		binary.LittleEndian.PutUint16(buf[2*i:], c)
	}
	return buf
}

func newDynamicWriter(w io.WriteSeeker, h vstream.HolePredictor, parent *ParentInfo) (*DynamicWriter, error) {
	typ := Dynamic
	if parent != nil {
		typ = Differencing
	}

	footer, err := newFooter(h.Size(), typ, FooterSize)
	if err != nil {
		return nil, err
	}

	dw := &DynamicWriter{w: w, footer: footer, size: h.Size()}
	entries := (dw.size + DefaultBlock - 1) / DefaultBlock

	header := &Header{
		DataOffset:      noDataOffset,
		TableOffset:     tableOffset,
		HeaderVersion:   headerVersion,
		MaxTableEntries: uint32(entries),
		BlockSize:       DefaultBlock,
	}
	copy(header.Cookie[:], CookieHeader)

	next := tableOffset + roundSector(4*entries)

	var locators [][]byte
	if parent != nil {
		copy(header.ParentUniqueID[:], parent.ID[:])
		header.ParentTimeStamp = vbin.ToVHDTime(parent.TimeStamp)
		name := baseName(parent.RelativePath)
		if name == "" {
			name = baseName(parent.AbsolutePath)
		}
		vbin.PutUTF16String(header.ParentUnicodeName[:], name, binary.BigEndian)

		slot := 0
		for _, loc := range []struct {
			code uint32
			path string
		}{
			{PlatformWindowsRel, parent.RelativePath},
			{PlatformWindowsAbs, parent.AbsolutePath},
		} {
			if loc.path == "" {
				continue
			}
			data := utf16LE(loc.path)
			header.ParentLocators[slot] = ParentLocator{
				PlatformCode:       loc.code,
				PlatformDataSpace:  uint32(roundSector(int64(len(data)))),
				PlatformDataLength: uint32(len(data)),
				PlatformDataOffset: uint64(next),
			}
			locators = append(locators, data)
			next += roundSector(int64(len(data)))
			slot++
		}
	}

	bat := bytes.Repeat([]byte{0xFF}, int(roundSector(4*entries)))
	dw.offsets = make([]int64, entries)
	for i := int64(0); i < entries; i++ {
		length := int64(DefaultBlock)
		if rest := dw.size - i*DefaultBlock; rest < length {
			length = rest
		}
		if h.RegionIsHole(i*DefaultBlock, length) {
			dw.offsets[i] = -1
			continue
		}
		dw.offsets[i] = next
		binary.BigEndian.PutUint32(bat[4*i:], uint32(next/SectorSize))
		next += bitmapSize + DefaultBlock
	}
	dw.end = next

	if err = header.Seal(); err != nil {
		return nil, err
	}
	dw.header = header

	if err = dw.writeMetadata(bat, locators); err != nil {
		return nil, err
	}
	return dw, nil
}

func (w *DynamicWriter) writeMetadata(bat []byte, locators [][]byte) error {
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := writeRecord(w.w, w.footer); err != nil {
		return err
	}
	if err := writeRecord(w.w, w.header); err != nil {
		return err
	}
	if _, err := io.Copy(w.w, bytes.NewReader(bat)); err != nil {
		return err
	}

	for i, data := range locators {
		if _, err := w.w.Seek(int64(w.header.ParentLocators[i].PlatformDataOffset), io.SeekStart); err != nil {
			return err
		}
		padded := make([]byte, roundSector(int64(len(data))))
		copy(padded, data)
		if _, err := w.w.Write(padded); err != nil {
			return err
		}
	}

	// every allocated block is written in full, so every sector is present
	bitmap := bytes.Repeat([]byte{0xFF}, bitmapSize)
	for _, off := range w.offsets {
		if off < 0 {
			continue
		}
		if _, err := w.w.Seek(off, io.SeekStart); err != nil {
			return err
		}
		if _, err := w.w.Write(bitmap); err != nil {
			return err
		}
	}
	return nil
}

// Footer returns the footer the writer emits.
func (w *DynamicWriter) Footer() Footer {
	return *w.footer
}

func (w *DynamicWriter) Write(p []byte) (int, error) {
	if w.cursor+int64(len(p)) > w.size {
		return 0, errors.Errorf("write of %d bytes at %d runs past the end of a %d byte disk", len(p), w.cursor, w.size)
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

		if w.offsets[block] < 0 {
			if len(bytes.Trim(chunk, "\x00")) != 0 {
				return n, errors.Errorf("data written to block %d which was predicted to be a hole", block)
			}
		} else {
			if _, err := w.w.Seek(w.offsets[block]+bitmapSize+delta, io.SeekStart); err != nil {
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

func (w *DynamicWriter) Seek(offset int64, whence int) (int64, error) {
	abs, err := seekTarget(offset, whence, w.cursor, w.size)
	if err != nil {
		return w.cursor, err
	}
	w.cursor = abs
	return abs, nil
}

// Close writes the trailing footer. It does not close the underlying writer.
func (w *DynamicWriter) Close() error {
	if _, err := w.w.Seek(w.end, io.SeekStart); err != nil {
		return err
	}
	return writeRecord(w.w, w.footer)
}

// Convert writes content to w as a VHD of the given type.
func Convert(content vstream.SparseStream, w io.WriteSeeker, typ DiskType) error {
	var out io.WriteSeeker
	var closer io.Closer

	switch typ {
	case Fixed:
		fw, err := NewFixedWriter(w, vstream.Holes(content))
		if err != nil {
			return err
		}
		out, closer = fw, fw
	case Dynamic:
		dw, err := NewDynamicWriter(w, vstream.Holes(content))
		if err != nil {
			return err
		}
		out, closer = dw, dw
	default:
		return errors.Errorf("cannot convert to a %s vhd", typ)
	}

	if _, err := vstream.Pump(out, content); err != nil {
		return errors.Wrap(err, "copying disk content")
	}
	return closer.Close()
}
