package vmdk

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vcache"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// ErrCorrupt is returned for images whose metadata fails validation.
var ErrCorrupt = errors.New("corrupt vmdk image")

const markerSize = 12

// sparseExtent is a hosted sparse or stream-optimized extent file. It is
// its own block map, addressing each grain at grain*grainBytes so that zero
// and compressed grains can be served alongside plain ones.
type sparseExtent struct {
	file       io.ReaderAt
	header     Header
	gd         []uint32
	grainBytes int64
	capacity   int64
	tables     *vcache.Cache[int64, []uint32]
	grains     *vcache.Cache[int64, []byte]
}

func openSparseExtent(file vstream.SparseStream) (*sparseExtent, error) {
	e := &sparseExtent{
		file:   file,
		tables: vcache.New[int64, []uint32](),
		grains: vcache.New[int64, []byte](),
	}
	if err := vbin.ReadAt(file, 0, &e.header); err != nil {
		return nil, errors.Wrap(err, "reading sparse header")
	}
	if e.header.MagicNumber != Magic {
		return nil, errors.Wrapf(ErrCorrupt, "bad magic %08x", e.header.MagicNumber)
	}

	if e.header.GDOffset == gdAtEnd {
		// stream-optimized: the real directory offset is in the footer
		// header, which precedes the end-of-stream marker
		var footer Header
		if file.Length() < 2*HeaderSize {
			return nil, errors.Wrap(ErrCorrupt, "stream-optimized extent has no footer")
		}
		if err := vbin.ReadAt(file, file.Length()-2*HeaderSize, &footer); err != nil {
			return nil, errors.Wrap(err, "reading footer")
		}
		if footer.MagicNumber != Magic || footer.GDOffset == gdAtEnd {
			return nil, errors.Wrap(ErrCorrupt, "bad stream-optimized footer")
		}
		e.header.GDOffset = footer.GDOffset
	}

	h := &e.header
	if h.GrainSize < 8 || h.GrainSize&(h.GrainSize-1) != 0 {
		return nil, errors.Wrapf(ErrCorrupt, "grain size of %d sectors", h.GrainSize)
	}
	if h.NumGTEsPerGT == 0 {
		return nil, errors.Wrap(ErrCorrupt, "empty grain tables")
	}

	e.grainBytes = int64(h.GrainSize) * SectorSize
	e.capacity = int64(h.Capacity) * SectorSize

	grains := (int64(h.Capacity) + int64(h.GrainSize) - 1) / int64(h.GrainSize)
	tables := (grains + int64(h.NumGTEsPerGT) - 1) / int64(h.NumGTEsPerGT)

	raw, err := vstream.ReadExact(file, int64(h.GDOffset)*SectorSize, int(tables)*TableRowSize)
	if err != nil {
		return nil, errors.Wrap(err, "reading grain directory")
	}
	e.gd = make([]uint32, tables)
	for i := range e.gd {
		e.gd[i] = binary.LittleEndian.Uint32(raw[TableRowSize*i:])
	}

	return e, nil
}

func (e *sparseExtent) table(i int64) ([]uint32, error) {
	if t, ok := e.tables.Get(i); ok {
		return *t, nil
	}
	n := int(e.header.NumGTEsPerGT)
	raw, err := vstream.ReadExact(e.file, int64(e.gd[i])*SectorSize, n*TableRowSize)
	if err != nil {
		return nil, errors.Wrapf(err, "reading grain table %d", i)
	}
	t := make([]uint32, n)
	for j := range t {
		t[j] = binary.LittleEndian.Uint32(raw[TableRowSize*j:])
	}
	e.tables.Set(i, &t)
	return t, nil
}

// entry returns the grain table entry for a grain. Zero means the grain
// was never written.
func (e *sparseExtent) entry(grain int64) (uint32, error) {
	per := int64(e.header.NumGTEsPerGT)
	i := grain / per
	if grain < 0 || i >= int64(len(e.gd)) || e.gd[i] == 0 {
		return 0, nil
	}
	t, err := e.table(i)
	if err != nil {
		return 0, err
	}
	return t[grain%per], nil
}

func (e *sparseExtent) zeroGrain(entry uint32) bool {
	return entry == 1 && e.header.Flags&FlagZeroedGrainGTE != 0
}

func (e *sparseExtent) BlockSize() int64 {
	return e.grainBytes
}

func (e *sparseExtent) Lookup(grain int64) (vstream.Allocation, error) {
	entry, err := e.entry(grain)
	if err != nil || entry == 0 {
		return vstream.Allocation{}, err
	}
	return vstream.Allocation{Present: true, Offset: grain * e.grainBytes}, nil
}

func (e *sparseExtent) inflate(grain int64, sector uint32) ([]byte, error) {
	if data, ok := e.grains.Get(grain); ok {
		return *data, nil
	}

	marker, err := vstream.ReadExact(e.file, int64(sector)*SectorSize, markerSize)
	if err != nil {
		return nil, err
	}
	lba := binary.LittleEndian.Uint64(marker)
	size := binary.LittleEndian.Uint32(marker[8:])
	if int64(lba) != grain*int64(e.header.GrainSize) {
		return nil, errors.Wrapf(ErrCorrupt, "grain %d marker names sector %d", grain, lba)
	}

	compressed, err := vstream.ReadExact(e.file, int64(sector)*SectorSize+markerSize, int(size))
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrapf(err, "grain %d", grain)
	}
	defer zr.Close()

	data := make([]byte, e.grainBytes)
	if _, err = io.ReadFull(zr, data); err != nil && err != io.ErrUnexpectedEOF {
		return nil, errors.Wrapf(err, "inflating grain %d", grain)
	}
	e.grains.Set(grain, &data)
	return data, nil
}

// ReadAt serves the virtual addresses handed out by Lookup.
func (e *sparseExtent) ReadAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		pos := off + int64(done)
		grain := pos / e.grainBytes
		within := pos % e.grainBytes
		k := e.grainBytes - within
		if rest := int64(len(p) - done); k > rest {
			k = rest
		}
		chunk := p[done : done+int(k)]

		entry, err := e.entry(grain)
		if err != nil {
			return done, err
		}

		switch {
		case entry == 0 || e.zeroGrain(entry):
			for i := range chunk {
				chunk[i] = 0
			}
		case e.header.Compressed():
			data, err := e.inflate(grain, entry)
			if err != nil {
				return done, err
			}
			copy(chunk, data[within:])
		default:
			if _, err := e.file.ReadAt(chunk, int64(entry)*SectorSize+within); err != nil && err != io.EOF {
				return done, err
			}
		}
		done += int(k)
	}
	return done, nil
}

// content returns the extent data, limited to length bytes.
func (e *sparseExtent) content(length int64) (vstream.SparseStream, error) {
	if length > e.capacity || length < 0 {
		length = e.capacity
	}
	return vstream.NewBlockStream(e, vstream.None, e, length)
}

// embeddedDescriptor returns the descriptor stored inside the extent, or
// nil if there is none.
func (e *sparseExtent) embeddedDescriptor() (*Descriptor, error) {
	if e.header.DescriptorOffset == 0 || e.header.DescriptorSize == 0 {
		return nil, nil
	}
	raw, err := vstream.ReadExact(e.file, int64(e.header.DescriptorOffset)*SectorSize, int(e.header.DescriptorSize)*SectorSize)
	if err != nil {
		return nil, errors.Wrap(err, "reading embedded descriptor")
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return ParseDescriptor(string(raw))
}
