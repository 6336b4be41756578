package vstream

import (
	"fmt"
	"io"
)

// Allocation describes where a logical block of a block-mapped image lives.
type Allocation struct {
	// Present is false for blocks that were never written.
	Present bool

	// Offset is the position of the block's first byte in the backing file.
	Offset int64

	// Runs lists the byte ranges within the block that are stored, relative
	// to the start of the block. A nil Runs means the whole block is stored.
	Runs []Extent

	// Zero marks a present block that reads as zeros without touching the
	// backing file. It still hides the block of any parent.
	Zero bool
}

// BlockMap translates logical blocks of an image into file locations. It is
// implemented by the block allocation tables of sparse image formats.
type BlockMap interface {
	BlockSize() int64
	Lookup(block int64) (Allocation, error)
}

type blockBackend struct {
	file   io.ReaderAt
	closer io.Closer
	bm     BlockMap
	size   int64
}

// NewBlockStream returns a read-only stream of the given length whose data
// is located through bm inside file. Unallocated ranges read as zero. With
// Dispose, closing the stream closes file if it is an io.Closer.
func NewBlockStream(file io.ReaderAt, own Ownership, bm BlockMap, length int64) (SparseStream, error) {
	if bm.BlockSize() <= 0 {
		return nil, fmt.Errorf("invalid block size %d", bm.BlockSize())
	}

	b := &blockBackend{file: file, bm: bm, size: length}
	if c, ok := file.(io.Closer); ok && own == Dispose {
		b.closer = c
	}
	return newStream(b), nil
}

func (b *blockBackend) runs(a Allocation) []Extent {
	if a.Runs == nil {
		return []Extent{{Start: 0, Length: b.bm.BlockSize()}}
	}
	return a.Runs
}

func (b *blockBackend) readAt(p []byte, off int64) (int, error) {
	bs := b.bm.BlockSize()
	done := 0

	for done < len(p) {
		pos := off + int64(done)
		block := pos / bs
		within := pos % bs
		k := bs - within
		if rest := int64(len(p) - done); k > rest {
			k = rest
		}
		chunk := p[done : done+int(k)]

		a, err := b.bm.Lookup(block)
		if err != nil {
			return done, err
		}

		zero(chunk)
		if a.Present && !a.Zero {
			for _, r := range Clip(b.runs(a), within, k) {
				dst := chunk[r.Start-within : r.End()-within]
				if err := readFull(b.file, dst, a.Offset+r.Start); err != nil {
					return done, fmt.Errorf("reading block %d: %w", block, err)
				}
			}
		}

		done += int(k)
	}

	return done, nil
}

func (b *blockBackend) writeAt(p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

func (b *blockBackend) length() int64 {
	return b.size
}

func (b *blockBackend) canWrite() bool {
	return false
}

func (b *blockBackend) extents(start, count int64) []Extent {
	start, count = clampRange(start, count, b.size)
	if count <= 0 {
		return nil
	}

	bs := b.bm.BlockSize()
	var out []Extent
	for block := start / bs; block*bs < start+count; block++ {
		a, err := b.bm.Lookup(block)
		if err != nil || !a.Present {
			continue
		}
		out = append(out, Offset(b.runs(a), block*bs)...)
	}
	return Clip(Union(out), start, count)
}

func (b *blockBackend) close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}
