package vdi

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// ErrCorrupt is returned for images whose header or block map fails
// validation.
var ErrCorrupt = errors.New("corrupt vdi image")

// Disk is an opened VDI image. It implements vdisk.Layer.
type Disk struct {
	Header Header

	file   vstream.SparseStream
	own    vstream.Ownership
	log    elog.Logger
	blocks []uint32
	closed bool
}

// Probe reports whether s carries the VDI signature.
func Probe(s vstream.SparseStream) bool {
	sig, err := vstream.ReadExact(s, 0x40, 4)
	return err == nil && binary.LittleEndian.Uint32(sig) == Signature
}

// Open reads the header and block map of the image in file.
func Open(file vstream.SparseStream, own vstream.Ownership, log elog.Logger) (*Disk, error) {
	d := &Disk{
		file: file,
		own:  own,
		log:  elog.OrDiscard(log),
	}

	h := &d.Header
	if err := vbin.ReadAt(file, 0, h); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}
	if h.Signature != Signature {
		return nil, errors.Wrapf(ErrCorrupt, "bad signature %08x", h.Signature)
	}
	if h.Version>>16 != 1 {
		return nil, errors.Wrapf(vbin.ErrNotSupported, "vdi version %d.%d", h.Version>>16, h.Version&0xFFFF)
	}
	if h.HeaderSize < headerBodySize {
		return nil, errors.Wrap(vbin.ErrNotSupported, "vdi 1.0 header")
	}
	switch h.ImageType {
	case Normal, Fixed, Differencing:
	default:
		return nil, errors.Wrapf(vbin.ErrNotSupported, "vdi image type %s", h.ImageType)
	}
	if h.BlockSize == 0 || h.BlockSize%SectorSize != 0 {
		return nil, errors.Wrapf(ErrCorrupt, "block size %d", h.BlockSize)
	}
	if int64(h.Blocks)*int64(h.BlockSize) < int64(h.DiskSize) {
		return nil, errors.Wrapf(ErrCorrupt, "%d blocks do not cover %d bytes", h.Blocks, h.DiskSize)
	}

	raw, err := vstream.ReadExact(file, int64(h.BlocksOffset), int(h.Blocks)*4)
	if err != nil {
		return nil, errors.Wrap(err, "reading block map")
	}
	d.blocks = make([]uint32, h.Blocks)
	for i := range d.blocks {
		d.blocks[i] = binary.LittleEndian.Uint32(raw[4*i:])
		if b := d.blocks[i]; b != blockFree && b != blockZero && b >= h.Blocks {
			return nil, errors.Wrapf(ErrCorrupt, "block %d maps to index %d", i, b)
		}
	}

	return d, nil
}

func (d *Disk) Capacity() int64 {
	return int64(d.Header.DiskSize)
}

func (d *Disk) Geometry() geometry.Geometry {
	g := d.Header.LCHSGeometry
	if g.Heads == 0 || g.Sectors == 0 {
		g = d.Header.LegacyGeometry
	}
	if g.Heads == 0 || g.Sectors == 0 {
		g = GeometryFromCapacity(d.Capacity())
	}
	if g.SectorSize == 0 {
		g.SectorSize = SectorSize
	}
	return g.ToGeometry(d.Capacity())
}

func (d *Disk) IsSparse() bool {
	return d.Header.ImageType != Fixed
}

func (d *Disk) NeedsParent() bool {
	return d.Header.ImageType == Differencing
}

// ParentLocations is always empty. A differencing VDI identifies its parent
// by ParentID only, so chains are assembled with vdisk.NewDisk.
func (d *Disk) ParentLocations() []string {
	return nil
}

// ParentID is the modification id the parent had when this image was
// created.
func (d *Disk) ParentID() uuid.UUID {
	return d.Header.ParentModifyID
}

func (d *Disk) RelativeFileLocator() vdisk.FileLocator {
	return nil
}

// BlockSize implements vstream.BlockMap.
func (d *Disk) BlockSize() int64 {
	return int64(d.Header.BlockSize)
}

// Lookup implements vstream.BlockMap.
func (d *Disk) Lookup(block int64) (vstream.Allocation, error) {
	if block < 0 || block >= int64(len(d.blocks)) {
		return vstream.Allocation{}, nil
	}
	switch b := d.blocks[block]; b {
	case blockFree:
		return vstream.Allocation{}, nil
	case blockZero:
		return vstream.Allocation{Present: true, Zero: true}, nil
	default:
		h := d.Header
		stride := int64(h.BlockSize) + int64(h.BlockExtra)
		return vstream.Allocation{
			Present: true,
			Offset:  int64(h.DataOffset) + int64(b)*stride + int64(h.BlockExtra),
		}, nil
	}
}

// OpenContent returns the guest view. A differencing image reads unwritten
// blocks from parent.
func (d *Disk) OpenContent(parent vstream.SparseStream, owns vstream.Ownership) (vstream.SparseStream, error) {
	if d.closed {
		return nil, vstream.ErrClosed
	}

	if !d.NeedsParent() && parent != nil && owns == vstream.Dispose {
		if err := parent.Close(); err != nil {
			return nil, err
		}
	}

	top, err := vstream.NewBlockStream(d.file, vstream.None, d, d.Capacity())
	if err != nil {
		return nil, err
	}
	if !d.NeedsParent() {
		return top, nil
	}
	if parent == nil {
		return nil, errors.Wrapf(vdisk.ErrParentNotFound, "parent %s not supplied", d.ParentID())
	}
	return vstream.NewLayeredStream(top, vstream.Dispose, parent, owns), nil
}

func (d *Disk) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.own == vstream.Dispose {
		return d.file.Close()
	}
	return nil
}

var _ vdisk.Layer = (*Disk)(nil)
