package vhd

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vcache"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// ErrCorrupt is returned for images whose metadata fails validation.
var ErrCorrupt = errors.New("corrupt vhd image")

// Disk is an opened VHD file. It implements vdisk.Layer.
type Disk struct {
	Footer Footer
	Header *Header

	file    vstream.SparseStream
	own     vstream.Ownership
	locator vdisk.FileLocator
	log     elog.Logger
	bat     []uint32
	blocks  *vcache.Cache[int64, vstream.Allocation]
	closed  bool
}

func readFooter(s vstream.SparseStream, off int64) (*Footer, error) {
	f := new(Footer)
	if err := vbin.ReadAt(s, off, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Probe reports whether s looks like a VHD.
func Probe(s vstream.SparseStream) bool {
	if s.Length() < FooterSize {
		return false
	}
	for _, off := range []int64{s.Length() - FooterSize, 0} {
		var h FileHeader
		if vbin.ReadAt(s, off, &h) == nil && h.Cookie == CookieFooter {
			return true
		}
	}
	return false
}

// Open reads the metadata of the VHD in file. Parent references of
// differencing disks are resolved through locator by vdisk.OpenDisk.
func Open(file vstream.SparseStream, own vstream.Ownership, locator vdisk.FileLocator, log elog.Logger) (*Disk, error) {
	log = elog.OrDiscard(log)
	if file.Length() < FooterSize {
		return nil, errors.Wrapf(ErrCorrupt, "file of %d bytes is too small", file.Length())
	}

	footer, err := readFooter(file, file.Length()-FooterSize)
	if err != nil {
		return nil, errors.Wrap(err, "reading footer")
	}
	if !footer.Valid() {
		// dynamic disks keep a copy at the start
		copyFooter, err := readFooter(file, 0)
		if err != nil || !copyFooter.Valid() {
			return nil, errors.Wrap(ErrCorrupt, "no valid footer")
		}
		log.Warnf("vhd footer at end of file is damaged, using the copy at the start")
		footer = copyFooter
	}

	d := &Disk{
		Footer:  *footer,
		file:    file,
		own:     own,
		locator: locator,
		log:     log,
		blocks:  vcache.New[int64, vstream.Allocation](),
	}

	switch footer.DiskType {
	case Fixed:
		if int64(footer.CurrentSize) > file.Length()-FooterSize {
			return nil, errors.Wrapf(ErrCorrupt, "fixed disk of %d bytes in a file of %d", footer.CurrentSize, file.Length())
		}
	case Dynamic, Differencing:
		if err = d.readDynamic(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(ErrCorrupt, "unknown disk type %d", footer.DiskType)
	}

	return d, nil
}

func (d *Disk) readDynamic() error {
	h := new(Header)
	if err := vbin.ReadAt(d.file, int64(d.Footer.DataOffset), h); err != nil {
		return errors.Wrap(err, "reading dynamic header")
	}
	if !h.Valid() {
		return errors.Wrap(ErrCorrupt, "bad dynamic header")
	}
	if h.BlockSize == 0 || h.BlockSize%SectorSize != 0 {
		return errors.Wrapf(ErrCorrupt, "invalid block size %d", h.BlockSize)
	}

	need := (d.Footer.CurrentSize + uint64(h.BlockSize) - 1) / uint64(h.BlockSize)
	if uint64(h.MaxTableEntries) < need {
		return errors.Wrapf(ErrCorrupt, "block table holds %d entries, disk needs %d", h.MaxTableEntries, need)
	}

	raw, err := vstream.ReadExact(d.file, int64(h.TableOffset), int(h.MaxTableEntries)*4)
	if err != nil {
		return errors.Wrap(err, "reading block allocation table")
	}

	d.bat = make([]uint32, h.MaxTableEntries)
	for i := range d.bat {
		d.bat[i] = binary.BigEndian.Uint32(raw[4*i:])
	}
	d.Header = h
	return nil
}

// Type returns the disk type from the footer.
func (d *Disk) Type() DiskType {
	return d.Footer.DiskType
}

func (d *Disk) Capacity() int64 {
	return int64(d.Footer.CurrentSize)
}

func (d *Disk) Geometry() geometry.Geometry {
	return geometry.Unpack(d.Footer.DiskGeometry)
}

func (d *Disk) IsSparse() bool {
	return d.Footer.DiskType != Fixed
}

func (d *Disk) NeedsParent() bool {
	return d.Footer.DiskType == Differencing
}

func (d *Disk) RelativeFileLocator() vdisk.FileLocator {
	return d.locator
}

// ParentLocations returns the relative and absolute Windows locators, then
// the Mac URL, then the bare parent name.
func (d *Disk) ParentLocations() []string {
	if d.Header == nil || !d.NeedsParent() {
		return nil
	}

	var rel, abs, other []string
	for _, pl := range d.Header.ParentLocators {
		if pl.PlatformCode == PlatformNone || pl.PlatformDataLength == 0 {
			continue
		}
		data, err := vstream.ReadExact(d.file, int64(pl.PlatformDataOffset), int(pl.PlatformDataLength))
		if err != nil {
			d.log.Debugf("unreadable parent locator %08x: %v", pl.PlatformCode, err)
			continue
		}

		switch pl.PlatformCode {
		case PlatformWindowsRel:
			rel = append(rel, vbin.UTF16String(data, binary.LittleEndian))
		case PlatformWindowsAbs:
			abs = append(abs, vbin.UTF16String(data, binary.LittleEndian))
		case PlatformMacURL:
			other = append(other, strings.TrimPrefix(vbin.CString(data), "file://"))
		case PlatformWindowsRelV1:
			other = append(other, vbin.CString(data))
		}
	}

	list := append(append(rel, abs...), other...)
	if name := d.Header.ParentName(); name != "" {
		list = append(list, name)
	}
	return list
}

// BlockSize implements vstream.BlockMap.
func (d *Disk) BlockSize() int64 {
	return int64(d.Header.BlockSize)
}

func (d *Disk) bitmapSize() int64 {
	sectors := int64(d.Header.BlockSize) / SectorSize
	return (sectors/8 + SectorSize - 1) / SectorSize * SectorSize
}

// Lookup implements vstream.BlockMap. Each allocated block is preceded by a
// sector bitmap, most significant bit first, marking the sectors stored.
func (d *Disk) Lookup(block int64) (vstream.Allocation, error) {
	if block < 0 || block >= int64(len(d.bat)) || d.bat[block] == unallocated {
		return vstream.Allocation{}, nil
	}
	if a, ok := d.blocks.Get(block); ok {
		return *a, nil
	}

	start := int64(d.bat[block]) * SectorSize
	bitmap, err := vstream.ReadExact(d.file, start, int(d.bitmapSize()))
	if err != nil {
		return vstream.Allocation{}, errors.Wrapf(err, "reading bitmap of block %d", block)
	}

	a := vstream.Allocation{Present: true, Offset: start + d.bitmapSize()}
	sectors := int64(d.Header.BlockSize) / SectorSize
	full := true
	open := false
	for i := int64(0); i < sectors; i++ {
		if bitmap[i/8]&(0x80>>uint(i%8)) == 0 {
			full = false
			open = false
			continue
		}
		if !open {
			a.Runs = append(a.Runs, vstream.Extent{Start: i * SectorSize})
			open = true
		}
		a.Runs[len(a.Runs)-1].Length += SectorSize
	}
	if full {
		a.Runs = nil
	} else if len(a.Runs) == 0 {
		a.Present = false
	}

	d.blocks.Set(block, &a)
	return a, nil
}

// OpenContent returns the disk content. A differencing disk defers every
// sector it does not store to parent; other types close an owned parent.
func (d *Disk) OpenContent(parent vstream.SparseStream, owns vstream.Ownership) (vstream.SparseStream, error) {
	if d.closed {
		return nil, vstream.ErrClosed
	}

	if d.Footer.DiskType != Differencing && parent != nil && owns == vstream.Dispose {
		if err := parent.Close(); err != nil {
			return nil, err
		}
	}

	switch d.Footer.DiskType {
	case Fixed:
		return vstream.NewSubStream(d.file, 0, d.Capacity())
	case Dynamic:
		return vstream.NewBlockStream(d.file, vstream.None, d, d.Capacity())
	}

	if parent == nil {
		return nil, errors.Wrap(vdisk.ErrParentNotFound, "differencing vhd opened without a parent")
	}
	if parent.Length() < d.Capacity() {
		d.log.Warnf("parent of differencing vhd is %d bytes, expected %d", parent.Length(), d.Capacity())
	}

	top, err := vstream.NewBlockStream(d.file, vstream.None, d, d.Capacity())
	if err != nil {
		return nil, err
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
