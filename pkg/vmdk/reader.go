package vmdk

import (
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

const maxDescriptorFile = 1 << 20

// part is the content source of one extent.
type part struct {
	desc   ExtentDescriptor
	file   vstream.SparseStream
	sparse *sparseExtent
}

func (p *part) open() (vstream.SparseStream, error) {
	length := p.desc.Sectors * SectorSize
	switch {
	case p.sparse != nil:
		return p.sparse.content(length)
	case p.file != nil:
		return vstream.NewSubStream(p.file, p.desc.Offset*SectorSize, length)
	}
	return vstream.NewZeroStream(length), nil
}

// Disk is an opened VMDK. It implements vdisk.Layer.
type Disk struct {
	Descriptor *Descriptor

	// Header is the sparse header of a monolithic image, nil for
	// descriptor files.
	Header *Header

	file     vstream.SparseStream
	own      vstream.Ownership
	locator  vdisk.FileLocator
	log      elog.Logger
	parts    []part
	opened   []vstream.SparseStream
	capacity int64
	sparse   bool
	closed   bool
}

// Probe reports whether s starts with a sparse header or a descriptor.
func Probe(s vstream.SparseStream) bool {
	head, err := vstream.ReadExact(s, 0, 64)
	if err != nil {
		return false
	}
	return vbin.HasSignature(head, "KDMV") || IsDescriptor(head)
}

// Open reads the VMDK in file. Extent files named by a descriptor file are
// opened through locator.
func Open(file vstream.SparseStream, own vstream.Ownership, locator vdisk.FileLocator, log elog.Logger) (*Disk, error) {
	d := &Disk{
		file:    file,
		own:     own,
		locator: locator,
		log:     elog.OrDiscard(log),
	}

	var h Header
	if err := vbin.ReadAt(file, 0, &h); err == nil && h.MagicNumber == Magic {
		if err := d.openMonolithic(); err != nil {
			return nil, err
		}
		return d, nil
	}

	n := file.Length()
	if n > maxDescriptorFile {
		return nil, errors.Wrap(ErrCorrupt, "neither a sparse extent nor a descriptor")
	}
	raw, err := vstream.ReadExact(file, 0, int(n))
	if err != nil {
		return nil, err
	}
	if !IsDescriptor(raw) {
		return nil, errors.Wrap(ErrCorrupt, "neither a sparse extent nor a descriptor")
	}
	desc, err := ParseDescriptor(string(raw))
	if err != nil {
		return nil, errors.Wrap(err, "parsing descriptor")
	}
	d.Descriptor = desc

	if err = d.openExtents(); err != nil {
		_ = d.closeExtents()
		return nil, err
	}
	return d, nil
}

func (d *Disk) openMonolithic() error {
	e, err := openSparseExtent(d.file)
	if err != nil {
		return err
	}
	h := e.header
	d.Header = &h

	desc, err := e.embeddedDescriptor()
	if err != nil {
		d.log.Warnf("ignoring unreadable vmdk descriptor: %v", err)
	}
	if desc == nil {
		desc = newDescriptor("monolithicSparse", int64(h.Capacity), "")
		desc.CID = NoParent
	}
	d.Descriptor = desc

	if secs := desc.Sectors(); secs != 0 && secs != int64(h.Capacity) {
		d.log.Warnf("vmdk descriptor describes %d sectors, header holds %d", secs, h.Capacity)
	}

	d.parts = []part{{
		desc:   ExtentDescriptor{Access: "RW", Sectors: int64(h.Capacity), Type: ExtentSparse},
		sparse: e,
	}}
	d.capacity = e.capacity
	d.sparse = true
	return nil
}

func (d *Disk) openExtents() error {
	if len(d.Descriptor.Extents) == 0 {
		return errors.Wrap(ErrCorrupt, "descriptor lists no extents")
	}

	for _, ed := range d.Descriptor.Extents {
		p := part{desc: ed}
		switch strings.ToUpper(ed.Type) {
		case ExtentZero:
			d.sparse = true
		case ExtentFlat, ExtentVMFS:
			f, err := d.openExtentFile(ed.File)
			if err != nil {
				return err
			}
			if (ed.Offset+ed.Sectors)*SectorSize > f.Length() {
				d.log.Warnf("extent '%s' is shorter than described", ed.File)
			}
			p.file = f
		case ExtentSparse:
			f, err := d.openExtentFile(ed.File)
			if err != nil {
				return err
			}
			e, err := openSparseExtent(f)
			if err != nil {
				return errors.Wrapf(err, "extent '%s'", ed.File)
			}
			p.sparse = e
			d.sparse = true
		default:
			return errors.Wrapf(vbin.ErrNotSupported, "vmdk %s extent", ed.Type)
		}
		d.parts = append(d.parts, p)
		d.capacity += ed.Sectors * SectorSize
	}
	return nil
}

func (d *Disk) openExtentFile(name string) (vstream.SparseStream, error) {
	if d.locator == nil {
		return nil, errors.Errorf("no locator to find extent '%s'", name)
	}
	f, err := d.locator.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "opening extent '%s'", name)
	}
	d.opened = append(d.opened, f)
	return f, nil
}

func (d *Disk) Capacity() int64 {
	return d.capacity
}

func (d *Disk) Geometry() geometry.Geometry {
	if g := d.Descriptor.Geometry(); !g.IsZero() {
		return g
	}
	return geometry.FromCapacity(d.capacity)
}

func (d *Disk) IsSparse() bool {
	return d.sparse
}

func (d *Disk) NeedsParent() bool {
	return d.Descriptor.HasParent()
}

func (d *Disk) ParentLocations() []string {
	if !d.NeedsParent() || d.Descriptor.ParentFileNameHint == "" {
		return nil
	}
	hint := d.Descriptor.ParentFileNameHint
	list := []string{hint}
	if base := path.Base(strings.ReplaceAll(hint, `\`, "/")); base != hint {
		list = append(list, base)
	}
	return list
}

func (d *Disk) RelativeFileLocator() vdisk.FileLocator {
	return d.locator
}

// Extents returns the extents named by the descriptor.
func (d *Disk) Extents() []ExtentDescriptor {
	return d.Descriptor.Extents
}

func (d *Disk) OpenContent(parent vstream.SparseStream, owns vstream.Ownership) (vstream.SparseStream, error) {
	if d.closed {
		return nil, vstream.ErrClosed
	}

	if !d.NeedsParent() && parent != nil && owns == vstream.Dispose {
		if err := parent.Close(); err != nil {
			return nil, err
		}
	}

	streams := make([]vstream.SparseStream, 0, len(d.parts))
	for i := range d.parts {
		s, err := d.parts[i].open()
		if err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}

	var content vstream.SparseStream
	if len(streams) == 1 {
		content = streams[0]
	} else {
		content = vstream.NewConcatStream(vstream.Dispose, streams...)
	}

	if !d.NeedsParent() {
		return content, nil
	}
	if parent == nil {
		return nil, errors.Wrap(vdisk.ErrParentNotFound, "child vmdk opened without a parent")
	}
	if parent.Length() < d.capacity {
		d.log.Warnf("parent of child vmdk is %d bytes, expected %d", parent.Length(), d.capacity)
	}
	return vstream.NewLayeredStream(content, vstream.Dispose, parent, owns), nil
}

func (d *Disk) closeExtents() error {
	var first error
	for _, f := range d.opened {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	d.opened = nil
	return first
}

func (d *Disk) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	err := d.closeExtents()
	if d.own == vstream.Dispose {
		if cerr := d.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

var _ vdisk.Layer = (*Disk)(nil)
