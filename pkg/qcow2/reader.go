package qcow2

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vcache"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// ErrCorrupt is returned for images whose metadata fails validation.
var ErrCorrupt = errors.New("corrupt qcow2 image")

// Disk is an opened qcow2 image. It implements vdisk.Layer.
type Disk struct {
	Header      Header
	BackingFile string

	file        vstream.SparseStream
	own         vstream.Ownership
	locator     vdisk.FileLocator
	log         elog.Logger
	clusterSize int64
	l1          []uint64
	tables      *vcache.Cache[int64, []uint64]
	closed      bool
}

// Probe reports whether s starts with the qcow magic.
func Probe(s vstream.SparseStream) bool {
	head, err := vstream.ReadExact(s, 0, 4)
	return err == nil && binary.BigEndian.Uint32(head) == Magic
}

// Open reads the header and L1 table of the image in file.
func Open(file vstream.SparseStream, own vstream.Ownership, locator vdisk.FileLocator, log elog.Logger) (*Disk, error) {
	d := &Disk{
		file:    file,
		own:     own,
		locator: locator,
		log:     elog.OrDiscard(log),
		tables:  vcache.New[int64, []uint64](),
	}

	h := &d.Header
	if err := vbin.ReadAt(file, 0, h); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}
	if h.Magic != Magic {
		return nil, errors.Wrapf(ErrCorrupt, "bad magic %08x", h.Magic)
	}
	if h.Version != 2 && h.Version != 3 {
		return nil, errors.Wrapf(vbin.ErrNotSupported, "qcow2 version %d", h.Version)
	}
	if h.ClusterBits < minClusterBits || h.ClusterBits > maxClusterBits {
		return nil, errors.Wrapf(ErrCorrupt, "cluster bits %d", h.ClusterBits)
	}
	if h.CryptMethod != 0 {
		return nil, errors.Wrap(vbin.ErrNotSupported, "encrypted qcow2")
	}
	if f := h.IncompatibleFeatures &^ incompatibleDirty; f != 0 {
		return nil, errors.Wrapf(vbin.ErrNotSupported, "qcow2 incompatible features %#x", f)
	}
	if h.IncompatibleFeatures&incompatibleDirty != 0 {
		d.log.Warnf("qcow2 image was not closed cleanly")
	}

	d.clusterSize = h.ClusterSize()
	perTable := d.clusterSize / 8
	need := (int64(h.VirtualSize) + d.clusterSize*perTable - 1) / (d.clusterSize * perTable)
	if int64(h.L1Size) < need {
		return nil, errors.Wrapf(ErrCorrupt, "L1 table of %d entries, disk needs %d", h.L1Size, need)
	}

	raw, err := vstream.ReadExact(file, int64(h.L1TableOffset), int(h.L1Size)*8)
	if err != nil {
		return nil, errors.Wrap(err, "reading L1 table")
	}
	d.l1 = make([]uint64, h.L1Size)
	for i := range d.l1 {
		d.l1[i] = binary.BigEndian.Uint64(raw[8*i:])
	}

	if h.BackingFileOffset != 0 && h.BackingFileSize != 0 {
		if h.BackingFileSize > maxBackingName {
			return nil, errors.Wrapf(ErrCorrupt, "backing file name of %d bytes", h.BackingFileSize)
		}
		name, err := vstream.ReadExact(file, int64(h.BackingFileOffset), int(h.BackingFileSize))
		if err != nil {
			return nil, errors.Wrap(err, "reading backing file name")
		}
		d.BackingFile = string(name)
	}

	return d, nil
}

func (d *Disk) Capacity() int64 {
	return int64(d.Header.VirtualSize)
}

func (d *Disk) Geometry() geometry.Geometry {
	return geometry.FromCapacity(d.Capacity())
}

func (d *Disk) IsSparse() bool {
	return true
}

func (d *Disk) NeedsParent() bool {
	return d.BackingFile != ""
}

func (d *Disk) ParentLocations() []string {
	if d.BackingFile == "" {
		return nil
	}
	return []string{d.BackingFile}
}

func (d *Disk) RelativeFileLocator() vdisk.FileLocator {
	return d.locator
}

func (d *Disk) table(i int64) ([]uint64, error) {
	if t, ok := d.tables.Get(i); ok {
		return *t, nil
	}
	n := int(d.clusterSize / 8)
	raw, err := vstream.ReadExact(d.file, int64(d.l1[i]&offsetMask), n*8)
	if err != nil {
		return nil, errors.Wrapf(err, "reading L2 table %d", i)
	}
	t := make([]uint64, n)
	for j := range t {
		t[j] = binary.BigEndian.Uint64(raw[8*j:])
	}
	d.tables.Set(i, &t)
	return t, nil
}

// BlockSize implements vstream.BlockMap.
func (d *Disk) BlockSize() int64 {
	return d.clusterSize
}

// Lookup implements vstream.BlockMap.
func (d *Disk) Lookup(cluster int64) (vstream.Allocation, error) {
	per := d.clusterSize / 8
	i := cluster / per
	if cluster < 0 || i >= int64(len(d.l1)) || d.l1[i]&offsetMask == 0 {
		return vstream.Allocation{}, nil
	}

	t, err := d.table(i)
	if err != nil {
		return vstream.Allocation{}, err
	}

	e := t[cluster%per]
	switch {
	case e&flagCompressed != 0:
		return vstream.Allocation{}, errors.Wrapf(vbin.ErrNotSupported, "compressed cluster %d", cluster)
	case d.Header.Version >= 3 && e&flagZero != 0:
		return vstream.Allocation{Present: true, Zero: true}, nil
	case e&offsetMask == 0:
		return vstream.Allocation{}, nil
	}
	return vstream.Allocation{Present: true, Offset: int64(e & offsetMask)}, nil
}

// OpenContent returns the guest view. Clusters an image with a backing file
// does not hold are read from parent.
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
		return nil, errors.Wrapf(vdisk.ErrParentNotFound, "backing file '%s' not supplied", d.BackingFile)
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
