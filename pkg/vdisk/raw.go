package vdisk

import (
	"fmt"

	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/partitions"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// RawLayer is a flat disk image: every byte of the file is a byte of the
// disk.
type RawLayer struct {
	stream vstream.SparseStream
	own    vstream.Ownership
	geom   geometry.Geometry
	closed bool
}

// NewRawLayer wraps stream as a raw disk. A zero geom is detected from the
// content.
func NewRawLayer(stream vstream.SparseStream, own vstream.Ownership, geom geometry.Geometry) *RawLayer {
	if geom.IsZero() {
		geom = DetectGeometry(stream)
	}
	return &RawLayer{stream: stream, own: own, geom: geom}
}

// DetectGeometry tries an exact floppy match first, then the CHS values of
// the partition table, and finally a generic approximation from the size.
func DetectGeometry(stream vstream.SparseStream) geometry.Geometry {
	if g, ok := geometry.Floppy(stream.Length()); ok {
		return g
	}
	return partitions.DetectGeometry(stream)
}

// InitializeRaw prepares stream as an empty raw disk of at least capacity
// bytes. The first sector is zeroed so no stale partition table survives.
func InitializeRaw(stream vstream.SparseStream, own vstream.Ownership, capacity int64) (*RawLayer, error) {
	return initialize(stream, own, capacity, geometry.Geometry{})
}

// InitializeFloppy prepares stream as an empty floppy of the given kind.
func InitializeFloppy(stream vstream.SparseStream, own vstream.Ownership, kind geometry.FloppyType) (*RawLayer, error) {
	g, err := geometry.FloppyGeometry(kind)
	if err != nil {
		return nil, err
	}
	return initialize(stream, own, g.Capacity(), g)
}

func initialize(stream vstream.SparseStream, own vstream.Ownership, capacity int64, geom geometry.Geometry) (*RawLayer, error) {
	if !stream.CanWrite() {
		return nil, vstream.ErrReadOnly
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid disk capacity %d", capacity)
	}

	capacity = (capacity + geometry.SectorSize - 1) / geometry.SectorSize * geometry.SectorSize
	if stream.Length() < capacity {
		if _, err := stream.WriteAt([]byte{0}, capacity-1); err != nil {
			return nil, err
		}
	}
	if _, err := stream.WriteAt(make([]byte, geometry.SectorSize), 0); err != nil {
		return nil, err
	}

	if geom.IsZero() {
		geom = geometry.FromCapacity(capacity)
	}
	return NewRawLayer(stream, own, geom), nil
}

func (l *RawLayer) Capacity() int64 {
	return l.stream.Length()
}

func (l *RawLayer) Geometry() geometry.Geometry {
	return l.geom
}

func (l *RawLayer) IsSparse() bool {
	return false
}

func (l *RawLayer) NeedsParent() bool {
	return false
}

func (l *RawLayer) ParentLocations() []string {
	return nil
}

func (l *RawLayer) RelativeFileLocator() FileLocator {
	return nil
}

// DiskClass reports whether the image is a floppy.
func (l *RawLayer) DiskClass() DiskClass {
	return ClassOf(l.Capacity())
}

// OpenContent returns a view of the image. A raw image fully overrides any
// parent, so an owned parent is closed straight away.
func (l *RawLayer) OpenContent(parent vstream.SparseStream, owns vstream.Ownership) (vstream.SparseStream, error) {
	if l.closed {
		return nil, vstream.ErrClosed
	}
	if parent != nil && owns == vstream.Dispose {
		if err := parent.Close(); err != nil {
			return nil, err
		}
	}
	return vstream.FromStream(l.stream, vstream.None)
}

func (l *RawLayer) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.own == vstream.Dispose {
		return l.stream.Close()
	}
	return nil
}
