package vdisk

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/partitions"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// MaxChainDepth bounds the number of layers in a differencing chain.
const MaxChainDepth = 64

// LayerInfo describes one layer of an opened disk.
type LayerInfo struct {
	Path   string
	Format string
	Layer  Layer
}

// VirtualDisk is a fully resolved chain of layers.
type VirtualDisk struct {
	chain   []LayerInfo
	own     vstream.Ownership
	log     elog.Logger
	content vstream.SparseStream
	table   partitions.Table
	probed  bool
	closed  bool
}

// OpenDisk opens the image at path and every parent it depends on. The chain
// is resolved completely before OpenDisk returns; a parent that cannot be
// found fails with ErrParentNotFound. A nil locator resolves paths against
// the working directory.
func OpenDisk(path string, locator FileLocator, log elog.Logger) (*VirtualDisk, error) {
	log = elog.OrDiscard(log)
	if locator == nil {
		locator = NewLocalFileLocator(".")
	}

	var chain []LayerInfo
	fail := func(err error) (*VirtualDisk, error) {
		for _, l := range chain {
			_ = l.Layer.Close()
		}
		return nil, err
	}

	seen := make(map[string]bool)
	loc, name := locator, path
	for {
		resolved := loc.Resolve(name)
		key := resolved
		if abs, err := filepath.Abs(resolved); err == nil {
			key = abs
		}
		if seen[key] {
			return fail(fmt.Errorf("%w: %s", ErrParentCycle, resolved))
		}
		seen[key] = true

		if len(chain) == MaxChainDepth {
			return fail(fmt.Errorf("differencing chain of '%s' is deeper than %d layers", path, MaxChainDepth))
		}

		stream, err := loc.Open(name)
		if err != nil {
			return fail(fmt.Errorf("opening layer '%s': %w", resolved, err))
		}

		f := detectLayerFormat(resolved, stream, log)
		layer, err := f.Open(stream, vstream.Dispose, loc.Relative(name), log)
		if err != nil {
			_ = stream.Close()
			return fail(fmt.Errorf("opening %s image '%s': %w", f.Name, resolved, err))
		}
		chain = append(chain, LayerInfo{Path: resolved, Format: f.Name, Layer: layer})

		if !layer.NeedsParent() {
			break
		}

		parentLoc := layer.RelativeFileLocator()
		if parentLoc == nil {
			parentLoc = loc.Relative(name)
		}

		candidates := layer.ParentLocations()
		next := ""
		for _, c := range candidates {
			if parentLoc.Exists(c) {
				next = c
				break
			}
		}
		if next == "" {
			return fail(fmt.Errorf("%w: '%s' refers to [%s]", ErrParentNotFound, resolved, strings.Join(candidates, ", ")))
		}

		log.Debugf("%s: parent is %s", resolved, parentLoc.Resolve(next))
		loc, name = parentLoc, next
	}

	return &VirtualDisk{chain: chain, own: vstream.Dispose, log: log}, nil
}

// NewDisk builds a disk from layers the caller has opened, most specific
// first. Every layer but the last must need a parent and the last must not.
// With Dispose, closing the disk closes the layers.
func NewDisk(own vstream.Ownership, log elog.Logger, layers ...Layer) (*VirtualDisk, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("a disk needs at least one layer")
	}

	d := &VirtualDisk{own: own, log: elog.OrDiscard(log)}
	for i, l := range layers {
		last := i == len(layers)-1
		if last && l.NeedsParent() {
			return nil, fmt.Errorf("%w: layer %d is differencing but has no parent", ErrParentNotFound, i)
		}
		if !last && !l.NeedsParent() {
			return nil, fmt.Errorf("layer %d does not take a parent but %d more layers follow it", i, len(layers)-1-i)
		}
		d.chain = append(d.chain, LayerInfo{Format: fmt.Sprintf("%T", l), Layer: l})
	}
	return d, nil
}

// Content returns the composed content of the disk. Layers are composed once,
// from the base up; the stream stays owned by the disk.
func (d *VirtualDisk) Content() (vstream.SparseStream, error) {
	if d.closed {
		return nil, vstream.ErrClosed
	}
	if d.content != nil {
		return d.content, nil
	}

	var content vstream.SparseStream
	for i := len(d.chain) - 1; i >= 0; i-- {
		own := vstream.None
		if content != nil {
			own = vstream.Dispose
		}
		next, err := d.chain[i].Layer.OpenContent(content, own)
		if err != nil {
			if content != nil {
				_ = content.Close()
			}
			return nil, fmt.Errorf("opening content of layer '%s': %w", d.chain[i].Path, err)
		}
		content = next
	}

	d.content = content
	return content, nil
}

// Layers returns the chain, most specific first.
func (d *VirtualDisk) Layers() []LayerInfo {
	return append([]LayerInfo(nil), d.chain...)
}

func (d *VirtualDisk) top() Layer {
	return d.chain[0].Layer
}

func (d *VirtualDisk) Capacity() int64 {
	return d.top().Capacity()
}

func (d *VirtualDisk) Geometry() geometry.Geometry {
	return d.top().Geometry()
}

func (d *VirtualDisk) IsSparse() bool {
	return d.top().IsSparse()
}

func (d *VirtualDisk) DiskClass() DiskClass {
	return ClassOf(d.Capacity())
}

// Partitions returns the partition table of the disk, or nil if it is not
// partitioned.
func (d *VirtualDisk) Partitions() (partitions.Table, error) {
	if d.probed {
		return d.table, nil
	}

	content, err := d.Content()
	if err != nil {
		return nil, err
	}

	t, err := partitions.Detect(content, d.log)
	if err != nil {
		return nil, err
	}
	d.table, d.probed = t, true
	return t, nil
}

func (d *VirtualDisk) IsPartitioned() (bool, error) {
	t, err := d.Partitions()
	return t != nil, err
}

// Close releases the composed content and then, most specific first, every
// layer the disk owns.
func (d *VirtualDisk) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	var first error
	if d.content != nil {
		first = d.content.Close()
		d.content = nil
	}

	if d.own != vstream.Dispose {
		return first
	}
	for _, l := range d.chain {
		if err := l.Layer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
