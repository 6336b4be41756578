// Package imagetools builds the reports the vdisc command prints about
// disks, partitions and volumes.
package imagetools

import (
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// LayerReport : Info on one layer of a disk
type LayerReport struct {
	Path         string
	Format       string
	Capacity     int64
	Sparse       bool
	Differencing bool
	Parents      []string `json:",omitempty"`
}

// DiskReport : Info on a virtual disk
type DiskReport struct {
	Path     string
	Format   string
	Capacity int64
	Geometry string
	Class    string
	Sparse   bool
	Stored   int64
	Layers   []LayerReport
}

// Disk returns a summary of an opened disk.
func Disk(disk *vdisk.VirtualDisk) (DiskReport, error) {
	var report DiskReport

	layers := disk.Layers()
	if len(layers) > 0 {
		report.Path = layers[0].Path
		report.Format = layers[0].Format
	}
	report.Capacity = disk.Capacity()
	report.Geometry = disk.Geometry().String()
	report.Class = disk.DiskClass().String()
	report.Sparse = disk.IsSparse()

	for _, l := range layers {
		report.Layers = append(report.Layers, LayerReport{
			Path:         l.Path,
			Format:       l.Format,
			Capacity:     l.Layer.Capacity(),
			Sparse:       l.Layer.IsSparse(),
			Differencing: l.Layer.NeedsParent(),
			Parents:      l.Layer.ParentLocations(),
		})
	}

	content, err := disk.Content()
	if err != nil {
		return report, err
	}
	report.Stored = vstream.Total(content.Extents())

	return report, nil
}
