package vmdk

import (
	"io"

	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

func init() {
	err := vdisk.RegisterLayerFormat(vdisk.LayerFormat{
		Name:       "vmdk",
		Extensions: []string{".vmdk"},
		Probe:      Probe,
		Open: func(s vstream.SparseStream, own vstream.Ownership, loc vdisk.FileLocator, log elog.Logger) (vdisk.Layer, error) {
			d, err := Open(s, own, loc, log)
			if err != nil {
				return nil, err
			}
			return d, nil
		},
	})
	if err != nil {
		panic(err)
	}

	vdisk.RegisterWriter(vdisk.VMDKFormat, ".vmdk", writeSparse)
	vdisk.RegisterWriter(vdisk.VMDKSparseFormat, ".vmdk", writeSparse)
	vdisk.RegisterWriter(vdisk.VMDKStreamOptimizedFormat, ".vmdk", writeStreamOptimized)
}

// Convert writes content to w as a monolithic sparse VMDK.
func Convert(content vstream.SparseStream, w io.WriteSeeker) error {
	sw, err := NewSparseWriter(w, vstream.Holes(content))
	if err != nil {
		return err
	}
	if _, err = vstream.Pump(sw, content); err != nil {
		return errors.Wrap(err, "copying disk content")
	}
	return sw.Close()
}

// ConvertStreamOptimized writes content to w as a stream-optimized VMDK.
func ConvertStreamOptimized(content vstream.SparseStream, w io.WriteSeeker) error {
	sw, err := NewStreamOptimizedWriter(w, vstream.Holes(content))
	if err != nil {
		return err
	}
	if _, err = vstream.Pump(sw, content); err != nil {
		return errors.Wrap(err, "copying disk content")
	}
	return sw.Close()
}

func writeSparse(w io.WriteSeeker, content vstream.SparseStream, log elog.Logger) error {
	log.Debugf("writing sparse vmdk of %d bytes", content.Length())
	return Convert(content, w)
}

func writeStreamOptimized(w io.WriteSeeker, content vstream.SparseStream, log elog.Logger) error {
	log.Debugf("writing stream-optimized vmdk of %d bytes", content.Length())
	return ConvertStreamOptimized(content, w)
}
