package qcow2

import (
	"io"

	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

func init() {
	err := vdisk.RegisterLayerFormat(vdisk.LayerFormat{
		Name:       "qcow2",
		Extensions: []string{".qcow2", ".qcow"},
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

	vdisk.RegisterWriter(vdisk.QCOW2Format, ".qcow2", func(w io.WriteSeeker, content vstream.SparseStream, log elog.Logger) error {
		log.Debugf("writing qcow2 of %d bytes", content.Length())
		return Convert(content, w)
	})
}

// Convert writes content to w as a standalone qcow2 image.
func Convert(content vstream.SparseStream, w io.WriteSeeker) error {
	qw, err := NewWriter(w, vstream.Holes(content))
	if err != nil {
		return err
	}
	if _, err = vstream.Pump(qw, content); err != nil {
		return errors.Wrap(err, "copying disk content")
	}
	return qw.Close()
}
