package vdi

import (
	"io"

	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

func init() {
	err := vdisk.RegisterLayerFormat(vdisk.LayerFormat{
		Name:       "vdi",
		Extensions: []string{".vdi"},
		Probe:      Probe,
		Open: func(s vstream.SparseStream, own vstream.Ownership, _ vdisk.FileLocator, log elog.Logger) (vdisk.Layer, error) {
			d, err := Open(s, own, log)
			if err != nil {
				return nil, err
			}
			return d, nil
		},
	})
	if err != nil {
		panic(err)
	}

	vdisk.RegisterWriter(vdisk.VDIFormat, ".vdi", func(w io.WriteSeeker, content vstream.SparseStream, log elog.Logger) error {
		log.Debugf("writing vdi of %d bytes", content.Length())
		return Convert(content, w)
	})
}

// Convert writes content to w as a dynamically allocated VDI.
func Convert(content vstream.SparseStream, w io.WriteSeeker) error {
	vw, err := NewWriter(w, vstream.Holes(content))
	if err != nil {
		return err
	}
	if _, err = vstream.Pump(vw, content); err != nil {
		return errors.Wrap(err, "copying disk content")
	}
	return vw.Close()
}
