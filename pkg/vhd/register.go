package vhd

import (
	"io"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

func init() {
	err := vdisk.RegisterLayerFormat(vdisk.LayerFormat{
		Name:       "vhd",
		Extensions: []string{".vhd"},
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

	vdisk.RegisterWriter(vdisk.VHDFormat, ".vhd", writer(Dynamic))
	vdisk.RegisterWriter(vdisk.VHDDynamicFormat, ".vhd", writer(Dynamic))
	vdisk.RegisterWriter(vdisk.VHDFixedFormat, ".vhd", writer(Fixed))
}

func writer(typ DiskType) vdisk.WriteFunc {
	return func(w io.WriteSeeker, content vstream.SparseStream, log elog.Logger) error {
		log.Debugf("writing %s vhd of %d bytes", typ, content.Length())
		return Convert(content, w, typ)
	}
}
