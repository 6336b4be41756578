package vhdx

import (
	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

func init() {
	err := vdisk.RegisterLayerFormat(vdisk.LayerFormat{
		Name:       "vhdx",
		Extensions: []string{".vhdx", ".avhdx"},
		Probe:      Probe,
		Open:       open,
	})
	if err != nil {
		panic(err)
	}
}

// Probe reports whether s starts with the vhdx file signature.
func Probe(s vstream.SparseStream) bool {
	sig, err := vstream.ReadExact(s, 0, len(FileSignature))
	return err == nil && string(sig) == FileSignature
}

// open identifies the image, then refuses it. Nothing is taken from s, so
// the caller keeps ownership on failure.
func open(s vstream.SparseStream, _ vstream.Ownership, _ vdisk.FileLocator, log elog.Logger) (vdisk.Layer, error) {
	info, err := ReadInfo(s)
	if err != nil {
		return nil, err
	}
	elog.OrDiscard(log).Debugf("vhdx image created by '%s', header sequence %d, version %d",
		info.Identifier.Creator, info.Header.SequenceNumber, info.Header.Version)
	return nil, errors.Wrap(vbin.ErrNotSupported, "reading vhdx content")
}
