package vdisk

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// Format names an image format that disks can be written as.
type Format string

// Output formats.
const (
	RAWFormat                 Format = "raw"
	VMDKFormat                Format = "vmdk"
	VMDKSparseFormat          Format = "vmdk-sparse"
	VMDKStreamOptimizedFormat Format = "vmdk-stream-optimized"
	VHDFormat                 Format = "vhd"
	VHDFixedFormat            Format = "vhd-fixed"
	VHDDynamicFormat          Format = "vhd-dynamic"
	QCOW2Format               Format = "qcow2"
	VDIFormat                 Format = "vdi"
)

// WriteFunc writes content to w in some image format.
type WriteFunc func(w io.WriteSeeker, content vstream.SparseStream, log elog.Logger) error

var (
	suffixes = map[Format]string{
		RAWFormat:                 ".raw",
		VMDKFormat:                ".vmdk",
		VMDKSparseFormat:          ".vmdk",
		VMDKStreamOptimizedFormat: ".vmdk",
		VHDFormat:                 ".vhd",
		VHDFixedFormat:            ".vhd",
		VHDDynamicFormat:          ".vhd",
		QCOW2Format:               ".qcow2",
		VDIFormat:                 ".vdi",
	}

	writers = map[Format]WriteFunc{
		RAWFormat: writeRAW,
	}
)

// AllFormatStrings returns the names of every output format with a writer.
func AllFormatStrings() []string {
	strs := make([]string, 0, len(writers))
	for k := range writers {
		strs = append(strs, k.String())
	}
	sort.Strings(strs)
	return strs
}

// RegisterWriter adds or replaces the writer for an output format.
func RegisterWriter(format Format, suffix string, fn WriteFunc) {
	writers[format] = fn
	suffixes[format] = suffix
}

func (x Format) String() string {
	return string(x)
}

// MarshalText implements encoding.TextMarshaler.
func (x Format) MarshalText() (text []byte, err error) {
	return []byte(x.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (x *Format) UnmarshalText(text []byte) error {
	var err error
	*x, err = ParseFormat(string(text))
	return err
}

// MarshalJSON implements json.Marshaler.
func (x Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (x *Format) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var err error
	*x, err = ParseFormat(s)
	return err
}

// ParseFormat resolves a string into a Format. The empty string is raw.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return RAWFormat, nil
	}

	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := writers[f]; !ok {
		return RAWFormat, fmt.Errorf("%w '%s'", ErrUnknownFormat, s)
	}
	return f, nil
}

// Suffix returns the conventional file extension of the format.
func (x Format) Suffix() string {
	return suffixes[x]
}

// Write writes content to w in this format.
func (x Format) Write(w io.WriteSeeker, content vstream.SparseStream, log elog.Logger) error {
	fn, ok := writers[x]
	if !ok {
		return fmt.Errorf("%w '%s'", ErrUnknownFormat, x)
	}
	return fn(w, content, elog.OrDiscard(log))
}

func writeRAW(w io.WriteSeeker, content vstream.SparseStream, log elog.Logger) error {
	n, err := vstream.Pump(w, content)
	if err != nil {
		return err
	}
	log.Debugf("wrote %d bytes of raw image", n)
	return nil
}

// LayerFormat describes how to recognize and open one kind of image layer.
type LayerFormat struct {
	Name       string
	Extensions []string

	// Probe reports whether stream holds an image of this format. It
	// should only look at headers and footers.
	Probe func(stream vstream.SparseStream) bool

	// Open builds a layer over stream. locator resolves paths relative to
	// the image, for formats that reference a parent. Open leaves stream
	// open when it fails.
	Open func(stream vstream.SparseStream, own vstream.Ownership, locator FileLocator, log elog.Logger) (Layer, error)
}

var layerFormats []*LayerFormat

// RegisterLayerFormat makes a layer format available to OpenLayer and
// OpenDisk. Formats are probed in registration order.
func RegisterLayerFormat(f LayerFormat) error {
	if f.Name == "" || f.Probe == nil || f.Open == nil {
		return fmt.Errorf("refusing to register incomplete layer format '%s'", f.Name)
	}
	if LookupLayerFormat(f.Name) != nil {
		return fmt.Errorf("refusing to register layer format '%s': already registered", f.Name)
	}
	layerFormats = append(layerFormats, &f)
	return nil
}

// LookupLayerFormat returns the registered format with the given name.
func LookupLayerFormat(name string) *LayerFormat {
	if name == RAWFormat.String() {
		return rawLayerFormat
	}
	for _, f := range layerFormats {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// LayerFormats returns the names of all registered layer formats, raw
// included.
func LayerFormats() []string {
	names := []string{rawLayerFormat.Name}
	for _, f := range layerFormats {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

var rawLayerFormat = &LayerFormat{
	Name:       RAWFormat.String(),
	Extensions: []string{".raw", ".img", ".bin", ".flp", ".ima"},
	Probe:      func(vstream.SparseStream) bool { return true },
	Open: func(stream vstream.SparseStream, own vstream.Ownership, _ FileLocator, _ elog.Logger) (Layer, error) {
		return NewRawLayer(stream, own, geometry.Geometry{}), nil
	},
}

// detectLayerFormat probes the registered formats. Raw is the fallback and
// always matches.
func detectLayerFormat(path string, stream vstream.SparseStream, log elog.Logger) *LayerFormat {
	for _, f := range layerFormats {
		if f.Probe(stream) {
			log.Debugf("%s: detected %s image", path, f.Name)
			return f
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	for _, f := range layerFormats {
		for _, e := range f.Extensions {
			if e == ext {
				log.Warnf("%s: extension suggests %s but the image does not look like one, reading as raw", path, f.Name)
			}
		}
	}
	return rawLayerFormat
}

// OpenLayer opens stream as a layer, detecting its format. Ownership of
// stream passes to the layer as given by own, also when an error is
// returned.
func OpenLayer(path string, stream vstream.SparseStream, own vstream.Ownership, locator FileLocator, log elog.Logger) (Layer, error) {
	log = elog.OrDiscard(log)
	f := detectLayerFormat(path, stream, log)
	l, err := f.Open(stream, own, locator, log)
	if err != nil {
		if own == vstream.Dispose {
			_ = stream.Close()
		}
		return nil, fmt.Errorf("opening %s image '%s': %w", f.Name, path, err)
	}
	return l, nil
}
