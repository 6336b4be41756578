package vmdk

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/vorteil/vdisc/pkg/geometry"
)

const (
	// NoParent is the parentCID of disks that have no parent.
	NoParent = 0xFFFFFFFF

	descriptorMagic   = "# Disk DescriptorFile"
	descriptorSectors = 20
)

// Extent types.
const (
	ExtentSparse     = "SPARSE"
	ExtentFlat       = "FLAT"
	ExtentZero       = "ZERO"
	ExtentVMFS       = "VMFS"
	ExtentVMFSSparse = "VMFSSPARSE"
)

// ExtentDescriptor is one line of the extent description section.
type ExtentDescriptor struct {
	Access  string
	Sectors int64
	Type    string
	File    string
	Offset  int64
}

func (e ExtentDescriptor) String() string {
	s := fmt.Sprintf("%s %d %s", e.Access, e.Sectors, e.Type)
	if e.Type != ExtentZero {
		s += fmt.Sprintf(" %q", e.File)
	}
	if e.Offset != 0 {
		s += fmt.Sprintf(" %d", e.Offset)
	}
	return s
}

// Descriptor is the text that describes a VMDK disk: its identity, its
// parent and its extents.
type Descriptor struct {
	Version            int
	CID                uint32
	ParentCID          uint32
	CreateType         string
	ParentFileNameHint string
	Extents            []ExtentDescriptor
	DDB                map[string]string
}

// IsDescriptor reports whether data starts like a descriptor file.
func IsDescriptor(data []byte) bool {
	return strings.HasPrefix(strings.TrimLeft(string(data), " \t\r\n"), descriptorMagic)
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func parseExtent(line string) (ExtentDescriptor, error) {
	var e ExtentDescriptor

	fields := strings.Fields(line)
	if len(fields) < 3 {
		return e, errors.Errorf("short extent line '%s'", line)
	}
	e.Access = fields[0]
	e.Type = fields[2]

	sectors, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return e, errors.Wrapf(err, "extent size in '%s'", line)
	}
	e.Sectors = sectors

	if e.Type == ExtentZero {
		return e, nil
	}

	first := strings.IndexByte(line, '"')
	last := strings.LastIndexByte(line, '"')
	if first < 0 || last <= first {
		return e, errors.Errorf("extent line '%s' names no file", line)
	}
	e.File = line[first+1 : last]

	if rest := strings.TrimSpace(line[last+1:]); rest != "" {
		off, err := strconv.ParseInt(strings.Fields(rest)[0], 10, 64)
		if err != nil {
			return e, errors.Wrapf(err, "extent offset in '%s'", line)
		}
		e.Offset = off
	}
	return e, nil
}

func parseCID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "bad content id '%s'", s)
	}
	return uint32(v), nil
}

// ParseDescriptor parses descriptor text. Unknown keys are ignored.
func ParseDescriptor(text string) (*Descriptor, error) {
	if !IsDescriptor([]byte(text)) {
		return nil, errors.New("not a vmdk descriptor")
	}

	d := &Descriptor{
		Version:   1,
		CID:       NoParent,
		ParentCID: NoParent,
		DDB:       make(map[string]string),
	}

	s := bufio.NewScanner(strings.NewReader(text))
	for s.Scan() {
		line := strings.TrimSpace(strings.TrimRight(s.Text(), "\x00"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch strings.Fields(line)[0] {
		case "RW", "RDONLY", "NOACCESS":
			e, err := parseExtent(line)
			if err != nil {
				return nil, err
			}
			d.Extents = append(d.Extents, e)
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := unquote(line[eq+1:])

		var err error
		switch {
		case key == "version":
			d.Version, err = strconv.Atoi(val)
		case strings.EqualFold(key, "CID"):
			d.CID, err = parseCID(val)
		case strings.EqualFold(key, "parentCID"):
			d.ParentCID, err = parseCID(val)
		case key == "createType":
			d.CreateType = val
		case key == "parentFileNameHint":
			d.ParentFileNameHint = val
		case strings.HasPrefix(key, "ddb."):
			d.DDB[key] = val
		}
		if err != nil {
			return nil, err
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	return d, nil
}

// HasParent reports whether the descriptor belongs to a child disk.
func (d *Descriptor) HasParent() bool {
	return d.ParentCID != NoParent
}

// Sectors returns the sum of the extent sizes.
func (d *Descriptor) Sectors() int64 {
	var n int64
	for _, e := range d.Extents {
		n += e.Sectors
	}
	return n
}

// Geometry returns the geometry recorded in the disk database, or a zero
// geometry.
func (d *Descriptor) Geometry() geometry.Geometry {
	var v [3]int
	for i, k := range []string{"ddb.geometry.cylinders", "ddb.geometry.heads", "ddb.geometry.sectors"} {
		n, err := strconv.Atoi(d.DDB[k])
		if err != nil || n <= 0 {
			return geometry.Geometry{}
		}
		v[i] = n
	}
	return geometry.New(v[0], v[1], v[2])
}

// SetGeometry records g in the disk database.
func (d *Descriptor) SetGeometry(g geometry.Geometry) {
	if d.DDB == nil {
		d.DDB = make(map[string]string)
	}
	d.DDB["ddb.geometry.cylinders"] = strconv.Itoa(g.Cylinders)
	d.DDB["ddb.geometry.heads"] = strconv.Itoa(g.HeadsPerCylinder)
	d.DDB["ddb.geometry.sectors"] = strconv.Itoa(g.SectorsPerTrack)
}

func (d *Descriptor) String() string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "%s\nversion=%d\nCID=%08x\nparentCID=%08x\ncreateType=%q\n", descriptorMagic, d.Version, d.CID, d.ParentCID, d.CreateType)
	if d.ParentFileNameHint != "" {
		fmt.Fprintf(b, "parentFileNameHint=%q\n", d.ParentFileNameHint)
	}

	b.WriteString("\n# Extent description\n")
	for _, e := range d.Extents {
		fmt.Fprintln(b, e.String())
	}

	b.WriteString("\n# The Disk Data Base\n#DDB\n\n")
	keys := make([]string, 0, len(d.DDB))
	for k := range d.DDB {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s = %q\n", k, d.DDB[k])
	}
	return b.String()
}

func newDescriptor(createType string, sectors int64, name string) *Descriptor {
	d := &Descriptor{
		Version:    1,
		CID:        generateCID(),
		ParentCID:  NoParent,
		CreateType: createType,
		Extents: []ExtentDescriptor{
			{Access: "RW", Sectors: sectors, Type: ExtentSparse, File: name},
		},
		DDB: map[string]string{
			"ddb.virtualHWVersion": "10",
			"ddb.adapterType":      "ide",
		},
	}
	d.SetGeometry(geometry.FromCapacity(sectors * SectorSize))
	return d
}
