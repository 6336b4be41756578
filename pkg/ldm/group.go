package ldm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// Volume reconstruction errors.
var (
	ErrMissingDisk       = errors.New("ldm volume needs a disk that is not present")
	ErrUnsupportedLayout = errors.New("unsupported ldm volume layout")
	ErrNoVolume          = errors.New("no such ldm volume")
	ErrGroupMismatch     = errors.New("disk belongs to another disk group")
)

// VolumeStatus summarizes whether a volume can be read.
type VolumeStatus int

// Volume states.
const (
	StatusHealthy VolumeStatus = iota
	StatusFailedRedundancy
	StatusFailed
	StatusUnsupported
)

func (s VolumeStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusFailedRedundancy:
		return "failed-redundancy"
	case StatusFailed:
		return "failed"
	case StatusUnsupported:
		return "unsupported"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// VolumeInfo describes a volume of a disk group. Size is in bytes.
type VolumeInfo struct {
	ID       uint64
	GUID     uuid.UUID
	Name     string
	TypeName string
	BIOSType byte
	Size     int64
	Layout   string
	Plexes   int
	Status   VolumeStatus
}

// DiskGroup is the set of dynamic disks that share a group id.
type DiskGroup struct {
	id    uuid.UUID
	name  string
	disks map[uuid.UUID]*DynamicDisk
	db    *Database
	log   elog.Logger
}

// NewDiskGroup returns an empty group with the given identity.
func NewDiskGroup(id uuid.UUID, log elog.Logger) *DiskGroup {
	return &DiskGroup{
		id:    id,
		disks: make(map[uuid.UUID]*DynamicDisk),
		log:   elog.OrDiscard(log),
	}
}

// Add makes d a member of the group. The database used for the group is the
// most recently committed one among its members.
func (g *DiskGroup) Add(d *DynamicDisk) error {
	if d.GroupID() != g.id {
		return fmt.Errorf("%w: %s is in %s, not %s", ErrGroupMismatch, d.ID(), d.GroupID(), g.id)
	}
	g.disks[d.ID()] = d
	if g.db == nil || d.db.header.CommittedSequence > g.db.header.CommittedSequence {
		g.db = d.db
		g.name = d.header.DiskGroupName
	}
	return nil
}

func (g *DiskGroup) ID() uuid.UUID {
	return g.id
}

func (g *DiskGroup) Name() string {
	return g.name
}

func (g *DiskGroup) Database() *Database {
	return g.db
}

// Disks returns the members present, ordered by id.
func (g *DiskGroup) Disks() []*DynamicDisk {
	out := make([]*DynamicDisk, 0, len(g.disks))
	for _, d := range g.disks {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID().String() < out[j].ID().String()
	})
	return out
}

// Volumes describes every volume in the group database.
func (g *DiskGroup) Volumes() []VolumeInfo {
	if g.db == nil {
		return nil
	}
	var out []VolumeInfo
	for _, v := range g.db.Volumes() {
		out = append(out, g.describe(v))
	}
	return out
}

func (g *DiskGroup) describe(v *VolumeRecord) VolumeInfo {
	info := VolumeInfo{
		ID:       v.ID,
		GUID:     v.VolumeGUID,
		Name:     v.Name,
		TypeName: v.TypeName,
		BIOSType: v.BIOSType,
		Size:     v.Size * SectorSize,
	}

	comps := g.db.Components(v.ID)
	info.Plexes = len(comps)
	healthy := 0
	var last error
	for _, c := range comps {
		info.Layout = c.Layout.String()
		if err := g.checkComponent(c); err != nil {
			last = err
			continue
		}
		healthy++
	}
	if len(comps) > 1 {
		info.Layout = "mirrored"
	}

	switch {
	case len(comps) == 0:
		info.Status = StatusFailed
	case healthy == len(comps):
		info.Status = StatusHealthy
	case healthy > 0:
		info.Status = StatusFailedRedundancy
	case errors.Is(last, ErrUnsupportedLayout):
		info.Status = StatusUnsupported
	default:
		info.Status = StatusFailed
	}
	return info
}

// checkComponent reports why a component cannot be opened, if it cannot.
func (g *DiskGroup) checkComponent(c *ComponentRecord) error {
	if c.Layout == LayoutRAID5 {
		return fmt.Errorf("%w: %s", ErrUnsupportedLayout, c.Layout)
	}
	for _, e := range g.db.Extents(c.ID) {
		if _, err := g.member(e); err != nil {
			return err
		}
	}
	return nil
}

func (g *DiskGroup) member(e *ExtentRecord) (*DynamicDisk, error) {
	rec, err := g.db.Disk(e.DiskID)
	if err != nil {
		return nil, fmt.Errorf("%w: extent %d: %v", ErrMissingDisk, e.ID, err)
	}
	d, ok := g.disks[rec.DiskGUID]
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrMissingDisk, rec.Name, rec.DiskGUID)
	}
	return d, nil
}

// FindVolume returns the volume record whose GUID is id.
func (g *DiskGroup) FindVolume(id uuid.UUID) (*VolumeRecord, error) {
	if g.db != nil {
		for _, v := range g.db.Volumes() {
			if v.VolumeGUID == id {
				return v, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoVolume, id)
}

// OpenVolume returns the content of the volume with the given record id.
// Mirrored volumes are read from their first complete plex. The stream
// does not own the member disks' content.
func (g *DiskGroup) OpenVolume(volumeID uint64) (vstream.SparseStream, error) {
	if g.db == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoVolume, volumeID)
	}
	rec, err := g.db.Record(volumeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrNoVolume, volumeID)
	}
	v, ok := rec.(*VolumeRecord)
	if !ok {
		return nil, fmt.Errorf("%w: record %d is a %s", ErrNoVolume, volumeID, rec.Common().Type)
	}

	comps := g.db.Components(v.ID)
	if len(comps) == 0 {
		return nil, fmt.Errorf("volume %s has no components: %w", v.Name, ErrMissingDisk)
	}

	var last error
	for _, c := range comps {
		s, err := g.openComponent(c)
		if err != nil {
			g.log.Debugf("volume %s: skipping plex %s: %v", v.Name, c.Name, err)
			last = err
			continue
		}
		size := v.Size * SectorSize
		if size > s.Length() || size == 0 {
			size = s.Length()
		}
		view, err := vstream.NewSubStream(s, 0, size)
		if err != nil {
			s.Close()
			return nil, err
		}
		return &ownedView{SparseStream: view, inner: s}, nil
	}
	return nil, fmt.Errorf("volume %s: %w", v.Name, last)
}

func (g *DiskGroup) openComponent(c *ComponentRecord) (vstream.SparseStream, error) {
	if err := g.checkComponent(c); err != nil {
		return nil, err
	}

	extents := g.db.Extents(c.ID)
	if len(extents) == 0 {
		return nil, fmt.Errorf("component %s has no extents: %w", c.Name, ErrMissingDisk)
	}

	parts := make([]vstream.SparseStream, 0, len(extents))
	for _, e := range extents {
		d, _ := g.member(e)
		s, err := vstream.NewSubStream(d.content, d.DataOffset()+e.DiskOffset*SectorSize, e.Size*SectorSize)
		if err != nil {
			return nil, fmt.Errorf("extent %s: %w", e.Name, err)
		}
		parts = append(parts, s)
	}

	switch c.Layout {
	case LayoutStriped:
		cols := orderColumns(extents, parts)
		return vstream.NewStripedStream(c.StripeSize*SectorSize, vstream.Dispose, cols...)

	case LayoutSpanned:
		var joined []vstream.SparseStream
		var pos int64
		for i, e := range extents {
			if gap := e.VolumeOffset*SectorSize - pos; gap > 0 {
				joined = append(joined, vstream.NewZeroStream(gap))
				pos += gap
			}
			joined = append(joined, parts[i])
			pos += parts[i].Length()
		}
		return vstream.NewConcatStream(vstream.Dispose, joined...), nil
	}

	for _, p := range parts {
		p.Close()
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedLayout, c.Layout)
}

// orderColumns returns the extents' streams ordered by column index.
func orderColumns(extents []*ExtentRecord, parts []vstream.SparseStream) []vstream.SparseStream {
	idx := make([]int, len(extents))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return extents[idx[a]].Index < extents[idx[b]].Index
	})
	cols := make([]vstream.SparseStream, len(idx))
	for i, k := range idx {
		cols[i] = parts[k]
	}
	return cols
}

// ownedView closes the composed stream a volume view was cut from.
type ownedView struct {
	vstream.SparseStream
	inner vstream.SparseStream
}

func (v *ownedView) Close() error {
	err := v.SparseStream.Close()
	if cerr := v.inner.Close(); err == nil {
		err = cerr
	}
	return err
}
