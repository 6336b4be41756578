// Package volumes enumerates the volumes of a set of disks: the partitions
// of each disk (or the whole disk when it has no partition table) and the
// volumes of any LDM disk groups the disks belong to.
package volumes

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/ldm"
	"github.com/vorteil/vdisc/pkg/partitions"
	"github.com/vorteil/vdisc/pkg/vcache"
	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// ErrNoVolume is returned for identities the manager does not know.
var ErrNoVolume = errors.New("no such volume")

// Kind separates volumes found on one disk from volumes assembled by a
// volume manager.
type Kind int

// Volume kinds.
const (
	Physical Kind = iota
	Dynamic
)

func (k Kind) String() string {
	if k == Dynamic {
		return "dynamic"
	}
	return "physical"
}

// VolumeInfo describes one volume. The same identity always yields the
// same *VolumeInfo from a Manager while the value is in use.
type VolumeInfo struct {
	Identity string
	Kind     Kind

	// Type is where a physical volume comes from. It is meaningless for
	// dynamic volumes.
	Type partitions.VolumeType

	// DiskIndex is the position of the disk holding a physical volume in
	// the order disks were added, or -1 for dynamic volumes.
	DiskIndex int

	// Partition is nil for whole disks and dynamic volumes.
	Partition partitions.Info

	Name     string
	BIOSType byte
	GUIDType uuid.UUID
	Length   int64

	// Status applies to dynamic volumes.
	Status ldm.VolumeStatus

	open func() (vstream.SparseStream, error)
}

// Open returns the content of the volume. Offset 0 is the first byte of
// the volume. Closing the stream leaves the disks open.
func (v *VolumeInfo) Open() (vstream.SparseStream, error) {
	return v.open()
}

func (v *VolumeInfo) String() string {
	if v.Name != "" {
		return fmt.Sprintf("%s (%s)", v.Identity, v.Name)
	}
	return v.Identity
}

type member struct {
	disk    *vdisk.VirtualDisk
	dynamic *ldm.DynamicDisk
}

// Manager tracks disks and the volumes on them. It is not safe for
// concurrent use.
type Manager struct {
	log    elog.Logger
	disks  []member
	groups map[uuid.UUID]*ldm.DiskGroup
	cache  *vcache.Cache[string, VolumeInfo]
}

// NewManager returns a manager holding disks.
func NewManager(log elog.Logger, disks ...*vdisk.VirtualDisk) (*Manager, error) {
	m := &Manager{
		log:    elog.OrDiscard(log),
		groups: make(map[uuid.UUID]*ldm.DiskGroup),
		cache:  vcache.New[string, VolumeInfo](),
	}
	for _, d := range disks {
		if err := m.AddDisk(d); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddDisk makes the volumes of disk known to the manager. The manager does
// not own the disk.
func (m *Manager) AddDisk(disk *vdisk.VirtualDisk) error {
	for _, x := range m.disks {
		if x.disk == disk {
			return nil
		}
	}

	dd, err := ldm.OpenDynamicDisk(disk, m.log)
	if err != nil {
		return fmt.Errorf("reading disk %d: %w", len(m.disks), err)
	}
	m.disks = append(m.disks, member{disk: disk, dynamic: dd})
	if dd == nil {
		return nil
	}

	g, ok := m.groups[dd.GroupID()]
	if !ok {
		g = ldm.NewDiskGroup(dd.GroupID(), m.log)
		m.groups[dd.GroupID()] = g
	}
	m.log.Debugf("disk %d is dynamic disk %s of group %s", len(m.disks)-1, dd.ID(), dd.GroupID())
	return g.Add(dd)
}

// Disks returns the disks in the order they were added.
func (m *Manager) Disks() []*vdisk.VirtualDisk {
	out := make([]*vdisk.VirtualDisk, len(m.disks))
	for i, x := range m.disks {
		out[i] = x.disk
	}
	return out
}

// DiskGroups returns the LDM disk groups, ordered by id.
func (m *Manager) DiskGroups() []*ldm.DiskGroup {
	out := make([]*ldm.DiskGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID().String() < out[j].ID().String()
	})
	return out
}

// intern returns the cached volume for id, building it if needed.
func (m *Manager) intern(id string, build func() *VolumeInfo) *VolumeInfo {
	if v, ok := m.cache.Get(id); ok {
		return v
	}
	v := build()
	v.Identity = id
	m.cache.Set(id, v)
	return v
}

func isLDMPartition(p partitions.Info) bool {
	if p.VolumeType() == partitions.VolumeGPTPartition {
		t := p.GUIDType()
		return t == partitions.TypeLDMMetadata || t == partitions.TypeLDMData
	}
	return p.BIOSType() == partitions.BIOSTypeWindowsDynamic
}

func partitionIdentity(index int, t partitions.Table, p partitions.Info) string {
	switch t.Kind() {
	case partitions.GPT:
		return fmt.Sprintf("VPG{%s}", p.UniqueGUID())
	case partitions.BIOS:
		if sig := t.(*partitions.BIOSTable).DiskSignature(); sig != 0 {
			return fmt.Sprintf("VPD:%08x:%x", sig, p.FirstSector()*partitions.SectorSize)
		}
	}
	return fmt.Sprintf("VPD:disk%d:%d", index, p.Index())
}

// PhysicalVolumes returns the partitions of every disk, or the disk itself
// when it is not partitioned. Partitions holding LDM metadata or data on
// dynamic disks are left out; their content is reached through
// LogicalVolumes.
func (m *Manager) PhysicalVolumes() ([]*VolumeInfo, error) {
	var out []*VolumeInfo
	for i, x := range m.disks {
		t, err := x.disk.Partitions()
		if err != nil {
			return nil, fmt.Errorf("disk %d: %w", i, err)
		}

		if t == nil {
			out = append(out, m.wholeDisk(i, x.disk))
			continue
		}

		for _, p := range t.Partitions() {
			if x.dynamic != nil && isLDMPartition(p) {
				continue
			}
			out = append(out, m.intern(partitionIdentity(i, t, p), func() *VolumeInfo {
				return &VolumeInfo{
					Kind:      Physical,
					Type:      p.VolumeType(),
					DiskIndex: i,
					Partition: p,
					Name:      p.Name(),
					BIOSType:  p.BIOSType(),
					GUIDType:  p.GUIDType(),
					Length:    p.SectorCount() * partitions.SectorSize,
					open:      p.Open,
				}
			}))
		}
	}
	return out, nil
}

func (m *Manager) wholeDisk(index int, disk *vdisk.VirtualDisk) *VolumeInfo {
	return m.intern(fmt.Sprintf("VPD:disk%d", index), func() *VolumeInfo {
		return &VolumeInfo{
			Kind:      Physical,
			Type:      partitions.VolumeEntireDisk,
			DiskIndex: index,
			Length:    disk.Capacity(),
			open: func() (vstream.SparseStream, error) {
				content, err := disk.Content()
				if err != nil {
					return nil, err
				}
				return vstream.NewSubStream(content, 0, content.Length())
			},
		}
	})
}

func dynamicIdentity(g *ldm.DiskGroup, v ldm.VolumeInfo) string {
	return fmt.Sprintf("VLG{%s}-{%s}", g.ID(), v.GUID)
}

// DynamicVolumes returns the volumes of every LDM disk group.
func (m *Manager) DynamicVolumes() []*VolumeInfo {
	var out []*VolumeInfo
	for _, g := range m.DiskGroups() {
		for _, v := range g.Volumes() {
			vol := m.intern(dynamicIdentity(g, v), func() *VolumeInfo {
				return &VolumeInfo{
					Kind:      Dynamic,
					DiskIndex: -1,
					Name:      v.Name,
					BIOSType:  v.BIOSType,
					Length:    v.Size,
					open: func() (vstream.SparseStream, error) {
						return g.OpenVolume(v.ID)
					},
				}
			})
			// status follows the disks present now
			vol.Status = v.Status
			out = append(out, vol)
		}
	}
	return out
}

// LogicalVolumes returns the physical volumes followed by the dynamic
// volumes.
func (m *Manager) LogicalVolumes() ([]*VolumeInfo, error) {
	out, err := m.PhysicalVolumes()
	if err != nil {
		return nil, err
	}
	return append(out, m.DynamicVolumes()...), nil
}

// Volume returns the logical volume with the given identity.
func (m *Manager) Volume(identity string) (*VolumeInfo, error) {
	if v, ok := m.cache.Get(identity); ok {
		return v, nil
	}
	all, err := m.LogicalVolumes()
	if err != nil {
		return nil, err
	}
	for _, v := range all {
		if v.Identity == identity {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoVolume, identity)
}
