package imagetools

import (
	"github.com/vorteil/vdisc/pkg/ldm"
	"github.com/vorteil/vdisc/pkg/vdisk"
)

// DynamicDiskReport : Info on the LDM metadata of a disk
type DynamicDiskReport struct {
	DiskID            string
	GroupID           string
	GroupName         string
	HostID            string
	DataStart         int64
	DataSize          int64
	ConfigStart       int64
	ConfigSize        int64
	TocSequence       int64
	CommittedSequence int64
	Records           int
	Disks             []DynamicMemberReport
	Volumes           []DynamicVolumeReport
}

// DynamicMemberReport : Info on a disk named by an LDM database
type DynamicMemberReport struct {
	ID   uint64
	Name string
	GUID string
}

// DynamicVolumeReport : Info on a volume named by an LDM database
type DynamicVolumeReport struct {
	ID     uint64
	GUID   string
	Name   string
	Layout string
	Plexes int
	Size   int64
	Status string
}

// DynamicDisk returns a summary of the disk's LDM metadata, or nil if the
// disk is not dynamic. Volume status only accounts for this one disk.
func DynamicDisk(disk *vdisk.VirtualDisk) (*DynamicDiskReport, error) {
	dd, err := ldm.OpenDynamicDisk(disk, nil)
	if err != nil || dd == nil {
		return nil, err
	}

	h := dd.Header()
	db := dd.Database()
	report := &DynamicDiskReport{
		DiskID:            dd.ID().String(),
		GroupID:           dd.GroupID().String(),
		GroupName:         h.DiskGroupName,
		HostID:            h.HostID,
		DataStart:         h.DataStartLba,
		DataSize:          h.DataSizeLba,
		ConfigStart:       h.ConfigurationStartLba,
		ConfigSize:        h.ConfigurationSizeLba,
		TocSequence:       dd.Toc().SequenceNumber,
		CommittedSequence: db.Header().CommittedSequence,
		Records:           db.Len(),
	}

	for _, d := range db.Disks() {
		report.Disks = append(report.Disks, DynamicMemberReport{
			ID:   d.ID,
			Name: d.Name,
			GUID: d.DiskGUID.String(),
		})
	}

	g := ldm.NewDiskGroup(dd.GroupID(), nil)
	if err = g.Add(dd); err != nil {
		return nil, err
	}
	for _, v := range g.Volumes() {
		report.Volumes = append(report.Volumes, DynamicVolumeReport{
			ID:     v.ID,
			GUID:   v.GUID.String(),
			Name:   v.Name,
			Layout: v.Layout,
			Plexes: v.Plexes,
			Size:   v.Size,
			Status: v.Status.String(),
		})
	}

	return report, nil
}
