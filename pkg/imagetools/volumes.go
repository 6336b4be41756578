package imagetools

import (
	"github.com/vorteil/vdisc/pkg/ldm"
	"github.com/vorteil/vdisc/pkg/partitions"
	"github.com/vorteil/vdisc/pkg/volumes"
)

// VolumeReport : Info on a volume
type VolumeReport struct {
	Identity    string
	Kind        string
	Type        string
	Name        string `json:",omitempty"`
	Size        int64
	Disk        int
	Partition   int      `json:",omitempty"`
	Status      string   `json:",omitempty"`
	FileSystems []string `json:",omitempty"`
}

// Volumes returns a summary of every logical volume the manager knows.
// Registered file system factories are consulted for each healthy volume.
func Volumes(m *volumes.Manager) ([]VolumeReport, error) {
	vols, err := m.LogicalVolumes()
	if err != nil {
		return nil, err
	}

	var out []VolumeReport
	for _, v := range vols {
		r := VolumeReport{
			Identity: v.Identity,
			Kind:     v.Kind.String(),
			Name:     v.Name,
			Size:     v.Length,
			Disk:     v.DiskIndex,
		}

		switch {
		case v.Kind == volumes.Dynamic:
			r.Type = partitions.BIOSTypeName(v.BIOSType)
			r.Status = v.Status.String()
		case v.Partition != nil:
			r.Type = v.Partition.TypeString()
			r.Partition = v.Partition.Index()
		default:
			r.Type = v.Type.String()
		}

		if v.Kind != volumes.Dynamic || v.Status == ldm.StatusHealthy {
			found, err := volumes.DetectFileSystems(v)
			if err != nil {
				return nil, err
			}
			for _, fs := range found {
				r.FileSystems = append(r.FileSystems, fs.Name)
			}
		}

		out = append(out, r)
	}
	return out, nil
}
