package ldm

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/partitions"
	"github.com/vorteil/vdisc/pkg/vbin"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// Disk is what dynamic disk discovery needs from a disk.
// *vdisk.VirtualDisk satisfies it.
type Disk interface {
	Content() (vstream.SparseStream, error)
	Partitions() (partitions.Table, error)
}

// DynamicDisk is a disk carrying LDM metadata.
type DynamicDisk struct {
	content vstream.SparseStream
	header  PrivateHeader
	toc     TocBlock
	db      *Database
	log     elog.Logger
}

// privateHeaderLocation returns the byte offset of the private header, or
// false when the partition table gives no place for one.
func privateHeaderLocation(t partitions.Table) (int64, bool) {
	if t == nil {
		return 0, false
	}
	switch t.Kind() {
	case partitions.BIOS:
		return privateHeaderOffset, true
	case partitions.GPT:
		// the last metadata partition in the table holds the header
		off, found := int64(0), false
		for _, p := range t.Partitions() {
			if p.GUIDType() == partitions.TypeLDMMetadata {
				off, found = p.LastSector()*SectorSize, true
			}
		}
		return off, found
	}
	return 0, false
}

func inRange(s vstream.SparseStream, off, n int64) bool {
	return off >= 0 && n >= 0 && off+n <= s.Length()
}

// ReadPrivateHeader returns the private header of disk, or nil if the disk
// has none.
func ReadPrivateHeader(disk Disk, log elog.Logger) *PrivateHeader {
	log = elog.OrDiscard(log)

	content, err := disk.Content()
	if err != nil {
		log.Debugf("no ldm metadata: %v", err)
		return nil
	}
	t, err := disk.Partitions()
	if err != nil {
		log.Debugf("no ldm metadata: %v", err)
		return nil
	}
	return readPrivateHeader(content, t, log)
}

func readPrivateHeader(content vstream.SparseStream, t partitions.Table, log elog.Logger) *PrivateHeader {
	off, ok := privateHeaderLocation(t)
	if !ok || !inRange(content, off, PrivateHeaderSize) {
		return nil
	}
	h := new(PrivateHeader)
	if err := vbin.ReadAt(content, off, h); err != nil {
		log.Debugf("reading ldm private header at %#x: %v", off, err)
		return nil
	}
	if h.Signature != PrivateHeaderSignature {
		return nil
	}
	return h
}

// readToc reads the TOC copy in slot n of the configuration area.
func readToc(content vstream.SparseStream, h *PrivateHeader, n int64) *TocBlock {
	off := (h.ConfigurationStartLba + n*h.TocSizeLba) * SectorSize
	if h.TocSizeLba <= 0 || !inRange(content, off, TocBlockSize) {
		return nil
	}
	t := new(TocBlock)
	if err := vbin.ReadAt(content, off, t); err != nil || t.Signature != TocSignature {
		return nil
	}
	return t
}

// configStart returns the start sector of the database region named in a
// TOC, relative to the configuration start.
func (t *TocBlock) configStart() int64 {
	if t.Item2Name == "config" && t.Item1Name != "config" {
		return t.Item2Start
	}
	return t.Item1Start
}

// OpenDynamicDisk reads the LDM metadata of disk. A nil DynamicDisk with a
// nil error means the disk is not dynamic; failures to find or read the
// metadata are reported that way too.
func OpenDynamicDisk(disk Disk, log elog.Logger) (*DynamicDisk, error) {
	log = elog.OrDiscard(log)

	content, err := disk.Content()
	if err != nil {
		return nil, err
	}
	t, err := disk.Partitions()
	if err != nil {
		return nil, err
	}
	return openDynamic(content, t, log), nil
}

func openDynamic(content vstream.SparseStream, t partitions.Table, log elog.Logger) *DynamicDisk {
	h := readPrivateHeader(content, t, log)
	if h == nil {
		return nil
	}

	toc := readToc(content, h, 1)
	if alt := readToc(content, h, 2); alt != nil && (toc == nil || alt.SequenceNumber > toc.SequenceNumber) {
		log.Debugf("using alternate ldm toc, sequence %d", alt.SequenceNumber)
		toc = alt
	}
	if toc == nil {
		log.Debugf("ldm private header without a toc")
		return nil
	}

	off := (h.ConfigurationStartLba + toc.configStart()) * SectorSize
	if !inRange(content, off, DatabaseHeaderSize) {
		log.Debugf("ldm database offset %#x outside the disk", off)
		return nil
	}
	db, err := ReadDatabase(content, off, log)
	if err != nil {
		log.Debugf("no ldm database: %v", err)
		return nil
	}

	return &DynamicDisk{
		content: content,
		header:  *h,
		toc:     *toc,
		db:      db,
		log:     log,
	}
}

func parseID(s string, log elog.Logger) uuid.UUID {
	id, err := vbin.ParseGUID(s)
	if err != nil {
		log.Warnf("bad ldm id '%s': %v", s, err)
		return uuid.Nil
	}
	return id
}

// ID returns the disk's identity within its group.
func (d *DynamicDisk) ID() uuid.UUID {
	return parseID(d.header.DiskID, d.log)
}

// GroupID returns the disk group identity. Disks that record none get
// uuid.Nil.
func (d *DynamicDisk) GroupID() uuid.UUID {
	return parseID(d.header.DiskGroupID, d.log)
}

// DataOffset returns the byte offset of the region extents are placed in.
func (d *DynamicDisk) DataOffset() int64 {
	return d.header.DataStartLba * SectorSize
}

func (d *DynamicDisk) Header() PrivateHeader {
	return d.header
}

func (d *DynamicDisk) Toc() TocBlock {
	return d.toc
}

func (d *DynamicDisk) Database() *Database {
	return d.db
}

// Content returns the disk's content. It belongs to the disk the
// DynamicDisk was opened from.
func (d *DynamicDisk) Content() vstream.SparseStream {
	return d.content
}

// Dump writes a readable description of the metadata to w, each line
// starting with prefix.
func (d *DynamicDisk) Dump(w io.Writer, prefix string) error {
	h := &d.header
	lines := []string{
		fmt.Sprintf("Disk ID:        %s", d.ID()),
		fmt.Sprintf("Host ID:        %s", h.HostID),
		fmt.Sprintf("Group ID:       %s", d.GroupID()),
		fmt.Sprintf("Group Name:     %s", h.DiskGroupName),
		fmt.Sprintf("Version:        %d.%d", h.Version>>16, h.Version&0xFFFF),
		fmt.Sprintf("Timestamp:      %s", h.Timestamp),
		fmt.Sprintf("Data:           %d sectors at %d", h.DataSizeLba, h.DataStartLba),
		fmt.Sprintf("Configuration:  %d sectors at %d", h.ConfigurationSizeLba, h.ConfigurationStartLba),
		fmt.Sprintf("TOC Sequence:   %d", d.toc.SequenceNumber),
		fmt.Sprintf("Database:       %d records, committed sequence %d", d.db.Len(), d.db.header.CommittedSequence),
	}
	for _, v := range d.db.Volumes() {
		lines = append(lines, fmt.Sprintf("  Volume %d:    %s (%s, %d sectors)", v.ID, v.Name, v.TypeName, v.Size))
		for _, c := range d.db.Components(v.ID) {
			lines = append(lines, fmt.Sprintf("    Component %d: %s, %d extents", c.ID, c.Layout, c.ExtentCount))
			for _, e := range d.db.Extents(c.ID) {
				lines = append(lines, fmt.Sprintf("      Extent %d: disk %d, %d sectors at %d", e.ID, e.DiskID, e.Size, e.DiskOffset))
			}
		}
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "%s%s\n", prefix, l); err != nil {
			return err
		}
	}
	return nil
}
