// Package partitions detects and decodes partition tables: BIOS (MBR with
// extended partitions), GUID (GPT) and Apple partition maps. Every table
// yields entries of a common shape whose content can be opened as a view of
// the underlying disk stream.
package partitions

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// SectorSize is the sector size assumed by every table variant.
const SectorSize = 512

// Kind identifies a partition table variant.
type Kind int

// Partition table kinds.
const (
	BIOS Kind = iota + 1
	GPT
	AppleMap
)

func (k Kind) String() string {
	switch k {
	case BIOS:
		return "bios"
	case GPT:
		return "gpt"
	case AppleMap:
		return "apple"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// VolumeType classifies where a physical volume comes from.
type VolumeType int

// Physical volume types.
const (
	VolumeEntireDisk VolumeType = iota
	VolumeBIOSPartition
	VolumeGPTPartition
	VolumeApplePartition
)

func (t VolumeType) String() string {
	switch t {
	case VolumeEntireDisk:
		return "disk"
	case VolumeBIOSPartition:
		return "bios-partition"
	case VolumeGPTPartition:
		return "gpt-partition"
	case VolumeApplePartition:
		return "apple-partition"
	}
	return fmt.Sprintf("volume-type(%d)", int(t))
}

// Table is a decoded partition table.
type Table interface {
	Kind() Kind
	Partitions() []Info

	// DiskGUID returns the disk identifier recorded by the table, or
	// uuid.Nil for variants that do not record one.
	DiskGUID() uuid.UUID
}

// Info describes one partition.
type Info interface {
	// Index is the 1-based position of the entry in its table.
	Index() int
	FirstSector() int64
	LastSector() int64
	SectorCount() int64

	BIOSType() byte
	GUIDType() uuid.UUID
	UniqueGUID() uuid.UUID
	TypeString() string
	Name() string
	VolumeType() VolumeType

	// Open returns a view of the partition's content. The view does not own
	// the disk stream.
	Open() (vstream.SparseStream, error)
}

// entry holds what every variant's Info has in common.
type entry struct {
	disk  vstream.SparseStream
	index int
	first int64
	last  int64
}

func (e *entry) Index() int {
	return e.index
}

func (e *entry) FirstSector() int64 {
	return e.first
}

func (e *entry) LastSector() int64 {
	return e.last
}

func (e *entry) SectorCount() int64 {
	return e.last - e.first + 1
}

func (e *entry) Open() (vstream.SparseStream, error) {
	return vstream.NewSubStream(e.disk, e.first*SectorSize, e.SectorCount()*SectorSize)
}

// Detect looks for a partition table on disk. GPT wins when the MBR is
// protective, then the MBR itself is tried, then an Apple partition map. A
// nil Table with a nil error means the disk is not partitioned.
func Detect(disk vstream.SparseStream, log elog.Logger) (Table, error) {
	log = elog.OrDiscard(log)

	mbr, err := readMBR(disk)
	if err != nil {
		return nil, err
	}

	if mbr != nil && mbr.isProtective() {
		gpt, err := OpenGPT(disk, log)
		if err != nil {
			return nil, err
		}
		if gpt != nil {
			return gpt, nil
		}
		log.Debugf("protective MBR without a valid GUID partition table")
	}

	if mbr != nil {
		return openBIOS(disk, mbr, log)
	}

	apm, err := OpenAppleMap(disk, log)
	if err != nil {
		return nil, err
	}
	if apm != nil {
		return apm, nil
	}

	log.Debugf("no partition table found")
	return nil, nil
}

// sanitize drops entries that are empty, extend past the end of the disk or
// overlap an earlier entry, and sorts the rest by position.
func sanitize(list []Info, sectors int64, log elog.Logger) []Info {
	var kept []Info
	byStart := append([]Info(nil), list...)
	sort.SliceStable(byStart, func(i, j int) bool {
		return byStart[i].FirstSector() < byStart[j].FirstSector()
	})

	for _, p := range byStart {
		if p.LastSector() < p.FirstSector() || p.FirstSector() < 0 {
			log.Debugf("discarding partition %d: empty range %d-%d", p.Index(), p.FirstSector(), p.LastSector())
			continue
		}
		if p.LastSector() >= sectors {
			log.Debugf("discarding partition %d: ends at sector %d beyond disk end %d", p.Index(), p.LastSector(), sectors)
			continue
		}
		if n := len(kept); n > 0 && p.FirstSector() <= kept[n-1].LastSector() {
			log.Debugf("discarding partition %d: overlaps partition %d", p.Index(), kept[n-1].Index())
			continue
		}
		kept = append(kept, p)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Index() < kept[j].Index()
	})
	return kept
}
