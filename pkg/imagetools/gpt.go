package imagetools

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/google/uuid"

	"github.com/vorteil/vdisc/pkg/partitions"
	"github.com/vorteil/vdisc/pkg/vdisk"
)

// PartitionTableReport : Info on a disk's partition table
type PartitionTableReport struct {
	Kind     string
	DiskGUID string `json:",omitempty"`

	// GPT only
	HeaderLBA       int64 `json:",omitempty"`
	BackupLBA       int64 `json:",omitempty"`
	FirstUsableLBA  int64 `json:",omitempty"`
	LastUsableLBA   int64 `json:",omitempty"`
	FirstEntriesLBA int64 `json:",omitempty"`
	UsingBackup     bool  `json:",omitempty"`

	// BIOS only
	DiskSignature uint32 `json:",omitempty"`

	Entries []PartitionReport
}

// PartitionReport : Info on a partition table entry
type PartitionReport struct {
	Index       int
	Name        string `json:",omitempty"`
	Type        string
	FirstSector int64
	LastSector  int64
	Size        int64
	UniqueGUID  string `json:",omitempty"`
	Active      bool   `json:",omitempty"`
}

// DiskPartitions returns a summary of the disk's partition table. A nil
// report means the disk is not partitioned.
func DiskPartitions(disk *vdisk.VirtualDisk) (*PartitionTableReport, error) {
	t, err := disk.Partitions()
	if err != nil || t == nil {
		return nil, err
	}

	report := &PartitionTableReport{Kind: t.Kind().String()}
	if id := t.DiskGUID(); id != uuid.Nil {
		report.DiskGUID = id.String()
	}

	switch x := t.(type) {
	case *partitions.GPTTable:
		report.HeaderLBA = int64(x.Header.CurrentLBA)
		report.BackupLBA = int64(x.Header.BackupLBA)
		report.FirstUsableLBA = int64(x.Header.FirstUsableLBA)
		report.LastUsableLBA = int64(x.Header.LastUsableLBA)
		report.FirstEntriesLBA = int64(x.Header.FirstEntriesLBA)
		report.UsingBackup = x.Backup
	case *partitions.BIOSTable:
		report.DiskSignature = x.DiskSignature()
	}

	for _, p := range t.Partitions() {
		entry := PartitionReport{
			Index:       p.Index(),
			Name:        p.Name(),
			Type:        p.TypeString(),
			FirstSector: p.FirstSector(),
			LastSector:  p.LastSector(),
			Size:        p.SectorCount() * partitions.SectorSize,
		}
		if id := p.UniqueGUID(); id != uuid.Nil {
			entry.UniqueGUID = id.String()
		}
		if b, ok := p.(*partitions.BIOSPartition); ok {
			entry.Active = b.IsActive()
		}
		report.Entries = append(report.Entries, entry)
	}

	return report, nil
}
