package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/vorteil/vdisc/pkg/imagetools"
	"github.com/vorteil/vdisc/pkg/ldm"
)

var infoCmd = &cobra.Command{
	Use:   "info IMAGE",
	Short: "Summarize a disk image and its layers",
	Long: `Open a disk image, following its chain of parent images, and print its
capacity, geometry and the format of every layer.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		disk, err := openDisk(args[0])
		if err != nil {
			SetError(err, 1)
			return
		}
		defer disk.Close()

		report, err := imagetools.Disk(disk)
		if err != nil {
			SetError(err, 2)
			return
		}

		if flagJSON {
			if err = printJSON(report); err != nil {
				SetError(err, 3)
			}
			return
		}

		log.Printf("Format:   %s", report.Format)
		log.Printf("Capacity: %s", PrintableSize(report.Capacity))
		log.Printf("Stored:   %s", PrintableSize(report.Stored))
		log.Printf("Geometry: %s", report.Geometry)
		log.Printf("Class:    %s", report.Class)
		log.Printf("Sparse:   %v", report.Sparse)

		rows := [][]string{{"#", "FORMAT", "CAPACITY", "SPARSE", "PARENT", "PATH"}}
		for i, l := range report.Layers {
			rows = append(rows, []string{
				fmt.Sprintf("%d", i),
				l.Format,
				PrintableSize(l.Capacity).String(),
				fmt.Sprintf("%v", l.Sparse),
				strings.Join(l.Parents, ", "),
				l.Path,
			})
		}
		PlainTable(rows)
	},
}

var partitionsCmd = &cobra.Command{
	Use:     "partitions IMAGE",
	Aliases: []string{"parts"},
	Short:   "List the partition table of a disk image",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		disk, err := openDisk(args[0])
		if err != nil {
			SetError(err, 1)
			return
		}
		defer disk.Close()

		report, err := imagetools.DiskPartitions(disk)
		if err != nil {
			SetError(err, 2)
			return
		}

		if flagJSON {
			if err = printJSON(report); err != nil {
				SetError(err, 3)
			}
			return
		}

		if report == nil {
			log.Printf("disk is not partitioned")
			return
		}

		log.Printf("Partition table: %s", report.Kind)
		if report.DiskGUID != "" {
			log.Printf("Disk GUID:       %s", report.DiskGUID)
		}
		if report.DiskSignature != 0 {
			log.Printf("Disk signature:  %08x", report.DiskSignature)
		}
		if report.UsingBackup {
			log.Warnf("primary GPT header is damaged, using backup at LBA %d", report.BackupLBA)
		}

		rows := [][]string{{"#", "TYPE", "NAME", "FIRST", "LAST", "SIZE", "GUID"}}
		for _, p := range report.Entries {
			name := p.Name
			if p.Active {
				name = strings.TrimSpace(name + " (active)")
			}
			rows = append(rows, []string{
				fmt.Sprintf("%d", p.Index),
				p.Type,
				name,
				fmt.Sprintf("%d", p.FirstSector),
				fmt.Sprintf("%d", p.LastSector),
				PrintableSize(p.Size).String(),
				p.UniqueGUID,
			})
		}
		PlainTable(rows)
	},
}

var ldmCmd = &cobra.Command{
	Use:   "ldm IMAGE",
	Short: "Show the dynamic disk metadata of a disk image",
	Long: `Read the logical disk manager metadata of a Windows dynamic disk and print
the disks and volumes its database describes. Use --records to dump every
database record.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		disk, err := openDisk(args[0])
		if err != nil {
			SetError(err, 1)
			return
		}
		defer disk.Close()

		if flagRecords {
			dd, err := ldm.OpenDynamicDisk(disk, log.Scoped("ldm"))
			if err != nil {
				SetError(err, 2)
				return
			}
			if dd == nil {
				SetError(fmt.Errorf("'%s' is not a dynamic disk", args[0]), 2)
				return
			}
			if err = dd.Dump(os.Stdout, ""); err != nil {
				SetError(err, 3)
				return
			}
			for _, t := range []ldm.RecordType{ldm.RecordDiskGroup, ldm.RecordDisk, ldm.RecordVolume, ldm.RecordComponent, ldm.RecordExtent} {
				for _, r := range dd.Database().Records(t) {
					spew.Fdump(os.Stdout, r)
				}
			}
			return
		}

		report, err := imagetools.DynamicDisk(disk)
		if err != nil {
			SetError(err, 2)
			return
		}

		if flagJSON {
			if err = printJSON(report); err != nil {
				SetError(err, 3)
			}
			return
		}

		if report == nil {
			log.Printf("disk is not a dynamic disk")
			return
		}

		log.Printf("Disk ID:    %s", report.DiskID)
		log.Printf("Group:      %s (%s)", report.GroupName, report.GroupID)
		log.Printf("Host:       %s", report.HostID)
		log.Printf("Data:       sector %d, %d sectors", report.DataStart, report.DataSize)
		log.Printf("Config:     sector %d, %d sectors", report.ConfigStart, report.ConfigSize)
		log.Printf("Sequence:   toc %d, database %d", report.TocSequence, report.CommittedSequence)
		log.Printf("Records:    %d", report.Records)

		if len(report.Disks) > 0 {
			rows := [][]string{{"ID", "NAME", "GUID"}}
			for _, d := range report.Disks {
				rows = append(rows, []string{fmt.Sprintf("%d", d.ID), d.Name, d.GUID})
			}
			PlainTable(rows)
		}

		if len(report.Volumes) > 0 {
			rows := [][]string{{"ID", "NAME", "LAYOUT", "PLEXES", "SIZE", "STATUS", "GUID"}}
			for _, v := range report.Volumes {
				rows = append(rows, []string{
					fmt.Sprintf("%d", v.ID),
					v.Name,
					v.Layout,
					fmt.Sprintf("%d", v.Plexes),
					PrintableSize(v.Size).String(),
					v.Status,
					v.GUID,
				})
			}
			PlainTable(rows)
		}
	},
}

func init() {
	ldmCmd.Flags().BoolVar(&flagRecords, "records", false, "dump every database record")
}
