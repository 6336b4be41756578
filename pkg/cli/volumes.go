package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/vorteil/vdisc/pkg/imagetools"
	"github.com/vorteil/vdisc/pkg/vstream"
)

var volumesCmd = &cobra.Command{
	Use:     "volumes IMAGE...",
	Aliases: []string{"vols"},
	Short:   "List the logical volumes on a set of disk images",
	Long: `Open every image given and list the volumes they hold. Volumes of Windows
dynamic disks are assembled from every member disk supplied, so pass all the
disks of a disk group to see its spanned and striped volumes.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		disks, err := openDisks(args)
		if err != nil {
			SetError(err, 1)
			return
		}
		defer closeDisks(disks)

		m, err := newManager(disks)
		if err != nil {
			SetError(err, 2)
			return
		}

		reports, err := imagetools.Volumes(m)
		if err != nil {
			SetError(err, 3)
			return
		}

		if flagFilter != "" {
			reports, err = filterVolumes(reports, flagFilter)
			if err != nil {
				SetError(err, 3)
				return
			}
		}

		if flagJSON {
			if err = printJSON(reports); err != nil {
				SetError(err, 4)
			}
			return
		}

		if len(reports) == 0 {
			log.Printf("no volumes found")
			return
		}

		rows := [][]string{{"IDENTITY", "KIND", "TYPE", "NAME", "SIZE", "STATUS", "FILESYSTEM"}}
		for _, r := range reports {
			rows = append(rows, []string{
				r.Identity,
				r.Kind,
				r.Type,
				r.Name,
				PrintableSize(r.Size).String(),
				r.Status,
				strings.Join(r.FileSystems, ", "),
			})
		}
		PlainTable(rows)
	},
}

// filterVolumes keeps the volumes whose identity or name matches pattern.
func filterVolumes(reports []imagetools.VolumeReport, pattern string) ([]imagetools.VolumeReport, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad --filter pattern '%s': %w", pattern, err)
	}
	var out []imagetools.VolumeReport
	for _, r := range reports {
		if g.Match(r.Identity) || (r.Name != "" && g.Match(r.Name)) {
			out = append(out, r)
		}
	}
	return out, nil
}

var catCmd = &cobra.Command{
	Use:   "cat IMAGE...",
	Short: "Write the content of a disk, partition or volume",
	Long: `Write the guest content of a disk image to stdout or to a file. Use
--partition to select one partition of the first image, or --volume to select
a volume by the identity the volumes command prints.`,
	Example: `  vdisc cat disk.vmdk -o disk.raw
  vdisc cat disk.vhd --partition 1 -o boot.img
  vdisc cat disk1.vhd disk2.vhd --volume 'VLG{...}-{...}' -o volume.img`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if flagVolume == "" && len(args) > 1 {
			SetError(fmt.Errorf("more than one image needs --volume"), 1)
			return
		}
		if flagVolume != "" && flagPartition != 0 {
			SetError(fmt.Errorf("--partition and --volume cannot be used together"), 1)
			return
		}

		disks, err := openDisks(args)
		if err != nil {
			SetError(err, 1)
			return
		}
		defer closeDisks(disks)

		var s vstream.SparseStream
		if flagVolume != "" {
			m, err := newManager(disks)
			if err != nil {
				SetError(err, 2)
				return
			}
			s, err = imagetools.OpenVolume(m, flagVolume)
			if err != nil {
				SetError(err, 2)
				return
			}
		} else {
			s, err = imagetools.OpenPartition(disks[0], flagPartition)
			if err != nil {
				SetError(err, 2)
				return
			}
		}
		defer s.Close()

		var w io.Writer = os.Stdout
		if flagOutput != "" {
			if err = checkValidNewFileOutput(flagOutput, flagForce, "output", "-f"); err != nil {
				SetError(err, 3)
				return
			}
			f, err := os.Create(flagOutput)
			if err != nil {
				SetError(err, 3)
				return
			}
			defer f.Close()
			w = f
		}

		n, err := imagetools.Cat(w, s)
		if err != nil {
			SetError(err, 4)
			return
		}
		log.Infof("wrote %s", PrintableSize(n))
	},
}

func init() {
	volumesCmd.Flags().StringVar(&flagFilter, "filter", "", "only list volumes whose identity or name matches a glob pattern")

	catCmd.Flags().IntVarP(&flagPartition, "partition", "p", 0, "partition index, 0 for the whole disk")
	catCmd.Flags().StringVar(&flagVolume, "volume", "", "volume identity")
	catCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "write to a file instead of stdout")
	catCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "overwrite an existing output file")
}
