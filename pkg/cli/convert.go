package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vorteil/vdisc/pkg/elog"
	"github.com/vorteil/vdisc/pkg/imagetools"
	"github.com/vorteil/vdisc/pkg/vdisk"
)

var convertCmd = &cobra.Command{
	Use:   "convert IMAGE OUTPUT",
	Short: "Convert a disk image to another format",
	Long: `Read the guest content of a disk image, including any parent images, and
write it as a standalone image in the chosen format. Run 'vdisc formats' for
the list of output formats.`,
	Example: `  vdisc convert disk.vhd disk.vmdk --format vmdk-stream-optimized`,
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		format, err := parseImageFormat(flagFormat)
		if err != nil {
			SetError(err, 1)
			return
		}

		output := args[1]
		if err = checkValidNewFileOutput(output, flagForce, "output", "-f"); err != nil {
			SetError(err, 1)
			return
		}

		disk, err := openDisk(args[0])
		if err != nil {
			SetError(err, 2)
			return
		}
		defer disk.Close()

		content, err := disk.Content()
		if err != nil {
			SetError(err, 2)
			return
		}

		f, err := os.Create(output)
		if err != nil {
			SetError(err, 3)
			return
		}
		defer f.Close()

		log.Infof("converting %s to %s", args[0], format)
		progress := log.NewProgress(filepath.Base(output), "KiB", content.Length())
		w := &progressWriter{WriteSeeker: f, p: progress}
		if err = format.Write(w, content, log.Scoped(format.String())); err != nil {
			progress.Finish(false)
			SetError(fmt.Errorf("failed to write %s image: %w", format, err), 4)
			return
		}
		progress.Finish(true)
		if err = f.Close(); err != nil {
			SetError(err, 4)
			return
		}

		if !log.IsLogLevelEnabled(elog.InfoLevel) {
			return
		}
		sum, err := imagetools.MDSum(content)
		if err != nil {
			SetError(err, 5)
			return
		}
		log.Infof("content md5: %s", sum)
	},
}

var formatsCmd = &cobra.Command{
	Use:   "formats",
	Short: "List supported disk image formats",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if flagJSON {
			err := printJSON(map[string][]string{
				"read":  vdisk.LayerFormats(),
				"write": vdisk.AllFormatStrings(),
			})
			if err != nil {
				SetError(err, 1)
			}
			return
		}

		rows := [][]string{{"FORMAT", "READ", "WRITE"}}
		writable := make(map[string]bool)
		for _, f := range vdisk.AllFormatStrings() {
			writable[f] = true
			rows = append(rows, []string{f, yesNo(vdisk.LookupLayerFormat(f) != nil), "yes"})
		}
		for _, f := range vdisk.LayerFormats() {
			if !writable[f] {
				rows = append(rows, []string{f, "yes", "no"})
			}
		}
		PlainTable(rows)
	},
}

// progressWriter reports every byte written to the image file.
type progressWriter struct {
	io.WriteSeeker
	p elog.Progress
}

func (w *progressWriter) Write(b []byte) (int, error) {
	n, err := w.WriteSeeker.Write(b)
	w.p.Increment(int64(n))
	return n, err
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func init() {
	convertCmd.Flags().StringVarP(&flagFormat, "format", "F", string(vdisk.VMDKSparseFormat), "output image format")
	convertCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "overwrite an existing output file")
}
