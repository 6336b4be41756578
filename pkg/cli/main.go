package cli

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/sisatech/tablewriter"
	"golang.org/x/sync/errgroup"

	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/volumes"
)

var (
	release = "0.0.0"
	commit  = ""
	date    = "Thu, 01 Jan 1970 00:00:00 +0000"
)

// Each command executed may have a error message and status code
var errorStatusCode int
var errorStatusMessage error

// SetError sets the global variables for when the process exits to display accordingly
func SetError(err error, code int) {
	errorStatusCode = code
	errorStatusMessage = err
}

// HandleErrors prints the error recorded by SetError and exits with its
// status code. It does nothing if no error was recorded.
func HandleErrors() {
	if errorStatusMessage == nil && errorStatusCode == 0 {
		return
	}
	if errorStatusMessage != nil {
		log.Errorf("%v", errorStatusMessage)
	}
	if errorStatusCode == 0 {
		errorStatusCode = 1
	}
	os.Exit(errorStatusCode)
}

func isNotExist(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

func checkValidNewFileOutput(path string, force bool, dest, flag string) error {
	if !isNotExist(path) {
		if force {
			err := os.RemoveAll(path)
			if err != nil {
				return fmt.Errorf("failed to delete existing %s '%s': %w", dest, path, err)
			}

			dir := filepath.Dir(path)
			err = os.MkdirAll(dir, 0777)
			if err != nil {
				return fmt.Errorf("failed to create parent directory for %s '%s': %w", dest, path, err)
			}
		} else {
			return fmt.Errorf("%s '%s' already exists (you can use '%s' to force an overwrite)", dest, path, flag)
		}
	}

	return nil
}

func parseImageFormat(s string) (vdisk.Format, error) {
	format, err := vdisk.ParseFormat(s)
	if err != nil {
		return format, fmt.Errorf("%w -- try one of these: %s", err, strings.Join(vdisk.AllFormatStrings(), ", "))
	}
	return format, nil
}

// openDisk opens the image at path, finding parents beside it or in the
// configured search paths.
func openDisk(path string) (*vdisk.VirtualDisk, error) {
	locator := vdisk.NewLocalFileLocator(filepath.Dir(path), searchPaths()...)
	disk, err := vdisk.OpenDisk(path, locator, log.Scoped(filepath.Base(path)))
	if err != nil {
		return nil, fmt.Errorf("failed to open disk '%s': %w", path, err)
	}
	return disk, nil
}

// openDisks opens every image in paths, in parallel. On failure the disks
// that did open are closed.
func openDisks(paths []string) ([]*vdisk.VirtualDisk, error) {
	disks := make([]*vdisk.VirtualDisk, len(paths))
	var g errgroup.Group
	for i, path := range paths {
		g.Go(func() error {
			disk, err := openDisk(path)
			if err != nil {
				return err
			}
			disks[i] = disk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeDisks(disks)
		return nil, err
	}
	return disks, nil
}

func closeDisks(disks []*vdisk.VirtualDisk) {
	for _, disk := range disks {
		if disk == nil {
			continue
		}
		if err := disk.Close(); err != nil {
			log.Warnf("closing disk: %v", err)
		}
	}
}

func newManager(disks []*vdisk.VirtualDisk) (*volumes.Manager, error) {
	m, err := volumes.NewManager(log.Scoped("volumes"), disks...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve volumes: %w", err)
	}
	return m, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// NumbersMode determines which numbers format a PrintableSize should use.
var NumbersMode int

// SetNumbersMode parses s and sets NumbersMode accordingly.
func SetNumbersMode(s string) error {
	s = strings.ToLower(s)
	s = strings.TrimSpace(s)
	switch s {
	case "", "short":
		NumbersMode = 0
	case "dec", "decimal":
		NumbersMode = 1
	case "hex", "hexadecimal":
		NumbersMode = 2
	default:
		return fmt.Errorf("numbers mode must be one of 'dec', 'hex', or 'short'")
	}
	return nil
}

// PrintableSize is a wrapper around int64 to alter its string formatting behaviour.
type PrintableSize int64

// String returns a string representation of the PrintableSize, formatted according to the global NumbersMode.
func (c PrintableSize) String() string {
	switch NumbersMode {
	case 0:
		if c <= 0 {
			return fmt.Sprintf("%d", int64(c))
		}
		return bytefmt.ByteSize(uint64(c))
	case 1:
		return fmt.Sprintf("%d", int64(c))
	case 2:
		return fmt.Sprintf("%#x", int64(c))
	default:
		panic("invalid NumbersMode")
	}
}

// PlainTable prints vals as a borderless table. The first row is the header.
func PlainTable(vals [][]string) {
	if len(vals) == 0 {
		panic(errors.New("no rows provided"))
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(vals[0])
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	for i := 1; i < len(vals); i++ {
		table.Append(vals[i])
	}

	table.Render()
}
