package imagetools

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io"

	"github.com/vorteil/vdisc/pkg/vdisk"
	"github.com/vorteil/vdisc/pkg/volumes"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// OpenPartition returns the content of partition index of disk. Index 0
// selects the whole disk.
func OpenPartition(disk *vdisk.VirtualDisk, index int) (vstream.SparseStream, error) {
	content, err := disk.Content()
	if err != nil {
		return nil, err
	}
	if index == 0 {
		return vstream.NewSubStream(content, 0, content.Length())
	}

	t, err := disk.Partitions()
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("disk is not partitioned")
	}
	for _, p := range t.Partitions() {
		if p.Index() == index {
			return p.Open()
		}
	}
	return nil, fmt.Errorf("no partition %d in %s table", index, t.Kind())
}

// OpenVolume returns the content of the volume with the given identity.
func OpenVolume(m *volumes.Manager, identity string) (vstream.SparseStream, error) {
	v, err := m.Volume(identity)
	if err != nil {
		return nil, err
	}
	return v.Open()
}

// Cat copies s to w, reading holes as zeros.
func Cat(w io.Writer, s vstream.SparseStream) (int64, error) {
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return io.Copy(w, io.LimitReader(s, s.Length()))
}
