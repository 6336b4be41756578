// Package vdisk opens virtual disks: chains of image layers, most specific
// first, composed into a single content stream.
package vdisk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"

	"github.com/vorteil/vdisc/pkg/geometry"
	"github.com/vorteil/vdisc/pkg/vstream"
)

// Errors returned while opening disks.
var (
	ErrParentNotFound = errors.New("parent layer not found")
	ErrParentCycle    = errors.New("differencing chain refers back to itself")
	ErrUnknownFormat  = errors.New("unrecognized virtual disk format")
)

// Layer is one format-specific piece of a virtual disk.
type Layer interface {
	// Capacity is the logical size of the disk in bytes.
	Capacity() int64
	Geometry() geometry.Geometry

	// IsSparse reports whether regions outside the content's extents
	// can be assumed to read as zero without a physical read.
	IsSparse() bool

	// NeedsParent is true for differencing layers.
	NeedsParent() bool

	// ParentLocations lists the candidate paths of the parent layer, most
	// preferred first. Paths are resolved with RelativeFileLocator.
	ParentLocations() []string
	RelativeFileLocator() FileLocator

	// OpenContent returns the content of the layer composed over parent.
	// Layers that do not defer to a parent must close an owned parent
	// before returning.
	OpenContent(parent vstream.SparseStream, owns vstream.Ownership) (vstream.SparseStream, error)

	Close() error
}

// DiskClass distinguishes floppy media from hard disks.
type DiskClass int

// Disk classes.
const (
	HardDisk DiskClass = iota
	FloppyDisk
)

func (c DiskClass) String() string {
	switch c {
	case HardDisk:
		return "hard disk"
	case FloppyDisk:
		return "floppy"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// ClassOf returns FloppyDisk if capacity is exactly that of a standard floppy.
func ClassOf(capacity int64) DiskClass {
	if _, ok := geometry.Floppy(capacity); ok {
		return FloppyDisk
	}
	return HardDisk
}
