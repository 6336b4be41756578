package imagetools

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/vorteil/vdisc/pkg/vstream"
)

// MDSum returns the hex md5 checksum of the whole of s.
func MDSum(s vstream.SparseStream) (string, error) {
	var md5sumOut string

	hasher := md5.New()
	_, err := Cat(hasher, s)
	if err == nil {
		md5sumOut = hex.EncodeToString(hasher.Sum(nil))
	}

	return md5sumOut, err
}
