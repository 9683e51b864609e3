// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package crc implements the checksum algorithm used throughout the record
// log: a CRC-32 with the Castagnoli polynomial, further transformed by a
// rotation and an addend so that embedding the checksum of a byte string
// inside that byte string does not yield a fixed point.
package crc

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// CRC is a small convenience wrapper for computing the checksum.
type CRC uint32

// New computes the checksum of the given byte slice.
func New(b []byte) CRC {
	return CRC(0).Update(b)
}

// Update extends the checksum with the given byte slice.
func (c CRC) Update(b []byte) CRC {
	return CRC(crc32.Update(uint32(c), table, b))
}

// Value returns the masked checksum, suitable for storage.
func (c CRC) Value() uint32 {
	return uint32(c>>15|c<<17) + 0xa282ead8
}
