// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "bytes"

// Compare returns -1, 0, or +1 depending on whether a is 'less than', 'equal
// to' or 'greater than' b.
//
// Both a and b are user keys. A nil or empty slice is a valid key.
type Compare func(a, b []byte) int

// Comparer defines a total ordering over the space of []byte keys.
type Comparer struct {
	Compare Compare

	// Name is the name of the comparer.
	//
	// The on-disk state records the name of the comparer used to order keys,
	// and opening a database with a different comparer from the one it was
	// created with will result in an error.
	Name string
}

// DefaultComparer is the default comparer. It uses the natural ordering of
// bytes.
var DefaultComparer = &Comparer{
	Compare: bytes.Compare,

	// This name is part of the on-disk format: a database created with this
	// comparer is readable by implementations that ship the same ordering
	// under this name.
	Name: "leveldb.BytewiseComparator",
}
