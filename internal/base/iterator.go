// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

// InternalIterator iterates over a DB's key/value pairs in internal key
// order. A false return from a positioning operation indicates exhaustion
// of the iterated range or an error, which Error then reports.
//
// InternalIterators are not required to be goroutine-safe.
type InternalIterator interface {
	// First positions the iterator at the first key/value pair, returning
	// true if such a pair exists.
	First() bool

	// SeekGE positions the iterator at the first key/value pair whose key is
	// greater than or equal to the given encoded internal key, returning true
	// if such a pair exists.
	SeekGE(key []byte) bool

	// Next moves the iterator to the next key/value pair, returning true if
	// the iterator remains positioned on a pair. It is valid to call Next
	// on an iterator that has not been positioned; it behaves like First.
	Next() bool

	// Key returns the internal key of the current pair. The slices backing
	// the key remain valid only until the next positioning call.
	Key() InternalKey

	// Value returns the value of the current pair, with the same validity as
	// Key.
	Value() []byte

	// Error returns any accumulated error.
	Error() error

	// Close closes the iterator and returns any accumulated error.
	Close() error
}
