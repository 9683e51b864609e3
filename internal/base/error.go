// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/errors"

// ErrNotFound means that a get operation did not find the requested key. It
// is not an error to the storage engine, only to its caller.
var ErrNotFound = errors.New("crest: not found")

// ErrCorruption is a marker error for all on-disk corruption: malformed
// manifest records, comparer mismatches against recorded state, invalid
// internal keys, and invalid iterator values. Use errors.Is(err,
// ErrCorruption) to classify.
var ErrCorruption = errors.New("crest: corruption")

// CorruptionErrorf formats an error with the given message and marks it as a
// corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// MarkCorruptionError marks the given error as a corruption error.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}
