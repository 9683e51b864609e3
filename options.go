// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package crest provides the version and compaction-planning core of a
// log-structured merge-tree storage engine: point-in-time snapshots of the
// on-disk file layout (versions), the durable delta log through which the
// layout evolves (the manifest), and the policy that selects the files
// participating in the next compaction.
package crest

import (
	"github.com/crestdb/crest/internal/base"
	"github.com/crestdb/crest/vfs"
)

// Options holds the collaborators and tunables for a version set.
type Options struct {
	// Comparer defines the ordering of user keys. The comparer's name is
	// recorded in the manifest, and reopening a database with a different
	// comparer fails.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *base.Comparer

	// FS provides the filesystem the manifest and CURRENT files live on.
	//
	// The default value uses the underlying operating system's file system.
	FS vfs.FS

	// Logger is the destination for informational log messages.
	Logger base.Logger

	// L0CompactionThreshold is the number of level-0 files at which a
	// level-0 compaction reaches score 1.
	//
	// The default value is 4.
	L0CompactionThreshold int

	// MaxManifestFileSize is the size, in bytes, at which the manifest is
	// rolled over to a new file.
	//
	// The default value is 128 MB.
	MaxManifestFileSize int64

	// ParanoidChecks requests additional consistency checking of versions as
	// they are installed.
	ParanoidChecks bool
}

// EnsureDefaults ensures that the default values for all options are set if
// a valid value was not already specified, returning the updated options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.Comparer == nil {
		o.Comparer = base.DefaultComparer
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
	if o.L0CompactionThreshold <= 0 {
		o.L0CompactionThreshold = 4
	}
	if o.MaxManifestFileSize == 0 {
		o.MaxManifestFileSize = 128 << 20
	}
	return o
}
