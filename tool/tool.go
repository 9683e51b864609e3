// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package tool implements introspection tools for the on-disk state of a
// store: commands for dumping and checking manifest files.
package tool

import (
	"github.com/spf13/cobra"

	"github.com/crestdb/crest"
)

// T is the container for all of the introspection tools.
type T struct {
	// Root is the root of the command tree.
	Root *cobra.Command

	opts *crest.Options
}

// New creates a new introspection tool.
func New() *T {
	t := &T{
		opts: (&crest.Options{}).EnsureDefaults(),
	}
	t.Root = &cobra.Command{
		Use:   "crest",
		Short: "crest introspection tools",
	}
	t.Root.AddCommand(newManifest(t.opts).Root)
	return t
}
