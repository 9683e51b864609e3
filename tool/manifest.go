// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/crestdb/crest"
	"github.com/crestdb/crest/internal/manifest"
	"github.com/crestdb/crest/internal/record"
)

// manifestT implements manifest-level tools, including both configuration
// state and the commands themselves.
type manifestT struct {
	Root  *cobra.Command
	Dump  *cobra.Command
	Check *cobra.Command

	opts *crest.Options
}

func newManifest(opts *crest.Options) *manifestT {
	m := &manifestT{
		opts: opts,
	}

	m.Root = &cobra.Command{
		Use:   "manifest",
		Short: "manifest introspection tools",
	}

	m.Dump = &cobra.Command{
		Use:   "dump <manifest-files>",
		Short: "print manifest contents",
		Long: `
Print the contents of the MANIFEST files.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  m.runDump,
	}
	m.Root.AddCommand(m.Dump)

	m.Check = &cobra.Command{
		Use:   "check <manifest-files>",
		Short: "check manifest contents",
		Long: `
Replay the edits of the MANIFEST files, verify the resulting level
structure, and print a per-level summary.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  m.runCheck,
	}
	m.Root.AddCommand(m.Check)

	return m
}

func (m *manifestT) runDump(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		func() {
			f, err := m.opts.FS.Open(arg)
			if err != nil {
				fmt.Fprintf(stderr, "%s\n", err)
				return
			}
			defer f.Close()

			fmt.Fprintf(stdout, "%s\n", arg)

			var editIdx int
			rr := record.NewReader(f)
			for {
				r, err := rr.Next()
				if err != nil {
					if err != io.EOF {
						fmt.Fprintf(stdout, "%s: %s\n", arg, err)
					}
					break
				}

				var ve manifest.VersionEdit
				if err := ve.Decode(r); err != nil {
					fmt.Fprintf(stdout, "%s: %s\n", arg, err)
					break
				}
				fmt.Fprintf(stdout, "edit %d\n%s", editIdx, ve.String())
				editIdx++
			}
		}()
	}
}

func (m *manifestT) runCheck(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	ucmp := m.opts.Comparer.Compare
	for _, arg := range args {
		func() {
			f, err := m.opts.FS.Open(arg)
			if err != nil {
				fmt.Fprintf(stderr, "%s\n", err)
				return
			}
			defer f.Close()

			var bve manifest.BulkVersionEdit
			rr := record.NewReader(f)
			for {
				r, err := rr.Next()
				if err != nil {
					if err != io.EOF {
						fmt.Fprintf(stdout, "%s: %s\n", arg, err)
						return
					}
					break
				}
				var ve manifest.VersionEdit
				if err := ve.Decode(r); err != nil {
					fmt.Fprintf(stdout, "%s: %s\n", arg, err)
					return
				}
				bve.Accumulate(&ve)
			}

			v, err := bve.Apply(nil, ucmp)
			if err != nil {
				fmt.Fprintf(stdout, "%s: %s\n", arg, err)
				return
			}
			if err := v.CheckOrdering(ucmp); err != nil {
				fmt.Fprintf(stdout, "%s: %s\n", arg, err)
				return
			}

			fmt.Fprintf(stdout, "%s: OK\n", arg)
			table := tablewriter.NewWriter(stdout)
			table.SetHeader([]string{"level", "files", "size"})
			for level, files := range v.Files {
				table.Append([]string{
					fmt.Sprintf("%d", level),
					fmt.Sprintf("%d", len(files)),
					humanize.IBytes(manifest.TotalSize(files)),
				})
			}
			table.Render()
		}()
	}
}
