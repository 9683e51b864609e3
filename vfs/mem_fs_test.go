// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemFSBasics(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db/sub", 0755))

	f, err := fs.Create("/db/sub/file")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	g, err := fs.Open("/db/sub/file")
	require.NoError(t, err)
	b, err := io.ReadAll(g)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	stat, err := g.Stat()
	require.NoError(t, err)
	require.EqualValues(t, 5, stat.Size())
	require.NoError(t, g.Close())

	names, err := fs.List("/db/sub")
	require.NoError(t, err)
	require.Equal(t, []string{"file"}, names)
}

func TestMemFSRename(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db", 0755))

	f, err := fs.Create("/db/a")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Rename("/db/a", "/db/b"))
	_, err = fs.Open("/db/a")
	require.True(t, os.IsNotExist(err))
	g, err := fs.Open("/db/b")
	require.NoError(t, err)
	require.NoError(t, g.Close())
}

func TestMemFSRemove(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db", 0755))
	f, err := fs.Create("/db/a")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, fs.Remove("/db/a"))
	require.Error(t, fs.Remove("/db/a"))
}

func TestMemFSReadAt(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("/file")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	g, err := fs.Open("/file")
	require.NoError(t, err)
	defer g.Close()
	p := make([]byte, 4)
	n, err := g.ReadAt(p, 3)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "3456", string(p))
}
