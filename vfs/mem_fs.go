// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"bytes"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// NewMem returns a new memory-backed FS implementation. It is safe for
// concurrent use by multiple goroutines.
func NewMem() *MemFS {
	return &MemFS{
		root: newMemNode("/", true),
	}
}

// MemFS implements FS on top of an in-memory tree of directories and files.
// Its main use is in tests, where it avoids touching the real filesystem and
// makes filesystem state trivially inspectable.
type MemFS struct {
	mu   sync.Mutex
	root *memNode
}

var _ FS = (*MemFS)(nil)

type memNode struct {
	name     string
	isDir    bool
	modTime  time.Time
	data     []byte
	children map[string]*memNode

	// Bytes of data synced to "durable storage". Unused by the FS itself,
	// but lets tests observe what would survive a crash.
	syncedData []byte
}

func newMemNode(name string, isDir bool) *memNode {
	n := &memNode{name: name, isDir: isDir, modTime: time.Now()}
	if isDir {
		n.children = make(map[string]*memNode)
	}
	return n
}

// walk splits fullname into directory components and walks the tree,
// invoking f on the final directory with the final path component.
func (y *MemFS) walk(fullname string, f func(dir *memNode, frag string, final bool) error) error {
	// For memfs, the separator is always "/".
	fullname = path.Clean(strings.ReplaceAll(fullname, string(os.PathSeparator), "/"))
	if fullname == "/" || fullname == "." {
		return f(y.root, "", true)
	}
	frags := strings.Split(strings.TrimPrefix(fullname, "/"), "/")
	dir := y.root
	for i, frag := range frags {
		if frag == "" {
			return errors.Errorf("memfs: empty file name %q", fullname)
		}
		final := i == len(frags)-1
		if err := f(dir, frag, final); err != nil {
			return err
		}
		if !final {
			child := dir.children[frag]
			if child == nil {
				return &os.PathError{Op: "open", Path: fullname, Err: os.ErrNotExist}
			}
			if !child.isDir {
				return errors.Errorf("memfs: %q is a file, not a directory", frag)
			}
			dir = child
		}
	}
	return nil
}

// Create implements FS.Create.
func (y *MemFS) Create(fullname string) (File, error) {
	var ret *memFile
	y.mu.Lock()
	defer y.mu.Unlock()
	err := y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			n := newMemNode(frag, false)
			dir.children[frag] = n
			ret = &memFile{n: n, fs: y, write: true}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Open implements FS.Open.
func (y *MemFS) Open(fullname string) (File, error) {
	var ret *memFile
	y.mu.Lock()
	defer y.mu.Unlock()
	err := y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			n := dir.children[frag]
			if n == nil {
				return &os.PathError{Op: "open", Path: fullname, Err: os.ErrNotExist}
			}
			ret = &memFile{n: n, fs: y}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// OpenDir implements FS.OpenDir.
func (y *MemFS) OpenDir(fullname string) (File, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	var ret *memFile
	err := y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			n := dir
			if frag != "" {
				n = dir.children[frag]
			}
			if n == nil || !n.isDir {
				return &os.PathError{Op: "open", Path: fullname, Err: os.ErrNotExist}
			}
			ret = &memFile{n: n, fs: y}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Remove implements FS.Remove.
func (y *MemFS) Remove(fullname string) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if _, ok := dir.children[frag]; !ok {
				return &os.PathError{Op: "remove", Path: fullname, Err: os.ErrNotExist}
			}
			delete(dir.children, frag)
		}
		return nil
	})
}

// Rename implements FS.Rename.
func (y *MemFS) Rename(oldname, newname string) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	var n *memNode
	err := y.walk(oldname, func(dir *memNode, frag string, final bool) error {
		if final {
			n = dir.children[frag]
			delete(dir.children, frag)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n == nil {
		return &os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist}
	}
	return y.walk(newname, func(dir *memNode, frag string, final bool) error {
		if final {
			n.name = frag
			dir.children[frag] = n
		}
		return nil
	})
}

// MkdirAll implements FS.MkdirAll.
func (y *MemFS) MkdirAll(dirname string, _ os.FileMode) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.walk(dirname, func(dir *memNode, frag string, final bool) error {
		if frag == "" {
			return nil
		}
		child := dir.children[frag]
		if child == nil {
			dir.children[frag] = newMemNode(frag, true)
			return nil
		}
		if !child.isDir {
			return errors.Errorf("memfs: %q is a file, not a directory", frag)
		}
		return nil
	})
}

// List implements FS.List.
func (y *MemFS) List(dirname string) ([]string, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	var ret []string
	err := y.walk(dirname, func(dir *memNode, frag string, final bool) error {
		if final {
			n := dir
			if frag != "" {
				n = dir.children[frag]
			}
			if n == nil || !n.isDir {
				return &os.PathError{Op: "open", Path: dirname, Err: os.ErrNotExist}
			}
			for name := range n.children {
				ret = append(ret, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ret)
	return ret, nil
}

// Stat implements FS.Stat.
func (y *MemFS) Stat(name string) (os.FileInfo, error) {
	f, err := y.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

// PathBase implements FS.PathBase.
func (*MemFS) PathBase(p string) string {
	// Note that MemFS uses forward slashes for its separator, regardless of
	// the host operating system.
	return path.Base(p)
}

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string {
	return path.Join(elem...)
}

// String renders the tree, one line per node, for debugging.
func (y *MemFS) String() string {
	y.mu.Lock()
	defer y.mu.Unlock()
	var buf bytes.Buffer
	y.root.dump(&buf, 0)
	return buf.String()
}

func (n *memNode) dump(buf *bytes.Buffer, depth int) {
	buf.WriteString(strings.Repeat("  ", depth))
	buf.WriteString(n.name)
	if n.isDir {
		buf.WriteString("/\n")
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			n.children[name].dump(buf, depth+1)
		}
	} else {
		buf.WriteString("\n")
	}
}

// memFile is a reader or writer of a node's data.
type memFile struct {
	n      *memNode
	fs     *MemFS
	rpos   int
	write  bool
	closed bool
}

var _ File = (*memFile)(nil)

func (f *memFile) Close() error {
	if f.closed {
		return errors.New("memfs: file already closed")
	}
	f.closed = true
	f.n = nil
	return nil
}

func (f *memFile) Read(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.write {
		return 0, errors.New("memfs: file was opened for writing")
	}
	if f.rpos >= len(f.n.data) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[f.rpos:])
	f.rpos += n
	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.write {
		return 0, errors.New("memfs: file was opened for writing")
	}
	if off >= int64(len(f.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if !f.write {
		return 0, errors.New("memfs: file was not opened for writing")
	}
	f.n.modTime = time.Now()
	f.n.data = append(f.n.data, p...)
	return len(p), nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return &memFileInfo{
		name:    f.n.name,
		size:    int64(len(f.n.data)),
		modTime: f.n.modTime,
		isDir:   f.n.isDir,
	}, nil
}

func (f *memFile) Sync() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.n != nil && !f.n.isDir {
		f.n.syncedData = append(f.n.syncedData[:0], f.n.data...)
	}
	return nil
}

// memFileInfo implements os.FileInfo for a memFile.
type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

func (f *memFileInfo) Name() string { return f.name }
func (f *memFileInfo) Size() int64  { return f.size }
func (f *memFileInfo) Mode() os.FileMode {
	if f.isDir {
		return os.ModeDir | 0755
	}
	return 0644
}
func (f *memFileInfo) ModTime() time.Time { return f.modTime }
func (f *memFileInfo) IsDir() bool        { return f.isDir }
func (f *memFileInfo) Sys() interface{}   { return nil }
