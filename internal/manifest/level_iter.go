// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"encoding/binary"

	"github.com/crestdb/crest/internal/base"
)

// levelFileNumIterValueLen is the length of a levelFileNumIter value: two
// fixed 64-bit numbers, the file number and the file size.
const levelFileNumIterValueLen = 16

// levelFileNumIter yields information about the files of a sorted,
// non-overlapping level. For a given entry, Key is the largest internal key
// that occurs in the file, and Value is a 16-byte encoding of the file number
// and file size, both little-endian fixed64.
type levelFileNumIter struct {
	ucmp  base.Compare
	files []*FileMetadata
	index int
	buf   [levelFileNumIterValueLen]byte
}

// NewLevelFileNumIter returns an iterator over the file metadata of a sorted,
// non-overlapping level. It is the index half of the two-level iterator used
// to read such levels.
func NewLevelFileNumIter(ucmp base.Compare, files []*FileMetadata) base.InternalIterator {
	return &levelFileNumIter{
		ucmp:  ucmp,
		files: files,
		index: -1,
	}
}

func (i *levelFileNumIter) valid() bool {
	return i.index >= 0 && i.index < len(i.files)
}

func (i *levelFileNumIter) First() bool {
	i.index = 0
	return i.valid()
}

func (i *levelFileNumIter) SeekGE(key []byte) bool {
	i.index = FindFile(i.ucmp, i.files, base.DecodeInternalKey(key))
	return i.valid()
}

func (i *levelFileNumIter) Next() bool {
	if i.index < len(i.files) {
		i.index++
	}
	return i.valid()
}

func (i *levelFileNumIter) Key() base.InternalKey {
	return i.files[i.index].Largest
}

func (i *levelFileNumIter) Value() []byte {
	f := i.files[i.index]
	binary.LittleEndian.PutUint64(i.buf[:8], uint64(f.FileNum))
	binary.LittleEndian.PutUint64(i.buf[8:], f.Size)
	return i.buf[:]
}

func (i *levelFileNumIter) Error() error { return nil }
func (i *levelFileNumIter) Close() error { return nil }

// errorIter is an iterator that fails every operation with a fixed error.
type errorIter struct {
	err error
}

func (i *errorIter) First() bool           { return false }
func (i *errorIter) SeekGE([]byte) bool    { return false }
func (i *errorIter) Next() bool            { return false }
func (i *errorIter) Key() base.InternalKey { return base.InternalKey{} }
func (i *errorIter) Value() []byte         { return nil }
func (i *errorIter) Error() error          { return i.err }
func (i *errorIter) Close() error          { return i.err }

// openFileIter decodes a levelFileNumIter value and opens an iterator over
// the named file through the table cache.
func openFileIter(cache TableCache, value []byte) base.InternalIterator {
	if len(value) != levelFileNumIterValueLen {
		return &errorIter{err: base.CorruptionErrorf(
			"crest: file iterator invoked with unexpected value size %d", len(value))}
	}
	fileNum := base.FileNum(binary.LittleEndian.Uint64(value[:8]))
	fileSize := binary.LittleEndian.Uint64(value[8:])
	iter, err := cache.NewIter(fileNum, fileSize)
	if err != nil {
		return &errorIter{err: err}
	}
	return iter
}

// concatenatingIter sequentially walks through the non-overlapping files of a
// level, opening each file lazily: an index iterator selects the file, and a
// per-file data iterator yields its entries.
type concatenatingIter struct {
	cache TableCache
	index base.InternalIterator
	data  base.InternalIterator
	err   error
}

// NewConcatenatingIterator returns an iterator over all the entries of a
// sorted, non-overlapping level.
func NewConcatenatingIterator(
	ucmp base.Compare, cache TableCache, files []*FileMetadata,
) base.InternalIterator {
	return &concatenatingIter{
		cache: cache,
		index: NewLevelFileNumIter(ucmp, files),
	}
}

// loadData opens the data iterator for the index iterator's current file.
func (i *concatenatingIter) loadData() bool {
	if i.data != nil {
		i.err = firstError(i.err, i.data.Close())
		i.data = nil
	}
	if i.err != nil {
		return false
	}
	i.data = openFileIter(i.cache, i.index.Value())
	return true
}

// skipEmpty advances past exhausted data iterators. It requires that a data
// iterator is loaded and unpositioned or exhausted; on return either the data
// iterator is positioned or the iteration is complete.
func (i *concatenatingIter) skipEmpty() bool {
	for {
		if i.data.Next() {
			return true
		}
		if err := i.data.Error(); err != nil {
			i.err = firstError(i.err, err)
			return false
		}
		if !i.index.Next() {
			return false
		}
		if !i.loadData() {
			return false
		}
	}
}

func (i *concatenatingIter) First() bool {
	if !i.index.First() {
		return false
	}
	if !i.loadData() {
		return false
	}
	return i.skipEmpty()
}

func (i *concatenatingIter) SeekGE(key []byte) bool {
	if !i.index.SeekGE(key) {
		return false
	}
	if !i.loadData() {
		return false
	}
	if i.data.SeekGE(key) {
		return true
	}
	if err := i.data.Error(); err != nil {
		i.err = firstError(i.err, err)
		return false
	}
	// The sought key is past the end of the selected file; continue with the
	// first entry of the following files.
	if !i.index.Next() {
		return false
	}
	if !i.loadData() {
		return false
	}
	return i.skipEmpty()
}

func (i *concatenatingIter) Next() bool {
	if i.err != nil {
		return false
	}
	if i.data == nil {
		// Not yet positioned: behave like First.
		return i.First()
	}
	return i.skipEmpty()
}

func (i *concatenatingIter) Key() base.InternalKey { return i.data.Key() }
func (i *concatenatingIter) Value() []byte         { return i.data.Value() }

func (i *concatenatingIter) Error() error {
	if i.err != nil {
		return i.err
	}
	if i.data != nil {
		if err := i.data.Error(); err != nil {
			return err
		}
	}
	return i.index.Error()
}

func (i *concatenatingIter) Close() error {
	if i.data != nil {
		i.err = firstError(i.err, i.data.Close())
		i.data = nil
	}
	i.err = firstError(i.err, i.index.Close())
	return i.err
}

func firstError(err0, err1 error) error {
	if err0 != nil {
		return err0
	}
	return err1
}

// AddIterators appends to iters one iterator per level-0 file (they may
// overlap and must be merged individually) and one concatenating iterator per
// non-empty level other than 0.
func (v *Version) AddIterators(
	ucmp base.Compare, cache TableCache, iters []base.InternalIterator,
) ([]base.InternalIterator, error) {
	// Merge all level-0 files together since they may overlap.
	for _, f := range v.Files[0] {
		iter, err := cache.NewIter(f.FileNum, f.Size)
		if err != nil {
			return nil, err
		}
		iters = append(iters, iter)
	}

	// For levels above 0, we can use a concatenating iterator that
	// sequentially walks through the non-overlapping files in the level,
	// opening them lazily.
	for level := 1; level < NumLevels; level++ {
		if len(v.Files[level]) > 0 {
			iters = append(iters, NewConcatenatingIterator(ucmp, cache, v.Files[level]))
		}
	}
	return iters, nil
}
