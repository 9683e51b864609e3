// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"github.com/crestdb/crest/internal/base"
)

// SaveValue is the callback through which a table point-lookup reports the
// first entry at or after the sought internal key.
type SaveValue func(key base.InternalKey, value []byte)

// TableCache is the interface through which the version machinery reads
// tables. Given a file number and size it provides an iterator over the
// file's entries and a point-lookup entrypoint.
type TableCache interface {
	// NewIter returns an iterator over the entries of the specified file.
	NewIter(fileNum base.FileNum, fileSize uint64) (base.InternalIterator, error)

	// Get looks up ikey in the specified file and invokes save on the first
	// entry at or after it, if any.
	Get(fileNum base.FileNum, fileSize uint64, ikey base.InternalKey, save SaveValue) error
}

// GetStats is the read-path feedback from a single Get: the first file whose
// lookup missed while another file was later consulted. The caller may feed
// it to UpdateStats to charge the file's seek budget.
type GetStats struct {
	SeekFile      *FileMetadata
	SeekFileLevel int
}

type saverState int

const (
	saverNotFound saverState = iota
	saverFound
	saverDeleted
	saverCorrupt
)

type saver struct {
	state   saverState
	ucmp    base.Compare
	userKey []byte
	value   []byte
}

func (s *saver) save(key base.InternalKey, value []byte) {
	if !key.Valid() {
		s.state = saverCorrupt
		return
	}
	if s.ucmp(key.UserKey, s.userKey) != 0 {
		return
	}
	if key.Kind() == base.InternalKeyKindSet {
		s.state = saverFound
		s.value = value
	} else {
		s.state = saverDeleted
	}
}

// Get looks up ikey in the version's tables. The lookup walks levels in
// ascending order; because newer writes always reside at lower levels, the
// first conclusive answer wins.
//
// Get returns the value of the newest set for ikey's user key at a sequence
// number at or below ikey's, base.ErrNotFound if there is no such entry or
// the newest such entry is a deletion tombstone, or a corruption error if a
// consulted table is malformed.
//
// The owning DB's mutex must not be held: the caller is expected to have
// referenced the version, released the mutex, and to reacquire it before
// applying the returned stats via UpdateStats.
func (v *Version) Get(
	ucmp base.Compare, cache TableCache, ikey base.InternalKey,
) (value []byte, stats GetStats, err error) {
	userKey := ikey.UserKey
	stats.SeekFileLevel = -1

	var lastFileRead *FileMetadata
	lastFileReadLevel := -1

	var tmp []*FileMetadata
	for level := 0; level < NumLevels; level++ {
		numFiles := len(v.Files[level])
		if numFiles == 0 {
			continue
		}

		var candidates []*FileMetadata
		if level == 0 {
			// Level-0 files may overlap each other. Find all files that
			// overlap userKey and process them from newest to oldest.
			tmp = tmp[:0]
			for _, f := range v.Files[level] {
				if ucmp(userKey, f.Smallest.UserKey) >= 0 &&
					ucmp(userKey, f.Largest.UserKey) <= 0 {
					tmp = append(tmp, f)
				}
			}
			if len(tmp) == 0 {
				continue
			}
			// Level-0 files are held in increasing file number order, which
			// is increasing age; walk them backwards.
			for i, j := 0, len(tmp)-1; i < j; i, j = i+1, j-1 {
				tmp[i], tmp[j] = tmp[j], tmp[i]
			}
			candidates = tmp
		} else {
			// Binary search to find the earliest file whose largest key is
			// >= ikey.
			index := FindFile(ucmp, v.Files[level], ikey)
			if index >= numFiles {
				continue
			}
			f := v.Files[level][index]
			if ucmp(userKey, f.Smallest.UserKey) < 0 {
				// All of f is past any data for userKey.
				continue
			}
			candidates = v.Files[level][index : index+1]
		}

		for _, f := range candidates {
			if lastFileRead != nil && stats.SeekFile == nil {
				// We have had more than one seek for this read. Charge the
				// first file.
				stats.SeekFile = lastFileRead
				stats.SeekFileLevel = lastFileReadLevel
			}
			lastFileRead = f
			lastFileReadLevel = level

			s := saver{ucmp: ucmp, userKey: userKey}
			if err := cache.Get(f.FileNum, f.Size, ikey, s.save); err != nil {
				return nil, stats, err
			}
			switch s.state {
			case saverNotFound:
				// Keep searching in other files.
			case saverFound:
				return s.value, stats, nil
			case saverDeleted:
				return nil, stats, base.ErrNotFound
			case saverCorrupt:
				return nil, stats, base.CorruptionErrorf(
					"crest: corrupted key for %q", userKey)
			}
		}
	}
	return nil, stats, base.ErrNotFound
}

// UpdateStats charges the seek accounted by a previous Get against the
// file's seek budget. When the budget is exhausted and no other file is
// already pending, the file is recorded as the seek-compaction target and
// UpdateStats returns true.
//
// The owning DB's mutex must be held.
func (v *Version) UpdateStats(stats GetStats) bool {
	f := stats.SeekFile
	if f == nil {
		return false
	}
	f.AllowedSeeks--
	if f.AllowedSeeks <= 0 && v.FileToCompact == nil {
		v.FileToCompact = f
		v.FileToCompactLevel = stats.SeekFileLevel
		return true
	}
	return false
}
