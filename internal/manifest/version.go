// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package manifest provides the data structures describing the file layout of
// an LSM: per-file metadata, immutable point-in-time versions of the layout,
// and the version edits that evolve one version into the next.
package manifest

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/crestdb/crest/internal/base"
)

// NumLevels is the number of levels in the LSM.
const NumLevels = 7

const (
	// TargetFileSize is the nominal size of an sstable produced at levels
	// other than 0.
	TargetFileSize = 2 * 1024 * 1024

	// MaxGrandParentOverlapBytes is the maximum bytes of overlap with
	// level+2 before we stop building a single output file in a
	// level->level+1 compaction.
	MaxGrandParentOverlapBytes = 10 * TargetFileSize

	// ExpandedCompactionByteSizeLimit is the maximum number of bytes in all
	// compacted files. We avoid expanding the lower level file set of a
	// compaction if it would make the total compaction cover more than this
	// many bytes.
	ExpandedCompactionByteSizeLimit = 25 * TargetFileSize

	// MaxMemCompactLevel is the maximum level to which a new memtable output
	// can be pushed if it does not create overlap.
	MaxMemCompactLevel = 2
)

// FileMetadata holds the metadata for an on-disk table. A FileMetadata is
// shared by every Version whose layout includes the file; its reference count
// tracks those owners. The descriptor is destroyed when the count reaches
// zero; the on-disk file itself is removed separately by a garbage collection
// pass that consults every live Version.
type FileMetadata struct {
	// FileNum is the file number.
	FileNum base.FileNum
	// Size is the size of the file, in bytes.
	Size uint64
	// Smallest and Largest are the inclusive bounds for the internal keys
	// stored in the table.
	Smallest base.InternalKey
	Largest  base.InternalKey

	// AllowedSeeks is the number of seeks this file may absorb before it is
	// scheduled for compaction. Seeking a file costs roughly the same as
	// compacting 16KB of its data, so the budget scales with file size.
	// Guarded by the owning DB's mutex.
	AllowedSeeks int32

	// refs counts the Versions holding this file. Guarded by the owning DB's
	// mutex.
	refs int32
}

// Refs returns the current reference count.
func (f *FileMetadata) Refs() int32 { return f.refs }

func (f *FileMetadata) String() string {
	return fmt.Sprintf("%s:%d[%s .. %s]", f.FileNum, f.Size, f.Smallest, f.Largest)
}

// initAllowedSeeks sets the seek budget for a newly added file.
func (f *FileMetadata) initAllowedSeeks() {
	f.AllowedSeeks = int32(f.Size / 16384)
	if f.AllowedSeeks < 100 {
		f.AllowedSeeks = 100
	}
}

// TotalSize returns the total size of all the files in f.
func TotalSize(f []*FileMetadata) (size uint64) {
	for _, x := range f {
		size += x.Size
	}
	return size
}

// KeyRange returns the minimum smallest and maximum largest internal key for
// all the FileMetadata in f0 and f1.
func KeyRange(ucmp base.Compare, f0, f1 []*FileMetadata) (smallest, largest base.InternalKey) {
	first := true
	for _, f := range [2][]*FileMetadata{f0, f1} {
		for _, meta := range f {
			if first {
				first = false
				smallest, largest = meta.Smallest, meta.Largest
				continue
			}
			if base.InternalCompare(ucmp, meta.Smallest, smallest) < 0 {
				smallest = meta.Smallest
			}
			if base.InternalCompare(ucmp, meta.Largest, largest) > 0 {
				largest = meta.Largest
			}
		}
	}
	return smallest, largest
}

// FindFile returns the index of the earliest file in files whose largest key
// is >= ikey. files must be sorted by largest key and non-overlapping: the
// result is found by binary search. If every file's largest key is < ikey,
// FindFile returns len(files).
func FindFile(ucmp base.Compare, files []*FileMetadata, ikey base.InternalKey) int {
	return sort.Search(len(files), func(i int) bool {
		return base.InternalCompare(ucmp, files[i].Largest, ikey) >= 0
	})
}

func afterFile(ucmp base.Compare, userKey []byte, f *FileMetadata) bool {
	// A nil userKey occurs before all keys and is therefore never after f.
	return userKey != nil && ucmp(userKey, f.Largest.UserKey) > 0
}

func beforeFile(ucmp base.Compare, userKey []byte, f *FileMetadata) bool {
	// A nil userKey occurs after all keys and is therefore never before f.
	return userKey != nil && ucmp(userKey, f.Smallest.UserKey) < 0
}

// SomeFileOverlapsRange returns true if any file in files has a user-key
// range intersecting [smallestUserKey, largestUserKey]. A nil smallestUserKey
// is treated as a key before all keys, and a nil largestUserKey as a key
// after all keys.
//
// If disjointSortedFiles is true the files are assumed sorted by smallest key
// and pairwise disjoint, and a binary search is used; otherwise every file is
// examined.
func SomeFileOverlapsRange(
	ucmp base.Compare,
	disjointSortedFiles bool,
	files []*FileMetadata,
	smallestUserKey, largestUserKey []byte,
) bool {
	if !disjointSortedFiles {
		// Need to check against all files.
		for _, f := range files {
			if afterFile(ucmp, smallestUserKey, f) || beforeFile(ucmp, largestUserKey, f) {
				// No overlap.
				continue
			}
			return true
		}
		return false
	}

	// Binary search over the file list.
	index := 0
	if smallestUserKey != nil {
		// Find the earliest possible internal key for smallestUserKey.
		index = FindFile(ucmp, files, base.MakeSearchKey(smallestUserKey))
	}
	if index >= len(files) {
		// The beginning of the range is after all files, so no overlap.
		return false
	}
	return !beforeFile(ucmp, largestUserKey, files[index])
}

// Version is a collection of file metadata for on-disk tables at various
// levels. In-memory tables are flushed to level-0 tables, and compactions
// migrate data from level N to level N+1.
//
// The tables at level 0 are sorted by increasing file number: if two level-0
// tables have file numbers i and j and i < j, then the sequence numbers of
// every key in table i are all less than those for table j. The key ranges of
// level-0 tables may overlap.
//
// The tables at any non-0 level are sorted by their internal key range and no
// two tables at the same non-0 level overlap.
//
// A Version is immutable once published, with the exception of the seek
// bookkeeping fields below, which are written under the owning DB's mutex.
type Version struct {
	// Files holds the file metadata for each level.
	Files [NumLevels][]*FileMetadata

	// CompactionScore and CompactionLevel hold the level that should be
	// compacted next and its score. A score < 1 means that compaction is not
	// strictly needed.
	CompactionScore float64
	CompactionLevel int

	// FileToCompact is a file whose seek budget has been exhausted, together
	// with its level. At most one file is pending at a time. Guarded by the
	// owning DB's mutex.
	FileToCompact      *FileMetadata
	FileToCompactLevel int

	// Deleted, if non-nil, is invoked with the numbers of files whose
	// reference counts drop to zero when this version is unreferenced.
	Deleted func(obsolete []base.FileNum)

	// Every version is part of a circular doubly-linked list of versions,
	// rooted at a VersionList.
	prev, next *Version

	// refs counts the longevity of the version: the version list plus every
	// reader holding the version across an operation. Guarded by the owning
	// DB's mutex.
	refs int32
}

// Refs returns the version's current reference count.
func (v *Version) Refs() int32 { return v.refs }

// Ref increments the version's reference count.
//
// The owning DB's mutex must be held.
func (v *Version) Ref() {
	v.refs++
}

// Unref decrements the version's reference count. When the count reaches
// zero the version is removed from its list, every held file is released,
// and files whose own counts reach zero are reported to the Deleted hook.
//
// The owning DB's mutex must be held.
func (v *Version) Unref() {
	if v.refs <= 0 {
		panic("crest: version refcount underflow")
	}
	v.refs--
	if v.refs > 0 {
		return
	}
	// Unlink.
	v.prev.next = v.next
	v.next.prev = v.prev
	v.prev, v.next = nil, nil

	var obsolete []base.FileNum
	for level := range v.Files {
		for _, f := range v.Files[level] {
			if f.refs <= 0 {
				panic("crest: file refcount underflow")
			}
			f.refs--
			if f.refs == 0 {
				obsolete = append(obsolete, f.FileNum)
			}
		}
	}
	if len(obsolete) > 0 && v.Deleted != nil {
		v.Deleted(obsolete)
	}
}

// UnrefFiles releases the file references held by a version that was built
// but never installed, returning the numbers of files whose counts reached
// zero.
//
// The owning DB's mutex must be held.
func (v *Version) UnrefFiles() []base.FileNum {
	var obsolete []base.FileNum
	for level := range v.Files {
		for _, f := range v.Files[level] {
			if f.refs <= 0 {
				panic("crest: file refcount underflow")
			}
			f.refs--
			if f.refs == 0 {
				obsolete = append(obsolete, f.FileNum)
			}
		}
	}
	return obsolete
}

// Overlaps returns all files in v.Files[level] whose user key range
// intersects the inclusive range [start, limit]. A nil start is treated as a
// key before all keys, and a nil limit as a key after all keys.
//
// If level is non-zero then the files are disjoint and one pass suffices. At
// level 0 the range is iteratively widened: whenever an included file's own
// range extends past [start, limit], the range is expanded to the union and
// the scan restarts, until it stabilizes.
func (v *Version) Overlaps(level int, ucmp base.Compare, start, limit []byte) []*FileMetadata {
	var ret []*FileMetadata
	for i := 0; i < len(v.Files[level]); i++ {
		f := v.Files[level][i]
		fileStart := f.Smallest.UserKey
		fileLimit := f.Largest.UserKey
		if start != nil && ucmp(fileLimit, start) < 0 {
			// f is completely before the specified range; skip it.
			continue
		}
		if limit != nil && ucmp(fileStart, limit) > 0 {
			// f is completely after the specified range; skip it.
			continue
		}
		ret = append(ret, f)
		if level != 0 {
			continue
		}
		// Level-0 files may overlap each other. Check if the newly added
		// file expands the range; if so, restart the scan.
		restart := false
		if start != nil && ucmp(fileStart, start) < 0 {
			start = fileStart
			restart = true
		}
		if limit != nil && ucmp(fileLimit, limit) > 0 {
			limit = fileLimit
			restart = true
		}
		if restart {
			ret = ret[:0]
			i = -1
		}
	}
	return ret
}

// OverlapInLevel returns true if any file at the given level intersects the
// user-key range [smallestUserKey, largestUserKey].
func (v *Version) OverlapInLevel(
	level int, ucmp base.Compare, smallestUserKey, largestUserKey []byte,
) bool {
	return SomeFileOverlapsRange(ucmp, level > 0, v.Files[level], smallestUserKey, largestUserKey)
}

// PickLevelForMemTableOutput returns the level at which a new table covering
// the user-key range [smallestUserKey, largestUserKey] should be placed. The
// result is 0 if any level-0 file overlaps the range. Otherwise the table is
// pushed to the deepest level, up to MaxMemCompactLevel, at which it creates
// no overlap with the next level and only bounded overlap with the level
// after that.
func (v *Version) PickLevelForMemTableOutput(
	ucmp base.Compare, smallestUserKey, largestUserKey []byte,
) int {
	level := 0
	if v.OverlapInLevel(0, ucmp, smallestUserKey, largestUserKey) {
		return level
	}
	for level < MaxMemCompactLevel {
		if v.OverlapInLevel(level+1, ucmp, smallestUserKey, largestUserKey) {
			break
		}
		if level+2 < NumLevels {
			overlaps := v.Overlaps(level+2, ucmp, smallestUserKey, largestUserKey)
			if TotalSize(overlaps) > MaxGrandParentOverlapBytes {
				break
			}
		}
		level++
	}
	return level
}

// CheckOrdering checks that the files are consistent with respect to
// increasing file numbers (for level-0 files) and increasing and
// non-overlapping internal key ranges (for non-0 level files).
func (v *Version) CheckOrdering(ucmp base.Compare) error {
	for level, ff := range v.Files {
		if level == 0 {
			var prevFileNum base.FileNum
			for i, f := range ff {
				if i != 0 && prevFileNum >= f.FileNum {
					return errors.Errorf(
						"level 0 files are not in increasing file number order: %s, %s",
						prevFileNum, f.FileNum)
				}
				prevFileNum = f.FileNum
			}
		} else {
			var prevLargest base.InternalKey
			for i, f := range ff {
				if i != 0 && base.InternalCompare(ucmp, prevLargest, f.Smallest) >= 0 {
					return errors.Errorf(
						"level %d files are not in increasing internal key order: %s, %s",
						level, prevLargest, f.Smallest)
				}
				if base.InternalCompare(ucmp, f.Smallest, f.Largest) > 0 {
					return errors.Errorf(
						"level %d file %s has inconsistent bounds: %s, %s",
						level, f.FileNum, f.Smallest, f.Largest)
				}
				prevLargest = f.Largest
			}
		}
	}
	return nil
}

// String renders the version level by level in the form
// number:size[smallest .. largest].
func (v *Version) String() string {
	var buf bytes.Buffer
	for level := range v.Files {
		fmt.Fprintf(&buf, "--- level %d ---\n", level)
		for _, f := range v.Files[level] {
			fmt.Fprintf(&buf, " %s\n", f)
		}
	}
	return buf.String()
}

// VersionList holds a circular doubly-linked list of versions, oldest first.
type VersionList struct {
	root Version
}

// Init initializes the list.
func (l *VersionList) Init() {
	l.root.prev = &l.root
	l.root.next = &l.root
}

// Empty returns true if the list is empty.
func (l *VersionList) Empty() bool {
	return l.root.next == &l.root
}

// Front returns the oldest version in the list. On an empty list the result
// is the sentinel returned by End: iterate with
//
//	for v := l.Front(); v != l.End(); v = v.Next() { ... }
func (l *VersionList) Front() *Version {
	return l.root.next
}

// Back returns the most recent version in the list, or the End sentinel if
// the list is empty.
func (l *VersionList) Back() *Version {
	return l.root.prev
}

// End returns the sentinel terminating a Front-to-Next walk.
func (l *VersionList) End() *Version {
	return &l.root
}

// PushBack adds v to the back of the list.
func (l *VersionList) PushBack(v *Version) {
	if v.prev != nil || v.next != nil {
		panic("crest: version already in a list")
	}
	v.prev = l.root.prev
	v.next = &l.root
	v.prev.next = v
	v.next.prev = v
}

// Next returns the version after v in its list.
func (v *Version) Next() *Version {
	return v.next
}
