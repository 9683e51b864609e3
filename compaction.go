// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package crest

import (
	"github.com/crestdb/crest/internal/base"
	"github.com/crestdb/crest/internal/manifest"
)

// Compaction is a plan for merging tables from one level into the next,
// starting from a given version. The plan is produced by PickCompaction or
// CompactRange and executed externally; the outcome is fed back to the
// version set as a version edit.
type Compaction struct {
	// version is the version the plan was formed against.
	version *manifest.Version

	// level is the level that is being compacted. Inputs from level and
	// level+1 will be merged to produce a set of level+1 files.
	level int

	// maxOutputFileSize is the size threshold at which the executor should
	// close an output file and start a new one.
	maxOutputFileSize uint64

	// inputs are the tables to be compacted, from level and level+1.
	inputs [2][]*manifest.FileMetadata

	// grandparents are the tables at level+2 overlapping the combined key
	// range of the inputs. An output file is split whenever it comes to
	// overlap too much grandparent data, which would make the next
	// compaction out of level+1 expensive.
	grandparents []*manifest.FileMetadata

	// edit accumulates the layout changes of the plan itself; for now, the
	// advanced compaction pointer of the level.
	edit manifest.VersionEdit

	// State for ShouldStopBefore.
	grandparentIndex int
	seenKey          bool
	overlappedBytes  uint64

	// levelPtrs holds indexes into the files of every level deeper than the
	// compaction output; IsBaseLevelForKey advances them monotonically with
	// the stream of emitted keys, making the deeper-level scan amortized
	// linear over a whole compaction.
	levelPtrs [NumLevels]int

	ucmp base.Compare
}

func newCompaction(vs *VersionSet, level int) *Compaction {
	return &Compaction{
		level:             level,
		maxOutputFileSize: maxFileSizeForLevel(level),
		ucmp:              vs.ucmp,
	}
}

// Level returns the level being compacted.
func (c *Compaction) Level() int { return c.level }

// Input returns the input tables from the compacted level (which == 0) or
// its parent (which == 1).
func (c *Compaction) Input(which int) []*manifest.FileMetadata {
	return c.inputs[which]
}

// Grandparents returns the tables at level+2 overlapping the compaction.
func (c *Compaction) Grandparents() []*manifest.FileMetadata {
	return c.grandparents
}

// MaxOutputFileSize returns the size at which the executor should split
// output files.
func (c *Compaction) MaxOutputFileSize() uint64 { return c.maxOutputFileSize }

// Edit returns the version edit being built for the compaction's outcome. It
// already records the advanced compaction pointer.
func (c *Compaction) Edit() *manifest.VersionEdit { return &c.edit }

// Version returns the version the plan was formed against.
func (c *Compaction) Version() *manifest.Version { return c.version }

// Release drops the plan's reference on its input version. It must be called
// exactly once, with the DB mutex held, when the plan has been executed or
// abandoned.
func (c *Compaction) Release() {
	if c.version != nil {
		c.version.Unref()
		c.version = nil
	}
}

// IsTrivialMove returns true if the compaction can be implemented by simply
// reassigning its single input file to the next level, with no merging I/O.
// A move is avoided if there is lots of overlapping grandparent data, as the
// moved file would then require a very expensive merge later on.
func (c *Compaction) IsTrivialMove() bool {
	return len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		manifest.TotalSize(c.grandparents) <= manifest.MaxGrandParentOverlapBytes
}

// AddInputDeletions adds every input table to the edit as a deletion at its
// respective level.
func (c *Compaction) AddInputDeletions(edit *manifest.VersionEdit) {
	if edit.DeletedFiles == nil {
		edit.DeletedFiles = make(map[manifest.DeletedFileEntry]bool)
	}
	for which := 0; which < 2; which++ {
		for _, f := range c.inputs[which] {
			edit.DeletedFiles[manifest.DeletedFileEntry{
				Level:   c.level + which,
				FileNum: f.FileNum,
			}] = true
		}
	}
}

// IsBaseLevelForKey reports whether it is guaranteed that there is no
// key/value pair at c.level+2 or deeper with the given user key. Used during
// compaction to decide whether a deletion tombstone can be dropped: that is
// safe only if no deeper level could still hold an older value for the key.
//
// The user keys passed to successive calls must be non-decreasing, which
// lets the deeper-level scans resume where the previous call left off.
func (c *Compaction) IsBaseLevelForKey(userKey []byte) bool {
	for level := c.level + 2; level < NumLevels; level++ {
		files := c.version.Files[level]
		for c.levelPtrs[level] < len(files) {
			f := files[c.levelPtrs[level]]
			if c.ucmp(userKey, f.Largest.UserKey) <= 0 {
				if c.ucmp(userKey, f.Smallest.UserKey) >= 0 {
					// The key falls in this file's range, so it is
					// definitely not the base level.
					return false
				}
				break
			}
			c.levelPtrs[level]++
		}
	}
	return true
}

// ShouldStopBefore returns true if the output file currently being built
// should be closed before adding the given internal key, because the file
// has come to overlap too much grandparent data. The overlap accumulator
// resets when true is returned.
func (c *Compaction) ShouldStopBefore(key base.InternalKey) bool {
	// Scan to find the earliest grandparent file that contains the key.
	for c.grandparentIndex < len(c.grandparents) &&
		base.InternalCompare(c.ucmp, key, c.grandparents[c.grandparentIndex].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += c.grandparents[c.grandparentIndex].Size
		}
		c.grandparentIndex++
	}
	c.seenKey = true

	if c.overlappedBytes > manifest.MaxGrandParentOverlapBytes {
		// Too much overlap for the current output; start a new one.
		c.overlappedBytes = 0
		return true
	}
	return false
}

// PickCompaction selects the next compaction, if any, for the current
// version. Size-triggered compactions are preferred over the compactions
// triggered by seeks.
//
// The DB mutex must be held.
func (vs *VersionSet) PickCompaction() *Compaction {
	cur := vs.current

	var c *Compaction
	switch {
	case cur.CompactionScore >= 1:
		level := cur.CompactionLevel
		if level < 0 || level+1 >= NumLevels {
			panic("crest: invalid compaction level")
		}
		c = newCompaction(vs, level)
		// Pick the first file that comes after compactPointer[level], so
		// that successive compactions at a level rotate through its key
		// space rather than starving the tail.
		for _, f := range cur.Files[level] {
			if len(vs.compactPointer[level]) == 0 ||
				base.InternalCompare(vs.ucmp, f.Largest,
					base.DecodeInternalKey(vs.compactPointer[level])) > 0 {
				c.inputs[0] = append(c.inputs[0], f)
				break
			}
		}
		if len(c.inputs[0]) == 0 {
			// Wrap-around to the beginning of the key space.
			c.inputs[0] = append(c.inputs[0], cur.Files[level][0])
		}

	case cur.FileToCompact != nil:
		c = newCompaction(vs, cur.FileToCompactLevel)
		c.inputs[0] = []*manifest.FileMetadata{cur.FileToCompact}

	default:
		return nil
	}

	c.version = cur
	c.version.Ref()

	// Files in level 0 may overlap each other, so pick up all overlapping
	// ones. Note that the Overlaps call discards the file placed in
	// c.inputs[0] above and replaces it with an overlapping set which will
	// include the picked file, widening the range until it stabilizes.
	if c.level == 0 {
		smallest, largest := manifest.KeyRange(vs.ucmp, c.inputs[0], nil)
		c.inputs[0] = cur.Overlaps(0, vs.ucmp, smallest.UserKey, largest.UserKey)
		if len(c.inputs[0]) == 0 {
			panic("crest: empty compaction")
		}
	}

	vs.setupOtherInputs(c)
	return c
}

// CompactRange returns a plan compacting the files at the given level whose
// key ranges intersect [start, limit], or nil if there are none. A nil start
// is treated as a key before all keys, and a nil limit as a key after all
// keys.
//
// The DB mutex must be held.
func (vs *VersionSet) CompactRange(level int, start, limit []byte) *Compaction {
	inputs := vs.current.Overlaps(level, vs.ucmp, start, limit)
	if len(inputs) == 0 {
		return nil
	}

	// Avoid compacting too much in one shot in case the range is large:
	// truncate the inputs to the prefix that first meets the per-level
	// output file size.
	maxSize := maxFileSizeForLevel(level)
	var total uint64
	for i, f := range inputs {
		total += f.Size
		if total >= maxSize {
			inputs = inputs[:i+1]
			break
		}
	}

	c := newCompaction(vs, level)
	c.version = vs.current
	c.version.Ref()
	c.inputs[0] = inputs
	vs.setupOtherInputs(c)
	return c
}

// setupOtherInputs fills in the rest of the compaction inputs, regardless of
// whether the compaction was automatically scheduled or user initiated: the
// parent-level inputs, a possible expansion of the inputs at c.level, the
// grandparent set, and the advanced compaction pointer.
func (vs *VersionSet) setupOtherInputs(c *Compaction) {
	level := c.level
	smallest, largest := manifest.KeyRange(vs.ucmp, c.inputs[0], nil)
	c.inputs[1] = c.version.Overlaps(level+1, vs.ucmp, smallest.UserKey, largest.UserKey)

	// Get the entire range covered by the compaction.
	allStart, allLimit := manifest.KeyRange(vs.ucmp, c.inputs[0], c.inputs[1])

	// See if we can grow the number of inputs in "level" without changing
	// the number of "level+1" files we pick up: more level files compacted
	// for the same parent-level cost.
	if len(c.inputs[1]) > 0 {
		expanded0 := c.version.Overlaps(level, vs.ucmp, allStart.UserKey, allLimit.UserKey)
		inputs0Size := manifest.TotalSize(c.inputs[0])
		inputs1Size := manifest.TotalSize(c.inputs[1])
		expanded0Size := manifest.TotalSize(expanded0)
		if len(expanded0) > len(c.inputs[0]) &&
			inputs1Size+expanded0Size < manifest.ExpandedCompactionByteSizeLimit {
			newStart, newLimit := manifest.KeyRange(vs.ucmp, expanded0, nil)
			expanded1 := c.version.Overlaps(level+1, vs.ucmp, newStart.UserKey, newLimit.UserKey)
			if len(expanded1) == len(c.inputs[1]) {
				vs.logger.Infof(
					"Expanding@%d %d+%d (%d+%d bytes) to %d+%d (%d+%d bytes)",
					level,
					len(c.inputs[0]), len(c.inputs[1]), inputs0Size, inputs1Size,
					len(expanded0), len(expanded1), expanded0Size, inputs1Size)
				largest = newLimit
				c.inputs[0] = expanded0
				c.inputs[1] = expanded1
				allStart, allLimit = manifest.KeyRange(vs.ucmp, c.inputs[0], c.inputs[1])
			}
		}
	}

	// Compute the set of grandparent files that overlap this compaction
	// (parent == level+1; grandparent == level+2).
	if level+2 < NumLevels {
		c.grandparents = c.version.Overlaps(level+2, vs.ucmp, allStart.UserKey, allLimit.UserKey)
	}

	// Update the place where the next compaction at this level will start.
	// We update this immediately instead of waiting for the version edit to
	// be applied so that if the compaction fails, we will try a different
	// key range next time.
	vs.compactPointer[level] = encodeKey(largest)
	c.edit.CompactPointers = append(c.edit.CompactPointers, manifest.CompactPointerEntry{
		Level: level,
		Key:   largest.Clone(),
	})
}

// MakeInputIterators returns one iterator per level-0 input file and one
// concatenating iterator per non-empty remaining input level. The executor
// merges them to produce the compaction's combined input stream.
func (vs *VersionSet) MakeInputIterators(
	c *Compaction, cache manifest.TableCache,
) ([]base.InternalIterator, error) {
	var iters []base.InternalIterator
	for which := 0; which < 2; which++ {
		if len(c.inputs[which]) == 0 {
			continue
		}
		if c.level+which == 0 {
			// Level-0 files may overlap and have to be merged individually.
			for _, f := range c.inputs[which] {
				iter, err := cache.NewIter(f.FileNum, f.Size)
				if err != nil {
					for _, it := range iters {
						it.Close()
					}
					return nil, err
				}
				iters = append(iters, iter)
			}
		} else {
			iters = append(iters, manifest.NewConcatenatingIterator(vs.ucmp, cache, c.inputs[which]))
		}
	}
	return iters, nil
}
