// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package crest

import (
	"sync"
	"testing"

	"github.com/crestdb/crest/internal/base"
	"github.com/crestdb/crest/internal/manifest"
	"github.com/stretchr/testify/require"
)

const mib = 1 << 20

// apply adds a file to the version set through a version edit.
func apply(t *testing.T, vs *VersionSet, level int, size uint64, lo, hi string) *manifest.FileMetadata {
	t.Helper()
	meta := newFileMeta(vs.NewFileNum(), size, lo, hi)
	require.NoError(t, vs.LogAndApply(addFiles(
		manifest.NewFileEntry{Level: level, Meta: meta},
	)))
	return meta
}

func compactionTestVersionSet(t *testing.T) (*VersionSet, *sync.Mutex) {
	vs, mu, _ := newTestVersionSet(t, nil)
	mu.Lock()
	t.Cleanup(mu.Unlock)
	return vs, mu
}

func TestPickCompactionNone(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	apply(t, vs, 1, 1*mib, "a", "c")
	require.Nil(t, vs.PickCompaction())
}

func TestPickCompactionSizeTriggered(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	// Four level-0 files reach the level-0 trigger exactly.
	apply(t, vs, 0, 1*mib, "a", "c")
	apply(t, vs, 0, 1*mib, "b", "d")
	apply(t, vs, 0, 1*mib, "c", "e")
	apply(t, vs, 0, 1*mib, "p", "q")
	require.GreaterOrEqual(t, vs.Current().CompactionScore, 1.0)
	require.Equal(t, 0, vs.Current().CompactionLevel)

	c := vs.PickCompaction()
	require.NotNil(t, c)
	defer c.Release()
	require.Equal(t, 0, c.Level())
	// Only the level-0 files overlapping the widened range of the first
	// pick participate: [a, c] widens through [b, d] and [c, e], while the
	// disjoint [p, q] is left out.
	require.Len(t, c.Input(0), 3)
}

func TestPickCompactionPointerRotation(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	f1 := apply(t, vs, 1, 1*mib, "a", "c")
	f2 := apply(t, vs, 1, 1*mib, "d", "f")

	pick := func() *manifest.FileMetadata {
		// Keep the level eligible regardless of its actual size.
		vs.current.CompactionScore = 1.5
		vs.current.CompactionLevel = 1
		c := vs.PickCompaction()
		require.NotNil(t, c)
		defer c.Release()
		require.Len(t, c.Input(0), 1)
		return c.Input(0)[0]
	}

	// Successive picks rotate through the key space and wrap around.
	require.Equal(t, f1, pick())
	require.Equal(t, f2, pick())
	require.Equal(t, f1, pick())

	// The plan's edit carries the advanced pointer.
	vs.current.CompactionScore = 1.5
	vs.current.CompactionLevel = 1
	c := vs.PickCompaction()
	defer c.Release()
	require.Len(t, c.Edit().CompactPointers, 1)
	require.Equal(t, 1, c.Edit().CompactPointers[0].Level)
}

func TestPickCompactionSeekTriggered(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	f := apply(t, vs, 1, 3*mib, "a", "m")
	x := apply(t, vs, 2, 1*mib, "a", "f")
	y := apply(t, vs, 2, 1*mib, "g", "z")

	// A 3 MiB file absorbs 3*1024*1024/16384 = 192 charged seeks before it
	// becomes the compaction target.
	require.EqualValues(t, 192, f.AllowedSeeks)
	stats := manifest.GetStats{SeekFile: f, SeekFileLevel: 1}
	for i := 0; i < 191; i++ {
		require.False(t, vs.Current().UpdateStats(stats))
	}
	require.Nil(t, vs.PickCompaction())
	require.True(t, vs.Current().UpdateStats(stats))

	c := vs.PickCompaction()
	require.NotNil(t, c)
	defer c.Release()
	require.Equal(t, 1, c.Level())
	require.Equal(t, []*manifest.FileMetadata{f}, c.Input(0))
	require.Equal(t, []*manifest.FileMetadata{x, y}, c.Input(1))
}

func TestSetupOtherInputsExpansion(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	a := apply(t, vs, 1, 1*mib, "a", "e")
	b := apply(t, vs, 1, 1*mib, "f", "j")
	cc := apply(t, vs, 1, 1*mib, "k", "o")
	x := apply(t, vs, 2, 5*mib, "a", "z")

	vs.current.CompactionScore = 1.2
	vs.current.CompactionLevel = 1
	require.Empty(t, vs.compactPointer[1])

	c := vs.PickCompaction()
	require.NotNil(t, c)
	defer c.Release()

	// The initial pick was [a]; pulling in X's whole range lets files b and
	// c ride along without touching any additional level-2 file.
	require.Equal(t, []*manifest.FileMetadata{a, b, cc}, c.Input(0))
	require.Equal(t, []*manifest.FileMetadata{x}, c.Input(1))
}

func TestSetupOtherInputsExpansionTooLarge(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	a := apply(t, vs, 1, 1*mib, "a", "e")
	apply(t, vs, 1, 30*mib, "f", "j")
	apply(t, vs, 1, 30*mib, "k", "o")
	x := apply(t, vs, 2, 5*mib, "a", "z")

	vs.current.CompactionScore = 1.2
	vs.current.CompactionLevel = 1
	vs.compactPointer[1] = nil

	c := vs.PickCompaction()
	require.NotNil(t, c)
	defer c.Release()

	// The expanded inputs would exceed the expansion byte limit, so the
	// original inputs stand.
	require.Equal(t, []*manifest.FileMetadata{a}, c.Input(0))
	require.Equal(t, []*manifest.FileMetadata{x}, c.Input(1))
}

func TestCompactionTrivialMove(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	f := apply(t, vs, 2, 1*mib, "p", "q")

	vs.current.CompactionScore = 1.1
	vs.current.CompactionLevel = 2

	c := vs.PickCompaction()
	require.NotNil(t, c)
	require.True(t, c.IsTrivialMove())

	// The executor implements a trivial move as a version edit deleting the
	// file from its level and re-adding it one level deeper.
	edit := c.Edit()
	c.AddInputDeletions(edit)
	edit.NewFiles = append(edit.NewFiles, manifest.NewFileEntry{Level: 3, Meta: f})
	require.NoError(t, vs.LogAndApply(edit))
	c.Release()

	require.Empty(t, vs.Current().Files[2])
	require.Len(t, vs.Current().Files[3], 1)
	require.Equal(t, f.FileNum, vs.Current().Files[3][0].FileNum)
}

func TestCompactionNotTrivialMove(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	apply(t, vs, 2, 1*mib, "p", "q")
	apply(t, vs, 3, 1*mib, "p", "z")

	vs.current.CompactionScore = 1.1
	vs.current.CompactionLevel = 2

	c := vs.PickCompaction()
	require.NotNil(t, c)
	defer c.Release()
	// A parent-level input rules out the move.
	require.Len(t, c.Input(1), 1)
	require.False(t, c.IsTrivialMove())
}

func TestCompactionIsBaseLevelForKey(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	apply(t, vs, 3, 1*mib, "t", "w")

	c := newCompaction(vs, 1)
	c.version = vs.Current()
	c.version.Ref()
	defer c.Release()

	// Keys are presented in non-decreasing order, as during a compaction.
	require.True(t, c.IsBaseLevelForKey([]byte("a")))
	require.False(t, c.IsBaseLevelForKey([]byte("u")))
	require.True(t, c.IsBaseLevelForKey([]byte("z")))
}

func TestCompactionShouldStopBefore(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	c := newCompaction(vs, 1)
	c.version = vs.Current()
	c.version.Ref()
	defer c.Release()
	c.grandparents = []*manifest.FileMetadata{
		newFileMeta(11, 8*mib, "a", "c"),
		newFileMeta(12, 8*mib, "d", "f"),
		newFileMeta(13, 8*mib, "g", "i"),
	}

	key := func(s string) base.InternalKey {
		return ikey(s, 10, base.InternalKeyKindSet)
	}

	// Nothing accumulates before the first key.
	require.False(t, c.ShouldStopBefore(key("b")))
	// 8 MiB of grandparent overlap: still under the 20 MiB cap.
	require.False(t, c.ShouldStopBefore(key("d")))
	// 16 MiB: still under.
	require.False(t, c.ShouldStopBefore(key("g")))
	// 24 MiB: over the cap; the output file must be split and the
	// accumulator resets.
	require.True(t, c.ShouldStopBefore(key("j")))
	require.False(t, c.ShouldStopBefore(key("j")))
}

func TestCompactRange(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	apply(t, vs, 1, 1*mib, "a", "b")
	apply(t, vs, 1, 1*mib, "c", "d")
	apply(t, vs, 1, 1*mib, "e", "f")
	apply(t, vs, 1, 1*mib, "g", "h")

	// No overlap, no plan.
	require.Nil(t, vs.CompactRange(1, []byte("x"), []byte("z")))

	// A wide range is clamped to the smallest prefix that reaches the
	// per-level output file size, which may end one file past a strict cap.
	c := vs.CompactRange(1, nil, nil)
	require.NotNil(t, c)
	defer c.Release()
	require.Len(t, c.Input(0), 2)
}

func TestPickCompactionFailedStillAdvancesPointer(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	apply(t, vs, 1, 1*mib, "a", "c")
	apply(t, vs, 1, 1*mib, "d", "f")

	vs.current.CompactionScore = 1.5
	vs.current.CompactionLevel = 1
	require.Empty(t, vs.compactPointer[1])

	// Abandon the plan without submitting its edit: the pointer has already
	// advanced, so the next pick tries a different key range.
	c := vs.PickCompaction()
	require.NotNil(t, c)
	first := c.Input(0)[0]
	c.Release()
	require.NotEmpty(t, vs.compactPointer[1])

	vs.current.CompactionScore = 1.5
	vs.current.CompactionLevel = 1
	c = vs.PickCompaction()
	require.NotNil(t, c)
	defer c.Release()
	require.NotEqual(t, first, c.Input(0)[0])
}

func TestMakeInputIterators(t *testing.T) {
	vs, _ := compactionTestVersionSet(t)
	apply(t, vs, 1, 1*mib, "a", "c")
	apply(t, vs, 2, 1*mib, "a", "z")

	vs.current.CompactionScore = 1.1
	vs.current.CompactionLevel = 1

	c := vs.PickCompaction()
	require.NotNil(t, c)
	defer c.Release()
	require.Len(t, c.Input(0), 1)
	require.Len(t, c.Input(1), 1)

	// One concatenating iterator per non-empty input level.
	iters, err := vs.MakeInputIterators(c, emptyTableCache{})
	require.NoError(t, err)
	require.Len(t, iters, 2)
	for _, it := range iters {
		require.False(t, it.First())
		require.NoError(t, it.Close())
	}
}

// emptyTableCache serves empty tables.
type emptyTableCache struct{}

func (emptyTableCache) NewIter(base.FileNum, uint64) (base.InternalIterator, error) {
	return emptyIter{}, nil
}

func (emptyTableCache) Get(base.FileNum, uint64, base.InternalKey, manifest.SaveValue) error {
	return nil
}

type emptyIter struct{}

func (emptyIter) First() bool           { return false }
func (emptyIter) SeekGE([]byte) bool    { return false }
func (emptyIter) Next() bool            { return false }
func (emptyIter) Key() base.InternalKey { return base.InternalKey{} }
func (emptyIter) Value() []byte         { return nil }
func (emptyIter) Error() error          { return nil }
func (emptyIter) Close() error          { return nil }
