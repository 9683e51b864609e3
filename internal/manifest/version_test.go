// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/crestdb/crest/internal/base"
	"github.com/stretchr/testify/require"
)

// parseIkey converts a string like "foo.SET.123" into an internal key
// consisting of a user key "foo", kind set, and sequence number 123.
func parseIkey(s string) base.InternalKey {
	x := strings.Split(s, ".")
	ukey := x[0]
	var kind base.InternalKeyKind
	switch x[1] {
	case "DEL":
		kind = base.InternalKeyKindDelete
	case "SET":
		kind = base.InternalKeyKindSet
	case "MAX":
		kind = base.InternalKeyKindMax
	default:
		panic(fmt.Sprintf("unknown kind: %q", x[1]))
	}
	seqNum, err := strconv.ParseUint(x[2], 10, 64)
	if err != nil {
		panic(err)
	}
	return base.MakeInternalKey([]byte(ukey), base.SeqNum(seqNum), kind)
}

func TestKeyRange(t *testing.T) {
	cmp := base.DefaultComparer.Compare
	testCases := []struct {
		input, want string
	}{
		{"", "-"},
		{"a-e", "a-e"},
		{"a-e a-e", "a-e"},
		{"c-g a-e", "a-g"},
		{"a-e c-g a-e", "a-g"},
		{"b-d f-g", "b-g"},
		{"d-e b-d", "b-e"},
		{"e-e", "e-e"},
		{"f-g e-e d-e c-g b-d a-e", "a-g"},
	}
	for _, tc := range testCases {
		var f []*FileMetadata
		if tc.input != "" {
			for _, s := range strings.Split(tc.input, " ") {
				f = append(f, &FileMetadata{
					Smallest: base.MakeInternalKey([]byte(s[0:1]), 1, base.InternalKeyKindSet),
					Largest:  base.MakeInternalKey([]byte(s[2:3]), 1, base.InternalKeyKindSet),
				})
			}
		}

		smallest, largest := KeyRange(cmp, f, nil)
		got := string(smallest.UserKey) + "-" + string(largest.UserKey)
		if got != tc.want {
			t.Errorf("KeyRange(%q) = %q, want %q", tc.input, got, tc.want)
		}

		smallest, largest = KeyRange(cmp, nil, f)
		got = string(smallest.UserKey) + "-" + string(largest.UserKey)
		if got != tc.want {
			t.Errorf("KeyRange(nil, %q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestFindFile(t *testing.T) {
	cmp := base.DefaultComparer.Compare
	files := []*FileMetadata{
		{Smallest: parseIkey("c.SET.2"), Largest: parseIkey("e.SET.2")},
		{Smallest: parseIkey("g.SET.2"), Largest: parseIkey("j.SET.2")},
		{Smallest: parseIkey("m.SET.2"), Largest: parseIkey("p.SET.2")},
	}

	// An empty file list.
	require.Equal(t, 0, FindFile(cmp, nil, base.MakeSearchKey([]byte("a"))))

	// A key smaller than every file's largest key.
	require.Equal(t, 0, FindFile(cmp, files, base.MakeSearchKey([]byte("a"))))

	// A key larger than every file's largest key.
	require.Equal(t, 3, FindFile(cmp, files, base.MakeSearchKey([]byte("z"))))

	// Keys within and between files.
	require.Equal(t, 0, FindFile(cmp, files, base.MakeSearchKey([]byte("d"))))
	require.Equal(t, 1, FindFile(cmp, files, base.MakeSearchKey([]byte("f"))))
	require.Equal(t, 1, FindFile(cmp, files, base.MakeSearchKey([]byte("g"))))
	require.Equal(t, 2, FindFile(cmp, files, base.MakeSearchKey([]byte("k"))))
}

func TestSomeFileOverlapsRange(t *testing.T) {
	cmp := base.DefaultComparer.Compare
	disjoint := []*FileMetadata{
		{Smallest: parseIkey("c.SET.2"), Largest: parseIkey("e.SET.2")},
		{Smallest: parseIkey("g.SET.2"), Largest: parseIkey("j.SET.2")},
	}

	testCases := []struct {
		start, limit string
		want         bool
	}{
		{"a", "b", false},
		{"a", "c", true},
		{"e", "f", true},
		{"f", "f", false},
		{"k", "z", false},
		{"j", "z", true},
	}
	for _, tc := range testCases {
		got := SomeFileOverlapsRange(cmp, true, disjoint, []byte(tc.start), []byte(tc.limit))
		if got != tc.want {
			t.Errorf("[%s, %s]: got %t, want %t", tc.start, tc.limit, got, tc.want)
		}
		// The same answer must come from the exhaustive scan.
		got = SomeFileOverlapsRange(cmp, false, disjoint, []byte(tc.start), []byte(tc.limit))
		if got != tc.want {
			t.Errorf("[%s, %s] non-disjoint: got %t, want %t", tc.start, tc.limit, got, tc.want)
		}
	}

	// A nil start is before all keys; a nil limit is after all keys.
	require.True(t, SomeFileOverlapsRange(cmp, true, disjoint, nil, []byte("c")))
	require.False(t, SomeFileOverlapsRange(cmp, true, disjoint, nil, []byte("b")))
	require.True(t, SomeFileOverlapsRange(cmp, true, disjoint, []byte("j"), nil))
	require.False(t, SomeFileOverlapsRange(cmp, true, disjoint, []byte("k"), nil))
	require.True(t, SomeFileOverlapsRange(cmp, true, disjoint, nil, nil))
	require.False(t, SomeFileOverlapsRange(cmp, true, nil, nil, nil))
}

func TestOverlaps(t *testing.T) {
	cmp := base.DefaultComparer.Compare
	var v *Version
	datadriven.RunTest(t, "testdata/overlaps", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "define":
			v = &Version{}
			for _, line := range strings.Split(td.Input, "\n") {
				fields := strings.Fields(line)
				if len(fields) != 4 {
					td.Fatalf(t, "malformed file definition: %q", line)
				}
				level, err := strconv.Atoi(strings.TrimPrefix(fields[0], "L"))
				if err != nil {
					td.Fatalf(t, "%v", err)
				}
				fileNum, err := strconv.ParseUint(fields[1], 10, 64)
				if err != nil {
					td.Fatalf(t, "%v", err)
				}
				v.Files[level] = append(v.Files[level], &FileMetadata{
					FileNum:  base.FileNum(fileNum),
					Smallest: base.MakeInternalKey([]byte(fields[2]), 1, base.InternalKeyKindSet),
					Largest:  base.MakeInternalKey([]byte(fields[3]), 1, base.InternalKeyKindSet),
				})
			}
			return "OK"

		case "overlaps":
			var level int
			var start, limit []byte
			for _, arg := range td.CmdArgs {
				switch arg.Key {
				case "level":
					l, err := strconv.Atoi(arg.Vals[0])
					if err != nil {
						td.Fatalf(t, "%v", err)
					}
					level = l
				case "start":
					start = []byte(arg.Vals[0])
				case "limit":
					limit = []byte(arg.Vals[0])
				default:
					td.Fatalf(t, "unknown argument: %s", arg.Key)
				}
			}
			files := v.Overlaps(level, cmp, start, limit)
			if len(files) == 0 {
				return "(none)"
			}
			var buf bytes.Buffer
			for i, f := range files {
				if i > 0 {
					buf.WriteString(" ")
				}
				buf.WriteString(f.FileNum.String())
			}
			return buf.String()

		default:
			td.Fatalf(t, "unknown command: %s", td.Cmd)
			return ""
		}
	})
}

func TestCheckOrdering(t *testing.T) {
	cmp := base.DefaultComparer.Compare

	mk := func(num base.FileNum, smallest, largest string) *FileMetadata {
		return &FileMetadata{
			FileNum:  num,
			Smallest: parseIkey(smallest),
			Largest:  parseIkey(largest),
		}
	}

	// Level-0 files must have increasing file numbers.
	v := &Version{}
	v.Files[0] = []*FileMetadata{mk(2, "a.SET.2", "c.SET.2"), mk(1, "b.SET.1", "d.SET.1")}
	require.Error(t, v.CheckOrdering(cmp))

	v = &Version{}
	v.Files[0] = []*FileMetadata{mk(1, "a.SET.1", "c.SET.1"), mk(2, "b.SET.2", "d.SET.2")}
	require.NoError(t, v.CheckOrdering(cmp))

	// Files at deeper levels must be ordered and disjoint.
	v = &Version{}
	v.Files[1] = []*FileMetadata{mk(1, "a.SET.1", "e.SET.1"), mk(2, "c.SET.2", "g.SET.2")}
	require.Error(t, v.CheckOrdering(cmp))

	v = &Version{}
	v.Files[1] = []*FileMetadata{mk(1, "e.SET.1", "a.SET.1")}
	require.Error(t, v.CheckOrdering(cmp))

	v = &Version{}
	v.Files[1] = []*FileMetadata{mk(1, "a.SET.1", "b.SET.1"), mk(2, "c.SET.2", "g.SET.2")}
	require.NoError(t, v.CheckOrdering(cmp))

	// Touching user keys at a deeper level: the boundary keys compare by
	// trailer, so a file may not begin with the user key its predecessor
	// ends with unless the sequence number is smaller.
	v = &Version{}
	v.Files[1] = []*FileMetadata{mk(1, "a.SET.1", "c.SET.2"), mk(2, "c.SET.1", "g.SET.2")}
	require.NoError(t, v.CheckOrdering(cmp))
}

func TestPickLevelForMemTableOutput(t *testing.T) {
	cmp := base.DefaultComparer.Compare

	mk := func(num base.FileNum, size uint64, smallest, largest string) *FileMetadata {
		return &FileMetadata{
			FileNum:  num,
			Size:     size,
			Smallest: base.MakeInternalKey([]byte(smallest), 1, base.InternalKeyKindSet),
			Largest:  base.MakeInternalKey([]byte(largest), 1, base.InternalKeyKindSet),
		}
	}

	// An overlap at level 0 pins the output to level 0.
	v := &Version{}
	v.Files[0] = []*FileMetadata{mk(1, 100, "a", "c")}
	require.Equal(t, 0, v.PickLevelForMemTableOutput(cmp, []byte("b"), []byte("d")))

	// No overlap anywhere: the output can go as deep as MaxMemCompactLevel.
	v = &Version{}
	require.Equal(t, MaxMemCompactLevel, v.PickLevelForMemTableOutput(cmp, []byte("a"), []byte("b")))

	// An overlap at level 1 stops the descent at level 0.
	v = &Version{}
	v.Files[1] = []*FileMetadata{mk(1, 100, "a", "c")}
	require.Equal(t, 0, v.PickLevelForMemTableOutput(cmp, []byte("b"), []byte("d")))

	// An overlap at level 2 allows level 1.
	v = &Version{}
	v.Files[2] = []*FileMetadata{mk(1, 100, "a", "c")}
	require.Equal(t, 1, v.PickLevelForMemTableOutput(cmp, []byte("b"), []byte("d")))

	// Too much grandparent data at level 2 also stops the descent.
	v = &Version{}
	v.Files[2] = []*FileMetadata{mk(1, MaxGrandParentOverlapBytes+1, "a", "c")}
	require.Equal(t, 0, v.PickLevelForMemTableOutput(cmp, []byte("b"), []byte("d")))
}

func TestVersionRefs(t *testing.T) {
	f1 := &FileMetadata{FileNum: 1, Smallest: parseIkey("a.SET.1"), Largest: parseIkey("b.SET.1")}
	f2 := &FileMetadata{FileNum: 2, Smallest: parseIkey("c.SET.1"), Largest: parseIkey("d.SET.1")}

	var bve BulkVersionEdit
	bve.Accumulate(&VersionEdit{
		NewFiles: []NewFileEntry{
			{Level: 1, Meta: f1},
			{Level: 1, Meta: f2},
		},
	})
	v1, err := bve.Apply(nil, base.DefaultComparer.Compare)
	require.NoError(t, err)

	// A second version sharing f2 but not f1.
	var bve2 BulkVersionEdit
	bve2.Accumulate(&VersionEdit{
		DeletedFiles: map[DeletedFileEntry]bool{
			{Level: 1, FileNum: 1}: true,
		},
	})
	v2, err := bve2.Apply(v1, base.DefaultComparer.Compare)
	require.NoError(t, err)

	require.EqualValues(t, 1, f1.Refs())
	require.EqualValues(t, 2, f2.Refs())

	var list VersionList
	list.Init()
	list.PushBack(v1)
	list.PushBack(v2)
	v1.Ref()
	v2.Ref()

	var obsolete []base.FileNum
	v1.Deleted = func(o []base.FileNum) { obsolete = append(obsolete, o...) }
	v2.Deleted = v1.Deleted

	// Releasing v1 releases f1 entirely; f2 is still held by v2.
	v1.Unref()
	sort.Slice(obsolete, func(i, j int) bool { return obsolete[i] < obsolete[j] })
	require.Equal(t, []base.FileNum{1}, obsolete)
	require.EqualValues(t, 1, f2.Refs())

	obsolete = nil
	v2.Unref()
	require.Equal(t, []base.FileNum{2}, obsolete)
}

func TestVersionUnrefUnderflow(t *testing.T) {
	v := &Version{}
	var list VersionList
	list.Init()
	list.PushBack(v)
	v.Ref()
	v.Unref()
	require.PanicsWithValue(t, "crest: version refcount underflow", func() { v.Unref() })
}
