// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/crestdb/crest/internal/base"
)

var errCorruptManifest = base.CorruptionErrorf("crest: corrupt manifest")

type byteReader interface {
	io.ByteReader
	io.Reader
}

// Tags for the versionEdit disk format.
// Tag 8 is no longer used.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

// CompactPointerEntry holds a per-level compaction cursor: the largest
// internal key of the most recent compaction at that level.
type CompactPointerEntry struct {
	Level int
	Key   base.InternalKey
}

// DeletedFileEntry holds the state for a file deletion from a level. The
// file itself might still be referenced by another level.
type DeletedFileEntry struct {
	Level   int
	FileNum base.FileNum
}

// NewFileEntry holds the state for a new file or one moved from a different
// level.
type NewFileEntry struct {
	Level int
	Meta  *FileMetadata
}

// VersionEdit holds the state for an edit to a Version along with other
// on-disk state (log numbers, next file number, and the last sequence
// number).
type VersionEdit struct {
	// ComparerName is the value of Options.Comparer.Name. This is only set
	// in the first VersionEdit in a manifest (either when the DB is created,
	// or when a new manifest is created) and is used to verify that the
	// comparer specified at Open matches the comparer that was previously
	// used.
	ComparerName string

	// LogNum is the WAL file number whose mutations are reflected in the
	// edited layout. Zero means unset.
	LogNum base.FileNum

	// PrevLogNum is the WAL file number of the immutable memtable still
	// being compacted, if any. Zero means unset.
	PrevLogNum base.FileNum

	// NextFileNum is the next unused file number. Zero means unset.
	NextFileNum base.FileNum

	// LastSeqNum is an upper bound on the sequence numbers that have been
	// assigned. Zero means unset.
	LastSeqNum base.SeqNum

	// CompactPointers records per-level compaction cursors.
	CompactPointers []CompactPointerEntry

	// A file number may be present in both deleted files and new files when
	// it is moved from a lower level to a higher level (when the compaction
	// found that there was no overlapping file at the higher level).
	DeletedFiles map[DeletedFileEntry]bool
	NewFiles     []NewFileEntry
}

// Decode decodes an edit from the specified reader.
func (v *VersionEdit) Decode(r io.Reader) error {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := versionEditDecoder{br}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch tag {
		case tagComparator:
			s, err := d.readBytes()
			if err != nil {
				return err
			}
			v.ComparerName = string(s)

		case tagLogNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.LogNum = base.FileNum(n)

		case tagNextFileNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.NextFileNum = base.FileNum(n)

		case tagLastSequence:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.LastSeqNum = base.SeqNum(n)

		case tagCompactPointer:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			key, err := d.readBytes()
			if err != nil {
				return err
			}
			v.CompactPointers = append(v.CompactPointers, CompactPointerEntry{
				Level: level,
				Key:   base.DecodeInternalKey(key),
			})

		case tagDeletedFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readUvarint()
			if err != nil {
				return err
			}
			if v.DeletedFiles == nil {
				v.DeletedFiles = make(map[DeletedFileEntry]bool)
			}
			v.DeletedFiles[DeletedFileEntry{level, base.FileNum(fileNum)}] = true

		case tagNewFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readUvarint()
			if err != nil {
				return err
			}
			size, err := d.readUvarint()
			if err != nil {
				return err
			}
			smallest, err := d.readBytes()
			if err != nil {
				return err
			}
			largest, err := d.readBytes()
			if err != nil {
				return err
			}
			v.NewFiles = append(v.NewFiles, NewFileEntry{
				Level: level,
				Meta: &FileMetadata{
					FileNum:  base.FileNum(fileNum),
					Size:     size,
					Smallest: base.DecodeInternalKey(smallest),
					Largest:  base.DecodeInternalKey(largest),
				},
			})

		case tagPrevLogNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.PrevLogNum = base.FileNum(n)

		default:
			return errCorruptManifest
		}
	}
	return nil
}

// Encode encodes an edit to the specified writer.
func (v *VersionEdit) Encode(w io.Writer) error {
	e := versionEditEncoder{new(bytes.Buffer)}
	if v.ComparerName != "" {
		e.writeUvarint(tagComparator)
		e.writeString(v.ComparerName)
	}
	// A snapshot edit (the first record of a manifest, carrying the comparer
	// name) always encodes the log number and the last sequence number, even
	// when their value is zero, so that recovery can tell "zero" apart from
	// "never recorded".
	if v.LogNum != 0 || v.ComparerName != "" {
		e.writeUvarint(tagLogNumber)
		e.writeUvarint(uint64(v.LogNum))
	}
	if v.PrevLogNum != 0 {
		e.writeUvarint(tagPrevLogNumber)
		e.writeUvarint(uint64(v.PrevLogNum))
	}
	if v.NextFileNum != 0 {
		e.writeUvarint(tagNextFileNumber)
		e.writeUvarint(uint64(v.NextFileNum))
	}
	if v.LastSeqNum != 0 || v.ComparerName != "" {
		e.writeUvarint(tagLastSequence)
		e.writeUvarint(uint64(v.LastSeqNum))
	}
	for _, x := range v.CompactPointers {
		e.writeUvarint(tagCompactPointer)
		e.writeUvarint(uint64(x.Level))
		e.writeKey(x.Key)
	}
	for x := range v.DeletedFiles {
		e.writeUvarint(tagDeletedFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.FileNum))
	}
	for _, x := range v.NewFiles {
		e.writeUvarint(tagNewFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.Meta.FileNum))
		e.writeUvarint(x.Meta.Size)
		e.writeKey(x.Meta.Smallest)
		e.writeKey(x.Meta.Largest)
	}
	_, err := w.Write(e.Bytes())
	return err
}

type versionEditDecoder struct {
	byteReader
}

func (d versionEditDecoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	_, err = io.ReadFull(d, s)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errCorruptManifest
		}
		return nil, err
	}
	return s, nil
}

func (d versionEditDecoder) readLevel() (int, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if u >= NumLevels {
		return 0, errCorruptManifest
	}
	return int(u), nil
}

func (d versionEditDecoder) readUvarint() (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		if err == io.EOF {
			return 0, errCorruptManifest
		}
		return 0, err
	}
	return u, nil
}

type versionEditEncoder struct {
	*bytes.Buffer
}

func (e versionEditEncoder) writeBytes(p []byte) {
	e.writeUvarint(uint64(len(p)))
	e.Write(p)
}

func (e versionEditEncoder) writeKey(k base.InternalKey) {
	e.writeUvarint(uint64(k.Size()))
	e.Write(k.UserKey)
	buf := k.EncodeTrailer()
	e.Write(buf[:])
}

func (e versionEditEncoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.WriteString(s)
}

func (e versionEditEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}

// String renders the edit for introspection tooling.
func (v *VersionEdit) String() string {
	var buf bytes.Buffer
	if v.ComparerName != "" {
		fmt.Fprintf(&buf, "  comparer:     %s\n", v.ComparerName)
	}
	if v.LogNum != 0 {
		fmt.Fprintf(&buf, "  log-num:      %s\n", v.LogNum)
	}
	if v.PrevLogNum != 0 {
		fmt.Fprintf(&buf, "  prev-log-num: %s\n", v.PrevLogNum)
	}
	if v.NextFileNum != 0 {
		fmt.Fprintf(&buf, "  next-file-num: %s\n", v.NextFileNum)
	}
	if v.LastSeqNum != 0 {
		fmt.Fprintf(&buf, "  last-seq-num: %s\n", v.LastSeqNum)
	}
	for _, cp := range v.CompactPointers {
		fmt.Fprintf(&buf, "  compact-pointer: L%d %s\n", cp.Level, cp.Key)
	}
	entries := make([]DeletedFileEntry, 0, len(v.DeletedFiles))
	for df := range v.DeletedFiles {
		entries = append(entries, df)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Level != entries[j].Level {
			return entries[i].Level < entries[j].Level
		}
		return entries[i].FileNum < entries[j].FileNum
	})
	for _, df := range entries {
		fmt.Fprintf(&buf, "  deleted:      L%d %s\n", df.Level, df.FileNum)
	}
	for _, nf := range v.NewFiles {
		fmt.Fprintf(&buf, "  added:        L%d %s\n", nf.Level, nf.Meta)
	}
	return buf.String()
}

// BulkVersionEdit summarizes the files added and deleted from a set of
// version edits. It is the accumulator through which a sequence of edits is
// applied to a base version to produce a new version without materializing
// the intermediate states.
type BulkVersionEdit struct {
	Added   [NumLevels][]*FileMetadata
	Deleted [NumLevels]map[base.FileNum]bool

	// CompactPointers accumulates the compaction cursor updates carried by
	// the edits, in application order.
	CompactPointers []CompactPointerEntry
}

// Accumulate adds the file additions and deletions in the specified version
// edit to the bulk edit's internal state.
func (b *BulkVersionEdit) Accumulate(ve *VersionEdit) {
	b.CompactPointers = append(b.CompactPointers, ve.CompactPointers...)

	for df := range ve.DeletedFiles {
		dmap := b.Deleted[df.Level]
		if dmap == nil {
			dmap = make(map[base.FileNum]bool)
			b.Deleted[df.Level] = dmap
		}
		dmap[df.FileNum] = true
	}

	for _, nf := range ve.NewFiles {
		// A file can be deleted and re-added within the same accumulated
		// sequence of edits: the addition shadows the earlier deletion.
		if dmap := b.Deleted[nf.Level]; dmap != nil {
			delete(dmap, nf.Meta.FileNum)
		}
		if nf.Meta.AllowedSeeks == 0 {
			nf.Meta.initAllowedSeeks()
		}
		b.Added[nf.Level] = append(b.Added[nf.Level], nf.Meta)
	}
}

// bySmallestKey orders two files by (smallest internal key, file number).
func bySmallestKey(ucmp base.Compare, f1, f2 *FileMetadata) int {
	if r := base.InternalCompare(ucmp, f1.Smallest, f2.Smallest); r != 0 {
		return r
	}
	switch {
	case f1.FileNum < f2.FileNum:
		return -1
	case f1.FileNum > f2.FileNum:
		return 1
	default:
		return 0
	}
}

// Apply applies the delta b to the current version to produce a new version.
// The new version is consistent with respect to the comparer ucmp.
//
// curr may be nil, which is equivalent to a pointer to a zero version.
//
// On success every file in the returned version has had its reference count
// incremented on behalf of the new version.
func (b *BulkVersionEdit) Apply(curr *Version, ucmp base.Compare) (*Version, error) {
	v := new(Version)
	for level := range v.Files {
		var currFiles []*FileMetadata
		if curr != nil {
			currFiles = curr.Files[level]
		}
		addedFiles := b.Added[level]
		deletedMap := b.Deleted[level]

		if len(addedFiles) == 0 && len(deletedMap) == 0 {
			// There are no edits on this level: share the base slice, but
			// still account for the new version's references.
			v.Files[level] = currFiles
			for _, f := range currFiles {
				f.refs++
			}
			continue
		}

		n := len(currFiles) + len(addedFiles)
		if n == 0 {
			return nil, errors.AssertionFailedf(
				"crest: no current or added files, but have %d deleted files",
				len(deletedMap))
		}
		v.Files[level] = make([]*FileMetadata, 0, n)

		// A base file that is also among the added files was deleted and
		// re-added: the addition replaces it, so the base copy is dropped.
		if len(addedFiles) > 0 && len(currFiles) > 0 {
			readded := make(map[base.FileNum]bool, len(addedFiles))
			for _, f := range addedFiles {
				readded[f.FileNum] = true
			}
			kept := make([]*FileMetadata, 0, len(currFiles))
			for _, f := range currFiles {
				if !readded[f.FileNum] {
					kept = append(kept, f)
				}
			}
			currFiles = kept
		}

		if level == 0 {
			// Level-0 files are ordered by increasing file number, which is
			// also increasing age.
			added := append([]*FileMetadata(nil), addedFiles...)
			sort.Slice(added, func(i, j int) bool {
				return added[i].FileNum < added[j].FileNum
			})
			i, j := 0, 0
			for i < len(currFiles) || j < len(added) {
				var f *FileMetadata
				switch {
				case j >= len(added):
					f, i = currFiles[i], i+1
				case i >= len(currFiles):
					f, j = added[j], j+1
				case currFiles[i].FileNum < added[j].FileNum:
					f, i = currFiles[i], i+1
				default:
					f, j = added[j], j+1
				}
				if deletedMap[f.FileNum] {
					continue
				}
				f.refs++
				v.Files[level] = append(v.Files[level], f)
			}
			continue
		}

		// Levels other than 0: merge the added files into the base files
		// under the (smallest, file number) order, dropping deleted files.
		added := append([]*FileMetadata(nil), addedFiles...)
		sort.Slice(added, func(i, j int) bool {
			return bySmallestKey(ucmp, added[i], added[j]) < 0
		})
		for _, f := range added {
			if deletedMap[f.FileNum] {
				continue
			}
			// Copy all base files that sort before f.
			j := sort.Search(len(currFiles), func(i int) bool {
				return bySmallestKey(ucmp, currFiles[i], f) >= 0
			})
			for _, cf := range currFiles[:j] {
				if deletedMap[cf.FileNum] {
					continue
				}
				cf.refs++
				v.Files[level] = append(v.Files[level], cf)
			}
			currFiles = currFiles[j:]
			f.refs++
			v.Files[level] = append(v.Files[level], f)
		}
		// Add any remaining base files that sort after all added files.
		for _, cf := range currFiles {
			if deletedMap[cf.FileNum] {
				continue
			}
			cf.refs++
			v.Files[level] = append(v.Files[level], cf)
		}

		// The files within a non-0 level must not overlap.
		for i := 1; i < len(v.Files[level]); i++ {
			prev, this := v.Files[level][i-1], v.Files[level][i]
			if base.InternalCompare(ucmp, prev.Largest, this.Smallest) >= 0 {
				return nil, errors.AssertionFailedf(
					"crest: level %d files %s and %s have overlapping ranges: [%s-%s] vs [%s-%s]",
					level, prev.FileNum, this.FileNum,
					prev.Smallest, prev.Largest, this.Smallest, this.Largest)
			}
		}
	}
	return v, nil
}
