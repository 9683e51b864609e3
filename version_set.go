// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package crest

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/crestdb/crest/internal/base"
	"github.com/crestdb/crest/internal/manifest"
	"github.com/crestdb/crest/internal/record"
	"github.com/crestdb/crest/vfs"
)

// NumLevels is the number of levels in the LSM.
const NumLevels = manifest.NumLevels

// VersionSet manages a collection of immutable versions, and manages the
// creation of a new version from the most recent version. A new version is
// created from an existing version by applying a version edit which is just
// like it sounds: a delta from the previous version. Version edits are logged
// to the manifest file, which is replayed at startup.
//
// The caller owns a mutex protecting the whole DB; every method of VersionSet
// must be invoked with that mutex held unless noted otherwise. LogAndApply
// releases the mutex across the manifest write and reacquires it; callers of
// LogAndApply must be serialized upstream.
type VersionSet struct {
	// Immutable fields.
	dirname string
	mu      *sync.Mutex
	opts    *Options
	fs      vfs.FS
	ucmp    base.Compare
	cmpName string
	logger  base.Logger

	// versions is the list of live versions, oldest first. current is the
	// most recently installed version.
	versions manifest.VersionList
	current  *manifest.Version

	// nextFileNum is the next unused file number. A single counter assigns
	// file numbers for the WAL, MANIFEST, and sstable files.
	nextFileNum base.FileNum

	// manifestFileNum is the file number of the active (or, before the first
	// LogAndApply, the upcoming) manifest.
	manifestFileNum base.FileNum

	// lastSeqNum is the upper bound on assigned sequence numbers.
	lastSeqNum base.SeqNum

	// logNum is the WAL file number whose mutations are reflected in the
	// current layout; prevLogNum, when non-zero, is the WAL of an immutable
	// memtable still being compacted.
	logNum     base.FileNum
	prevLogNum base.FileNum

	// compactPointer[level] is the encoded largest internal key of the most
	// recent compaction at level, used as a round-robin cursor through the
	// key space.
	compactPointer [NumLevels][]byte

	// The active manifest: an append-only record log and its file handle.
	manifestFile vfs.File
	manifest     *record.Writer

	// Files whose reference counts have dropped to zero, awaiting the file
	// garbage collection pass.
	obsoleteTables    []base.FileNum
	obsoleteManifests []base.FileNum
	obsoleteFn        func(obsolete []base.FileNum)
}

// NewVersionSet returns a version set for the DB rooted at dirname. The
// returned set holds a single empty version; call Create to initialize a
// fresh DB on disk, or Recover to load an existing one.
func NewVersionSet(dirname string, opts *Options, mu *sync.Mutex) *VersionSet {
	opts = opts.EnsureDefaults()
	vs := &VersionSet{
		dirname:     dirname,
		mu:          mu,
		opts:        opts,
		fs:          opts.FS,
		ucmp:        opts.Comparer.Compare,
		cmpName:     opts.Comparer.Name,
		logger:      opts.Logger,
		nextFileNum: 2,
	}
	vs.versions.Init()
	vs.obsoleteFn = func(obsolete []base.FileNum) {
		vs.obsoleteTables = append(vs.obsoleteTables, obsolete...)
	}
	vs.append(&manifest.Version{})
	return vs
}

// Create initializes a fresh DB: it writes a manifest holding a snapshot of
// the (empty) current version and installs it as CURRENT.
func (vs *VersionSet) Create() error {
	vs.manifestFileNum = vs.NewFileNum()
	if err := vs.createManifest(vs.manifestFileNum); err != nil {
		return err
	}
	if err := vs.manifest.Flush(); err != nil {
		return err
	}
	if err := vs.manifestFile.Sync(); err != nil {
		return err
	}
	return setCurrentFile(vs.dirname, vs.fs, vs.manifestFileNum)
}

// Recover loads the version set from the manifest named by the CURRENT file.
func (vs *VersionSet) Recover() error {
	// Read the CURRENT file to find the current manifest file.
	current, err := vs.fs.Open(base.MakeFilename(vs.fs, vs.dirname, base.FileTypeCurrent, 0))
	if err != nil {
		return errors.Wrapf(err, "crest: could not open CURRENT file for DB %q", vs.dirname)
	}
	defer current.Close()
	stat, err := current.Stat()
	if err != nil {
		return err
	}
	n := stat.Size()
	if n == 0 {
		return base.CorruptionErrorf("crest: CURRENT file for DB %q is empty", vs.dirname)
	}
	if n > 4096 {
		return base.CorruptionErrorf("crest: CURRENT file for DB %q is too large", vs.dirname)
	}
	b := make([]byte, n)
	if _, err := current.ReadAt(b, 0); err != nil {
		return err
	}
	if b[n-1] != '\n' {
		return base.CorruptionErrorf("crest: CURRENT file for DB %q is malformed", vs.dirname)
	}
	b = bytes.TrimSpace(b)

	fileType, _, ok := base.ParseFilename(vs.fs, string(b))
	if !ok || fileType != base.FileTypeManifest {
		return base.CorruptionErrorf("crest: MANIFEST name %q is malformed", b)
	}

	// Read the version edits in the manifest file.
	var haveLogNum, havePrevLogNum, haveNextFileNum, haveLastSeqNum bool
	var logNum, prevLogNum, nextFileNum base.FileNum
	var lastSeqNum base.SeqNum
	var bve manifest.BulkVersionEdit

	manifestPath := vs.fs.PathJoin(vs.dirname, string(b))
	mf, err := vs.fs.Open(manifestPath)
	if err != nil {
		return errors.Wrapf(err, "crest: could not open manifest file %q for DB %q", b, vs.dirname)
	}
	defer mf.Close()
	rr := record.NewReader(mf)
	for {
		r, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return base.MarkCorruptionError(err)
		}
		var ve manifest.VersionEdit
		if err := ve.Decode(r); err != nil {
			return err
		}
		if ve.ComparerName != "" && ve.ComparerName != vs.cmpName {
			return errors.Errorf(
				"crest: manifest file %q for DB %q: comparer name from file %q != comparer name from Options %q",
				b, vs.dirname, ve.ComparerName, vs.cmpName)
		}
		bve.Accumulate(&ve)
		// A snapshot edit (one carrying the comparer name) always encodes
		// the log number and the last sequence number, even when their
		// value is zero.
		if ve.LogNum != 0 || ve.ComparerName != "" {
			logNum = ve.LogNum
			haveLogNum = true
		}
		if ve.PrevLogNum != 0 {
			prevLogNum = ve.PrevLogNum
			havePrevLogNum = true
		}
		if ve.NextFileNum != 0 {
			nextFileNum = ve.NextFileNum
			haveNextFileNum = true
		}
		if ve.LastSeqNum != 0 || ve.ComparerName != "" {
			lastSeqNum = ve.LastSeqNum
			haveLastSeqNum = true
		}
	}
	if !haveNextFileNum {
		return base.CorruptionErrorf("crest: no next-file-number entry in manifest %q", b)
	}
	if !haveLogNum {
		return base.CorruptionErrorf("crest: no log-number entry in manifest %q", b)
	}
	if !haveLastSeqNum {
		return base.CorruptionErrorf("crest: no last-sequence-number entry in manifest %q", b)
	}
	if !havePrevLogNum {
		prevLogNum = 0
	}

	newVersion, err := bve.Apply(vs.current, vs.ucmp)
	if err != nil {
		return err
	}
	for _, cp := range bve.CompactPointers {
		vs.compactPointer[cp.Level] = encodeKey(cp.Key)
	}
	vs.finalize(newVersion)
	vs.append(newVersion)

	vs.manifestFileNum = nextFileNum
	vs.nextFileNum = nextFileNum + 1
	vs.lastSeqNum = lastSeqNum
	vs.logNum = logNum
	vs.prevLogNum = prevLogNum
	// Future file number allocations must skip the recovered log files.
	vs.MarkFileNumUsed(prevLogNum)
	vs.MarkFileNumUsed(logNum)
	return nil
}

// Close closes the active manifest.
func (vs *VersionSet) Close() error {
	if vs.manifest != nil {
		if err := vs.manifest.Close(); err != nil {
			return err
		}
	}
	if vs.manifestFile != nil {
		if err := vs.manifestFile.Close(); err != nil {
			return err
		}
	}
	return nil
}

// LogAndApply logs the version edit to the manifest, applies the edit to the
// current version, and installs the new version as current.
//
// The DB mutex must be held when calling this method; it is released
// temporarily while performing the manifest write and the CURRENT swap, and
// reacquired before returning. Concurrent callers must be serialized
// upstream. On failure the current version is untouched and a newly created
// manifest, if any, is deleted before returning.
func (vs *VersionSet) LogAndApply(ve *manifest.VersionEdit) error {
	if ve.LogNum == 0 {
		ve.LogNum = vs.logNum
	} else if ve.LogNum < vs.logNum || ve.LogNum >= vs.nextFileNum {
		panic(fmt.Sprintf("crest: inconsistent version edit log number %s", ve.LogNum))
	}
	if ve.PrevLogNum == 0 {
		ve.PrevLogNum = vs.prevLogNum
	}
	ve.NextFileNum = vs.nextFileNum
	ve.LastSeqNum = vs.lastSeqNum

	var bve manifest.BulkVersionEdit
	bve.Accumulate(ve)
	newVersion, err := bve.Apply(vs.current, vs.ucmp)
	if err != nil {
		return err
	}
	for _, cp := range bve.CompactPointers {
		vs.compactPointer[cp.Level] = encodeKey(cp.Key)
	}
	vs.finalize(newVersion)
	if vs.opts.ParanoidChecks {
		if err := newVersion.CheckOrdering(vs.ucmp); err != nil {
			newVersion.UnrefFiles()
			return err
		}
	}

	// If no manifest is currently open (first call after open, or the
	// previous one failed) create one holding a snapshot of the current
	// version. The snapshot is written under the mutex; only the edit write
	// below is the expensive, unlocked step.
	newManifest := vs.manifest == nil
	var rolledOverFrom base.FileNum
	if newManifest {
		if err := vs.createManifest(vs.manifestFileNum); err != nil {
			newVersion.UnrefFiles()
			return err
		}
	} else if vs.manifest.Size() >= vs.opts.MaxManifestFileSize {
		// The current manifest has grown too large; roll over to a new one,
		// which starts with a snapshot of the current version.
		newManifestFileNum := vs.NewFileNum()
		// The number just taken is no longer unused.
		ve.NextFileNum = vs.nextFileNum
		oldManifest, oldManifestFile := vs.manifest, vs.manifestFile
		if err := vs.createManifest(newManifestFileNum); err != nil {
			vs.logger.Infof("MANIFEST rollover failed: %v", err)
			vs.manifest, vs.manifestFile = oldManifest, oldManifestFile
		} else {
			oldManifest.Close()
			oldManifestFile.Close()
			rolledOverFrom = vs.manifestFileNum
			vs.manifestFileNum = newManifestFileNum
			newManifest = true
		}
	}

	var rec []byte
	{
		var buf bytes.Buffer
		if err := ve.Encode(&buf); err != nil {
			vs.rollbackManifest(newManifest)
			newVersion.UnrefFiles()
			return err
		}
		rec = buf.Bytes()
	}

	// Unlock during the expensive manifest write.
	err = func() error {
		vs.mu.Unlock()
		defer vs.mu.Lock()

		var werr error
		if _, werr = vs.manifest.WriteRecord(rec); werr == nil {
			werr = vs.manifest.Flush()
		}
		if werr == nil {
			werr = vs.manifestFile.Sync()
		}
		if werr != nil {
			vs.logger.Infof("MANIFEST write: %v", werr)
			if vs.manifestContains(rec) {
				// The record made it to the file despite the error; advance
				// to the new version to prevent a mismatch between the
				// in-memory and logged state.
				vs.logger.Infof("MANIFEST contains log record despite error")
				werr = nil
			}
		}
		if werr != nil {
			return werr
		}

		// If we just created a new manifest file, install it by writing a
		// new CURRENT file that points to it.
		if newManifest {
			if err := setCurrentFile(vs.dirname, vs.fs, vs.manifestFileNum); err != nil {
				return err
			}
		}
		return nil
	}()

	if err != nil {
		vs.rollbackManifest(newManifest)
		newVersion.UnrefFiles()
		return err
	}

	// Install the new version.
	vs.append(newVersion)
	vs.logNum = ve.LogNum
	vs.prevLogNum = ve.PrevLogNum
	// The superseded manifest is only discardable once CURRENT no longer
	// names it.
	if rolledOverFrom != 0 {
		vs.obsoleteManifests = append(vs.obsoleteManifests, rolledOverFrom)
	}
	return nil
}

// rollbackManifest discards a manifest created by the failing LogAndApply
// call so that the next call recreates it from a fresh snapshot.
func (vs *VersionSet) rollbackManifest(newManifest bool) {
	if !newManifest || vs.manifest == nil {
		return
	}
	vs.manifest.Close()
	vs.manifestFile.Close()
	vs.manifest = nil
	vs.manifestFile = nil
	vs.fs.Remove(base.MakeFilename(vs.fs, vs.dirname, base.FileTypeManifest, vs.manifestFileNum))
}

// createManifest creates a manifest file named by fileNum that begins with a
// snapshot edit describing the entire current layout: the comparer name,
// every compaction pointer, and every file at every level.
func (vs *VersionSet) createManifest(fileNum base.FileNum) (err error) {
	var (
		filename     = base.MakeFilename(vs.fs, vs.dirname, base.FileTypeManifest, fileNum)
		manifestFile vfs.File
		mw           *record.Writer
	)
	defer func() {
		if mw != nil {
			mw.Close()
		}
		if manifestFile != nil {
			manifestFile.Close()
		}
		if err != nil {
			vs.fs.Remove(filename)
		}
	}()
	manifestFile, err = vs.fs.Create(filename)
	if err != nil {
		return err
	}
	mw = record.NewWriter(manifestFile)

	snapshot := manifest.VersionEdit{
		ComparerName: vs.cmpName,
		LogNum:       vs.logNum,
		NextFileNum:  vs.nextFileNum,
		LastSeqNum:   vs.lastSeqNum,
	}
	for level := range vs.compactPointer {
		if len(vs.compactPointer[level]) > 0 {
			snapshot.CompactPointers = append(snapshot.CompactPointers, manifest.CompactPointerEntry{
				Level: level,
				Key:   base.DecodeInternalKey(vs.compactPointer[level]),
			})
		}
	}
	for level, files := range vs.current.Files {
		for _, meta := range files {
			snapshot.NewFiles = append(snapshot.NewFiles, manifest.NewFileEntry{
				Level: level,
				Meta:  meta,
			})
		}
	}

	var buf bytes.Buffer
	if err := snapshot.Encode(&buf); err != nil {
		return err
	}
	if _, err := mw.WriteRecord(buf.Bytes()); err != nil {
		return err
	}

	vs.manifest, mw = mw, nil
	vs.manifestFile, manifestFile = manifestFile, nil
	return nil
}

// manifestContains reports whether the active manifest contains the
// specified record. It re-opens the manifest read-only; it is the fallback
// check run when a manifest write reported an error that may have been
// spurious.
func (vs *VersionSet) manifestContains(rec []byte) bool {
	filename := base.MakeFilename(vs.fs, vs.dirname, base.FileTypeManifest, vs.manifestFileNum)
	f, err := vs.fs.Open(filename)
	if err != nil {
		vs.logger.Infof("manifestContains: %v", err)
		return false
	}
	defer f.Close()
	rr := record.NewReader(f)
	for {
		r, err := rr.Next()
		if err != nil {
			return false
		}
		b, err := io.ReadAll(r)
		if err != nil {
			return false
		}
		if bytes.Equal(b, rec) {
			return true
		}
	}
}

// finalize precomputes the best level for the next compaction and its score.
func (vs *VersionSet) finalize(v *manifest.Version) {
	bestLevel := -1
	bestScore := -1.0
	for level := 0; level < NumLevels-1; level++ {
		var score float64
		if level == 0 {
			// We treat level-0 specially by bounding the number of files
			// instead of number of bytes for two reasons:
			//
			// (1) With larger write-buffer sizes, it is nice not to do too
			// many level-0 compactions.
			//
			// (2) The files in level-0 are merged on every read and
			// therefore we wish to avoid too many files when the individual
			// file size is small (perhaps because of a small write-buffer
			// setting, or very high compression ratios, or lots of
			// overwrites/deletions).
			score = float64(len(v.Files[level])) / float64(vs.opts.L0CompactionThreshold)
		} else {
			score = float64(manifest.TotalSize(v.Files[level])) / maxBytesForLevel(level)
		}
		if score > bestScore {
			bestLevel = level
			bestScore = score
		}
	}
	v.CompactionLevel = bestLevel
	v.CompactionScore = bestScore
}

// maxBytesForLevel returns the byte budget of a level: 10 MB for level 1,
// growing by a factor of 10 per level. The result for level 0 is not used
// since the level-0 compaction threshold is based on the number of files.
func maxBytesForLevel(level int) float64 {
	result := 10.0 * 1048576.0
	for level > 1 {
		result *= 10
		level--
	}
	return result
}

// maxFileSizeForLevel returns the nominal size of an output file at the
// given level.
func maxFileSizeForLevel(level int) uint64 {
	// We could vary this per level to reduce the number of files.
	return manifest.TargetFileSize
}

// MarkFileNumUsed records that the given file number is in use so that
// future allocations skip it.
func (vs *VersionSet) MarkFileNumUsed(fileNum base.FileNum) {
	if vs.nextFileNum <= fileNum {
		vs.nextFileNum = fileNum + 1
	}
}

// NewFileNum allocates and returns a fresh file number.
func (vs *VersionSet) NewFileNum() base.FileNum {
	x := vs.nextFileNum
	vs.nextFileNum++
	return x
}

// LastSeqNum returns the upper bound on assigned sequence numbers.
func (vs *VersionSet) LastSeqNum() base.SeqNum {
	return vs.lastSeqNum
}

// SetLastSeqNum raises the upper bound on assigned sequence numbers.
func (vs *VersionSet) SetLastSeqNum(seqNum base.SeqNum) {
	if seqNum < vs.lastSeqNum {
		panic("crest: sequence numbers must be monotone")
	}
	vs.lastSeqNum = seqNum
}

// LogNum returns the WAL file number reflected in the current layout.
func (vs *VersionSet) LogNum() base.FileNum {
	return vs.logNum
}

// PrevLogNum returns the WAL file number of the immutable memtable still
// being compacted, or zero.
func (vs *VersionSet) PrevLogNum() base.FileNum {
	return vs.prevLogNum
}

// ManifestFileNum returns the file number of the active manifest.
func (vs *VersionSet) ManifestFileNum() base.FileNum {
	return vs.manifestFileNum
}

// Current returns the most recently installed version.
func (vs *VersionSet) Current() *manifest.Version {
	return vs.current
}

// append installs v as the current version.
func (vs *VersionSet) append(v *manifest.Version) {
	if v.Refs() != 0 {
		panic("crest: version should be unreferenced")
	}
	if vs.current != nil {
		vs.current.Unref()
	}
	v.Deleted = vs.obsoleteFn
	v.Ref()
	vs.versions.PushBack(v)
	vs.current = v
}

// NumLevelFiles returns the number of files at the given level in the
// current version.
func (vs *VersionSet) NumLevelFiles(level int) int {
	return len(vs.current.Files[level])
}

// NumLevelBytes returns the total size of the files at the given level in
// the current version.
func (vs *VersionSet) NumLevelBytes(level int) uint64 {
	return manifest.TotalSize(vs.current.Files[level])
}

// LevelSummary returns a one-line summary of per-level file counts.
func (vs *VersionSet) LevelSummary() string {
	var buf bytes.Buffer
	buf.WriteString("files[")
	for level := range vs.current.Files {
		if level > 0 {
			buf.WriteString(" ")
		}
		fmt.Fprintf(&buf, "%d", len(vs.current.Files[level]))
	}
	buf.WriteString("]")
	return buf.String()
}

// AddLiveFiles adds the file numbers referenced by any live version to the
// given set. Any table file on disk whose number is not in the resulting set
// is safe to unlink.
func (vs *VersionSet) AddLiveFiles(m map[base.FileNum]struct{}) {
	for v := vs.versions.Front(); v != vs.versions.End(); v = v.Next() {
		for _, files := range v.Files {
			for _, f := range files {
				m[f.FileNum] = struct{}{}
			}
		}
	}
}

// ObsoleteTables returns, and clears, the accumulated numbers of table files
// no longer referenced by any live version.
func (vs *VersionSet) ObsoleteTables() []base.FileNum {
	o := vs.obsoleteTables
	vs.obsoleteTables = nil
	return o
}

// ObsoleteManifests returns, and clears, the numbers of manifest files
// superseded by rollover.
func (vs *VersionSet) ObsoleteManifests() []base.FileNum {
	o := vs.obsoleteManifests
	vs.obsoleteManifests = nil
	return o
}

// MaxNextLevelOverlappingBytes returns the largest total overlap between any
// single file and the files of the next level, over levels 1 and deeper.
func (vs *VersionSet) MaxNextLevelOverlappingBytes() uint64 {
	var result uint64
	for level := 1; level < NumLevels-1; level++ {
		for _, f := range vs.current.Files[level] {
			overlaps := vs.current.Overlaps(
				level+1, vs.ucmp, f.Smallest.UserKey, f.Largest.UserKey)
			if sum := manifest.TotalSize(overlaps); sum > result {
				result = sum
			}
		}
	}
	return result
}

// tableOffsetEstimator is an optional TableCache capability: an estimate of
// the byte offset of a key within a single table.
type tableOffsetEstimator interface {
	ApproximateOffsetOf(fileNum base.FileNum, fileSize uint64, key base.InternalKey) (uint64, error)
}

// ApproximateOffsetOf returns the approximate byte offset of ikey within the
// version: the total size of all files wholly before it, plus, when the
// table cache can estimate it, the offset of the key within its containing
// file.
func (vs *VersionSet) ApproximateOffsetOf(
	v *manifest.Version, cache manifest.TableCache, ikey base.InternalKey,
) uint64 {
	est, _ := cache.(tableOffsetEstimator)
	var result uint64
	for level, files := range v.Files {
		for _, f := range files {
			if base.InternalCompare(vs.ucmp, f.Largest, ikey) <= 0 {
				// The entire file is before ikey, so just add the file size.
				result += f.Size
			} else if base.InternalCompare(vs.ucmp, f.Smallest, ikey) > 0 {
				// The entire file is after ikey, so ignore it. For levels
				// above 0 the files are sorted by smallest key, so no
				// further files in this level contain data for ikey.
				if level > 0 {
					break
				}
			} else if est != nil {
				// ikey falls in the range for this table.
				if off, err := est.ApproximateOffsetOf(f.FileNum, f.Size, ikey); err == nil {
					result += off
				}
			}
		}
	}
	return result
}

// setCurrentFile atomically points the CURRENT file at the manifest named by
// fileNum, by writing a temporary file and renaming it into place.
func setCurrentFile(dirname string, fs vfs.FS, fileNum base.FileNum) error {
	newFilename := base.MakeFilename(fs, dirname, base.FileTypeCurrent, fileNum)
	oldFilename := base.MakeFilename(fs, dirname, base.FileTypeTemp, fileNum)
	fs.Remove(oldFilename)
	f, err := fs.Create(oldFilename)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "MANIFEST-%s\n", fileNum); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fs.Rename(oldFilename, newFilename)
}

// encodeKey returns the encoded form of an internal key.
func encodeKey(k base.InternalKey) []byte {
	buf := make([]byte, k.Size())
	k.Encode(buf)
	return buf
}
