// Package store defines the persistence-facing collaborator interface the
// upload engine consults but does not implement: the engine itself is
// in-memory only (spec Non-goal: no durable cross-process resumption), but
// it still needs a seam for a caller-supplied cache of previously computed
// digests, keyed by path+mtime+size.
package store

import "time"

// DigestRecord is a previously computed set of digests for a local file,
// keyed by the caller to its path, size and modification time so a stale
// record never gets reused after the file changes on disk.
type DigestRecord struct {
	Size          int64
	ModTime       time.Time
	ContentMD5    string
	ContentCRC32  uint32
	SliceMD5      string
	HasContentMD5 bool
	HasCRC32      bool
	HasSliceMD5   bool
}

// Matches reports whether the record is still valid for the given file
// attributes — the caller's responsibility per spec.md §3 ("stale digests
// are the caller's responsibility"), but a DigestCache implementation is
// expected to honor it before returning a hit.
func (r DigestRecord) Matches(size int64, modTime time.Time) bool {
	return r.Size == size && r.ModTime.Equal(modTime)
}

// DigestCache abstracts the external metadata cache named in spec.md §1/§6
// as an out-of-scope collaborator: a keyed store the caller maintains
// across uploads so HashingFilter can skip recomputing digests for
// unchanged files.
type DigestCache interface {
	// Lookup returns a cached record for path, if any.
	Lookup(path string) (DigestRecord, bool)
	// Store saves (or replaces) the cached record for path.
	Store(path string, record DigestRecord)
}

// NopDigestCache is a DigestCache that never has anything cached — the
// default when the caller does not wire in persistence.
type NopDigestCache struct{}

func (NopDigestCache) Lookup(string) (DigestRecord, bool) { return DigestRecord{}, false }
func (NopDigestCache) Store(string, DigestRecord)         {}
