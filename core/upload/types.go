// Package upload implements the per-file Uploader state machine and the
// UploaderPool concurrency controller described in spec.md — hashing,
// rapid-upload, chunked slice transfer, finalize/verify, pause/cancel, and
// bounded-parallelism scheduling over many uploads.
package upload

import "sync"

const (
	// SliceSize is the fixed chunked-upload window: 4 MiB.
	SliceSize = 4 * 1024 * 1024
	// HeadDigestWindow is the byte window hashed for the rapid-upload
	// slice digest: the first 262144 bytes of the file.
	HeadDigestWindow = 262144
	// ReadBufferSize is the granularity HashingFilter reads and reports
	// progress at.
	ReadBufferSize = 8192
)

// OnDuplicate controls what the remote does when the target path already
// exists.
type OnDuplicate int

const (
	// Overwrite replaces the existing object. This is the default per
	// spec.md §6 when the caller leaves on_duplicate unspecified.
	Overwrite OnDuplicate = iota
	NewCopy
	Skip
)

// State is one of the Uploader's lifecycle states (spec.md §3/§4.3).
type State int

const (
	Init State = iota
	Hashing
	RapidAttempt
	Precreate
	Transferring
	Finalize
	Paused
	Cancelled
	Error
	Finished
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Hashing:
		return "Hashing"
	case RapidAttempt:
		return "RapidAttempt"
	case Precreate:
		return "Precreate"
	case Transferring:
		return "Transferring"
	case Finalize:
		return "Finalize"
	case Paused:
		return "Paused"
	case Cancelled:
		return "Cancelled"
	case Error:
		return "Error"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is an absorbing state: Cancelled, Error or
// Finished. No further transitions or events occur once a task reaches one.
func (s State) Terminal() bool {
	return s == Cancelled || s == Error || s == Finished
}

// TrackedFile is the input descriptor for one upload: a local path plus
// any digests the caller already knows (e.g. from a DigestCache). Any
// digest present is trusted as-is; a stale digest is the caller's
// responsibility (spec.md §3).
type TrackedFile struct {
	LocalPath     string
	RemotePath    string
	ContentLength int64
	ContentMD5    string
	ContentCRC32  uint32
	SliceMD5      string
	HasLength     bool
	HasMD5        bool
	HasCRC32      bool
	HasSliceMD5   bool
	OnDuplicate   OnDuplicate
}

// UploadTask is one in-flight or queued upload, owned exclusively by the
// pool that created it (spec.md §3).
type UploadTask struct {
	mu sync.RWMutex

	id         int64
	localPath  string
	remotePath string
	file       TrackedFile

	sessionID      string
	sliceCount     int64
	acceptedSlices []string

	contentLength int64
	contentMD5    string
	contentCRC32  uint32
	sliceMD5      string

	bytesUploaded      int64
	instantaneousSpeed int64
	lastSampledBytes   int64

	state       State
	onDuplicate OnDuplicate
	lastErr     error
}

// ID returns the task's pool-assigned identifier.
func (t *UploadTask) ID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

// State returns the task's current lifecycle state.
func (t *UploadTask) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *UploadTask) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Progress returns bytes uploaded so far, the total content length, and
// the most recently sampled instantaneous speed in bytes/second.
func (t *UploadTask) Progress() (uploaded, total, speed int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bytesUploaded, t.contentLength, t.instantaneousSpeed
}

// AcceptedSlices returns a copy of the positionally-ordered slice
// identifiers accepted by the remote so far.
func (t *UploadTask) AcceptedSlices() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.acceptedSlices))
	copy(out, t.acceptedSlices)
	return out
}

// Err returns the error that put the task into the Error state, if any.
func (t *UploadTask) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// RemotePath returns the task's destination path.
func (t *UploadTask) RemotePath() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remotePath
}

func (t *UploadTask) setProgress(uploaded int64) {
	t.mu.Lock()
	t.bytesUploaded = uploaded
	t.mu.Unlock()
}

func (t *UploadTask) sampleSpeed() {
	t.mu.Lock()
	delta := t.bytesUploaded - t.lastSampledBytes
	if delta < 0 {
		delta = 0
	}
	t.instantaneousSpeed = delta
	t.lastSampledBytes = t.bytesUploaded
	t.mu.Unlock()
}
