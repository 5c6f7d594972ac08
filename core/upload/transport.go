package upload

import (
	"context"
	"io"
)

// ProgressFunc reports bytes read/transferred so far against a total, at
// ReadBufferSize or per-slice granularity depending on caller. total is 0
// when the reporter does not know it.
type ProgressFunc func(current, total int64)

// ObjectMetadata is the remote's description of a materialized object
// (spec.md §6). FsID != 0 iff the object exists on the server.
type ObjectMetadata struct {
	FsID int64
	MD5  string
	Size int64
}

// ProtocolError is returned by a RemoteTransport method to signal a
// classified, code-bearing remote failure — as opposed to a transient
// "retry me" outcome (empty slice identifier, FsID == 0) or a plain I/O
// error. A ProtocolError is always fatal to the task (spec.md §7.2).
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code != "" {
		return "upload: 协议错误 [" + e.Code + "] " + e.Message
	}
	return "upload: 协议错误 " + e.Message
}

// RapidUploadRejected signals that the remote does not have the file by
// digest and the engine should fall through to the chunked path
// (spec.md §4.3, §7.4). It is not a ProtocolError.
type RapidUploadRejected struct {
	Reason string
}

func (e *RapidUploadRejected) Error() string { return "upload: 秒传未命中: " + e.Reason }

// RemoteTransport is the external collaborator the Uploader drives
// (spec.md §6). It is intentionally narrow: marshalling, auth and retry
// live in the concrete implementation (see package remoteclient), not
// here.
type RemoteTransport interface {
	// RapidUpload attempts the content-addressed shortcut. A
	// *RapidUploadRejected return means "not eligible, proceed to
	// chunked upload" (non-fatal). Any other error is surfaced to the
	// caller as a notification and chunked upload still proceeds
	// (spec.md §4.3).
	RapidUpload(ctx context.Context, remotePath string, length int64, md5, crc32Hex, sliceMD5 string, dup OnDuplicate) (ObjectMetadata, error)

	// Precreate allocates an upload session for a forthcoming chunked
	// upload. A *ProtocolError is fatal; any other error is retried
	// indefinitely (spec.md §4.3). When the remote already has the bytes
	// for this path (the teacher's UploadInitData.FileDataExists
	// short-circuit), existing is non-nil and sessionID is unused — the
	// caller should treat the task as finished without a slice loop.
	Precreate(ctx context.Context, remotePath string, sliceCount int64, dup OnDuplicate) (sessionID string, existing *ObjectMetadata, err error)

	// UploadSlice transfers one window of the source stream. An empty
	// identifier with a nil error means "retry me" (spec.md §4.2/§7.3).
	UploadSlice(ctx context.Context, src io.ReadSeeker, remotePath, sessionID string, sliceIndex int64, progress ProgressFunc) (sliceID string, err error)

	// Finalize assembles accepted slices into a stored object. FsID == 0
	// with a nil error means "retry me" (spec.md §4.3/§7.3).
	Finalize(ctx context.Context, remotePath, sessionID string, sliceIDs []string, length int64, dup OnDuplicate) (ObjectMetadata, error)
}
