package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/dnslin/chunkupload/core/store"
	"golang.org/x/time/rate"
)

// retryBackoff is the pause between indefinite Precreate/Finalize retries
// (spec.md §4.3). Not user-configurable: timeouts/retries at this layer
// are explicitly not imposed per spec.md §5, this is just enough to avoid
// a hot loop while the caller's transport is still "not a protocol error".
const retryBackoff = 500 * time.Millisecond

// UploaderOption configures an Uploader at construction.
type UploaderOption func(*Uploader)

// WithRapidUpload toggles the rapid-upload attempt (spec.md §6,
// enable_rapid_upload, default true).
func WithRapidUpload(enabled bool) UploaderOption {
	return func(u *Uploader) { u.enableRapidUpload = enabled }
}

// WithDigestCache wires in the external metadata cache (spec.md §6).
func WithDigestCache(cache store.DigestCache) UploaderOption {
	return func(u *Uploader) {
		if cache != nil {
			u.cache = cache
		}
	}
}

// WithRateLimiter attaches a shared bandwidth limiter that throttles slice
// reads off the local file. The Pool owns the limiter and adjusts its
// limit live as tasks join or leave the running set (spec.md §4.4).
func WithRateLimiter(limiter *rate.Limiter) UploaderOption {
	return func(u *Uploader) { u.limiter = limiter }
}

// Uploader drives one UploadTask through the state machine in spec.md §4.3:
// hashing, rapid-upload attempt, chunked slice transfer, finalize and
// verification, with cooperative pause/cancel.
type Uploader struct {
	task      *UploadTask
	transport RemoteTransport
	observer  Observer
	cache     store.DigestCache

	enableRapidUpload bool
	limiter           *rate.Limiter
	encrypt           *EncryptConfig

	phase     State // the phase to resume into on the next Start
	localFile *os.File
	cryptSeek *cryptoSeeker

	cancelFn context.CancelFunc
	paused   bool
	stopped  chan struct{}
}

// NewUploader builds an Uploader for task, bound to transport for the
// remote calls and observer for lifecycle events.
func NewUploader(task *UploadTask, transport RemoteTransport, observer Observer, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		task:              task,
		transport:         transport,
		observer:          observer,
		cache:             store.NopDigestCache{},
		enableRapidUpload: true,
		phase:             Hashing,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Start runs (or resumes) the task synchronously until it reaches a
// terminal state, is paused, or parent is cancelled out from under it. The
// pool calls this in its own goroutine per task.
func (u *Uploader) Start(parent context.Context) {
	if u.task.State().Terminal() {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	u.cancelFn = cancel
	u.paused = false
	u.stopped = make(chan struct{})
	defer close(u.stopped)
	defer cancel()

	u.task.setState(u.phase)
	safeNotify(u.observer, Event{Kind: EventStarted, Task: u.task})

	stopSampler := make(chan struct{})
	go u.sampleSpeedLoop(stopSampler)
	defer close(stopSampler)

	defer u.closeLocalFile()

	u.run(ctx)
}

// Pause requests cooperative suspension: the in-flight remote call is
// aborted, accepted_slices/session/digests survive, and bytes_uploaded is
// reset to the last fully-accepted-slice boundary (spec.md §4.3).
func (u *Uploader) Pause() {
	if u.task.State().Terminal() {
		return
	}
	u.paused = true
	if u.cancelFn != nil {
		u.cancelFn()
	}
}

// Cancel requests termination. Idempotent on a task already in a terminal
// state (spec.md §5).
func (u *Uploader) Cancel() {
	if u.task.State().Terminal() {
		return
	}
	if u.cancelFn != nil {
		u.cancelFn()
	}
}

// Done returns a channel closed once the current Start call has returned —
// useful for a caller that wants to block until a Cancel/Pause has taken
// effect.
func (u *Uploader) Done() <-chan struct{} {
	if u.stopped == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return u.stopped
}

func (u *Uploader) sampleSpeedLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			u.task.sampleSpeed()
		}
	}
}

func (u *Uploader) closeLocalFile() {
	if u.localFile != nil {
		u.localFile.Close()
		u.localFile = nil
	}
	u.cryptSeek = nil
}

// run is the state machine loop. It owns no lock; task fields are
// accessed through UploadTask's own synchronized accessors.
func (u *Uploader) run(ctx context.Context) {
	phase := u.phase
	for {
		if aborted := u.checkAborted(ctx, phase); aborted {
			return
		}

		switch phase {
		case Init, Hashing:
			next, ok := u.runHashing(ctx)
			if !ok {
				return
			}
			phase = next
		case RapidAttempt:
			next, ok := u.runRapidAttempt(ctx)
			if !ok {
				return
			}
			phase = next
		case Precreate:
			next, ok := u.runPrecreate(ctx)
			if !ok {
				return
			}
			phase = next
		case Transferring:
			next, ok := u.runTransferring(ctx)
			if !ok {
				return
			}
			phase = next
		case Finalize:
			u.runFinalize(ctx)
			return
		default:
			return
		}
	}
}

// checkAborted observes ctx cancellation at a phase boundary and converts
// it into the Paused or Cancelled terminal behavior per spec.md §9.
func (u *Uploader) checkAborted(ctx context.Context, phase State) bool {
	select {
	case <-ctx.Done():
	default:
		return false
	}
	u.phase = phase
	if u.paused {
		if phase == Transferring {
			u.task.setProgress(SliceSize * int64(len(u.task.AcceptedSlices())))
		}
		u.closeLocalFile()
		u.task.setState(Paused)
		safeNotify(u.observer, Event{Kind: EventPaused, Task: u.task})
		return true
	}
	u.closeLocalFile()
	u.task.setState(Cancelled)
	safeNotify(u.observer, Event{Kind: EventCancelled, Task: u.task})
	return true
}

func (u *Uploader) fail(err error) {
	u.task.mu.Lock()
	u.task.lastErr = err
	u.task.state = Error
	u.task.mu.Unlock()
	safeNotify(u.observer, Event{Kind: EventError, Task: u.task, Err: err})
}

func (u *Uploader) runHashing(ctx context.Context) (State, bool) {
	u.task.setState(Hashing)
	file := u.task.file

	info, statErr := os.Stat(file.LocalPath)
	if statErr != nil {
		u.fail(statErr)
		return 0, false
	}

	var known TrackedFile
	if rec, ok := u.cache.Lookup(file.LocalPath); ok && rec.Matches(info.Size(), info.ModTime()) {
		known.HasMD5, known.ContentMD5 = rec.HasContentMD5, rec.ContentMD5
		known.HasCRC32, known.ContentCRC32 = rec.HasCRC32, rec.ContentCRC32
		known.HasSliceMD5, known.SliceMD5 = rec.HasSliceMD5, rec.SliceMD5
	}
	if file.HasMD5 {
		known.HasMD5, known.ContentMD5 = true, file.ContentMD5
	}
	if file.HasCRC32 {
		known.HasCRC32, known.ContentCRC32 = true, file.ContentCRC32
	}
	if file.HasSliceMD5 {
		known.HasSliceMD5, known.SliceMD5 = true, file.SliceMD5
	}

	filter := NewHashingFilter(file.LocalPath, known, nil, u.encrypt)
	result, err := filter.Run()
	if err != nil {
		u.fail(err)
		return 0, false
	}

	u.task.mu.Lock()
	u.task.contentLength = result.ContentLength
	u.task.contentMD5 = result.ContentMD5
	u.task.contentCRC32 = result.ContentCRC32
	u.task.sliceMD5 = result.SliceMD5
	u.task.sliceCount = sliceCountFor(result.ContentLength)
	u.task.mu.Unlock()

	u.cache.Store(file.LocalPath, store.DigestRecord{
		Size:          result.ContentLength,
		ModTime:       info.ModTime(),
		ContentMD5:    result.ContentMD5,
		ContentCRC32:  result.ContentCRC32,
		SliceMD5:      result.SliceMD5,
		HasContentMD5: true,
		HasCRC32:      true,
		HasSliceMD5:   result.SliceMD5 != "",
	})

	eligible := u.enableRapidUpload && result.ContentLength >= HeadDigestWindow && result.SliceMD5 != ""
	if eligible {
		return RapidAttempt, true
	}
	return Precreate, true
}

func sliceCountFor(length int64) int64 {
	if length == 0 {
		return 1
	}
	return (length + SliceSize - 1) / SliceSize
}

func (u *Uploader) runRapidAttempt(ctx context.Context) (State, bool) {
	u.task.setState(RapidAttempt)
	t := u.task
	t.mu.RLock()
	length, md5sum, crc, sliceMD5, remote, dup := t.contentLength, t.contentMD5, t.contentCRC32, t.sliceMD5, t.remotePath, t.onDuplicate
	t.mu.RUnlock()

	meta, err := u.transport.RapidUpload(ctx, remote, length, md5sum, hexCRC32(crc), sliceMD5, dup)
	if err == nil && meta.FsID != 0 {
		t.mu.Lock()
		t.contentMD5 = meta.MD5
		t.mu.Unlock()
		u.finish(true, nil)
		return 0, false
	}
	if err != nil {
		var rejected *RapidUploadRejected
		if !errors.As(err, &rejected) {
			// Non-rejection error: non-fatal notification, still fall
			// through to chunked upload (spec.md §4.3/§7.4).
			safeNotify(u.observer, Event{Kind: EventError, Task: u.task, Err: err})
		}
	}
	return Precreate, true
}

func (u *Uploader) runPrecreate(ctx context.Context) (State, bool) {
	u.task.setState(Precreate)
	t := u.task
	for {
		if u.checkAborted(ctx, Precreate) {
			return 0, false
		}
		t.mu.RLock()
		remote, sliceCount, dup := t.remotePath, t.sliceCount, t.onDuplicate
		t.mu.RUnlock()

		sessionID, existing, err := u.transport.Precreate(ctx, remote, sliceCount, dup)
		if err == nil && existing != nil && existing.FsID != 0 {
			u.closeLocalFile()
			t.mu.Lock()
			t.contentMD5 = existing.MD5
			t.mu.Unlock()
			u.finish(true, nil)
			return 0, false
		}
		if err == nil && sessionID != "" {
			t.mu.Lock()
			t.sessionID = sessionID
			t.mu.Unlock()
			return Transferring, true
		}
		if err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				u.closeLocalFile()
				u.task.setState(Cancelled)
				safeNotify(u.observer, Event{Kind: EventCancelled, Task: u.task, Err: err})
				return 0, false
			}
			if u.checkAborted(ctx, Precreate) {
				return 0, false
			}
		}
		if !u.sleepOrAbort(ctx, Precreate) {
			return 0, false
		}
	}
}

func (u *Uploader) runTransferring(ctx context.Context) (State, bool) {
	u.task.setState(Transferring)
	t := u.task

	if u.localFile == nil {
		f, err := os.Open(t.localPath)
		if err != nil {
			u.fail(err)
			return 0, false
		}
		u.localFile = f
		if u.encrypt != nil {
			cs, err := newCryptoSeeker(f, *u.encrypt)
			if err != nil {
				u.fail(err)
				return 0, false
			}
			u.cryptSeek = cs
		}
	}

	for {
		t.mu.RLock()
		startIdx := int64(len(t.acceptedSlices))
		sliceCount := t.sliceCount
		remote, sessionID, length := t.remotePath, t.sessionID, t.contentLength
		t.mu.RUnlock()

		if startIdx >= sliceCount {
			return Finalize, true
		}

		if u.checkAborted(ctx, Transferring) {
			return 0, false
		}

		offset := startIdx * SliceSize
		var base io.ReadSeeker = u.localFile
		if u.cryptSeek != nil {
			base = u.cryptSeek
		}
		if _, err := base.Seek(offset, io.SeekStart); err != nil {
			u.fail(err)
			return 0, false
		}

		idx := startIdx
		src := base
		if u.limiter != nil {
			src = &throttledSeeker{ctx: ctx, file: base, limiter: u.limiter}
		}
		// The transport reads at most one slice window from the current offset.
		src = struct {
			io.Reader
			io.Seeker
		}{io.LimitReader(src, SliceSize), src}
		sliceID, err := u.transport.UploadSlice(ctx, src, remote, sessionID, idx, func(current, _ int64) {
			t.setProgress(SliceSize*idx + current)
		})
		if err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				u.closeLocalFile()
				u.task.setState(Cancelled)
				safeNotify(u.observer, Event{Kind: EventCancelled, Task: u.task, Err: err})
				return 0, false
			}
			if u.checkAborted(ctx, Transferring) {
				return 0, false
			}
			u.fail(err)
			return 0, false
		}
		if sliceID == "" {
			// Transient "retry me": do not advance the index.
			continue
		}

		t.mu.Lock()
		t.acceptedSlices = append(t.acceptedSlices, sliceID)
		accepted := int64(len(t.acceptedSlices))
		t.mu.Unlock()

		uploaded := SliceSize * accepted
		if uploaded > length {
			uploaded = length
		}
		t.setProgress(uploaded)
	}
}

func (u *Uploader) runFinalize(ctx context.Context) {
	u.task.setState(Finalize)
	t := u.task
	for {
		if u.checkAborted(ctx, Finalize) {
			return
		}
		t.mu.RLock()
		remote, sessionID, length, dup := t.remotePath, t.sessionID, t.contentLength, t.onDuplicate
		sliceIDs := append([]string(nil), t.acceptedSlices...)
		knownMD5 := t.contentMD5
		t.mu.RUnlock()

		meta, err := u.transport.Finalize(ctx, remote, sessionID, sliceIDs, length, dup)
		if err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				u.closeLocalFile()
				u.task.setState(Cancelled)
				safeNotify(u.observer, Event{Kind: EventCancelled, Task: u.task, Err: err})
				return
			}
			if u.checkAborted(ctx, Finalize) {
				return
			}
			if !u.sleepOrAbort(ctx, Finalize) {
				return
			}
			continue
		}
		if meta.FsID == 0 {
			if !u.sleepOrAbort(ctx, Finalize) {
				return
			}
			continue
		}

		u.closeLocalFile()
		if knownMD5 != "" && meta.MD5 != "" && knownMD5 != meta.MD5 {
			u.finish(false, &VerificationError{Reason: "Md5Mismatch"})
			return
		}
		if meta.Size != 0 && meta.Size != length {
			u.finish(false, &VerificationError{Reason: "SizeMismatch"})
			return
		}
		u.finish(true, nil)
		return
	}
}

func (u *Uploader) finish(success bool, err error) {
	u.task.setState(Finished)
	safeNotify(u.observer, Event{Kind: EventFinished, Task: u.task, Success: success, Err: err})
}

func (u *Uploader) sleepOrAbort(ctx context.Context, phase State) bool {
	timer := time.NewTimer(retryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		u.checkAborted(ctx, phase)
		return false
	case <-timer.C:
		return true
	}
}

func hexCRC32(v uint32) string {
	const hexDigits = "0123456789abcdef"
	buf := [8]byte{}
	for i := 7; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf[:])
}

// throttledSeeker wraps the local file with a bandwidth limiter shared
// across every task the owning Pool currently runs. Seek passes straight
// through; Read blocks until the limiter admits the bytes just read,
// unwinding the read on ctx cancellation (spec.md §4.4).
type throttledSeeker struct {
	ctx     context.Context
	file    io.ReadSeeker
	limiter *rate.Limiter
}

// throttleChunkCap bounds how much a single Read pulls off disk before
// waiting on the limiter, so WaitN's argument never exceeds a sanely-sized
// burst regardless of the caller's buffer (spec.md §4.4).
const throttleChunkCap = 64 * 1024

func (s *throttledSeeker) Read(p []byte) (int, error) {
	if len(p) > throttleChunkCap {
		p = p[:throttleChunkCap]
	}
	n, err := s.file.Read(p)
	if n > 0 {
		if waitErr := s.limiter.WaitN(s.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

func (s *throttledSeeker) Seek(offset int64, whence int) (int64, error) {
	return s.file.Seek(offset, whence)
}

// VerificationError reports a finalize-time mismatch (spec.md §4.3,
// §7.5): the engine still emits a terminal Finished event with
// success=false, kept for source-behavior parity rather than Error.
type VerificationError struct {
	Reason string // "Md5Mismatch" or "SizeMismatch"
}

func (e *VerificationError) Error() string { return "upload: 校验失败: " + e.Reason }
