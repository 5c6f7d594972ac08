package upload

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	corecrypto "github.com/dnslin/chunkupload/core/crypto"
	"github.com/stretchr/testify/require"
)

func newTestTask(t *testing.T, size int) (*UploadTask, string) {
	t.Helper()
	path := writeTempFile(t, make([]byte, size))
	task := &UploadTask{
		id:         1,
		localPath:  path,
		remotePath: "/remote/payload.bin",
		file:       TrackedFile{LocalPath: path, RemotePath: "/remote/payload.bin"},
		state:      Init,
	}
	return task, path
}

func TestUploaderHappyPathChunked(t *testing.T) {
	task, _ := newTestTask(t, SliceSize+1024)
	transport := &fakeTransport{}
	obs := &collectObserver{}

	u := NewUploader(task, transport, obs.observe)
	u.Start(context.Background())

	require.Equal(t, Finished, task.State())
	ev, ok := obs.terminal()
	require.True(t, ok)
	require.Equal(t, EventFinished, ev.Kind)
	require.True(t, ev.Success)
	require.Equal(t, 2, transport.sliceCalls)
	require.Equal(t, 1, transport.precreateCalls)
	require.Equal(t, 1, transport.finalizeCalls)
}

func TestUploaderRapidUploadShortcut(t *testing.T) {
	task, _ := newTestTask(t, HeadDigestWindow+4096)
	transport := &fakeTransport{
		rapidUploadFn: func(ctx context.Context, remotePath string, length int64, md5, crc32Hex, sliceMD5 string, dup OnDuplicate) (ObjectMetadata, error) {
			return ObjectMetadata{FsID: 7, MD5: md5, Size: length}, nil
		},
	}
	obs := &collectObserver{}

	u := NewUploader(task, transport, obs.observe)
	u.Start(context.Background())

	require.Equal(t, Finished, task.State())
	require.Equal(t, 0, transport.precreateCalls)
	require.Equal(t, 0, transport.sliceCalls)
	require.Equal(t, 0, transport.finalizeCalls)
}

func TestUploaderProtocolErrorOnPrecreateCancels(t *testing.T) {
	task, _ := newTestTask(t, 1024)
	transport := &fakeTransport{
		precreateFn: func(ctx context.Context, remotePath string, sliceCount int64, dup OnDuplicate) (string, *ObjectMetadata, error) {
			return "", nil, &ProtocolError{Code: "403", Message: "禁止访问"}
		},
	}
	obs := &collectObserver{}

	u := NewUploader(task, transport, obs.observe)
	u.Start(context.Background())

	require.Equal(t, Cancelled, task.State())
	ev, ok := obs.terminal()
	require.True(t, ok)
	require.Equal(t, EventCancelled, ev.Kind)
}

func TestUploaderFinalizeSizeMismatchFinishesUnsuccessfully(t *testing.T) {
	task, _ := newTestTask(t, SliceSize)
	transport := &fakeTransport{
		finalizeFn: func(ctx context.Context, remotePath, sessionID string, sliceIDs []string, length int64, dup OnDuplicate) (ObjectMetadata, error) {
			return ObjectMetadata{FsID: 9, Size: length + 1}, nil
		},
	}
	obs := &collectObserver{}

	u := NewUploader(task, transport, obs.observe)
	u.Start(context.Background())

	require.Equal(t, Finished, task.State())
	ev, ok := obs.terminal()
	require.True(t, ok)
	require.False(t, ev.Success)
	var verr *VerificationError
	require.ErrorAs(t, ev.Err, &verr)
	require.Equal(t, "SizeMismatch", verr.Reason)
}

func TestUploaderRetryMeDoesNotAdvanceSliceIndex(t *testing.T) {
	task, _ := newTestTask(t, 1024)
	attempts := 0
	transport := &fakeTransport{
		uploadSliceFn: func(ctx context.Context, src io.ReadSeeker, remotePath, sessionID string, sliceIndex int64, progress ProgressFunc) (string, error) {
			attempts++
			if attempts == 1 {
				io.ReadAll(src) // drain, simulate a transient no-op response
				return "", nil
			}
			io.ReadAll(src)
			return "slice-0", nil
		},
	}
	obs := &collectObserver{}

	u := NewUploader(task, transport, obs.observe)
	u.Start(context.Background())

	require.Equal(t, Finished, task.State())
	require.Equal(t, 2, attempts)
	require.Len(t, task.AcceptedSlices(), 1)
}

func TestUploaderPauseThenResume(t *testing.T) {
	task, _ := newTestTask(t, 3*SliceSize)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	transport := &fakeTransport{
		uploadSliceFn: func(ctx context.Context, src io.ReadSeeker, remotePath, sessionID string, sliceIndex int64, progress ProgressFunc) (string, error) {
			if sliceIndex == 1 {
				select {
				case started <- struct{}{}:
				default:
				}
				select {
				case <-release:
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			buf, err := io.ReadAll(src)
			if err != nil {
				return "", err
			}
			if progress != nil {
				progress(int64(len(buf)), int64(len(buf)))
			}
			return "slice-" + itoa(sliceIndex), nil
		},
	}
	obs := &collectObserver{}
	u := NewUploader(task, transport, obs.observe)

	go u.Start(context.Background())
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("超时：未进入第二个分片上传")
	}
	u.Pause()
	<-u.Done()
	close(release)

	require.Equal(t, Paused, task.State())
	require.Len(t, task.AcceptedSlices(), 1)

	u.Start(context.Background())
	require.Equal(t, Finished, task.State())
	require.Len(t, task.AcceptedSlices(), 3)
}

func TestUploaderEncryptedTaskTransmitsCiphertextAndDigestsAgreeWithIt(t *testing.T) {
	task, path := newTestTask(t, SliceSize+1024)
	cfg := EncryptConfig{Key: testAESKey, IV: testAESIV}

	var transmitted []byte
	transport := &fakeTransport{
		uploadSliceFn: func(ctx context.Context, src io.ReadSeeker, remotePath, sessionID string, sliceIndex int64, progress ProgressFunc) (string, error) {
			buf, err := io.ReadAll(src)
			if err != nil {
				return "", err
			}
			transmitted = append(transmitted, buf...)
			if progress != nil {
				progress(int64(len(buf)), int64(len(buf)))
			}
			return "slice-" + itoa(sliceIndex), nil
		},
	}
	obs := &collectObserver{}

	u := NewUploader(task, transport, obs.observe, WithEncryption(cfg))
	u.Start(context.Background())

	require.Equal(t, Finished, task.State())
	ev, ok := obs.terminal()
	require.True(t, ok)
	require.True(t, ev.Success)

	plaintext, err := os.ReadFile(path)
	require.NoError(t, err)
	wantCiphertext := independentCTR(t, plaintext)
	require.Equal(t, wantCiphertext, transmitted)

	// The Hashing-phase digest must have been taken over the same bytes the
	// Transferring phase actually sent — not the plaintext on disk.
	require.Equal(t, corecrypto.DigestBytes(wantCiphertext), task.contentMD5)
}

func TestUploaderPrecreateExistsShortCircuitsToFinished(t *testing.T) {
	task, _ := newTestTask(t, 1024)
	transport := &fakeTransport{
		precreateFn: func(ctx context.Context, remotePath string, sliceCount int64, dup OnDuplicate) (string, *ObjectMetadata, error) {
			return "", &ObjectMetadata{FsID: 55, MD5: "remote-md5", Size: 1024}, nil
		},
	}
	obs := &collectObserver{}

	u := NewUploader(task, transport, obs.observe)
	u.Start(context.Background())

	require.Equal(t, Finished, task.State())
	ev, ok := obs.terminal()
	require.True(t, ok)
	require.Equal(t, EventFinished, ev.Kind)
	require.True(t, ev.Success)
	require.Equal(t, 0, transport.sliceCalls)
	require.Equal(t, 0, transport.finalizeCalls)
}

func TestUploaderCancelIsIdempotentOnTerminalTask(t *testing.T) {
	task, _ := newTestTask(t, 1024)
	u := NewUploader(task, &fakeTransport{}, nil)
	u.Start(context.Background())
	require.True(t, task.State().Terminal())

	u.Cancel() // must not panic or change state
	require.Equal(t, Finished, task.State())
}

func TestUploaderDigestCacheStoresModTime(t *testing.T) {
	task, path := newTestTask(t, 2048)
	cache := newMemDigestCache()
	u := NewUploader(task, &fakeTransport{}, nil, WithDigestCache(cache))
	u.Start(context.Background())

	info, err := os.Stat(path)
	require.NoError(t, err)
	rec, ok := cache.Lookup(path)
	require.True(t, ok)
	require.True(t, rec.Matches(info.Size(), info.ModTime()))
}
