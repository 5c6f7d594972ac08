package upload

import (
	"context"
	"io"
	"sync"
)

// fakeTransport is a scriptable RemoteTransport double. Each method call
// is recorded and, unless overridden, succeeds immediately so tests only
// need to configure the behavior they care about.
type fakeTransport struct {
	mu sync.Mutex

	rapidUploadFn func(ctx context.Context, remotePath string, length int64, md5, crc32Hex, sliceMD5 string, dup OnDuplicate) (ObjectMetadata, error)
	precreateFn   func(ctx context.Context, remotePath string, sliceCount int64, dup OnDuplicate) (string, *ObjectMetadata, error)
	uploadSliceFn func(ctx context.Context, src io.ReadSeeker, remotePath, sessionID string, sliceIndex int64, progress ProgressFunc) (string, error)
	finalizeFn    func(ctx context.Context, remotePath, sessionID string, sliceIDs []string, length int64, dup OnDuplicate) (ObjectMetadata, error)

	precreateCalls int
	sliceCalls     int
	finalizeCalls  int
}

func (f *fakeTransport) RapidUpload(ctx context.Context, remotePath string, length int64, md5, crc32Hex, sliceMD5 string, dup OnDuplicate) (ObjectMetadata, error) {
	if f.rapidUploadFn != nil {
		return f.rapidUploadFn(ctx, remotePath, length, md5, crc32Hex, sliceMD5, dup)
	}
	return ObjectMetadata{}, &RapidUploadRejected{Reason: "未命中"}
}

func (f *fakeTransport) Precreate(ctx context.Context, remotePath string, sliceCount int64, dup OnDuplicate) (string, *ObjectMetadata, error) {
	f.mu.Lock()
	f.precreateCalls++
	f.mu.Unlock()
	if f.precreateFn != nil {
		return f.precreateFn(ctx, remotePath, sliceCount, dup)
	}
	return "session-1", nil, nil
}

func (f *fakeTransport) UploadSlice(ctx context.Context, src io.ReadSeeker, remotePath, sessionID string, sliceIndex int64, progress ProgressFunc) (string, error) {
	f.mu.Lock()
	f.sliceCalls++
	f.mu.Unlock()
	if f.uploadSliceFn != nil {
		return f.uploadSliceFn(ctx, src, remotePath, sessionID, sliceIndex, progress)
	}
	buf, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}
	if progress != nil {
		progress(int64(len(buf)), int64(len(buf)))
	}
	return "slice-" + itoa(sliceIndex), nil
}

func (f *fakeTransport) Finalize(ctx context.Context, remotePath, sessionID string, sliceIDs []string, length int64, dup OnDuplicate) (ObjectMetadata, error) {
	f.mu.Lock()
	f.finalizeCalls++
	f.mu.Unlock()
	if f.finalizeFn != nil {
		return f.finalizeFn(ctx, remotePath, sessionID, sliceIDs, length, dup)
	}
	return ObjectMetadata{FsID: 42, Size: length}, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// collectObserver records every event it receives, safe for concurrent use.
type collectObserver struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectObserver) observe(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collectObserver) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collectObserver) terminal() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		ev := c.events[i]
		if ev.Kind == EventFinished || ev.Kind == EventCancelled || ev.Kind == EventError {
			return ev, true
		}
	}
	return Event{}, false
}
