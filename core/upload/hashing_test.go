package upload

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	corecrypto "github.com/dnslin/chunkupload/core/crypto"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestHashingFilterMatchesIndependentOracle(t *testing.T) {
	data := bytes.Repeat([]byte("a-quick-brown-fox"), 100)
	path := writeTempFile(t, data)

	result, err := NewHashingFilter(path, TrackedFile{}, nil, nil).Run()
	require.NoError(t, err)

	want, err := corecrypto.DigestFile(path)
	require.NoError(t, err)
	require.Equal(t, want, result.ContentMD5)
	require.Equal(t, int64(len(data)), result.ContentLength)
}

func TestHashingFilterTrustsKnownDigests(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1024)
	path := writeTempFile(t, data)

	known := TrackedFile{HasMD5: true, ContentMD5: "deliberately-wrong-but-trusted"}
	result, err := NewHashingFilter(path, known, nil, nil).Run()
	require.NoError(t, err)
	require.Equal(t, "deliberately-wrong-but-trusted", result.ContentMD5)
}

func TestHashingFilterSliceMD5BelowWindow(t *testing.T) {
	path := writeTempFile(t, []byte("short file, well under the head window"))

	result, err := NewHashingFilter(path, TrackedFile{}, nil, nil).Run()
	require.NoError(t, err)
	require.Empty(t, result.SliceMD5)
}

func TestHashingFilterSliceMD5CoversOnlyHeadWindow(t *testing.T) {
	head := bytes.Repeat([]byte("h"), HeadDigestWindow)
	tail := bytes.Repeat([]byte("t"), 1024)
	path := writeTempFile(t, append(head, tail...))

	result, err := NewHashingFilter(path, TrackedFile{}, nil, nil).Run()
	require.NoError(t, err)
	require.Equal(t, corecrypto.DigestBytes(head), result.SliceMD5)
	require.NotEqual(t, result.ContentMD5, result.SliceMD5)
}

func TestHashingFilterWithEncryptDigestsCiphertextNotPlaintext(t *testing.T) {
	data := bytes.Repeat([]byte("plaintext-bytes-on-disk"), 200)
	path := writeTempFile(t, data)
	cfg := &EncryptConfig{Key: testAESKey, IV: testAESIV}

	plain, err := NewHashingFilter(path, TrackedFile{}, nil, nil).Run()
	require.NoError(t, err)

	encrypted, err := NewHashingFilter(path, TrackedFile{}, nil, cfg).Run()
	require.NoError(t, err)

	require.NotEqual(t, plain.ContentMD5, encrypted.ContentMD5)

	ciphertext := independentCTR(t, data)
	require.Equal(t, corecrypto.DigestBytes(ciphertext), encrypted.ContentMD5)
}

func TestHashingFilterReportsProgress(t *testing.T) {
	data := bytes.Repeat([]byte("p"), ReadBufferSize*3+17)
	path := writeTempFile(t, data)

	var lastCurrent, lastTotal int64
	calls := 0
	_, err := NewHashingFilter(path, TrackedFile{}, func(current, total int64) {
		calls++
		lastCurrent, lastTotal = current, total
	}, nil).Run()
	require.NoError(t, err)
	require.Greater(t, calls, 1)
	require.Equal(t, int64(len(data)), lastCurrent)
	require.Equal(t, int64(len(data)), lastTotal)
}
