package upload

import (
	"crypto/md5"
	"encoding/hex"
	"hash/crc32"
	"io"
	"os"
)

// HashingFilter streams a local file once and produces the digests the
// rapid-upload protocol and finalize verification need: full-content MD5,
// CRC32, and the MD5 of the first HeadDigestWindow bytes (spec.md §4.1).
// Any digest already present on the input (from a DigestCache hit) is
// trusted and not recomputed. When encrypt is set, the digests are taken
// over the AES-CTR ciphertext the Transferring phase actually transmits,
// not the plaintext on disk (spec.md §6: "uploads the cipher stream").
type HashingFilter struct {
	path     string
	known    TrackedFile
	progress ProgressFunc
	encrypt  *EncryptConfig
}

// NewHashingFilter builds a filter for path, trusting any digest already
// set on known. encrypt may be nil for a plaintext upload.
func NewHashingFilter(path string, known TrackedFile, progress ProgressFunc, encrypt *EncryptConfig) *HashingFilter {
	return &HashingFilter{path: path, known: known, progress: progress, encrypt: encrypt}
}

// HashResult is the full set of digests, computed only for the fields
// that were missing from the known TrackedFile.
type HashResult struct {
	ContentLength int64
	ContentMD5    string
	ContentCRC32  uint32
	SliceMD5      string // empty when ContentLength < HeadDigestWindow
}

// Run reads the file sequentially and fills in any digest the caller did
// not already supply. It never re-reads the file after returning — a size
// change between hashing and slice transfer is caught later, at finalize
// (spec.md §4.1 edge case).
func (h *HashingFilter) Run() (HashResult, error) {
	f, err := os.Open(h.path)
	if err != nil {
		return HashResult{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return HashResult{}, err
	}
	total := info.Size()

	var src io.Reader = f
	if h.encrypt != nil {
		cs, err := newCryptoSeeker(f, *h.encrypt)
		if err != nil {
			return HashResult{}, err
		}
		src = cs
	}

	result := HashResult{ContentLength: total}
	if h.known.HasMD5 {
		result.ContentMD5 = h.known.ContentMD5
	}
	if h.known.HasCRC32 {
		result.ContentCRC32 = h.known.ContentCRC32
	}
	if h.known.HasSliceMD5 {
		result.SliceMD5 = h.known.SliceMD5
	}
	needMD5 := !h.known.HasMD5
	needCRC32 := !h.known.HasCRC32
	needSliceMD5 := !h.known.HasSliceMD5 && total >= HeadDigestWindow

	if !needMD5 && !needCRC32 && !needSliceMD5 {
		return result, nil
	}

	fullHash := md5.New()
	crcHash := crc32.NewIEEE()
	headHash := md5.New()

	buf := make([]byte, ReadBufferSize)
	var read int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if needMD5 {
				fullHash.Write(chunk)
			}
			if needCRC32 {
				crcHash.Write(chunk)
			}
			if needSliceMD5 && read < HeadDigestWindow {
				headEnd := int64(n)
				if remaining := HeadDigestWindow - read; remaining < headEnd {
					headEnd = remaining
				}
				headHash.Write(chunk[:headEnd])
			}
			read += int64(n)
			if h.progress != nil {
				h.progress(read, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return HashResult{}, readErr
		}
	}

	if needMD5 {
		result.ContentMD5 = hex.EncodeToString(fullHash.Sum(nil))
	}
	if needCRC32 {
		result.ContentCRC32 = crcHash.Sum32()
	}
	if needSliceMD5 {
		result.SliceMD5 = hex.EncodeToString(headHash.Sum(nil))
	}
	return result, nil
}
