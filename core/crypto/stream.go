package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"io"
)

// EncryptionFilter wraps a plaintext reader with AES-CTR, the way the
// upload engine's optional `encrypt` option expects: the ciphertext
// stream is what gets hashed and transferred, and CTR lets the filter be
// instantiated fresh at any slice boundary since each keystream block only
// depends on the 16-byte counter, not on prior ciphertext.
type EncryptionFilter struct {
	stream cipher.Stream
	src    io.Reader
}

// NewEncryptionFilter builds a streaming AES-CTR filter from a key and IV
// sourced from an external key manager (out of scope for this module; see
// spec.md §6). The IV must be 16 bytes — callers typically derive it once
// per file and persist it alongside the key.
func NewEncryptionFilter(src io.Reader, key, iv []byte) (*EncryptionFilter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, errors.New("crypto: iv 长度必须等于 AES 块大小")
	}
	return &EncryptionFilter{
		stream: cipher.NewCTR(block, iv),
		src:    src,
	}, nil
}

// Read encrypts bytes as they stream through, so the caller's hashing and
// upload logic never sees plaintext.
func (f *EncryptionFilter) Read(p []byte) (int, error) {
	n, err := f.src.Read(p)
	if n > 0 {
		f.stream.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

// SeekKeystream advances (or resets and re-derives) the keystream to the byte
// offset within the file, so a slice transport can seek the underlying
// source and keep the cipher stream in sync. CTR mode makes this cheap:
// the keystream at block boundary n is independent of everything before
// it, so re-deriving it from the same key/IV and a fresh counter is exact.
func SeekKeystream(block cipher.Block, iv []byte, offset int64) cipher.Stream {
	blockSize := int64(block.BlockSize())
	counter := append([]byte(nil), iv...)
	addCounter(counter, offset/blockSize)
	stream := cipher.NewCTR(block, counter)
	if skip := int(offset % blockSize); skip > 0 {
		discard := make([]byte, blockSize)
		stream.XORKeyStream(discard, discard[:skip])
	}
	return stream
}

func addCounter(iv []byte, n int64) {
	for i := len(iv) - 1; i >= 0 && n > 0; i-- {
		sum := int64(iv[i]) + n
		iv[i] = byte(sum)
		n = sum >> 8
	}
}
