package upload

import (
	"crypto/aes"
	"crypto/cipher"
	"io"
	"os"

	corecrypto "github.com/dnslin/chunkupload/core/crypto"
)

// EncryptConfig carries the key material for the optional `encrypt`
// upload filter (spec.md §6). The ciphertext produced from this key/IV is
// what gets hashed and transferred — the remote never sees plaintext.
type EncryptConfig struct {
	Key []byte
	IV  []byte
}

// WithEncryption turns on the upload-side AES-CTR filter. Key material
// management (rotation, derivation, storage) is out of scope for the
// engine — the caller supplies both (spec.md §6).
func WithEncryption(cfg EncryptConfig) UploaderOption {
	return func(u *Uploader) { u.encrypt = &cfg }
}

// cryptoSeeker layers AES-CTR encryption on top of a seekable local file.
// CTR mode lets Seek re-derive the keystream at the new offset instead of
// replaying it from the start, which is what makes the filter compatible
// with the chunked transport's slice-by-slice seeking (spec.md §4.2).
type cryptoSeeker struct {
	file   *os.File
	block  cipher.Block
	iv     []byte
	stream cipher.Stream
}

func newCryptoSeeker(file *os.File, cfg EncryptConfig) (*cryptoSeeker, error) {
	block, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, err
	}
	offset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	return &cryptoSeeker{
		file:   file,
		block:  block,
		iv:     cfg.IV,
		stream: corecrypto.SeekKeystream(block, cfg.IV, offset),
	}, nil
}

func (c *cryptoSeeker) Read(p []byte) (int, error) {
	n, err := c.file.Read(p)
	if n > 0 {
		c.stream.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (c *cryptoSeeker) Seek(offset int64, whence int) (int64, error) {
	abs, err := c.file.Seek(offset, whence)
	if err != nil {
		return abs, err
	}
	c.stream = corecrypto.SeekKeystream(c.block, c.iv, abs)
	return abs, nil
}
