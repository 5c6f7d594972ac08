package remoteclient

import (
	"crypto/md5"
	"io"

	"github.com/dnslin/chunkupload/core/upload"
)

// countingReader reports cumulative bytes read through progress as the
// slice body streams into the outgoing request buffer.
type countingReader struct {
	r        io.Reader
	progress upload.ProgressFunc
	read     int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.read += int64(n)
		if c.progress != nil {
			c.progress(c.read, 0)
		}
	}
	return n, err
}

func md5Sum(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}
