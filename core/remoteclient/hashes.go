package remoteclient

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"strings"
)

// sessionAccumulator mirrors the teacher's UploadSession.recordHashes /
// computeHashes: a per-session running MD5 of the whole object plus the
// ordered list of per-slice MD5s, joined with "\n" and rehashed to derive
// the slice digest a lazy-check Finalize sends.
type sessionAccumulator struct {
	fileHash   hash.Hash
	partHashes []string
}

func newSessionAccumulator() *sessionAccumulator {
	return &sessionAccumulator{fileHash: md5.New()}
}

func (s *sessionAccumulator) record(sliceIndex int64, sliceSum []byte, data []byte) {
	if len(data) > 0 {
		s.fileHash.Write(data)
	}
	idx := int(sliceIndex)
	for len(s.partHashes) <= idx {
		s.partHashes = append(s.partHashes, "")
	}
	s.partHashes[idx] = hex.EncodeToString(sliceSum)
}

// derive returns (fileMD5, sliceMD5). A single-part upload's slice digest
// is just its own part hash; a multi-part upload's slice digest is the
// MD5 of the newline-joined part hashes (spec.md SPEC_FULL §4).
func (s *sessionAccumulator) derive() (fileMD5, sliceMD5 string) {
	fileMD5 = hex.EncodeToString(s.fileHash.Sum(nil))
	switch len(s.partHashes) {
	case 0:
		return fileMD5, ""
	case 1:
		return fileMD5, s.partHashes[0]
	default:
		joined := strings.Join(s.partHashes, "\n")
		sum := md5.Sum([]byte(joined))
		return fileMD5, hex.EncodeToString(sum[:])
	}
}

func (c *Client) sessionFor(id string) *sessionAccumulator {
	c.mu.Lock()
	defer c.mu.Unlock()
	acc, ok := c.sessions[id]
	if !ok {
		acc = newSessionAccumulator()
		c.sessions[id] = acc
	}
	return acc
}

func (c *Client) dropSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}
