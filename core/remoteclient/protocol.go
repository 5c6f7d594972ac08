package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dnslin/chunkupload/core/httpclient"
	"github.com/dnslin/chunkupload/core/upload"
)

// codeResponse is the envelope every endpoint returns, the way the
// teacher's cloud189.CodeResponse backs httpclient.Client.Do's
// OkRsp check.
type codeResponse struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (r codeResponse) IsSuccess() bool { return r.Code == "" || r.Code == "0" }

func (r codeResponse) Error() string {
	if r.Message != "" {
		return r.Message
	}
	return r.Code
}

func duplicatePolicy(dup upload.OnDuplicate) string {
	switch dup {
	case upload.NewCopy:
		return "newcopy"
	case upload.Skip:
		return "skip"
	default:
		return "overwrite"
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.joinURL(path), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	return c.http.Do(req, out)
}

type rapidUploadRequest struct {
	RemotePath  string `json:"remote_path"`
	Size        int64  `json:"size"`
	MD5         string `json:"md5"`
	CRC32       string `json:"crc32,omitempty"`
	SliceMD5    string `json:"slice_md5,omitempty"`
	OnDuplicate string `json:"on_duplicate"`
}

type objectResponse struct {
	codeResponse
	FsID int64  `json:"fs_id,omitempty"`
	MD5  string `json:"md5,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// RapidUpload attempts the content-addressed shortcut (spec.md §4.3/§7.4).
func (c *Client) RapidUpload(ctx context.Context, remotePath string, length int64, md5, crc32Hex, sliceMD5 string, dup upload.OnDuplicate) (upload.ObjectMetadata, error) {
	var rsp objectResponse
	err := c.postJSON(ctx, "/v1/rapid-upload", rapidUploadRequest{
		RemotePath:  remotePath,
		Size:        length,
		MD5:         md5,
		CRC32:       crc32Hex,
		SliceMD5:    sliceMD5,
		OnDuplicate: duplicatePolicy(dup),
	}, &rsp)
	if err != nil {
		if isNotFound(err) {
			return upload.ObjectMetadata{}, &upload.RapidUploadRejected{Reason: err.Error()}
		}
		return upload.ObjectMetadata{}, classify(err)
	}
	return upload.ObjectMetadata{FsID: rsp.FsID, MD5: rsp.MD5, Size: rsp.Size}, nil
}

type precreateRequest struct {
	RemotePath  string `json:"remote_path"`
	SliceCount  int64  `json:"slice_count"`
	OnDuplicate string `json:"on_duplicate"`
}

type precreateResponse struct {
	codeResponse
	SessionID string `json:"session_id,omitempty"`
	// Exists mirrors the teacher's UploadInitData.FileDataExists: the
	// server already has the bytes, short-circuiting straight to a
	// finished object without a slice loop (spec.md SPEC_FULL §4).
	Exists bool            `json:"exists,omitempty"`
	Object *objectResponse `json:"object,omitempty"`
}

// Precreate allocates an upload session (spec.md §4.3). When the server
// reports Exists (the teacher's UploadInitData.FileDataExists), it returns
// the existing object's metadata instead of a session and the caller
// short-circuits straight to a finished upload.
func (c *Client) Precreate(ctx context.Context, remotePath string, sliceCount int64, dup upload.OnDuplicate) (string, *upload.ObjectMetadata, error) {
	var rsp precreateResponse
	err := c.postJSON(ctx, "/v1/precreate", precreateRequest{
		RemotePath:  remotePath,
		SliceCount:  sliceCount,
		OnDuplicate: duplicatePolicy(dup),
	}, &rsp)
	if err != nil {
		return "", nil, classify(err)
	}
	if rsp.Exists && rsp.Object != nil {
		return "", &upload.ObjectMetadata{FsID: rsp.Object.FsID, MD5: rsp.Object.MD5, Size: rsp.Object.Size}, nil
	}
	if rsp.SessionID == "" {
		return "", nil, nil // retry-me
	}
	c.sessionFor(rsp.SessionID)
	return rsp.SessionID, nil, nil
}

type sliceResponse struct {
	codeResponse
	SliceID string `json:"slice_id,omitempty"`
}

// UploadSlice transfers one window of src and records its MD5 into the
// session accumulator for the eventual lazy-check Finalize (spec.md
// §4.2, SPEC_FULL §4).
func (c *Client) UploadSlice(ctx context.Context, src io.ReadSeeker, remotePath, sessionID string, sliceIndex int64, progress upload.ProgressFunc) (string, error) {
	buf, err := io.ReadAll(&countingReader{r: src, progress: progress})
	if err != nil {
		return "", err
	}

	path := fmt.Sprintf("/v1/slices/%s/%d", sessionID, sliceIndex)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.joinURL(path), bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Remote-Path", remotePath)

	var rsp sliceResponse
	if err := c.http.Do(req, &rsp); err != nil {
		return "", classify(err)
	}
	if rsp.SliceID == "" {
		return "", nil // retry-me
	}

	sum := md5Sum(buf)
	c.sessionFor(sessionID).record(sliceIndex, sum, buf)
	return rsp.SliceID, nil
}

type finalizeRequest struct {
	RemotePath  string   `json:"remote_path"`
	SessionID   string   `json:"session_id"`
	SliceIDs    []string `json:"slice_ids"`
	Size        int64    `json:"size"`
	OnDuplicate string   `json:"on_duplicate"`
	FileMD5     string   `json:"file_md5,omitempty"`
	SliceMD5    string   `json:"slice_md5,omitempty"`
}

// Finalize assembles the accepted slices into a stored object (spec.md
// §4.3). When the client is configured for lazy checking, it also sends a
// fileMd5 and sliceMd5 derived from the slices transferred in this
// session; otherwise it sends no digests.
func (c *Client) Finalize(ctx context.Context, remotePath, sessionID string, sliceIDs []string, length int64, dup upload.OnDuplicate) (upload.ObjectMetadata, error) {
	req := finalizeRequest{
		RemotePath:  remotePath,
		SessionID:   sessionID,
		SliceIDs:    sliceIDs,
		Size:        length,
		OnDuplicate: duplicatePolicy(dup),
	}
	if c.cfg.LazyCheck {
		acc := c.sessionFor(sessionID)
		req.FileMD5, req.SliceMD5 = acc.derive()
	}

	var rsp objectResponse
	err := c.postJSON(ctx, "/v1/finalize", req, &rsp)
	if err != nil {
		return upload.ObjectMetadata{}, classify(err)
	}
	if rsp.FsID == 0 {
		return upload.ObjectMetadata{}, nil // retry-me
	}
	c.dropSession(sessionID)
	return upload.ObjectMetadata{FsID: rsp.FsID, MD5: rsp.MD5, Size: rsp.Size}, nil
}

// classify turns a terminal httpclient.ErrCode with any 4xx status,
// including 404, into a fatal *upload.ProtocolError; anything else
// (network errors, 5xx that ran out of retries) is returned unwrapped so
// the engine's indefinite-retry phases keep trying (spec.md §7.2/§7.3).
// RapidUpload checks isNotFound before calling classify, so only there a
// 404 becomes *upload.RapidUploadRejected instead.
func classify(err error) error {
	var ec *httpclient.ErrCode
	if errors.As(err, &ec) && ec.Status >= http.StatusBadRequest && ec.Status < http.StatusInternalServerError {
		return &upload.ProtocolError{Code: ec.Code, Message: ec.Message}
	}
	return err
}

func isNotFound(err error) bool {
	var ec *httpclient.ErrCode
	return errors.As(err, &ec) && ec.Status == http.StatusNotFound
}
