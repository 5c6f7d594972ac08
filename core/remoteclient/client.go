// Package remoteclient is a reference RemoteTransport implementation for
// core/upload: a generic chunked-object-store HTTP client, adapted from
// the cloud189 upload API (InitUpload/UploadPart/CommitUpload) with the
// vendor-specific signing and session plumbing stripped out in favor of a
// plain bearer token, so the engine can be exercised end-to-end without
// hard-coding one storage vendor.
package remoteclient

import (
	"net/http"
	"sync"

	corecrypto "github.com/dnslin/chunkupload/core/crypto"
	"github.com/dnslin/chunkupload/core/httpclient"
	"github.com/google/uuid"
)

// Config carries the connection details for one remote endpoint.
type Config struct {
	// BaseURL is the scheme+host+optional path prefix for every request,
	// e.g. "https://upload.example.com".
	BaseURL string
	// AuthToken, if non-empty, is sent as a bearer token on every request.
	AuthToken string
	// LazyCheck mirrors the teacher's UploadSession.LazyCheck: when true,
	// Finalize sends a fileMd5/sliceMd5 derived from the per-slice hashes
	// accumulated during UploadSlice; when false, Finalize sends no
	// digests (spec.md SPEC_FULL §4).
	LazyCheck bool
}

// Client drives the three-step chunked-upload protocol over HTTP.
type Client struct {
	cfg  Config
	http *httpclient.Client

	mu       sync.Mutex
	sessions map[string]*sessionAccumulator
}

// New builds a Client. opts configure the underlying httpclient.Client
// (retry policy, rate limiter, logger) the way the teacher's own
// Client constructors accept httpclient.Option.
func New(cfg Config, opts ...httpclient.Option) *Client {
	opts = append([]httpclient.Option{
		httpclient.WithMiddlewares(
			httpclient.WithContentType("application/json; charset=utf-8"),
			idempotencyKey,
		),
		// Cap request-level QPS per endpoint host, independent of the
		// Pool's own per-task byte-rate apportionment (spec.md §4.4).
		httpclient.WithRateLimiter(httpclient.NewTokenBucketLimiter(20, 5, nil)),
	}, opts...)
	if cfg.AuthToken != "" {
		opts = append(opts, httpclient.WithMiddlewares(bearerToken(cfg.AuthToken)))
	}
	return &Client{
		cfg:      cfg,
		http:     httpclient.NewClient(opts...),
		sessions: make(map[string]*sessionAccumulator),
	}
}

func bearerToken(token string) httpclient.Middleware {
	return func(req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// idempotencyKey tags every request attempt with a fresh random key, plus
// a short random nonce for request tracing. The middleware runs again on
// each httpclient retry and each engine-level retry builds a new request,
// so a retried POST/PUT carries a different key from the original and the
// key does not let the server match a retry to it.
func idempotencyKey(req *http.Request) error {
	req.Header.Set("X-Idempotency-Key", uuid.New().String())
	req.Header.Set("X-Client-Nonce", corecrypto.SecureRandomHex(4))
	return nil
}

func (c *Client) joinURL(path string) string {
	return c.cfg.BaseURL + path
}
