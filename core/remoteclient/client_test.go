package remoteclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dnslin/chunkupload/core/httpclient"
)

func TestNewSendsBearerTokenWhenConfigured(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, AuthToken: "tok-xyz"}, httpclient.WithRateLimiter(nil))
	if err := client.postJSON(context.Background(), "/v1/ping", struct{}{}, &struct{}{}); err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if gotAuth != "Bearer tok-xyz" {
		t.Fatalf("未携带预期的 Authorization 头, 实际: %q", gotAuth)
	}
}

func TestNewOmitsBearerTokenWhenNotConfigured(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, httpclient.WithRateLimiter(nil))
	if err := client.postJSON(context.Background(), "/v1/ping", struct{}{}, &struct{}{}); err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if gotAuth != "" {
		t.Fatalf("未配置 token 时不应携带 Authorization 头, 实际: %q", gotAuth)
	}
}

func TestNewAttachesIdempotencyMiddlewareToEveryRequest(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, httpclient.WithRateLimiter(nil))
	if err := client.postJSON(context.Background(), "/v1/ping", struct{}{}, &struct{}{}); err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if gotKey == "" {
		t.Fatal("每个请求都应携带幂等键")
	}
}

func TestJoinURLConcatenatesBaseAndPath(t *testing.T) {
	client := New(Config{BaseURL: "https://upload.example.com"}, httpclient.WithRateLimiter(nil))
	if got := client.joinURL("/v1/precreate"); got != "https://upload.example.com/v1/precreate" {
		t.Fatalf("拼接结果不符合预期: %s", got)
	}
}
