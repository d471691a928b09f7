package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gingerich/ory-tunnel/internal/client"
	"github.com/gingerich/ory-tunnel/internal/config"
	"github.com/gingerich/ory-tunnel/internal/model"
	"github.com/gingerich/ory-tunnel/internal/rewrite"
)

func testConfig() *config.Config {
	return &config.Config{
		Tunnel: config.TunnelConfig{
			PublicOrigin: "https://app.example.org",
			UIPath:       "/ui",
		},
		Upstream: config.UpstreamConfig{
			Host:            "upstream.example.com",
			APIKey:          "test-api-key",
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
}

func newTestService(t *testing.T, upstreamURL string) *TunnelService {
	t.Helper()
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc, err := NewTunnelServiceForTest(uc, cfg, logger, upstreamURL)
	if err != nil {
		t.Fatalf("NewTunnelServiceForTest: %v", err)
	}
	return svc
}

func simpleRequest(path string) *model.ProxyRequest {
	return &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   path,
		Query:  url.Values{},
		Header: make(http.Header),
	}
}

func TestForward_InjectsControlHeaders(t *testing.T) {
	var gotHeader http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL)

	resp, err := svc.Forward(simpleRequest("/sessions/whoami"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	tests := []struct {
		key  string
		want string
	}{
		{rewrite.HeaderNoCustomDomainRedirect, "true"},
		{rewrite.HeaderBaseURLRewrite, "https://app.example.org"},
		{rewrite.HeaderBaseURLRewriteToken, "test-api-key"},
		{rewrite.HeaderCnameSource, rewrite.CnameSourceNetwork},
	}
	for _, tt := range tests {
		if got := gotHeader.Get(tt.key); got != tt.want {
			t.Errorf("upstream received %s = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestForward_RewritesTextBody(t *testing.T) {
	var upstreamOrigin string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"action":"` + upstreamOrigin + `/self-service/login"}`))
	}))
	defer upstream.Close()
	upstreamOrigin = upstream.URL

	svc := newTestService(t, upstream.URL)

	resp, err := svc.Forward(simpleRequest("/self-service/login/flows"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	want := `{"action":"https://app.example.org/self-service/login"}`
	if string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestForward_RewritesLocation(t *testing.T) {
	var upstreamOrigin string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", upstreamOrigin+"/callback?x=1")
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()
	upstreamOrigin = upstream.URL

	svc := newTestService(t, upstream.URL)

	resp, err := svc.Forward(simpleRequest("/self-service/login/browser"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if got := resp.Header.Get("Location"); got != "https://app.example.org/callback?x=1" {
		t.Errorf("Location = %q, want %q", got, "https://app.example.org/callback?x=1")
	}
}

func TestForward_StripsHopByHopResponseHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL)

	resp, err := svc.Forward(simpleRequest("/"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if got := resp.Header.Get("Keep-Alive"); got != "" {
		t.Errorf("Keep-Alive = %q, want stripped", got)
	}
}

func TestForward_UpstreamFailurePropagates(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1")

	if _, err := svc.Forward(simpleRequest("/sessions/whoami")); err == nil {
		t.Fatal("Forward() expected error for unreachable upstream, got nil")
	} else if !strings.Contains(err.Error(), "forward to upstream") {
		t.Errorf("error %q should wrap the upstream failure", err)
	}
}

func TestNewTunnelService_InvalidPublicOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.Tunnel.PublicOrigin = "://not-a-url"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)

	if _, err := NewTunnelService(uc, cfg, logger, nil); err == nil {
		t.Fatal("NewTunnelService() expected error for invalid public origin, got nil")
	}
}
