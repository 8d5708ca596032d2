package oauthproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mcpx/gateway/internal/config"
	"github.com/mcpx/gateway/internal/secretref"
)

func TestMatchesWellKnown(t *testing.T) {
	prefix, ok := MatchesWellKnown("/.well-known/oauth-protected-resource")
	if !ok || prefix != "/.well-known/oauth-protected-resource" {
		t.Errorf("got %q, %v", prefix, ok)
	}
	if _, ok := MatchesWellKnown("/mcp"); ok {
		t.Error("should not match /mcp")
	}
}

func TestUpstreamWellKnownURL(t *testing.T) {
	got, err := upstreamWellKnownURL("https://host/mcp", "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	want := "https://host/.well-known/oauth-protected-resource/mcp"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestForward_404WhenMultiUpstreamUnscoped(t *testing.T) {
	snap := config.Snapshot{
		Names: []string{"a", "b"},
		Upstreams: map[string]config.Upstream{
			"a": {Name: "a", Transport: config.TransportHTTP, URL: "http://unused/mcp"},
			"b": {Name: "b", Transport: config.TransportHTTP, URL: "http://unused/mcp"},
		},
	}
	p := New()
	status, _, _, ok := p.Forward(context.Background(), snap, "", "/.well-known/oauth-protected-resource", "127.0.0.1:8765", "", secretref.NoStore{})
	if !ok || status != http.StatusNotFound {
		t.Errorf("status=%d ok=%v, want 404", status, ok)
	}
}

func TestForward_RewritesResourceField(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{"resource":"https://example.com/"}`))
	}))
	defer upstream.Close()

	snap := config.Snapshot{
		Names:     []string{"vercel"},
		Upstreams: map[string]config.Upstream{"vercel": {Name: "vercel", Transport: config.TransportHTTP, URL: upstream.URL + "/mcp"}},
	}
	p := New()
	status, _, body, ok := p.Forward(context.Background(), snap, "", "/.well-known/oauth-protected-resource", "127.0.0.1:8765", "", secretref.NoStore{})
	if !ok || status != http.StatusOK {
		t.Fatalf("status=%d ok=%v", status, ok)
	}
	want := `{"resource":"http://127.0.0.1:8765/mcp"}`
	if string(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestForward_ScopedSelectsNamedUpstream(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("content-type", "application/json")
		w.Write([]byte(`{"resource":"https://example.com/"}`))
	}))
	defer upstream.Close()

	snap := config.Snapshot{
		Names: []string{"a", "b"},
		Upstreams: map[string]config.Upstream{
			"a": {Name: "a", Transport: config.TransportHTTP, URL: upstream.URL + "/mcp"},
			"b": {Name: "b", Transport: config.TransportHTTP, URL: "http://unused/mcp"},
		},
	}
	p := New()
	status, _, body, ok := p.Forward(context.Background(), snap, "a", "/.well-known/oauth-protected-resource", "127.0.0.1:8765", "", secretref.NoStore{})
	if !ok || status != http.StatusOK {
		t.Fatalf("status=%d ok=%v", status, ok)
	}
	if gotPath != "/.well-known/oauth-protected-resource/mcp" {
		t.Errorf("gotPath = %q", gotPath)
	}
	want := `{"resource":"http://127.0.0.1:8765/mcp?upstream=a"}`
	if string(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestRewriteWWWAuthenticate_ReplacesExisting(t *testing.T) {
	header := `Bearer error="invalid_token", resource_metadata="https://mcp.vercel.com/.well-known/oauth-protected-resource"`
	got := RewriteWWWAuthenticate(header, "127.0.0.1:8765", "")
	want := `Bearer error="invalid_token", resource_metadata="http://127.0.0.1:8765/.well-known/oauth-protected-resource"`
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestRewriteWWWAuthenticate_AppendsWhenMissing(t *testing.T) {
	header := `Bearer error="invalid_token"`
	got := RewriteWWWAuthenticate(header, "127.0.0.1:8765", "vercel")
	want := `Bearer error="invalid_token", resource_metadata="http://127.0.0.1:8765/.well-known/oauth-protected-resource?upstream=vercel"`
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}
