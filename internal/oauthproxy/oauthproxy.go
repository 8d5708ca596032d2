// Package oauthproxy proxies an HTTP upstream's /.well-known/oauth-*
// discovery endpoints so a local client can run the OAuth flow against
// the gateway instead of discovering the upstream directly, and
// rewrites WWW-Authenticate's resource_metadata URL on propagated
// 401/403s to point back at the gateway.
//
// Grounded on the donor's ApertureClient (gateway/aperture.go), the
// pack's only precedent for "forward a GET to a remote origin and
// mirror select response headers back to the local caller."
package oauthproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mcpx/gateway/internal/config"
	"github.com/mcpx/gateway/internal/secretref"
)

var wellKnownPrefixes = []string{
	"/.well-known/oauth-protected-resource",
	"/.well-known/oauth-authorization-server",
	"/.well-known/openid-configuration",
}

// MatchesWellKnown reports whether path is one of the three proxied
// discovery prefixes.
func MatchesWellKnown(path string) (prefix string, ok bool) {
	for _, p := range wellKnownPrefixes {
		if strings.HasPrefix(path, p) {
			return p, true
		}
	}
	return "", false
}

// Proxy performs the well-known-endpoint proxy.
type Proxy struct {
	HTTPClient *http.Client
}

func New() *Proxy {
	return &Proxy{HTTPClient: &http.Client{}}
}

// singleHTTPUpstream resolves the single HTTP upstream in scope:
// either the configuration has exactly one upstream, or scope names
// an HTTP upstream explicitly. Returns ok=false (→ 404) otherwise.
func singleHTTPUpstream(snap config.Snapshot, scope string) (config.Upstream, bool) {
	if scope != "" {
		u, ok := snap.Get(scope)
		return u, ok && u.Transport == config.TransportHTTP
	}
	if len(snap.Names) != 1 {
		return config.Upstream{}, false
	}
	u, ok := snap.Get(snap.Names[0])
	return u, ok && u.Transport == config.TransportHTTP
}

// Forward proxies one well-known GET. localHost is the Host header the
// gateway itself is reachable on (for resource rewriting); scope is
// the ?upstream= query value ("" if absent); protocolVersion is the
// client's mcp-protocol-version header, if any.
func (p *Proxy) Forward(ctx context.Context, snap config.Snapshot, scope, wellKnownPrefix, localHost, protocolVersion string, secrets secretref.Store) (status int, headers http.Header, body []byte, ok bool) {
	upstream, found := singleHTTPUpstream(snap, scope)
	if !found {
		return http.StatusNotFound, nil, nil, true
	}

	target, err := upstreamWellKnownURL(upstream.URL, wellKnownPrefix)
	if err != nil {
		return http.StatusNotFound, nil, nil, true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, nil, false
	}
	req.Header.Set("accept", "application/json")
	if protocolVersion != "" {
		req.Header.Set("mcp-protocol-version", protocolVersion)
	}
	resolved, err := secretref.ResolveHeaders(ctx, secrets, upstream.Headers)
	if err != nil {
		return 0, nil, nil, false
	}
	for k, v := range resolved {
		req.Header.Set(k, v)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, nil, false
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, false
	}

	out := http.Header{}
	for _, h := range []string{"content-type", "cache-control", "www-authenticate"} {
		if v := resp.Header.Get(h); v != "" {
			out.Set(h, v)
		}
	}

	if wellKnownPrefix == "/.well-known/oauth-protected-resource" && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if rewritten, rerr := rewriteResource(respBody, localHost, scope); rerr == nil {
			respBody = rewritten
		}
	}

	return resp.StatusCode, out, respBody, true
}

// upstreamWellKnownURL builds "<origin>/.well-known/...<upstreamPath>",
// e.g. "https://host/mcp" + "/.well-known/oauth-protected-resource" →
// "https://host/.well-known/oauth-protected-resource/mcp".
func upstreamWellKnownURL(upstreamURL, wellKnownPrefix string) (string, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	origin := fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	return origin + wellKnownPrefix + path, nil
}

func rewriteResource(body []byte, localHost, scope string) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	doc["resource"] = LocalResourceURL(localHost, scope)
	return json.Marshal(doc)
}

// LocalResourceURL is the gateway's own /mcp URL, optionally scoped,
// used both for rewriting the "resource" field of
// oauth-protected-resource documents and for rewriting
// resource_metadata on propagated 401/403 responses.
func LocalResourceURL(localHost, scope string) string {
	if scope == "" {
		return fmt.Sprintf("http://%s/mcp", localHost)
	}
	return fmt.Sprintf("http://%s/mcp?upstream=%s", localHost, url.QueryEscape(scope))
}

// LocalWellKnownURL is the gateway's own
// /.well-known/oauth-protected-resource URL, used to replace
// resource_metadata on a propagated POST 401/403 auth challenge.
func LocalWellKnownURL(localHost, scope string) string {
	base := fmt.Sprintf("http://%s/.well-known/oauth-protected-resource", localHost)
	if scope == "" {
		return base
	}
	return base + "?upstream=" + url.QueryEscape(scope)
}

// RewriteWWWAuthenticate replaces (or appends) the resource_metadata
// parameter of a WWW-Authenticate header value with the gateway's own
// well-known URL, so a hoisted auth challenge points the client back
// at the gateway instead of the upstream.
func RewriteWWWAuthenticate(header, localHost, scope string) string {
	local := LocalWellKnownURL(localHost, scope)
	if header == "" {
		return fmt.Sprintf(`resource_metadata=%q`, local)
	}

	idx := strings.Index(header, "resource_metadata=")
	if idx == -1 {
		sep := ", "
		if strings.HasSuffix(strings.TrimSpace(header), ",") {
			sep = " "
		}
		return header + sep + fmt.Sprintf(`resource_metadata=%q`, local)
	}

	// Replace the quoted value starting at resource_metadata=".
	rest := header[idx+len("resource_metadata="):]
	if len(rest) == 0 || rest[0] != '"' {
		return header[:idx] + fmt.Sprintf(`resource_metadata=%q`, local)
	}
	end := strings.Index(rest[1:], `"`)
	if end == -1 {
		return header[:idx] + fmt.Sprintf(`resource_metadata=%q`, local)
	}
	end += 1 // index into rest, past the opening quote
	return header[:idx] + fmt.Sprintf(`resource_metadata=%q`, local) + rest[end+1:]
}
