package gatewayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mcpx/gateway/internal/config"
	"github.com/mcpx/gateway/internal/httpcaller"
	"github.com/mcpx/gateway/internal/oauthproxy"
	"github.com/mcpx/gateway/internal/router"
	"github.com/mcpx/gateway/internal/rpc"
	"github.com/mcpx/gateway/internal/secretref"
	"github.com/mcpx/gateway/internal/stdiopool"
)

const localToken = "local-secret"

func newFront(t *testing.T, snap config.Snapshot) *Front {
	t.Helper()
	pool := stdiopool.New(nil)
	t.Cleanup(pool.Shutdown)
	r := router.New(httpcaller.New(nil), pool, nil)
	return &Front{
		Config:        config.StaticSource{Snap: snap},
		Secrets:       secretref.NoStore{},
		Pool:          pool,
		Merger:        &router.CatalogMerger{Router: r},
		CallRouter:    &router.CallRouter{Router: r},
		OAuth:         oauthproxy.New(),
		ExpectedToken: func(context.Context) (string, error) { return localToken, nil },
	}
}

func doRequest(f *Front, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)
	return rec
}

func authHeader() map[string]string {
	return map[string]string{"x-mcpx-local-token": localToken}
}

func TestFront_UnauthorizedWithoutToken(t *testing.T) {
	f := newFront(t, config.Snapshot{})
	rec := doRequest(f, http.MethodGet, "/mcp", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp rpc.Response
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error == nil || resp.Error.Code != rpc.CodeUnauthorized {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestFront_BearerTokenAuthorizes(t *testing.T) {
	f := newFront(t, config.Snapshot{})
	rec := doRequest(f, http.MethodGet, "/mcp", "", map[string]string{"Authorization": "Bearer " + localToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestFront_GetLiveness(t *testing.T) {
	f := newFront(t, config.Snapshot{})
	rec := doRequest(f, http.MethodGet, "/mcp", "", authHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"server":"mcpx"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestFront_Initialize_SetsSessionHeaders(t *testing.T) {
	f := newFront(t, config.Snapshot{})
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-01-01"}}`
	rec := doRequest(f, http.MethodPost, "/mcp", body, authHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("mcp-session-id") == "" || rec.Header().Get("MCP-Session-Id") == "" {
		t.Error("missing session headers")
	}
	var resp rpc.Response
	json.Unmarshal(rec.Body.Bytes(), &resp)
	var result map[string]any
	json.Unmarshal(resp.Result, &result)
	if result["protocolVersion"] != "2025-01-01" {
		t.Errorf("protocolVersion = %v, want echoed client version", result["protocolVersion"])
	}
}

func TestFront_UnknownMethod(t *testing.T) {
	f := newFront(t, config.Snapshot{})
	body := `{"jsonrpc":"2.0","id":1,"method":"bogus/method"}`
	rec := doRequest(f, http.MethodPost, "/mcp", body, authHeader())
	var resp rpc.Response
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error == nil || resp.Error.Code != rpc.CodeMethodNotFound {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestFront_BatchPreservesOrder(t *testing.T) {
	f := newFront(t, config.Snapshot{})
	body := `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`
	rec := doRequest(f, http.MethodPost, "/mcp", body, authHeader())
	var resps []rpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resps); err != nil {
		t.Fatalf("unmarshal batch: %v, body=%s", err, rec.Body.String())
	}
	if len(resps) != 2 || string(resps[0].ID) != "1" || string(resps[1].ID) != "2" {
		t.Errorf("responses = %+v", resps)
	}
}

func TestFront_BodyTooLarge(t *testing.T) {
	f := newFront(t, config.Snapshot{})
	big := strings.Repeat("a", maxBodyBytes+1)
	body := `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + big + `"}}`
	rec := doRequest(f, http.MethodPost, "/mcp", body, authHeader())
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestFront_MalformedBody(t *testing.T) {
	f := newFront(t, config.Snapshot{})
	rec := doRequest(f, http.MethodPost, "/mcp", "{not json", authHeader())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp rpc.Response
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error == nil || resp.Error.Code != rpc.CodeServerError {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestFront_ToolsListOverHTTPUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpc.Request
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("content-type", "application/json")
		json.NewEncoder(w).Encode(rpc.Response{JSONRPC: rpc.Version, ID: req.ID, Result: json.RawMessage(`{"tools":[{"name":"echo"}]}`)})
	}))
	defer upstream.Close()

	snap := config.Snapshot{
		Names:     []string{"vercel"},
		Upstreams: map[string]config.Upstream{"vercel": {Name: "vercel", Transport: config.TransportHTTP, URL: upstream.URL}},
	}
	f := newFront(t, snap)
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	rec := doRequest(f, http.MethodPost, "/mcp", body, authHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"echo"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestFront_AuthChallengeHoisting(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("www-authenticate", `Bearer resource_metadata="https://mcp.vercel.com/.well-known/oauth-protected-resource"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	snap := config.Snapshot{
		Names:     []string{"vercel"},
		Upstreams: map[string]config.Upstream{"vercel": {Name: "vercel", Transport: config.TransportHTTP, URL: upstream.URL}},
	}
	f := newFront(t, snap)
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	rec := doRequest(f, http.MethodPost, "/mcp", body, authHeader())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 hoisted", rec.Code)
	}
	wwwAuth := rec.Header().Get("www-authenticate")
	if !strings.Contains(wwwAuth, "/.well-known/oauth-protected-resource") || strings.Contains(wwwAuth, "mcp.vercel.com") {
		t.Errorf("www-authenticate = %q, want rewritten to local gateway", wwwAuth)
	}
}

func TestFront_SecretMissingDoesNotHoist(t *testing.T) {
	snap := config.Snapshot{
		Names: []string{"circleback"},
		Upstreams: map[string]config.Upstream{
			"circleback": {
				Name: "circleback", Transport: config.TransportHTTP, URL: "http://unused",
				Headers: map[string]string{"Authorization": "secret://missing_token"},
			},
		},
	}
	f := newFront(t, snap)
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`
	rec := doRequest(f, http.MethodPost, "/mcp", body, authHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, secret-missing must not hoist to a non-200", rec.Code)
	}
	var resp rpc.Response
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "Secret not found") {
		t.Errorf("error = %+v, want Secret not found", resp.Error)
	}
}

func TestFront_WellKnown_NoAuthRequired(t *testing.T) {
	f := newFront(t, config.Snapshot{})
	rec := doRequest(f, http.MethodGet, "/.well-known/oauth-protected-resource", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for zero upstreams with no auth error", rec.Code)
	}
}
