// Package gatewayhttp implements the gateway's single loopback HTTP
// listener: it authenticates local clients, frames batched JSON-RPC,
// and dispatches each request to the router/merger layer.
//
// Grounded on the donor's proxy.HandleRPC (gateway/mcp_proxy.go) for
// the overall "parse body, dispatch per method, frame response" shape,
// and its IdentityMiddleware (gateway/identity.go) for the
// auth-check-then-context-enrich-then-serve middleware pattern,
// generalized from Tailscale identity headers to a local bearer token.
package gatewayhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcpx/gateway/internal/config"
	"github.com/mcpx/gateway/internal/metrics"
	"github.com/mcpx/gateway/internal/oauthproxy"
	"github.com/mcpx/gateway/internal/router"
	"github.com/mcpx/gateway/internal/rpc"
	"github.com/mcpx/gateway/internal/secretref"
	"github.com/mcpx/gateway/internal/stdiopool"
)

// maxBodyBytes is the loopback listener's inbound body cap.
const maxBodyBytes = 2_000_000

const protocolVersion = "2025-11-25"

// serverVersion is reported in the synthesized initialize response.
const serverVersion = "1.0.0"

// Front is the loopback HTTP listener.
type Front struct {
	Config        config.Source
	Secrets       secretref.Store
	Pool          *stdiopool.Pool
	Merger        *router.CatalogMerger
	CallRouter    *router.CallRouter
	OAuth         *oauthproxy.Proxy
	Metrics       *metrics.Registry
	Log           *slog.Logger
	ExpectedToken func(ctx context.Context) (string, error)
}

// ServeHTTP is the single entry point bound to the loopback listener.
func (f *Front) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if prefix, ok := oauthproxy.MatchesWellKnown(r.URL.Path); ok {
		f.serveWellKnown(w, r, prefix)
		return
	}
	if r.URL.Path != "/mcp" {
		http.NotFound(w, r)
		return
	}

	expected, err := f.ExpectedToken(r.Context())
	if err != nil {
		f.log().Error("resolve local token", "error", err)
		writeUnauthorized(w)
		return
	}
	authorized, passthroughAuth := authenticate(r, expected)
	if !authorized {
		writeUnauthorized(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("content-type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "server": "mcpx"})
	case http.MethodPost:
		f.servePost(w, r, passthroughAuth)
	default:
		http.NotFound(w, r)
	}
}

func (f *Front) log() *slog.Logger {
	if f.Log != nil {
		return f.Log
	}
	return slog.Default()
}

// authenticate reports whether the request carries the local gateway
// token, either via x-mcpx-local-token or as a "Bearer <expected>"
// Authorization header. When the local-token header is what authorized
// the request, the client's own Authorization header (whatever it is)
// is taken verbatim as the upstream passthrough credential, since the
// client already proved itself via the separate local-token header and
// Authorization is free to carry the upstream's own credential. When
// Authorization-as-bearer is what authorized the request, there is
// nothing left to pass through: the upstream uses only its own
// configured header. A bearer that matches neither never authorizes.
func authenticate(r *http.Request, expected string) (authorized bool, passthroughAuth string) {
	if r.Header.Get("x-mcpx-local-token") == expected {
		return true, r.Header.Get("Authorization")
	}
	if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && tok == expected {
		return true, ""
	}
	return false, ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(rpc.NewErrorResponse(nil, rpc.CodeUnauthorized, "Unauthorized"))
}

func (f *Front) serveWellKnown(w http.ResponseWriter, r *http.Request, prefix string) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	snap, err := f.Config.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "config unavailable", http.StatusInternalServerError)
		return
	}
	scope := r.URL.Query().Get("upstream")
	status, headers, body, ok := f.OAuth.Forward(r.Context(), snap, scope, prefix, r.Host, r.Header.Get("mcp-protocol-version"), f.Secrets)
	if !ok {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	for k := range headers {
		w.Header().Set(k, headers.Get(k))
	}
	w.WriteHeader(status)
	w.Write(body)
}

func (f *Front) servePost(w http.ResponseWriter, r *http.Request, passthroughAuth string) {
	limited := http.MaxBytesReader(w, r.Body, maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		if strings.Contains(err.Error(), "http: request body too large") {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		f.writeBodyParseError(w, r)
		return
	}
	if len(body) > maxBodyBytes {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	reqs, isBatch, err := rpc.ParseRequestOrBatch(body)
	if err != nil {
		f.writeBodyParseError(w, r)
		return
	}

	snap, err := f.Config.Snapshot(r.Context())
	if err != nil {
		f.writeBodyParseError(w, r)
		return
	}
	f.Pool.Reconcile(snap)

	scope := r.URL.Query().Get("upstream")

	responses := make([]*rpc.Response, 0, len(reqs))
	sawInitialize := false
	for _, req := range reqs {
		if req.Method == "initialize" {
			sawInitialize = true
		}
		resp, hoist := f.dispatch(r.Context(), snap, scope, req, passthroughAuth)
		if hoist != nil {
			f.writeHoistedAuthChallenge(w, hoist, scope, r.Host)
			return
		}
		if resp != nil {
			responses = append(responses, resp)
		}
	}

	if sawInitialize {
		sid := uuid.NewString()
		w.Header().Set("mcp-session-id", sid)
		w.Header().Set("MCP-Session-Id", sid)
	}

	f.writeResponses(w, r, responses, isBatch)
}

// dispatch handles one request object. A non-nil hoist error means the
// whole HTTP response must be rewritten to an auth challenge. It wraps
// doDispatch with a debug-level trace line recording how long the
// method took and how it came out.
func (f *Front) dispatch(ctx context.Context, snap config.Snapshot, scope string, req *rpc.Request, passthroughAuth string) (resp *rpc.Response, hoist *rpc.UpstreamHTTPError) {
	if f.Metrics != nil {
		f.Metrics.RequestsTotal.WithLabelValues(req.Method).Inc()
	}

	start := time.Now()
	resp, hoist = f.doDispatch(ctx, snap, scope, req, passthroughAuth)
	outcome := "ok"
	switch {
	case hoist != nil:
		outcome = "auth-challenge"
	case resp != nil && resp.Error != nil:
		outcome = "error"
	}
	f.log().Debug("dispatch", "method", req.Method, "id", string(req.ID), "duration", time.Since(start), "outcome", outcome)
	if req.IsNotification() {
		// A notification never gets a response object.
		resp = nil
	}
	return resp, hoist
}

func (f *Front) doDispatch(ctx context.Context, snap config.Snapshot, scope string, req *rpc.Request, passthroughAuth string) (resp *rpc.Response, hoist *rpc.UpstreamHTTPError) {
	switch req.Method {
	case "initialize":
		return rpc.NewResultResponse(req.ID, initializeResult(req.Params)), nil
	case "notifications/initialized":
		return nil, nil
	case "ping":
		if req.IsNotification() {
			return nil, nil
		}
		return rpc.NewResultResponse(req.ID, json.RawMessage(`{"ok":true}`)), nil
	case "tools/list", "resources/list", "prompts/list":
		raw, err := f.Merger.List(ctx, snap, scope, req.Method, f.Secrets)
		if err != nil {
			if h, ok := asAuthChallenge(err); ok {
				return nil, h
			}
			return rpc.ToErrorResponse(req.ID, err), nil
		}
		return rpc.NewResultResponse(req.ID, raw), nil
	case "tools/call", "resources/read", "prompts/get":
		raw, err := f.CallRouter.Dispatch(ctx, snap, scope, req.Method, req.Params, req.ID, f.Secrets, passthroughAuth)
		if err != nil {
			if h, ok := asAuthChallenge(err); ok {
				return nil, h
			}
			return rpc.ToErrorResponse(req.ID, err), nil
		}
		return rpc.NewResultResponse(req.ID, raw), nil
	default:
		if req.IsNotification() {
			return nil, nil
		}
		return rpc.NewErrorResponse(req.ID, rpc.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method)), nil
	}
}

func asAuthChallenge(err error) (*rpc.UpstreamHTTPError, bool) {
	httpErr, ok := err.(*rpc.UpstreamHTTPError)
	if ok && httpErr.IsAuthChallenge() {
		return httpErr, true
	}
	return nil, false
}

func initializeResult(params json.RawMessage) json.RawMessage {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	version := p.ProtocolVersion
	if version == "" {
		version = protocolVersion
	}
	result := map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{"name": "mcpx", "version": serverVersion},
	}
	raw, _ := json.Marshal(result)
	return raw
}

func (f *Front) writeBodyParseError(w http.ResponseWriter, r *http.Request) {
	resp := rpc.NewErrorResponse(nil, rpc.CodeServerError, "malformed request body")
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(resp)
}

func (f *Front) writeHoistedAuthChallenge(w http.ResponseWriter, h *rpc.UpstreamHTTPError, scope, host string) {
	if h.WWWAuthenticate != "" {
		w.Header().Set("www-authenticate", oauthproxy.RewriteWWWAuthenticate(h.WWWAuthenticate, host, scope))
	}
	w.WriteHeader(h.Status)
	w.Write([]byte(h.Body))
}

// writeResponses frames the dispatch results as SSE if the client's
// Accept header asked for it, else plain JSON; a single request
// yields a bare object, a batch yields an array.
func (f *Front) writeResponses(w http.ResponseWriter, r *http.Request, responses []*rpc.Response, isBatch bool) {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		f.writeSSE(w, responses)
		return
	}
	f.writeJSON(w, r, responses, isBatch)
}

func (f *Front) writeJSON(w http.ResponseWriter, r *http.Request, responses []*rpc.Response, isBatch bool) {
	w.Header().Set("content-type", "application/json")
	if !isBatch {
		if len(responses) == 0 {
			// Every request was a notification; an empty object stands
			// in for the absent response.
			w.Write([]byte("{}"))
			return
		}
		json.NewEncoder(w).Encode(responses[0])
		return
	}
	json.NewEncoder(w).Encode(responses)
}

func (f *Front) writeSSE(w http.ResponseWriter, responses []*rpc.Response) {
	w.Header().Set("content-type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, resp := range responses {
		data, _ := json.Marshal(resp)
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}
