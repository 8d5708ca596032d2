// Package httpcaller implements a JSON-RPC client for a single HTTPS
// upstream, handling both a plain JSON response and a server-sent-event
// stream.
//
// Grounded on the donor's aperture SSE client (gateway/aperture_sse.go)
// for the event-line state machine, and on
// other_examples/134668c1_RevittCo-mcplexer's HTTPInstance.doRPC /
// readSSEResponse for the header-merge-then-POST-then-branch-on-
// content-type shape, generalized from "first result wins" to the
// stricter "first event whose id matches the request id" rule a
// gateway merging several upstreams needs.
package httpcaller

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcpx/gateway/internal/config"
	"github.com/mcpx/gateway/internal/rpc"
	"github.com/mcpx/gateway/internal/secretref"
)

const defaultTimeoutMS = 30_000

// Caller performs JSON-RPC calls against a single HTTP upstream.
type Caller struct {
	HTTPClient *http.Client
	Log        *slog.Logger
}

// New returns a Caller with a sane default client. Per-call deadlines
// are applied via context, not client.Timeout, so callers can share
// one Caller/http.Client across upstreams with different timeouts. A
// nil log falls back to slog.Default().
func New(log *slog.Logger) *Caller {
	return &Caller{HTTPClient: &http.Client{}, Log: log}
}

func (c *Caller) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// TimeoutMillis reads MCPX_UPSTREAM_TIMEOUT_MS, defaulting to 30000.
// Shared with internal/router so stdio calls honor the same deadline
// an HTTP call does.
func TimeoutMillis() int {
	v := os.Getenv("MCPX_UPSTREAM_TIMEOUT_MS")
	if v == "" {
		return defaultTimeoutMS
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return defaultTimeoutMS
	}
	return ms
}

// Call performs one JSON-RPC POST to upstream. id is the raw JSON-RPC
// id to send and to match SSE events against. passthroughAuth, if
// non-empty, overrides any configured Authorization header.
func (c *Caller) Call(ctx context.Context, upstream config.Upstream, method string, params json.RawMessage, id json.RawMessage, secrets secretref.Store, passthroughAuth string) (json.RawMessage, error) {
	headers, err := secretref.ResolveHeaders(ctx, secrets, upstream.Headers)
	if err != nil {
		return nil, err
	}

	ms := TimeoutMillis()
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
	defer cancel()

	reqBody, err := json.Marshal(rpc.Request{JSONRPC: rpc.Version, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request to %q: %w", upstream.Name, err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, upstream.URL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build request to %q: %w", upstream.Name, err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("accept", "application/json, text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	if passthroughAuth != "" {
		httpReq.Header.Set("Authorization", passthroughAuth)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if reqCtx.Err() != nil {
			c.log().Warn("upstream call timed out", "upstream", upstream.Name, "method", method, "timeout_ms", ms)
			return nil, &rpc.UpstreamTimeoutError{Upstream: upstream.Name, Method: method, Millis: ms}
		}
		return nil, fmt.Errorf("call %q: %w", upstream.Name, err)
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		if reqCtx.Err() != nil {
			c.log().Warn("upstream call timed out", "upstream", upstream.Name, "method", method, "timeout_ms", ms)
			return nil, &rpc.UpstreamTimeoutError{Upstream: upstream.Name, Method: method, Millis: ms}
		}
		return nil, fmt.Errorf("read response from %q: %w", upstream.Name, readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log().Warn("upstream returned non-2xx", "upstream", upstream.Name, "method", method, "status", resp.StatusCode)
		return nil, &rpc.UpstreamHTTPError{
			Upstream:        upstream.Name,
			Status:          resp.StatusCode,
			Body:            string(bodyBytes),
			WWWAuthenticate: resp.Header.Get("www-authenticate"),
		}
	}

	var rpcResp *rpc.Response
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("content-type"))
	switch {
	case contentType == "text/event-stream":
		rpcResp, err = parseSSE(bytes.NewReader(bodyBytes), id)
	case contentType == "application/json":
		rpcResp, err = parseJSON(bodyBytes)
	default:
		rpcResp, err = parseJSON(bodyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("parse response from %q: %w", upstream.Name, err)
	}

	if rpcResp.Error != nil {
		return nil, &rpc.UpstreamRPCError{Upstream: upstream.Name, Message: rpcResp.Error.Message}
	}
	return rpcResp.Result, nil
}

func parseJSON(body []byte) (*rpc.Response, error) {
	var resp rpc.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC response: %w", err)
	}
	return &resp, nil
}

// parseSSE accumulates consecutive "data:" lines (joined by "\n"),
// flushing on a blank line and JSON-parsing each flushed event. It
// returns the first event whose id equals wantID, else the last
// successfully parsed event, else a parse error.
func parseSSE(r io.Reader, wantID json.RawMessage) (*rpc.Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var dataLines []string
	var last *rpc.Response

	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		raw := strings.Join(dataLines, "\n")
		dataLines = nil
		var resp rpc.Response
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			return
		}
		last = &resp
	}

	var matched *rpc.Response
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
			if matched == nil && last != nil && idsEqual(last.ID, wantID) {
				matched = last
			}
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// ignore "event:", "id:", comments, and any other SSE field.
		}
	}
	flush()
	if matched == nil && last != nil && idsEqual(last.ID, wantID) {
		matched = last
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}

	if matched != nil {
		return matched, nil
	}
	if last != nil {
		return last, nil
	}
	return nil, fmt.Errorf("no parseable event in stream")
}

func idsEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}
