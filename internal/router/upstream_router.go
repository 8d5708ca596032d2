// Package router implements the gateway's dispatch layer:
// UpstreamRouter (single-upstream call dispatch), CatalogMerger
// (parallel */list fan-out with namespacing), and CallRouter
// (identifier parsing and routing for */call, */read, */get).
//
// Grounded on the donor's tagged-dispatch idiom (gateway/mcp_proxy.go's
// HandleRPC switches on method, and main.go wires one handler per
// upstream kind); generalized here from the donor's single always-on
// subprocess to an arbitrary number of HTTP and stdio upstreams.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcpx/gateway/internal/config"
	"github.com/mcpx/gateway/internal/httpcaller"
	"github.com/mcpx/gateway/internal/rpc"
	"github.com/mcpx/gateway/internal/secretref"
	"github.com/mcpx/gateway/internal/stdiopool"
)

// supportedStdioMethods are the six MCP methods a stdio client supports.
var supportedStdioMethods = map[string]bool{
	"tools/list":     true,
	"resources/list": true,
	"prompts/list":   true,
	"tools/call":     true,
	"resources/read": true,
	"prompts/get":    true,
}

// UpstreamRouter is the single entry point for one transport-level
// call: it picks HTTP or stdio by the upstream's configured transport,
// applies the outbound timeout to stdio calls the same way
// httpcaller.Caller already does for HTTP, and evicts a stdio pool
// entry on any transport-level failure.
type UpstreamRouter struct {
	HTTP *httpcaller.Caller
	Pool *stdiopool.Pool
	Log  *slog.Logger

	// CallErrors and CallLatency, if set, record every outbound call by
	// upstream; nil fields are simply skipped.
	CallErrors  *prometheus.CounterVec
	CallLatency *prometheus.HistogramVec
}

// New builds an UpstreamRouter sharing the given caller and pool. A
// nil log falls back to slog.Default().
func New(httpCaller *httpcaller.Caller, pool *stdiopool.Pool, log *slog.Logger) *UpstreamRouter {
	return &UpstreamRouter{HTTP: httpCaller, Pool: pool, Log: log}
}

func (r *UpstreamRouter) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

// Call dispatches method to upstream over its configured transport,
// logging upstream/method/duration/outcome and recording the
// corresponding metrics around the call.
func (r *UpstreamRouter) Call(ctx context.Context, upstream config.Upstream, method string, params json.RawMessage, id json.RawMessage, secrets secretref.Store, passthroughAuth string) (json.RawMessage, error) {
	start := time.Now()
	var result json.RawMessage
	var err error
	switch upstream.Transport {
	case config.TransportHTTP:
		result, err = r.HTTP.Call(ctx, upstream, method, params, id, secrets, passthroughAuth)
	case config.TransportStdio:
		result, err = r.callStdio(ctx, upstream, method, params, secrets)
	default:
		// config.Upstream.Validate rejects any other transport at load
		// time, so this path is unreachable for a validated snapshot.
		err = fmt.Errorf("upstream %q: unknown transport %q", upstream.Name, upstream.Transport)
	}
	duration := time.Since(start)

	if r.CallLatency != nil {
		r.CallLatency.WithLabelValues(upstream.Name, string(upstream.Transport)).Observe(duration.Seconds())
	}
	if err != nil {
		r.log().Debug("upstream call failed", "upstream", upstream.Name, "method", method, "duration", duration, "error", err)
		if r.CallErrors != nil {
			r.CallErrors.WithLabelValues(upstream.Name, errorKind(err)).Inc()
		}
		return nil, err
	}
	r.log().Debug("upstream call ok", "upstream", upstream.Name, "method", method, "duration", duration)
	return result, nil
}

// errorKind labels a call failure for the upstream_call_errors_total
// metric.
func errorKind(err error) string {
	var timeout *rpc.UpstreamTimeoutError
	var rpcErr *rpc.UpstreamRPCError
	var httpErr *rpc.UpstreamHTTPError
	var transportErr *rpc.StdioTransportError
	switch {
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &rpcErr):
		return "rpc"
	case errors.As(err, &httpErr):
		return "http"
	case errors.As(err, &transportErr):
		return "transport"
	default:
		return "other"
	}
}

func (r *UpstreamRouter) callStdio(ctx context.Context, upstream config.Upstream, method string, params json.RawMessage, secrets secretref.Store) (json.RawMessage, error) {
	if !supportedStdioMethods[method] {
		return nil, &rpc.UnsupportedStdioMethodError{Method: method}
	}

	// Apply the same outbound deadline an HTTP call gets, covering the
	// spawn/handshake as well as the call itself, so an unresponsive
	// child process produces an UpstreamTimeoutError and an evicted pool
	// entry instead of hanging the request forever.
	ms := httpcaller.TimeoutMillis()
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
	defer cancel()

	client, err := r.Pool.Acquire(callCtx, upstream, secrets)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, &rpc.UpstreamTimeoutError{Upstream: upstream.Name, Method: method, Millis: ms}
		}
		return nil, err
	}

	result, err := client.Call(callCtx, method, params)
	if err != nil {
		var transportErr *rpc.StdioTransportError
		if errors.As(err, &transportErr) {
			r.Pool.Evict(upstream.Name, client)
			if callCtx.Err() == context.DeadlineExceeded {
				return nil, &rpc.UpstreamTimeoutError{Upstream: upstream.Name, Method: method, Millis: ms}
			}
		}
		return nil, err
	}
	return result, nil
}
