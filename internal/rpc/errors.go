package rpc

import (
	"errors"
	"fmt"

	"github.com/mcpx/gateway/internal/secretref"
)

// Secret resolution failures are reported as *secretref.MissingError;
// that type lives in package secretref, which every caller of secret
// resolution already imports, to avoid a needless duplicate error kind
// here.

// UpstreamTimeoutError reports that an outbound call did not complete
// within MCPX_UPSTREAM_TIMEOUT_MS.
type UpstreamTimeoutError struct {
	Upstream string
	Method   string
	Millis   int
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream %q timed out after %dms calling %s", e.Upstream, e.Millis, e.Method)
}

// UpstreamRPCError wraps a JSON-RPC error object returned by an upstream.
type UpstreamRPCError struct {
	Upstream string
	Message  string
}

func (e *UpstreamRPCError) Error() string {
	return fmt.Sprintf("upstream %q returned error: %s", e.Upstream, e.Message)
}

// UpstreamHTTPError is a non-2xx HTTP response from an HTTP upstream.
// Its Status/Body/WWWAuthenticate are preserved verbatim so a 401/403
// can be hoisted to the client unchanged.
type UpstreamHTTPError struct {
	Upstream        string
	Status          int
	Body            string
	WWWAuthenticate string
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("upstream %q returned HTTP %d", e.Upstream, e.Status)
}

// IsAuthChallenge reports whether this HTTP error is a 401/403 that
// should propagate as an auth challenge rather than a generic -32000.
func (e *UpstreamHTTPError) IsAuthChallenge() bool {
	return e.Status == 401 || e.Status == 403
}

// StdioTransportError marks a failure at the stdio transport layer
// (pipe I/O, process exit, framing) as opposed to an application-level
// JSON-RPC error from the upstream. The pool must evict its connection
// entry whenever this is returned.
type StdioTransportError struct {
	Upstream string
	Cause    error
}

func (e *StdioTransportError) Error() string {
	return fmt.Sprintf("stdio transport error for %q: %v", e.Upstream, e.Cause)
}

func (e *StdioTransportError) Unwrap() error { return e.Cause }

// UnsupportedStdioMethodError is returned by UpstreamRouter for any
// method outside the six supported MCP methods on a stdio upstream.
type UnsupportedStdioMethodError struct {
	Method string
}

func (e *UnsupportedStdioMethodError) Error() string {
	return fmt.Sprintf("unsupported stdio method: %s", e.Method)
}

// InvalidParamsError signals a JSON-RPC -32602 disposition (namespace
// mismatch, missing or malformed params). An unknown ?upstream= scope
// is reported separately as *UnknownUpstreamScopeError.
type InvalidParamsError struct {
	Message string
}

func (e *InvalidParamsError) Error() string { return e.Message }

// UnknownUpstreamScopeError is raised when ?upstream=X names an upstream
// absent from the current configuration snapshot.
type UnknownUpstreamScopeError struct {
	Name string
}

func (e *UnknownUpstreamScopeError) Error() string {
	return fmt.Sprintf("unknown upstream scope: %s", e.Name)
}

// ToErrorResponse maps a dispatch-time error to the JSON-RPC error
// response it must produce. Callers that need HTTP-level
// auth-challenge hoisting instead of a JSON-RPC response must check
// for *UpstreamHTTPError.IsAuthChallenge() before reaching this
// function.
func ToErrorResponse(id ID, err error) *Response {
	var (
		missing      *secretref.MissingError
		timeout      *UpstreamTimeoutError
		upstreamRPC  *UpstreamRPCError
		upstreamHTTP *UpstreamHTTPError
		stdioErr     *StdioTransportError
		unsupported  *UnsupportedStdioMethodError
		invalid      *InvalidParamsError
		unknownScope *UnknownUpstreamScopeError
	)
	switch {
	case errors.As(err, &missing):
		return NewErrorResponse(id, CodeServerError, missing.Error())
	case errors.As(err, &invalid):
		return NewErrorResponse(id, CodeInvalidParams, invalid.Error())
	case errors.As(err, &unknownScope):
		return NewErrorResponse(id, CodeInvalidParams, unknownScope.Error())
	case errors.As(err, &unsupported):
		return NewErrorResponse(id, CodeMethodNotFound, unsupported.Error())
	case errors.As(err, &timeout):
		return NewErrorResponse(id, CodeServerError, timeout.Error())
	case errors.As(err, &upstreamRPC):
		return NewErrorResponse(id, CodeServerError, upstreamRPC.Error())
	case errors.As(err, &upstreamHTTP):
		return NewErrorResponse(id, CodeServerError, upstreamHTTP.Error())
	case errors.As(err, &stdioErr):
		return NewErrorResponse(id, CodeServerError, stdioErr.Error())
	default:
		return NewErrorResponse(id, CodeServerError, err.Error())
	}
}
