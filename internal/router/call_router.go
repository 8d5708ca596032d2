package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/mcpx/gateway/internal/config"
	"github.com/mcpx/gateway/internal/rpc"
	"github.com/mcpx/gateway/internal/secretref"
)

// CallRouter parses the server-qualified identifier out of tools/call,
// prompts/get (params.name) or resources/read (params.uri), resolves
// the target upstream, and forwards the call with the upstream-local
// identifier written back into params.
type CallRouter struct {
	Router *UpstreamRouter
}

// identifierField returns which params field carries the namespaced
// identifier for method, or "" if method isn't a */call-shaped method.
func identifierField(method string) string {
	switch method {
	case "tools/call", "prompts/get":
		return "name"
	case "resources/read":
		return "uri"
	default:
		return ""
	}
}

// Dispatch resolves and forwards one */call, */read, or */get request.
// scope is the optional ?upstream= query parameter value ("" if absent).
func (c *CallRouter) Dispatch(ctx context.Context, snap config.Snapshot, scope string, method string, params json.RawMessage, id json.RawMessage, secrets secretref.Store, passthroughAuth string) (json.RawMessage, error) {
	field := identifierField(method)
	if field == "" {
		return nil, fmt.Errorf("call router: unsupported method %q", method)
	}

	var paramsMap map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &paramsMap); err != nil {
			return nil, &rpc.InvalidParamsError{Message: "params must be an object"}
		}
	}
	if paramsMap == nil {
		return nil, &rpc.InvalidParamsError{Message: fmt.Sprintf("missing params.%s", field)}
	}
	identifier, ok := paramsMap[field].(string)
	if !ok || identifier == "" {
		return nil, &rpc.InvalidParamsError{Message: fmt.Sprintf("missing params.%s", field)}
	}

	server, local, namespaced, err := parseIdentifier(method, identifier)
	if err != nil {
		return nil, err
	}

	target, localIdentifier, err := resolveTarget(snap, scope, server, local, namespaced)
	if err != nil {
		return nil, err
	}

	paramsMap[field] = localIdentifier
	rewritten, err := json.Marshal(paramsMap)
	if err != nil {
		return nil, fmt.Errorf("remarshal params: %w", err)
	}

	upstream, _ := snap.Get(target)
	return c.Router.Call(ctx, upstream, method, rewritten, id, secrets, passthroughAuth)
}

// parseIdentifier splits a "server.local" tool/prompt name, or decodes
// a "mcpx://server/<encoded>" resource uri. namespaced reports whether
// a server prefix was actually present.
func parseIdentifier(method, identifier string) (server, local string, namespaced bool, err error) {
	if method == "resources/read" {
		if strings.HasPrefix(identifier, "mcpx://") {
			rest := strings.TrimPrefix(identifier, "mcpx://")
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) != 2 {
				return "", "", false, &rpc.InvalidParamsError{Message: "malformed mcpx:// resource uri"}
			}
			decoded, derr := url.PathUnescape(parts[1])
			if derr != nil {
				return "", "", false, &rpc.InvalidParamsError{Message: "malformed mcpx:// resource uri encoding"}
			}
			return parts[0], decoded, true, nil
		}
		return "", identifier, false, nil
	}

	// tools/call, prompts/get: split on the first '.'.
	if i := strings.IndexByte(identifier, '.'); i > 0 {
		return identifier[:i], identifier[i+1:], true, nil
	}
	return "", identifier, false, nil
}

// resolveTarget implements the gateway's upstream-scoping rules: an
// explicit ?upstream= scope wins (and conflicts with a mismatched
// namespace prefix); otherwise a namespaced identifier picks its own
// upstream; otherwise an unnamespaced identifier is only valid when
// exactly one upstream is configured.
func resolveTarget(snap config.Snapshot, scope, server, local string, namespaced bool) (target, localIdentifier string, err error) {
	if scope != "" {
		if namespaced && server != scope {
			return "", "", &rpc.InvalidParamsError{Message: fmt.Sprintf("identifier namespaced to %q conflicts with scope %q", server, scope)}
		}
		if _, ok := snap.Get(scope); !ok {
			return "", "", &rpc.UnknownUpstreamScopeError{Name: scope}
		}
		return scope, local, nil
	}

	if namespaced {
		if _, ok := snap.Get(server); ok {
			return server, local, nil
		}
		return "", "", &rpc.InvalidParamsError{Message: fmt.Sprintf("unknown upstream %q in namespaced identifier", server)}
	}

	if len(snap.Names) == 1 {
		return snap.Names[0], local, nil
	}
	return "", "", &rpc.InvalidParamsError{Message: "identifier must be namespaced as \"server.name\" when more than one upstream is configured"}
}
