package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/mcpx/gateway/internal/config"
	"github.com/mcpx/gateway/internal/rpc"
	"github.com/mcpx/gateway/internal/secretref"
)

// CatalogMerger executes a */list method across every upstream in
// scope concurrently, namespacing item names/uris and merging the
// results back together in configuration order.
type CatalogMerger struct {
	Router *UpstreamRouter
}

func itemsKey(method string) string {
	switch method {
	case "tools/list":
		return "tools"
	case "resources/list":
		return "resources"
	case "prompts/list":
		return "prompts"
	default:
		return ""
	}
}

type listOutcome struct {
	items []map[string]any
	err   error
}

// List executes method across the upstreams in scope (all configured
// upstreams, or the single upstream named by scope) and returns the
// merged `{"<key>":[...]}` result.
func (m *CatalogMerger) List(ctx context.Context, snap config.Snapshot, scope string, method string, secrets secretref.Store) (json.RawMessage, error) {
	key := itemsKey(method)
	if key == "" {
		return nil, fmt.Errorf("catalog merger: unsupported method %q", method)
	}

	names := snap.Names
	if scope != "" {
		if _, ok := snap.Get(scope); !ok {
			return nil, &rpc.UnknownUpstreamScopeError{Name: scope}
		}
		names = []string{scope}
	}
	flat := len(names) == 1

	// A plain errgroup.Group (no WithContext) fans out one goroutine per
	// upstream and waits for all of them; it deliberately does NOT
	// cancel siblings on a member's error, since per-upstream failures
	// must be isolated rather than aborting the whole merge. callOne
	// never returns an error to the group itself — each outcome,
	// success or failure, is recorded in its own slot.
	outcomes := make([]listOutcome, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			outcomes[i] = m.callOne(ctx, snap, name, method, flat, secrets)
			return nil
		})
	}
	g.Wait()

	// Isolation: per-upstream failures are swallowed, EXCEPT when scope
	// is exactly one upstream and the failure is an auth challenge, in
	// which case it propagates so the client gets the HTTP-level
	// challenge verbatim.
	if flat && outcomes[0].err != nil {
		var httpErr *rpc.UpstreamHTTPError
		if errors.As(outcomes[0].err, &httpErr) && httpErr.IsAuthChallenge() {
			return nil, outcomes[0].err
		}
	}

	merged := make([]map[string]any, 0)
	for _, o := range outcomes {
		if o.err != nil {
			continue
		}
		merged = append(merged, o.items...)
	}

	return json.Marshal(map[string]any{key: merged})
}

func (m *CatalogMerger) callOne(ctx context.Context, snap config.Snapshot, name string, method string, flat bool, secrets secretref.Store) listOutcome {
	upstream, _ := snap.Get(name)
	id, _ := json.Marshal(name)
	raw, err := m.Router.Call(ctx, upstream, method, json.RawMessage(`{}`), id, secrets, "")
	if err != nil {
		return listOutcome{err: err}
	}

	items, err := extractItems(raw, method)
	if err != nil {
		return listOutcome{err: err}
	}
	if !flat {
		for _, item := range items {
			namespaceItem(name, method, item)
		}
	}
	return listOutcome{items: items}
}

// extractItems pulls the array named by itemsKey(method) out of an
// upstream's raw result, tolerating an absent or null field as empty.
func extractItems(raw json.RawMessage, method string) ([]map[string]any, error) {
	key := itemsKey(method)
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	arr, ok := obj[key]
	if !ok || string(arr) == "null" {
		return nil, nil
	}
	var items []map[string]any
	if err := json.Unmarshal(arr, &items); err != nil {
		return nil, fmt.Errorf("unmarshal %s items: %w", method, err)
	}
	return items, nil
}

// namespaceItem rewrites an item's name to "<server>.<name>" and, for
// resources/list, its uri to "mcpx://<server>/<urlEncoded(uri)>". All
// other fields pass through unchanged.
func namespaceItem(server string, method string, item map[string]any) {
	if name, ok := item["name"].(string); ok {
		item["name"] = server + "." + name
	}
	if method == "resources/list" {
		if uri, ok := item["uri"].(string); ok {
			item["uri"] = "mcpx://" + server + "/" + url.PathEscape(uri)
		}
	}
}
