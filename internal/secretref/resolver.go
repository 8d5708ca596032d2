// Package secretref resolves "secret://name" references to plaintext.
// It is grounded on the donor's multi-source Resolver
// (gateway/resolver.go) but narrowed to a two-source precedence: the
// MCPX_SECRET_<name> environment override, then a pluggable platform
// secret store, so tests can stub the store the same way the donor's
// Resolver took an injected *SetecClient.
package secretref

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const refPrefix = "secret://"

// Store is the pluggable secret backend. A real implementation might
// talk to a platform keychain; tests use an in-memory stub.
type Store interface {
	// Get returns the secret value and whether it was found. A non-nil
	// error indicates the store itself failed (e.g. network error), as
	// distinct from a clean not-found.
	Get(ctx context.Context, name string) (value string, found bool, err error)
}

// NoStore is a Store that never has anything, for gateways configured
// with only environment-variable secrets.
type NoStore struct{}

func (NoStore) Get(context.Context, string) (string, bool, error) { return "", false, nil }

// MapStore is an in-memory Store, used by tests.
type MapStore map[string]string

func (m MapStore) Get(_ context.Context, name string) (string, bool, error) {
	v, ok := m[name]
	return v, ok, nil
}

// IsReference reports whether v is a secret:// reference rather than a
// literal value.
func IsReference(v string) bool {
	return strings.HasPrefix(v, refPrefix)
}

// Resolve turns v into a plaintext value: a literal value passes
// through unchanged; a secret://name reference is looked up first via
// MCPX_SECRET_<name>, then via store. A returned *MissingError is the
// sentinel the router and HTTP front special-case to produce the
// -32000 "Secret not found" response without ever contacting the
// upstream.
func Resolve(ctx context.Context, store Store, v string) (string, error) {
	if !IsReference(v) {
		return v, nil
	}
	name := strings.TrimPrefix(v, refPrefix)
	if name == "" {
		return "", &MissingError{Name: name}
	}

	if envVal, ok := os.LookupEnv(envVarName(name)); ok {
		return envVal, nil
	}

	if store == nil {
		store = NoStore{}
	}
	val, found, err := store.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("secret store lookup %q: %w", name, err)
	}
	if !found {
		return "", &MissingError{Name: name}
	}
	return val, nil
}

// ResolveHeaders resolves every value of a header/env map, returning
// the results in a new map so the caller's Upstream spec is never mutated.
func ResolveHeaders(ctx context.Context, store Store, in map[string]string) (map[string]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		resolved, err := Resolve(ctx, store, v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func envVarName(name string) string {
	return "MCPX_SECRET_" + name
}

// MissingError is the sentinel error kind for an unresolved secret://
// reference. Callers use errors.As against *MissingError to produce the
// -32000 "Secret not found" JSON-RPC response.
type MissingError struct {
	Name string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("Secret not found: %s", e.Name)
}
