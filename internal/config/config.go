// Package config defines the typed configuration snapshot the gateway
// core consumes. Parsing and validation of the on-disk YAML
// representation is kept separate from the core so the core only ever
// depends on the Source interface, never on a file path directly.
package config

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// nameRE matches the allowed upstream name grammar.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// Transport tags which wire protocol an Upstream uses.
type Transport string

const (
	TransportHTTP  Transport = "http"
	TransportStdio Transport = "stdio"
)

// Upstream is a tagged union: Http{url, headers} or Stdio{command,
// args, env, cwd}. Header/env values may be literal or "secret://name"
// references, resolved at call time by internal/secretref.
type Upstream struct {
	Name      string    `yaml:"-"`
	Transport Transport `yaml:"transport"`

	// Http fields.
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// Stdio fields.
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty"`
}

// Validate checks the invariants required of a single upstream.
func (u Upstream) Validate() error {
	if !nameRE.MatchString(u.Name) {
		return fmt.Errorf("invalid upstream name %q", u.Name)
	}
	switch u.Transport {
	case TransportHTTP:
		if u.URL == "" {
			return fmt.Errorf("upstream %q: http transport requires url", u.Name)
		}
	case TransportStdio:
		if u.Command == "" {
			return fmt.Errorf("upstream %q: stdio transport requires command", u.Name)
		}
	default:
		return fmt.Errorf("upstream %q: unknown transport %q", u.Name, u.Transport)
	}
	return nil
}

// Gateway holds the gateway-wide settings.
type Gateway struct {
	Port          int    `yaml:"port"`
	LocalTokenRef string `yaml:"localTokenRef"`
}

// Snapshot is a point-in-time configuration read: upstream
// specifications keyed by name (order-preserving, since catalog merge
// ordering is defined by configuration order), the gateway port, and
// the local auth token reference.
type Snapshot struct {
	Gateway Gateway
	// Names preserves configuration order; Upstreams is keyed by name.
	// CatalogMerger relies on Names so items from upstream A precede
	// items from upstream B whenever the configuration lists A before B.
	Names     []string
	Upstreams map[string]Upstream
}

// Get looks up an upstream by name.
func (s Snapshot) Get(name string) (Upstream, bool) {
	u, ok := s.Upstreams[name]
	return u, ok
}

// Source produces a fresh Snapshot on every call. The core reads this
// at the start of every request's dispatch and never caches the
// result across requests, so editing the config file takes effect
// without a gateway restart.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// fileDoc is the on-disk YAML shape read by FileSource.
type fileDoc struct {
	Gateway struct {
		Port          int    `yaml:"port"`
		LocalTokenRef string `yaml:"localTokenRef"`
	} `yaml:"gateway"`
	Servers yaml.Node `yaml:"servers"`
}

// FileSource reads a YAML configuration document from disk on every
// Snapshot call, so external add/remove of upstreams (e.g. another
// process editing the file) is reflected without a gateway restart.
type FileSource struct {
	Path string
}

// Snapshot reads and parses Path. Servers are decoded in document order
// via yaml.Node to preserve the ordering invariant the merger depends on.
func (s FileSource) Snapshot(_ context.Context) (Snapshot, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read config %s: %w", s.Path, err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("parse config %s: %w", s.Path, err)
	}

	snap := Snapshot{
		Gateway: Gateway{
			Port:          doc.Gateway.Port,
			LocalTokenRef: doc.Gateway.LocalTokenRef,
		},
		Upstreams: make(map[string]Upstream),
	}

	if doc.Servers.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(doc.Servers.Content); i += 2 {
			name := doc.Servers.Content[i].Value
			var u Upstream
			if err := doc.Servers.Content[i+1].Decode(&u); err != nil {
				return Snapshot{}, fmt.Errorf("parse upstream %q: %w", name, err)
			}
			u.Name = name
			if err := u.Validate(); err != nil {
				return Snapshot{}, err
			}
			snap.Names = append(snap.Names, name)
			snap.Upstreams[name] = u
		}
	}

	return snap, nil
}

// StaticSource is an in-memory Source, used by tests and by any caller
// that already has a Snapshot (e.g. constructed programmatically).
type StaticSource struct {
	Snap Snapshot
}

func (s StaticSource) Snapshot(_ context.Context) (Snapshot, error) {
	return s.Snap, nil
}
