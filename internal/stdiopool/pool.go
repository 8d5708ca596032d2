package stdiopool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcpx/gateway/internal/config"
	"github.com/mcpx/gateway/internal/fingerprint"
	"github.com/mcpx/gateway/internal/secretref"
)

// entry is a pool slot: a fingerprint and a future client. ready is
// closed once client/err are safe to read, mirroring the donor's
// "insert a placeholder, connect outside the lock" discipline
// (mcp_proxy.go's Start holds p.mu only around field assignment, never
// across the blocking subprocess handshake).
type entry struct {
	fp    string
	ready chan struct{}
	client *Client
	err    error
}

// Pool is a keyed-by-upstream-name pool of long-lived stdio clients.
type Pool struct {
	Log *slog.Logger
	// PoolSize, if set, is kept in sync with the current entry count on
	// every spawn, evict, reconcile, and shutdown.
	PoolSize prometheus.Gauge

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty pool. A nil log falls back to slog.Default().
func New(log *slog.Logger) *Pool {
	return &Pool{entries: make(map[string]*entry), Log: log}
}

func (p *Pool) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// reportSize updates PoolSize, if set, to the current entry count. The
// caller must not hold p.mu.
func (p *Pool) reportSize() {
	if p.PoolSize == nil {
		return
	}
	p.mu.Lock()
	n := len(p.entries)
	p.mu.Unlock()
	p.PoolSize.Set(float64(n))
}

// Acquire returns the long-lived Client for upstream, spawning it (or
// respawning it if the upstream's spec fingerprint changed since the
// last acquire) as needed. Concurrent Acquire calls for the same
// upstream name share one child process and one in-flight spawn.
func (p *Pool) Acquire(ctx context.Context, upstream config.Upstream, secrets secretref.Store) (*Client, error) {
	fp := fingerprint.Of(upstream)

	p.mu.Lock()
	e, ok := p.entries[upstream.Name]
	if ok && e.fp == fp {
		p.mu.Unlock()
		<-e.ready
		return e.client, e.err
	}
	if ok && e.fp != fp {
		delete(p.entries, upstream.Name)
		p.log().Info("upstream spec changed, respawning", "upstream", upstream.Name)
		// Evict asynchronously; do not await the old client's close.
		go func(old *entry) {
			<-old.ready
			if old.client != nil {
				_ = old.client.Close()
			}
		}(e)
	}

	fresh := &entry{fp: fp, ready: make(chan struct{})}
	p.entries[upstream.Name] = fresh
	p.mu.Unlock()

	client, err := p.spawn(ctx, upstream, secrets)
	fresh.client, fresh.err = client, err
	close(fresh.ready)

	if err != nil {
		p.log().Warn("spawn failed", "upstream", upstream.Name, "error", err)
		p.mu.Lock()
		if p.entries[upstream.Name] == fresh {
			delete(p.entries, upstream.Name)
		}
		p.mu.Unlock()
	} else {
		p.log().Info("spawned stdio upstream", "upstream", upstream.Name)
	}
	p.reportSize()
	return client, err
}

func (p *Pool) spawn(ctx context.Context, upstream config.Upstream, secrets secretref.Store) (*Client, error) {
	resolvedEnv, err := secretref.ResolveHeaders(ctx, secrets, upstream.Env)
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(resolvedEnv))
	for k, v := range resolvedEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	client, err := Start(ctx, upstream.Name, upstream.Command, upstream.Args, env, upstream.Cwd)
	if err != nil {
		return nil, err
	}
	if _, err := client.Call(ctx, "initialize", initializeParams()); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func initializeParams() []byte {
	return []byte(`{"protocolVersion":"2025-11-25","capabilities":{},"clientInfo":{"name":"mcpx","version":"1.0.0"}}`)
}

// Evict removes the entry for name if it still holds client c, and
// closes c before returning. Called by UpstreamRouter after a transport-level
// error on a stdio call; application-level JSON-RPC errors must NOT
// call this.
func (p *Pool) Evict(name string, c *Client) {
	p.mu.Lock()
	e, ok := p.entries[name]
	if ok && e.client == c {
		delete(p.entries, name)
	}
	p.mu.Unlock()
	if ok && e.client == c {
		p.log().Info("evicting stdio upstream", "upstream", name)
		_ = c.Close()
	}
	p.reportSize()
}

// Reconcile drops every entry whose upstream no longer exists in snap
// or whose fingerprint no longer matches the configured spec, so a
// config change takes effect before the next Acquire even if no call
// has yet touched that upstream.
func (p *Pool) Reconcile(snap config.Snapshot) {
	p.mu.Lock()
	var stale []*entry
	var staleNames []string
	for name, e := range p.entries {
		u, ok := snap.Get(name)
		if !ok || fingerprint.Of(u) != e.fp {
			delete(p.entries, name)
			stale = append(stale, e)
			staleNames = append(staleNames, name)
		}
	}
	p.mu.Unlock()

	for i, e := range stale {
		p.log().Info("reconcile dropping stale upstream", "upstream", staleNames[i])
		go func(e *entry) {
			<-e.ready
			if e.client != nil {
				_ = e.client.Close()
			}
		}(e)
	}
	if len(stale) > 0 {
		p.reportSize()
	}
}

// Shutdown closes every pool entry, ignoring close errors.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()
	p.reportSize()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			<-e.ready
			if e.client != nil {
				_ = e.client.Close()
			}
		}(e)
	}
	wg.Wait()
}
