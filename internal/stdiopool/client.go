// Package stdiopool pools long-lived child-process MCP clients keyed by
// upstream name, invalidated on upstream-spec mutation or transport
// error.
//
// Grounded on the donor's MCPProxy (gateway/mcp_proxy.go): a single
// background reader (readLoop) is the sole consumer of the child's
// stdout, routing JSON-RPC responses by id and dropping notifications.
// The donor serializes one request at a time because it
// only ever drives one Chapel subprocess for the whole gateway process;
// here multiple inbound HTTP requests for the SAME upstream must be
// able to have concurrent in-flight calls, so Client generalizes the
// donor's single responseCh into a map of pending channels keyed by
// request id, the same correlation idea extended from one concurrent
// call to many.
package stdiopool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/mcpx/gateway/internal/rpc"
)

// Client drives one child process's stdio pair as an MCP transport.
// Exactly one goroutine (readLoop) ever reads from the subprocess's
// stdout; callers never read it directly.
type Client struct {
	upstream string

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex // serializes writes to stdin

	mu      sync.Mutex
	pending map[string]chan *rpc.Response
	closed  bool
	closeErr error

	nextID atomic.Int64
}

// Start spawns the child process described by command/args/env/cwd
// (all already secret-resolved by the caller) and begins the
// background reader. The caller owns closing the returned Client; ctx
// does not bound the child's lifetime, which outlives the request that
// spawned it.
func Start(ctx context.Context, upstream, command string, args []string, env []string, cwd string) (*Client, error) {
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = env
	}
	if cwd != "" {
		cmd.Dir = cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio upstream %q: stdin pipe: %w", upstream, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio upstream %q: stdout pipe: %w", upstream, err)
	}
	// Child stderr passes through to the gateway's own stderr, same as
	// the donor does for subprocess diagnostics.
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdio upstream %q: start: %w", upstream, err)
	}

	c := &Client{
		upstream: upstream,
		cmd:      cmd,
		stdin:    stdin,
		pending:  make(map[string]chan *rpc.Response),
	}
	go c.readLoop(bufio.NewReader(stdout))
	return c, nil
}

// readLoop is the sole reader of the child's stdout. It routes
// id-bearing responses to the waiting Call, and silently drops
// notifications the child emits unsolicited (the gateway only forwards
// request/response methods over stdio, not a notification fan-out).
func (c *Client) readLoop(stdout *bufio.Reader) {
	for {
		line, err := stdout.ReadBytes('\n')
		if len(line) > 0 {
			c.dispatchLine(line)
		}
		if err != nil {
			c.fail(fmt.Errorf("stdio upstream %q: read: %w", c.upstream, err))
			return
		}
	}
}

func (c *Client) dispatchLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var resp rpc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return // not a JSON-RPC message we understand; ignore
	}
	if len(resp.ID) == 0 {
		return // notification; nothing subscribes to these over stdio
	}

	key := string(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok {
		ch <- &resp
	}
}

// fail aborts every pending call with err and marks the client closed,
// signaling the pool this entry must be evicted.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// Call performs one JSON-RPC round-trip and returns the raw result. A
// transport-level failure (pipe error, child exit, closed client, or
// ctx expiring) returns a *rpc.StdioTransportError so the caller knows
// to evict this entry from the pool; an application-level JSON-RPC
// error returns *rpc.UpstreamRPCError, which does not evict.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	idBytes, _ := json.Marshal(id)

	ch := make(chan *rpc.Response, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, &rpc.StdioTransportError{Upstream: c.upstream, Cause: err}
	}
	c.pending[string(idBytes)] = ch
	c.mu.Unlock()

	req := rpc.Request{JSONRPC: rpc.Version, ID: idBytes, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		c.removePending(string(idBytes))
		return nil, fmt.Errorf("stdio upstream %q: marshal request: %w", c.upstream, err)
	}

	c.writeMu.Lock()
	_, werr := c.stdin.Write(append(body, '\n'))
	c.writeMu.Unlock()
	if werr != nil {
		c.removePending(string(idBytes))
		transportErr := &rpc.StdioTransportError{Upstream: c.upstream, Cause: werr}
		c.fail(transportErr)
		return nil, transportErr
	}

	select {
	case <-ctx.Done():
		c.removePending(string(idBytes))
		return nil, &rpc.StdioTransportError{Upstream: c.upstream, Cause: ctx.Err()}
	case resp, ok := <-ch:
		if !ok {
			return nil, &rpc.StdioTransportError{Upstream: c.upstream, Cause: c.closeErr}
		}
		if resp.Error != nil {
			return nil, &rpc.UpstreamRPCError{Upstream: c.upstream, Message: resp.Error.Message}
		}
		return resp.Result, nil
	}
}

func (c *Client) removePending(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// Close terminates the child process. Callers ignore the returned
// error on shutdown.
func (c *Client) Close() error {
	c.fail(fmt.Errorf("stdio upstream %q: closed", c.upstream))
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}
