// Package downstream owns one child MCP server process and speaks
// JSON-RPC 2.0 over its stdio, implementing the handshake, tool listing,
// and tool invocation RPCs the rest of the broker relies on. See spec §4.1
// for the state machine this package implements.
package downstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ravelsys/mcp-broker/internal/brokererr"
	"github.com/ravelsys/mcp-broker/internal/config"
	"github.com/ravelsys/mcp-broker/internal/jsonrpc"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "McpBroker"
	clientVersion   = "0.1.0"

	initTimeout     = 10 * time.Second
	listToolsTimeout = 10 * time.Second
	callToolTimeout  = 30 * time.Second
)

// RawTool is the tool shape as received verbatim from a downstream server,
// prior to aggregation/simplification.
type RawTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// rawToolWire accepts either "inputSchema" or "input_schema" from the
// downstream, per spec §4.3's `t.inputSchema ?? t.input_schema ?? {}`.
type rawToolWire struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	InputSchema      json.RawMessage `json:"inputSchema"`
	InputSchemaSnake json.RawMessage `json:"input_schema"`
}

func (w rawToolWire) resolve() RawTool {
	schema := w.InputSchema
	if len(schema) == 0 {
		schema = w.InputSchemaSnake
	}
	if len(schema) == 0 {
		schema = json.RawMessage("{}")
	}
	return RawTool{Name: w.Name, Description: w.Description, InputSchema: schema}
}

type pendingRequest struct {
	reply chan rpcOutcome
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// Client owns one downstream child process.
type Client struct {
	cfg config.ServerConfig

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	nextID int64

	pendingMu sync.Mutex
	pending   map[int64]*pendingRequest

	serverInfoMu sync.Mutex
	serverInfo   map[string]any

	toolsMu sync.Mutex
	tools   []RawTool
	hasTools bool

	closeOnce sync.Once
	deadCh    chan struct{}

	exitErr error
}

// New constructs a Client for the given server config. Call Start to spawn
// the child process and run the handshake.
func New(cfg config.ServerConfig) *Client {
	return &Client{
		cfg:     cfg,
		state:   StateStarting,
		pending: make(map[int64]*pendingRequest),
		deadCh:  make(chan struct{}),
	}
}

// Name returns the configured server name this client is attached to.
func (c *Client) Name() string { return c.cfg.Name }

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start spawns the child process with its validated command/args/env and
// runs the initialize handshake. On timeout or failure the client
// transitions to dead and the child is terminated.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	if len(c.cfg.Env) > 0 {
		env := append([]string(nil), os.Environ()...)
		for k, v := range c.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return brokererr.Wrap(brokererr.KindClientConnectionFailed, "open stdin pipe for "+c.cfg.Name, err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return brokererr.Wrap(brokererr.KindClientConnectionFailed, "open stdout pipe for "+c.cfg.Name, err)
	}
	// Per spec §4.1, the child's stderr is merged with stdout by design:
	// non-JSON lines on that combined stream are logged at debug and
	// otherwise ignored rather than treated as fatal.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return brokererr.Wrap(brokererr.KindClientConnectionFailed, "start child process for "+c.cfg.Name, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.mu.Unlock()

	c.setState(StateInitializing)

	go c.readLoop(stdoutPipe)
	go c.waitLoop()

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	if err := c.handshake(initCtx); err != nil {
		c.terminate()
		c.setState(StateDead)
		return err
	}

	c.setState(StateReady)

	// Speculative tools/list: warm the cache, best-effort.
	go func() {
		listCtx, cancel := context.WithTimeout(context.Background(), listToolsTimeout)
		defer cancel()
		if _, err := c.fetchTools(listCtx); err != nil {
			log.Printf("downstream %s: speculative tools/list failed: %v", c.cfg.Name, err)
		}
	}()

	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		return brokererr.Wrap(brokererr.KindInitializationFailed, "initialize handshake with "+c.cfg.Name, err)
	}
	var info struct {
		ServerInfo map[string]any `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &info); err == nil {
		c.serverInfoMu.Lock()
		c.serverInfo = info.ServerInfo
		c.serverInfoMu.Unlock()
	}
	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		log.Printf("downstream %s: notifications/initialized failed: %v", c.cfg.Name, err)
	}
	return nil
}

// Done returns a channel that is closed once the child process has exited,
// letting supervisors wait for death without polling State.
func (c *Client) Done() <-chan struct{} {
	return c.deadCh
}

// ExitedCleanly reports whether the child process terminated with a zero
// exit status. Only meaningful after Done() has fired; before that it
// always reports false.
func (c *Client) ExitedCleanly() bool {
	select {
	case <-c.deadCh:
	default:
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr == nil
}

// ServerInfo returns the serverInfo block received during the handshake,
// or nil if the handshake hasn't completed.
func (c *Client) ServerInfo() map[string]any {
	c.serverInfoMu.Lock()
	defer c.serverInfoMu.Unlock()
	return c.serverInfo
}

// ListTools returns the cached tool list if present, otherwise issues a
// fresh tools/list RPC.
func (c *Client) ListTools(ctx context.Context) ([]RawTool, error) {
	c.toolsMu.Lock()
	if c.hasTools {
		tools := append([]RawTool(nil), c.tools...)
		c.toolsMu.Unlock()
		return tools, nil
	}
	c.toolsMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, listToolsTimeout)
	defer cancel()
	return c.fetchTools(ctx)
}

func (c *Client) fetchTools(ctx context.Context) ([]RawTool, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tools []rawToolWire `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, brokererr.Wrap(brokererr.KindInvalidResponse, "parse tools/list result from "+c.cfg.Name, err)
	}
	tools := make([]RawTool, 0, len(parsed.Tools))
	for _, w := range parsed.Tools {
		tools = append(tools, w.resolve())
	}
	c.toolsMu.Lock()
	c.tools = tools
	c.hasTools = true
	c.toolsMu.Unlock()
	return tools, nil
}

// InvalidateToolCache forces the next ListTools call to re-query the
// downstream. Notifications from the downstream (tools/list_changed
// included) do not trigger it; handleLine ignores them.
func (c *Client) InvalidateToolCache() {
	c.toolsMu.Lock()
	c.hasTools = false
	c.tools = nil
	c.toolsMu.Unlock()
}

// CallTool issues tools/call with the given original (downstream-facing)
// tool name and arguments, returning the raw result.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, callToolTimeout)
	defer cancel()
	params := map[string]any{"name": name, "arguments": arguments}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindToolExecutionFailed, fmt.Sprintf("call_tool %s on %s", name, c.cfg.Name), err)
	}
	return result, nil
}

// call issues a request and blocks for its matching response, honoring
// ctx's deadline and resolving to port_closed if the child dies first.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.State() == StateDead || c.State() == StateClosing {
		return nil, brokererr.New(brokererr.KindPortClosed, "downstream "+c.cfg.Name+" is closed")
	}

	id := atomic.AddInt64(&c.nextID, 1)
	pr := &pendingRequest{reply: make(chan rpcOutcome, 1)}

	c.pendingMu.Lock()
	c.pending[id] = pr
	c.pendingMu.Unlock()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		c.removePending(id)
		return nil, brokererr.Wrap(brokererr.KindInvalidToolParams, "marshal request params", err)
	}
	if err := c.writeLine(req); err != nil {
		c.removePending(id)
		return nil, brokererr.Wrap(brokererr.KindClientConnectionFailed, "write request to "+c.cfg.Name, err)
	}

	select {
	case <-ctx.Done():
		c.removePending(id)
		return nil, brokererr.New(brokererr.KindClientTimeout, method+" timed out on "+c.cfg.Name)
	case <-c.deadCh:
		c.removePending(id)
		return nil, brokererr.New(brokererr.KindPortClosed, "downstream "+c.cfg.Name+" exited")
	case outcome := <-pr.reply:
		return outcome.result, outcome.err
	}
}

// notify sends a method call with no id; it never awaits a response.
func (c *Client) notify(_ context.Context, method string, params any) error {
	req, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return c.writeLine(req)
}

func (c *Client) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) writeLine(req *jsonrpc.Request) error {
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("stdin not open")
	}
	if _, err := stdin.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// readLoop consumes stdout, assembling complete lines and dispatching
// each as either a response (routed by id), a notification (dropped), or
// a non-JSON/malformed line (logged and dropped).
func (c *Client) readLoop(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 64*1024)
	var assembler lineAssembler
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, line := range assembler.Feed(buf[:n]) {
				c.handleLine(line)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) handleLine(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if trimmed[0] != '{' {
		log.Printf("downstream %s: non-JSON output ignored: %s", c.cfg.Name, trimmed)
		return
	}
	var env jsonrpc.Envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		log.Printf("downstream %s: malformed JSON-RPC line dropped: %v", c.cfg.Name, err)
		return
	}
	if env.Method != "" {
		// Notification or request from the downstream; the broker core
		// does not currently act on these.
		return
	}
	if len(env.ID) == 0 {
		return
	}
	var id int64
	if err := json.Unmarshal(env.ID, &id); err != nil {
		log.Printf("downstream %s: response with non-numeric id dropped", c.cfg.Name)
		return
	}

	c.pendingMu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		log.Printf("downstream %s: response for unknown id %d dropped", c.cfg.Name, id)
		return
	}

	if env.Error != nil {
		pr.reply <- rpcOutcome{err: brokererr.New(brokererr.KindInvalidResponse, env.Error.Message)}
		return
	}
	pr.reply <- rpcOutcome{result: env.Result}
}

// waitLoop blocks on the child's exit and resolves every pending waiter
// with port_closed once it happens.
func (c *Client) waitLoop() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	err := cmd.Wait()

	c.mu.Lock()
	c.exitErr = err
	c.mu.Unlock()

	c.setState(StateDead)
	c.closeOnce.Do(func() { close(c.deadCh) })

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.pendingMu.Unlock()
	for _, pr := range pending {
		pr.reply <- rpcOutcome{err: brokererr.New(brokererr.KindPortClosed, "downstream exited")}
	}
}

// Close transitions the client to closing and terminates the child
// process, resolving any in-flight callers with port_closed.
func (c *Client) Close() error {
	c.setState(StateClosing)
	return c.terminate()
}

func (c *Client) terminate() error {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	c.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
