// Package broker implements the MCP-facing endpoint: it dispatches
// initialize/authenticate/tools-list/tools-call over a per-client session,
// binding each session to a client context and routing authorized calls
// through the access filter and aggregator.
package broker

import (
	"context"
	"encoding/json"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/ravelsys/mcp-broker/internal/access"
	"github.com/ravelsys/mcp-broker/internal/aggregator"
	"github.com/ravelsys/mcp-broker/internal/authjwt"
	"github.com/ravelsys/mcp-broker/internal/brokererr"
	"github.com/ravelsys/mcp-broker/internal/clientctx"
	"github.com/ravelsys/mcp-broker/internal/jsonrpc"
)

const (
	serverName    = "McpBroker"
	serverVersion = "0.1.0"
	protocolVer   = "2024-11-05"

	maxArgumentKeys = 100
)

var toolNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Config controls broker-wide behavior not covered by the MCP protocol
// itself.
type Config struct {
	// AllowUnauthenticated, when true, lets an unauthenticated session
	// call tools/list and tools/call as if holding the wildcard tag
	// (development mode). Defaults to false: production deployments must
	// authenticate before any tool is visible or callable.
	AllowUnauthenticated bool
}

// Broker holds the shared state every session dispatches against.
type Broker struct {
	cfg      Config
	verifier *authjwt.Verifier
	filter   *access.Filter
	agg      *aggregator.Aggregator
}

// New constructs a Broker. verifier may be nil only if cfg.AllowUnauthenticated
// is true (no authentication is possible without a verifier).
func New(cfg Config, verifier *authjwt.Verifier, filter *access.Filter, agg *aggregator.Aggregator) *Broker {
	return &Broker{cfg: cfg, verifier: verifier, filter: filter, agg: agg}
}

// NewSession creates a per-client session bound to this broker's shared
// state. Each external client connection gets its own session and its own
// ID, so logs stay attributable when many AI clients hold concurrent
// sessions over the same downstream pool.
func (b *Broker) NewSession() *Session {
	return &Session{broker: b, id: uuid.NewString()}
}

// Session is one external client's conversation with the broker: it holds
// at most one ClientContext, set by a successful authenticate call.
type Session struct {
	broker *Broker
	id     string
	ctx    *clientctx.Context
}

// ID returns the session's unique identifier, for log correlation.
func (s *Session) ID() string { return s.id }

// Handle dispatches one parsed JSON-RPC request and returns the response
// envelope to send back, or nil for a notification that must be absorbed
// silently.
func (s *Session) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.Method == "" {
		if req.IsNotification() {
			return nil
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "Invalid Request", nil)
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "authenticate":
		return s.handleAuthenticate(req)
	case "tools/list":
		return s.handleToolsList(ctx, req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		if req.IsNotification() {
			return nil
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, "Method not found", nil)
	}
}

func (s *Session) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	result := map[string]any{
		"protocolVersion": protocolVer,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
	}
	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Internal error", nil)
	}
	return resp
}

func (s *Session) handleAuthenticate(req *jsonrpc.Request) *jsonrpc.Response {
	var params struct {
		JWTToken string `json:"jwt_token"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params", nil)
		}
	}

	if s.broker.verifier == nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "authentication is not configured", nil)
	}

	claims, err := s.broker.verifier.Verify(params.JWTToken)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid_token", nil)
	}

	s.ctx = clientctx.New(claims.Subject, claims.AllowedTags, time.Now())

	resp, _ := jsonrpc.NewResult(req.ID, map[string]any{"ok": true, "subject": claims.Subject})
	return resp
}

// effectiveContext returns the session's authenticated context, or a
// wildcard anonymous context when AllowUnauthenticated is set. Otherwise it
// returns nil, which every downstream access check (access.Filter) treats
// as fully denied rather than as a bypass.
func (s *Session) effectiveContext() *clientctx.Context {
	if s.ctx != nil {
		return s.ctx
	}
	if s.broker.cfg.AllowUnauthenticated {
		return clientctx.New("anonymous", []string{clientctx.Wildcard}, time.Now())
	}
	return nil
}

func (s *Session) handleToolsList(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	visible := s.broker.filter.VisibleTools(ctx, s.effectiveContext())
	entries := make([]map[string]any, 0, len(visible))
	for _, t := range visible {
		entries = append(entries, map[string]any{
			"name":        t.ExposedName,
			"description": t.Description,
			"inputSchema": json.RawMessage(t.InputSchema),
		})
	}
	resp, err := jsonrpc.NewResult(req.ID, map[string]any{"tools": entries})
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Internal error", nil)
	}
	return resp
}

func (s *Session) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params", nil)
		}
	}
	if !toolNameRe.MatchString(params.Name) {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params", nil)
	}
	if len(params.Arguments) > maxArgumentKeys {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params", nil)
	}

	effective := s.effectiveContext()
	if !s.broker.filter.Authorize(ctx, effective, params.Name) {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Access denied", map[string]any{"reason": "access_denied"})
	}

	result, err := s.broker.agg.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		log.Printf("broker: session %s: tools/call %s failed: %v", s.id, params.Name, err)
		reason, _ := brokererr.KindOf(err)
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Internal error", map[string]any{"reason": string(reason)})
	}

	text := resultToText(result)
	resp, encErr := jsonrpc.NewResult(req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
	if encErr != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "Internal error", nil)
	}
	return resp
}

// resultToText stringifies a downstream's raw JSON result per the
// broker's response contract: a bare JSON string passes through verbatim,
// everything else is re-encoded as pretty-printed JSON.
func resultToText(raw []byte) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	pretty, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}
