// Package aggregator builds the external tool catalog from the downstream
// pool's raw tool lists: it resolves global name conflicts, simplifies
// JSON Schemas to a validator-safe subset, and routes tool calls by
// exposed name back to the client manager.
package aggregator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ravelsys/mcp-broker/internal/brokererr"
	"github.com/ravelsys/mcp-broker/internal/downstream"
)

const cacheTTL = 5 * time.Minute

// Tool is one entry in the aggregated catalog.
type Tool struct {
	ExposedName  string
	OriginalName string
	ServerName   string
	ServerTags   []string
	Description  string
	InputSchema  json.RawMessage
}

// listAllToolsFunc and tagsFunc abstract the client manager's contract so
// this package can be tested without a real downstream pool.
type listAllToolsFunc func(ctx context.Context) map[string][]downstream.RawTool
type tagsFunc func(serverName string) []string
type callToolFunc func(ctx context.Context, serverName, toolName string, arguments any) ([]byte, error)

// Aggregator produces and caches the external tool catalog.
type Aggregator struct {
	listAllTools listAllToolsFunc
	tags         tagsFunc
	callTool     callToolFunc

	mu        sync.Mutex
	cached    []Tool
	cachedAt  time.Time
	forceNext bool
}

// New constructs an Aggregator bound to a client manager's contract
// (list_all_tools, per-server tags, call_tool).
func New(listAllTools listAllToolsFunc, tags tagsFunc, callTool callToolFunc) *Aggregator {
	return &Aggregator{listAllTools: listAllTools, tags: tags, callTool: callTool, forceNext: true}
}

// Invalidate drops the cached catalog, forcing the next Catalog call to
// re-aggregate from the live pool. Intended to be wired to the client
// manager's pool-mutation notifications.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	a.forceNext = true
	a.mu.Unlock()
}

// Catalog returns the current aggregated tool catalog, using the cached
// snapshot if it is younger than the TTL and hasn't been explicitly
// invalidated.
func (a *Aggregator) Catalog(ctx context.Context) []Tool {
	a.mu.Lock()
	if !a.forceNext && time.Since(a.cachedAt) < cacheTTL {
		cached := append([]Tool(nil), a.cached...)
		a.mu.Unlock()
		return cached
	}
	a.mu.Unlock()

	fresh := a.aggregate(ctx)

	a.mu.Lock()
	a.cached = fresh
	a.cachedAt = time.Now()
	a.forceNext = false
	a.mu.Unlock()

	return append([]Tool(nil), fresh...)
}

func (a *Aggregator) aggregate(ctx context.Context) []Tool {
	byServer := a.listAllTools(ctx)

	serverNames := make([]string, 0, len(byServer))
	for name := range byServer {
		serverNames = append(serverNames, name)
	}
	sort.Strings(serverNames)

	var flat []Tool
	for _, serverName := range serverNames {
		tags := a.tags(serverName)
		for _, raw := range byServer[serverName] {
			flat = append(flat, Tool{
				ExposedName:  raw.Name,
				OriginalName: raw.Name,
				ServerName:   serverName,
				ServerTags:   tags,
				Description:  raw.Description,
				InputSchema:  simplify(raw.InputSchema),
			})
		}
	}

	return resolveConflicts(flat)
}

// resolveConflicts groups the flat tool list by exposed name; any name
// shared by more than one entry (across servers, or duplicated within one
// server) is replaced everywhere with "<server_name>.<original_name>".
func resolveConflicts(flat []Tool) []Tool {
	counts := make(map[string]int, len(flat))
	for _, t := range flat {
		counts[t.ExposedName]++
	}
	for i, t := range flat {
		if counts[t.ExposedName] > 1 {
			flat[i].ExposedName = t.ServerName + "." + t.OriginalName
		}
	}
	return flat
}

// CallTool resolves exposedName in the current catalog and routes to the
// client manager's call_tool with the tool's original name and server.
func (a *Aggregator) CallTool(ctx context.Context, exposedName string, arguments any) ([]byte, error) {
	catalog := a.Catalog(ctx)
	for _, t := range catalog {
		if t.ExposedName == exposedName {
			return a.callTool(ctx, t.ServerName, t.OriginalName, arguments)
		}
	}
	return nil, brokererr.New(brokererr.KindToolNotFound, "tool not found: "+exposedName)
}

// ServerTagsFor returns the resolved server tags backing exposedName, and
// false if the tool cannot be found in the current catalog.
func (a *Aggregator) ServerTagsFor(ctx context.Context, exposedName string) ([]string, bool) {
	catalog := a.Catalog(ctx)
	for _, t := range catalog {
		if t.ExposedName == exposedName {
			return t.ServerTags, true
		}
	}
	return nil, false
}
