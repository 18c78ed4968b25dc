// Package access bridges an authenticated clientctx.Context against the
// aggregator's tool catalog, deciding which tools a session may see or
// call. Every decision fails safe: if a tool's server tags can't be
// resolved, or the session never authenticated, access is denied.
package access

import (
	"context"

	"github.com/ravelsys/mcp-broker/internal/aggregator"
	"github.com/ravelsys/mcp-broker/internal/clientctx"
)

// Filter applies tag-based access control over an aggregator's catalog.
type Filter struct {
	agg *aggregator.Aggregator
}

// New constructs a Filter bound to the given aggregator.
func New(agg *aggregator.Aggregator) *Filter {
	return &Filter{agg: agg}
}

// VisibleTools returns the subset of the aggregated catalog that ctx may
// see. A nil clientCtx means the session never authenticated, and fails
// safe to an empty catalog; the broker's development-mode bypass
// (AllowUnauthenticated) grants a wildcard clientctx.Context instead of
// calling this with nil, so nil here always means "not authorized."
func (f *Filter) VisibleTools(ctx context.Context, clientCtx *clientctx.Context) []aggregator.Tool {
	if clientCtx == nil {
		return []aggregator.Tool{}
	}
	catalog := f.agg.Catalog(ctx)
	visible := make([]aggregator.Tool, 0, len(catalog))
	for _, t := range catalog {
		if clientCtx.HasAccessToTags(t.ServerTags) {
			visible = append(visible, t)
		}
	}
	return visible
}

// Authorize reports whether clientCtx may call exposedName. If the tool's
// server tags cannot be resolved (unknown tool) or clientCtx is nil
// (unauthenticated), authorization is denied.
func (f *Filter) Authorize(ctx context.Context, clientCtx *clientctx.Context, exposedName string) bool {
	tags, ok := f.agg.ServerTagsFor(ctx, exposedName)
	if !ok {
		return false
	}
	if clientCtx == nil {
		return false
	}
	return clientCtx.HasAccessToTags(tags)
}
