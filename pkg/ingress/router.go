package ingress

import (
	"fmt"
	"strings"

	"github.com/kinorez/stagehand/pkg/types"
)

// RouteTable matches request paths to targets by longest prefix. Built
// once from configuration and immutable at request time.
type RouteTable struct {
	routes []types.Route
}

// NewRouteTable validates and builds a route table
func NewRouteTable(routes []types.Route) (*RouteTable, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("ingress: empty route table")
	}
	for _, route := range routes {
		if !strings.HasPrefix(route.Prefix, "/") {
			return nil, fmt.Errorf("ingress: route prefix %q must start with /", route.Prefix)
		}
		switch route.Target {
		case types.TargetProxy, types.TargetStatic:
		default:
			return nil, fmt.Errorf("ingress: route %q has unknown target %q", route.Prefix, route.Target)
		}
	}

	table := &RouteTable{routes: make([]types.Route, len(routes))}
	copy(table.routes, routes)
	return table, nil
}

// DefaultRoutes mirrors the original nginx configuration: /file/ serves
// the gateway's file store directly, everything else proxies to the
// Bot API upstream.
func DefaultRoutes() []types.Route {
	return []types.Route{
		{Prefix: "/", Target: types.TargetProxy},
		{Prefix: "/file/", Target: types.TargetStatic},
	}
}

// Match returns the route with the longest matching prefix
func (t *RouteTable) Match(path string) (types.Route, bool) {
	var best types.Route
	bestLen := -1

	for _, route := range t.routes {
		if !matchPrefix(route.Prefix, path) {
			continue
		}
		if len(route.Prefix) > bestLen {
			best = route
			bestLen = len(route.Prefix)
		}
	}

	return best, bestLen >= 0
}

// matchPrefix checks whether path falls under prefix with path-segment
// boundaries respected ("/file" does not match "/filetype")
func matchPrefix(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// StripPrefix returns the remainder of path after the route's prefix.
// The remainder keeps a leading slash for consistency.
func StripPrefix(prefix, path string) string {
	rest := strings.TrimPrefix(path, strings.TrimSuffix(prefix, "/"))
	if rest == "" {
		rest = "/"
	}
	return rest
}
