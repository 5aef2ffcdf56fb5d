package routing

import (
	"sort"
	"strings"
	"sync"
)

// PatternSeparator separates pattern segments
const PatternSeparator = ":"

// Wildcard matches exactly one segment
const Wildcard = "*"

// Route maps a pattern to the capability whose agents receive matching messages
type Route struct {
	Pattern  string
	Handler  string
	Priority int
	// Strategy overrides the router's default strategy when set
	Strategy StrategyKind

	seq uint64
}

// RouteOption customizes a registered route
type RouteOption func(*Route)

// WithStrategy routes matches of this pattern with the given strategy
func WithStrategy(kind StrategyKind) RouteOption {
	return func(r *Route) {
		r.Strategy = kind
	}
}

// MatchPattern reports whether key matches pattern segment by segment
func MatchPattern(pattern, key string) bool {
	ps := strings.Split(pattern, PatternSeparator)
	ks := strings.Split(key, PatternSeparator)
	if len(ps) != len(ks) {
		return false
	}
	for i, seg := range ps {
		if seg == Wildcard {
			if ks[i] == "" {
				return false
			}
			continue
		}
		if seg != ks[i] {
			return false
		}
	}
	return true
}

// Registry stores routes grouped by pattern, each group sorted by priority
// descending with ties kept in registration order.
type Registry struct {
	mu     sync.RWMutex
	routes map[string][]Route
	seq    uint64
}

// NewRegistry creates an empty route registry
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string][]Route)}
}

// Register adds a route. Registering an identical route again is a no-op and
// returns false.
func (g *Registry) Register(pattern, handler string, priority int, opts ...RouteOption) bool {
	route := Route{Pattern: pattern, Handler: handler, Priority: priority}
	for _, opt := range opts {
		opt(&route)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	group := g.routes[pattern]
	for _, existing := range group {
		if existing.Handler == route.Handler && existing.Priority == route.Priority && existing.Strategy == route.Strategy {
			return false
		}
	}

	g.seq++
	route.seq = g.seq
	group = append(group, route)
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].Priority > group[j].Priority
	})
	g.routes[pattern] = group
	return true
}

// Remove deletes the routes registered for pattern with handler
func (g *Registry) Remove(pattern, handler string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	group := g.routes[pattern]
	kept := group[:0]
	removed := 0
	for _, r := range group {
		if r.Handler == handler {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		delete(g.routes, pattern)
	} else {
		g.routes[pattern] = kept
	}
	return removed
}

// Lookup returns the best route whose pattern matches key: the highest
// priority, then the earliest registered.
func (g *Registry) Lookup(key string) (Route, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var best Route
	found := false
	for pattern, group := range g.routes {
		if len(group) == 0 || !MatchPattern(pattern, key) {
			continue
		}
		top := group[0]
		if !found || top.Priority > best.Priority || (top.Priority == best.Priority && top.seq < best.seq) {
			best = top
			found = true
		}
	}
	return best, found
}

// Find resolves the route for a message: the composite key "to:type" is tried
// first, then "to" alone.
func (g *Registry) Find(to, msgType string) (Route, bool) {
	if msgType != "" {
		if r, ok := g.Lookup(to + PatternSeparator + msgType); ok {
			return r, true
		}
	}
	return g.Lookup(to)
}

// Routes returns all routes ordered by pattern, then priority
func (g *Registry) Routes() []Route {
	g.mu.RLock()
	defer g.mu.RUnlock()

	patterns := make([]string, 0, len(g.routes))
	for p := range g.routes {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	var out []Route
	for _, p := range patterns {
		out = append(out, g.routes[p]...)
	}
	return out
}
