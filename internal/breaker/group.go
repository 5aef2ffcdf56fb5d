package breaker

import (
	"sort"
	"sync"
)

// Group holds one breaker per destination, created on first use
type Group struct {
	config Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty group whose breakers share config
func NewGroup(config Config) *Group {
	return &Group{
		config:   config.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for destination, creating it if needed
func (g *Group) Get(destination string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[destination]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[destination]; ok {
		return b
	}
	b = New(destination, g.config)
	g.breakers[destination] = b
	return b
}

// Lookup returns the breaker for destination if one exists
func (g *Group) Lookup(destination string) (*Breaker, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.breakers[destination]
	return b, ok
}

// Remove forgets the breaker for destination
func (g *Group) Remove(destination string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, destination)
}

// ResetAll closes every breaker
func (g *Group) ResetAll() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, b := range g.breakers {
		b.Reset()
	}
}

// Destinations returns the tracked destinations in sorted order
func (g *Group) Destinations() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, len(g.breakers))
	for d := range g.breakers {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of tracked breakers and how many are not closed
func (g *Group) Counts() (total, open int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, b := range g.breakers {
		total++
		if b.State() != Closed {
			open++
		}
	}
	return total, open
}
