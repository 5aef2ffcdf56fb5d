package balancer

import (
	"sync"
)

const (
	DefaultAggressiveness = 1.0
	MaxAggressiveness     = 5.0
)

// Balancer tracks per-destination load and picks the least loaded candidate.
// Load is only added by SelectAgent; callers release it when work completes.
type Balancer struct {
	mu             sync.Mutex
	load           map[string]float64
	aggressiveness float64
}

// New creates a balancer with the default aggressiveness
func New() *Balancer {
	return &Balancer{
		load:           make(map[string]float64),
		aggressiveness: DefaultAggressiveness,
	}
}

// SelectAgent returns the pool member with the minimum load, the first one on
// ties, and charges it the current aggressiveness. It returns false for an
// empty pool.
func (b *Balancer) SelectAgent(pool []string) (string, bool) {
	if len(pool) == 0 {
		return "", false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	best := pool[0]
	bestLoad := b.load[best]
	for _, dest := range pool[1:] {
		if l := b.load[dest]; l < bestLoad {
			best = dest
			bestLoad = l
		}
	}
	b.load[best] += b.aggressiveness
	return best, true
}

// LeastLoaded returns up to n pool members ordered by ascending load, charging
// each of them. Ties keep pool order.
func (b *Balancer) LeastLoaded(pool []string, n int) []string {
	out := make([]string, 0, n)
	remaining := append([]string(nil), pool...)
	for len(out) < n && len(remaining) > 0 {
		dest, _ := b.SelectAgent(remaining)
		out = append(out, dest)
		for i, d := range remaining {
			if d == dest {
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return out
}

// Charge adds amount to a destination's load
func (b *Balancer) Charge(dest string, amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.load[dest] += amount
}

// Release subtracts amount from a destination's load, never going below zero
func (b *Balancer) Release(dest string, amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.load[dest] - amount
	if l < 0 {
		l = 0
	}
	b.load[dest] = l
}

// Load returns the current load of dest
func (b *Balancer) Load(dest string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load[dest]
}

// Loads returns a snapshot of all tracked loads
func (b *Balancer) Loads() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]float64, len(b.load))
	for k, v := range b.load {
		out[k] = v
	}
	return out
}

// Remove forgets dest
func (b *Balancer) Remove(dest string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.load, dest)
}

// Aggressiveness returns the load charged per selection
func (b *Balancer) Aggressiveness() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aggressiveness
}

// SetAggressiveness sets the load charged per selection, clamped to [DefaultAggressiveness, MaxAggressiveness]
func (b *Balancer) SetAggressiveness(a float64) {
	if a < DefaultAggressiveness {
		a = DefaultAggressiveness
	}
	if a > MaxAggressiveness {
		a = MaxAggressiveness
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.aggressiveness = a
}
