package directory

import (
	"context"
	"sort"
	"sync"
)

// Registry receives agent membership changes. The router implements it.
type Registry interface {
	OnAgentRegistered(agentID string, capabilities []string)
	OnAgentUnregistered(agentID string)
}

// Source feeds a registry until ctx is cancelled
type Source interface {
	Run(ctx context.Context, reg Registry) error
}

// Agent is a directory entry
type Agent struct {
	ID           string
	Capabilities []string
}

// Static registers a fixed agent list once
type Static struct {
	agents []Agent
}

// NewStatic creates a static directory
func NewStatic(agents []Agent) *Static {
	return &Static{agents: agents}
}

// Run registers every agent and returns
func (s *Static) Run(ctx context.Context, reg Registry) error {
	for _, a := range s.agents {
		if err := ctx.Err(); err != nil {
			return err
		}
		reg.OnAgentRegistered(a.ID, a.Capabilities)
	}
	return nil
}

// membership remembers what was last reported so that a full listing can be
// turned into register/unregister calls
type membership struct {
	mu    sync.Mutex
	known map[string][]string
}

func newMembership() *membership {
	return &membership{known: make(map[string][]string)}
}

// sync reports agents that appeared or changed capabilities, then agents
// that disappeared. It returns the number of calls made.
func (m *membership) sync(reg Registry, agents []Agent) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := 0
	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		if a.ID == "" || seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		caps := normalize(a.Capabilities)
		if prev, ok := m.known[a.ID]; ok && equal(prev, caps) {
			continue
		}
		m.known[a.ID] = caps
		reg.OnAgentRegistered(a.ID, caps)
		calls++
	}

	var gone []string
	for id := range m.known {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		delete(m.known, id)
		reg.OnAgentUnregistered(id)
		calls++
	}
	return calls
}

func normalize(caps []string) []string {
	out := make([]string, 0, len(caps))
	seen := make(map[string]bool, len(caps))
	for _, c := range caps {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
