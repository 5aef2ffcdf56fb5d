package routing

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/redbco/redb-swarm/internal/balancer"
	"github.com/redbco/redb-swarm/internal/messages"
)

// StrategyKind names a routing strategy
type StrategyKind string

const (
	StrategyDirect            StrategyKind = "direct"
	StrategyRoundRobin        StrategyKind = "round_robin"
	StrategyLoadBalanced      StrategyKind = "load_balanced"
	StrategyIntelligent       StrategyKind = "intelligent"
	StrategyConsensusRequired StrategyKind = "consensus_required"
)

// ParseStrategy converts a configuration value to a StrategyKind
func ParseStrategy(s string) (StrategyKind, error) {
	switch k := StrategyKind(s); k {
	case StrategyDirect, StrategyRoundRobin, StrategyLoadBalanced, StrategyIntelligent, StrategyConsensusRequired:
		return k, nil
	case "":
		return StrategyDirect, nil
	}
	return "", fmt.Errorf("unknown routing strategy: %s", s)
}

// Target is one send produced by a strategy
type Target struct {
	Destination string
	Message     *messages.Message
}

// Selection is the input handed to a strategy
type Selection struct {
	Message *messages.Message
	Route   Route
	// Pool holds the candidates whose breaker currently admits traffic, in
	// registration order
	Pool []string
	// Candidates counts the destinations able to handle the route, open
	// breakers included
	Candidates int

	stats         *destinationStats
	rep           ReputationSource
	hasCapability func(agentID, capability string) bool
}

// Strategy chooses destinations for a routed message
type Strategy interface {
	Kind() StrategyKind
	Select(sel *Selection) ([]Target, error)
}

// ReputationSource supplies advisory agent reputation in [0, 100]
type ReputationSource interface {
	Reputation(agentID string) (float64, bool)
}

// DirectStrategy sends to the message's destination verbatim
type DirectStrategy struct{}

func (DirectStrategy) Kind() StrategyKind { return StrategyDirect }

func (DirectStrategy) Select(sel *Selection) ([]Target, error) {
	return []Target{{Destination: sel.Message.To, Message: sel.Message}}, nil
}

// RoundRobinStrategy cycles through the pool with a shared send counter
type RoundRobinStrategy struct {
	counter uint64
}

func (s *RoundRobinStrategy) Kind() StrategyKind { return StrategyRoundRobin }

func (s *RoundRobinStrategy) Select(sel *Selection) ([]Target, error) {
	if len(sel.Pool) == 0 {
		return nil, &CircuitOpenError{}
	}
	n := atomic.AddUint64(&s.counter, 1) - 1
	dest := sel.Pool[n%uint64(len(sel.Pool))]
	return []Target{{Destination: dest, Message: sel.Message}}, nil
}

// LoadBalancedStrategy delegates to the load balancer
type LoadBalancedStrategy struct {
	Balancer *balancer.Balancer
}

func (s *LoadBalancedStrategy) Kind() StrategyKind { return StrategyLoadBalanced }

func (s *LoadBalancedStrategy) Select(sel *Selection) ([]Target, error) {
	dest, ok := s.Balancer.SelectAgent(sel.Pool)
	if !ok {
		return nil, &CircuitOpenError{}
	}
	return []Target{{Destination: dest, Message: sel.Message}}, nil
}

// IntelligentStrategy scores candidates by latency, error rate, load,
// capability match and, when available, reputation.
type IntelligentStrategy struct {
	Balancer *balancer.Balancer
}

func (s *IntelligentStrategy) Kind() StrategyKind { return StrategyIntelligent }

// Score computes a candidate's score; higher is better
func (s *IntelligentStrategy) Score(sel *Selection, agentID string) float64 {
	emaMs, errRate := sel.stats.snapshot(agentID)
	score := 100 - emaMs/100 - errRate*100 - s.Balancer.Load(agentID)*10
	if sel.hasCapability != nil && sel.hasCapability(agentID, sel.Message.Type) {
		score += 20
	}
	if sel.rep != nil {
		if rep, ok := sel.rep.Reputation(agentID); ok {
			score += (rep - 50) * 0.1
		}
	}
	return score
}

func (s *IntelligentStrategy) Select(sel *Selection) ([]Target, error) {
	if len(sel.Pool) == 0 {
		return nil, &CircuitOpenError{}
	}

	type scored struct {
		id    string
		score float64
	}
	ranked := make([]scored, len(sel.Pool))
	for i, id := range sel.Pool {
		ranked[i] = scored{id: id, score: s.Score(sel, id)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if !sel.Message.IsHighPriority() || len(ranked) == 1 {
		return []Target{{Destination: ranked[0].id, Message: sel.Message}}, nil
	}

	targets := make([]Target, 0, 2)
	for i := 0; i < 2 && i < len(ranked); i++ {
		targets = append(targets, Target{
			Destination: ranked[i].id,
			Message:     messages.CloneFor(sel.Message, sel.Message.To, i+1),
		})
	}
	return targets, nil
}

// A consensus-required message fans out to between MinConsensusGroupSize and
// ConsensusGroupSize agents
const (
	MinConsensusGroupSize = 2
	ConsensusGroupSize    = 3
)

// ConsensusRequiredStrategy fans a message out to the least loaded agents and
// tags its payload so each recipient can vote on it independently.
type ConsensusRequiredStrategy struct {
	Balancer *balancer.Balancer
}

func (s *ConsensusRequiredStrategy) Kind() StrategyKind { return StrategyConsensusRequired }

func (s *ConsensusRequiredStrategy) Select(sel *Selection) ([]Target, error) {
	if sel.Candidates < MinConsensusGroupSize {
		return nil, &GroupTooSmallError{Handler: sel.Route.Handler, Need: MinConsensusGroupSize, Have: sel.Candidates}
	}
	if len(sel.Pool) < MinConsensusGroupSize {
		return nil, &CircuitOpenError{}
	}

	group := s.Balancer.LeastLoaded(sel.Pool, ConsensusGroupSize)
	payload, err := messages.Tag(sel.Message.Payload, messages.ConsensusTag{
		RequiresConsensus: true,
		ConsensusGroup:    group,
	})
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}

	targets := make([]Target, 0, len(group))
	for i, dest := range group {
		clone := messages.CloneFor(sel.Message, sel.Message.To, i+1)
		clone.Payload = payload
		targets = append(targets, Target{Destination: dest, Message: clone})
	}
	return targets, nil
}
