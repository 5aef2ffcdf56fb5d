package consensus

import (
	"context"
	"sort"
	"sync"

	"github.com/redbco/redb-swarm/pkg/logger"
)

const (
	DefaultInitialReputation = 50.0
	DefaultReputationReward  = 1.0
	DefaultReputationPenalty = 0.5

	minReputation = 0.0
	maxReputation = 100.0
)

// ReputationStore persists reputation scores
type ReputationStore interface {
	LoadReputation(ctx context.Context) (map[string]float64, error)
	SaveReputation(ctx context.Context, agentID string, score float64) error
}

// ReputationConfig holds reputation adjustments
type ReputationConfig struct {
	Initial float64
	// Reward is added for a vote aligned with the outcome
	Reward float64
	// Penalty is subtracted for a minority vote
	Penalty float64
	Store   ReputationStore
	Logger  *logger.Logger
}

// Reputation tracks advisory per-agent scores in [0, 100]. Scores never
// influence consensus outcomes.
type Reputation struct {
	config ReputationConfig
	logger *logger.Logger

	mu     sync.RWMutex
	scores map[string]float64
	dirty  chan string
}

// NewReputation creates a reputation tracker
func NewReputation(config ReputationConfig) *Reputation {
	if config.Initial == 0 {
		config.Initial = DefaultInitialReputation
	}
	if config.Reward == 0 {
		config.Reward = DefaultReputationReward
	}
	if config.Penalty == 0 {
		config.Penalty = DefaultReputationPenalty
	}
	r := &Reputation{
		config: config,
		logger: config.Logger,
		scores: make(map[string]float64),
	}
	if config.Store != nil {
		r.dirty = make(chan string, 1024)
	}
	return r
}

// Load reads persisted scores
func (r *Reputation) Load(ctx context.Context) error {
	if r.config.Store == nil {
		return nil
	}
	scores, err := r.config.Store.LoadReputation(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, score := range scores {
		r.scores[id] = clampReputation(score)
	}
	r.logger.Info("Loaded reputation scores: (agents: %d)", len(scores))
	return nil
}

// Reputation returns an agent's score and whether it has one
func (r *Reputation) Reputation(agentID string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	score, ok := r.scores[agentID]
	return score, ok
}

// Score returns an agent's score, or the initial score for unknown agents
func (r *Reputation) Score(agentID string) float64 {
	if score, ok := r.Reputation(agentID); ok {
		return score
	}
	return r.config.Initial
}

// Record adjusts an agent's score after a resolved vote and returns the new score
func (r *Reputation) Record(agentID string, aligned bool) float64 {
	r.mu.Lock()
	score, ok := r.scores[agentID]
	if !ok {
		score = r.config.Initial
	}
	if aligned {
		score += r.config.Reward
	} else {
		score -= r.config.Penalty
	}
	score = clampReputation(score)
	r.scores[agentID] = score
	r.mu.Unlock()

	if r.dirty != nil {
		select {
		case r.dirty <- agentID:
		default:
			r.logger.Warn("Reputation persistence queue full: (agent: %s)", agentID)
		}
	}
	return score
}

// Snapshot returns all scores
func (r *Reputation) Snapshot() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.scores))
	for id, score := range r.scores {
		out[id] = score
	}
	return out
}

// Agents returns the IDs with a score, sorted
func (r *Reputation) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.scores))
	for id := range r.scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run persists changed scores until ctx is done
func (r *Reputation) Run(ctx context.Context) {
	if r.dirty == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.dirty:
			score := r.Score(id)
			if err := r.config.Store.SaveReputation(ctx, id, score); err != nil {
				r.logger.Warn("Failed to persist reputation: (agent: %s, error: %v)", id, err)
			}
		}
	}
}

func clampReputation(score float64) float64 {
	if score < minReputation {
		return minReputation
	}
	if score > maxReputation {
		return maxReputation
	}
	return score
}
