package consensus

import (
	"fmt"
	"sort"

	"github.com/redbco/redb-swarm/internal/messages"
)

// StakeConfig configures stake-weighted voting
type StakeConfig struct {
	// Stakes maps validator ID to stake
	Stakes   map[string]uint64
	MinStake uint64
}

// stakeVoting resolves a proposal once approving stake exceeds half of the
// eligible stake, or once the outstanding stake can no longer get it there
type stakeVoting struct {
	e        *Engine
	stakes   map[string]uint64
	minStake uint64
}

func newStakeVoting(e *Engine, config StakeConfig) (*stakeVoting, error) {
	if len(config.Stakes) == 0 {
		return nil, fmt.Errorf("stake voting requires validator stakes")
	}
	stakes := make(map[string]uint64, len(config.Stakes))
	for id, stake := range config.Stakes {
		stakes[id] = stake
	}
	return &stakeVoting{e: e, stakes: stakes, minStake: config.MinStake}, nil
}

func (s *stakeVoting) start() {}
func (s *stakeVoting) stop()  {}

// validators returns the validators eligible to vote on p, sorted
func (s *stakeVoting) validators(p *proposal) []string {
	out := make([]string, 0, len(s.stakes))
	for id := range s.stakes {
		if s.eligible(p, id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *stakeVoting) eligible(p *proposal, voterID string) bool {
	stake, ok := s.stakes[voterID]
	return ok && stake >= s.minStake && p.inEligibleSet(voterID)
}

func (s *stakeVoting) totalStake(p *proposal) uint64 {
	var total uint64
	for _, id := range s.validators(p) {
		total += s.stakes[id]
	}
	return total
}

// approvedStake re-scans the recorded votes
func (s *stakeVoting) approvedStake(p *proposal) (approved, cast uint64) {
	for id, v := range p.votes {
		cast += s.stakes[id]
		if v.Decision {
			approved += s.stakes[id]
		}
	}
	return approved, cast
}

func (s *stakeVoting) propose(p *proposal) error {
	if s.totalStake(p) == 0 {
		return ErrNoEligibleVoters
	}
	s.e.announce(p, messages.KindAnnounce)
	return nil
}

// vote records v, replacing any earlier vote by the same validator, and
// re-evaluates the proposal
func (s *stakeVoting) vote(p *proposal, v Vote, local bool) {
	if prev, voted := p.votes[v.VoterID]; voted && prev.Decision == v.Decision {
		return
	}
	p.votes[v.VoterID] = v
	if local {
		s.e.publishBallot(v)
	}

	total := s.totalStake(p)
	approved, cast := s.approvedStake(p)
	rejected := cast - approved
	switch {
	case approved > total-approved:
		s.e.resolve(p, StatusApproved)
	case len(p.votes) >= len(s.validators(p)) || total-rejected <= rejected:
		// approving every outstanding validator would still not pass half
		s.e.resolve(p, StatusRejected)
	}
}

func (s *stakeVoting) handle(from, channel string, cp *messages.ConsensusPayload) {
	switch cp.Kind {
	case messages.KindAnnounce:
		if p := s.e.acceptAnnouncement(from, cp); p != nil {
			s.e.replayEarly(p.ID)
		}
	case messages.KindBallot:
		s.e.handleBallot(from, cp)
	default:
		s.e.logger.Debug("Ignoring consensus message: (from: %s, channel: %s, kind: %s)", from, channel, cp.Kind)
	}
}

func (s *stakeVoting) fill(p *proposal, res *Result) {
	res.Quorum = s.totalStake(p)/2 + 1
	res.ApprovedStake, _ = s.approvedStake(p)
}

// Stake returns a validator's configured stake
func (e *Engine) Stake(validatorID string) (uint64, bool) {
	s, ok := e.protocol.(*stakeVoting)
	if !ok {
		return 0, false
	}
	stake, ok := s.stakes[validatorID]
	return stake, ok
}
