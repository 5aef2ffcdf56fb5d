package consensus

import (
	"fmt"
	"sort"

	"github.com/redbco/redb-swarm/internal/messages"
)

// delegatedVoting lets only the active delegate set vote and resolves on a
// head-count majority of it
type delegatedVoting struct {
	e         *Engine
	delegates map[string]bool
}

func newDelegatedVoting(e *Engine, delegates []string) (*delegatedVoting, error) {
	d := &delegatedVoting{e: e}
	if err := d.setDelegates(delegates); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *delegatedVoting) setDelegates(ids []string) error {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = true
		}
	}
	if len(set) == 0 {
		return fmt.Errorf("delegated voting requires at least one delegate")
	}
	d.delegates = set
	return nil
}

func (d *delegatedVoting) start() {}
func (d *delegatedVoting) stop()  {}

// active returns the delegates allowed to vote on p, sorted
func (d *delegatedVoting) active(p *proposal) []string {
	out := make([]string, 0, len(d.delegates))
	for id := range d.delegates {
		if p.inEligibleSet(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (d *delegatedVoting) quorum(p *proposal) int {
	return len(d.active(p))/2 + 1
}

func (d *delegatedVoting) eligible(p *proposal, voterID string) bool {
	return d.delegates[voterID] && p.inEligibleSet(voterID)
}

func (d *delegatedVoting) propose(p *proposal) error {
	if len(d.active(p)) == 0 {
		return ErrNoEligibleVoters
	}
	d.e.announce(p, messages.KindAnnounce)
	return nil
}

// vote records v, replacing any earlier vote by the same delegate
func (d *delegatedVoting) vote(p *proposal, v Vote, local bool) {
	if prev, voted := p.votes[v.VoterID]; voted && prev.Decision == v.Decision {
		return
	}
	p.votes[v.VoterID] = v
	if local {
		d.e.publishBallot(v)
	}

	yes, _ := p.approvals()
	switch {
	case yes >= d.quorum(p):
		d.e.resolve(p, StatusApproved)
	case len(p.votes) >= len(d.active(p)):
		d.e.resolve(p, StatusRejected)
	}
}

func (d *delegatedVoting) handle(from, channel string, cp *messages.ConsensusPayload) {
	switch cp.Kind {
	case messages.KindAnnounce:
		if p := d.e.acceptAnnouncement(from, cp); p != nil {
			d.e.replayEarly(p.ID)
		}
	case messages.KindBallot:
		d.e.handleBallot(from, cp)
	default:
		d.e.logger.Debug("Ignoring consensus message: (from: %s, channel: %s, kind: %s)", from, channel, cp.Kind)
	}
}

func (d *delegatedVoting) fill(p *proposal, res *Result) {
	res.Quorum = uint64(d.quorum(p))
}

// SetDelegates replaces the active delegate set. Pending proposals are
// evaluated against the new set on their next vote.
func (e *Engine) SetDelegates(ids []string) error {
	d, ok := e.protocol.(*delegatedVoting)
	if !ok {
		return fmt.Errorf("delegates apply only to %s consensus", AlgorithmDelegated)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := d.setDelegates(ids); err != nil {
		return err
	}
	e.logger.Info("Delegate set updated: (delegates: %d)", len(d.delegates))
	return nil
}

// Delegates returns the active delegate set, sorted
func (e *Engine) Delegates() []string {
	d, ok := e.protocol.(*delegatedVoting)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(d.delegates))
	for id := range d.delegates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
