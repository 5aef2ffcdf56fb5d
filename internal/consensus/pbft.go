package consensus

import "github.com/redbco/redb-swarm/internal/messages"

// pbft runs a three-phase commit per proposal. The proposer broadcasts a
// pre-prepare; every participant broadcasts a prepare after checking the
// payload digest and a commit once it has seen a prepare quorum.
type pbft struct {
	e *Engine
}

func newPBFT(e *Engine) *pbft {
	return &pbft{e: e}
}

func (b *pbft) start() {}
func (b *pbft) stop()  {}

// voters returns the members allowed to vote on p, sorted
func (b *pbft) voters(p *proposal) []string {
	out := make([]string, 0, len(b.e.config.Peers)+1)
	for _, id := range b.e.Members() {
		if p.inEligibleSet(id) {
			out = append(out, id)
		}
	}
	return out
}

// quorum returns ⌈2n/3⌉ for the voter set of p
func (b *pbft) quorum(p *proposal) (n, q int) {
	n = len(b.voters(p))
	return n, (2*n + 2) / 3
}

func (b *pbft) eligible(p *proposal, voterID string) bool {
	if !p.inEligibleSet(voterID) {
		return false
	}
	if voterID == b.e.config.NodeID {
		return true
	}
	for _, peer := range b.e.config.Peers {
		if peer == voterID {
			return true
		}
	}
	return false
}

func (b *pbft) propose(p *proposal) error {
	if n, _ := b.quorum(p); n == 0 {
		return ErrNoEligibleVoters
	}
	p.digest = Digest(p.Payload)
	b.e.announce(p, messages.KindPrePrepare)
	b.prepare(p)
	return nil
}

// prepare broadcasts the local node's agreement with a validated pre-prepare
func (b *pbft) prepare(p *proposal) {
	if p.sentPrepare || !b.eligible(p, b.e.config.NodeID) {
		return
	}
	b.cast(p, messages.KindPrepare, true)
	b.evaluate(p)
}

// cast records and broadcasts a phase message from the local node. It does
// not evaluate the proposal.
func (b *pbft) cast(p *proposal, kind string, decision bool) {
	v := Vote{ProposalID: p.ID, VoterID: b.e.config.NodeID, Decision: decision}
	b.e.sign(&v)
	b.record(p, kind, v)
	b.publish(kind, p, v)
}

func (b *pbft) record(p *proposal, kind string, v Vote) bool {
	phase := p.prepares
	if kind == messages.KindCommit {
		phase = p.commits
	}
	if _, seen := phase[v.VoterID]; seen {
		return false
	}
	phase[v.VoterID] = v.Decision
	p.votes[v.VoterID] = v

	if v.VoterID == b.e.config.NodeID {
		if kind == messages.KindCommit {
			p.sentCommit = true
		} else {
			p.sentPrepare = true
		}
	}
	return true
}

func (b *pbft) publish(kind string, p *proposal, v Vote) {
	b.e.broadcast(messages.ChannelVote, kind, 0, messages.VoteMessage{
		ProposalID: v.ProposalID,
		VoterID:    v.VoterID,
		Decision:   v.Decision,
		Signature:  v.Signature,
		Digest:     p.digest,
	})
}

// vote applies a vote cast through the engine to the voter's current phase
func (b *pbft) vote(p *proposal, v Vote, local bool) {
	kind := messages.KindPrepare
	if _, prepared := p.prepares[v.VoterID]; prepared {
		kind = messages.KindCommit
	}
	if !b.record(p, kind, v) {
		return
	}
	if local {
		b.publish(kind, p, v)
	}
	b.evaluate(p)
}

func (b *pbft) evaluate(p *proposal) {
	if p.status.Terminal() {
		return
	}
	n, q := b.quorum(p)

	prepYes, prepNo := tally(p.prepares)
	if prepYes >= q && !p.sentCommit && b.eligible(p, b.e.config.NodeID) {
		b.cast(p, messages.KindCommit, true)
	}
	commitYes, commitNo := tally(p.commits)

	switch {
	case prepNo > n-q || commitNo > n-q:
		b.e.resolve(p, StatusRejected)
	case prepYes >= q && commitYes >= q:
		b.e.resolve(p, StatusApproved)
	}
}

func (b *pbft) handle(from, channel string, cp *messages.ConsensusPayload) {
	switch cp.Kind {
	case messages.KindPrePrepare:
		p := b.e.acceptAnnouncement(from, cp)
		if p == nil {
			return
		}
		b.prepare(p)
		b.e.replayEarly(p.ID)
	case messages.KindPrepare, messages.KindCommit:
		b.handlePhase(from, channel, cp)
	default:
		b.e.logger.Debug("Ignoring consensus message: (from: %s, channel: %s, kind: %s)", from, channel, cp.Kind)
	}
}

func (b *pbft) handlePhase(from, channel string, cp *messages.ConsensusPayload) {
	vm, err := decodeVote(cp)
	if err != nil {
		b.e.logger.Warn("Failed to decode phase message: (from: %s, kind: %s, error: %v)", from, cp.Kind, err)
		return
	}
	p, ok := b.e.proposals[vm.ProposalID]
	if !ok {
		b.e.holdEarly(vm.ProposalID, from, channel, cp)
		return
	}

	v := Vote{ProposalID: vm.ProposalID, VoterID: vm.VoterID, Decision: vm.Decision, Signature: vm.Signature}
	if err := b.e.admitVote(p, v); err != nil {
		b.e.logger.Debug("Discarding phase message: (from: %s, proposal_id: %s, error: %v)", from, vm.ProposalID, err)
		return
	}
	// without a verified signature only the voter itself may speak for it
	if !b.e.signatureRequired(p) && vm.VoterID != from {
		b.e.observer.VoteRejected("sender_mismatch")
		b.e.logger.Warn("Discarding phase message: (from: %s, proposal_id: %s, error: %v)", from, vm.ProposalID, invalidVote(v, ErrSenderMismatch))
		return
	}
	if v.Decision && vm.Digest != p.digest {
		b.e.logger.Warn("Phase message digest mismatch: (from: %s, proposal_id: %s, voter: %s)", from, vm.ProposalID, vm.VoterID)
		v.Decision = false
	}
	if b.record(p, cp.Kind, v) {
		b.evaluate(p)
	}
}

func (b *pbft) fill(p *proposal, res *Result) {
	_, q := b.quorum(p)
	res.Quorum = uint64(q)
	res.Prepares, _ = tally(p.prepares)
	res.Commits, _ = tally(p.commits)
}

func tally(phase map[string]bool) (yes, no int) {
	for _, ok := range phase {
		if ok {
			yes++
		} else {
			no++
		}
	}
	return yes, no
}
