package consensus

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/redbco/redb-swarm/internal/messages"
	"github.com/redbco/redb-swarm/internal/transport"
	"github.com/redbco/redb-swarm/pkg/logger"
)

const (
	DefaultProposalTimeout = 30 * time.Second
	DefaultMaxProposals    = 1000
	DefaultTombstones      = 4096
	DefaultResultBuffer    = 256

	maxEarlyPerProposal = 64
)

// Config holds configuration for the consensus engine
type Config struct {
	NodeID    string
	Algorithm Algorithm
	// Peers are the other members of the consensus cluster
	Peers     []string
	Logger    *logger.Logger
	Clock     clock.Clock
	Transport transport.Sender

	ProposalTimeout time.Duration
	MaxProposals    int
	Tombstones      int
	ResultBuffer    int

	// RequireSignatures makes every vote carry a valid signature; high
	// criticality proposals require one regardless
	RequireSignatures bool
	Keyring           *Keyring
	SigningKey        ed25519.PrivateKey

	Raft      RaftConfig
	Stake     StakeConfig
	Delegates []string

	Reputation *Reputation
	Observer   Observer
}

// Observer receives consensus telemetry
type Observer interface {
	ProposalSubmitted(algorithm string)
	ProposalResolved(algorithm string, status Status, elapsed time.Duration)
	VoteRejected(reason string)
	RoleChanged(nodeID string, role Role, term uint64)
	CommitAdvanced(nodeID string, index uint64)
}

type nopObserver struct{}

func (nopObserver) ProposalSubmitted(string)                       {}
func (nopObserver) ProposalResolved(string, Status, time.Duration) {}
func (nopObserver) VoteRejected(string)                            {}
func (nopObserver) RoleChanged(string, Role, uint64)               {}
func (nopObserver) CommitAdvanced(string, uint64)                  {}

// protocol is an agreement algorithm. Every method runs with the engine
// lock held and queues outbound messages on the engine's outbox.
type protocol interface {
	start()
	stop()
	// propose admits a locally submitted proposal that is already tracked
	propose(p *proposal) error
	eligible(p *proposal, voterID string) bool
	vote(p *proposal, v Vote, local bool)
	handle(from, channel string, cp *messages.ConsensusPayload)
	fill(p *proposal, res *Result)
}

type proposal struct {
	Proposal
	local     bool
	status    Status
	submitted time.Time
	votes     map[string]Vote
	timer     *clock.Timer
	gen       uint64
	waiters   []chan Result

	// leader-replicated log
	index uint64

	// Byzantine phases
	digest      string
	prepares    map[string]bool
	commits     map[string]bool
	sentCommit  bool
	sentPrepare bool
}

type outbound struct {
	dest string
	msg  *messages.Message
}

// earlyMessage is a vote that arrived before its proposal's announcement
type earlyMessage struct {
	from    string
	channel string
	cp      messages.ConsensusPayload
}

// Engine resolves proposals with the configured algorithm. It reacts to
// local calls, inbound consensus messages and timers.
type Engine struct {
	config     Config
	logger     *logger.Logger
	clock      clock.Clock
	sender     transport.Sender
	framer     *messages.Framer
	reputation *Reputation
	observer   Observer
	protocol   protocol

	mu         sync.Mutex
	proposals  map[string]*proposal
	tombstones *lru.Cache[string, Status]
	early      *lru.Cache[string, []earlyMessage]
	outbox     []outbound
	gen        uint64
	started    bool
	stopped    bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	results chan Result
}

// New creates a consensus engine
func New(config Config) (*Engine, error) {
	if config.NodeID == "" {
		return nil, fmt.Errorf("node ID is required")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.Algorithm == "" {
		config.Algorithm = AlgorithmRaft
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.ProposalTimeout == 0 {
		config.ProposalTimeout = DefaultProposalTimeout
	}
	if config.MaxProposals == 0 {
		config.MaxProposals = DefaultMaxProposals
	}
	if config.Tombstones == 0 {
		config.Tombstones = DefaultTombstones
	}
	if config.ResultBuffer == 0 {
		config.ResultBuffer = DefaultResultBuffer
	}
	if config.Observer == nil {
		config.Observer = nopObserver{}
	}
	if config.Reputation == nil {
		config.Reputation = NewReputation(ReputationConfig{Logger: config.Logger})
	}
	config.Peers = withoutSelf(config.Peers, config.NodeID)

	tombstones, err := lru.New[string, Status](config.Tombstones)
	if err != nil {
		return nil, fmt.Errorf("failed to create tombstone cache: %w", err)
	}
	early, err := lru.New[string, []earlyMessage](config.Tombstones)
	if err != nil {
		return nil, fmt.Errorf("failed to create early vote cache: %w", err)
	}

	e := &Engine{
		config:     config,
		logger:     config.Logger,
		clock:      config.Clock,
		sender:     config.Transport,
		framer:     messages.NewFramer(config.NodeID, config.Clock.Now),
		reputation: config.Reputation,
		observer:   config.Observer,
		proposals:  make(map[string]*proposal),
		tombstones: tombstones,
		early:      early,
		ctx:        context.Background(),
		results:    make(chan Result, config.ResultBuffer),
	}

	switch config.Algorithm {
	case AlgorithmRaft:
		e.protocol, err = newRaftNode(e, config.Raft)
	case AlgorithmPBFT:
		e.protocol = newPBFT(e)
	case AlgorithmStake:
		e.protocol, err = newStakeVoting(e, config.Stake)
	case AlgorithmDelegated:
		e.protocol, err = newDelegatedVoting(e, config.Delegates)
	default:
		err = fmt.Errorf("unknown consensus algorithm: %s", config.Algorithm)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// NodeID returns the local node ID
func (e *Engine) NodeID() string {
	return e.config.NodeID
}

// Algorithm returns the configured algorithm
func (e *Engine) Algorithm() Algorithm {
	return e.config.Algorithm
}

// Members returns the cluster members including the local node, sorted
func (e *Engine) Members() []string {
	members := append([]string{e.config.NodeID}, e.config.Peers...)
	sort.Strings(members)
	return members
}

// Reputation returns the engine's reputation tracker
func (e *Engine) Reputation() *Reputation {
	return e.reputation
}

// Results returns the channel every resolution is published on
func (e *Engine) Results() <-chan Result {
	return e.results
}

// Start starts the algorithm's timers and reputation persistence
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("consensus engine already started")
	}
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.protocol.start()
	e.unlockAndFlush()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reputation.Run(runCtx)
	}()

	e.logger.Info("Consensus engine started: (node: %s, algorithm: %s, peers: %d)", e.config.NodeID, e.config.Algorithm, len(e.config.Peers))
	return nil
}

// Stop cancels timers and times out every pending proposal
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.protocol.stop()
	pending := make([]*proposal, 0, len(e.proposals))
	for _, p := range e.proposals {
		pending = append(pending, p)
	}
	for _, p := range pending {
		e.resolve(p, StatusTimedOut)
	}
	e.outbox = nil
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.logger.Info("Consensus engine stopped: (node: %s, abandoned_proposals: %d)", e.config.NodeID, len(pending))
	return nil
}

// Submit tracks a new local proposal and returns a channel that receives its
// result exactly once.
func (e *Engine) Submit(p Proposal) (string, <-chan Result, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", nil, ErrEngineStopped
	}
	if p.ID == "" {
		p.ID = messages.NewID()
	}
	if _, exists := e.proposals[p.ID]; exists || e.tombstones.Contains(p.ID) {
		e.mu.Unlock()
		return "", nil, fmt.Errorf("%w: %s", ErrDuplicateProposal, p.ID)
	}
	if len(e.proposals) >= e.config.MaxProposals {
		e.mu.Unlock()
		e.logger.Warn("Rejecting proposal: (proposal_id: %s, active: %d)", p.ID, e.config.MaxProposals)
		return "", nil, &MaxProposalsExceededError{Limit: e.config.MaxProposals}
	}
	if p.ProposerID == "" {
		p.ProposerID = e.config.NodeID
	}
	if p.Criticality == "" {
		p.Criticality = CriticalityNormal
	}
	now := e.clock.Now()
	if p.Deadline.IsZero() {
		p.Deadline = now.Add(e.config.ProposalTimeout)
	}

	pr := newProposal(p, true, now)
	ch := make(chan Result, 1)
	pr.waiters = append(pr.waiters, ch)
	e.track(pr)

	if err := e.protocol.propose(pr); err != nil {
		e.untrack(pr)
		e.outbox = nil
		e.mu.Unlock()
		return "", nil, err
	}
	e.unlockAndFlush()

	e.observer.ProposalSubmitted(string(e.config.Algorithm))
	e.logger.Debug("Submitted proposal: (proposal_id: %s, algorithm: %s, deadline: %s)", p.ID, e.config.Algorithm, p.Deadline.Format(time.RFC3339Nano))
	return p.ID, ch, nil
}

// ProposeDecision submits a proposal and waits for its terminal result
func (e *Engine) ProposeDecision(ctx context.Context, p Proposal) (Result, error) {
	_, ch, err := e.Submit(p)
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// CastVote records a vote on a pending proposal. Votes for proposals that
// already resolved are discarded without error.
func (e *Engine) CastVote(ctx context.Context, proposalID, voterID string, decision bool, signature []byte) error {
	v := Vote{ProposalID: proposalID, VoterID: voterID, Decision: decision, Signature: signature}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if len(v.Signature) == 0 && v.VoterID == e.config.NodeID {
		e.sign(&v)
	}
	err := e.applyVote(v, true)
	e.unlockAndFlush()

	if err != nil {
		e.logger.Debug("Rejected vote: (proposal_id: %s, voter: %s, error: %v)", proposalID, voterID, err)
	}
	return err
}

// HandleMessage processes an inbound consensus message
func (e *Engine) HandleMessage(ctx context.Context, msg *messages.Message) {
	var cp messages.ConsensusPayload
	if err := msg.UnmarshalPayload(&cp); err != nil {
		e.logger.Warn("Failed to decode consensus message: (message_id: %s, from: %s, error: %v)", msg.ID, msg.From, err)
		return
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.protocol.handle(msg.From, msg.Type, &cp)
	e.unlockAndFlush()
}

// Status returns the status of a tracked or recently resolved proposal
func (e *Engine) Status(proposalID string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.proposals[proposalID]; ok {
		return p.status, true
	}
	return e.tombstones.Peek(proposalID)
}

// Active returns the number of pending proposals
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.proposals)
}

// MaxProposals returns the cap on pending proposals
func (e *Engine) MaxProposals() int {
	return e.config.MaxProposals
}

func newProposal(p Proposal, local bool, now time.Time) *proposal {
	return &proposal{
		Proposal:  p,
		local:     local,
		submitted: now,
		votes:     make(map[string]Vote),
		prepares:  make(map[string]bool),
		commits:   make(map[string]bool),
	}
}

func (p *proposal) approvals() (yes, no int) {
	for _, v := range p.votes {
		if v.Decision {
			yes++
		} else {
			no++
		}
	}
	return yes, no
}

// track starts the proposal's deadline timer. Caller holds the lock.
func (e *Engine) track(p *proposal) {
	e.proposals[p.ID] = p
	e.gen++
	gen := e.gen
	p.gen = gen

	delay := p.Deadline.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	id := p.ID
	p.timer = e.clock.AfterFunc(delay, func() { e.expire(id, gen) })
}

func (e *Engine) untrack(p *proposal) {
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(e.proposals, p.ID)
}

func (e *Engine) expire(id string, gen uint64) {
	e.mu.Lock()
	p, ok := e.proposals[id]
	if !ok || p.gen != gen || p.status.Terminal() {
		e.mu.Unlock()
		return
	}
	e.logger.Warn("Proposal timed out: (proposal_id: %s, votes: %d)", id, len(p.votes))
	e.resolve(p, StatusTimedOut)
	e.unlockAndFlush()
}

// resolve moves p to a terminal status and publishes the result. Caller
// holds the lock.
func (e *Engine) resolve(p *proposal, status Status) {
	if p.status.Terminal() {
		return
	}
	p.status = status
	e.untrack(p)
	e.tombstones.Add(p.ID, status)

	res := Result{
		ProposalID:  p.ID,
		Algorithm:   e.config.Algorithm,
		Status:      status,
		SubmittedAt: p.submitted,
		ResolvedAt:  e.clock.Now(),
	}
	res.Votes, res.Rejections = p.approvals()
	e.protocol.fill(p, &res)

	if status == StatusApproved || status == StatusRejected {
		approved := status == StatusApproved
		for _, v := range p.votes {
			e.reputation.Record(v.VoterID, v.Decision == approved)
		}
	}

	e.observer.ProposalResolved(string(e.config.Algorithm), status, res.Elapsed())
	e.logger.Info("Proposal resolved: (proposal_id: %s, status: %s, votes: %d, rejections: %d)", p.ID, status, res.Votes, res.Rejections)

	for _, ch := range p.waiters {
		ch <- res
		close(ch)
	}
	p.waiters = nil

	select {
	case e.results <- res:
	default:
		e.logger.Warn("Dropping consensus result, channel full: (proposal_id: %s)", p.ID)
	}
}

// applyVote validates v and hands it to the algorithm. Caller holds the lock.
func (e *Engine) applyVote(v Vote, local bool) error {
	p, ok := e.proposals[v.ProposalID]
	if !ok {
		if e.tombstones.Contains(v.ProposalID) {
			return nil
		}
		e.observer.VoteRejected("unknown_proposal")
		return invalidVote(v, ErrUnknownProposal)
	}
	if err := e.admitVote(p, v); err != nil {
		return err
	}
	e.protocol.vote(p, v, local)
	return nil
}

// admitVote checks voter eligibility and, when required, the signature
func (e *Engine) admitVote(p *proposal, v Vote) error {
	if !e.protocol.eligible(p, v.VoterID) {
		e.observer.VoteRejected("ineligible_voter")
		return invalidVote(v, ErrIneligibleVoter)
	}
	if e.signatureRequired(p) && !e.config.Keyring.Verify(v) {
		e.observer.VoteRejected("invalid_signature")
		return invalidVote(v, ErrInvalidSignature)
	}
	return nil
}

func (e *Engine) signatureRequired(p *proposal) bool {
	return e.config.RequireSignatures || p.Criticality == CriticalityHigh
}

func (e *Engine) sign(v *Vote) {
	if e.config.SigningKey != nil {
		SignVote(e.config.SigningKey, v)
	}
}

// inEligibleSet reports whether voterID is allowed by an explicit eligible set
func (p *proposal) inEligibleSet(voterID string) bool {
	if len(p.EligibleVoters) == 0 {
		return true
	}
	for _, id := range p.EligibleVoters {
		if id == voterID {
			return true
		}
	}
	return false
}

// announce disseminates a local proposal to every peer. Caller holds the lock.
func (e *Engine) announce(p *proposal, kind string) {
	if p.digest == "" {
		p.digest = Digest(p.Payload)
	}
	e.broadcast(messages.ChannelProposal, kind, 0, messages.ProposalAnnouncement{
		ProposalID:     p.ID,
		ProposerID:     p.ProposerID,
		Payload:        p.Payload,
		Digest:         p.digest,
		EligibleVoters: p.EligibleVoters,
		Critical:       p.Criticality == CriticalityHigh,
		Deadline:       p.Deadline.UnixMilli(),
	})
}

// acceptAnnouncement starts tracking a proposal announced by a peer. It
// returns nil when the announcement is a duplicate, stale, malformed or over
// the cap. Caller holds the lock.
func (e *Engine) acceptAnnouncement(from string, cp *messages.ConsensusPayload) *proposal {
	var ann messages.ProposalAnnouncement
	if err := cp.UnmarshalData(&ann); err != nil {
		e.logger.Warn("Failed to decode proposal announcement: (from: %s, error: %v)", from, err)
		return nil
	}
	if ann.ProposalID == "" {
		return nil
	}
	if _, exists := e.proposals[ann.ProposalID]; exists || e.tombstones.Contains(ann.ProposalID) {
		return nil
	}
	if ann.Digest != Digest(ann.Payload) {
		e.logger.Warn("Discarding proposal with mismatched digest: (proposal_id: %s, from: %s)", ann.ProposalID, from)
		return nil
	}
	if len(e.proposals) >= e.config.MaxProposals {
		e.logger.Warn("Dropping remote proposal over cap: (proposal_id: %s, from: %s)", ann.ProposalID, from)
		return nil
	}

	p := Proposal{
		ID:             ann.ProposalID,
		ProposerID:     ann.ProposerID,
		Payload:        ann.Payload,
		EligibleVoters: ann.EligibleVoters,
		Criticality:    CriticalityNormal,
		Deadline:       time.UnixMilli(ann.Deadline),
	}
	if ann.Critical {
		p.Criticality = CriticalityHigh
	}
	pr := newProposal(p, false, e.clock.Now())
	pr.digest = ann.Digest
	e.track(pr)
	return pr
}

// publishBallot re-publishes a locally cast vote. Caller holds the lock.
func (e *Engine) publishBallot(v Vote) {
	e.broadcast(messages.ChannelVote, messages.KindBallot, 0, messages.VoteMessage{
		ProposalID: v.ProposalID,
		VoterID:    v.VoterID,
		Decision:   v.Decision,
		Signature:  v.Signature,
	})
}

// handleBallot applies a vote re-published by a peer. Caller holds the lock.
func (e *Engine) handleBallot(from string, cp *messages.ConsensusPayload) {
	vm, err := decodeVote(cp)
	if err != nil {
		e.logger.Warn("Failed to decode ballot: (from: %s, error: %v)", from, err)
		return
	}
	if _, ok := e.proposals[vm.ProposalID]; !ok {
		e.holdEarly(vm.ProposalID, from, messages.ChannelVote, cp)
		return
	}
	v := Vote{ProposalID: vm.ProposalID, VoterID: vm.VoterID, Decision: vm.Decision, Signature: vm.Signature}
	if err := e.applyVote(v, false); err != nil {
		e.logger.Debug("Discarding ballot: (from: %s, proposal_id: %s, error: %v)", from, vm.ProposalID, err)
	}
}

// holdEarly keeps a vote for a proposal this node has not seen announced yet.
// Caller holds the lock.
func (e *Engine) holdEarly(id, from, channel string, cp *messages.ConsensusPayload) {
	if id == "" || e.tombstones.Contains(id) {
		return
	}
	held, _ := e.early.Get(id)
	if len(held) >= maxEarlyPerProposal {
		return
	}
	e.early.Add(id, append(held, earlyMessage{from: from, channel: channel, cp: *cp}))
}

// replayEarly hands held votes for a newly tracked proposal to the algorithm.
// Caller holds the lock.
func (e *Engine) replayEarly(id string) {
	held, ok := e.early.Get(id)
	if !ok {
		return
	}
	e.early.Remove(id)
	for i := range held {
		e.protocol.handle(held[i].from, held[i].channel, &held[i].cp)
	}
}

func (e *Engine) broadcast(channel, kind string, term uint64, data interface{}) {
	for _, peer := range e.config.Peers {
		e.sendTo(peer, channel, kind, term, data)
	}
}

func (e *Engine) sendTo(dest, channel, kind string, term uint64, data interface{}) {
	msg, err := e.framer.CreateConsensusMessage(channel, kind, dest, term, data)
	if err != nil {
		e.logger.Error("Failed to create consensus message: (kind: %s, error: %v)", kind, err)
		return
	}
	e.outbox = append(e.outbox, outbound{dest: dest, msg: msg})
}

// unlockAndFlush releases the lock and sends the queued outbound messages
func (e *Engine) unlockAndFlush() {
	out := e.outbox
	e.outbox = nil
	ctx := e.ctx
	e.mu.Unlock()

	for _, o := range out {
		if err := e.sender.Send(ctx, o.dest, o.msg); err != nil {
			e.logger.Debug("Failed to send consensus message: (destination: %s, channel: %s, error: %v)", o.dest, o.msg.Type, err)
		}
	}
}

func withoutSelf(peers []string, self string) []string {
	out := make([]string, 0, len(peers))
	seen := make(map[string]bool, len(peers))
	for _, p := range peers {
		if p == "" || p == self || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func decodeVote(cp *messages.ConsensusPayload) (messages.VoteMessage, error) {
	var vm messages.VoteMessage
	err := json.Unmarshal(cp.Data, &vm)
	return vm, err
}
