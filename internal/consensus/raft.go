package consensus

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"golang.org/x/crypto/blake2b"

	"github.com/redbco/redb-swarm/internal/messages"
)

const (
	DefaultElectionTimeoutMin = 150 * time.Millisecond
	DefaultElectionTimeoutMax = 300 * time.Millisecond
	DefaultHeartbeatInterval  = 50 * time.Millisecond
	DefaultMaxAppendEntries   = 64
	DefaultSnapshotThreshold  = 1024
)

var (
	keyCurrentTerm  = []byte("CurrentTerm")
	keyLastVoteTerm = []byte("LastVoteTerm")
	keyLastVoteCand = []byte("LastVoteCand")
)

// RaftConfig configures the leader-replicated log
type RaftConfig struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	MaxAppendEntries   int

	// LogStore and StableStore persist the log and the current term and vote.
	// Both default to one raft.InmemStore.
	LogStore    raft.LogStore
	StableStore raft.StableStore

	// SnapshotStore, when set, receives a ledger snapshot every
	// SnapshotThreshold applied entries. The newest snapshot that matches the
	// log is restored at startup, so those entries are not applied again.
	SnapshotStore     raft.SnapshotStore
	SnapshotThreshold uint64

	// OnApply runs once for every committed entry, with the engine lock held.
	// It must not call back into the engine.
	OnApply func(Decision)
	// Seed seeds election timeout jitter; zero derives one from the node ID
	Seed int64
}

// RaftState is a snapshot of a node's leader-replication state
type RaftState struct {
	Role        Role
	Term        uint64
	LeaderID    string
	VotedFor    string
	CommitIndex uint64
	LastIndex   uint64
	LastApplied uint64
}

type raftNode struct {
	e      *Engine
	config RaftConfig
	id     string
	logs   raft.LogStore
	stable raft.StableStore
	ledger *Ledger
	rng    *rand.Rand

	role        Role
	term        uint64
	votedFor    string
	leaderID    string
	commitIndex uint64
	lastIndex   uint64
	lastTerm    uint64
	lastHash    string
	snapIndex   uint64
	votes       map[string]bool
	nextIndex   map[string]uint64
	matchIndex  map[string]uint64
	pending     map[uint64]string

	running        bool
	electionTimer  *clock.Timer
	electionGen    uint64
	heartbeatTimer *clock.Timer
	heartbeatGen   uint64
}

func newRaftNode(e *Engine, config RaftConfig) (*raftNode, error) {
	if config.ElectionTimeoutMin == 0 {
		config.ElectionTimeoutMin = DefaultElectionTimeoutMin
	}
	if config.ElectionTimeoutMax == 0 {
		config.ElectionTimeoutMax = DefaultElectionTimeoutMax
	}
	if config.ElectionTimeoutMax < config.ElectionTimeoutMin {
		return nil, fmt.Errorf("election timeout max %s is below min %s", config.ElectionTimeoutMax, config.ElectionTimeoutMin)
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.MaxAppendEntries == 0 {
		config.MaxAppendEntries = DefaultMaxAppendEntries
	}
	if config.SnapshotThreshold == 0 {
		config.SnapshotThreshold = DefaultSnapshotThreshold
	}
	if config.LogStore == nil || config.StableStore == nil {
		store := raft.NewInmemStore()
		if config.LogStore == nil {
			config.LogStore = store
		}
		if config.StableStore == nil {
			config.StableStore = store
		}
	}
	seed := config.Seed
	if seed == 0 {
		sum := blake2b.Sum256([]byte(e.config.NodeID))
		seed = int64(binary.BigEndian.Uint64(sum[:8])) ^ time.Now().UnixNano()
	}

	n := &raftNode{
		e:          e,
		config:     config,
		id:         e.config.NodeID,
		logs:       config.LogStore,
		stable:     config.StableStore,
		rng:        rand.New(rand.NewSource(seed)),
		votes:      make(map[string]bool),
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		pending:    make(map[uint64]string),
	}
	n.ledger = NewLedger(e.logger, config.OnApply)

	if err := n.restore(); err != nil {
		return nil, err
	}
	return n, nil
}

// restore loads the persisted term, vote, log tail and newest snapshot
func (n *raftNode) restore() error {
	term, err := n.stable.GetUint64(keyCurrentTerm)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to load current term: %w", err)
	}
	n.term = term

	voteTerm, err := n.stable.GetUint64(keyLastVoteTerm)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to load last vote term: %w", err)
	}
	// the candidate is written before the vote term, so a stored vote term
	// implies a stored candidate
	if voteTerm > 0 && voteTerm == n.term {
		cand, err := n.stable.Get(keyLastVoteCand)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to load last vote candidate: %w", err)
		}
		n.votedFor = string(cand)
	}

	last, err := n.logs.LastIndex()
	if err != nil {
		return fmt.Errorf("failed to load last log index: %w", err)
	}
	if last > 0 {
		entry, err := n.entry(last)
		if err != nil {
			return err
		}
		n.lastIndex, n.lastTerm, n.lastHash = entry.Index, entry.Term, entry.Hash
	}

	if err := n.restoreSnapshot(); err != nil {
		return err
	}

	if n.term > 0 || n.lastIndex > 0 {
		n.e.logger.Info("Restored raft state: (node: %s, term: %d, last_index: %d, commit_index: %d, voted_for: %s)", n.id, n.term, n.lastIndex, n.commitIndex, n.votedFor)
	}
	return nil
}

// isNotFound matches the missing-key error of the bolt and postgres stable
// stores, wrapped or not
func isNotFound(err error) bool {
	return errors.Is(err, raftboltdb.ErrKeyNotFound)
}

// restoreSnapshot loads the newest snapshot whose last entry is still in the
// log. Snapshots hold committed entries only, so the commit index starts there.
func (n *raftNode) restoreSnapshot() error {
	if n.config.SnapshotStore == nil {
		return nil
	}
	snaps, err := n.config.SnapshotStore.List()
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	for _, meta := range snaps {
		if term, err := n.termAt(meta.Index); meta.Index > n.lastIndex || err != nil || term != meta.Term {
			n.e.logger.Warn("Skipping snapshot that does not match the log: (node: %s, snapshot: %s, index: %d, term: %d)", n.id, meta.ID, meta.Index, meta.Term)
			continue
		}
		_, rc, err := n.config.SnapshotStore.Open(meta.ID)
		if err != nil {
			return fmt.Errorf("failed to open snapshot %s: %w", meta.ID, err)
		}
		if err := n.ledger.Restore(rc); err != nil {
			return fmt.Errorf("failed to restore snapshot %s: %w", meta.ID, err)
		}
		n.commitIndex = n.ledger.LastApplied()
		n.snapIndex = n.commitIndex
		return nil
	}
	return nil
}

// maybeSnapshot persists the ledger once SnapshotThreshold entries were
// applied since the last snapshot. The log is kept so lagging followers can
// still be caught up entry by entry.
func (n *raftNode) maybeSnapshot() {
	if n.config.SnapshotStore == nil {
		return
	}
	applied := n.ledger.LastApplied()
	if applied-n.snapIndex < n.config.SnapshotThreshold {
		return
	}
	if err := n.snapshot(applied); err != nil {
		n.e.logger.Error("Failed to snapshot ledger: (node: %s, index: %d, error: %v)", n.id, applied, err)
		return
	}
	n.snapIndex = applied
}

func (n *raftNode) snapshot(index uint64) error {
	term, err := n.termAt(index)
	if err != nil {
		return err
	}
	snap, err := n.ledger.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	sink, err := n.config.SnapshotStore.Create(raft.SnapshotVersionMax, index, term, raft.Configuration{}, 0, nil)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := snap.Persist(sink); err != nil {
		return err
	}
	n.e.logger.Info("Saved ledger snapshot: (node: %s, snapshot: %s, index: %d, term: %d)", n.id, sink.ID(), index, term)
	return nil
}

func (n *raftNode) start() {
	n.running = true
	if len(n.e.config.Peers) == 0 {
		n.startElection()
		return
	}
	n.resetElectionTimer()
}

func (n *raftNode) stop() {
	n.running = false
	n.electionGen++
	n.heartbeatGen++
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	if n.heartbeatTimer != nil {
		n.heartbeatTimer.Stop()
	}
}

func (n *raftNode) quorum() int {
	return (len(n.e.config.Peers)+1)/2 + 1
}

func (n *raftNode) isPeer(id string) bool {
	for _, p := range n.e.config.Peers {
		if p == id {
			return true
		}
	}
	return false
}

func (n *raftNode) eligible(p *proposal, voterID string) bool {
	return (voterID == n.id || n.isPeer(voterID)) && p.inEligibleSet(voterID)
}

func (n *raftNode) propose(p *proposal) error {
	if n.role != RoleLeader {
		return &NotLeaderError{NodeID: n.id, LeaderID: n.leaderID, Term: n.term}
	}

	entry := messages.LogEntry{
		Term:       n.term,
		Index:      n.lastIndex + 1,
		ProposalID: p.ID,
		Command:    p.Payload,
	}
	entry.Hash = chainHash(n.lastHash, entry)
	if err := n.store(entry); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}

	p.index = entry.Index
	n.pending[entry.Index] = p.ID
	p.votes[n.id] = Vote{ProposalID: p.ID, VoterID: n.id, Decision: true}

	n.advanceCommit()
	n.replicate()
	return nil
}

// vote treats an approving vote as an acknowledgment of the proposal's entry
func (n *raftNode) vote(p *proposal, v Vote, local bool) {
	p.votes[v.VoterID] = v
	if !v.Decision || n.role != RoleLeader || v.VoterID == n.id {
		return
	}
	if p.index > n.matchIndex[v.VoterID] {
		n.matchIndex[v.VoterID] = p.index
		n.nextIndex[v.VoterID] = p.index + 1
	}
	n.advanceCommit()
}

func (n *raftNode) fill(p *proposal, res *Result) {
	res.Quorum = uint64(n.quorum())
	res.CommitIndex = n.commitIndex
}

func (n *raftNode) handle(from, channel string, cp *messages.ConsensusPayload) {
	var err error
	switch cp.Kind {
	case messages.KindRequestVote:
		var req messages.RequestVoteMessage
		if err = cp.UnmarshalData(&req); err == nil {
			n.handleRequestVote(req)
		}
	case messages.KindVoteResponse:
		var resp messages.VoteResponseMessage
		if err = cp.UnmarshalData(&resp); err == nil {
			n.handleVoteResponse(resp)
		}
	case messages.KindAppendEntries:
		var req messages.AppendEntriesMessage
		if err = cp.UnmarshalData(&req); err == nil {
			n.handleAppendEntries(req)
		}
	case messages.KindAppendAck:
		var ack messages.AppendAckMessage
		if err = cp.UnmarshalData(&ack); err == nil {
			n.handleAppendAck(ack)
		}
	default:
		n.e.logger.Debug("Ignoring consensus message: (from: %s, channel: %s, kind: %s)", from, channel, cp.Kind)
	}
	if err != nil {
		n.e.logger.Warn("Failed to decode raft message: (from: %s, kind: %s, error: %v)", from, cp.Kind, err)
	}
}

func (n *raftNode) setRole(role Role) {
	if n.role == role {
		return
	}
	n.role = role
	n.e.observer.RoleChanged(n.id, role, n.term)
	n.e.logger.Info("Raft role changed: (node: %s, role: %s, term: %d)", n.id, role, n.term)
}

func (n *raftNode) randomTimeout() time.Duration {
	span := int64(n.config.ElectionTimeoutMax - n.config.ElectionTimeoutMin)
	if span <= 0 {
		return n.config.ElectionTimeoutMin
	}
	return n.config.ElectionTimeoutMin + time.Duration(n.rng.Int63n(span+1))
}

func (n *raftNode) resetElectionTimer() {
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.electionGen++
	if !n.running {
		return
	}
	gen := n.electionGen
	n.electionTimer = n.e.clock.AfterFunc(n.randomTimeout(), func() { n.onElectionTimeout(gen) })
}

func (n *raftNode) onElectionTimeout(gen uint64) {
	n.e.mu.Lock()
	if gen != n.electionGen || !n.running || n.role == RoleLeader {
		n.e.mu.Unlock()
		return
	}
	n.startElection()
	n.e.unlockAndFlush()
}

func (n *raftNode) startElection() {
	n.term++
	n.votedFor = n.id
	n.leaderID = ""
	if err := n.persistVote(); err != nil {
		n.e.logger.Error("Failed to persist election vote: (node: %s, term: %d, error: %v)", n.id, n.term, err)
		n.resetElectionTimer()
		return
	}
	n.setRole(RoleCandidate)
	n.votes = map[string]bool{n.id: true}

	if len(n.votes) >= n.quorum() {
		n.becomeLeader()
		return
	}

	n.e.logger.Debug("Starting election: (node: %s, term: %d)", n.id, n.term)
	n.e.broadcast(messages.ChannelElection, messages.KindRequestVote, n.term, messages.RequestVoteMessage{
		Term:         n.term,
		CandidateID:  n.id,
		LastLogIndex: n.lastIndex,
		LastLogTerm:  n.lastTerm,
	})
	n.resetElectionTimer()
}

func (n *raftNode) becomeLeader() {
	n.electionGen++
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.leaderID = n.id
	for _, p := range n.e.config.Peers {
		n.nextIndex[p] = n.lastIndex + 1
		n.matchIndex[p] = 0
	}
	n.setRole(RoleLeader)

	n.replicate()
	n.scheduleHeartbeat()
}

// stepDown reverts to follower, adopting term when it is newer
func (n *raftNode) stepDown(term uint64) {
	if term > n.term {
		n.term = term
		n.votedFor = ""
		if err := n.persistVote(); err != nil {
			n.e.logger.Error("Failed to persist term: (node: %s, term: %d, error: %v)", n.id, term, err)
		}
	}
	if n.role == RoleLeader {
		n.heartbeatGen++
		if n.heartbeatTimer != nil {
			n.heartbeatTimer.Stop()
		}
		n.leaderID = ""
	}
	n.setRole(RoleFollower)
	n.resetElectionTimer()
}

func (n *raftNode) persistVote() error {
	if err := n.stable.SetUint64(keyCurrentTerm, n.term); err != nil {
		return err
	}
	if err := n.stable.Set(keyLastVoteCand, []byte(n.votedFor)); err != nil {
		return err
	}
	return n.stable.SetUint64(keyLastVoteTerm, n.term)
}

func (n *raftNode) logUpToDate(lastIndex, lastTerm uint64) bool {
	if lastTerm != n.lastTerm {
		return lastTerm > n.lastTerm
	}
	return lastIndex >= n.lastIndex
}

func (n *raftNode) handleRequestVote(req messages.RequestVoteMessage) {
	if !n.isPeer(req.CandidateID) {
		return
	}
	if req.Term > n.term {
		n.stepDown(req.Term)
	}

	granted := false
	if req.Term == n.term && (n.votedFor == "" || n.votedFor == req.CandidateID) && n.logUpToDate(req.LastLogIndex, req.LastLogTerm) {
		n.votedFor = req.CandidateID
		if err := n.persistVote(); err != nil {
			n.e.logger.Error("Failed to persist vote: (node: %s, candidate: %s, error: %v)", n.id, req.CandidateID, err)
			n.votedFor = ""
		} else {
			granted = true
			n.resetElectionTimer()
		}
	}

	n.e.sendTo(req.CandidateID, messages.ChannelElection, messages.KindVoteResponse, n.term, messages.VoteResponseMessage{
		Term:        n.term,
		VoterID:     n.id,
		CandidateID: req.CandidateID,
		Granted:     granted,
	})
}

func (n *raftNode) handleVoteResponse(resp messages.VoteResponseMessage) {
	if resp.Term > n.term {
		n.stepDown(resp.Term)
		return
	}
	if n.role != RoleCandidate || resp.Term != n.term || resp.CandidateID != n.id || !resp.Granted || !n.isPeer(resp.VoterID) {
		return
	}
	n.votes[resp.VoterID] = true
	if len(n.votes) >= n.quorum() {
		n.becomeLeader()
	}
}

func (n *raftNode) scheduleHeartbeat() {
	n.heartbeatGen++
	gen := n.heartbeatGen
	n.heartbeatTimer = n.e.clock.AfterFunc(n.config.HeartbeatInterval, func() {
		n.e.mu.Lock()
		if gen != n.heartbeatGen || !n.running || n.role != RoleLeader {
			n.e.mu.Unlock()
			return
		}
		n.replicate()
		n.scheduleHeartbeat()
		n.e.unlockAndFlush()
	})
}

func (n *raftNode) replicate() {
	for _, peer := range n.e.config.Peers {
		n.sendAppend(peer)
	}
}

// sendAppend sends peer every entry from its next index, or a heartbeat when
// it is up to date
func (n *raftNode) sendAppend(peer string) {
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm, err := n.termAt(prevIndex)
	if err != nil {
		n.e.logger.Error("Failed to read log for replication: (peer: %s, index: %d, error: %v)", peer, prevIndex, err)
		return
	}

	var entries []messages.LogEntry
	for i := next; i <= n.lastIndex && len(entries) < n.config.MaxAppendEntries; i++ {
		entry, err := n.entry(i)
		if err != nil {
			n.e.logger.Error("Failed to read log for replication: (peer: %s, index: %d, error: %v)", peer, i, err)
			return
		}
		entries = append(entries, entry)
	}

	channel := messages.ChannelHeartbeat
	if len(entries) > 0 {
		channel = messages.ChannelProposal
	}
	n.e.sendTo(peer, channel, messages.KindAppendEntries, n.term, messages.AppendEntriesMessage{
		Term:         n.term,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	})
}

func (n *raftNode) handleAppendEntries(req messages.AppendEntriesMessage) {
	if !n.isPeer(req.LeaderID) {
		return
	}
	if req.Term < n.term {
		n.ack(req.LeaderID, false, n.lastIndex)
		return
	}
	if req.Term > n.term || n.role != RoleFollower {
		n.stepDown(req.Term)
	}
	n.leaderID = req.LeaderID
	n.resetElectionTimer()

	if req.PrevLogIndex > n.lastIndex {
		n.ack(req.LeaderID, false, n.lastIndex)
		return
	}
	if req.PrevLogIndex > 0 {
		term, err := n.termAt(req.PrevLogIndex)
		if err != nil || term != req.PrevLogTerm {
			n.ack(req.LeaderID, false, req.PrevLogIndex-1)
			return
		}
	}

	for _, entry := range req.Entries {
		if entry.Index <= n.lastIndex {
			term, err := n.termAt(entry.Index)
			if err == nil && term == entry.Term {
				continue
			}
			if err := n.truncateFrom(entry.Index); err != nil {
				n.e.logger.Error("Failed to truncate conflicting entries: (node: %s, index: %d, error: %v)", n.id, entry.Index, err)
				n.ack(req.LeaderID, false, n.lastIndex)
				return
			}
		}
		if entry.Index != n.lastIndex+1 || entry.Hash != chainHash(n.lastHash, entry) {
			n.e.logger.Warn("Rejecting entry that breaks the hash chain: (node: %s, index: %d, leader: %s)", n.id, entry.Index, req.LeaderID)
			n.ack(req.LeaderID, false, n.lastIndex)
			return
		}
		if err := n.store(entry); err != nil {
			n.e.logger.Error("Failed to append replicated entry: (node: %s, index: %d, error: %v)", n.id, entry.Index, err)
			n.ack(req.LeaderID, false, n.lastIndex)
			return
		}
	}

	match := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > n.commitIndex {
		n.setCommit(minUint64(req.LeaderCommit, match))
	}
	n.ack(req.LeaderID, true, match)
}

func (n *raftNode) ack(leader string, success bool, match uint64) {
	n.e.sendTo(leader, messages.ChannelVote, messages.KindAppendAck, n.term, messages.AppendAckMessage{
		Term:       n.term,
		FollowerID: n.id,
		Success:    success,
		MatchIndex: match,
	})
}

func (n *raftNode) handleAppendAck(ack messages.AppendAckMessage) {
	if ack.Term > n.term {
		n.stepDown(ack.Term)
		return
	}
	if n.role != RoleLeader || ack.Term != n.term || !n.isPeer(ack.FollowerID) {
		return
	}

	f := ack.FollowerID
	if !ack.Success {
		next := n.nextIndex[f]
		if next > 1 {
			next--
		}
		if hint := ack.MatchIndex + 1; hint < next {
			next = hint
		}
		if next < 1 {
			next = 1
		}
		n.nextIndex[f] = next
		n.sendAppend(f)
		return
	}

	if ack.MatchIndex > n.matchIndex[f] {
		n.matchIndex[f] = minUint64(ack.MatchIndex, n.lastIndex)
	}
	n.nextIndex[f] = n.matchIndex[f] + 1

	for index, id := range n.pending {
		if index > n.matchIndex[f] {
			continue
		}
		if p, ok := n.e.proposals[id]; ok {
			p.votes[f] = Vote{ProposalID: id, VoterID: f, Decision: true}
		}
	}
	n.advanceCommit()
}

// advanceCommit commits the highest current-term index stored on a majority
func (n *raftNode) advanceCommit() {
	if n.role != RoleLeader {
		return
	}
	for index := n.lastIndex; index > n.commitIndex; index-- {
		term, err := n.termAt(index)
		if err != nil || term != n.term {
			return
		}
		replicated := 1
		for _, p := range n.e.config.Peers {
			if n.matchIndex[p] >= index {
				replicated++
			}
		}
		if replicated >= n.quorum() {
			n.setCommit(index)
			return
		}
	}
}

// setCommit advances the commit index and applies newly committed entries
func (n *raftNode) setCommit(index uint64) {
	if index <= n.commitIndex {
		return
	}
	n.commitIndex = index
	n.e.observer.CommitAdvanced(n.id, index)

	for i := n.ledger.LastApplied() + 1; i <= n.commitIndex; i++ {
		var log raft.Log
		if err := n.logs.GetLog(i, &log); err != nil {
			n.e.logger.Error("Failed to read committed entry: (node: %s, index: %d, error: %v)", n.id, i, err)
			return
		}
		n.ledger.Apply(&log)

		id, ok := n.pending[i]
		if !ok {
			continue
		}
		delete(n.pending, i)
		if p, ok := n.e.proposals[id]; ok && p.index == i {
			n.e.resolve(p, StatusApproved)
		}
	}
	n.maybeSnapshot()
}

func (n *raftNode) store(entry messages.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := n.logs.StoreLog(&raft.Log{
		Index:      entry.Index,
		Term:       entry.Term,
		Type:       raft.LogCommand,
		Data:       data,
		AppendedAt: n.e.clock.Now(),
	}); err != nil {
		return err
	}
	n.lastIndex, n.lastTerm, n.lastHash = entry.Index, entry.Term, entry.Hash
	return nil
}

func (n *raftNode) truncateFrom(index uint64) error {
	if err := n.logs.DeleteRange(index, n.lastIndex); err != nil {
		return err
	}
	for i := range n.pending {
		if i >= index {
			delete(n.pending, i)
		}
	}

	n.lastIndex, n.lastTerm, n.lastHash = 0, 0, ""
	if index > 1 {
		prev, err := n.entry(index - 1)
		if err != nil {
			return err
		}
		n.lastIndex, n.lastTerm, n.lastHash = prev.Index, prev.Term, prev.Hash
	}
	return nil
}

func (n *raftNode) entry(index uint64) (messages.LogEntry, error) {
	var log raft.Log
	if err := n.logs.GetLog(index, &log); err != nil {
		return messages.LogEntry{}, fmt.Errorf("failed to read log entry %d: %w", index, err)
	}
	var entry messages.LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		return messages.LogEntry{}, fmt.Errorf("failed to decode log entry %d: %w", index, err)
	}
	return entry, nil
}

func (n *raftNode) termAt(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if index == n.lastIndex {
		return n.lastTerm, nil
	}
	entry, err := n.entry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

func (n *raftNode) state() RaftState {
	return RaftState{
		Role:        n.role,
		Term:        n.term,
		LeaderID:    n.leaderID,
		VotedFor:    n.votedFor,
		CommitIndex: n.commitIndex,
		LastIndex:   n.lastIndex,
		LastApplied: n.ledger.LastApplied(),
	}
}

// chainHash links an entry to its predecessor: blake2b-256 over the previous
// hash, term, index, proposal ID and command
func chainHash(prevHash string, entry messages.LogEntry) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(prevHash))
	h.Write([]byte("|" + strconv.FormatUint(entry.Term, 10) + "|" + strconv.FormatUint(entry.Index, 10) + "|" + entry.ProposalID + "|"))
	h.Write(entry.Command)
	return hex.EncodeToString(h.Sum(nil))
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// RaftState returns the leader-replication state; false for other algorithms
func (e *Engine) RaftState() (RaftState, bool) {
	n, ok := e.protocol.(*raftNode)
	if !ok {
		return RaftState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return n.state(), true
}

// Ledger returns the applied decisions of the leader-replicated log; nil for
// other algorithms
func (e *Engine) Ledger() *Ledger {
	if n, ok := e.protocol.(*raftNode); ok {
		return n.ledger
	}
	return nil
}
