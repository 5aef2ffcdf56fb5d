package consensus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-swarm/internal/messages"
	"github.com/redbco/redb-swarm/pkg/logger"
)

// raftObserver records leadership and commit progress across a cluster
type raftObserver struct {
	nopObserver
	mu         sync.Mutex
	leaders    map[uint64]map[string]bool
	commits    map[string][]uint64
	violations []string
}

func newRaftObserver() *raftObserver {
	return &raftObserver{
		leaders: make(map[uint64]map[string]bool),
		commits: make(map[string][]uint64),
	}
}

func (o *raftObserver) RoleChanged(nodeID string, role Role, term uint64) {
	if role != RoleLeader {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.leaders[term] == nil {
		o.leaders[term] = make(map[string]bool)
	}
	o.leaders[term][nodeID] = true
}

func (o *raftObserver) CommitAdvanced(nodeID string, index uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	seen := o.commits[nodeID]
	if n := len(seen); n > 0 && index < seen[n-1] {
		o.violations = append(o.violations, nodeID)
	}
	o.commits[nodeID] = append(seen, index)
}

func waitLeader(t *testing.T, c *cluster) *Engine {
	t.Helper()
	var leader *Engine
	require.Eventually(t, func() bool {
		leader = nil
		leaders := 0
		for _, id := range c.ids {
			st, _ := c.engines[id].RaftState()
			if st.Role == RoleLeader {
				leader = c.engines[id]
				leaders++
			}
		}
		return leaders == 1
	}, 5*time.Second, 10*time.Millisecond)
	return leader
}

func TestRaftSingleNodeCommits(t *testing.T) {
	var applied []Decision
	e, _ := newTestEngine(t, AlgorithmRaft, clock.NewMock(), func(c *Config) {
		c.Peers = nil
		c.Raft.OnApply = func(d Decision) { applied = append(applied, d) }
	})

	st, ok := e.RaftState()
	require.True(t, ok)
	assert.Equal(t, RoleLeader, st.Role)
	assert.Equal(t, uint64(1), st.Term)

	res, err := e.ProposeDecision(context.Background(), Proposal{Payload: testPayload})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, 1, res.Votes)
	assert.Equal(t, uint64(1), res.CommitIndex)
	assert.Equal(t, uint64(1), res.Quorum)

	d, ok := e.Ledger().Decision(res.ProposalID)
	require.True(t, ok)
	assert.JSONEq(t, string(testPayload), string(d.Command))
	require.Len(t, applied, 1)
	assert.Equal(t, uint64(1), applied[0].Index)
}

func TestRaftMajorityAcknowledgment(t *testing.T) {
	c := newCluster(t, 5, nil)
	c.start(t)
	leader := waitLeader(t, c)

	isolated := 0
	for _, id := range c.ids {
		if id != leader.NodeID() && isolated < 2 {
			c.hub.Isolate(id)
			isolated++
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := leader.ProposeDecision(ctx, Proposal{Payload: testPayload})
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, 3, res.Votes)
	assert.GreaterOrEqual(t, res.CommitIndex, uint64(1))
	assert.Equal(t, uint64(3), res.Quorum)

	st, _ := leader.RaftState()
	assert.GreaterOrEqual(t, st.CommitIndex, res.CommitIndex)
	_, ok := leader.Ledger().Decision(res.ProposalID)
	assert.True(t, ok)
}

func TestRaftFollowerCannotPropose(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.start(t)
	leader := waitLeader(t, c)

	for _, id := range c.ids {
		if id == leader.NodeID() {
			continue
		}
		_, _, err := c.engines[id].Submit(Proposal{Payload: testPayload})
		var notLeader *NotLeaderError
		require.True(t, errors.As(err, &notLeader), "node %s", id)
		assert.True(t, errors.Is(err, ErrNotLeader))
		assert.Equal(t, id, notLeader.NodeID)
		assert.Equal(t, 0, c.engines[id].Active())
	}
}

func TestRaftSafety(t *testing.T) {
	obs := newRaftObserver()
	c := newCluster(t, 5, func(id string, config *Config) {
		config.Observer = obs
	})
	c.start(t)

	deadline := time.Now().Add(1500 * time.Millisecond)
	for round := 0; time.Now().Before(deadline); round++ {
		leader := waitLeader(t, c)
		_, _, _ = leader.Submit(Proposal{Payload: testPayload, Deadline: time.Now().Add(200 * time.Millisecond)})

		// churn leadership by partitioning the current leader
		if round%2 == 0 {
			c.hub.Isolate(leader.NodeID())
			time.Sleep(350 * time.Millisecond)
			c.hub.Heal(leader.NodeID())
		} else {
			time.Sleep(100 * time.Millisecond)
		}
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	for term, leaders := range obs.leaders {
		assert.LessOrEqual(t, len(leaders), 1, "term %d had leaders %v", term, leaders)
	}
	assert.Empty(t, obs.violations, "commit index decreased")
}

func TestRaftPersistsTermAndLog(t *testing.T) {
	store := raft.NewInmemStore()
	build := func() *Engine {
		e, err := New(Config{
			NodeID:    "node-1",
			Algorithm: AlgorithmRaft,
			Logger:    logger.NewNop(),
			Clock:     clock.NewMock(),
			Transport: &sinkSender{},
			Raft:      RaftConfig{LogStore: store, StableStore: store},
		})
		require.NoError(t, err)
		return e
	}

	first := build()
	require.NoError(t, first.Start(context.Background()))
	res, err := first.ProposeDecision(context.Background(), Proposal{Payload: testPayload})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, res.Status)
	require.NoError(t, first.Stop())

	second := build()
	st, _ := second.RaftState()
	assert.Equal(t, uint64(1), st.Term)
	assert.Equal(t, "node-1", st.VotedFor)
	assert.Equal(t, uint64(1), st.LastIndex)
	assert.Equal(t, RoleFollower, st.Role)

	require.NoError(t, second.Start(context.Background()))
	defer second.Stop()
	st, _ = second.RaftState()
	assert.Equal(t, uint64(2), st.Term)
	assert.Equal(t, RoleLeader, st.Role)
}

func TestRaftRestoresLedgerSnapshot(t *testing.T) {
	store := raft.NewInmemStore()
	snaps := raft.NewInmemSnapshotStore()
	var applied []uint64
	build := func() *Engine {
		e, err := New(Config{
			NodeID:    "node-1",
			Algorithm: AlgorithmRaft,
			Logger:    logger.NewNop(),
			Clock:     clock.NewMock(),
			Transport: &sinkSender{},
			Raft: RaftConfig{
				LogStore:          store,
				StableStore:       store,
				SnapshotStore:     snaps,
				SnapshotThreshold: 2,
				OnApply:           func(d Decision) { applied = append(applied, d.Index) },
			},
		})
		require.NoError(t, err)
		return e
	}

	first := build()
	require.NoError(t, first.Start(context.Background()))
	for i := 0; i < 3; i++ {
		res, err := first.ProposeDecision(context.Background(), Proposal{Payload: testPayload})
		require.NoError(t, err)
		require.Equal(t, StatusApproved, res.Status)
	}
	require.NoError(t, first.Stop())

	metas, err := snaps.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, uint64(2), metas[0].Index)
	assert.Equal(t, uint64(1), metas[0].Term)

	applied = nil
	second := build()
	st, _ := second.RaftState()
	assert.Equal(t, uint64(2), st.CommitIndex)
	assert.Equal(t, uint64(2), st.LastApplied)
	assert.Equal(t, uint64(3), st.LastIndex)
	assert.Equal(t, 2, second.Ledger().Len())

	// the old-term tail commits with the first entry of the new term
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop()
	res, err := second.ProposeDecision(context.Background(), Proposal{Payload: testPayload})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, []uint64{3, 4}, applied)
}

func TestRaftSkipsSnapshotAheadOfLog(t *testing.T) {
	snaps := raft.NewInmemSnapshotStore()
	ahead := NewLedger(logger.NewNop(), nil)
	snap, err := ahead.Snapshot()
	require.NoError(t, err)
	sink, err := snaps.Create(raft.SnapshotVersionMax, 5, 1, raft.Configuration{}, 0, nil)
	require.NoError(t, err)
	require.NoError(t, snap.Persist(sink))

	e, _ := newTestEngine(t, AlgorithmRaft, clock.NewMock(), func(c *Config) {
		c.Raft.SnapshotStore = snaps
	})
	st, _ := e.RaftState()
	assert.Equal(t, uint64(0), st.CommitIndex)
}

// wrappingStableStore reports missing keys with a wrapped bolt sentinel, or
// fails every read with err
type wrappingStableStore struct {
	values map[string][]byte
	err    error
}

func (s *wrappingStableStore) Set(key, val []byte) error {
	s.values[string(key)] = val
	return nil
}

func (s *wrappingStableStore) Get(key []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	val, ok := s.values[string(key)]
	if !ok {
		return nil, fmt.Errorf("stable key %s: %w", key, raftboltdb.ErrKeyNotFound)
	}
	return val, nil
}

func (s *wrappingStableStore) SetUint64(key []byte, val uint64) error {
	return s.Set(key, []byte(strconv.FormatUint(val, 10)))
}

func (s *wrappingStableStore) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(val), 10, 64)
}

func TestRaftStableStoreErrors(t *testing.T) {
	build := func(stable raft.StableStore) (*Engine, error) {
		return New(Config{
			NodeID:    "node-1",
			Algorithm: AlgorithmRaft,
			Peers:     []string{"node-2", "node-3"},
			Logger:    logger.NewNop(),
			Clock:     clock.NewMock(),
			Transport: &sinkSender{},
			Raft:      RaftConfig{LogStore: raft.NewInmemStore(), StableStore: stable},
		})
	}

	e, err := build(&wrappingStableStore{values: map[string][]byte{}})
	require.NoError(t, err, "missing keys start a fresh node")
	st, _ := e.RaftState()
	assert.Equal(t, uint64(0), st.Term)

	stored := &wrappingStableStore{values: map[string][]byte{}}
	require.NoError(t, stored.SetUint64(keyCurrentTerm, 4))
	require.NoError(t, stored.Set(keyLastVoteCand, []byte("node-3")))
	require.NoError(t, stored.SetUint64(keyLastVoteTerm, 4))
	e, err = build(stored)
	require.NoError(t, err)
	st, _ = e.RaftState()
	assert.Equal(t, uint64(4), st.Term)
	assert.Equal(t, "node-3", st.VotedFor)

	_, err = build(&wrappingStableStore{err: errors.New("disk failure")})
	assert.ErrorContains(t, err, "disk failure")
}

// electLeader drives node-1 to leadership over node-2 and node-3 by hand
func electLeader(t *testing.T, e *Engine, mock *clock.Mock) uint64 {
	t.Helper()
	mock.Add(DefaultElectionTimeoutMax)
	var st RaftState
	require.Eventually(t, func() bool {
		st, _ = e.RaftState()
		return st.Role == RoleCandidate
	}, time.Second, 5*time.Millisecond)

	e.HandleMessage(context.Background(), peerMessage(t, "node-2", messages.ChannelElection, messages.KindVoteResponse, st.Term, messages.VoteResponseMessage{
		Term:        st.Term,
		VoterID:     "node-2",
		CandidateID: "node-1",
		Granted:     true,
	}))
	st, _ = e.RaftState()
	require.Equal(t, RoleLeader, st.Role)
	return st.Term
}

func TestRaftCastVoteCountsAsAcknowledgment(t *testing.T) {
	mock := clock.NewMock()
	e, sink := newTestEngine(t, AlgorithmRaft, mock, nil)
	electLeader(t, e, mock)

	id, ch, err := e.Submit(Proposal{Payload: testPayload})
	require.NoError(t, err)
	status, _ := e.Status(id)
	assert.Equal(t, StatusPending, status)
	assert.Contains(t, sink.kinds(), messages.KindAppendEntries)

	require.NoError(t, e.CastVote(context.Background(), id, "node-3", true, nil))
	res := awaitResult(t, ch)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, 2, res.Votes)
	assert.Equal(t, uint64(1), res.CommitIndex)
}

func TestRaftAppendAckCommits(t *testing.T) {
	mock := clock.NewMock()
	e, _ := newTestEngine(t, AlgorithmRaft, mock, nil)
	term := electLeader(t, e, mock)

	id, ch, err := e.Submit(Proposal{Payload: testPayload})
	require.NoError(t, err)

	// a stale ack from an old term is ignored
	e.HandleMessage(context.Background(), peerMessage(t, "node-2", messages.ChannelVote, messages.KindAppendAck, term-1, messages.AppendAckMessage{
		Term:       term - 1,
		FollowerID: "node-2",
		Success:    true,
		MatchIndex: 1,
	}))
	status, _ := e.Status(id)
	require.Equal(t, StatusPending, status)

	e.HandleMessage(context.Background(), peerMessage(t, "node-2", messages.ChannelVote, messages.KindAppendAck, term, messages.AppendAckMessage{
		Term:       term,
		FollowerID: "node-2",
		Success:    true,
		MatchIndex: 1,
	}))
	res := awaitResult(t, ch)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, 2, res.Votes)
}

func TestRaftTimedOutEntryStaysInLog(t *testing.T) {
	mock := clock.NewMock()
	var applied []Decision
	e, _ := newTestEngine(t, AlgorithmRaft, mock, func(c *Config) {
		c.Raft.OnApply = func(d Decision) { applied = append(applied, d) }
	})
	term := electLeader(t, e, mock)

	_, ch, err := e.Submit(Proposal{Payload: testPayload, Deadline: mock.Now().Add(10 * time.Millisecond)})
	require.NoError(t, err)
	mock.Add(10 * time.Millisecond)
	res := awaitResult(t, ch)
	require.Equal(t, StatusTimedOut, res.Status)

	e.HandleMessage(context.Background(), peerMessage(t, "node-2", messages.ChannelVote, messages.KindAppendAck, term, messages.AppendAckMessage{
		Term:       term,
		FollowerID: "node-2",
		Success:    true,
		MatchIndex: 1,
	}))

	st, _ := e.RaftState()
	assert.Equal(t, uint64(1), st.CommitIndex)
	assert.Len(t, applied, 1)
	status, _ := e.Status(res.ProposalID)
	assert.Equal(t, StatusTimedOut, status)
}

func TestRaftFollowerGrantsOneVotePerTerm(t *testing.T) {
	e, sink := newTestEngine(t, AlgorithmRaft, clock.NewMock(), nil)
	ctx := context.Background()

	request := func(candidate string) {
		e.HandleMessage(ctx, peerMessage(t, candidate, messages.ChannelElection, messages.KindRequestVote, 1, messages.RequestVoteMessage{
			Term:        1,
			CandidateID: candidate,
		}))
	}
	request("node-2")
	request("node-3")

	var granted []string
	sink.mu.Lock()
	for _, o := range sink.sent {
		var cp messages.ConsensusPayload
		require.NoError(t, o.msg.UnmarshalPayload(&cp))
		var resp messages.VoteResponseMessage
		require.NoError(t, cp.UnmarshalData(&resp))
		if resp.Granted {
			granted = append(granted, resp.CandidateID)
		}
	}
	sink.mu.Unlock()

	assert.Equal(t, []string{"node-2"}, granted)
	st, _ := e.RaftState()
	assert.Equal(t, uint64(1), st.Term)
	assert.Equal(t, "node-2", st.VotedFor)
}

func TestRaftFollowerTruncatesConflicts(t *testing.T) {
	e, sink := newTestEngine(t, AlgorithmRaft, clock.NewMock(), nil)
	ctx := context.Background()

	e1 := messages.LogEntry{Term: 1, Index: 1, ProposalID: "p-1", Command: testPayload}
	e1.Hash = chainHash("", e1)
	e2 := messages.LogEntry{Term: 1, Index: 2, ProposalID: "p-2", Command: testPayload}
	e2.Hash = chainHash(e1.Hash, e2)

	e.HandleMessage(ctx, peerMessage(t, "node-2", messages.ChannelProposal, messages.KindAppendEntries, 1, messages.AppendEntriesMessage{
		Term:     1,
		LeaderID: "node-2",
		Entries:  []messages.LogEntry{e1, e2},
	}))
	st, _ := e.RaftState()
	require.Equal(t, uint64(2), st.LastIndex)
	assert.Equal(t, "node-2", st.LeaderID)

	// a new leader overwrites the uncommitted second entry
	replacement := messages.LogEntry{Term: 2, Index: 2, ProposalID: "p-3", Command: testPayload}
	replacement.Hash = chainHash(e1.Hash, replacement)
	e.HandleMessage(ctx, peerMessage(t, "node-3", messages.ChannelProposal, messages.KindAppendEntries, 2, messages.AppendEntriesMessage{
		Term:         2,
		LeaderID:     "node-3",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries:      []messages.LogEntry{replacement},
		LeaderCommit: 2,
	}))

	st, _ = e.RaftState()
	assert.Equal(t, uint64(2), st.Term)
	assert.Equal(t, uint64(2), st.LastIndex)
	assert.Equal(t, uint64(2), st.CommitIndex)
	_, ok := e.Ledger().Decision("p-2")
	assert.False(t, ok)
	_, ok = e.Ledger().Decision("p-3")
	assert.True(t, ok)

	// an entry that breaks the hash chain is refused
	forged := messages.LogEntry{Term: 2, Index: 3, ProposalID: "p-4", Command: testPayload, Hash: "bogus"}
	sink.reset()
	e.HandleMessage(ctx, peerMessage(t, "node-3", messages.ChannelProposal, messages.KindAppendEntries, 2, messages.AppendEntriesMessage{
		Term:         2,
		LeaderID:     "node-3",
		PrevLogIndex: 2,
		PrevLogTerm:  2,
		Entries:      []messages.LogEntry{forged},
	}))
	st, _ = e.RaftState()
	assert.Equal(t, uint64(2), st.LastIndex)

	require.Len(t, sink.sent, 1)
	var cp messages.ConsensusPayload
	require.NoError(t, sink.sent[0].msg.UnmarshalPayload(&cp))
	var ack messages.AppendAckMessage
	require.NoError(t, cp.UnmarshalData(&ack))
	assert.False(t, ack.Success)
}

func TestChainHashLinksPredecessor(t *testing.T) {
	entry := messages.LogEntry{Term: 1, Index: 2, ProposalID: "p", Command: testPayload}
	assert.Equal(t, chainHash("a", entry), chainHash("a", entry))
	assert.NotEqual(t, chainHash("a", entry), chainHash("b", entry))
	assert.Len(t, chainHash("", entry), 64)
}
