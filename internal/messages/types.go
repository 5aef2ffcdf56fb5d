package messages

import (
	"encoding/json"
	"time"
)

// Priority defines message priority levels
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Consensus channels. Messages carrying consensus traffic use one of these as
// their Type and a ConsensusPayload as their payload.
const (
	ChannelProposal  = "consensus.proposal"
	ChannelVote      = "consensus.vote"
	ChannelHeartbeat = "consensus.heartbeat"
	ChannelElection  = "consensus.election"
)

// IsConsensusChannel reports whether msgType is one of the consensus channels
func IsConsensusChannel(msgType string) bool {
	switch msgType {
	case ChannelProposal, ChannelVote, ChannelHeartbeat, ChannelElection:
		return true
	}
	return false
}

// Message is the envelope exchanged between agents. Timestamp is Unix milliseconds;
// TTL, when non-zero, is a lifetime in milliseconds counted from Timestamp.
type Message struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Priority  Priority        `json:"priority,omitempty"`
	TTL       int64           `json:"ttl,omitempty"`
}

// UnmarshalPayload unmarshals the message payload into the provided value
func (m *Message) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// IsHighPriority reports whether the message asked for high priority handling
func (m *Message) IsHighPriority() bool {
	return m.Priority == PriorityHigh
}

// IsExpired checks if the message has exceeded its TTL at time now
func (m *Message) IsExpired(now time.Time) bool {
	if m.TTL <= 0 || m.Timestamp == 0 {
		return false
	}
	return now.UnixMilli() > m.Timestamp+m.TTL
}

// Clone returns a copy with its own payload buffer
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return &c
}

// ConsensusPayload is carried by every message on a consensus channel
type ConsensusPayload struct {
	Kind string          `json:"kind"`
	Term uint64          `json:"term,omitempty"`
	Data json.RawMessage `json:"data"`
}

// UnmarshalData unmarshals the consensus data into the provided value
func (c *ConsensusPayload) UnmarshalData(v interface{}) error {
	return json.Unmarshal(c.Data, v)
}

// Consensus payload kinds
const (
	KindRequestVote   = "request_vote"
	KindVoteResponse  = "vote_response"
	KindAppendEntries = "append_entries"
	KindAppendAck     = "append_ack"
	KindPrePrepare    = "pre_prepare"
	KindPrepare       = "prepare"
	KindCommit        = "commit"
	KindAnnounce      = "announce"
	KindBallot        = "ballot"
)

// RequestVoteMessage represents a vote request message
type RequestVoteMessage struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// VoteResponseMessage answers a RequestVoteMessage
type VoteResponseMessage struct {
	Term        uint64 `json:"term"`
	VoterID     string `json:"voter_id"`
	CandidateID string `json:"candidate_id"`
	Granted     bool   `json:"granted"`
}

// AppendEntriesMessage represents a log replication message. An empty Entries
// slice is a heartbeat.
type AppendEntriesMessage struct {
	Term         uint64     `json:"term"`
	LeaderID     string     `json:"leader_id"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries,omitempty"`
	LeaderCommit uint64     `json:"leader_commit"`
}

// AppendAckMessage is a follower's reply to AppendEntriesMessage
type AppendAckMessage struct {
	Term       uint64 `json:"term"`
	FollowerID string `json:"follower_id"`
	Success    bool   `json:"success"`
	MatchIndex uint64 `json:"match_index"`
}

// LogEntry represents a single replicated log entry
type LogEntry struct {
	Term       uint64          `json:"term"`
	Index      uint64          `json:"index"`
	ProposalID string          `json:"proposal_id"`
	Command    json.RawMessage `json:"command"`
	Hash       string          `json:"hash"`
}

// ProposalAnnouncement disseminates a proposal to voting nodes
type ProposalAnnouncement struct {
	ProposalID     string          `json:"proposal_id"`
	ProposerID     string          `json:"proposer_id"`
	Payload        json.RawMessage `json:"payload"`
	Digest         string          `json:"digest"`
	EligibleVoters []string        `json:"eligible_voters,omitempty"`
	Critical       bool            `json:"critical,omitempty"`
	Deadline       int64           `json:"deadline"`
}

// VoteMessage carries a single vote or a Byzantine phase message
type VoteMessage struct {
	ProposalID string `json:"proposal_id"`
	VoterID    string `json:"voter_id"`
	Decision   bool   `json:"decision"`
	Signature  []byte `json:"signature,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// ConsensusTag is merged into payloads routed with the consensus-required strategy
type ConsensusTag struct {
	RequiresConsensus bool     `json:"requiresConsensus"`
	ConsensusGroup    []string `json:"consensusGroup"`
}
