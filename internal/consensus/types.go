package consensus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Algorithm selects how proposals are resolved
type Algorithm string

const (
	AlgorithmRaft      Algorithm = "raft"
	AlgorithmPBFT      Algorithm = "pbft"
	AlgorithmStake     Algorithm = "pos"
	AlgorithmDelegated Algorithm = "dpos"
)

// ParseAlgorithm converts a configuration value to an Algorithm
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(s); a {
	case AlgorithmRaft, AlgorithmPBFT, AlgorithmStake, AlgorithmDelegated:
		return a, nil
	}
	return "", fmt.Errorf("unknown consensus algorithm: %s", s)
}

// Status is the lifecycle state of a proposal. Every status other than
// StatusPending is terminal.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusRejected
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final status
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Criticality raises the verification requirements of a proposal
type Criticality string

const (
	CriticalityNormal Criticality = "normal"
	CriticalityHigh   Criticality = "high"
)

// Role is a node's role in the leader-replicated log
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Proposal is a decision submitted for agreement
type Proposal struct {
	ID         string
	ProposerID string
	Payload    json.RawMessage
	// EligibleVoters restricts who may vote; empty means every participant
	// the algorithm recognizes
	EligibleVoters []string
	Criticality    Criticality
	// Deadline is absolute; zero applies the configured default timeout
	Deadline time.Time
}

// Vote is one voter's decision on a proposal
type Vote struct {
	ProposalID string
	VoterID    string
	Decision   bool
	Signature  []byte
}

// Result is the terminal outcome of a proposal
type Result struct {
	ProposalID string
	Algorithm  Algorithm
	Status     Status
	// Votes counts approving votes, or acknowledgments for the
	// leader-replicated log, at the moment of resolution
	Votes      int
	Rejections int
	// Quorum is the count or stake needed to approve
	Quorum uint64
	// ApprovedStake is the stake behind approving votes (stake-weighted only)
	ApprovedStake uint64
	// Prepares and Commits count approving messages per phase (Byzantine only)
	Prepares int
	Commits  int
	// CommitIndex is the leader's commit index after resolution (raft only)
	CommitIndex uint64
	SubmittedAt time.Time
	ResolvedAt  time.Time
}

// Elapsed returns how long the proposal was pending
func (r Result) Elapsed() time.Duration {
	return r.ResolvedAt.Sub(r.SubmittedAt)
}
