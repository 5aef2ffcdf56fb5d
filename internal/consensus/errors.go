package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is matched by NotLeaderError
	ErrNotLeader = errors.New("not the leader")
	// ErrInvalidVote is matched by InvalidVoteError
	ErrInvalidVote = errors.New("invalid vote")
	// ErrUnknownProposal is wrapped by InvalidVoteError for unknown proposal IDs
	ErrUnknownProposal = errors.New("unknown proposal")
	// ErrIneligibleVoter is wrapped by InvalidVoteError for voters outside the eligible set
	ErrIneligibleVoter = errors.New("ineligible voter")
	// ErrInvalidSignature is wrapped by InvalidVoteError when a required signature does not verify
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMaxProposals is matched by MaxProposalsExceededError
	ErrMaxProposals = errors.New("max active proposals exceeded")
	// ErrEngineStopped is returned after Stop
	ErrEngineStopped = errors.New("consensus engine stopped")
	// ErrDuplicateProposal is returned when a proposal ID is already tracked
	ErrDuplicateProposal = errors.New("duplicate proposal")
	// ErrNoEligibleVoters is returned when no configured voter may vote on a proposal
	ErrNoEligibleVoters = errors.New("no eligible voters")
	// ErrSenderMismatch is wrapped by InvalidVoteError when an unsigned phase message names a voter other than its sender
	ErrSenderMismatch = errors.New("voter does not match sender")
)

// NotLeaderError is returned when a non-leader originates a leader-replicated proposal
type NotLeaderError struct {
	NodeID string
	// LeaderID is the last known leader; empty when none is known
	LeaderID string
	Term     uint64
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return fmt.Sprintf("node %s is not the leader (term: %d, leader unknown)", e.NodeID, e.Term)
	}
	return fmt.Sprintf("node %s is not the leader (term: %d, leader: %s)", e.NodeID, e.Term, e.LeaderID)
}

func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

// InvalidVoteError rejects a vote without disturbing the proposal
type InvalidVoteError struct {
	ProposalID string
	VoterID    string
	Err        error
}

func (e *InvalidVoteError) Error() string {
	return fmt.Sprintf("invalid vote from %s on proposal %s: %v", e.VoterID, e.ProposalID, e.Err)
}

func (e *InvalidVoteError) Unwrap() error {
	return e.Err
}

func (e *InvalidVoteError) Is(target error) bool {
	return target == ErrInvalidVote
}

// MaxProposalsExceededError rejects a submission when too many proposals are pending
type MaxProposalsExceededError struct {
	Limit int
}

func (e *MaxProposalsExceededError) Error() string {
	return fmt.Sprintf("max active proposals exceeded (limit: %d)", e.Limit)
}

func (e *MaxProposalsExceededError) Is(target error) bool {
	return target == ErrMaxProposals
}

func invalidVote(v Vote, err error) *InvalidVoteError {
	return &InvalidVoteError{ProposalID: v.ProposalID, VoterID: v.VoterID, Err: err}
}
