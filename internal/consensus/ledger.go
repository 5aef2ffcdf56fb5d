package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/redbco/redb-swarm/internal/messages"
	"github.com/redbco/redb-swarm/pkg/logger"
)

// Decision is a committed log entry as applied to the ledger
type Decision struct {
	ProposalID string          `json:"proposal_id"`
	Command    json.RawMessage `json:"command"`
	Index      uint64          `json:"index"`
	Term       uint64          `json:"term"`
	Hash       string          `json:"hash"`
}

// LedgerState is the replicated state of the leader-replicated log
type LedgerState struct {
	Decisions map[string]Decision `json:"decisions"`
	LastIndex uint64              `json:"last_index"`
	LastTerm  uint64              `json:"last_term"`
}

// Ledger is the state machine committed entries are applied to. It implements
// raft.FSM and applies every index at most once.
type Ledger struct {
	logger  *logger.Logger
	onApply func(Decision)

	mu    sync.RWMutex
	state *LedgerState
}

// NewLedger creates an empty ledger. onApply, if set, runs once per applied entry.
func NewLedger(logger *logger.Logger, onApply func(Decision)) *Ledger {
	return &Ledger{
		logger:  logger,
		onApply: onApply,
		state:   &LedgerState{Decisions: make(map[string]Decision)},
	}
}

// Apply applies a committed log entry
func (l *Ledger) Apply(log *raft.Log) interface{} {
	var entry messages.LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		l.logger.Error("Failed to unmarshal log entry: (error: %v, index: %d, term: %d)", err, log.Index, log.Term)
		return err
	}

	l.mu.Lock()
	if log.Index <= l.state.LastIndex {
		l.mu.Unlock()
		return nil
	}
	d := Decision{
		ProposalID: entry.ProposalID,
		Command:    entry.Command,
		Index:      log.Index,
		Term:       log.Term,
		Hash:       entry.Hash,
	}
	l.state.Decisions[d.ProposalID] = d
	l.state.LastIndex = log.Index
	l.state.LastTerm = log.Term
	l.mu.Unlock()

	l.logger.Debug("Applied decision: (proposal_id: %s, index: %d, term: %d)", d.ProposalID, d.Index, d.Term)
	if l.onApply != nil {
		l.onApply(d)
	}
	return d
}

// Decision returns the applied decision for a proposal
func (l *Ledger) Decision(proposalID string) (Decision, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.state.Decisions[proposalID]
	return d, ok
}

// LastApplied returns the index of the last applied entry
func (l *Ledger) LastApplied() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.LastIndex
}

// Len returns the number of applied decisions
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.state.Decisions)
}

// Snapshot returns a point-in-time copy of the ledger
func (l *Ledger) Snapshot() (raft.FSMSnapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stateCopy := &LedgerState{
		Decisions: make(map[string]Decision, len(l.state.Decisions)),
		LastIndex: l.state.LastIndex,
		LastTerm:  l.state.LastTerm,
	}
	for id, d := range l.state.Decisions {
		stateCopy.Decisions[id] = d
	}
	return &ledgerSnapshot{state: stateCopy}, nil
}

// Restore replaces the ledger with a persisted snapshot
func (l *Ledger) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state LedgerState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if state.Decisions == nil {
		state.Decisions = make(map[string]Decision)
	}

	l.mu.Lock()
	l.state = &state
	l.mu.Unlock()

	l.logger.Info("Restored ledger from snapshot: (last_index: %d, last_term: %d)", state.LastIndex, state.LastTerm)
	return nil
}

type ledgerSnapshot struct {
	state *LedgerState
}

func (s *ledgerSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return sink.Close()
}

func (s *ledgerSnapshot) Release() {}
