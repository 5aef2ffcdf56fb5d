package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redbco/redb-swarm/pkg/database"
	"github.com/redbco/redb-swarm/pkg/logger"
)

// DefaultQueryTimeout bounds every statement issued by the PostgreSQL stores
const DefaultQueryTimeout = 5 * time.Second

// PostgresLogStore implements raft.LogStore on a PostgreSQL table. Several
// nodes may share one database; rows are partitioned by group ID.
type PostgresLogStore struct {
	pool    *pgxpool.Pool
	logger  *logger.Logger
	groupID string
	timeout time.Duration
	mu      sync.RWMutex
}

// NewPostgresLogStore creates a PostgreSQL log store and its table
func NewPostgresLogStore(ctx context.Context, db *database.PostgreSQL, logger *logger.Logger, groupID string) (*PostgresLogStore, error) {
	pool, err := poolFor(db, groupID)
	if err != nil {
		return nil, err
	}

	store := &PostgresLogStore{
		pool:    pool,
		logger:  logger,
		groupID: groupID,
		timeout: DefaultQueryTimeout,
	}
	if err := store.initializeTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize log store table: %w", err)
	}
	return store, nil
}

func poolFor(db *database.PostgreSQL, groupID string) (*pgxpool.Pool, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("group ID is required")
	}
	pool := db.Pool()
	if pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}
	return pool, nil
}

func (s *PostgresLogStore) initializeTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS swarm_raft_logs (
			group_id   VARCHAR(255) NOT NULL,
			log_index  BIGINT NOT NULL,
			log_term   BIGINT NOT NULL,
			log_type   SMALLINT NOT NULL,
			log_data   BYTEA,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (group_id, log_index)
		);
	`
	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresLogStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// FirstIndex returns the first index written, or 0 for an empty log
func (s *PostgresLogStore) FirstIndex() (uint64, error) {
	return s.boundary(`SELECT MIN(log_index) FROM swarm_raft_logs WHERE group_id = $1`)
}

// LastIndex returns the last index written, or 0 for an empty log
func (s *PostgresLogStore) LastIndex() (uint64, error) {
	return s.boundary(`SELECT MAX(log_index) FROM swarm_raft_logs WHERE group_id = $1`)
}

func (s *PostgresLogStore) boundary(query string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.context()
	defer cancel()

	var index *int64
	if err := s.pool.QueryRow(ctx, query, s.groupID).Scan(&index); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read log boundary: %w", err)
	}
	if index == nil {
		return 0, nil
	}
	return uint64(*index), nil
}

// GetLog gets a log entry at a given index
func (s *PostgresLogStore) GetLog(index uint64, log *raft.Log) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.context()
	defer cancel()

	query := `SELECT log_term, log_type, log_data FROM swarm_raft_logs WHERE group_id = $1 AND log_index = $2`

	var term int64
	var logType int16
	var data []byte
	err := s.pool.QueryRow(ctx, query, s.groupID, int64(index)).Scan(&term, &logType, &data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return raft.ErrLogNotFound
		}
		return fmt.Errorf("failed to get log at index %d: %w", index, err)
	}

	log.Index = index
	log.Term = uint64(term)
	log.Type = raft.LogType(logType)
	log.Data = data
	return nil
}

// StoreLog stores a log entry
func (s *PostgresLogStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores multiple log entries in one transaction
func (s *PostgresLogStore) StoreLogs(logs []*raft.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.context()
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO swarm_raft_logs (group_id, log_index, log_term, log_type, log_data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (group_id, log_index) DO UPDATE SET
			log_term = EXCLUDED.log_term,
			log_type = EXCLUDED.log_type,
			log_data = EXCLUDED.log_data
	`
	batch := &pgx.Batch{}
	for _, log := range logs {
		batch.Queue(query, s.groupID, int64(log.Index), int64(log.Term), int16(log.Type), log.Data)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store %d log entries: %w", len(logs), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit log entries: %w", err)
	}
	return nil
}

// DeleteRange deletes log entries in [min, max]
func (s *PostgresLogStore) DeleteRange(min, max uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.context()
	defer cancel()

	query := `DELETE FROM swarm_raft_logs WHERE group_id = $1 AND log_index >= $2 AND log_index <= $3`
	if _, err := s.pool.Exec(ctx, query, s.groupID, int64(min), int64(max)); err != nil {
		return fmt.Errorf("failed to delete logs from %d to %d: %w", min, max, err)
	}
	s.logger.Debug("Deleted raft log range: (group: %s, from: %d, to: %d)", s.groupID, min, max)
	return nil
}
