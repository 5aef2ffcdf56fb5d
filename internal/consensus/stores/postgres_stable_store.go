package stores

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redbco/redb-swarm/pkg/database"
	"github.com/redbco/redb-swarm/pkg/logger"
)

// ErrKeyNotFound is returned by the stable stores for missing keys. It is the
// bolt store's sentinel, so errors.Is matches both backends.
var ErrKeyNotFound = raftboltdb.ErrKeyNotFound

// PostgresStableStore implements raft.StableStore on a PostgreSQL table
type PostgresStableStore struct {
	pool    *pgxpool.Pool
	logger  *logger.Logger
	groupID string
	timeout time.Duration
}

// NewPostgresStableStore creates a PostgreSQL stable store and its table
func NewPostgresStableStore(ctx context.Context, db *database.PostgreSQL, logger *logger.Logger, groupID string) (*PostgresStableStore, error) {
	pool, err := poolFor(db, groupID)
	if err != nil {
		return nil, err
	}

	store := &PostgresStableStore{
		pool:    pool,
		logger:  logger,
		groupID: groupID,
		timeout: DefaultQueryTimeout,
	}

	query := `
		CREATE TABLE IF NOT EXISTS swarm_raft_stable (
			group_id   VARCHAR(255) NOT NULL,
			key_name   VARCHAR(255) NOT NULL,
			value      BYTEA,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (group_id, key_name)
		);
	`
	if _, err := pool.Exec(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to initialize stable store table: %w", err)
	}
	return store, nil
}

// Set sets a key to a value
func (s *PostgresStableStore) Set(key []byte, val []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	query := `
		INSERT INTO swarm_raft_stable (group_id, key_name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, key_name) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.pool.Exec(ctx, query, s.groupID, string(key), val); err != nil {
		return fmt.Errorf("failed to set value for key %s: %w", key, err)
	}
	return nil
}

// Get gets a value for a key
func (s *PostgresStableStore) Get(key []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	query := `SELECT value FROM swarm_raft_stable WHERE group_id = $1 AND key_name = $2`

	var value []byte
	if err := s.pool.QueryRow(ctx, query, s.groupID, string(key)).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get value for key %s: %w", key, err)
	}
	return value, nil
}

// SetUint64 stores val big-endian, the same encoding the bolt store uses
func (s *PostgresStableStore) SetUint64(key []byte, val uint64) error {
	return s.Set(key, encodeUint64(val))
}

// GetUint64 gets a uint64 value for a key
func (s *PostgresStableStore) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	return decodeUint64(val)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid uint64 encoding: %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
