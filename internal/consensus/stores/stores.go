package stores

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/redbco/redb-swarm/pkg/database"
	"github.com/redbco/redb-swarm/pkg/logger"
)

// Backend names a log and stable store implementation
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendBolt     Backend = "bolt"
	BackendPostgres Backend = "postgres"
)

// Config selects and configures the raft stores of one node
type Config struct {
	Backend Backend
	// DataDir holds the bolt database and ledger snapshots
	DataDir string
	// GroupID partitions rows in a shared PostgreSQL database, normally the node ID
	GroupID  string
	Postgres *database.PostgreSQL
	Logger   *logger.Logger
}

// SnapshotRetain is the number of ledger snapshots kept on disk
const SnapshotRetain = 2

// RaftStores is an opened log and stable store pair. Snapshots is set only
// for backends with a local data directory.
type RaftStores struct {
	Log       raft.LogStore
	Stable    raft.StableStore
	Snapshots raft.SnapshotStore
	closer    io.Closer
}

// Close releases the underlying storage. The PostgreSQL pool is owned by the
// caller and stays open.
func (s *RaftStores) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// OpenRaft opens the stores named by cfg.Backend; an empty backend is memory
func OpenRaft(ctx context.Context, cfg Config) (*RaftStores, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		store := raft.NewInmemStore()
		return &RaftStores{Log: store, Stable: store}, nil

	case BackendBolt:
		store, err := OpenBolt(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		snaps, err := raft.NewFileSnapshotStore(cfg.DataDir, SnapshotRetain, cfg.Logger.With("component", "snapshots").Writer(logger.LevelInfo))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to open snapshot store: %w", err)
		}
		cfg.Logger.Info("Opened bolt raft store: (dir: %s)", cfg.DataDir)
		return &RaftStores{Log: store, Stable: store, Snapshots: snaps, closer: store}, nil

	case BackendPostgres:
		logs, err := NewPostgresLogStore(ctx, cfg.Postgres, cfg.Logger, cfg.GroupID)
		if err != nil {
			return nil, err
		}
		stable, err := NewPostgresStableStore(ctx, cfg.Postgres, cfg.Logger, cfg.GroupID)
		if err != nil {
			return nil, err
		}
		cfg.Logger.Info("Opened postgres raft store: (group: %s)", cfg.GroupID)
		return &RaftStores{Log: logs, Stable: stable}, nil

	default:
		return nil, fmt.Errorf("unknown consensus storage backend: %s", cfg.Backend)
	}
}
