package stores

import (
	"fmt"
	"os"
	"path/filepath"

	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// BoltFileName is the log database file created inside the data directory
const BoltFileName = "raft.db"

// OpenBolt opens (creating if needed) the on-disk log and stable store for
// one node. The returned store serves as both raft.LogStore and
// raft.StableStore.
func OpenBolt(dir string) (*raftboltdb.BoltStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("bolt data directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	store, err := raftboltdb.NewBoltStore(filepath.Join(dir, BoltFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}
	return store, nil
}
