package stores

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/redbco/redb-swarm/pkg/database"
	"github.com/redbco/redb-swarm/pkg/logger"
)

// DefaultReputationKey is the hash holding agent scores
const DefaultReputationKey = "swarm:reputation"

// RedisReputationStore persists reputation scores in a Redis hash keyed by
// agent ID
type RedisReputationStore struct {
	client redis.UniversalClient
	logger *logger.Logger
	key    string
}

// NewRedisReputationStore creates a reputation store on an open Redis connection
func NewRedisReputationStore(redisDB *database.Redis, logger *logger.Logger, key string) (*RedisReputationStore, error) {
	if redisDB == nil {
		return nil, fmt.Errorf("redis connection is required")
	}
	client := redisDB.Client()
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		key = DefaultReputationKey
	}
	return &RedisReputationStore{client: client, logger: logger, key: key}, nil
}

// LoadReputation returns every stored score. Unparseable values are skipped.
func (s *RedisReputationStore) LoadReputation(ctx context.Context) (map[string]float64, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load reputation from %s: %w", s.key, err)
	}

	scores := make(map[string]float64, len(values))
	for agentID, raw := range values {
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.logger.Warn("Skipping stored reputation: (agent: %s, value: %q, error: %v)", agentID, raw, err)
			continue
		}
		scores[agentID] = score
	}
	return scores, nil
}

// SaveReputation stores one agent's score
func (s *RedisReputationStore) SaveReputation(ctx context.Context, agentID string, score float64) error {
	value := strconv.FormatFloat(score, 'f', -1, 64)
	if err := s.client.HSet(ctx, s.key, agentID, value).Err(); err != nil {
		return fmt.Errorf("failed to save reputation for %s: %w", agentID, err)
	}
	return nil
}
