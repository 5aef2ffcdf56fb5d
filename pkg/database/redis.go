package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/redbco/redb-swarm/pkg/config"
)

// RedisConfig describes a standalone, sentinel or cluster deployment. One
// address with no MasterName is a plain client; MasterName selects sentinel
// failover; several addresses without it form a cluster.
type RedisConfig struct {
	Addrs        []string
	MasterName   string
	Username     string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
	MaxIdleTime  time.Duration
	DialTimeout  time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addrs:        []string{"localhost:6379"},
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxIdleTime:  5 * time.Minute,
		DialTimeout:  5 * time.Second,
	}
}

// RedisFromConfig reads database.redis.* keys over the defaults
func RedisFromConfig(cfg *config.Config) RedisConfig {
	rc := DefaultRedisConfig()
	if cfg == nil {
		return rc
	}
	if addrs := cfg.GetStrings("database.redis.addrs"); len(addrs) > 0 {
		rc.Addrs = addrs
	}
	rc.MasterName = cfg.Get("database.redis.master_name")
	rc.Username = cfg.Get("database.redis.username")
	rc.Password = cfg.Get("database.redis.password")
	rc.DB = cfg.GetInt("database.redis.db", rc.DB)
	rc.MaxRetries = cfg.GetInt("database.redis.max_retries", rc.MaxRetries)
	rc.PoolSize = cfg.GetInt("database.redis.pool_size", rc.PoolSize)
	rc.MinIdleConns = cfg.GetInt("database.redis.min_idle_conns", rc.MinIdleConns)
	rc.MaxIdleTime = cfg.GetDuration("database.redis.max_idle_time", rc.MaxIdleTime)
	rc.DialTimeout = cfg.GetDuration("database.redis.dial_timeout", rc.DialTimeout)
	return rc
}

func (cfg RedisConfig) universalOptions() (*redis.UniversalOptions, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("at least one redis address is required")
	}
	if len(cfg.Addrs) > 1 && cfg.MasterName == "" && cfg.DB != 0 {
		return nil, fmt.Errorf("redis cluster does not support database %d", cfg.DB)
	}
	return &redis.UniversalOptions{
		Addrs:           cfg.Addrs,
		MasterName:      cfg.MasterName,
		Username:        cfg.Username,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		ConnMaxIdleTime: cfg.MaxIdleTime,
		DialTimeout:     cfg.DialTimeout,
	}, nil
}

// Redis wraps a connected Redis client of any topology
type Redis struct {
	client redis.UniversalClient
}

// NewRedis connects and verifies the connection with a PING
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opts, err := cfg.universalOptions()
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %v: %w", cfg.Addrs, err)
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
