package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redbco/redb-swarm/pkg/config"
)

// PostgreSQL represents a PostgreSQL database connection
type PostgreSQL struct {
	pool *pgxpool.Pool
}

type PostgreSQLConfig struct {
	User              string
	Password          string
	Host              string
	Port              int
	Database          string
	SSLMode           string
	MaxConnections    int32
	ConnectionTimeout time.Duration
}

// DefaultPostgreSQLConfig returns a configuration for a local development database
func DefaultPostgreSQLConfig() PostgreSQLConfig {
	return PostgreSQLConfig{
		User:              "swarm",
		Password:          "swarm",
		Host:              "localhost",
		Port:              5432,
		Database:          "swarm",
		SSLMode:           "disable",
		MaxConnections:    10,
		ConnectionTimeout: 5 * time.Second,
	}
}

// PostgreSQLFromConfig reads database.postgres.* keys over the defaults
func PostgreSQLFromConfig(cfg *config.Config) PostgreSQLConfig {
	def := DefaultPostgreSQLConfig()
	if cfg == nil {
		return def
	}
	return PostgreSQLConfig{
		User:              cfg.GetString("database.postgres.user", def.User),
		Password:          cfg.GetString("database.postgres.password", def.Password),
		Host:              cfg.GetString("database.postgres.host", def.Host),
		Port:              cfg.GetInt("database.postgres.port", def.Port),
		Database:          cfg.GetString("database.postgres.name", def.Database),
		SSLMode:           cfg.GetString("database.postgres.sslmode", def.SSLMode),
		MaxConnections:    int32(cfg.GetInt("database.postgres.max_connections", int(def.MaxConnections))),
		ConnectionTimeout: cfg.GetDuration("database.postgres.connection_timeout", def.ConnectionTimeout),
	}
}

// New creates a new PostgreSQL instance
func New(ctx context.Context, cfg PostgreSQLConfig) (*PostgreSQL, error) {
	poolConfig, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgreSQL{pool: pool}, nil
}

func (cfg PostgreSQLConfig) poolConfig() (*pgxpool.Config, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("database host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("database user is required")
	}

	// sslmode is the only setting passed through the connection string; pgx
	// derives its TLS configuration from it
	connString := ""
	if cfg.SSLMode != "" {
		connString = "sslmode=" + cfg.SSLMode
	}
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection config: %w", err)
	}

	// Set connection parameters individually to avoid URL parsing issues
	poolConfig.ConnConfig.Host = cfg.Host
	poolConfig.ConnConfig.Port = uint16(cfg.Port)
	poolConfig.ConnConfig.Database = cfg.Database
	poolConfig.ConnConfig.User = cfg.User
	poolConfig.ConnConfig.Password = cfg.Password
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout
	for _, fb := range poolConfig.ConnConfig.Fallbacks {
		fb.Host = cfg.Host
		fb.Port = uint16(cfg.Port)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	return poolConfig, nil
}

// Pool returns the underlying connection pool
func (db *PostgreSQL) Pool() *pgxpool.Pool {
	return db.pool
}

// Close closes the database connection pool
func (db *PostgreSQL) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}
