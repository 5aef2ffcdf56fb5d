package engine

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redbco/redb-swarm/internal/breaker"
	"github.com/redbco/redb-swarm/internal/consensus"
	"github.com/redbco/redb-swarm/internal/consensus/stores"
	"github.com/redbco/redb-swarm/internal/directory"
	"github.com/redbco/redb-swarm/internal/routing"
	"github.com/redbco/redb-swarm/internal/transport"
	"github.com/redbco/redb-swarm/internal/transport/mqtt"
	"github.com/redbco/redb-swarm/internal/transport/ws"
	"github.com/redbco/redb-swarm/pkg/config"
	"github.com/redbco/redb-swarm/pkg/database"
)

const (
	DefaultGRPCAddr    = ":7400"
	DefaultMetricsAddr = ":7401"
	DefaultListenAddr  = ":7402"

	DefaultHealthInterval = 10 * time.Second
)

// Settings is the typed node configuration read from a flattened config
type Settings struct {
	NodeID string
	Peers  []string

	Transport     transport.Type
	ListenAddr    string
	PeerAddresses map[string]string
	MQTT          mqtt.Config

	Router routing.RouterConfig
	Routes []RouteSpec

	Algorithm         consensus.Algorithm
	ProposalTimeout   time.Duration
	MaxProposals      int
	RequireSignatures bool
	SigningKey        ed25519.PrivateKey
	PublicKeys        map[string]string
	Stake             consensus.StakeConfig
	Delegates         []string
	Raft              consensus.RaftConfig
	Reputation        consensus.ReputationConfig

	Storage         stores.Backend
	DataDir         string
	ReputationStore string
	Postgres        database.PostgreSQLConfig
	Redis           database.RedisConfig

	Directory string
	Agents    []directory.Agent
	Consul    directory.ConsulConfig

	GRPCAddr       string
	MetricsAddr    string
	HealthInterval time.Duration
}

// RouteSpec is a route registered on the router at startup
type RouteSpec struct {
	Pattern  string
	Handler  string
	Priority int
	Strategy routing.StrategyKind
}

// DefaultRoute sends any message addressed to a single destination to that
// destination. It is installed when no routes are configured.
var DefaultRoute = RouteSpec{Pattern: routing.Wildcard, Handler: "default"}

// SettingsFromConfig reads and validates node settings
func SettingsFromConfig(cfg *config.Config) (*Settings, error) {
	s := &Settings{
		NodeID:          cfg.Get("node.id"),
		Peers:           cfg.GetStrings("node.peers"),
		Transport:       transport.Type(cfg.GetString("transport.type", string(transport.TypeInProc))),
		ListenAddr:      cfg.GetString("transport.listen_addr", DefaultListenAddr),
		PeerAddresses:   make(map[string]string),
		ProposalTimeout: cfg.GetDuration("consensus.proposal_timeout", consensus.DefaultProposalTimeout),
		MaxProposals:    cfg.GetInt("consensus.max_proposals", consensus.DefaultMaxProposals),
		Delegates:       cfg.GetStrings("consensus.delegates"),
		Storage:         stores.Backend(cfg.GetString("consensus.storage", string(stores.BackendMemory))),
		DataDir:         cfg.GetString("consensus.data_dir", "data"),
		ReputationStore: cfg.GetString("consensus.reputation_store", "memory"),
		Directory:       cfg.GetString("directory.type", "static"),
		GRPCAddr:        cfg.GetString("server.grpc_addr", DefaultGRPCAddr),
		MetricsAddr:     cfg.GetString("server.metrics_addr", DefaultMetricsAddr),
		HealthInterval:  cfg.GetDuration("server.health_interval", DefaultHealthInterval),
		Postgres:        database.PostgreSQLFromConfig(cfg),
		Redis:           database.RedisFromConfig(cfg),
	}
	if s.NodeID == "" {
		return nil, fmt.Errorf("node.id is required")
	}

	switch s.Storage {
	case stores.BackendMemory, stores.BackendBolt, stores.BackendPostgres:
	default:
		return nil, fmt.Errorf("unknown consensus storage backend: %s", s.Storage)
	}
	if s.ReputationStore != "memory" && s.ReputationStore != "redis" {
		return nil, fmt.Errorf("unknown reputation store: %s", s.ReputationStore)
	}

	switch s.Transport {
	case transport.TypeInProc, transport.TypeWebSocket, transport.TypeMQTT:
	default:
		return nil, fmt.Errorf("unknown transport type: %s", s.Transport)
	}
	for _, peer := range cfg.Indexed("transport.peers") {
		if peer["id"] == "" || peer["addr"] == "" {
			return nil, fmt.Errorf("transport.peers entries need id and addr")
		}
		s.PeerAddresses[peer["id"]] = peer["addr"]
	}
	s.MQTT = mqtt.Config{
		NodeID:         s.NodeID,
		Broker:         cfg.GetString("transport.mqtt.broker", "tcp://localhost:1883"),
		TopicPrefix:    cfg.Get("transport.mqtt.topic_prefix"),
		Peers:          s.Peers,
		QoS:            byte(cfg.GetInt("transport.mqtt.qos", 1)),
		Username:       cfg.Get("transport.mqtt.username"),
		Password:       cfg.Get("transport.mqtt.password"),
		ConnectTimeout: cfg.GetDuration("transport.mqtt.connect_timeout", 0),
	}

	strategy, err := routing.ParseStrategy(cfg.GetString("router.strategy", string(routing.StrategyDirect)))
	if err != nil {
		return nil, err
	}
	s.Router = routing.RouterConfig{
		LocalNode: s.NodeID,
		Strategy:  strategy,
		Breaker: breaker.Config{
			FailureThreshold: cfg.GetInt("router.breaker.failure_threshold", 0),
			RecoveryTimeout:  cfg.GetDuration("router.breaker.recovery_timeout", 0),
		},
		Retry: routing.RetryPolicy{
			MaxRetries:  cfg.GetInt("router.max_retries", 0),
			BaseBackoff: cfg.GetDuration("router.backoff_base", 0),
			MaxBackoff:  cfg.GetDuration("router.backoff_max", 0),
			Horizon:     cfg.GetDuration("router.retry_horizon", 0),
		},
		MaxPayloadSize:   cfg.GetInt("router.max_payload_size", 0),
		LatencyThreshold: cfg.GetDuration("router.latency_threshold", 0),
		TuneInterval:     cfg.GetDuration("router.tune_interval", 0),
		SweepInterval:    cfg.GetDuration("router.sweep_interval", 0),
		SendTimeout:      cfg.GetDuration("router.send_timeout", 0),
	}

	for _, r := range cfg.Indexed("router.routes") {
		spec := RouteSpec{Pattern: r["pattern"], Handler: r["handler"]}
		if spec.Pattern == "" || spec.Handler == "" {
			return nil, fmt.Errorf("router.routes entries need pattern and handler")
		}
		if r["priority"] != "" {
			if _, err := fmt.Sscan(r["priority"], &spec.Priority); err != nil {
				return nil, fmt.Errorf("invalid priority for route %s: %w", spec.Pattern, err)
			}
		}
		if r["strategy"] != "" {
			if spec.Strategy, err = routing.ParseStrategy(r["strategy"]); err != nil {
				return nil, err
			}
		}
		s.Routes = append(s.Routes, spec)
	}
	if len(s.Routes) == 0 {
		s.Routes = []RouteSpec{DefaultRoute}
	}

	if s.Algorithm, err = consensus.ParseAlgorithm(cfg.GetString("consensus.algorithm", string(consensus.AlgorithmRaft))); err != nil {
		return nil, err
	}
	s.RequireSignatures = cfg.GetBool("consensus.require_signatures", false)
	if seed := cfg.Get("consensus.signing_key"); seed != "" {
		raw, err := hex.DecodeString(seed)
		if err != nil || len(raw) != ed25519.SeedSize {
			return nil, fmt.Errorf("consensus.signing_key must be a hex encoded %d byte seed", ed25519.SeedSize)
		}
		s.SigningKey = ed25519.NewKeyFromSeed(raw)
	}
	s.PublicKeys = make(map[string]string)
	for _, k := range cfg.Indexed("consensus.keys") {
		s.PublicKeys[k["id"]] = k["public_key"]
	}

	s.Stake = consensus.StakeConfig{
		Stakes:   make(map[string]uint64),
		MinStake: cfg.GetUint64("consensus.min_stake", 0),
	}
	for _, v := range cfg.Indexed("consensus.validators") {
		var stake uint64
		if _, err := fmt.Sscan(v["stake"], &stake); err != nil || v["id"] == "" {
			return nil, fmt.Errorf("invalid consensus validator entry: %v", v)
		}
		s.Stake.Stakes[v["id"]] = stake
	}

	s.Raft = consensus.RaftConfig{
		ElectionTimeoutMin: cfg.GetDuration("consensus.raft.election_timeout_min", 0),
		ElectionTimeoutMax: cfg.GetDuration("consensus.raft.election_timeout_max", 0),
		HeartbeatInterval:  cfg.GetDuration("consensus.raft.heartbeat_interval", 0),
		MaxAppendEntries:   cfg.GetInt("consensus.raft.max_append_entries", 0),
		SnapshotThreshold:  cfg.GetUint64("consensus.raft.snapshot_threshold", 0),
	}
	s.Reputation = consensus.ReputationConfig{
		Initial: cfg.GetFloat("consensus.reputation.initial", 0),
		Reward:  cfg.GetFloat("consensus.reputation.reward", 0),
		Penalty: cfg.GetFloat("consensus.reputation.penalty", 0),
	}

	switch s.Directory {
	case "static":
		for _, a := range cfg.Indexed("directory.agents") {
			if a["id"] == "" {
				return nil, fmt.Errorf("directory.agents entries need an id")
			}
			s.Agents = append(s.Agents, directory.Agent{ID: a["id"], Capabilities: splitList(a["capabilities"])})
		}
	case "consul":
		s.Consul = directory.ConsulConfig{
			Address:  cfg.Get("directory.consul.address"),
			Token:    cfg.Get("directory.consul.token"),
			Service:  cfg.Get("directory.consul.service"),
			WaitTime: cfg.GetDuration("directory.consul.wait_time", 0),
		}
	default:
		return nil, fmt.Errorf("unknown directory type: %s", s.Directory)
	}
	return s, nil
}

// wsConfig derives the WebSocket transport configuration
func (s *Settings) wsConfig() ws.TransportConfig {
	return ws.TransportConfig{
		NodeID:     s.NodeID,
		ListenAddr: s.ListenAddr,
		Peers:      s.PeerAddresses,
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
