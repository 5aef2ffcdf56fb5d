package engine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"

	"github.com/redbco/redb-swarm/internal/consensus"
	"github.com/redbco/redb-swarm/internal/consensus/stores"
	"github.com/redbco/redb-swarm/internal/directory"
	"github.com/redbco/redb-swarm/internal/messages"
	"github.com/redbco/redb-swarm/internal/monitoring"
	"github.com/redbco/redb-swarm/internal/routing"
	"github.com/redbco/redb-swarm/internal/transport"
	"github.com/redbco/redb-swarm/internal/transport/mqtt"
	"github.com/redbco/redb-swarm/internal/transport/ws"
	"github.com/redbco/redb-swarm/pkg/database"
	"github.com/redbco/redb-swarm/pkg/health"
	"github.com/redbco/redb-swarm/pkg/logger"
)

// Options carries dependencies that are not read from configuration
type Options struct {
	Logger *logger.Logger
	Clock  clock.Clock
	// Transport replaces the configured transport, e.g. an in-process hub
	// endpoint in tests
	Transport transport.Transport
	// DisableServers skips the gRPC health and metrics listeners
	DisableServers bool

	OnResult func(consensus.Result)
	OnEvent  func(routing.Event)
}

// Node assembles one swarm member: transport, router, consensus engine,
// agent directory and the health and metrics servers
type Node struct {
	settings *Settings
	options  Options
	logger   *logger.Logger
	clock    clock.Clock

	transport  transport.Transport
	router     *routing.Router
	consensus  *consensus.Engine
	reputation *consensus.Reputation
	directory  directory.Source
	metrics    *monitoring.Metrics
	checker    *health.Checker

	raftStores *stores.RaftStores
	postgres   *database.PostgreSQL
	redis      *database.Redis

	grpcServer    *grpc.Server
	healthServer  *grpchealth.Server
	metricsServer *http.Server
	grpcAddr      net.Addr
	metricsAddr   net.Addr

	handlersMu sync.RWMutex
	handlers   map[string]transport.Handler

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds a node from settings. Storage connections are opened here;
// nothing is started until Start.
func New(ctx context.Context, settings *Settings, opts Options) (n *Node, err error) {
	if settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	n = &Node{
		settings: settings,
		options:  opts,
		logger:   opts.Logger,
		clock:    opts.Clock,
		metrics:  monitoring.NewMetrics(monitoring.DefaultNamespace),
		checker:  health.NewChecker(opts.Clock),
		handlers: make(map[string]transport.Handler),
	}
	defer func() {
		if err != nil {
			n.closeStorage()
		}
	}()

	if n.transport, err = n.buildTransport(); err != nil {
		return nil, err
	}
	n.transport.SetHandler(n.dispatch)

	if err = n.openStorage(ctx); err != nil {
		return nil, err
	}
	if err = n.buildReputation(ctx); err != nil {
		return nil, err
	}

	routerConfig := settings.Router
	routerConfig.LocalNode = settings.NodeID
	routerConfig.Logger = n.logger.With("component", "router")
	routerConfig.Transport = n.transport
	routerConfig.Clock = n.clock
	routerConfig.Reputation = n.reputation
	routerConfig.Observer = n.metrics
	routerConfig.Peers = n.transport.Peers
	n.router = routing.NewRouter(routerConfig)
	for _, r := range settings.Routes {
		var opts []routing.RouteOption
		if r.Strategy != "" {
			opts = append(opts, routing.WithStrategy(r.Strategy))
		}
		n.router.RegisterRoute(r.Pattern, r.Handler, r.Priority, opts...)
	}

	if n.consensus, err = n.buildConsensus(); err != nil {
		return nil, err
	}

	if n.directory, err = n.buildDirectory(); err != nil {
		return nil, err
	}

	n.registerHealthChecks()
	n.registerGauges()
	return n, nil
}

func (n *Node) buildTransport() (transport.Transport, error) {
	if n.options.Transport != nil {
		return n.options.Transport, nil
	}

	registry := transport.NewFactoryRegistry()
	registry.Register(transport.TypeInProc, transport.NewHub(0, n.logger).Factory())
	registry.Register(transport.TypeWebSocket, ws.Factory(n.settings.wsConfig(), n.logger))
	registry.Register(transport.TypeMQTT, mqtt.Factory(n.settings.MQTT, n.logger))
	return registry.Create(n.settings.Transport, n.settings.NodeID)
}

func (n *Node) openStorage(ctx context.Context) error {
	var err error
	if n.settings.Storage == stores.BackendPostgres {
		if n.postgres, err = database.New(ctx, n.settings.Postgres); err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}
	if n.settings.ReputationStore == "redis" {
		if n.redis, err = database.NewRedis(ctx, n.settings.Redis); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	if n.settings.Algorithm != consensus.AlgorithmRaft {
		return nil
	}
	n.raftStores, err = stores.OpenRaft(ctx, stores.Config{
		Backend:  n.settings.Storage,
		DataDir:  n.settings.DataDir,
		GroupID:  n.settings.NodeID,
		Postgres: n.postgres,
		Logger:   n.logger,
	})
	return err
}

func (n *Node) buildReputation(ctx context.Context) error {
	config := n.settings.Reputation
	config.Logger = n.logger.With("component", "reputation")
	if n.redis != nil {
		store, err := stores.NewRedisReputationStore(n.redis, n.logger, "")
		if err != nil {
			return err
		}
		config.Store = store
	}
	n.reputation = consensus.NewReputation(config)
	if config.Store != nil {
		if err := n.reputation.Load(ctx); err != nil {
			n.logger.Warn("Starting with default reputation: (error: %v)", err)
		}
	}
	return nil
}

func (n *Node) buildConsensus() (*consensus.Engine, error) {
	s := n.settings

	peers := s.Peers
	if len(peers) == 0 {
		for id := range s.PeerAddresses {
			peers = append(peers, id)
		}
		sort.Strings(peers)
	}

	var keyring *consensus.Keyring
	if len(s.PublicKeys) > 0 || s.SigningKey != nil {
		keyring = consensus.NewKeyring(nil)
		for id, key := range s.PublicKeys {
			if err := keyring.AddHex(id, key); err != nil {
				return nil, err
			}
		}
		if s.SigningKey != nil {
			keyring.Add(s.NodeID, s.SigningKey.Public().(ed25519.PublicKey))
		}
	}

	raftConfig := s.Raft
	if n.raftStores != nil {
		raftConfig.LogStore = n.raftStores.Log
		raftConfig.StableStore = n.raftStores.Stable
		raftConfig.SnapshotStore = n.raftStores.Snapshots
	}

	return consensus.New(consensus.Config{
		NodeID:            s.NodeID,
		Algorithm:         s.Algorithm,
		Peers:             peers,
		Logger:            n.logger.With("component", "consensus"),
		Clock:             n.clock,
		Transport:         n.transport,
		ProposalTimeout:   s.ProposalTimeout,
		MaxProposals:      s.MaxProposals,
		RequireSignatures: s.RequireSignatures,
		Keyring:           keyring,
		SigningKey:        s.SigningKey,
		Raft:              raftConfig,
		Stake:             s.Stake,
		Delegates:         s.Delegates,
		Reputation:        n.reputation,
		Observer:          n.metrics,
	})
}

func (n *Node) buildDirectory() (directory.Source, error) {
	if n.settings.Directory == "consul" {
		config := n.settings.Consul
		config.Logger = n.logger.With("component", "directory")
		config.Clock = n.clock
		return directory.NewConsul(config)
	}
	return directory.NewStatic(n.settings.Agents), nil
}

// Handle installs the handler for inbound messages of msgType. The type "*"
// receives messages no other handler claims.
func (n *Node) Handle(msgType string, h transport.Handler) {
	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()
	n.handlers[msgType] = h
}

// dispatch sends consensus channels to the engine and everything else to
// the registered handlers
func (n *Node) dispatch(ctx context.Context, msg *messages.Message) {
	if messages.IsConsensusChannel(msg.Type) {
		n.consensus.HandleMessage(ctx, msg)
		return
	}

	n.handlersMu.RLock()
	h, ok := n.handlers[msg.Type]
	if !ok {
		h, ok = n.handlers["*"]
	}
	n.handlersMu.RUnlock()

	if !ok {
		n.logger.Debug("No handler for inbound message: (message_id: %s, type: %s, from: %s)", msg.ID, msg.Type, msg.From)
		return
	}
	h(ctx, msg)
}

// Start starts the transport, router and consensus engine, then the
// background loops and servers
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("node already started")
	}
	if n.stopped {
		return fmt.Errorf("node stopped")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := n.transport.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start transport: %w", err)
	}
	if err := n.router.Start(runCtx); err != nil {
		cancel()
		n.transport.Stop()
		return fmt.Errorf("failed to start router: %w", err)
	}
	if err := n.consensus.Start(runCtx); err != nil {
		cancel()
		n.router.Stop()
		n.transport.Stop()
		return fmt.Errorf("failed to start consensus engine: %w", err)
	}

	var listeners []net.Listener
	if !n.options.DisableServers {
		var err error
		if listeners, err = n.listen(); err != nil {
			cancel()
			n.consensus.Stop()
			n.router.Stop()
			n.transport.Stop()
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return n.directory.Run(gctx, n.router) })
	g.Go(func() error { n.drainEvents(gctx); return nil })
	g.Go(func() error { n.drainResults(gctx); return nil })
	g.Go(func() error { n.healthLoop(gctx); return nil })
	if len(listeners) == 2 {
		g.Go(func() error { return n.serveGRPC(listeners[0]) })
		g.Go(func() error { return n.serveMetrics(listeners[1]) })
	}

	n.cancel = cancel
	n.group = g
	n.running = true
	n.logger.Info("Node started: (node: %s, transport: %s, algorithm: %s, strategy: %s)",
		n.settings.NodeID, n.settings.Transport, n.settings.Algorithm, n.router.Strategy())
	return nil
}

// Wait blocks until a background task fails or the node stops
func (n *Node) Wait() error {
	n.mu.Lock()
	g := n.group
	n.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop shuts the node down in reverse start order. Pending proposals time out
// and pending retries fail.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	running := n.running
	n.running = false
	cancel, g := n.cancel, n.group
	n.mu.Unlock()

	if !running {
		n.closeStorage()
		return nil
	}

	n.stopServers()
	cancel()

	var errs []error
	if err := n.consensus.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("consensus: %w", err))
	}
	if err := n.router.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	if err := n.transport.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	n.closeStorage()

	n.logger.Info("Node stopped: (node: %s)", n.settings.NodeID)
	return errors.Join(errs...)
}

func (n *Node) closeStorage() {
	if err := n.raftStores.Close(); err != nil {
		n.logger.Warn("Failed to close raft stores: (error: %v)", err)
	}
	if n.postgres != nil {
		n.postgres.Close()
	}
	if n.redis != nil {
		n.redis.Close()
	}
}

func (n *Node) drainEvents(ctx context.Context) {
	events := n.router.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == routing.EventFailed {
				n.logger.Warn("Message failed: (message_id: %s, destination: %s, attempts: %d, error: %v)", ev.MessageID, ev.Destination, ev.Attempts, ev.Err)
			}
			if n.options.OnEvent != nil {
				n.options.OnEvent(ev)
			}
		}
	}
}

func (n *Node) drainResults(ctx context.Context) {
	results := n.consensus.Results()
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-results:
			n.logger.Debug("Proposal resolved: (proposal_id: %s, status: %s, votes: %d)", res.ProposalID, res.Status, res.Votes)
			if n.options.OnResult != nil {
				n.options.OnResult(res)
			}
		}
	}
}

// Send routes msg from this node
func (n *Node) Send(ctx context.Context, msg *messages.Message) error {
	if msg.ID == "" {
		msg.ID = messages.NewID()
	}
	if msg.From == "" {
		msg.From = n.settings.NodeID
	}
	return n.router.Route(ctx, msg)
}

// Propose submits payload for agreement and waits for the outcome
func (n *Node) Propose(ctx context.Context, p consensus.Proposal) (consensus.Result, error) {
	return n.consensus.ProposeDecision(ctx, p)
}

// Vote casts a vote on behalf of voterID
func (n *Node) Vote(ctx context.Context, proposalID, voterID string, decision bool) error {
	return n.consensus.CastVote(ctx, proposalID, voterID, decision, nil)
}

func (n *Node) ID() string                     { return n.settings.NodeID }
func (n *Node) Router() *routing.Router        { return n.router }
func (n *Node) Consensus() *consensus.Engine   { return n.consensus }
func (n *Node) Metrics() *monitoring.Metrics   { return n.metrics }
func (n *Node) Health() *health.Checker        { return n.checker }
func (n *Node) Transport() transport.Transport { return n.transport }
