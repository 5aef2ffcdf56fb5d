package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/redbco/redb-swarm/internal/consensus"
	"github.com/redbco/redb-swarm/pkg/health"
)

// Health service names reported over gRPC besides the overall "" entry
const (
	ServiceRouter    = "swarm.router"
	ServiceConsensus = "swarm.consensus"
	ServiceTransport = "swarm.transport"
)

var checkServices = map[string]string{
	"router":    ServiceRouter,
	"consensus": ServiceConsensus,
	"transport": ServiceTransport,
}

const shutdownTimeout = 5 * time.Second

func (n *Node) registerHealthChecks() {
	n.checker.Register("router", func() error {
		stats := n.router.Stats()
		if stats.Destinations > 0 && stats.OpenCircuits >= stats.Destinations {
			return fmt.Errorf("all %d destinations have open circuits", stats.Destinations)
		}
		return nil
	})
	n.checker.Register("consensus", func() error {
		if st, ok := n.consensus.RaftState(); ok && st.LeaderID == "" {
			return fmt.Errorf("no known leader in term %d", st.Term)
		}
		if active, limit := n.consensus.Active(), n.consensus.MaxProposals(); active >= limit {
			return health.Degraded(fmt.Errorf("proposal cap reached: %d of %d", active, limit))
		}
		return nil
	})
	n.checker.Register("transport", func() error {
		n.mu.Lock()
		defer n.mu.Unlock()
		if !n.running {
			return fmt.Errorf("transport not started")
		}
		return nil
	})
}

func (n *Node) registerGauges() {
	n.metrics.Gauge("", "consensus", "active_proposals", "Proposals awaiting resolution", func() float64 {
		return float64(n.consensus.Active())
	})
	n.metrics.Gauge("", "router", "pending_retries", "Messages waiting for redelivery", func() float64 {
		return float64(n.router.Stats().PendingRetries)
	})
	n.metrics.Gauge("", "router", "open_circuits", "Destinations whose breaker is open", func() float64 {
		return float64(n.router.Stats().OpenCircuits)
	})
	n.metrics.Gauge("", "router", "agents", "Agents known to the directory", func() float64 {
		return float64(n.router.Stats().Agents)
	})
}

// checkHealth runs every check and publishes the outcome to the gRPC health
// service when one is running
func (n *Node) checkHealth() health.Status {
	overall := n.checker.Run()
	if n.healthServer == nil {
		return overall
	}

	for _, check := range n.checker.Checks() {
		if service, ok := checkServices[check.Name]; ok {
			n.healthServer.SetServingStatus(service, servingStatus(check.Status))
		}
	}
	n.healthServer.SetServingStatus("", servingStatus(overall))
	return overall
}

func servingStatus(s health.Status) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case health.StatusHealthy, health.StatusDegraded:
		return healthpb.HealthCheckResponse_SERVING
	case health.StatusUnhealthy:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

func (n *Node) healthLoop(ctx context.Context) {
	ticker := n.clock.Ticker(n.settings.HealthInterval)
	defer ticker.Stop()

	last := n.checkHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := n.checkHealth()
			if status != last {
				n.logger.Info("Node health changed: (node: %s, from: %s, to: %s)", n.settings.NodeID, last, status)
				last = status
			}
		}
	}
}

// listen binds the gRPC and metrics addresses so that bind errors surface
// from Start
func (n *Node) listen() ([]net.Listener, error) {
	grpcLis, err := net.Listen("tcp", n.settings.GRPCAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", n.settings.GRPCAddr, err)
	}
	metricsLis, err := net.Listen("tcp", n.settings.MetricsAddr)
	if err != nil {
		grpcLis.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", n.settings.MetricsAddr, err)
	}

	n.grpcAddr, n.metricsAddr = grpcLis.Addr(), metricsLis.Addr()

	n.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	n.healthServer = grpchealth.NewServer()
	healthpb.RegisterHealthServer(n.grpcServer, n.healthServer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	mux.HandleFunc("/healthz", n.serveHealthz)
	n.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return []net.Listener{grpcLis, metricsLis}, nil
}

// Addrs returns the bound gRPC and metrics addresses once started
func (n *Node) Addrs() (grpcAddr, metricsAddr net.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.grpcAddr, n.metricsAddr
}

func (n *Node) serveGRPC(lis net.Listener) error {
	n.logger.Info("gRPC health server listening: (addr: %s)", lis.Addr())
	if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server: %w", err)
	}
	return nil
}

func (n *Node) serveMetrics(lis net.Listener) error {
	n.logger.Info("Metrics server listening: (addr: %s)", lis.Addr())
	if err := n.metricsServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (n *Node) serveHealthz(w http.ResponseWriter, r *http.Request) {
	status := n.checker.Overall()
	if status == health.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintln(w, status)
	for _, check := range n.checker.Checks() {
		fmt.Fprintf(w, "%s: %s (%s)\n", check.Name, check.Status, check.Message)
	}
}

func (n *Node) stopServers() {
	if n.healthServer != nil {
		n.healthServer.Shutdown()
	}
	if n.grpcServer != nil {
		// health watch streams never finish on their own
		done := make(chan struct{})
		go func() {
			n.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			n.grpcServer.Stop()
		}
	}
	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.metricsServer.Shutdown(ctx); err != nil {
			n.logger.Warn("Metrics server shutdown failed: (error: %v)", err)
		}
	}
}

// Status summarizes the node for operators
type Status struct {
	NodeID    string
	Algorithm consensus.Algorithm
	Health    health.Status
	Raft      *consensus.RaftState
	Active    int
	Agents    int
	Retries   int
}

// Status reports the node's current state
func (n *Node) Status() Status {
	stats := n.router.Stats()
	s := Status{
		NodeID:    n.settings.NodeID,
		Algorithm: n.settings.Algorithm,
		Health:    n.checker.Overall(),
		Active:    n.consensus.Active(),
		Agents:    stats.Agents,
		Retries:   stats.PendingRetries,
	}
	if st, ok := n.consensus.RaftState(); ok {
		s.Raft = &st
	}
	return s
}
