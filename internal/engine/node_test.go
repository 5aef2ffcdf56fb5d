package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/redbco/redb-swarm/internal/consensus"
	"github.com/redbco/redb-swarm/internal/directory"
	"github.com/redbco/redb-swarm/internal/messages"
	"github.com/redbco/redb-swarm/internal/routing"
	"github.com/redbco/redb-swarm/internal/transport"
	swarmgrpc "github.com/redbco/redb-swarm/pkg/grpc"
	"github.com/redbco/redb-swarm/pkg/health"
	"github.com/redbco/redb-swarm/pkg/logger"
)

func testSettings(nodeID string, peers []string) *Settings {
	return &Settings{
		NodeID:          nodeID,
		Peers:           peers,
		Transport:       transport.TypeInProc,
		Router:          routing.RouterConfig{Strategy: routing.StrategyDirect},
		Routes:          []RouteSpec{DefaultRoute},
		Algorithm:       consensus.AlgorithmRaft,
		ProposalTimeout: 5 * time.Second,
		Directory:       "static",
		ReputationStore: "memory",
		GRPCAddr:        "127.0.0.1:0",
		MetricsAddr:     "127.0.0.1:0",
		HealthInterval:  20 * time.Millisecond,
	}
}

func newTestCluster(t *testing.T, n int) ([]*Node, *transport.Hub) {
	t.Helper()
	hub := transport.NewHub(1024, logger.NewNop())

	var ids []string
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("node-%d", i))
	}

	nodes := make([]*Node, 0, n)
	for _, id := range ids {
		node, err := New(context.Background(), testSettings(id, ids), Options{
			Logger:         logger.NewNop(),
			Transport:      hub.Endpoint(id),
			DisableServers: true,
		})
		require.NoError(t, err)
		nodes = append(nodes, node)
	}
	for _, node := range nodes {
		require.NoError(t, node.Start(context.Background()))
	}
	t.Cleanup(func() {
		for _, node := range nodes {
			assert.NoError(t, node.Stop())
		}
	})
	return nodes, hub
}

func waitForLeader(t *testing.T, nodes []*Node) *Node {
	t.Helper()
	var leader *Node
	require.Eventually(t, func() bool {
		leader = nil
		for _, node := range nodes {
			if st, ok := node.Consensus().RaftState(); ok && st.Role == consensus.RoleLeader {
				if leader != nil {
					return false
				}
				leader = node
			}
		}
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond)
	return leader
}

func TestNodeClusterReachesAgreement(t *testing.T) {
	nodes, _ := newTestCluster(t, 3)
	leader := waitForLeader(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := leader.Propose(ctx, consensus.Proposal{Payload: json.RawMessage(`{"action":"rebalance"}`)})
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusApproved, res.Status)

	require.Eventually(t, func() bool {
		for _, node := range nodes {
			st, _ := node.Consensus().RaftState()
			if st.LastApplied < res.CommitIndex {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	status := leader.Status()
	require.NotNil(t, status.Raft)
	assert.Equal(t, leader.ID(), status.Raft.LeaderID)
	assert.Equal(t, consensus.AlgorithmRaft, status.Algorithm)
}

func TestNodeDispatchesToHandlers(t *testing.T) {
	nodes, _ := newTestCluster(t, 2)

	var mu sync.Mutex
	var received []*messages.Message
	nodes[0].Handle("task", func(ctx context.Context, msg *messages.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
	})

	msg := &messages.Message{To: "node-1", Type: "task", Payload: json.RawMessage(`{"job":1}`)}
	require.NoError(t, nodes[1].Send(context.Background(), msg))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "node-2", msg.From)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, msg.ID, received[0].ID)
	assert.Equal(t, "node-2", received[0].From)
	assert.JSONEq(t, `{"job":1}`, string(received[0].Payload))
}

func TestNodeReportsFailedDeliveries(t *testing.T) {
	hub := transport.NewHub(16, logger.NewNop())
	settings := testSettings("node-1", nil)
	settings.Router.Retry = routing.RetryPolicy{MaxRetries: -1}

	events := make(chan routing.Event, 16)
	node, err := New(context.Background(), settings, Options{
		Logger:         logger.NewNop(),
		Transport:      hub.Endpoint("node-1"),
		DisableServers: true,
		OnEvent:        func(ev routing.Event) { events <- ev },
	})
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	defer node.Stop()

	err = node.Send(context.Background(), &messages.Message{To: "ghost", Type: "task", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, routing.EventFailed, ev.Type)
		assert.Equal(t, "ghost", ev.Destination)
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event")
	}
}

func TestNodeRegistersStaticAgents(t *testing.T) {
	settings := testSettings("node-1", nil)
	settings.Agents = []directory.Agent{
		{ID: "agent-1", Capabilities: []string{"trader"}},
		{ID: "agent-2", Capabilities: []string{"risk"}},
	}
	node, err := New(context.Background(), settings, Options{
		Logger:         logger.NewNop(),
		Transport:      transport.NewHub(16, logger.NewNop()).Endpoint("node-1"),
		DisableServers: true,
	})
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	defer node.Stop()

	require.Eventually(t, func() bool {
		return node.Router().Stats().Agents == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeLifecycle(t *testing.T) {
	node, err := New(context.Background(), testSettings("node-1", nil), Options{
		Logger:         logger.NewNop(),
		Transport:      transport.NewHub(16, logger.NewNop()).Endpoint("node-1"),
		DisableServers: true,
	})
	require.NoError(t, err)

	require.NoError(t, node.Start(context.Background()))
	assert.Error(t, node.Start(context.Background()), "second start")

	require.NoError(t, node.Stop())
	require.NoError(t, node.Stop(), "stop is idempotent")
	assert.Error(t, node.Start(context.Background()), "no restart after stop")
	assert.NoError(t, node.Wait())
}

func TestNodeRejectsMissingSettings(t *testing.T) {
	_, err := New(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestNodeServesHealthAndMetrics(t *testing.T) {
	node, err := New(context.Background(), testSettings("node-1", nil), Options{
		Logger:    logger.NewNop(),
		Transport: transport.NewHub(16, logger.NewNop()).Endpoint("node-1"),
	})
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	defer node.Stop()

	grpcAddr, metricsAddr := node.Addrs()
	require.NotNil(t, grpcAddr)
	require.NotNil(t, metricsAddr)

	conn, err := swarmgrpc.NewClient(grpcAddr.String(), swarmgrpc.DefaultClientOptions())
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	for _, service := range []string{"", ServiceRouter, ServiceConsensus, ServiceTransport} {
		require.Eventually(t, func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
		}, 5*time.Second, 20*time.Millisecond, "service %q", service)
	}
	assert.Equal(t, health.StatusHealthy, node.Health().Overall())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = node.Propose(ctx, consensus.Proposal{Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	resp, err := http.Get("http://" + metricsAddr.String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `swarm_consensus_proposals_submitted_total{algorithm="raft"} 1`)
	assert.Contains(t, string(body), "swarm_router_agents 0")

	resp, err = http.Get("http://" + metricsAddr.String() + "/healthz")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "healthy\n"), string(body))
	assert.Contains(t, string(body), "consensus: healthy (OK)")
}
