package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/redbco/redb-swarm/internal/engine"
	"github.com/redbco/redb-swarm/pkg/config"
	"github.com/redbco/redb-swarm/pkg/logger"
)

func TestKeygenProducesMatchingPair(t *testing.T) {
	var out bytes.Buffer
	keygenCmd.SetOut(&out)
	require.NoError(t, keygenCmd.RunE(keygenCmd, nil))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	seed, err := hex.DecodeString(strings.TrimPrefix(lines[0], "signing_key: "))
	require.NoError(t, err)
	pub, err := hex.DecodeString(strings.TrimPrefix(lines[1], "public_key: "))
	require.NoError(t, err)

	priv := ed25519.NewKeyFromSeed(seed)
	assert.Equal(t, ed25519.PublicKey(pub), priv.Public())
}

func TestDialAddr(t *testing.T) {
	assert.Equal(t, "localhost:7400", dialAddr(":7400"))
	assert.Equal(t, "10.0.0.1:7400", dialAddr("10.0.0.1:7400"))
}

func TestCheckHealthAgainstNode(t *testing.T) {
	cfg := config.New()
	cfg.Update(map[string]string{
		"node.id":                "node-1",
		"server.grpc_addr":       "127.0.0.1:0",
		"server.metrics_addr":    "127.0.0.1:0",
		"server.health_interval": "20ms",
	})
	settings, err := engine.SettingsFromConfig(cfg)
	require.NoError(t, err)

	node, err := engine.New(context.Background(), settings, engine.Options{Logger: logger.NewNop()})
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	defer node.Stop()

	grpcAddr, _ := node.Addrs()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		status, err := checkHealth(ctx, grpcAddr.String(), engine.ServiceConsensus)
		return err == nil && status == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)
}
