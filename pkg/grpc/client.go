package grpc

import (
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ClientOptions configures connections to swarm nodes
type ClientOptions struct {
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	DialOptions []grpc.DialOption
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		KeepaliveTime:    10 * time.Second,
		KeepaliveTimeout: 3 * time.Second,
	}
}

// NewClient creates a plaintext client connection to addr. The connection is
// established lazily on the first call.
func NewClient(addr string, opts ClientOptions) (*grpc.ClientConn, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.KeepaliveTime > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                opts.KeepaliveTime,
			Timeout:             opts.KeepaliveTimeout,
			PermitWithoutStream: true,
		}))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	return conn, nil
}
