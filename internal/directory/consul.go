package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	consulapi "github.com/hashicorp/consul/api"

	"github.com/redbco/redb-swarm/pkg/logger"
)

const (
	DefaultConsulService = "swarm-agent"
	DefaultWaitTime      = 5 * time.Minute
	DefaultRetryInterval = time.Second
)

// ConsulConfig configures the Consul catalog watcher
type ConsulConfig struct {
	Address string
	Token   string
	// Service is the catalog service agents register under. Each instance's
	// service ID is the agent ID and its tags are its capabilities.
	Service       string
	WaitTime      time.Duration
	RetryInterval time.Duration
	Logger        *logger.Logger
	Clock         clock.Clock
}

// Consul watches passing instances of a Consul service with blocking queries
type Consul struct {
	config  ConsulConfig
	client  *consulapi.Client
	logger  *logger.Logger
	clock   clock.Clock
	members *membership
}

// NewConsul creates a Consul directory
func NewConsul(config ConsulConfig) (*Consul, error) {
	if config.Service == "" {
		config.Service = DefaultConsulService
	}
	if config.WaitTime <= 0 {
		config.WaitTime = DefaultWaitTime
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	cfg := consulapi.DefaultConfig()
	if config.Address != "" {
		cfg.Address = config.Address
	}
	if config.Token != "" {
		cfg.Token = config.Token
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	return &Consul{
		config:  config,
		client:  client,
		logger:  config.Logger,
		clock:   config.Clock,
		members: newMembership(),
	}, nil
}

// Run long-polls the service health endpoint and reports membership changes
// until ctx is cancelled
func (c *Consul) Run(ctx context.Context, reg Registry) error {
	c.logger.Info("Watching consul service: (service: %s)", c.config.Service)

	var waitIndex uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		q := (&consulapi.QueryOptions{
			WaitIndex: waitIndex,
			WaitTime:  c.config.WaitTime,
		}).WithContext(ctx)
		entries, meta, err := c.client.Health().Service(c.config.Service, "", true, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("Consul query failed: (service: %s, error: %v)", c.config.Service, err)
			select {
			case <-ctx.Done():
				return nil
			case <-c.clock.After(c.config.RetryInterval):
			}
			continue
		}

		// a lower index means the consul state was reset
		if meta.LastIndex < waitIndex {
			waitIndex = 0
		} else {
			waitIndex = meta.LastIndex
		}

		if n := c.members.sync(reg, agentsFrom(entries)); n > 0 {
			c.logger.Debug("Applied consul membership changes: (service: %s, changes: %d, index: %d)", c.config.Service, n, waitIndex)
		}
	}
}

func agentsFrom(entries []*consulapi.ServiceEntry) []Agent {
	agents := make([]Agent, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		id := e.Service.ID
		if id == "" {
			id = e.Service.Service
		}
		agents = append(agents, Agent{ID: id, Capabilities: e.Service.Tags})
	}
	return agents
}
