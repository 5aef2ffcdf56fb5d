package routing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/redbco/redb-swarm/internal/breaker"
	"github.com/redbco/redb-swarm/internal/messages"
	"github.com/redbco/redb-swarm/internal/transport"
	"github.com/redbco/redb-swarm/pkg/logger"
)

type sendRecord struct {
	dest string
	msg  *messages.Message
}

type recordingSender struct {
	mu      sync.Mutex
	sends   []sendRecord
	fail    map[string]bool
	failAll bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{fail: make(map[string]bool)}
}

func (s *recordingSender) Send(ctx context.Context, dest string, msg *messages.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sendRecord{dest: dest, msg: msg})
	if s.failAll || s.fail[dest] {
		return errors.New("connection refused")
	}
	return nil
}

func (s *recordingSender) destinations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sends))
	for i, rec := range s.sends {
		out[i] = rec.dest
	}
	return out
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

type countingObserver struct {
	nopObserver
	mu             sync.Mutex
	aggressiveness []float64
	failures       map[string]int
}

func (o *countingObserver) AggressivenessChanged(v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aggressiveness = append(o.aggressiveness, v)
}

func (o *countingObserver) MessageFailed(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failures == nil {
		o.failures = make(map[string]int)
	}
	o.failures[reason]++
}

type fataler interface {
	Helper()
	Fatalf(format string, args ...interface{})
}

func nextEvent(t fataler, r *Router) Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for routing event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, r *Router) {
	t.Helper()
	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected routing event: %s for %s", ev.Type, ev.MessageID)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestRouter(sender transport.Sender, mock *clock.Mock, mutate func(*RouterConfig)) *Router {
	config := RouterConfig{
		LocalNode: "node1",
		Logger:    logger.NewNop(),
		Transport: sender,
		Clock:     mock,
	}
	if mutate != nil {
		mutate(&config)
	}
	return NewRouter(config)
}

func testMessage(id, to string) *messages.Message {
	return &messages.Message{
		ID:      id,
		From:    "client",
		To:      to,
		Type:    "task",
		Payload: json.RawMessage(`{"action":"run"}`),
	}
}

func TestRouterPriorityRouteWins(t *testing.T) {
	sender := newRecordingSender()
	r := newTestRouter(sender, clock.NewMock(), nil)

	require.True(t, r.RegisterRoute("agent:*:task", "task-handler", 10))
	require.True(t, r.RegisterRoute("agent:*:*", "catch-all", 1))

	require.NoError(t, r.Route(context.Background(), testMessage("m1", "agent:123:task")))

	ev := nextEvent(t, r)
	assert.Equal(t, EventDelivered, ev.Type)
	assert.Equal(t, "agent:*:task", ev.Route)
	assert.Equal(t, "agent:123:task", ev.Destination)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, []string{"agent:123:task"}, sender.destinations())
}

func TestRouterRegisterRouteIdempotent(t *testing.T) {
	r := newTestRouter(newRecordingSender(), clock.NewMock(), nil)

	assert.True(t, r.RegisterRoute("jobs:*", "worker", 5))
	assert.False(t, r.RegisterRoute("jobs:*", "worker", 5))
	assert.True(t, r.RegisterRoute("jobs:*", "worker", 6))

	var jobs []Route
	for _, route := range r.Routes() {
		if route.Pattern == "jobs:*" {
			jobs = append(jobs, route)
		}
	}
	require.Len(t, jobs, 2)
	assert.Equal(t, 6, jobs[0].Priority)
}

func TestRouterOpenCircuitSkipsTransport(t *testing.T) {
	sender := newRecordingSender()
	sender.fail["D"] = true
	r := newTestRouter(sender, clock.NewMock(), func(c *RouterConfig) {
		c.Breaker = breaker.Config{FailureThreshold: 5}
		c.Retry = RetryPolicy{MaxRetries: -1}
	})
	r.RegisterRoute("D", "d-handler", 0)

	for i := 0; i < 5; i++ {
		err := r.Route(context.Background(), testMessage(messages.NewID(), "D"))
		require.Error(t, err)
		assert.ErrorIs(t, err, transport.ErrTransport)
	}
	require.Equal(t, 5, sender.count())

	err := r.Route(context.Background(), testMessage("sixth", "D"))
	var circuitErr *CircuitOpenError
	require.ErrorAs(t, err, &circuitErr)
	assert.Equal(t, "D", circuitErr.Destination)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 5, sender.count(), "open circuit must not reach the transport")

	health := r.Health("D")
	assert.Equal(t, "open", health.BreakerState)
	assert.Equal(t, uint64(5), health.Failures)
}

func TestRouterValidationIsFatal(t *testing.T) {
	sender := newRecordingSender()
	obs := &countingObserver{}
	r := newTestRouter(sender, clock.NewMock(), func(c *RouterConfig) {
		c.Observer = obs
		c.MaxPayloadSize = 16
	})
	r.RegisterRoute("agent:*", "worker", 0)

	msg := testMessage("m1", "agent:1")
	msg.From = ""
	err := r.Route(context.Background(), msg)
	assert.ErrorIs(t, err, messages.ErrInvalidMessage)
	assert.True(t, IsFatal(err))

	big := testMessage("m2", "agent:1")
	big.Payload = json.RawMessage(`{"data":"0123456789abcdef"}`)
	var vErr *ValidationError
	require.ErrorAs(t, r.Route(context.Background(), big), &vErr)
	assert.Equal(t, "payload", vErr.Field)

	assert.Equal(t, EventFailed, nextEvent(t, r).Type)
	assert.Equal(t, EventFailed, nextEvent(t, r).Type)
	assert.Zero(t, sender.count())
	assert.Equal(t, 2, obs.failures["validation"])
}

func TestRouterNoRouteIsFatal(t *testing.T) {
	sender := newRecordingSender()
	r := newTestRouter(sender, clock.NewMock(), nil)

	err := r.Route(context.Background(), testMessage("m1", "nowhere"))
	var noRoute *NoRouteFoundError
	require.ErrorAs(t, err, &noRoute)
	assert.Equal(t, "nowhere", noRoute.To)
	assert.ErrorIs(t, err, ErrNoRoute)

	ev := nextEvent(t, r)
	assert.Equal(t, EventFailed, ev.Type)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, 0, r.Stats().PendingRetries)
	assert.Zero(t, sender.count())
}

func TestRouterRetryBackoffThenDelivers(t *testing.T) {
	mock := clock.NewMock()
	sender := newRecordingSender()
	sender.fail["agent:1"] = true
	r := newTestRouter(sender, mock, nil)
	r.RegisterRoute("agent:*", "worker", 0)

	require.NoError(t, r.Route(context.Background(), testMessage("m1", "agent:1")))
	ev := nextEvent(t, r)
	require.Equal(t, EventRetrying, ev.Type)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, mock.Now().Add(time.Second), ev.RetryAt)
	assert.Equal(t, 1, r.Stats().PendingRetries)

	mock.Add(999 * time.Millisecond)
	assert.Equal(t, 1, sender.count(), "retry must wait for its backoff")

	sender.mu.Lock()
	sender.fail["agent:1"] = false
	sender.mu.Unlock()
	mock.Add(time.Millisecond)

	ev = nextEvent(t, r)
	assert.Equal(t, EventDelivered, ev.Type)
	assert.Equal(t, 2, ev.Attempts)
	assert.Equal(t, 0, r.Stats().PendingRetries)
}

func TestRouterRetryBound(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxRetries := rapid.IntRange(0, 4).Draw(rt, "maxRetries")

		mock := clock.NewMock()
		sender := newRecordingSender()
		sender.failAll = true
		policy := RetryPolicy{MaxRetries: maxRetries, BaseBackoff: time.Second, MaxBackoff: 4 * time.Second}
		if maxRetries == 0 {
			policy.MaxRetries = -1
		}
		r := newTestRouter(sender, mock, func(c *RouterConfig) {
			c.Retry = policy
			c.Breaker = breaker.Config{FailureThreshold: 100}
		})
		r.RegisterRoute("agent:*", "worker", 0)

		err := r.Route(context.Background(), testMessage("m1", "agent:1"))

		failed := 0
		for attempt := 1; ; attempt++ {
			ev := nextEvent(rt, r)
			if ev.Type == EventFailed {
				failed++
				if ev.Attempts != maxRetries+1 {
					rt.Fatalf("failed after %d attempts, want %d", ev.Attempts, maxRetries+1)
				}
				break
			}
			if ev.Type != EventRetrying || ev.Attempts != attempt {
				rt.Fatalf("unexpected event %s at attempt %d", ev.Type, ev.Attempts)
			}
			mock.Add(r.config.Retry.Backoff(attempt))
		}

		if maxRetries == 0 && err == nil {
			rt.Fatalf("terminal first attempt must return its error")
		}
		mock.Add(time.Minute)
		select {
		case ev := <-r.Events():
			if ev.Type == EventFailed {
				failed++
			}
		case <-time.After(20 * time.Millisecond):
		}
		if failed != 1 {
			rt.Fatalf("expected exactly one failure event, got %d", failed)
		}
		if sender.count() != maxRetries+1 {
			rt.Fatalf("transport called %d times, want %d", sender.count(), maxRetries+1)
		}
	})
}

func TestRouterHorizonPurge(t *testing.T) {
	mock := clock.NewMock()
	sender := newRecordingSender()
	sender.failAll = true
	r := newTestRouter(sender, mock, func(c *RouterConfig) {
		c.Retry = RetryPolicy{MaxRetries: 10, BaseBackoff: 10 * time.Second, Horizon: 5 * time.Second}
		c.SweepInterval = 6 * time.Second
		c.TuneInterval = time.Hour
	})
	r.RegisterRoute("agent:*", "worker", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	require.NoError(t, r.Route(ctx, testMessage("m1", "agent:1")))
	require.Equal(t, EventRetrying, nextEvent(t, r).Type)

	mock.Add(6 * time.Second)
	ev := nextEvent(t, r)
	assert.Equal(t, EventFailed, ev.Type)
	assert.ErrorIs(t, ev.Err, ErrRetryHorizon)
	assert.Equal(t, 1, ev.Attempts)

	mock.Add(10 * time.Second)
	assertNoEvent(t, r)
	assert.Equal(t, 1, sender.count(), "purged record must not be retried")
	require.NoError(t, r.Stop())
}

func TestRouterStopFailsPendingRetries(t *testing.T) {
	sender := newRecordingSender()
	sender.failAll = true
	r := newTestRouter(sender, clock.NewMock(), nil)
	r.RegisterRoute("agent:*", "worker", 0)

	require.NoError(t, r.Route(context.Background(), testMessage("m1", "agent:1")))
	require.Equal(t, EventRetrying, nextEvent(t, r).Type)

	require.NoError(t, r.Stop())
	ev := nextEvent(t, r)
	assert.Equal(t, EventFailed, ev.Type)
	assert.ErrorIs(t, ev.Err, ErrRouterStopped)

	_, open := <-r.Events()
	assert.False(t, open)
	assert.ErrorIs(t, r.Route(context.Background(), testMessage("m2", "agent:1")), ErrRouterStopped)
}

func TestRouterRoundRobin(t *testing.T) {
	sender := newRecordingSender()
	r := newTestRouter(sender, clock.NewMock(), nil)
	r.RegisterRoute("jobs:*", "worker", 0, WithStrategy(StrategyRoundRobin))
	for _, id := range []string{"a", "b", "c"} {
		r.OnAgentRegistered(id, []string{"worker"})
	}
	r.OnAgentRegistered("x", []string{"other"})

	for i := 0; i < 6; i++ {
		require.NoError(t, r.Route(context.Background(), testMessage(messages.NewID(), "jobs:1")))
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, sender.destinations())

	r.OnAgentUnregistered("b")
	require.NoError(t, r.Route(context.Background(), testMessage(messages.NewID(), "jobs:1")))
	require.NoError(t, r.Route(context.Background(), testMessage(messages.NewID(), "jobs:1")))
	assert.Equal(t, []string{"a", "c"}, sender.destinations()[6:])
}

func TestRouterRoundRobinSkipsOpenCircuits(t *testing.T) {
	sender := newRecordingSender()
	r := newTestRouter(sender, clock.NewMock(), func(c *RouterConfig) {
		c.Breaker = breaker.Config{FailureThreshold: 1}
		c.Strategy = StrategyRoundRobin
	})
	r.RegisterRoute("jobs:*", "worker", 0)
	r.OnAgentRegistered("a", []string{"worker"})
	r.OnAgentRegistered("b", []string{"worker"})
	r.breakers.Get("a").RecordFailure()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Route(context.Background(), testMessage(messages.NewID(), "jobs:1")))
	}
	assert.Equal(t, []string{"b", "b", "b"}, sender.destinations())
}

func TestRouterLoadBalanced(t *testing.T) {
	sender := newRecordingSender()
	r := newTestRouter(sender, clock.NewMock(), func(c *RouterConfig) {
		c.Strategy = StrategyLoadBalanced
	})
	r.RegisterRoute("jobs:*", "worker", 0)
	r.OnAgentRegistered("a", []string{"worker"})
	r.OnAgentRegistered("b", []string{"worker"})

	require.NoError(t, r.Route(context.Background(), testMessage("m1", "jobs:1")))
	r.balancer.Charge("a", 2)
	require.NoError(t, r.Route(context.Background(), testMessage("m2", "jobs:1")))

	assert.Equal(t, []string{"a", "b"}, sender.destinations())
	assert.Equal(t, 0.0, r.Health("b").Load, "load is released on completion")
}

func TestRouterIntelligent(t *testing.T) {
	sender := newRecordingSender()
	r := newTestRouter(sender, clock.NewMock(), func(c *RouterConfig) {
		c.Strategy = StrategyIntelligent
	})
	r.RegisterRoute("jobs:*", "worker", 0)
	for _, id := range []string{"a", "b", "c"} {
		r.OnAgentRegistered(id, []string{"worker"})
	}
	r.stats.recordSuccess("a", 5*time.Second)

	require.NoError(t, r.Route(context.Background(), testMessage("m1", "jobs:1")))
	assert.Equal(t, []string{"b"}, sender.destinations())

	high := testMessage("m2", "jobs:1")
	high.Priority = messages.PriorityHigh
	require.NoError(t, r.Route(context.Background(), high))

	sender.mu.Lock()
	sends := append([]sendRecord(nil), sender.sends[1:]...)
	sender.mu.Unlock()
	require.Len(t, sends, 2)
	got := map[string]string{}
	for _, s := range sends {
		got[s.dest] = s.msg.ID
	}
	assert.Equal(t, map[string]string{"b": "m2-1", "c": "m2-2"}, got)
}

func TestIntelligentScore(t *testing.T) {
	r := newTestRouter(newRecordingSender(), clock.NewMock(), nil)
	r.OnAgentRegistered("a", []string{"task"})
	r.OnAgentRegistered("b", []string{"worker"})
	r.stats.recordSuccess("b", 200*time.Millisecond)
	r.stats.recordFailure("b")

	strategy := &IntelligentStrategy{Balancer: r.balancer}
	sel := r.selection(testMessage("m1", "jobs:1"), Route{Handler: "worker"})

	assert.InDelta(t, 120.0, strategy.Score(sel, "a"), 1e-9)
	assert.InDelta(t, 100-2-50, strategy.Score(sel, "b"), 1e-9)
}

func TestRouterConsensusRequired(t *testing.T) {
	sender := newRecordingSender()
	r := newTestRouter(sender, clock.NewMock(), nil)
	r.RegisterRoute("decide:*", "voter", 0, WithStrategy(StrategyConsensusRequired))
	for _, id := range []string{"a", "b", "c", "d"} {
		r.OnAgentRegistered(id, []string{"voter"})
	}

	require.NoError(t, r.Route(context.Background(), testMessage("m1", "decide:commit")))

	sender.mu.Lock()
	sends := append([]sendRecord(nil), sender.sends...)
	sender.mu.Unlock()
	require.Len(t, sends, ConsensusGroupSize)

	dests := map[string]bool{}
	for _, s := range sends {
		dests[s.dest] = true
		var tagged struct {
			Action string `json:"action"`
			messages.ConsensusTag
		}
		require.NoError(t, json.Unmarshal(s.msg.Payload, &tagged))
		assert.Equal(t, "run", tagged.Action)
		assert.True(t, tagged.RequiresConsensus)
		assert.Equal(t, []string{"a", "b", "c"}, tagged.ConsensusGroup)
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, dests)
}

func TestRouterConsensusRequiredNeedsTwoDestinations(t *testing.T) {
	sender := newRecordingSender()
	obs := &countingObserver{}
	r := newTestRouter(sender, clock.NewMock(), func(c *RouterConfig) {
		c.Observer = obs
	})
	r.RegisterRoute("decide:*", "voter", 0, WithStrategy(StrategyConsensusRequired))

	// with no voters the pool falls back to the addressed destination alone
	err := r.Route(context.Background(), testMessage("m1", "decide:commit"))
	var small *GroupTooSmallError
	require.ErrorAs(t, err, &small)
	assert.Equal(t, 1, small.Have)
	assert.True(t, IsFatal(err))
	assert.Equal(t, EventFailed, nextEvent(t, r).Type)

	r.OnAgentRegistered("a", []string{"voter"})
	err = r.Route(context.Background(), testMessage("m2", "decide:commit"))
	assert.ErrorIs(t, err, ErrGroupTooSmall)
	assert.Equal(t, EventFailed, nextEvent(t, r).Type)
	assert.Zero(t, sender.count())
	assert.Equal(t, 2, obs.failures["group_too_small"])
	assert.Equal(t, 0, r.Stats().PendingRetries)

	r.OnAgentRegistered("b", []string{"voter"})
	require.NoError(t, r.Route(context.Background(), testMessage("m3", "decide:commit")))
	assert.Equal(t, 2, sender.count())
}

func TestRouterBroadcast(t *testing.T) {
	sender := newRecordingSender()
	sender.fail["c"] = true
	r := newTestRouter(sender, clock.NewMock(), func(c *RouterConfig) {
		c.Peers = func() []string { return []string{"peer-1", "a"} }
	})
	for _, id := range []string{"a", "b", "c"} {
		r.OnAgentRegistered(id, []string{"worker"})
	}

	msg := testMessage("m1", "broadcast:all")
	msg.From = "a"
	require.NoError(t, r.Route(context.Background(), msg))

	assert.ElementsMatch(t, []string{"b", "c", "peer-1"}, sender.destinations())

	delivered := nextEvent(t, r)
	assert.Equal(t, EventDelivered, delivered.Type)
	assert.Equal(t, 2, delivered.Delivered)

	partial := nextEvent(t, r)
	assert.Equal(t, EventBroadcastPartial, partial.Type)
	assert.Equal(t, []string{"c"}, partial.Failed)

	assertNoEvent(t, r)
	assert.Equal(t, 0, r.Stats().PendingRetries, "broadcast failures are not retried")
}

func TestRouterTune(t *testing.T) {
	obs := &countingObserver{}
	r := newTestRouter(newRecordingSender(), clock.NewMock(), func(c *RouterConfig) {
		c.Observer = obs
	})

	assert.Equal(t, 1.0, r.Tune(), "no samples keeps the default")

	r.stats.recordSuccess("a", 3*time.Second)
	assert.Equal(t, 1.5, r.Tune())
	assert.Equal(t, 2.0, r.Tune())
	for i := 0; i < 10; i++ {
		r.Tune()
	}
	assert.Equal(t, 5.0, r.Stats().Aggressiveness)

	r.stats.remove("a")
	r.stats.recordSuccess("a", 10*time.Millisecond)
	assert.Equal(t, 1.0, r.Tune())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1.5, obs.aggressiveness[0])
	assert.Equal(t, 1.0, obs.aggressiveness[len(obs.aggressiveness)-1])
}

func TestRouterSetStrategy(t *testing.T) {
	r := newTestRouter(newRecordingSender(), clock.NewMock(), nil)
	assert.Equal(t, StrategyDirect, r.Strategy())
	require.NoError(t, r.SetStrategy(StrategyIntelligent))
	assert.Equal(t, StrategyIntelligent, r.Strategy())
	assert.Error(t, r.SetStrategy("fastest"))

	kind, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, kind)
	_, err = ParseStrategy("fastest")
	assert.Error(t, err)
}

func TestRouterResetDestination(t *testing.T) {
	sender := newRecordingSender()
	sender.fail["D"] = true
	r := newTestRouter(sender, clock.NewMock(), func(c *RouterConfig) {
		c.Breaker = breaker.Config{FailureThreshold: 1}
		c.Retry = RetryPolicy{MaxRetries: -1}
	})
	r.RegisterRoute("D", "d", 0)
	require.Error(t, r.Route(context.Background(), testMessage("m1", "D")))
	require.Equal(t, "open", r.Health("D").BreakerState)

	r.ResetDestination("D")
	health := r.Health("D")
	assert.Equal(t, "closed", health.BreakerState)
	assert.Zero(t, health.Failures)
}
