package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/redbco/redb-swarm/internal/balancer"
	"github.com/redbco/redb-swarm/internal/breaker"
	"github.com/redbco/redb-swarm/internal/messages"
	"github.com/redbco/redb-swarm/internal/transport"
	"github.com/redbco/redb-swarm/pkg/logger"
)

const (
	// BroadcastPattern is registered on every router
	BroadcastPattern = "broadcast:*"
	// BroadcastHandler marks routes that fan out to every known destination
	BroadcastHandler = "broadcast"

	DefaultLatencyThreshold = 2 * time.Second
	DefaultTuneInterval     = 10 * time.Second
	DefaultSweepInterval    = 30 * time.Second
	DefaultSendTimeout      = 10 * time.Second
	DefaultEventBuffer      = 1024

	broadcastConcurrency = 16
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	LocalNode string
	Logger    *logger.Logger
	Transport transport.Sender
	Strategy  StrategyKind
	Breaker   breaker.Config
	Retry     RetryPolicy

	MaxPayloadSize   int
	LatencyThreshold time.Duration
	TuneInterval     time.Duration
	SweepInterval    time.Duration
	SendTimeout      time.Duration
	EventBuffer      int

	Clock      clock.Clock
	Reputation ReputationSource
	Observer   Observer
	// Peers lists destinations reachable outside the agent directory; they
	// receive broadcasts too
	Peers func() []string
}

// Stats summarizes router state
type Stats struct {
	Destinations   int
	OpenCircuits   int
	PendingRetries int
	Agents         int
	Aggressiveness float64
}

// Router matches messages to destinations and delivers them with circuit
// breaking, load balancing and bounded retries.
type Router struct {
	config    RouterConfig
	logger    *logger.Logger
	clock     clock.Clock
	transport transport.Sender
	validator *messages.Validator
	registry  *Registry
	breakers  *breaker.Group
	balancer  *balancer.Balancer
	stats     *destinationStats
	observer  Observer

	strategies map[StrategyKind]Strategy

	mu              sync.RWMutex
	defaultStrategy StrategyKind
	agents          map[string][]string
	agentOrder      []string
	retries         map[string]*RetryRecord
	retryGen        uint64
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup

	eventsMu sync.RWMutex
	events   chan Event
	stopped  bool
}

// NewRouter creates a new message router
func NewRouter(config RouterConfig) *Router {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Strategy == "" {
		config.Strategy = StrategyDirect
	}
	if config.LatencyThreshold == 0 {
		config.LatencyThreshold = DefaultLatencyThreshold
	}
	if config.TuneInterval == 0 {
		config.TuneInterval = DefaultTuneInterval
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.SendTimeout == 0 {
		config.SendTimeout = DefaultSendTimeout
	}
	if config.EventBuffer == 0 {
		config.EventBuffer = DefaultEventBuffer
	}
	if config.Observer == nil {
		config.Observer = nopObserver{}
	}
	config.Retry = config.Retry.withDefaults()
	config.Breaker.Clock = config.Clock

	r := &Router{
		config:          config,
		logger:          config.Logger,
		clock:           config.Clock,
		transport:       config.Transport,
		registry:        NewRegistry(),
		balancer:        balancer.New(),
		stats:           newDestinationStats(),
		observer:        config.Observer,
		defaultStrategy: config.Strategy,
		agents:          make(map[string][]string),
		retries:         make(map[string]*RetryRecord),
		events:          make(chan Event, config.EventBuffer),
		ctx:             context.Background(),
	}
	r.validator = messages.NewValidator(config.MaxPayloadSize, r.clock.Now)

	breakerConfig := config.Breaker
	userHook := breakerConfig.OnStateChange
	breakerConfig.OnStateChange = func(dest string, from, to breaker.State) {
		r.logger.Info("Circuit breaker state changed: (destination: %s, from: %s, to: %s)", dest, from, to)
		r.observer.BreakerStateChanged(dest, to.String())
		if userHook != nil {
			userHook(dest, from, to)
		}
	}
	r.breakers = breaker.NewGroup(breakerConfig)

	r.strategies = map[StrategyKind]Strategy{
		StrategyDirect:            DirectStrategy{},
		StrategyRoundRobin:        &RoundRobinStrategy{},
		StrategyLoadBalanced:      &LoadBalancedStrategy{Balancer: r.balancer},
		StrategyIntelligent:       &IntelligentStrategy{Balancer: r.balancer},
		StrategyConsensusRequired: &ConsensusRequiredStrategy{Balancer: r.balancer},
	}

	r.registry.Register(BroadcastPattern, BroadcastHandler, 0)
	return r
}

// Start starts the self-tuning and retry horizon loops
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return fmt.Errorf("router already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	runCtx := r.ctx
	r.mu.Unlock()

	tune := r.clock.Ticker(r.config.TuneInterval)
	sweep := r.clock.Ticker(r.config.SweepInterval)
	r.wg.Add(1)
	go r.maintain(runCtx, tune, sweep)

	r.logger.Info("Router started: (node: %s, strategy: %s)", r.config.LocalNode, r.Strategy())
	return nil
}

// Stop cancels pending retries, reporting each as failed, and closes the
// event channel.
func (r *Router) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	pending := make([]*RetryRecord, 0, len(r.retries))
	for id, rec := range r.retries {
		rec.stop()
		pending = append(pending, rec)
		delete(r.retries, id)
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		r.wg.Wait()
	}

	for _, rec := range pending {
		r.emitFailed(rec.Message.ID, rec.Destination, rec.Route, rec.Attempts, ErrRouterStopped)
	}

	r.eventsMu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.events)
	}
	r.eventsMu.Unlock()

	r.logger.Info("Router stopped: (node: %s, abandoned_retries: %d)", r.config.LocalNode, len(pending))
	return nil
}

// Events returns the channel routing outcomes are published on
func (r *Router) Events() <-chan Event {
	return r.events
}

// RegisterRoute adds a route; registering an identical route twice is a no-op
func (r *Router) RegisterRoute(pattern, handler string, priority int, opts ...RouteOption) bool {
	added := r.registry.Register(pattern, handler, priority, opts...)
	if added {
		r.logger.Debug("Registered route: (pattern: %s, handler: %s, priority: %d)", pattern, handler, priority)
	}
	return added
}

// RemoveRoute deletes the routes for pattern served by handler
func (r *Router) RemoveRoute(pattern, handler string) int {
	return r.registry.Remove(pattern, handler)
}

// Routes returns all registered routes
func (r *Router) Routes() []Route {
	return r.registry.Routes()
}

// Strategy returns the default strategy
func (r *Router) Strategy() StrategyKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultStrategy
}

// SetStrategy changes the default strategy
func (r *Router) SetStrategy(kind StrategyKind) error {
	if _, ok := r.strategies[kind]; !ok {
		return fmt.Errorf("unknown routing strategy: %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultStrategy = kind
	return nil
}

// OnAgentRegistered adds an agent to the pools of its capabilities
func (r *Router) OnAgentRegistered(agentID string, capabilities []string) {
	r.mu.Lock()
	if _, exists := r.agents[agentID]; !exists {
		r.agentOrder = append(r.agentOrder, agentID)
	}
	r.agents[agentID] = append([]string(nil), capabilities...)
	r.mu.Unlock()

	r.logger.Info("Agent registered: (agent: %s, capabilities: %v)", agentID, capabilities)
}

// OnAgentUnregistered removes an agent from every pool
func (r *Router) OnAgentUnregistered(agentID string) {
	r.mu.Lock()
	if _, exists := r.agents[agentID]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.agents, agentID)
	for i, id := range r.agentOrder {
		if id == agentID {
			r.agentOrder = append(r.agentOrder[:i], r.agentOrder[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.balancer.Remove(agentID)
	r.logger.Info("Agent unregistered: (agent: %s)", agentID)
}

// Agents returns registered agents and their capabilities
func (r *Router) Agents() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.agents))
	for id, caps := range r.agents {
		out[id] = append([]string(nil), caps...)
	}
	return out
}

// Health returns what the router knows about dest
func (r *Router) Health(dest string) DestinationHealth {
	emaMs, errRate := r.stats.snapshot(dest)
	successes, failures := r.stats.counts(dest)
	state := breaker.Closed
	if b, ok := r.breakers.Lookup(dest); ok {
		state = b.State()
	}
	return DestinationHealth{
		Destination:  dest,
		BreakerState: state.String(),
		LatencyEMA:   time.Duration(emaMs * float64(time.Millisecond)),
		ErrorRate:    errRate,
		Load:         r.balancer.Load(dest),
		Successes:    successes,
		Failures:     failures,
	}
}

// ResetDestination clears the breaker, latency and load of dest
func (r *Router) ResetDestination(dest string) {
	if b, ok := r.breakers.Lookup(dest); ok {
		b.Reset()
	}
	r.stats.remove(dest)
	r.balancer.Remove(dest)
}

// Stats returns a summary of router state
func (r *Router) Stats() Stats {
	total, open := r.breakers.Counts()
	r.mu.RLock()
	pending, agents := len(r.retries), len(r.agents)
	r.mu.RUnlock()
	return Stats{
		Destinations:   total,
		OpenCircuits:   open,
		PendingRetries: pending,
		Agents:         agents,
		Aggressiveness: r.balancer.Aggressiveness(),
	}
}

// Route validates msg and delivers it according to the matched route and
// strategy. Validation and missing routes fail immediately. Transport failures
// and open circuits are retried with backoff and only returned when no retry
// remains; the outcome is always published on Events.
func (r *Router) Route(ctx context.Context, msg *messages.Message) error {
	r.eventsMu.RLock()
	stopped := r.stopped
	r.eventsMu.RUnlock()
	if stopped {
		return ErrRouterStopped
	}

	if err := r.validator.Validate(msg); err != nil {
		id := ""
		if msg != nil {
			id = msg.ID
		}
		r.emitFailed(id, "", Route{}, 0, err)
		return err
	}
	return r.dispatch(ctx, msg, 0)
}

// dispatch runs the ingress check, route match and strategy for msg. gen is
// non-zero when this is a retry of a record that never chose a destination.
func (r *Router) dispatch(ctx context.Context, msg *messages.Message, gen uint64) error {
	if b, ok := r.breakers.Lookup(msg.To); ok && !b.Available() {
		return r.onFailure(msg, "", Route{}, gen, &CircuitOpenError{Destination: msg.To})
	}

	route, ok := r.registry.Find(msg.To, msg.Type)
	if !ok {
		return r.onFailure(msg, "", Route{}, gen, &NoRouteFoundError{To: msg.To, Type: msg.Type})
	}

	if route.Handler == BroadcastHandler {
		r.settle(msg.ID, gen)
		return r.broadcast(ctx, msg, route)
	}

	kind := route.Strategy
	if kind == "" {
		kind = r.Strategy()
	}
	strategy, ok := r.strategies[kind]
	if !ok {
		return r.onFailure(msg, "", route, gen, fmt.Errorf("unknown routing strategy: %s", kind))
	}

	targets, err := strategy.Select(r.selection(msg, route))
	if err != nil {
		return r.onFailure(msg, "", route, gen, err)
	}
	r.observer.MessageRouted(string(kind))

	if len(targets) == 1 && targets[0].Message.ID == msg.ID {
		return r.attempt(ctx, targets[0], route, gen)
	}

	// fan-out: every clone carries its own ID and retry lifecycle
	r.settle(msg.ID, gen)
	var mu sync.Mutex
	var firstErr error
	failed := 0
	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			if err := r.attempt(ctx, t, route, 0); err != nil {
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if failed == len(targets) {
		return firstErr
	}
	return nil
}

func (r *Router) selection(msg *messages.Message, route Route) *Selection {
	r.mu.RLock()
	pool := make([]string, 0, len(r.agentOrder))
	for _, id := range r.agentOrder {
		if hasString(r.agents[id], route.Handler) {
			pool = append(pool, id)
		}
	}
	r.mu.RUnlock()

	if len(pool) == 0 {
		pool = []string{msg.To}
	}
	candidates := len(pool)

	available := pool[:0]
	for _, id := range pool {
		if b, ok := r.breakers.Lookup(id); ok && !b.Available() {
			continue
		}
		available = append(available, id)
	}

	return &Selection{
		Message:       msg,
		Route:         route,
		Pool:          available,
		Candidates:    candidates,
		stats:         r.stats,
		rep:           r.config.Reputation,
		hasCapability: r.hasCapability,
	}
}

func (r *Router) hasCapability(agentID, capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return hasString(r.agents[agentID], capability)
}

// attempt sends one target, gated by the destination's breaker
func (r *Router) attempt(ctx context.Context, t Target, route Route, gen uint64) error {
	b := r.breakers.Get(t.Destination)
	if b.IsOpen() {
		return r.onFailure(t.Message, t.Destination, route, gen, &CircuitOpenError{Destination: t.Destination})
	}

	sendCtx, cancel := r.clock.WithTimeout(ctx, r.config.SendTimeout)
	start := r.clock.Now()
	err := r.transport.Send(sendCtx, t.Destination, t.Message)
	cancel()
	latency := r.clock.Since(start)
	r.balancer.Release(t.Destination, 1.0)

	if err != nil {
		b.RecordFailure()
		r.stats.recordFailure(t.Destination)
		r.observer.DeliveryCompleted(t.Destination, false, latency)
		return r.onFailure(t.Message, t.Destination, route, gen, transport.SendError(t.Destination, err))
	}

	b.RecordSuccess()
	r.stats.recordSuccess(t.Destination, latency)
	r.observer.DeliveryCompleted(t.Destination, true, latency)
	r.onSuccess(t.Message, t.Destination, route, gen, latency)
	return nil
}

func (r *Router) onSuccess(msg *messages.Message, dest string, route Route, gen uint64, latency time.Duration) {
	r.mu.Lock()
	rec := r.retries[msg.ID]
	if gen > 0 && (rec == nil || rec.gen != gen) {
		r.mu.Unlock()
		r.logger.Debug("Discarding late delivery of purged message: (message_id: %s, destination: %s)", msg.ID, dest)
		return
	}
	attempts := 1
	if rec != nil {
		attempts = rec.Attempts + 1
		rec.stop()
		delete(r.retries, msg.ID)
	}
	r.mu.Unlock()

	r.emit(Event{
		Type:        EventDelivered,
		MessageID:   msg.ID,
		Destination: dest,
		Route:       route.Pattern,
		Attempts:    attempts,
		Latency:     latency,
	})
}

// onFailure records a failed attempt and either schedules a retry or reports
// the message as failed. It returns nil when a retry was scheduled.
func (r *Router) onFailure(msg *messages.Message, dest string, route Route, gen uint64, cause error) error {
	now := r.clock.Now()

	r.mu.Lock()
	rec := r.retries[msg.ID]
	if gen > 0 && (rec == nil || rec.gen != gen) {
		r.mu.Unlock()
		return nil
	}
	if rec == nil {
		rec = &RetryRecord{Message: msg, FirstFailure: now}
		r.retries[msg.ID] = rec
	}
	rec.stop()
	rec.Attempts++
	rec.Destination = dest
	rec.Route = route
	rec.LastError = cause
	attempts := rec.Attempts

	r.eventsMu.RLock()
	stopped := r.stopped
	r.eventsMu.RUnlock()

	terminal := IsFatal(cause) || stopped || !r.config.Retry.ShouldRetry(attempts)
	if !terminal && now.Sub(rec.FirstFailure) > r.config.Retry.Horizon {
		terminal = true
		cause = fmt.Errorf("%w: %v", ErrRetryHorizon, cause)
	}
	if terminal {
		delete(r.retries, msg.ID)
		r.mu.Unlock()
		r.emitFailed(msg.ID, dest, route, attempts, cause)
		return cause
	}

	delay := r.config.Retry.Backoff(attempts)
	r.retryGen++
	rec.gen = r.retryGen
	rec.NextEligible = now.Add(delay)
	id, next := msg.ID, rec.gen
	rec.timer = r.clock.AfterFunc(delay, func() { r.fireRetry(id, next) })
	r.mu.Unlock()

	r.logger.Debug("Scheduling retry: (message_id: %s, destination: %s, attempt: %d, delay: %s, error: %v)",
		msg.ID, dest, attempts, delay, cause)
	r.observer.RetryScheduled(dest)
	r.emit(Event{
		Type:        EventRetrying,
		MessageID:   msg.ID,
		Destination: dest,
		Route:       route.Pattern,
		Attempts:    attempts,
		RetryAt:     now.Add(delay),
		Err:         cause,
	})
	return nil
}

// settle drops a retry record that was resolved by fanning out or broadcasting
func (r *Router) settle(id string, gen uint64) {
	if gen == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.retries[id]; ok && rec.gen == gen {
		rec.stop()
		delete(r.retries, id)
	}
}

func (r *Router) fireRetry(id string, gen uint64) {
	r.mu.Lock()
	rec, ok := r.retries[id]
	if !ok || rec.gen != gen {
		r.mu.Unlock()
		return
	}
	rec.timer = nil
	if r.clock.Since(rec.FirstFailure) > r.config.Retry.Horizon {
		delete(r.retries, id)
		r.mu.Unlock()
		r.emitFailed(id, rec.Destination, rec.Route, rec.Attempts, fmt.Errorf("%w: %v", ErrRetryHorizon, rec.LastError))
		return
	}
	msg, dest, route, ctx := rec.Message, rec.Destination, rec.Route, r.ctx
	r.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if dest == "" {
		r.dispatch(ctx, msg, gen)
		return
	}
	r.attempt(ctx, Target{Destination: dest, Message: msg}, route, gen)
}

// sweep purges retry records older than the retry horizon
func (r *Router) sweep() {
	now := r.clock.Now()

	r.mu.Lock()
	var purged []*RetryRecord
	for id, rec := range r.retries {
		if now.Sub(rec.FirstFailure) > r.config.Retry.Horizon {
			rec.stop()
			delete(r.retries, id)
			purged = append(purged, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range purged {
		r.logger.Warn("Purging retry record past horizon: (message_id: %s, attempts: %d)", rec.Message.ID, rec.Attempts)
		r.emitFailed(rec.Message.ID, rec.Destination, rec.Route, rec.Attempts, fmt.Errorf("%w: %v", ErrRetryHorizon, rec.LastError))
	}
}

// broadcast sends a clone of msg to every known destination except the sender.
// Failures are reported but never retried.
func (r *Router) broadcast(ctx context.Context, msg *messages.Message, route Route) error {
	dests := r.knownDestinations(msg.From)
	if len(dests) == 0 {
		r.logger.Warn("Broadcast has no destinations: (message_id: %s)", msg.ID)
	}

	var mu sync.Mutex
	var failed []string
	delivered := 0

	var g errgroup.Group
	g.SetLimit(broadcastConcurrency)
	for i, dest := range dests {
		clone := messages.CloneFor(msg, dest, i+1)
		g.Go(func() error {
			ok := r.sendBestEffort(ctx, dest, clone)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				delivered++
			} else {
				failed = append(failed, dest)
			}
			return nil
		})
	}
	g.Wait()
	sort.Strings(failed)

	r.emit(Event{
		Type:      EventDelivered,
		MessageID: msg.ID,
		Route:     route.Pattern,
		Attempts:  1,
		Delivered: delivered,
	})
	if len(failed) > 0 {
		r.logger.Warn("Broadcast partially failed: (message_id: %s, delivered: %d, failed: %v)", msg.ID, delivered, failed)
		r.emit(Event{
			Type:      EventBroadcastPartial,
			MessageID: msg.ID,
			Route:     route.Pattern,
			Delivered: delivered,
			Failed:    failed,
		})
	}
	return nil
}

func (r *Router) sendBestEffort(ctx context.Context, dest string, msg *messages.Message) bool {
	b := r.breakers.Get(dest)
	if b.IsOpen() {
		return false
	}

	sendCtx, cancel := r.clock.WithTimeout(ctx, r.config.SendTimeout)
	start := r.clock.Now()
	err := r.transport.Send(sendCtx, dest, msg)
	cancel()
	latency := r.clock.Since(start)

	r.observer.DeliveryCompleted(dest, err == nil, latency)
	if err != nil {
		b.RecordFailure()
		r.stats.recordFailure(dest)
		return false
	}
	b.RecordSuccess()
	r.stats.recordSuccess(dest, latency)
	return true
}

func (r *Router) knownDestinations(exclude string) []string {
	seen := make(map[string]bool)
	r.mu.RLock()
	for _, id := range r.agentOrder {
		seen[id] = true
	}
	r.mu.RUnlock()
	if r.config.Peers != nil {
		for _, id := range r.config.Peers() {
			seen[id] = true
		}
	}
	delete(seen, exclude)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Tune raises the balancer's aggressiveness while the mean destination latency
// is above the threshold and resets it once latency recovers.
func (r *Router) Tune() float64 {
	mean, ok := r.stats.meanEMA()
	cur := r.balancer.Aggressiveness()
	next := balancer.DefaultAggressiveness
	if ok && mean > r.config.LatencyThreshold {
		next = cur + 0.5
	}
	r.balancer.SetAggressiveness(next)
	next = r.balancer.Aggressiveness()

	if next != cur {
		r.logger.Info("Adjusted load balancer aggressiveness: (from: %.1f, to: %.1f, mean_latency: %s)", cur, next, mean)
		r.observer.AggressivenessChanged(next)
	}
	return next
}

func (r *Router) maintain(ctx context.Context, tune, sweep *clock.Ticker) {
	defer r.wg.Done()
	defer tune.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tune.C:
			r.Tune()
		case <-sweep.C:
			r.sweep()
		}
	}
}

func (r *Router) emitFailed(id, dest string, route Route, attempts int, err error) {
	reason := "transport"
	switch {
	case errors.Is(err, messages.ErrInvalidMessage):
		reason = "validation"
	case errors.Is(err, ErrNoRoute):
		reason = "no_route"
	case errors.Is(err, ErrGroupTooSmall):
		reason = "group_too_small"
	case errors.Is(err, ErrRetryHorizon):
		reason = "horizon"
	case errors.Is(err, ErrCircuitOpen):
		reason = "circuit_open"
	case errors.Is(err, ErrRouterStopped):
		reason = "stopped"
	}
	r.observer.MessageFailed(reason)
	r.logger.Error("Failed to route message: (message_id: %s, destination: %s, attempts: %d, error: %v)", id, dest, attempts, err)
	r.emit(Event{
		Type:        EventFailed,
		MessageID:   id,
		Destination: dest,
		Route:       route.Pattern,
		Attempts:    attempts,
		Err:         err,
	})
}

func (r *Router) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = r.clock.Now()
	}

	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()
	if r.stopped {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("Dropping routing event, channel full: (type: %s, message_id: %s)", ev.Type, ev.MessageID)
	}
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
