// Package events provides the event bus carrying cycle, decision, safety
// and Helios notifications out to dashboards and notification sinks.
package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType identifies the kind of event flowing through the bus.
type EventType string

const (
	EventTypeCycleCompleted        EventType = "cycle.completed"
	EventTypeDecisionEmitted       EventType = "decision.emitted"
	EventTypePositionOpened        EventType = "position.opened"
	EventTypePositionClosed        EventType = "position.closed"
	EventTypeCircuitStateChanged   EventType = "safety.circuit_state_changed"
	EventTypeRateLimitHit          EventType = "safety.rate_limit_hit"
	EventTypeRollbackTriggered     EventType = "helios.rollback_triggered"
	EventTypePostmortemOpened      EventType = "helios.postmortem_opened"
	EventTypePostmortemClosed      EventType = "helios.postmortem_closed"
	EventTypeReconciliationNeeded  EventType = "psm.reconciliation_needed"
)

// Event is the base interface every published event satisfies.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event fields and accessors.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// CycleCompletedEvent reports the outcome of one scheduler cycle.
type CycleCompletedEvent struct {
	BaseEvent
	Cycle            int64    `json:"cycle"`
	SymbolsProcessed []string `json:"symbols_processed"`
	Decisions        int      `json:"decisions"`
	HealthStatus     string   `json:"health_status"`
}

// DecisionEmittedEvent reports one orchestrator decision.
type DecisionEmittedEvent struct {
	BaseEvent
	Symbol              string          `json:"symbol"`
	FinalAction         string          `json:"final_action"`
	Confidence          decimal.Decimal `json:"confidence"`
	ContributingSignals int             `json:"contributing_signals"`
}

// PositionOpenedEvent and PositionClosedEvent mirror PSM lifecycle events.
type PositionOpenedEvent struct {
	BaseEvent
	PositionID string          `json:"position_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Amount     decimal.Decimal `json:"amount"`
	Strategy   string          `json:"strategy"`
}

type PositionClosedEvent struct {
	BaseEvent
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason"`
}

// CircuitStateChangedEvent reports a Safety Envelope circuit transition.
type CircuitStateChangedEvent struct {
	BaseEvent
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// RateLimitHitEvent reports a rate limiter denial.
type RateLimitHitEvent struct {
	BaseEvent
	WaitSeconds float64 `json:"wait_s"`
}

// RollbackTriggeredEvent reports a Helios automatic rollback.
type RollbackTriggeredEvent struct {
	BaseEvent
	DeploymentID string `json:"deployment_id"`
	Phase        string `json:"phase"`
	Reason       string `json:"reason"`
}

// PostmortemEvent reports a Helios postmortem open/close.
type PostmortemEvent struct {
	BaseEvent
	PostmortemID string `json:"postmortem_id"`
	DeploymentID string `json:"deployment_id"`
	Severity     string `json:"severity,omitempty"`
}

// ReconciliationNeededEvent reports a PSM/Adapter discrepancy.
type ReconciliationNeededEvent struct {
	BaseEvent
	PositionID string `json:"position_id"`
	Detail     string `json:"detail"`
}

// EventHandler processes one event; a returned error is logged, not fatal.
type EventHandler func(event Event) error

// EventFilter selectively admits events to a handler.
type EventFilter func(event Event) bool

// SubscriptionOptions configures how a handler is invoked.
type SubscriptionOptions struct {
	Filter     EventFilter
	Async      bool
	BufferSize int
}

// Subscription represents an active registration.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

func (s *Subscription) IsActive() bool { return s.active.Load() }

// EventBusStats snapshots bus throughput and latency.
type EventBusStats struct {
	EventsPublished   int64         `json:"events_published"`
	EventsProcessed   int64         `json:"events_processed"`
	EventsDropped     int64         `json:"events_dropped"`
	ProcessingErrors  int64         `json:"processing_errors"`
	AvgLatencyNs      int64         `json:"avg_latency_ns"`
	MaxLatencyNs      int64         `json:"max_latency_ns"`
	P99LatencyNs      int64         `json:"p99_latency_ns"`
	P99Latency        time.Duration `json:"p99_latency"`
	ActiveSubscribers int64         `json:"active_subscribers"`
}

// EventBusConfig configures the worker pool backing the bus.
type EventBusConfig struct {
	NumWorkers int `mapstructure:"num_workers"`
	BufferSize int `mapstructure:"buffer_size"`
}

// DefaultEventBusConfig returns sensible defaults for a single-process engine.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		NumWorkers: 8,
		BufferSize: 10000,
	}
}

// EventBus fans published events out to subscribers on a fixed worker pool.
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	latencies  []int64
	latencyMu  sync.Mutex
	maxLatency atomic.Int64
	avgLatency atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewEventBus constructs and starts the bus's worker pool.
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	workerCount := config.NumWorkers
	bufferSize := config.BufferSize
	if workerCount <= 0 {
		workerCount = 8
	}
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		subscribers:    make(map[EventType][]*Subscription),
		allSubscribers: make([]*Subscription, 0),
		eventChan:      make(chan Event, bufferSize),
		workerCount:    workerCount,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger.Named("events"),
		latencies:      make([]int64, 0, 4096),
	}

	for i := 0; i < workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker(i)
	}

	eb.logger.Info("event bus started",
		zap.Int("workers", workerCount),
		zap.Int("buffer_size", bufferSize),
	)

	return eb
}

func (eb *EventBus) worker(id int) {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			start := time.Now()
			eb.processEvent(event)
			eb.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.GetType()]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	dispatch := func(sub *Subscription) {
		if !sub.active.Load() {
			return
		}
		if sub.Options.Filter != nil && !sub.Options.Filter(event) {
			return
		}
		if sub.Options.Async {
			go eb.executeHandler(sub, event)
		} else {
			eb.executeHandler(sub, event)
		}
	}

	for _, sub := range subs {
		dispatch(sub)
	}
	for _, sub := range allSubs {
		dispatch(sub)
	}

	eb.eventsProcessed.Add(1)
}

func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

func (eb *EventBus) trackLatency(latencyNs int64) {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()

	eb.latencies = append(eb.latencies, latencyNs)
	if len(eb.latencies) > 10000 {
		eb.latencies = eb.latencies[5000:]
	}

	if currentMax := eb.maxLatency.Load(); latencyNs > currentMax {
		eb.maxLatency.Store(latencyNs)
	}

	currentAvg := eb.avgLatency.Load()
	eb.avgLatency.Store((currentAvg*99 + latencyNs) / 100)
}

var subscriptionCounter atomic.Int64

func generateSubscriptionID() string {
	id := subscriptionCounter.Add(1)
	return "sub_" + time.Now().Format("20060102150405") + "_" + itoa(id)
}

var eventCounter atomic.Int64

func generateEventID() string {
	id := eventCounter.Add(1)
	return "evt_" + time.Now().Format("20060102150405") + "_" + itoa(id)
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Subscribe registers a handler for one event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{Async: true, BufferSize: 1000}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{
		ID:        generateSubscriptionID(),
		EventType: eventType,
		Handler:   handler,
		Options:   options,
	}
	sub.active.Store(true)

	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.activeSubscribers.Add(1)
	return sub
}

// SubscribeAll registers a handler for every event type.
func (eb *EventBus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{Async: true, BufferSize: 1000}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{
		ID:        generateSubscriptionID(),
		EventType: "*",
		Handler:   handler,
		Options:   options,
	}
	sub.active.Store(true)

	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.activeSubscribers.Add(1)
	return sub
}

// Unsubscribe deactivates a subscription; in-flight dispatches still drain.
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
	eb.activeSubscribers.Add(-1)
}

// Publish enqueues an event for async dispatch, dropping it if the buffer
// is full rather than blocking the caller.
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("event dropped, buffer full", zap.String("event_type", string(event.GetType())))
	}
}

// PublishSync dispatches an event inline and waits for handlers to run.
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// GetStats returns a snapshot of bus throughput and latency.
func (eb *EventBus) GetStats() EventBusStats {
	p99 := eb.GetP99LatencyNs()
	processed := eb.eventsProcessed.Load()
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   processed,
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		AvgLatencyNs:      eb.avgLatency.Load(),
		MaxLatencyNs:      eb.maxLatency.Load(),
		P99LatencyNs:      p99,
		P99Latency:        time.Duration(p99),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// GetP99LatencyNs computes the 99th percentile handler latency.
func (eb *EventBus) GetP99LatencyNs() int64 {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()

	if len(eb.latencies) == 0 {
		return 0
	}
	sorted := make([]int64, len(eb.latencies))
	copy(sorted, eb.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Start is a no-op; workers are already running once NewEventBus returns.
func (eb *EventBus) Start(ctx context.Context) error {
	eb.logger.Info("event bus active", zap.Int("workers", eb.workerCount))
	return nil
}

// Stop drains in-flight work and halts the worker pool.
func (eb *EventBus) Stop() {
	eb.logger.Info("stopping event bus")
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("event bus stopped",
			zap.Int64("events_processed", eb.eventsProcessed.Load()),
			zap.Int64("events_dropped", eb.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		eb.logger.Warn("event bus stop timed out")
	}
}

// NewCycleCompletedEvent builds a cycle.completed event.
func NewCycleCompletedEvent(cycle int64, symbols []string, decisions int, health string) *CycleCompletedEvent {
	return &CycleCompletedEvent{
		BaseEvent:        BaseEvent{ID: generateEventID(), Type: EventTypeCycleCompleted, Timestamp: time.Now()},
		Cycle:            cycle,
		SymbolsProcessed: symbols,
		Decisions:        decisions,
		HealthStatus:     health,
	}
}

// NewDecisionEmittedEvent builds a decision.emitted event.
func NewDecisionEmittedEvent(symbol, action string, confidence decimal.Decimal, contributing int) *DecisionEmittedEvent {
	return &DecisionEmittedEvent{
		BaseEvent:           BaseEvent{ID: generateEventID(), Type: EventTypeDecisionEmitted, Timestamp: time.Now()},
		Symbol:              symbol,
		FinalAction:         action,
		Confidence:          confidence,
		ContributingSignals: contributing,
	}
}

// NewPositionOpenedEvent builds a position.opened event.
func NewPositionOpenedEvent(positionID, symbol, side string, entry, amount decimal.Decimal, strategy string) *PositionOpenedEvent {
	return &PositionOpenedEvent{
		BaseEvent:  BaseEvent{ID: generateEventID(), Type: EventTypePositionOpened, Timestamp: time.Now()},
		PositionID: positionID,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entry,
		Amount:     amount,
		Strategy:   strategy,
	}
}

// NewPositionClosedEvent builds a position.closed event.
func NewPositionClosedEvent(positionID, symbol string, exitPrice, realizedPnL decimal.Decimal, reason string) *PositionClosedEvent {
	return &PositionClosedEvent{
		BaseEvent:   BaseEvent{ID: generateEventID(), Type: EventTypePositionClosed, Timestamp: time.Now()},
		PositionID:  positionID,
		Symbol:      symbol,
		ExitPrice:   exitPrice,
		RealizedPnL: realizedPnL,
		Reason:      reason,
	}
}

// NewCircuitStateChangedEvent builds a safety.circuit_state_changed event.
func NewCircuitStateChangedEvent(from, to, reason string) *CircuitStateChangedEvent {
	return &CircuitStateChangedEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeCircuitStateChanged, Timestamp: time.Now()},
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// NewRateLimitHitEvent builds a safety.rate_limit_hit event.
func NewRateLimitHitEvent(waitSeconds float64) *RateLimitHitEvent {
	return &RateLimitHitEvent{
		BaseEvent:   BaseEvent{ID: generateEventID(), Type: EventTypeRateLimitHit, Timestamp: time.Now()},
		WaitSeconds: waitSeconds,
	}
}

// NewRollbackTriggeredEvent builds a helios.rollback_triggered event.
func NewRollbackTriggeredEvent(deploymentID, phase, reason string) *RollbackTriggeredEvent {
	return &RollbackTriggeredEvent{
		BaseEvent:    BaseEvent{ID: generateEventID(), Type: EventTypeRollbackTriggered, Timestamp: time.Now()},
		DeploymentID: deploymentID,
		Phase:        phase,
		Reason:       reason,
	}
}

// NewPostmortemOpenedEvent builds a helios.postmortem_opened event.
func NewPostmortemOpenedEvent(postmortemID, deploymentID, severity string) *PostmortemEvent {
	return &PostmortemEvent{
		BaseEvent:    BaseEvent{ID: generateEventID(), Type: EventTypePostmortemOpened, Timestamp: time.Now()},
		PostmortemID: postmortemID,
		DeploymentID: deploymentID,
		Severity:     severity,
	}
}

// NewPostmortemClosedEvent builds a helios.postmortem_closed event.
func NewPostmortemClosedEvent(postmortemID, deploymentID string) *PostmortemEvent {
	return &PostmortemEvent{
		BaseEvent:    BaseEvent{ID: generateEventID(), Type: EventTypePostmortemClosed, Timestamp: time.Now()},
		PostmortemID: postmortemID,
		DeploymentID: deploymentID,
	}
}

// NewReconciliationNeededEvent builds a psm.reconciliation_needed event.
func NewReconciliationNeededEvent(positionID, detail string) *ReconciliationNeededEvent {
	return &ReconciliationNeededEvent{
		BaseEvent:  BaseEvent{ID: generateEventID(), Type: EventTypeReconciliationNeeded, Timestamp: time.Now()},
		PositionID: positionID,
		Detail:     detail,
	}
}
