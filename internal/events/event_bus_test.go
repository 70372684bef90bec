package events_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-sentinel/engine/internal/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) *events.EventBus {
	t.Helper()
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())
	t.Cleanup(bus.Stop)
	return bus
}

func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubscribeReceivesMatchingEventsOnly(t *testing.T) {
	bus := newTestBus(t)

	var decisions, cycles atomic.Int64
	bus.Subscribe(events.EventTypeDecisionEmitted, func(evt events.Event) error {
		decisions.Add(1)
		return nil
	})
	bus.Subscribe(events.EventTypeCycleCompleted, func(evt events.Event) error {
		cycles.Add(1)
		return nil
	})

	bus.Publish(events.NewDecisionEmittedEvent("BTC/USDT", "BUY", decimal.NewFromFloat(0.32), 3))
	bus.Publish(events.NewDecisionEmittedEvent("ETH/USDT", "HOLD", decimal.Zero, 2))
	bus.Publish(events.NewCycleCompletedEvent(1, []string{"BTC/USDT"}, 1, "ok"))

	waitFor(t, 2*time.Second, func() bool { return decisions.Load() == 2 && cycles.Load() == 1 })
}

func TestSubscribeAllSeesEveryEvent(t *testing.T) {
	bus := newTestBus(t)

	var total atomic.Int64
	bus.SubscribeAll(func(evt events.Event) error {
		total.Add(1)
		return nil
	})

	bus.Publish(events.NewRateLimitHitEvent(1.5))
	bus.Publish(events.NewCircuitStateChangedEvent("CLOSED", "OPEN", "failure threshold"))
	bus.Publish(events.NewRollbackTriggeredEvent("D1", "VERIFICATION", "latency regression"))

	waitFor(t, 2*time.Second, func() bool { return total.Load() == 3 })
}

func TestPanickingHandlerDoesNotKillWorkers(t *testing.T) {
	bus := newTestBus(t)

	var after atomic.Int64
	bus.Subscribe(events.EventTypeRateLimitHit, func(evt events.Event) error {
		panic("handler bug")
	})
	bus.Subscribe(events.EventTypeCycleCompleted, func(evt events.Event) error {
		after.Add(1)
		return nil
	})

	bus.Publish(events.NewRateLimitHitEvent(0.5))
	bus.Publish(events.NewCycleCompletedEvent(2, nil, 0, "ok"))

	waitFor(t, 2*time.Second, func() bool { return after.Load() == 1 })
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus(t)

	var count atomic.Int64
	sub := bus.Subscribe(events.EventTypePositionOpened, func(evt events.Event) error {
		count.Add(1)
		return nil
	})

	bus.PublishSync(events.NewPositionOpenedEvent("p1", "BTC/USDT", "LONG", decimal.NewFromInt(50000), decimal.NewFromInt(1), "orchestrator"))
	waitFor(t, 2*time.Second, func() bool { return count.Load() == 1 })

	bus.Unsubscribe(sub)
	bus.PublishSync(events.NewPositionOpenedEvent("p2", "BTC/USDT", "LONG", decimal.NewFromInt(50000), decimal.NewFromInt(1), "orchestrator"))

	time.Sleep(50 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("expected no delivery after unsubscribe, got %d", count.Load())
	}
}
