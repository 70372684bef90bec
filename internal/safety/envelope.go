// Package safety composes the rate limiter, circuit breaker, rug shield
// and dynamic stop-loss into the Safety Envelope every Adapter call and
// every new order passes through.
package safety

import (
	"fmt"
	"time"

	"github.com/atlas-sentinel/engine/internal/apperr"
	"github.com/atlas-sentinel/engine/internal/events"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"go.uber.org/zap"
)

// Config bundles the four sub-policy configs.
type Config struct {
	RateLimiter     RateLimiterConfig
	CircuitBreaker  CircuitBreakerConfig
	RugShield       RugShieldConfig
	StopLoss        StopLossConfig
}

// RateLimiterConfig tunes the sliding-window limiter.
type RateLimiterConfig struct {
	MaxPerMinute int
	MaxPerSecond int
}

// DefaultConfig returns the standard sub-policy defaults.
func DefaultConfig() Config {
	return Config{
		RateLimiter:    RateLimiterConfig{MaxPerMinute: 50, MaxPerSecond: 5},
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		RugShield:      DefaultRugShieldConfig(),
		StopLoss:       DefaultStopLossConfig(),
	}
}

// Envelope is the composed Safety Envelope.
type Envelope struct {
	logger *zap.Logger
	bus    *events.EventBus

	limiter *RateLimiter
	breaker *CircuitBreaker
	shield  *RugShield
	stops   *StopLossTracker
}

// New builds the Safety Envelope from config.
func New(logger *zap.Logger, cfg Config, bus *events.EventBus) *Envelope {
	return &Envelope{
		logger:  logger.Named("safety"),
		bus:     bus,
		limiter: NewRateLimiter(cfg.RateLimiter.MaxPerMinute, cfg.RateLimiter.MaxPerSecond),
		breaker: NewCircuitBreaker(cfg.CircuitBreaker, bus),
		shield:  NewRugShield(cfg.RugShield),
		stops:   NewStopLossTracker(cfg.StopLoss),
	}
}

// Allow gates an Adapter I/O call: it checks the circuit breaker first,
// then the rate limiter, sleeping and retrying once on a soft denial
// before surfacing ErrRateLimited.
func (e *Envelope) Allow() error {
	if !e.breaker.Allow() {
		return apperr.ErrCircuitOpen
	}

	result := e.limiter.Check()
	if result.Allowed {
		e.limiter.Record()
		return nil
	}

	if e.bus != nil {
		e.bus.Publish(events.NewRateLimitHitEvent(result.WaitSeconds))
	}
	time.Sleep(time.Duration(result.WaitSeconds * float64(time.Second)))

	retry := e.limiter.Check()
	if !retry.Allowed {
		return apperr.ErrRateLimited
	}
	e.limiter.Record()
	return nil
}

// RecordSuccess/RecordFailure forward to the circuit breaker; callers
// invoke these after Adapter I/O completes.
func (e *Envelope) RecordSuccess() { e.breaker.RecordSuccess() }
func (e *Envelope) RecordFailure(reason string) { e.breaker.RecordFailure(reason) }

// CircuitState reports the breaker's current state.
func (e *Envelope) CircuitState() domain.CircuitState { return e.breaker.State() }

// Snapshot returns the process-wide SafetyState for status reporting.
func (e *Envelope) Snapshot() domain.SafetyState { return e.breaker.Snapshot() }

// EvaluateAsset runs the Rug Shield against a candidate symbol.
func (e *Envelope) EvaluateAsset(symbol string, spreadPct, volume24h, liquidityUSD float64) AssetVerdict {
	return e.shield.Evaluate(symbol, spreadPct, volume24h, liquidityUSD)
}

// FilterSafePairs batch-applies the Rug Shield.
func (e *Envelope) FilterSafePairs(snapshots []domain.MarketSnapshot, liquidityUSD map[string]float64) []string {
	return e.shield.FilterSafePairs(snapshots, liquidityUSD)
}

// TrackStop computes/moves a position's trailing ATR stop and reports
// whether the current tick has crossed it.
func (e *Envelope) TrackStop(position domain.Position, candles []domain.OHLCV, currentPrice float64) (stopPrice float64, crossed bool) {
	atr := e.stops.ComputeATR(candles)
	entry, _ := position.EntryPrice.Float64()

	if _, ok := e.stops.CurrentStop(position.PositionID); !ok {
		stopPrice = e.stops.InitialStop(position.PositionID, entry, position.Side, atr)
	} else {
		stopPrice = e.stops.UpdateStop(position.PositionID, entry, position.Side, atr)
	}

	crossed = e.stops.Crossed(position.PositionID, position.Side, currentPrice)
	return stopPrice, crossed
}

// ForgetStop drops stop-tracking state once a position is closed.
func (e *Envelope) ForgetStop(positionID string) { e.stops.Forget(positionID) }

// RequireSafe is a convenience wrapper returning an error when an asset
// fails the Rug Shield, for call sites that want fail-fast semantics.
func (e *Envelope) RequireSafe(symbol string, spreadPct, volume24h, liquidityUSD float64) error {
	verdict := e.EvaluateAsset(symbol, spreadPct, volume24h, liquidityUSD)
	if !verdict.Safe {
		return fmt.Errorf("%w: %s rejected by rug shield (score %.0f): %v", apperr.ErrValidation, symbol, verdict.RiskScore, verdict.Reasons)
	}
	return nil
}
