// Package scheduler runs the fixed-cadence main loop: one cycle per
// tick, fanning out to the Decision Orchestrator per trading pair,
// acting on actionable decisions through the PSM and Exchange Adapter,
// with graceful shutdown and periodic health/status publication.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/atlas-sentinel/engine/internal/adapter"
	"github.com/atlas-sentinel/engine/internal/bot"
	"github.com/atlas-sentinel/engine/internal/events"
	"github.com/atlas-sentinel/engine/internal/metrics"
	"github.com/atlas-sentinel/engine/internal/orchestrator"
	"github.com/atlas-sentinel/engine/internal/psm"
	"github.com/atlas-sentinel/engine/internal/registry"
	"github.com/atlas-sentinel/engine/internal/safety"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config tunes cycle pacing and execution mode. Live=false is
// monitoring-only: decisions are logged, no order is placed.
type Config struct {
	Interval            time.Duration
	HealthCheckEveryN   int64
	StatusPublishEveryM int64
	ShutdownGrace       time.Duration
	Live                bool
	BalanceFraction     float64 // fraction of free quote balance per entry
}

// DefaultConfig returns a 60s cadence in monitoring mode.
func DefaultConfig() Config {
	return Config{
		Interval:            60 * time.Second,
		HealthCheckEveryN:   10,
		StatusPublishEveryM: 5,
		ShutdownGrace:       30 * time.Second,
		Live:                false,
		BalanceFraction:     0.05,
	}
}

// Scheduler drives the main loop.
type Scheduler struct {
	logger   *zap.Logger
	cfg      Config
	pairs    []string
	adapter  *adapter.Adapter
	psm      *psm.Manager
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	envelope *safety.Envelope
	bus      *events.EventBus
	metrics  *metrics.EngineMetrics

	mu      sync.Mutex
	cycle   int64
	running bool
	paused  bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds a Scheduler over the fully-wired component graph. envelope
// and metrics may be nil in reduced compositions (status CLI, tests).
func New(logger *zap.Logger, cfg Config, pairs []string, a *adapter.Adapter, p *psm.Manager, orch *orchestrator.Orchestrator, reg *registry.Registry, env *safety.Envelope, bus *events.EventBus, m *metrics.EngineMetrics) *Scheduler {
	if cfg.BalanceFraction <= 0 || cfg.BalanceFraction > 1 {
		cfg.BalanceFraction = 0.05
	}
	return &Scheduler{
		logger:   logger.Named("scheduler"),
		cfg:      cfg,
		pairs:    pairs,
		adapter:  a,
		psm:      p,
		orch:     orch,
		registry: reg,
		envelope: env,
		bus:      bus,
		metrics:  m,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run starts the cadence loop and blocks until ctx is cancelled or
// Shutdown is called; it returns once the final cycle has drained and
// PSM has been flushed. The ledger is reconciled against the venue
// before the first tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer close(s.done)

	s.reconcile(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-s.stop:
			return s.shutdown()
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// reconcile compares the PSM's open positions to the venue's snapshot,
// publishing a ReconciliationNeeded event per discrepancy. It never
// mutates the ledger; resolution is an operator action.
func (s *Scheduler) reconcile(ctx context.Context) {
	venueIDs, err := s.adapter.GetOpenPositionIDs(ctx)
	if err != nil {
		s.logger.Warn("startup reconciliation skipped, venue snapshot unavailable", zap.Error(err))
		return
	}
	missing, err := s.psm.Reconcile(venueIDs)
	if err != nil {
		s.logger.Warn("startup reconciliation failed", zap.Error(err))
		return
	}
	for _, id := range missing {
		s.logger.Warn("position open in ledger but not at venue", zap.String("position_id", id))
		if s.bus != nil {
			s.bus.Publish(events.NewReconciliationNeededEvent(id, "open in ledger, absent at venue"))
		}
	}
	if len(missing) == 0 {
		s.logger.Info("ledger reconciled, no discrepancies")
	}
}

// Pause stops new cycles from evaluating pairs; Helios wires this to
// its rollback trigger so the loop idles while a rollback is in flight.
func (s *Scheduler) Pause(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.logger.Warn("scheduler paused", zap.String("reason", reason))
	}
}

// Resume lifts a Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		s.logger.Info("scheduler resumed")
	}
}

// Shutdown signals the loop to stop accepting new cycles; Run returns
// once any in-flight cycle drains (bounded by ShutdownGrace).
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	close(s.stop)
	if s.cfg.ShutdownGrace <= 0 {
		<-s.done
		return
	}
	select {
	case <-s.done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("shutdown grace elapsed before the in-flight cycle drained")
	}
}

func (s *Scheduler) shutdown() error {
	s.logger.Info("scheduler shutting down, flushing psm")
	if s.psm != nil {
		if err := s.psm.Close(); err != nil {
			s.logger.Warn("psm flush on shutdown failed", zap.Error(err))
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.NewCycleCompletedEvent(s.cycle, s.pairs, 0, "shutdown"))
	}
	return nil
}

// runCycle evaluates every configured pair. A panic or error in one
// cycle is logged and does not terminate the loop; only component init
// failures, handled by the composition root before Run starts, are
// fatal.
func (s *Scheduler) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cycle panicked, continuing", zap.Any("recover", r))
		}
	}()

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		s.logger.Debug("cycle skipped, scheduler paused")
		return
	}
	s.cycle++
	cycle := s.cycle
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.CyclesTotal.Inc()
	}

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
	defer cancel()

	decisions := 0
	for _, symbol := range s.pairs {
		if err := s.evaluatePair(cycleCtx, symbol); err != nil {
			s.logger.Warn("cycle: pair evaluation failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		decisions++
	}

	health := "ok"
	if cycle%s.cfg.HealthCheckEveryN == 0 {
		health = s.healthCheck()
	}
	if cycle%s.cfg.StatusPublishEveryM == 0 && s.bus != nil {
		s.bus.Publish(events.NewCycleCompletedEvent(cycle, s.pairs, decisions, health))
	}
}

func (s *Scheduler) evaluatePair(ctx context.Context, symbol string) error {
	ticker, err := s.adapter.GetTicker(ctx, symbol)
	if err != nil {
		return err
	}
	candles, err := s.adapter.GetOHLCV(ctx, symbol, "1h", 30)
	if err != nil {
		return err
	}

	snapshot := domain.MarketSnapshot{
		Symbol:    symbol,
		LastPrice: ticker.Last,
		Bid:       ticker.Bid,
		Ask:       ticker.Ask,
		Volume24h: ticker.Volume,
		Change24h: ticker.Change24,
		OHLCV:     candles,
		FetchedAt: ticker.FetchedAt,
	}

	// Stateful bots see every snapshot even when they abstain from
	// voting this cycle.
	for _, b := range s.registry.AllActive() {
		if updater, ok := b.(bot.Updater); ok {
			if err := updater.Update(ctx, snapshot); err != nil {
				s.logger.Debug("bot update failed", zap.String("bot", b.Name()), zap.Error(err))
			}
		}
	}

	open, err := s.psm.GetOpenPositions(symbol)
	if err != nil {
		return err
	}

	decision := s.orch.Decide(ctx, snapshot, len(open) > 0)
	if s.metrics != nil {
		s.metrics.DecisionsTotal.WithLabelValues(string(decision.FinalAction)).Inc()
	}
	s.logger.Debug("decision", zap.String("symbol", symbol), zap.String("action", string(decision.FinalAction)), zap.Float64("confidence", decision.Confidence))

	return s.act(ctx, snapshot, decision, open)
}

// act carries an actionable decision through the PSM and the Adapter.
// In monitoring mode nothing is placed; the log records what live mode
// would have done. A failed order is recorded and never retried; the
// next cycle re-decides.
func (s *Scheduler) act(ctx context.Context, snapshot domain.MarketSnapshot, decision domain.Decision, open []domain.Position) error {
	switch decision.FinalAction {
	case domain.ActionBuy:
		if len(open) > 0 {
			return nil // already exposed; no pyramiding
		}
		return s.enter(ctx, snapshot, decision)
	case domain.ActionSell:
		if len(open) == 0 {
			return nil
		}
		return s.exit(ctx, snapshot, decision, open)
	default:
		return nil
	}
}

func (s *Scheduler) enter(ctx context.Context, snapshot domain.MarketSnapshot, decision domain.Decision) error {
	if s.envelope != nil {
		book, err := s.adapter.GetOrderBook(ctx, snapshot.Symbol, 10)
		if err != nil {
			s.logger.Warn("entry skipped, order book unavailable for liquidity check", zap.String("symbol", snapshot.Symbol), zap.Error(err))
			return nil
		}
		liquidity, _ := book.LiquidityUSD().Float64()
		spreadPct, _ := snapshot.SpreadPct().Mul(decimal.NewFromInt(100)).Float64()
		volume, _ := snapshot.Volume24h.Float64()
		if err := s.envelope.RequireSafe(snapshot.Symbol, spreadPct, volume, liquidity); err != nil {
			s.logger.Warn("entry rejected by rug shield", zap.String("symbol", snapshot.Symbol), zap.Error(err))
			return nil
		}
	}

	amount, err := s.entrySize(ctx, snapshot)
	if err != nil {
		return err
	}
	if amount.IsZero() {
		s.logger.Warn("entry skipped, no free balance", zap.String("symbol", snapshot.Symbol))
		return nil
	}

	if !s.cfg.Live {
		s.logger.Info("monitoring mode: would open position",
			zap.String("symbol", snapshot.Symbol),
			zap.String("amount", amount.String()),
			zap.Float64("confidence", decision.Confidence))
		return nil
	}

	positionID := uuid.New().String()
	ack, err := s.adapter.PlaceOrder(ctx, adapter.OrderRequest{
		ClientOrderID: positionID,
		Symbol:        snapshot.Symbol,
		Side:          domain.OrderBuy,
		Type:          domain.OrderMarket,
		Quantity:      amount,
	})
	if s.metrics != nil {
		status := "filled"
		if err != nil {
			status = "failed"
		}
		s.metrics.OrdersTotal.WithLabelValues("BUY", status).Inc()
	}
	if err != nil {
		s.logger.Error("entry order failed, will re-decide next cycle", zap.String("symbol", snapshot.Symbol), zap.Error(err))
		return nil
	}

	pos, err := s.psm.OpenPosition(domain.Position{
		PositionID: positionID,
		Symbol:     snapshot.Symbol,
		Side:       domain.SideLong,
		EntryPrice: ack.AvgPrice,
		Amount:     ack.FilledQty,
		Strategy:   "orchestrator",
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(events.NewPositionOpenedEvent(pos.PositionID, pos.Symbol, string(pos.Side), pos.EntryPrice, pos.Amount, pos.Strategy))
	}
	s.logger.Info("position opened",
		zap.String("position_id", pos.PositionID),
		zap.String("symbol", pos.Symbol),
		zap.String("entry", pos.EntryPrice.String()),
		zap.String("amount", pos.Amount.String()))
	return nil
}

func (s *Scheduler) exit(ctx context.Context, snapshot domain.MarketSnapshot, decision domain.Decision, open []domain.Position) error {
	if !s.cfg.Live {
		s.logger.Info("monitoring mode: would close positions",
			zap.String("symbol", snapshot.Symbol),
			zap.Int("count", len(open)),
			zap.Float64("confidence", decision.Confidence))
		return nil
	}

	for _, pos := range open {
		ack, err := s.adapter.PlaceOrder(ctx, adapter.OrderRequest{
			ClientOrderID: "close-" + pos.PositionID,
			Symbol:        pos.Symbol,
			Side:          domain.OrderSell,
			Type:          domain.OrderMarket,
			Quantity:      pos.Amount,
		})
		if s.metrics != nil {
			status := "filled"
			if err != nil {
				status = "failed"
			}
			s.metrics.OrdersTotal.WithLabelValues("SELL", status).Inc()
		}
		if err != nil {
			s.logger.Error("exit order failed, will re-decide next cycle", zap.String("position_id", pos.PositionID), zap.Error(err))
			continue
		}

		closed, err := s.psm.ClosePosition(pos.PositionID, ack.AvgPrice, decisionReason(decision), decimal.Zero, time.Now())
		if err != nil {
			s.logger.Error("closing ledger row failed", zap.String("position_id", pos.PositionID), zap.Error(err))
			continue
		}
		if s.envelope != nil {
			s.envelope.ForgetStop(pos.PositionID)
		}
		if s.bus != nil {
			s.bus.Publish(events.NewPositionClosedEvent(closed.PositionID, closed.Symbol, ack.AvgPrice, closed.RealizedPnL, decisionReason(decision)))
		}
		s.logger.Info("position closed",
			zap.String("position_id", closed.PositionID),
			zap.String("exit", ack.AvgPrice.String()),
			zap.String("realized_pnl", closed.RealizedPnL.String()))
	}
	return nil
}

// entrySize spends a configured fraction of the free quote balance at
// the snapshot's last price.
func (s *Scheduler) entrySize(ctx context.Context, snapshot domain.MarketSnapshot) (decimal.Decimal, error) {
	quote := quoteAsset(snapshot.Symbol)
	balance, err := s.adapter.GetBalance(ctx, quote)
	if err != nil {
		return decimal.Zero, err
	}
	if balance.IsZero() || snapshot.LastPrice.IsZero() {
		return decimal.Zero, nil
	}
	notional := balance.Mul(decimal.NewFromFloat(s.cfg.BalanceFraction))
	return notional.Div(snapshot.LastPrice).Round(8), nil
}

func quoteAsset(symbol string) string {
	if idx := strings.Index(symbol, "/"); idx >= 0 {
		return symbol[idx+1:]
	}
	return symbol
}

func decisionReason(d domain.Decision) string {
	return "orchestrator " + string(d.FinalAction)
}

// healthCheck reports "ok" unless any constructed bot reports isolated.
func (s *Scheduler) healthCheck() string {
	for _, status := range s.registry.StatusSummary() {
		if status.Health == domain.BotIsolated {
			return "degraded"
		}
	}
	return "ok"
}
