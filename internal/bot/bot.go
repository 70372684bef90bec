// Package bot defines the protocol every strategy/indicator/risk bot
// implements, and a BaseBot scaffold new bots embed for logging,
// adapter access and health bookkeeping.
package bot

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-sentinel/engine/internal/adapter"
	"github.com/atlas-sentinel/engine/internal/psm"
	"github.com/atlas-sentinel/engine/internal/safety"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"go.uber.org/zap"
)

// Bot is the minimal contract every strategy/signal source implements.
// Evaluate is called once per cycle with the freshest MarketSnapshot and
// must return within the Market Intelligence Hub's per-bot budget.
type Bot interface {
	Name() string
	Category() domain.Category
	Evaluate(ctx context.Context, snapshot domain.MarketSnapshot) (domain.Signal, error)
}

// StatusReporter is an optional capability a Bot can implement to
// report its own health independent of evaluation errors (e.g. a bot
// that depends on an external feed it can detect as stale).
type StatusReporter interface {
	Health() domain.BotHealth
}

// Updater is an optional capability for bots that hold internal state
// needing periodic refresh outside the Evaluate path, such as the
// whale bot accumulating candle flow from every snapshot.
type Updater interface {
	Update(ctx context.Context, snapshot domain.MarketSnapshot) error
}

// Factory constructs a Bot instance. The Bot Registry is populated by
// Factory functions registered at init() time; discovery is resolved
// at link time rather than by scanning modules at startup.
type Factory func() (Bot, error)

// Deps holds the shared services concrete bot Factory functions close
// over. main wires this before constructing the Registry, since a
// parameterless Factory has no other way to reach the adapter/logger.
var Deps struct {
	Logger   *zap.Logger
	Adapter  *adapter.Adapter
	Envelope *safety.Envelope
	PSM      *psm.Manager
}

// BaseBot is embedded by concrete bots for shared plumbing: a named
// logger, adapter access, and a simple error-window health tracker that
// isolates a bot after too many consecutive failures.
type BaseBot struct {
	mu       sync.Mutex
	name     string
	category domain.Category
	logger   *zap.Logger
	adapter  *adapter.Adapter

	consecutiveErrors int
	isolateAfter      int
	lastErrorAt       time.Time
}

// NewBaseBot builds the embeddable scaffold. isolateAfter is the number
// of consecutive Evaluate errors before Health reports BotIsolated.
func NewBaseBot(name string, category domain.Category, logger *zap.Logger, a *adapter.Adapter, isolateAfter int) BaseBot {
	if isolateAfter <= 0 {
		isolateAfter = 3
	}
	return BaseBot{
		name:         name,
		category:     category,
		logger:       logger.Named(name),
		adapter:      a,
		isolateAfter: isolateAfter,
	}
}

// Name returns the bot's registered name.
func (b *BaseBot) Name() string { return b.name }

// Category returns the bot's weighting category.
func (b *BaseBot) Category() domain.Category { return b.category }

// Logger returns the bot's named logger.
func (b *BaseBot) Logger() *zap.Logger { return b.logger }

// Adapter returns the shared Exchange Adapter.
func (b *BaseBot) Adapter() *adapter.Adapter { return b.adapter }

// RecordResult updates the error window; call after every Evaluate.
func (b *BaseBot) RecordResult(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.consecutiveErrors = 0
		return
	}
	b.consecutiveErrors++
	b.lastErrorAt = time.Now()
}

// Health reports BotIsolated once consecutiveErrors reaches the
// configured threshold, BotDegraded on any recent error, else BotHealthy.
func (b *BaseBot) Health() domain.BotHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.consecutiveErrors >= b.isolateAfter:
		return domain.BotIsolated
	case b.consecutiveErrors > 0:
		return domain.BotDegraded
	default:
		return domain.BotHealthy
	}
}

// Signal is a small helper constructing a domain.Signal stamped with
// this bot's name/category and the current time.
func (b *BaseBot) Signal(action domain.Action, confidence float64, reason string, indicators map[string]any) domain.Signal {
	return domain.Signal{
		BotName:    b.name,
		Category:   b.category,
		Action:     action,
		Confidence: confidence,
		Reason:     reason,
		Indicators: indicators,
		EmittedAt:  time.Now(),
	}
}
