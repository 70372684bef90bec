// Package adapter defines the Exchange Adapter boundary: every piece of
// market data and every order placed crosses through here, gated by the
// Safety Envelope before any network call is attempted.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/atlas-sentinel/engine/internal/apperr"
	"github.com/atlas-sentinel/engine/internal/safety"
	"github.com/atlas-sentinel/engine/pkg/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// symbolPattern enforces the canonical BASE/QUOTE shape, e.g. BTC/USDT.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}/[A-Z0-9]{2,10}$`)

// ValidateSymbol rejects malformed symbols before any adapter call.
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("%w: malformed symbol %q", apperr.ErrValidation, symbol)
	}
	return nil
}

// OrderRequest is what the Decision Orchestrator hands the Adapter to
// open or close a position. ClientOrderID makes PlaceOrder idempotent:
// resubmitting the same ClientOrderID returns the original ack rather
// than placing a second order.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	Type          domain.OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal // zero value for market orders
}

// Backend is the raw venue connectivity an Adapter wraps. Backends do
// not see the Safety Envelope; Adapter is the only caller.
type Backend interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	Ticker(ctx context.Context, symbol string) (domain.Ticker, error)
	OrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error)
	OHLCV(ctx context.Context, symbol string, interval string, limit int) ([]domain.OHLCV, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (domain.OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error

	Balance(ctx context.Context, asset string) (decimal.Decimal, error)

	// OpenPositionIDs is the authoritative open-exposure snapshot the
	// PSM reconciles its ledger against at startup.
	OpenPositionIDs(ctx context.Context) (map[string]bool, error)
}

// Adapter is the venue-agnostic surface the rest of the engine depends
// on. Every method consults the Safety Envelope before delegating to
// the backend, and reports the outcome back so the circuit breaker's
// failure count stays accurate.
type Adapter struct {
	logger  *zap.Logger
	backend Backend
	safety  *safety.Envelope

	seenMu sync.Mutex
	seen   map[string]domain.OrderAck // ClientOrderID -> ack, for idempotent replay
}

// New builds an Adapter around a Backend and the shared Safety Envelope.
func New(logger *zap.Logger, backend Backend, envelope *safety.Envelope) *Adapter {
	return &Adapter{
		logger:  logger.Named("adapter"),
		backend: backend,
		safety:  envelope,
		seen:    make(map[string]domain.OrderAck),
	}
}

// Connect opens the backend connection, bypassing the envelope since no
// prior failures exist to gate against yet.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.backend.Connect(ctx)
}

// Disconnect closes the backend connection.
func (a *Adapter) Disconnect() error {
	return a.backend.Disconnect()
}

// IsConnected reports backend connectivity.
func (a *Adapter) IsConnected() bool {
	return a.backend.IsConnected()
}

func (a *Adapter) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.safety.Allow()
}

// record feeds the circuit breaker. Validation failures are bugs, not
// environment trouble, so they record nothing. Every other backend
// error, a response decode failure included, records a failure.
func (a *Adapter) record(err error) {
	if err == nil {
		a.safety.RecordSuccess()
		return
	}
	if errors.Is(err, apperr.ErrValidation) {
		return
	}
	a.safety.RecordFailure(err.Error())
}

// GetTicker fetches the current ticker for symbol, gated by the Safety
// Envelope's rate limiter and circuit breaker.
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	if err := ValidateSymbol(symbol); err != nil {
		return domain.Ticker{}, err
	}
	if err := a.guard(ctx); err != nil {
		return domain.Ticker{}, err
	}
	t, err := a.backend.Ticker(ctx, symbol)
	a.record(err)
	return t, err
}

// GetOrderBook fetches the order book snapshot for symbol.
func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	if err := ValidateSymbol(symbol); err != nil {
		return domain.OrderBook{}, err
	}
	if err := a.guard(ctx); err != nil {
		return domain.OrderBook{}, err
	}
	ob, err := a.backend.OrderBook(ctx, symbol, depth)
	a.record(err)
	return ob, err
}

// GetOHLCV fetches historical candles for symbol.
func (a *Adapter) GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]domain.OHLCV, error) {
	if err := ValidateSymbol(symbol); err != nil {
		return nil, err
	}
	if err := a.guard(ctx); err != nil {
		return nil, err
	}
	candles, err := a.backend.OHLCV(ctx, symbol, interval, limit)
	a.record(err)
	return candles, err
}

// PlaceOrder submits an order. Resubmitting a previously seen
// ClientOrderID returns the first ack without hitting the backend
// again.
func (a *Adapter) PlaceOrder(ctx context.Context, req OrderRequest) (domain.OrderAck, error) {
	if err := ValidateSymbol(req.Symbol); err != nil {
		return domain.OrderAck{}, err
	}
	if req.ClientOrderID == "" {
		return domain.OrderAck{}, fmt.Errorf("%w: client order id required", apperr.ErrValidation)
	}
	a.seenMu.Lock()
	if ack, ok := a.seen[req.ClientOrderID]; ok {
		a.seenMu.Unlock()
		return ack, nil
	}
	a.seenMu.Unlock()
	if err := a.guard(ctx); err != nil {
		return domain.OrderAck{}, err
	}
	ack, err := a.backend.PlaceOrder(ctx, req)
	a.record(err)
	if err != nil {
		return domain.OrderAck{}, err
	}
	a.seenMu.Lock()
	a.seen[req.ClientOrderID] = ack
	a.seenMu.Unlock()
	return ack, nil
}

// CancelOrder cancels an open order by ID.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	if err := a.guard(ctx); err != nil {
		return err
	}
	err := a.backend.CancelOrder(ctx, orderID)
	a.record(err)
	return err
}

// GetOpenPositionIDs returns the venue's view of currently open
// exposures, keyed by position ID, for startup reconciliation.
func (a *Adapter) GetOpenPositionIDs(ctx context.Context) (map[string]bool, error) {
	if err := a.guard(ctx); err != nil {
		return nil, err
	}
	ids, err := a.backend.OpenPositionIDs(ctx)
	a.record(err)
	return ids, err
}

// GetBalance fetches the free balance for asset.
func (a *Adapter) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := a.guard(ctx); err != nil {
		return decimal.Zero, err
	}
	bal, err := a.backend.Balance(ctx, asset)
	a.record(err)
	return bal, err
}
