package adapter

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/atlas-sentinel/engine/pkg/domain"
	"github.com/shopspring/decimal"
)

// MockBackend is a deterministic in-memory Backend used for paper
// trading and tests. Fills take half the configured slippage tolerance
// against mid price. commissionPct is stored but no commission is
// charged, and prices stay fixed unless SetPrice changes them.
type MockBackend struct {
	mu        sync.Mutex
	connected bool

	prices     map[string]float64
	balances   map[string]decimal.Decimal
	orderSeq   int64
	candleHist map[string][]domain.OHLCV
	openIDs    map[string]bool

	slippagePct   float64
	commissionPct float64
}

// NewMockBackend builds a mock backend seeded with starting prices and
// balances.
func NewMockBackend(prices map[string]float64, balances map[string]decimal.Decimal) *MockBackend {
	return &MockBackend{
		prices:        prices,
		balances:      balances,
		candleHist:    make(map[string][]domain.OHLCV),
		openIDs:       make(map[string]bool),
		slippagePct:   0.002,
		commissionPct: 0.001,
	}
}

// SeedCandles installs deterministic OHLCV history for a symbol, used by
// tests driving ATR-based stop-loss scenarios.
func (m *MockBackend) SeedCandles(symbol string, candles []domain.OHLCV) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candleHist[symbol] = candles
}

func (m *MockBackend) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MockBackend) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockBackend) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockBackend) Ticker(ctx context.Context, symbol string) (domain.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[symbol]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("unknown symbol %q", symbol)
	}
	last := decimal.NewFromFloat(price)
	spread := last.Mul(decimal.NewFromFloat(0.0005))
	return domain.Ticker{
		Symbol:    symbol,
		Last:      last,
		Bid:       last.Sub(spread),
		Ask:       last.Add(spread),
		FetchedAt: time.Now(),
	}, nil
}

func (m *MockBackend) OrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	t, err := m.Ticker(ctx, symbol)
	if err != nil {
		return domain.OrderBook{}, err
	}
	levels := depth
	if levels <= 0 {
		levels = 5
	}
	book := domain.OrderBook{Symbol: symbol, Timestamp: time.Now()}
	step := t.Ask.Sub(t.Bid).Div(decimal.NewFromInt(2))
	if step.IsZero() {
		step = decimal.NewFromFloat(0.01)
	}
	for i := 0; i < levels; i++ {
		offset := step.Mul(decimal.NewFromInt(int64(i)))
		book.Bids = append(book.Bids, domain.OrderBookLevel{Price: t.Bid.Sub(offset), Size: decimal.NewFromFloat(1)})
		book.Asks = append(book.Asks, domain.OrderBookLevel{Price: t.Ask.Add(offset), Size: decimal.NewFromFloat(1)})
	}
	return book, nil
}

func (m *MockBackend) OHLCV(ctx context.Context, symbol, interval string, limit int) ([]domain.OHLCV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candles, ok := m.candleHist[symbol]
	if !ok {
		return nil, nil
	}
	if limit > 0 && limit < len(candles) {
		return candles[len(candles)-limit:], nil
	}
	return candles, nil
}

// PlaceOrder simulates a fill at the current ticker price, nudged by
// half the configured slippage; no commission is deducted.
func (m *MockBackend) PlaceOrder(ctx context.Context, req OrderRequest) (domain.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.prices[req.Symbol]
	if !ok {
		return domain.OrderAck{}, fmt.Errorf("unknown symbol %q", req.Symbol)
	}

	slip := price * m.slippagePct * 0.5
	fillPrice := price
	if req.Side == domain.OrderBuy {
		fillPrice = price + slip
	} else {
		fillPrice = price - slip
	}
	fillPrice = math.Round(fillPrice*1e8) / 1e8

	// The scheduler uses the PSM position ID as ClientOrderID on entry
	// orders and "close-<id>" on exits, so the mock venue's open set
	// stays in step with the ledger for reconciliation.
	if closed := strings.TrimPrefix(req.ClientOrderID, "close-"); closed != req.ClientOrderID {
		delete(m.openIDs, closed)
	} else if req.ClientOrderID != "" {
		m.openIDs[req.ClientOrderID] = true
	}

	m.orderSeq++
	ack := domain.OrderAck{
		OrderID:       fmt.Sprintf("mock-%d", m.orderSeq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        "FILLED",
		FilledQty:     req.Quantity,
		AvgPrice:      decimal.NewFromFloat(fillPrice),
		Timestamp:     time.Now(),
	}
	return ack, nil
}

func (m *MockBackend) CancelOrder(ctx context.Context, orderID string) error {
	return nil
}

func (m *MockBackend) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[asset]
	if !ok {
		return decimal.Zero, nil
	}
	return bal, nil
}

// OpenPositionIDs reports the mock venue's open exposures.
func (m *MockBackend) OpenPositionIDs(ctx context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.openIDs))
	for id := range m.openIDs {
		out[id] = true
	}
	return out, nil
}

// SetPrice updates the simulated mid price for a symbol, used by tests
// to drive stop-loss crossings and decision scenarios.
func (m *MockBackend) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}
