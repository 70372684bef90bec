package safety

import (
	"sync"

	"github.com/atlas-sentinel/engine/pkg/domain"
)

// StopLossConfig holds the ATR-based trailing stop tunables.
type StopLossConfig struct {
	BasePct       float64 // base stop distance, percentage points
	ATRMultiplier float64
	MinPct        float64
	MaxPct        float64
	ATRPeriod     int
}

// DefaultStopLossConfig returns the canonical numeric defaults.
func DefaultStopLossConfig() StopLossConfig {
	return StopLossConfig{
		BasePct:       2.0,
		ATRMultiplier: 1.5,
		MinPct:        0.5,
		MaxPct:        5.0,
		ATRPeriod:     14,
	}
}

// StopLossTracker computes and monotonically trails a per-position ATR
// stop. It never executes a close itself; it only emits the stop price
// and whether the current tick crosses it.
type StopLossTracker struct {
	mu  sync.Mutex
	cfg StopLossConfig

	stops map[string]float64 // positionID -> current stop price
}

// NewStopLossTracker builds a tracker with the given config.
func NewStopLossTracker(cfg StopLossConfig) *StopLossTracker {
	return &StopLossTracker{
		cfg:   cfg,
		stops: make(map[string]float64),
	}
}

// ComputeATR is the simple moving average of true range over the last
// ATRPeriod OHLCV rows (newest last). Returns 0 if there is not enough
// history, in which case the stop falls back to the base percentage.
func (t *StopLossTracker) ComputeATR(candles []domain.OHLCV) float64 {
	period := t.cfg.ATRPeriod
	if len(candles) < period+1 {
		return 0
	}

	start := len(candles) - period
	var sum float64
	for i := start; i < len(candles); i++ {
		high, _ := candles[i].High.Float64()
		low, _ := candles[i].Low.Float64()
		prevClose, _ := candles[i-1].Close.Float64()

		tr := high - low
		if v := abs(high - prevClose); v > tr {
			tr = v
		}
		if v := abs(low - prevClose); v > tr {
			tr = v
		}
		sum += tr
	}
	return sum / float64(period)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// InitialStop computes the entry stop price for a newly opened position.
func (t *StopLossTracker) InitialStop(positionID string, entryPrice float64, side domain.PositionSide, atr float64) float64 {
	stop := t.stopPrice(entryPrice, side, atr)
	t.mu.Lock()
	t.stops[positionID] = stop
	t.mu.Unlock()
	return stop
}

func (t *StopLossTracker) stopDistance(entryPrice, atr float64) float64 {
	if atr == 0 || entryPrice == 0 {
		return t.cfg.BasePct / 100
	}
	atrPct := (atr / entryPrice) * 100
	dist := (t.cfg.BasePct + atrPct*t.cfg.ATRMultiplier) / 100
	return clamp(dist, t.cfg.MinPct/100, t.cfg.MaxPct/100)
}

func (t *StopLossTracker) stopPrice(entryPrice float64, side domain.PositionSide, atr float64) float64 {
	dist := t.stopDistance(entryPrice, atr)
	if side == domain.SideShort {
		return entryPrice * (1 + dist)
	}
	return entryPrice * (1 - dist)
}

// UpdateStop recomputes the stop for an open position and moves it only
// if the move is favorable (toward profit), preserving the monotonicity
// invariant: for a long position, stop_price never decreases.
func (t *StopLossTracker) UpdateStop(positionID string, entryPrice float64, side domain.PositionSide, atr float64) float64 {
	newStop := t.stopPrice(entryPrice, side, atr)

	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.stops[positionID]
	if !ok {
		t.stops[positionID] = newStop
		return newStop
	}

	favorable := newStop > current
	if side == domain.SideShort {
		favorable = newStop < current
	}
	if favorable {
		t.stops[positionID] = newStop
		return newStop
	}
	return current
}

// CurrentStop returns the tracked stop price, or false if unknown.
func (t *StopLossTracker) CurrentStop(positionID string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.stops[positionID]
	return v, ok
}

// Crossed reports whether the current price has crossed the tracked
// stop for a position, signalling a close directive to PSM+Adapter.
func (t *StopLossTracker) Crossed(positionID string, side domain.PositionSide, currentPrice float64) bool {
	t.mu.Lock()
	stop, ok := t.stops[positionID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if side == domain.SideShort {
		return currentPrice >= stop
	}
	return currentPrice <= stop
}

// Forget drops tracking state for a closed position.
func (t *StopLossTracker) Forget(positionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stops, positionID)
}
