// Package domain holds the shared value types for the engine: market
// data, signals, decisions, positions, safety state, and the Helios
// deployment vocabulary.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is a bot's or the orchestrator's directional opinion.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Category buckets a bot for weighted aggregation.
type Category string

const (
	CategoryAIML       Category = "AI_ML"
	CategoryStrategy   Category = "STRATEGY"
	CategoryIndicator  Category = "INDICATOR"
	CategoryRisk       Category = "RISK"
	CategoryExecution  Category = "EXECUTION"
	CategoryProtection Category = "PROTECTION"
	CategoryGeneral    Category = "GENERAL"
)

// PositionSide identifies a long or short exposure.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// PositionStatus tracks a position's single OPEN->CLOSED transition.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// CircuitState is the Safety Envelope's circuit breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// RiskLevel is the Rug Shield's bucketed asset-safety rating.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// BotHealth tracks error isolation for a registered bot.
type BotHealth string

const (
	BotHealthy   BotHealth = "ok"
	BotDegraded  BotHealth = "degraded"
	BotIsolated  BotHealth = "isolated"
)

// OHLCV is one candlestick row.
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// MarketSnapshot is an immutable per-(symbol,timestamp) market view.
type MarketSnapshot struct {
	Symbol     string          `json:"symbol"`
	LastPrice  decimal.Decimal `json:"last_price"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Volume24h  decimal.Decimal `json:"volume_24h"`
	Change24h  decimal.Decimal `json:"change_24h"`
	OHLCV      []OHLCV         `json:"ohlcv"`
	FetchedAt  time.Time       `json:"fetched_at"`
}

// SpreadPct returns (ask-bid)/bid as a ratio, zero if bid is zero.
func (m MarketSnapshot) SpreadPct() decimal.Decimal {
	if m.Bid.IsZero() {
		return decimal.Zero
	}
	return m.Ask.Sub(m.Bid).Div(m.Bid)
}

// Signal is one bot's per-cycle opinion on a symbol.
type Signal struct {
	BotName    string         `json:"bot_name"`
	Category   Category       `json:"category"`
	Action     Action         `json:"action"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`
	Indicators map[string]any `json:"indicators,omitempty"`
	EmittedAt  time.Time      `json:"emitted_at"`
}

// Decision is the orchestrator's aggregated verdict for one symbol/cycle.
type Decision struct {
	Symbol              string             `json:"symbol"`
	FinalAction         Action             `json:"final_action"`
	Confidence          float64            `json:"confidence"`
	ContributingSignals int                `json:"contributing_signals"`
	DissentRatio        float64            `json:"dissent_ratio"`
	WeightsApplied       map[Category]float64 `json:"weights_applied"`
	IntelligenceSources []string           `json:"intelligence_sources,omitempty"`
	Timestamp           time.Time          `json:"timestamp"`
}

// Position is a PSM-owned exposure, mutated only via its one transition.
type Position struct {
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	Side        PositionSide    `json:"side"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	Amount      decimal.Decimal `json:"amount"`
	Strategy    string          `json:"strategy"`
	OpenedAt    time.Time       `json:"opened_at"`
	Status      PositionStatus  `json:"status"`
	ExitPrice   *decimal.Decimal `json:"exit_price,omitempty"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
	CloseReason string          `json:"close_reason,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// SideSign returns +1 for LONG, -1 for SHORT, used in realized PnL.
func (p Position) SideSign() int64 {
	if p.Side == SideShort {
		return -1
	}
	return 1
}

// SafetyState is the process-wide Safety Envelope snapshot.
type SafetyState struct {
	CircuitState        CircuitState `json:"circuit_state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at"`
	RecoveryDeadline    time.Time    `json:"recovery_deadline"`
}

// Ticker is the Exchange Adapter's top-of-book read.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    decimal.Decimal `json:"volume"`
	High24    decimal.Decimal `json:"high24"`
	Low24     decimal.Decimal `json:"low24"`
	Change24  decimal.Decimal `json:"change24"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// OrderBookLevel is one price/size level.
type OrderBookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a depth-limited order book read.
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// LiquidityUSD sums price*size notional across both sides of the book,
// the depth-based liquidity estimate the Rug Shield screens against.
func (b OrderBook) LiquidityUSD() decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.Bids {
		total = total.Add(l.Price.Mul(l.Size))
	}
	for _, l := range b.Asks {
		total = total.Add(l.Price.Mul(l.Size))
	}
	return total
}

// OrderSide and OrderType describe a submitted order.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderAck is the Adapter's response to place_order; idempotent by
// ClientOrderID when supplied.
type OrderAck struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Status        string          `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DeploymentStatus is Helios's per-deployment state.
type DeploymentStatus string

const (
	DeploymentPending     DeploymentStatus = "PENDING"
	DeploymentInProgress  DeploymentStatus = "IN_PROGRESS"
	DeploymentDeployed    DeploymentStatus = "DEPLOYED"
	DeploymentRolledBack  DeploymentStatus = "ROLLED_BACK"
)

// Phase is one stage of a Helios deployment.
type Phase string

const (
	PhasePreDeployment  Phase = "PRE_DEPLOYMENT"
	PhaseDeployment     Phase = "DEPLOYMENT"
	PhasePostDeployment Phase = "POST_DEPLOYMENT"
	PhaseVerification   Phase = "VERIFICATION"
	PhaseMonitoring     Phase = "MONITORING"
)

// PhaseOrder is the fixed, total order phases are recorded in.
var PhaseOrder = []Phase{
	PhasePreDeployment, PhaseDeployment, PhasePostDeployment, PhaseVerification, PhaseMonitoring,
}

// PhaseDecisionValue is a phase's GO/NO_GO/PENDING verdict.
type PhaseDecisionValue string

const (
	DecisionGo      PhaseDecisionValue = "GO"
	DecisionNoGo    PhaseDecisionValue = "NO_GO"
	DecisionPending PhaseDecisionValue = "PENDING"
)

// PostmortemSeverity ranks incident severity, S1 being most severe.
type PostmortemSeverity string

const (
	SeverityS1 PostmortemSeverity = "S1"
	SeverityS2 PostmortemSeverity = "S2"
	SeverityS3 PostmortemSeverity = "S3"
	SeverityS4 PostmortemSeverity = "S4"
)

// PostmortemStatus tracks whether a postmortem still gates deploys.
type PostmortemStatus string

const (
	PostmortemOpen   PostmortemStatus = "OPEN"
	PostmortemClosed PostmortemStatus = "CLOSED"
)
