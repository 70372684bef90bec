// Package psm is the Position State Manager: the durable ledger of open
// and closed positions. Every mutation is committed before the call
// returns, and every query is a bound-parameter GORM call, grounded on
// the transaction-recorder pattern from the examples' GORM usage.
package psm

import (
	"fmt"
	"strings"
	"time"

	"github.com/atlas-sentinel/engine/pkg/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PositionRecord is the GORM model backing domain.Position.
type PositionRecord struct {
	PositionID  string `gorm:"primaryKey"`
	Symbol      string `gorm:"index;not null"`
	Side        string `gorm:"not null"`
	EntryPrice  string `gorm:"not null"` // decimal.Decimal encoded as string
	Amount      string `gorm:"not null"`
	Strategy    string
	OpenedAt    time.Time `gorm:"index;not null"`
	Status      string    `gorm:"index;not null"`
	ExitPrice   *string
	ClosedAt    *time.Time
	CloseReason string
	RealizedPnL string `gorm:"not null;default:'0'"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (PositionRecord) TableName() string { return "positions" }

func toRecord(p domain.Position) PositionRecord {
	rec := PositionRecord{
		PositionID:  p.PositionID,
		Symbol:      p.Symbol,
		Side:        string(p.Side),
		EntryPrice:  p.EntryPrice.String(),
		Amount:      p.Amount.String(),
		Strategy:    p.Strategy,
		OpenedAt:    p.OpenedAt,
		Status:      string(p.Status),
		RealizedPnL: p.RealizedPnL.String(),
	}
	if p.ExitPrice != nil {
		s := p.ExitPrice.String()
		rec.ExitPrice = &s
	}
	rec.ClosedAt = p.ClosedAt
	rec.CloseReason = p.CloseReason
	return rec
}

func fromRecord(rec PositionRecord) domain.Position {
	p := domain.Position{
		PositionID: rec.PositionID,
		Symbol:     rec.Symbol,
		Side:       domain.PositionSide(rec.Side),
		Strategy:   rec.Strategy,
		OpenedAt:   rec.OpenedAt,
		Status:      domain.PositionStatus(rec.Status),
		ClosedAt:    rec.ClosedAt,
		CloseReason: rec.CloseReason,
	}
	p.EntryPrice, _ = decimal.NewFromString(rec.EntryPrice)
	p.Amount, _ = decimal.NewFromString(rec.Amount)
	p.RealizedPnL, _ = decimal.NewFromString(rec.RealizedPnL)
	if rec.ExitPrice != nil {
		v, _ := decimal.NewFromString(*rec.ExitPrice)
		p.ExitPrice = &v
	}
	return p
}

// Manager is the Position State Manager.
type Manager struct {
	logger *zap.Logger
	db     *gorm.DB
}

// Open connects and migrates the PSM store. The DSN scheme dispatches
// between sqlite (the default, a single embedded file) and mysql (dsn
// prefixed "mysql://").
func Open(logger *zap.Logger, dsn string) (*Manager, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "mysql://") {
		dialector = mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger2GormLogger()})
	if err != nil {
		return nil, fmt.Errorf("psm: open database: %w", err)
	}
	if err := db.AutoMigrate(&PositionRecord{}); err != nil {
		return nil, fmt.Errorf("psm: migrate schema: %w", err)
	}

	return &Manager{logger: logger.Named("psm"), db: db}, nil
}

func logger2GormLogger() logger.Interface {
	return logger.Default.LogMode(logger.Silent)
}

// Close releases the underlying connection pool.
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenPosition durably records a new open position, generating a
// PositionID when the caller doesn't supply one.
func (m *Manager) OpenPosition(p domain.Position) (domain.Position, error) {
	if p.PositionID == "" {
		p.PositionID = uuid.New().String()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	p.Status = domain.PositionOpen

	rec := toRecord(p)
	if result := m.db.Create(&rec); result.Error != nil {
		return domain.Position{}, fmt.Errorf("psm: open position: %w", result.Error)
	}
	return fromRecord(rec), nil
}

// ClosePosition marks an open position closed, recording exit price,
// the close reason, and realized PnL net of fees:
// (exit - entry) * amount * side_sign - fees. Returns an error when the
// position doesn't exist or is already closed.
func (m *Manager) ClosePosition(positionID string, exitPrice decimal.Decimal, reason string, fees decimal.Decimal, closedAt time.Time) (domain.Position, error) {
	var rec PositionRecord
	if result := m.db.Where("position_id = ? AND status = ?", positionID, string(domain.PositionOpen)).First(&rec); result.Error != nil {
		return domain.Position{}, fmt.Errorf("psm: position %s not open: %w", positionID, result.Error)
	}

	pos := fromRecord(rec)
	sideSign := decimal.NewFromInt(pos.SideSign())
	pnl := exitPrice.Sub(pos.EntryPrice).Mul(pos.Amount).Mul(sideSign).Sub(fees)

	exitStr := exitPrice.String()
	rec.ExitPrice = &exitStr
	rec.ClosedAt = &closedAt
	rec.CloseReason = reason
	rec.Status = string(domain.PositionClosed)
	rec.RealizedPnL = pnl.String()

	if result := m.db.Save(&rec); result.Error != nil {
		return domain.Position{}, fmt.Errorf("psm: close position: %w", result.Error)
	}
	return fromRecord(rec), nil
}

// GetPosition fetches a single position by ID regardless of status.
func (m *Manager) GetPosition(positionID string) (domain.Position, error) {
	var rec PositionRecord
	if result := m.db.Where("position_id = ?", positionID).First(&rec); result.Error != nil {
		return domain.Position{}, fmt.Errorf("psm: get position: %w", result.Error)
	}
	return fromRecord(rec), nil
}

// GetOpenPositions lists all currently open positions, optionally
// filtered to one symbol.
func (m *Manager) GetOpenPositions(symbol string) ([]domain.Position, error) {
	q := m.db.Where("status = ?", string(domain.PositionOpen))
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var recs []PositionRecord
	if result := q.Order("opened_at ASC").Find(&recs); result.Error != nil {
		return nil, fmt.Errorf("psm: list open positions: %w", result.Error)
	}
	positions := make([]domain.Position, 0, len(recs))
	for _, r := range recs {
		positions = append(positions, fromRecord(r))
	}
	return positions, nil
}

// ListRecentClosed returns the most recently closed positions, newest
// first, bounded to limit.
func (m *Manager) ListRecentClosed(limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []PositionRecord
	result := m.db.Where("status = ?", string(domain.PositionClosed)).
		Order("closed_at DESC").
		Limit(limit).
		Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("psm: list closed positions: %w", result.Error)
	}
	positions := make([]domain.Position, 0, len(recs))
	for _, r := range recs {
		positions = append(positions, fromRecord(r))
	}
	return positions, nil
}

// Reconcile cross-checks open positions in the ledger against the
// exchange's reported open positions (by PositionID), returning the IDs
// the ledger believes are open but the exchange does not report, which
// callers surface as ReconciliationNeeded events.
func (m *Manager) Reconcile(exchangeOpenIDs map[string]bool) ([]string, error) {
	open, err := m.GetOpenPositions("")
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, p := range open {
		if !exchangeOpenIDs[p.PositionID] {
			missing = append(missing, p.PositionID)
		}
	}
	return missing, nil
}
