package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/carryops/carrybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE ARCHIVE - SQL mirror of closed trades
// ═══════════════════════════════════════════════════════════════════════════════
//
// trade_history in redis is the source of truth; the archive exists for
// offline reporting and survives a redis flush. SQLite by default, postgres
// for shared deployments.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TradeRecord is the archived form of a closed position.
type TradeRecord struct {
	ID         uint   `gorm:"primaryKey"`
	PositionID string `gorm:"uniqueIndex;size:64"`
	Exchange   string `gorm:"index;size:32"`
	Symbol     string `gorm:"index;size:32"`
	Tier       string `gorm:"size:16"`
	Status     string `gorm:"size:16"`
	ExitReason string `gorm:"size:32"`
	Paper      bool

	SizeUSDT         float64
	SpotEntryPrice   float64
	SpotExitPrice    float64
	PerpEntryPrice   float64
	PerpExitPrice    float64
	EntryFundingRate float64
	FundingCollected float64
	RealizedPnL      float64
	HoldHours        float64

	OpenedAt  time.Time `gorm:"index"`
	ClosedAt  time.Time `gorm:"index"`
	CreatedAt time.Time
}

// Archive wraps the SQL connection.
type Archive struct {
	db *gorm.DB
}

// OpenArchive connects and migrates the schema. driver is "sqlite" or
// "postgres"; dsn is a file path or connection string respectively.
func OpenArchive(driver, dsn string) (*Archive, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("archive: unknown driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("archive open: %w", err)
	}
	if err := db.AutoMigrate(&TradeRecord{}); err != nil {
		return nil, fmt.Errorf("archive migrate: %w", err)
	}
	log.Info().Str("driver", driver).Msg("trade archive ready")
	return &Archive{db: db}, nil
}

// RecordClosed upserts one closed position by its position id, so replays
// of the same close are harmless.
func (a *Archive) RecordClosed(ctx context.Context, p *types.Position) error {
	rec := TradeRecord{
		PositionID:       p.ID,
		Exchange:         p.Exchange,
		Symbol:           p.Symbol,
		Tier:             p.Tier,
		Status:           string(p.Status),
		ExitReason:       p.ExitReason,
		Paper:            p.Paper,
		SizeUSDT:         p.SizeUSDT.InexactFloat64(),
		SpotEntryPrice:   p.SpotEntryPrice.InexactFloat64(),
		SpotExitPrice:    p.SpotExitPrice.InexactFloat64(),
		PerpEntryPrice:   p.PerpEntryPrice.InexactFloat64(),
		PerpExitPrice:    p.PerpExitPrice.InexactFloat64(),
		EntryFundingRate: p.EntryFundingRate,
		FundingCollected: p.FundingCollected.InexactFloat64(),
		RealizedPnL:      p.RealizedPnL.InexactFloat64(),
		HoldHours:        p.HoldTime(time.Now()).Hours(),
		OpenedAt:         types.UnixFloat(p.OpenedAt),
		ClosedAt:         types.UnixFloat(p.ClosedAt),
	}

	err := a.db.WithContext(ctx).
		Where(TradeRecord{PositionID: p.ID}).
		Assign(rec).
		FirstOrCreate(&TradeRecord{}).Error
	if err != nil {
		return fmt.Errorf("archive record %s: %w", p.ID, err)
	}
	return nil
}

// ClosedTrades returns archived trades, newest first, up to limit (0 = all).
func (a *Archive) ClosedTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	q := a.db.WithContext(ctx).Order("closed_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []TradeRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("archive query: %w", err)
	}
	return out, nil
}

// Close releases the underlying connection.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
