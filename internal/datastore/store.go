// Package datastore is the relational store of coins, prices, social metrics,
// alerts and risk assessments.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/coinqw"
	"github.com/UniQw/coinqw/internal/domain"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store implements the persistence interfaces of the processors and the scheduler.
type Store struct {
	db *gorm.DB
}

// Open connects to the database and migrates the schema. driver is "postgres"
// or "sqlite"; dsn is passed to the driver unchanged.
func Open(driver, dsn string, debug bool) (*Store, error) {
	var dial gorm.Dialector
	switch driver {
	case "postgres":
		dial = postgres.Open(dsn)
	case "sqlite":
		dial = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("datastore: unsupported driver %q", driver)
	}

	logLevel := logger.Error
	if debug {
		logLevel = logger.Info
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: connect: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing connection.
func New(db *gorm.DB) *Store { return &Store{db: db} }

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %q: %w", kind, id, coinqw.ErrEntityNotFound)
	}
	return err
}

func toCoin(c Coin) domain.Coin {
	return domain.Coin{ID: c.ID, Symbol: c.Symbol, Address: c.Address, Chain: c.Chain}
}

// ListCoins returns every active coin.
func (s *Store) ListCoins(ctx context.Context) ([]domain.Coin, error) {
	var rows []Coin
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Coin, 0, len(rows))
	for _, r := range rows {
		out = append(out, toCoin(r))
	}
	return out, nil
}

// GetCoin returns one coin; a missing coin matches coinqw.ErrEntityNotFound.
func (s *Store) GetCoin(ctx context.Context, id string) (domain.Coin, error) {
	var row Coin
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return domain.Coin{}, notFound("coin", id, err)
	}
	return toCoin(row), nil
}

// TopCoins returns the active coins with the largest market cap.
func (s *Store) TopCoins(ctx context.Context, limit int) ([]domain.Coin, error) {
	var rows []Coin
	err := s.db.WithContext(ctx).Where("active = ?", true).
		Order("market_cap DESC").Order("id").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Coin, 0, len(rows))
	for _, r := range rows {
		out = append(out, toCoin(r))
	}
	return out, nil
}

// SavePriceData appends a price row.
func (s *Store) SavePriceData(ctx context.Context, p domain.PricePoint) error {
	return s.db.WithContext(ctx).Create(&PriceData{
		CoinID:           p.CoinID,
		Price:            p.Price,
		Volume24h:        p.Volume24h,
		MarketCap:        p.MarketCap,
		ChangePercent24h: p.ChangePercent24h,
		Timestamp:        p.Timestamp,
	}).Error
}

func toPricePoint(r PriceData) domain.PricePoint {
	return domain.PricePoint{
		CoinID:           r.CoinID,
		Price:            r.Price,
		Volume24h:        r.Volume24h,
		MarketCap:        r.MarketCap,
		ChangePercent24h: r.ChangePercent24h,
		Timestamp:        r.Timestamp,
	}
}

// LatestPrice returns the newest price row of a coin.
func (s *Store) LatestPrice(ctx context.Context, coinID string) (domain.PricePoint, error) {
	var row PriceData
	err := s.db.WithContext(ctx).Where("coin_id = ?", coinID).Order("recorded_at DESC").First(&row).Error
	if err != nil {
		return domain.PricePoint{}, notFound("price of coin", coinID, err)
	}
	return toPricePoint(row), nil
}

// AverageVolume returns the mean 24h volume of the rows recorded in [since, before).
// It is zero when there are no rows.
func (s *Store) AverageVolume(ctx context.Context, coinID string, since, before time.Time) (decimal.Decimal, error) {
	var rows []PriceData
	err := s.db.WithContext(ctx).
		Where("coin_id = ? AND recorded_at >= ? AND recorded_at < ?", coinID, since, before).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.Volume24h)
	}
	return sum.Div(decimal.NewFromInt(int64(len(rows)))), nil
}

// SaveSocialMetrics appends a social metric row.
func (s *Store) SaveSocialMetrics(ctx context.Context, m domain.SocialMetric) error {
	return s.db.WithContext(ctx).Create(&SocialMetric{
		CoinID:    m.CoinID,
		Platform:  m.Platform,
		Timeframe: m.Timeframe,
		Mentions:  m.Mentions,
		Sentiment: m.Sentiment,
		Trending:  m.Trending,
		Timestamp: m.Timestamp,
	}).Error
}

// LatestSocialMetrics returns the newest row of each platform for a coin.
func (s *Store) LatestSocialMetrics(ctx context.Context, coinID string) ([]domain.SocialMetric, error) {
	var rows []SocialMetric
	err := s.db.WithContext(ctx).Where("coin_id = ?", coinID).Order("recorded_at DESC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []domain.SocialMetric
	for _, r := range rows {
		if seen[r.Platform] {
			continue
		}
		seen[r.Platform] = true
		out = append(out, domain.SocialMetric{
			CoinID:    r.CoinID,
			Platform:  r.Platform,
			Timeframe: r.Timeframe,
			Mentions:  r.Mentions,
			Sentiment: r.Sentiment,
			Trending:  r.Trending,
			Timestamp: r.Timestamp,
		})
	}
	return out, nil
}

func toAlert(a Alert) domain.Alert {
	return domain.Alert{
		ID:              a.ID,
		UserID:          a.UserID,
		CoinID:          a.CoinID,
		Type:            a.Type,
		Threshold:       a.Threshold,
		Active:          a.IsActive,
		LastTriggeredAt: a.LastTriggeredAt,
	}
}

// ActiveAlerts returns every active alert.
func (s *Store) ActiveAlerts(ctx context.Context) ([]domain.Alert, error) {
	var rows []Alert
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, toAlert(r))
	}
	return out, nil
}

// GetAlert returns one alert; a missing alert matches coinqw.ErrEntityNotFound.
func (s *Store) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	var row Alert
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return domain.Alert{}, notFound("alert", id, err)
	}
	return toAlert(row), nil
}

// MarkAlertTriggered stamps the last trigger time of an alert.
func (s *Store) MarkAlertTriggered(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&Alert{}).Where("id = ?", id).Update("last_triggered_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("alert", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// SaveRiskAssessment appends a risk row.
func (s *Store) SaveRiskAssessment(ctx context.Context, r domain.RiskAssessment) error {
	return s.db.WithContext(ctx).Create(&RiskAssessment{
		CoinID:         r.CoinID,
		LiquidityScore: r.Liquidity,
		HolderScore:    r.Holders,
		ContractScore:  r.Contract,
		SocialScore:    r.Social,
		OverallScore:   r.Overall,
		Level:          r.Level,
		CreatedAt:      r.Timestamp,
	}).Error
}

// LatestRiskAssessment returns the newest risk row of a coin.
func (s *Store) LatestRiskAssessment(ctx context.Context, coinID string) (domain.RiskAssessment, error) {
	var row RiskAssessment
	err := s.db.WithContext(ctx).Where("coin_id = ?", coinID).Order("created_at DESC").First(&row).Error
	if err != nil {
		return domain.RiskAssessment{}, notFound("risk of coin", coinID, err)
	}
	return domain.RiskAssessment{
		CoinID:    row.CoinID,
		Liquidity: row.LiquidityScore,
		Holders:   row.HolderScore,
		Contract:  row.ContractScore,
		Social:    row.SocialScore,
		Overall:   row.OverallScore,
		Level:     row.Level,
		Timestamp: row.CreatedAt,
	}, nil
}

// DeletePriceDataBefore deletes price rows older than cutoff and returns how many went.
func (s *Store) DeletePriceDataBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("recorded_at < ?", cutoff).Delete(&PriceData{})
	return res.RowsAffected, res.Error
}

// DeleteSocialMetricsBefore deletes social metric rows older than cutoff and returns how many went.
func (s *Store) DeleteSocialMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("recorded_at < ?", cutoff).Delete(&SocialMetric{})
	return res.RowsAffected, res.Error
}
