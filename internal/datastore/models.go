package datastore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Coin is a tracked token.
type Coin struct {
	ID        string          `gorm:"primaryKey;size:64" json:"id"`
	Symbol    string          `gorm:"index;not null" json:"symbol"`
	Name      string          `json:"name"`
	Address   string          `gorm:"index" json:"address"`
	Chain     string          `json:"chain"`
	MarketCap decimal.Decimal `gorm:"type:decimal(30,2)" json:"market_cap"`
	Active    bool            `gorm:"index;default:true" json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PriceData is one price observation of a coin.
type PriceData struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	CoinID           string          `gorm:"index:idx_price_coin_ts;size:64" json:"coin_id"`
	Price            decimal.Decimal `gorm:"type:decimal(30,12)" json:"price"`
	Volume24h        decimal.Decimal `gorm:"type:decimal(30,2)" json:"volume_24h"`
	MarketCap        decimal.Decimal `gorm:"type:decimal(30,2)" json:"market_cap"`
	ChangePercent24h decimal.Decimal `gorm:"type:decimal(12,4)" json:"change_percent_24h"`
	Timestamp        time.Time       `gorm:"column:recorded_at;index:idx_price_coin_ts" json:"timestamp"`
}

// SocialMetric is the aggregate of one platform's posts about a coin.
type SocialMetric struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CoinID    string    `gorm:"index:idx_social_coin_platform_ts;size:64" json:"coin_id"`
	Platform  string    `gorm:"index:idx_social_coin_platform_ts;size:32" json:"platform"`
	Timeframe string    `json:"timeframe"`
	Mentions  int       `json:"mentions"`
	Sentiment float64   `json:"sentiment"`
	Trending  bool      `json:"trending"`
	Timestamp time.Time `gorm:"column:recorded_at;index:idx_social_coin_platform_ts" json:"timestamp"`
}

// Alert is a user-defined trigger on a coin.
type Alert struct {
	ID              string          `gorm:"primaryKey;size:64" json:"id"`
	UserID          string          `gorm:"index;size:64" json:"user_id"`
	CoinID          string          `gorm:"index;size:64" json:"coin_id"`
	Type            string          `gorm:"size:32" json:"type"`
	Threshold       decimal.Decimal `gorm:"type:decimal(30,12)" json:"threshold"`
	IsActive        bool            `gorm:"index;default:true" json:"is_active"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RiskAssessment is one computed risk score.
type RiskAssessment struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	CoinID         string    `gorm:"index;size:64" json:"coin_id"`
	LiquidityScore float64   `json:"liquidity_score"`
	HolderScore    float64   `json:"holder_score"`
	ContractScore  float64   `json:"contract_score"`
	SocialScore    float64   `json:"social_score"`
	OverallScore   float64   `json:"overall_score"`
	Level          string    `gorm:"size:16" json:"level"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

// Migrate runs database migrations for every model.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Coin{},
		&PriceData{},
		&SocialMetric{},
		&Alert{},
		&RiskAssessment{},
	)
}
