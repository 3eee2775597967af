// Package domain holds the entity types shared by the processors, the
// scheduler and their collaborators.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Coin is the projection of a tracked coin used to build job payloads.
type Coin struct {
	ID      string `json:"id"`
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

// Quote is a market snapshot returned by the market-data provider.
type Quote struct {
	Price            decimal.Decimal `json:"price"`
	Volume24h        decimal.Decimal `json:"volume24h"`
	MarketCap        decimal.Decimal `json:"marketCap"`
	ChangePercent24h decimal.Decimal `json:"changePercent24h"`
	At               time.Time       `json:"at"`
}

// PricePoint is one stored price row.
type PricePoint struct {
	CoinID           string          `json:"coinId"`
	Price            decimal.Decimal `json:"price"`
	Volume24h        decimal.Decimal `json:"volume24h"`
	MarketCap        decimal.Decimal `json:"marketCap"`
	ChangePercent24h decimal.Decimal `json:"changePercent24h"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Post is a single social-media post.
type Post struct {
	Platform   string    `json:"platform"`
	Author     string    `json:"author"`
	Text       string    `json:"text"`
	Engagement int       `json:"engagement"`
	At         time.Time `json:"at"`
}

// SocialMetric aggregates the posts of one platform over a timeframe.
type SocialMetric struct {
	CoinID    string    `json:"coinId"`
	Platform  string    `json:"platform"`
	Timeframe string    `json:"timeframe"`
	Mentions  int       `json:"mentions"`
	Sentiment float64   `json:"sentiment"`
	Trending  bool      `json:"trending"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert types.
const (
	AlertPriceAbove     = "price_above"
	AlertPriceBelow     = "price_below"
	AlertPercentChange  = "percent_change"
	AlertVolumeSpike    = "volume_spike"
	AlertSentimentBelow = "sentiment_below"
	AlertMentionsAbove  = "mentions_above"
)

// Alert is a user-defined condition on a coin.
type Alert struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	CoinID          string          `json:"coinId"`
	Type            string          `json:"type"`
	Threshold       decimal.Decimal `json:"threshold"`
	Active          bool            `json:"active"`
	LastTriggeredAt *time.Time      `json:"lastTriggeredAt,omitempty"`
}

// Liquidity describes the trading pools of a coin.
type Liquidity struct {
	PoolUSD decimal.Decimal `json:"poolUsd"`
	Locked  bool            `json:"locked"`
}

// HolderDistribution describes how concentrated the supply is.
type HolderDistribution struct {
	Holders int `json:"holders"`
	// Top10Percent is the share of supply held by the ten largest holders, 0..100.
	Top10Percent float64 `json:"top10Percent"`
}

// ContractSecurity is the result of a token contract audit.
type ContractSecurity struct {
	Verified  bool    `json:"verified"`
	Renounced bool    `json:"renounced"`
	Mintable  bool    `json:"mintable"`
	Honeypot  bool    `json:"honeypot"`
	BuyTax    float64 `json:"buyTax"`
	SellTax   float64 `json:"sellTax"`
}

// Risk levels.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// RiskAssessment is one stored risk score. Component scores are 0..100, higher is riskier.
type RiskAssessment struct {
	CoinID    string    `json:"coinId"`
	Liquidity float64   `json:"liquidity"`
	Holders   float64   `json:"holders"`
	Contract  float64   `json:"contract"`
	Social    float64   `json:"social"`
	Overall   float64   `json:"overall"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}
