package processors

import (
	"context"
	"math"

	"github.com/UniQw/coinqw"
	"github.com/UniQw/coinqw/internal/domain"
	"github.com/shopspring/decimal"
)

// Component weights of the overall risk score.
const (
	WeightLiquidity = 0.3
	WeightHolders   = 0.25
	WeightContract  = 0.3
	WeightSocial    = 0.15
)

var (
	liquidityDeep    = decimal.NewFromInt(1_000_000)
	liquidityMedium  = decimal.NewFromInt(250_000)
	liquidityShallow = decimal.NewFromInt(50_000)
)

// LiquidityScore grades pool depth; unlocked liquidity adds 10.
func LiquidityScore(l domain.Liquidity) float64 {
	var s float64
	switch {
	case l.PoolUSD.GreaterThanOrEqual(liquidityDeep):
		s = 10
	case l.PoolUSD.GreaterThanOrEqual(liquidityMedium):
		s = 30
	case l.PoolUSD.GreaterThanOrEqual(liquidityShallow):
		s = 60
	default:
		s = 90
	}
	if !l.Locked {
		s += 10
	}
	return clamp(s)
}

// HolderScore is the share held by the top ten holders, plus 20 for fewer than
// 100 holders.
func HolderScore(h domain.HolderDistribution) float64 {
	s := h.Top10Percent
	if h.Holders < 100 {
		s += 20
	}
	return clamp(s)
}

// ContractScore grades the audit. A honeypot is maximal risk.
func ContractScore(c domain.ContractSecurity) float64 {
	if c.Honeypot {
		return 100
	}
	var s float64
	if !c.Verified {
		s += 30
	}
	if !c.Renounced {
		s += 20
	}
	if c.Mintable {
		s += 25
	}
	if math.Max(c.BuyTax, c.SellTax) > 10 {
		s += 25
	}
	return clamp(s)
}

// SocialScore maps the mean sentiment of the latest metrics from [-1, 1] to
// [100, 0]. Without metrics the score is neutral.
func SocialScore(metrics []domain.SocialMetric) float64 {
	if len(metrics) == 0 {
		return 50
	}
	sum := 0.0
	for _, m := range metrics {
		sum += m.Sentiment
	}
	mean := sum / float64(len(metrics))
	return clamp((1 - mean) / 2 * 100)
}

// RiskLevel classifies an overall score.
func RiskLevel(overall float64) string {
	switch {
	case overall < 25:
		return domain.RiskLow
	case overall < 50:
		return domain.RiskMedium
	case overall < 75:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}

// CalculateRisk scores the coin and stores the assessment.
func (p *Processors) CalculateRisk(ctx context.Context, pl coinqw.CalculateRiskPayload) (any, error) {
	coin := coinOf(pl.CoinRef)
	liq, err := p.market.Liquidity(ctx, coin)
	if err != nil {
		return nil, missing(wrap(coinqw.JobCalculateRisk, coin.ID, err))
	}
	coinqw.SetProgress(ctx, 25)
	holders, err := p.market.HolderDistribution(ctx, coin)
	if err != nil {
		return nil, missing(wrap(coinqw.JobCalculateRisk, coin.ID, err))
	}
	coinqw.SetProgress(ctx, 50)
	sec, err := p.market.ContractSecurity(ctx, coin)
	if err != nil {
		return nil, missing(wrap(coinqw.JobCalculateRisk, coin.ID, err))
	}
	coinqw.SetProgress(ctx, 75)
	metrics, err := p.store.LatestSocialMetrics(ctx, coin.ID)
	if err != nil {
		return nil, wrap(coinqw.JobCalculateRisk, coin.ID, err)
	}

	r := domain.RiskAssessment{
		CoinID:    coin.ID,
		Liquidity: LiquidityScore(liq),
		Holders:   HolderScore(holders),
		Contract:  ContractScore(sec),
		Social:    SocialScore(metrics),
		Timestamp: p.now().UTC(),
	}
	r.Overall = round2(WeightLiquidity*r.Liquidity + WeightHolders*r.Holders +
		WeightContract*r.Contract + WeightSocial*r.Social)
	r.Level = RiskLevel(r.Overall)
	if err := p.store.SaveRiskAssessment(ctx, r); err != nil {
		return nil, wrap(coinqw.JobCalculateRisk, coin.ID, err)
	}
	coinqw.SetProgress(ctx, 100)
	return r, nil
}

func clamp(v float64) float64 { return math.Max(0, math.Min(100, v)) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
