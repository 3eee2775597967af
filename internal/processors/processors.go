// Package processors implements the job handlers of the catalogue. Each handler
// is registered on a coinqw.Mux and talks to its collaborators only through the
// interfaces declared here.
package processors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/coinqw"
	"github.com/UniQw/coinqw/internal/domain"
	"github.com/shopspring/decimal"
)

// Store is the persistence used by the processors.
type Store interface {
	TopCoins(ctx context.Context, limit int) ([]domain.Coin, error)
	SavePriceData(ctx context.Context, p domain.PricePoint) error
	LatestPrice(ctx context.Context, coinID string) (domain.PricePoint, error)
	AverageVolume(ctx context.Context, coinID string, since, before time.Time) (decimal.Decimal, error)
	SaveSocialMetrics(ctx context.Context, m domain.SocialMetric) error
	LatestSocialMetrics(ctx context.Context, coinID string) ([]domain.SocialMetric, error)
	ActiveAlerts(ctx context.Context) ([]domain.Alert, error)
	GetAlert(ctx context.Context, id string) (domain.Alert, error)
	MarkAlertTriggered(ctx context.Context, id string, at time.Time) error
	SaveRiskAssessment(ctx context.Context, r domain.RiskAssessment) error
	DeletePriceDataBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSocialMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MarketData is the market-data provider.
type MarketData interface {
	Quote(ctx context.Context, coin domain.Coin) (domain.Quote, error)
	Liquidity(ctx context.Context, coin domain.Coin) (domain.Liquidity, error)
	HolderDistribution(ctx context.Context, coin domain.Coin) (domain.HolderDistribution, error)
	ContractSecurity(ctx context.Context, coin domain.Coin) (domain.ContractSecurity, error)
}

// SocialSource returns the posts mentioning a coin on one platform since a point in time.
type SocialSource interface {
	Posts(ctx context.Context, platform string, coin domain.Coin, since time.Time) ([]domain.Post, error)
}

// Notifier pushes an event to the subscribers of a channel.
type Notifier interface {
	Broadcast(channel string, v any) error
}

// Cache stores short-lived values.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Deps are the collaborators of the processors.
type Deps struct {
	Store    Store
	Market   MarketData
	Social   SocialSource
	Notifier Notifier
	Cache    Cache
	Logger   coinqw.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Processors holds the handlers of every job name.
type Processors struct {
	store  Store
	market MarketData
	social SocialSource
	notify Notifier
	cache  Cache
	log    coinqw.Logger
	now    func() time.Time
}

// New creates the processors.
func New(d Deps) *Processors {
	p := &Processors{
		store:  d.Store,
		market: d.Market,
		social: d.Social,
		notify: d.Notifier,
		cache:  d.Cache,
		log:    d.Logger,
		now:    d.Now,
	}
	if p.log == nil {
		p.log = coinqw.NopLogger{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Register installs every handler on m.
func (p *Processors) Register(m *coinqw.Mux) {
	coinqw.HandleFunc(m, p.IngestPrice)
	coinqw.HandleFunc(m, p.ScrapeSocial)
	coinqw.HandleFunc(m, p.CheckAlerts)
	coinqw.HandleFunc(m, p.CheckSpecificAlert)
	coinqw.HandleFunc(m, p.CalculateRisk)
	coinqw.HandleFunc(m, p.CleanupPriceData)
	coinqw.HandleFunc(m, p.CleanupSocialMetrics)
	coinqw.HandleFunc(m, p.WarmCache)
}

// PriceChannel is the push channel of a coin's price updates.
func PriceChannel(coinID string) string { return "price:" + coinID }

// AlertChannel is the push channel of a user's triggered alerts.
func AlertChannel(userID string) string { return "alert:" + userID }

func coinOf(c coinqw.CoinRef) domain.Coin {
	return domain.Coin{ID: c.CoinID, Symbol: c.Symbol, Address: c.Address, Chain: c.Chain}
}

// missing marks entity-not-found errors permanent; anything else stays transient.
func missing(err error) error {
	if errors.Is(err, coinqw.ErrEntityNotFound) {
		return coinqw.Permanent(err)
	}
	return err
}

func (p *Processors) broadcast(channel string, v any) {
	if p.notify == nil {
		return
	}
	if err := p.notify.Broadcast(channel, v); err != nil {
		p.log.Warnf("processors: broadcast %s: %v", channel, err)
	}
}

func wrap(job, id string, err error) error {
	return fmt.Errorf("%s %s: %w", job, id, err)
}
