package processors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/coinqw"
	"github.com/UniQw/coinqw/internal/domain"
	"github.com/shopspring/decimal"
)

type fakeStore struct {
	mu        sync.Mutex
	coins     []domain.Coin
	prices    []domain.PricePoint
	avgVolume decimal.Decimal
	social    []domain.SocialMetric
	alerts    map[string]domain.Alert
	risks     []domain.RiskAssessment
	triggered map[string]time.Time
	failSave  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{alerts: map[string]domain.Alert{}, triggered: map[string]time.Time{}}
}

func (s *fakeStore) TopCoins(_ context.Context, limit int) ([]domain.Coin, error) {
	if limit > len(s.coins) {
		limit = len(s.coins)
	}
	return s.coins[:limit], nil
}

func (s *fakeStore) SavePriceData(_ context.Context, p domain.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	s.prices = append(s.prices, p)
	return nil
}

func (s *fakeStore) LatestPrice(_ context.Context, coinID string) (domain.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.prices) - 1; i >= 0; i-- {
		if s.prices[i].CoinID == coinID {
			return s.prices[i], nil
		}
	}
	return domain.PricePoint{}, fmt.Errorf("price of coin %q: %w", coinID, coinqw.ErrEntityNotFound)
}

func (s *fakeStore) AverageVolume(context.Context, string, time.Time, time.Time) (decimal.Decimal, error) {
	return s.avgVolume, nil
}

func (s *fakeStore) SaveSocialMetrics(_ context.Context, m domain.SocialMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.social = append(s.social, m)
	return nil
}

func (s *fakeStore) LatestSocialMetrics(_ context.Context, coinID string) ([]domain.SocialMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []domain.SocialMetric
	for i := len(s.social) - 1; i >= 0; i-- {
		m := s.social[i]
		if m.CoinID != coinID || seen[m.Platform] {
			continue
		}
		seen[m.Platform] = true
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeStore) ActiveAlerts(context.Context) ([]domain.Alert, error) {
	var out []domain.Alert
	for _, id := range []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7"} {
		if a, ok := s.alerts[id]; ok && a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) GetAlert(_ context.Context, id string) (domain.Alert, error) {
	a, ok := s.alerts[id]
	if !ok {
		return domain.Alert{}, fmt.Errorf("alert %q: %w", id, coinqw.ErrEntityNotFound)
	}
	return a, nil
}

func (s *fakeStore) MarkAlertTriggered(_ context.Context, id string, at time.Time) error {
	s.triggered[id] = at
	a := s.alerts[id]
	a.LastTriggeredAt = &at
	s.alerts[id] = a
	return nil
}

func (s *fakeStore) SaveRiskAssessment(_ context.Context, r domain.RiskAssessment) error {
	s.risks = append(s.risks, r)
	return nil
}

func (s *fakeStore) DeletePriceDataBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("not used")
}

func (s *fakeStore) DeleteSocialMetricsBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("not used")
}

type fakeMarket struct {
	quote     domain.Quote
	liquidity domain.Liquidity
	holders   domain.HolderDistribution
	security  domain.ContractSecurity
	err       error
}

func (m *fakeMarket) Quote(context.Context, domain.Coin) (domain.Quote, error) {
	return m.quote, m.err
}

func (m *fakeMarket) Liquidity(context.Context, domain.Coin) (domain.Liquidity, error) {
	return m.liquidity, m.err
}

func (m *fakeMarket) HolderDistribution(context.Context, domain.Coin) (domain.HolderDistribution, error) {
	return m.holders, m.err
}

func (m *fakeMarket) ContractSecurity(context.Context, domain.Coin) (domain.ContractSecurity, error) {
	return m.security, m.err
}

type fakeSocial struct {
	posts map[string][]domain.Post
	errs  map[string]error
}

func (f *fakeSocial) Posts(_ context.Context, platform string, _ domain.Coin, _ time.Time) ([]domain.Post, error) {
	if err := f.errs[platform]; err != nil {
		return nil, err
	}
	return f.posts[platform], nil
}

type broadcastCall struct {
	channel string
	v       any
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (n *fakeNotifier) Broadcast(channel string, v any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, broadcastCall{channel, v})
	return nil
}

type fakeCache struct {
	values map[string][]byte
	ttl    time.Duration
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if c.values == nil {
		c.values = map[string][]byte{}
	}
	c.values[key] = value
	c.ttl = ttl
	return nil
}

func posts(texts ...string) []domain.Post {
	out := make([]domain.Post, len(texts))
	for i, t := range texts {
		out[i] = domain.Post{Text: t}
	}
	return out
}
