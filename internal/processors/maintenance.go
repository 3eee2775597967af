package processors

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/UniQw/coinqw"
)

// CleanupResult is the result of a retention job.
type CleanupResult struct {
	Deleted int64     `json:"deleted"`
	Cutoff  time.Time `json:"cutoff"`
}

// WarmCacheResult is the result of a warm-cache job.
type WarmCacheResult struct {
	Warmed  int `json:"warmed"`
	Skipped int `json:"skipped"`
}

// PriceCacheKey is the cache key of a coin's latest price.
func PriceCacheKey(coinID string) string { return "coinqw:cache:price:" + coinID }

func (p *Processors) cutoff(days int) time.Time {
	return p.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
}

// CleanupPriceData deletes price rows older than the retention period.
func (p *Processors) CleanupPriceData(ctx context.Context, pl coinqw.CleanupPriceDataPayload) (any, error) {
	cut := p.cutoff(pl.RetentionDays)
	n, err := p.store.DeletePriceDataBefore(ctx, cut)
	if err != nil {
		return nil, err
	}
	p.log.Infof("processors: deleted %d price rows before %s", n, cut.Format(time.RFC3339))
	return CleanupResult{Deleted: n, Cutoff: cut}, nil
}

// CleanupSocialMetrics deletes social metric rows older than the retention period.
func (p *Processors) CleanupSocialMetrics(ctx context.Context, pl coinqw.CleanupSocialMetricsPayload) (any, error) {
	cut := p.cutoff(pl.RetentionDays)
	n, err := p.store.DeleteSocialMetricsBefore(ctx, cut)
	if err != nil {
		return nil, err
	}
	p.log.Infof("processors: deleted %d social metric rows before %s", n, cut.Format(time.RFC3339))
	return CleanupResult{Deleted: n, Cutoff: cut}, nil
}

// WarmCache loads the latest price of the top coins into the cache.
func (p *Processors) WarmCache(ctx context.Context, pl coinqw.WarmCachePayload) (any, error) {
	coins, err := p.store.TopCoins(ctx, pl.Limit)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(pl.TTLSeconds) * time.Second
	var res WarmCacheResult
	for i, c := range coins {
		pt, err := p.store.LatestPrice(ctx, c.ID)
		if errors.Is(err, coinqw.ErrEntityNotFound) {
			res.Skipped++
			continue
		}
		if err != nil {
			return nil, wrap(coinqw.JobWarmCache, c.ID, err)
		}
		b, err := json.Marshal(pt)
		if err != nil {
			return nil, err
		}
		if err := p.cache.Set(ctx, PriceCacheKey(c.ID), b, ttl); err != nil {
			return nil, wrap(coinqw.JobWarmCache, c.ID, err)
		}
		res.Warmed++
		coinqw.SetProgress(ctx, (i+1)*100/len(coins))
	}
	return res, nil
}
