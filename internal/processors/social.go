package processors

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/UniQw/coinqw"
	"github.com/UniQw/coinqw/internal/domain"
)

// A platform is trending when its mentions at least double against the previous
// sample and reach TrendingMinMentions.
const (
	TrendingFactor      = 2
	TrendingMinMentions = 10
)

// SocialResult is the result of a scrape-social job.
type SocialResult struct {
	CoinID  string                `json:"coinId"`
	Metrics []domain.SocialMetric `json:"metrics"`
	Skipped map[string]string     `json:"skipped,omitempty"`
}

// ParseTimeframe accepts Go durations plus a day suffix ("7d").
func ParseTimeframe(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil || days < 1 {
			return 0, fmt.Errorf("invalid timeframe %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	return d, nil
}

// ScrapeSocial collects the posts of every platform, scores them and stores one
// metric row per platform. A platform whose source fails is skipped; the job
// fails only when every platform failed.
func (p *Processors) ScrapeSocial(ctx context.Context, pl coinqw.ScrapeSocialPayload) (any, error) {
	coin := coinOf(pl.CoinRef)
	window, err := ParseTimeframe(pl.Timeframe)
	if err != nil {
		return nil, coinqw.Permanent(fmt.Errorf("%w: %v", coinqw.ErrInvalidPayload, err))
	}

	prev, err := p.store.LatestSocialMetrics(ctx, coin.ID)
	if err != nil {
		return nil, wrap(coinqw.JobScrapeSocial, coin.ID, err)
	}
	prevMentions := make(map[string]int, len(prev))
	for _, m := range prev {
		prevMentions[m.Platform] = m.Mentions
	}

	now := p.now().UTC()
	since := now.Add(-window)
	res := SocialResult{CoinID: coin.ID}
	var errs []error
	for i, platform := range pl.Platforms {
		posts, err := p.social.Posts(ctx, platform, coin, since)
		if err != nil {
			if ctx.Err() != nil {
				return nil, wrap(coinqw.JobScrapeSocial, coin.ID, ctx.Err())
			}
			p.log.Warnf("processors: scrape %s on %s: %v", coin.ID, platform, err)
			errs = append(errs, fmt.Errorf("%s: %w", platform, err))
			if res.Skipped == nil {
				res.Skipped = make(map[string]string)
			}
			res.Skipped[platform] = err.Error()
			continue
		}
		texts := make([]string, len(posts))
		for j, post := range posts {
			texts[j] = post.Text
		}
		m := domain.SocialMetric{
			CoinID:    coin.ID,
			Platform:  platform,
			Timeframe: pl.Timeframe,
			Mentions:  len(posts),
			Sentiment: Sentiment(texts...),
			Timestamp: now,
		}
		m.Trending = m.Mentions >= TrendingMinMentions && m.Mentions >= TrendingFactor*prevMentions[platform]
		if err := p.store.SaveSocialMetrics(ctx, m); err != nil {
			return nil, wrap(coinqw.JobScrapeSocial, coin.ID, err)
		}
		res.Metrics = append(res.Metrics, m)
		coinqw.SetProgress(ctx, (i+1)*100/len(pl.Platforms))
	}
	if len(res.Metrics) == 0 && len(errs) > 0 {
		return nil, wrap(coinqw.JobScrapeSocial, coin.ID, errors.Join(errs...))
	}
	return res, nil
}
