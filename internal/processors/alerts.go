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

// AlertCooldown is the minimum time between two triggers of one alert.
const AlertCooldown = time.Hour

var errUnknownAlertType = errors.New("unknown alert type")

// AlertEvent is pushed to the owner of a triggered alert.
type AlertEvent struct {
	AlertID   string          `json:"alertId"`
	CoinID    string          `json:"coinId"`
	Type      string          `json:"type"`
	Threshold decimal.Decimal `json:"threshold"`
	Value     decimal.Decimal `json:"value"`
	At        time.Time       `json:"at"`
}

// AlertResult is the result of an alert check.
type AlertResult struct {
	Checked   int      `json:"checked"`
	Triggered []string `json:"triggered"`
	Cooling   int      `json:"cooling"`
}

// CheckAlerts evaluates every active alert. Failures of single alerts do not
// stop the batch; they are joined into the returned error.
func (p *Processors) CheckAlerts(ctx context.Context, _ coinqw.CheckAlertsPayload) (any, error) {
	alerts, err := p.store.ActiveAlerts(ctx)
	if err != nil {
		return nil, err
	}
	var (
		res  = AlertResult{Triggered: []string{}}
		errs []error
	)
	for _, a := range alerts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p.checkAlert(ctx, a, &res, &errs)
	}
	return res, errors.Join(errs...)
}

// CheckSpecificAlert evaluates one alert. A missing alert fails permanently; an
// inactive one is ignored.
func (p *Processors) CheckSpecificAlert(ctx context.Context, pl coinqw.CheckSpecificAlertPayload) (any, error) {
	a, err := p.store.GetAlert(ctx, pl.AlertID)
	if err != nil {
		return nil, missing(wrap(coinqw.JobCheckSpecificAlert, pl.AlertID, err))
	}
	res := AlertResult{Triggered: []string{}}
	if !a.Active {
		return res, nil
	}
	if !KnownAlertType(a.Type) {
		return nil, coinqw.Permanent(wrap(coinqw.JobCheckSpecificAlert, a.ID, fmt.Errorf("%w %q", errUnknownAlertType, a.Type)))
	}
	var errs []error
	p.checkAlert(ctx, a, &res, &errs)
	return res, errors.Join(errs...)
}

func (p *Processors) checkAlert(ctx context.Context, a domain.Alert, res *AlertResult, errs *[]error) {
	now := p.now().UTC()
	res.Checked++
	if a.LastTriggeredAt != nil && now.Sub(*a.LastTriggeredAt) < AlertCooldown {
		res.Cooling++
		return
	}
	value, hit, err := p.evaluate(ctx, a, now)
	if errors.Is(err, errUnknownAlertType) {
		p.log.Warnf("processors: alert %s has unknown type %q", a.ID, a.Type)
		return
	}
	if err != nil {
		*errs = append(*errs, wrap("alert", a.ID, err))
		return
	}
	if !hit {
		return
	}
	if err := p.store.MarkAlertTriggered(ctx, a.ID, now); err != nil {
		*errs = append(*errs, wrap("alert", a.ID, err))
		return
	}
	res.Triggered = append(res.Triggered, a.ID)
	p.broadcast(AlertChannel(a.UserID), AlertEvent{
		AlertID:   a.ID,
		CoinID:    a.CoinID,
		Type:      a.Type,
		Threshold: a.Threshold,
		Value:     value,
		At:        now,
	})
}

// evaluate returns the observed value and whether the alert condition holds.
// A coin without data never triggers.
func (p *Processors) evaluate(ctx context.Context, a domain.Alert, now time.Time) (decimal.Decimal, bool, error) {
	switch a.Type {
	case domain.AlertPriceAbove, domain.AlertPriceBelow, domain.AlertPercentChange, domain.AlertVolumeSpike:
		pt, err := p.store.LatestPrice(ctx, a.CoinID)
		if errors.Is(err, coinqw.ErrEntityNotFound) {
			return decimal.Zero, false, nil
		}
		if err != nil {
			return decimal.Zero, false, err
		}
		switch a.Type {
		case domain.AlertPriceAbove:
			return pt.Price, pt.Price.GreaterThan(a.Threshold), nil
		case domain.AlertPriceBelow:
			return pt.Price, pt.Price.LessThan(a.Threshold), nil
		case domain.AlertPercentChange:
			change := pt.ChangePercent24h.Abs()
			return change, change.GreaterThanOrEqual(a.Threshold), nil
		default:
			// Threshold is a multiple of the average volume of the previous day.
			avg, err := p.store.AverageVolume(ctx, a.CoinID, now.Add(-24*time.Hour), pt.Timestamp)
			if err != nil {
				return decimal.Zero, false, err
			}
			if !avg.IsPositive() {
				return decimal.Zero, false, nil
			}
			ratio := pt.Volume24h.Div(avg)
			return ratio, ratio.GreaterThanOrEqual(a.Threshold), nil
		}

	case domain.AlertSentimentBelow, domain.AlertMentionsAbove:
		metrics, err := p.store.LatestSocialMetrics(ctx, a.CoinID)
		if err != nil {
			return decimal.Zero, false, err
		}
		if len(metrics) == 0 {
			return decimal.Zero, false, nil
		}
		if a.Type == domain.AlertMentionsAbove {
			total := 0
			for _, m := range metrics {
				total += m.Mentions
			}
			v := decimal.NewFromInt(int64(total))
			return v, v.GreaterThan(a.Threshold), nil
		}
		sum := 0.0
		for _, m := range metrics {
			sum += m.Sentiment
		}
		v := decimal.NewFromFloat(sum / float64(len(metrics)))
		return v, v.LessThan(a.Threshold), nil
	}
	return decimal.Zero, false, errUnknownAlertType
}

// KnownAlertType reports whether t is one of the evaluated alert types.
func KnownAlertType(t string) bool {
	switch t {
	case domain.AlertPriceAbove, domain.AlertPriceBelow, domain.AlertPercentChange,
		domain.AlertVolumeSpike, domain.AlertSentimentBelow, domain.AlertMentionsAbove:
		return true
	}
	return false
}
