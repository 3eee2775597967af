// Package scheduler turns the set of tracked coins into standing repeat
// registrations and schedules ad-hoc jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/coinqw"
	"github.com/UniQw/coinqw/internal/domain"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownTask is returned for an ad-hoc task name that is not price, social or risk.
var ErrUnknownTask = errors.New("scheduler: unknown task")

// Ad-hoc task names.
const (
	TaskPrice  = "price"
	TaskSocial = "social"
	TaskRisk   = "risk"
)

// GlobalKey is the repeat key of registrations that are not per coin.
const GlobalKey = "global"

// Retention periods and cache warm-up defaults.
const (
	PriceRetentionDays  = 90
	SocialRetentionDays = 30
	WarmCacheLimit      = 100
	WarmCacheTTL        = time.Hour
	DefaultTimeframe    = "24h"
)

// OneOffRetry is the retry policy of ad-hoc jobs.
var OneOffRetry = coinqw.RetryPolicy{Attempts: 3, Backoff: coinqw.BackoffFixed}

// CoinSource loads the tracked coins.
type CoinSource interface {
	ListCoins(ctx context.Context) ([]domain.Coin, error)
	GetCoin(ctx context.Context, id string) (domain.Coin, error)
}

// Queues is the part of the queue manager the scheduler drives.
type Queues interface {
	Queues() []coinqw.QueueConfig
	Enqueue(ctx context.Context, queue, jobName string, payload coinqw.Payload, opts ...coinqw.Option) (string, error)
	ListRepeats(ctx context.Context, queue string) ([]coinqw.RepeatInfo, error)
	RemoveRepeat(ctx context.Context, queue, jobName, key string) error
	RestoreRepeat(ctx context.Context, info coinqw.RepeatInfo) error
	Status(ctx context.Context, queue string) (coinqw.Status, error)
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
}

// Recurring is one standing task of the catalogue.
type Recurring struct {
	JobName  string
	Queue    string
	Schedule string
	Retry    coinqw.RetryPolicy
	// PerCoin registers one repeat per coin keyed by coin id; otherwise one
	// registration keyed by GlobalKey.
	PerCoin bool
	Payload func(c domain.Coin) coinqw.Payload
}

func ref(c domain.Coin) coinqw.CoinRef {
	return coinqw.CoinRef{CoinID: c.ID, Symbol: c.Symbol, Address: c.Address, Chain: c.Chain}
}

// DefaultRecurring returns the standing task table.
func DefaultRecurring() []Recurring {
	return []Recurring{
		{
			JobName: coinqw.JobIngestPrice, Queue: coinqw.QueueIngestion, Schedule: "@every 5m",
			Retry:   coinqw.RetryPolicy{Attempts: 3, Backoff: coinqw.BackoffExponential, Delay: 5 * time.Second},
			PerCoin: true,
			Payload: func(c domain.Coin) coinqw.Payload { return coinqw.IngestPricePayload{CoinRef: ref(c)} },
		},
		{
			JobName: coinqw.JobScrapeSocial, Queue: coinqw.QueueScraping, Schedule: "@every 30m",
			Retry:   coinqw.RetryPolicy{Attempts: 2, Backoff: coinqw.BackoffExponential, Delay: 10 * time.Second},
			PerCoin: true,
			Payload: func(c domain.Coin) coinqw.Payload {
				return coinqw.ScrapeSocialPayload{
					CoinRef:   ref(c),
					Platforms: append([]string(nil), coinqw.DefaultPlatforms...),
					Timeframe: DefaultTimeframe,
				}
			},
		},
		{
			JobName: coinqw.JobCalculateRisk, Queue: coinqw.QueueRisk, Schedule: "@every 2h",
			Retry:   coinqw.RetryPolicy{Attempts: 2, Backoff: coinqw.BackoffExponential, Delay: 15 * time.Second},
			PerCoin: true,
			Payload: func(c domain.Coin) coinqw.Payload { return coinqw.CalculateRiskPayload{CoinRef: ref(c)} },
		},
		{
			JobName: coinqw.JobCheckAlerts, Queue: coinqw.QueueAlerts, Schedule: "@every 1m",
			Retry:   coinqw.NoRetry,
			Payload: func(domain.Coin) coinqw.Payload { return coinqw.CheckAlertsPayload{} },
		},
		{
			JobName: coinqw.JobCleanupPriceData, Queue: coinqw.QueueMaintenance, Schedule: "0 2 * * *",
			Retry: coinqw.NoRetry,
			Payload: func(domain.Coin) coinqw.Payload {
				return coinqw.CleanupPriceDataPayload{RetentionDays: PriceRetentionDays}
			},
		},
		{
			JobName: coinqw.JobCleanupSocialMetrics, Queue: coinqw.QueueMaintenance, Schedule: "30 2 * * *",
			Retry: coinqw.NoRetry,
			Payload: func(domain.Coin) coinqw.Payload {
				return coinqw.CleanupSocialMetricsPayload{RetentionDays: SocialRetentionDays}
			},
		},
		{
			JobName: coinqw.JobWarmCache, Queue: coinqw.QueueMaintenance, Schedule: "@every 6h",
			Retry: coinqw.NoRetry,
			Payload: func(domain.Coin) coinqw.Payload {
				return coinqw.WarmCachePayload{Limit: WarmCacheLimit, TTLSeconds: int(WarmCacheTTL / time.Second)}
			},
		},
	}
}

// Scheduler registers and removes jobs on the queue manager.
type Scheduler struct {
	queues Queues
	coins  CoinSource
	table  []Recurring
	log    coinqw.Logger
}

// New creates a Scheduler with the default task table.
func New(q Queues, coins CoinSource, log coinqw.Logger) *Scheduler {
	if log == nil {
		log = coinqw.NopLogger{}
	}
	return &Scheduler{queues: q, coins: coins, table: DefaultRecurring(), log: log}
}

// Table returns the recurring task table.
func (s *Scheduler) Table() []Recurring { return s.table }

// registration is one write of ScheduleRecurring. prior is the registration
// it replaced, nil when it created a new one.
type registration struct {
	queue, jobName, key string
	prior               *coinqw.RepeatInfo
}

// ScheduleRecurring registers every recurring task for every tracked coin and
// returns how many registrations were made. The coins and the existing
// registrations are loaded first; when that fails nothing is written. When a
// registration fails, the ones created by this call are removed and the ones
// it replaced are restored with their previous fire time, then the error is
// returned. Running it again is an upsert.
func (s *Scheduler) ScheduleRecurring(ctx context.Context) (int, error) {
	coins, err := s.coins.ListCoins(ctx)
	if err != nil {
		err = fmt.Errorf("scheduler: load coins for %d recurring tasks: %w", len(s.table), err)
		s.log.Errorf("%v", err)
		return 0, err
	}
	existing, err := s.snapshot(ctx)
	if err != nil {
		s.log.Errorf("%v", err)
		return 0, err
	}

	var done []registration
	for _, r := range s.table {
		targets := []domain.Coin{{}}
		if r.PerCoin {
			targets = coins
		}
		for _, c := range targets {
			key := GlobalKey
			if r.PerCoin {
				key = c.ID
			}
			reg := registration{queue: r.Queue, jobName: r.JobName, key: key}
			if prev, ok := existing[coinqw.RepeatID(r.JobName, key)]; ok {
				reg.prior = &prev
			}
			_, err := s.queues.Enqueue(ctx, r.Queue, r.JobName, r.Payload(c),
				coinqw.Repeat(r.Schedule), coinqw.RepeatKey(key), coinqw.Retry(r.Retry))
			if err != nil {
				// the failed write may still have landed
				s.rollback(ctx, append(done, reg))
				err = fmt.Errorf("scheduler: register %s for %s after %d of %d coins: %w", r.JobName, key, len(done), len(coins), err)
				s.log.Errorf("%v", err)
				return 0, err
			}
			done = append(done, reg)
		}
	}
	s.log.Infof("scheduler: %d recurring registrations for %d coins", len(done), len(coins))
	return len(done), nil
}

// snapshot returns the current registrations of every queue in the table,
// keyed by registration id.
func (s *Scheduler) snapshot(ctx context.Context) (map[string]coinqw.RepeatInfo, error) {
	out := make(map[string]coinqw.RepeatInfo)
	seen := make(map[string]bool)
	for _, r := range s.table {
		if seen[r.Queue] {
			continue
		}
		seen[r.Queue] = true
		reps, err := s.queues.ListRepeats(ctx, r.Queue)
		if err != nil {
			return nil, fmt.Errorf("scheduler: load registrations of %s: %w", r.Queue, err)
		}
		for _, info := range reps {
			out[info.ID] = info
		}
	}
	return out, nil
}

func (s *Scheduler) rollback(ctx context.Context, done []registration) {
	ctx = context.WithoutCancel(ctx)
	for _, r := range done {
		var err error
		if r.prior != nil {
			err = s.queues.RestoreRepeat(ctx, *r.prior)
		} else {
			err = s.queues.RemoveRepeat(ctx, r.queue, r.jobName, r.key)
		}
		if err != nil && !errors.Is(err, coinqw.ErrRepeatNotFound) {
			s.log.Warnf("scheduler: rollback %s/%s/%s: %v", r.queue, r.jobName, r.key, err)
		}
	}
}

// ScheduleOneOff enqueues one job of task for a coin. A coin that does not
// exist fails with an error matching coinqw.ErrEntityNotFound and nothing is
// enqueued.
func (s *Scheduler) ScheduleOneOff(ctx context.Context, task, coinID string, delay time.Duration) (string, error) {
	var (
		queue, jobName string
		build          func(domain.Coin) coinqw.Payload
	)
	switch task {
	case TaskPrice:
		queue, jobName = coinqw.QueueIngestion, coinqw.JobIngestPrice
	case TaskSocial:
		queue, jobName = coinqw.QueueScraping, coinqw.JobScrapeSocial
	case TaskRisk:
		queue, jobName = coinqw.QueueRisk, coinqw.JobCalculateRisk
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, task)
	}
	for _, r := range s.table {
		if r.JobName == jobName {
			build = r.Payload
			break
		}
	}

	coin, err := s.coins.GetCoin(ctx, coinID)
	if err != nil {
		return "", fmt.Errorf("scheduler: %s for coin %s: %w", task, coinID, err)
	}
	opts := []coinqw.Option{coinqw.Retry(OneOffRetry)}
	if delay > 0 {
		opts = append(opts, coinqw.Delay(delay))
	}
	return s.queues.Enqueue(ctx, queue, jobName, build(coin), opts...)
}

// ScheduleAlertCheck enqueues an evaluation of one alert.
func (s *Scheduler) ScheduleAlertCheck(ctx context.Context, alertID string, delay time.Duration) (string, error) {
	opts := []coinqw.Option{coinqw.Retry(OneOffRetry)}
	if delay > 0 {
		opts = append(opts, coinqw.Delay(delay))
	}
	return s.queues.Enqueue(ctx, coinqw.QueueAlerts, coinqw.JobCheckSpecificAlert,
		coinqw.CheckSpecificAlertPayload{AlertID: alertID}, opts...)
}

// Unschedule removes the per-coin registrations of a coin. Registrations that
// do not exist are ignored.
func (s *Scheduler) Unschedule(ctx context.Context, coinID string) error {
	var errs []error
	for _, r := range s.table {
		if !r.PerCoin {
			continue
		}
		err := s.queues.RemoveRepeat(ctx, r.Queue, r.JobName, coinID)
		if err != nil && !errors.Is(err, coinqw.ErrRepeatNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", r.JobName, err))
		}
	}
	return errors.Join(errs...)
}

// QueueStats is the status of one queue, or the error that prevented reading it.
type QueueStats struct {
	*coinqw.Status
	Error string `json:"error,omitempty"`
}

// AggregateQueueStats reads the status of every queue concurrently. A queue
// whose read fails carries the error message; the others are unaffected.
func (s *Scheduler) AggregateQueueStats(ctx context.Context) map[string]QueueStats {
	queues := s.queues.Queues()
	out := make(map[string]QueueStats, len(queues))
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, qc := range queues {
		g.Go(func() error {
			st, err := s.queues.Status(ctx, qc.Name)
			qs := QueueStats{}
			if err != nil {
				qs.Error = err.Error()
			} else {
				qs.Status = &st
			}
			mu.Lock()
			out[qc.Name] = qs
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// PauseAll pauses every queue. Every queue is attempted; failures are joined.
func (s *Scheduler) PauseAll(ctx context.Context) error {
	return s.each(ctx, "pause", s.queues.Pause)
}

// ResumeAll resumes every queue. Every queue is attempted; failures are joined.
func (s *Scheduler) ResumeAll(ctx context.Context) error {
	return s.each(ctx, "resume", s.queues.Resume)
}

func (s *Scheduler) each(ctx context.Context, op string, fn func(context.Context, string) error) error {
	var errs []error
	for _, qc := range s.queues.Queues() {
		if err := fn(ctx, qc.Name); err != nil {
			s.log.Warnf("scheduler: %s %s: %v", op, qc.Name, err)
			errs = append(errs, fmt.Errorf("%s %s: %w", op, qc.Name, err))
		}
	}
	return errors.Join(errs...)
}
