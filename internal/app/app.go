// Package app wires the process: one Orchestration is built in main and owns
// every long-lived collaborator.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/UniQw/coinqw"
	"github.com/UniQw/coinqw/internal/api"
	"github.com/UniQw/coinqw/internal/cache"
	"github.com/UniQw/coinqw/internal/config"
	"github.com/UniQw/coinqw/internal/datastore"
	"github.com/UniQw/coinqw/internal/market"
	"github.com/UniQw/coinqw/internal/monitor"
	"github.com/UniQw/coinqw/internal/processors"
	"github.com/UniQw/coinqw/internal/push"
	"github.com/UniQw/coinqw/internal/scheduler"
	"github.com/UniQw/coinqw/internal/social"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Orchestration is the process context.
type Orchestration struct {
	Config     config.Config
	Log        *zap.Logger
	Redis      redis.UniversalClient
	Store      *datastore.Store
	Mux        *coinqw.Mux
	Manager    *coinqw.Manager
	Monitor    *monitor.Monitor
	Scheduler  *scheduler.Scheduler
	Processors *processors.Processors
	Hub        *push.Hub
	Cache      *cache.Cache
	HTTP       *http.Server
}

// Open connects Redis and the database, then builds the Orchestration.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*Orchestration, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("app: redis %s: %w", cfg.RedisAddr, err)
	}
	store, err := datastore.Open(cfg.DBDriver, cfg.DatabaseURL, cfg.Env != "production")
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	o, err := Build(cfg, log, rdb, store)
	if err != nil {
		_ = store.Close()
		_ = rdb.Close()
		return nil, err
	}
	return o, nil
}

// Build wires the collaborators around an existing Redis client and store.
func Build(cfg config.Config, log *zap.Logger, rdb redis.UniversalClient, store *datastore.Store) (*Orchestration, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sugar := log.Sugar()

	mkt, err := market.New(cfg.MarketAPIURL, cfg.MarketAPIKey, cfg.HTTPClientTimeout)
	if err != nil {
		return nil, fmt.Errorf("app: market client: %w", err)
	}
	soc, err := social.New(cfg.SocialAPIURL, cfg.SocialAPIKey, cfg.HTTPClientTimeout)
	if err != nil {
		return nil, fmt.Errorf("app: social client: %w", err)
	}

	o := &Orchestration{
		Config: cfg,
		Log:    log,
		Redis:  rdb,
		Store:  store,
		Mux:    coinqw.NewMux(),
		Hub:    push.NewHub(cfg.WSMaxClients, sugar.Named("push")),
		Cache:  cache.New(rdb, ""),
	}
	o.Processors = processors.New(processors.Deps{
		Store:    store,
		Market:   mkt,
		Social:   soc,
		Notifier: o.Hub,
		Cache:    o.Cache,
		Logger:   sugar.Named("processors"),
	})
	o.Mux.Use(jobLogger(sugar.Named("jobs")))
	o.Processors.Register(o.Mux)

	o.Manager = coinqw.NewManager(rdb, o.Mux, coinqw.Config{
		VisibilityTTL: cfg.VisibilityTTL,
		PollInterval:  cfg.PollInterval,
		Logger:        sugar.Named("manager"),
	})
	o.Monitor = monitor.New(o.Manager, monitor.Config{
		FailureCap: cfg.FailureLogCap,
		Logger:     sugar.Named("monitor"),
	})
	o.Manager.Observe(o.Monitor)
	o.Scheduler = scheduler.New(o.Manager, store, sugar.Named("scheduler"))

	router := api.NewRouter(api.Deps{
		Queues:         o.Manager,
		Scheduler:      o.Scheduler,
		Monitor:        o.Monitor,
		WS:             o.Hub.ServeWS,
		Logger:         log.Named("http"),
		PostRatePerMin: cfg.TriggerRatePerMin,
	})
	o.HTTP = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return o, nil
}

// Run registers the recurring schedule when enabled, starts the workers, the
// push hub and the HTTP server, and blocks until ctx is cancelled or the
// server fails. Workers are drained before Run returns.
func (o *Orchestration) Run(ctx context.Context) error {
	if o.Config.EnableScheduler {
		n, err := o.Scheduler.ScheduleRecurring(ctx)
		if err != nil {
			return fmt.Errorf("app: schedule recurring: %w", err)
		}
		o.Log.Info("recurring jobs registered", zap.Int("count", n))
	}

	o.Manager.Start()
	o.Log.Info("workers started", zap.Strings("queues", queueNames(o.Manager.Queues())))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		o.Log.Info("http listening", zap.String("addr", o.HTTP.Addr))
		if err := o.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout())
		defer cancel()
		err := o.HTTP.Shutdown(sctx)
		o.Manager.Stop()
		o.Log.Info("workers stopped")
		return err
	})
	return g.Wait()
}

// Close releases the connections opened by Open.
func (o *Orchestration) Close() error {
	var errs []error
	if o.Store != nil {
		errs = append(errs, o.Store.Close())
	}
	if o.Redis != nil {
		errs = append(errs, o.Redis.Close())
	}
	return errors.Join(errs...)
}

func (o *Orchestration) shutdownTimeout() time.Duration {
	if o.Config.ShutdownTimeout > 0 {
		return o.Config.ShutdownTimeout
	}
	return 30 * time.Second
}

func queueNames(qs []coinqw.QueueConfig) []string {
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.Name)
	}
	return out
}

// jobLogger logs the duration and outcome of every handler invocation.
func jobLogger(l coinqw.Logger) coinqw.Middleware {
	return func(next coinqw.HandlerFunc) coinqw.HandlerFunc {
		return func(ctx context.Context, payload []byte) error {
			start := time.Now()
			err := next(ctx, payload)
			info, _ := coinqw.CurrentJob(ctx)
			if err != nil {
				l.Warnf("job %s %s attempt %d failed: final=%t dur=%s err=%v", info.Name, info.ID, info.Attempt, info.Final, time.Since(start), err)
			} else {
				l.Debugf("job %s %s ok: dur=%s", info.Name, info.ID, time.Since(start))
			}
			return err
		}
	}
}
