package main

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/crm"
	"github.com/sells-group/outreach-cli/internal/delivery"
	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/engine"
	"github.com/sells-group/outreach-cli/internal/intake"
	"github.com/sells-group/outreach-cli/internal/joblock"
	"github.com/sells-group/outreach-cli/internal/message"
	"github.com/sells-group/outreach-cli/internal/notify"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/pkg/notion"
	sfpkg "github.com/sells-group/outreach-cli/pkg/salesforce"
)

// appEnv holds the initialized store, engine, and collaborators shared by
// the serve, worker, and jobs commands.
type appEnv struct {
	Store  store.Store
	Engine *engine.Engine
	CRM    crm.Syncer

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st = s
	case "postgres":
		s, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
		if err != nil {
			return nil, err
		}
		st = s
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	return store.WithTimeout(st, config.Seconds(cfg.Store.CallTimeoutSecs)), nil
}

// openStore validates store settings and returns a migrated store for
// commands that only read or write records.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func retryConfig() resilience.RetryConfig {
	r := cfg.Retry
	return resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction)
}

func initNotifier() notify.Notifier {
	var sinks []notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.Notify.WebhookURL, retryConfig()))
	}
	if cfg.Notion.Token != "" && cfg.Notion.AlertDB != "" {
		client := notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(cfg.Notion.RateLimit))
		sinks = append(sinks, notify.NewNotion(client, cfg.Notion.AlertDB))
	}
	return notify.Combine(sinks...)
}

func initSalesforce() (sfpkg.Client, error) {
	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}
	return sfpkg.Connect(sfpkg.Config{
		LoginURL:  cfg.Salesforce.LoginURL,
		Username:  cfg.Salesforce.Username,
		ClientID:  cfg.Salesforce.ClientID,
		PEM:       string(pemData),
		RateLimit: cfg.Salesforce.RateLimit,
	})
}

func initCRM() (crm.Syncer, error) {
	if !cfg.Salesforce.Enabled {
		return crm.Nop{}, nil
	}
	client, err := initSalesforce()
	if err != nil {
		return nil, err
	}
	return crm.NewSalesforceSyncer(client), nil
}

// initLocker returns the Redis run lock, or a no-op lock when Redis is not
// configured.
func initLocker(ctx context.Context) (joblock.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		return joblock.Nop{}, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, eris.Wrap(err, "redis: ping")
	}
	locker := joblock.NewRedisLocker(client, cfg.Redis.LockPrefix, config.Seconds(cfg.Redis.LockTTLSecs))
	return locker, func() { _ = client.Close() }, nil
}

func enginePacing() engine.Pacing {
	e := cfg.Engine
	return engine.Pacing{
		Message: engine.Range{Min: config.Seconds(e.MessagePauseMinSec), Max: config.Seconds(e.MessagePauseMaxSec)},
		Batch:   engine.Range{Min: config.Seconds(e.BatchPauseMinSec), Max: config.Seconds(e.BatchPauseMaxSec)},
	}
}

// initApp validates config for mode and builds the store and engine.
// Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	locker, closeLocker, err := initLocker(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, closeLocker)

	syncer, err := initCRM()
	if err != nil {
		env.Close()
		return nil, err
	}
	env.CRM = syncer

	agents := delivery.NewFactory(delivery.HTTPConfig{
		BaseURL:       cfg.Delivery.BaseURL,
		APIKey:        cfg.Delivery.APIKey,
		Timeout:       config.Seconds(cfg.Delivery.TimeoutSecs),
		RatePerSecond: cfg.Delivery.RatePerSecond,
		Retry:         retryConfig(),
	}, cfg.Delivery.DryRun)

	env.Engine = engine.New(engine.Deps{
		Store:    st,
		Agents:   agents,
		Notifier: initNotifier(),
		Links: message.LinkBuilder{
			DefaultBaseURL:     cfg.Links.DefaultBaseURL,
			CostPerDemoBaseURL: cfg.Links.CostPerDemoBaseURL,
			RootDomain:         cfg.Links.RootDomain,
		},
		Locker: locker,
		CRM:    syncer,
	}, engine.Config{
		FailureThreshold: cfg.Engine.FailureThreshold,
		Pacing:           enginePacing(),
		NotifyChannel:    cfg.Notify.Channel,
		NotifyTimeout:    config.Seconds(cfg.Engine.NotifyTimeoutSecs),
		ReleaseTimeout:   config.Seconds(cfg.Engine.ReleaseTimeoutSecs),
	})

	zap.L().Debug("app initialized",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("dry_run", cfg.Delivery.DryRun || cfg.Delivery.BaseURL == ""),
		zap.Bool("redis_lock", cfg.Redis.Addr != ""),
		zap.Bool("salesforce", cfg.Salesforce.Enabled),
	)
	return env, nil
}

// initDispatcher publishes to AMQP when a queue is configured and otherwise
// runs jobs in process. The returned shutdown waits up to grace for
// in-process jobs.
func initDispatcher(ctx context.Context, env *appEnv, grace time.Duration) (intake.Dispatcher, func(), error) {
	if cfg.Queue.URL != "" {
		conn, ch, err := dispatch.Dial(cfg.Queue.URL)
		if err != nil {
			return nil, nil, err
		}
		pub, err := dispatch.NewAMQPPublisher(ch, cfg.Queue.Name)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		zap.L().Info("dispatching jobs to queue", zap.String("queue", cfg.Queue.Name))
		return pub, func() { _ = conn.Close() }, nil
	}

	pool := dispatch.NewPool(env.Engine, cfg.Engine.Workers, cfg.Engine.QueueSize)
	pool.Start(ctx)
	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		if err := pool.Close(sctx); err != nil {
			zap.L().Warn("in-process jobs still running at shutdown", zap.Int("running", pool.Running()), zap.Error(err))
		}
	}
	return pool, shutdown, nil
}
