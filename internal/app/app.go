// Package app opens the shared infrastructure both binaries run on:
// PostgreSQL, Redis, the work queue broker, the event emitter, the rate
// limiter and the provider manager.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/cache"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/dlq"
	"github.com/ignite/campaign-dispatch/internal/events"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/provider"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/ratelimit"
	"github.com/ignite/campaign-dispatch/internal/repository/postgres"
	"github.com/ignite/campaign-dispatch/internal/service/campaign"
)

// Repos are the PostgreSQL repositories.
type Repos struct {
	Campaigns    *postgres.CampaignRepo
	Attempts     *postgres.AttemptRepo
	Audience     *postgres.AudienceRepo
	DLQ          *postgres.DLQRepo
	Templates    *postgres.TemplateRepo
	Suppressions *postgres.SuppressionRepo
}

// App holds the opened infrastructure. Close releases it.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Redis     *redis.Client
	Broker    queue.Broker
	Emitter   *events.Emitter
	Flags     *cache.FlagStore
	Limiter   *ratelimit.Limiter
	Providers *provider.Manager
	DLQ       *dlq.Manager
	Campaigns *campaign.Service
	Repos     Repos
}

// ConfigureLogging applies the logging section to the default logger.
func ConfigureLogging(cfg config.LoggingConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(cfg.Redact())
}

// OpenDB connects to PostgreSQL and verifies the connection.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Open connects every backing service and builds the shared components.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	ConfigureLogging(cfg.Logging)

	db, err := OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.Info("[App] connected to database")

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Redis.PoolSize > 0 {
		opts.PoolSize = cfg.Redis.PoolSize
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("[App] connected to redis", "addr", opts.Addr)

	a := &App{Config: cfg, DB: db, Redis: rdb}
	a.Repos = Repos{
		Campaigns:    postgres.NewCampaignRepo(db),
		Attempts:     postgres.NewAttemptRepo(db),
		Audience:     postgres.NewAudienceRepo(db),
		DLQ:          postgres.NewDLQRepo(db),
		Templates:    postgres.NewTemplateRepo(db),
		Suppressions: postgres.NewSuppressionRepo(db),
	}

	if a.Broker, err = openBroker(cfg.Queue, rdb); err != nil {
		a.Close()
		return nil, err
	}
	a.Emitter = events.NewEmitter(openSink(cfg.Events, rdb), cfg.Events.Buffer)
	a.Flags = cache.NewFlagStore(rdb, cfg.Dispatch.PauseFlagTTL(), cfg.Dispatch.StopFlagTTL())

	if err := a.buildProviders(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.DLQ = dlq.NewManager(a.Repos.DLQ, dlq.Config{
		BaseBackoff: cfg.DLQ.BaseBackoff(),
		MaxBackoff:  cfg.DLQ.MaxBackoff(),
		MaxRetries:  cfg.DLQ.MaxRetries,
	}, a.Emitter)

	a.Campaigns = campaign.NewService(campaign.Deps{
		Repo:     a.Repos.Campaigns,
		Attempts: a.Repos.Attempts,
		Audience: a.Repos.Audience,
		DLQ:      a.DLQ,
		Flags:    a.Flags,
		Queue:    a.Broker,
		Events:   a.Emitter,
	}, campaign.Config{DefaultBatchSize: cfg.Dispatch.BatchSize})

	return a, nil
}

func openBroker(cfg config.QueueConfig, rdb *redis.Client) (queue.Broker, error) {
	switch cfg.Backend {
	case "amqp":
		b, err := queue.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange,
			[]string{queue.QueueDispatch, queue.QueueDelivery, queue.QueueFinalize}, cfg.Prefetch)
		if err != nil {
			return nil, err
		}
		logger.Info("[App] queue broker ready", "backend", "amqp", "exchange", cfg.AMQPExchange)
		return b, nil
	default:
		logger.Info("[App] queue broker ready", "backend", "redis", "lease", cfg.Lease().String())
		return queue.NewRedisBroker(rdb, cfg.Lease()), nil
	}
}

func openSink(cfg config.EventsConfig, rdb *redis.Client) events.Sink {
	if cfg.Sink == "redis" {
		return events.NewRedisStreamSink(rdb, cfg.Stream, cfg.MaxLen)
	}
	return events.LogSink{}
}

func (a *App) buildProviders(ctx context.Context) error {
	cfg := a.Config
	enabled := cfg.EnabledProviders()
	limits := make([]ratelimit.ProviderLimits, 0, len(enabled))
	for _, s := range enabled {
		limits = append(limits, s.Limits())
	}
	a.Limiter = ratelimit.New(a.Redis, ratelimit.Config{
		Window:                cfg.RateLimit.Window(),
		SuccessThreshold:      cfg.RateLimit.SuccessThreshold,
		FailureThreshold:      cfg.RateLimit.FailureThreshold,
		BreakerErrorThreshold: cfg.RateLimit.BreakerErrors,
		BreakerErrorWindow:    cfg.RateLimit.BreakerWindow(),
		BreakerTimeout:        cfg.RateLimit.BreakerTimeout(),
		AuthFailureLimit:      cfg.RateLimit.AuthFailureLimit,
	}, limits)

	a.Providers = provider.NewManager(a.Limiter, provider.ManagerConfig{
		MaxAttempts: cfg.Dispatch.ProviderMaxAttempts,
		SendTimeout: cfg.Dispatch.SendTimeout(),
	})
	for _, s := range enabled {
		p, err := provider.Build(ctx, s)
		if err != nil {
			return fmt.Errorf("build provider %s: %w", s.Name, err)
		}
		a.Providers.Register(p, s.Priority)
		logger.Info("[App] provider registered", "provider", s.Name, "type", string(s.Type), "priority", s.Priority)
	}
	if len(enabled) == 0 {
		logger.Warn("[App] no providers enabled, deliveries will defer")
	}
	return nil
}

// Lock builds a lock on the shared Redis client, which Open requires.
func (a *App) Lock(key string, ttl time.Duration) distlock.DistLock {
	return distlock.NewRedisLock(a.Redis, key, ttl)
}

// Close releases connections. The emitter is drained by its own Run.
func (a *App) Close() {
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			logger.Warn("[App] close broker", "error", err)
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
