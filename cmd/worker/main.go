package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/campaign-dispatch/internal/app"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/dlq"
	"github.com/ignite/campaign-dispatch/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/queue"
	"github.com/ignite/campaign-dispatch/internal/service/suppression"
	"github.com/ignite/campaign-dispatch/internal/template"
	"github.com/ignite/campaign-dispatch/internal/worker"
)

const (
	dispatchLockTTL  = 2 * time.Minute
	recipientLockTTL = 2 * time.Minute
	sweeperLockTTL   = time.Minute
)

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func main() {
	logger.Info("[Worker] starting campaign dispatch worker")
	defer logger.Sync()

	cfg, err := config.LoadFromEnv(configPath())
	if err != nil {
		logger.Error("[Worker] failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("[Worker] invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		logger.Error("[Worker] failed to open infrastructure", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	emitterDone := make(chan struct{})
	go func() {
		a.Emitter.Run(ctx)
		close(emitterDone)
	}()

	lockFor := func(ttl time.Duration) worker.LockFactory {
		return func(key string) distlock.DistLock { return a.Lock(key, ttl) }
	}
	suppressions := suppression.NewService(a.Repos.Suppressions)

	admission := worker.NewAdmissionController(
		worker.HostSampler{CPUWindow: cfg.Admission.CPUWindow()},
		worker.AdmissionConfig{
			MemoryHighWater: cfg.Admission.MemoryHighWater,
			CPUHighWater:    cfg.Admission.CPUHighWater,
			Critical:        cfg.Admission.Critical,
			MinBatch:        cfg.Admission.MinBatch,
		})

	dispatcher := worker.NewDispatcher(worker.DispatcherDeps{
		Campaigns:    a.Repos.Campaigns,
		Attempts:     a.Repos.Attempts,
		Audience:     a.Repos.Audience,
		Suppressions: suppressions,
		Flags:        a.Flags,
		Finalizer:    a.Campaigns,
		Admission:    admission,
		Queue:        a.Broker,
		Locks:        lockFor(dispatchLockTTL),
		Events:       a.Emitter,
	}, worker.DispatcherConfig{
		DefaultBatchSize:    cfg.Dispatch.BatchSize,
		InterBatchDelay:     cfg.Dispatch.InterBatchDelay(),
		AdmissionRetryDelay: cfg.Dispatch.AdmissionRetryDelay(),
		FinalizePollDelay:   cfg.Dispatch.FinalizePollDelay(),
		FinalizeMaxPolls:    cfg.Dispatch.FinalizeMaxPolls,
	})

	delivery := worker.NewDeliveryWorker(worker.DeliveryDeps{
		Campaigns:    a.Repos.Campaigns,
		Attempts:     a.Repos.Attempts,
		Audience:     a.Repos.Audience,
		Suppressions: suppressions,
		Flags:        a.Flags,
		Templates:    template.NewService(a.Repos.Templates),
		Sender:       a.Providers,
		Throttle:     a.Limiter,
		DLQ:          a.DLQ,
		Locks:        lockFor(recipientLockTTL),
		Events:       a.Emitter,
	}, worker.DeliveryConfig{
		PausedRecheckDelay: cfg.Dispatch.PausedRecheckDelay(),
		LockBusyDelay:      cfg.Dispatch.RecipientLockBusyDelay(),
	})

	runner := queue.NewRunner(a.Broker, queue.RunnerConfig{
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.Queue.TaskMaxAttempts,
			Base:        cfg.Queue.TaskRetryBase(),
		},
		PollInterval: cfg.Queue.PollInterval(),
	})
	runner.Register(queue.QueueDispatch, dispatcher, cfg.Queue.DispatchWorkers)
	runner.Register(queue.QueueFinalize, dispatcher.FinalizeHandler(), cfg.Queue.FinalizeWorkers)
	runner.Register(queue.QueueDelivery, delivery, cfg.Queue.DeliveryWorkers)

	sweeper := dlq.NewSweeper(a.Repos.DLQ, a.Broker,
		func() distlock.DistLock { return a.Lock("dlq:sweeper", sweeperLockTTL) },
		dlq.SweeperConfig{Interval: cfg.DLQ.SweepInterval(), Batch: cfg.DLQ.SweepBatch},
		cfg.DLQ.BaseBackoff(), a.Emitter)
	go sweeper.Run(ctx)

	if cfg.Archive.Enabled {
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Archive.Region)}
		if profile := cfg.Archive.GetAWSProfile(); profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			logger.Error("[Worker] failed to load AWS config, DLQ archive disabled", "error", err)
		} else {
			archiver := dlq.NewArchiver(a.Repos.DLQ, s3.NewFromConfig(awsCfg), dlq.ArchiverConfig{
				Bucket: cfg.Archive.Bucket,
				Prefix: cfg.Archive.Prefix,
				After:  cfg.Archive.After(),
				Batch:  cfg.Archive.Batch,
			}, a.Emitter)
			go archiver.Run(ctx, cfg.Archive.Interval())
			logger.Info("[Worker] DLQ archiver started", "bucket", cfg.Archive.Bucket, "interval", cfg.Archive.Interval().String())
		}
	}

	logger.Info("[Worker] running",
		"dispatch_workers", cfg.Queue.DispatchWorkers,
		"delivery_workers", cfg.Queue.DeliveryWorkers,
		"providers", a.Providers.Providers())

	// blocks until a signal cancels ctx and in-flight tasks finish
	runner.Run(ctx)

	select {
	case <-emitterDone:
	case <-time.After(5 * time.Second):
		logger.Warn("[Worker] event emitter did not drain in time", "dropped", a.Emitter.Dropped())
	}
	logger.Info("[Worker] stopped")
}
