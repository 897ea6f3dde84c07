package server

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"transcode-jobs/config"
	jobHandler "transcode-jobs/handler"
	"transcode-jobs/pkg/queue"
	"transcode-jobs/pkg/worker"
	"transcode-jobs/service"

	"github.com/rs/zerolog"
)

// RunWorker starts server.workers pollers on the job queue and serves
// health and metrics until interrupted. When a queue connection is lost for
// good every poller is stopped and the error is returned, so the process
// exits non-zero and its supervisor can restart it.
func RunWorker(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Int("workers", cfg.Server.Workers).Send()

	infra, err := openInfra(ctx, cfg)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to open infrastructure")
		return err
	}
	defer infra.Close()

	store, err := infra.ObjectStore(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to open object store")
		return err
	}

	transcodeService := service.NewService(infra.repo, store, infra.Engine(), service.PipelineOptions{
		TempRoot: cfg.Storage.TempDir,
	})

	var (
		wg       sync.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
	)
	fail := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
		cancel()
	}

	for id := 1; id <= cfg.Server.Workers; id++ {
		poller, deps, closeQueues, err := newPoller(infra, cfg, id, transcodeService)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Int("worker_id", id).Msg("failed to start poller")
			fail(err)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer closeQueues()
			err := poller.Run(ctx, deps)
			switch {
			case errors.Is(err, queue.ErrClosed):
				zerolog.Ctx(ctx).Error().Err(err).Int("worker_id", id).Msg("queue connection lost, stopping worker")
				fail(err)
			case err != nil && !errors.Is(err, context.Canceled):
				zerolog.Ctx(ctx).Error().Err(err).Int("worker_id", id).Msg("poller stopped")
			}
		}()
	}

	serve(ctx, cfg, newRouter(ctx, cfg, infra.Health), cfg.Server.HttpPort)
	wg.Wait()
	zerolog.Ctx(ctx).Info().Msg("all pollers stopped")

	fatalMu.Lock()
	defer fatalMu.Unlock()
	return fatalErr
}

// newPoller gives every poller its own job and dead-letter handles and its
// own reconciler, which runs every queue.reconcile_every poll cycles.
func newPoller(infra *infra, cfg *config.Config, id int, svc service.Service) (*worker.Poller[jobHandler.ServiceDependencies], jobHandler.ServiceDependencies, func(), error) {
	var deps jobHandler.ServiceDependencies

	jobs, err := infra.JobsChannel()
	if err != nil {
		return nil, deps, nil, fmt.Errorf("job queue: %w", err)
	}
	deadLetter, err := infra.DeadLetterChannel()
	if err != nil {
		_ = jobs.Close()
		return nil, deps, nil, fmt.Errorf("dead-letter queue: %w", err)
	}

	deps = jobHandler.ServiceDependencies{
		TranscodeService: svc,
		Reconciler:       service.NewDeadLetterReconciler(infra.repo, deadLetter, cfg.Queue.MaxReceives, cfg.Queue.ReconcileBatch),
	}
	poller := worker.NewPoller[jobHandler.ServiceDependencies](jobs, worker.Config{
		ID:            id,
		Wait:          cfg.Queue.WaitTime,
		PeriodicEvery: cfg.Queue.ReconcileEvery,
	}, jobHandler.JobHandler, jobHandler.Reconcile(deps))

	return poller, deps, closeAll(jobs, deadLetter), nil
}

func closeAll(channels ...queue.Channel) func() {
	return func() {
		for _, c := range channels {
			_ = c.Close()
		}
	}
}
