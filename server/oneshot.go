package server

import (
	"context"
	"os/signal"
	"syscall"
	"transcode-jobs/config"
	"transcode-jobs/service"

	"github.com/rs/zerolog"
)

// RunReconcile drains the dead-letter queue batch by batch until a pass
// marks no job, then exits.
func RunReconcile(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	infra, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer infra.Close()

	deadLetter, err := infra.DeadLetterChannel()
	if err != nil {
		return err
	}
	defer deadLetter.Close()

	reconciler := service.NewDeadLetterReconciler(infra.repo, deadLetter, cfg.Queue.MaxReceives, cfg.Queue.ReconcileBatch)
	total, err := drainAll(ctx, reconciler)
	zerolog.Ctx(ctx).Info().Int("reconciled", total).Msg("dead-letter queue drained")
	return err
}

func drainAll(ctx context.Context, reconciler service.DeadLetterReconciler) (int, error) {
	total := 0
	for {
		n, err := reconciler.Drain(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// RunCleanup deletes failed jobs older than housekeeping.retention.
func RunCleanup(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	infra, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer infra.Close()

	_, err = service.NewCleaner(infra.repo, cfg.Housekeeping.Retention).Run(ctx)
	return err
}
