package handler

import (
	"context"
	"errors"
	"transcode-jobs/dto"
	"transcode-jobs/pkg/queue"
	"transcode-jobs/service"

	"github.com/rs/zerolog"
)

type ServiceDependencies struct {
	TranscodeService service.Service
	Reconciler       service.DeadLetterReconciler
}

// JobHandler decodes a job message and runs the pipeline on it. Malformed
// messages return an error so the poller leaves them on the queue.
func JobHandler(ctx context.Context, msg *queue.Message, deps ServiceDependencies) error {
	job, err := dto.DecodeJobMessage(msg.Body)
	if err == nil && job.JobId == "" {
		err = errors.New("missing jobId")
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to decode job message")
		return errors.Join(service.ErrMalformedMessage, err)
	}

	return deps.TranscodeService.Process(ctx, job)
}

// Reconcile drains the dead-letter queue once. It runs inside the poll loop.
func Reconcile(deps ServiceDependencies) func(ctx context.Context) {
	return func(ctx context.Context) {
		if _, err := deps.Reconciler.Drain(ctx); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to drain dead-letter queue")
		}
	}
}
