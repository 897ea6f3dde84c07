package service

import (
	"context"
	"errors"
	"time"
	"transcode-jobs/constant"
	"transcode-jobs/dto"
	"transcode-jobs/entities"
	"transcode-jobs/pkg/metrics"
	"transcode-jobs/pkg/queue"
	"transcode-jobs/repository"

	"github.com/rs/zerolog"
)

type DeadLetterReconciler interface {
	// Drain marks the jobs behind dead-lettered messages permanently failed
	// and returns how many records it changed.
	Drain(ctx context.Context) (int, error)
}

type reconciler struct {
	repo        repository.JobRepository
	deadLetter  queue.Channel
	maxReceives int
	batch       int
	now         func() time.Time
}

func NewDeadLetterReconciler(repo repository.JobRepository, deadLetter queue.Channel, maxReceives, batch int) DeadLetterReconciler {
	if batch <= 0 {
		batch = 10
	}
	return &reconciler{
		repo:        repo,
		deadLetter:  deadLetter,
		maxReceives: maxReceives,
		batch:       batch,
		now:         time.Now,
	}
}

func (r *reconciler) Drain(ctx context.Context) (int, error) {
	logger := zerolog.Ctx(ctx).With().Str("queue", "dead-letter").Logger()
	marked := 0
	for i := 0; i < r.batch; i++ {
		msg, err := r.deadLetter.Receive(ctx, 0)
		if err != nil {
			return marked, err
		}
		if msg == nil {
			break
		}

		message, err := dto.DecodeJobMessage(msg.Body)
		if err == nil && message.JobId == "" {
			err = errors.New("missing jobId")
		}
		if err != nil {
			// left in place; it becomes visible again for an operator to inspect
			logger.Warn().Err(err).Str("message_id", msg.ID).Msg("malformed dead-letter message")
			continue
		}

		jobLogger := logger.With().Str("job_id", message.JobId).Logger()
		failedAt := r.now().UTC()
		reason := constant.ExhaustedRetriesError
		err = r.repo.UpdateJob(ctx, message.JobId, entities.JobPatch{
			Status:       statusPtr(constant.JobStatusPermanentlyFailed),
			Error:        &reason,
			FailedAt:     &failedAt,
			RetriedCount: &r.maxReceives,
		})
		switch {
		case err == nil:
			marked++
			metrics.JobsDeadLettered.Inc()
			jobLogger.Warn().Int("retried_count", r.maxReceives).Msg("job permanently failed")
		case errors.Is(err, repository.ErrInvalidTransition):
			jobLogger.Info().Err(err).Msg("job already finished, dropping dead-letter message")
		case errors.Is(err, repository.ErrNotFound):
			jobLogger.Warn().Msg("no record for dead-lettered job, dropping message")
		default:
			jobLogger.Error().Err(err).Msg("failed to mark job permanently failed")
			continue
		}

		if err := r.deadLetter.Delete(ctx, msg); err != nil {
			jobLogger.Error().Err(err).Msg("failed to delete dead-letter message")
		}
	}
	if marked > 0 {
		logger.Info().Int("marked", marked).Msg("dead-letter queue drained")
	}
	return marked, nil
}
