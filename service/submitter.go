package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"transcode-jobs/constant"
	"transcode-jobs/dto"
	"transcode-jobs/entities"
	"transcode-jobs/pkg/metrics"
	"transcode-jobs/pkg/queue"
	"transcode-jobs/repository"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Submitter interface {
	Submit(ctx context.Context, req dto.SubmitRequest) (*dto.SubmitResponse, error)
}

type submitter struct {
	repo     repository.JobRepository
	queue    queue.Channel
	validate *validator.Validate
	now      func() time.Time
}

func NewSubmitter(repo repository.JobRepository, jobs queue.Channel) Submitter {
	return &submitter{
		repo:     repo,
		queue:    jobs,
		validate: NewValidator(),
		now:      time.Now,
	}
}

// Submit records a queued job and then publishes its message. The record
// is written first so a worker never receives a message for a job the
// store does not know.
func (s *submitter) Submit(ctx context.Context, req dto.SubmitRequest) (*dto.SubmitResponse, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		metrics.JobsSubmitted.WithLabelValues("rejected").Inc()
		return nil, errors.Join(ErrInvalidRequest, err)
	}

	now := s.now().UTC()
	id := uuid.NewString()
	job := &entities.Job{
		ID:        id,
		VideoID:   req.VideoId,
		UserID:    req.UserId,
		InputRef:  req.InputRef,
		OutputRef: OutputRef(req.UserId, id, now),
		Options:   req.Options.WithDefaults(),
		Status:    constant.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	logger := zerolog.Ctx(ctx).With().Str("job_id", id).Str("user_id", req.UserId).Logger()

	if err := s.repo.CreateJob(ctx, job); err != nil {
		logger.Error().Err(err).Msg("failed to create job")
		metrics.JobsSubmitted.WithLabelValues("error").Inc()
		return nil, errors.Join(ErrSubmission, fmt.Errorf("record job: %w", err))
	}

	body, err := dto.JobMessage{
		JobId:     job.ID,
		InputRef:  job.InputRef,
		OutputRef: job.OutputRef,
		Options:   job.Options,
	}.Encode()
	if err == nil {
		err = s.queue.Send(ctx, body)
	}
	if err != nil {
		// the record stays queued; the caller sees the submission as failed
		logger.Error().Err(err).Msg("failed to enqueue job")
		metrics.JobsSubmitted.WithLabelValues("error").Inc()
		return nil, errors.Join(ErrSubmission, fmt.Errorf("enqueue job %s: %w", id, err))
	}

	logger.Info().Str("input_ref", job.InputRef).Msg("job queued")
	metrics.JobsSubmitted.WithLabelValues("queued").Inc()
	return &dto.SubmitResponse{JobId: id, Status: constant.JobStatusQueued}, nil
}

// OutputRef is the object key a job's output is stored under.
func OutputRef(userId, jobId string, at time.Time) string {
	return fmt.Sprintf("processed/%s/processed_%s_%d.mp4", userId, jobId, at.UnixMilli())
}
