package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
	"transcode-jobs/constant"
	"transcode-jobs/dto"
	"transcode-jobs/entities"
	"transcode-jobs/pkg/ffmpeg"
	"transcode-jobs/pkg/metrics"
	"transcode-jobs/pkg/storage"
	"transcode-jobs/repository"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

var (
	ErrSubmission       = errors.New("job submission failed")
	ErrInvalidRequest   = errors.New("invalid job request")
	ErrMalformedMessage = errors.New("malformed job message")
)

// Service runs the transcode pipeline for one queue message.
type Service interface {
	Process(ctx context.Context, message dto.JobMessage) error
}

type service struct {
	repo     repository.JobRepository
	store    storage.ObjectStore
	engine   Engine
	scratch  afero.Fs
	tempRoot string
	now      func() time.Time
}

type PipelineOptions struct {
	// Scratch holds per-job working directories. It must be the filesystem
	// the engine and object store read and write, which is the OS in
	// production.
	Scratch  afero.Fs
	TempRoot string
	Now      func() time.Time
}

func NewService(repo repository.JobRepository, store storage.ObjectStore, engine Engine, opts PipelineOptions) Service {
	if opts.Scratch == nil {
		opts.Scratch = afero.NewOsFs()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &service{
		repo:     repo,
		store:    store,
		engine:   engine,
		scratch:  opts.Scratch,
		tempRoot: opts.TempRoot,
		now:      opts.Now,
	}
}

// Process moves the job to processing, transcodes it and stores the output.
// On failure the job is marked failed and the error is returned so the
// message is left for redelivery. Running the same message twice converges
// to the same record and output.
func (s *service) Process(ctx context.Context, message dto.JobMessage) (err error) {
	logger := zerolog.Ctx(ctx).With().Str("job_id", message.JobId).Logger()
	ctx = logger.WithContext(ctx)
	logger.Info().Msg("processing job")

	job, err := s.repo.FindJobById(ctx, message.JobId)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn().Msg("no record for job, dropping message")
			metrics.JobsProcessed.WithLabelValues("skipped").Inc()
			return nil
		}
		logger.Error().Err(err).Msg("failed to find job by id")
		return err
	}

	if job.Status.Terminal() {
		logger.Info().Str("status", job.Status.String()).Msg("job already finished, skipping")
		metrics.JobsProcessed.WithLabelValues("skipped").Inc()
		return nil
	}

	started := s.now().UTC()
	if err = s.repo.UpdateJob(ctx, job.ID, entities.JobPatch{
		Status:     statusPtr(constant.JobStatusProcessing),
		StartedAt:  &started,
		ClearError: true,
	}); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			logger.Info().Err(err).Msg("job finished concurrently, skipping")
			return nil
		}
		logger.Error().Err(err).Msg("failed to update job status")
		return err
	}

	defer func() {
		status := constant.JobStatusCompleted
		if err != nil {
			status = constant.JobStatusFailed
			s.markFailed(ctx, job.ID, err)
		}
		metrics.JobsProcessed.WithLabelValues(status.String()).Inc()
		metrics.JobDuration.WithLabelValues(status.String()).Observe(time.Since(started).Seconds())
	}()

	tempDir, err := afero.TempDir(s.scratch, s.tempRoot, "transcode-"+job.ID+"-")
	if err != nil {
		logger.Error().Err(err).Msg("failed to create temp directory")
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if rmErr := s.scratch.RemoveAll(tempDir); rmErr != nil {
			logger.Warn().Err(rmErr).Str("dir", tempDir).Msg("failed to remove temp directory")
		}
	}()

	inputPath := filepath.Join(tempDir, "input"+filepath.Ext(job.InputRef))
	outputPath := filepath.Join(tempDir, "output.mp4")

	logger.Info().Str("input_ref", job.InputRef).Msg("fetching input")
	if err = s.store.Fetch(ctx, job.InputRef, inputPath); err != nil {
		logger.Error().Err(err).Msg("failed to fetch input")
		return fmt.Errorf("fetch input: %w", err)
	}

	logger.Info().Msg("transcode file")
	sink := NewStoreProgress(s.repo, job.ID)
	err = s.engine.Transcode(ctx, ffmpeg.Request{
		Input:   inputPath,
		Output:  outputPath,
		Options: job.Options,
	}, func(fraction float64) {
		if reportErr := sink.Report(ctx, percentOf(fraction), s.now().UTC()); reportErr != nil {
			logger.Warn().Err(reportErr).Msg("failed to record progress")
		}
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to transcode file")
		return fmt.Errorf("transcode: %w", err)
	}

	logger.Info().Str("output_ref", job.OutputRef).Msg("storing output")
	if err = s.store.Store(ctx, outputPath, job.OutputRef); err != nil {
		logger.Error().Err(err).Msg("failed to store output")
		return fmt.Errorf("store output: %w", err)
	}

	completed := s.now().UTC()
	if err = s.repo.UpdateJob(ctx, job.ID, entities.JobPatch{
		Status:      statusPtr(constant.JobStatusCompleted),
		Progress:    intPtr(100),
		CompletedAt: &completed,
	}); err != nil {
		logger.Error().Err(err).Msg("failed to update job status")
		return fmt.Errorf("mark completed: %w", err)
	}

	logger.Info().Msg("job completed")
	return nil
}

func (s *service) markFailed(ctx context.Context, id string, cause error) {
	// the failure must be recorded even when the run was cancelled
	ctx = context.WithoutCancel(ctx)
	failed := s.now().UTC()
	msg := shorten(cause.Error(), maxErrorLength)
	err := s.repo.UpdateJob(ctx, id, entities.JobPatch{
		Status:   statusPtr(constant.JobStatusFailed),
		Error:    &msg,
		FailedAt: &failed,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to mark job failed")
	}
}
