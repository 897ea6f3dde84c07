package service

import (
	"context"
	"time"
	"transcode-jobs/repository"

	"github.com/rs/zerolog"
)

// Cleaner removes failed jobs once their retention has passed. It is
// housekeeping; nothing in the job lifecycle depends on it.
type Cleaner struct {
	repo      repository.JobRepository
	retention time.Duration
	now       func() time.Time
}

func NewCleaner(repo repository.JobRepository, retention time.Duration) *Cleaner {
	return &Cleaner{repo: repo, retention: retention, now: time.Now}
}

func (c *Cleaner) Run(ctx context.Context) (int64, error) {
	cutoff := c.now().UTC().Add(-c.retention)
	deleted, err := c.repo.DeleteFailedJobsBefore(ctx, cutoff)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to delete old failed jobs")
		return deleted, err
	}
	zerolog.Ctx(ctx).Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("old failed jobs deleted")
	return deleted, nil
}
