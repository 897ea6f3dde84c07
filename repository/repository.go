package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
	"transcode-jobs/constant"
	"transcode-jobs/entities"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// JobRepository is the job record store. It is the only state shared between
// submitters, workers and the dead-letter reconciler, so every mutation goes
// through UpdateJob as a partial update.
type JobRepository interface {
	CreateJob(ctx context.Context, job *entities.Job) error
	FindJobById(ctx context.Context, id string) (*entities.Job, error)
	FindJobsByUserId(ctx context.Context, userId string, limit int) ([]*entities.Job, error)
	UpdateJob(ctx context.Context, id string, patch entities.JobPatch) error
	DeleteFailedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Migrate(ctx context.Context) error
	Close() error
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func listLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

func invalidTransition(from constant.JobStatus, patch entities.JobPatch) error {
	if patch.Status == nil {
		return fmt.Errorf("%w: progress update while %s", ErrInvalidTransition, from)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, *patch.Status)
}

// checkTarget rejects patches that move a job to a status nothing may move to.
func checkTarget(patch entities.JobPatch) error {
	if patch.Status != nil && len(entities.AllowedFrom(*patch.Status)) == 0 {
		return fmt.Errorf("%w: nothing moves to %s", ErrInvalidTransition, *patch.Status)
	}
	return nil
}

func failedStatuses() []string {
	return []string{constant.JobStatusFailed.String(), constant.JobStatusPermanentlyFailed.String()}
}

func statusStrings(statuses []constant.JobStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s.String())
	}
	return out
}
