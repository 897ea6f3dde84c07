package service

import (
	"context"
	"transcode-jobs/entities"
	"transcode-jobs/repository"
)

type JobQuery interface {
	GetJob(ctx context.Context, id string) (*entities.Job, error)
	ListJobs(ctx context.Context, userId string, limit int) ([]*entities.Job, error)
}

type jobQuery struct {
	repo repository.JobRepository
}

func NewJobQuery(repo repository.JobRepository) JobQuery {
	return &jobQuery{repo: repo}
}

func (q *jobQuery) GetJob(ctx context.Context, id string) (*entities.Job, error) {
	return q.repo.FindJobById(ctx, id)
}

func (q *jobQuery) ListJobs(ctx context.Context, userId string, limit int) ([]*entities.Job, error) {
	jobs, err := q.repo.FindJobsByUserId(ctx, userId, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*entities.Job{}
	}
	return jobs, nil
}
