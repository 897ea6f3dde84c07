package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
	"transcode-jobs/constant"
	"transcode-jobs/entities"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type repo struct {
	db *gorm.DB
}

func NewRepo(db *sql.DB) (JobRepository, error) {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		},
	)
	if err != nil {
		return nil, err
	}
	return &repo{
		db: gormDB,
	}, nil
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

func (r *repo) Migrate(ctx context.Context) error {
	return r.GetDB().WithContext(ctx).AutoMigrate(&entities.Job{})
}

func (r *repo) Close() error {
	sqlDB, err := r.GetDB().DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *repo) CreateJob(ctx context.Context, job *entities.Job) error {
	return r.GetDB().WithContext(ctx).Create(job).Error
}

func (r *repo) FindJobById(ctx context.Context, id string) (*entities.Job, error) {
	job := &entities.Job{}
	err := r.GetDB().WithContext(ctx).First(job, "job_id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return job, nil
}

func (r *repo) FindJobsByUserId(ctx context.Context, userId string, limit int) ([]*entities.Job, error) {
	var jobs []*entities.Job
	err := r.GetDB().WithContext(ctx).
		Where("user_id = ?", userId).
		Order("created_at DESC").
		Limit(listLimit(limit)).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repo) UpdateJob(ctx context.Context, id string, patch entities.JobPatch) error {
	if patch.Empty() {
		return nil
	}
	if err := checkTarget(patch); err != nil {
		return err
	}

	query := r.GetDB().WithContext(ctx).Model(&entities.Job{}).Where("job_id = ?", id)
	updates := map[string]interface{}{
		"updated_at": time.Now().UTC(),
	}
	if patch.Status != nil {
		updates["status"] = *patch.Status
		query = query.Where("status IN ?", statusStrings(entities.AllowedFrom(*patch.Status)))
	}
	if patch.Progress != nil {
		updates["progress"] = gorm.Expr("GREATEST(progress, ?)", *patch.Progress)
	}
	if patch.ProgressAt != nil {
		updates["progress_at"] = patch.ProgressAt.UTC()
	}
	if patch.Status == nil && (patch.Progress != nil || patch.ProgressAt != nil) {
		query = query.Where("status = ?", constant.JobStatusProcessing)
	}
	if patch.ClearError {
		updates["error_message"] = gorm.Expr("NULL")
	} else if patch.Error != nil {
		updates["error_message"] = *patch.Error
	}
	if patch.RetriedCount != nil {
		updates["retried_count"] = *patch.RetriedCount
	}
	if patch.StartedAt != nil {
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", patch.StartedAt.UTC())
	}
	if patch.CompletedAt != nil {
		updates["completed_at"] = gorm.Expr("COALESCE(completed_at, ?)", patch.CompletedAt.UTC())
	}
	if patch.FailedAt != nil {
		updates["failed_at"] = gorm.Expr("COALESCE(failed_at, ?)", patch.FailedAt.UTC())
	}

	res := query.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	current, err := r.FindJobById(ctx, id)
	if err != nil {
		return err
	}
	return invalidTransition(current.Status, patch)
}

func (r *repo) DeleteFailedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.GetDB().WithContext(ctx).
		Where("status IN ? AND failed_at < ?", failedStatuses(), cutoff.UTC()).
		Delete(&entities.Job{})
	return res.RowsAffected, res.Error
}
