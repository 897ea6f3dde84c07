package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"transcode-jobs/constant"
	"transcode-jobs/entities"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transcode_jobs (
  job_id TEXT PRIMARY KEY,
  video_id TEXT,
  user_id TEXT NOT NULL,
  input_ref TEXT NOT NULL,
  output_ref TEXT NOT NULL,
  options TEXT NOT NULL,
  status TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  progress_at INTEGER,
  error_message TEXT,
  retried_count INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  started_at INTEGER,
  completed_at INTEGER,
  failed_at INTEGER,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcode_jobs_user_id ON transcode_jobs (user_id, created_at);
`

// files created before progress_at existed get the column added
const sqliteAddProgressAt = `ALTER TABLE transcode_jobs ADD COLUMN progress_at INTEGER`

const sqliteColumns = `job_id, video_id, user_id, input_ref, output_ref, options, status, progress, progress_at,
  error_message, retried_count, created_at, started_at, completed_at, failed_at, updated_at`

type sqliteRepo struct {
	db *sql.DB
}

// NewSQLiteRepo opens (and migrates) a job store in a single sqlite file.
func NewSQLiteRepo(ctx context.Context, path string) (JobRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps writers serialized and the pragmas in effect
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &sqliteRepo{db: db}
	if err := r.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *sqliteRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sqliteSchema); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, sqliteAddProgressAt)
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (r *sqliteRepo) Close() error { return r.db.Close() }

func (r *sqliteRepo) CreateJob(ctx context.Context, job *entities.Job) error {
	options, err := job.Options.Value()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO transcode_jobs (`+sqliteColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.VideoID,
		job.UserID,
		job.InputRef,
		job.OutputRef,
		options,
		job.Status.String(),
		job.Progress,
		nullableMillis(job.ProgressAt),
		nullableString(job.Error),
		job.RetriedCount,
		job.CreatedAt.UnixMilli(),
		nullableMillis(job.StartedAt),
		nullableMillis(job.CompletedAt),
		nullableMillis(job.FailedAt),
		job.UpdatedAt.UnixMilli(),
	)
	return err
}

func (r *sqliteRepo) FindJobById(ctx context.Context, id string) (*entities.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM transcode_jobs WHERE job_id = ?`, id)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *sqliteRepo) FindJobsByUserId(ctx context.Context, userId string, limit int) ([]*entities.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM transcode_jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userId, listLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entities.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) UpdateJob(ctx context.Context, id string, patch entities.JobPatch) error {
	if patch.Empty() {
		return nil
	}
	if err := checkTarget(patch); err != nil {
		return err
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UnixMilli()}
	where := []string{"job_id = ?"}
	whereArgs := []any{id}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, patch.Status.String())
		from := entities.AllowedFrom(*patch.Status)
		where = append(where, "status IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")+")")
		for _, s := range from {
			whereArgs = append(whereArgs, s.String())
		}
	}
	if patch.Progress != nil {
		sets = append(sets, "progress = MAX(progress, ?)")
		args = append(args, *patch.Progress)
	}
	if patch.ProgressAt != nil {
		sets = append(sets, "progress_at = ?")
		args = append(args, patch.ProgressAt.UnixMilli())
	}
	if patch.Status == nil && (patch.Progress != nil || patch.ProgressAt != nil) {
		where = append(where, "status = ?")
		whereArgs = append(whereArgs, constant.JobStatusProcessing.String())
	}
	if patch.ClearError {
		sets = append(sets, "error_message = NULL")
	} else if patch.Error != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *patch.Error)
	}
	if patch.RetriedCount != nil {
		sets = append(sets, "retried_count = ?")
		args = append(args, *patch.RetriedCount)
	}
	for column, t := range map[string]*time.Time{
		"started_at":   patch.StartedAt,
		"completed_at": patch.CompletedAt,
		"failed_at":    patch.FailedAt,
	} {
		if t == nil {
			continue
		}
		sets = append(sets, column+" = COALESCE("+column+", ?)")
		args = append(args, t.UnixMilli())
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE transcode_jobs SET `+strings.Join(sets, ", ")+` WHERE `+strings.Join(where, " AND "),
		append(args, whereArgs...)...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := r.FindJobById(ctx, id)
	if err != nil {
		return err
	}
	return invalidTransition(current.Status, patch)
}

func (r *sqliteRepo) DeleteFailedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	statuses := failedStatuses()
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM transcode_jobs WHERE status IN (?, ?) AND failed_at IS NOT NULL AND failed_at < ?`,
		statuses[0], statuses[1], cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*entities.Job, error) {
	var (
		job                              entities.Job
		videoID, errorMsg                sql.NullString
		options, status                  string
		createdMs, updatedMs             int64
		progressMs                       sql.NullInt64
		startedMs, completedMs, failedMs sql.NullInt64
	)
	if err := row.Scan(&job.ID, &videoID, &job.UserID, &job.InputRef, &job.OutputRef, &options, &status,
		&job.Progress, &progressMs, &errorMsg, &job.RetriedCount, &createdMs, &startedMs, &completedMs, &failedMs, &updatedMs); err != nil {
		return nil, err
	}
	if err := job.Options.Scan(options); err != nil {
		return nil, err
	}
	job.VideoID = videoID.String
	job.Status = constant.JobStatus(status)
	if errorMsg.Valid {
		job.Error = &errorMsg.String
	}
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	job.ProgressAt = millisPtr(progressMs)
	job.StartedAt = millisPtr(startedMs)
	job.CompletedAt = millisPtr(completedMs)
	job.FailedAt = millisPtr(failedMs)
	return &job, nil
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
