package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteTestRepo(t *testing.T) JobRepository {
	t.Helper()
	r, err := NewSQLiteRepo(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestSQLiteRepo(t *testing.T) {
	runStoreSuite(t, newSQLiteTestRepo)
}

func TestSQLiteRepo_MigratesOldFiles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE transcode_jobs (
  job_id TEXT PRIMARY KEY, video_id TEXT, user_id TEXT NOT NULL, input_ref TEXT NOT NULL,
  output_ref TEXT NOT NULL, options TEXT NOT NULL, status TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0, error_message TEXT, retried_count INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL, started_at INTEGER, completed_at INTEGER, failed_at INTEGER,
  updated_at INTEGER NOT NULL)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	r, err := NewSQLiteRepo(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.CreateJob(ctx, newJob("j", "u", time.Now())))
	got, err := r.FindJobById(ctx, "j")
	require.NoError(t, err)
	assert.Nil(t, got.ProgressAt)
}
