package repository

import (
	"context"
	"testing"
	"time"
	"transcode-jobs/constant"
	"transcode-jobs/entities"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// repoFactory opens an empty store that is closed when the test ends.
type repoFactory func(t *testing.T) JobRepository

// runStoreSuite checks the behaviour every JobRepository backend shares.
func runStoreSuite(t *testing.T, newTestRepo repoFactory) {
	t.Run("create and find", func(t *testing.T) { testCreateAndFind(t, newTestRepo) })
	t.Run("find by user", func(t *testing.T) { testFindJobsByUserId(t, newTestRepo) })
	t.Run("update", func(t *testing.T) { testUpdateJob(t, newTestRepo) })
	t.Run("delete failed before", func(t *testing.T) { testDeleteFailedJobsBefore(t, newTestRepo) })
}

func newJob(id, userId string, createdAt time.Time) *entities.Job {
	return &entities.Job{
		ID:        id,
		UserID:    userId,
		InputRef:  "uploads/" + id + ".mov",
		OutputRef: "processed/" + userId + "/processed_" + id + ".mp4",
		Options:   entities.Options{}.WithDefaults(),
		Status:    constant.JobStatusQueued,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func statusPtr(s constant.JobStatus) *constant.JobStatus { return &s }

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func testCreateAndFind(t *testing.T, newTestRepo repoFactory) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.UnixMilli(1700000000123).UTC()

	require.NoError(t, r.CreateJob(ctx, newJob("job-1", "user-1", now)))

	got, err := r.FindJobById(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, constant.JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, now, got.CreatedAt)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.Error)
	assert.Equal(t, "720x480", got.Options.Resolution)
	assert.Equal(t, "23", got.Options.CRF)

	_, err = r.FindJobById(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testFindJobsByUserId(t *testing.T, newTestRepo repoFactory) {
	ctx := context.Background()
	r := newTestRepo(t)
	base := time.Now().UTC()

	require.NoError(t, r.CreateJob(ctx, newJob("a", "user-1", base)))
	require.NoError(t, r.CreateJob(ctx, newJob("b", "user-1", base.Add(time.Second))))
	require.NoError(t, r.CreateJob(ctx, newJob("c", "user-2", base)))

	jobs, err := r.FindJobsByUserId(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)
	assert.Equal(t, "a", jobs[1].ID)

	jobs, err = r.FindJobsByUserId(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func testUpdateJob(t *testing.T, newTestRepo repoFactory) {
	ctx := context.Background()

	t.Run("write-once timestamps", func(t *testing.T) {
		r := newTestRepo(t)
		require.NoError(t, r.CreateJob(ctx, newJob("j", "u", time.Now())))
		first := time.UnixMilli(1700000000000).UTC()
		second := first.Add(time.Minute)

		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{
			Status: statusPtr(constant.JobStatusProcessing), StartedAt: timePtr(first),
		}))
		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{
			Status: statusPtr(constant.JobStatusProcessing), StartedAt: timePtr(second),
		}))

		got, err := r.FindJobById(ctx, "j")
		require.NoError(t, err)
		require.NotNil(t, got.StartedAt)
		assert.Equal(t, first, *got.StartedAt)
	})

	t.Run("progress is max-merged", func(t *testing.T) {
		r := newTestRepo(t)
		require.NoError(t, r.CreateJob(ctx, newJob("j", "u", time.Now())))
		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{Status: statusPtr(constant.JobStatusProcessing)}))

		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{Progress: intPtr(60)}))
		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{Progress: intPtr(40)}))

		got, err := r.FindJobById(ctx, "j")
		require.NoError(t, err)
		assert.Equal(t, 60, got.Progress)
	})

	t.Run("progress rejected unless processing", func(t *testing.T) {
		r := newTestRepo(t)
		require.NoError(t, r.CreateJob(ctx, newJob("j", "u", time.Now())))

		err := r.UpdateJob(ctx, "j", entities.JobPatch{Progress: intPtr(10)})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("error cleared on reprocessing", func(t *testing.T) {
		r := newTestRepo(t)
		require.NoError(t, r.CreateJob(ctx, newJob("j", "u", time.Now())))
		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{Status: statusPtr(constant.JobStatusProcessing)}))
		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{
			Status: statusPtr(constant.JobStatusFailed), Error: strPtr("boom"), FailedAt: timePtr(time.Now()),
		}))

		got, err := r.FindJobById(ctx, "j")
		require.NoError(t, err)
		require.NotNil(t, got.Error)
		assert.Equal(t, "boom", *got.Error)

		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{
			Status: statusPtr(constant.JobStatusProcessing), ClearError: true,
		}))
		got, err = r.FindJobById(ctx, "j")
		require.NoError(t, err)
		assert.Nil(t, got.Error)
		assert.Equal(t, constant.JobStatusProcessing, got.Status)
	})

	t.Run("failed_at is write-once", func(t *testing.T) {
		r := newTestRepo(t)
		require.NoError(t, r.CreateJob(ctx, newJob("j", "u", time.Now())))
		first := time.UnixMilli(1700000000000).UTC()
		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{Status: statusPtr(constant.JobStatusProcessing)}))
		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{
			Status: statusPtr(constant.JobStatusFailed), Error: strPtr("first"), FailedAt: timePtr(first),
		}))
		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{
			Status:       statusPtr(constant.JobStatusPermanentlyFailed),
			Error:        strPtr("exhausted retries"),
			FailedAt:     timePtr(first.Add(time.Hour)),
			RetriedCount: intPtr(3),
		}))

		got, err := r.FindJobById(ctx, "j")
		require.NoError(t, err)
		assert.Equal(t, constant.JobStatusPermanentlyFailed, got.Status)
		require.NotNil(t, got.FailedAt)
		assert.Equal(t, first, *got.FailedAt)
		assert.Equal(t, "exhausted retries", *got.Error)
		assert.Equal(t, 3, got.RetriedCount)
	})

	t.Run("progress time follows progress", func(t *testing.T) {
		r := newTestRepo(t)
		require.NoError(t, r.CreateJob(ctx, newJob("j", "u", time.Now())))
		at := time.UnixMilli(1700000000500).UTC()

		err := r.UpdateJob(ctx, "j", entities.JobPatch{Progress: intPtr(5), ProgressAt: timePtr(at)})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{Status: statusPtr(constant.JobStatusProcessing)}))
		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{Progress: intPtr(30), ProgressAt: timePtr(at)}))
		later := at.Add(time.Second)
		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{Progress: intPtr(20), ProgressAt: timePtr(later)}))

		got, err := r.FindJobById(ctx, "j")
		require.NoError(t, err)
		assert.Equal(t, 30, got.Progress)
		require.NotNil(t, got.ProgressAt)
		assert.Equal(t, later, *got.ProgressAt)
	})

	t.Run("terminal jobs reject transitions", func(t *testing.T) {
		r := newTestRepo(t)
		require.NoError(t, r.CreateJob(ctx, newJob("j", "u", time.Now())))
		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{Status: statusPtr(constant.JobStatusProcessing)}))
		require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{
			Status: statusPtr(constant.JobStatusCompleted), Progress: intPtr(100),
		}))

		err := r.UpdateJob(ctx, "j", entities.JobPatch{Status: statusPtr(constant.JobStatusPermanentlyFailed)})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		err = r.UpdateJob(ctx, "j", entities.JobPatch{Status: statusPtr(constant.JobStatusProcessing)})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		got, err := r.FindJobById(ctx, "j")
		require.NoError(t, err)
		assert.Equal(t, constant.JobStatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
	})

	t.Run("queued is never a target", func(t *testing.T) {
		r := newTestRepo(t)
		require.NoError(t, r.CreateJob(ctx, newJob("j", "u", time.Now())))
		err := r.UpdateJob(ctx, "j", entities.JobPatch{Status: statusPtr(constant.JobStatusQueued)})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("missing job", func(t *testing.T) {
		r := newTestRepo(t)
		err := r.UpdateJob(ctx, "nope", entities.JobPatch{Status: statusPtr(constant.JobStatusProcessing)})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func testDeleteFailedJobsBefore(t *testing.T, newTestRepo repoFactory) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Now().UTC()
	old := now.Add(-8 * 24 * time.Hour)

	for _, id := range []string{"old-failed", "new-failed", "queued"} {
		require.NoError(t, r.CreateJob(ctx, newJob(id, "u", old)))
	}
	require.NoError(t, r.UpdateJob(ctx, "old-failed", entities.JobPatch{
		Status: statusPtr(constant.JobStatusPermanentlyFailed), FailedAt: timePtr(old),
	}))
	require.NoError(t, r.UpdateJob(ctx, "new-failed", entities.JobPatch{
		Status: statusPtr(constant.JobStatusPermanentlyFailed), FailedAt: timePtr(now),
	}))

	n, err := r.DeleteFailedJobsBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = r.FindJobById(ctx, "old-failed")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.FindJobById(ctx, "new-failed")
	assert.NoError(t, err)
	_, err = r.FindJobById(ctx, "queued")
	assert.NoError(t, err)
}
