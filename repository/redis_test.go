package repository

import (
	"context"
	"testing"
	"time"
	"transcode-jobs/constant"
	"transcode-jobs/entities"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestRepo(t *testing.T) JobRepository {
	t.Helper()
	return NewRedisRepo(newRedisTestClient(t, miniredis.RunT(t)))
}

func newRedisTestClient(t *testing.T, server *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRepo(t *testing.T) {
	runStoreSuite(t, newRedisTestRepo)
}

func TestRedisRepo_Layout(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	r := NewRedisRepo(newRedisTestClient(t, server))
	created := time.UnixMilli(1700000000000).UTC()

	require.NoError(t, r.CreateJob(ctx, newJob("j", "user-1", created)))
	require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{Status: statusPtr(constant.JobStatusProcessing)}))
	require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{
		Status: statusPtr(constant.JobStatusFailed), Error: strPtr("boom"), FailedAt: timePtr(created),
	}))

	assert.Equal(t, "failed", server.HGet(jobKey("j"), "status"))
	assert.Equal(t, "boom", server.HGet(jobKey("j"), "error_message"))
	assert.Equal(t, "1700000000000", server.HGet(jobKey("j"), "failed_at"))
	members, err := server.ZMembers(userKey("user-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"j"}, members)

	require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{
		Status: statusPtr(constant.JobStatusProcessing), ClearError: true,
	}))
	assert.Empty(t, server.HGet(jobKey("j"), "error_message"))
	assert.Equal(t, "processing", server.HGet(jobKey("j"), "status"))
}

func TestRedisRepo_DeleteRemovesIndexEntry(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	r := NewRedisRepo(newRedisTestClient(t, server))
	old := time.Now().Add(-10 * 24 * time.Hour).UTC()

	require.NoError(t, r.CreateJob(ctx, newJob("j", "user-1", old)))
	require.NoError(t, r.UpdateJob(ctx, "j", entities.JobPatch{
		Status: statusPtr(constant.JobStatusPermanentlyFailed), FailedAt: timePtr(old),
	}))

	n, err := r.DeleteFailedJobsBefore(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, server.Exists(jobKey("j")))

	jobs, err := r.FindJobsByUserId(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
