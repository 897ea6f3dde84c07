package service

import (
	"context"
	"errors"
	"testing"
	"time"
	"transcode-jobs/constant"
	"transcode-jobs/dto"
	"transcode-jobs/pkg/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func sendJobMessage(t *testing.T, q queue.Channel, msg dto.JobMessage) {
	t.Helper()
	body, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, q.Send(context.Background(), body))
}

func TestDrain(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	dlq := queue.NewMemory(queue.MemoryConfig{Visibility: time.Hour})

	f.engine.failures = 1
	failedMsg := f.queuedJob(t, "failed-job")
	require.Error(t, f.svc.Process(ctx, failedMsg))
	firstFailure := f.job(t, "failed-job").FailedAt

	completedMsg := f.queuedJob(t, "completed-job")
	require.NoError(t, f.svc.Process(ctx, completedMsg))

	sendJobMessage(t, dlq, failedMsg)
	sendJobMessage(t, dlq, completedMsg)
	sendJobMessage(t, dlq, dto.JobMessage{JobId: "ghost"})
	require.NoError(t, dlq.Send(ctx, []byte("{not json")))

	marked, err := NewDeadLetterReconciler(f.repo, dlq, 3, 10).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	job := f.job(t, "failed-job")
	assert.Equal(t, constant.JobStatusPermanentlyFailed, job.Status)
	assert.Equal(t, 3, job.RetriedCount)
	require.NotNil(t, job.Error)
	assert.Equal(t, constant.ExhaustedRetriesError, *job.Error)
	assert.Equal(t, *firstFailure, *job.FailedAt)

	done := f.job(t, "completed-job")
	assert.Equal(t, constant.JobStatusCompleted, done.Status)
	assert.Nil(t, done.Error)

	// only the malformed message is left
	assert.Equal(t, 1, dlq.Len())
}

func TestDrain_QueuedJobNeverPicked(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	dlq := queue.NewMemory(queue.MemoryConfig{})
	sendJobMessage(t, dlq, f.queuedJob(t, "job-1"))

	marked, err := NewDeadLetterReconciler(f.repo, dlq, 5, 10).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	job := f.job(t, "job-1")
	assert.Equal(t, constant.JobStatusPermanentlyFailed, job.Status)
	assert.Equal(t, 5, job.RetriedCount)
	assert.NotNil(t, job.FailedAt)
}

func TestDrain_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	dlq := queue.NewMemory(queue.MemoryConfig{})
	msg := f.queuedJob(t, "job-1")
	sendJobMessage(t, dlq, msg)
	sendJobMessage(t, dlq, msg)

	marked, err := NewDeadLetterReconciler(f.repo, dlq, 3, 10).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Equal(t, 0, dlq.Len())
}

func TestDrain_RespectsBatch(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	dlq := queue.NewMemory(queue.MemoryConfig{})
	for _, id := range []string{"a", "b", "c"} {
		sendJobMessage(t, dlq, f.queuedJob(t, id))
	}

	marked, err := NewDeadLetterReconciler(f.repo, dlq, 3, 2).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)
	assert.Equal(t, 1, dlq.Len())
}

func TestDrain_ReceiveError(t *testing.T) {
	q := &mockQueue{}
	q.On("Receive", mock.Anything, time.Duration(0)).Return(nil, errors.New("channel closed"))

	_, err := NewDeadLetterReconciler(newSQLite(t), q, 3, 10).Drain(context.Background())
	assert.EqualError(t, err, "channel closed")
}

func TestCleaner(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.engine.failures = 1
	require.Error(t, f.svc.Process(ctx, f.queuedJob(t, "recent")))

	c := NewCleaner(f.repo, 7*24*time.Hour)
	deleted, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	c.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	deleted, err = c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
