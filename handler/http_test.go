package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"transcode-jobs/constant"
	"transcode-jobs/dto"
	"transcode-jobs/entities"
	"transcode-jobs/pkg/auth"
	"transcode-jobs/repository"
	"transcode-jobs/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, req dto.SubmitRequest) (*dto.SubmitResponse, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*dto.SubmitResponse)
	return res, args.Error(1)
}

type mockQuery struct {
	mock.Mock
}

func (m *mockQuery) GetJob(ctx context.Context, id string) (*entities.Job, error) {
	args := m.Called(ctx, id)
	job, _ := args.Get(0).(*entities.Job)
	return job, args.Error(1)
}

func (m *mockQuery) ListJobs(ctx context.Context, userId string, limit int) ([]*entities.Job, error) {
	args := m.Called(ctx, userId, limit)
	jobs, _ := args.Get(0).([]*entities.Job)
	return jobs, args.Error(1)
}

var verifier = auth.NewVerifier("test-secret", "")

func newRouter(s service.Submitter, q service.JobQuery) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewJobHTTPHandler(s, q).Register(r.Group("/v1", verifier.Middleware()))
	return r
}

func do(t *testing.T, r *gin.Engine, method, path, body, userId, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userId != "" {
		token, err := verifier.Issue(userId, role, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSubmitHandler(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		s := &mockSubmitter{}
		s.On("Submit", mock.Anything, dto.SubmitRequest{
			UserId:   "user-1",
			InputRef: "uploads/a.mov",
			Options:  entities.Options{Resolution: "640x360"},
		}).Return(&dto.SubmitResponse{JobId: "job-1", Status: constant.JobStatusQueued}, nil)

		w := do(t, newRouter(s, &mockQuery{}), http.MethodPost, "/v1/jobs",
			`{"inputRef":"uploads/a.mov","options":{"resolution":"640x360"},"userId":"spoofed"}`, "user-1", "")
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.JSONEq(t, `{"jobId":"job-1","status":"queued"}`, w.Body.String())
		s.AssertExpectations(t)
	})

	t.Run("invalid", func(t *testing.T) {
		s := &mockSubmitter{}
		s.On("Submit", mock.Anything, mock.Anything).Return(nil, errors.Join(service.ErrInvalidRequest, errors.New("inputRef required")))
		w := do(t, newRouter(s, &mockQuery{}), http.MethodPost, "/v1/jobs", `{}`, "user-1", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad json", func(t *testing.T) {
		w := do(t, newRouter(&mockSubmitter{}, &mockQuery{}), http.MethodPost, "/v1/jobs", `{`, "user-1", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("enqueue failure", func(t *testing.T) {
		s := &mockSubmitter{}
		s.On("Submit", mock.Anything, mock.Anything).Return(nil, service.ErrSubmission)
		w := do(t, newRouter(s, &mockQuery{}), http.MethodPost, "/v1/jobs", `{"inputRef":"x"}`, "user-1", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		w := do(t, newRouter(&mockSubmitter{}, &mockQuery{}), http.MethodPost, "/v1/jobs", `{"inputRef":"x"}`, "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestGetHandler(t *testing.T) {
	job := &entities.Job{ID: "job-1", UserID: "owner", Status: constant.JobStatusProcessing, Progress: 40}
	q := &mockQuery{}
	q.On("GetJob", mock.Anything, "job-1").Return(job, nil)
	q.On("GetJob", mock.Anything, "missing").Return(nil, repository.ErrNotFound)
	r := newRouter(&mockSubmitter{}, q)

	w := do(t, r, http.MethodGet, "/v1/jobs/job-1", "", "owner", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"progress":40`)
	assert.Contains(t, w.Body.String(), `"status":"processing"`)

	w = do(t, r, http.MethodGet, "/v1/jobs/job-1", "", "someone-else", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodGet, "/v1/jobs/job-1", "", "ops", constant.RoleAdmin)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/v1/jobs/missing", "", "owner", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListHandler(t *testing.T) {
	q := &mockQuery{}
	q.On("ListJobs", mock.Anything, "user-1", 0).Return([]*entities.Job{{ID: "a", UserID: "user-1"}}, nil)
	q.On("ListJobs", mock.Anything, "user-2", 5).Return([]*entities.Job{}, nil)
	r := newRouter(&mockSubmitter{}, q)

	w := do(t, r, http.MethodGet, "/v1/jobs", "", "user-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"jobId":"a"`)

	w = do(t, r, http.MethodGet, "/v1/jobs?userId=user-2", "", "user-1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodGet, "/v1/jobs?userId=user-2&limit=5", "", "ops", constant.RoleAdmin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jobs":[]}`, w.Body.String())
	q.AssertExpectations(t)
}

func TestListHandler_BadLimit(t *testing.T) {
	q := &mockQuery{}
	r := newRouter(&mockSubmitter{}, q)

	for _, limit := range []string{"abc", "-1", "10x", ""} {
		w := do(t, r, http.MethodGet, "/v1/jobs?limit="+limit, "", "user-1", "")
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%q", limit)
		assert.Contains(t, w.Body.String(), "limit must be a non-negative integer")
	}
	q.AssertNotCalled(t, "ListJobs", mock.Anything, mock.Anything, mock.Anything)
}
