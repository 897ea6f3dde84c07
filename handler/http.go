package handler

import (
	"errors"
	"net/http"
	"strconv"
	"transcode-jobs/constant"
	"transcode-jobs/dto"
	"transcode-jobs/pkg/auth"
	"transcode-jobs/repository"
	"transcode-jobs/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type JobHTTPHandler struct {
	submitter service.Submitter
	query     service.JobQuery
}

func NewJobHTTPHandler(submitter service.Submitter, query service.JobQuery) *JobHTTPHandler {
	return &JobHTTPHandler{submitter: submitter, query: query}
}

func (h *JobHTTPHandler) Register(r gin.IRouter) {
	r.POST("/jobs", h.Submit)
	r.GET("/jobs", h.List)
	r.GET("/jobs/:id", h.Get)
}

func (h *JobHTTPHandler) Submit(c *gin.Context) {
	var req dto.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.UserId = auth.FromContext(c).UserID

	res, err := h.submitter.Submit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("submit job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *JobHTTPHandler) Get(c *gin.Context) {
	identity := auth.FromContext(c)
	job, err := h.query.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("get job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}
	if job.UserID != identity.UserID && identity.Role != constant.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHTTPHandler) List(c *gin.Context) {
	identity := auth.FromContext(c)
	userId := identity.UserID
	if q := c.Query("userId"); q != "" && q != userId {
		if identity.Role != constant.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		userId = q
	}
	var limit int
	if raw, ok := c.GetQuery("limit"); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	jobs, err := h.query.ListJobs(c.Request.Context(), userId, limit)
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, dto.JobListResponse{Jobs: jobs})
}
