package handler

import (
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/genjob/internal/api/dto"
	"github.com/cuongbtq/genjob/internal/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// audio types are missing from the mime package's builtin table
var artifactContentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
}

// CreateJob handles POST /api/v1/jobs
// Submits a generation request upstream and registers the job
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	job, err := h.service.Submit(c.Request.Context(), req.ToDomain())
	if err != nil {
		h.fail(c, "Failed to submit job", err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.service.GetStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.fail(c, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// GetArtifact handles GET /api/v1/jobs/:job_id/artifact
// Streams the stored artifact; 409 until the job has succeeded
func (h *JobHandler) GetArtifact(c *gin.Context) {
	job, data, err := h.service.GetArtifact(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.fail(c, "Failed to read artifact", err)
		return
	}

	ext := strings.ToLower(filepath.Ext(job.ArtifactRef))
	contentType, ok := artifactContentTypes[ext]
	if !ok {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.Header("Content-Disposition", `attachment; filename="`+job.ArtifactRef+`"`)
	c.Data(http.StatusOK, contentType, data)
}

// RefreshJob handles POST /api/v1/jobs/:job_id/refresh
// Polls the upstream for the job right away
func (h *JobHandler) RefreshJob(c *gin.Context) {
	job, err := h.service.Refresh(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.fail(c, "Failed to refresh job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs in submission order with optional state filter and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	var states []domain.State
	for _, s := range strings.Split(req.State, ",") {
		if s = strings.TrimSpace(s); s != "" {
			states = append(states, domain.State(strings.ToUpper(s)))
		}
	}

	jobs, err := h.service.List(c.Request.Context(), states...)
	if err != nil {
		h.fail(c, "Failed to list jobs", err)
		return
	}

	if cursor != nil {
		jobs = jobsAfter(jobs, cursor)
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(job)
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&JobCursor{CreatedAt: last.CreatedAt, JobID: last.JobID})
	}

	c.JSON(http.StatusOK, resp)
}

// jobsAfter drops every job up to and including the cursor job. If the cursor
// job is gone from the listing, jobs created after the cursor time are kept.
func jobsAfter(jobs []*domain.Job, cursor *JobCursor) []*domain.Job {
	for i, job := range jobs {
		if job.JobID == cursor.JobID {
			return jobs[i+1:]
		}
	}

	out := jobs[:0:0]
	for _, job := range jobs {
		if job.CreatedAt.After(cursor.CreatedAt) {
			out = append(out, job)
		}
	}
	return out
}
