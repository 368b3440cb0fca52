package dto

import (
	"time"

	"github.com/cuongbtq/genjob/internal/domain"
)

type CreateJobRequest struct {
	Prompt       string `json:"prompt" binding:"required"`
	Style        string `json:"style"`
	Title        string `json:"title"`
	CustomMode   bool   `json:"custom_mode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	NegativeTags string `json:"negative_tags"`
}

// ToDomain converts the request body into submission parameters
func (r CreateJobRequest) ToDomain() domain.Request {
	return domain.Request{
		Prompt:       r.Prompt,
		Style:        r.Style,
		Title:        r.Title,
		CustomMode:   r.CustomMode,
		Instrumental: r.Instrumental,
		Model:        r.Model,
		NegativeTags: r.NegativeTags,
	}
}

type ListJobsRequest struct {
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID       string            `json:"job_id"`
	State       string            `json:"state"`
	Request     domain.Request    `json:"request"`
	Result      *domain.JobResult `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	ArtifactRef string            `json:"artifact_ref,omitempty"`
	ArtifactURL string            `json:"artifact_url,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// NewJobDTO renders job for API responses
func NewJobDTO(job *domain.Job) JobDTO {
	out := JobDTO{
		JobID:       job.JobID,
		State:       string(job.State),
		Request:     job.Request,
		Result:      job.Result,
		Error:       job.Error,
		ArtifactRef: job.ArtifactRef,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
	if job.State == domain.StateSucceeded && job.ArtifactRef != "" {
		out.ArtifactURL = "/api/v1/jobs/" + job.JobID + "/artifact"
	}
	return out
}

type ErrorResponse struct {
	Error string `json:"error"`
}
