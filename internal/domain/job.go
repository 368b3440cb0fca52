package domain

import (
	"fmt"
	"strings"
	"time"
)

// Request holds the normalized submission parameters of a generation job.
// It is immutable once the job is registered.
type Request struct {
	Prompt       string `json:"prompt"`
	Style        string `json:"style,omitempty"`
	Title        string `json:"title,omitempty"`
	CustomMode   bool   `json:"custom_mode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model,omitempty"`
	NegativeTags string `json:"negative_tags,omitempty"`
}

// Validate checks the fields upstream requires before a submission is attempted
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if r.CustomMode {
		if strings.TrimSpace(r.Style) == "" {
			return fmt.Errorf("%w: style is required in custom mode", ErrInvalidRequest)
		}
		if strings.TrimSpace(r.Title) == "" {
			return fmt.Errorf("%w: title is required in custom mode", ErrInvalidRequest)
		}
	}
	return nil
}

// JobResult is the canonical shape extracted from upstream payloads
type JobResult struct {
	RemoteAssetURL  string  `json:"remote_asset_url"`
	StreamAssetURL  string  `json:"stream_asset_url,omitempty"`
	Title           string  `json:"title,omitempty"`
	CoverImageURL   string  `json:"cover_image_url,omitempty"`
	LyricsOrPrompt  string  `json:"lyrics_or_prompt_echo,omitempty"`
	Tags            string  `json:"tags,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Job is one upstream generation request tracked end-to-end by its upstream id
type Job struct {
	JobID       string     `json:"job_id"`
	State       State      `json:"state"`
	Request     Request    `json:"request"`
	Result      *JobResult `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	ArtifactRef string     `json:"artifact_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewJob returns a PENDING job for a freshly submitted request
func NewJob(jobID string, req Request, now time.Time) *Job {
	return &Job{
		JobID:     jobID,
		State:     StatePending,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsDone reports whether the job reached a terminal state
func (j *Job) IsDone() bool {
	return j.State.Terminal()
}

// Clone returns a deep copy so callers never share the registry's record
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}
