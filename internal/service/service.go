// Package service exposes the job operations used by the HTTP layer.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/registry"
)

// Generator submits a request upstream and returns the upstream job id
type Generator interface {
	Generate(ctx context.Context, req domain.Request) (string, error)
}

// Refresher polls the upstream for a single job on demand
type Refresher interface {
	PollJob(ctx context.Context, jobID string) error
}

// ArtifactReader reads stored artifacts
type ArtifactReader interface {
	Read(ctx context.Context, ref string) ([]byte, error)
}

// Config holds service dependencies
type Config struct {
	Registry  registry.Registry
	Generator Generator
	Refresher Refresher
	Artifacts ArtifactReader
	Logger    *slog.Logger
}

// JobService implements submit, status, artifact and list operations
type JobService struct {
	registry  registry.Registry
	generator Generator
	refresher Refresher
	artifacts ArtifactReader
	logger    *slog.Logger
}

// NewJobService creates a new job service
func NewJobService(cfg *Config) *JobService {
	return &JobService{
		registry:  cfg.Registry,
		generator: cfg.Generator,
		refresher: cfg.Refresher,
		artifacts: cfg.Artifacts,
		logger:    cfg.Logger,
	}
}

// Submit sends req upstream and registers the job as PENDING. Nothing is
// registered when the upstream rejects the request.
func (s *JobService) Submit(ctx context.Context, req domain.Request) (*domain.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	jobID, err := s.generator.Generate(ctx, req)
	if err != nil {
		s.logger.Error("Upstream rejected submission",
			slog.String("model", req.Model),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("submit job: %w", err)
	}

	job, err := s.registry.Create(ctx, jobID, req)
	if err != nil {
		s.logger.Error("Failed to register job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("register job: %w", err)
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", job.JobID),
		slog.Bool("custom_mode", req.CustomMode),
		slog.Bool("instrumental", req.Instrumental),
	)
	return job, nil
}

// GetStatus returns the current job
func (s *JobService) GetStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.registry.Get(ctx, jobID)
}

// GetArtifact returns the stored artifact bytes of a SUCCEEDED job
func (s *JobService) GetArtifact(ctx context.Context, jobID string) (*domain.Job, []byte, error) {
	job, err := s.registry.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.State != domain.StateSucceeded || job.ArtifactRef == "" {
		return job, nil, fmt.Errorf("%w: job %s is %s", domain.ErrArtifactNotReady, jobID, job.State)
	}

	data, err := s.artifacts.Read(ctx, job.ArtifactRef)
	if err != nil {
		return job, nil, fmt.Errorf("read artifact: %w", err)
	}
	return job, data, nil
}

// List returns jobs in submission order, optionally filtered by state
func (s *JobService) List(ctx context.Context, states ...domain.State) ([]*domain.Job, error) {
	for _, st := range states {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown state %q", domain.ErrInvalidRequest, st)
		}
	}
	return s.registry.List(ctx, states...)
}

// Refresh polls the upstream for one job right away and returns the job as
// it stands afterwards. Terminal jobs are returned without a query.
func (s *JobService) Refresh(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.registry.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsDone() || s.refresher == nil {
		return job, nil
	}

	if err := s.refresher.PollJob(ctx, jobID); err != nil && !domain.IsRetryable(err) {
		return nil, fmt.Errorf("refresh job: %w", err)
	}
	return s.registry.Get(ctx, jobID)
}
