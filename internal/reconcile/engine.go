// Package reconcile applies upstream observations from webhooks and polls to
// the job registry. Both channels may report the same completion any number
// of times and in any order; the first success materializes the artifact and
// every later report is a no-op.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/normalizer"
	"github.com/cuongbtq/genjob/internal/registry"
)

const defaultClaimTTL = 2 * time.Minute

// Fetcher downloads a remote asset
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Store keeps downloaded artifacts, write-once per job id
type Store interface {
	Key(jobID string) (string, error)
	Exists(ctx context.Context, jobID string) (bool, error)
	Write(ctx context.Context, jobID string, data []byte) (string, error)
}

// Config holds engine dependencies
type Config struct {
	Registry registry.Registry
	Fetcher  Fetcher
	Store    Store
	Logger   *slog.Logger
	ClaimTTL time.Duration
}

// Engine reconciles events into job state
type Engine struct {
	registry registry.Registry
	fetcher  Fetcher
	store    Store
	logger   *slog.Logger
	claimTTL time.Duration
}

// NewEngine creates a new reconciliation engine
func NewEngine(cfg *Config) *Engine {
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}

	return &Engine{
		registry: cfg.Registry,
		fetcher:  cfg.Fetcher,
		store:    cfg.Store,
		logger:   cfg.Logger,
		claimTTL: claimTTL,
	}
}

// HandleEvent applies ev to its job. A failed artifact download returns a
// domain.RetryableError and leaves the job non-terminal, so a later
// redelivery or poll can complete it.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) error {
	logger := e.logger.With(slog.String("source", string(ev.Source)))

	n := normalizer.Normalized{Outcome: normalizer.OutcomeProcessing}
	raw, err := normalizer.Decode(ev.Payload)
	if err != nil {
		logger.Warn("Unreadable upstream payload, treating as processing",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
	} else {
		n = normalizer.Normalize(raw)
	}

	jobID := ev.JobID
	if jobID == "" {
		jobID = n.JobID
	}
	if jobID == "" {
		return fmt.Errorf("%w: event carries no job id", domain.ErrMalformedPayload)
	}
	if n.JobID != "" && n.JobID != jobID {
		logger.Warn("Payload job id differs from event job id",
			slog.String("job_id", jobID),
			slog.String("payload_job_id", n.JobID),
		)
	}

	logger = logger.With(slog.String("job_id", jobID))
	logger.Debug("Handling event",
		slog.String("outcome", string(n.Outcome)),
		slog.String("payload", string(ev.Payload)),
	)

	job, err := e.registry.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	switch n.Outcome {
	case normalizer.OutcomeFailure:
		return e.markFailed(ctx, logger, job, n.ErrorDetail)
	case normalizer.OutcomeSuccess:
		return e.complete(ctx, logger, job, n.Result)
	default:
		return e.markProcessing(ctx, logger, job)
	}
}

// markProcessing only ever moves PENDING forward; it never touches a job that
// is already further along.
func (e *Engine) markProcessing(ctx context.Context, logger *slog.Logger, job *domain.Job) error {
	if job.State != domain.StatePending {
		return nil
	}

	_, err := e.registry.Transition(ctx, job.JobID, domain.Update{State: domain.StateProcessing})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// another event got the job further in the meantime
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	logger.Info("Job is processing upstream")
	return nil
}

func (e *Engine) markFailed(ctx context.Context, logger *slog.Logger, job *domain.Job, detail string) error {
	if job.State.Terminal() {
		logger.Debug("Failure report for terminal job ignored",
			slog.String("state", string(job.State)),
		)
		return nil
	}

	_, err := e.registry.Transition(ctx, job.JobID, domain.Update{State: domain.StateFailed, Error: detail})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	logger.Warn("Job failed upstream",
		slog.String("error", detail),
	)
	return nil
}

// complete runs claim, fetch, commit. The claim is recorded under the
// registry's per-job exclusion, but that exclusion is not held while the
// download runs.
func (e *Engine) complete(ctx context.Context, logger *slog.Logger, job *domain.Job, result *domain.JobResult) error {
	switch {
	case job.State == domain.StateSucceeded && job.ArtifactRef != "":
		logger.Debug("Duplicate success report ignored")
		return nil
	case job.State == domain.StateFailed:
		logger.Warn("Success report for failed job ignored")
		return nil
	}

	token, claimed, err := e.registry.ClaimFetch(ctx, job.JobID, e.claimTTL)
	if err != nil {
		return fmt.Errorf("claim fetch: %w", err)
	}
	if !claimed {
		logger.Debug("Artifact fetch already claimed or job terminal")
		return nil
	}
	defer func() {
		if err := e.registry.ReleaseFetch(context.WithoutCancel(ctx), job.JobID, token); err != nil {
			logger.Warn("Failed to release fetch claim",
				slog.Any("error", err),
			)
		}
	}()

	// A job whose download keeps failing must still read as PROCESSING.
	if err := e.markProcessing(ctx, logger, job); err != nil {
		return err
	}

	ref, err := e.materialize(ctx, logger, job.JobID, result.RemoteAssetURL)
	if err != nil {
		logger.Warn("Artifact materialization failed, will retry on next report",
			slog.String("url", result.RemoteAssetURL),
			slog.Any("error", err),
		)
		return domain.NewRetryableError(fmt.Errorf("materialize artifact of job %s: %w", job.JobID, err))
	}

	_, err = e.registry.Transition(ctx, job.JobID, domain.Update{
		State:       domain.StateSucceeded,
		Result:      result,
		ArtifactRef: ref,
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		current, getErr := e.registry.Get(ctx, job.JobID)
		if getErr == nil && current.State == domain.StateSucceeded {
			return nil
		}
		return fmt.Errorf("commit success: %w", err)
	}
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("commit success: %w", err))
	}

	logger.Info("Job succeeded",
		slog.String("artifact_ref", ref),
		slog.String("title", result.Title),
	)
	return nil
}

// materialize returns the ref of the job's artifact, downloading it only when
// the store does not hold it yet.
func (e *Engine) materialize(ctx context.Context, logger *slog.Logger, jobID, url string) (string, error) {
	exists, err := e.store.Exists(ctx, jobID)
	if err != nil {
		return "", err
	}
	if exists {
		logger.Info("Artifact already stored, skipping download")
		return e.store.Key(jobID)
	}

	data, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		return "", err
	}

	return e.store.Write(ctx, jobID, data)
}
