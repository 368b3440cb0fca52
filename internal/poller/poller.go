// Package poller periodically asks the upstream for the status of every
// unfinished job and feeds the answers to the reconciliation engine. It is the
// fallback for webhooks that never arrive.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/reconcile"
	"github.com/cuongbtq/genjob/internal/registry"
)

const (
	defaultInterval    = 5 * time.Second
	defaultConcurrency = 4
)

// notVisiblePayload stands in for the status answer of a task the upstream
// does not list yet.
var notVisiblePayload = []byte(`{"status":"processing"}`)

// StatusClient queries the upstream for one job
type StatusClient interface {
	Status(ctx context.Context, jobID string) ([]byte, error)
}

// EventHandler consumes poll events
type EventHandler interface {
	HandleEvent(ctx context.Context, ev reconcile.Event) error
}

// Config holds poller settings and dependencies
type Config struct {
	Registry    registry.Registry
	Client      StatusClient
	Handler     EventHandler
	Logger      *slog.Logger
	Interval    time.Duration
	Concurrency int
}

// Poller drives the poll loop
type Poller struct {
	registry    registry.Registry
	client      StatusClient
	handler     EventHandler
	logger      *slog.Logger
	interval    time.Duration
	concurrency int
}

// NewPoller creates a new poller
func NewPoller(cfg *Config) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Poller{
		registry:    cfg.Registry,
		client:      cfg.Client,
		handler:     cfg.Handler,
		logger:      cfg.Logger,
		interval:    interval,
		concurrency: concurrency,
	}
}

// Run polls every interval until ctx is cancelled
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Starting poll loop",
		slog.Duration("interval", p.interval),
		slog.Int("concurrency", p.concurrency),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Poll loop stopped")
			return nil
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Poll cycle failed",
					slog.Any("error", err),
				)
			}
		}
	}
}

// PollOnce queries every non-terminal job once. Errors of individual jobs
// are logged and skipped; only a failure to list the jobs is returned.
func (p *Poller) PollOnce(ctx context.Context) error {
	jobs, err := p.registry.List(ctx, domain.ActiveStates...)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	p.logger.Debug("Polling active jobs",
		slog.Int("count", len(jobs)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, job := range jobs {
		jobID := job.JobID
		g.Go(func() error {
			_ = p.PollJob(gctx, jobID)
			return nil
		})
	}
	return g.Wait()
}

// PollJob queries one job and reconciles the answer. It returns the handler's
// error, or the query error when the upstream could not be asked.
func (p *Poller) PollJob(ctx context.Context, jobID string) error {
	payload, err := p.client.Status(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrTaskNotVisible):
		payload = notVisiblePayload
	case err != nil:
		p.logger.Warn("Status query failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return err
	}

	if err := p.handler.HandleEvent(ctx, reconcile.NewEvent(jobID, reconcile.SourcePoll, payload)); err != nil {
		p.logger.Warn("Failed to reconcile poll result",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}
