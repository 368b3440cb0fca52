package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/genjob/internal/domain"
)

// processMessage applies one event under the handle timeout
func (w *Worker) processMessage(ctx context.Context, msg *Message) error {
	eventCtx, cancel := context.WithTimeout(ctx, w.handleTimeout)
	defer cancel()

	w.logger.Debug("Processing event",
		slog.String("job_id", msg.Event.JobID),
		slog.Time("received_at", msg.Event.ReceivedAt),
	)

	return w.handler.HandleEvent(eventCtx, msg.Event)
}

// shouldRequeue determines if a message should be redelivered based on the error type
func shouldRequeue(err error) bool {
	// unknown jobs and unreadable events fail the same way on every delivery
	if errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrMalformedPayload) {
		return false
	}

	if !domain.IsRetryable(err) {
		return false
	}

	// Artifact download failures are retried by the poll loop, which keeps
	// a flapping asset host from spinning the queue.
	if errors.Is(err, domain.ErrUpstreamUnavailable) ||
		errors.Is(err, domain.ErrUpstreamRejected) ||
		errors.Is(err, domain.ErrEmptyArtifact) {
		return false
	}

	return true
}
