// Package registry is the single source of truth for generation jobs. Every
// state change goes through Transition, which applies domain.ApplyTransition
// under a per-job exclusive section, whatever the backing storage.
package registry

import (
	"context"
	"time"

	"github.com/cuongbtq/genjob/internal/domain"
)

// Registry stores generation jobs keyed by their upstream id
type Registry interface {
	// Create registers a PENDING job. It fails with domain.ErrDuplicateJob
	// when jobID is already known.
	Create(ctx context.Context, jobID string, req domain.Request) (*domain.Job, error)

	// Get returns a copy of the job or domain.ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// Transition applies u atomically for jobID. Backward moves and conflicting
	// changes to a terminal job fail with domain.ErrInvalidTransition; an exact
	// terminal re-delivery succeeds without changing anything.
	Transition(ctx context.Context, jobID string, u domain.Update) (*domain.Job, error)

	// List returns jobs in insertion order, optionally only those in states.
	List(ctx context.Context, states ...domain.State) ([]*domain.Job, error)

	// ClaimFetch takes the artifact fetch responsibility for jobID. Only one
	// caller gets true until the claim is released, expires after ttl, or the
	// job reaches a terminal state. The returned token identifies the claim.
	ClaimFetch(ctx context.Context, jobID string, ttl time.Duration) (token string, ok bool, err error)

	// ReleaseFetch drops the claim identified by token. A claim that has
	// since expired and been taken by someone else is left alone.
	ReleaseFetch(ctx context.Context, jobID, token string) error
}

func stateIn(s domain.State, states []domain.State) bool {
	if len(states) == 0 {
		return true
	}
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}
