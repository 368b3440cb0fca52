package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/genjob/internal/domain"
)

type memoryEntry struct {
	mu         sync.Mutex
	job        *domain.Job
	claimedAt  time.Time
	claimToken string
}

// Memory is an in-process Registry. The index lock is only held to find an
// entry; each job has its own mutex, so distinct jobs never wait on each other.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	order   []string
	now     func() time.Time
}

// NewMemory creates an empty in-memory registry
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Create(ctx context.Context, jobID string, req domain.Request) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[jobID]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateJob, jobID)
	}

	job := domain.NewJob(jobID, req, m.now())
	m.entries[jobID] = &memoryEntry{job: job}
	m.order = append(m.order, jobID)

	return job.Clone(), nil
}

func (m *Memory) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	e, err := m.entry(ctx, jobID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

func (m *Memory) Transition(ctx context.Context, jobID string, u domain.Update) (*domain.Job, error) {
	e, err := m.entry(ctx, jobID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	changed, err := domain.ApplyTransition(e.job, u, m.now())
	if err != nil {
		return nil, err
	}
	if changed && e.job.State.Terminal() {
		e.clearClaim()
	}

	return e.job.Clone(), nil
}

func (m *Memory) List(ctx context.Context, states ...domain.State) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.entries[id])
	}
	m.mu.RUnlock()

	jobs := make([]*domain.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if stateIn(e.job.State, states) {
			jobs = append(jobs, e.job.Clone())
		}
		e.mu.Unlock()
	}

	return jobs, nil
}

func (m *Memory) ClaimFetch(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error) {
	e, err := m.entry(ctx, jobID)
	if err != nil {
		return "", false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.State.Terminal() {
		return "", false, nil
	}

	now := m.now()
	if !e.claimedAt.IsZero() && now.Sub(e.claimedAt) < ttl {
		return "", false, nil
	}

	e.claimedAt = now
	e.claimToken = uuid.NewString()
	return e.claimToken, true, nil
}

func (m *Memory) ReleaseFetch(ctx context.Context, jobID, token string) error {
	e, err := m.entry(ctx, jobID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if token != "" && e.claimToken == token {
		e.clearClaim()
	}
	e.mu.Unlock()
	return nil
}

func (e *memoryEntry) clearClaim() {
	e.claimedAt = time.Time{}
	e.claimToken = ""
}

func (m *Memory) entry(ctx context.Context, jobID string) (*memoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	e, ok := m.entries[jobID]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return e, nil
}

var _ Registry = (*Memory)(nil)
