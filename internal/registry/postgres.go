package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const selectJobColumns = `
		SELECT job_id, state, request, result, error_message, artifact_ref, created_at, updated_at
		FROM generation_jobs
`

// jobRow is the generation_jobs row layout
type jobRow struct {
	JobID        string    `db:"job_id"`
	State        string    `db:"state"`
	Request      []byte    `db:"request"`
	Result       []byte    `db:"result"`
	ErrorMessage string    `db:"error_message"`
	ArtifactRef  string    `db:"artifact_ref"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Postgres is a Registry backed by the generation_jobs table. Row locks
// (SELECT ... FOR UPDATE) give the per-job exclusion across processes.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgres creates a new PostgreSQL registry
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *Postgres) Create(ctx context.Context, jobID string, req domain.Request) (*domain.Job, error) {
	job := domain.NewJob(jobID, req, p.now())

	requestJSON, err := json.Marshal(job.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	query := `
		INSERT INTO generation_jobs (
			job_id, state, request, error_message, artifact_ref, created_at, updated_at
		) VALUES (
			$1, $2, $3, '', '', $4, $5
		)
	`

	_, err = p.db.ExecContext(ctx, query, job.JobID, string(job.State), requestJSON, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateJob, jobID)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	p.logger.Info("Job registered",
		slog.String("job_id", jobID),
	)

	return job, nil
}

func (p *Postgres) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	err := p.db.GetContext(ctx, &row, selectJobColumns+" WHERE job_id = $1", jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toJob()
}

func (p *Postgres) Transition(ctx context.Context, jobID string, u domain.Update) (*domain.Job, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row jobRow
	err = tx.GetContext(ctx, &row, selectJobColumns+" WHERE job_id = $1 FOR UPDATE", jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}

	job, err := row.toJob()
	if err != nil {
		return nil, err
	}

	changed, err := domain.ApplyTransition(job, u, p.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return job, tx.Commit()
	}

	// lib/pq only writes NULL for an untyped nil; an empty []byte is '' which
	// jsonb rejects
	var resultArg interface{}
	if job.Result != nil {
		resultJSON, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		resultArg = resultJSON
	}

	query := `
		UPDATE generation_jobs
		SET state = $2,
			result = $3,
			error_message = $4,
			artifact_ref = $5,
			updated_at = $6,
			fetch_claimed_at = CASE WHEN $7 THEN NULL ELSE fetch_claimed_at END,
			fetch_claim_token = CASE WHEN $7 THEN NULL ELSE fetch_claim_token END
		WHERE job_id = $1
	`

	_, err = tx.ExecContext(ctx, query,
		job.JobID,
		string(job.State),
		resultArg,
		job.Error,
		job.ArtifactRef,
		job.UpdatedAt,
		job.State.Terminal(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	p.logger.Info("Job state updated",
		slog.String("job_id", jobID),
		slog.String("state", string(job.State)),
	)

	return job, nil
}

func (p *Postgres) List(ctx context.Context, states ...domain.State) ([]*domain.Job, error) {
	query := selectJobColumns
	args := []interface{}{}

	if len(states) > 0 {
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = string(s)
		}
		query += " WHERE state = ANY($1)"
		args = append(args, pq.Array(names))
	}

	// seq is a bigserial, so this is insertion order
	query += " ORDER BY seq ASC"

	var rows []jobRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// ClaimFetch uses optimistic locking: the conditional UPDATE matches only when
// no live claim exists, so exactly one concurrent caller gets a row back.
func (p *Postgres) ClaimFetch(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error) {
	query := `
		UPDATE generation_jobs
		SET fetch_claimed_at = NOW(), fetch_claim_token = $5
		WHERE job_id = $1
		  AND state NOT IN ($2, $3)
		  AND (fetch_claimed_at IS NULL OR fetch_claimed_at < NOW() - make_interval(secs => $4))
		RETURNING job_id
	`

	token := uuid.NewString()

	var claimed string
	err := p.db.QueryRowContext(ctx, query,
		jobID,
		string(domain.StateSucceeded),
		string(domain.StateFailed),
		ttl.Seconds(),
		token,
	).Scan(&claimed)
	if err == nil {
		return token, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("failed to claim fetch: %w", err)
	}

	var exists bool
	if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM generation_jobs WHERE job_id = $1)`, jobID); err != nil {
		return "", false, fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return "", false, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}

	p.logger.Debug("Fetch already claimed or job terminal",
		slog.String("job_id", jobID),
	)
	return "", false, nil
}

func (p *Postgres) ReleaseFetch(ctx context.Context, jobID, token string) error {
	query := `
		UPDATE generation_jobs
		SET fetch_claimed_at = NULL, fetch_claim_token = NULL
		WHERE job_id = $1 AND fetch_claim_token = $2
	`

	result, err := p.db.ExecContext(ctx, query, jobID, token)
	if err != nil {
		return fmt.Errorf("failed to release fetch claim: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		p.logger.Warn("Fetch claim was taken over before release",
			slog.String("job_id", jobID),
		)
	}
	return nil
}

func (r jobRow) toJob() (*domain.Job, error) {
	job := &domain.Job{
		JobID:       r.JobID,
		State:       domain.State(r.State),
		Error:       r.ErrorMessage,
		ArtifactRef: r.ArtifactRef,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}

	if len(r.Request) > 0 {
		if err := json.Unmarshal(r.Request, &job.Request); err != nil {
			return nil, fmt.Errorf("failed to decode request of job %s: %w", r.JobID, err)
		}
	}

	if len(r.Result) > 0 {
		var result domain.JobResult
		if err := json.Unmarshal(r.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to decode result of job %s: %w", r.JobID, err)
		}
		job.Result = &result
	}

	return job, nil
}

var _ Registry = (*Postgres)(nil)
