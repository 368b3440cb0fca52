package registry

import (
	"context"
	"database/sql/driver"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jobColumns = []string{"job_id", "state", "request", "result", "error_message", "artifact_ref", "created_at", "updated_at"}

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPostgres(sqlx.NewDb(db, "sqlmock"), logger), mock
}

func TestPostgres_Create(t *testing.T) {
	reg, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO generation_jobs")).
		WithArgs("J1", "PENDING", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	job, err := reg.Create(context.Background(), "J1", domain.Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, job.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateDuplicate(t *testing.T) {
	reg, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO generation_jobs")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := reg.Create(context.Background(), "J1", domain.Request{Prompt: "p"})
	require.ErrorIs(t, err, domain.ErrDuplicateJob)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Get(t *testing.T) {
	reg, mock := newMockPostgres(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM generation_jobs")).
		WithArgs("J1").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(
			"J1", "SUCCEEDED", []byte(`{"prompt":"p","custom_mode":false,"instrumental":true}`),
			[]byte(`{"remote_asset_url":"http://x/a.mp3","title":"t"}`), "", "J1.mp3", now, now,
		))

	job, err := reg.Get(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, job.State)
	assert.True(t, job.Request.Instrumental)
	require.NotNil(t, job.Result)
	assert.Equal(t, "http://x/a.mp3", job.Result.RemoteAssetURL)
	assert.Equal(t, "J1.mp3", job.ArtifactRef)

	mock.ExpectQuery(regexp.QuoteMeta("FROM generation_jobs")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobColumns))

	_, err = reg.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransitionCommits(t *testing.T) {
	reg, mock := newMockPostgres(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE job_id = $1 FOR UPDATE")).
		WithArgs("J1").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(
			"J1", "PROCESSING", []byte(`{"prompt":"p"}`), nil, "", "", now, now,
		))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_jobs")).
		WithArgs("J1", "SUCCEEDED", sqlmock.AnyArg(), "", "J1.mp3", sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := reg.Transition(context.Background(), "J1", domain.Update{
		State:       domain.StateSucceeded,
		Result:      testResult,
		ArtifactRef: "J1.mp3",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, job.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// nullArg matches only an untyped nil, which lib/pq sends as NULL
type nullArg struct{}

func (nullArg) Match(v driver.Value) bool { return v == nil }

func TestPostgres_TransitionWithoutResult(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		fromState string
		update    domain.Update
		wantState string
		wantError string
		terminal  bool
	}{
		{
			name:      "pending to processing",
			fromState: "PENDING",
			update:    domain.Update{State: domain.StateProcessing},
			wantState: "PROCESSING",
		},
		{
			name:      "processing to failed",
			fromState: "PROCESSING",
			update:    domain.Update{State: domain.StateFailed, Error: "quota exceeded"},
			wantState: "FAILED",
			wantError: "quota exceeded",
			terminal:  true,
		},
		{
			name:      "pending to failed",
			fromState: "PENDING",
			update:    domain.Update{State: domain.StateFailed, Error: "content rejected"},
			wantState: "FAILED",
			wantError: "content rejected",
			terminal:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, mock := newMockPostgres(t)

			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta("WHERE job_id = $1 FOR UPDATE")).
				WithArgs("J1").
				WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(
					"J1", tt.fromState, []byte(`{"prompt":"p"}`), nil, "", "", now, now,
				))
			mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_jobs")).
				WithArgs("J1", tt.wantState, nullArg{}, tt.wantError, "", sqlmock.AnyArg(), tt.terminal).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			job, err := reg.Transition(context.Background(), "J1", tt.update)
			require.NoError(t, err)
			assert.Equal(t, domain.State(tt.wantState), job.State)
			assert.Nil(t, job.Result)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_TerminalTransitionClearsClaim(t *testing.T) {
	reg, mock := newMockPostgres(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("J1").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(
			"J1", "PROCESSING", []byte(`{"prompt":"p"}`), nil, "", "", now, now,
		))
	mock.ExpectExec(regexp.QuoteMeta("fetch_claim_token = CASE WHEN $7 THEN NULL ELSE fetch_claim_token END")).
		WithArgs("J1", "SUCCEEDED", sqlmock.AnyArg(), "", "J1.mp3", sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := reg.Transition(context.Background(), "J1", domain.Update{
		State:       domain.StateSucceeded,
		Result:      testResult,
		ArtifactRef: "J1.mp3",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransitionRejectsRegression(t *testing.T) {
	reg, mock := newMockPostgres(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("J1").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(
			"J1", "FAILED", []byte(`{"prompt":"p"}`), nil, "quota", "", now, now,
		))
	mock.ExpectRollback()

	_, err := reg.Transition(context.Background(), "J1", domain.Update{State: domain.StateProcessing})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransitionNoop(t *testing.T) {
	reg, mock := newMockPostgres(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("J1").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(
			"J1", "PROCESSING", []byte(`{"prompt":"p"}`), nil, "", "", now, now,
		))
	mock.ExpectCommit()

	job, err := reg.Transition(context.Background(), "J1", domain.Update{State: domain.StateProcessing})
	require.NoError(t, err)
	assert.Equal(t, now, job.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_List(t *testing.T) {
	reg, mock := newMockPostgres(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE state = ANY($1) ORDER BY seq ASC")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow("J1", "PENDING", []byte(`{"prompt":"a"}`), nil, "", "", now, now).
			AddRow("J2", "PROCESSING", []byte(`{"prompt":"b"}`), nil, "", "", now, now))

	jobs, err := reg.List(context.Background(), domain.ActiveStates...)
	require.NoError(t, err)
	assert.Equal(t, []string{"J1", "J2"}, jobIDs(jobs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ClaimFetch(t *testing.T) {
	reg, mock := newMockPostgres(t)
	claimQuery := regexp.QuoteMeta("SET fetch_claimed_at = NOW(), fetch_claim_token = $5")

	mock.ExpectQuery(claimQuery).
		WithArgs("J1", "SUCCEEDED", "FAILED", float64(120), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow("J1"))

	token, ok, err := reg.ClaimFetch(context.Background(), "J1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)

	mock.ExpectQuery(claimQuery).
		WithArgs("J1", "SUCCEEDED", "FAILED", float64(120), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("J1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, ok, err = reg.ClaimFetch(context.Background(), "J1", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(claimQuery).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, _, err = reg.ClaimFetch(context.Background(), "missing", 2*time.Minute)
	require.ErrorIs(t, err, domain.ErrJobNotFound)

	mock.ExpectExec(regexp.QuoteMeta("WHERE job_id = $1 AND fetch_claim_token = $2")).
		WithArgs("J1", token).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, reg.ReleaseFetch(context.Background(), "J1", token))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ReleaseFetchScopedToToken(t *testing.T) {
	reg, mock := newMockPostgres(t)

	// the claim expired and was taken by another holder, so nothing matches
	mock.ExpectExec(regexp.QuoteMeta("WHERE job_id = $1 AND fetch_claim_token = $2")).
		WithArgs("J1", "stale-token").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, reg.ReleaseFetch(context.Background(), "J1", "stale-token"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
