package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjob/internal/api/dto"
	"github.com/cuongbtq/genjob/internal/api/handler"
	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/reconcile"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeService struct {
	jobs      map[string]*domain.Job
	order     []string
	artifacts map[string][]byte
	submitErr error
	submitted []domain.Request
}

func newFakeService() *fakeService {
	return &fakeService{jobs: map[string]*domain.Job{}, artifacts: map[string][]byte{}}
}

func (s *fakeService) add(job *domain.Job) {
	s.jobs[job.JobID] = job
	s.order = append(s.order, job.JobID)
}

func (s *fakeService) Submit(ctx context.Context, req domain.Request) (*domain.Job, error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.submitted = append(s.submitted, req)
	job := domain.NewJob(fmt.Sprintf("task-%d", len(s.submitted)), req, time.Now())
	s.add(job)
	return job, nil
}

func (s *fakeService) GetStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	}
	return job, nil
}

func (s *fakeService) GetArtifact(ctx context.Context, jobID string) (*domain.Job, []byte, error) {
	job, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.State != domain.StateSucceeded {
		return job, nil, domain.ErrArtifactNotReady
	}
	return job, s.artifacts[job.ArtifactRef], nil
}

func (s *fakeService) List(ctx context.Context, states ...domain.State) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if len(states) == 0 {
			out = append(out, job)
			continue
		}
		for _, st := range states {
			if !st.Valid() {
				return nil, domain.ErrInvalidRequest
			}
			if job.State == st {
				out = append(out, job)
			}
		}
	}
	return out, nil
}

func (s *fakeService) Refresh(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.GetStatus(ctx, jobID)
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []reconcile.Event
	err    error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, ev reconcile.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return d.err
}

type fakeCredits struct {
	value float64
	err   error
}

func (f fakeCredits) Credits(ctx context.Context) (float64, error) {
	return f.value, f.err
}

func setup(t *testing.T) (*gin.Engine, *fakeService, *fakeDispatcher) {
	t.Helper()
	svc := newFakeService()
	dispatcher := &fakeDispatcher{}
	r := SetupRouter(&handler.Dependencies{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Service:     svc,
		Dispatcher:  dispatcher,
		Credits:     fakeCredits{value: 42},
		ServiceName: "genjob-api",
		CallbackURL: "https://example.com/callback",
	})
	return r, svc, dispatcher
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func succeededJob(id string) *domain.Job {
	job := domain.NewJob(id, domain.Request{Prompt: "p"}, time.Now())
	job.State = domain.StateSucceeded
	job.Result = &domain.JobResult{RemoteAssetURL: "http://x/a.mp3", Title: "Song"}
	job.ArtifactRef = id + ".mp3"
	return job
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
	}{
		{"created", `{"prompt":"lofi beat","instrumental":true}`, nil, http.StatusCreated},
		{"missing prompt", `{"style":"jazz"}`, nil, http.StatusBadRequest},
		{"custom mode without title", `{"prompt":"p","custom_mode":true,"style":"jazz"}`, nil, http.StatusBadRequest},
		{"broken json", `{"prompt":`, nil, http.StatusBadRequest},
		{"upstream rejected", `{"prompt":"p"}`, &domain.UpstreamStatusError{StatusCode: 429, Message: "no credits"}, http.StatusBadGateway},
		{"upstream down", `{"prompt":"p"}`, fmt.Errorf("generate: %w", domain.ErrUpstreamUnavailable), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, svc, _ := setup(t)
			svc.submitErr = tt.submitErr

			w := do(r, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			if tt.wantStatus == http.StatusCreated {
				var job dto.JobDTO
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
				assert.Equal(t, "task-1", job.JobID)
				assert.Equal(t, "PENDING", job.State)
				assert.True(t, job.Request.Instrumental)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	r, svc, _ := setup(t)
	svc.add(succeededJob("J1"))

	w := do(r, http.MethodGet, "/api/v1/jobs/J1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var job dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "SUCCEEDED", job.State)
	assert.Equal(t, "J1.mp3", job.ArtifactRef)
	assert.Equal(t, "/api/v1/jobs/J1/artifact", job.ArtifactURL)
	require.NotNil(t, job.Result)
	assert.Equal(t, "Song", job.Result.Title)

	w = do(r, http.MethodGet, "/api/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetArtifact(t *testing.T) {
	r, svc, _ := setup(t)
	svc.add(succeededJob("J1"))
	svc.artifacts["J1.mp3"] = []byte("ID3 bytes")
	svc.add(domain.NewJob("J2", domain.Request{Prompt: "p"}, time.Now()))

	w := do(r, http.MethodGet, "/api/v1/jobs/J1/artifact", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ID3 bytes", w.Body.String())
	assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "J1.mp3")

	w = do(r, http.MethodGet, "/api/v1/jobs/J2/artifact", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListJobs_Pagination(t *testing.T) {
	r, svc, _ := setup(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		svc.add(domain.NewJob(fmt.Sprintf("J%d", i), domain.Request{Prompt: "p"}, base.Add(time.Duration(i)*time.Second)))
	}

	var seen []string
	cursor := ""
	for page := 0; page < 5; page++ {
		path := "/api/v1/jobs?page_size=2"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		w := do(r, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ListJobsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		for _, job := range resp.Jobs {
			seen = append(seen, job.JobID)
		}
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	assert.Equal(t, []string{"J0", "J1", "J2", "J3", "J4"}, seen)

	w := do(r, http.MethodGet, "/api/v1/jobs?cursor=!!!", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListJobs_StateFilter(t *testing.T) {
	r, svc, _ := setup(t)
	svc.add(domain.NewJob("P", domain.Request{Prompt: "p"}, time.Now()))
	svc.add(succeededJob("S"))

	w := do(r, http.MethodGet, "/api/v1/jobs?state=succeeded", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "S", resp.Jobs[0].JobID)

	w = do(r, http.MethodGet, "/api/v1/jobs?state=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_AlwaysAcknowledges(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		body        string
		dispatchErr error
		wantEvents  int
		wantJobID   string
	}{
		{"complete callback", "/callback", `{"code":200,"data":{"task_id":"J1","callbackType":"complete","data":[{"audio_url":"u"}]}}`, nil, 1, "J1"},
		{"versioned path", "/api/v1/callback", `{"data":{"taskId":"J2","callbackType":"text"}}`, nil, 1, "J2"},
		{"not json", "/callback", `<html>`, nil, 0, ""},
		{"dispatch failure", "/callback", `{"taskId":"J3"}`, errors.New("queue full"), 1, "J3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, dispatcher := setup(t)
			dispatcher.err = tt.dispatchErr

			w := do(r, http.MethodPost, tt.path, tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"status":"received"}`, w.Body.String())

			require.Len(t, dispatcher.events, tt.wantEvents)
			if tt.wantEvents > 0 {
				ev := dispatcher.events[0]
				assert.Equal(t, tt.wantJobID, ev.JobID)
				assert.Equal(t, reconcile.SourceWebhook, ev.Source)
				assert.JSONEq(t, tt.body, string(ev.Payload))
			}
		})
	}
}

// stallingDispatcher blocks like a broker stuck in publish retries
type stallingDispatcher struct {
	hadDeadline atomic.Bool
}

func (d *stallingDispatcher) Dispatch(ctx context.Context, ev reconcile.Event) error {
	_, ok := ctx.Deadline()
	d.hadDeadline.Store(ok)
	<-ctx.Done()
	return ctx.Err()
}

func TestWebhook_DispatchIsBounded(t *testing.T) {
	dispatcher := &stallingDispatcher{}
	r := SetupRouter(&handler.Dependencies{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Service:         newFakeService(),
		Dispatcher:      dispatcher,
		DispatchTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	w := do(r, http.MethodPost, "/callback", `{"taskId":"J1"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"received"}`, w.Body.String())
	assert.True(t, dispatcher.hadDeadline.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestHealthAndIndex(t *testing.T) {
	r, _, _ := setup(t)

	w := do(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"genjob-api","upstream":"reachable","credits":42}`, w.Body.String())

	w = do(r, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)

	var index struct {
		CallbackURL string   `json:"callback_url"`
		Routes      []string `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &index))
	assert.Equal(t, "https://example.com/callback", index.CallbackURL)
	assert.Contains(t, index.Routes, "POST /callback")
	assert.Contains(t, index.Routes, "GET /api/v1/jobs/:job_id/artifact")
}

func TestHealth_Degraded(t *testing.T) {
	r := SetupRouter(&handler.Dependencies{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Service:     newFakeService(),
		Dispatcher:  &fakeDispatcher{},
		Credits:     fakeCredits{err: domain.ErrUpstreamUnavailable},
		ServiceName: "genjob-api",
	})

	w := do(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

type fakeDatabase struct{ err error }

func (d fakeDatabase) HealthCheck(ctx context.Context) error { return d.err }

func TestHealth_Database(t *testing.T) {
	for _, tt := range []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"reachable", nil, http.StatusOK, `"database":"ok"`},
		{"unreachable", errors.New("connection refused"), http.StatusServiceUnavailable, `"database":"unreachable"`},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := SetupRouter(&handler.Dependencies{
				Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
				Service:    newFakeService(),
				Dispatcher: &fakeDispatcher{},
				Database:   fakeDatabase{err: tt.err},
			})

			w := do(r, http.MethodGet, "/health", "")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}

func TestHealth_Broker(t *testing.T) {
	r := SetupRouter(&handler.Dependencies{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Service:    newFakeService(),
		Dispatcher: &fakeDispatcher{},
		Broker:     fakeDatabase{err: errors.New("not connected to RabbitMQ")},
	})

	w := do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.Contains(t, w.Body.String(), `"broker":"unreachable"`)
}

func TestRequestID(t *testing.T) {
	r, _, _ := setup(t)

	w := do(r, http.MethodGet, "/health", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}
