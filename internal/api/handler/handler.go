package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/genjob/internal/api/dto"
	"github.com/cuongbtq/genjob/internal/domain"
	"github.com/cuongbtq/genjob/internal/reconcile"
)

// JobService is the job API consumed by the handlers
type JobService interface {
	Submit(ctx context.Context, req domain.Request) (*domain.Job, error)
	GetStatus(ctx context.Context, jobID string) (*domain.Job, error)
	GetArtifact(ctx context.Context, jobID string) (*domain.Job, []byte, error)
	List(ctx context.Context, states ...domain.State) ([]*domain.Job, error)
	Refresh(ctx context.Context, jobID string) (*domain.Job, error)
}

// EventDispatcher queues webhook events for reconciliation
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev reconcile.Event) error
}

// CreditChecker reports the remaining upstream credit balance
type CreditChecker interface {
	Credits(ctx context.Context) (float64, error)
}

// HealthChecker reports whether a backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Service     JobService
	Dispatcher  EventDispatcher
	Credits     CreditChecker
	Database    HealthChecker
	Broker      HealthChecker
	ServiceName string
	CallbackURL string

	// DispatchTimeout bounds how long a webhook waits to queue its event
	DispatchTimeout time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateJob), errors.Is(err, domain.ErrArtifactNotReady):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUpstreamUnavailable),
		errors.Is(err, domain.ErrUpstreamRejected),
		errors.Is(err, domain.ErrMalformedPayload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *JobHandler) fail(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg,
			slog.String("path", c.Request.URL.Path),
			slog.Any("error", err),
		)
	}

	text := err.Error()
	if status == http.StatusInternalServerError {
		text = msg
	}
	c.JSON(status, dto.ErrorResponse{Error: text})
}
