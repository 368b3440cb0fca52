package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/genjob/internal/normalizer"
	"github.com/cuongbtq/genjob/internal/reconcile"
)

const (
	maxWebhookBody         = 1 << 20
	defaultDispatchTimeout = 2 * time.Second
)

// WebhookHandler receives upstream completion callbacks
type WebhookHandler struct {
	logger          *slog.Logger
	dispatcher      EventDispatcher
	dispatchTimeout time.Duration
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	timeout := deps.DispatchTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}

	return &WebhookHandler{
		logger:          deps.Logger,
		dispatcher:      deps.Dispatcher,
		dispatchTimeout: timeout,
	}
}

// Receive handles POST /callback
// Always acknowledges with 200 so the upstream does not retry; an event that
// cannot be queued is picked up by the poll loop instead.
func (h *WebhookHandler) Receive(c *gin.Context) {
	defer c.JSON(http.StatusOK, gin.H{"status": "received"})

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("Failed to read webhook body", slog.Any("error", err))
		return
	}

	if !json.Valid(body) {
		h.logger.Warn("Webhook body is not JSON, leaving job to the poll loop",
			slog.Int("body_size", len(body)),
		)
		return
	}

	ev := reconcile.NewEvent("", reconcile.SourceWebhook, body)
	if raw, err := normalizer.Decode(body); err == nil {
		ev.JobID = normalizer.FindJobID(raw)
	}

	h.logger.Info("Webhook received",
		slog.String("job_id", ev.JobID),
		slog.Int("body_size", len(body)),
	)

	// the acknowledgement waits on this, so a slow broker must not hold it
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.dispatchTimeout)
	defer cancel()

	if err := h.dispatcher.Dispatch(ctx, ev); err != nil {
		h.logger.Error("Failed to queue webhook event, poll loop will reconcile",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
	}
}
